package engine

import (
	"context"
	"time"
)

// Outcome is the result of one manager action.
type Outcome string

const (
	OutcomeSucceeded Outcome = "succeeded"
	OutcomeFailed    Outcome = "failed"
)

// Skip reasons reported to observers and plans.
const (
	SkipReasonEnvironment        = "environment"
	SkipReasonManagerEnvironment = "manager-environment"
	SkipReasonSkipFlag           = "skip-flag"
	SkipReasonExecuteOnce        = "execute-once"
)

// Observer receives manager lifecycle notifications. Implementations must
// not block; the manager calls them inline.
type Observer interface {
	ManifestParsed(kind, version, name string)
	ActionStarted(ctx context.Context, action Action, name, environment string) context.Context
	ActionFinished(ctx context.Context, action Action, name, environment string, outcome Outcome, elapsed time.Duration, err error)
	ActionSkipped(ctx context.Context, action Action, name, environment, reason string)
}

type nopObserver struct{}

func (nopObserver) ManifestParsed(string, string, string) {}

func (nopObserver) ActionStarted(ctx context.Context, _ Action, _, _ string) context.Context {
	return ctx
}

func (nopObserver) ActionFinished(context.Context, Action, string, string, Outcome, time.Duration, error) {
}

func (nopObserver) ActionSkipped(context.Context, Action, string, string, string) {}
