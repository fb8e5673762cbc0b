package commands

import (
	"context"
	"sync"
	"time"

	"github.com/openfroyo/animus/pkg/engine"
	"github.com/openfroyo/animus/pkg/telemetry"
)

// stepResult is one finished or skipped manager action of a run.
type stepResult struct {
	Name     string        `json:"name"`
	Action   engine.Action `json:"action"`
	Outcome  string        `json:"outcome"`
	Reason   string        `json:"reason,omitempty"`
	Duration time.Duration `json:"duration_ns,omitempty"`
	Error    string        `json:"error,omitempty"`
}

const outcomeSkipped = "skipped"

// runRecorder forwards manager notifications to telemetry and keeps the
// results of the current run for the command summary. Manifests processed as
// dependencies are steps too, recorded when their processing finishes.
type runRecorder struct {
	*telemetry.ManagerObserver

	mu    sync.Mutex
	steps []stepResult
}

func newRunRecorder(observer *telemetry.ManagerObserver) *runRecorder {
	return &runRecorder{ManagerObserver: observer}
}

func (r *runRecorder) ActionFinished(ctx context.Context, action engine.Action, name, env string, outcome engine.Outcome, elapsed time.Duration, err error) {
	r.ManagerObserver.ActionFinished(ctx, action, name, env, outcome, elapsed, err)

	step := stepResult{Name: name, Action: action, Outcome: string(outcome), Duration: elapsed}
	if err != nil {
		step.Error = err.Error()
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	// An execute-once skip is reported inside a started action, so the
	// action also finishes. Keep it as the skip.
	if n := len(r.steps); n > 0 && err == nil {
		last := &r.steps[n-1]
		if last.Outcome == outcomeSkipped && last.Name == name && last.Action == action {
			last.Duration = elapsed
			return
		}
	}
	r.steps = append(r.steps, step)
}

func (r *runRecorder) ActionSkipped(ctx context.Context, action engine.Action, name, env, reason string) {
	r.ManagerObserver.ActionSkipped(ctx, action, name, env, reason)

	r.mu.Lock()
	defer r.mu.Unlock()
	r.steps = append(r.steps, stepResult{Name: name, Action: action, Outcome: outcomeSkipped, Reason: reason})
}

type dependencyStartKey struct{}

func (r *runRecorder) DependencyStarted(ctx context.Context, parent, dependency string, action engine.Action) context.Context {
	ctx = r.ManagerObserver.DependencyStarted(ctx, parent, dependency, action)
	return context.WithValue(ctx, dependencyStartKey{}, time.Now())
}

func (r *runRecorder) DependencyFinished(ctx context.Context, parent, dependency string, action engine.Action, err error) {
	r.ManagerObserver.DependencyFinished(ctx, parent, dependency, action, err)

	step := stepResult{Name: dependency, Action: action, Outcome: string(engine.OutcomeSucceeded)}
	if start, ok := ctx.Value(dependencyStartKey{}).(time.Time); ok {
		step.Duration = time.Since(start)
	}
	if err != nil {
		step.Outcome = string(engine.OutcomeFailed)
		step.Error = err.Error()
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.steps = append(r.steps, step)
}

// take returns the recorded steps and starts a new recording.
func (r *runRecorder) take() []stepResult {
	r.mu.Lock()
	defer r.mu.Unlock()
	steps := r.steps
	r.steps = nil
	return steps
}
