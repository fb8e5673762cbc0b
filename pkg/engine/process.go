package engine

import (
	"context"
	"fmt"
	"slices"
)

// maxDependencyRounds is how often one manifest may have its dependencies
// processed within a single top level apply or delete.
const maxDependencyRounds = 2

// DependencyRequest describes one round of dependency processing.
type DependencyRequest struct {
	Action Action

	// ProcessIfAlreadyApplied processes a dependency whose implementation
	// reports no difference (previously applied).
	ProcessIfAlreadyApplied bool
	// ProcessIfNotAlreadyApplied processes a dependency whose implementation
	// reports a difference.
	ProcessIfNotAlreadyApplied bool
	// ProcessSelf runs the manifest's own action after its dependencies.
	ProcessSelf bool

	// Rounds counts dependency processing per manifest name. It must be
	// fresh for every top level call; nil allocates one.
	Rounds map[string]int

	// Hooks observes dependency processing. Optional.
	Hooks ProcessHooks

	*ActionContext
}

// ProcessHooks lets callers observe dependency processing.
type ProcessHooks interface {
	// DependencyStarted is called before a dependency is processed.
	DependencyStarted(ctx context.Context, parent, dependency string, action Action) context.Context
	// DependencyFinished is called after a dependency was processed.
	DependencyFinished(ctx context.Context, parent, dependency string, action Action, err error)
}

// ProcessDependencies processes m's dependencies for the requested action in
// the order they are listed, then, if requested, substitutes m's placeholders
// and runs its own action.
//
// A manifest that does not run in the target environment is skipped. A
// manifest whose dependencies are processed more than twice in one call
// fails with ErrRecursionDetected.
func ProcessDependencies(ctx context.Context, m Manifest, req DependencyRequest) error {
	if req.ActionContext == nil {
		req.ActionContext = &ActionContext{TargetEnvironment: DefaultEnvironment}
	}
	if req.Rounds == nil {
		req.Rounds = make(map[string]int)
	}

	b := m.Base()
	log := b.Logger()
	name := b.Name()

	if b.HasEnvironments() && !slices.Contains(b.Environments(), req.TargetEnvironment) {
		return nil
	}

	if b.HasDependencies() {
		req.Rounds[name]++
		if req.Rounds[name] > maxDependencyRounds {
			log.Error().
				Int("rounds", req.Rounds[name]).
				Msg("Dependency processing rounds exceeded. Possible recursion detected")
			return NewExecutionError("Possible recursion detected", nil).
				WithCode(ErrCodeRecursionDetected).
				WithManifest(name).
				WithOperation("process_dependencies").
				WithDetail("rounds", req.Rounds[name])
		}

		deps := b.Dependencies(req.Action)
		if len(deps) == 0 {
			log.Warn().Str("action", string(req.Action)).Msg("No dependencies for action")
		}
		for _, depName := range deps {
			if err := processDependency(ctx, name, depName, req); err != nil {
				return err
			}
		}
	} else if b.debug {
		log.Debug().Str("action", string(req.Action)).Msg("No dependencies for manifest")
	}

	if !req.ProcessSelf {
		return nil
	}

	b.ProcessValuePlaceholders(req.Values, req.TargetEnvironment, req.Cache)
	switch req.Action {
	case ActionApply:
		return m.ApplyManifest(ctx, req.ActionContext)
	case ActionDelete:
		return m.DeleteManifest(ctx, req.ActionContext)
	default:
		return NewExecutionError(fmt.Sprintf("Unknown action %q", req.Action), nil).
			WithManifest(name)
	}
}

func processDependency(ctx context.Context, parent, depName string, req DependencyRequest) (err error) {
	if req.Lookup == nil {
		return NewLookupError(fmt.Sprintf("No manifest instance for %q found", depName), nil).
			WithCode(ErrCodeManifestInstanceNotFound).
			WithManifest(parent)
	}
	if req.Hooks != nil {
		ctx = req.Hooks.DependencyStarted(ctx, parent, depName, req.Action)
		defer func() {
			req.Hooks.DependencyFinished(ctx, parent, depName, req.Action, err)
		}()
	}

	dep, err := req.Lookup(depName)
	if err != nil {
		return err
	}
	differs, err := dep.ImplementedManifestDiffers(ctx, req.ActionContext)
	if err != nil {
		return err
	}
	appliedPreviously := !differs
	dep.Base().Logger().Debug().
		Str("parent", parent).
		Bool("applied_previously", appliedPreviously).
		Msg("Processing dependency")

	if appliedPreviously == req.ProcessIfAlreadyApplied {
		if err := ProcessDependencies(ctx, dep, req); err != nil {
			return err
		}
	}
	if appliedPreviously == req.ProcessIfNotAlreadyApplied {
		if err := ProcessDependencies(ctx, dep, req); err != nil {
			return err
		}
	}
	return nil
}
