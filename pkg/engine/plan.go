package engine

import (
	"fmt"
	"slices"
	"strings"
)

// PlanStep is one manifest in an execution plan.
type PlanStep struct {
	Name    string `json:"name"`
	Kind    string `json:"kind"`
	Version string `json:"version"`
	Action  Action `json:"action"`
	// Parent is the manifest that pulled this one in as a dependency, empty
	// for manifests requested directly.
	Parent string `json:"parent,omitempty"`
	// Skipped is set when the manifest would not run, with Reason saying why.
	Skipped bool   `json:"skipped"`
	Reason  string `json:"reason,omitempty"`
}

// ExecutionPlan lists, dependencies first, what the given names would do
// for action in environment. With no names every parsed manifest is
// planned in parse order (reverse order for delete).
//
// Implementations are not called, so the plan assumes every dependency
// differs from what was applied before. Each manifest appears once.
func (m *Manager) ExecutionPlan(action Action, environment string, names ...string) ([]PlanStep, error) {
	if environment == "" {
		environment = DefaultEnvironment
	}
	if len(names) == 0 {
		for _, inst := range m.Instances() {
			names = append(names, inst.Base().Name())
		}
		if action == ActionDelete {
			slices.Reverse(names)
		}
	}

	p := &planner{manager: m, action: action, environment: environment, seen: make(map[string]bool)}
	for _, name := range names {
		if err := p.visitRoot(name); err != nil {
			return nil, err
		}
	}
	return p.steps, nil
}

type planner struct {
	manager     *Manager
	action      Action
	environment string
	seen        map[string]bool
	steps       []PlanStep
}

func (p *planner) visitRoot(name string) error {
	instance, err := p.manager.ManifestInstanceByName(name)
	if err != nil {
		return err
	}
	b := instance.Base()
	if p.seen[b.Name()] {
		return nil
	}

	skipFlag := MetaSkipApplyAll
	if p.action == ActionDelete {
		skipFlag = MetaSkipDeleteAll
	}
	switch {
	case !slices.Contains(b.Environments(), p.environment):
		p.skip(b, "", SkipReasonEnvironment)
		return nil
	case !slices.Contains(p.manager.environments, p.environment):
		p.skip(b, "", SkipReasonManagerEnvironment)
		return nil
	case b.Flag(skipFlag):
		p.skip(b, "", SkipReasonSkipFlag)
		return nil
	}
	return p.visit(instance, "", nil)
}

func (p *planner) visit(instance Manifest, parent string, path []string) error {
	b := instance.Base()
	name := b.Name()
	if p.seen[name] {
		return nil
	}
	if slices.Contains(path, name) {
		cycle := append(append([]string(nil), path...), name)
		return NewExecutionError(fmt.Sprintf("Dependency cycle %s", strings.Join(cycle, " -> ")), nil).
			WithCode(ErrCodeRecursionDetected).
			WithManifest(name).
			WithOperation("plan")
	}
	if b.HasEnvironments() && !slices.Contains(b.Environments(), p.environment) {
		p.skip(b, parent, SkipReasonEnvironment)
		return nil
	}

	path = append(path, name)
	for _, depName := range b.Dependencies(p.action) {
		dep, err := p.manager.ManifestInstanceByName(depName)
		if err != nil {
			return err
		}
		if err := p.visit(dep, name, path); err != nil {
			return err
		}
	}

	p.seen[name] = true
	p.steps = append(p.steps, PlanStep{
		Name:    name,
		Kind:    b.Kind,
		Version: b.Version,
		Action:  p.action,
		Parent:  parent,
	})
	return nil
}

func (p *planner) skip(b *ManifestBase, parent, reason string) {
	p.seen[b.Name()] = true
	p.steps = append(p.steps, PlanStep{
		Name:    b.Name(),
		Kind:    b.Kind,
		Version: b.Version,
		Action:  p.action,
		Parent:  parent,
		Skipped: true,
		Reason:  reason,
	})
}
