package engine

import (
	"fmt"
	"sort"
	"strings"
)

// NoDependency is the destination recorded for a manifest without dependencies.
const NoDependency = "NO-DEP"

// DependencyReference is one src -> dst edge and the number of times it was added.
type DependencyReference struct {
	Src   string
	Dst   string
	Count int
}

// DependencyReferences is the ordered edge set of one action's dependencies.
type DependencyReferences struct {
	refs []*DependencyReference
}

// NewDependencyReferences creates an empty edge set.
func NewDependencyReferences() *DependencyReferences {
	return &DependencyReferences{}
}

// Exists reports whether the src -> dst edge was added.
func (d *DependencyReferences) Exists(src, dst string) bool {
	return d.find(src, dst) != nil
}

func (d *DependencyReferences) find(src, dst string) *DependencyReference {
	for _, ref := range d.refs {
		if ref.Src == src && ref.Dst == dst {
			return ref
		}
	}
	return nil
}

// IncrementCounter bumps the count of an existing edge.
func (d *DependencyReferences) IncrementCounter(src, dst string) {
	if ref := d.find(src, dst); ref != nil {
		ref.Count++
	}
}

// AddDependency records src -> dst. Repeated additions increment the count.
func (d *DependencyReferences) AddDependency(src, dst string) {
	if d.Exists(src, dst) {
		d.IncrementCounter(src, dst)
		return
	}
	d.refs = append(d.refs, &DependencyReference{Src: src, Dst: dst, Count: 1})
}

// DependenciesFor returns the destinations of src in insertion order.
func (d *DependencyReferences) DependenciesFor(src string) []string {
	var deps []string
	if src == NoDependency {
		return deps
	}
	for _, ref := range d.refs {
		if ref.Src == src {
			deps = append(deps, ref.Dst)
		}
	}
	return deps
}

// References returns a copy of every edge in insertion order.
func (d *DependencyReferences) References() []DependencyReference {
	out := make([]DependencyReference, 0, len(d.refs))
	for _, ref := range d.refs {
		out = append(out, *ref)
	}
	return out
}

// DirectCircularReferencesDetected reports whether any a -> b edge has a
// matching b -> a edge. Longer cycles are caught at run time by the
// dependency round counter.
func (d *DependencyReferences) DirectCircularReferencesDetected() bool {
	for _, ref := range d.refs {
		for _, back := range d.DependenciesFor(ref.Dst) {
			if back == ref.Src {
				return true
			}
		}
	}
	return false
}

// Cycles returns every distinct cycle of any length in the edge set, each as
// the path of names ending where it started. Used for reporting only.
func (d *DependencyReferences) Cycles() [][]string {
	adjacency := make(map[string][]string)
	var nodes []string
	seen := make(map[string]bool)
	for _, ref := range d.refs {
		if ref.Dst == NoDependency {
			continue
		}
		adjacency[ref.Src] = append(adjacency[ref.Src], ref.Dst)
		for _, n := range []string{ref.Src, ref.Dst} {
			if !seen[n] {
				seen[n] = true
				nodes = append(nodes, n)
			}
		}
	}

	visited := make(map[string]bool)
	recStack := make(map[string]bool)
	reported := make(map[string]bool)
	var cycles [][]string

	var visit func(node string, path []string)
	visit = func(node string, path []string) {
		visited[node] = true
		recStack[node] = true
		path = append(path, node)

		for _, next := range adjacency[node] {
			if !visited[next] {
				visit(next, path)
				continue
			}
			if !recStack[next] {
				continue
			}
			for i, id := range path {
				if id != next {
					continue
				}
				cycle := append(append([]string(nil), path[i:]...), next)
				key := cycleKey(cycle)
				if !reported[key] {
					reported[key] = true
					cycles = append(cycles, cycle)
				}
				break
			}
		}

		recStack[node] = false
	}

	for _, n := range nodes {
		if !visited[n] {
			visit(n, nil)
		}
	}
	return cycles
}

// cycleKey identifies a cycle independent of where it was entered.
func cycleKey(cycle []string) string {
	members := append([]string(nil), cycle[:len(cycle)-1]...)
	sort.Strings(members)
	return strings.Join(members, "\x00")
}

// FormatCycle renders a cycle as "a -> b -> a".
func FormatCycle(cycle []string) string {
	return strings.Join(cycle, " -> ")
}

// String lists the edges with their counts.
func (d *DependencyReferences) String() string {
	parts := make([]string, 0, len(d.refs))
	for _, ref := range d.refs {
		parts = append(parts, fmt.Sprintf("%s -> %s (%d)", ref.Src, ref.Dst, ref.Count))
	}
	return strings.Join(parts, ", ")
}
