package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDependencyReferences_AddDependency_CountsRepeats(t *testing.T) {
	d := NewDependencyReferences()
	d.AddDependency("a", "b")
	d.AddDependency("a", "b")
	d.AddDependency("a", "c")

	assert.Equal(t, []DependencyReference{
		{Src: "a", Dst: "b", Count: 2},
		{Src: "a", Dst: "c", Count: 1},
	}, d.References())
	assert.Equal(t, []string{"b", "c"}, d.DependenciesFor("a"))
	assert.Empty(t, d.DependenciesFor("b"))
	assert.Equal(t, "a -> b (2), a -> c (1)", d.String())
}

func TestDependencyReferences_DependenciesFor_NoDependency(t *testing.T) {
	d := NewDependencyReferences()
	d.AddDependency(NoDependency, "x")
	assert.Empty(t, d.DependenciesFor(NoDependency))
}

func TestDependencyReferences_DirectCircularReferencesDetected(t *testing.T) {
	tests := []struct {
		name  string
		edges [][2]string
		want  bool
	}{
		{name: "empty", want: false},
		{name: "chain", edges: [][2]string{{"a", "b"}, {"b", "c"}}, want: false},
		{name: "direct", edges: [][2]string{{"a", "b"}, {"b", "a"}}, want: true},
		{name: "self", edges: [][2]string{{"a", "a"}}, want: true},
		{name: "three node cycle", edges: [][2]string{{"a", "c"}, {"c", "b"}, {"b", "a"}}, want: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := NewDependencyReferences()
			for _, e := range tt.edges {
				d.AddDependency(e[0], e[1])
			}
			assert.Equal(t, tt.want, d.DirectCircularReferencesDetected())
		})
	}
}

func TestDependencyReferences_Cycles(t *testing.T) {
	d := NewDependencyReferences()
	d.AddDependency("a", "c")
	d.AddDependency("c", "b")
	d.AddDependency("b", "a")
	d.AddDependency("x", "y")
	d.AddDependency("z", NoDependency)

	cycles := d.Cycles()
	require.Len(t, cycles, 1)
	assert.Equal(t, []string{"a", "c", "b", "a"}, cycles[0])
	assert.Equal(t, "a -> c -> b -> a", FormatCycle(cycles[0]))
}

func TestDependencyReferences_Cycles_None(t *testing.T) {
	d := NewDependencyReferences()
	d.AddDependency("a", "b")
	d.AddDependency("a", "c")
	d.AddDependency("b", "c")
	assert.Empty(t, d.Cycles())
}
