package engine

import (
	"testing"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"golang.org/x/text/encoding/charmap"
)

func TestSubstituteString_ValuesThenVariables(t *testing.T) {
	values := NewValuePlaceHolders(zerolog.Nop())
	values.AddEnvironmentValue("test1", "default", "val1")
	values.AddEnvironmentValue("test1", "other", "val2")
	cache := NewVariableCache()
	cache.StoreVariable(NewVariable("VAR2", "val2"), false)
	cache.StoreVariable(NewVariable("secret", "hunter2", WithMaskInLogs()), false)

	tests := []struct {
		name  string
		input string
		env   string
		want  string
	}{
		{name: "both passes", input: "1: {{ .Values.test1 }} and 2: {{ .Variables.VAR2 }}", env: "default", want: "1: val1 and 2: val2"},
		{name: "other environment", input: "{{ .Values.test1 }}", env: "other", want: "val2"},
		{name: "masked variable is unmasked", input: "pw={{ .Variables.secret }}", env: "default", want: "pw=hunter2"},
		{name: "missing variable", input: "[{{ .Variables.nope }}]", env: "default", want: "[]"},
		{name: "no tokens", input: "plain", env: "default", want: "plain"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, SubstituteString(tt.input, values, tt.env, cache))
		})
	}
}

func TestReplaceVariablesInString_ExpiredIsEmpty(t *testing.T) {
	clock := newFakeClock()
	cache := NewVariableCache()
	cache.StoreVariable(NewVariable("tok", "abc", WithTTL(1), WithClock(clock.Now)), false)
	clock.Advance(5 * time.Second)

	assert.Equal(t, "token=", ReplaceVariablesInString("token={{ .Variables.tok }}", cache))
}

func TestReplaceVariablesInString_NonStringValues(t *testing.T) {
	cache := NewVariableCache()
	cache.StoreVariable(NewVariable("n", 42), false)
	cache.StoreVariable(NewVariable("list", []interface{}{"a", 1}), false)
	cache.StoreVariable(NewVariable("obj", map[string]interface{}{"k": "v"}), false)
	cache.StoreVariable(NewVariable("raw", []byte("bytes")), false)
	cache.StoreVariable(NewVariable("none", nil), false)

	got := ReplaceVariablesInString(
		"{{ .Variables.n }} {{ .Variables.list }} {{ .Variables.obj }} {{ .Variables.raw }} [{{ .Variables.none }}]",
		cache,
	)
	assert.Equal(t, `42 ["a",1] {"k":"v"} bytes []`, got)
}

func TestDecodeBytes(t *testing.T) {
	assert.Equal(t, "", decodeBytes(nil))
	assert.Equal(t, "héllo wörld", decodeBytes([]byte("héllo wörld")))

	latin1, err := charmap.ISO8859_1.NewEncoder().String(
		"Ceci est une phrase en français, avec des caractères accentués comme é, è, à et ç. " +
			"Elle est assez longue pour que la détection du jeu de caractères fonctionne correctement.",
	)
	assert.NoError(t, err)
	assert.False(t, utf8.ValidString(latin1))

	decoded := decodeBytes([]byte(latin1))
	assert.True(t, utf8.ValidString(decoded))
	assert.Contains(t, decoded, "Ceci est une phrase en fran")
}

func TestSubstituteValue_Nested(t *testing.T) {
	values := NewValuePlaceHolders(zerolog.Nop())
	values.AddEnvironmentValue("host", "default", "db.local")
	cache := NewVariableCache()
	cache.StoreVariable(NewVariable("port", 5432), false)

	doc := map[string]interface{}{
		"spec": map[string]interface{}{
			"url":  "postgres://{{ .Values.host }}:{{ .Variables.port }}",
			"more": []interface{}{"{{ .Values.host }}", true, map[string]interface{}{"x": "{{ .Variables.port }}"}},
			"tags": []string{"{{ .Values.host }}"},
		},
	}
	got := substituteValue(doc, values, "default", cache)

	assert.Equal(t, map[string]interface{}{
		"spec": map[string]interface{}{
			"url":  "postgres://db.local:5432",
			"more": []interface{}{"db.local", true, map[string]interface{}{"x": "5432"}},
			"tags": []interface{}{"db.local"},
		},
	}, got)
	assert.Equal(t, "{{ .Values.host }}", doc["spec"].(map[string]interface{})["tags"].([]string)[0])
}
