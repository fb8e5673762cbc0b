package engine

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/saintfish/chardet"
	"golang.org/x/text/encoding/htmlindex"
)

// variablesPattern matches {{ .Variables.NAME }} tokens.
var variablesPattern = regexp.MustCompile(`\{\{\s+\.Variables\.([\w\s\-.:]+)\s+\}\}`)

// SubstituteString runs both substitution passes over s: static values for
// the environment first, then runtime variables from the cache.
func SubstituteString(s string, values *ValuePlaceHolders, environment string, cache *VariableCache) string {
	if values != nil {
		s = values.ReplaceInString(s, environment)
	}
	return ReplaceVariablesInString(s, cache)
}

// ReplaceVariablesInString substitutes every {{ .Variables.NAME }} token with
// the live, unmasked value of the named variable. Missing and expired
// variables substitute an empty string.
func ReplaceVariablesInString(input string, cache *VariableCache) string {
	if cache == nil || !strings.Contains(input, "{{ .Variables.") {
		return input
	}

	result := input
	for _, match := range variablesPattern.FindAllStringSubmatch(input, -1) {
		name := match[1]
		value, err := cache.Value(name, ExpiredFallback(""), NotFoundFallback(""))
		if err != nil {
			value = ""
		}
		result = strings.ReplaceAll(result, "{{ .Variables."+name+" }}", variableText(value))
	}
	return result
}

// variableText renders a variable value for insertion into a string.
func variableText(value interface{}) string {
	switch t := value.(type) {
	case nil:
		return ""
	case string:
		return t
	case []byte:
		return decodeBytes(t)
	default:
		data, err := json.Marshal(deepCopy(t))
		if err != nil {
			return fmt.Sprint(t)
		}
		return string(data)
	}
}

// decodeBytes converts raw bytes to a string. Bytes that are not valid UTF-8
// are decoded from the detected charset, falling back to the bytes as they are.
func decodeBytes(b []byte) string {
	if utf8.Valid(b) {
		return string(b)
	}
	result, err := chardet.NewTextDetector().DetectBest(b)
	if err != nil || result == nil {
		return string(b)
	}
	enc, err := htmlindex.Get(result.Charset)
	if err != nil {
		return string(b)
	}
	decoded, err := enc.NewDecoder().Bytes(b)
	if err != nil {
		return string(b)
	}
	return string(decoded)
}

// substituteValue walks a decoded document and substitutes every string leaf.
// Maps and lists are rebuilt; other scalars are copied.
func substituteValue(v interface{}, values *ValuePlaceHolders, environment string, cache *VariableCache) interface{} {
	switch t := v.(type) {
	case string:
		return SubstituteString(t, values, environment, cache)
	case map[string]interface{}:
		out := make(map[string]interface{}, len(t))
		for k, val := range t {
			out[k] = substituteValue(val, values, environment, cache)
		}
		return out
	case map[interface{}]interface{}:
		return substituteValue(deepCopy(t), values, environment, cache)
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, item := range t {
			out[i] = substituteValue(item, values, environment, cache)
		}
		return out
	case []string:
		out := make([]interface{}, len(t))
		for i, item := range t {
			out[i] = SubstituteString(item, values, environment, cache)
		}
		return out
	default:
		return deepCopy(t)
	}
}
