package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Document is one decoded YAML document together with its position in the
// source stream.
type Document struct {
	// Part is the document key, "part_1" for the first document.
	Part string
	// Source is the file the document came from, empty for in-memory input.
	Source string
	// Data is the decoded mapping.
	Data map[string]interface{}
}

// ParseDocuments decodes a multi-document YAML stream. Empty documents are
// skipped; any document that is not a mapping is an error.
func ParseDocuments(data []byte) ([]Document, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	var docs []Document
	for index := 1; ; index++ {
		var raw interface{}
		err := dec.Decode(&raw)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to decode YAML document %d: %w", index, err)
		}
		if raw == nil {
			continue
		}
		m, ok := normalize(raw).(map[string]interface{})
		if !ok {
			return nil, fmt.Errorf("YAML document %d is not a mapping", index)
		}
		docs = append(docs, Document{Part: fmt.Sprintf("part_%d", index), Data: m})
	}
	return docs, nil
}

// ParseDocumentMap is ParseDocuments keyed by part identifier.
func ParseDocumentMap(data []byte) (map[string]map[string]interface{}, error) {
	docs, err := ParseDocuments(data)
	if err != nil {
		return nil, err
	}
	out := make(map[string]map[string]interface{}, len(docs))
	for _, d := range docs {
		out[d.Part] = d.Data
	}
	return out, nil
}

// LoadDocumentFile reads and decodes every document in a YAML file. Files
// with a .cue extension are evaluated with a CUEDocumentLoader instead.
func LoadDocumentFile(path string) ([]Document, error) {
	if IsCUEFile(path) {
		return NewCUEDocumentLoader().LoadFile(path)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	docs, err := ParseDocuments(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	for i := range docs {
		docs[i].Source = path
	}
	return docs, nil
}

// LoadDocumentFiles loads several files, keeping file and document order.
func LoadDocumentFiles(paths []string) ([]Document, error) {
	var all []Document
	for _, p := range paths {
		docs, err := LoadDocumentFile(p)
		if err != nil {
			return nil, err
		}
		all = append(all, docs...)
	}
	return all, nil
}

// IsDocumentFile reports whether LoadDocumentFile can read the file.
func IsDocumentFile(name string) bool {
	return IsYAMLFile(name) || IsCUEFile(name)
}

// IsYAMLFile reports whether the file name has a YAML extension.
func IsYAMLFile(name string) bool {
	lower := strings.ToLower(name)
	return strings.HasSuffix(lower, ".yaml") || strings.HasSuffix(lower, ".yml")
}

// normalize converts the map[interface{}]interface{} shapes some YAML
// constructs produce into string keyed maps.
func normalize(v interface{}) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		for k, val := range t {
			t[k] = normalize(val)
		}
		return t
	case map[interface{}]interface{}:
		out := make(map[string]interface{}, len(t))
		for k, val := range t {
			out[fmt.Sprint(k)] = normalize(val)
		}
		return out
	case []interface{}:
		for i, val := range t {
			t[i] = normalize(val)
		}
		return t
	default:
		return v
	}
}
