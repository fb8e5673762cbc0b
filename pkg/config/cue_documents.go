package config

import (
	"fmt"
	"os"
	"strings"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/load"
)

// CUEDocumentLoader evaluates manifests written in CUE into the same
// documents a YAML file produces.
//
// A CUE source either holds a single manifest at the top level (it has a
// kind field) or a manifests field that is a list or a struct of manifests.
// Struct entries keep their field name as the document part.
type CUEDocumentLoader struct {
	ctx *cue.Context
}

// NewCUEDocumentLoader creates a loader with its own CUE context.
func NewCUEDocumentLoader() *CUEDocumentLoader {
	return &CUEDocumentLoader{ctx: cuecontext.New()}
}

// IsCUEFile reports whether the file name has a .cue extension.
func IsCUEFile(name string) bool {
	return strings.HasSuffix(strings.ToLower(name), ".cue")
}

// LoadFile evaluates a single CUE file.
func (l *CUEDocumentLoader) LoadFile(path string) ([]Document, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	val := l.ctx.CompileString(string(content), cue.Filename(path))
	return l.documents(val, path)
}

// LoadDirectory evaluates the CUE package in dir.
func (l *CUEDocumentLoader) LoadDirectory(dir string) ([]Document, error) {
	instances := load.Instances([]string{"."}, &load.Config{Dir: dir})
	if len(instances) == 0 {
		return nil, fmt.Errorf("no CUE files found in %s", dir)
	}
	inst := instances[0]
	if inst.Err != nil {
		return nil, issuesError(inst.Err)
	}
	return l.documents(l.ctx.BuildInstance(inst), dir)
}

// ParseInline evaluates CUE source held in memory.
func (l *CUEDocumentLoader) ParseInline(content string) ([]Document, error) {
	return l.documents(l.ctx.CompileString(content), "")
}

func (l *CUEDocumentLoader) documents(val cue.Value, source string) ([]Document, error) {
	if err := val.Err(); err != nil {
		return nil, issuesError(err)
	}
	if err := val.Validate(cue.Concrete(true)); err != nil {
		return nil, issuesError(err)
	}

	var docs []Document
	add := func(part string, v cue.Value) error {
		var data map[string]interface{}
		if err := v.Decode(&data); err != nil {
			return fmt.Errorf("failed to decode %s: %w", part, err)
		}
		docs = append(docs, Document{Part: part, Source: source, Data: data})
		return nil
	}

	if val.LookupPath(cue.ParsePath("kind")).Exists() {
		if err := add("part_1", val); err != nil {
			return nil, err
		}
		return docs, nil
	}

	manifests := val.LookupPath(cue.ParsePath("manifests"))
	if !manifests.Exists() {
		return nil, nil
	}
	switch manifests.Kind() {
	case cue.ListKind:
		list, err := manifests.List()
		if err != nil {
			return nil, fmt.Errorf("failed to list manifests: %w", err)
		}
		for i := 1; list.Next(); i++ {
			if err := add(fmt.Sprintf("part_%d", i), list.Value()); err != nil {
				return nil, err
			}
		}
	case cue.StructKind:
		iter, err := manifests.Fields()
		if err != nil {
			return nil, fmt.Errorf("failed to iterate manifests: %w", err)
		}
		for iter.Next() {
			if err := add(iter.Selector().String(), iter.Value()); err != nil {
				return nil, err
			}
		}
	default:
		return nil, fmt.Errorf("manifests must be a list or a struct, got %s", manifests.Kind())
	}
	return docs, nil
}

// IssuesError carries every CUE problem found in one source.
type IssuesError struct {
	Issues []ValidationError
}

func (e *IssuesError) Error() string {
	parts := make([]string, 0, len(e.Issues))
	for _, i := range e.Issues {
		parts = append(parts, i.Error())
	}
	return strings.Join(parts, "; ")
}

func issuesError(err error) error {
	return &IssuesError{Issues: ValidationErrors(err)}
}
