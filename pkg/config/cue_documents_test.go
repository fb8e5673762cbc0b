package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestCUEDocumentLoader_ParseInline(t *testing.T) {
	loader := NewCUEDocumentLoader()

	tests := []struct {
		name      string
		content   string
		wantParts []string
		wantErr   bool
	}{
		{
			name: "single manifest",
			content: `
kind:    "MyManifest1"
version: "v0.1"
metadata: name: "test1"
spec: val: 1
`,
			wantParts: []string{"part_1"},
		},
		{
			name: "manifest list",
			content: `
_base: {kind: "MyManifest1", version: "v0.1"}
manifests: [
	_base & {metadata: name: "a"},
	_base & {metadata: name: "b"},
]
`,
			wantParts: []string{"part_1", "part_2"},
		},
		{
			name: "manifest struct",
			content: `
manifests: {
	first: {kind: "K", version: "v1"}
	second: {kind: "K", version: "v2"}
}
`,
			wantParts: []string{"first", "second"},
		},
		{
			name:      "no manifests",
			content:   `other: 1`,
			wantParts: nil,
		},
		{
			name:    "manifests of wrong kind",
			content: `manifests: 3`,
			wantErr: true,
		},
		{
			name:    "invalid syntax",
			content: `kind: {`,
			wantErr: true,
		},
		{
			name:    "not concrete",
			content: "kind: string\nversion: \"v1\"\n",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			docs, err := loader.ParseInline(tt.content)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseInline() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			if len(docs) != len(tt.wantParts) {
				t.Fatalf("got %d documents, want %d", len(docs), len(tt.wantParts))
			}
			for i, part := range tt.wantParts {
				if docs[i].Part != part {
					t.Errorf("docs[%d].Part = %s, want %s", i, docs[i].Part, part)
				}
			}
		})
	}
}

func TestCUEDocumentLoader_ParseInline_Decodes(t *testing.T) {
	docs, err := NewCUEDocumentLoader().ParseInline(`
kind: "Recorder"
version: "v1"
metadata: {
	name: "x"
	environments: ["env1", "env2"]
}
`)
	if err != nil {
		t.Fatal(err)
	}
	md, ok := docs[0].Data["metadata"].(map[string]interface{})
	if !ok {
		t.Fatalf("metadata is %T", docs[0].Data["metadata"])
	}
	envs, ok := md["environments"].([]interface{})
	if !ok || len(envs) != 2 || envs[1] != "env2" {
		t.Errorf("environments = %v", md["environments"])
	}
}

func TestCUEDocumentLoader_Errors_CarryPositions(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "broken.cue")
	if err := os.WriteFile(path, []byte("kind: \"a\"\nkind: \"b\"\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	_, err := NewCUEDocumentLoader().LoadFile(path)
	if err == nil {
		t.Fatal("expected conflict error")
	}
	var issues *IssuesError
	if !errors.As(err, &issues) {
		t.Fatalf("expected IssuesError, got %T", err)
	}
	if issues.Issues[0].File == "" || issues.Issues[0].Line == 0 {
		t.Errorf("expected a source position, got %+v", issues.Issues[0])
	}
}

func TestCUEDocumentLoader_LoadDirectory(t *testing.T) {
	dir := t.TempDir()
	files := map[string]string{
		"a.cue": "package infra\n\nmanifests: [{kind: \"K\", version: \"v1\", metadata: name: \"a\"}]\n",
		"b.cue": "package infra\n\nmanifests: [_, {kind: \"K\", version: \"v1\", metadata: name: \"b\"}]\n",
	}
	for name, content := range files {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o600); err != nil {
			t.Fatal(err)
		}
	}

	_, err := NewCUEDocumentLoader().LoadDirectory(dir)
	if err == nil {
		t.Fatal("expected list length conflict between files")
	}

	if err := os.WriteFile(filepath.Join(dir, "b.cue"), []byte("package infra\n\nmanifests: [{spec: size: 3}]\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	docs, err := NewCUEDocumentLoader().LoadDirectory(dir)
	if err != nil {
		t.Fatalf("LoadDirectory() error = %v", err)
	}
	if len(docs) != 1 {
		t.Fatalf("expected 1 unified document, got %d", len(docs))
	}
	if docs[0].Source != dir {
		t.Errorf("source = %s, want %s", docs[0].Source, dir)
	}
}
