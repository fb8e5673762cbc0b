package policy

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

// Policy file extensions.
const (
	RegoExtension = ".rego"
	JSONExtension = ".json"
	YAMLExtension = ".yaml"
	YMLExtension  = ".yml"
)

// decoder turns the content of one policy file into policies.
type decoder func(path string, data []byte) ([]Policy, error)

// Loader reads policies from .rego files and from JSON or YAML policy
// definitions and bundles.
type Loader struct {
	logger   zerolog.Logger
	decoders map[string]decoder
}

// NewLoader creates a policy loader.
func NewLoader(logger zerolog.Logger) *Loader {
	l := &Loader{logger: logger.With().Str("component", "policy-loader").Logger()}
	l.decoders = map[string]decoder{
		RegoExtension: decodeRego,
		JSONExtension: l.decodeJSON,
		YAMLExtension: l.decodeYAML,
		YMLExtension:  l.decodeYAML,
	}
	return l
}

// LoadFromPaths loads every path in order. A path is a policy file or a
// directory searched recursively.
func (l *Loader) LoadFromPaths(ctx context.Context, paths []string) ([]Policy, error) {
	var out []Policy
	for _, path := range paths {
		info, err := os.Stat(path)
		if err != nil {
			return nil, fmt.Errorf("failed to load from path %s: %w", path, err)
		}

		var loaded []Policy
		if info.IsDir() {
			loaded, err = l.loadDirectory(ctx, path)
		} else {
			loaded, err = l.loadFromFile(ctx, path)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to load from path %s: %w", path, err)
		}
		out = append(out, loaded...)
	}

	l.logger.Debug().Int("policies", len(out)).Int("paths", len(paths)).Msg("Policies loaded")
	return out, nil
}

// loadDirectory loads the policy files below dir in lexical path order.
// Files that fail to load are logged and skipped; other files are ignored.
func (l *Loader) loadDirectory(ctx context.Context, dir string) ([]Policy, error) {
	var files []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && l.decoders[strings.ToLower(filepath.Ext(path))] != nil {
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to walk directory: %w", err)
	}
	sort.Strings(files)

	var out []Policy
	for _, path := range files {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		loaded, err := l.loadFromFile(ctx, path)
		if err != nil {
			l.logger.Warn().Err(err).Str("path", path).Msg("Skipping policy file")
			continue
		}
		out = append(out, loaded...)
	}
	return out, nil
}

func (l *Loader) loadFromFile(_ context.Context, path string) ([]Policy, error) {
	decode, ok := l.decoders[strings.ToLower(filepath.Ext(path))]
	if !ok {
		return nil, fmt.Errorf("unsupported file type: %s", path)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}
	policies, err := decode(path, data)
	if err != nil {
		return nil, err
	}
	for _, p := range policies {
		l.logger.Debug().Str("path", path).Str("policy", p.Name).Msg("Policy loaded")
	}
	return policies, nil
}

// LoadBundle loads a JSON or YAML bundle file.
func (l *Loader) LoadBundle(_ context.Context, path string) (*Bundle, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read bundle: %w", err)
	}
	if ext := strings.ToLower(filepath.Ext(path)); ext == YAMLExtension || ext == YMLExtension {
		if data, err = yamlToJSON(data); err != nil {
			return nil, fmt.Errorf("failed to parse bundle: %w", err)
		}
	}
	bundle, err := parseBundle(data)
	if err != nil {
		return nil, err
	}
	for i := range bundle.Policies {
		withSource(&bundle.Policies[i], path)
	}
	return bundle, nil
}

// decodeRego wraps a Rego module in a warning level policy named after the
// file. Its leading comment block is the description.
func decodeRego(path string, data []byte) ([]Policy, error) {
	return []Policy{{
		Name:        strings.TrimSuffix(filepath.Base(path), filepath.Ext(path)),
		Description: leadingComment(string(data)),
		Rego:        string(data),
		Severity:    SeverityWarning,
		Enabled:     true,
		Tags:        []string{},
		Metadata:    map[string]interface{}{"source": path},
	}}, nil
}

// decodeJSON reads one policy, or a bundle when the document has a
// policies list.
func (l *Loader) decodeJSON(path string, data []byte) ([]Policy, error) {
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, fmt.Errorf("failed to parse JSON policy: %w", err)
	}

	if _, isBundle := probe["policies"]; isBundle {
		bundle, err := parseBundle(data)
		if err != nil {
			return nil, err
		}
		l.logger.Debug().
			Str("bundle", bundle.Name).
			Str("version", bundle.Version).
			Int("policies", len(bundle.Policies)).
			Msg("Policy bundle loaded")
		for i := range bundle.Policies {
			withSource(&bundle.Policies[i], path)
		}
		return bundle.Policies, nil
	}

	p := Policy{Enabled: true}
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("failed to parse JSON policy: %w", err)
	}
	withSource(&p, path)
	return []Policy{p}, nil
}

// decodeYAML reads the YAML form of a JSON policy or bundle.
func (l *Loader) decodeYAML(path string, data []byte) ([]Policy, error) {
	converted, err := yamlToJSON(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse YAML policy: %w", err)
	}
	return l.decodeJSON(path, converted)
}

func yamlToJSON(data []byte) ([]byte, error) {
	var doc map[string]interface{}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	if doc == nil {
		return nil, fmt.Errorf("empty document")
	}
	return json.Marshal(doc)
}

func parseBundle(data []byte) (*Bundle, error) {
	var raw struct {
		Bundle
		Policies []json.RawMessage `json:"policies"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse bundle: %w", err)
	}

	bundle := raw.Bundle
	bundle.Policies = make([]Policy, 0, len(raw.Policies))
	for i, item := range raw.Policies {
		p := Policy{Enabled: true}
		if err := json.Unmarshal(item, &p); err != nil {
			return nil, fmt.Errorf("failed to parse bundle policy %d: %w", i, err)
		}
		bundle.Policies = append(bundle.Policies, p)
	}
	if err := validate.Struct(&bundle); err != nil {
		return nil, fmt.Errorf("invalid bundle: %w", err)
	}
	return &bundle, nil
}

func withSource(p *Policy, source string) {
	if p.Severity == "" {
		p.Severity = SeverityWarning
	}
	if p.Metadata == nil {
		p.Metadata = map[string]interface{}{}
	}
	if _, ok := p.Metadata["source"]; !ok {
		p.Metadata["source"] = source
	}
}

// leadingComment joins the first block of # comment lines of a module.
func leadingComment(content string) string {
	var parts []string
	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, "#") {
			if line != "" && len(parts) > 0 {
				break
			}
			continue
		}
		if text := strings.TrimSpace(strings.TrimPrefix(line, "#")); text != "" {
			parts = append(parts, text)
		}
	}
	return strings.Join(parts, " ")
}
