package config

import (
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
)

func TestSettingsLoader_Defaults(t *testing.T) {
	s, err := NewSettingsLoader().Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	want := DefaultSettings()
	if s.MaxCallsToManifest != want.MaxCallsToManifest {
		t.Errorf("MaxCallsToManifest = %d, want %d", s.MaxCallsToManifest, want.MaxCallsToManifest)
	}
	if !reflect.DeepEqual(s.Environments, want.Environments) {
		t.Errorf("Environments = %v, want %v", s.Environments, want.Environments)
	}
	if !reflect.DeepEqual(s.ValuesFiles, want.ValuesFiles) {
		t.Errorf("ValuesFiles = %v, want %v", s.ValuesFiles, want.ValuesFiles)
	}
	if len(s.PluginDirs) != 0 || len(s.ManifestFiles) != 0 || len(s.PolicyPaths) != 0 {
		t.Errorf("expected no plugin dirs, manifest files or policy paths, got %+v", s)
	}
	if s.Logging != want.Logging || s.Metrics != want.Metrics || s.Tracing != want.Tracing {
		t.Errorf("Logging/Metrics/Tracing = %+v %+v %+v", s.Logging, s.Metrics, s.Tracing)
	}
}

func TestSettingsLoader_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "animus.yaml")
	content := `
environments: [dev, prod]
values_files: [values/dev.yaml]
plugin_dirs: [plugins]
manifest_files: [manifests/app.yaml]
ledger_path: state/ledger.db
schedule: "*/5 * * * *"
logging:
  level: debug
  format: json
metrics:
  enabled: true
  listen: ":9100"
tracing:
  exporter: stdout
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}

	s, err := NewSettingsLoader().Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if !reflect.DeepEqual(s.Environments, []string{"dev", "prod"}) {
		t.Errorf("Environments = %v", s.Environments)
	}
	if s.LedgerPath != "state/ledger.db" {
		t.Errorf("LedgerPath = %s", s.LedgerPath)
	}
	if s.Schedule != "*/5 * * * *" {
		t.Errorf("Schedule = %s", s.Schedule)
	}
	if s.Logging.Format != "json" || s.Logging.Level != "debug" {
		t.Errorf("Logging = %+v", s.Logging)
	}
	if !s.Metrics.Enabled || s.Metrics.Listen != ":9100" {
		t.Errorf("Metrics = %+v", s.Metrics)
	}
	if s.MaxCallsToManifest != 10 {
		t.Errorf("MaxCallsToManifest = %d, want default 10", s.MaxCallsToManifest)
	}
}

func TestSettingsLoader_MissingFileUsesDefaults(t *testing.T) {
	s, err := NewSettingsLoader().Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if s.MaxCallsToManifest != 10 {
		t.Errorf("MaxCallsToManifest = %d", s.MaxCallsToManifest)
	}
}

func TestSettingsLoader_Environment(t *testing.T) {
	t.Setenv("DEBUG", "1")
	t.Setenv("MAX_CALLS_TO_MANIFEST", "4")
	t.Setenv("ANIMUS_LOGGING_LEVEL", "warn")
	t.Setenv("ANIMUS_LEDGER_PATH", "/tmp/ledger.db")

	s, err := NewSettingsLoader().Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if !s.Debug {
		t.Error("expected DEBUG=1 to enable debug")
	}
	if s.MaxCallsToManifest != 4 {
		t.Errorf("MaxCallsToManifest = %d, want 4", s.MaxCallsToManifest)
	}
	if s.Logging.Level != "warn" {
		t.Errorf("Logging.Level = %s, want warn", s.Logging.Level)
	}
	if s.LedgerPath != "/tmp/ledger.db" {
		t.Errorf("LedgerPath = %s", s.LedgerPath)
	}
}

func TestSettingsLoader_Set(t *testing.T) {
	l := NewSettingsLoader()
	l.Set("environments", []string{"staging"})

	s, err := l.Load("")
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(s.Environments, []string{"staging"}) {
		t.Errorf("Environments = %v", s.Environments)
	}
}

func TestSettings_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Settings)
		wantErr string
	}{
		{name: "defaults", mutate: func(*Settings) {}},
		{name: "zero max calls", mutate: func(s *Settings) { s.MaxCallsToManifest = 0 }, wantErr: "MaxCallsToManifest: min"},
		{name: "no environments", mutate: func(s *Settings) { s.Environments = nil }, wantErr: "Environments: min"},
		{name: "empty environment", mutate: func(s *Settings) { s.Environments = []string{""} }, wantErr: "Environments[0]: required"},
		{name: "bad log level", mutate: func(s *Settings) { s.Logging.Level = "loud" }, wantErr: "Level: oneof"},
		{name: "bad exporter", mutate: func(s *Settings) { s.Tracing.Exporter = "zipkin" }, wantErr: "Exporter: oneof"},
		{name: "metrics without listen", mutate: func(s *Settings) {
			s.Metrics.Enabled = true
			s.Metrics.Listen = ""
		}, wantErr: "Listen: required_if"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := DefaultSettings()
			tt.mutate(s)
			err := s.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Validate() error = %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() error = %v, want it to contain %q", err, tt.wantErr)
			}
		})
	}
}
