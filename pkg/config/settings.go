package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// Environment variable prefix for animus settings.
const envPrefix = "ANIMUS"

// Settings is the run configuration of the animus CLI.
type Settings struct {
	Debug              bool     `mapstructure:"debug"`
	MaxCallsToManifest int      `mapstructure:"max_calls_to_manifest" validate:"min=1"`
	Environments       []string `mapstructure:"environments" validate:"min=1,dive,required"`
	ValuesFiles        []string `mapstructure:"values_files" validate:"dive,required"`
	PluginDirs         []string `mapstructure:"plugin_dirs" validate:"dive,required"`
	ManifestFiles      []string `mapstructure:"manifest_files" validate:"dive,required"`
	LedgerPath         string   `mapstructure:"ledger_path"`
	PolicyPaths        []string `mapstructure:"policy_paths" validate:"dive,required"`
	Schedule           string   `mapstructure:"schedule"`

	Logging LoggingSettings `mapstructure:"logging"`
	Metrics MetricsSettings `mapstructure:"metrics"`
	Tracing TracingSettings `mapstructure:"tracing"`
}

// LoggingSettings configures the process logger.
type LoggingSettings struct {
	Level  string `mapstructure:"level" validate:"oneof=debug info warn error"`
	Format string `mapstructure:"format" validate:"oneof=console json"`
}

// MetricsSettings configures the Prometheus endpoint.
type MetricsSettings struct {
	Enabled bool   `mapstructure:"enabled"`
	Listen  string `mapstructure:"listen" validate:"required_if=Enabled true"`
}

// TracingSettings configures span export.
type TracingSettings struct {
	Exporter string `mapstructure:"exporter" validate:"omitempty,oneof=none stdout otlp"`
	Endpoint string `mapstructure:"endpoint"`
}

// SettingsLoader reads Settings from an optional file and the environment.
type SettingsLoader struct {
	v *viper.Viper
}

// NewSettingsLoader creates a loader with defaults and environment bindings.
// Unprefixed DEBUG and MAX_CALLS_TO_MANIFEST are honoured next to their
// ANIMUS_ forms.
func NewSettingsLoader() *SettingsLoader {
	v := viper.New()

	v.SetDefault("debug", false)
	v.SetDefault("max_calls_to_manifest", 10)
	v.SetDefault("environments", []string{"default"})
	v.SetDefault("values_files", []string{"values.yaml"})
	v.SetDefault("plugin_dirs", []string{})
	v.SetDefault("manifest_files", []string{})
	v.SetDefault("ledger_path", "")
	v.SetDefault("policy_paths", []string{})
	v.SetDefault("schedule", "")
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "console")
	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.listen", ":9090")
	v.SetDefault("tracing.exporter", "none")
	v.SetDefault("tracing.endpoint", "localhost:4317")

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	_ = v.BindEnv("debug", "ANIMUS_DEBUG", "DEBUG")
	_ = v.BindEnv("max_calls_to_manifest", "ANIMUS_MAX_CALLS_TO_MANIFEST", "MAX_CALLS_TO_MANIFEST")

	return &SettingsLoader{v: v}
}

// Load reads configFile, when given and present, then applies the
// environment and validates the result.
func (l *SettingsLoader) Load(configFile string) (*Settings, error) {
	if configFile != "" {
		l.v.SetConfigFile(configFile)
		l.v.SetConfigType("yaml")
		if err := l.v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) && !os.IsNotExist(err) {
				return nil, fmt.Errorf("reading config file: %w", err)
			}
		}
	}

	var s Settings
	if err := l.v.Unmarshal(&s); err != nil {
		return nil, fmt.Errorf("unmarshaling settings: %w", err)
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

// Set overrides a single key, as command line flags do.
func (l *SettingsLoader) Set(key string, value interface{}) {
	l.v.Set(key, value)
}

// DefaultSettings returns the settings used without file or environment.
func DefaultSettings() *Settings {
	return &Settings{
		MaxCallsToManifest: 10,
		Environments:       []string{"default"},
		ValuesFiles:        []string{"values.yaml"},
		Logging:            LoggingSettings{Level: "info", Format: "console"},
		Metrics:            MetricsSettings{Listen: ":9090"},
		Tracing:            TracingSettings{Exporter: "none", Endpoint: "localhost:4317"},
	}
}

var validate = validator.New()

// Validate checks the struct rules and reports every failing field as
// "field: rule".
func (s *Settings) Validate() error {
	err := validate.Struct(s)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("invalid settings: %w", err)
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, fmt.Sprintf("%s: %s", fe.Namespace(), fe.Tag()))
	}
	return fmt.Errorf("invalid settings: %s", strings.Join(msgs, ", "))
}
