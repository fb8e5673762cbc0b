package commands

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/openfroyo/animus/pkg/config"
	"github.com/openfroyo/animus/pkg/engine"
	"github.com/openfroyo/animus/pkg/plugins"
	"github.com/openfroyo/animus/pkg/stores"
	"github.com/openfroyo/animus/pkg/telemetry"
)

// session is everything a command needs to work on manifests: settings,
// telemetry, the optional ledger, the plugin loader and a manager with the
// plugin kinds registered.
type session struct {
	settings    *config.Settings
	environment string

	tel      *telemetry.Telemetry
	logger   *telemetry.Logger
	recorder *runRecorder
	ledger   *stores.SQLiteStore
	schemas  *config.SchemaRegistry
	loader   *plugins.Loader
	manager  *engine.Manager

	documents []config.Document
}

// newSession loads settings and builds the manager. Manifest files are read
// but not parsed; call parse or parseDocument for that.
func newSession(cmd *cobra.Command) (*session, error) {
	ctx := cmd.Context()

	settings, err := loadSettings()
	if err != nil {
		return nil, err
	}

	sess := &session{settings: settings, environment: environment}
	if sess.environment == "" {
		sess.environment = engine.DefaultEnvironment
	}

	tel, err := telemetry.NewTelemetry(telemetryConfig(settings, sess.environment))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	tel.Logger = telemetry.NewLoggerWithWriter(cmd.ErrOrStderr(), tel.Config.Logging)
	sess.tel = tel
	sess.logger = tel.Logger.NewComponentLogger("cli")
	if level, err := zerolog.ParseLevel(settings.Logging.Level); err == nil && level < zerolog.GlobalLevel() {
		zerolog.SetGlobalLevel(level)
	}

	if err := sess.init(ctx); err != nil {
		_ = sess.Close(ctx)
		return nil, err
	}
	return sess, nil
}

func (sess *session) init(ctx context.Context) error {
	settings := sess.settings

	if settings.Metrics.Enabled {
		if err := sess.tel.StartMetricsServer(); err != nil {
			return err
		}
	}

	if settings.LedgerPath != "" {
		ledger, err := stores.OpenLedger(ctx, settings.LedgerPath)
		if err != nil {
			return fmt.Errorf("failed to open ledger: %w", err)
		}
		sess.ledger = ledger
	}

	sess.schemas = config.NewSchemaRegistry()

	logger := sess.tel.Logger.Zerolog()
	loaderOpts := []plugins.LoaderOption{
		plugins.WithLogger(logger),
		plugins.WithSpecValidator(sess.schemas),
	}
	if sess.ledger != nil {
		loaderOpts = append(loaderOpts, plugins.WithLedger(sess.ledger))
	}
	sess.loader = plugins.NewLoader(loaderOpts...)

	// The target environment is always served by the manager, next to the
	// configured ones.
	environments := settings.Environments
	if !slices.Contains(environments, sess.environment) {
		environments = append(slices.Clone(environments), sess.environment)
	}

	sess.recorder = newRunRecorder(sess.tel.Observer())
	cache := engine.NewVariableCache(
		engine.WithCacheLogger(logger),
		engine.WithCacheDebug(settings.Debug),
	)
	sess.manager = engine.NewManager(cache,
		engine.WithLogger(logger),
		engine.WithManagerDebug(settings.Debug),
		engine.WithMaxCalls(settings.MaxCallsToManifest),
		engine.WithEnvironments(environments...),
		engine.WithValuesFiles(settings.ValuesFiles...),
		engine.WithClassLoader(sess.loader),
		engine.WithObserver(sess.recorder),
	)

	for _, dir := range settings.PluginDirs {
		if err := sess.manager.LoadManifestClassDefinitions(ctx, dir); err != nil {
			return err
		}
	}

	docs, err := config.LoadDocumentFiles(settings.ManifestFiles)
	if err != nil {
		return fmt.Errorf("failed to load manifests: %w", err)
	}
	sess.documents = docs
	sess.logger.WithFields(map[string]interface{}{
		"documents":   len(docs),
		"environment": sess.environment,
	}).Debug("Session ready")
	return nil
}

// parse parses every loaded document in file order and stops at the first
// failure.
func (sess *session) parse() error {
	for _, doc := range sess.documents {
		if err := sess.parseDocument(doc); err != nil {
			return err
		}
	}
	return nil
}

func (sess *session) parseDocument(doc config.Document) error {
	if _, err := sess.manager.ParseManifest(doc.Data); err != nil {
		return fmt.Errorf("%s: %w", documentLabel(doc), err)
	}
	return nil
}

// Close releases plugin runtimes, the ledger and telemetry.
func (sess *session) Close(ctx context.Context) error {
	ctx = context.WithoutCancel(ctx)
	var errs []error
	if sess.loader != nil {
		errs = append(errs, sess.loader.Close(ctx))
	}
	if sess.ledger != nil {
		errs = append(errs, sess.ledger.Close())
	}
	if sess.tel != nil {
		errs = append(errs, sess.tel.Shutdown(ctx))
	}
	return errors.Join(errs...)
}

func loadSettings() (*config.Settings, error) {
	loader := config.NewSettingsLoader()
	if verbose {
		loader.Set("logging.level", "debug")
	}
	if jsonOutput {
		loader.Set("logging.format", "json")
	}
	if len(manifestFiles) > 0 {
		loader.Set("manifest_files", manifestFiles)
	}
	settings, err := loader.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load settings: %w", err)
	}
	return settings, nil
}

func telemetryConfig(settings *config.Settings, environment string) *telemetry.Config {
	cfg := telemetry.DefaultConfig()
	cfg.Environment = environment

	cfg.Logging.Level = settings.Logging.Level
	cfg.Logging.Format = settings.Logging.Format

	switch settings.Tracing.Exporter {
	case "", "none":
		cfg.Tracing.Enabled = false
	default:
		cfg.Tracing.Enabled = true
		cfg.Tracing.Exporter = settings.Tracing.Exporter
		cfg.Tracing.Endpoint = settings.Tracing.Endpoint
	}

	cfg.Metrics.Enabled = settings.Metrics.Enabled
	cfg.Metrics.ListenAddress = settings.Metrics.Listen
	return cfg
}

func documentLabel(doc config.Document) string {
	if doc.Source == "" {
		return doc.Part
	}
	return doc.Source + "#" + doc.Part
}
