package plugins

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/tetratelabs/wazero"

	"github.com/openfroyo/animus/pkg/engine"
)

// Defaults for plugin execution.
const (
	DefaultTimeout          = 30 * time.Second
	DefaultMemoryLimitPages = 256 // 16MB
)

// Plugin file extensions.
const (
	StarlarkExtension = ".star"
	WasmExtension     = ".wasm"
)

// hostServices is shared by a loader and every kind it loaded.
type hostServices struct {
	logger           zerolog.Logger
	ledger           Ledger
	schemas          SpecValidator
	timeout          time.Duration
	memoryLimitPages uint32

	mu       sync.Mutex
	runID    string
	runtimes []wazero.Runtime
}

// RunID returns the run id ledger entries are linked to.
func (h *hostServices) RunID() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.runID
}

func (h *hostServices) track(rt wazero.Runtime) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.runtimes = append(h.runtimes, rt)
}

func (h *hostServices) registerSpecSchema(def *Definition) error {
	if def.SpecSchema == "" || h.schemas == nil {
		return nil
	}
	if err := h.schemas.RegisterSpecSchema(def.Kind, def.Version, def.SpecSchema); err != nil {
		return fmt.Errorf("%s: invalid spec_schema for %s %s: %w", def.Source, def.Kind, def.Version, err)
	}
	return nil
}

// Loader discovers manifest kinds in plugin directories. It implements
// engine.ClassLoader.
type Loader struct {
	host *hostServices
}

// LoaderOption configures a Loader.
type LoaderOption func(*hostServices)

// WithLogger sets the logger handed to plugin kinds.
func WithLogger(logger zerolog.Logger) LoaderOption {
	return func(h *hostServices) {
		h.logger = logger.With().Str("component", "plugins").Logger()
	}
}

// WithLedger makes kinds without a differs hook compare against, and record
// to, the ledger.
func WithLedger(ledger Ledger) LoaderOption {
	return func(h *hostServices) {
		h.ledger = ledger
	}
}

// WithSpecValidator registers declared spec schemas and validates specs
// before apply.
func WithSpecValidator(v SpecValidator) LoaderOption {
	return func(h *hostServices) {
		h.schemas = v
	}
}

// WithTimeout bounds every hook call.
func WithTimeout(d time.Duration) LoaderOption {
	return func(h *hostServices) {
		if d > 0 {
			h.timeout = d
		}
	}
}

// WithMemoryLimitPages caps the memory of WebAssembly kinds, in 64KB pages.
func WithMemoryLimitPages(pages uint32) LoaderOption {
	return func(h *hostServices) {
		if pages > 0 {
			h.memoryLimitPages = pages
		}
	}
}

// NewLoader creates a plugin loader.
func NewLoader(opts ...LoaderOption) *Loader {
	h := &hostServices{
		logger:           zerolog.Nop(),
		timeout:          DefaultTimeout,
		memoryLimitPages: DefaultMemoryLimitPages,
	}
	for _, opt := range opts {
		opt(h)
	}
	return &Loader{host: h}
}

// SetRunID links subsequent ledger entries to a run.
func (l *Loader) SetRunID(id string) {
	l.host.mu.Lock()
	defer l.host.mu.Unlock()
	l.host.runID = id
}

// IsPluginFile reports whether name is a file the loader would load.
// Hidden files, names starting with an underscore and other extensions are
// skipped.
func IsPluginFile(name string) bool {
	if strings.HasPrefix(name, ".") || strings.HasPrefix(name, "_") {
		return false
	}
	ext := strings.ToLower(filepath.Ext(name))
	return ext == StarlarkExtension || ext == WasmExtension
}

// LoadClasses loads every plugin file directly inside dir, in name order,
// and returns one factory per kind. Subdirectories are not searched.
func (l *Loader) LoadClasses(ctx context.Context, dir string) ([]engine.Factory, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read directory: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	var factories []engine.Factory
	for _, entry := range entries {
		if entry.IsDir() || !IsPluginFile(entry.Name()) {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		loaded, err := l.LoadFile(ctx, path)
		if err != nil {
			return nil, err
		}
		l.host.logger.Debug().
			Str("file", path).
			Int("kinds", len(loaded)).
			Msg("Loaded plugin file")
		factories = append(factories, loaded...)
	}
	return factories, nil
}

// LoadFile loads the kinds defined in one plugin file.
func (l *Loader) LoadFile(ctx context.Context, path string) ([]engine.Factory, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case StarlarkExtension:
		return loadStarlarkFile(ctx, path, l.host)
	case WasmExtension:
		f, err := loadWasmFile(ctx, path, l.host)
		if err != nil {
			return nil, err
		}
		return []engine.Factory{f}, nil
	default:
		return nil, fmt.Errorf("unsupported plugin file %s", path)
	}
}

// Close releases the WebAssembly runtimes of loaded kinds. Kinds must not be
// used afterwards.
func (l *Loader) Close(ctx context.Context) error {
	l.host.mu.Lock()
	runtimes := l.host.runtimes
	l.host.runtimes = nil
	l.host.mu.Unlock()

	var errs []error
	for _, rt := range runtimes {
		if err := rt.Close(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
