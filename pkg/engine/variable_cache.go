package engine

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
)

// VariableCache holds the variables produced during a run, keyed by name in
// insertion order.
//
// The manager drives manifests serially. The lock only makes the cache safe
// for callers that share it outside the manager.
type VariableCache struct {
	mu     sync.RWMutex
	values map[string]*Variable
	order  []string
	logger zerolog.Logger
	debug  bool
}

// CacheOption configures a VariableCache.
type CacheOption func(*VariableCache)

// WithCacheLogger sets the cache logger.
func WithCacheLogger(logger zerolog.Logger) CacheOption {
	return func(c *VariableCache) {
		c.logger = logger.With().Str("component", "variable-cache").Logger()
	}
}

// WithCacheDebug enables debug tracing of stores, reads and deletes.
func WithCacheDebug(debug bool) CacheOption {
	return func(c *VariableCache) {
		c.debug = debug
	}
}

// NewVariableCache creates an empty cache.
func NewVariableCache(opts ...CacheOption) *VariableCache {
	c := &VariableCache{
		values: make(map[string]*Variable),
		logger: zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// StoreVariable stores v under its name. An existing variable with the same
// name is only replaced when overwrite is true.
func (c *VariableCache) StoreVariable(v *Variable, overwrite bool) {
	if v == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.values[v.Name]; exists {
		if !overwrite {
			return
		}
	} else {
		c.order = append(c.order, v.Name)
	}
	c.values[v.Name] = v

	if c.debug {
		logged, _ := v.Value(ForLogging(), ExpiredFallback(nil))
		c.logger.Debug().
			Str("variable", v.Name).
			Interface("value", logged).
			Int("ttl", v.TTL).
			Msg("Variable stored")
	}
}

// Value returns a deep copy of the named variable's value.
//
// Unknown names fail with ErrVariableNotFound unless NotFoundFallback is
// given. Expired variables fail with ErrVariableExpired unless
// ExpiredFallback is given.
func (c *VariableCache) Value(name string, opts ...ReadOption) (interface{}, error) {
	o := newReadOptions(opts)

	// Reads can reset timers, so take the write lock.
	c.mu.Lock()
	v, ok := c.values[name]
	if !ok {
		c.mu.Unlock()
		if o.RaiseOnNotFound {
			c.logDebug(name, "variable not found")
			return nil, NewLookupError(fmt.Sprintf("Variable %q not found", name), nil).
				WithCode(ErrCodeVariableNotFound).
				WithDetail("variable", name)
		}
		c.logDebug(name, "variable not found, returning default")
		return deepCopy(o.DefaultIfNotFound), nil
	}
	value, err := v.read(o)
	c.mu.Unlock()
	return value, err
}

// Get returns the stored variable itself.
func (c *VariableCache) Get(name string) (*Variable, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.values[name]
	return v, ok
}

// Has reports whether a variable with the name is stored, expired or not.
func (c *VariableCache) Has(name string) bool {
	_, ok := c.Get(name)
	return ok
}

// DeleteVariable removes the named variable. Unknown names are ignored.
func (c *VariableCache) DeleteVariable(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.values[name]; !ok {
		return
	}
	delete(c.values, name)
	for i, n := range c.order {
		if n == name {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
	c.logDebug(name, "variable deleted")
}

// Len returns the number of stored variables.
func (c *VariableCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.values)
}

// Names returns the variable names in insertion order.
func (c *VariableCache) Names() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, len(c.order))
	copy(out, c.order)
	return out
}

// ToMap returns {name: Variable.ToMap(forLogging)} for every stored variable.
func (c *VariableCache) ToMap(forLogging bool) map[string]interface{} {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]interface{}, len(c.values))
	for _, name := range c.order {
		out[name] = c.values[name].ToMap(forLogging)
	}
	return out
}

// String renders the cache as JSON with masked values.
func (c *VariableCache) String() string {
	data, err := json.Marshal(c.ToMap(true))
	if err != nil {
		return "{}"
	}
	return string(data)
}

func (c *VariableCache) logDebug(name, msg string) {
	if !c.debug {
		return
	}
	c.logger.Debug().Str("variable", name).Msg(msg)
}
