package engine

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"
)

// NeverExpires is the expiry timestamp reported for variables without a TTL.
const NeverExpires int64 = 9999999999

// Variable is a named runtime value produced by a manifest implementation and
// kept in a VariableCache for the rest of the run.
//
// A negative TTL never expires. Otherwise the variable is expired once more
// than TTL seconds have elapsed since it was created or its timer was reset.
type Variable struct {
	Name       string
	TTL        int
	MaskInLogs bool

	value         interface{}
	initTimestamp int64

	now    func() time.Time
	logger zerolog.Logger
	debug  bool
}

// VariableOption configures a Variable.
type VariableOption func(*Variable)

// WithTTL sets the time to live in seconds. Negative values never expire.
func WithTTL(seconds int) VariableOption {
	return func(v *Variable) {
		v.TTL = seconds
	}
}

// WithMaskInLogs masks the value whenever it is read for logging.
func WithMaskInLogs() VariableOption {
	return func(v *Variable) {
		v.MaskInLogs = true
	}
}

// WithClock overrides the time source. Used by tests.
func WithClock(now func() time.Time) VariableOption {
	return func(v *Variable) {
		if now != nil {
			v.now = now
		}
	}
}

// WithVariableLogger sets the logger used for debug tracing.
func WithVariableLogger(logger zerolog.Logger) VariableOption {
	return func(v *Variable) {
		v.logger = logger
	}
}

// WithDebug enables debug tracing of timer and expiry decisions.
func WithDebug(debug bool) VariableOption {
	return func(v *Variable) {
		v.debug = debug
	}
}

// NewVariable creates a variable holding initial. The timer starts now.
func NewVariable(name string, initial interface{}, opts ...VariableOption) *Variable {
	v := &Variable{
		Name:   name,
		TTL:    -1,
		value:  initial,
		now:    time.Now,
		logger: zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(v)
	}
	v.initTimestamp = v.timestamp()
	return v
}

func (v *Variable) timestamp() int64 {
	return v.now().UTC().Unix()
}

func (v *Variable) logDebug(msg string) {
	if !v.debug {
		return
	}
	v.logger.Debug().Str("variable", v.Name).Msg(msg)
}

// SetValue replaces the value. When resetTTL is true the expiry timer restarts.
func (v *Variable) SetValue(value interface{}, resetTTL bool) {
	v.value = value
	if resetTTL {
		v.logDebug("resetting timers")
		v.initTimestamp = v.timestamp()
	}
}

// Expired reports whether the TTL has elapsed.
func (v *Variable) Expired() bool {
	if v.TTL < 0 {
		v.logDebug("not expired, ttl less than zero")
		return false
	}
	elapsed := v.timestamp() - v.initTimestamp
	if elapsed > int64(v.TTL) {
		v.logDebug(fmt.Sprintf("expired, elapsed=%d ttl=%d", elapsed, v.TTL))
		return true
	}
	return false
}

// ExpiresAt returns the UTC unix timestamp at which the value expires, or
// NeverExpires when the TTL is negative.
func (v *Variable) ExpiresAt() int64 {
	if v.TTL < 0 {
		return NeverExpires
	}
	return v.initTimestamp + int64(v.TTL)
}

// ReadOptions controls how a value is read from a Variable or a VariableCache.
type ReadOptions struct {
	// ValueIfExpired is returned instead of failing when RaiseOnExpired is false.
	ValueIfExpired interface{}
	// RaiseOnExpired fails reads of expired variables with ErrVariableExpired.
	RaiseOnExpired bool
	// ResetTimerOnRead restarts the expiry timer on a successful read.
	ResetTimerOnRead bool
	// ForLogging applies masking to masked variables.
	ForLogging bool
	// RaiseOnNotFound fails cache reads of unknown names with ErrVariableNotFound.
	RaiseOnNotFound bool
	// DefaultIfNotFound is returned instead of failing when RaiseOnNotFound is false.
	DefaultIfNotFound interface{}
}

// ReadOption adjusts ReadOptions.
type ReadOption func(*ReadOptions)

// ExpiredFallback returns value instead of failing when the variable is expired.
func ExpiredFallback(value interface{}) ReadOption {
	return func(o *ReadOptions) {
		o.RaiseOnExpired = false
		o.ValueIfExpired = value
	}
}

// NotFoundFallback returns value instead of failing when no variable has the name.
func NotFoundFallback(value interface{}) ReadOption {
	return func(o *ReadOptions) {
		o.RaiseOnNotFound = false
		o.DefaultIfNotFound = value
	}
}

// ResetTimerOnRead restarts the expiry timer on read.
func ResetTimerOnRead() ReadOption {
	return func(o *ReadOptions) {
		o.ResetTimerOnRead = true
	}
}

// ForLogging masks the returned value if the variable is masked.
func ForLogging() ReadOption {
	return func(o *ReadOptions) {
		o.ForLogging = true
	}
}

func newReadOptions(opts []ReadOption) ReadOptions {
	o := ReadOptions{RaiseOnExpired: true, RaiseOnNotFound: true}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// Value returns a deep copy of the current value.
func (v *Variable) Value(opts ...ReadOption) (interface{}, error) {
	return v.read(newReadOptions(opts))
}

func (v *Variable) read(o ReadOptions) (interface{}, error) {
	result := deepCopy(v.value)
	if v.Expired() {
		if o.RaiseOnExpired {
			return nil, NewLookupError("Expired", nil).
				WithCode(ErrCodeVariableExpired).
				WithDetail("variable", v.Name)
		}
		v.logDebug("expired, returning alternate value")
		result = deepCopy(o.ValueIfExpired)
	} else if o.ResetTimerOnRead {
		v.logDebug("resetting timers")
		v.initTimestamp = v.timestamp()
	}

	if result != nil && o.ForLogging && v.MaskInLogs {
		return maskValue(result), nil
	}
	return result, nil
}

func maskValue(value interface{}) interface{} {
	if s, ok := value.(string); ok {
		return strings.Repeat("*", utf8.RuneCountInString(s))
	}
	return "***"
}

// ToMap returns the dictionary form {ttl, value, expires}. The value is
// rendered as a string, empty when nil.
func (v *Variable) ToMap(forLogging bool) map[string]interface{} {
	value := ""
	if v.value != nil {
		value = stringify(v.value)
		if forLogging && v.MaskInLogs {
			value = maskValue(value).(string)
		}
	}
	return map[string]interface{}{
		"ttl":     v.TTL,
		"value":   value,
		"expires": v.ExpiresAt(),
	}
}

// stringify renders scalars with fmt and containers as JSON.
func stringify(value interface{}) string {
	switch t := value.(type) {
	case nil:
		return ""
	case string:
		return t
	case []byte:
		return string(t)
	case map[string]interface{}, map[interface{}]interface{}, []interface{}, []string, map[string]string:
		data, err := json.Marshal(deepCopy(t))
		if err != nil {
			return fmt.Sprint(t)
		}
		return string(data)
	default:
		return fmt.Sprint(t)
	}
}
