package engine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	t time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time { return c.t }

func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func TestVariable_Value_NeverExpiresWithNegativeTTL(t *testing.T) {
	clock := newFakeClock()
	v := NewVariable("v", "x", WithClock(clock.Now))

	clock.Advance(1000 * time.Hour)
	got, err := v.Value()
	require.NoError(t, err)
	assert.Equal(t, "x", got)
	assert.Equal(t, NeverExpires, v.ExpiresAt())
}

func TestVariable_Value_Expired(t *testing.T) {
	clock := newFakeClock()
	v := NewVariable("v", "x", WithTTL(1), WithClock(clock.Now))

	clock.Advance(1 * time.Second)
	_, err := v.Value()
	require.NoError(t, err, "elapsed equal to ttl is not expired")

	clock.Advance(1 * time.Second)
	_, err = v.Value()
	assert.ErrorIs(t, err, ErrVariableExpired)

	got, err := v.Value(ExpiredFallback("fallback"))
	require.NoError(t, err)
	assert.Equal(t, "fallback", got)
}

func TestVariable_Value_ResetTimerOnRead(t *testing.T) {
	clock := newFakeClock()
	v := NewVariable("v", 1, WithTTL(2), WithClock(clock.Now))

	clock.Advance(2 * time.Second)
	_, err := v.Value(ResetTimerOnRead())
	require.NoError(t, err)

	clock.Advance(2 * time.Second)
	_, err = v.Value()
	assert.NoError(t, err)

	clock.Advance(1 * time.Second)
	_, err = v.Value()
	assert.ErrorIs(t, err, ErrVariableExpired)
}

func TestVariable_SetValue_ResetsTTL(t *testing.T) {
	clock := newFakeClock()
	v := NewVariable("v", 1, WithTTL(1), WithClock(clock.Now))
	clock.Advance(5 * time.Second)

	v.SetValue(2, false)
	_, err := v.Value()
	assert.ErrorIs(t, err, ErrVariableExpired)

	v.SetValue(3, true)
	got, err := v.Value()
	require.NoError(t, err)
	assert.Equal(t, 3, got)
}

func TestVariable_Value_ReturnsCopy(t *testing.T) {
	v := NewVariable("v", map[string]interface{}{"list": []interface{}{"a"}})

	got, err := v.Value()
	require.NoError(t, err)
	got.(map[string]interface{})["list"].([]interface{})[0] = "changed"

	again, err := v.Value()
	require.NoError(t, err)
	assert.Equal(t, "a", again.(map[string]interface{})["list"].([]interface{})[0])
}

func TestVariable_Value_Masking(t *testing.T) {
	tests := []struct {
		name  string
		value interface{}
		want  interface{}
	}{
		{name: "string", value: "secret", want: "******"},
		{name: "multibyte", value: "héé", want: "***"},
		{name: "number", value: 42, want: "***"},
		{name: "map", value: map[string]interface{}{"a": 1}, want: "***"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := NewVariable("v", tt.value, WithMaskInLogs())

			logged, err := v.Value(ForLogging())
			require.NoError(t, err)
			assert.Equal(t, tt.want, logged)

			live, err := v.Value()
			require.NoError(t, err)
			assert.Equal(t, tt.value, live)
		})
	}
}

func TestVariable_ToMap(t *testing.T) {
	clock := newFakeClock()
	v := NewVariable("v", "secret", WithTTL(10), WithMaskInLogs(), WithClock(clock.Now))

	assert.Equal(t, map[string]interface{}{
		"ttl":     10,
		"value":   "******",
		"expires": clock.Now().Unix() + 10,
	}, v.ToMap(true))
	assert.Equal(t, "secret", v.ToMap(false)["value"])

	empty := NewVariable("n", nil)
	assert.Equal(t, "", empty.ToMap(false)["value"])
	assert.Equal(t, NeverExpires, empty.ToMap(false)["expires"])
}
