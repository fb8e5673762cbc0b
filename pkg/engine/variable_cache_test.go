package engine

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVariableCache_StoreVariable_Overwrite(t *testing.T) {
	c := NewVariableCache()
	c.StoreVariable(NewVariable("a", 1), false)
	c.StoreVariable(NewVariable("a", 2), false)
	assert.Equal(t, 1, cacheValue(t, c, "a"))

	c.StoreVariable(NewVariable("a", 3), true)
	assert.Equal(t, 3, cacheValue(t, c, "a"))
	assert.Equal(t, 1, c.Len())
}

func TestVariableCache_Value_NotFound(t *testing.T) {
	c := NewVariableCache()

	_, err := c.Value("missing")
	assert.ErrorIs(t, err, ErrVariableNotFound)
	assert.Contains(t, err.Error(), `Variable "missing" not found`)

	got, err := c.Value("missing", NotFoundFallback("dflt"))
	require.NoError(t, err)
	assert.Equal(t, "dflt", got)
}

func TestVariableCache_Value_ExpiredPassesThrough(t *testing.T) {
	clock := newFakeClock()
	c := NewVariableCache()
	c.StoreVariable(NewVariable("t", "v", WithTTL(0), WithClock(clock.Now)), false)
	clock.Advance(time.Second)

	_, err := c.Value("t")
	assert.ErrorIs(t, err, ErrVariableExpired)

	got, err := c.Value("t", ExpiredFallback(nil))
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestVariableCache_DeleteVariable(t *testing.T) {
	c := NewVariableCache()
	c.StoreVariable(NewVariable("a", 1), false)
	c.StoreVariable(NewVariable("b", 2), false)
	c.StoreVariable(NewVariable("c", 3), false)

	c.DeleteVariable("b")
	c.DeleteVariable("unknown")

	assert.False(t, c.Has("b"))
	assert.Equal(t, []string{"a", "c"}, c.Names())
}

func TestVariableCache_String_MasksValues(t *testing.T) {
	c := NewVariableCache()
	c.StoreVariable(NewVariable("plain", "visible"), false)
	c.StoreVariable(NewVariable("secret", "hidden", WithMaskInLogs()), false)

	var decoded map[string]map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(c.String()), &decoded))

	assert.Equal(t, "visible", decoded["plain"]["value"])
	assert.Equal(t, "******", decoded["secret"]["value"])
	assert.EqualValues(t, -1, decoded["secret"]["ttl"])
	assert.EqualValues(t, NeverExpires, decoded["secret"]["expires"])

	assert.Equal(t, "hidden", c.ToMap(false)["secret"].(map[string]interface{})["value"])
}

func TestVariableCache_Get(t *testing.T) {
	c := NewVariableCache()
	v := NewVariable("a", 1, WithTTL(5))
	c.StoreVariable(v, false)

	got, ok := c.Get("a")
	require.True(t, ok)
	assert.Same(t, v, got)

	_, ok = c.Get("b")
	assert.False(t, ok)
}
