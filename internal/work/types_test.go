package work

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTransient(t *testing.T) {
	base := fmt.Errorf("connection reset")

	wrapped := Transient(base)
	assert.True(t, IsTransient(wrapped))
	assert.True(t, errors.Is(wrapped, base))
	assert.Contains(t, wrapped.Error(), "connection reset")

	assert.False(t, IsTransient(base))
	assert.Nil(t, Transient(nil))

	// Transience survives further wrapping.
	outer := fmt.Errorf("syncing prices: %w", wrapped)
	assert.True(t, IsTransient(outer))
}

func TestUnitView(t *testing.T) {
	u := stubUnit("indicators", "prices", "rates")
	u.RateLimitPerMinute = 120
	u.SetEnabled(true)

	v := u.View()
	assert.Equal(t, "indicators", v.Name)
	assert.Equal(t, []string{"prices", "rates"}, v.DependsOn)
	assert.Equal(t, CadenceDaily, v.Cadence)
	assert.Equal(t, 120, v.RateLimitPerMinute)
	assert.True(t, v.Enabled)

	// The view is a copy; mutating it must not touch the unit.
	v.DependsOn[0] = "mutated"
	assert.Equal(t, []string{"prices", "rates"}, u.DependsOn)
}
