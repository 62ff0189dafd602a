package main

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSplitKey(t *testing.T) {
	t.Run("section and key", func(t *testing.T) {
		section, key, err := splitKey("Pipeline.MaxRetries")
		require.NoError(t, err)
		assert.Equal(t, "Pipeline", section)
		assert.Equal(t, "MaxRetries", key)
	})

	t.Run("key may contain dots", func(t *testing.T) {
		section, key, err := splitKey("AI_Services.Some.Key")
		require.NoError(t, err)
		assert.Equal(t, "AI_Services", section)
		assert.Equal(t, "Some.Key", key)
	})

	t.Run("rejects malformed arguments", func(t *testing.T) {
		for _, arg := range []string{"nodot", ".leading", "trailing.", ""} {
			_, _, err := splitKey(arg)
			assert.Error(t, err, arg)
		}
	})
}

func TestExitError(t *testing.T) {
	err := exitWith(exitUnhealthy, errors.New("system is unhealthy"))

	var ee *exitError
	require.True(t, errors.As(err, &ee))
	assert.Equal(t, exitUnhealthy, ee.code)
	assert.Equal(t, "system is unhealthy", err.Error())
}
