package logger

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	t.Run("accepts known levels and formats", func(t *testing.T) {
		for _, format := range []string{"json", "console", ""} {
			log, sync, err := New("debug", format)
			require.NoError(t, err, format)
			require.NotNil(t, log)
			require.NotNil(t, sync)
			log.Info("Logger ready", "format", format)
		}
	})

	t.Run("rejects unknown level", func(t *testing.T) {
		_, _, err := New("verbose", "json")
		assert.Error(t, err)
	})

	t.Run("rejects unknown format", func(t *testing.T) {
		_, _, err := New("info", "xml")
		assert.Error(t, err)
	})
}

func TestNop(t *testing.T) {
	log := Nop()
	log.Error("discarded", "key", "value")
	assert.False(t, log.Enabled(context.Background(), -8))
}
