package observ

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitAcceptsValidLevel(t *testing.T) {
	err := Init("debug", false)
	require.NoError(t, err)
	assert.NotNil(t, L())
}

func TestInitRejectsInvalidLevel(t *testing.T) {
	err := Init("not-a-level", false)
	assert.Error(t, err)
}

func TestInitJSONEncoderDoesNotError(t *testing.T) {
	err := Init("info", true)
	assert.NoError(t, err)
}

func TestLogDoesNotPanicWithNilOrPopulatedFields(t *testing.T) {
	require.NoError(t, Init("info", false))
	assert.NotPanics(t, func() {
		Log("test_event", nil)
		Log("test_event", map[string]any{"k": "v", "n": 1})
	})
}

func TestSyncDoesNotPanic(t *testing.T) {
	require.NoError(t, Init("info", false))
	assert.NotPanics(t, func() {
		Sync()
	})
}
