package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenCreatesParentDirectoryAndSchema(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "test.db")
	db, err := Open(path)
	require.NoError(t, err)
	defer db.Close()

	statuses, err := db.ListAgentStatuses(context.Background())
	_ = statuses
	assert.NoError(t, err)
}

func TestUnavailableWrapsUnderlyingErrorAndSatisfiesErrorsIs(t *testing.T) {
	cause := errors.New("disk full")
	err := wrap("insert_finding", cause)

	var unavailable *Unavailable
	require.True(t, errors.As(err, &unavailable))
	assert.True(t, errors.Is(err, ErrUnavailable))
	assert.ErrorIs(t, err, cause)
}

func TestWrapReturnsNilForNilError(t *testing.T) {
	assert.Nil(t, wrap("op", nil))
}
