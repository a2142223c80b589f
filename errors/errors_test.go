package errors

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSentinelIdentity(t *testing.T) {
	t.Run("wrapped sentinel is still the sentinel", func(t *testing.T) {
		err := Wrap(ErrNotOwner, "renew job 42")
		assert.True(t, Is(err, ErrNotOwner))
		assert.False(t, Is(err, ErrNotFound))
	})

	t.Run("double wrap preserves kind", func(t *testing.T) {
		err := Wrap(Wrap(ErrStoreUnavailable, "database is locked"), "claim next job")
		assert.True(t, IsStoreUnavailable(err))
	})

	t.Run("distinct sentinels do not match", func(t *testing.T) {
		assert.False(t, Is(ErrNotRetryable, ErrNotOwner))
		assert.False(t, Is(ErrNotInitialized, ErrNotFound))
	})
}

func TestIsHelpers(t *testing.T) {
	assert.False(t, IsNotFound(nil))
	assert.False(t, IsNotOwner(nil))
	assert.False(t, IsStoreUnavailable(nil))

	assert.True(t, IsNotFound(NewNotFound("job %d", 7)))
}

func TestNewNotFoundMessage(t *testing.T) {
	err := NewNotFound("run %s", "job-3")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "run job-3")
	assert.True(t, Is(err, ErrNotFound))
}

func TestStackTracePresent(t *testing.T) {
	err := Wrap(New("boom"), "context")
	assert.NotNil(t, GetStack(err))
}
