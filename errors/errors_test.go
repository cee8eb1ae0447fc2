package errors

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSentinelWrappingPreservesIdentity(t *testing.T) {
	err := Wrap(ErrJobNotFound, "while fetching job jb-123")

	assert.True(t, Is(err, ErrJobNotFound))
	assert.True(t, Is(err, ErrNotFound), "ErrJobNotFound should wrap ErrNotFound")
	assert.True(t, IsNotFoundError(err))
	assert.False(t, IsLockHeldError(err))
}

func TestDetailsSurviveWrapping(t *testing.T) {
	err := New("enqueue failed")
	err = WithDetail(err, "Queue: orchestration")
	err = Wrap(err, "job-manager")
	err = WithDetail(err, "Job ID: jb-42")

	details := GetAllDetails(err)
	require.Len(t, details, 2)
	assert.Contains(t, details, "Queue: orchestration")
	assert.Contains(t, details, "Job ID: jb-42")
}

func TestNewNotFoundError(t *testing.T) {
	err := NewNotFoundError("task %q", "refresh-analytics-views")
	assert.True(t, IsNotFoundError(err))
	assert.Contains(t, err.Error(), "refresh-analytics-views")
}
