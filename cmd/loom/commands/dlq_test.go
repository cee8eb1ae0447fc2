package commands

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRecoverTarget(t *testing.T) {
	entryID, batch, err := parseRecoverTarget(nil)
	require.NoError(t, err)
	assert.Empty(t, entryID)
	assert.Zero(t, batch)

	entryID, batch, err = parseRecoverTarget([]string{"dl-42"})
	require.NoError(t, err)
	assert.Equal(t, "dl-42", entryID)
	assert.Zero(t, batch)

	entryID, batch, err = parseRecoverTarget([]string{"batch", "25"})
	require.NoError(t, err)
	assert.Empty(t, entryID)
	assert.Equal(t, 25, batch)
}

func TestParseRecoverTargetRejectsBadInput(t *testing.T) {
	_, _, err := parseRecoverTarget([]string{"batch"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "count")

	_, _, err = parseRecoverTarget([]string{"batch", "zero"})
	require.Error(t, err)

	_, _, err = parseRecoverTarget([]string{"batch", "-3"})
	require.Error(t, err)

	_, _, err = parseRecoverTarget([]string{"dl-42", "extra"})
	require.Error(t, err)
}
