package core

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateCronFiveField(t *testing.T) {
	t.Parallel()

	assert.NoError(t, ValidateCron("0 3 * * *"))
	assert.NoError(t, ValidateCron("*/5 * * * *"))
	assert.NoError(t, ValidateCron("15 2 1 * 0"))
}

func TestValidateCronSixField(t *testing.T) {
	t.Parallel()

	assert.NoError(t, ValidateCron("30 0 3 * * *"))
	assert.NoError(t, ValidateCron("*/10 * * * * *"))
}

func TestValidateCronDescriptor(t *testing.T) {
	t.Parallel()

	assert.NoError(t, ValidateCron("@hourly"))
	assert.NoError(t, ValidateCron("@daily"))
}

func TestValidateCronRejectsGarbage(t *testing.T) {
	t.Parallel()

	for _, expr := range []string{"", "  ", "not a cron", "* * * *", "61 * * * *"} {
		err := ValidateCron(expr)
		assert.ErrorIs(t, err, ErrInvalidCron, "expression %q", expr)
	}
}

func TestNextRunStrictlyAfter(t *testing.T) {
	t.Parallel()

	after := time.Date(2025, 6, 1, 3, 0, 0, 0, time.UTC)
	next, err := NextRun("0 3 * * *", after)
	require.NoError(t, err)

	// Exactly on the boundary means the next day's boundary.
	assert.Equal(t, time.Date(2025, 6, 2, 3, 0, 0, 0, time.UTC), next)
	assert.True(t, next.After(after))
}

func TestNextRunRealignsAfterDowntime(t *testing.T) {
	t.Parallel()

	// Three missed boundaries collapse into a single next activation.
	after := time.Date(2025, 6, 4, 12, 30, 0, 0, time.UTC)
	next, err := NextRun("0 3 * * *", after)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2025, 6, 5, 3, 0, 0, 0, time.UTC), next)
}
