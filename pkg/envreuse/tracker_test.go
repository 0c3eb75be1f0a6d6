package envreuse

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTrackerEnterIncrementsCount(t *testing.T) {
	tr := NewTracker()
	assert.Equal(t, 1, tr.Enter("env-1"))
	assert.Equal(t, 2, tr.Enter("env-1"))
	assert.Equal(t, 1, tr.Enter("env-2"))
}

func TestTrackerExitReportsLastReference(t *testing.T) {
	tr := NewTracker()
	tr.Enter("env-1")
	tr.Enter("env-1")

	assert.False(t, tr.Exit("env-1"))
	assert.Equal(t, 1, tr.Count("env-1"))
	assert.True(t, tr.Exit("env-1"))
	assert.Equal(t, 0, tr.Count("env-1"))
}

func TestTrackerExitUnknownEnvironmentIsRobustToLoss(t *testing.T) {
	tr := NewTracker()
	assert.True(t, tr.Exit("env-never-entered"))
}
