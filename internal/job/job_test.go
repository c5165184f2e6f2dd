package job_test

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/batsim-go/batsim/internal/job"
	"github.com/batsim-go/batsim/internal/profile"
)

func delayProfile(t *testing.T, seconds float64) *profile.Profile {
	t.Helper()
	raw, err := json.Marshal(map[string]any{"type": "delay", "delay": seconds})
	require.NoError(t, err)
	p, err := profile.FromJSON("w", "d", raw)
	require.NoError(t, err)
	return p
}

func TestJobLifecycle(t *testing.T) {
	id, err := job.ParseIdentifier("w!1")
	require.NoError(t, err)

	p := delayProfile(t, 10)
	j, err := job.New(id, "w", "d", p, 0, nil, 1, 1)
	require.NoError(t, err)
	assert.Equal(t, job.NotSubmitted, j.State)

	require.NoError(t, j.MarkSubmitted())
	assert.Equal(t, job.Submitted, j.State)

	require.NoError(t, j.Start(0, []int{0}, nil))
	assert.Equal(t, job.Running, j.State)
	assert.Equal(t, 1, len(j.Allocation))

	progress := j.Tree.ProgressAt(5)
	assert.InDelta(t, 0.5, progress.Value, 1e-9)

	ok := j.Complete(job.CompletedSuccessfully, 0)
	assert.True(t, ok)

	// A second completion for the same job must be ignored.
	ok = j.Complete(job.CompletedFailed, 1)
	assert.False(t, ok)
	assert.Equal(t, job.CompletedSuccessfully, j.State)
}

func TestStartRejectsAllocationSizeMismatch(t *testing.T) {
	id, _ := job.ParseIdentifier("w!1")
	p := delayProfile(t, 10)
	j, err := job.New(id, "w", "d", p, 0, nil, 2, 1)
	require.NoError(t, err)
	require.NoError(t, j.MarkSubmitted())

	err = j.Start(0, []int{0}, nil)
	assert.Error(t, err)
}

func TestZeroDurationDelayReportsFullProgress(t *testing.T) {
	id, _ := job.ParseIdentifier("w!1")
	p := delayProfile(t, 0)
	j, err := job.New(id, "w", "d", p, 0, nil, 1, 1)
	require.NoError(t, err)
	require.NoError(t, j.MarkSubmitted())
	require.NoError(t, j.Start(0, []int{0}, nil))

	progress := j.Tree.ProgressAt(0)
	assert.Equal(t, float64(1), progress.Value)
}
