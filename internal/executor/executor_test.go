package executor_test

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/batsim-go/batsim/internal/executor"
	"github.com/batsim-go/batsim/internal/job"
	"github.com/batsim-go/batsim/internal/logging"
	"github.com/batsim-go/batsim/internal/profile"
)

func delayJob(t *testing.T, seconds float64, walltime *float64) *job.Job {
	t.Helper()
	raw, err := json.Marshal(map[string]any{"type": "delay", "delay": seconds})
	require.NoError(t, err)
	p, err := profile.FromJSON("w", "d", raw)
	require.NoError(t, err)
	id, _ := job.ParseIdentifier("w!1")
	j, err := job.New(id, "w", "d", p, 0, walltime, 1, 1)
	require.NoError(t, err)
	require.NoError(t, j.MarkSubmitted())
	return j
}

func unitSpeed(int) float64 { return 1 }

func TestStartSchedulesNaturalCompletion(t *testing.T) {
	ex := executor.New(logging.NewLogger(), unitSpeed)
	j := delayJob(t, 10, nil)

	target, err := ex.Start(0, j, []int{0}, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, float64(10), target)

	due := ex.Due(10)
	require.Len(t, due, 1)
	assert.Equal(t, job.CompletedSuccessfully, due[0].Outcome.State)
}

func TestWalltimePreemptsNaturalCompletion(t *testing.T) {
	ex := executor.New(logging.NewLogger(), unitSpeed)
	walltime := 5.0
	j := delayJob(t, 10, &walltime)

	target, err := ex.Start(0, j, []int{0}, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, float64(5), target)

	due := ex.Due(5)
	require.Len(t, due, 1)
	assert.Equal(t, job.CompletedWalltimeReached, due[0].Outcome.State)
}

func TestKillReportsProgressAndStopsTracking(t *testing.T) {
	ex := executor.New(logging.NewLogger(), unitSpeed)
	j := delayJob(t, 10, nil)
	_, err := ex.Start(0, j, []int{0}, nil, nil)
	require.NoError(t, err)

	progress, ok := ex.Kill(5, j.ID.String())
	require.True(t, ok)
	assert.InDelta(t, 0.5, progress.Value, 1e-9)
	assert.False(t, ex.IsRunning(j.ID.String()))
}

func sequenceJob(t *testing.T, reg *profile.Registry) *job.Job {
	t.Helper()
	_, err := reg.Load("w", "a", json.RawMessage(`{"type":"delay","delay":4}`))
	require.NoError(t, err)
	_, err = reg.Load("w", "b", json.RawMessage(`{"type":"delay","delay":6}`))
	require.NoError(t, err)
	seq, err := reg.Load("w", "seq", json.RawMessage(`{"type":"sequence","nb":1,"seq":["a","b"]}`))
	require.NoError(t, err)
	id, _ := job.ParseIdentifier("w!1")
	j, err := job.New(id, "w", "seq", seq, 0, nil, 1, 1)
	require.NoError(t, err)
	require.NoError(t, j.MarkSubmitted())
	return j
}

func TestSequenceDurationSumsChildren(t *testing.T) {
	ex := executor.New(logging.NewLogger(), unitSpeed)
	reg := profile.NewRegistry()
	j := sequenceJob(t, reg)
	resolve := func(name string) *profile.Profile {
		p, err := reg.Lookup("w", name)
		require.NoError(t, err)
		return p
	}

	target, err := ex.Start(0, j, []int{0}, resolve, nil)
	require.NoError(t, err)
	assert.Equal(t, float64(10), target) // 4 + 6

	due := ex.Due(10)
	require.Len(t, due, 1)
	assert.Equal(t, job.CompletedSuccessfully, due[0].Outcome.State)
}

func TestSequenceAdvancesCurrentChildAsTimePasses(t *testing.T) {
	ex := executor.New(logging.NewLogger(), unitSpeed)
	reg := profile.NewRegistry()
	j := sequenceJob(t, reg)
	resolve := func(name string) *profile.Profile {
		p, err := reg.Lookup("w", name)
		require.NoError(t, err)
		return p
	}
	_, err := ex.Start(0, j, []int{0}, resolve, nil)
	require.NoError(t, err)

	assert.Equal(t, 0, j.Tree.SequenceIndex())

	// Still inside child "a" (0..4): due() at t=2 should not complete or
	// advance yet, and a kill should report progress against child 0.
	assert.Len(t, ex.Due(2), 0)
	progress, ok := ex.Kill(2, j.ID.String())
	require.True(t, ok)
	assert.Equal(t, 0, progress.ChildIndex)
	assert.InDelta(t, 0.5, progress.Child.Value, 1e-9)
}

func TestSequenceKillMidwayThroughSecondChildReportsThatChild(t *testing.T) {
	ex := executor.New(logging.NewLogger(), unitSpeed)
	reg := profile.NewRegistry()
	j := sequenceJob(t, reg)
	resolve := func(name string) *profile.Profile {
		p, err := reg.Lookup("w", name)
		require.NoError(t, err)
		return p
	}
	_, err := ex.Start(0, j, []int{0}, resolve, nil)
	require.NoError(t, err)

	// t=7 is 3s into child "b" (which starts at t=4 and runs 6s).
	progress, ok := ex.Kill(7, j.ID.String())
	require.True(t, ok)
	assert.Equal(t, 1, progress.ChildIndex)
	assert.InDelta(t, 0.5, progress.Child.Value, 1e-9)
}

func TestParallelHomogeneousDurationDerivedFromHostSpeed(t *testing.T) {
	ex := executor.New(logging.NewLogger(), func(int) float64 { return 2 })
	raw, err := json.Marshal(map[string]any{"type": "parallel_homogeneous", "cpu": 20, "com": 0})
	require.NoError(t, err)
	p, err := profile.FromJSON("w", "ph", raw)
	require.NoError(t, err)
	id, _ := job.ParseIdentifier("w!1")
	j, err := job.New(id, "w", "ph", p, 0, nil, 2, 1)
	require.NoError(t, err)
	require.NoError(t, j.MarkSubmitted())

	target, err := ex.Start(0, j, []int{0, 1}, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, float64(5), target) // 20 flops / (2+2) flops/s
}
