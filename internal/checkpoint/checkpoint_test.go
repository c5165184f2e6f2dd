package checkpoint_test

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/batsim-go/batsim/internal/checkpoint"
	"github.com/batsim-go/batsim/internal/job"
	"github.com/batsim-go/batsim/internal/profile"
)

func delayJob(t *testing.T, num int, seconds, walltime float64) *job.Job {
	t.Helper()
	raw, err := json.Marshal(map[string]any{"type": "delay", "delay": seconds})
	require.NoError(t, err)
	p, err := profile.FromJSON("w", "d", raw)
	require.NoError(t, err)
	id := job.Identifier{Workload: "w", Number: num}
	wt := walltime
	jb, err := job.New(id, "w", "d", p, 0, &wt, 1, 1)
	require.NoError(t, err)
	require.NoError(t, jb.MarkSubmitted())
	require.NoError(t, jb.Start(0, []int{0}, nil))
	return jb
}

func TestSnapshotWritesRunningJobWithRemainingWork(t *testing.T) {
	dir := t.TempDir()
	c := checkpoint.New(dir, 3)

	jb := delayJob(t, 1, 10, 100)

	out, err := c.Snapshot(4, 8, 0, 0, []*job.Job{jb}, "", nil, func(int) float64 { return 1 })
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "checkpoint_1"), out)

	raw, err := os.ReadFile(filepath.Join(out, "workload.json"))
	require.NoError(t, err)

	var doc struct {
		NbCheckpoint int `json:"nb_checkpoint"`
		Jobs         []struct {
			ID       string   `json:"id"`
			Profile  string   `json:"profile"`
			Subtime  float64  `json:"subtime"`
			Walltime *float64 `json:"walltime"`
		} `json:"jobs"`
		Profiles map[string]struct {
			Delay float64 `json:"delay"`
		} `json:"profiles"`
	}
	require.NoError(t, json.Unmarshal(raw, &doc))

	assert.Equal(t, 1, doc.NbCheckpoint)
	require.Len(t, doc.Jobs, 1)
	assert.Equal(t, "1", doc.Jobs[0].ID)
	assert.Equal(t, "d$", doc.Jobs[0].Profile)
	require.NotNil(t, doc.Jobs[0].Walltime)
	assert.InDelta(t, 96, *doc.Jobs[0].Walltime, 1e-9)

	remaining, ok := doc.Profiles["d$"]
	require.True(t, ok)
	assert.InDelta(t, 6, remaining.Delay, 1e-9)
}

func TestSnapshotOmitsTerminalJobs(t *testing.T) {
	dir := t.TempDir()
	c := checkpoint.New(dir, 2)

	jb := delayJob(t, 1, 10, 100)
	jb.Complete(job.CompletedSuccessfully, 0)

	out, err := c.Snapshot(4, 8, 1, 0, []*job.Job{jb}, "", nil, func(int) float64 { return 1 })
	require.NoError(t, err)

	raw, err := os.ReadFile(filepath.Join(out, "workload.json"))
	require.NoError(t, err)
	var doc struct {
		NbActuallyCompleted int           `json:"nb_actually_completed"`
		Jobs                []json.RawMessage `json:"jobs"`
	}
	require.NoError(t, json.Unmarshal(raw, &doc))
	assert.Empty(t, doc.Jobs)
	assert.Equal(t, 1, doc.NbActuallyCompleted)
}

func TestSnapshotRotatesFolders(t *testing.T) {
	dir := t.TempDir()
	c := checkpoint.New(dir, 2)

	jb := delayJob(t, 1, 10, 100)
	_, err := c.Snapshot(1, 8, 0, 0, []*job.Job{jb}, "", nil, func(int) float64 { return 1 })
	require.NoError(t, err)
	_, err = c.Snapshot(2, 8, 0, 0, []*job.Job{jb}, "", nil, func(int) float64 { return 1 })
	require.NoError(t, err)

	_, err = os.Stat(filepath.Join(dir, "checkpoint_1"))
	require.NoError(t, err)
	_, err = os.Stat(filepath.Join(dir, "checkpoint_2"))
	require.NoError(t, err)

	raw, err := os.ReadFile(filepath.Join(dir, "checkpoint_1", "workload.json"))
	require.NoError(t, err)
	var doc struct {
		NbCheckpoint int `json:"nb_checkpoint"`
	}
	require.NoError(t, json.Unmarshal(raw, &doc))
	assert.Equal(t, 2, doc.NbCheckpoint)
}

func TestSnapshotCopiesJobsCSVVerbatim(t *testing.T) {
	dir := t.TempDir()
	c := checkpoint.New(dir, 1)

	csvPath := filepath.Join(t.TempDir(), "out_jobs.csv")
	require.NoError(t, os.WriteFile(csvPath, []byte("job_id\nw!1\n"), 0o644))

	jb := delayJob(t, 1, 10, 100)
	out, err := c.Snapshot(1, 8, 0, 0, []*job.Job{jb}, csvPath, nil, func(int) float64 { return 1 })
	require.NoError(t, err)

	raw, err := os.ReadFile(filepath.Join(out, "out_jobs.csv"))
	require.NoError(t, err)
	assert.Equal(t, "job_id\nw!1\n", string(raw))
}
