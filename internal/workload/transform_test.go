package workload_test

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/batsim-go/batsim/internal/job"
	"github.com/batsim-go/batsim/internal/profile"
	"github.com/batsim-go/batsim/internal/workload"
)

func makeJob(t *testing.T, reg *profile.Registry, w string, num int, subtime float64) *job.Job {
	t.Helper()
	name := "d"
	if !reg.Exists(w, name) {
		_, err := reg.Load(w, name, json.RawMessage(`{"type":"delay","delay":10}`))
		require.NoError(t, err)
	}
	p, err := reg.Lookup(w, name)
	require.NoError(t, err)
	require.NoError(t, reg.Retain(w, name))

	id := job.Identifier{Workload: w, Number: num}
	jb, err := job.New(id, w, name, p, subtime, nil, 1, 1)
	require.NoError(t, err)
	return jb
}

func TestApplySubmissionTimeFixed(t *testing.T) {
	reg := profile.NewRegistry()
	jobs := []*job.Job{
		makeJob(t, reg, "w", 1, 5),
		makeJob(t, reg, "w", 2, 1),
	}

	tr := workload.NewTransformer(1)
	d, err := workload.ParseDist("3:fixed")
	require.NoError(t, err)

	out := tr.ApplySubmissionTime(jobs, d)
	// stable-sorted by (t_sub, number) first: job 2 (t=1) then job 1 (t=5).
	require.Len(t, out, 2)
	assert.Equal(t, 2, out[0].ID.Number)
	assert.Equal(t, float64(0), out[0].SubmitTime)
	assert.Equal(t, 1, out[1].ID.Number)
	assert.Equal(t, float64(3), out[1].SubmitTime)
}

func TestApplySubmissionTimeShuffleIsDeterministicForFixedSeed(t *testing.T) {
	reg := profile.NewRegistry()
	jobsA := []*job.Job{
		makeJob(t, reg, "w", 1, 0),
		makeJob(t, reg, "w", 2, 1),
		makeJob(t, reg, "w", 3, 2),
	}
	reg2 := profile.NewRegistry()
	jobsB := []*job.Job{
		makeJob(t, reg2, "w", 1, 0),
		makeJob(t, reg2, "w", 2, 1),
		makeJob(t, reg2, "w", 3, 2),
	}

	d, err := workload.ParseDist("shuffle")
	require.NoError(t, err)

	outA := workload.NewTransformer(42).ApplySubmissionTime(jobsA, d)
	outB := workload.NewTransformer(42).ApplySubmissionTime(jobsB, d)

	for i := range outA {
		assert.Equal(t, outA[i].SubmitTime, outB[i].SubmitTime)
	}
}

func TestApplyCopyProducesFreshIDsAboveMax(t *testing.T) {
	reg := profile.NewRegistry()
	jobs := []*job.Job{
		makeJob(t, reg, "w", 1, 0),
		makeJob(t, reg, "w", 2, 1),
	}

	spec, err := workload.ParseCopySpec("2:+:3:fixed")
	require.NoError(t, err)

	tr := workload.NewTransformer(7)
	out, err := tr.ApplyCopy(jobs, spec, reg, "w")
	require.NoError(t, err)

	require.Len(t, out, 4)
	times := make(map[float64]bool)
	var fresh []int
	for _, j := range out {
		times[j.SubmitTime] = true
		if j.ID.Number > 2 {
			fresh = append(fresh, j.ID.Number)
		}
	}
	assert.ElementsMatch(t, []int{3, 4}, fresh)
	assert.True(t, times[0])
	assert.True(t, times[1])
	assert.True(t, times[3])
	assert.True(t, times[4])
}

func TestApplyPerformanceScalingSkipsResubmissions(t *testing.T) {
	reg := profile.NewRegistry()
	fresh := makeJob(t, reg, "w", 1, 0)
	// A separate workload gives the resubmitted job its own profile, so
	// scaling it would be visible.
	resubmitted := makeJob(t, reg, "w2", 2, 0)
	resubmitted.ID = resubmitted.ID.NextResubmission()

	workload.ApplyPerformanceScaling([]*job.Job{fresh, resubmitted}, 2)

	assert.Equal(t, float64(20), fresh.Profile.Seconds)
	assert.Equal(t, float64(10), resubmitted.Profile.Seconds)
}

func TestCopySpecRejectsExpWithNonSetOperator(t *testing.T) {
	_, err := workload.ParseCopySpec("2:+:3:exp")
	assert.Error(t, err)
}

func TestApplyCheckpointAugmentationExtendsDelayAndWalltime(t *testing.T) {
	reg := profile.NewRegistry()
	p, err := reg.Load("w", "d", json.RawMessage(`{"type":"delay","delay":100}`))
	require.NoError(t, err)
	walltime := 200.0
	jb, err := job.New(job.Identifier{Workload: "w", Number: 1}, "w", "d", p, 0, &walltime, 1, 1)
	require.NoError(t, err)

	// I = 1*sqrt(2*10*1000) - 10 = ~131.4, so W=100 fits in a single interval:
	// n=0, sub=0, nothing added. Use a tighter interval to force augmentation.
	spec := workload.CheckpointSpec{GlobalInterval: 30, DumpTime: 5}
	require.NoError(t, workload.ApplyCheckpointAugmentation([]*job.Job{jb}, spec))

	// n = floor(100/30) = 3, sub = 0 (100 mod 30 != 0), added = 3*5 = 15.
	assert.Equal(t, float64(115), jb.Profile.Seconds)
	require.NotNil(t, jb.Profile.RealDelay)
	assert.Equal(t, float64(100), *jb.Profile.RealDelay)
	require.NotNil(t, jb.Walltime)
	assert.Equal(t, float64(215), *jb.Walltime)
}

func TestApplyCheckpointAugmentationConvertsParallelHomogeneousViaHostSpeed(t *testing.T) {
	reg := profile.NewRegistry()
	p, err := reg.Load("w", "ph", json.RawMessage(`{"type":"parallel_homogeneous","cpu":200,"com":0}`))
	require.NoError(t, err)
	jb, err := job.New(job.Identifier{Workload: "w", Number: 1}, "w", "ph", p, 0, nil, 1, 1)
	require.NoError(t, err)

	// host_speed=2 flops/s => W = 200/2 = 100s, same interval math as above.
	spec := workload.CheckpointSpec{GlobalInterval: 30, DumpTime: 5, HostSpeed: 2}
	require.NoError(t, workload.ApplyCheckpointAugmentation([]*job.Job{jb}, spec))

	// W' = 100 + 15 = 115s, converted back to flops: 115*2 = 230.
	assert.Equal(t, float64(230), jb.Profile.CPUFlops)
	require.NotNil(t, jb.Profile.RealCPU)
	assert.Equal(t, float64(200), *jb.Profile.RealCPU)
}

func TestApplyCheckpointAugmentationRequiresHostSpeedForParallelHomogeneous(t *testing.T) {
	reg := profile.NewRegistry()
	p, err := reg.Load("w", "ph", json.RawMessage(`{"type":"parallel_homogeneous","cpu":200,"com":0}`))
	require.NoError(t, err)
	jb, err := job.New(job.Identifier{Workload: "w", Number: 1}, "w", "ph", p, 0, nil, 1, 1)
	require.NoError(t, err)

	spec := workload.CheckpointSpec{GlobalInterval: 30, DumpTime: 5}
	err = workload.ApplyCheckpointAugmentation([]*job.Job{jb}, spec)
	assert.Error(t, err)
}
