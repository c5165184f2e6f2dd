package server

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/batsim-go/batsim/internal/executor"
	"github.com/batsim-go/batsim/internal/intervalset"
	"github.com/batsim-go/batsim/internal/job"
	"github.com/batsim-go/batsim/internal/logging"
	"github.com/batsim-go/batsim/internal/profile"
	"github.com/batsim-go/batsim/internal/protocol"
)

func newTestDispatcher(t *testing.T, replyLines string) (*Dispatcher, *bytes.Buffer) {
	t.Helper()
	reg := profile.NewRegistry()
	exec := executor.New(logging.NewLogger(), func(int) float64 { return 1 })
	var out bytes.Buffer
	enc := protocol.NewEncoder(&out)
	dec := protocol.NewDecoder(bytes.NewBufferString(replyLines))
	d := New(logging.NewLogger(), enc, dec, reg, exec, Config{})
	return d, &out
}

func mkDelayJob(t *testing.T, reg *profile.Registry, num int, subtime float64) *job.Job {
	t.Helper()
	raw, _ := json.Marshal(map[string]any{"type": "delay", "delay": 10})
	p, err := reg.Load("w", "d", raw)
	if err != nil {
		p, err = reg.Lookup("w", "d")
		require.NoError(t, err)
	}
	id := job.Identifier{Workload: "w", Number: num}
	j, err := job.New(id, "w", "d", p, subtime, nil, 1, 1)
	require.NoError(t, err)
	return j
}

func TestWakeQueueOrdersByTimeThenSequence(t *testing.T) {
	q := newWakeQueue()
	q.push(5, causeSubmission, "b")
	q.push(5, causeSubmission, "a")
	q.push(1, causeSubmission, "c")

	due := q.popDue(5)
	require.Len(t, due, 3)
	assert.Equal(t, "c", due[0].payload)
	assert.Equal(t, "b", due[1].payload)
	assert.Equal(t, "a", due[2].payload)
}

func TestCallMeLaterHarvestOrdersBySameInstantRegistration(t *testing.T) {
	s := newCallMeLaterStore()
	s.register(1, 42, 0)
	s.register(2, 42, 0)
	s.register(3, 10, 0)

	due := s.harvest(42)
	require.Len(t, due, 3)
	assert.Equal(t, 3, due[0].ID)
	assert.Equal(t, 1, due[1].ID)
	assert.Equal(t, 2, due[2].ID)
}

func TestParseIntervalSetRoundTrip(t *testing.T) {
	hosts, err := intervalset.Parse("0-2 5 7-8")
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1, 2, 5, 7, 8}, hosts)
	assert.Equal(t, "0-2 5 7-8", intervalset.Format(hosts))
}

func TestDispatcherSubmitsStagedJobAtItsSubmitTime(t *testing.T) {
	d, out := newTestDispatcher(t, `{"now":0,"events":[]}`+"\n")
	reg := d.registry
	j := mkDelayJob(t, reg, 1, 0)
	d.StageSubmission(j)

	ok, err := d.Step()
	require.NoError(t, err)
	assert.True(t, ok)

	var batch protocol.Batch
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(out.Bytes()), &batch))
	require.Len(t, batch.Events, 1)
	assert.Equal(t, protocol.EventJobSubmitted, batch.Events[0].Type)
	assert.Equal(t, job.Submitted, j.State)
}

func TestDispatcherRunsSubmitExecuteCompleteRoundTrip(t *testing.T) {
	replies := `{"now":0,"events":[{"timestamp":0,"type":"EXECUTE_JOB","data":{"job_id":"w!1","alloc":"0"}}]}
{"now":10,"events":[]}
`
	d, _ := newTestDispatcher(t, replies)
	j := mkDelayJob(t, d.registry, 1, 0)
	d.StageSubmission(j)
	d.NotifyNoMoreSubmissions()

	ok, err := d.Step()
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, job.Running, j.State)
	assert.Equal(t, float64(0), d.Now())

	// Nothing else is staged, so the wake queue only holds the completion
	// deadline EXECUTE_JOB pushed; Step must land exactly there (§4.5 cause
	// (b): "a running job reached a terminal state") rather than spinning
	// on idle no-ops at now=0.
	ok, err = d.Step()
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, job.CompletedSuccessfully, j.State)
	assert.Equal(t, float64(10), d.Now())
	assert.True(t, d.Ended())
}

func TestBeginIncludesExpectedSubmissionsInFirstBatch(t *testing.T) {
	d, out := newTestDispatcher(t, `{"now":0,"events":[]}`+"\n")
	j1 := mkDelayJob(t, d.registry, 1, 0)
	j2 := mkDelayJob(t, d.registry, 2, 0)
	d.StageSubmission(j1)
	d.StageSubmission(j2)
	d.WaitForExpectedSubmissions(2)

	_, err := d.Begin(1, BeginOptions{})
	require.NoError(t, err)

	var batch protocol.Batch
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(out.Bytes()), &batch))
	require.Len(t, batch.Events, 3)
	assert.Equal(t, protocol.EventSimulationBegins, batch.Events[0].Type)
	assert.Equal(t, protocol.EventJobSubmitted, batch.Events[1].Type)
	assert.Equal(t, protocol.EventJobSubmitted, batch.Events[2].Type)
	assert.Equal(t, job.Submitted, j1.State)
	assert.Equal(t, job.Submitted, j2.State)

	// Nothing left to submit; the wake queue held only the two submissions
	// consumed above.
	_, pending := d.wake.peekTime()
	assert.False(t, pending)
}

func TestApplyCommandSetJobMetadataUpdatesJob(t *testing.T) {
	d, _ := newTestDispatcher(t, "")
	j := mkDelayJob(t, d.registry, 1, 0)
	d.jobs[j.ID.String()] = j

	data, _ := json.Marshal(protocol.SetJobMetadataData{JobID: j.ID.String(), Metadata: "hello"})
	require.NoError(t, d.applyCommand(0, protocol.Command{Type: protocol.CommandSetJobMetadata, Data: data}))
	assert.Equal(t, "hello", j.Metadata)
}

func TestApplyCommandSetJobMetadataUnknownJobErrors(t *testing.T) {
	d, _ := newTestDispatcher(t, "")
	data, _ := json.Marshal(protocol.SetJobMetadataData{JobID: "w!99", Metadata: "hello"})
	err := d.applyCommand(0, protocol.Command{Type: protocol.CommandSetJobMetadata, Data: data})
	assert.Error(t, err)
}

func TestApplyCommandRegisterJobStagesANewJob(t *testing.T) {
	d, _ := newTestDispatcher(t, "")
	d.dynamicRegistrationEnabled = true
	// The scheduler must have already registered the profile it references.
	_, err := d.registry.Load("w", "d", json.RawMessage(`{"type":"delay","delay":10}`))
	require.NoError(t, err)

	body, _ := json.Marshal(map[string]any{"subtime": 3, "res": 1, "cores": 1, "profile": "d"})
	data, _ := json.Marshal(protocol.RegisterJobData{JobID: "w!42", Job: body})
	require.NoError(t, d.applyCommand(0, protocol.Command{Type: protocol.CommandRegisterJob, Data: data}))

	j, ok := d.jobs["w!42"]
	require.True(t, ok)
	assert.Equal(t, float64(3), j.SubmitTime)
	_, pending := d.wake.peekTime()
	assert.True(t, pending)
}

func TestApplyCommandRegisterJobRejectedWhenDisabled(t *testing.T) {
	d, _ := newTestDispatcher(t, "")
	data, _ := json.Marshal(protocol.RegisterJobData{JobID: "w!42", Job: json.RawMessage(`{}`)})
	err := d.applyCommand(0, protocol.Command{Type: protocol.CommandRegisterJob, Data: data})
	assert.Error(t, err)
}

func TestDispatcherSubmitsCarryFullJobDescription(t *testing.T) {
	d, out := newTestDispatcher(t, `{"now":0,"events":[]}`+"\n")
	j := mkDelayJob(t, d.registry, 1, 0)
	d.StageSubmission(j)

	ok, err := d.Step()
	require.NoError(t, err)
	assert.True(t, ok)

	var batch protocol.Batch
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(out.Bytes()), &batch))
	require.Len(t, batch.Events, 1)

	var submitted protocol.JobSubmittedData
	require.NoError(t, json.Unmarshal(batch.Events[0].Data, &submitted))
	require.NotEmpty(t, submitted.Job)
	var jobDoc JobDoc
	require.NoError(t, json.Unmarshal(submitted.Job, &jobDoc))
	assert.Equal(t, "1", jobDoc.ID)
	assert.Equal(t, "d", jobDoc.Profile)

	require.NotEmpty(t, submitted.CheckpointJobData)
	var ckpt checkpointJobData
	require.NoError(t, json.Unmarshal(submitted.CheckpointJobData, &ckpt))
	assert.Equal(t, job.Submitted.String(), ckpt.State)
}

func TestDispatcherForwardsProfileOnSubmissionWhenEnabled(t *testing.T) {
	d, out := newTestDispatcher(t, `{"now":0,"events":[]}`+"\n")
	d.forwardProfiles = true
	j := mkDelayJob(t, d.registry, 1, 0)
	d.StageSubmission(j)

	_, err := d.Step()
	require.NoError(t, err)

	var batch protocol.Batch
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(out.Bytes()), &batch))
	var submitted protocol.JobSubmittedData
	require.NoError(t, json.Unmarshal(batch.Events[0].Data, &submitted))
	require.NotEmpty(t, submitted.Profile)
}

func TestApplyCommandSetResourceStateEmitsChangedEvent(t *testing.T) {
	d, _ := newTestDispatcher(t, "")
	d.nbRes = 4

	data, _ := json.Marshal(protocol.SetResourceStateData{Resources: "0-1", State: "1"})
	require.NoError(t, d.applyCommand(0, protocol.Command{Type: protocol.CommandSetResourceState, Data: data}))

	require.Len(t, d.pendingOut, 1)
	assert.Equal(t, protocol.EventResourceStateChanged, d.pendingOut[0].Type)
	var changed protocol.ResourceStateChangedData
	require.NoError(t, json.Unmarshal(d.pendingOut[0].Data, &changed))
	assert.Equal(t, "0-1", changed.Resources)
	assert.Equal(t, "1", changed.State)
}

func TestApplyCommandSetResourceStateRejectsOutOfRangeHost(t *testing.T) {
	d, _ := newTestDispatcher(t, "")
	d.nbRes = 2
	data, _ := json.Marshal(protocol.SetResourceStateData{Resources: "5", State: "1"})
	err := d.applyCommand(0, protocol.Command{Type: protocol.CommandSetResourceState, Data: data})
	assert.Error(t, err)
}

func TestApplyCommandQueryConsumedEnergyEmitsAnswer(t *testing.T) {
	d, _ := newTestDispatcher(t, "")
	j := mkDelayJob(t, d.registry, 1, 0)
	j.AccumulatedEnergy = 42
	d.jobs[j.ID.String()] = j

	data, _ := json.Marshal(protocol.QueryData{Requests: map[string]json.RawMessage{"consumed_energy": json.RawMessage("null")}})
	require.NoError(t, d.applyCommand(0, protocol.Command{Type: protocol.CommandQuery, Data: data}))

	require.Len(t, d.pendingOut, 1)
	assert.Equal(t, protocol.EventAnswer, d.pendingOut[0].Type)
	var answer protocol.AnswerData
	require.NoError(t, json.Unmarshal(d.pendingOut[0].Data, &answer))
	require.NotNil(t, answer.ConsumedEnergy)
	assert.Equal(t, float64(42), *answer.ConsumedEnergy)
}

func TestApplyCommandToJobMsgRequiresKnownJob(t *testing.T) {
	d, _ := newTestDispatcher(t, "")
	data, _ := json.Marshal(protocol.ToJobMsgData{JobID: "w!99", Payload: json.RawMessage(`{}`)})
	err := d.applyCommand(0, protocol.Command{Type: protocol.CommandToJobMsg, Data: data})
	assert.Error(t, err)
}

func TestBeginCarriesResourcesConfigAndWorkloadFiles(t *testing.T) {
	d, out := newTestDispatcher(t, `{"now":0,"events":[]}`+"\n")
	opts := BeginOptions{
		Resources:     json.RawMessage(`[{"id":0,"speed":1}]`),
		AllowSharing:  true,
		Config:        json.RawMessage(`{"redis_enabled":false}`),
		WorkloadFiles: []string{"a.json"},
	}
	_, err := d.Begin(1, opts)
	require.NoError(t, err)

	var batch protocol.Batch
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(out.Bytes()), &batch))
	require.Len(t, batch.Events, 1)
	var begins protocol.SimulationBeginsData
	require.NoError(t, json.Unmarshal(batch.Events[0].Data, &begins))
	assert.True(t, begins.AllowSharing)
	assert.Equal(t, []string{"a.json"}, begins.WorkloadFiles)
	assert.JSONEq(t, `[{"id":0,"speed":1}]`, string(begins.Resources))
}

func TestApplyCommandExecuteJobMergesAdditionalIOJob(t *testing.T) {
	d, _ := newTestDispatcher(t, "")
	raw, _ := json.Marshal(map[string]any{"type": "parallel_homogeneous", "cpu": 10, "com": 0})
	p, err := d.registry.Load("w", "ph", raw)
	require.NoError(t, err)
	id := job.Identifier{Workload: "w", Number: 1}
	j, err := job.New(id, "w", "ph", p, 0, nil, 1, 1)
	require.NoError(t, err)
	require.NoError(t, j.MarkSubmitted())
	d.jobs[j.ID.String()] = j

	ioRaw, _ := json.Marshal(map[string]any{"type": "parallel_homogeneous", "cpu": 10, "com": 0})
	data, _ := json.Marshal(protocol.ExecuteJobData{
		JobID: j.ID.String(),
		Alloc: "0",
		AdditionalIOJob: &protocol.AdditionalIOJob{
			ProfileName: "ph-io",
			Profile:     ioRaw,
			Alloc:       "0",
		},
	})
	require.NoError(t, d.applyCommand(0, protocol.Command{Type: protocol.CommandExecuteJob, Data: data}))

	// Without the overlay a 10-flop job on a 1-flop/s host finishes at t=10;
	// with the additive 10-flop overlay it should take twice as long.
	due := d.exec.Due(10)
	assert.Len(t, due, 0)
	due = d.exec.Due(20)
	require.Len(t, due, 1)
}
