package server

import (
	"encoding/json"

	"github.com/pkg/errors"

	"github.com/batsim-go/batsim/internal/job"
	"github.com/batsim-go/batsim/internal/profile"
)

// JobDoc is the without-redis job description a scheduler needs to learn a
// job's resource/walltime requirements, per §4.4's "the full job JSON"
// language. It mirrors the shape a workload file's own "jobs" entries carry,
// minus the checkpoint-only extensions a dynamic submission never needs.
type JobDoc struct {
	ID             string   `json:"id"`
	Profile        string   `json:"profile"`
	Res            int      `json:"res"`
	Cores          int      `json:"cores,omitempty"`
	Subtime        float64  `json:"subtime"`
	Walltime       *float64 `json:"walltime,omitempty"`
	OriginalSubmit *float64 `json:"original_submit,omitempty"`
	OriginalStart  *float64 `json:"original_start,omitempty"`
}

// DescribeJob builds j's without-redis wire description.
func DescribeJob(j *job.Job) JobDoc {
	doc := JobDoc{
		ID:       j.ID.Local(),
		Profile:  j.ProfileName,
		Res:      j.RequestedHosts,
		Cores:    j.RequestedCores,
		Subtime:  j.SubmitTime,
		Walltime: j.Walltime,
	}
	if j.Restore != nil {
		doc.OriginalSubmit = j.Restore.OriginalSubmit
		doc.OriginalStart = j.Restore.OriginalStart
	}
	return doc
}

// DescribeJobs marshals every job in jobs into the array SIMULATION_BEGINS
// carries in its "jobs" field when the redis side channel is disabled.
func DescribeJobs(jobs []*job.Job) (json.RawMessage, error) {
	docs := make([]JobDoc, 0, len(jobs))
	for _, j := range jobs {
		docs = append(docs, DescribeJob(j))
	}
	raw, err := json.Marshal(docs)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return raw, nil
}

// DescribeProfiles marshals every profile interned under any of workloads
// into the name->definition object SIMULATION_BEGINS carries in its
// "profiles" field when the redis side channel is disabled.
func DescribeProfiles(reg *profile.Registry, workloads []string) (json.RawMessage, error) {
	out := make(map[string]json.RawMessage)
	for _, w := range workloads {
		for _, p := range reg.All(w) {
			raw, err := p.ToJSON()
			if err != nil {
				return nil, err
			}
			out[p.Name] = raw
		}
	}
	raw, err := json.Marshal(out)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return raw, nil
}

// checkpointJobData is JOB_SUBMITTED's "checkpoint_job_data" bundle (§4.4),
// grounded on checkpoint.jobRecord and the source's append_job_submitted:
// allocation, consumed energy, jitter, progress, state and runtime as of the
// instant the job was submitted. A job submitted for the first time has not
// run yet, so its allocation/runtime/progress are zero; a checkpoint-restored
// job submitted at the restart instant carries its restore bundle's values
// in them instead.
type checkpointJobData struct {
	Allocation      []int   `json:"allocation,omitempty"`
	ConsumedEnergy  float64 `json:"consumed_energy"`
	Jitter          float64 `json:"jitter"`
	Progress        float64 `json:"progress"`
	State           string  `json:"state"`
	Runtime         float64 `json:"runtime"`
	ProgressTimeCPU float64 `json:"progressTimeCpu"`
}

// buildCheckpointJobData composes j's checkpoint_job_data bundle as of now.
// An ordinary job submitted for the first time reports all-zero progress; a
// checkpoint-restored job submitted at the restart instant (§4.7) carries its
// RestoreBundle's jitter and mid-flight progress instead.
func buildCheckpointJobData(j *job.Job) checkpointJobData {
	data := checkpointJobData{
		ConsumedEnergy: j.AccumulatedEnergy,
		Jitter:         j.Jitter,
		State:          j.State.String(),
	}
	if j.Restore != nil {
		data.Allocation = j.Restore.Allocation
		data.Progress = j.Restore.Progress
		data.Runtime = j.Restore.Runtime
		data.ProgressTimeCPU = j.Restore.ProgressTimeCPU
	}
	return data
}
