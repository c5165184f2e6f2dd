// Package tracer writes the persisted per-run state named in spec §6:
// *_jobs.csv (one row per completed job) and *_extra_info.csv (per-tick
// metrics). The wire contract mandates CSV text files, so this stays on
// encoding/csv rather than reaching for a third-party format such as the
// parquet writer the retrieved pack's own simulator sink uses for its
// analogous job-history tracer — the Writer/Write/Close
// lifecycle below mirrors that sink's shape.
package tracer

import (
	"encoding/csv"
	"os"
	"strconv"

	"github.com/pkg/errors"
)

var jobsHeader = []string{
	"job_id", "workload_name", "profile", "submission_time",
	"requested_number_of_resources", "requested_time", "success",
	"starting_time", "execution_time", "finish_time",
	"waiting_time", "turnaround_time", "allocated_resources",
	"consumed_energy", "return_code", "metadata",
}

// JobRow is one *_jobs.csv record, independent of the job package so the
// tracer can be exercised without constructing a full job.Job.
type JobRow struct {
	JobID          string
	WorkloadName   string
	Profile        string
	SubmissionTime float64
	RequestedHosts int
	RequestedTime  float64
	Success        string
	StartingTime   float64
	ExecutionTime  float64
	FinishTime     float64
	Allocation     string
	ConsumedEnergy float64
	ReturnCode     int
	Metadata       string
}

// WaitingTime is StartingTime - SubmissionTime.
func (r JobRow) WaitingTime() float64 { return r.StartingTime - r.SubmissionTime }

// TurnaroundTime is FinishTime - SubmissionTime.
func (r JobRow) TurnaroundTime() float64 { return r.FinishTime - r.SubmissionTime }

// JobsWriter appends completed-job rows to <export_prefix>_jobs.csv.
type JobsWriter struct {
	path string
	f    *os.File
	w    *csv.Writer
}

// NewJobsWriter creates (or truncates) path and writes the header row.
func NewJobsWriter(path string) (*JobsWriter, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	w := csv.NewWriter(f)
	if err := w.Write(jobsHeader); err != nil {
		f.Close()
		return nil, errors.WithStack(err)
	}
	return &JobsWriter{path: path, f: f, w: w}, nil
}

// Path returns the file path this writer appends to, used by the
// checkpointer to copy the file verbatim (§4.7 step 2).
func (j *JobsWriter) Path() string { return j.path }

// Write appends one row and flushes immediately: a snapshot may be taken at
// any synchronisation point, and the checkpointer copies this file, so rows
// must be durable as soon as a job completes rather than buffered.
func (j *JobsWriter) Write(r JobRow) error {
	row := []string{
		r.JobID,
		r.WorkloadName,
		r.Profile,
		formatFloat(r.SubmissionTime),
		strconv.Itoa(r.RequestedHosts),
		formatFloat(r.RequestedTime),
		r.Success,
		formatFloat(r.StartingTime),
		formatFloat(r.ExecutionTime),
		formatFloat(r.FinishTime),
		formatFloat(r.WaitingTime()),
		formatFloat(r.TurnaroundTime()),
		r.Allocation,
		formatFloat(r.ConsumedEnergy),
		strconv.Itoa(r.ReturnCode),
		r.Metadata,
	}
	if err := j.w.Write(row); err != nil {
		return errors.WithStack(err)
	}
	j.w.Flush()
	return errors.WithStack(j.w.Error())
}

// Close flushes and closes the underlying file.
func (j *JobsWriter) Close() error {
	j.w.Flush()
	if err := j.w.Error(); err != nil {
		j.f.Close()
		return errors.WithStack(err)
	}
	return errors.WithStack(j.f.Close())
}

// formatFloat uses 15 significant digits, the precision spec §6 mandates
// for replay-determinism-sensitive timestamps.
func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', 15, 64)
}
