package job

import (
	"github.com/pkg/errors"

	"github.com/batsim-go/batsim/internal/batsimerrors"
	"github.com/batsim-go/batsim/internal/profile"
)

// Purpose distinguishes a regular job from a reservation, which carries a
// future allocation the scheduler pre-committed to.
type Purpose string

const (
	PurposeJob         Purpose = "job"
	PurposeReservation Purpose = "reservation"
)

// RestoreBundle holds the extra fields a checkpoint-resumed job needs, per
// the workload file schema in §6 (allocation, progress, state, jitter,
// original_*).
type RestoreBundle struct {
	Allocation       []int
	Progress         float64
	PriorState       State
	Metadata         string
	Jitter           float64
	Runtime          float64
	OriginalStart    *float64
	OriginalSubmit   *float64
	ProgressTimeCPU  float64
}

// Job is the in-memory job record described in §3.
type Job struct {
	ID Identifier

	Workload       string // non-owning reference by name
	ProfileName    string
	Profile        *profile.Profile // shared, owned by the registry

	SubmitTime      float64
	Walltime        *float64
	RequestedHosts  int
	RequestedCores  int

	State State

	StartTime  *float64
	Allocation []int // ordered set of host indices

	ReturnCode      int
	AccumulatedEnergy float64

	Tree *TaskTree

	Purpose           Purpose
	FutureAllocation  []int

	SubmissionHistory []float64

	Jitter float64

	Restore *RestoreBundle

	Metadata string
}

// New constructs a job in state NotSubmitted, without a task tree (built
// lazily at EXECUTE_JOB time since it depends on the concrete allocation).
func New(id Identifier, workload, profileName string, p *profile.Profile, submitTime float64, walltime *float64, hosts, cores int) (*Job, error) {
	if err := ValidateComponent(workload); err != nil {
		return nil, err
	}
	if hosts <= 0 {
		return nil, errors.WithStack(&batsimerrors.ErrConfiguration{
			Field: "res", Value: hosts, Message: "requested host count must be positive",
		})
	}
	return &Job{
		ID:             id,
		Workload:       workload,
		ProfileName:    profileName,
		Profile:        p,
		SubmitTime:     submitTime,
		Walltime:       walltime,
		RequestedHosts: hosts,
		RequestedCores: cores,
		State:          NotSubmitted,
		Purpose:        PurposeJob,
		SubmissionHistory: []float64{submitTime},
	}, nil
}

// MarkSubmitted transitions NotSubmitted -> Submitted.
func (j *Job) MarkSubmitted() error {
	if j.State != NotSubmitted {
		return errors.WithStack(&batsimerrors.ErrProtocol{Message: "job " + j.ID.String() + " submitted twice"})
	}
	j.State = Submitted
	return nil
}

// Start transitions Submitted -> Running with the given allocation, per the
// invariant requested_hosts == |allocation| while Running. resolve looks up
// a profile by name within the job's own workload and is only consulted for
// Sequence profiles, to build out their child nodes; pass nil for profiles
// that are known not to be sequences.
func (j *Job) Start(now float64, allocation []int, resolve func(name string) *profile.Profile) error {
	if j.State != Submitted {
		return errors.WithStack(&batsimerrors.ErrProtocol{Message: "job " + j.ID.String() + " started from state " + j.State.String()})
	}
	if len(allocation) != j.RequestedHosts {
		return errors.WithStack(&batsimerrors.ErrReferential{Kind: "allocation", Value: j.ID.String()})
	}
	j.State = Running
	j.StartTime = &now
	j.Allocation = allocation
	j.Tree = NewTaskTreeWithResolver(j.Profile, now, resolve)
	return nil
}

// Complete transitions Running -> one terminal state. A job reaches a
// terminal state at most once; subsequent calls are ignored, matching the
// §3 invariant on duplicate completion events.
func (j *Job) Complete(state State, returnCode int) bool {
	if j.State.IsTerminal() {
		return false
	}
	if !state.IsTerminal() {
		return false
	}
	j.State = state
	j.ReturnCode = returnCode
	return true
}

// Reject transitions NotSubmitted/Submitted straight to a Rejected* state.
func (j *Job) Reject(state State) bool {
	if j.State.IsTerminal() || !state.IsRejection() {
		return false
	}
	j.State = state
	return true
}

// ProgressAt returns the job's overall progress snapshot as of now,
// delegating to the task tree (§4.2). A job with no tree (never started)
// reports undefined progress.
func (j *Job) ProgressAt(now float64) TaskProgress {
	if j.Tree == nil {
		return TaskProgress{Kind: profile.KindUnknown, Undefined: true}
	}
	return j.Tree.ProgressAt(now)
}

// ElapsedSince returns now - StartTime, or 0 if the job has not started.
func (j *Job) ElapsedSince(now float64) float64 {
	if j.StartTime == nil {
		return 0
	}
	return now - *j.StartTime
}
