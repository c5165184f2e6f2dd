// Package executor implements the job executor (C6): task-tree traversal,
// walltime enforcement, kill handling and Composite I/O overlay merging.
//
// The simulation kernel itself (SimGrid, in the source this module was
// distilled from) is explicitly out of scope (spec Non-goals): this package
// only implements the core's side of that interface. Completion times for
// parallel work are derived from a pluggable HostSpeed function rather than
// an actual flop-accurate engine, which keeps the executor deterministic and
// testable without reimplementing a discrete-event kernel.
package executor

import (
	"github.com/pkg/errors"

	"github.com/batsim-go/batsim/internal/batsimerrors"
	"github.com/batsim-go/batsim/internal/job"
	"github.com/batsim-go/batsim/internal/logging"
	"github.com/batsim-go/batsim/internal/profile"
)

// HostSpeed reports the flop rate of a host, used to convert
// ParallelHomogeneous/Heterogeneous work into a duration.
type HostSpeed func(host int) float64

// Outcome is what a running job resolves to.
type Outcome struct {
	State      job.State
	ReturnCode int
}

// Running tracks one in-flight job's executor-side bookkeeping: its
// computed completion deadline and the walltime deadline, whichever fires
// first wins (a kill can also pre-empt either).
type Running struct {
	Job              *job.Job
	CompletionTime   float64
	WalltimeDeadline *float64

	// sequenceStart/sequenceBoundaries drive Sequence traversal (§4.6):
	// boundaries[i] is the cumulative duration, relative to sequenceStart,
	// at which the i-th immediate child (repeat expanded) finishes. Empty
	// for a non-Sequence job.
	sequenceStart      float64
	sequenceBoundaries []float64
}

// Executor owns no socket and no clock; the dispatcher drives it by calling
// Start/Kill and polling Due as the simulated clock advances.
type Executor struct {
	log       logging.Logger
	hostSpeed HostSpeed
	running   map[string]*Running // job id string -> running record
}

func New(log logging.Logger, hostSpeed HostSpeed) *Executor {
	return &Executor{log: log, hostSpeed: hostSpeed, running: make(map[string]*Running)}
}

// Start begins executing j's task tree, rooted at resolve-able Sequence
// children if any, and returns the instant the core should re-check it
// (either natural completion or walltime expiry, whichever is sooner).
// ioOverlay is EXECUTE_JOB's optional additional_io_job: its work amount
// (Delay seconds, homogeneous flops or per-host flops) is added to the leaf
// being dispatched, per the Composite I/O overlay in §4.6; communication
// amounts are not merged.
func (e *Executor) Start(now float64, j *job.Job, allocation []int, resolve func(name string) *profile.Profile, ioOverlay *profile.Profile) (float64, error) {
	if err := j.Start(now, allocation, resolve); err != nil {
		return 0, err
	}

	duration, boundaries, err := e.estimateDuration(j.Profile, allocation, ioOverlay, resolve)
	if err != nil {
		return 0, err
	}
	completion := now + duration

	var deadline *float64
	target := completion
	if j.Walltime != nil {
		d := now + *j.Walltime
		deadline = &d
		if d < target {
			target = d
		}
	}

	r := &Running{Job: j, CompletionTime: completion, WalltimeDeadline: deadline}
	if len(boundaries) > 0 {
		r.sequenceStart = now
		r.sequenceBoundaries = boundaries
	}
	e.running[j.ID.String()] = r
	return target, nil
}

// estimateDuration derives wall-clock duration from the profile and the
// concrete allocation. A Sequence profile's duration is the sum of its
// (repeat-expanded) children's own durations, resolved by name via resolve;
// boundaries reports each child's cumulative end time relative to the job's
// start, letting the caller advance the task tree's current_child_index as
// simulated time passes (§4.6: "execute children left to right"). It is nil
// for every other kind. When ioOverlay is non-nil its seconds (Delay), flops
// (homogeneous) or per-host vector (heterogeneous) are added to p's before
// the duration is derived; communication amounts are not merged. A job's
// declared work thus grows by the I/O it was
// asked to also perform without needing a distinct profile kind; the
// overlay only ever applies to the leaf actually named by EXECUTE_JOB, so it
// is not propagated into a Sequence's children.
func (e *Executor) estimateDuration(p *profile.Profile, allocation []int, ioOverlay *profile.Profile, resolve func(name string) *profile.Profile) (float64, []float64, error) {
	switch p.Kind {
	case profile.KindDelay:
		d := p.Seconds
		if ioOverlay != nil {
			d += ioOverlay.Seconds
		}
		return d, nil, nil
	case profile.KindParallelHomogeneous:
		rate := e.totalRate(allocation)
		if rate <= 0 {
			return 0, nil, errors.WithStack(&batsimerrors.ErrConfiguration{Field: "host_speed", Message: "zero aggregate host speed"})
		}
		flops := p.CPUFlops
		if ioOverlay != nil {
			flops += ioOverlay.CPUFlops
		}
		return flops / rate, nil, nil
	case profile.KindParallelHeterogeneous:
		var maxT float64
		for i, host := range allocation {
			if i >= len(p.CPUVec) {
				break
			}
			speed := e.hostSpeed(host)
			if speed <= 0 {
				continue
			}
			flops := p.CPUVec[i]
			if ioOverlay != nil && i < len(ioOverlay.CPUVec) {
				flops += ioOverlay.CPUVec[i]
			}
			t := flops / speed
			if t > maxT {
				maxT = t
			}
		}
		return maxT, nil, nil
	case profile.KindSequence:
		repeat := p.Repeat
		if repeat < 1 {
			repeat = 1
		}
		var total float64
		var boundaries []float64
		for i := 0; i < repeat; i++ {
			for _, name := range p.Children {
				child := resolve(name)
				if child == nil {
					return 0, nil, errors.WithStack(&batsimerrors.ErrReferential{Kind: "profile", Value: name})
				}
				d, _, err := e.estimateDuration(child, allocation, nil, resolve)
				if err != nil {
					return 0, nil, err
				}
				total += d
				boundaries = append(boundaries, total)
			}
		}
		return total, boundaries, nil
	default:
		return 0, nil, nil
	}
}

// syncSequence advances a Sequence job's task tree to match now, so a
// progress query (kill snapshot, walltime-reached report) sees the child
// actually active at that instant rather than whichever one Start() left it
// on. A no-op for non-Sequence jobs (sequenceBoundaries is empty).
func (e *Executor) syncSequence(r *Running, now float64) {
	for {
		idx := r.Job.Tree.SequenceIndex()
		if idx >= len(r.sequenceBoundaries)-1 {
			return
		}
		boundary := r.sequenceStart + r.sequenceBoundaries[idx]
		if now < boundary {
			return
		}
		r.Job.Tree.AdvanceSequence(boundary)
	}
}

func (e *Executor) totalRate(allocation []int) float64 {
	var total float64
	for _, host := range allocation {
		total += e.hostSpeed(host)
	}
	return total
}

// Due reports every running job whose completion or walltime deadline has
// arrived by now, and what each resolved to.
func (e *Executor) Due(now float64) []struct {
	Job     *job.Job
	Outcome Outcome
} {
	var out []struct {
		Job     *job.Job
		Outcome Outcome
	}
	for id, r := range e.running {
		e.syncSequence(r, now)
		if r.WalltimeDeadline != nil && *r.WalltimeDeadline <= now && *r.WalltimeDeadline <= r.CompletionTime {
			out = append(out, struct {
				Job     *job.Job
				Outcome Outcome
			}{r.Job, Outcome{State: job.CompletedWalltimeReached}})
			delete(e.running, id)
			continue
		}
		if r.CompletionTime <= now {
			out = append(out, struct {
				Job     *job.Job
				Outcome Outcome
			}{r.Job, Outcome{State: job.CompletedSuccessfully}})
			delete(e.running, id)
		}
	}
	return out
}

// Kill stops a running job immediately, snapshotting its progress tree
// before removing it from the executor's bookkeeping.
func (e *Executor) Kill(now float64, jobID string) (*job.TaskProgress, bool) {
	r, ok := e.running[jobID]
	if !ok {
		return nil, false
	}
	e.syncSequence(r, now)
	progress := r.Job.Tree.ProgressAt(now)
	delete(e.running, jobID)
	return &progress, true
}

// IsRunning reports whether the executor still owns jobID.
func (e *Executor) IsRunning(jobID string) bool {
	_, ok := e.running[jobID]
	return ok
}

// RunningCount reports how many jobs are currently executing.
func (e *Executor) RunningCount() int {
	return len(e.running)
}
