package workload

import (
	"fmt"
	"math"
	"math/rand"

	"github.com/pkg/errors"
	"golang.org/x/exp/slices"

	"github.com/batsim-go/batsim/internal/batsimerrors"
	"github.com/batsim-go/batsim/internal/job"
	"github.com/batsim-go/batsim/internal/profile"
)

// Transformer runs the five-step pipeline of §4.3 over a job set. It is a
// pure function of (jobs, spec, seed): the same seed always produces the
// same output, satisfying testable property 5.
type Transformer struct {
	rng *rand.Rand
}

// NewTransformer seeds the transformer's random source. Every step that
// consumes randomness draws from this single stream in pipeline order, so
// re-running with the same seed reproduces the exact sequence of draws.
func NewTransformer(seed int64) *Transformer {
	return &Transformer{rng: rand.New(rand.NewSource(seed))}
}

// ApplySubmissionTime implements steps 1 and 3: rewrite t_sub per the dist
// grammar, after a stable sort by (t_sub, id.Number).
func (tr *Transformer) ApplySubmissionTime(jobs []*job.Job, d Dist) []*job.Job {
	out := append([]*job.Job(nil), jobs...)
	slices.SortStableFunc(out, func(a, b *job.Job) int {
		if a.SubmitTime != b.SubmitTime {
			if a.SubmitTime < b.SubmitTime {
				return -1
			}
			return 1
		}
		return a.ID.Number - b.ID.Number
	})

	switch d.Kind {
	case DistShuffle:
		times := make([]float64, len(out))
		for i, j := range out {
			times[i] = j.SubmitTime
		}
		tr.rng.Shuffle(len(times), func(i, k int) { times[i], times[k] = times[k], times[i] })
		for i, j := range out {
			j.SubmitTime = times[i]
			j.SubmissionHistory = append(j.SubmissionHistory, j.SubmitTime)
		}
	default:
		t := 0.0
		for _, j := range out {
			j.SubmitTime = t
			j.SubmissionHistory = append(j.SubmissionHistory, j.SubmitTime)
			t += d.Sample(tr.rng)
		}
		if d.TrailingShuffle {
			return tr.ApplySubmissionTime(out, Dist{Kind: DistShuffle})
		}
	}
	return out
}

// ApplyCopy implements step 2. Copies are numbered starting above the
// current maximum id in the source set; each clone's profile is re-interned
// under a derived name so the registry's refcounting stays accurate.
func (tr *Transformer) ApplyCopy(jobs []*job.Job, spec CopySpec, reg *profile.Registry, workloadName string) ([]*job.Job, error) {
	if spec.Copies <= 1 {
		return jobs, nil
	}

	maxID := 0
	for _, j := range jobs {
		if j.ID.Number > maxID {
			maxID = j.ID.Number
		}
	}

	out := append([]*job.Job(nil), jobs...)
	nextID := maxID + 1

	// scope "single": one sample reused for every clone of every job.
	var singleSample float64
	if spec.Scope == ScopeSingle {
		singleSample = spec.Dist.Sample(tr.rng)
	}

	for copyIdx := 1; copyIdx < spec.Copies; copyIdx++ {
		// scope "each-copy": one sample per copy pass, reused for every job
		// cloned within that pass.
		var copySample float64
		if spec.Scope == ScopeEachCopy {
			copySample = spec.Dist.Sample(tr.rng)
		}

		for _, src := range jobs {
			sample := singleSample
			switch spec.Scope {
			case ScopeEachCopy:
				sample = copySample
			case ScopeAll:
				sample = spec.Dist.Sample(tr.rng)
			}

			clonedProfileName := fmt.Sprintf("%s@copy%d", src.ProfileName, copyIdx)
			if !reg.Exists(workloadName, clonedProfileName) {
				clone := src.Profile.Clone(clonedProfileName)
				if err := reg.Put(clone); err != nil {
					return nil, err
				}
			}
			clonedProfile, err := reg.Lookup(workloadName, clonedProfileName)
			if err != nil {
				return nil, err
			}
			if err := reg.Retain(workloadName, clonedProfileName); err != nil {
				return nil, err
			}

			newID := job.Identifier{Workload: workloadName, Number: nextID}
			nextID++

			cloned, err := job.New(newID, workloadName, clonedProfileName, clonedProfile, src.SubmitTime, src.Walltime, src.RequestedHosts, src.RequestedCores)
			if err != nil {
				return nil, err
			}

			switch spec.Operator {
			case OpSet:
				cloned.SubmitTime = sample
			case OpAdd:
				cloned.SubmitTime = src.SubmitTime + sample
				cloned.Jitter = sample
			case OpSub:
				cloned.SubmitTime = src.SubmitTime - sample
				cloned.Jitter = -sample
			}
			cloned.SubmissionHistory = []float64{cloned.SubmitTime}

			out = append(out, cloned)
		}
	}
	return out, nil
}

// ApplyPerformanceScaling implements step 4: multiply Delay.seconds or
// ParallelHomogeneous.cpu by factor, but only for jobs that have never been
// resubmitted, so requeued jobs retain their already-scaled values.
func ApplyPerformanceScaling(jobs []*job.Job, factor float64) {
	if factor == 1 {
		return
	}
	seen := make(map[string]bool)
	for _, j := range jobs {
		if j.ID.IsResubmission() {
			continue
		}
		key := j.Workload + "!" + j.ProfileName
		if seen[key] {
			continue
		}
		seen[key] = true
		switch j.Profile.Kind {
		case profile.KindDelay:
			j.Profile.Seconds *= factor
		case profile.KindParallelHomogeneous:
			j.Profile.CPUFlops *= factor
		}
	}
}

// CheckpointSpec parameters step 5 of the pipeline, §4.3.
type CheckpointSpec struct {
	// GlobalInterval, if > 0, is used directly as I_ckpt for every profile.
	GlobalInterval float64

	// Otherwise I is computed compute-optimally: I = err*sqrt(2*D*M) - D,
	// with M = SMTBF*hosts_total/hosts_requested (falling back to MTBF).
	DumpTime   float64 // D
	ErrFactor  float64 // err
	MTBF       float64
	SMTBF      float64 // 0 means "absent"
	HostsTotal int

	HostSpeed float64 // flops/sec, used to convert ParallelHomogeneous cpu <-> seconds
}

// ApplyCheckpointAugmentation implements step 5. It mutates profile.Seconds
// or profile.CPUFlops in place (preserving the original into RealDelay /
// RealCPU) and extends each referencing job's walltime by the same amount.
func ApplyCheckpointAugmentation(jobs []*job.Job, spec CheckpointSpec) error {
	augmented := make(map[string]float64) // profile key -> added work, to extend walltime consistently
	for _, j := range jobs {
		p := j.Profile
		raw, ok := p.RawWork()
		if !ok {
			continue
		}

		key := j.Workload + "!" + j.ProfileName
		added, already := augmented[key]
		if !already {
			interval := spec.GlobalInterval
			if interval <= 0 {
				m := spec.MTBF
				if spec.SMTBF > 0 {
					if j.RequestedHosts <= 0 {
						return errors.WithStack(&batsimerrors.ErrConfiguration{Field: "res", Value: j.ID.String()})
					}
					m = spec.SMTBF * float64(spec.HostsTotal) / float64(j.RequestedHosts)
				}
				interval = spec.ErrFactor*math.Sqrt(2*spec.DumpTime*m) - spec.DumpTime
			}
			if interval <= 0 {
				return errors.WithStack(&batsimerrors.ErrConfiguration{
					Field: "checkpoint interval", Value: interval, Message: "computed checkpoint interval must be positive",
				})
			}

			// W is the profile's raw work in seconds (§4.3 step 5): the delay
			// directly, or cpu/host_speed for ParallelHomogeneous — raw alone
			// is flops there and must not be compared against interval, which
			// is denominated in seconds like D and M.
			w := raw
			if p.Kind == profile.KindParallelHomogeneous {
				if spec.HostSpeed <= 0 {
					return errors.WithStack(&batsimerrors.ErrConfiguration{
						Field: "host_speed", Message: "checkpoint-interval augmentation of a parallel_homogeneous profile requires a positive host speed",
					})
				}
				w = raw / spec.HostSpeed
			}

			n := math.Floor(w / interval)
			sub := 0.0
			if math.Mod(w, interval) == 0 {
				sub = 1
			}
			added = (n - sub) * spec.DumpTime
			newWork := w + added

			switch p.Kind {
			case profile.KindDelay:
				orig := p.Seconds
				p.OriginalDelay = &orig
				p.RealDelay = &orig
				p.Seconds = newWork
			case profile.KindParallelHomogeneous:
				orig := p.CPUFlops
				p.OriginalCPU = &orig
				p.RealCPU = &orig
				p.CPUFlops = newWork * spec.HostSpeed // convert back to flops via host_speed
			}
			augmented[key] = added
		}

		if j.Walltime != nil {
			extended := *j.Walltime + added
			j.Walltime = &extended
		}
	}
	return nil
}
