package workload

import (
	"encoding/json"

	"github.com/pkg/errors"
	"golang.org/x/exp/slices"

	"github.com/batsim-go/batsim/internal/batsimerrors"
	"github.com/batsim-go/batsim/internal/job"
	"github.com/batsim-go/batsim/internal/profile"
)

// Workload is a named set of jobs sharing a profile registry namespace and a
// machine count used only for validation against the platform, per §3.
type Workload struct {
	Name     string
	NbRes    int
	Jobs     []*job.Job
	Registry *profile.Registry

	// set when this workload was produced by a Batsim-level checkpoint
	// restore (§4.7); nil for ordinary workloads.
	Checkpoint *CheckpointMeta
}

// CheckpointMeta carries the bookkeeping §4.7 attaches to a resumed
// workload: the generation number, completion counters, and the jobs whose
// t_sub equals the restart instant, which the dispatcher must wait on
// before releasing the first SCHED_READY.
type CheckpointMeta struct {
	NbCheckpoint         int
	NbOriginalJobs       int
	NbActuallyCompleted  int
	ExpectedSubmissions  []job.Identifier
}

type wireJob struct {
	ID       string   `json:"id"`
	Subtime  float64  `json:"subtime"`
	Res      int      `json:"res"`
	Cores    int      `json:"cores"`
	Profile  string   `json:"profile"`
	Walltime *float64 `json:"walltime"`

	// checkpoint-workload extensions, §6
	Allocation      []int    `json:"allocation"`
	Progress        float64  `json:"progress"`
	State           string   `json:"state"`
	Metadata        string   `json:"metadata"`
	Jitter          float64  `json:"jitter"`
	Runtime         float64  `json:"runtime"`
	OriginalStart   *float64 `json:"original_start"`
	OriginalSubmit  *float64 `json:"original_submit"`
	ProgressTimeCPU float64  `json:"progressTimeCpu"`
}

type wireWorkload struct {
	NbRes    int                        `json:"nb_res"`
	Profiles map[string]json.RawMessage `json:"profiles"`
	Jobs     []wireJob                  `json:"jobs"`

	NbCheckpoint        int `json:"nb_checkpoint"`
	NbOriginalJobs      int `json:"nb_original_jobs"`
	NbActuallyCompleted int `json:"nb_actually_completed"`
}

// LoadOptions controls how Load interprets a workload document.
type LoadOptions struct {
	// FromCheckpoint marks that this document is a checkpoint-generated
	// workload.json (§4.7); job ids get the $<NbCheckpoint> suffix and jobs
	// whose subtime equals restartInstant populate ExpectedSubmissions.
	FromCheckpoint  bool
	RestartInstant  float64
}

// Load parses raw into a Workload, registering every profile and
// constructing every job. It does not run the transformation pipeline.
func Load(name string, raw []byte, reg *profile.Registry, opts LoadOptions) (*Workload, error) {
	var doc wireWorkload
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, errors.WithStack(err)
	}
	if doc.NbRes <= 0 {
		return nil, errors.WithStack(&batsimerrors.ErrConfiguration{Field: "nb_res", Value: doc.NbRes, Message: "must be positive"})
	}

	w := &Workload{Name: name, NbRes: doc.NbRes, Registry: reg}
	if opts.FromCheckpoint {
		w.Checkpoint = &CheckpointMeta{
			NbCheckpoint:        doc.NbCheckpoint + 1,
			NbOriginalJobs:      doc.NbOriginalJobs,
			NbActuallyCompleted: doc.NbActuallyCompleted,
		}
	}

	// profiles first: jobs reference them by name.
	profileNames := make([]string, 0, len(doc.Profiles))
	for pname := range doc.Profiles {
		profileNames = append(profileNames, pname)
	}
	slices.Sort(profileNames) // deterministic iteration for reproducibility.
	for _, pname := range profileNames {
		if _, err := reg.Load(name, pname, doc.Profiles[pname]); err != nil {
			return nil, err
		}
	}

	seenIDs := make(map[int]bool, len(doc.Jobs))
	for _, wj := range doc.Jobs {
		num, err := parseJobNumber(wj.ID)
		if err != nil {
			return nil, err
		}
		if seenIDs[num] {
			return nil, errors.WithStack(&batsimerrors.ErrConfiguration{Field: "job id", Value: wj.ID, Message: "duplicate job id"})
		}
		seenIDs[num] = true

		id := job.Identifier{Workload: name, Number: num}
		if opts.FromCheckpoint && w.Checkpoint != nil {
			id = id.NextCheckpointGeneration(w.Checkpoint.NbCheckpoint)
		}

		p, err := reg.Lookup(name, wj.Profile)
		if err != nil {
			return nil, err
		}
		if err := p.ValidateHostCount(wj.Res); err != nil {
			return nil, err
		}
		if err := reg.Retain(name, wj.Profile); err != nil {
			return nil, err
		}

		hosts := wj.Res
		if hosts == 0 {
			hosts = 1
		}
		jb, err := job.New(id, name, wj.Profile, p, wj.Subtime, wj.Walltime, hosts, wj.Cores)
		if err != nil {
			return nil, err
		}
		jb.Jitter = wj.Jitter
		jb.Metadata = wj.Metadata

		if opts.FromCheckpoint {
			jb.Restore = &job.RestoreBundle{
				Allocation:      wj.Allocation,
				Progress:        wj.Progress,
				Metadata:        wj.Metadata,
				Jitter:          wj.Jitter,
				Runtime:         wj.Runtime,
				OriginalStart:   wj.OriginalStart,
				OriginalSubmit:  wj.OriginalSubmit,
				ProgressTimeCPU: wj.ProgressTimeCPU,
			}
			if wj.Subtime == opts.RestartInstant {
				w.Checkpoint.ExpectedSubmissions = append(w.Checkpoint.ExpectedSubmissions, id)
			}
		}

		w.Jobs = append(w.Jobs, jb)
	}

	return w, nil
}

// parseJobNumber extracts the numeric component of a workload-file job id,
// tolerating the #R/$C suffixes job.ParseIdentifier normally parses off a
// full "workload!N[#R][$C]" wire id: a Batsim-checkpoint workload.json
// writes wireJob.ID as job.Identifier.Local(), which renders exactly that
// bare N[#R][$C] form for any job that had already been resubmitted or
// restored from an earlier checkpoint before this snapshot was taken.
func parseJobNumber(raw string) (int, error) {
	id, err := job.ParseIdentifier("_!" + raw)
	if err != nil {
		return 0, errors.WithStack(&batsimerrors.ErrConfiguration{Field: "job id", Value: raw})
	}
	return id.Number, nil
}
