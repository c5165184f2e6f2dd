// Package profile implements the identifier & profile registry (C1): a
// tagged-union Profile type loaded from JSON, interned per workload by name
// and reference-counted so composite profiles keep their leaves alive.
package profile

import (
	"encoding/json"
	"strings"

	"github.com/pkg/errors"

	"github.com/batsim-go/batsim/internal/batsimerrors"
)

// Kind tags the variant held by a Profile. Go has no sum types, so the
// tagged union is expressed as one struct holding every variant's fields
// behind a Kind discriminator, following the teacher's tagged-union
// guidance for profiles and task-tree nodes.
type Kind int

const (
	KindUnknown Kind = iota
	KindDelay
	KindParallelHomogeneous
	KindParallelHeterogeneous
	KindSequence
	KindSmpi
)

func (k Kind) String() string {
	switch k {
	case KindDelay:
		return "delay"
	case KindParallelHomogeneous:
		return "parallel_homogeneous"
	case KindParallelHeterogeneous:
		return "parallel_heterogeneous"
	case KindSequence:
		return "sequence"
	case KindSmpi:
		return "smpi"
	default:
		return "unknown"
	}
}

func kindFromWire(s string) Kind {
	switch s {
	case "delay":
		return KindDelay
	case "parallel_homogeneous", "msg_par_hg":
		return KindParallelHomogeneous
	case "parallel_heterogeneous", "msg_par_hg_tot":
		return KindParallelHeterogeneous
	case "sequence", "composed":
		return KindSequence
	case "smpi":
		return KindSmpi
	default:
		return KindUnknown
	}
}

// Profile is the in-memory form of a profile JSON definition. Only the
// fields relevant to Kind are meaningful; this mirrors the source's C
// union-of-structs layout without resorting to virtual dispatch.
type Profile struct {
	Workload string
	Name     string
	Kind     Kind

	// Delay
	Seconds         float64
	RealDelay       *float64
	OriginalDelay   *float64

	// ParallelHomogeneous
	CPUFlops      float64
	ComBytes      float64
	RealCPU       *float64
	OriginalCPU   *float64

	// ParallelHeterogeneous
	CPUVec    []float64
	ComMatrix [][]float64

	// Sequence
	Repeat   int
	Children []string

	// Smpi
	TraceFiles []string

	refCount int
}

// FromJSON parses one profile definition. name and workload are supplied by
// the caller (profiles are keyed externally, not by a field in their own
// JSON body).
func FromJSON(workload, name string, raw json.RawMessage) (*Profile, error) {
	if strings.Contains(name, "!") {
		return nil, errors.WithStack(&batsimerrors.ErrConfiguration{
			Field: "profile name", Value: name, Message: `must not contain "!"`,
		})
	}

	// type is decoded twice on purpose: once as a plain struct for the
	// scalar kinds, once with the array-shaped cpu/com for heterogeneous
	// profiles, because json.RawMessage does not let one struct host both
	// a float64 and a [][]float64 under the same tag.
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(raw, &head); err != nil {
		return nil, errors.WithStack(err)
	}

	kind := kindFromWire(head.Type)
	if kind == KindUnknown {
		return nil, errors.WithStack(&batsimerrors.ErrConfiguration{
			Field: "profile.type", Value: head.Type, Message: "unknown profile kind",
		})
	}

	p := &Profile{Workload: workload, Name: name, Kind: kind}

	switch kind {
	case KindDelay:
		var w struct {
			Delay float64 `json:"delay"`
		}
		if err := json.Unmarshal(raw, &w); err != nil {
			return nil, errors.WithStack(err)
		}
		p.Seconds = w.Delay
	case KindParallelHomogeneous:
		var w struct {
			CPU float64 `json:"cpu"`
			Com float64 `json:"com"`
		}
		if err := json.Unmarshal(raw, &w); err != nil {
			return nil, errors.WithStack(err)
		}
		p.CPUFlops = w.CPU
		p.ComBytes = w.Com
	case KindParallelHeterogeneous:
		var w struct {
			CPU [][]float64 `json:"cpu"`
			Com [][]float64 `json:"com"`
		}
		if err := json.Unmarshal(raw, &w); err != nil {
			return nil, errors.WithStack(err)
		}
		if len(w.CPU) == 0 {
			return nil, errors.WithStack(&batsimerrors.ErrConfiguration{
				Field: "profile.cpu", Value: name, Message: "parallel_heterogeneous requires a non-empty cpu vector",
			})
		}
		p.CPUVec = w.CPU[0]
		p.ComMatrix = w.Com
	case KindSequence:
		var w struct {
			Nb       int      `json:"nb"`
			Children []string `json:"seq"`
		}
		if err := json.Unmarshal(raw, &w); err != nil {
			return nil, errors.WithStack(err)
		}
		if len(w.Children) == 0 {
			return nil, errors.WithStack(&batsimerrors.ErrConfiguration{
				Field: "profile.seq", Value: name, Message: "sequence profile requires at least one child",
			})
		}
		p.Repeat = w.Nb
		if p.Repeat == 0 {
			p.Repeat = 1
		}
		p.Children = w.Children
	case KindSmpi:
		var w struct {
			TraceFiles []string `json:"trace_files"`
		}
		if err := json.Unmarshal(raw, &w); err != nil {
			return nil, errors.WithStack(err)
		}
		p.TraceFiles = w.TraceFiles
	}

	return p, nil
}

// ValidateHostCount checks the §4.1 host-count mismatch rule for
// heterogeneous profiles: the cpu/com vectors must have exactly one entry
// per requested host.
func (p *Profile) ValidateHostCount(requestedHosts int) error {
	if p.Kind != KindParallelHeterogeneous {
		return nil
	}
	if len(p.CPUVec) != requestedHosts {
		return errors.WithStack(&batsimerrors.ErrConfiguration{
			Field:   "profile.cpu",
			Value:   p.Name,
			Message: "parallel_heterogeneous host count does not match requested hosts",
		})
	}
	if len(p.ComMatrix) != requestedHosts {
		return errors.WithStack(&batsimerrors.ErrConfiguration{
			Field:   "profile.com",
			Value:   p.Name,
			Message: "parallel_heterogeneous communication matrix is not n x n",
		})
	}
	for _, row := range p.ComMatrix {
		if len(row) != requestedHosts {
			return errors.WithStack(&batsimerrors.ErrConfiguration{
				Field:   "profile.com",
				Value:   p.Name,
				Message: "parallel_heterogeneous communication matrix is not n x n",
			})
		}
	}
	return nil
}

// RawWork returns the value performance scaling and checkpoint augmentation
// operate on: seconds for Delay, flops for ParallelHomogeneous.
func (p *Profile) RawWork() (float64, bool) {
	switch p.Kind {
	case KindDelay:
		return p.Seconds, true
	case KindParallelHomogeneous:
		return p.CPUFlops, true
	default:
		return 0, false
	}
}

// ToJSON reconstructs the profile's wire definition from its typed fields,
// the inverse of FromJSON. Used to forward an interned profile back to the
// scheduler (SIMULATION_BEGINS's "profiles" object, JOB_SUBMITTED's
// "profile" field under --forward-profiles-on-submission) when the inline,
// non-redis side channel is in effect. Mirrors the per-kind field layout
// checkpoint.regenerateProfile already uses for the same purpose.
func (p *Profile) ToJSON() (json.RawMessage, error) {
	var raw []byte
	var err error
	switch p.Kind {
	case KindDelay:
		raw, err = json.Marshal(struct {
			Type          string   `json:"type"`
			Delay         float64  `json:"delay"`
			RealDelay     *float64 `json:"real_delay,omitempty"`
			OriginalDelay *float64 `json:"original_delay,omitempty"`
		}{Type: "delay", Delay: p.Seconds, RealDelay: p.RealDelay, OriginalDelay: p.OriginalDelay})
	case KindParallelHomogeneous:
		raw, err = json.Marshal(struct {
			Type        string   `json:"type"`
			CPU         float64  `json:"cpu"`
			Com         float64  `json:"com"`
			RealCPU     *float64 `json:"real_cpu,omitempty"`
			OriginalCPU *float64 `json:"original_cpu,omitempty"`
		}{Type: "parallel_homogeneous", CPU: p.CPUFlops, Com: p.ComBytes, RealCPU: p.RealCPU, OriginalCPU: p.OriginalCPU})
	case KindParallelHeterogeneous:
		raw, err = json.Marshal(struct {
			Type string      `json:"type"`
			CPU  [][]float64 `json:"cpu"`
			Com  [][]float64 `json:"com"`
		}{Type: "parallel_heterogeneous", CPU: [][]float64{p.CPUVec}, Com: p.ComMatrix})
	case KindSequence:
		raw, err = json.Marshal(struct {
			Type string   `json:"type"`
			Nb   int      `json:"nb"`
			Seq  []string `json:"seq"`
		}{Type: "sequence", Nb: p.Repeat, Seq: p.Children})
	case KindSmpi:
		raw, err = json.Marshal(struct {
			Type       string   `json:"type"`
			TraceFiles []string `json:"trace_files"`
		}{Type: "smpi", TraceFiles: p.TraceFiles})
	default:
		raw, err = json.Marshal(struct {
			Type string `json:"type"`
		}{Type: p.Kind.String()})
	}
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return raw, nil
}

// Clone returns a deep copy suitable for checkpoint-interval augmentation,
// which rewrites the visible work while preserving real_*/original_* of the
// clone's source.
func (p *Profile) Clone(newName string) *Profile {
	clone := *p
	clone.Name = newName
	clone.CPUVec = append([]float64(nil), p.CPUVec...)
	clone.ComMatrix = make([][]float64, len(p.ComMatrix))
	for i, row := range p.ComMatrix {
		clone.ComMatrix[i] = append([]float64(nil), row...)
	}
	clone.Children = append([]string(nil), p.Children...)
	clone.TraceFiles = append([]string(nil), p.TraceFiles...)
	clone.refCount = 0
	return &clone
}
