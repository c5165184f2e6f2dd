// Package job implements the job model and progress tracker (C2): the job
// identifier encoding, the state machine, and the task tree mirroring a
// job's profile for per-leaf progress accounting.
package job

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"github.com/batsim-go/batsim/internal/batsimerrors"
)

// Identifier is (workload_name, local_id) where local_id is itself the
// tuple (number, resubmission generation, checkpoint generation). Per §3,
// the string encoding is N[#R][$C], and internally the fields stay integers
// so re-rendering never drifts from parsing: "String-typed JobIdentifier
// encoding" in the design notes.
type Identifier struct {
	Workload   string
	Number     int
	Resubmit   int // #R, 0 if never resubmitted
	Checkpoint int // $C, 0 if never restored from a checkpoint
}

// String renders workload!N[#R][$C].
func (id Identifier) String() string {
	var b strings.Builder
	b.WriteString(id.Workload)
	b.WriteByte('!')
	b.WriteString(strconv.Itoa(id.Number))
	if id.Resubmit > 0 {
		b.WriteByte('#')
		b.WriteString(strconv.Itoa(id.Resubmit))
	}
	if id.Checkpoint > 0 {
		b.WriteByte('$')
		b.WriteString(strconv.Itoa(id.Checkpoint))
	}
	return b.String()
}

// Local renders N[#R][$C] without the workload prefix, the bare form used
// inside a workload file since the workload name is already in its own
// envelope (§4.7's checkpoint job records use this form).
func (id Identifier) Local() string {
	full := id.String()
	_, local, _ := strings.Cut(full, "!")
	return local
}

// IsResubmission reports whether the id carries a nonzero #R component. Used
// by performance scaling (§4.3 step 4), which must skip resubmitted jobs so
// they keep their previously scaled values.
func (id Identifier) IsResubmission() bool {
	return id.Resubmit > 0
}

// ParseIdentifier parses "workload!N[#R][$C]". The "!" separator is
// required: a bare local id ("N") is rejected.
func ParseIdentifier(s string) (Identifier, error) {
	workload, local, ok := strings.Cut(s, "!")
	if !ok {
		return Identifier{}, errors.WithStack(&batsimerrors.ErrConfiguration{
			Field: "job id", Value: s, Message: `missing "!" separator`,
		})
	}

	id := Identifier{Workload: workload}

	numPart := local
	if i := strings.IndexByte(local, '#'); i >= 0 {
		numPart = local[:i]
		rest := local[i+1:]
		resubPart := rest
		if j := strings.IndexByte(rest, '$'); j >= 0 {
			resubPart = rest[:j]
			ckpt, err := strconv.Atoi(rest[j+1:])
			if err != nil {
				return Identifier{}, errors.WithStack(&batsimerrors.ErrConfiguration{
					Field: "job id", Value: s, Message: "invalid $C component",
				})
			}
			id.Checkpoint = ckpt
		}
		resub, err := strconv.Atoi(resubPart)
		if err != nil {
			return Identifier{}, errors.WithStack(&batsimerrors.ErrConfiguration{
				Field: "job id", Value: s, Message: "invalid #R component",
			})
		}
		id.Resubmit = resub
	} else if i := strings.IndexByte(local, '$'); i >= 0 {
		numPart = local[:i]
		ckpt, err := strconv.Atoi(local[i+1:])
		if err != nil {
			return Identifier{}, errors.WithStack(&batsimerrors.ErrConfiguration{
				Field: "job id", Value: s, Message: "invalid $C component",
			})
		}
		id.Checkpoint = ckpt
	}

	num, err := strconv.Atoi(numPart)
	if err != nil {
		return Identifier{}, errors.WithStack(&batsimerrors.ErrConfiguration{
			Field: "job id", Value: s, Message: "invalid numeric component",
		})
	}
	id.Number = num
	return id, nil
}

// ValidateComponent enforces the §3 invariant that neither id field may
// contain "!".
func ValidateComponent(s string) error {
	if strings.Contains(s, "!") {
		return errors.WithStack(&batsimerrors.ErrConfiguration{
			Field: "job id component", Value: s, Message: `must not contain "!"`,
		})
	}
	return nil
}

// NextResubmission returns a copy of id with Resubmit incremented, used when
// the scheduler requeues a killed job.
func (id Identifier) NextResubmission() Identifier {
	n := id
	n.Resubmit++
	return n
}

// NextCheckpointGeneration returns a copy of id with Checkpoint set to
// checkpointNumber; Workload, Number and Resubmit are unchanged, so the $C
// component is what distinguishes ids across restarts (§4.7).
func (id Identifier) NextCheckpointGeneration(checkpointNumber int) Identifier {
	n := id
	n.Checkpoint = checkpointNumber
	return n
}

// DebugString is a convenience used in log fields and error messages.
func (id Identifier) DebugString() string {
	return fmt.Sprintf("%s (number=%d resubmit=%d checkpoint=%d)", id, id.Number, id.Resubmit, id.Checkpoint)
}
