package protocol

import (
	"bufio"
	"encoding/json"
	"io"

	"github.com/pkg/errors"

	"github.com/batsim-go/batsim/internal/batsimerrors"
)

// Encoder writes outgoing Batch messages as line-delimited JSON. It is
// stateless except for a last_date watchdog asserting monotonicity on the
// outgoing side, per §4.4.
type Encoder struct {
	w        *bufio.Writer
	lastDate float64
	started  bool
}

func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{w: bufio.NewWriter(w)}
}

// Encode validates and writes one batch. A non-empty batch is required: the
// dispatcher, not the codec, is responsible for never handing over an empty
// one (§4.5).
func (e *Encoder) Encode(b Batch) error {
	if len(b.Events) == 0 {
		return errors.WithStack(&batsimerrors.ErrProtocol{Message: "refusing to encode an empty event batch"})
	}
	last := -1.0
	first := true
	for i, ev := range b.Events {
		if ev.Timestamp > b.Now {
			return errors.WithStack(&batsimerrors.ErrProtocol{EventIndex: i, Message: "event timestamp exceeds batch now"})
		}
		if !first && ev.Timestamp < last {
			return errors.WithStack(&batsimerrors.ErrProtocol{EventIndex: i, Message: "event timestamps are not monotonically non-decreasing"})
		}
		last = ev.Timestamp
		first = false
	}
	if e.started && b.Now < e.lastDate {
		return errors.WithStack(&batsimerrors.ErrProtocol{Message: "outgoing batch now regressed against a previous batch"})
	}
	e.lastDate = b.Now
	e.started = true

	raw, err := json.Marshal(b)
	if err != nil {
		return errors.WithStack(err)
	}
	if _, err := e.w.Write(raw); err != nil {
		return errors.WithStack(err)
	}
	if err := e.w.WriteByte('\n'); err != nil {
		return errors.WithStack(err)
	}
	return e.w.Flush()
}

// Decoder reads one CommandBatch reply per line.
type Decoder struct {
	r *bufio.Scanner
}

func NewDecoder(r io.Reader) *Decoder {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	return &Decoder{r: scanner}
}

// Decode reads and validates one reply. Every command is checked for a
// well-formed type and timestamp; unknown types are a protocol error naming
// the offending event's index, per §4.4.
func (d *Decoder) Decode() (CommandBatch, error) {
	if !d.r.Scan() {
		if err := d.r.Err(); err != nil {
			return CommandBatch{}, errors.WithStack(err)
		}
		return CommandBatch{}, io.EOF
	}
	var cb CommandBatch
	if err := json.Unmarshal(d.r.Bytes(), &cb); err != nil {
		return CommandBatch{}, errors.WithStack(&batsimerrors.ErrProtocol{Message: "malformed reply JSON: " + err.Error()})
	}

	for i, cmd := range cb.Events {
		if cmd.Timestamp > cb.Now {
			return CommandBatch{}, errors.WithStack(&batsimerrors.ErrProtocol{EventIndex: i, Message: "command timestamp exceeds reply now"})
		}
		if !isKnownCommandType(cmd.Type) {
			return CommandBatch{}, errors.WithStack(&batsimerrors.ErrProtocol{EventIndex: i, Message: "unknown command type " + string(cmd.Type)})
		}
	}
	return cb, nil
}

func isKnownCommandType(t CommandType) bool {
	switch t {
	case CommandRejectJob, CommandExecuteJob, CommandChangeJobState, CommandCallMeLater,
		CommandKillJob, CommandRegisterJob, CommandRegisterProfile, CommandSetResourceState,
		CommandSetJobMetadata, CommandQuery, CommandAnswer, CommandToJobMsg, CommandNotify:
		return true
	default:
		return false
	}
}
