// Package config holds the structured form of the §6 CLI surface and the
// grammars two of its flags carry as mini-languages of their own
// (--checkpoint-batsim-interval, --reservations-start). Grounded on
// armada's internal/common/config/validation.go: a plain struct with
// validator/v10 tags, plus LogValidationErrors turning field-level failures
// into one log line per offending field.
package config

import (
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/pkg/errors"

	"github.com/batsim-go/batsim/internal/batsimerrors"
	"github.com/batsim-go/batsim/internal/jobsource"
	"github.com/batsim-go/batsim/internal/logging"
)

// Config is the validated, typed form of the flags cmd/batsim/cmd/root.go
// accepts, per spec.md §6; --checkpoint-dump-time and --metrics-listen are
// read by root.go directly and have no field here.
type Config struct {
	Platform string `validate:"required"`
	Workload []string
	Workflow []string
	Events   []string

	SocketEndpoint string `validate:"required"`
	Redis          jobsource.RedisConfig

	ExportPrefix string `validate:"required"`

	EnableDynamicJobs           bool
	AcknowledgeDynamicJobs      bool
	EnableProfileReuse          bool
	ForwardProfilesOnSubmission bool
	AllowComputeSharing         bool

	Copy                  string
	SubmissionTimeBefore  string
	SubmissionTimeAfter   string
	PerformanceFactor     float64

	MTBF                      float64
	SMTBF                     float64
	MTTR                      float64
	RepairTime                float64
	FixedFailures             int
	CheckpointingOn           bool
	CheckpointingInterval     float64
	ComputeCheckpointing      bool
	ComputeCheckpointingError float64

	CheckpointBatsimInterval string
	CheckpointBatsimKeep     int `validate:"gte=0"`
	StartFromCheckpoint      int `validate:"gte=0"`
	CheckpointBatsimSignal   int

	ReservationsStart string
	ReschedulePolicy  string
	ImpactPolicy      string
}

// Validate runs struct-tag validation and logs every offending field before
// returning the validator's error (covering all of them) wrapped, matching armada's
// LogValidationErrors(err) pattern at the call site.
func Validate(log logging.Logger, cfg *Config) error {
	if err := validator.New().Struct(cfg); err != nil {
		logValidationErrors(log, err)
		return errors.WithStack(err)
	}
	if len(cfg.Workload) == 0 && len(cfg.Workflow) == 0 {
		return errors.WithStack(&batsimerrors.ErrConfiguration{
			Field: "workload", Message: "at least one --workload or --workflow is required",
		})
	}
	return nil
}

func logValidationErrors(log logging.Logger, err error) {
	verrs, ok := err.(validator.ValidationErrors)
	if !ok {
		log.WithError(err).Error("invalid configuration")
		return
	}
	for _, fe := range verrs {
		field := stripPrefix(fe.Namespace())
		if fe.Tag() == "required" {
			log.Errorf("ConfigError: field %s is required but was not set", field)
			continue
		}
		log.Errorf("ConfigError: field %s has invalid value %v: %s", field, fe.Value(), fe.Tag())
	}
}

func stripPrefix(s string) string {
	if idx := strings.Index(s, "."); idx != -1 {
		return s[idx+1:]
	}
	return s
}

// BatsimCheckpointInterval is the parsed form of
// --checkpoint-batsim-interval "(real|simulated):D-HH:MM:SS[:keep]".
type BatsimCheckpointInterval struct {
	RealTime bool // false means "simulated"
	Period   float64 // seconds, from the D-HH:MM:SS component
	Keep     int     // 0 means "use --checkpoint-batsim-keep instead"
}

// ParseBatsimCheckpointInterval parses the grammar literally: a leading
// "real" or "simulated" tag, a duration in D-HH:MM:SS form, and an optional
// trailing ":keep" override.
func ParseBatsimCheckpointInterval(s string) (BatsimCheckpointInterval, error) {
	parts := strings.Split(s, ":")
	if len(parts) != 4 && len(parts) != 5 {
		return BatsimCheckpointInterval{}, errors.WithStack(&batsimerrors.ErrConfiguration{
			Field: "checkpoint-batsim-interval", Value: s, Message: "expected (real|simulated):D-HH:MM:SS[:keep]",
		})
	}

	var out BatsimCheckpointInterval
	switch parts[0] {
	case "real":
		out.RealTime = true
	case "simulated":
		out.RealTime = false
	default:
		return BatsimCheckpointInterval{}, errors.WithStack(&batsimerrors.ErrConfiguration{
			Field: "checkpoint-batsim-interval", Value: s, Message: "clock must be 'real' or 'simulated'",
		})
	}

	period, err := parseDHMS(strings.Join(parts[1:4], ":"))
	if err != nil {
		return BatsimCheckpointInterval{}, err
	}
	out.Period = period

	if len(parts) == 5 {
		keep, err := strconv.Atoi(parts[4])
		if err != nil || keep < 0 {
			return BatsimCheckpointInterval{}, errors.WithStack(&batsimerrors.ErrConfiguration{
				Field: "checkpoint-batsim-interval", Value: s, Message: "trailing keep must be a non-negative integer",
			})
		}
		out.Keep = keep
	}
	return out, nil
}

// parseDHMS parses "D-HH:MM:SS" into a seconds count. The day component and
// its trailing "-" are optional, matching the flag's own D-HH:MM:SS form.
func parseDHMS(s string) (float64, error) {
	var days int
	rest := s
	if dash := strings.Index(s, "-"); dash != -1 {
		d, err := strconv.Atoi(s[:dash])
		if err != nil {
			return 0, errors.WithStack(&batsimerrors.ErrConfiguration{Field: "checkpoint-batsim-interval", Value: s, Message: "malformed day component"})
		}
		days = d
		rest = s[dash+1:]
	}

	hms := strings.Split(rest, ":")
	if len(hms) != 3 {
		return 0, errors.WithStack(&batsimerrors.ErrConfiguration{Field: "checkpoint-batsim-interval", Value: s, Message: "expected HH:MM:SS"})
	}
	h, errH := strconv.Atoi(hms[0])
	m, errM := strconv.Atoi(hms[1])
	sec, errS := strconv.Atoi(hms[2])
	if errH != nil || errM != nil || errS != nil {
		return 0, errors.WithStack(&batsimerrors.ErrConfiguration{Field: "checkpoint-batsim-interval", Value: s, Message: "HH:MM:SS must be integers"})
	}
	return float64(days*86400+h*3600+m*60+sec), nil
}

// ReservationStart is one entry of --reservations-start "ord:{+|-}secs[, ...]":
// the ordinal-th job submitted becomes a reservation whose future allocation
// starts secs before (negative) or after (positive) its own submission time.
type ReservationStart struct {
	Ordinal int
	Offset  float64
}

// ParseReservationsStart parses a comma-separated list of "ord:{+|-}secs"
// entries. A malformed entry rejects the whole list with a wrapped error rather than a
// partial silent result, per spec.md §9's note that the source itself never
// tests malformed substrings here — this module chooses to fail loudly
// instead of reusing a half-matched regex state.
func ParseReservationsStart(s string) ([]ReservationStart, error) {
	if s == "" {
		return nil, nil
	}
	var out []ReservationStart
	for _, entry := range strings.Split(s, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		colon := strings.Index(entry, ":")
		if colon == -1 {
			return nil, errors.WithStack(&batsimerrors.ErrConfiguration{Field: "reservations-start", Value: entry, Message: "expected ord:{+|-}secs"})
		}
		ordinal, err := strconv.Atoi(entry[:colon])
		if err != nil {
			return nil, errors.WithStack(&batsimerrors.ErrConfiguration{Field: "reservations-start", Value: entry, Message: "ordinal must be an integer"})
		}
		signed := entry[colon+1:]
		if signed == "" || (signed[0] != '+' && signed[0] != '-') {
			return nil, errors.WithStack(&batsimerrors.ErrConfiguration{Field: "reservations-start", Value: entry, Message: "offset must start with + or -"})
		}
		offset, err := strconv.ParseFloat(signed, 64)
		if err != nil {
			return nil, errors.WithStack(&batsimerrors.ErrConfiguration{Field: "reservations-start", Value: entry, Message: "offset must be numeric"})
		}
		out = append(out, ReservationStart{Ordinal: ordinal, Offset: offset})
	}
	return out, nil
}
