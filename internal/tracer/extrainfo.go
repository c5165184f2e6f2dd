package tracer

import (
	"encoding/csv"
	"os"
	"strconv"

	"github.com/pkg/errors"
)

var extraInfoHeader = []string{
	"simulation_time", "real_time", "nb_jobs_running",
	"utilization", "utilization_no_reservations",
	"memory_used_bytes", "memory_max_bytes",
}

// ExtraInfoRow is one *_extra_info.csv record: the per-tick metrics named in
// spec §6 (simulated time, real time, running jobs, utilisation with/without
// reservations, memory stats).
type ExtraInfoRow struct {
	SimulationTime             float64
	RealTime                   float64
	NbJobsRunning              int
	Utilization                float64
	UtilizationNoReservations  float64
	MemoryUsedBytes            int64
	MemoryMaxBytes             int64
}

// ExtraInfoWriter appends one row per dispatcher synchronisation point to
// <export_prefix>_extra_info.csv.
type ExtraInfoWriter struct {
	path string
	f    *os.File
	w    *csv.Writer
}

func NewExtraInfoWriter(path string) (*ExtraInfoWriter, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	w := csv.NewWriter(f)
	if err := w.Write(extraInfoHeader); err != nil {
		f.Close()
		return nil, errors.WithStack(err)
	}
	return &ExtraInfoWriter{path: path, f: f, w: w}, nil
}

func (e *ExtraInfoWriter) Path() string { return e.path }

func (e *ExtraInfoWriter) Write(r ExtraInfoRow) error {
	row := []string{
		formatFloat(r.SimulationTime),
		formatFloat(r.RealTime),
		strconv.Itoa(r.NbJobsRunning),
		formatFloat(r.Utilization),
		formatFloat(r.UtilizationNoReservations),
		strconv.FormatInt(r.MemoryUsedBytes, 10),
		strconv.FormatInt(r.MemoryMaxBytes, 10),
	}
	if err := e.w.Write(row); err != nil {
		return errors.WithStack(err)
	}
	e.w.Flush()
	return errors.WithStack(e.w.Error())
}

func (e *ExtraInfoWriter) Close() error {
	e.w.Flush()
	if err := e.w.Error(); err != nil {
		e.f.Close()
		return errors.WithStack(err)
	}
	return errors.WithStack(e.f.Close())
}
