// Package intervalset implements the SimGrid-style interval-set string
// encoding used throughout §4.4 for EXECUTE_JOB's alloc field and
// SET_RESOURCE_STATE's resource list: "0-3 5 8-9" for a compact set of host
// indices. Its only caller is internal/server, which parses those two fields
// with it and formats the allocation column of *_jobs.csv; the checkpointer
// (C7) writes allocations into workload.json as plain integer arrays.
package intervalset

import (
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// Parse expands s into the host indices it names, in ascending order.
func Parse(s string) ([]int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, errors.New("empty interval-set")
	}
	var hosts []int
	for _, part := range strings.Fields(s) {
		if lo, hi, ok := strings.Cut(part, "-"); ok {
			loN, err := strconv.Atoi(lo)
			if err != nil {
				return nil, errors.Errorf("invalid interval-set bound %q", lo)
			}
			hiN, err := strconv.Atoi(hi)
			if err != nil {
				return nil, errors.Errorf("invalid interval-set bound %q", hi)
			}
			if hiN < loN {
				return nil, errors.Errorf("invalid interval-set range %q", part)
			}
			for h := loN; h <= hiN; h++ {
				hosts = append(hosts, h)
			}
		} else {
			n, err := strconv.Atoi(part)
			if err != nil {
				return nil, errors.Errorf("invalid interval-set entry %q", part)
			}
			hosts = append(hosts, n)
		}
	}
	return hosts, nil
}

// Format collapses sorted, deduplicated host indices into the compact
// "lo-hi" notation, the inverse of Parse.
func Format(hosts []int) string {
	if len(hosts) == 0 {
		return ""
	}
	var b strings.Builder
	start, prev := hosts[0], hosts[0]
	flush := func(end int) {
		if b.Len() > 0 {
			b.WriteByte(' ')
		}
		if start == end {
			b.WriteString(strconv.Itoa(start))
		} else {
			b.WriteString(strconv.Itoa(start) + "-" + strconv.Itoa(end))
		}
	}
	for _, h := range hosts[1:] {
		if h == prev+1 {
			prev = h
			continue
		}
		flush(prev)
		start, prev = h, h
	}
	flush(prev)
	return b.String()
}
