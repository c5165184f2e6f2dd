// Package workload implements the workload loader & transformer (C3): JSON
// ingestion plus the five-step deterministic, seedable transformation
// pipeline from spec §4.3.
package workload

import (
	"math/rand"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"github.com/batsim-go/batsim/internal/batsimerrors"
)

// DistKind tags a submission-time or copy distribution spec.
type DistKind int

const (
	DistFixed DistKind = iota
	DistExp
	DistUnif
	DistShuffle
)

// Dist is a parsed submission-time/copy distribution: "v:fixed", "v:exp",
// "lo:hi:unif", or "shuffle", with an optional trailing ":s" that appends a
// shuffle pass to any of the first three.
type Dist struct {
	Kind         DistKind
	Value        float64 // fixed/exp parameter
	Lo, Hi       float64 // unif bounds
	TrailingShuffle bool
}

// ParseDist parses the grammar named in §4.3 step 1. Examples: "3:fixed",
// "2.5:exp", "0:5:unif", "shuffle", "3:fixed:s".
func ParseDist(spec string) (Dist, error) {
	trailing := false
	if strings.HasSuffix(spec, ":s") {
		trailing = true
		spec = strings.TrimSuffix(spec, ":s")
	}

	if spec == "shuffle" {
		if trailing {
			return Dist{}, errors.WithStack(&batsimerrors.ErrConfiguration{
				Field: "submission-time spec", Value: spec, Message: "shuffle cannot carry a trailing :s",
			})
		}
		return Dist{Kind: DistShuffle}, nil
	}

	parts := strings.Split(spec, ":")
	switch {
	case len(parts) == 2 && parts[1] == "fixed":
		v, err := strconv.ParseFloat(parts[0], 64)
		if err != nil {
			return Dist{}, errors.WithStack(&batsimerrors.ErrConfiguration{Field: "submission-time spec", Value: spec})
		}
		return Dist{Kind: DistFixed, Value: v, TrailingShuffle: trailing}, nil
	case len(parts) == 2 && parts[1] == "exp":
		v, err := strconv.ParseFloat(parts[0], 64)
		if err != nil {
			return Dist{}, errors.WithStack(&batsimerrors.ErrConfiguration{Field: "submission-time spec", Value: spec})
		}
		return Dist{Kind: DistExp, Value: v, TrailingShuffle: trailing}, nil
	case len(parts) == 3 && parts[2] == "unif":
		lo, err1 := strconv.ParseFloat(parts[0], 64)
		hi, err2 := strconv.ParseFloat(parts[1], 64)
		if err1 != nil || err2 != nil {
			return Dist{}, errors.WithStack(&batsimerrors.ErrConfiguration{Field: "submission-time spec", Value: spec})
		}
		return Dist{Kind: DistUnif, Lo: lo, Hi: hi, TrailingShuffle: trailing}, nil
	default:
		return Dist{}, errors.WithStack(&batsimerrors.ErrConfiguration{
			Field: "submission-time spec", Value: spec, Message: "expected v:fixed, v:exp, lo:hi:unif, or shuffle",
		})
	}
}

// Sample draws one inter-arrival value (meaningless for DistShuffle).
func (d Dist) Sample(r *rand.Rand) float64 {
	switch d.Kind {
	case DistFixed:
		return d.Value
	case DistExp:
		if d.Value <= 0 {
			return 0
		}
		return r.ExpFloat64() / d.Value
	case DistUnif:
		return d.Lo + r.Float64()*(d.Hi-d.Lo)
	default:
		return 0
	}
}

// CopyScope decides how often a copy-step distribution is resampled.
type CopyScope int

const (
	ScopeSingle CopyScope = iota
	ScopeEachCopy
	ScopeAll
)

func ParseCopyScope(s string) (CopyScope, error) {
	switch s {
	case "single":
		return ScopeSingle, nil
	case "each-copy":
		return ScopeEachCopy, nil
	case "all":
		return ScopeAll, nil
	default:
		return 0, errors.WithStack(&batsimerrors.ErrConfiguration{Field: "copy scope", Value: s})
	}
}

// CopyOperator is how a copy's submission time relates to its source job's.
type CopyOperator int

const (
	OpSet CopyOperator = iota // "="
	OpAdd                     // "+"
	OpSub                     // "-"
)

func ParseCopyOperator(s string) (CopyOperator, error) {
	switch s {
	case "=":
		return OpSet, nil
	case "+":
		return OpAdd, nil
	case "-":
		return OpSub, nil
	default:
		return 0, errors.WithStack(&batsimerrors.ErrConfiguration{Field: "copy operator", Value: s})
	}
}

// CopySpec is the parsed form of --copy "K:OP:DIST[:SCOPE]", e.g.
// "2:+:3:fixed" (from testable scenario S3) or "3:=:1:2:unif:each-copy".
type CopySpec struct {
	Copies   int
	Operator CopyOperator
	Dist     Dist
	Scope    CopyScope
}

// ParseCopySpec parses the --copy grammar. The distribution token sequence
// is whatever ParseDist would accept for the non-shuffle kinds (copy never
// shuffles directly), so its own tokens are consumed greedily before an
// optional trailing scope token.
func ParseCopySpec(spec string) (CopySpec, error) {
	parts := strings.Split(spec, ":")
	if len(parts) < 4 {
		return CopySpec{}, errors.WithStack(&batsimerrors.ErrConfiguration{Field: "copy spec", Value: spec})
	}
	k, err := strconv.Atoi(parts[0])
	if err != nil || k < 1 {
		return CopySpec{}, errors.WithStack(&batsimerrors.ErrConfiguration{Field: "copy spec", Value: spec, Message: "copy count must be a positive integer"})
	}
	op, err := ParseCopyOperator(parts[1])
	if err != nil {
		return CopySpec{}, err
	}

	rest := parts[2:]
	scope := ScopeSingle
	// a trailing scope token, if present, is one of the three scope names.
	if len(rest) > 0 {
		if s, serr := ParseCopyScope(rest[len(rest)-1]); serr == nil {
			scope = s
			rest = rest[:len(rest)-1]
		}
	}
	dist, err := ParseDist(strings.Join(rest, ":"))
	if err != nil {
		return CopySpec{}, err
	}
	if op != OpSet && dist.Kind == DistExp {
		return CopySpec{}, errors.WithStack(&batsimerrors.ErrConfiguration{
			Field: "copy spec", Value: spec, Message: "operator must be = for an exp distribution",
		})
	}
	return CopySpec{Copies: k, Operator: op, Dist: dist, Scope: scope}, nil
}
