// Package platform loads the minimal slice of the "physical platform/
// machine-state model" the core itself consumes (spec.md §1 names the full
// model as an external collaborator, out of scope here): how many hosts
// exist, and each host's flop rate for the executor's HostSpeed function.
// The real topology, network links and failure model live in the
// simulation kernel, not in this package.
package platform

import (
	"encoding/json"
	"os"

	"github.com/pkg/errors"

	"github.com/batsim-go/batsim/internal/batsimerrors"
)

// Platform is the host-count/speed view --platform hands to the core.
type Platform struct {
	NbRes  int
	speeds []float64
}

type wireHost struct {
	Speed float64 `json:"speed"`
}

type wireDoc struct {
	Hosts []wireHost `json:"hosts"`
}

// Load reads a platform file. The file is a small JSON document the core
// controls the schema of ({"hosts": [{"speed": ...}, ...]}), since the real
// platform description format (SimGrid XML in the system this was
// distilled from) belongs to the simulation kernel the core only talks to
// over the protocol socket, never parses itself.
func Load(path string) (*Platform, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.WithStack(&batsimerrors.ErrConfiguration{Field: "platform", Value: path, Message: err.Error()})
	}
	var doc wireDoc
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, errors.WithStack(&batsimerrors.ErrConfiguration{Field: "platform", Value: path, Message: "malformed platform file: " + err.Error()})
	}
	if len(doc.Hosts) == 0 {
		return nil, errors.WithStack(&batsimerrors.ErrConfiguration{Field: "platform", Value: path, Message: "platform must declare at least one host"})
	}
	speeds := make([]float64, len(doc.Hosts))
	for i, h := range doc.Hosts {
		speeds[i] = h.Speed
	}
	return &Platform{NbRes: len(doc.Hosts), speeds: speeds}, nil
}

// Describe renders the per-host resource list SIMULATION_BEGINS's
// "resources" field carries, per §4.4: one entry per declared host with its
// speed. Never fails; a platform that loaded at all always has a valid host
// list.
func (p *Platform) Describe() json.RawMessage {
	type hostDoc struct {
		ID    int     `json:"id"`
		Speed float64 `json:"speed"`
	}
	docs := make([]hostDoc, len(p.speeds))
	for i, s := range p.speeds {
		docs[i] = hostDoc{ID: i, Speed: s}
	}
	raw, _ := json.Marshal(docs)
	return raw
}

// HostSpeed implements executor.HostSpeed. A host index outside the
// declared range or with a non-positive speed falls back to 1 flop/sec
// rather than failing, since profiles with no cpu component never consult
// it and a hard error here would abort jobs that don't care about timing.
func (p *Platform) HostSpeed(host int) float64 {
	if host < 0 || host >= len(p.speeds) || p.speeds[host] <= 0 {
		return 1
	}
	return p.speeds[host]
}
