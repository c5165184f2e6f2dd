package profile

import (
	"encoding/json"
	"sync"

	"github.com/pkg/errors"

	"github.com/batsim-go/batsim/internal/batsimerrors"
)

// Registry interns profiles by (workload, name), with each workload getting
// its own namespace. Reference counting lets composite profiles (a sequence
// naming children, a job naming its profile) keep leaves alive until no
// owner references them any longer.
type Registry struct {
	mu        sync.Mutex
	workloads map[string]map[string]*Profile
}

func NewRegistry() *Registry {
	return &Registry{workloads: make(map[string]map[string]*Profile)}
}

// Load parses and interns a profile under (workload, name). Redefinition of
// an existing name within the same workload is a configuration error.
func (r *Registry) Load(workload, name string, raw json.RawMessage) (*Profile, error) {
	p, err := FromJSON(workload, name, raw)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	ns, ok := r.workloads[workload]
	if !ok {
		ns = make(map[string]*Profile)
		r.workloads[workload] = ns
	}
	if _, exists := ns[name]; exists {
		return nil, errors.WithStack(&batsimerrors.ErrConfiguration{
			Field: "profile name", Value: name, Message: "profile redefined within workload " + workload,
		})
	}
	ns[name] = p
	return p, nil
}

// Put registers an already-constructed profile, used by checkpoint
// regeneration and dynamic REGISTER_PROFILE.
func (r *Registry) Put(p *Profile) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	ns, ok := r.workloads[p.Workload]
	if !ok {
		ns = make(map[string]*Profile)
		r.workloads[p.Workload] = ns
	}
	if _, exists := ns[p.Name]; exists {
		return errors.WithStack(&batsimerrors.ErrConfiguration{
			Field: "profile name", Value: p.Name, Message: "profile redefined within workload " + p.Workload,
		})
	}
	ns[p.Name] = p
	return nil
}

// Lookup returns the interned profile, or a referential error.
func (r *Registry) Lookup(workload, name string) (*Profile, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ns, ok := r.workloads[workload]
	if !ok {
		return nil, errors.WithStack(&batsimerrors.ErrReferential{Kind: "profile", Value: workload + "!" + name})
	}
	p, ok := ns[name]
	if !ok {
		return nil, errors.WithStack(&batsimerrors.ErrReferential{Kind: "profile", Value: workload + "!" + name})
	}
	return p, nil
}

// All returns every profile currently interned under workload, for bulk
// serialization into SIMULATION_BEGINS's "profiles" object.
func (r *Registry) All(workload string) []*Profile {
	r.mu.Lock()
	defer r.mu.Unlock()
	ns := r.workloads[workload]
	out := make([]*Profile, 0, len(ns))
	for _, p := range ns {
		out = append(out, p)
	}
	return out
}

// Exists reports whether (workload, name) is interned.
func (r *Registry) Exists(workload, name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	ns, ok := r.workloads[workload]
	if !ok {
		return false
	}
	_, ok = ns[name]
	return ok
}

// Retain increments the reference count of an interned profile. Called when
// a job or a sequence profile names it as a child.
func (r *Registry) Retain(workload, name string) error {
	p, err := r.Lookup(workload, name)
	if err != nil {
		return err
	}
	r.mu.Lock()
	p.refCount++
	r.mu.Unlock()
	return nil
}

// Release decrements the reference count; at zero the profile becomes
// eligible for GC but is not removed until Sweep runs.
func (r *Registry) Release(workload, name string) error {
	p, err := r.Lookup(workload, name)
	if err != nil {
		return err
	}
	r.mu.Lock()
	if p.refCount > 0 {
		p.refCount--
	}
	r.mu.Unlock()
	return nil
}

// Sweep removes every profile in workload whose reference count is zero,
// returning the names removed.
func (r *Registry) Sweep(workload string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ns, ok := r.workloads[workload]
	if !ok {
		return nil
	}
	var removed []string
	for name, p := range ns {
		if p.refCount <= 0 {
			delete(ns, name)
			removed = append(removed, name)
		}
	}
	return removed
}

// ValidateSequences checks that every sequence child name resolves within
// its own workload, part of the post-transform validation pass in §4.3.
func (r *Registry) ValidateSequences(workload string) error {
	r.mu.Lock()
	ns := r.workloads[workload]
	profiles := make([]*Profile, 0, len(ns))
	for _, p := range ns {
		profiles = append(profiles, p)
	}
	r.mu.Unlock()

	for _, p := range profiles {
		if p.Kind != KindSequence {
			continue
		}
		for _, child := range p.Children {
			if !r.Exists(workload, child) {
				return errors.WithStack(&batsimerrors.ErrReferential{Kind: "profile", Value: workload + "!" + child})
			}
		}
	}
	return nil
}
