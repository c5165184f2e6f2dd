package profile_test

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/batsim-go/batsim/internal/profile"
)

func TestFromJSON(t *testing.T) {
	cases := []struct {
		name    string
		raw     string
		kind    profile.Kind
		wantErr bool
	}{
		{name: "delay", raw: `{"type":"delay","delay":10}`, kind: profile.KindDelay},
		{name: "parallel_homogeneous", raw: `{"type":"parallel_homogeneous","cpu":1e9,"com":0}`, kind: profile.KindParallelHomogeneous},
		{name: "sequence", raw: `{"type":"sequence","nb":2,"seq":["a","b"]}`, kind: profile.KindSequence},
		{name: "smpi", raw: `{"type":"smpi","trace_files":["a.trace"]}`, kind: profile.KindSmpi},
		{name: "unknown kind", raw: `{"type":"bogus"}`, wantErr: true},
		{name: "bang in name", raw: `{"type":"delay","delay":1}`, wantErr: true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			name := tc.name
			if tc.name == "bang in name" {
				name = "oops!name"
			}
			p, err := profile.FromJSON("w", name, json.RawMessage(tc.raw))
			if tc.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.kind, p.Kind)
		})
	}
}

func TestHeterogeneousHostCountValidation(t *testing.T) {
	raw := json.RawMessage(`{"type":"parallel_heterogeneous","cpu":[[1,2,3]],"com":[[0,1,2],[1,0,2],[1,2,0]]}`)
	p, err := profile.FromJSON("w", "het", raw)
	require.NoError(t, err)

	assert.NoError(t, p.ValidateHostCount(3))
	assert.Error(t, p.ValidateHostCount(2))
}

func TestRegistryInternAndRefcount(t *testing.T) {
	reg := profile.NewRegistry()
	_, err := reg.Load("w", "d10", json.RawMessage(`{"type":"delay","delay":10}`))
	require.NoError(t, err)

	// redefinition is a configuration error.
	_, err = reg.Load("w", "d10", json.RawMessage(`{"type":"delay","delay":5}`))
	require.Error(t, err)

	require.NoError(t, reg.Retain("w", "d10"))
	require.NoError(t, reg.Retain("w", "d10"))
	require.NoError(t, reg.Release("w", "d10"))

	removed := reg.Sweep("w")
	assert.Empty(t, removed, "profile still referenced once must survive sweep")

	require.NoError(t, reg.Release("w", "d10"))
	removed = reg.Sweep("w")
	assert.Equal(t, []string{"d10"}, removed)

	_, err = reg.Lookup("w", "d10")
	assert.Error(t, err)
}

func TestValidateSequencesDetectsDanglingChild(t *testing.T) {
	reg := profile.NewRegistry()
	_, err := reg.Load("w", "seq", json.RawMessage(`{"type":"sequence","nb":1,"seq":["missing"]}`))
	require.NoError(t, err)

	err = reg.ValidateSequences("w")
	assert.Error(t, err)
}
