package job_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/batsim-go/batsim/internal/job"
)

func TestIdentifierRoundTrip(t *testing.T) {
	cases := []string{
		"w!1",
		"w!1#2",
		"w!1$3",
		"w!1#2$3",
	}
	for _, s := range cases {
		t.Run(s, func(t *testing.T) {
			id, err := job.ParseIdentifier(s)
			require.NoError(t, err)
			assert.Equal(t, s, id.String())
		})
	}
}

func TestIdentifierResubmissionAndCheckpointGenerations(t *testing.T) {
	id, err := job.ParseIdentifier("w!5")
	require.NoError(t, err)
	assert.False(t, id.IsResubmission())

	resub := id.NextResubmission()
	assert.True(t, resub.IsResubmission())
	assert.Equal(t, "w!5#1", resub.String())

	ckpt := id.NextCheckpointGeneration(2)
	assert.Equal(t, "w!5$2", ckpt.String())
}

func TestParseIdentifierRejectsMissingSeparator(t *testing.T) {
	_, err := job.ParseIdentifier("no-bang-here")
	assert.Error(t, err)
}

func TestValidateComponentRejectsBang(t *testing.T) {
	assert.Error(t, job.ValidateComponent("w!x"))
	assert.NoError(t, job.ValidateComponent("wx"))
}
