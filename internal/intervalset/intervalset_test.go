package intervalset_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/batsim-go/batsim/internal/intervalset"
)

func TestParseFormatRoundTrip(t *testing.T) {
	cases := []string{"0", "0-3", "0-3 5 8-9", "1 2 3"}
	for _, s := range cases {
		hosts, err := intervalset.Parse(s)
		require.NoError(t, err)
		assert.NotEmpty(t, hosts)
		again, err := intervalset.Parse(intervalset.Format(hosts))
		require.NoError(t, err)
		assert.Equal(t, hosts, again)
	}
}

func TestFormatCollapsesContiguousRuns(t *testing.T) {
	assert.Equal(t, "0-3 5 8-9", intervalset.Format([]int{0, 1, 2, 3, 5, 8, 9}))
}

func TestParseRejectsEmptyAndMalformed(t *testing.T) {
	_, err := intervalset.Parse("")
	assert.Error(t, err)

	_, err = intervalset.Parse("3-1")
	assert.Error(t, err)

	_, err = intervalset.Parse("abc")
	assert.Error(t, err)
}

func TestFormatEmpty(t *testing.T) {
	assert.Equal(t, "", intervalset.Format(nil))
}
