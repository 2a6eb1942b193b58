package masking

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMaskReplacesNationalID(t *testing.T) {
	m := New(true)

	masked := m.Mask("created patient Jane Tan with id S1234567A")
	require.Equal(t, "created patient Jane Tan with id S*******A", masked)
	require.False(t, m.ContainsUnmasked(masked))
}

func TestMaskIsIdempotent(t *testing.T) {
	m := New(true)

	once := m.Mask("ids S1234567A and T7654321B")
	twice := m.Mask(once)
	require.Equal(t, once, twice)
}

func TestMaskHandlesMultipleOccurrences(t *testing.T) {
	m := New(true)

	masked := m.Mask("S1234567A S1234567A G0000001Z")
	require.Equal(t, "S*******A S*******A G*******Z", masked)
}

func TestMaskLeavesOtherTextAlone(t *testing.T) {
	m := New(true)

	for _, s := range []string{"", "no identifiers here", "A123B", "s1234567a"} {
		require.Equal(t, s, m.Mask(s))
	}
}

func TestMaskDisabledPassesThrough(t *testing.T) {
	m := New(false)

	require.Equal(t, "S1234567A", m.Mask("S1234567A"))
}

func TestMaskAll(t *testing.T) {
	m := New(true)

	out := m.MaskAll([]string{"S1234567A", "plain"})
	require.Equal(t, []string{"S*******A", "plain"}, out)
}

func TestValidNationalID(t *testing.T) {
	cases := map[string]bool{
		"S1234567A":  true,
		"G0000001Z":  true,
		"S1234567":   false,
		"s1234567a":  false,
		"S12345678A": false,
		"xS1234567A": false,
	}
	for input, want := range cases {
		require.Equal(t, want, ValidNationalID(input), "input %q", input)
	}
}

func TestDroppedCounter(t *testing.T) {
	m := New(true)
	require.EqualValues(t, 0, m.Dropped())
	m.RecordDrop()
	m.RecordDrop()
	require.EqualValues(t, 2, m.Dropped())
}
