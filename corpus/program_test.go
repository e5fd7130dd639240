package corpus

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseWord(t *testing.T) {
	cases := []struct {
		in   string
		want uint32
	}{
		{"00100513", 0x00100513},
		{"0x00100513", 0x00100513},
		{"0X13", 0x13},
		{"  73 ", 0x73},
		{"ffffffff", 0xffffffff},
	}
	for _, c := range cases {
		t.Run(c.in, func(t *testing.T) {
			w, err := ParseWord(c.in)
			require.NoError(t, err)
			require.Equal(t, c.want, w)
		})
	}
	for _, bad := range []string{"", "0x", "123456789", "zz"} {
		_, err := ParseWord(bad)
		require.Error(t, err, bad)
	}
}

func TestParseProgram(t *testing.T) {
	p, err := ParseProgram("00100513 00200593,00b50633\n0x73")
	require.NoError(t, err)
	require.Equal(t, Program{0x00100513, 0x00200593, 0x00b50633, 0x73}, p)
	require.Equal(t, "00100513 00200593 00b50633 00000073", p.String())

	_, err = ParseProgram("00100513 nope")
	require.Error(t, err)
}

func TestProgramJSON(t *testing.T) {
	t.Run("marshal", func(t *testing.T) {
		dat, err := json.Marshal(Program{0x13, 0x00b50633})
		require.NoError(t, err)
		require.JSONEq(t, `["00000013","00b50633"]`, string(dat))
	})
	t.Run("numbers", func(t *testing.T) {
		var p Program
		require.NoError(t, json.Unmarshal([]byte(`[1049875, 2098579]`), &p))
		require.Equal(t, Program{0x00100513, 0x00200593}, p)
	})
	t.Run("mixed", func(t *testing.T) {
		var p Program
		require.NoError(t, json.Unmarshal([]byte(`["0x00100513", 19]`), &p))
		require.Equal(t, Program{0x00100513, 0x13}, p)
	})
	t.Run("string", func(t *testing.T) {
		var p Program
		require.NoError(t, json.Unmarshal([]byte(`"12345017 00000533"`), &p))
		require.Equal(t, Program{0x12345017, 0x00000533}, p)
	})
	t.Run("invalid", func(t *testing.T) {
		var p Program
		require.Error(t, json.Unmarshal([]byte(`[-1]`), &p))
		require.Error(t, json.Unmarshal([]byte(`["xyz"]`), &p))
		require.Error(t, json.Unmarshal([]byte(`{}`), &p))
	})
}

func TestSeedDerive(t *testing.T) {
	parent := NewSeed(Program{1, 2}, "initial")
	child := parent.Derive(Program{3})
	child.SetMeta(MetaKind, "mutated")
	kind, ok := parent.Meta(MetaKind)
	require.True(t, ok)
	require.Equal(t, "initial", kind)
	require.Equal(t, 1, child.Len())

	var empty *Seed
	require.Nil(t, empty.Derive(Program{1}).Metadata)
}
