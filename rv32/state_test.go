package rv32

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestStateDigest(t *testing.T) {
	a := NewArchState()
	a.Registers[5] = 0xdeadbeef
	a.PC = 8
	b := a.Copy()
	require.Equal(t, a.Digest(), b.Digest())

	b.Memory.SetUnaligned(0x40, []byte{1})
	require.NotEqual(t, a.Digest(), b.Digest(), "memory is part of the digest")

	c := a.Copy()
	c.Memory.SetUnaligned(0x40, []byte{0})
	require.Equal(t, a.Digest(), c.Digest(), "zeroed pages are ignored")

	d := a.Copy()
	d.Registers[5]++
	require.NotEqual(t, a.Digest(), d.Digest())
}

func TestStateJSON(t *testing.T) {
	res, err := Execute([]uint32{0x00100513, 0x00200593, 0x00b50633}, DefaultBudget)
	require.NoError(t, err)
	dat, err := json.Marshal(res)
	require.NoError(t, err)
	require.Contains(t, string(dat), `"halt":"end-of-code"`)

	var out struct {
		State *ArchState `json:"state"`
	}
	require.NoError(t, json.Unmarshal(dat, &out))
	require.Equal(t, res.State.Digest(), out.State.Digest())
	require.Equal(t, res.State.Registers, out.State.Registers)
}
