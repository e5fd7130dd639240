package rv32

import (
	"bytes"
	"crypto/rand"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMemoryReadWrite(t *testing.T) {
	t.Run("large random", func(t *testing.T) {
		m := NewMemory()
		data := make([]byte, 20_000)
		_, err := rand.Read(data[:])
		require.NoError(t, err)
		require.NoError(t, m.SetMemoryRange(0, bytes.NewReader(data)))
		for _, i := range []uint32{0, 4, 1000, 4095, 4096, 20_000 - 4} {
			var out [4]byte
			m.GetUnaligned(i, out[:])
			require.Equal(t, data[i:i+4], out[:])
		}
	})
	t.Run("crossing pages", func(t *testing.T) {
		m := NewMemory()
		m.SetUnaligned(PageSize-2, []byte{1, 2, 3, 4})
		require.Equal(t, 2, m.PageCount())
		var out [4]byte
		m.GetUnaligned(PageSize-2, out[:])
		require.Equal(t, []byte{1, 2, 3, 4}, out[:])
	})
	t.Run("unallocated reads zero", func(t *testing.T) {
		m := NewMemory()
		out := []byte{9, 9, 9, 9}
		m.GetUnaligned(0x1234_5678, out)
		require.Equal(t, []byte{0, 0, 0, 0}, out)
		require.Equal(t, 0, m.PageCount())
	})
}

func TestMemoryRegions(t *testing.T) {
	m := NewMemory()
	require.NoError(t, m.Map("data", 0, 0x100))
	require.NoError(t, m.Map("code", 0x104, 8))
	require.ErrorIs(t, m.Map("dup", 0xF0, 0x20), ErrRegionOverlap)
	require.Error(t, m.Map("wrap", 0xFFFF_FFF0, 0x20))

	require.True(t, m.Mapped(0, 4))
	require.True(t, m.Mapped(0xFC, 4))
	require.False(t, m.Mapped(0xFE, 4), "straddles the data end")
	require.False(t, m.Mapped(0x100, 4), "gap between regions")
	require.True(t, m.Mapped(0x108, 4))
	require.False(t, m.Mapped(0x10C, 1))
}

func TestMemoryCopy(t *testing.T) {
	m := NewMemory()
	require.NoError(t, m.Map("data", 0, 0x1000))
	m.SetUnaligned(8, []byte{0xaa})
	cp := m.Copy()
	cp.SetUnaligned(8, []byte{0xbb})
	require.Equal(t, byte(0xaa), m.GetByte(8))
	require.Equal(t, byte(0xbb), cp.GetByte(8))
	require.Equal(t, m.Regions(), cp.Regions())
}

func TestMemoryNonZero(t *testing.T) {
	m := NewMemory()
	m.SetUnaligned(0x2000, []byte{0, 7, 0})
	require.Equal(t, map[uint32]byte{0x2001: 7}, m.NonZero())
}

func TestMemoryJSON(t *testing.T) {
	m := NewMemory()
	require.NoError(t, m.Map("code", 0, 16))
	m.SetUnaligned(4, []byte{1, 2, 3})
	m.SetUnaligned(PageSize*3, []byte{42})
	dat, err := json.Marshal(m)
	require.NoError(t, err)

	var out Memory
	require.NoError(t, json.Unmarshal(dat, &out))
	require.Equal(t, m.NonZero(), out.NonZero())
	require.Equal(t, m.Regions(), out.Regions())
	require.Equal(t, "8.0 KiB", out.Usage())
}
