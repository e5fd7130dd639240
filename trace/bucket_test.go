package trace

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"
)

func hits(ids ...string) []BucketHit {
	out := make([]BucketHit, len(ids))
	for i, id := range ids {
		out[i] = BucketHit{BucketID: id}
	}
	return out
}

func TestCanonicalize(t *testing.T) {
	cases := []struct {
		name string
		hits []BucketHit
		want Signature
	}{
		{"empty", nil, ""},
		{"single", hits("a"), "a"},
		{"sorted", hits("b", "a", "c"), "a\nb\nc"},
		{"duplicates", hits("b", "a", "b", "a"), "a\nb"},
		{"trimmed", hits(" a ", "a", "\tb"), "a\nb"},
		{"blank ids dropped", hits("", "  ", "x"), "x"},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			require.Equal(t, c.want, Canonicalize(c.hits))
		})
	}
}

func TestCanonicalizeIgnoresDetails(t *testing.T) {
	a := []BucketHit{{BucketID: "ref.reg.write_x0", Details: map[string]any{"pc": 4}}}
	b := []BucketHit{{BucketID: "ref.reg.write_x0", Details: map[string]any{"pc": 8}}}
	require.Equal(t, Canonicalize(a), Canonicalize(b))
}

func TestSignatureIDs(t *testing.T) {
	sig := SignatureOf([]string{"z", "y", "z"})
	require.Equal(t, []string{"y", "z"}, sig.IDs())
	require.Nil(t, Signature("").IDs())
}

func TestFallback(t *testing.T) {
	a := Fallback([]uint32{0x00100513})
	require.True(t, a.IsFallback())
	require.Len(t, string(a), len(FallbackPrefix)+16)
	require.Equal(t, a, Fallback([]uint32{0x00100513}))
	require.NotEqual(t, a, Fallback([]uint32{0x00100513, 0}))
	require.False(t, SignatureOf([]string{"a"}).IsFallback())
}

func TestCounts(t *testing.T) {
	require.Equal(t, map[string]int{"a": 2, "b": 1}, Counts(hits("a", "b", "a")))
}

func FuzzSignatureStable(f *testing.F) {
	f.Add("a,b,c", int64(1))
	f.Add("x,x,,y", int64(7))
	f.Fuzz(func(t *testing.T, raw string, seed int64) {
		var ids []string
		start := 0
		for i := 0; i <= len(raw); i++ {
			if i == len(raw) || raw[i] == ',' {
				ids = append(ids, raw[start:i])
				start = i + 1
			}
		}
		want := SignatureOf(ids)

		shuffled := append([]string(nil), ids...)
		shuffled = append(shuffled, ids...)
		rng := rand.New(rand.NewSource(seed))
		rng.Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })
		require.Equal(t, want, SignatureOf(shuffled))
	})
}
