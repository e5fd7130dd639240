package corpus

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/ethereum-optimism/optimism/op-service/testlog"
	"github.com/ethereum/go-ethereum/log"
	"github.com/stretchr/testify/require"
)

const seedsJSONL = `{"instructions":[1049875,2098579,11863603],"metadata":{"source":"initial"}}
not json

{"instructions":[]}
{"words":"12345017 00000533"}
{"instructions":["0xffffffff"]}
{"instructions":["00100513","00200593","00b50633","00000073"]}
`

func TestParseSeedLine(t *testing.T) {
	seed, err := ParseSeedLine([]byte(`{"instructions":["00100513"],"metadata":{"kind":"x"}}`))
	require.NoError(t, err)
	require.Equal(t, Program{0x00100513}, seed.Words)
	require.Equal(t, "x", seed.Metadata["kind"])

	_, err = ParseSeedLine([]byte(`{"metadata":{}}`))
	require.ErrorIs(t, err, ErrMalformedSeed)
	_, err = ParseSeedLine([]byte(`[`))
	require.ErrorIs(t, err, ErrMalformedSeed)
}

func TestLoadSeeds(t *testing.T) {
	logger := testlog.Logger(t, log.LvlDebug)
	t.Run("all", func(t *testing.T) {
		seeds, stats, err := LoadSeeds(logger, strings.NewReader(seedsJSONL), LoadOptions{})
		require.NoError(t, err)
		require.Len(t, seeds, 4)
		require.Equal(t, LoadStats{Lines: 6, Loaded: 4, Malformed: 2}, stats)
		require.Equal(t, Program{0x12345017, 0x00000533}, seeds[1].Words)
	})
	t.Run("limit", func(t *testing.T) {
		seeds, stats, err := LoadSeeds(logger, strings.NewReader(seedsJSONL), LoadOptions{Limit: 2})
		require.NoError(t, err)
		require.Len(t, seeds, 2)
		require.Equal(t, 2, stats.Loaded)
	})
	t.Run("truncate and filter", func(t *testing.T) {
		opts := LoadOptions{
			MaxInstructions: 2,
			Filter: func(p Program) error {
				if p[0] == 0xffffffff {
					return errors.New("unusable")
				}
				return nil
			},
		}
		seeds, stats, err := LoadSeeds(logger, strings.NewReader(seedsJSONL), opts)
		require.NoError(t, err)
		require.Len(t, seeds, 3)
		require.Equal(t, 1, stats.Filtered)
		require.Equal(t, 2, stats.Truncated)
		for _, s := range seeds {
			require.LessOrEqual(t, s.Len(), 2)
		}
	})
}

func TestLoadSeedsFile(t *testing.T) {
	logger := testlog.Logger(t, log.LvlDebug)
	path := filepath.Join(t.TempDir(), "seeds.jsonl")
	require.NoError(t, os.WriteFile(path, []byte(seedsJSONL), 0o644))
	seeds, _, err := LoadSeedsFile(logger, path, LoadOptions{})
	require.NoError(t, err)
	require.Len(t, seeds, 4)

	_, _, err = LoadSeedsFile(logger, filepath.Join(t.TempDir(), "missing.jsonl"), LoadOptions{})
	require.ErrorIs(t, err, os.ErrNotExist)
}

func TestLoadSeedsFileGzip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "seeds.jsonl.gz")
	w, err := Create(path)
	require.NoError(t, err)
	require.NoError(t, w.Write(NewSeed(Program{0x00100513, 0x00200593}, "elf")))
	require.NoError(t, w.Write(NewSeed(Program{0x00000073}, "elf")))
	require.NoError(t, w.Close())

	dat, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, []byte{0x1f, 0x8b}, dat[:2])

	seeds, stats, err := LoadSeedsFile(testlog.Logger(t, log.LvlDebug), path, LoadOptions{})
	require.NoError(t, err)
	require.Equal(t, 2, stats.Loaded)
	require.Equal(t, Program{0x00100513, 0x00200593}, seeds[0].Words)
}
