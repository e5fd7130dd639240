package cmd

import (
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/ethereum-optimism/optimism/op-service/jsonutil"
	"github.com/ethereum-optimism/optimism/op-service/testlog"
	"github.com/ethereum/go-ethereum/log"
	"github.com/stretchr/testify/require"
	"github.com/urfave/cli/v2"

	"github.com/zkfuzz/beak/corpus"
	"github.com/zkfuzz/beak/fuzz"
	"github.com/zkfuzz/beak/rv32"
)

func parseConfig(t *testing.T, args ...string) (fuzz.Config, error) {
	var (
		cfg    fuzz.Config
		cfgErr error
	)
	app := cli.NewApp()
	app.Flags = concatFlags(loopFlags, []cli.Flag{BucketFlag})
	app.Action = func(ctx *cli.Context) error {
		cfg, cfgErr = ConfigFromCLI(ctx)
		return nil
	}
	require.NoError(t, app.Run(append([]string{"beak"}, args...)))
	return cfg, cfgErr
}

func TestConfigFromCLI(t *testing.T) {
	t.Run("words", func(t *testing.T) {
		cfg, err := parseConfig(t, "--words", "00100513,00200593", "--iters", "5")
		require.NoError(t, err)
		require.Equal(t, corpus.Program{0x00100513, 0x00200593}, cfg.Words)
		require.Equal(t, 5, cfg.Iterations)
		require.Equal(t, int64(fuzz.DefaultTimeoutMs), cfg.TimeoutMs)
		require.Equal(t, int64(fuzz.DefaultRngSeed), cfg.RngSeed)
		require.Equal(t, "reference", cfg.ZkvmTag)
	})
	t.Run("asm", func(t *testing.T) {
		cfg, err := parseConfig(t, "--asm", "addi a0, zero, 1", "--memory-model", "split")
		require.NoError(t, err)
		require.Equal(t, corpus.Program{0x00100513}, cfg.Words)
		require.Equal(t, rv32.SplitCodeData, cfg.Oracle.MemoryModel)
	})
	t.Run("words and asm", func(t *testing.T) {
		_, err := parseConfig(t, "--words", "00100513", "--asm", "addi a0, zero, 1")
		require.ErrorContains(t, err, "mutually exclusive")
	})
	t.Run("no seeds", func(t *testing.T) {
		_, err := parseConfig(t, "--iters", "5")
		require.ErrorIs(t, err, fuzz.ErrConfig)
	})
	t.Run("bad memory model", func(t *testing.T) {
		_, err := parseConfig(t, "--words", "00100513", "--memory-model", "banked")
		require.ErrorIs(t, err, rv32.ErrUnknownMemoryModel)
	})
	t.Run("operators and rewards", func(t *testing.T) {
		cfg, err := parseConfig(t, "--synthesize", "--operators", "splice", "--operators", "insert",
			"--reward.mismatch", "9", "--bucket", "ref.auipc.seen")
		require.NoError(t, err)
		require.Equal(t, []string{"splice", "insert"}, cfg.Operators)
		require.Equal(t, 9.0, cfg.Rewards.Mismatch)
		require.Equal(t, "ref.auipc.seen", cfg.BucketID)
	})
}

func TestConfigFileOverrides(t *testing.T) {
	base := fuzz.DefaultConfig()
	base.Words = corpus.Program{0x00100513}
	base.Iterations = 7
	base.TimeoutMs = 900
	base.ZkvmTag = "openvm"
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, jsonutil.WriteJSON(path, base))

	cfg, err := parseConfig(t, "--config", path, "--iters", "3")
	require.NoError(t, err)
	require.Equal(t, 3, cfg.Iterations)
	require.Equal(t, int64(900), cfg.TimeoutMs)
	require.Equal(t, "openvm", cfg.ZkvmTag)
	require.Equal(t, base.Words, cfg.Words)
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want log.Lvl
		ok   bool
	}{
		{"info", log.LvlInfo, true},
		{"DEBUG", log.LvlDebug, true},
		{"warn", log.LvlWarn, true},
		{"trace", log.LvlTrace, true},
		{"crit", log.LvlCrit, true},
		{"eror", log.LvlError, true},
		{"loud", 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseLevel(tt.in)
			if !tt.ok {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tt.want, got)
		})
	}
}

func TestLoggingWriter(t *testing.T) {
	lw := &LoggingWriter{Name: "worker stderr", Log: testlog.Logger(t, log.LvlDebug)}
	n, err := lw.Write([]byte("line one\nline two\n"))
	require.NoError(t, err)
	require.Equal(t, 18, n)
	n, err = lw.Write([]byte{0x00, 0xff})
	require.NoError(t, err)
	require.Equal(t, 2, n)
}

func TestOracleOutput(t *testing.T) {
	words, err := rv32.AssembleProgram("addi a0, zero, 5; addi a1, a0, 1")
	require.NoError(t, err)
	res, err := rv32.Execute(words, rv32.DefaultBudget)
	require.NoError(t, err)

	out := newOracleOutput(res)
	require.Equal(t, uint64(2), out.Steps)
	require.Equal(t, HexU32(8), out.PC)
	require.Equal(t, map[string]HexU32{"a0": 5, "a1": 6}, out.Registers)
	require.Equal(t, res.State.Digest(), out.Digest)

	data, err := json.Marshal(out)
	require.NoError(t, err)
	require.Contains(t, string(data), `"a1":"00000006"`)
	require.Contains(t, string(data), `"00000000":19`)
}
