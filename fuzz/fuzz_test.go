package fuzz

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/zkfuzz/beak/backend"
	"github.com/zkfuzz/beak/corpus"
	"github.com/zkfuzz/beak/rv32"
)

var (
	// li a0, 1; li a1, 2; add a2, a0, a1
	sumProgram = corpus.Program{0x00100513, 0x00200593, 0x00b50633}
	// auipc x0, 0x12345; add a0, x0, x0
	x0Program = corpus.Program{0x12345017, 0x00000533}
)

func testConfig(t *testing.T, words corpus.Program) Config {
	cfg := DefaultConfig()
	cfg.Words = words
	cfg.OutDir = t.TempDir()
	cfg.Iterations = 10
	return cfg
}

func newReference(t *testing.T, cfg backend.ReferenceConfig) *backend.Reference {
	if cfg.Machine == (rv32.Config{}) {
		cfg.Machine = rv32.DefaultConfig()
	}
	r, err := backend.NewReference(cfg)
	require.NoError(t, err)
	return r
}

func asm(t *testing.T, src string) corpus.Program {
	words, err := rv32.AssembleProgram(src)
	require.NoError(t, err)
	return words
}

func readLines[T any](t *testing.T, path string) []T {
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	var out []T
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16<<20)
	for scanner.Scan() {
		var v T
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &v))
		out = append(out, v)
	}
	require.NoError(t, scanner.Err())
	return out
}

// funcBackend runs fn for every execution.
type funcBackend struct {
	caps backend.Capabilities
	fn   func(ctx context.Context, words []uint32) (*backend.Report, error)
}

func (f *funcBackend) Name() string                       { return "func" }
func (f *funcBackend) Capabilities() backend.Capabilities { return f.caps }
func (f *funcBackend) Execute(ctx context.Context, words []uint32, budget uint64) (*backend.Report, error) {
	return f.fn(ctx, words)
}
