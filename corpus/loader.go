package corpus

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/ethereum-optimism/optimism/op-service/ioutil"
	"github.com/ethereum/go-ethereum/log"
)

var ErrMalformedSeed = errors.New("malformed seed")

// maxLineSize bounds a single JSONL record.
const maxLineSize = 16 << 20

type LoadOptions struct {
	// Limit caps the number of seeds returned. Zero means no cap.
	Limit int
	// MaxInstructions truncates longer seeds. Zero means no truncation.
	MaxInstructions int
	// Filter rejects seeds that cannot be used. Rejected seeds are counted, not fatal.
	Filter func(Program) error
}

type LoadStats struct {
	Lines     int `json:"lines"`
	Loaded    int `json:"loaded"`
	Malformed int `json:"malformed"`
	Filtered  int `json:"filtered"`
	Truncated int `json:"truncated"`
}

type seedLine struct {
	Instructions Program        `json:"instructions"`
	Words        Program        `json:"words"`
	Metadata     map[string]any `json:"metadata"`
}

// ParseSeedLine decodes one JSONL seed record. The words may be given under
// "instructions" or "words".
func ParseSeedLine(line []byte) (*Seed, error) {
	var in seedLine
	if err := json.Unmarshal(line, &in); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedSeed, err)
	}
	words := in.Instructions
	if len(words) == 0 {
		words = in.Words
	}
	if len(words) == 0 {
		return nil, fmt.Errorf("%w: no instructions", ErrMalformedSeed)
	}
	return &Seed{Words: words, Metadata: in.Metadata}, nil
}

// LoadSeeds reads JSONL seeds. Blank lines are ignored; malformed and
// filtered lines are skipped and counted.
func LoadSeeds(logger log.Logger, r io.Reader, opts LoadOptions) ([]*Seed, LoadStats, error) {
	var stats LoadStats
	var out []*Seed
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		stats.Lines++
		seed, err := ParseSeedLine(line)
		if err != nil {
			stats.Malformed++
			logger.Debug("Skipping seed", "line", stats.Lines, "err", err)
			continue
		}
		if opts.MaxInstructions > 0 && len(seed.Words) > opts.MaxInstructions {
			seed.Words = seed.Words[:opts.MaxInstructions]
			stats.Truncated++
		}
		if opts.Filter != nil {
			if err := opts.Filter(seed.Words); err != nil {
				stats.Filtered++
				logger.Debug("Filtered seed", "line", stats.Lines, "err", err)
				continue
			}
		}
		out = append(out, seed)
		stats.Loaded++
		if opts.Limit > 0 && len(out) >= opts.Limit {
			break
		}
	}
	if err := sc.Err(); err != nil {
		return out, stats, fmt.Errorf("failed to read seeds: %w", err)
	}
	return out, stats, nil
}

// LoadSeedsFile loads a JSONL seeds file, gzip compressed when the path ends in .gz.
func LoadSeedsFile(logger log.Logger, path string, opts LoadOptions) ([]*Seed, LoadStats, error) {
	f, err := ioutil.OpenDecompressed(path)
	if err != nil {
		return nil, LoadStats{}, fmt.Errorf("failed to open seeds %q: %w", path, err)
	}
	defer f.Close()
	seeds, stats, err := LoadSeeds(logger, f, opts)
	if err != nil {
		return nil, stats, err
	}
	logger.Info("Loaded seeds", "path", path, "loaded", stats.Loaded, "malformed", stats.Malformed,
		"filtered", stats.Filtered, "truncated", stats.Truncated)
	return seeds, stats, nil
}
