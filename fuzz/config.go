package fuzz

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"path/filepath"
	"time"

	"github.com/ethereum-optimism/optimism/op-service/ioutil"

	"github.com/zkfuzz/beak/bandit"
	"github.com/zkfuzz/beak/corpus"
	"github.com/zkfuzz/beak/mutate"
	"github.com/zkfuzz/beak/rv32"
)

// ErrConfig marks configuration errors. They are fatal before any iteration runs.
var ErrConfig = errors.New("invalid fuzz config")

const (
	DefaultRngSeed         = 2026
	DefaultIterations      = 100
	DefaultTimeoutMs       = 500
	DefaultMaxInstructions = 256
	// hardTimeoutFactor derives the hard timeout when none is configured.
	hardTimeoutFactor = 4
)

// Rewards weights the bandit feedback of one step.
type Rewards struct {
	Novel    float64 `json:"novel"`
	Mismatch float64 `json:"mismatch"`
	Repeat   float64 `json:"repeat"`
}

func DefaultRewards() Rewards {
	return Rewards{Novel: 1.0, Mismatch: 5.0, Repeat: 0.0}
}

type Config struct {
	ZkvmTag    string `json:"zkvmTag"`
	ZkvmCommit string `json:"zkvmCommit"`
	RngSeed    int64  `json:"rngSeed"`

	SeedsPath string `json:"seedsPath,omitempty"`
	// Words is a single inline seed. It replaces SeedsPath.
	Words        corpus.Program `json:"words,omitempty"`
	OutDir       string         `json:"outDir"`
	OutputPrefix string         `json:"outputPrefix,omitempty"`

	Iterations    int   `json:"iterations"`
	TimeoutMs     int64 `json:"timeoutMs"`
	HardTimeoutMs int64 `json:"hardTimeoutMs,omitempty"`
	// InstructionBudget bounds oracle and backend execution.
	InstructionBudget uint64 `json:"instructionBudget"`
	MaxInstructions   int    `json:"maxInstructions"`
	InitialLimit      int    `json:"initialLimit"`
	NoInitialEval     bool   `json:"noInitialEval"`
	DisableNovelty    bool   `json:"disableNovelty"`
	// Synthesize allows starting without usable seeds.
	Synthesize bool `json:"synthesize"`

	Oracle    rv32.Config   `json:"oracle"`
	Bandit    bandit.Config `json:"bandit"`
	Rewards   Rewards       `json:"rewards"`
	Operators []string      `json:"operators,omitempty"`

	// BucketID selects a single injection target in direct mode.
	BucketID string `json:"bucketId,omitempty"`
}

func DefaultConfig() Config {
	return Config{
		ZkvmTag:           "reference",
		ZkvmCommit:        "unknown",
		RngSeed:           DefaultRngSeed,
		OutDir:            ".",
		Iterations:        DefaultIterations,
		TimeoutMs:         DefaultTimeoutMs,
		InstructionBudget: rv32.DefaultBudget,
		MaxInstructions:   DefaultMaxInstructions,
		Oracle:            rv32.DefaultConfig(),
		Bandit:            bandit.DefaultConfig(),
		Rewards:           DefaultRewards(),
	}
}

// LoadConfig reads a JSON config over the defaults, so omitted fields keep
// their default values. Paths ending in .gz are decompressed.
func LoadConfig(path string) (*Config, error) {
	f, err := ioutil.OpenDecompressed(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open config: %w", err)
	}
	defer f.Close()
	cfg := DefaultConfig()
	if err := json.NewDecoder(f).Decode(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config %q: %w", path, err)
	}
	return &cfg, nil
}

func (c *Config) Check() error {
	if c.ZkvmTag == "" {
		return fmt.Errorf("%w: missing zkvm tag", ErrConfig)
	}
	if c.SeedsPath == "" && len(c.Words) == 0 && !c.Synthesize {
		return fmt.Errorf("%w: no seed source", ErrConfig)
	}
	if c.OutDir == "" {
		return fmt.Errorf("%w: missing output directory", ErrConfig)
	}
	if c.Iterations < 0 {
		return fmt.Errorf("%w: negative iterations %d", ErrConfig, c.Iterations)
	}
	if c.TimeoutMs <= 0 {
		return fmt.Errorf("%w: timeout must be positive, got %d ms", ErrConfig, c.TimeoutMs)
	}
	if c.HardTimeoutMs != 0 && c.HardTimeoutMs < c.TimeoutMs {
		return fmt.Errorf("%w: hard timeout %d ms below soft timeout %d ms", ErrConfig, c.HardTimeoutMs, c.TimeoutMs)
	}
	if c.InstructionBudget == 0 {
		return fmt.Errorf("%w: instruction budget must be positive", ErrConfig)
	}
	if c.MaxInstructions <= 0 || c.MaxInstructions > mutate.MaxProgramLen {
		return fmt.Errorf("%w: max instructions %d outside [1, %d]", ErrConfig, c.MaxInstructions, mutate.MaxProgramLen)
	}
	if c.InitialLimit < 0 {
		return fmt.Errorf("%w: negative initial limit %d", ErrConfig, c.InitialLimit)
	}
	if err := c.Oracle.Check(); err != nil {
		return fmt.Errorf("%w: oracle: %v", ErrConfig, err)
	}
	if err := c.Bandit.Check(); err != nil {
		return fmt.Errorf("%w: bandit: %v", ErrConfig, err)
	}
	for _, r := range []float64{c.Rewards.Novel, c.Rewards.Mismatch, c.Rewards.Repeat} {
		if math.IsNaN(r) || math.IsInf(r, 0) {
			return fmt.Errorf("%w: invalid reward %v", ErrConfig, r)
		}
	}
	return nil
}

func (c *Config) SoftTimeout() time.Duration {
	return time.Duration(c.TimeoutMs) * time.Millisecond
}

func (c *Config) HardTimeout() time.Duration {
	if c.HardTimeoutMs == 0 {
		return hardTimeoutFactor * c.SoftTimeout()
	}
	return time.Duration(c.HardTimeoutMs) * time.Millisecond
}

func (c *Config) commit8() string {
	if len(c.ZkvmCommit) > 8 {
		return c.ZkvmCommit[:8]
	}
	return c.ZkvmCommit
}

// Prefix is the file name prefix of a loop run started at now.
func (c *Config) Prefix(now time.Time) string {
	if c.OutputPrefix != "" {
		return c.OutputPrefix
	}
	return fmt.Sprintf("loop1-%s-%s-seed%d-%d", c.ZkvmTag, c.commit8(), c.RngSeed, now.Unix())
}

// DirectPrefix is the file name prefix of a direct injection run started at now.
func (c *Config) DirectPrefix(now time.Time) string {
	base := c.OutputPrefix
	if base == "" {
		base = fmt.Sprintf("loop2-direct-%s-%s-seed%d-%d", c.ZkvmTag, c.commit8(), c.RngSeed, now.Unix())
	}
	return fmt.Sprintf("%s-iter%d", base, c.Iterations)
}

// Outputs are the files written by a run.
type Outputs struct {
	Corpus string `json:"corpus"`
	Bugs   string `json:"bugs"`
	Config string `json:"config"`
}

func (c *Config) outputs(prefix string) Outputs {
	return Outputs{
		Corpus: filepath.Join(c.OutDir, prefix+"-corpus.jsonl"),
		Bugs:   filepath.Join(c.OutDir, prefix+"-bugs.jsonl"),
		Config: filepath.Join(c.OutDir, prefix+"-config.json"),
	}
}
