package cmd

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	opservice "github.com/ethereum-optimism/optimism/op-service"
	"github.com/ethereum/go-ethereum/log"
	"github.com/urfave/cli/v2"

	"github.com/zkfuzz/beak/backend"
	"github.com/zkfuzz/beak/corpus"
	"github.com/zkfuzz/beak/fuzz"
	"github.com/zkfuzz/beak/rv32"
)

const EnvVarPrefix = "BEAK"

func prefixEnvVars(name string) []string {
	return opservice.PrefixEnvVar(EnvVarPrefix, name)
}

var (
	ConfigFlag = &cli.PathFlag{
		Name:      "config",
		Usage:     "JSON run config. Flags given explicitly override its fields",
		TakesFile: true,
		EnvVars:   prefixEnvVars("CONFIG"),
	}
	ZkvmFlag = &cli.StringFlag{
		Name:    "zkvm",
		Usage:   "Tag of the zkVM under test, recorded in every output line",
		Value:   "reference",
		EnvVars: prefixEnvVars("ZKVM"),
	}
	ZkvmCommitFlag = &cli.StringFlag{
		Name:    "zkvm.commit",
		Usage:   "Commit of the zkVM under test",
		Value:   "unknown",
		EnvVars: prefixEnvVars("ZKVM_COMMIT"),
	}
	RngSeedFlag = &cli.Int64Flag{
		Name:    "rng-seed",
		Usage:   "Seed of the mutation and bandit RNG",
		Value:   fuzz.DefaultRngSeed,
		EnvVars: prefixEnvVars("RNG_SEED"),
	}
	SeedsFlag = &cli.PathFlag{
		Name:      "seeds",
		Usage:     "JSONL file of seed programs",
		TakesFile: true,
		EnvVars:   prefixEnvVars("SEEDS"),
	}
	WordsFlag = &cli.StringFlag{
		Name:  "words",
		Usage: "Single inline seed as whitespace or comma separated hex words. Replaces --seeds",
	}
	AsmFlag = &cli.StringFlag{
		Name:  "asm",
		Usage: "Single inline seed as ';' separated assembly. Replaces --seeds",
	}
	OutDirFlag = &cli.PathFlag{
		Name:    "out-dir",
		Usage:   "Directory of the corpus, bug and config outputs",
		Value:   ".",
		EnvVars: prefixEnvVars("OUT_DIR"),
	}
	OutputPrefixFlag = &cli.StringFlag{
		Name:  "output-prefix",
		Usage: "File name prefix of the outputs. Derived from the run parameters when empty",
	}
	IterationsFlag = &cli.IntFlag{
		Name:    "iters",
		Usage:   "Mutational steps, or seeds to sweep in direct mode",
		Value:   fuzz.DefaultIterations,
		EnvVars: prefixEnvVars("ITERS"),
	}
	TimeoutFlag = &cli.Int64Flag{
		Name:    "timeout-ms",
		Usage:   "Soft timeout of one backend execution, in milliseconds",
		Value:   fuzz.DefaultTimeoutMs,
		EnvVars: prefixEnvVars("TIMEOUT_MS"),
	}
	HardTimeoutFlag = &cli.Int64Flag{
		Name:    "hard-timeout-ms",
		Usage:   "Hard timeout that abandons a backend execution. Defaults to 4x the soft timeout",
		EnvVars: prefixEnvVars("HARD_TIMEOUT_MS"),
	}
	BudgetFlag = &cli.Uint64Flag{
		Name:  "budget",
		Usage: "Instruction budget of every oracle and backend execution",
		Value: rv32.DefaultBudget,
	}
	MaxInstructionsFlag = &cli.IntFlag{
		Name:  "max-instructions",
		Usage: "Truncate seeds and candidates to this many words",
		Value: fuzz.DefaultMaxInstructions,
	}
	InitialLimitFlag = &cli.IntFlag{
		Name:  "initial-limit",
		Usage: "Load at most this many seeds. 0 loads all",
	}
	NoInitialEvalFlag = &cli.BoolFlag{
		Name:  "no-initial-eval",
		Usage: "Admit seeds to the corpus without evaluating them",
	}
	DisableNoveltyFlag = &cli.BoolFlag{
		Name:  "disable-novelty",
		Usage: "Admit every evaluated program to the corpus",
	}
	SynthesizeFlag = &cli.BoolFlag{
		Name:  "synthesize",
		Usage: "Generate random programs when no seed is usable",
	}
	MemoryModelFlag = &cli.StringFlag{
		Name:  "memory-model",
		Usage: "Oracle memory model: shared or split",
		Value: rv32.SharedCodeData.String(),
	}
	OperatorsFlag = &cli.StringSliceFlag{
		Name:  "operators",
		Usage: "Enabled mutation operators. Empty enables all",
	}
	EpsilonFlag = &cli.Float64Flag{
		Name:  "bandit.epsilon",
		Usage: "Probability of a uniformly random arm",
		Value: 0.05,
	}
	UCBFlag = &cli.Float64Flag{
		Name:  "bandit.ucb-c",
		Usage: "UCB exploration constant",
		Value: 1.5,
	}
	RewardNovelFlag = &cli.Float64Flag{
		Name:  "reward.novel",
		Usage: "Reward of a step that found a new bucket signature",
		Value: fuzz.DefaultRewards().Novel,
	}
	RewardMismatchFlag = &cli.Float64Flag{
		Name:  "reward.mismatch",
		Usage: "Reward added for a step that found a mismatch",
		Value: fuzz.DefaultRewards().Mismatch,
	}
	RewardRepeatFlag = &cli.Float64Flag{
		Name:  "reward.repeat",
		Usage: "Reward of a step with nothing new",
		Value: fuzz.DefaultRewards().Repeat,
	}
	BucketFlag = &cli.StringFlag{
		Name:  "bucket",
		Usage: "Inject only this bucket id. Empty sweeps every hit bucket with an injection",
	}

	BackendFlag = &cli.StringFlag{
		Name:    "backend",
		Usage:   "Backend under test: reference or process",
		Value:   "reference",
		EnvVars: prefixEnvVars("BACKEND"),
	}
	BackendCmdFlag = &cli.StringFlag{
		Name:    "backend.cmd",
		Usage:   "Worker command of the process backend, split on whitespace",
		EnvVars: prefixEnvVars("BACKEND_CMD"),
	}
	RefX0WritableFlag = &cli.BoolFlag{
		Name:  "ref.x0-writable",
		Usage: "Reference backend keeps writes to x0",
	}
	RefDivByZeroFlag = &cli.BoolFlag{
		Name:  "ref.div-by-zero-zero",
		Usage: "Reference backend returns 0 for DIV and DIVU by zero",
	}
	RefConstrainedFlag = &cli.StringSliceFlag{
		Name:  "ref.constrained",
		Usage: "Injection kinds the reference backend rejects",
	}
	RefUnsupportedFlag = &cli.StringSliceFlag{
		Name:  "ref.unsupported",
		Usage: "Mnemonics the reference backend refuses",
	}
	RefDelayFlag = &cli.DurationFlag{
		Name:  "ref.delay",
		Usage: "Delay added to every reference execution",
	}

	MetricsAddrFlag = &cli.StringFlag{
		Name:    "metrics.addr",
		Usage:   "Serve prometheus metrics on this address. Disabled when empty",
		EnvVars: prefixEnvVars("METRICS_ADDR"),
	}
	PProfCPUFlag = &cli.BoolFlag{
		Name:  "pprof.cpu",
		Usage: "Write a CPU profile to the working directory",
	}
	LogLevelFlag = &cli.StringFlag{
		Name:    "log.level",
		Usage:   "Log level: trace, debug, info, warn, error or crit",
		Value:   "info",
		EnvVars: prefixEnvVars("LOG_LEVEL"),
	}
	StatsOutFlag = &cli.PathFlag{
		Name:      "stats-out",
		Usage:     "Write the run summary as JSON to this file",
		TakesFile: true,
	}
)

var loopFlags = []cli.Flag{
	ConfigFlag, ZkvmFlag, ZkvmCommitFlag, RngSeedFlag,
	SeedsFlag, WordsFlag, AsmFlag, OutDirFlag, OutputPrefixFlag,
	IterationsFlag, TimeoutFlag, HardTimeoutFlag, BudgetFlag, MaxInstructionsFlag, InitialLimitFlag,
	NoInitialEvalFlag, DisableNoveltyFlag, SynthesizeFlag, MemoryModelFlag,
	OperatorsFlag, EpsilonFlag, UCBFlag, RewardNovelFlag, RewardMismatchFlag, RewardRepeatFlag,
}

var backendFlags = []cli.Flag{
	BackendFlag, BackendCmdFlag,
	RefX0WritableFlag, RefDivByZeroFlag, RefConstrainedFlag, RefUnsupportedFlag, RefDelayFlag,
}

var runtimeFlags = []cli.Flag{
	MetricsAddrFlag, PProfCPUFlag, LogLevelFlag, StatsOutFlag,
}

func concatFlags(groups ...[]cli.Flag) []cli.Flag {
	var out []cli.Flag
	for _, g := range groups {
		out = append(out, g...)
	}
	return out
}

// loggerFromCLI builds the stderr logger at the --log.level level.
func loggerFromCLI(ctx *cli.Context) (log.Logger, error) {
	lvl, err := ParseLevel(ctx.String(LogLevelFlag.Name))
	if err != nil {
		return nil, err
	}
	return Logger(os.Stderr, lvl), nil
}

// inlineWords reads --words or --asm. Both empty yields nil.
func inlineWords(ctx *cli.Context) (corpus.Program, error) {
	words, src := ctx.String(WordsFlag.Name), ctx.String(AsmFlag.Name)
	switch {
	case words != "" && src != "":
		return nil, fmt.Errorf("--%s and --%s are mutually exclusive", WordsFlag.Name, AsmFlag.Name)
	case words != "":
		return corpus.ParseProgram(words)
	case src != "":
		return rv32.AssembleProgram(src)
	}
	return nil, nil
}

// ConfigFromCLI starts from --config, or the defaults, and applies every
// flag the user set. Flag defaults never override the config file.
func ConfigFromCLI(ctx *cli.Context) (fuzz.Config, error) {
	cfg := fuzz.DefaultConfig()
	if path := ctx.Path(ConfigFlag.Name); path != "" {
		loaded, err := fuzz.LoadConfig(path)
		if err != nil {
			return cfg, err
		}
		cfg = *loaded
	}
	set := func(f cli.Flag) bool {
		return ctx.IsSet(f.Names()[0]) || ctx.Path(ConfigFlag.Name) == ""
	}

	if set(ZkvmFlag) {
		cfg.ZkvmTag = ctx.String(ZkvmFlag.Name)
	}
	if set(ZkvmCommitFlag) {
		cfg.ZkvmCommit = ctx.String(ZkvmCommitFlag.Name)
	}
	if set(RngSeedFlag) {
		cfg.RngSeed = ctx.Int64(RngSeedFlag.Name)
	}
	if set(SeedsFlag) {
		cfg.SeedsPath = ctx.Path(SeedsFlag.Name)
	}
	words, err := inlineWords(ctx)
	if err != nil {
		return cfg, err
	}
	if len(words) > 0 {
		cfg.Words = words
	}
	if set(OutDirFlag) {
		cfg.OutDir = ctx.Path(OutDirFlag.Name)
	}
	if set(OutputPrefixFlag) {
		cfg.OutputPrefix = ctx.String(OutputPrefixFlag.Name)
	}
	if set(IterationsFlag) {
		cfg.Iterations = ctx.Int(IterationsFlag.Name)
	}
	if set(TimeoutFlag) {
		cfg.TimeoutMs = ctx.Int64(TimeoutFlag.Name)
	}
	if set(HardTimeoutFlag) {
		cfg.HardTimeoutMs = ctx.Int64(HardTimeoutFlag.Name)
	}
	if set(BudgetFlag) {
		cfg.InstructionBudget = ctx.Uint64(BudgetFlag.Name)
	}
	if set(MaxInstructionsFlag) {
		cfg.MaxInstructions = ctx.Int(MaxInstructionsFlag.Name)
	}
	if set(InitialLimitFlag) {
		cfg.InitialLimit = ctx.Int(InitialLimitFlag.Name)
	}
	if set(NoInitialEvalFlag) {
		cfg.NoInitialEval = ctx.Bool(NoInitialEvalFlag.Name)
	}
	if set(DisableNoveltyFlag) {
		cfg.DisableNovelty = ctx.Bool(DisableNoveltyFlag.Name)
	}
	if set(SynthesizeFlag) {
		cfg.Synthesize = ctx.Bool(SynthesizeFlag.Name)
	}
	if set(MemoryModelFlag) {
		model, err := rv32.ParseMemoryModel(ctx.String(MemoryModelFlag.Name))
		if err != nil {
			return cfg, err
		}
		cfg.Oracle.MemoryModel = model
	}
	if set(OperatorsFlag) {
		cfg.Operators = ctx.StringSlice(OperatorsFlag.Name)
	}
	if set(EpsilonFlag) {
		cfg.Bandit.Epsilon = ctx.Float64(EpsilonFlag.Name)
	}
	if set(UCBFlag) {
		cfg.Bandit.UCBC = ctx.Float64(UCBFlag.Name)
	}
	if set(RewardNovelFlag) {
		cfg.Rewards.Novel = ctx.Float64(RewardNovelFlag.Name)
	}
	if set(RewardMismatchFlag) {
		cfg.Rewards.Mismatch = ctx.Float64(RewardMismatchFlag.Name)
	}
	if set(RewardRepeatFlag) {
		cfg.Rewards.Repeat = ctx.Float64(RewardRepeatFlag.Name)
	}
	if ctx.IsSet(BucketFlag.Name) {
		cfg.BucketID = ctx.String(BucketFlag.Name)
	}
	if err := cfg.Check(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// referenceFromCLI builds the in-process reference backend from the --ref flags.
func referenceFromCLI(ctx *cli.Context, machine rv32.Config) (*backend.Reference, error) {
	return backend.NewReference(backend.ReferenceConfig{
		Machine:       machine,
		X0Writable:    ctx.Bool(RefX0WritableFlag.Name),
		DivByZeroZero: ctx.Bool(RefDivByZeroFlag.Name),
		Constrained:   ctx.StringSlice(RefConstrainedFlag.Name),
		Unsupported:   ctx.StringSlice(RefUnsupportedFlag.Name),
		Delay:         ctx.Duration(RefDelayFlag.Name),
	})
}

// BackendFromCLI selects the backend under test. The returned closer must be
// called once the backend is no longer used.
func BackendFromCLI(ctx *cli.Context, logger log.Logger, machine rv32.Config) (backend.Backend, func(), error) {
	switch name := ctx.String(BackendFlag.Name); name {
	case "reference":
		ref, err := referenceFromCLI(ctx, machine)
		if err != nil {
			return nil, nil, err
		}
		return ref, func() {}, nil
	case "process":
		args := strings.Fields(ctx.String(BackendCmdFlag.Name))
		if len(args) == 0 {
			return nil, nil, fmt.Errorf("--%s is required for the process backend", BackendCmdFlag.Name)
		}
		proc, err := backend.NewProcess(logger, backend.ProcessConfig{
			Name:   args[0],
			Args:   args[1:],
			Stderr: &LoggingWriter{Name: "worker stderr", Log: logger},
		})
		if err != nil {
			return nil, nil, err
		}
		startCtx, cancel := context.WithTimeout(ctx.Context, 30*time.Second)
		defer cancel()
		if err := proc.Start(startCtx); err != nil {
			return nil, nil, fmt.Errorf("failed to start backend worker: %w", err)
		}
		return proc, func() {
			if err := proc.Close(); err != nil {
				logger.Error("Failed to close backend worker", "err", err)
			}
		}, nil
	default:
		return nil, nil, fmt.Errorf("unknown backend %q", name)
	}
}
