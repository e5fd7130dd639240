package fuzz

import (
	"context"
	"errors"
	"fmt"
	"math/rand"

	"github.com/ethereum/go-ethereum/log"

	"github.com/zkfuzz/beak/backend"
	"github.com/zkfuzz/beak/bandit"
	"github.com/zkfuzz/beak/corpus"
	"github.com/zkfuzz/beak/mutate"
	"github.com/zkfuzz/beak/trace"
)

// ErrEmptyCorpus is returned when no seed survived loading and synthesis is off.
var ErrEmptyCorpus = errors.New("no usable seeds")

// maxRemutations bounds the extra mutations of a step whose candidates were
// all rejected by the backend.
const maxRemutations = 8

type State uint8

const (
	StateInit State = iota
	StateInitialEval
	StateMutationalLoop
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateInitialEval:
		return "initial-eval"
	case StateMutationalLoop:
		return "mutational-loop"
	case StateTerminated:
		return "terminated"
	default:
		return fmt.Sprintf("State(%d)", uint8(s))
	}
}

// StepResult summarizes one mutational step.
type StepResult struct {
	Arm        string
	Candidates int
	Novel      bool
	Mismatch   bool
	Reward     float64
}

// Loop is the coverage-guided differential fuzzer: it mutates corpus seeds,
// runs them against oracle and backend, keeps novel bucket signatures and
// feeds the outcome back to the operator bandit.
type Loop struct {
	*session

	ops     *mutate.Registry
	bandit  *bandit.Bandit
	rng     *rand.Rand
	store   *corpus.Store
	novelty *trace.Novelty
	state   State
}

func NewLoop(logger log.Logger, cfg Config, b backend.Backend, ops *mutate.Registry, m Metricer) (*Loop, error) {
	s, err := newSession(logger, cfg, b, m)
	if err != nil {
		return nil, err
	}
	if ops == nil {
		ops = mutate.Default()
	}
	if len(cfg.Operators) > 0 {
		if ops, err = ops.Select(cfg.Operators); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrConfig, err)
		}
	}
	if ops.Len() == 0 {
		return nil, fmt.Errorf("%w: %v", ErrConfig, mutate.ErrEmptyRegistry)
	}
	rng := rand.New(rand.NewSource(cfg.RngSeed))
	return &Loop{
		session: s,
		ops:     ops,
		bandit:  bandit.New(cfg.Bandit, ops.Names(), rng),
		rng:     rng,
		store:   corpus.NewStore(cfg.DisableNovelty),
		novelty: trace.NewNovelty(),
		state:   StateInit,
	}, nil
}

func (l *Loop) State() State {
	return l.state
}

func (l *Loop) Bandit() *bandit.Bandit {
	return l.bandit
}

func (l *Loop) Corpus() *corpus.Store {
	return l.store
}

// Run executes the loop to completion. Cancelling ctx stops it after the
// current execution; outputs are flushed either way.
func (l *Loop) Run(ctx context.Context) (*Stats, error) {
	seeds, err := l.init()
	if err != nil {
		l.state = StateTerminated
		return nil, err
	}
	defer l.terminate()

	l.state = StateInitialEval
	if err := l.initialEval(ctx, seeds); err != nil {
		return l.summary(), err
	}

	l.state = StateMutationalLoop
	for i := 0; i < l.cfg.Iterations; i++ {
		if ctx.Err() != nil {
			l.log.Warn("Interrupted", "iteration", i, "of", l.cfg.Iterations)
			break
		}
		if _, err := l.FuzzOne(ctx); err != nil {
			return l.summary(), err
		}
		if (i+1)%100 == 0 {
			l.log.Info("Progress", "iteration", i+1, "executions", l.stats.Executions,
				"corpus", l.store.Len(), "bugs", l.stats.Bugs)
		}
	}
	return l.summary(), nil
}

func (l *Loop) init() ([]*corpus.Seed, error) {
	seeds, err := l.loadSeeds()
	if err != nil {
		return nil, err
	}
	if len(seeds) == 0 && !l.cfg.Synthesize {
		return nil, fmt.Errorf("%w: %d lines, %d malformed, %d filtered",
			ErrEmptyCorpus, l.stats.Seeds.Lines, l.stats.Seeds.Malformed, l.stats.Seeds.Filtered)
	}
	if err := l.open(l.cfg.Prefix(l.now())); err != nil {
		return nil, err
	}
	l.log.Info("Starting fuzz loop", "backend", l.backend.Name(), "seeds", len(seeds),
		"iterations", l.cfg.Iterations, "operators", l.ops.Names(),
		"soft_timeout", l.cfg.SoftTimeout(), "hard_timeout", l.cfg.HardTimeout())
	return seeds, nil
}

func (l *Loop) initialEval(ctx context.Context, seeds []*corpus.Seed) error {
	if l.cfg.NoInitialEval {
		for _, seed := range seeds {
			l.store.Add(seed, trace.Fallback(seed.Words), 0)
		}
		l.stats.CorpusSize = l.store.Len()
		return nil
	}
	for _, seed := range seeds {
		if ctx.Err() != nil {
			return nil
		}
		e := l.evaluate(ctx, seed.Words)
		if _, err := l.process(e, seed, PhaseInitial, ""); err != nil {
			return err
		}
	}
	l.log.Info("Initial evaluation done", "seeds", len(seeds), "corpus", l.store.Len(),
		"signatures", l.novelty.Len())
	return nil
}

func (l *Loop) donor() (corpus.Program, bool) {
	e, ok := l.store.Pick(l.rng)
	if !ok {
		return nil, false
	}
	return e.Seed.Words, true
}

// FuzzOne performs a single mutational step. The bandit is updated exactly
// once per step, including steps where no candidate could run. When the
// backend rejects every candidate the arm mutates again, up to maxRemutations
// times.
func (l *Loop) FuzzOne(ctx context.Context) (StepResult, error) {
	var (
		parent *corpus.Seed
		base   corpus.Program
	)
	if entry, ok := l.store.Pick(l.rng); ok {
		parent, base = entry.Seed, entry.Seed.Words
	} else {
		base = mutate.Synthesize(l.rng, l.cfg.MaxInstructions)
		parent = corpus.NewSeed(base, "synthesized")
		l.stats.Synthesized++
	}

	arm, err := l.bandit.Select()
	if err != nil {
		return StepResult{}, err
	}
	op := l.ops.At(arm)
	mctx := &mutate.Context{
		Rand:            l.rng,
		MaxInstructions: l.cfg.MaxInstructions,
		Donor:           l.donor,
	}

	res := StepResult{Arm: op.Name()}
	var (
		ran     bool
		stepErr error
	)
	for attempt := 0; !ran && attempt <= maxRemutations; attempt++ {
		for _, words := range op.Mutate(mctx, base) {
			if ctx.Err() != nil {
				break
			}
			res.Candidates++
			l.stats.Candidates++
			if err := l.accepts(words); err != nil {
				l.stats.Skipped++
				l.metrics.RecordSkip("unusable")
				l.log.Debug("Skipping candidate", "arm", op.Name(), "err", err)
				continue
			}
			ran = true
			e := l.evaluate(ctx, words)
			child := parent.Derive(words)
			child.SetMeta(corpus.MetaSource, op.Name())
			novel, err := l.process(e, child, PhaseMutational, op.Name())
			if err != nil {
				stepErr = err
				break
			}
			res.Novel = res.Novel || novel
			res.Mismatch = res.Mismatch || e.Mismatch()
		}
		if stepErr != nil || ctx.Err() != nil {
			break
		}
	}
	if !ran {
		l.log.Warn("No candidate of the step was usable", "arm", op.Name(), "candidates", res.Candidates)
	}

	res.Reward = l.reward(res.Novel, res.Mismatch)
	l.bandit.Update(arm, res.Reward)
	l.metrics.RecordStep(op.Name(), res.Reward)
	l.stats.Iterations++
	return res, stepErr
}

func (l *Loop) reward(novel, mismatch bool) float64 {
	if !novel && !mismatch {
		return l.cfg.Rewards.Repeat
	}
	var r float64
	if novel {
		r += l.cfg.Rewards.Novel
	}
	if mismatch {
		r += l.cfg.Rewards.Mismatch
	}
	return r
}

// process accounts one evaluation, admits it to the corpus when its signature
// is new and writes a bug record for mismatches and exceptions. It reports
// whether the signature was novel. Only output failures are returned.
func (l *Loop) process(e *Evaluation, seed *corpus.Seed, phase, arm string) (bool, error) {
	if !l.count(e, phase) {
		return false, nil
	}
	novel := l.novelty.Observe(e.Signature)
	if novel {
		l.stats.NovelSignatures++
	}
	if (novel || l.cfg.DisableNovelty) && !e.Aborted() {
		seed.SetMeta(corpus.MetaPhase, phase)
		seed.SetMeta(corpus.MetaTimedOut, e.TimedOut())
		seed.SetMeta(corpus.MetaMismatch, e.Mismatch())
		if arm != "" {
			seed.SetMeta(corpus.MetaArm, arm)
		}
		if l.store.Add(seed, e.Signature, l.reward(novel, e.Mismatch())) {
			l.stats.CorpusSize = l.store.Len()
			l.metrics.RecordNovel(l.store.Len())
			meta := l.metadata(seed, "interesting", phase)
			if err := l.writeCorpus(e, meta); err != nil {
				return novel, err
			}
			l.log.Debug("New corpus entry", "phase", phase, "arm", arm, "sig", e.Signature, "len", len(e.Words))
		}
	}
	if e.Mismatch() || e.Exception() {
		kind := KindMismatch
		if e.Exception() {
			kind = KindException
		}
		meta := l.metadata(seed, kind, phase)
		if arm != "" {
			meta[corpus.MetaArm] = arm
		}
		if err := l.writeBug(e, kind, meta, nil, false); err != nil {
			return novel, err
		}
	}
	return novel, nil
}

func (l *Loop) summary() *Stats {
	out := l.stats
	out.CorpusSize = l.store.Len()
	return &out
}

func (l *Loop) terminate() {
	l.state = StateTerminated
	if err := l.close(); err != nil {
		l.log.Error("Failed to close outputs", "err", err)
	}
	l.log.Info("Fuzz loop finished", "iterations", l.stats.Iterations, "executions", l.stats.Executions,
		"corpus", l.store.Len(), "bugs", l.stats.Bugs, "timeouts", l.stats.SoftTimeouts+l.stats.HardTimeouts)
}
