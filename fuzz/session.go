package fuzz

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/ethereum-optimism/optimism/op-service/jsonutil"
	"github.com/ethereum/go-ethereum/log"
	"github.com/google/uuid"
	"golang.org/x/exp/maps"

	"github.com/zkfuzz/beak/backend"
	"github.com/zkfuzz/beak/corpus"
	"github.com/zkfuzz/beak/rv32"
	"github.com/zkfuzz/beak/trace"
)

// Execution phases, as recorded in metadata.
const (
	PhaseInitial    = "initial"
	PhaseMutational = "mutational"
	PhaseBaseline   = "baseline"
	PhaseInjected   = "injected"
)

// Bug record kinds.
const (
	KindMismatch         = "mismatch"
	KindException        = "exception"
	KindUnderconstrained = "underconstrained_candidate"
)

// Evaluation is one program run through oracle and backend.
type Evaluation struct {
	Words      corpus.Program
	Oracle     *rv32.Result
	OracleErr  error
	Outcome    *backend.Outcome
	Signature  trace.Signature
	Comparison Comparison
}

func (e *Evaluation) Report() *backend.Report {
	if e.Outcome == nil {
		return nil
	}
	return e.Outcome.Report
}

func (e *Evaluation) TimedOut() bool {
	return e.Outcome != nil && e.Outcome.TimedOut
}

func (e *Evaluation) Aborted() bool {
	return e.Outcome != nil && e.Outcome.Aborted
}

func (e *Evaluation) Mismatch() bool {
	return e.Comparison.Verdict == VerdictMismatch
}

// SkipReason reports why a request produced nothing to compare: the backend
// could not service it, or the run was cancelled.
func (e *Evaluation) SkipReason() (string, bool) {
	if e.Outcome == nil || e.Outcome.Err == nil {
		return "", false
	}
	switch {
	case e.Outcome.Cancelled:
		return "cancelled", true
	case errors.Is(e.Outcome.Err, backend.ErrInjectionNotSupported):
		return "not_supported", true
	case errors.Is(e.Outcome.Err, backend.ErrUnavailable):
		return "unavailable", true
	}
	return "", false
}

// BackendError is the backend failure text. Hard timeouts and skips are not
// backend errors.
func (e *Evaluation) BackendError() string {
	if e.Outcome == nil {
		return ""
	}
	if e.Outcome.Err != nil {
		if _, skipped := e.SkipReason(); skipped || e.Outcome.Aborted {
			return ""
		}
		return e.Outcome.Err.Error()
	}
	if rep := e.Outcome.Report; rep != nil {
		return rep.Err
	}
	return ""
}

func (e *Evaluation) OracleError() string {
	if e.OracleErr == nil {
		return ""
	}
	return e.OracleErr.Error()
}

// Exception reports a failure of either side that is worth a bug record.
func (e *Evaluation) Exception() bool {
	return e.OracleErr != nil || e.BackendError() != ""
}

// session is the state shared by the fuzz loop and the direct injector:
// the execution pipeline, output streams and run counters.
type session struct {
	log     log.Logger
	cfg     Config
	backend backend.Backend
	harness *backend.Harness
	oracle  *rv32.Oracle
	metrics Metricer

	runID   string
	outputs Outputs
	stats   Stats

	corpusOut *corpus.Writer
	bugOut    *corpus.Writer

	now func() time.Time
}

func newSession(logger log.Logger, cfg Config, b backend.Backend, m Metricer) (*session, error) {
	if err := cfg.Check(); err != nil {
		return nil, err
	}
	if b == nil {
		return nil, fmt.Errorf("%w: no backend", ErrConfig)
	}
	oracle, err := rv32.NewOracle(cfg.Oracle)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConfig, err)
	}
	if m == nil {
		m = NoopMetrics
	}
	runID := uuid.NewString()
	return &session{
		log:     logger.New("run", runID),
		cfg:     cfg,
		backend: b,
		harness: backend.NewHarness(logger, b, cfg.SoftTimeout(), cfg.HardTimeout()),
		oracle:  oracle,
		metrics: m,
		runID:   runID,
		now:     time.Now,
	}, nil
}

func (s *session) RunID() string {
	return s.runID
}

func (s *session) Outputs() Outputs {
	return s.outputs
}

// open creates the output directory and streams, and writes the effective config.
func (s *session) open(prefix string) error {
	if err := os.MkdirAll(s.cfg.OutDir, 0o755); err != nil {
		return fmt.Errorf("create out dir %q: %w", s.cfg.OutDir, err)
	}
	s.outputs = s.cfg.outputs(prefix)
	var err error
	if s.corpusOut, err = corpus.Append(s.outputs.Corpus); err != nil {
		return err
	}
	if s.bugOut, err = corpus.Append(s.outputs.Bugs); err != nil {
		_ = s.corpusOut.Close()
		return err
	}
	if err := jsonutil.WriteJSON(s.outputs.Config, s.cfg); err != nil {
		s.close()
		return fmt.Errorf("write config: %w", err)
	}
	s.log.Info("Writing outputs", "corpus", s.outputs.Corpus, "bugs", s.outputs.Bugs)
	return nil
}

func (s *session) close() error {
	var errs []error
	if s.corpusOut != nil {
		errs = append(errs, s.corpusOut.Close())
		s.corpusOut = nil
	}
	if s.bugOut != nil {
		errs = append(errs, s.bugOut.Close())
		s.bugOut = nil
	}
	return errors.Join(errs...)
}

// usable checks a loaded seed: every word decodes and the backend accepts it.
func (s *session) usable(words corpus.Program) error {
	for i, w := range words {
		if _, err := rv32.Decode(w); err != nil {
			return fmt.Errorf("word %d: %w", i, err)
		}
	}
	return s.accepts(words)
}

// accepts checks a mutated candidate. Words that do not decode are kept: the
// oracle records a decode error for each and runs it as a no-op.
func (s *session) accepts(words corpus.Program) error {
	if len(words) == 0 {
		return errors.New("empty program")
	}
	if f, ok := s.backend.(backend.SeedFilter); ok {
		return f.UsableSeed(words)
	}
	return nil
}

// loadSeeds reads the configured seed source.
func (s *session) loadSeeds() ([]*corpus.Seed, error) {
	opts := corpus.LoadOptions{
		Limit:           s.cfg.InitialLimit,
		MaxInstructions: s.cfg.MaxInstructions,
		Filter:          s.usable,
	}
	if len(s.cfg.Words) > 0 {
		seed := corpus.NewSeed(s.cfg.Words.Clone(), "inline")
		if len(seed.Words) > s.cfg.MaxInstructions {
			seed.Words = seed.Words[:s.cfg.MaxInstructions]
			s.stats.Seeds.Truncated++
		}
		s.stats.Seeds.Lines = 1
		if err := s.usable(seed.Words); err != nil {
			s.log.Warn("Inline program is not usable", "err", err)
			s.stats.Seeds.Filtered++
			return nil, nil
		}
		s.stats.Seeds.Loaded = 1
		return []*corpus.Seed{seed}, nil
	}
	if s.cfg.SeedsPath == "" {
		return nil, nil
	}
	seeds, stats, err := corpus.LoadSeedsFile(s.log, s.cfg.SeedsPath, opts)
	s.stats.Seeds = stats
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConfig, err)
	}
	return seeds, nil
}

func (s *session) runOracle(words corpus.Program) (res *rv32.Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			res, err = nil, fmt.Errorf("oracle panicked: %v", r)
		}
	}()
	return s.oracle.Execute(words, s.cfg.InstructionBudget)
}

// evaluate runs words through the oracle and the backend and classifies the result.
func (s *session) evaluate(ctx context.Context, words corpus.Program) *Evaluation {
	e := &Evaluation{Words: words}
	e.Oracle, e.OracleErr = s.runOracle(words)
	e.Outcome = s.harness.Execute(ctx, words, s.cfg.InstructionBudget)
	s.classify(e)
	return e
}

// inject runs words with a targeted witness injection on the backend side.
func (s *session) inject(ctx context.Context, bucketID string, words corpus.Program) *Evaluation {
	e := &Evaluation{Words: words}
	e.Oracle, e.OracleErr = s.runOracle(words)
	e.Outcome = s.harness.Inject(ctx, bucketID, words, s.cfg.InstructionBudget)
	s.classify(e)
	return e
}

func (s *session) classify(e *Evaluation) {
	rep := e.Report()
	switch {
	case e.Aborted():
		// no backend state, so no signature and no corpus entry
	case !s.backend.Capabilities().Buckets:
		e.Signature = trace.Fallback(e.Words)
	case rep != nil:
		e.Signature = trace.Canonicalize(rep.BucketHits)
	}
	if e.Oracle == nil || rep == nil {
		e.Comparison = Comparison{Verdict: VerdictUndetermined}
		return
	}
	e.Comparison = Compare(e.Oracle.State, rep.Final)
}

// count updates the run counters for one evaluation. It reports false for
// skipped evaluations, which produce no records.
func (s *session) count(e *Evaluation, phase string) bool {
	if reason, skipped := e.SkipReason(); skipped {
		s.stats.Skipped++
		s.metrics.RecordSkip(reason)
		s.log.Info("Skipped execution", "phase", phase, "reason", reason, "err", e.Outcome.Err)
		return false
	}
	s.stats.Executions++
	switch phase {
	case PhaseInitial, PhaseBaseline:
		s.stats.InitialExecutions++
	default:
		s.stats.MutationalExecutions++
	}
	switch e.Comparison.Verdict {
	case VerdictMatch:
		s.stats.Matches++
	case VerdictMismatch:
		s.stats.Mismatches++
	default:
		s.stats.Undetermined++
	}
	switch {
	case e.Aborted():
		s.stats.HardTimeouts++
	case e.TimedOut():
		s.stats.SoftTimeouts++
	}
	if e.BackendError() != "" {
		s.stats.BackendErrors++
	}
	if e.OracleErr != nil {
		s.stats.OracleErrors++
	}
	if e.Oracle != nil {
		s.stats.DecodeErrors += len(e.Oracle.DecodeErrors)
	}
	var elapsed time.Duration
	if e.Outcome != nil {
		elapsed = e.Outcome.Elapsed
	}
	s.metrics.RecordExecution(phase, e.Comparison.Verdict, e.TimedOut(), elapsed)
	return true
}

// metadata merges the seed metadata with the run fields.
func (s *session) metadata(seed *corpus.Seed, kind, phase string) map[string]any {
	meta := make(map[string]any)
	if seed != nil {
		maps.Copy(meta, seed.Metadata)
	}
	meta[corpus.MetaKind] = kind
	meta[corpus.MetaPhase] = phase
	meta[corpus.MetaRunID] = s.runID
	return meta
}

func (s *session) record(e *Evaluation, meta map[string]any) corpus.Record {
	return corpus.Record{
		Zkvm:         s.cfg.ZkvmTag,
		ZkvmCommit:   s.cfg.ZkvmCommit,
		RngSeed:      s.cfg.RngSeed,
		TimeoutMs:    s.cfg.TimeoutMs,
		Instructions: e.Words,
		BucketSig:    string(e.Signature),
		TimedOut:     e.TimedOut(),
		Mismatch:     e.Mismatch(),
		Verdict:      string(e.Comparison.Verdict),
		Metadata:     meta,
	}
}

func (s *session) writeCorpus(e *Evaluation, meta map[string]any) error {
	return s.corpusOut.Write(s.record(e, meta))
}

// writeBug appends a bug record. inj is nil outside injection runs.
func (s *session) writeBug(e *Evaluation, kind string, meta map[string]any, inj *backend.InjectionReport, underconstrained bool) error {
	meta[corpus.MetaKind] = kind
	bug := corpus.BugRecord{
		Record:                    s.record(e, meta),
		Kind:                      kind,
		MismatchRegs:              e.Comparison.Regs,
		MismatchPC:                e.Comparison.PC,
		MismatchMem:               e.Comparison.Mem,
		BackendError:              e.BackendError(),
		OracleError:               e.OracleError(),
		UnderconstrainedCandidate: underconstrained,
	}
	if rep := e.Report(); rep != nil {
		bug.MicroOpCount = rep.MicroOpCount
		bug.BucketHits = rep.BucketHits
		bug.BucketHitCount = len(rep.BucketHits)
	}
	if inj != nil {
		bug.InjectKind = inj.Kind
		bug.BucketID = inj.BucketID
	}
	if err := s.bugOut.Write(bug); err != nil {
		return err
	}
	s.stats.Bugs++
	if underconstrained {
		s.stats.Underconstrained++
	}
	s.metrics.RecordBug(kind)
	s.log.Warn("Bug found", "kind", kind, "verdict", e.Comparison.Verdict, "regs", len(e.Comparison.Regs),
		"sig", e.Signature, "backend_err", bug.BackendError, "oracle_err", bug.OracleError)
	return nil
}
