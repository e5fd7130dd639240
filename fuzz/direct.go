package fuzz

import (
	"context"
	"fmt"
	"math/rand"

	"github.com/ethereum/go-ethereum/log"
	"golang.org/x/exp/slices"

	"github.com/zkfuzz/beak/backend"
	"github.com/zkfuzz/beak/corpus"
	"github.com/zkfuzz/beak/mutate"
)

// Result is the classification of one direct injection.
type Result string

const (
	ResultException        Result = "exception"
	ResultMismatch         Result = "mismatch"
	ResultUnderconstrained Result = "underconstrained_candidate"
	ResultRejected         Result = "rejected"
	ResultNotSupported     Result = "not_supported"
	ResultSkipped          Result = "skipped"
	ResultTimedOut         Result = "timed_out"
)

// Metadata keys of direct-mode records.
const (
	MetaMode               = "mode"
	MetaSeedIndex          = "seed_index"
	MetaInjectedPhase      = "injected_phase"
	MetaHasInjectionTarget = "has_direct_injection_target"
	MetaUnderconstrained   = "underconstrained_candidate"
	MetaBucketID           = "bucket_id"
	MetaInjectKind         = "inject_kind"
)

const (
	directMode = "loop2_direct"
	directKind = "direct"
)

// Finding is the outcome of one injected run.
type Finding struct {
	SeedIndex  int    `json:"seedIndex"`
	BucketID   string `json:"bucketId"`
	InjectKind string `json:"injectKind,omitempty"`
	Result     Result `json:"result"`
	// Underconstrained is set when the backend accepted the perturbed witness.
	Underconstrained bool `json:"underconstrained"`
}

type DirectReport struct {
	Stats    Stats     `json:"stats"`
	Findings []Finding `json:"findings"`
	Outputs  Outputs   `json:"outputs"`
}

// Direct drives targeted witness injections. Each seed gets a baseline run;
// then either the configured bucket or every hit bucket with an injection
// mapping is injected once.
type Direct struct {
	*session
	findings []Finding
}

func NewDirect(logger log.Logger, cfg Config, b backend.Backend, m Metricer) (*Direct, error) {
	s, err := newSession(logger, cfg, b, m)
	if err != nil {
		return nil, err
	}
	return &Direct{session: s}, nil
}

func (d *Direct) Run(ctx context.Context) (*DirectReport, error) {
	seeds, err := d.loadSeeds()
	if err != nil {
		return nil, err
	}
	if len(seeds) == 0 && d.cfg.Synthesize {
		rng := rand.New(rand.NewSource(d.cfg.RngSeed))
		for i := 0; i < max(d.cfg.Iterations, 1); i++ {
			seeds = append(seeds, corpus.NewSeed(mutate.Synthesize(rng, d.cfg.MaxInstructions), "synthesized"))
			d.stats.Synthesized++
		}
	}
	if len(seeds) == 0 {
		return nil, fmt.Errorf("%w: %d lines, %d malformed, %d filtered",
			ErrEmptyCorpus, d.stats.Seeds.Lines, d.stats.Seeds.Malformed, d.stats.Seeds.Filtered)
	}
	if d.cfg.Iterations > 0 && len(seeds) > d.cfg.Iterations {
		seeds = seeds[:d.cfg.Iterations]
	}
	if err := d.open(d.cfg.DirectPrefix(d.now())); err != nil {
		return nil, err
	}
	defer func() {
		if err := d.close(); err != nil {
			d.log.Error("Failed to close outputs", "err", err)
		}
	}()
	d.log.Info("Starting direct injection", "backend", d.backend.Name(), "seeds", len(seeds), "bucket", d.cfg.BucketID)

	for i, seed := range seeds {
		if ctx.Err() != nil {
			d.log.Warn("Interrupted", "seed", i, "of", len(seeds))
			break
		}
		if err := d.sweep(ctx, i, seed); err != nil {
			return d.report(), err
		}
		d.stats.Iterations++
	}
	rep := d.report()
	d.log.Info("Direct injection finished", "seeds", d.stats.Iterations, "injections", len(d.findings),
		"bugs", d.stats.Bugs, "underconstrained", d.stats.Underconstrained)
	return rep, nil
}

func (d *Direct) report() *DirectReport {
	return &DirectReport{Stats: d.stats, Findings: slices.Clone(d.findings), Outputs: d.outputs}
}

// targets lists the bucket ids to inject for a baseline evaluation.
func (d *Direct) targets(base *Evaluation) []string {
	if d.cfg.BucketID != "" {
		return []string{d.cfg.BucketID}
	}
	inj, ok := d.backend.(backend.Injector)
	rep := base.Report()
	if !ok || rep == nil {
		return nil
	}
	seen := make(map[string]bool)
	var out []string
	for _, hit := range rep.BucketHits {
		if seen[hit.BucketID] {
			continue
		}
		seen[hit.BucketID] = true
		if _, ok := inj.InjectionFor(hit.BucketID); ok {
			out = append(out, hit.BucketID)
		}
	}
	slices.Sort(out)
	return out
}

func (d *Direct) directMeta(seed *corpus.Seed, idx int, phase string, hasTarget bool) map[string]any {
	meta := d.metadata(seed, directKind, phase)
	meta[MetaMode] = directMode
	meta[MetaSeedIndex] = idx
	meta[MetaInjectedPhase] = phase == PhaseInjected
	meta[MetaHasInjectionTarget] = hasTarget
	return meta
}

func (d *Direct) sweep(ctx context.Context, idx int, seed *corpus.Seed) error {
	base := d.evaluate(ctx, seed.Words)
	if !d.count(base, PhaseBaseline) {
		return nil
	}
	targets := d.targets(base)
	meta := d.directMeta(seed, idx, PhaseBaseline, len(targets) > 0)
	meta[MetaUnderconstrained] = false
	if err := d.writeCorpus(base, meta); err != nil {
		return err
	}
	if base.Mismatch() || base.Exception() {
		kind := KindMismatch
		if base.Exception() {
			kind = KindException
		}
		if err := d.writeBug(base, kind, d.directMeta(seed, idx, PhaseBaseline, len(targets) > 0), nil, false); err != nil {
			return err
		}
	}
	if len(targets) == 0 {
		d.log.Debug("No injection target", "seed", idx, "sig", base.Signature)
	}
	for _, id := range targets {
		if ctx.Err() != nil {
			return nil
		}
		if err := d.injectOne(ctx, idx, seed, id); err != nil {
			return err
		}
	}
	return nil
}

func (d *Direct) injectOne(ctx context.Context, idx int, seed *corpus.Seed, bucketID string) error {
	e := d.inject(ctx, bucketID, seed.Words)
	f := Finding{SeedIndex: idx, BucketID: bucketID}
	inj := e.Outcome.Injection
	if inj != nil {
		f.InjectKind = inj.Kind
	} else if m, ok := d.backend.(backend.Injector); ok {
		f.InjectKind, _ = m.InjectionFor(bucketID)
	}
	defer func() {
		d.findings = append(d.findings, f)
		d.log.Info("Injection result", "seed", idx, "bucket", bucketID, "kind", f.InjectKind, "result", f.Result)
	}()

	if !d.count(e, PhaseInjected) {
		reason, _ := e.SkipReason()
		f.Result = ResultSkipped
		if reason == "not_supported" {
			f.Result = ResultNotSupported
		}
		return nil
	}

	accepted := inj != nil && inj.Accepted
	kind := ""
	switch {
	case e.Exception():
		f.Result, kind = ResultException, KindException
	case accepted:
		f.Underconstrained = true
		f.Result, kind = ResultUnderconstrained, KindUnderconstrained
		if e.Mismatch() {
			f.Result, kind = ResultMismatch, KindMismatch
		}
	case e.Mismatch():
		f.Result, kind = ResultMismatch, KindMismatch
	case e.Aborted():
		f.Result = ResultTimedOut
	default:
		f.Result = ResultRejected
	}

	meta := d.directMeta(seed, idx, PhaseInjected, true)
	meta[MetaBucketID] = bucketID
	meta[MetaInjectKind] = f.InjectKind
	meta[MetaUnderconstrained] = f.Underconstrained
	if err := d.writeCorpus(e, meta); err != nil {
		return err
	}
	if kind == "" {
		return nil
	}
	bugMeta := d.directMeta(seed, idx, PhaseInjected, true)
	bugMeta[MetaBucketID] = bucketID
	bugMeta[MetaInjectKind] = f.InjectKind
	bugMeta[MetaUnderconstrained] = f.Underconstrained
	if inj == nil {
		inj = &backend.InjectionReport{Kind: f.InjectKind, BucketID: bucketID}
	}
	return d.writeBug(e, kind, bugMeta, inj, f.Underconstrained)
}
