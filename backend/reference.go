package backend

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	"github.com/zkfuzz/beak/riscv"
	"github.com/zkfuzz/beak/rv32"
	"github.com/zkfuzz/beak/trace"
)

// Bucket ids emitted by the reference backend.
const (
	BucketInputHasEcall = "ref.input.has_ecall"
	BucketInputHasCSR   = "ref.input.has_csr"
	BucketInputHasFence = "ref.input.has_fence"
	BucketInputUnknown  = "ref.input.has_unknown"

	BucketWriteX0   = "ref.reg.write_x0"
	BucketReadRs1X0 = "ref.reg.read_rs1_x0"
	BucketReadRs2X0 = "ref.reg.read_rs2_x0"

	BucketAliasRdRs1  = "ref.alias.rd_eq_rs1"
	BucketAliasRdRs2  = "ref.alias.rd_eq_rs2"
	BucketAliasRs1Rs2 = "ref.alias.rs1_eq_rs2"

	BucketImmZero     = "ref.imm.value.0"
	BucketImmMinusOne = "ref.imm.value.minus1"
	BucketImmMin      = "ref.imm.value.min"
	BucketImmMax      = "ref.imm.value.max"
	BucketImmNegative = "ref.imm.sign_true"

	BucketDivByZero    = "ref.divrem.div_by_zero"
	BucketDivOverflow  = "ref.divrem.overflow_case"
	BucketDivRs1EqRs2  = "ref.divrem.rs1_eq_rs2"
	BucketBranchTaken  = "ref.branch.taken"
	BucketBranchNot    = "ref.branch.not_taken"
	BucketBranchBack   = "ref.branch.imm_negative"
	BucketAuipc        = "ref.auipc.seen"
	BucketMemAccess    = "ref.mem.access_seen"
	BucketMemPtrZero   = "ref.mem.effective_ptr_zero"
	BucketMemUnaligned = "ref.mem.unaligned"
	BucketMemFault     = "ref.mem.fault"
	BucketTerminate    = "ref.system.terminate"
)

// Injection kinds understood by the reference backend.
const (
	InjectX0WriteLeak     = "ref.inject.x0_write_leak"
	InjectAuipcPCOffset   = "ref.inject.auipc_pc_offset"
	InjectDivRemSpecial   = "ref.inject.divrem_special_case"
	InjectLoadStoreImmSgn = "ref.inject.loadstore_imm_sign"
)

var referenceInjections = map[string]string{
	BucketWriteX0:     InjectX0WriteLeak,
	BucketAuipc:       InjectAuipcPCOffset,
	BucketDivByZero:   InjectDivRemSpecial,
	BucketDivOverflow: InjectDivRemSpecial,
	BucketDivRs1EqRs2: InjectDivRemSpecial,
	BucketMemAccess:   InjectLoadStoreImmSgn,
}

// ctxCheckInterval is the number of steps between context checks.
const ctxCheckInterval = 4096

// ReferenceConfig configures the in-process reference backend. The zero
// deviations describe a correct RV32IM machine.
type ReferenceConfig struct {
	Machine rv32.Config `json:"machine"`

	// X0Writable stores writes to x0 instead of discarding them.
	X0Writable bool `json:"x0Writable"`
	// DivByZeroZero returns 0 for DIV/DIVU by zero.
	DivByZeroZero bool `json:"divByZeroZero"`

	// Constrained lists the injection kinds whose constraints reject a perturbed witness.
	Constrained []string `json:"constrained,omitempty"`
	// Unsupported lists mnemonics the backend refuses to run.
	Unsupported []string `json:"unsupported,omitempty"`
	// Delay is added to every execution.
	Delay time.Duration `json:"delay,omitempty"`
}

// Reference is an in-process backend built on the rv32 machine. Its
// deviations model the bug classes the fuzzer is meant to catch.
type Reference struct {
	cfg         ReferenceConfig
	constrained map[string]bool
	unsupported map[string]bool
}

var (
	_ Backend    = (*Reference)(nil)
	_ Injector   = (*Reference)(nil)
	_ SeedFilter = (*Reference)(nil)
)

func NewReference(cfg ReferenceConfig) (*Reference, error) {
	if err := cfg.Machine.Check(); err != nil {
		return nil, fmt.Errorf("invalid reference machine: %w", err)
	}
	r := &Reference{
		cfg:         cfg,
		constrained: make(map[string]bool),
		unsupported: make(map[string]bool),
	}
	for _, k := range cfg.Constrained {
		r.constrained[k] = true
	}
	for _, m := range cfg.Unsupported {
		r.unsupported[m] = true
	}
	return r, nil
}

func (r *Reference) Name() string {
	return "reference"
}

func (r *Reference) Capabilities() Capabilities {
	return Capabilities{Buckets: true, Memory: true, PC: true, Injection: true}
}

// UsableSeed rejects empty programs and programs with unsupported words.
// Words that do not decode run as no-ops, as they do on the oracle.
func (r *Reference) UsableSeed(words []uint32) error {
	if len(words) == 0 {
		return errors.New("empty program")
	}
	for i, w := range words {
		insn, err := rv32.Decode(w)
		if err != nil {
			continue
		}
		if r.unsupported[insn.Mnemonic] {
			return fmt.Errorf("word %d: unsupported instruction %s", i, insn.Mnemonic)
		}
	}
	return nil
}

func (r *Reference) Execute(ctx context.Context, words []uint32, budget uint64) (*Report, error) {
	rep, err := r.execute(ctx, words, budget, "")
	if err != nil {
		return nil, err
	}
	return rep.Report, nil
}

func (r *Reference) InjectionFor(bucketID string) (string, bool) {
	kind, ok := referenceInjections[bucketID]
	return kind, ok
}

// Injections returns the bucket id to injection kind mapping.
func (r *Reference) Injections() map[string]string {
	return maps.Clone(referenceInjections)
}

func (r *Reference) Inject(ctx context.Context, bucketID string, words []uint32, budget uint64) (*InjectionReport, error) {
	kind, ok := r.InjectionFor(bucketID)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrInjectionNotSupported, bucketID)
	}
	out := &InjectionReport{Kind: kind, BucketID: bucketID}
	if r.constrained[kind] {
		// the perturbed witness is rejected; report the honest execution
		rep, err := r.execute(ctx, words, budget, "")
		if err != nil {
			return nil, err
		}
		out.Report = *rep.Report
		return out, nil
	}
	rep, err := r.execute(ctx, words, budget, kind)
	if err != nil {
		return nil, err
	}
	out.Report = *rep.Report
	out.Accepted = rep.injected
	return out, nil
}

type refReport struct {
	*Report
	injected bool
}

func (r *Reference) execute(ctx context.Context, words []uint32, budget uint64, inject string) (*refReport, error) {
	if r.cfg.Delay > 0 {
		select {
		case <-time.After(r.cfg.Delay):
		case <-ctx.Done():
			return nil, fmt.Errorf("reference backend timed out: %w", ctx.Err())
		}
	}
	for i, w := range words {
		if insn, err := rv32.Decode(w); err == nil && r.unsupported[insn.Mnemonic] {
			return &refReport{Report: &Report{
				BucketHits: inputBuckets(words),
				Err:        fmt.Sprintf("unsupported instruction %s at word %d", insn.Mnemonic, i),
			}}, nil
		}
	}

	mcfg := r.cfg.Machine
	mcfg.X0Writable = r.cfg.X0Writable || inject == InjectX0WriteLeak
	m, err := rv32.NewMachine(words, mcfg)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	rec := &bucketRecorder{hits: inputBuckets(words)}
	m.SetTracer(rec)
	injected := false
	m.SetPerturb(func(ev *rv32.StepEvent, v uint32) uint32 {
		if r.cfg.DivByZeroZero && ev.Rs2Value == 0 && (ev.Insn.Mnemonic == "div" || ev.Insn.Mnemonic == "divu") {
			v = 0
		}
		if pv, ok := perturbWitness(inject, ev, v); ok {
			injected = true
			v = pv
		}
		return v
	})

	var res *rv32.Result
	for limit := uint64(0); limit < budget; {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("reference backend timed out: %w", err)
		}
		limit = min(limit+ctxCheckInterval, budget)
		res = m.Run(limit)
		if res.Halt != rv32.HaltBudget {
			break
		}
	}
	if res == nil {
		res = m.Run(0)
	}
	if res.Fault != nil {
		switch res.Fault.Kind {
		case rv32.FaultMisalignedAccess:
			rec.add(BucketMemUnaligned, map[string]any{"addr": res.Fault.Addr})
		case rv32.FaultLoadAccess, rv32.FaultStoreAccess:
			rec.add(BucketMemFault, map[string]any{"addr": res.Fault.Addr})
		}
	}

	s := m.State()
	regs := s.Registers
	pc := s.PC
	rep := &Report{
		Final: &State{
			Regs:   &regs,
			PC:     &pc,
			Memory: s.Memory.NonZero(),
		},
		BucketHits:   rec.hits,
		MicroOpCount: res.Steps,
	}
	if inject == InjectX0WriteLeak {
		// the leak only counts once x0 actually held a value
		injected = regs[riscv.RegZero] != 0
	}
	return &refReport{Report: rep, injected: injected}, nil
}

// perturbWitness returns the injected value for kind at ev, if the step is a target.
func perturbWitness(kind string, ev *rv32.StepEvent, v uint32) (uint32, bool) {
	insn := ev.Insn
	switch kind {
	case InjectAuipcPCOffset:
		if insn.Mnemonic == "auipc" {
			return v + 4, true
		}
	case InjectDivRemSpecial:
		if insn.IsDivRem() && (ev.Rs2Value == 0 || isDivOverflow(insn, ev) || insn.Rs1 == insn.Rs2) {
			return v ^ 1, true
		}
	case InjectLoadStoreImmSgn:
		if insn.Class == rv32.ClassLoad && insn.Imm != 0 {
			return v ^ 0x80000000, true
		}
	}
	return v, false
}

func isDivOverflow(insn rv32.Instruction, ev *rv32.StepEvent) bool {
	return (insn.Mnemonic == "div" || insn.Mnemonic == "rem") && ev.Rs1Value == 0x80000000 && ev.Rs2Value == 0xFFFFFFFF
}

func inputBuckets(words []uint32) []trace.BucketHit {
	var ecall, csr, fence, unknown bool
	for _, w := range words {
		insn, err := rv32.Decode(w)
		if err != nil {
			unknown = true
			continue
		}
		switch insn.Class {
		case rv32.ClassSystem:
			if insn.Terminates() {
				ecall = true
			} else {
				fence = true
			}
		case rv32.ClassCSR, rv32.ClassCSRImm:
			csr = true
		}
	}
	var hits []trace.BucketHit
	if ecall {
		hits = append(hits, trace.BucketHit{BucketID: BucketInputHasEcall})
	}
	if csr {
		hits = append(hits, trace.BucketHit{BucketID: BucketInputHasCSR})
	}
	if fence {
		hits = append(hits, trace.BucketHit{BucketID: BucketInputHasFence})
	}
	if unknown {
		hits = append(hits, trace.BucketHit{BucketID: BucketInputUnknown})
	}
	return hits
}

type bucketRecorder struct {
	hits []trace.BucketHit
}

func (b *bucketRecorder) add(id string, details map[string]any) {
	b.hits = append(b.hits, trace.BucketHit{BucketID: id, Details: details})
}

func (b *bucketRecorder) OnStep(ev *rv32.StepEvent) {
	insn := ev.Insn
	at := map[string]any{"pc": ev.PC, "mnemonic": insn.Mnemonic}

	if insn.HasRd() && insn.Rd == 0 {
		b.add(BucketWriteX0, at)
	}
	if insn.HasRs1() && insn.Rs1 == 0 {
		b.add(BucketReadRs1X0, at)
	}
	if insn.HasRs2() && insn.Rs2 == 0 {
		b.add(BucketReadRs2X0, at)
	}
	if insn.HasRd() && insn.HasRs1() && insn.Rd == insn.Rs1 {
		b.add(BucketAliasRdRs1, at)
	}
	if insn.HasRd() && insn.HasRs2() && insn.Rd == insn.Rs2 {
		b.add(BucketAliasRdRs2, at)
	}
	if insn.HasRs1() && insn.HasRs2() && insn.Rs1 == insn.Rs2 {
		b.add(BucketAliasRs1Rs2, at)
	}

	if insn.HasImm() {
		switch insn.Imm {
		case 0:
			b.add(BucketImmZero, at)
		case -1:
			b.add(BucketImmMinusOne, at)
		}
		if insn.Format() == rv32.FormatI || insn.Format() == rv32.FormatS {
			switch insn.Imm {
			case -2048:
				b.add(BucketImmMin, at)
			case 2047:
				b.add(BucketImmMax, at)
			}
		}
		if insn.Imm < 0 {
			b.add(BucketImmNegative, at)
		}
	}

	switch {
	case insn.IsDivRem():
		if ev.Rs2Value == 0 {
			b.add(BucketDivByZero, at)
		}
		if isDivOverflow(insn, ev) {
			b.add(BucketDivOverflow, at)
		}
		if insn.Rs1 == insn.Rs2 {
			b.add(BucketDivRs1EqRs2, at)
		}
	case insn.Class == rv32.ClassBranch:
		if ev.NextPC != ev.PC+4 {
			b.add(BucketBranchTaken, at)
		} else {
			b.add(BucketBranchNot, at)
		}
		if insn.Imm < 0 {
			b.add(BucketBranchBack, at)
		}
	case insn.Mnemonic == "auipc":
		b.add(BucketAuipc, at)
	case insn.Terminates():
		b.add(BucketTerminate, at)
	}

	if ev.MemAccess {
		b.add(BucketMemAccess, map[string]any{"pc": ev.PC, "addr": ev.MemAddr})
		if ev.MemAddr == 0 {
			b.add(BucketMemPtrZero, at)
		}
	}
}

// BucketIDs lists every bucket id the reference backend can emit.
func BucketIDs() []string {
	ids := []string{
		BucketInputHasEcall, BucketInputHasCSR, BucketInputHasFence, BucketInputUnknown,
		BucketWriteX0, BucketReadRs1X0, BucketReadRs2X0,
		BucketAliasRdRs1, BucketAliasRdRs2, BucketAliasRs1Rs2,
		BucketImmZero, BucketImmMinusOne, BucketImmMin, BucketImmMax, BucketImmNegative,
		BucketDivByZero, BucketDivOverflow, BucketDivRs1EqRs2,
		BucketBranchTaken, BucketBranchNot, BucketBranchBack,
		BucketAuipc,
		BucketMemAccess, BucketMemPtrZero, BucketMemUnaligned, BucketMemFault,
		BucketTerminate,
	}
	slices.Sort(ids)
	return ids
}
