package backend

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/zkfuzz/beak/rv32"
	"github.com/zkfuzz/beak/trace"
)

var (
	sumProgram = []uint32{0x00100513, 0x00200593, 0x00b50633}
	x0Program  = []uint32{0x12345017, 0x00000533}
)

func newReference(t *testing.T, cfg ReferenceConfig) *Reference {
	if cfg.Machine == (rv32.Config{}) {
		cfg.Machine = rv32.DefaultConfig()
	}
	r, err := NewReference(cfg)
	require.NoError(t, err)
	return r
}

func asm(t *testing.T, src string) []uint32 {
	words, err := rv32.AssembleProgram(src)
	require.NoError(t, err)
	return words
}

func hitIDs(hits []trace.BucketHit) []string {
	return trace.Canonicalize(hits).IDs()
}

func TestReferenceMatchesOracle(t *testing.T) {
	programs := map[string][]uint32{
		"sum":   sumProgram,
		"x0":    x0Program,
		"div":   asm(t, "addi a0, zero, 7; div a1, a0, zero; rem a2, a0, zero"),
		"store": asm(t, "addi a0, zero, 5; sw a0, 0(zero); lw a1, 0(zero)"),
		"ecall": asm(t, "addi a0, zero, 1; ecall; addi a0, zero, 2"),
		"undecodable": {0x00100513, 0xffffffff, 0x00200593},
	}
	ref := newReference(t, ReferenceConfig{})
	for name, words := range programs {
		t.Run(name, func(t *testing.T) {
			want, err := rv32.Execute(words, rv32.DefaultBudget)
			require.NoError(t, err)
			rep, err := ref.Execute(context.Background(), words, rv32.DefaultBudget)
			require.NoError(t, err)
			require.Empty(t, rep.Err)
			require.NotNil(t, rep.Final)
			require.Equal(t, want.State.Registers, *rep.Final.Regs)
			require.Equal(t, want.State.PC, *rep.Final.PC)
			require.Equal(t, want.State.Memory.NonZero(), rep.Final.Memory)
			require.Equal(t, want.Steps, rep.MicroOpCount)
		})
	}
}

func TestReferenceX0Writable(t *testing.T) {
	ref := newReference(t, ReferenceConfig{X0Writable: true})
	rep, err := ref.Execute(context.Background(), x0Program, rv32.DefaultBudget)
	require.NoError(t, err)
	require.Equal(t, uint32(0x12345000), rep.Final.Regs[0])
	require.Equal(t, uint32(0x2468a000), rep.Final.Regs[10])

	ids := hitIDs(rep.BucketHits)
	require.Contains(t, ids, BucketWriteX0)
	require.Contains(t, ids, BucketAuipc)
	require.Contains(t, ids, BucketReadRs1X0)
	require.Contains(t, ids, BucketReadRs2X0)
	require.Contains(t, ids, BucketAliasRs1Rs2)
}

func TestReferenceDivByZeroZero(t *testing.T) {
	words := asm(t, "addi a0, zero, 7; div a1, a0, zero; divu a2, a0, zero; rem a3, a0, zero")
	ref := newReference(t, ReferenceConfig{DivByZeroZero: true})
	rep, err := ref.Execute(context.Background(), words, rv32.DefaultBudget)
	require.NoError(t, err)
	require.Equal(t, uint32(0), rep.Final.Regs[11])
	require.Equal(t, uint32(0), rep.Final.Regs[12])
	require.Equal(t, uint32(7), rep.Final.Regs[13], "rem is unaffected")
	require.Contains(t, hitIDs(rep.BucketHits), BucketDivByZero)
}

func TestReferenceBuckets(t *testing.T) {
	tests := []struct {
		name string
		src  string
		want []string
	}{
		{"imm zero", "addi a0, a1, 0", []string{BucketImmZero}},
		{"imm minus one", "addi a0, a1, -1", []string{BucketImmMinusOne, BucketImmNegative}},
		{"imm bounds", "addi a0, a1, -2048; addi a0, a1, 2047", []string{BucketImmMin, BucketImmMax}},
		{"alias", "add a0, a0, a1; add a1, a2, a1", []string{BucketAliasRdRs1, BucketAliasRdRs2}},
		{"branch taken", "beq zero, zero, 8; addi a0, zero, 1; addi a1, zero, 1", []string{BucketBranchTaken, BucketAliasRs1Rs2}},
		{"branch not taken", "addi a0, zero, 1; bne a0, a0, 8", []string{BucketBranchNot}},
		{"overflow", "lui a0, 0x80000; addi a1, zero, -1; div a2, a0, a1", []string{BucketDivOverflow}},
		{"div rs1 eq rs2", "addi a0, zero, 3; rem a1, a0, a0", []string{BucketDivRs1EqRs2}},
		{"mem zero ptr", "lw a0, 0(zero)", []string{BucketMemAccess, BucketMemPtrZero}},
		{"mem unaligned", "lw a0, 2(zero)", []string{BucketMemUnaligned}},
		{"mem fault", "lui a1, 1; lw a0, 0(a1)", []string{BucketMemFault}},
		{"terminate", "ecall", []string{BucketTerminate, BucketInputHasEcall}},
		{"fence", "fence", []string{BucketInputHasFence}},
		{"csr", "csrrs a0, 0xc00, zero", []string{BucketInputHasCSR}},
	}
	ref := newReference(t, ReferenceConfig{})
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rep, err := ref.Execute(context.Background(), asm(t, tt.src), rv32.DefaultBudget)
			require.NoError(t, err)
			ids := hitIDs(rep.BucketHits)
			for _, id := range tt.want {
				require.Contains(t, ids, id)
			}
			for _, id := range ids {
				require.Contains(t, BucketIDs(), id, "undeclared bucket id")
			}
		})
	}
}

func TestReferenceUndecodableWord(t *testing.T) {
	ref := newReference(t, ReferenceConfig{})
	rep, err := ref.Execute(context.Background(), []uint32{0xffffffff, 0x00100513}, rv32.DefaultBudget)
	require.NoError(t, err)
	require.Empty(t, rep.Err)
	require.Contains(t, hitIDs(rep.BucketHits), BucketInputUnknown)
	require.Equal(t, uint32(1), rep.Final.Regs[10])
	require.Equal(t, uint32(8), *rep.Final.PC)
}

func TestReferenceUnsupported(t *testing.T) {
	ref := newReference(t, ReferenceConfig{Unsupported: []string{"fence"}})
	words := asm(t, "addi a0, zero, 1; fence")

	require.ErrorContains(t, ref.UsableSeed(words), "unsupported instruction fence")
	require.Error(t, ref.UsableSeed(nil))
	require.NoError(t, ref.UsableSeed([]uint32{0xffffffff}), "undecodable words run as no-ops")
	require.NoError(t, ref.UsableSeed(sumProgram))

	rep, err := ref.Execute(context.Background(), words, rv32.DefaultBudget)
	require.NoError(t, err)
	require.Nil(t, rep.Final)
	require.Contains(t, rep.Err, "unsupported instruction fence at word 1")
}

func TestReferenceInject(t *testing.T) {
	ctx := context.Background()
	auipc := asm(t, "auipc a0, 1")

	t.Run("not supported", func(t *testing.T) {
		ref := newReference(t, ReferenceConfig{})
		_, ok := ref.InjectionFor(BucketImmZero)
		require.False(t, ok)
		_, err := ref.Inject(ctx, BucketImmZero, auipc, rv32.DefaultBudget)
		require.ErrorIs(t, err, ErrInjectionNotSupported)
	})

	t.Run("accepted", func(t *testing.T) {
		ref := newReference(t, ReferenceConfig{})
		rep, err := ref.Inject(ctx, BucketAuipc, auipc, rv32.DefaultBudget)
		require.NoError(t, err)
		require.Equal(t, InjectAuipcPCOffset, rep.Kind)
		require.Equal(t, BucketAuipc, rep.BucketID)
		require.True(t, rep.Accepted)
		require.Equal(t, uint32(0x1004), rep.Final.Regs[10])
	})

	t.Run("constrained", func(t *testing.T) {
		ref := newReference(t, ReferenceConfig{Constrained: []string{InjectAuipcPCOffset}})
		rep, err := ref.Inject(ctx, BucketAuipc, auipc, rv32.DefaultBudget)
		require.NoError(t, err)
		require.False(t, rep.Accepted)
		require.Equal(t, uint32(0x1000), rep.Final.Regs[10])
	})

	t.Run("x0 leak", func(t *testing.T) {
		ref := newReference(t, ReferenceConfig{})
		rep, err := ref.Inject(ctx, BucketWriteX0, x0Program, rv32.DefaultBudget)
		require.NoError(t, err)
		require.True(t, rep.Accepted)
		require.Equal(t, uint32(0x12345000), rep.Final.Regs[0])

		rep, err = ref.Inject(ctx, BucketWriteX0, sumProgram, rv32.DefaultBudget)
		require.NoError(t, err)
		require.False(t, rep.Accepted, "no write to x0 to leak")
	})

	t.Run("divrem", func(t *testing.T) {
		ref := newReference(t, ReferenceConfig{})
		words := asm(t, "addi a0, zero, 7; div a1, a0, zero")
		for _, bucket := range []string{BucketDivByZero, BucketDivOverflow, BucketDivRs1EqRs2} {
			kind, ok := ref.InjectionFor(bucket)
			require.True(t, ok)
			require.Equal(t, InjectDivRemSpecial, kind)
		}
		rep, err := ref.Inject(ctx, BucketDivByZero, words, rv32.DefaultBudget)
		require.NoError(t, err)
		require.True(t, rep.Accepted)
		require.Equal(t, uint32(0xfffffffe), rep.Final.Regs[11])
	})
}

func TestReferenceContext(t *testing.T) {
	ref := newReference(t, ReferenceConfig{Delay: time.Second})
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := ref.Execute(ctx, sumProgram, rv32.DefaultBudget)
	require.True(t, errors.Is(err, context.DeadlineExceeded))
	require.ErrorContains(t, err, "timed out")
}

func TestReferenceLongRun(t *testing.T) {
	// an infinite loop is bounded by the budget, across context checks
	words := asm(t, "addi a0, a0, 1; jal zero, -4")
	ref := newReference(t, ReferenceConfig{})
	rep, err := ref.Execute(context.Background(), words, 10_000)
	require.NoError(t, err)
	require.Equal(t, uint64(10_000), rep.MicroOpCount)
	require.Equal(t, uint32(5_000), rep.Final.Regs[10])
}
