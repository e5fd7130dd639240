package mutate

import (
	"math/rand"

	"github.com/zkfuzz/beak/corpus"
	"github.com/zkfuzz/beak/riscv"
	"github.com/zkfuzz/beak/rv32"
)

const (
	OpBitFlip   = "bit_flip"
	OpSplice    = "splice"
	OpInsert    = "insert"
	OpDelete    = "delete"
	OpRegisters = "registers"
	OpConstants = "constants"
)

// constantPool holds the immediates the constants operator swaps in.
var constantPool = []int32{0, 1, -1, 2, 4, 8, 16, 32, 127, -128}

var insertMnemonics = []string{"addi", "xori", "ori", "andi", "slli", "srli"}

// Default returns the standard operator set.
func Default() *Registry {
	r, err := NewRegistry(
		NewOperator(OpBitFlip, bitFlip),
		NewOperator(OpSplice, splice),
		NewOperator(OpInsert, insert),
		NewOperator(OpDelete, deleteWord),
		NewOperator(OpRegisters, registers),
		NewOperator(OpConstants, constants),
	)
	if err != nil {
		panic(err) // names above are unique
	}
	return r
}

func bitFlip(ctx *Context, base corpus.Program) []corpus.Program {
	out := base.Clone()
	if len(out) > 0 {
		out[ctx.Rand.Intn(len(out))] ^= 1 << uint(ctx.Rand.Intn(32))
	}
	return []corpus.Program{out}
}

// splice crosses base with a donor at random cut points and returns both
// children. Without a donor the base is crossed with itself.
func splice(ctx *Context, base corpus.Program) []corpus.Program {
	donor := base
	if ctx.Donor != nil {
		if d, ok := ctx.Donor(); ok && len(d) > 0 {
			donor = d
		}
	}
	if len(base) == 0 || len(donor) == 0 {
		return []corpus.Program{base.Clone()}
	}
	cutA := ctx.Rand.Intn(len(base))
	cutB := ctx.Rand.Intn(len(donor))
	var out []corpus.Program
	for _, child := range []corpus.Program{
		append(base[:cutA:cutA], donor[cutB:]...),
		append(donor[:cutB:cutB], base[cutA:]...),
	} {
		if len(child) > 0 {
			out = append(out, child)
		}
	}
	if len(out) == 0 {
		out = append(out, base.Clone())
	}
	return out
}

func insert(ctx *Context, base corpus.Program) []corpus.Program {
	if len(base) >= ctx.limit() {
		return []corpus.Program{base.Clone()}
	}
	word := RandomSmallInstruction(ctx.Rand)
	pos := ctx.Rand.Intn(len(base) + 1)
	out := make(corpus.Program, 0, len(base)+1)
	out = append(out, base[:pos]...)
	out = append(out, word)
	out = append(out, base[pos:]...)
	return []corpus.Program{out}
}

func deleteWord(ctx *Context, base corpus.Program) []corpus.Program {
	out := base.Clone()
	if len(out) > 1 {
		pos := ctx.Rand.Intn(len(out))
		out = append(out[:pos], out[pos+1:]...)
	}
	return []corpus.Program{out}
}

// registers re-encodes one instruction with a different rd, rs1 or rs2.
func registers(ctx *Context, base corpus.Program) []corpus.Program {
	out := base.Clone()
	if len(out) == 0 {
		return []corpus.Program{out}
	}
	idx := ctx.Rand.Intn(len(out))
	insn, err := rv32.Decode(out[idx])
	if err != nil {
		return []corpus.Program{out}
	}
	f := insn.Fields()
	reg := uint8(ctx.Rand.Intn(riscv.RegCount))
	switch ctx.Rand.Intn(3) {
	case 0:
		if insn.HasRd() {
			f.Rd = reg
		}
	case 1:
		if insn.HasRs1() {
			f.Rs1 = reg
		}
	default:
		if insn.HasRs2() {
			f.Rs2 = reg
		}
	}
	if next, err := insn.With(f); err == nil {
		out[idx] = next.Word
	}
	return []corpus.Program{out}
}

// constants swaps one immediate for a boundary value from the pool.
func constants(ctx *Context, base corpus.Program) []corpus.Program {
	out := base.Clone()
	if len(out) == 0 {
		return []corpus.Program{out}
	}
	idx := ctx.Rand.Intn(len(out))
	insn, err := rv32.Decode(out[idx])
	if err != nil || !insn.HasImm() {
		return []corpus.Program{out}
	}
	imm := constantPool[ctx.Rand.Intn(len(constantPool))]
	if imm == insn.Imm {
		return []corpus.Program{out}
	}
	f := insn.Fields()
	f.Imm = imm
	if next, err := insn.With(f); err == nil {
		out[idx] = next.Word
	}
	return []corpus.Program{out}
}

// RandomSmallInstruction returns an ALU-immediate instruction with a small
// immediate, the shape used for insertion.
func RandomSmallInstruction(rng *rand.Rand) uint32 {
	mnemonic := insertMnemonics[rng.Intn(len(insertMnemonics))]
	f := rv32.Fields{
		Rd:  uint8(rng.Intn(riscv.RegCount)),
		Rs1: uint8(rng.Intn(riscv.RegCount)),
		Imm: int32(rng.Intn(64)) - 32,
	}
	if mnemonic == "slli" || mnemonic == "srli" {
		f.Imm = int32(rng.Intn(32))
	}
	insn, err := rv32.Encode(mnemonic, f)
	if err != nil {
		panic(err) // operands are always in range
	}
	return insn.Word
}
