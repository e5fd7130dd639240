package mutate

import (
	"math/rand"

	"github.com/zkfuzz/beak/corpus"
	"github.com/zkfuzz/beak/riscv"
	"github.com/zkfuzz/beak/rv32"
)

// synthMnemonics are the instructions used to build programs from scratch.
// Control flow and memory access are left to mutation.
var synthMnemonics = []string{
	"lui", "auipc",
	"addi", "slti", "sltiu", "xori", "ori", "andi", "slli", "srli", "srai",
	"add", "sub", "sll", "slt", "sltu", "xor", "srl", "sra", "or", "and",
	"mul", "mulh", "mulhsu", "mulhu", "div", "divu", "rem", "remu",
}

// Synthesize generates a random straight-line program of 1 to maxLen
// instructions. It is the fallback when the corpus is empty.
func Synthesize(rng *rand.Rand, maxLen int) corpus.Program {
	if maxLen <= 0 || maxLen > MaxProgramLen {
		maxLen = MaxProgramLen
	}
	n := 1 + rng.Intn(min(maxLen, 8))
	out := make(corpus.Program, 0, n)
	for len(out) < n {
		out = append(out, RandomInstruction(rng))
	}
	return out
}

// RandomInstruction encodes a random non-control-flow RV32IM instruction.
func RandomInstruction(rng *rand.Rand) uint32 {
	mnemonic := synthMnemonics[rng.Intn(len(synthMnemonics))]
	f := rv32.Fields{
		Rd:  uint8(rng.Intn(riscv.RegCount)),
		Rs1: uint8(rng.Intn(riscv.RegCount)),
		Rs2: uint8(rng.Intn(riscv.RegCount)),
	}
	switch mnemonic {
	case "lui", "auipc":
		f.Imm = int32(rng.Intn(1 << 20))
	case "slli", "srli", "srai":
		f.Imm = int32(rng.Intn(32))
	default:
		f.Imm = int32(rng.Intn(4096)) - 2048
	}
	insn, err := rv32.Encode(mnemonic, f)
	if err != nil {
		panic(err) // operands are always in range
	}
	return insn.Word
}
