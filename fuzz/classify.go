package fuzz

import (
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	"github.com/zkfuzz/beak/backend"
	"github.com/zkfuzz/beak/corpus"
	"github.com/zkfuzz/beak/riscv"
	"github.com/zkfuzz/beak/rv32"
)

type Verdict string

const (
	VerdictMatch        Verdict = "match"
	VerdictMismatch     Verdict = "mismatch"
	VerdictUndetermined Verdict = "undetermined"
)

// Comparison is the field-by-field diff of oracle and backend state.
type Comparison struct {
	Verdict Verdict
	Regs    []corpus.MismatchReg
	PC      bool
	// Mem holds the differing byte addresses, sorted.
	Mem []uint32
}

// Compare diffs the oracle's final state against what the backend reported.
// Without backend registers the result is undetermined. PC and memory are
// compared only when reported.
func Compare(oracle *rv32.ArchState, final *backend.State) Comparison {
	if oracle == nil || final == nil || final.Regs == nil {
		return Comparison{Verdict: VerdictUndetermined}
	}
	var out Comparison
	for i := 0; i < riscv.RegCount; i++ {
		want := oracle.Reg(uint32(i))
		got := final.Regs[i]
		if want != got {
			out.Regs = append(out.Regs, corpus.MismatchReg{Idx: i, Oracle: want, Backend: got})
		}
	}
	if final.PC != nil && *final.PC != oracle.PC {
		out.PC = true
	}
	if final.Memory != nil {
		want := oracle.Memory.NonZero()
		addrs := make(map[uint32]struct{}, len(want)+len(final.Memory))
		for a := range want {
			addrs[a] = struct{}{}
		}
		for a := range final.Memory {
			addrs[a] = struct{}{}
		}
		keys := maps.Keys(addrs)
		slices.Sort(keys)
		for _, a := range keys {
			if want[a] != final.Memory[a] {
				out.Mem = append(out.Mem, a)
			}
		}
	}
	if len(out.Regs) > 0 || out.PC || len(out.Mem) > 0 {
		out.Verdict = VerdictMismatch
	} else {
		out.Verdict = VerdictMatch
	}
	return out
}
