package rv32

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAssemble(t *testing.T) {
	cases := []struct {
		line string
		word uint32
	}{
		{"addi a0, zero, 1", 0x00100513},
		{"addi a1, x0, 2", 0x00200593},
		{"add a2, a0, a1", 0x00b50633},
		{"auipc zero, 0x12345", 0x12345017},
		{"add a0, zero, zero", 0x00000533},
		{"lw a0, 0(zero)", 0x00002503},
		{"lw a1, sp, 4", 0x00412583},
		{"sw a0, 4(sp)", 0x00a12223},
		{"jal zero, 0", 0x0000006f},
		{"ecall", 0x00000073},
		{"  ADDI\ta0, zero, -1  # all ones", 0xfff00513},
	}
	for _, c := range cases {
		t.Run(c.line, func(t *testing.T) {
			insn, err := Assemble(c.line)
			require.NoError(t, err)
			require.Equal(t, c.word, insn.Word)
		})
	}
}

func TestAssembleErrors(t *testing.T) {
	_, err := Assemble("foo a0")
	require.ErrorIs(t, err, ErrUnknownMnemonic)
	_, err = Assemble("addi a0, a0")
	require.ErrorIs(t, err, ErrInvalidOperand)
	_, err = Assemble("addi q0, a0, 1")
	require.ErrorIs(t, err, ErrInvalidOperand)
	_, err = Assemble("lw a0, 4[sp]")
	require.ErrorIs(t, err, ErrInvalidOperand)
}

func TestAssembleProgram(t *testing.T) {
	words, err := AssembleProgram(`
		# sum
		addi a0, zero, 1; addi a1, zero, 2
		add a2, a0, a1
	`)
	require.NoError(t, err)
	require.Equal(t, []uint32{0x00100513, 0x00200593, 0x00b50633}, words)

	_, err = AssembleProgram("addi a0, zero, 1\nbogus")
	require.ErrorContains(t, err, "line 2")
}

func TestDisassembleRoundTrip(t *testing.T) {
	for _, w := range []uint32{
		0x00100513, 0x00b50633, 0x12345017, 0x800002b7, 0x00002503, 0x00a12223,
		0x0000006f, 0xfe050ee3, 0x00008067, 0x40b50633, 0x02b50633, 0x4015d593,
		0x30051573, 0x3402d073, 0x00000073, 0x0ff0000f,
	} {
		insn, err := Decode(w)
		require.NoError(t, err)
		t.Run(insn.String(), func(t *testing.T) {
			out, err := Assemble(insn.String())
			require.NoError(t, err)
			require.Equal(t, w, out.Word)
		})
	}
}
