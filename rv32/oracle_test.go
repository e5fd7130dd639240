package rv32

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func assemble(t require.TestingT, src string) []uint32 {
	words, err := AssembleProgram(src)
	require.NoError(t, err)
	return words
}

func run(t *testing.T, cfg Config, words []uint32, budget uint64) *Result {
	o, err := NewOracle(cfg)
	require.NoError(t, err)
	res, err := o.Execute(words, budget)
	require.NoError(t, err)
	return res
}

func splitConfig() Config {
	cfg := DefaultConfig()
	cfg.MemoryModel = SplitCodeData
	return cfg
}

func TestOracleSum(t *testing.T) {
	res, err := Execute([]uint32{0x00100513, 0x00200593, 0x00b50633}, DefaultBudget)
	require.NoError(t, err)
	require.Equal(t, HaltEndOfCode, res.Halt)
	require.Equal(t, uint64(3), res.Steps)
	require.Equal(t, uint32(1), res.State.Reg(10))
	require.Equal(t, uint32(2), res.State.Reg(11))
	require.Equal(t, uint32(3), res.State.Reg(12))
	require.Equal(t, uint32(12), res.State.PC)
}

func TestOracleRegisterZero(t *testing.T) {
	words := []uint32{0x12345017, 0x00000533}
	res, err := Execute(words, DefaultBudget)
	require.NoError(t, err)
	require.Equal(t, uint32(0), res.State.Registers[0])
	require.Equal(t, uint32(0), res.State.Reg(10))

	t.Run("writable x0 diverges", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.X0Writable = true
		m, err := NewMachine(words, cfg)
		require.NoError(t, err)
		out := m.Run(DefaultBudget)
		require.Equal(t, uint32(0x12345000), out.State.Registers[0])
		require.Equal(t, uint32(0x2468a000), out.State.Registers[10])
		require.NotEqual(t, res.State.Digest(), out.State.Digest())
	})
	t.Run("oracle ignores writable flag", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.X0Writable = true
		o, err := NewOracle(cfg)
		require.NoError(t, err)
		require.False(t, o.Config().X0Writable)
		out, err := o.Execute(words, DefaultBudget)
		require.NoError(t, err)
		require.Equal(t, res.State.Digest(), out.State.Digest())
	})
}

func TestOracleDeterminism(t *testing.T) {
	words := assemble(t, `
		lui a0, 0x80000
		addi a1, zero, -1
		mulh a2, a0, a1
		mulhu a3, a1, a1
		sltu a4, a0, a1
		sw a1, 0(zero)
	`)
	a := run(t, splitConfig(), words, DefaultBudget)
	b := run(t, splitConfig(), words, DefaultBudget)
	require.Equal(t, a.State.Digest(), b.State.Digest())
	require.Equal(t, a.State.Registers, b.State.Registers)
}

func TestOracleArithmetic(t *testing.T) {
	cases := []struct {
		name string
		src  string
		reg  uint32
		want uint32
	}{
		{"div by zero", "addi a0, zero, 7; div a1, a0, zero", 11, 0xFFFF_FFFF},
		{"divu by zero", "addi a0, zero, 7; divu a1, a0, zero", 11, 0xFFFF_FFFF},
		{"rem by zero", "addi a0, zero, 7; rem a1, a0, zero", 11, 7},
		{"remu by zero", "addi a0, zero, -7; remu a1, a0, zero", 11, 0xFFFF_FFF9},
		{"div overflow", "lui a0, 0x80000; addi a1, zero, -1; div a2, a0, a1", 12, 0x8000_0000},
		{"rem overflow", "lui a0, 0x80000; addi a1, zero, -1; rem a2, a0, a1", 12, 0},
		{"div signed", "addi a0, zero, -7; addi a1, zero, 2; div a2, a0, a1", 12, 0xFFFF_FFFD},
		{"rem signed", "addi a0, zero, -7; addi a1, zero, 2; rem a2, a0, a1", 12, 0xFFFF_FFFF},
		{"mulh", "addi a0, zero, -1; mulh a1, a0, a0", 11, 0},
		{"mulhu", "addi a0, zero, -1; mulhu a1, a0, a0", 11, 0xFFFF_FFFE},
		{"mulhsu", "addi a0, zero, -1; mulhsu a1, a0, a0", 11, 0xFFFF_FFFF},
		{"mul", "addi a0, zero, -3; addi a1, zero, 5; mul a2, a0, a1", 12, 0xFFFF_FFF1},
		{"sra", "addi a0, zero, -16; addi a1, zero, 2; sra a2, a0, a1", 12, 0xFFFF_FFFC},
		{"srl", "addi a0, zero, -16; srli a2, a0, 28", 12, 0xF},
		{"sll masks shamt", "addi a0, zero, 1; addi a1, zero, 33; sll a2, a0, a1", 12, 2},
		{"slt", "addi a0, zero, -1; slti a1, a0, 0", 11, 1},
		{"sltiu", "addi a0, zero, 1; sltiu a1, a0, -1", 11, 1},
		{"xori", "addi a0, zero, 5; xori a1, a0, -1", 11, 0xFFFF_FFFA},
		{"auipc", "addi zero, zero, 0; auipc a0, 1", 10, 0x1004},
		{"lui", "lui a0, 0xfffff", 10, 0xFFFF_F000},
		{"sub", "addi a0, zero, 1; sub a1, zero, a0", 11, 0xFFFF_FFFF},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			res := run(t, DefaultConfig(), assemble(t, c.src), DefaultBudget)
			require.Equal(t, HaltEndOfCode, res.Halt)
			require.Equal(t, c.want, res.State.Reg(c.reg))
		})
	}
}

func TestOracleControlFlow(t *testing.T) {
	t.Run("branch skips", func(t *testing.T) {
		res := run(t, DefaultConfig(), assemble(t, `
			beq zero, zero, 8
			addi a0, zero, 1
			addi a1, zero, 2
		`), DefaultBudget)
		require.Equal(t, uint32(0), res.State.Reg(10))
		require.Equal(t, uint32(2), res.State.Reg(11))
		require.Equal(t, uint64(2), res.Steps)
	})
	t.Run("jal links", func(t *testing.T) {
		res := run(t, DefaultConfig(), assemble(t, `
			jal ra, 8
			addi a0, zero, 1
			addi a1, zero, 2
		`), DefaultBudget)
		require.Equal(t, uint32(4), res.State.Reg(1))
		require.Equal(t, uint32(0), res.State.Reg(10))
	})
	t.Run("jalr clears low bit", func(t *testing.T) {
		res := run(t, DefaultConfig(), assemble(t, `
			addi t0, zero, 13
			jalr ra, 0(t0)
			addi a0, zero, 1
			addi a1, zero, 2
		`), DefaultBudget)
		require.Equal(t, uint32(8), res.State.Reg(1))
		require.Equal(t, uint32(0), res.State.Reg(10))
		require.Equal(t, uint32(2), res.State.Reg(11))
	})
	t.Run("budget", func(t *testing.T) {
		res := run(t, DefaultConfig(), []uint32{0x0000006f}, 10)
		require.Equal(t, HaltBudget, res.Halt)
		require.Equal(t, uint64(10), res.Steps)
	})
	t.Run("ecall terminates", func(t *testing.T) {
		res := run(t, DefaultConfig(), assemble(t, "addi a0, zero, 5; ecall; addi a0, zero, 6"), DefaultBudget)
		require.Equal(t, HaltTerminated, res.Halt)
		require.Equal(t, uint64(2), res.Steps)
		require.Equal(t, uint32(5), res.State.Reg(10))
		require.Equal(t, uint32(4), res.State.PC)
	})
	t.Run("ebreak on last budget step", func(t *testing.T) {
		res := run(t, DefaultConfig(), assemble(t, "addi a0, zero, 5; ebreak"), 2)
		require.Equal(t, HaltTerminated, res.Halt)
	})
	t.Run("empty program", func(t *testing.T) {
		res := run(t, DefaultConfig(), nil, DefaultBudget)
		require.Equal(t, HaltEndOfCode, res.Halt)
		require.Equal(t, uint64(0), res.Steps)
	})
}

func TestOracleDecodeErrors(t *testing.T) {
	res := run(t, DefaultConfig(), []uint32{0xffffffff, 0x00100513}, DefaultBudget)
	require.Equal(t, HaltEndOfCode, res.Halt)
	require.Equal(t, uint64(2), res.Steps)
	require.Equal(t, uint32(1), res.State.Reg(10))
	require.Len(t, res.DecodeErrors, 1)
	require.Equal(t, uint32(0), res.DecodeErrors[0].PC)
	require.Equal(t, DecodeUnknown, res.DecodeErrors[0].Kind)
}

func TestOracleMemory(t *testing.T) {
	t.Run("shared model reads code", func(t *testing.T) {
		res := run(t, DefaultConfig(), assemble(t, "lw a0, 0(zero)"), DefaultBudget)
		require.Equal(t, HaltEndOfCode, res.Halt)
		require.Equal(t, uint32(0x00002503), res.State.Reg(10))
	})
	t.Run("shared model load outside code", func(t *testing.T) {
		res := run(t, DefaultConfig(), assemble(t, "lw a0, 0x100(zero)"), DefaultBudget)
		require.Equal(t, HaltFault, res.Halt)
		require.Equal(t, FaultLoadAccess, res.Fault.Kind)
		require.Equal(t, uint32(0x100), res.Fault.Addr)
		require.Equal(t, uint64(0), res.Steps)
	})
	t.Run("self-modifying store", func(t *testing.T) {
		// overwrite the second instruction with addi a0, zero, 1
		res := run(t, DefaultConfig(), assemble(t, `
			lui t0, 0x00100
			addi t0, t0, 0x513
			sw t0, 12(zero)
			addi a0, zero, 7
		`), DefaultBudget)
		require.Equal(t, uint32(1), res.State.Reg(10))
	})
	t.Run("split model round trip", func(t *testing.T) {
		res := run(t, splitConfig(), assemble(t, `
			addi a0, zero, -2
			sw a0, 16(zero)
			lh a1, 16(zero)
			lhu a2, 16(zero)
			lb a3, 17(zero)
			lbu a4, 17(zero)
		`), DefaultBudget)
		require.Equal(t, HaltEndOfCode, res.Halt)
		require.Equal(t, uint32(0xFFFF_FFFE), res.State.Reg(11))
		require.Equal(t, uint32(0xFFFE), res.State.Reg(12))
		require.Equal(t, uint32(0xFFFF_FFFF), res.State.Reg(13))
		require.Equal(t, uint32(0xFF), res.State.Reg(14))
	})
	t.Run("split model code base", func(t *testing.T) {
		cfg := splitConfig()
		cfg.DataSize = 10
		m, err := NewMachine([]uint32{0x00100513}, cfg)
		require.NoError(t, err)
		require.Equal(t, uint32(16), m.CodeRegion().Base)
		require.Equal(t, uint32(16), m.State().PC)
	})
	t.Run("misaligned", func(t *testing.T) {
		res := run(t, splitConfig(), assemble(t, "lw a0, 2(zero)"), DefaultBudget)
		require.Equal(t, HaltFault, res.Halt)
		require.Equal(t, FaultMisalignedAccess, res.Fault.Kind)
	})
	t.Run("store outside data", func(t *testing.T) {
		res := run(t, splitConfig(), assemble(t, "lui a0, 0x10; sw a0, 0(a0)"), DefaultBudget)
		require.Equal(t, HaltFault, res.Halt)
		require.Equal(t, FaultStoreAccess, res.Fault.Kind)
		require.Equal(t, uint64(1), res.Steps)
	})
	t.Run("jump outside code", func(t *testing.T) {
		res := run(t, DefaultConfig(), assemble(t, "jal zero, 64"), DefaultBudget)
		require.Equal(t, HaltFault, res.Halt)
		require.Equal(t, FaultFetchAccess, res.Fault.Kind)
	})
}

func TestMachineHooks(t *testing.T) {
	words := []uint32{0x00100513, 0x00200593, 0xffffffff, 0x00b50633}
	m, err := NewMachine(words, DefaultConfig())
	require.NoError(t, err)
	var events []StepEvent
	m.SetTracer(TracerFunc(func(ev *StepEvent) {
		events = append(events, *ev)
	}))
	m.SetPerturb(func(ev *StepEvent, value uint32) uint32 {
		if ev.Insn.Mnemonic == "add" {
			return value + 1
		}
		return value
	})
	res := m.Run(DefaultBudget)
	require.Equal(t, uint64(4), res.Steps)
	require.Len(t, events, 3, "decode errors are not traced")
	require.Equal(t, "add", events[2].Insn.Mnemonic)
	require.Equal(t, uint32(1), events[2].Rs1Value)
	require.Equal(t, uint32(2), events[2].Rs2Value)
	require.Equal(t, uint32(4), events[2].RdValue)
	require.Equal(t, uint32(4), res.State.Reg(12))
}

func TestConfig(t *testing.T) {
	for _, name := range []string{"shared", "unified", "legacy", "shared-code-data", ""} {
		mm, err := ParseMemoryModel(name)
		require.NoError(t, err)
		require.Equal(t, SharedCodeData, mm)
	}
	for _, name := range []string{"split", "Split-Code-Data", "separate", "openvm"} {
		mm, err := ParseMemoryModel(name)
		require.NoError(t, err)
		require.Equal(t, SplitCodeData, mm)
	}
	_, err := ParseMemoryModel("harvard")
	require.ErrorIs(t, err, ErrUnknownMemoryModel)

	var mm MemoryModel
	require.NoError(t, mm.UnmarshalText([]byte("split")))
	text, err := mm.MarshalText()
	require.NoError(t, err)
	require.Equal(t, "split-code-data", string(text))

	cfg := splitConfig()
	cfg.DataSize = 0
	require.Error(t, cfg.Check())
}

func FuzzExecute(f *testing.F) {
	f.Add(uint32(0x00100513), uint32(0x00200593), uint32(0x00b50633), uint32(0))
	f.Add(uint32(0x12345017), uint32(0x00000533), uint32(0x0000006f), uint32(0))
	f.Add(uint32(0x00002503), uint32(0xffffffff), uint32(0x02b50633), uint32(1))
	f.Fuzz(func(t *testing.T, a, b, c uint32, model uint32) {
		cfg := DefaultConfig()
		cfg.MemoryModel = MemoryModel(model % 2)
		words := []uint32{a, b, c}
		r1 := run(t, cfg, words, 64)
		r2 := run(t, cfg, words, 64)
		require.Equal(t, uint32(0), r1.State.Registers[0])
		require.Equal(t, r1.State.Digest(), r2.State.Digest())
		require.Equal(t, r1.Halt, r2.Halt)
		require.LessOrEqual(t, r1.Steps, uint64(64))
		if r1.Halt == HaltFault {
			require.NotNil(t, r1.Fault)
		}
	})
}
