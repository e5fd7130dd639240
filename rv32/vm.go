package rv32

import (
	"encoding/binary"
	"fmt"

	"github.com/zkfuzz/beak/riscv"
)

// StepEvent describes one retired instruction.
type StepEvent struct {
	PC       uint32
	Insn     Instruction
	Rs1Value uint32
	Rs2Value uint32
	// RdValue is the value written to rd, after any perturbation.
	RdValue   uint32
	MemAddr   uint32
	MemAccess bool
	NextPC    uint32
}

type Tracer interface {
	OnStep(ev *StepEvent)
}

type TracerFunc func(ev *StepEvent)

func (f TracerFunc) OnStep(ev *StepEvent) { f(ev) }

// Perturb may replace the value an instruction is about to write to rd.
// It is how backends model witness injection; the oracle never sets one.
type Perturb func(ev *StepEvent, value uint32) uint32

// Machine executes RV32IM code against an ArchState.
type Machine struct {
	state *ArchState
	cfg   Config
	code  Region

	tracer  Tracer
	perturb Perturb

	decodeErrors []DecodeError
}

func (m *Machine) State() *ArchState {
	return m.state
}

func (m *Machine) CodeRegion() Region {
	return m.code
}

func (m *Machine) SetTracer(t Tracer) {
	m.tracer = t
}

func (m *Machine) SetPerturb(p Perturb) {
	m.perturb = p
}

func (m *Machine) DecodeErrors() []DecodeError {
	return m.decodeErrors
}

// Step runs a single instruction. A returned error is always an *ExecutionFault
// and leaves the state exited.
func (m *Machine) Step() (outErr error) {
	s := m.state
	if s.Exited {
		return nil
	}
	pc := s.PC
	defer func() {
		if r := recover(); r != nil {
			fault, ok := r.(*ExecutionFault)
			if !ok {
				fault = &ExecutionFault{Kind: FaultInternal, PC: pc, Err: fmt.Errorf("%v", r)}
			}
			s.Exited = true
			outErr = fault
		}
	}()

	revertWithFault := func(kind FaultKind, addr uint32) {
		panic(&ExecutionFault{Kind: kind, PC: pc, Addr: addr})
	}

	ev := StepEvent{PC: pc}

	loadRegister := func(reg uint32) uint32 {
		if reg == riscv.RegZero && !m.cfg.X0Writable {
			return 0
		}
		return s.Registers[reg]
	}
	writeRegister := func(reg uint32, v uint32) {
		if m.perturb != nil {
			v = m.perturb(&ev, v)
		}
		ev.RdValue = v
		if reg == riscv.RegZero && !m.cfg.X0Writable {
			return // x0 is hard-wired
		}
		s.Registers[reg] = v
	}
	checkAccess := func(addr, size uint32, accessFault FaultKind) {
		ev.MemAddr = addr
		ev.MemAccess = true
		if addr&(size-1) != 0 {
			revertWithFault(FaultMisalignedAccess, addr)
		}
		if !s.Memory.Mapped(addr, size) {
			revertWithFault(accessFault, addr)
		}
	}
	loadMem := func(addr, size uint32, signed bool) uint32 {
		checkAccess(addr, size, FaultLoadAccess)
		var buf [4]byte
		s.Memory.GetUnaligned(addr, buf[:size])
		v := binary.LittleEndian.Uint32(buf[:])
		if signed && size < 4 {
			v = signExtend32(v, size*8-1)
		}
		return v
	}
	storeMem := func(addr, size uint32, value uint32) {
		checkAccess(addr, size, FaultStoreAccess)
		var buf [4]byte
		binary.LittleEndian.PutUint32(buf[:], value)
		s.Memory.SetUnaligned(addr, buf[:size])
	}
	setPC := func(v uint32) {
		ev.NextPC = v
		s.PC = v
	}

	if pc&3 != 0 {
		revertWithFault(FaultMisalignedFetch, pc)
	}
	if !s.Memory.Mapped(pc, 4) {
		revertWithFault(FaultFetchAccess, pc)
	}
	instr := s.Instr()

	insn, err := Decode(instr)
	if err != nil {
		// unknown words are recorded and skipped
		if de, ok := err.(*DecodeError); ok {
			de.PC = pc
			m.decodeErrors = append(m.decodeErrors, *de)
		}
		setPC(add32(pc, 4))
		s.Step++
		return nil
	}
	ev.Insn = insn

	// these fields are ignored if not applicable to the instruction type / opcode
	opcode := parseOpcode(instr)
	rd := parseRd(instr) // destination register index
	funct3 := parseFunct3(instr)
	rs1 := parseRs1(instr) // source register 1 index
	rs2 := parseRs2(instr) // source register 2 index
	funct7 := parseFunct7(instr)

	switch opcode {
	case riscv.OpLoad: // 000_0011: memory loading
		// LB, LH, LW, LBU, LHU
		imm := parseImmTypeI(instr)
		signed := and32(funct3, 4) == 0      // 4 = 100 -> bitflag
		size := shl32(and32(funct3, 3), 1) // 3 = 11 -> 1, 2, 4 bytes size
		rs1Value := loadRegister(rs1)
		ev.Rs1Value = rs1Value
		memIndex := add32(rs1Value, imm)
		rdValue := loadMem(memIndex, size, signed)
		writeRegister(rd, rdValue)
		setPC(add32(pc, 4))
	case riscv.OpStore: // 010_0011: memory storing
		// SB, SH, SW
		imm := parseImmTypeS(instr)
		size := shl32(funct3, 1)
		rs1Value := loadRegister(rs1)
		value := loadRegister(rs2)
		ev.Rs1Value, ev.Rs2Value = rs1Value, value
		memIndex := add32(rs1Value, imm)
		storeMem(memIndex, size, value)
		setPC(add32(pc, 4))
	case riscv.OpBranch: // 110_0011: branching
		rs1Value := loadRegister(rs1)
		rs2Value := loadRegister(rs2)
		ev.Rs1Value, ev.Rs2Value = rs1Value, rs2Value
		branchHit := uint32(0)
		switch funct3 {
		case 0: // 000 = BEQ
			branchHit = eq32(rs1Value, rs2Value)
		case 1: // 001 = BNE
			branchHit = xor32(eq32(rs1Value, rs2Value), 1)
		case 4: // 100 = BLT
			branchHit = slt32(rs1Value, rs2Value)
		case 5: // 101 = BGE
			branchHit = xor32(slt32(rs1Value, rs2Value), 1)
		case 6: // 110 = BLTU
			branchHit = lt32(rs1Value, rs2Value)
		case 7: // 111 = BGEU
			branchHit = xor32(lt32(rs1Value, rs2Value), 1)
		}
		switch branchHit {
		case 0:
			pc = add32(pc, 4)
		default:
			// imm is a signed offset, in multiples of 2 bytes.
			pc = add32(pc, parseImmTypeB(instr))
		}
		// nothing to write to rd register, and PC has already changed
		setPC(pc)
	case riscv.OpImm: // 001_0011: immediate arithmetic and logic
		rs1Value := loadRegister(rs1)
		ev.Rs1Value = rs1Value
		imm := parseImmTypeI(instr)
		shamt := and32(imm, 0x1F)
		var rdValue uint32
		switch funct3 {
		case 0: // 000 = ADDI
			rdValue = add32(rs1Value, imm)
		case 1: // 001 = SLLI
			rdValue = shl32(shamt, rs1Value)
		case 2: // 010 = SLTI
			rdValue = slt32(rs1Value, imm)
		case 3: // 011 = SLTIU
			rdValue = lt32(rs1Value, imm)
		case 4: // 100 = XORI
			rdValue = xor32(rs1Value, imm)
		case 5: // 101 = SR~
			switch funct7 {
			case riscv.Funct7Base: // 0000000 = SRLI
				rdValue = shr32(shamt, rs1Value)
			case riscv.Funct7Alt: // 0100000 = SRAI
				rdValue = sar32(shamt, rs1Value)
			}
		case 6: // 110 = ORI
			rdValue = or32(rs1Value, imm)
		case 7: // 111 = ANDI
			rdValue = and32(rs1Value, imm)
		}
		writeRegister(rd, rdValue)
		setPC(add32(pc, 4))
	case riscv.OpReg: // 011_0011: register arithmetic and logic
		rs1Value := loadRegister(rs1)
		rs2Value := loadRegister(rs2)
		ev.Rs1Value, ev.Rs2Value = rs1Value, rs2Value
		var rdValue uint32
		switch funct7 {
		case riscv.Funct7MulDiv: // RV M extension
			switch funct3 {
			case 0: // 000 = MUL: lower bits
				rdValue = mul32(rs1Value, rs2Value)
			case 1: // 001 = MULH: upper bits of signed x signed
				rdValue = mulh32(rs1Value, rs2Value)
			case 2: // 010 = MULHSU: upper bits of signed x unsigned
				rdValue = mulhsu32(rs1Value, rs2Value)
			case 3: // 011 = MULHU: upper bits of unsigned x unsigned
				rdValue = mulhu32(rs1Value, rs2Value)
			case 4: // 100 = DIV
				rdValue = div32(rs1Value, rs2Value)
			case 5: // 101 = DIVU
				rdValue = divu32(rs1Value, rs2Value)
			case 6: // 110 = REM
				rdValue = rem32(rs1Value, rs2Value)
			case 7: // 111 = REMU
				rdValue = remu32(rs1Value, rs2Value)
			}
		default:
			shamt := and32(rs2Value, 0x1F) // only the low 5 bits are considered in RV32I
			switch funct3 {
			case 0: // 000 = ADD/SUB
				switch funct7 {
				case riscv.Funct7Base: // 0000000 = ADD
					rdValue = add32(rs1Value, rs2Value)
				case riscv.Funct7Alt: // 0100000 = SUB
					rdValue = sub32(rs1Value, rs2Value)
				}
			case 1: // 001 = SLL
				rdValue = shl32(shamt, rs1Value)
			case 2: // 010 = SLT
				rdValue = slt32(rs1Value, rs2Value)
			case 3: // 011 = SLTU
				rdValue = lt32(rs1Value, rs2Value)
			case 4: // 100 = XOR
				rdValue = xor32(rs1Value, rs2Value)
			case 5: // 101 = SR~
				switch funct7 {
				case riscv.Funct7Base: // 0000000 = SRL
					rdValue = shr32(shamt, rs1Value) // logical: fill with zeroes
				case riscv.Funct7Alt: // 0100000 = SRA
					rdValue = sar32(shamt, rs1Value) // arithmetic: sign bit is extended
				}
			case 6: // 110 = OR
				rdValue = or32(rs1Value, rs2Value)
			case 7: // 111 = AND
				rdValue = and32(rs1Value, rs2Value)
			}
		}
		writeRegister(rd, rdValue)
		setPC(add32(pc, 4))
	case riscv.OpLui: // 011_0111: LUI = Load upper immediate
		imm := parseImmTypeU(instr)
		writeRegister(rd, shl32(12, imm))
		setPC(add32(pc, 4))
	case riscv.OpAuipc: // 001_0111: AUIPC = Add upper immediate to PC
		imm := parseImmTypeU(instr)
		writeRegister(rd, add32(pc, shl32(12, imm)))
		setPC(add32(pc, 4))
	case riscv.OpJal: // 110_1111: JAL = Jump and link
		imm := parseImmTypeJ(instr)
		writeRegister(rd, add32(pc, 4))
		setPC(add32(pc, imm)) // signed offset in multiples of 2 bytes
	case riscv.OpJalr: // 110_0111: JALR = Jump and link register
		rs1Value := loadRegister(rs1)
		ev.Rs1Value = rs1Value
		imm := parseImmTypeI(instr)
		writeRegister(rd, add32(pc, 4))
		setPC(and32(add32(rs1Value, imm), xor32(u32Mask(), 1))) // least significant bit is set to 0
	case riscv.OpSystem: // 111_0011: environment things
		switch funct3 {
		case 0: // 000 = ECALL/EBREAK
			// both terminate the program; PC stays on the terminating instruction
			s.Exited = true
			ev.NextPC = pc
		default: // CSR instructions: no CSRs are implemented, reads return zero and writes are dropped
			if and32(funct3, 4) == 0 {
				ev.Rs1Value = loadRegister(rs1)
			}
			writeRegister(rd, 0)
			setPC(add32(pc, 4))
		}
	case riscv.OpMiscMem: // 000_1111: fence
		// No pipeline and a single hart, so FENCE / FENCE.I are no-ops.
		setPC(add32(pc, 4))
	default: // unreachable: Decode already rejected the word
		panic(&ExecutionFault{Kind: FaultInternal, PC: pc, Err: fmt.Errorf("unknown instruction opcode: %d", opcode)})
	}

	s.Step++
	if m.tracer != nil {
		m.tracer.OnStep(&ev)
	}
	return nil
}
