package rv32

import (
	"errors"
	"fmt"
	"strings"

	"github.com/zkfuzz/beak/riscv"
)

var (
	ErrUnknownMnemonic = errors.New("unknown mnemonic")
	ErrInvalidOperand  = errors.New("invalid operand")
)

type Format uint8

const (
	FormatR Format = iota
	FormatI
	FormatS
	FormatB
	FormatU
	FormatJ
)

func (f Format) String() string {
	return [...]string{"R", "I", "S", "B", "U", "J"}[f]
}

// Class groups mnemonics that share an operand shape and execution family.
type Class uint8

const (
	ClassReg Class = iota
	ClassImm
	ClassShift
	ClassLoad
	ClassJalr
	ClassStore
	ClassBranch
	ClassUpper
	ClassJump
	ClassCSR
	ClassCSRImm
	ClassSystem
)

type Operands uint8

const (
	OperandRd Operands = 1 << iota
	OperandRs1
	OperandRs2
	OperandImm
)

func (c Class) Format() Format {
	switch c {
	case ClassReg:
		return FormatR
	case ClassStore:
		return FormatS
	case ClassBranch:
		return FormatB
	case ClassUpper:
		return FormatU
	case ClassJump:
		return FormatJ
	default:
		return FormatI
	}
}

func (c Class) Operands() Operands {
	switch c {
	case ClassReg:
		return OperandRd | OperandRs1 | OperandRs2
	case ClassImm, ClassShift, ClassLoad, ClassJalr, ClassCSR, ClassCSRImm:
		return OperandRd | OperandRs1 | OperandImm
	case ClassStore, ClassBranch:
		return OperandRs1 | OperandRs2 | OperandImm
	case ClassUpper, ClassJump:
		return OperandRd | OperandImm
	default:
		return 0
	}
}

type encoding struct {
	mnemonic string
	class    Class
	opcode   uint32
	funct3   uint32
	funct7   uint32
	fixed    uint32 // complete word for ClassSystem
}

var encodings = []encoding{
	{mnemonic: "lui", class: ClassUpper, opcode: riscv.OpLui},
	{mnemonic: "auipc", class: ClassUpper, opcode: riscv.OpAuipc},
	{mnemonic: "jal", class: ClassJump, opcode: riscv.OpJal},
	{mnemonic: "jalr", class: ClassJalr, opcode: riscv.OpJalr},

	{mnemonic: "beq", class: ClassBranch, opcode: riscv.OpBranch, funct3: 0},
	{mnemonic: "bne", class: ClassBranch, opcode: riscv.OpBranch, funct3: 1},
	{mnemonic: "blt", class: ClassBranch, opcode: riscv.OpBranch, funct3: 4},
	{mnemonic: "bge", class: ClassBranch, opcode: riscv.OpBranch, funct3: 5},
	{mnemonic: "bltu", class: ClassBranch, opcode: riscv.OpBranch, funct3: 6},
	{mnemonic: "bgeu", class: ClassBranch, opcode: riscv.OpBranch, funct3: 7},

	{mnemonic: "lb", class: ClassLoad, opcode: riscv.OpLoad, funct3: 0},
	{mnemonic: "lh", class: ClassLoad, opcode: riscv.OpLoad, funct3: 1},
	{mnemonic: "lw", class: ClassLoad, opcode: riscv.OpLoad, funct3: 2},
	{mnemonic: "lbu", class: ClassLoad, opcode: riscv.OpLoad, funct3: 4},
	{mnemonic: "lhu", class: ClassLoad, opcode: riscv.OpLoad, funct3: 5},

	{mnemonic: "sb", class: ClassStore, opcode: riscv.OpStore, funct3: 0},
	{mnemonic: "sh", class: ClassStore, opcode: riscv.OpStore, funct3: 1},
	{mnemonic: "sw", class: ClassStore, opcode: riscv.OpStore, funct3: 2},

	{mnemonic: "addi", class: ClassImm, opcode: riscv.OpImm, funct3: 0},
	{mnemonic: "slti", class: ClassImm, opcode: riscv.OpImm, funct3: 2},
	{mnemonic: "sltiu", class: ClassImm, opcode: riscv.OpImm, funct3: 3},
	{mnemonic: "xori", class: ClassImm, opcode: riscv.OpImm, funct3: 4},
	{mnemonic: "ori", class: ClassImm, opcode: riscv.OpImm, funct3: 6},
	{mnemonic: "andi", class: ClassImm, opcode: riscv.OpImm, funct3: 7},
	{mnemonic: "slli", class: ClassShift, opcode: riscv.OpImm, funct3: 1, funct7: riscv.Funct7Base},
	{mnemonic: "srli", class: ClassShift, opcode: riscv.OpImm, funct3: 5, funct7: riscv.Funct7Base},
	{mnemonic: "srai", class: ClassShift, opcode: riscv.OpImm, funct3: 5, funct7: riscv.Funct7Alt},

	{mnemonic: "add", class: ClassReg, opcode: riscv.OpReg, funct3: 0, funct7: riscv.Funct7Base},
	{mnemonic: "sub", class: ClassReg, opcode: riscv.OpReg, funct3: 0, funct7: riscv.Funct7Alt},
	{mnemonic: "sll", class: ClassReg, opcode: riscv.OpReg, funct3: 1, funct7: riscv.Funct7Base},
	{mnemonic: "slt", class: ClassReg, opcode: riscv.OpReg, funct3: 2, funct7: riscv.Funct7Base},
	{mnemonic: "sltu", class: ClassReg, opcode: riscv.OpReg, funct3: 3, funct7: riscv.Funct7Base},
	{mnemonic: "xor", class: ClassReg, opcode: riscv.OpReg, funct3: 4, funct7: riscv.Funct7Base},
	{mnemonic: "srl", class: ClassReg, opcode: riscv.OpReg, funct3: 5, funct7: riscv.Funct7Base},
	{mnemonic: "sra", class: ClassReg, opcode: riscv.OpReg, funct3: 5, funct7: riscv.Funct7Alt},
	{mnemonic: "or", class: ClassReg, opcode: riscv.OpReg, funct3: 6, funct7: riscv.Funct7Base},
	{mnemonic: "and", class: ClassReg, opcode: riscv.OpReg, funct3: 7, funct7: riscv.Funct7Base},

	{mnemonic: "mul", class: ClassReg, opcode: riscv.OpReg, funct3: 0, funct7: riscv.Funct7MulDiv},
	{mnemonic: "mulh", class: ClassReg, opcode: riscv.OpReg, funct3: 1, funct7: riscv.Funct7MulDiv},
	{mnemonic: "mulhsu", class: ClassReg, opcode: riscv.OpReg, funct3: 2, funct7: riscv.Funct7MulDiv},
	{mnemonic: "mulhu", class: ClassReg, opcode: riscv.OpReg, funct3: 3, funct7: riscv.Funct7MulDiv},
	{mnemonic: "div", class: ClassReg, opcode: riscv.OpReg, funct3: 4, funct7: riscv.Funct7MulDiv},
	{mnemonic: "divu", class: ClassReg, opcode: riscv.OpReg, funct3: 5, funct7: riscv.Funct7MulDiv},
	{mnemonic: "rem", class: ClassReg, opcode: riscv.OpReg, funct3: 6, funct7: riscv.Funct7MulDiv},
	{mnemonic: "remu", class: ClassReg, opcode: riscv.OpReg, funct3: 7, funct7: riscv.Funct7MulDiv},

	{mnemonic: "fence", class: ClassSystem, opcode: riscv.OpMiscMem, funct3: 0, fixed: 0x0ff0000f},
	{mnemonic: "fence.i", class: ClassSystem, opcode: riscv.OpMiscMem, funct3: 1, fixed: 0x0000100f},
	{mnemonic: "ecall", class: ClassSystem, opcode: riscv.OpSystem, funct3: 0, fixed: 0x00000073},
	{mnemonic: "ebreak", class: ClassSystem, opcode: riscv.OpSystem, funct3: 0, fixed: 0x00100073},

	{mnemonic: "csrrw", class: ClassCSR, opcode: riscv.OpSystem, funct3: 1},
	{mnemonic: "csrrs", class: ClassCSR, opcode: riscv.OpSystem, funct3: 2},
	{mnemonic: "csrrc", class: ClassCSR, opcode: riscv.OpSystem, funct3: 3},
	{mnemonic: "csrrwi", class: ClassCSRImm, opcode: riscv.OpSystem, funct3: 5},
	{mnemonic: "csrrsi", class: ClassCSRImm, opcode: riscv.OpSystem, funct3: 6},
	{mnemonic: "csrrci", class: ClassCSRImm, opcode: riscv.OpSystem, funct3: 7},
}

var (
	byMnemonic = make(map[string]*encoding, len(encodings))
	byKey      = make(map[uint32]*encoding, len(encodings))
)

func encodingKey(opcode, funct3, funct7 uint32) uint32 {
	return opcode | funct3<<7 | funct7<<10
}

func init() {
	for i := range encodings {
		enc := &encodings[i]
		byMnemonic[enc.mnemonic] = enc
		if enc.class == ClassSystem && enc.opcode == riscv.OpSystem {
			continue // ecall/ebreak share a key, matched on the full word
		}
		byKey[enc.key()] = enc
	}
}

func (enc *encoding) key() uint32 {
	switch enc.class {
	case ClassReg, ClassShift:
		return encodingKey(enc.opcode, enc.funct3, enc.funct7)
	case ClassUpper, ClassJump:
		return encodingKey(enc.opcode, 0, 0)
	default:
		return encodingKey(enc.opcode, enc.funct3, 0)
	}
}

// Mnemonics lists every supported mnemonic in table order.
func Mnemonics() []string {
	out := make([]string, len(encodings))
	for i := range encodings {
		out[i] = encodings[i].mnemonic
	}
	return out
}

// Fields holds operand values for encoding. Fields the mnemonic does not
// take are ignored. For csr*i the zero-extended immediate lives in Rs1.
type Fields struct {
	Rd  uint8
	Rs1 uint8
	Rs2 uint8
	Imm int32
}

// Instruction is a decoded RV32IM instruction word. It is immutable.
type Instruction struct {
	Word     uint32
	Mnemonic string
	Class    Class
	Rd       uint8
	Rs1      uint8
	Rs2      uint8
	Imm      int32
}

func (i Instruction) Format() Format     { return i.Class.Format() }
func (i Instruction) Operands() Operands { return i.Class.Operands() }
func (i Instruction) HasRd() bool        { return i.Operands()&OperandRd != 0 }
func (i Instruction) HasRs1() bool       { return i.Operands()&OperandRs1 != 0 }
func (i Instruction) HasRs2() bool       { return i.Operands()&OperandRs2 != 0 }
func (i Instruction) HasImm() bool       { return i.Operands()&OperandImm != 0 }

func (i Instruction) Fields() Fields {
	return Fields{Rd: i.Rd, Rs1: i.Rs1, Rs2: i.Rs2, Imm: i.Imm}
}

// With re-encodes the instruction with new operand values.
func (i Instruction) With(f Fields) (Instruction, error) {
	return Encode(i.Mnemonic, f)
}

// IsDivRem reports whether the instruction is one of the M-extension divisions.
func (i Instruction) IsDivRem() bool {
	return i.Class == ClassReg && parseFunct7(i.Word) == riscv.Funct7MulDiv && parseFunct3(i.Word) >= 4
}

// Terminates reports whether executing the instruction ends the program.
func (i Instruction) Terminates() bool {
	return i.Mnemonic == "ecall" || i.Mnemonic == "ebreak"
}

// Decode classifies a 32-bit word. Words outside RV32IM return a *DecodeError.
func Decode(word uint32) (Instruction, error) {
	opcode := parseOpcode(word)
	funct3 := parseFunct3(word)
	funct7 := parseFunct7(word)

	var enc *encoding
	switch opcode {
	case riscv.OpReg:
		enc = byKey[encodingKey(opcode, funct3, funct7)]
	case riscv.OpImm:
		if funct3 == 1 || funct3 == 5 { // shifts carry funct7 in imm[11:5]
			enc = byKey[encodingKey(opcode, funct3, funct7)]
		} else {
			enc = byKey[encodingKey(opcode, funct3, 0)]
		}
	case riscv.OpLui, riscv.OpAuipc, riscv.OpJal:
		enc = byKey[encodingKey(opcode, 0, 0)]
	case riscv.OpSystem:
		if funct3 == 0 {
			switch word {
			case 0x00000073:
				enc = byMnemonic["ecall"]
			case 0x00100073:
				enc = byMnemonic["ebreak"]
			default:
				return Instruction{}, &DecodeError{Kind: DecodeReserved, Word: word}
			}
		} else {
			enc = byKey[encodingKey(opcode, funct3, 0)]
		}
	default:
		enc = byKey[encodingKey(opcode, funct3, 0)]
	}
	if enc == nil {
		return Instruction{}, &DecodeError{Kind: DecodeUnknown, Word: word}
	}

	insn := Instruction{Word: word, Mnemonic: enc.mnemonic, Class: enc.class}
	ops := enc.class.Operands()
	if ops&OperandRd != 0 {
		insn.Rd = uint8(parseRd(word))
	}
	if ops&OperandRs1 != 0 {
		insn.Rs1 = uint8(parseRs1(word))
	}
	if ops&OperandRs2 != 0 {
		insn.Rs2 = uint8(parseRs2(word))
	}
	switch enc.class {
	case ClassImm, ClassLoad, ClassJalr:
		insn.Imm = int32(parseImmTypeI(word))
	case ClassShift:
		insn.Imm = int32(parseRs2(word)) // shamt
	case ClassStore:
		insn.Imm = int32(parseImmTypeS(word))
	case ClassBranch:
		insn.Imm = int32(parseImmTypeB(word))
	case ClassUpper:
		insn.Imm = int32(signExtend32(parseImmTypeU(word), 19))
	case ClassJump:
		insn.Imm = int32(parseImmTypeJ(word))
	case ClassCSR, ClassCSRImm:
		insn.Imm = int32(parseCSR(word))
	}
	return insn, nil
}

// Encode builds an instruction from a mnemonic and operand values.
func Encode(mnemonic string, f Fields) (Instruction, error) {
	enc, ok := byMnemonic[strings.ToLower(mnemonic)]
	if !ok {
		return Instruction{}, fmt.Errorf("%w: %q", ErrUnknownMnemonic, mnemonic)
	}
	if err := enc.check(f); err != nil {
		return Instruction{}, fmt.Errorf("%s: %w", enc.mnemonic, err)
	}
	rd, rs1, rs2 := uint32(f.Rd), uint32(f.Rs1), uint32(f.Rs2)
	imm := uint32(f.Imm)
	head := enc.funct3<<12 | enc.opcode

	var word uint32
	switch enc.class {
	case ClassReg:
		word = enc.funct7<<25 | rs2<<20 | rs1<<15 | head | rd<<7
	case ClassImm, ClassLoad, ClassJalr, ClassCSR, ClassCSRImm:
		word = (imm&0xFFF)<<20 | rs1<<15 | head | rd<<7
	case ClassShift:
		word = enc.funct7<<25 | (imm&0x1F)<<20 | rs1<<15 | head | rd<<7
	case ClassStore:
		word = ((imm>>5)&0x7F)<<25 | rs2<<20 | rs1<<15 | head | (imm&0x1F)<<7
	case ClassBranch:
		word = ((imm>>12)&1)<<31 | ((imm>>5)&0x3F)<<25 | rs2<<20 | rs1<<15 | head |
			((imm>>1)&0xF)<<8 | ((imm>>11)&1)<<7
	case ClassUpper:
		word = (imm&0xFFFFF)<<12 | rd<<7 | enc.opcode
	case ClassJump:
		word = ((imm>>20)&1)<<31 | ((imm>>1)&0x3FF)<<21 | ((imm>>11)&1)<<20 | ((imm>>12)&0xFF)<<12 |
			rd<<7 | enc.opcode
	case ClassSystem:
		word = enc.fixed
	}
	return Decode(word)
}

func (enc *encoding) check(f Fields) error {
	ops := enc.class.Operands()
	if ops&OperandRd != 0 && f.Rd >= riscv.RegCount {
		return fmt.Errorf("%w: rd x%d", ErrInvalidOperand, f.Rd)
	}
	if ops&OperandRs1 != 0 && f.Rs1 >= riscv.RegCount {
		return fmt.Errorf("%w: rs1 x%d", ErrInvalidOperand, f.Rs1)
	}
	if ops&OperandRs2 != 0 && f.Rs2 >= riscv.RegCount {
		return fmt.Errorf("%w: rs2 x%d", ErrInvalidOperand, f.Rs2)
	}
	lo, hi, even := enc.immRange()
	if ops&OperandImm != 0 {
		if f.Imm < lo || f.Imm > hi {
			return fmt.Errorf("%w: imm %d outside [%d, %d]", ErrInvalidOperand, f.Imm, lo, hi)
		}
		if even && f.Imm&1 != 0 {
			return fmt.Errorf("%w: imm %d must be even", ErrInvalidOperand, f.Imm)
		}
	}
	return nil
}

func (enc *encoding) immRange() (lo, hi int32, even bool) {
	switch enc.class {
	case ClassShift:
		return 0, 31, false
	case ClassBranch:
		return -4096, 4094, true
	case ClassUpper:
		return -(1 << 19), 1<<20 - 1, false
	case ClassJump:
		return -(1 << 20), 1<<20 - 2, true
	case ClassCSR, ClassCSRImm:
		return 0, 4095, false
	default:
		return -2048, 2047, false
	}
}

func regName(r uint8) string {
	return riscv.ABINames[r&0x1F]
}

// String renders the instruction in assembler syntax accepted by Assemble.
func (i Instruction) String() string {
	switch i.Class {
	case ClassReg:
		return fmt.Sprintf("%s %s, %s, %s", i.Mnemonic, regName(i.Rd), regName(i.Rs1), regName(i.Rs2))
	case ClassImm, ClassShift:
		return fmt.Sprintf("%s %s, %s, %d", i.Mnemonic, regName(i.Rd), regName(i.Rs1), i.Imm)
	case ClassLoad, ClassJalr:
		return fmt.Sprintf("%s %s, %d(%s)", i.Mnemonic, regName(i.Rd), i.Imm, regName(i.Rs1))
	case ClassStore:
		return fmt.Sprintf("%s %s, %d(%s)", i.Mnemonic, regName(i.Rs2), i.Imm, regName(i.Rs1))
	case ClassBranch:
		return fmt.Sprintf("%s %s, %s, %d", i.Mnemonic, regName(i.Rs1), regName(i.Rs2), i.Imm)
	case ClassUpper:
		return fmt.Sprintf("%s %s, 0x%x", i.Mnemonic, regName(i.Rd), uint32(i.Imm)&0xFFFFF)
	case ClassJump:
		return fmt.Sprintf("%s %s, %d", i.Mnemonic, regName(i.Rd), i.Imm)
	case ClassCSR:
		return fmt.Sprintf("%s %s, 0x%x, %s", i.Mnemonic, regName(i.Rd), i.Imm, regName(i.Rs1))
	case ClassCSRImm:
		return fmt.Sprintf("%s %s, 0x%x, %d", i.Mnemonic, regName(i.Rd), i.Imm, i.Rs1)
	default:
		return i.Mnemonic
	}
}
