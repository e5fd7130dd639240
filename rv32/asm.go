package rv32

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/zkfuzz/beak/riscv"
)

var regByName = func() map[string]uint8 {
	out := make(map[string]uint8, 2*riscv.RegCount+1)
	for i, name := range riscv.ABINames {
		out[name] = uint8(i)
		out[fmt.Sprintf("x%d", i)] = uint8(i)
	}
	out["fp"] = 8
	return out
}()

func parseReg(s string) (uint8, error) {
	r, ok := regByName[strings.ToLower(strings.TrimSpace(s))]
	if !ok {
		return 0, fmt.Errorf("%w: register %q", ErrInvalidOperand, s)
	}
	return r, nil
}

func parseImm(s string) (int32, error) {
	v, err := strconv.ParseInt(strings.TrimSpace(s), 0, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: immediate %q", ErrInvalidOperand, s)
	}
	if v < -(1<<31) || v > 1<<32-1 {
		return 0, fmt.Errorf("%w: immediate %q out of range", ErrInvalidOperand, s)
	}
	return int32(v), nil
}

// parseMemOperand parses "imm(reg)".
func parseMemOperand(s string) (int32, uint8, error) {
	open := strings.IndexByte(s, '(')
	if open < 0 || !strings.HasSuffix(s, ")") {
		return 0, 0, fmt.Errorf("%w: memory operand %q", ErrInvalidOperand, s)
	}
	var imm int32
	if immStr := strings.TrimSpace(s[:open]); immStr != "" {
		v, err := parseImm(immStr)
		if err != nil {
			return 0, 0, err
		}
		imm = v
	}
	reg, err := parseReg(s[open+1 : len(s)-1])
	if err != nil {
		return 0, 0, err
	}
	return imm, reg, nil
}

// Assemble encodes one line of assembly, e.g. "addi a0, zero, 1" or "lw a1, 4(sp)".
func Assemble(line string) (Instruction, error) {
	if i := strings.IndexByte(line, '#'); i >= 0 {
		line = line[:i]
	}
	line = strings.TrimSpace(line)
	mnemonic, rest := line, ""
	if i := strings.IndexAny(line, " \t"); i >= 0 {
		mnemonic, rest = line[:i], line[i+1:]
	}
	mnemonic = strings.ToLower(mnemonic)
	enc, ok := byMnemonic[mnemonic]
	if !ok {
		return Instruction{}, fmt.Errorf("%w: %q", ErrUnknownMnemonic, mnemonic)
	}
	var args []string
	for _, a := range strings.Split(rest, ",") {
		if a = strings.TrimSpace(a); a != "" {
			args = append(args, a)
		}
	}
	want := map[Class]int{
		ClassReg: 3, ClassImm: 3, ClassShift: 3, ClassBranch: 3, ClassCSR: 3, ClassCSRImm: 3,
		ClassLoad: 2, ClassStore: 2, ClassJalr: 2, ClassUpper: 2, ClassJump: 2, ClassSystem: 0,
	}[enc.class]
	memForm := enc.class == ClassLoad || enc.class == ClassStore || enc.class == ClassJalr
	if memForm && len(args) == 3 {
		// also accept "lw rd, rs1, imm"
		args = []string{args[0], args[2] + "(" + args[1] + ")"}
	}
	if len(args) != want {
		return Instruction{}, fmt.Errorf("%w: %s takes %d operands, got %d", ErrInvalidOperand, mnemonic, want, len(args))
	}

	var f Fields
	var err error
	regs := func(dst ...*uint8) error {
		for i, d := range dst {
			if *d, err = parseReg(args[i]); err != nil {
				return err
			}
		}
		return nil
	}
	switch enc.class {
	case ClassReg:
		err = regs(&f.Rd, &f.Rs1, &f.Rs2)
	case ClassImm, ClassShift:
		if err = regs(&f.Rd, &f.Rs1); err == nil {
			f.Imm, err = parseImm(args[2])
		}
	case ClassBranch:
		if err = regs(&f.Rs1, &f.Rs2); err == nil {
			f.Imm, err = parseImm(args[2])
		}
	case ClassLoad, ClassJalr:
		if err = regs(&f.Rd); err == nil {
			f.Imm, f.Rs1, err = parseMemOperand(args[1])
		}
	case ClassStore:
		if err = regs(&f.Rs2); err == nil {
			f.Imm, f.Rs1, err = parseMemOperand(args[1])
		}
	case ClassUpper, ClassJump:
		if err = regs(&f.Rd); err == nil {
			f.Imm, err = parseImm(args[1])
		}
	case ClassCSR:
		if err = regs(&f.Rd); err == nil {
			if f.Imm, err = parseImm(args[1]); err == nil {
				f.Rs1, err = parseReg(args[2])
			}
		}
	case ClassCSRImm:
		if err = regs(&f.Rd); err == nil {
			if f.Imm, err = parseImm(args[1]); err == nil {
				var uimm int32
				if uimm, err = parseImm(args[2]); err == nil {
					if uimm < 0 || uimm >= riscv.RegCount {
						err = fmt.Errorf("%w: uimm %d", ErrInvalidOperand, uimm)
					}
					f.Rs1 = uint8(uimm)
				}
			}
		}
	}
	if err != nil {
		return Instruction{}, fmt.Errorf("%s: %w", mnemonic, err)
	}
	return Encode(mnemonic, f)
}

// AssembleProgram encodes newline or ';' separated assembly into words.
// Blank lines and '#' comments are skipped.
func AssembleProgram(src string) ([]uint32, error) {
	var out []uint32
	lines := strings.FieldsFunc(src, func(r rune) bool { return r == '\n' || r == ';' })
	for n, line := range lines {
		if i := strings.IndexByte(line, '#'); i >= 0 {
			line = line[:i]
		}
		if strings.TrimSpace(line) == "" {
			continue
		}
		insn, err := Assemble(line)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", n+1, err)
		}
		out = append(out, insn.Word)
	}
	return out, nil
}
