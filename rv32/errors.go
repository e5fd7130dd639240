package rv32

import (
	"fmt"

	"github.com/zkfuzz/beak/riscv"
)

type DecodeErrorKind uint8

const (
	// DecodeUnknown is an opcode/funct combination outside RV32IM.
	DecodeUnknown DecodeErrorKind = iota
	// DecodeReserved is a known encoding with reserved fields set.
	DecodeReserved
)

func (k DecodeErrorKind) String() string {
	switch k {
	case DecodeUnknown:
		return "unknown"
	case DecodeReserved:
		return "reserved"
	default:
		return fmt.Sprintf("DecodeErrorKind(%d)", uint8(k))
	}
}

// DecodeError reports a word that is not a valid RV32IM instruction.
// During execution it is recorded and the word is skipped.
type DecodeError struct {
	Kind DecodeErrorKind `json:"kind"`
	Word uint32          `json:"word"`
	PC   uint32          `json:"pc"`
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode %s: word %08x at pc %08x", e.Kind, e.Word, e.PC)
}

type FaultKind uint8

const (
	FaultLoadAccess FaultKind = iota
	FaultStoreAccess
	FaultFetchAccess
	FaultMisalignedAccess
	FaultMisalignedFetch
	FaultInternal
)

var faultNames = map[FaultKind]string{
	FaultLoadAccess:       "load-access",
	FaultStoreAccess:      "store-access",
	FaultFetchAccess:      "fetch-access",
	FaultMisalignedAccess: "misaligned-access",
	FaultMisalignedFetch:  "misaligned-fetch",
	FaultInternal:         "internal",
}

func (k FaultKind) String() string {
	if name, ok := faultNames[k]; ok {
		return name
	}
	return fmt.Sprintf("FaultKind(%d)", uint8(k))
}

// Code returns the numeric fault code of the kind.
func (k FaultKind) Code() uint32 {
	switch k {
	case FaultLoadAccess:
		return riscv.ErrLoadAccessFault
	case FaultStoreAccess:
		return riscv.ErrStoreAccessFault
	case FaultFetchAccess:
		return riscv.ErrFetchAccessFault
	case FaultMisalignedAccess:
		return riscv.ErrMisalignedAccess
	case FaultMisalignedFetch:
		return riscv.ErrMisalignedFetch
	default:
		return riscv.ErrInternal
	}
}

// ExecutionFault terminates an oracle run early. The state at the time of
// the fault is still returned for comparison.
type ExecutionFault struct {
	Kind FaultKind `json:"kind"`
	PC   uint32    `json:"pc"`
	Addr uint32    `json:"addr"`
	Err  error     `json:"-"`
}

func (f *ExecutionFault) Error() string {
	msg := fmt.Sprintf("fault %s (code %x) at pc %08x, addr %08x", f.Kind, f.Kind.Code(), f.PC, f.Addr)
	if f.Err != nil {
		msg += ": " + f.Err.Error()
	}
	return msg
}

func (f *ExecutionFault) Unwrap() error {
	return f.Err
}

func (k DecodeErrorKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

func (k FaultKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}
