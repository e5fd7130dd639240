package rv32

import (
	"encoding/binary"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/zkfuzz/beak/riscv"
)

// ArchState is the architectural state of one run. It is owned by a single
// Machine and never shared across runs.
type ArchState struct {
	Memory *Memory `json:"memory"`

	PC uint32 `json:"pc"`

	Step   uint64 `json:"step"`
	Exited bool   `json:"exited"`

	Registers [riscv.RegCount]uint32 `json:"registers"`
}

func NewArchState() *ArchState {
	return &ArchState{Memory: NewMemory()}
}

// Reg reads a register; x0 always reads as zero.
func (s *ArchState) Reg(i uint32) uint32 {
	if i == riscv.RegZero {
		return 0
	}
	return s.Registers[i&0x1F]
}

func (s *ArchState) Instr() uint32 {
	var out [4]byte
	s.Memory.GetUnaligned(s.PC, out[:])
	return binary.LittleEndian.Uint32(out[:])
}

// EncodeWitness serializes registers, PC and non-zero memory in a stable order.
func (s *ArchState) EncodeWitness() []byte {
	out := make([]byte, 0, 4+riscv.RegCount*4)
	out = binary.BigEndian.AppendUint32(out, s.PC)
	for _, r := range s.Registers {
		out = binary.BigEndian.AppendUint32(out, r)
	}
	_ = s.Memory.ForEachPage(func(pageIndex uint32, page *Page) error {
		var zero Page
		if *page == zero {
			return nil
		}
		out = binary.BigEndian.AppendUint32(out, pageIndex)
		out = append(out, page[:]...)
		return nil
	})
	return out
}

// Digest is the Keccak256 hash of the encoded witness. Two states with equal
// registers, PC and memory contents have equal digests.
func (s *ArchState) Digest() common.Hash {
	return crypto.Keccak256Hash(s.EncodeWitness())
}

func (s *ArchState) Copy() *ArchState {
	out := *s
	out.Memory = s.Memory.Copy()
	return &out
}
