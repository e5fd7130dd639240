package riscv

// Major opcodes (instr[6:0]).
const (
	OpLoad    = 0x03
	OpMiscMem = 0x0F
	OpImm     = 0x13
	OpAuipc   = 0x17
	OpStore   = 0x23
	OpReg     = 0x33
	OpLui     = 0x37
	OpBranch  = 0x63
	OpJalr    = 0x67
	OpJal     = 0x6F
	OpSystem  = 0x73
)

// funct7 values selecting variants of OP / OP-IMM.
const (
	Funct7Base   = 0x00
	Funct7MulDiv = 0x01
	Funct7Alt    = 0x20
)

const (
	RegCount = 32
	WordSize = 4

	// RegZero is hard-wired to zero.
	RegZero = 0
	RegRA   = 1
	RegSP   = 2
	RegA0   = 10
	RegA7   = 17
)

// Fault codes reported by the oracle, in the spirit of the VM revert codes.
const (
	ErrUnknownOpCode    = uint32(0xf001c0de)
	ErrLoadAccessFault  = uint32(0xbad10ad0)
	ErrStoreAccessFault = uint32(0xbad5702e)
	ErrFetchAccessFault = uint32(0xbadfe7c4)
	ErrMisalignedAccess = uint32(0xbada11e0)
	ErrMisalignedFetch  = uint32(0xbada11e4)
	ErrInternal         = uint32(0xf00dfa11)
)

// ABINames maps register indices to their ABI mnemonic.
var ABINames = [RegCount]string{
	"zero", "ra", "sp", "gp", "tp", "t0", "t1", "t2",
	"s0", "s1", "a0", "a1", "a2", "a3", "a4", "a5",
	"a6", "a7", "s2", "s3", "s4", "s5", "s6", "s7",
	"s8", "s9", "s10", "s11", "t3", "t4", "t5", "t6",
}
