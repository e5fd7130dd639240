package rv32

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
)

// MemoryModel selects how code and data share the address space.
type MemoryModel uint8

const (
	// SharedCodeData maps only the code region. Loads and stores hit the code bytes.
	SharedCodeData MemoryModel = iota
	// SplitCodeData maps a zeroed data RAM at address 0 and the code above it.
	SplitCodeData
)

const (
	DefaultDataSize = 65536
	DefaultBudget   = 1000
)

var ErrUnknownMemoryModel = errors.New("unknown memory model")

func ParseMemoryModel(s string) (MemoryModel, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "shared", "shared-code-data", "unified", "legacy":
		return SharedCodeData, nil
	case "split", "split-code-data", "separate", "openvm":
		return SplitCodeData, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnknownMemoryModel, s)
	}
}

func (m MemoryModel) String() string {
	switch m {
	case SharedCodeData:
		return "shared-code-data"
	case SplitCodeData:
		return "split-code-data"
	default:
		return fmt.Sprintf("MemoryModel(%d)", uint8(m))
	}
}

func (m MemoryModel) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

func (m *MemoryModel) UnmarshalText(text []byte) error {
	v, err := ParseMemoryModel(string(text))
	if err != nil {
		return err
	}
	*m = v
	return nil
}

// Config describes the machine a program runs on.
type Config struct {
	MemoryModel MemoryModel `json:"memoryModel"`
	CodeBase    uint32      `json:"codeBase"`
	DataSize    uint32      `json:"dataSize"`

	// X0Writable models hardware that does not hard-wire x0.
	X0Writable bool `json:"x0Writable,omitempty"`
}

func DefaultConfig() Config {
	return Config{MemoryModel: SharedCodeData, DataSize: DefaultDataSize}
}

func (c *Config) Check() error {
	if c.MemoryModel > SplitCodeData {
		return fmt.Errorf("%w: %d", ErrUnknownMemoryModel, c.MemoryModel)
	}
	if c.MemoryModel == SplitCodeData && c.DataSize == 0 {
		return errors.New("split-code-data requires a non-zero data size")
	}
	if c.DataSize > 1<<31 {
		return fmt.Errorf("data size %d exceeds 2 GiB", c.DataSize)
	}
	return nil
}

// Layout returns the code base and, for the split model, the data region.
func (c *Config) Layout() (codeBase uint32, data Region) {
	switch c.MemoryModel {
	case SplitCodeData:
		dataSize := alignUp4(c.DataSize)
		data = Region{Name: "data", Base: 0, Size: dataSize}
		codeBase = c.CodeBase
		if floor := dataSize + 4; codeBase < floor {
			codeBase = floor
		}
		return codeBase &^ 3, data
	default:
		return c.CodeBase &^ 3, Region{}
	}
}

func alignUp4(v uint32) uint32 {
	return (v + 3) &^ 3
}

type HaltReason uint8

const (
	HaltBudget HaltReason = iota
	HaltTerminated
	HaltFault
	HaltEndOfCode
)

func (h HaltReason) String() string {
	switch h {
	case HaltBudget:
		return "budget"
	case HaltTerminated:
		return "terminated"
	case HaltFault:
		return "fault"
	case HaltEndOfCode:
		return "end-of-code"
	default:
		return fmt.Sprintf("HaltReason(%d)", uint8(h))
	}
}

func (h HaltReason) MarshalText() ([]byte, error) {
	return []byte(h.String()), nil
}

// Result is the outcome of one run. Every halt reason yields a comparable state.
type Result struct {
	State        *ArchState      `json:"state"`
	Steps        uint64          `json:"steps"`
	Halt         HaltReason      `json:"halt"`
	Fault        *ExecutionFault `json:"fault,omitempty"`
	DecodeErrors []DecodeError   `json:"decodeErrors,omitempty"`
}

// NewMachine loads words at the configured code base.
func NewMachine(words []uint32, cfg Config) (*Machine, error) {
	if err := cfg.Check(); err != nil {
		return nil, err
	}
	codeBase, data := cfg.Layout()
	codeSize := uint64(len(words)) * 4
	if uint64(codeBase)+codeSize > 1<<32 {
		return nil, fmt.Errorf("program of %d words does not fit at %08x", len(words), codeBase)
	}
	s := NewArchState()
	if data.Size > 0 {
		if err := s.Memory.Map(data.Name, data.Base, data.Size); err != nil {
			return nil, err
		}
	}
	if err := s.Memory.Map("code", codeBase, uint32(codeSize)); err != nil {
		return nil, err
	}
	code := make([]byte, codeSize)
	for i, w := range words {
		binary.LittleEndian.PutUint32(code[i*4:], w)
	}
	if err := s.Memory.SetMemoryRange(codeBase, bytes.NewReader(code)); err != nil {
		return nil, fmt.Errorf("failed to load code: %w", err)
	}
	s.PC = codeBase
	return &Machine{
		state: s,
		cfg:   cfg,
		code:  Region{Name: "code", Base: codeBase, Size: uint32(codeSize)},
	}, nil
}

// Run steps until the budget is spent or the program halts.
func (m *Machine) Run(budget uint64) *Result {
	s := m.state
	res := &Result{State: s, Halt: HaltBudget}
	for s.Step < budget {
		if s.Exited {
			res.Halt = HaltTerminated
			break
		}
		if uint64(s.PC) == m.code.End() && !s.Memory.Mapped(s.PC, 4) {
			res.Halt = HaltEndOfCode
			break
		}
		if err := m.Step(); err != nil {
			var fault *ExecutionFault
			if !errors.As(err, &fault) {
				fault = &ExecutionFault{Kind: FaultInternal, PC: s.PC, Err: err}
			}
			res.Halt = HaltFault
			res.Fault = fault
			break
		}
	}
	if res.Halt == HaltBudget && s.Exited && res.Fault == nil {
		// the final step of the budget was a terminating instruction
		res.Halt = HaltTerminated
	}
	res.Steps = s.Step
	res.DecodeErrors = m.decodeErrors
	return res
}

// Oracle is the ground-truth interpreter. It always hard-wires x0.
type Oracle struct {
	cfg Config
}

func NewOracle(cfg Config) (*Oracle, error) {
	cfg.X0Writable = false
	if err := cfg.Check(); err != nil {
		return nil, err
	}
	return &Oracle{cfg: cfg}, nil
}

func (o *Oracle) Config() Config {
	return o.cfg
}

// Execute runs words for at most budget instructions. Errors are only
// returned for programs that cannot be loaded; faults are part of the Result.
func (o *Oracle) Execute(words []uint32, budget uint64) (*Result, error) {
	m, err := NewMachine(words, o.cfg)
	if err != nil {
		return nil, err
	}
	return m.Run(budget), nil
}

// Execute runs words on an oracle with the default configuration.
func Execute(words []uint32, budget uint64) (*Result, error) {
	o, err := NewOracle(DefaultConfig())
	if err != nil {
		return nil, err
	}
	return o.Execute(words, budget)
}
