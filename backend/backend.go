package backend

import (
	"context"
	"errors"

	"github.com/zkfuzz/beak/riscv"
	"github.com/zkfuzz/beak/trace"
)

var (
	// ErrTimeout is returned when an execution exceeds its hard timeout.
	ErrTimeout = errors.New("backend execution timed out")
	// ErrUnavailable is returned when a backend cannot service a request at all.
	ErrUnavailable = errors.New("backend unavailable")
	// ErrInjectionNotSupported is returned for bucket ids without an injection mapping.
	ErrInjectionNotSupported = errors.New("injection not supported")
)

// Capabilities describes which parts of the Report a backend fills in.
type Capabilities struct {
	Buckets   bool `json:"buckets"`
	Memory    bool `json:"memory"`
	PC        bool `json:"pc"`
	Injection bool `json:"injection"`
}

// State is the final machine state as reported by a backend.
// Nil fields were not reported and are not compared.
type State struct {
	Regs   *[riscv.RegCount]uint32 `json:"regs,omitempty"`
	PC     *uint32                 `json:"pc,omitempty"`
	Memory map[uint32]byte         `json:"memory,omitempty"`
}

// Report is the result of a single backend execution.
type Report struct {
	Final        *State            `json:"final,omitempty"`
	BucketHits   []trace.BucketHit `json:"bucketHits,omitempty"`
	MicroOpCount uint64            `json:"microOpCount"`
	// Err is set when the backend ran but rejected or failed the execution.
	Err string `json:"err,omitempty"`
}

// Backend is a zkVM execution pipeline under test.
type Backend interface {
	Name() string
	Capabilities() Capabilities
	// Execute runs words for at most budget instructions.
	// Implementations must return promptly once ctx is done.
	Execute(ctx context.Context, words []uint32, budget uint64) (*Report, error)
}

// InjectionReport is the result of a targeted witness injection.
type InjectionReport struct {
	Report
	Kind     string `json:"kind"`
	BucketID string `json:"bucketId"`
	// Accepted means the backend's constraints did not reject the perturbed witness.
	Accepted bool `json:"accepted"`
}

// Injector is implemented by backends that can force internal witness values.
type Injector interface {
	// InjectionFor returns the injection kind mapped to bucketID.
	InjectionFor(bucketID string) (kind string, ok bool)
	// Inject returns ErrInjectionNotSupported if bucketID has no mapping.
	Inject(ctx context.Context, bucketID string, words []uint32, budget uint64) (*InjectionReport, error)
}

// SeedFilter is implemented by backends that cannot run every decodable program.
type SeedFilter interface {
	UsableSeed(words []uint32) error
}
