package corpus

import "github.com/zkfuzz/beak/trace"

// Record is one line of the corpus stream.
type Record struct {
	Zkvm         string         `json:"zkvm"`
	ZkvmCommit   string         `json:"zkvm_commit"`
	RngSeed      int64          `json:"rng_seed"`
	TimeoutMs    int64          `json:"timeout_ms"`
	Instructions Program        `json:"instructions"`
	BucketSig    string         `json:"bucket_sig"`
	TimedOut     bool           `json:"timed_out"`
	Mismatch     bool           `json:"mismatch"`
	Verdict      string         `json:"verdict"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

// MismatchReg is one register that differs between oracle and backend.
type MismatchReg struct {
	Idx     int    `json:"idx"`
	Oracle  uint32 `json:"oracle"`
	Backend uint32 `json:"backend"`
}

// BugRecord is one line of the bug stream.
type BugRecord struct {
	Record
	Kind           string            `json:"kind"`
	MicroOpCount   uint64            `json:"micro_op_count"`
	BucketHitCount int               `json:"bucket_hit_count"`
	BucketHits     []trace.BucketHit `json:"bucket_hits"`
	MismatchRegs   []MismatchReg     `json:"mismatch_regs,omitempty"`
	MismatchPC     bool              `json:"mismatch_pc,omitempty"`
	MismatchMem    []uint32          `json:"mismatch_mem,omitempty"`
	BackendError   string            `json:"backend_error,omitempty"`
	OracleError    string            `json:"oracle_error,omitempty"`

	InjectKind                string `json:"inject_kind,omitempty"`
	BucketID                  string `json:"bucket_id,omitempty"`
	UnderconstrainedCandidate bool   `json:"underconstrained_candidate"`
}
