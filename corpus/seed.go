package corpus

import "golang.org/x/exp/maps"

// Well-known metadata keys.
const (
	MetaKind     = "kind"
	MetaArm      = "arm"
	MetaPhase    = "phase"
	MetaRunID    = "run_id"
	MetaTimedOut = "timed_out"
	MetaMismatch = "mismatch"
	MetaSource   = "source"
)

// Seed is an instruction sequence plus free-form metadata. The words are
// never modified after creation; metadata is appended after execution.
type Seed struct {
	Words    Program        `json:"instructions"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

func NewSeed(words Program, kind string) *Seed {
	return &Seed{Words: words, Metadata: map[string]any{MetaKind: kind}}
}

func (s *Seed) Len() int {
	return len(s.Words)
}

func (s *Seed) SetMeta(key string, value any) {
	if s.Metadata == nil {
		s.Metadata = make(map[string]any)
	}
	s.Metadata[key] = value
}

func (s *Seed) Meta(key string) (any, bool) {
	v, ok := s.Metadata[key]
	return v, ok
}

// Derive creates a child seed with new words and a copy of the metadata.
func (s *Seed) Derive(words Program) *Seed {
	out := &Seed{Words: words}
	if s != nil && s.Metadata != nil {
		out.Metadata = maps.Clone(s.Metadata)
	}
	return out
}
