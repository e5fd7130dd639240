package corpus

import (
	"math/rand"

	"github.com/zkfuzz/beak/trace"
)

// Entry is a retained seed and the signature it produced.
type Entry struct {
	Seed      *Seed
	Signature trace.Signature
	// Reward is the bandit reward of the step that admitted the entry.
	Reward float64
}

// Store is the in-memory corpus. It is owned by a single loop and not
// safe for concurrent use.
type Store struct {
	entries []*Entry
	bySig   map[trace.Signature]int

	allowDuplicates bool
}

// NewStore creates an empty corpus. Unless allowDuplicates is set, no two
// entries share a signature.
func NewStore(allowDuplicates bool) *Store {
	return &Store{
		bySig:           make(map[trace.Signature]int),
		allowDuplicates: allowDuplicates,
	}
}

// Add admits the seed and reports whether it was stored.
func (s *Store) Add(seed *Seed, sig trace.Signature, reward float64) bool {
	if _, ok := s.bySig[sig]; ok && !s.allowDuplicates {
		return false
	}
	s.bySig[sig] = len(s.entries)
	s.entries = append(s.entries, &Entry{Seed: seed, Signature: sig, Reward: reward})
	return true
}

func (s *Store) Contains(sig trace.Signature) bool {
	_, ok := s.bySig[sig]
	return ok
}

// Pick returns a uniformly random entry, or false when the corpus is empty.
func (s *Store) Pick(rng *rand.Rand) (*Entry, bool) {
	if len(s.entries) == 0 {
		return nil, false
	}
	return s.entries[rng.Intn(len(s.entries))], true
}

func (s *Store) Len() int {
	return len(s.entries)
}

func (s *Store) Entries() []*Entry {
	return s.entries
}
