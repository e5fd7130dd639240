package trace

import (
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

// Novelty remembers every signature observed during one run.
type Novelty struct {
	seen map[Signature]int
}

func NewNovelty() *Novelty {
	return &Novelty{seen: make(map[Signature]int)}
}

// Observe records sig and reports whether it had not been seen before.
// The empty signature is never novel.
func (n *Novelty) Observe(sig Signature) bool {
	if sig.Empty() {
		return false
	}
	n.seen[sig]++
	return n.seen[sig] == 1
}

func (n *Novelty) Seen(sig Signature) bool {
	_, ok := n.seen[sig]
	return ok
}

// Hits returns how many times sig was observed.
func (n *Novelty) Hits(sig Signature) int {
	return n.seen[sig]
}

func (n *Novelty) Len() int {
	return len(n.seen)
}

// Signatures lists the observed signatures in sorted order.
func (n *Novelty) Signatures() []Signature {
	out := maps.Keys(n.seen)
	slices.Sort(out)
	return out
}
