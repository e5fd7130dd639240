// Package trace turns backend bucket hits into order-independent signatures
// and tracks which signatures a run has already seen.
package trace

import (
	"encoding/binary"
	"strings"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

// Separator joins bucket ids inside a signature.
const Separator = "\n"

// FallbackPrefix marks signatures derived from the instruction words
// rather than from backend buckets.
const FallbackPrefix = "words:"

// BucketHit is one backend-observed event. Details are informational and
// never take part in the signature.
type BucketHit struct {
	BucketID string         `json:"bucket_id"`
	Details  map[string]any `json:"details,omitempty"`
}

// Signature is the canonical form of a set of bucket ids.
type Signature string

func (s Signature) Empty() bool {
	return s == ""
}

// IDs splits the signature back into its sorted bucket ids.
func (s Signature) IDs() []string {
	if s.Empty() {
		return nil
	}
	return strings.Split(string(s), Separator)
}

func (s Signature) IsFallback() bool {
	return strings.HasPrefix(string(s), FallbackPrefix)
}

// Canonicalize builds the signature of one execution's hits. Hit order,
// duplicates and details do not change the result.
func Canonicalize(hits []BucketHit) Signature {
	ids := make([]string, len(hits))
	for i, h := range hits {
		ids[i] = h.BucketID
	}
	return SignatureOf(ids)
}

// SignatureOf canonicalizes raw bucket ids. Ids are trimmed and empty ids dropped.
func SignatureOf(ids []string) Signature {
	set := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if id = strings.TrimSpace(id); id != "" {
			set[id] = struct{}{}
		}
	}
	sorted := maps.Keys(set)
	slices.Sort(sorted)
	return Signature(strings.Join(sorted, Separator))
}

// Fallback derives a signature from the words themselves, for backends that
// report no buckets.
func Fallback(words []uint32) Signature {
	buf := make([]byte, 0, len(words)*4)
	for _, w := range words {
		buf = binary.LittleEndian.AppendUint32(buf, w)
	}
	h := crypto.Keccak256(buf)
	return Signature(FallbackPrefix + hexutil.Encode(h[:8])[2:])
}

// Counts returns how often each bucket id was hit.
func Counts(hits []BucketHit) map[string]int {
	out := make(map[string]int)
	for _, h := range hits {
		out[strings.TrimSpace(h.BucketID)]++
	}
	return out
}
