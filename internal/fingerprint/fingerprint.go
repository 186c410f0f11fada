// Package fingerprint computes a stable, collision-resistant identity for a
// normalized request, used as the cache and single-flight key.
package fingerprint

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/cespare/xxhash/v2"
	"golang.org/x/text/unicode/norm"

	"github.com/ai-gateway/orchestrator/internal/capability"
)

// Fingerprint is a 128-bit stable hash: two salted 64-bit xxhash digests of
// the canonical serialization, concatenated. xxhash.Sum64 alone is only
// 64-bit; running it twice with distinct seeds over the same input gives
// enough bits that accidental collisions across unrelated requests are a
// non-issue at gateway scale, without pulling in a dedicated 128-bit hash
// library the pack doesn't otherwise use.
type Fingerprint [16]byte

func (f Fingerprint) String() string { return hex.EncodeToString(f[:]) }

// IsZero reports whether f is the zero value (never computed).
func (f Fingerprint) IsZero() bool { return f == Fingerprint{} }

const (
	seedA uint64 = 0x9e3779b97f4a7c15
	seedB uint64 = 0xc2b2ae3d27d4eb4f
)

// Compute builds the fingerprint from a capability tag and its backend-
// visible parameters. Parameters must already have been produced by
// capability.Decode, which normalizes floats and trims prompt whitespace;
// Compute additionally applies Unicode NFC normalization to every string
// value so that visually-identical prompts collide.
func Compute(cap capability.Capability, params map[string]any) Fingerprint {
	canon := canonicalize(params)
	payload := append([]byte(string(cap)+"|"), canon...)

	digA := xxhash.NewWithSeed(seedA)
	digA.Write(payload)
	digB := xxhash.NewWithSeed(seedB)
	digB.Write(payload)

	var fp Fingerprint
	putUint64(fp[0:8], digA.Sum64())
	putUint64(fp[8:16], digB.Sum64())
	return fp
}

func putUint64(b []byte, v uint64) {
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (8 * uint(i)))
	}
}

// canonicalize produces a deterministic byte serialization of params:
// keys sorted, nested maps recursively sorted, strings NFC-normalized.
func canonicalize(params map[string]any) []byte {
	normalized := normalizeValue(params)
	b, err := json.Marshal(normalized)
	if err != nil {
		// Marshaling a plain map of JSON-compatible values never fails in
		// practice; fall back to a stable textual form rather than panic.
		return []byte(fmt.Sprintf("%v", normalized))
	}
	return b
}

func normalizeValue(v any) any {
	switch t := v.(type) {
	case string:
		return norm.NFC.String(t)
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		out := make(map[string]any, len(t))
		for _, k := range keys {
			out[k] = normalizeValue(t[k])
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = normalizeValue(e)
		}
		return out
	case []map[string]string:
		out := make([]any, len(t))
		for i, e := range t {
			m := make(map[string]any, len(e))
			for k, v := range e {
				m[k] = v
			}
			out[i] = normalizeValue(m)
		}
		return out
	default:
		return t
	}
}

// Normalize trims trailing whitespace and applies NFC; exposed for callers
// that need to hash a bare string outside of a capability.Request.
func Normalize(s string) string {
	return norm.NFC.String(strings.TrimRight(s, " \t\r\n"))
}
