package engine

import (
	"crypto/sha256"
	"encoding/hex"
	"io"
	"sort"
	"strings"
)

// fingerprintVersion is baked into every fingerprint so a change to the
// normalization rules invalidates old cache entries instead of colliding
// with them.
const fingerprintVersion = "v1"

// Fingerprint identifies one (source, entity, keywords) query. Equal
// fingerprints share cache entries and in-flight fetches.
type Fingerprint string

// NormalizeEntity lowercases and collapses runs of whitespace.
func NormalizeEntity(entity string) string {
	return strings.Join(strings.Fields(strings.ToLower(entity)), " ")
}

// NormalizeKeywords lowercases, trims, deduplicates and sorts keywords so
// keyword order never produces distinct fingerprints.
func NormalizeKeywords(keywords []string) []string {
	seen := make(map[string]struct{}, len(keywords))
	out := make([]string, 0, len(keywords))
	for _, kw := range keywords {
		kw = strings.Join(strings.Fields(strings.ToLower(kw)), " ")
		if kw == "" {
			continue
		}
		if _, dup := seen[kw]; dup {
			continue
		}
		seen[kw] = struct{}{}
		out = append(out, kw)
	}
	sort.Strings(out)
	return out
}

// FingerprintFor hashes the normalized query identity. Inputs are already
// normalized by the router; raw inputs are normalized here so direct callers
// get the same key.
func FingerprintFor(kind SourceKind, entity string, keywords []string) Fingerprint {
	h := sha256.New()
	io.WriteString(h, fingerprintVersion)
	h.Write([]byte{0})
	io.WriteString(h, string(kind))
	h.Write([]byte{0})
	io.WriteString(h, NormalizeEntity(entity))
	h.Write([]byte{0})
	for _, kw := range NormalizeKeywords(keywords) {
		io.WriteString(h, kw)
		h.Write([]byte{0x1f})
	}
	return Fingerprint(hex.EncodeToString(h.Sum(nil)))
}
