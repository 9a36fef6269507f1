// Package canonicalize produces the RFC 8785 (JSON Canonicalization Scheme)
// byte form of a receipt and the SHA-256 digest that serves as its
// idempotency key.
package canonicalize

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/gowebpki/jcs"
)

// serverAssignedFields never participate in the hash preimage: they are
// assigned by the server after admission, so including them would break
// idempotent replay.
var serverAssignedFields = []string{
	"canonical_hash",
	"uuid",
	"created_at",
	"tenant_id",
}

// Bytes returns the RFC 8785 canonical JSON form of v: keys sorted
// lexicographically at every level, no insignificant whitespace, UTF-8
// without BOM, shortest round-trip numbers.
func Bytes(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canonicalize: marshal: %w", err)
	}
	out, err := jcs.Transform(raw)
	if err != nil {
		return nil, fmt.Errorf("canonicalize: transform: %w", err)
	}
	return out, nil
}

// HashBytes returns the lowercase hex SHA-256 of data.
func HashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Hash returns the canonical hash of an arbitrary value.
func Hash(v any) (string, error) {
	b, err := Bytes(v)
	if err != nil {
		return "", err
	}
	return HashBytes(b), nil
}

// ReceiptPreimage strips the server-assigned fields from a decoded receipt
// payload, leaving only content-bearing fields. The input is not mutated.
func ReceiptPreimage(payload map[string]any) map[string]any {
	pre := make(map[string]any, len(payload))
	for k, v := range payload {
		pre[k] = v
	}
	for _, f := range serverAssignedFields {
		delete(pre, f)
	}
	return pre
}

// ReceiptHash computes the canonical hash of a receipt payload after
// excluding server-assigned fields. Two payloads with identical content
// always produce identical hashes, regardless of key order or whitespace.
func ReceiptHash(payload map[string]any) (string, error) {
	return Hash(ReceiptPreimage(payload))
}

// JSONSize returns the byte size of v serialized with canonical separators.
// Used for body-size admission checks.
func JSONSize(v any) (int, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return 0, fmt.Errorf("canonicalize: size: %w", err)
	}
	return len(b), nil
}
