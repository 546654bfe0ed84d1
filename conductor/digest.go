// ABOUTME: Canonical JSON digest: SHA-256 over a key-order-independent serialization.
// ABOUTME: Two deeply equal documents always digest identically regardless of insertion order.
package conductor

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// CanonicalJSON serializes a value with object keys sorted at every depth.
// Arrays keep their order. Numbers round-trip through json.Number so 1 and
// 1.0 are preserved exactly as written rather than as float64 artifacts.
func CanonicalJSON(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal value: %w", err)
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var generic any
	if err := dec.Decode(&generic); err != nil {
		return nil, fmt.Errorf("decode for canonicalization: %w", err)
	}

	// encoding/json sorts map keys when marshaling map[string]any, which is
	// exactly the canonical ordering we need.
	canonical, err := json.Marshal(generic)
	if err != nil {
		return nil, fmt.Errorf("marshal canonical form: %w", err)
	}
	return canonical, nil
}

// DigestJSON returns the lowercase hex SHA-256 of the canonical JSON form of v.
// Every persisted digest (patch_digest, inputs_digest) goes through this
// function; hashing a plain json.Marshal output is not equivalent because key
// insertion order would leak into the hash.
func DigestJSON(v any) (string, error) {
	canonical, err := CanonicalJSON(v)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}
