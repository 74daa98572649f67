// Package digest implements SHA-256 over bytes, strings, and canonical
// JSON objects, plus the sentinel/explicit-hash shortcuts that let a
// stored object bypass actual persistence.
package digest

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"deltacrdt/internal/common"
	"deltacrdt/internal/ojson"
)

// Bytes returns the lowercase hex SHA-256 digest of b.
func Bytes(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// String returns the lowercase hex SHA-256 digest of s.
func String(s string) string {
	return Bytes([]byte(s))
}

// Object computes the content digest of a stored object:
//
//   - an empty object hashes to the sentinel "e";
//   - an object carrying an explicit hash field (common.HashFieldKey)
//     uses that field's value verbatim as the digest, bypassing actual
//     hashing — this is what lets character-literal shortcuts skip
//     storage entirely;
//   - otherwise, the digest is SHA-256 of the object's canonical,
//     insertion-order-preserving serialization.
func Object(obj *ojson.Map) (string, error) {
	if obj == nil || obj.Len() == 0 {
		return common.SentinelEmpty, nil
	}
	if _, ok := obj.Get(common.IdentifierFieldKey); ok {
		return "", common.NewError(common.ErrConsistencyViolation, "identifier_in_object")
	}
	if raw, ok := obj.Get(common.HashFieldKey); ok {
		return explicitHashString(raw), nil
	}
	data, err := obj.MarshalJSON()
	if err != nil {
		return "", fmt.Errorf("digest: canonicalize object: %w", err)
	}
	return Bytes(data), nil
}

// explicitHashString renders an explicit hash field's value (string or
// JSON number, per ojson's decode representation) as the literal digest
// string, verbatim.
func explicitHashString(raw any) string {
	switch v := raw.(type) {
	case string:
		return v
	case json.Number:
		return v.String()
	default:
		data, _ := json.Marshal(v)
		return string(data)
	}
}
