// Package canon implements deterministic canonicalization and
// content hashing for manifests and payloads, grounded on the
// append-only log record hashing pattern used elsewhere in the
// pipeline (a flat SHA-256-over-payload scheme), generalized here to
// full recursive canonical JSON since manifests and payloads are
// arbitrarily nested.
package canon

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"unicode/utf8"

	"domaindetermine.io/governance/internal/apperr"
)

// Canonicalize serializes x to a deterministic byte sequence: UTF-8,
// object keys sorted lexicographically at every nesting level, no
// insignificant whitespace, integer-only numerics, and explicit null
// handling (a Go nil is emitted as "null"). It rejects floats,
// non-UTF-8 strings and values outside the supported type set with
// SCHEMA_VIOLATION.
//
// Contract: Canonicalize is idempotent over its own output re-parsed
// back to the same shape, and two semantically equal inputs produce
// identical bytes and identical hash.
func Canonicalize(x any) ([]byte, error) {
	var b strings.Builder
	if err := encode(&b, x); err != nil {
		return nil, err
	}
	return []byte(b.String()), nil
}

// Hash canonicalizes x and returns (canonical_bytes, sha256_hex).
func Hash(x any) ([]byte, string, error) {
	bytes, err := Canonicalize(x)
	if err != nil {
		return nil, "", err
	}
	sum := sha256.Sum256(bytes)
	return bytes, hex.EncodeToString(sum[:]), nil
}

// HashBytes returns the sha256 hex digest of raw bytes, used for
// content-addressing opaque payload blobs.
func HashBytes(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

func encode(b *strings.Builder, x any) error {
	switch v := x.(type) {
	case nil:
		b.WriteString("null")
		return nil
	case bool:
		if v {
			b.WriteString("true")
		} else {
			b.WriteString("false")
		}
		return nil
	case string:
		return encodeString(b, v)
	case int:
		b.WriteString(strconv.FormatInt(int64(v), 10))
		return nil
	case int32:
		b.WriteString(strconv.FormatInt(int64(v), 10))
		return nil
	case int64:
		b.WriteString(strconv.FormatInt(v, 10))
		return nil
	case uint64:
		b.WriteString(strconv.FormatUint(v, 10))
		return nil
	case float32, float64:
		return apperr.SchemaViolation("canonicalize: floats are not permitted in manifests or payloads")
	case map[string]any:
		return encodeObject(b, v)
	case []any:
		return encodeArray(b, v)
	default:
		return apperr.SchemaViolation(fmt.Sprintf("canonicalize: unsupported type %T", x))
	}
}

func encodeString(b *strings.Builder, s string) error {
	if !utf8.ValidString(s) {
		return apperr.SchemaViolation("canonicalize: string is not valid UTF-8")
	}
	b.WriteByte('"')
	for _, r := range s {
		switch r {
		case '"':
			b.WriteString(`\"`)
		case '\\':
			b.WriteString(`\\`)
		case '\n':
			b.WriteString(`\n`)
		case '\r':
			b.WriteString(`\r`)
		case '\t':
			b.WriteString(`\t`)
		default:
			if r < 0x20 {
				fmt.Fprintf(b, `\u%04x`, r)
			} else {
				b.WriteRune(r)
			}
		}
	}
	b.WriteByte('"')
	return nil
}

func encodeObject(b *strings.Builder, m map[string]any) error {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	b.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			b.WriteByte(',')
		}
		if err := encodeString(b, k); err != nil {
			return err
		}
		b.WriteByte(':')
		if err := encode(b, m[k]); err != nil {
			return err
		}
	}
	b.WriteByte('}')
	return nil
}

func encodeArray(b *strings.Builder, arr []any) error {
	b.WriteByte('[')
	for i, v := range arr {
		if i > 0 {
			b.WriteByte(',')
		}
		if err := encode(b, v); err != nil {
			return err
		}
	}
	b.WriteByte(']')
	return nil
}
