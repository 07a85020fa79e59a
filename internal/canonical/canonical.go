// Package canonical produces the canonical JSON form of evidence payloads
// and the content hash derived from it. The canonical form is stable across
// serializations: object keys are sorted, numbers are normalized (no
// trailing zeros, integer vs float preserved) and strings are NFC-normalized.
// The content hash is the hex SHA-256 of the canonical bytes.
package canonical

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// Marshal returns the canonical JSON encoding of v. Arbitrary structs are
// accepted: anything that is not already a decoded JSON tree is round-tripped
// through encoding/json first so field tags apply.
func Marshal(v any) ([]byte, error) {
	tree, err := toTree(v)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := writeValue(&buf, tree); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Hash returns the hex SHA-256 content hash of v's canonical form and the
// canonical size in bytes.
func Hash(v any) (string, int, error) {
	data, err := Marshal(v)
	if err != nil {
		return "", 0, err
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), len(data), nil
}

// toTree converts v into a decoded JSON tree (maps, slices, json.Number,
// string, bool, nil) with numbers kept as literals.
func toTree(v any) (any, error) {
	switch v.(type) {
	case nil, bool, string, json.Number,
		map[string]any, []any,
		int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64,
		float32, float64:
		return v, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canonicalize: %w", err)
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var tree any
	if err := dec.Decode(&tree); err != nil {
		return nil, fmt.Errorf("canonicalize: %w", err)
	}
	return tree, nil
}

func writeValue(buf *bytes.Buffer, v any) error {
	switch val := v.(type) {
	case nil:
		buf.WriteString("null")
	case bool:
		if val {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
	case string:
		return writeString(buf, val)
	case json.Number:
		return writeNumberLiteral(buf, string(val))
	case int:
		buf.WriteString(strconv.FormatInt(int64(val), 10))
	case int8, int16, int32, int64:
		buf.WriteString(fmt.Sprintf("%d", val))
	case uint, uint8, uint16, uint32, uint64:
		buf.WriteString(fmt.Sprintf("%d", val))
	case float32:
		return writeFloat(buf, float64(val))
	case float64:
		return writeFloat(buf, val)
	case []any:
		buf.WriteByte('[')
		for i, item := range val {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := writeValue(buf, item); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := writeString(buf, k); err != nil {
				return err
			}
			buf.WriteByte(':')
			if err := writeValue(buf, val[k]); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
	default:
		// Nested struct inside a map value: round-trip and retry.
		tree, err := toTree(val)
		if err != nil {
			return err
		}
		if _, again := tree.(map[string]any); !again {
			if _, arr := tree.([]any); !arr {
				switch tree.(type) {
				case nil, bool, string, json.Number:
				default:
					return fmt.Errorf("canonicalize: unsupported type %T", val)
				}
			}
		}
		return writeValue(buf, tree)
	}
	return nil
}

func writeString(buf *bytes.Buffer, s string) error {
	encoded, err := json.Marshal(norm.NFC.String(s))
	if err != nil {
		return fmt.Errorf("canonicalize string: %w", err)
	}
	buf.Write(encoded)
	return nil
}

// writeNumberLiteral normalizes a JSON number literal. Integer literals stay
// integers; anything written with a decimal point or exponent stays a float
// even when its value is integral, so re-canonicalizing is a fixed point.
func writeNumberLiteral(buf *bytes.Buffer, lit string) error {
	if !strings.ContainsAny(lit, ".eE") {
		n, err := strconv.ParseInt(lit, 10, 64)
		if err == nil {
			buf.WriteString(strconv.FormatInt(n, 10))
			return nil
		}
		// Out of int64 range: fall through to float handling.
	}
	f, err := strconv.ParseFloat(lit, 64)
	if err != nil {
		return fmt.Errorf("canonicalize number %q: %w", lit, err)
	}
	return writeFloat(buf, f)
}

func writeFloat(buf *bytes.Buffer, f float64) error {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return fmt.Errorf("canonicalize number: %v not representable in JSON", f)
	}
	s := strconv.FormatFloat(f, 'g', -1, 64)
	// Keep floats recognizable as floats.
	if !strings.ContainsAny(s, ".eE") {
		s += ".0"
	}
	buf.WriteString(s)
	return nil
}
