// Package canon serializes JSON values into the canonical atom form used
// for content addressing: object keys sorted by raw UTF-8 bytes, strings
// normalized to Unicode NFC, numbers as the shortest finite decimal
// without scientific notation, no whitespace between tokens.
//
// The canonical bytes are the only representation that exists inside the
// ledger; the atom hash is BLAKE3 over exactly those bytes with no
// domain-separation prefix, so the hash stays identity-equivalent to the
// canonical bytes.
package canon

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"math/big"
	"sort"
	"strconv"

	"golang.org/x/text/unicode/norm"

	"github.com/Mindburn-Labs/loom/pkg/crypto"
)

// EncodingError reports a value that cannot be canonicalized: a
// non-finite number, a duplicate object key, or an unrepresentable type.
type EncodingError struct {
	Reason string
}

func (e *EncodingError) Error() string {
	return "encoding error: " + e.Reason
}

// Canonicalize returns the canonical byte form of a Go value. The value
// is first marshalled through encoding/json so struct tags apply, then
// re-serialized under the canonical rules.
func Canonicalize(v any) ([]byte, error) {
	intermediate, err := json.Marshal(v)
	if err != nil {
		return nil, &EncodingError{Reason: fmt.Sprintf("unrepresentable value: %v", err)}
	}
	return CanonicalizeJSON(intermediate)
}

// CanonicalizeJSON canonicalizes a raw JSON document. Unlike
// encoding/json's default decoding, duplicate object keys are rejected
// rather than last-one-wins.
func CanonicalizeJSON(raw []byte) ([]byte, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()

	v, err := parseValue(dec)
	if err != nil {
		return nil, err
	}
	if _, err := dec.Token(); err != io.EOF {
		return nil, &EncodingError{Reason: "trailing data after JSON value"}
	}

	var buf bytes.Buffer
	if err := appendCanonical(&buf, v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// HashAtom computes the BLAKE3 digest of the exact canonical bytes.
// No tag is prepended.
func HashAtom(canonical []byte) crypto.Hash {
	return crypto.Sum(canonical)
}

// CanonicalHash canonicalizes v and hashes the result in one step.
func CanonicalHash(v any) (crypto.Hash, []byte, error) {
	b, err := Canonicalize(v)
	if err != nil {
		return crypto.Hash{}, nil, err
	}
	return HashAtom(b), b, nil
}

// parseValue consumes one JSON value from the token stream. Object keys
// are NFC-normalized before duplicate detection so two spellings of the
// same normalized key collide.
func parseValue(dec *json.Decoder) (any, error) {
	tok, err := dec.Token()
	if err != nil {
		return nil, &EncodingError{Reason: fmt.Sprintf("malformed JSON: %v", err)}
	}
	return parseToken(dec, tok)
}

func parseToken(dec *json.Decoder, tok json.Token) (any, error) {
	switch t := tok.(type) {
	case json.Delim:
		switch t {
		case '{':
			obj := make(map[string]any)
			for dec.More() {
				keyTok, err := dec.Token()
				if err != nil {
					return nil, &EncodingError{Reason: fmt.Sprintf("malformed JSON: %v", err)}
				}
				key, ok := keyTok.(string)
				if !ok {
					return nil, &EncodingError{Reason: "object key is not a string"}
				}
				key = norm.NFC.String(key)
				if _, dup := obj[key]; dup {
					return nil, &EncodingError{Reason: fmt.Sprintf("duplicate object key %q", key)}
				}
				val, err := parseValue(dec)
				if err != nil {
					return nil, err
				}
				obj[key] = val
			}
			if _, err := dec.Token(); err != nil { // closing '}'
				return nil, &EncodingError{Reason: fmt.Sprintf("malformed JSON: %v", err)}
			}
			return obj, nil
		case '[':
			arr := make([]any, 0)
			for dec.More() {
				val, err := parseValue(dec)
				if err != nil {
					return nil, err
				}
				arr = append(arr, val)
			}
			if _, err := dec.Token(); err != nil { // closing ']'
				return nil, &EncodingError{Reason: fmt.Sprintf("malformed JSON: %v", err)}
			}
			return arr, nil
		}
		return nil, &EncodingError{Reason: fmt.Sprintf("unexpected delimiter %v", t)}
	case string, json.Number, bool, nil:
		return t, nil
	default:
		return nil, &EncodingError{Reason: fmt.Sprintf("unrepresentable token %T", tok)}
	}
}

func appendCanonical(buf *bytes.Buffer, v any) error {
	switch t := v.(type) {
	case nil:
		buf.WriteString("null")
	case bool:
		if t {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
	case json.Number:
		s, err := normalizeNumber(t)
		if err != nil {
			return err
		}
		buf.WriteString(s)
	case string:
		b, err := encodeString(norm.NFC.String(t))
		if err != nil {
			return err
		}
		buf.Write(b)
	case []any:
		buf.WriteByte('[')
		for i, elem := range t {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := appendCanonical(buf, elem); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	case map[string]any:
		// Go string ordering is raw byte order, which is exactly the
		// required UTF-8 byte sort.
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			kb, err := encodeString(k)
			if err != nil {
				return err
			}
			buf.Write(kb)
			buf.WriteByte(':')
			if err := appendCanonical(buf, t[k]); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
	default:
		return &EncodingError{Reason: fmt.Sprintf("unrepresentable type %T", v)}
	}
	return nil
}

// encodeString emits a JSON string without HTML escaping.
func encodeString(s string) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(s); err != nil {
		return nil, &EncodingError{Reason: fmt.Sprintf("string encoding failed: %v", err)}
	}
	// json.Encoder appends a newline; trim it.
	return bytes.TrimSuffix(buf.Bytes(), []byte{'\n'}), nil
}

// normalizeNumber renders the shortest finite decimal form without
// scientific notation. Integer literals of any magnitude keep exact
// precision; fractional and exponent forms go through IEEE 754 binary64.
func normalizeNumber(n json.Number) (string, error) {
	s := string(n)
	if isIntegerLiteral(s) {
		i, ok := new(big.Int).SetString(s, 10)
		if !ok {
			return "", &EncodingError{Reason: fmt.Sprintf("malformed number %q", s)}
		}
		// big.Int folds "-0" to "0" and strips leading zeros.
		return i.String(), nil
	}

	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return "", &EncodingError{Reason: fmt.Sprintf("non-finite number %q", s)}
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return "", &EncodingError{Reason: fmt.Sprintf("non-finite number %q", s)}
	}
	if f == 0 {
		// Covers "-0.0" and "0e5".
		return "0", nil
	}
	return strconv.FormatFloat(f, 'f', -1, 64), nil
}

func isIntegerLiteral(s string) bool {
	if len(s) == 0 {
		return false
	}
	if s[0] == '-' {
		s = s[1:]
	}
	if len(s) == 0 {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}
