// Package eventcrypto implements the canonical-JSON, hashing, signing and
// event-ID primitives that every other room-server package builds on.
package eventcrypto

import (
	"bytes"
	"fmt"
	"sort"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// MaxCanonicalInt is the largest integer canonical JSON may carry, per the
// Matrix canonical-JSON spec (a safe IEEE-754 double).
const MaxCanonicalInt = (int64(1) << 53) - 1

// MinCanonicalInt is the smallest integer canonical JSON may carry.
const MinCanonicalInt = -MaxCanonicalInt

// ErrIntegerOutOfRange is returned when a JSON number falls outside the
// canonical JSON bounds.
type ErrIntegerOutOfRange struct {
	Value int64
}

func (e ErrIntegerOutOfRange) Error() string {
	return fmt.Sprintf("eventcrypto: integer %d out of canonical JSON range", e.Value)
}

// CanonicalJSON re-serializes a JSON document with sorted object keys, no
// insignificant whitespace, and validates integer bounds. It does not
// reorder array elements.
func CanonicalJSON(input []byte) ([]byte, error) {
	if !gjson.ValidBytes(input) {
		return nil, fmt.Errorf("eventcrypto: invalid JSON")
	}
	root := gjson.ParseBytes(input)
	var buf bytes.Buffer
	if err := writeCanonical(&buf, root); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func writeCanonical(buf *bytes.Buffer, v gjson.Result) error {
	switch v.Type {
	case gjson.True:
		buf.WriteString("true")
	case gjson.False:
		buf.WriteString("false")
	case gjson.Null:
		buf.WriteString("null")
	case gjson.Number:
		return writeCanonicalNumber(buf, v)
	case gjson.String:
		buf.WriteString(quoteCanonical(v.Str))
	case gjson.JSON:
		if v.IsArray() {
			return writeCanonicalArray(buf, v)
		}
		return writeCanonicalObject(buf, v)
	default:
		return fmt.Errorf("eventcrypto: unsupported JSON type")
	}
	return nil
}

func writeCanonicalNumber(buf *bytes.Buffer, v gjson.Result) error {
	if v.Num != float64(int64(v.Num)) {
		// Non-integral numbers are passed through exactly as written in
		// the input document.
		buf.WriteString(v.Raw)
		return nil
	}
	i := v.Int()
	if i > MaxCanonicalInt || i < MinCanonicalInt {
		return ErrIntegerOutOfRange{Value: i}
	}
	fmt.Fprintf(buf, "%d", i)
	return nil
}

func writeCanonicalArray(buf *bytes.Buffer, v gjson.Result) error {
	buf.WriteByte('[')
	first := true
	var outerErr error
	v.ForEach(func(_, value gjson.Result) bool {
		if !first {
			buf.WriteByte(',')
		}
		first = false
		if err := writeCanonical(buf, value); err != nil {
			outerErr = err
			return false
		}
		return true
	})
	if outerErr != nil {
		return outerErr
	}
	buf.WriteByte(']')
	return nil
}

func writeCanonicalObject(buf *bytes.Buffer, v gjson.Result) error {
	type kv struct {
		key string
		val gjson.Result
	}
	var pairs []kv
	v.ForEach(func(key, value gjson.Result) bool {
		pairs = append(pairs, kv{key: key.Str, val: value})
		return true
	})
	sort.Slice(pairs, func(i, j int) bool { return pairs[i].key < pairs[j].key })
	buf.WriteByte('{')
	for i, p := range pairs {
		if i > 0 {
			buf.WriteByte(',')
		}
		buf.WriteString(quoteCanonical(p.key))
		buf.WriteByte(':')
		if err := writeCanonical(buf, p.val); err != nil {
			return err
		}
	}
	buf.WriteByte('}')
	return nil
}

func quoteCanonical(s string) string {
	// sjson.Set on an empty document is a convenient, well-tested way to
	// get RFC 8259-correct string escaping without reimplementing it.
	out, _ := sjson.SetRaw("", "v", "null")
	out, _ = sjson.Set(out, "v", s)
	return gjson.Get(out, "v").Raw
}

// StripFields deletes the given top-level fields from a JSON document,
// returning the result. Used to remove unsigned/signatures/hashes before
// hashing or signing, and event_id before deriving it.
func StripFields(input []byte, fields ...string) ([]byte, error) {
	out := string(input)
	var err error
	for _, f := range fields {
		out, err = sjson.Delete(out, f)
		if err != nil {
			return nil, fmt.Errorf("eventcrypto: strip field %q: %w", f, err)
		}
	}
	return []byte(out), nil
}
