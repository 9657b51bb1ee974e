// Package canonical produces deterministic JSON bytes for hash inputs.
//
// The ledger's hash chain depends on byte-for-byte reproducible serialization:
// the same logical value must canonicalize identically on every run and on
// every code path (append, verification, export). Rules:
//   - object keys are sorted lexicographically
//   - array order is preserved
//   - numbers keep their textual form (decode with UseNumber before encoding)
//   - timestamps are normalized to RFC3339Nano in UTC
//   - absent optional values encode as the literal null, never omitted
package canonical

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"time"
)

// Marshal returns deterministic JSON bytes for a JSON-like value.
func Marshal(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	if err := encode(&buf, v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// NormalizeTime renders t in the single canonical textual form used in hash
// inputs: RFC3339 with nanoseconds, UTC.
func NormalizeTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func encode(buf *bytes.Buffer, v interface{}) error {
	switch vv := v.(type) {
	case nil:
		buf.WriteString("null")
	case bool:
		if vv {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
	case json.Number:
		buf.WriteString(vv.String())
	case int:
		fmt.Fprintf(buf, "%d", vv)
	case int64:
		fmt.Fprintf(buf, "%d", vv)
	case float64:
		// Fallback for numbers unmarshaled without UseNumber.
		b, _ := json.Marshal(vv)
		buf.Write(b)
	case string:
		b, _ := json.Marshal(vv)
		buf.Write(b)
	case time.Time:
		b, _ := json.Marshal(NormalizeTime(vv))
		buf.Write(b)
	case []string:
		buf.WriteByte('[')
		for i, elem := range vv {
			if i > 0 {
				buf.WriteByte(',')
			}
			b, _ := json.Marshal(elem)
			buf.Write(b)
		}
		buf.WriteByte(']')
	case []interface{}:
		buf.WriteByte('[')
		for i, elem := range vv {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := encode(buf, elem); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	case map[string]interface{}:
		keys := make([]string, 0, len(vv))
		for k := range vv {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			kb, _ := json.Marshal(k)
			buf.Write(kb)
			buf.WriteByte(':')
			if err := encode(buf, vv[k]); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
	default:
		// Structs and anything else: marshal, re-decode with UseNumber so the
		// numeric text survives, and encode the generic form recursively.
		b, err := json.Marshal(vv)
		if err != nil {
			return fmt.Errorf("canonical marshal fallback: %w", err)
		}
		var tmp interface{}
		dec := json.NewDecoder(bytes.NewReader(b))
		dec.UseNumber()
		if err := dec.Decode(&tmp); err != nil {
			return fmt.Errorf("canonical decode fallback: %w", err)
		}
		return encode(buf, tmp)
	}
	return nil
}
