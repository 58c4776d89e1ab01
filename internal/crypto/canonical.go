package crypto

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math/big"
	"sort"
)

// CanonicalJSON renders payload as UTF-8 JSON with object keys sorted by
// code point, no insignificant whitespace, and numbers without trailing
// zeros. The "signatures" field, if present at the top level, is dropped
// before encoding — it is never part of the signed payload.
//
// There is no canonical-JSON library in the retrieval pack's dependency
// surface; this walks the generic decode tree from encoding/json instead
// of hand-rolling a parser (see DESIGN.md).
func CanonicalJSON(payload map[string]any) ([]byte, error) {
	clone := make(map[string]any, len(payload))
	for k, v := range payload {
		if k == "signatures" {
			continue
		}
		clone[k] = v
	}
	var buf bytes.Buffer
	if err := encodeValue(&buf, clone); err != nil {
		return nil, fmt.Errorf("canonical json encode: %w", err)
	}
	return buf.Bytes(), nil
}

func encodeValue(buf *bytes.Buffer, v any) error {
	switch val := v.(type) {
	case map[string]any:
		return encodeObject(buf, val)
	case []any:
		return encodeArray(buf, val)
	case json.Number:
		buf.WriteString(normalizeNumber(val.String()))
		return nil
	case float64:
		// Large decoded documents may carry float64 from a prior
		// json.Unmarshal pass; render through big.Float to avoid
		// scientific notation and trailing zeros.
		r := new(big.Float).SetFloat64(val)
		buf.WriteString(normalizeNumber(r.Text('f', -1)))
		return nil
	case string:
		encoded, err := json.Marshal(val)
		if err != nil {
			return err
		}
		buf.Write(encoded)
		return nil
	case bool, nil:
		encoded, err := json.Marshal(val)
		if err != nil {
			return err
		}
		buf.Write(encoded)
		return nil
	default:
		// Structs and other concrete types: round-trip through
		// json.Marshal/Unmarshal with UseNumber so nested numbers stay
		// exact, then encode the resulting generic tree.
		raw, err := json.Marshal(val)
		if err != nil {
			return err
		}
		dec := json.NewDecoder(bytes.NewReader(raw))
		dec.UseNumber()
		var generic any
		if err := dec.Decode(&generic); err != nil {
			return err
		}
		return encodeValue(buf, generic)
	}
}

func encodeObject(buf *bytes.Buffer, obj map[string]any) error {
	keys := make([]string, 0, len(obj))
	for k := range obj {
		keys = append(keys, k)
	}
	sort.Strings(keys) // sorts by code point for ASCII keys, which PIDs/field names are
	buf.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		keyBytes, err := json.Marshal(k)
		if err != nil {
			return err
		}
		buf.Write(keyBytes)
		buf.WriteByte(':')
		if err := encodeValue(buf, obj[k]); err != nil {
			return err
		}
	}
	buf.WriteByte('}')
	return nil
}

func encodeArray(buf *bytes.Buffer, arr []any) error {
	buf.WriteByte('[')
	for i, v := range arr {
		if i > 0 {
			buf.WriteByte(',')
		}
		if err := encodeValue(buf, v); err != nil {
			return err
		}
	}
	buf.WriteByte(']')
	return nil
}

// normalizeNumber strips a trailing ".0"/trailing zeros so integral values
// serialize as bare integers and decimals drop insignificant trailing digits.
func normalizeNumber(s string) string {
	if !bytes.ContainsAny([]byte(s), ".eE") {
		return s
	}
	if bytes.ContainsAny([]byte(s), "eE") {
		return s // leave scientific notation as-is; inputs should avoid it
	}
	trimmed := bytes.TrimRight([]byte(s), "0")
	trimmed = bytes.TrimRight(trimmed, ".")
	if len(trimmed) == 0 {
		return "0"
	}
	return string(trimmed)
}
