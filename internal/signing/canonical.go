package signing

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
)

// coreFields is the fixed subset of content keys covered by a signature.
// Transient enrichments (rendered context, message history) are never signed,
// so adding them after the fact cannot invalidate an existing signature.
var coreFields = []string{"timestamp", "roomId", "roundId", "agentId", "text"}

// Canonicalize serializes arbitrary JSON content deterministically: object keys
// are sorted alphabetically at every nesting depth, array order is preserved,
// and the output is compact with no extraneous whitespace. A given logical
// value always canonicalizes to the same byte sequence regardless of the
// insertion order used to construct it.
func Canonicalize(raw json.RawMessage) ([]byte, error) {
	value, err := decodeValue(raw)
	if err != nil {
		return nil, fmt.Errorf("canonicalize: %w", err)
	}
	var buf bytes.Buffer
	if err := writeCanonical(&buf, value); err != nil {
		return nil, fmt.Errorf("canonicalize: %w", err)
	}
	return buf.Bytes(), nil
}

// CoreBytes extracts the signed field subset from the content and returns its
// canonical serialization. These are the exact bytes a sender must sign.
func CoreBytes(raw json.RawMessage) ([]byte, error) {
	value, err := decodeValue(raw)
	if err != nil {
		return nil, fmt.Errorf("core bytes: %w", err)
	}
	object, ok := value.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("core bytes: content must be a JSON object")
	}
	core := make(map[string]any, len(coreFields))
	for _, key := range coreFields {
		if v, ok := object[key]; ok {
			core[key] = v
		}
	}
	var buf bytes.Buffer
	if err := writeCanonical(&buf, core); err != nil {
		return nil, fmt.Errorf("core bytes: %w", err)
	}
	return buf.Bytes(), nil
}

func decodeValue(raw json.RawMessage) (any, error) {
	decoder := json.NewDecoder(bytes.NewReader(raw))
	// Preserve numeric literals exactly; float64 round-trips would alter the
	// signed bytes for large integers.
	decoder.UseNumber()
	var value any
	if err := decoder.Decode(&value); err != nil {
		return nil, err
	}
	return value, nil
}

func writeCanonical(buf *bytes.Buffer, value any) error {
	switch typed := value.(type) {
	case map[string]any:
		keys := make([]string, 0, len(typed))
		for key := range typed {
			keys = append(keys, key)
		}
		sort.Strings(keys)
		buf.WriteByte('{')
		for i, key := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			encodedKey, err := json.Marshal(key)
			if err != nil {
				return err
			}
			buf.Write(encodedKey)
			buf.WriteByte(':')
			if err := writeCanonical(buf, typed[key]); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
		return nil
	case []any:
		buf.WriteByte('[')
		for i, item := range typed {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := writeCanonical(buf, item); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
		return nil
	case json.Number:
		buf.WriteString(typed.String())
		return nil
	default:
		encoded, err := json.Marshal(typed)
		if err != nil {
			return err
		}
		buf.Write(encoded)
		return nil
	}
}
