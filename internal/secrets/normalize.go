package secrets

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
)

// Normalize returns the canonical serialization of a parameter map, used as
// the ledger uniqueness key. Canonicalization is a recursive lexicographic
// key sort over objects; array element order is preserved. Credential fields
// must already be in ciphertext form when this is called, so the stored key
// never embeds plaintext secrets.
//
// Two parameter maps that differ only in key order normalize identically.
// Because ciphertext tokens carry a random nonce, two separate encryptions of
// the same plaintext normalize differently; only redeliveries of the same
// task message collapse to one ledger row, which is exactly the at-least-once
// dedup the ledger needs.
func Normalize(params map[string]any) (string, error) {
	var buf bytes.Buffer
	if err := writeCanonical(&buf, params); err != nil {
		return "", fmt.Errorf("secrets: failed to normalize params: %w", err)
	}
	return buf.String(), nil
}

func writeCanonical(buf *bytes.Buffer, v any) error {
	switch val := v.(type) {
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
			keyJSON, err := json.Marshal(k)
			if err != nil {
				return err
			}
			buf.Write(keyJSON)
			buf.WriteByte(':')
			if err := writeCanonical(buf, val[k]); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
		return nil

	case []any:
		buf.WriteByte('[')
		for i, elem := range val {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := writeCanonical(buf, elem); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
		return nil

	default:
		// Scalars (and typed slices that arrive via interface conversion)
		// serialize through encoding/json directly.
		data, err := json.Marshal(val)
		if err != nil {
			return err
		}
		buf.Write(data)
		return nil
	}
}
