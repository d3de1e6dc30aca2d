package store

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
)

// Checksum produces a stable content hash of a payload. Object keys are
// sorted recursively before serialization (arrays preserve order), so the
// same logical payload hashes identically regardless of the key order a
// client serialized it with. The digest is hex-encoded SHA-256.
func Checksum(data interface{}) (string, error) {
	normalized, err := normalizeValue(data)
	if err != nil {
		return "", err
	}

	var buf bytes.Buffer
	if err := writeCanonical(&buf, normalized); err != nil {
		return "", err
	}

	digest := sha256.Sum256(buf.Bytes())
	return hex.EncodeToString(digest[:]), nil
}

// normalizeValue reduces arbitrary input to the generic JSON value types so
// structs and maps with identical content canonicalize the same way.
func normalizeValue(data interface{}) (interface{}, error) {
	encoded, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("store: checksum marshal: %w", err)
	}
	var normalized interface{}
	if err := json.Unmarshal(encoded, &normalized); err != nil {
		return nil, fmt.Errorf("store: checksum normalize: %w", err)
	}
	return normalized, nil
}

func writeCanonical(buf *bytes.Buffer, value interface{}) error {
	switch typed := value.(type) {
	case map[string]interface{}:
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
	case []interface{}:
		buf.WriteByte('[')
		for i, element := range typed {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := writeCanonical(buf, element); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
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
