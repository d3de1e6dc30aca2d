package realtime

import "strings"

// Historical clients disagreed on identifier field names: log entries were
// written with either "id" or "entryId", repertoire items with "scoreId",
// "pieceId", or "id". Sanitization reconciles them into the canonical "id"
// so that payloads from old and new schema versions interoperate. It runs on
// every inbound mutation and on every payload read back during catch-up.

var entryIDFields = []string{"id", "entryId"}

var pieceIDFields = []string{"scoreId", "pieceId", "id"}

// SanitizeEntry normalizes a practice-log entry payload. Returns nil when
// the payload carries no usable identifier.
func SanitizeEntry(raw map[string]interface{}) map[string]interface{} {
	return sanitizePayload(raw, entryIDFields)
}

// SanitizePiece normalizes a repertoire item payload. Returns nil when the
// payload carries no usable identifier.
func SanitizePiece(raw map[string]interface{}) map[string]interface{} {
	return sanitizePayload(raw, pieceIDFields)
}

func sanitizePayload(raw map[string]interface{}, idFields []string) map[string]interface{} {
	if raw == nil {
		return nil
	}

	id := resolveIdentifier(raw, idFields)
	if id == "" {
		return nil
	}

	cleaned := make(map[string]interface{}, len(raw))
	for key, value := range raw {
		if isIdentifierField(key, idFields) {
			continue
		}
		if text, ok := value.(string); ok {
			cleaned[key] = strings.TrimSpace(text)
			continue
		}
		cleaned[key] = value
	}
	cleaned["id"] = id
	return cleaned
}

func resolveIdentifier(raw map[string]interface{}, idFields []string) string {
	for _, field := range idFields {
		value, ok := raw[field]
		if !ok {
			continue
		}
		text, ok := value.(string)
		if !ok {
			continue
		}
		if trimmed := strings.TrimSpace(text); trimmed != "" {
			return trimmed
		}
	}
	return ""
}

func isIdentifierField(key string, idFields []string) bool {
	for _, field := range idFields {
		if key == field {
			return true
		}
	}
	return false
}
