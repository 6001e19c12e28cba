package store

import (
	"encoding/json"
	"strings"
)

// DetectUrgency scans intake answers for an urgency flag. Keys are
// compared trimmed and case-insensitively: a key equal to "urgent" or
// containing "urgence" with a value of "yes" or "oui" marks the turn
// urgent. Anything unparseable means no signal; ticket creation never
// fails on bad answers.
func DetectUrgency(raw json.RawMessage) bool {
	if len(raw) == 0 {
		return false
	}
	var answers map[string]interface{}
	if err := json.Unmarshal(raw, &answers); err != nil {
		return false
	}
	for key, value := range answers {
		k := strings.ToLower(strings.TrimSpace(key))
		if k != "urgent" && !strings.Contains(k, "urgence") {
			continue
		}
		text, ok := value.(string)
		if !ok {
			continue
		}
		switch strings.ToLower(strings.TrimSpace(text)) {
		case "yes", "oui":
			return true
		}
	}
	return false
}

// NormalizeAnswers returns the raw answers when they form a JSON object,
// nil otherwise. Only valid objects are persisted.
func NormalizeAnswers(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return nil
	}
	var answers map[string]interface{}
	if err := json.Unmarshal(raw, &answers); err != nil {
		return nil
	}
	return raw
}
