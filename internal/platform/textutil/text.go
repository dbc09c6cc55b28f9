package textutil

import (
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/microcosm-cc/bluemonday"
)

const (
	// MaxNotesLength bounds free-text notes stored with status history.
	MaxNotesLength = 1000
	// MaxGatewayNotes is the number of key/value notes payment gateways accept per transaction.
	MaxGatewayNotes = 15
	// MaxGatewayNoteLength bounds each gateway note value.
	MaxGatewayNoteLength = 256
)

var strictPolicy = bluemonday.StrictPolicy()

// SanitizeNotes strips markup from operator or lab supplied text, collapses whitespace and
// truncates the result to MaxNotesLength runes.
func SanitizeNotes(raw string) string {
	cleaned := strictPolicy.Sanitize(raw)
	cleaned = strings.Join(strings.Fields(cleaned), " ")
	return truncateRunes(cleaned, MaxNotesLength)
}

// GatewayNotes trims keys and values, drops empty keys and keeps at most MaxGatewayNotes
// entries (lexically smallest keys first).
func GatewayNotes(values map[string]string) map[string]string {
	if len(values) == 0 {
		return nil
	}
	keys := make([]string, 0, len(values))
	trimmed := make(map[string]string, len(values))
	for key, value := range values {
		k := strings.TrimSpace(key)
		if k == "" {
			continue
		}
		if _, seen := trimmed[k]; !seen {
			keys = append(keys, k)
		}
		trimmed[k] = truncateRunes(strings.TrimSpace(value), MaxGatewayNoteLength)
	}
	if len(keys) == 0 {
		return nil
	}
	sort.Strings(keys)
	if len(keys) > MaxGatewayNotes {
		keys = keys[:MaxGatewayNotes]
	}
	result := make(map[string]string, len(keys))
	for _, k := range keys {
		result[k] = trimmed[k]
	}
	return result
}

func truncateRunes(value string, limit int) string {
	if utf8.RuneCountInString(value) <= limit {
		return value
	}
	runes := []rune(value)
	return string(runes[:limit])
}
