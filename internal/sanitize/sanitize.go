// Package sanitize redacts sensitive fields from decision inputs before
// they are hashed and written to the audit log.
//
// A key is sensitive when it contains any configured keyword as a
// case-insensitive substring ("applicant_SSN" matches "ssn"). Its value is
// replaced by the redaction marker whatever its type. Nested maps, and maps
// inside arrays, are searched recursively.
package sanitize

import (
	"strings"
	"sync"
)

// DefaultRedaction replaces the value of every sensitive key.
const DefaultRedaction = "[REDACTED]"

// DefaultKeywords is the built-in sensitive keyword set.
var DefaultKeywords = []string{
	"ssn",
	"social_security",
	"password",
	"secret",
	"token",
	"api_key",
	"apikey",
	"account_number",
	"routing_number",
	"card_number",
	"credit_card",
	"cvv",
	"dob",
	"date_of_birth",
}

// Sanitizer holds the keyword set. Keywords can be swapped at runtime with
// SetKeywords, e.g. from a config watcher, while Sanitize runs concurrently.
type Sanitizer struct {
	mu        sync.RWMutex
	keywords  []string // Lowercased.
	redaction string
}

// New returns a sanitizer for the given keywords. An empty redaction uses
// DefaultRedaction.
func New(keywords []string, redaction string) *Sanitizer {
	s := &Sanitizer{}
	s.SetKeywords(keywords)
	s.SetRedaction(redaction)
	return s
}

// SetKeywords replaces the sensitive keyword set.
func (s *Sanitizer) SetKeywords(keywords []string) {
	lowered := make([]string, 0, len(keywords))
	for _, k := range keywords {
		k = strings.ToLower(strings.TrimSpace(k))
		if k != "" {
			lowered = append(lowered, k)
		}
	}
	s.mu.Lock()
	s.keywords = lowered
	s.mu.Unlock()
}

// SetRedaction replaces the redaction marker.
func (s *Sanitizer) SetRedaction(redaction string) {
	if redaction == "" {
		redaction = DefaultRedaction
	}
	s.mu.Lock()
	s.redaction = redaction
	s.mu.Unlock()
}

// Keywords returns a copy of the current keyword set.
func (s *Sanitizer) Keywords() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, len(s.keywords))
	copy(out, s.keywords)
	return out
}

// Sanitize returns a redacted copy of inputs. The argument is not modified.
func (s *Sanitizer) Sanitize(inputs map[string]any) map[string]any {
	if inputs == nil {
		return nil
	}
	s.mu.RLock()
	keywords, redaction := s.keywords, s.redaction
	s.mu.RUnlock()
	return sanitizeMap(inputs, keywords, redaction)
}

func sanitizeMap(m map[string]any, keywords []string, redaction string) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		if isSensitive(k, keywords) {
			out[k] = redaction
			continue
		}
		out[k] = sanitizeValue(v, keywords, redaction)
	}
	return out
}

func sanitizeValue(v any, keywords []string, redaction string) any {
	switch val := v.(type) {
	case map[string]any:
		return sanitizeMap(val, keywords, redaction)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = sanitizeValue(item, keywords, redaction)
		}
		return out
	default:
		return v
	}
}

func isSensitive(key string, keywords []string) bool {
	lower := strings.ToLower(key)
	for _, k := range keywords {
		if strings.Contains(lower, k) {
			return true
		}
	}
	return false
}
