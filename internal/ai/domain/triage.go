package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

type Category string

const (
	CategoryUrgent         Category = "urgent"
	CategoryActionRequired Category = "action_required"
	CategoryFYI            Category = "fyi"
	CategoryNewsletter     Category = "newsletter"
	CategorySpam           Category = "spam"
)

func (c Category) Valid() bool {
	switch c {
	case CategoryUrgent, CategoryActionRequired, CategoryFYI, CategoryNewsletter, CategorySpam:
		return true
	}
	return false
}

// TriageResult is the validated classification of one message.
type TriageResult struct {
	Category        Category `json:"category"`
	Priority        int      `json:"priority"`
	Summary         string   `json:"summary"`
	SuggestedAction string   `json:"suggestedAction"`
}

// ClassificationError means the backend answered but the answer cannot be
// stored. The message stays unclassified.
type ClassificationError struct {
	Reason string
	Raw    string
}

func (e *ClassificationError) Error() string {
	return "classification rejected: " + e.Reason
}

// Validate checks the closed category set, priority bounds and summary.
func (r *TriageResult) Validate() error {
	if !r.Category.Valid() {
		return fmt.Errorf("category %q is not one of urgent, action_required, fyi, newsletter, spam", r.Category)
	}
	if r.Priority < 1 || r.Priority > 5 {
		return fmt.Errorf("priority %d out of range [1,5]", r.Priority)
	}
	if strings.TrimSpace(r.Summary) == "" {
		return fmt.Errorf("summary is empty")
	}
	return nil
}

// ParseTriage decodes and validates a raw backend answer. Markdown code
// fences around the JSON object are tolerated.
func ParseTriage(raw string) (*TriageResult, error) {
	body := StripCodeFence(raw)
	var result TriageResult
	dec := json.NewDecoder(bytes.NewReader([]byte(body)))
	if err := dec.Decode(&result); err != nil {
		return nil, &ClassificationError{Reason: "malformed JSON: " + err.Error(), Raw: raw}
	}
	if dec.More() {
		return nil, &ClassificationError{Reason: "trailing content after JSON object", Raw: raw}
	}
	if err := result.Validate(); err != nil {
		return nil, &ClassificationError{Reason: err.Error(), Raw: raw}
	}
	return &result, nil
}

// StripCodeFence removes a surrounding ```json ... ``` block.
func StripCodeFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[i+1:]
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
