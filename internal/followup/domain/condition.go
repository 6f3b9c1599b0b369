package domain

import (
	"bytes"
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	aidomain "inboxpilot-backend/internal/ai/domain"
)

// ConditionType is the wire tag of a rule condition.
type ConditionType string

const (
	ConditionSenderDomain    ConditionType = "sender_domain"
	ConditionSubjectContains ConditionType = "subject_contains"
	ConditionCategory        ConditionType = "category"
	ConditionNoReplyWithin   ConditionType = "no_reply_within"
)

// Condition is one predicate of a follow-up rule. The set of
// implementations is closed: SenderDomain, SubjectContains, CategoryIs
// and NoReplyWithin.
type Condition interface {
	Type() ConditionType
	Validate() error
	value() interface{}
}

// SenderDomain matches mail whose sender address is at the domain or one
// of its subdomains.
type SenderDomain struct {
	Domain string
}

func (SenderDomain) Type() ConditionType  { return ConditionSenderDomain }
func (c SenderDomain) value() interface{} { return c.Domain }
func (c SenderDomain) Validate() error {
	d := strings.TrimPrefix(strings.TrimSpace(c.Domain), "@")
	if d == "" || strings.ContainsAny(d, "@ ") {
		return &RuleValidationError{Field: "conditions", Reason: fmt.Sprintf("invalid sender domain %q", c.Domain)}
	}
	return nil
}

// Normalized returns the lowercase domain without a leading @.
func (c SenderDomain) Normalized() string {
	return strings.ToLower(strings.TrimPrefix(strings.TrimSpace(c.Domain), "@"))
}

// SubjectContains is a case-insensitive substring match on the subject.
type SubjectContains struct {
	Text string
}

func (SubjectContains) Type() ConditionType  { return ConditionSubjectContains }
func (c SubjectContains) value() interface{} { return c.Text }
func (c SubjectContains) Validate() error {
	if strings.TrimSpace(c.Text) == "" {
		return &RuleValidationError{Field: "conditions", Reason: "subject_contains needs a non-empty value"}
	}
	return nil
}

// CategoryIs matches the AI category exactly.
type CategoryIs struct {
	Category aidomain.Category
}

func (CategoryIs) Type() ConditionType  { return ConditionCategory }
func (c CategoryIs) value() interface{} { return string(c.Category) }
func (c CategoryIs) Validate() error {
	if !c.Category.Valid() {
		return &RuleValidationError{Field: "conditions", Reason: fmt.Sprintf("invalid category: %s", c.Category)}
	}
	return nil
}

// NoReplyWithin matches mail older than Days with no later message from
// the owner in the same thread.
type NoReplyWithin struct {
	Days int
}

func (NoReplyWithin) Type() ConditionType  { return ConditionNoReplyWithin }
func (c NoReplyWithin) value() interface{} { return c.Days }
func (c NoReplyWithin) Validate() error {
	if c.Days < 1 || c.Days > 365 {
		return &RuleValidationError{Field: "conditions", Reason: fmt.Sprintf("no_reply_within must be between 1 and 365 days, got %d", c.Days)}
	}
	return nil
}

type wireCondition struct {
	Type  ConditionType   `json:"type"`
	Value json.RawMessage `json:"value"`
}

// Conditions is the ordered condition list of a rule, stored as a JSON
// array of {"type","value"} objects.
type Conditions []Condition

func (cs Conditions) MarshalJSON() ([]byte, error) {
	out := make([]map[string]interface{}, 0, len(cs))
	for _, c := range cs {
		out = append(out, map[string]interface{}{"type": c.Type(), "value": c.value()})
	}
	return json.Marshal(out)
}

func (cs *Conditions) UnmarshalJSON(data []byte) error {
	var wire []wireCondition
	if err := json.Unmarshal(data, &wire); err != nil {
		return &RuleValidationError{Field: "conditions", Reason: "must be a list of {type, value} objects"}
	}
	parsed := make(Conditions, 0, len(wire))
	for _, w := range wire {
		c, err := decodeCondition(w)
		if err != nil {
			return err
		}
		parsed = append(parsed, c)
	}
	*cs = parsed
	return nil
}

func decodeCondition(w wireCondition) (Condition, error) {
	switch w.Type {
	case ConditionSenderDomain:
		s, err := stringValue(w)
		return SenderDomain{Domain: s}, err
	case ConditionSubjectContains:
		s, err := stringValue(w)
		return SubjectContains{Text: s}, err
	case ConditionCategory:
		s, err := stringValue(w)
		return CategoryIs{Category: aidomain.Category(s)}, err
	case ConditionNoReplyWithin:
		n, err := intValue(w)
		return NoReplyWithin{Days: n}, err
	}
	return nil, &RuleValidationError{Field: "conditions", Reason: fmt.Sprintf("invalid condition type: %s", w.Type)}
}

func stringValue(w wireCondition) (string, error) {
	var s string
	if err := json.Unmarshal(w.Value, &s); err != nil {
		return "", &RuleValidationError{Field: "conditions", Reason: fmt.Sprintf("%s needs a string value", w.Type)}
	}
	return s, nil
}

// intValue accepts 3 and "3".
func intValue(w wireCondition) (int, error) {
	raw := bytes.TrimSpace(w.Value)
	var n int
	if err := json.Unmarshal(raw, &n); err == nil {
		return n, nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if n, err := strconv.Atoi(strings.TrimSpace(s)); err == nil {
			return n, nil
		}
	}
	return 0, &RuleValidationError{Field: "conditions", Reason: fmt.Sprintf("%s needs an integer value", w.Type)}
}

// Validate checks the list is non-empty and every condition is valid.
func (cs Conditions) Validate() error {
	if len(cs) == 0 {
		return &RuleValidationError{Field: "conditions", Reason: "at least one condition is required"}
	}
	for _, c := range cs {
		if c == nil {
			return &RuleValidationError{Field: "conditions", Reason: "condition is empty"}
		}
		if err := c.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// HasCategory reports whether any condition constrains the AI category.
func (cs Conditions) HasCategory() bool {
	for _, c := range cs {
		if _, ok := c.(CategoryIs); ok {
			return true
		}
	}
	return false
}

func (cs Conditions) Value() (driver.Value, error) {
	if cs == nil {
		return "[]", nil
	}
	b, err := cs.MarshalJSON()
	return string(b), err
}

func (cs *Conditions) Scan(value interface{}) error {
	var data []byte
	switch v := value.(type) {
	case nil:
		*cs = nil
		return nil
	case string:
		data = []byte(v)
	case []byte:
		data = v
	default:
		return fmt.Errorf("conditions: unsupported column type %T", value)
	}
	return cs.UnmarshalJSON(data)
}
