package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Tier classifies a blocking rule.
type Tier string

const (
	TierStandard Tier = "standard"
	TierHighRisk Tier = "high-risk"
)

// DefaultRuleMethods applies to rules whose document entry has no methods field.
var DefaultRuleMethods = []string{"GET", "POST"}

var ErrRuleDomainRequired = errors.New("rule domain is required")

// Rule is one entry of a blocklist document. Domain matches any request host
// that contains it as a substring, so "facebook.com" also matches
// "notfacebook.com.example.org".
type Rule struct {
	Domain    string    `json:"domain"`
	Methods   []string  `json:"methods"`
	Tier      Tier      `json:"tier"`
	Reason    string    `json:"reason,omitempty"`
	Message   string    `json:"message,omitempty"`
	RiskScore *int      `json:"risk_score,omitempty"`
	Category  string    `json:"category,omitempty"`
	AddedAt   time.Time `json:"added_at,omitempty"`
}

// ruleDocument is the on-disk shape. Documents are edited by several tools,
// so the optional fields are decoded leniently: a value of the wrong type is
// dropped instead of rejecting the rule.
type ruleDocument struct {
	Domain    string          `json:"domain"`
	Methods   json.RawMessage `json:"methods"`
	Reason    string          `json:"reason"`
	Message   string          `json:"message"`
	RiskScore json.RawMessage `json:"risk_score"`
	Category  string          `json:"category"`
	AddedAt   json.RawMessage `json:"added_at"`
}

var addedAtLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// UnmarshalJSON decodes a rule document entry.
func (r *Rule) UnmarshalJSON(data []byte) error {
	var doc ruleDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return err
	}
	methods, err := decodeMethods(doc.Methods)
	if err != nil {
		return err
	}
	*r = Rule{
		Domain:    doc.Domain,
		Methods:   methods,
		Reason:    doc.Reason,
		Message:   doc.Message,
		RiskScore: decodeRiskScore(doc.RiskScore),
		Category:  doc.Category,
		AddedAt:   decodeAddedAt(doc.AddedAt),
	}
	return nil
}

// decodeMethods accepts a list or a single method string. A missing or null
// field yields nil so Normalize applies the default.
func decodeMethods(raw json.RawMessage) ([]string, error) {
	if isNull(raw) {
		return nil, nil
	}
	var list []string
	if err := json.Unmarshal(raw, &list); err == nil {
		if list == nil {
			list = []string{}
		}
		return list, nil
	}
	var single string
	if err := json.Unmarshal(raw, &single); err != nil {
		return nil, fmt.Errorf("methods: %w", err)
	}
	return []string{single}, nil
}

// decodeRiskScore accepts a number or a numeric string.
func decodeRiskScore(raw json.RawMessage) *int {
	if isNull(raw) {
		return nil
	}
	var f float64
	if err := json.Unmarshal(raw, &f); err != nil {
		var str string
		if json.Unmarshal(raw, &str) != nil {
			return nil
		}
		if f, err = strconv.ParseFloat(strings.TrimSpace(str), 64); err != nil {
			return nil
		}
	}
	n := int(f)
	return &n
}

func decodeAddedAt(raw json.RawMessage) time.Time {
	var str string
	if isNull(raw) || json.Unmarshal(raw, &str) != nil {
		return time.Time{}
	}
	for _, layout := range addedAtLayouts {
		if t, err := time.Parse(layout, str); err == nil {
			return t
		}
	}
	return time.Time{}
}

func isNull(raw json.RawMessage) bool {
	return len(raw) == 0 || string(raw) == "null"
}

// Normalize validates the rule and fills in defaults for the given tier.
func (r *Rule) Normalize(tier Tier) error {
	r.Tier = tier
	r.Domain = strings.ToLower(strings.TrimSpace(r.Domain))
	if r.Domain == "" {
		return ErrRuleDomainRequired
	}

	// An absent methods field gets the default; an explicit empty list blocks nothing.
	if r.Methods == nil {
		r.Methods = append([]string(nil), DefaultRuleMethods...)
		return nil
	}
	methods := make([]string, 0, len(r.Methods))
	for _, m := range r.Methods {
		if m = strings.ToUpper(strings.TrimSpace(m)); m != "" {
			methods = append(methods, m)
		}
	}
	r.Methods = methods
	return nil
}

// Matches reports whether the rule applies to the lower-cased host and
// upper-cased method. The domain matches anywhere in the host, so
// "twitter.com" also matches "nottwitter.com".
func (r *Rule) Matches(host, method string) bool {
	if !strings.Contains(host, r.Domain) {
		return false
	}
	for _, m := range r.Methods {
		if m == method {
			return true
		}
	}
	return false
}

// Note returns the operator supplied text shown on the block page.
func (r *Rule) Note() string {
	if r.Tier == TierHighRisk {
		return strings.TrimSpace(r.Message)
	}
	return strings.TrimSpace(r.Reason)
}
