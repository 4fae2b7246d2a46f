package models

import (
	"time"
)

// Outcome is the allow/block verdict for one request.
type Outcome string

const (
	OutcomeAllow Outcome = "allow"
	OutcomeBlock Outcome = "block"
)

// Record status strings, kept compatible with existing dashboards.
const (
	StatusAllowed         = "200"
	StatusBlocked         = "BLOCKED"
	StatusHighRiskBlocked = "HIGH-RISK-BLOCKED"
)

// Decision is produced once per request by the engine and never mutated.
type Decision struct {
	Host         string        `json:"host"`
	Path         string        `json:"path"`
	Method       string        `json:"method"`
	Timestamp    time.Time     `json:"timestamp"`
	Outcome      Outcome       `json:"outcome"`
	Tier         Tier          `json:"tier,omitempty"`
	Rule         *Rule         `json:"rule,omitempty"`
	ResponseTime time.Duration `json:"-"`
	Exempt       bool          `json:"exempt,omitempty"`
}

// Blocked reports whether the request was blocked.
func (d Decision) Blocked() bool {
	return d.Outcome == OutcomeBlock
}

// Status maps the decision onto the record status string.
func (d Decision) Status() string {
	switch {
	case !d.Blocked():
		return StatusAllowed
	case d.Tier == TierHighRisk:
		return StatusHighRiskBlocked
	default:
		return StatusBlocked
	}
}

// ResponseTimeMS returns the evaluation latency in milliseconds.
func (d Decision) ResponseTimeMS() float64 {
	return float64(d.ResponseTime) / float64(time.Millisecond)
}
