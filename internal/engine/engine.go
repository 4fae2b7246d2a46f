// Package engine classifies requests against the cached rule tiers.
package engine

import (
	"strings"
	"time"

	"github.com/Wikid82/shadowguard/internal/metrics"
	"github.com/Wikid82/shadowguard/internal/models"
	"github.com/Wikid82/shadowguard/internal/rules"
)

// RuleSource is the subset of rules.Store the engine depends on.
type RuleSource interface {
	Refresh()
	Snapshot() *rules.Snapshot
}

// Engine decides allow, block or high-risk block for a (host, path, method) tuple.
// It is safe for concurrent use.
type Engine struct {
	rules           RuleSource
	managementHosts []string
	now             func() time.Time
}

// New creates an Engine. Hosts containing any of managementHosts are never blocked.
func New(source RuleSource, managementHosts []string) *Engine {
	hosts := make([]string, 0, len(managementHosts))
	for _, h := range managementHosts {
		if h = strings.ToLower(strings.TrimSpace(h)); h != "" {
			hosts = append(hosts, h)
		}
	}
	return &Engine{rules: source, managementHosts: hosts, now: time.Now}
}

// Evaluate classifies one request. High-risk rules are scanned before
// standard rules and, within a tier, the first rule in document order whose
// domain is contained in host and whose methods include method wins.
func (e *Engine) Evaluate(host, path, method string) models.Decision {
	start := e.now()
	d := models.Decision{
		Host:      strings.ToLower(strings.TrimSpace(host)),
		Path:      path,
		Method:    strings.ToUpper(strings.TrimSpace(method)),
		Timestamp: start,
		Outcome:   models.OutcomeAllow,
	}
	if d.Path == "" {
		d.Path = "/"
	}

	if e.isManagementHost(d.Host) {
		d.Exempt = true
		return d
	}

	e.rules.Refresh()
	snap := e.rules.Snapshot()

	if r := firstMatch(snap.HighRisk, d.Host, d.Method); r != nil {
		d.Outcome, d.Tier, d.Rule = models.OutcomeBlock, models.TierHighRisk, r
	} else if r := firstMatch(snap.Standard, d.Host, d.Method); r != nil {
		d.Outcome, d.Tier, d.Rule = models.OutcomeBlock, models.TierStandard, r
	}

	d.ResponseTime = e.now().Sub(start)
	metrics.IncDecision(string(d.Outcome), string(d.Tier))
	return d
}

func (e *Engine) isManagementHost(host string) bool {
	for _, h := range e.managementHosts {
		if strings.Contains(host, h) {
			return true
		}
	}
	return false
}

func firstMatch(list []models.Rule, host, method string) *models.Rule {
	for i := range list {
		if list[i].Matches(host, method) {
			r := list[i]
			return &r
		}
	}
	return nil
}
