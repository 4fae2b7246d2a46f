package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	decisionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "shadowguard_decisions_total",
		Help: "Total number of requests classified, by outcome and tier",
	}, []string{"outcome", "tier"})
	rulesLoaded = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "shadowguard_rules_loaded",
		Help: "Number of rules in the current snapshot, by tier",
	}, []string{"tier"})
	ruleLoadErrorsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "shadowguard_rule_load_errors_total",
		Help: "Total number of failed rule document loads, by tier",
	}, []string{"tier"})
	logWriteErrorsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "shadowguard_log_write_errors_total",
		Help: "Total number of decisions that could not be written to the activity buffer",
	})
	importedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "shadowguard_imported_entries_total",
		Help: "Total number of buffered entries imported into the activity database",
	})
	importSkippedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "shadowguard_import_skipped_total",
		Help: "Total number of malformed buffered entries skipped during import",
	})
	purgedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "shadowguard_purged_rows_total",
		Help: "Total number of rows removed by the retention sweep, by table",
	}, []string{"table"})
	upstreamErrorsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "shadowguard_proxy_upstream_errors_total",
		Help: "Total number of proxied requests that failed to reach the origin",
	})
)

// Register registers Prometheus collectors. Call once at startup.
func Register(registry prometheus.Registerer) {
	registry.MustRegister(decisionsTotal, rulesLoaded, ruleLoadErrorsTotal, logWriteErrorsTotal,
		importedTotal, importSkippedTotal, purgedTotal, upstreamErrorsTotal)
}

// IncDecision counts one classified request.
func IncDecision(outcome, tier string) {
	if tier == "" {
		tier = "none"
	}
	decisionsTotal.WithLabelValues(outcome, tier).Inc()
}

// SetRulesLoaded records the size of the active snapshot for a tier.
func SetRulesLoaded(tier string, n int) { rulesLoaded.WithLabelValues(tier).Set(float64(n)) }

// IncRuleLoadError counts a failed rule document load.
func IncRuleLoadError(tier string) { ruleLoadErrorsTotal.WithLabelValues(tier).Inc() }

// IncLogWriteError counts a dropped activity entry.
func IncLogWriteError() { logWriteErrorsTotal.Inc() }

// AddImported counts entries moved into the database.
func AddImported(n int) { importedTotal.Add(float64(n)) }

// IncImportSkipped counts a malformed buffered entry.
func IncImportSkipped() { importSkippedTotal.Inc() }

// AddPurged counts rows deleted from a table by the retention sweep.
func AddPurged(table string, n int64) { purgedTotal.WithLabelValues(table).Add(float64(n)) }

// IncUpstreamError counts a proxied request the origin did not answer.
func IncUpstreamError() { upstreamErrorsTotal.Inc() }
