package billing

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds the engine's Prometheus collectors. Nil fields are skipped.
type Metrics struct {
	UsageCharges   *prometheus.CounterVec
	CreditsCharged *prometheus.CounterVec
	LedgerEntries  *prometheus.CounterVec
	// UsageCache counts GetUsage cache lookups by result (hit, miss).
	UsageCache *prometheus.CounterVec
}

func (m *Metrics) charge(status string) {
	if m == nil || m.UsageCharges == nil {
		return
	}
	m.UsageCharges.WithLabelValues(status).Inc()
}

func (m *Metrics) credits(n int64) {
	if m == nil || m.CreditsCharged == nil || n <= 0 {
		return
	}
	m.CreditsCharged.WithLabelValues().Add(float64(n))
}

func (m *Metrics) entry(txType string) {
	if m == nil || m.LedgerEntries == nil {
		return
	}
	m.LedgerEntries.WithLabelValues(txType).Inc()
}

func (m *Metrics) cacheLookup(result string) {
	if m == nil || m.UsageCache == nil {
		return
	}
	m.UsageCache.WithLabelValues(result).Inc()
}
