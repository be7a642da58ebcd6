package ingest

import (
	"call-billing/internal/reconcile"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "call_billing"

// Metrics are the ingestion and billing collectors exported on /metrics.
type Metrics struct {
	Cycles           *prometheus.CounterVec
	CycleDuration    prometheus.Histogram
	SkippedTicks     *prometheus.CounterVec
	EventsIngested   prometheus.Counter
	EventsMalformed  prometheus.Counter
	FetchTruncated   prometheus.Counter
	DurationAnomaly  prometheus.Counter
	CallsBilled      prometheus.Counter
	CallsHealed      prometheus.Counter
	BillingFailures  prometheus.Counter
	BilledCents      prometheus.Counter
	Running          prometheus.Gauge
	LastSuccessEpoch prometheus.Gauge
}

func counter(name, help string) prometheus.Counter {
	return prometheus.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: name, Help: help})
}

func gauge(name, help string) prometheus.Gauge {
	return prometheus.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: name, Help: help})
}

// NewMetrics builds the collectors and registers them on reg. A nil reg
// leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Cycles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ingest_cycles_total",
			Help:      "Ingestion cycles by outcome.",
		}, []string{"outcome"}),
		CycleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "ingest_cycle_duration_seconds",
			Help:      "Wall time of ingestion cycles.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
		}),
		SkippedTicks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ingest_skipped_ticks_total",
			Help:      "Cycle triggers skipped, by reason.",
		}, []string{"reason"}),
		EventsIngested:   counter("ingest_events_total", "Provider events upserted."),
		EventsMalformed:  counter("ingest_events_malformed_total", "Provider events skipped as malformed."),
		FetchTruncated:   counter("ingest_fetch_truncated_total", "Cycles that stopped reading the feed at the fetch budget."),
		DurationAnomaly:  counter("ingest_duration_anomalies_total", "Provider events reporting a shorter duration than stored."),
		CallsBilled:      counter("billing_calls_billed_total", "Calls charged to a wallet."),
		CallsHealed:      counter("billing_calls_healed_total", "Calls whose billed flag was repaired from an existing ledger entry."),
		BillingFailures:  counter("billing_failures_total", "Per-call billing failures."),
		BilledCents:      counter("billing_billed_cents_total", "Cents debited for calls."),
		Running:          gauge("ingest_running", "1 while the periodic trigger is active."),
		LastSuccessEpoch: gauge("ingest_last_success_timestamp_seconds", "Unix time of the last successful cycle."),
	}
	if reg != nil {
		reg.MustRegister(
			m.Cycles, m.CycleDuration, m.SkippedTicks,
			m.EventsIngested, m.EventsMalformed, m.FetchTruncated, m.DurationAnomaly,
			m.CallsBilled, m.CallsHealed, m.BillingFailures, m.BilledCents,
			m.Running, m.LastSuccessEpoch,
		)
	}
	return m
}

func (m *Metrics) observeResult(r reconcile.Result) {
	m.CallsBilled.Add(float64(r.Billed))
	m.CallsHealed.Add(float64(r.Healed))
	m.BillingFailures.Add(float64(r.Failed))
	m.BilledCents.Add(float64(r.BilledCents))
}
