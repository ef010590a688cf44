/**
 * @description
 * Prometheus collectors for settlement, payout and job activity. Collectors are
 * registered once on the default registry and exposed through /metrics.
 */
package observability

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Settlement outcomes used as the "outcome" label.
const (
	OutcomeProcessed  = "processed"
	OutcomeDuplicate  = "duplicate"
	OutcomeUnbalanced = "unbalanced"
	OutcomeRejected   = "rejected"
	OutcomeFailed     = "failed"
)

type SettlementMetrics struct {
	eventsSettled    *prometheus.CounterVec
	amountAllocated  *prometheus.CounterVec
	riskPoolBalance  prometheus.Gauge
	batchesCreated   *prometheus.CounterVec
	payoutsCompleted prometheus.Counter
	payoutAmount     prometheus.Counter
	deductions       *prometheus.CounterVec
	jobRuns          *prometheus.CounterVec
	jobDuration      *prometheus.HistogramVec
	rateReloads      *prometheus.CounterVec
}

var (
	settlementOnce     sync.Once
	settlementRegistry *SettlementMetrics
)

// Settlement returns the process-wide settlement collectors.
func Settlement() *SettlementMetrics {
	settlementOnce.Do(func() {
		settlementRegistry = &SettlementMetrics{
			eventsSettled: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "settlement_events_total",
				Help: "Settlement events handled by kind and outcome.",
			}, []string{"kind", "outcome"}),
			amountAllocated: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "settlement_allocated_amount_total",
				Help: "Minor units allocated per pool; reversals count under direction=reversed.",
			}, []string{"pool", "direction"}),
			riskPoolBalance: prometheus.NewGauge(prometheus.GaugeOpts{
				Name: "settlement_risk_pool_balance",
				Help: "Latest risk pool balance in minor units.",
			}),
			batchesCreated: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "settlement_payout_batches_total",
				Help: "Payout batches by lifecycle step.",
			}, []string{"step"}),
			payoutsCompleted: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "settlement_payouts_completed_total",
				Help: "Payout records marked completed.",
			}),
			payoutAmount: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "settlement_payout_amount_total",
				Help: "Net minor units of completed payouts.",
			}),
			deductions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "settlement_deduction_amount_total",
				Help: "Deducted and deferred minor units.",
			}, []string{"result"}),
			jobRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "settlement_job_runs_total",
				Help: "Scheduled job runs by job and outcome.",
			}, []string{"job", "outcome"}),
			jobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Name:    "settlement_job_duration_seconds",
				Help:    "Duration of scheduled job runs.",
				Buckets: prometheus.DefBuckets,
			}, []string{"job"}),
			rateReloads: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "settlement_rate_reloads_total",
				Help: "Rate registry reloads by outcome.",
			}, []string{"outcome"}),
		}
		prometheus.MustRegister(
			settlementRegistry.eventsSettled,
			settlementRegistry.amountAllocated,
			settlementRegistry.riskPoolBalance,
			settlementRegistry.batchesCreated,
			settlementRegistry.payoutsCompleted,
			settlementRegistry.payoutAmount,
			settlementRegistry.deductions,
			settlementRegistry.jobRuns,
			settlementRegistry.jobDuration,
			settlementRegistry.rateReloads,
		)
	})
	return settlementRegistry
}

func (m *SettlementMetrics) ObserveEvent(kind, outcome string) {
	if m == nil {
		return
	}
	if kind == "" {
		kind = "unknown"
	}
	m.eventsSettled.WithLabelValues(kind, outcome).Inc()
}

// ObserveAllocation records pool amounts. Counters only grow, so negative
// amounts are added to the reversed series.
func (m *SettlementMetrics) ObserveAllocation(platform, creator, growth, risk int64) {
	if m == nil {
		return
	}
	m.addPool("platform", platform)
	m.addPool("creator", creator)
	m.addPool("growth", growth)
	m.addPool("risk", risk)
}

func (m *SettlementMetrics) addPool(pool string, amount int64) {
	direction := "allocated"
	if amount < 0 {
		direction = "reversed"
		amount = -amount
	}
	m.amountAllocated.WithLabelValues(pool, direction).Add(float64(amount))
}

func (m *SettlementMetrics) SetRiskPoolBalance(balance int64) {
	if m == nil {
		return
	}
	m.riskPoolBalance.Set(float64(balance))
}

func (m *SettlementMetrics) ObserveBatch(step string) {
	if m == nil {
		return
	}
	m.batchesCreated.WithLabelValues(step).Inc()
}

func (m *SettlementMetrics) ObservePayoutCompleted(net int64) {
	if m == nil {
		return
	}
	m.payoutsCompleted.Inc()
	if net > 0 {
		m.payoutAmount.Add(float64(net))
	}
}

func (m *SettlementMetrics) ObserveDeduction(applied, deferred int64) {
	if m == nil {
		return
	}
	if applied > 0 {
		m.deductions.WithLabelValues("applied").Add(float64(applied))
	}
	if deferred > 0 {
		m.deductions.WithLabelValues("deferred").Add(float64(deferred))
	}
}

func (m *SettlementMetrics) ObserveJob(job string, started time.Time, err error) {
	if m == nil {
		return
	}
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	m.jobRuns.WithLabelValues(job, outcome).Inc()
	m.jobDuration.WithLabelValues(job).Observe(time.Since(started).Seconds())
}

func (m *SettlementMetrics) ObserveRateReload(err error) {
	if m == nil {
		return
	}
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	m.rateReloads.WithLabelValues(outcome).Inc()
}
