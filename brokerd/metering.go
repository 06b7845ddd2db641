package brokerd

import (
	"context"
	"sync"

	"cdr.dev/slog"

	"github.com/keyroute/broker/keeper"
)

// meter owns the pending-usage queue. Accrual paths append to it; a single
// delivery loop drains it into one keeper call per tick and puts the batch
// back on failure. The keeper is commutative over records, so re-enqueueing
// at the tail is fine.
type meter struct {
	log     slog.Logger
	keeper  keeper.Client
	region  string
	metrics *metrics

	mu      sync.Mutex
	pending []keeper.UsageRecord
}

func newMeter(log slog.Logger, kc keeper.Client, region string, m *metrics) *meter {
	return &meter{
		log:     log,
		keeper:  kc,
		region:  region,
		metrics: m,
	}
}

// enqueue converts a billable span into a usage record and appends it to the
// pending queue. Zero-length spans are dropped.
func (m *meter) enqueue(a accrual) {
	if a.seconds <= 0 {
		return
	}

	rec := keeper.UsageRecord{
		AgentID:   a.tunnel.AgentID,
		Operation: keeper.OperationTunnelHour,
		Quantity:  float64(a.seconds) / 3600,
		Timestamp: a.at,
		Metadata: keeper.UsageMetadata{
			Region:          m.region,
			TunnelID:        a.tunnel.ID,
			DurationSeconds: a.seconds,
		},
	}

	m.mu.Lock()
	m.pending = append(m.pending, rec)
	m.mu.Unlock()
	m.metrics.usageEnqueued.Inc()
}

// pendingLen reports the queue depth.
func (m *meter) pendingLen() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}

// deliver drains the whole queue into a single keeper report. On failure the
// drained batch is appended back so the next tick retries it.
func (m *meter) deliver(ctx context.Context) {
	m.mu.Lock()
	batch := m.pending
	m.pending = nil
	m.mu.Unlock()

	if len(batch) == 0 {
		return
	}

	err := m.keeper.ReportUsage(ctx, batch)
	if err != nil {
		m.log.Warn(ctx, "usage report failed, re-enqueueing batch",
			slog.F("records", len(batch)),
			slog.Error(err),
		)
		m.mu.Lock()
		m.pending = append(m.pending, batch...)
		m.mu.Unlock()
		m.metrics.usageRetried.Add(float64(len(batch)))
		return
	}

	m.metrics.usageDelivered.Add(float64(len(batch)))
	m.log.Debug(ctx, "delivered usage batch", slog.F("records", len(batch)))
}
