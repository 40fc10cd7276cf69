package maintenance

import (
	"context"
	"time"

	"go.uber.org/zap"

	"settld-gateway/internal/escrow"
	"settld-gateway/internal/gates/service"
	"settld-gateway/internal/infrastructure/metrics"
	"settld-gateway/internal/store"
	"settld-gateway/pkg/log"
)

// Dispatcher pushes one due outbox delivery. Implemented by the webhook
// dispatcher; the scheduler owns retry bookkeeping.
type Dispatcher interface {
	Deliver(ctx context.Context, row store.OutboxRow) error
}

// Scheduler runs the per-tenant maintenance ticks: holdback auto-release,
// gate expiry, reconciliation drift detection, and the outbox retry pump.
// One logical worker per tenant, enforced by the store advisory lock.
type Scheduler struct {
	store      store.Store
	gates      *service.Service
	dispatcher Dispatcher
	metrics    *metrics.Metrics
	backoff    BackoffPolicy

	tenantID    string
	interval    time.Duration
	tickBudget  time.Duration
	expiryGrace time.Duration
	sweepBatch  int
	outboxBatch int
	now         func() time.Time
}

// Config for the scheduler.
type Config struct {
	TenantID    string
	Interval    time.Duration
	TickBudget  time.Duration
	ExpiryGrace time.Duration
	SweepBatch  int
	OutboxBatch int
	Backoff     BackoffPolicy
}

// New wires a scheduler.
func New(st store.Store, gates *service.Service, dispatcher Dispatcher, m *metrics.Metrics, cfg Config) *Scheduler {
	if cfg.Interval <= 0 {
		cfg.Interval = 15 * time.Second
	}
	if cfg.TickBudget <= 0 {
		cfg.TickBudget = 10 * time.Second
	}
	if cfg.SweepBatch <= 0 {
		cfg.SweepBatch = 100
	}
	if cfg.OutboxBatch <= 0 {
		cfg.OutboxBatch = 50
	}
	if cfg.Backoff.BaseMs == 0 {
		cfg.Backoff = DefaultBackoff()
	}
	return &Scheduler{
		store:       st,
		gates:       gates,
		dispatcher:  dispatcher,
		metrics:     m,
		backoff:     cfg.Backoff,
		tenantID:    cfg.TenantID,
		interval:    cfg.Interval,
		tickBudget:  cfg.TickBudget,
		expiryGrace: cfg.ExpiryGrace,
		sweepBatch:  cfg.SweepBatch,
		outboxBatch: cfg.OutboxBatch,
		now:         time.Now,
	}
}

// WithClock overrides the scheduler clock (tests).
func (s *Scheduler) WithClock(now func() time.Time) *Scheduler {
	s.now = now
	return s
}

// Run ticks until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	logger := log.LoggerFromContext(ctx)
	logger.Info("maintenance scheduler started",
		zap.String("tenant_id", s.tenantID),
		zap.Duration("interval", s.interval),
	)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info("maintenance scheduler stopped")
			return
		case <-ticker.C:
			if err := s.Tick(ctx); err != nil {
				logger.Warn("maintenance tick failed", zap.Error(err))
			}
		}
	}
}

// Tick runs one full maintenance pass under the tenant advisory lock. A tick
// with nothing due is a no-op.
func (s *Scheduler) Tick(ctx context.Context) error {
	tickCtx, cancel := context.WithTimeout(ctx, s.tickBudget)
	defer cancel()

	return s.store.WithAdvisoryLock(tickCtx, "maint:"+s.tenantID, func(ctx context.Context) error {
		s.observe("holdback", func() { s.sweepHolds(ctx) })
		s.observe("expiry", func() { s.sweepExpiredGates(ctx) })
		s.observe("reconcile", func() { s.reconcile(ctx) })
		s.observe("outbox", func() { s.pumpOutbox(ctx) })
		return nil
	})
}

func (s *Scheduler) observe(kind string, fn func()) {
	start := s.now()
	fn()
	if s.metrics != nil {
		s.metrics.MaintenanceTicks.WithLabelValues(kind).Observe(s.now().Sub(start).Seconds())
	}
}

// RunHoldbackSweep exposes the holdback pass for the ops endpoint; it takes
// the same advisory lock as the background worker.
func (s *Scheduler) RunHoldbackSweep(ctx context.Context) (int, error) {
	released := 0
	err := s.store.WithAdvisoryLock(ctx, "maint:"+s.tenantID, func(ctx context.Context) error {
		released = s.sweepHolds(ctx)
		return nil
	})
	return released, err
}

// RunOutboxPump exposes the outbox pass for the ops endpoint.
func (s *Scheduler) RunOutboxPump(ctx context.Context) error {
	return s.store.WithAdvisoryLock(ctx, "maint:"+s.tenantID, func(ctx context.Context) error {
		s.pumpOutbox(ctx)
		return nil
	})
}

// RunReconciliation exposes the drift check for the ops endpoint.
func (s *Scheduler) RunReconciliation(ctx context.Context) error {
	return s.store.WithAdvisoryLock(ctx, "maint:"+s.tenantID, func(ctx context.Context) error {
		s.reconcile(ctx)
		return nil
	})
}

func (s *Scheduler) sweepHolds(ctx context.Context) int {
	logger := log.LoggerFromContext(ctx)

	due, err := s.store.ListDueHolds(ctx, s.now(), s.sweepBatch)
	if err != nil {
		logger.Warn("holdback sweep: list failed", zap.Error(err))
		return 0
	}
	released := 0
	for _, hold := range due {
		ok, err := s.gates.AutoReleaseHold(ctx, hold.HoldHash)
		if err != nil {
			logger.Warn("holdback sweep: release failed",
				zap.String("hold_hash", hold.HoldHash),
				zap.Error(err),
			)
			continue
		}
		if ok {
			released++
			if s.metrics != nil {
				s.metrics.HoldsAutoReleased.Inc()
			}
		}
	}
	if released > 0 {
		logger.Info("holdback sweep released holds", zap.Int("count", released))
	}
	return released
}

func (s *Scheduler) sweepExpiredGates(ctx context.Context) {
	logger := log.LoggerFromContext(ctx)

	cutoff := s.now().Add(-s.expiryGrace)
	expired, err := s.store.ListExpiredGates(ctx, cutoff, s.sweepBatch)
	if err != nil {
		logger.Warn("expiry sweep: list failed", zap.Error(err))
		return
	}
	for _, gate := range expired {
		ok, err := s.gates.ExpireGate(ctx, gate.GateID)
		if err != nil {
			logger.Warn("expiry sweep: expire failed",
				zap.String("gate_id", gate.GateID),
				zap.Error(err),
			)
			continue
		}
		if ok && s.metrics != nil {
			s.metrics.GatesExpired.Inc()
		}
	}
}

// reconcile compares gate state against the ledger sum and logs drift. The
// ledger is the source of truth; a mismatch is an operator signal, never an
// automatic correction.
func (s *Scheduler) reconcile(ctx context.Context) {
	logger := log.LoggerFromContext(ctx)

	resolved, err := s.store.ListGates(ctx, s.tenantID, "", s.sweepBatch)
	if err != nil {
		logger.Warn("reconciliation: list failed", zap.Error(err))
		return
	}
	for _, gate := range resolved {
		if !gate.Status.Terminal() {
			continue
		}
		ledger, err := s.store.ListLedger(ctx, gate.GateID)
		if err != nil {
			continue
		}
		if sum := escrow.Balance(ledger); sum != 0 {
			logger.Error("reconciliation drift: terminal gate with non-zero escrow",
				zap.String("gate_id", gate.GateID),
				zap.Int64("escrow_balance", sum),
			)
		}
	}
}

func (s *Scheduler) pumpOutbox(ctx context.Context) {
	logger := log.LoggerFromContext(ctx)

	if s.metrics != nil {
		if pending, err := s.store.PendingDeliveryCount(ctx); err == nil {
			s.metrics.PendingAcks.Set(float64(pending))
		}
	}
	if s.dispatcher == nil {
		return
	}

	due, err := s.store.DueDeliveries(ctx, s.now(), s.outboxBatch)
	if err != nil {
		logger.Warn("outbox pump: list failed", zap.Error(err))
		return
	}
	for _, row := range due {
		attempt := row.Attempts + 1
		err := s.dispatcher.Deliver(ctx, row)
		if err == nil {
			if markErr := s.store.MarkDeliveryResult(ctx, row.DeliveryID, attempt, nil, true, "", false); markErr != nil {
				logger.Warn("outbox pump: ack bookkeeping failed", zap.Error(markErr))
			}
			if s.metrics != nil {
				s.metrics.DeliveryAttempts.WithLabelValues("ok").Inc()
			}
			continue
		}

		if s.metrics != nil {
			s.metrics.DeliveryAttempts.WithLabelValues("error").Inc()
		}
		if s.backoff.Exhausted(attempt) {
			logger.Error("outbox delivery permanently failed",
				zap.String("delivery_id", row.DeliveryID),
				zap.Int("attempts", attempt),
				zap.Error(err),
			)
			_ = s.store.MarkDeliveryResult(ctx, row.DeliveryID, attempt, nil, false, err.Error(), true)
			continue
		}
		next := s.now().Add(s.backoff.Delay(attempt))
		_ = s.store.MarkDeliveryResult(ctx, row.DeliveryID, attempt, &next, false, err.Error(), false)
	}
}
