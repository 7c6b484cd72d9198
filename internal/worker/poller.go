package worker

import (
	"context"
	"sync"
	"time"

	"booking-service/internal/gateway"
	"booking-service/internal/models"
	"booking-service/internal/service"
	"booking-service/internal/util"

	"go.uber.org/zap"
)

// StatusPoller resolves pending payment transactions to terminal outcomes by
// querying the provider on a fixed interval with a capped attempt count. One
// bounded, cancellable loop runs per watched transaction; when the cap is
// reached the transaction is forced to expired and reconciled as a failure.
// A provider webhook may resolve the transaction first; reconciliation's
// idempotency makes the race safe.
type StatusPoller struct {
	baseCtx     context.Context
	gateways    service.GatewayResolver
	payments    *service.PaymentService
	interval    time.Duration
	maxAttempts int
	logger      *zap.Logger
	wg          sync.WaitGroup
}

// NewStatusPoller creates a new status poller. Poll loops outlive the HTTP
// request that started them, so they run under baseCtx rather than the
// request context.
func NewStatusPoller(baseCtx context.Context, gateways service.GatewayResolver, payments *service.PaymentService, interval time.Duration, maxAttempts int) *StatusPoller {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	return &StatusPoller{
		baseCtx:     baseCtx,
		gateways:    gateways,
		payments:    payments,
		interval:    interval,
		maxAttempts: maxAttempts,
		logger:      util.GetLogger(),
	}
}

// Watch starts polling a freshly initiated transaction in the background.
func (p *StatusPoller) Watch(txn *models.PaymentTransaction) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.poll(p.baseCtx, txn)
	}()
}

// Wait blocks until all watch loops have stopped.
func (p *StatusPoller) Wait() {
	p.wg.Wait()
}

func (p *StatusPoller) poll(ctx context.Context, txn *models.PaymentTransaction) {
	gw, err := p.gateways.Get(txn.Provider)
	if err != nil {
		p.logger.Error("Cannot poll transaction on unknown provider",
			zap.Int64("transaction_id", txn.ID),
			zap.String("provider", txn.Provider),
			zap.Error(err))
		return
	}

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	markedPending := false

	for attempt := 1; attempt <= p.maxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			p.logger.Info("Polling cancelled",
				zap.Int64("transaction_id", txn.ID))
			return
		case <-ticker.C:
		}

		util.PollAttemptsTotal.Inc()
		status, err := gw.QueryStatus(ctx, txn.ProviderRef)
		if err != nil {
			p.logger.Warn("Status query failed",
				zap.Int64("transaction_id", txn.ID),
				zap.Int("attempt", attempt),
				zap.Error(err))
			continue
		}

		if status.Terminal() {
			if err := p.payments.Reconcile(ctx, txn.ID, status); err != nil {
				p.logger.Error("Reconciliation failed",
					zap.Int64("transaction_id", txn.ID),
					zap.String("status", string(status)),
					zap.Error(err))
			}
			return
		}

		if status == gateway.StatusPending && !markedPending {
			if err := p.payments.MarkPending(ctx, txn.ID); err != nil {
				p.logger.Warn("Failed to mark transaction pending",
					zap.Int64("transaction_id", txn.ID),
					zap.Error(err))
			} else {
				markedPending = true
			}
		}
	}

	// Attempt cap reached: force the transaction to expired so the held
	// seats return instead of leaking behind an unresolved payment.
	util.PollExpirationsTotal.Inc()
	p.logger.Warn("Polling budget exhausted, expiring transaction",
		zap.Int64("transaction_id", txn.ID))
	if err := p.payments.Reconcile(ctx, txn.ID, gateway.StatusExpired); err != nil {
		p.logger.Error("Failed to expire transaction",
			zap.Int64("transaction_id", txn.ID),
			zap.Error(err))
	}
}
