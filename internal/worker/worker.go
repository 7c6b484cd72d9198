package worker

import (
	"context"
	"log"

	"booking-service/internal/broker"
	"booking-service/internal/gateway"
	"booking-service/internal/models"
	"booking-service/internal/service"
	"booking-service/internal/util"

	"go.uber.org/zap"
)

// ReconcileWorker consumes provider notifications from the payment topic and
// feeds them into reconciliation. It may resolve a transaction the status
// poller is still watching; the terminal-status check inside reconcile keeps
// the duplicate harmless.
type ReconcileWorker struct {
	consumer     *broker.Consumer
	eventHandler *broker.EventHandler
	payments     *service.PaymentService
	logger       *zap.Logger
}

// NewReconcileWorker creates a new reconcile worker
func NewReconcileWorker(consumer *broker.Consumer, payments *service.PaymentService) *ReconcileWorker {
	w := &ReconcileWorker{
		consumer: consumer,
		payments: payments,
		logger:   util.GetLogger(),
	}

	eventHandler := broker.NewEventHandler()
	eventHandler.OnProviderNotification(w.handleNotification)
	w.eventHandler = eventHandler

	return w
}

// Start starts the worker
func (w *ReconcileWorker) Start(ctx context.Context) error {
	log.Println("Starting reconcile worker...")
	return w.consumer.StartConsuming(ctx, w.eventHandler.HandleMessage)
}

// Stop stops the worker
func (w *ReconcileWorker) Stop() error {
	log.Println("Stopping reconcile worker...")
	return w.consumer.Close()
}

func (w *ReconcileWorker) handleNotification(ctx context.Context, event *models.ProviderNotificationEvent) error {
	status := gateway.Status(event.Status)
	if !status.Terminal() {
		w.logger.Info("Ignoring non-terminal provider notification",
			zap.String("provider", event.Provider),
			zap.String("provider_ref", event.ProviderRef),
			zap.String("status", event.Status))
		return nil
	}

	w.logger.Info("Reconciling from provider notification",
		zap.String("provider", event.Provider),
		zap.String("provider_ref", event.ProviderRef),
		zap.String("status", event.Status))

	return w.payments.ReconcileByProviderRef(ctx, event.Provider, event.ProviderRef, status)
}
