package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	"booking-service/internal/models"

	"github.com/segmentio/kafka-go"
)

// EventPublisher handles publishing domain events. Booking lifecycle events
// go to the booking topic, payment lifecycle and provider notifications to
// the payment topic.
type EventPublisher struct {
	bookingProducer *Producer
	paymentProducer *Producer
}

// NewEventPublisher creates a new event publisher
func NewEventPublisher(bookingProducer, paymentProducer *Producer) *EventPublisher {
	return &EventPublisher{
		bookingProducer: bookingProducer,
		paymentProducer: paymentProducer,
	}
}

// PublishBookingCreated publishes BookingCreated event
func (ep *EventPublisher) PublishBookingCreated(ctx context.Context, event *models.BookingCreatedEvent) error {
	return ep.bookingProducer.PublishEvent(ctx, bookingKey(event.BookingID), event)
}

// PublishSeatsReserved publishes SeatsReserved event
func (ep *EventPublisher) PublishSeatsReserved(ctx context.Context, event *models.SeatsReservedEvent) error {
	return ep.bookingProducer.PublishEvent(ctx, bookingKey(event.BookingID), event)
}

// PublishBookingCancelled publishes BookingCancelled event
func (ep *EventPublisher) PublishBookingCancelled(ctx context.Context, event *models.BookingCancelledEvent) error {
	return ep.bookingProducer.PublishEvent(ctx, bookingKey(event.BookingID), event)
}

// PublishBookingExpired publishes BookingExpired event
func (ep *EventPublisher) PublishBookingExpired(ctx context.Context, event *models.BookingExpiredEvent) error {
	return ep.bookingProducer.PublishEvent(ctx, bookingKey(event.BookingID), event)
}

// PublishPaymentInitiated publishes PaymentInitiated event
func (ep *EventPublisher) PublishPaymentInitiated(ctx context.Context, event *models.PaymentInitiatedEvent) error {
	return ep.paymentProducer.PublishEvent(ctx, bookingKey(event.BookingID), event)
}

// PublishPaymentCompleted publishes PaymentCompleted event
func (ep *EventPublisher) PublishPaymentCompleted(ctx context.Context, event *models.PaymentCompletedEvent) error {
	return ep.paymentProducer.PublishEvent(ctx, bookingKey(event.BookingID), event)
}

// PublishPaymentFailed publishes PaymentFailed event
func (ep *EventPublisher) PublishPaymentFailed(ctx context.Context, event *models.PaymentFailedEvent) error {
	return ep.paymentProducer.PublishEvent(ctx, bookingKey(event.BookingID), event)
}

// PublishProviderNotification publishes a provider webhook callback onto the
// payment topic for the reconcile worker
func (ep *EventPublisher) PublishProviderNotification(ctx context.Context, event *models.ProviderNotificationEvent) error {
	return ep.paymentProducer.PublishEvent(ctx, event.ProviderRef, event)
}

func bookingKey(bookingID int64) string {
	return fmt.Sprintf("booking-%d", bookingID)
}

// EventHandler routes incoming payment-topic events
type EventHandler struct {
	onProviderNotification func(context.Context, *models.ProviderNotificationEvent) error
}

// NewEventHandler creates a new event handler
func NewEventHandler() *EventHandler {
	return &EventHandler{}
}

// OnProviderNotification registers a handler for provider notifications
func (eh *EventHandler) OnProviderNotification(handler func(context.Context, *models.ProviderNotificationEvent) error) {
	eh.onProviderNotification = handler
}

// HandleMessage routes messages to appropriate handlers
func (eh *EventHandler) HandleMessage(ctx context.Context, msg kafka.Message) error {
	var baseEvent models.BaseEvent
	if err := json.Unmarshal(msg.Value, &baseEvent); err != nil {
		return fmt.Errorf("failed to unmarshal base event: %w", err)
	}

	switch baseEvent.EventType {
	case models.EventTypeProviderNotification:
		if eh.onProviderNotification != nil {
			var event models.ProviderNotificationEvent
			if err := json.Unmarshal(msg.Value, &event); err != nil {
				return fmt.Errorf("failed to unmarshal ProviderNotification event: %w", err)
			}
			return eh.onProviderNotification(ctx, &event)
		}

	default:
		log.Printf("Unhandled event type: %s", baseEvent.EventType)
	}

	return nil
}
