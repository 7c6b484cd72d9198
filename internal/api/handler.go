package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"booking-service/config"
	"booking-service/internal/gateway"
	"booking-service/internal/models"
	"booking-service/internal/service"
	"booking-service/internal/util"
	"booking-service/internal/worker"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// WebhookPublisher forwards validated provider notifications to the payment topic.
type WebhookPublisher interface {
	PublishProviderNotification(ctx context.Context, event *models.ProviderNotificationEvent) error
}

// Handler contains HTTP handlers
type Handler struct {
	bookings  *service.BookingService
	payments  *service.PaymentService
	inventory *service.RideInventory
	poller    *worker.StatusPoller
	publisher WebhookPublisher
	secrets   map[string]string
}

// NewHandler creates a new HTTP handler
func NewHandler(
	bookings *service.BookingService,
	payments *service.PaymentService,
	inventory *service.RideInventory,
	poller *worker.StatusPoller,
	publisher WebhookPublisher,
	paymentCfg config.PaymentConfig,
) *Handler {
	return &Handler{
		bookings:  bookings,
		payments:  payments,
		inventory: inventory,
		poller:    poller,
		publisher: publisher,
		secrets: map[string]string{
			gateway.ProviderMTN:    paymentCfg.MTNSecret,
			gateway.ProviderAirtel: paymentCfg.AirtelSecret,
		},
	}
}

// SetupRoutes sets up HTTP routes
func (h *Handler) SetupRoutes(router *gin.Engine) {
	router.Use(gin.Recovery())
	router.Use(prometheusMiddleware())
	router.Use(gin.Logger())

	router.GET("/health", h.healthCheck)
	router.GET("/ready", h.readinessCheck)

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := router.Group("/api/v1")
	{
		v1.POST("/rides", h.createRide)
		v1.GET("/rides/:id/availability", h.rideAvailability)
		v1.POST("/bookings", h.createBooking)
		v1.GET("/bookings/:id", h.getBooking)
		v1.POST("/bookings/:id/payment", h.initiatePayment)
		v1.GET("/bookings/:id/payment/status", h.paymentStatus)
		v1.POST("/bookings/:id/cancel", h.cancelBooking)
	}

	router.POST("/webhooks/payments/:provider", h.paymentWebhook)
}

// healthCheck handles health check requests
func (h *Handler) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "healthy",
		"time":   time.Now().Unix(),
	})
}

// readinessCheck handles readiness check requests
func (h *Handler) readinessCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "ready",
		"time":   time.Now().Unix(),
	})
}

type createRideRequest struct {
	DriverID     int64 `json:"driver_id" binding:"required"`
	PricePerSeat int64 `json:"price_per_seat"`
	TotalSeats   int   `json:"total_seats" binding:"required"`
}

// createRide registers a ride with its full capacity available
func (h *Handler) createRide(c *gin.Context) {
	var req createRideRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request body",
			"details": err.Error(),
		})
		return
	}

	ride, err := h.inventory.CreateRide(c.Request.Context(), req.DriverID, req.PricePerSeat, req.TotalSeats)
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusCreated, ride)
}

type createBookingRequest struct {
	RideID  int64 `json:"ride_id" binding:"required"`
	RiderID int64 `json:"rider_id" binding:"required"`
	Seats   int   `json:"seats" binding:"required"`
}

// createBooking handles booking creation and seat adjustment
func (h *Handler) createBooking(c *gin.Context) {
	var req createBookingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request body",
			"details": err.Error(),
		})
		return
	}

	booking, err := h.bookings.CreateOrUpdateBooking(c.Request.Context(), req.RideID, req.RiderID, req.Seats)
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusCreated, booking)
}

// getBooking handles get booking by ID
func (h *Handler) getBooking(c *gin.Context) {
	bookingID, ok := parseID(c)
	if !ok {
		return
	}

	booking, err := h.bookings.GetBooking(c.Request.Context(), bookingID)
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, booking)
}

type initiatePaymentRequest struct {
	Provider    string `json:"provider" binding:"required"`
	PhoneNumber string `json:"phone_number" binding:"required"`
}

// initiatePayment opens a payment cycle for a booking's unpaid seats
func (h *Handler) initiatePayment(c *gin.Context) {
	bookingID, ok := parseID(c)
	if !ok {
		return
	}

	var req initiatePaymentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request body",
			"details": err.Error(),
		})
		return
	}

	txn, err := h.payments.InitiatePayment(c.Request.Context(), bookingID, req.Provider, req.PhoneNumber)
	if err != nil {
		h.writeError(c, err)
		return
	}

	// The result is pending until a terminal status is observed, never a success.
	h.poller.Watch(txn)

	c.JSON(http.StatusAccepted, txn)
}

// paymentStatus exposes the current reconciliation state for client polling
func (h *Handler) paymentStatus(c *gin.Context) {
	bookingID, ok := parseID(c)
	if !ok {
		return
	}

	status, message, err := h.payments.PaymentStatus(c.Request.Context(), bookingID)
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status":  status,
		"message": message,
	})
}

type cancelBookingRequest struct {
	RiderID int64 `json:"rider_id" binding:"required"`
}

// cancelBooking retires a booking and releases its seats
func (h *Handler) cancelBooking(c *gin.Context) {
	bookingID, ok := parseID(c)
	if !ok {
		return
	}

	var req cancelBookingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request body",
			"details": err.Error(),
		})
		return
	}

	booking, err := h.bookings.CancelBooking(c.Request.Context(), bookingID, req.RiderID)
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, booking)
}

// rideAvailability reports live seat availability for a ride
func (h *Handler) rideAvailability(c *gin.Context) {
	rideID, ok := parseID(c)
	if !ok {
		return
	}

	total, committed, err := h.inventory.Availability(c.Request.Context(), rideID)
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"total":     total,
		"committed": committed,
		"available": total - committed,
	})
}

type webhookPayload struct {
	TransactionRef string `json:"transaction_ref"`
	Status         string `json:"status"`
}

// paymentWebhook accepts provider-initiated terminal notifications. The body
// signature must match the provider's shared secret before anything is acted on.
func (h *Handler) paymentWebhook(c *gin.Context) {
	provider := c.Param("provider")
	secret, ok := h.secrets[provider]
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "Unknown provider"})
		return
	}

	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Unreadable body"})
		return
	}

	signature := c.GetHeader("X-Signature")
	if !gateway.VerifySignature(secret, body, signature) {
		util.WebhooksReceivedTotal.WithLabelValues(provider, "false").Inc()
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid signature"})
		return
	}
	util.WebhooksReceivedTotal.WithLabelValues(provider, "true").Inc()

	var payload webhookPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid payload"})
		return
	}

	event := &models.ProviderNotificationEvent{
		BaseEvent: models.BaseEvent{
			EventID:   uuid.New().String(),
			EventType: models.EventTypeProviderNotification,
			Timestamp: time.Now(),
		},
		Provider:    provider,
		ProviderRef: payload.TransactionRef,
		Status:      normalizeWebhookStatus(provider, payload.Status),
	}

	if err := h.publisher.PublishProviderNotification(c.Request.Context(), event); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to enqueue notification"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "accepted"})
}

// normalizeWebhookStatus maps provider callback vocabularies onto the
// gateway's status taxonomy.
func normalizeWebhookStatus(provider, status string) string {
	switch provider {
	case gateway.ProviderMTN:
		switch status {
		case "SUCCESSFUL":
			return string(gateway.StatusSucceeded)
		case "FAILED":
			return string(gateway.StatusFailed)
		case "EXPIRED":
			return string(gateway.StatusExpired)
		}
	case gateway.ProviderAirtel:
		switch status {
		case "TS":
			return string(gateway.StatusSucceeded)
		case "TF":
			return string(gateway.StatusFailed)
		case "TE":
			return string(gateway.StatusExpired)
		case "TIP":
			return string(gateway.StatusPending)
		}
	}
	return string(gateway.StatusUnknown)
}

func (h *Handler) writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, service.ErrInsufficientCapacity):
		c.JSON(http.StatusConflict, gin.H{"error": "insufficient_capacity", "details": err.Error()})
	case errors.Is(err, service.ErrConcurrentModification):
		c.JSON(http.StatusConflict, gin.H{"error": "concurrent_modification", "details": err.Error()})
	case errors.Is(err, service.ErrTransactionAlreadyInProgress):
		c.JSON(http.StatusConflict, gin.H{"error": "transaction_in_progress", "details": err.Error()})
	case errors.Is(err, service.ErrBookingCancelled):
		c.JSON(http.StatusConflict, gin.H{"error": "booking_cancelled", "details": err.Error()})
	case errors.Is(err, service.ErrBookingCompleted):
		c.JSON(http.StatusConflict, gin.H{"error": "booking_completed", "details": err.Error()})
	case errors.Is(err, service.ErrInvalidRide):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "invalid_ride", "details": err.Error()})
	case errors.Is(err, service.ErrInvalidSeatCount):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "invalid_seat_count", "details": err.Error()})
	case errors.Is(err, service.ErrNothingToCharge):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "nothing_to_charge", "details": err.Error()})
	case errors.Is(err, gateway.ErrInvalidPhoneNumber),
		errors.Is(err, gateway.ErrAmountOutOfRange),
		errors.Is(err, gateway.ErrUnknownProvider):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "invalid_payment_request", "details": err.Error()})
	case errors.Is(err, gateway.ErrPaymentRejected):
		c.JSON(http.StatusBadGateway, gin.H{"error": "payment_rejected", "details": err.Error()})
	case errors.Is(err, gateway.ErrPaymentTimeout), errors.Is(err, gateway.ErrPaymentUnknown):
		c.JSON(http.StatusBadGateway, gin.H{"error": "payment_provider_unavailable", "details": err.Error()})
	case errors.Is(err, service.ErrRideNotFound),
		errors.Is(err, service.ErrBookingNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "details": err.Error()})
	case errors.Is(err, service.ErrBookingNotOwned):
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden", "details": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "details": err.Error()})
	}
}

func parseID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid ID"})
		return 0, false
	}
	return id, true
}

// prometheusMiddleware collects HTTP metrics
func prometheusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(c.Writer.Status())

		util.HTTPRequestDuration.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			status,
		).Observe(duration)

		util.HTTPRequestsTotal.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			status,
		).Inc()
	}
}
