package gateway

import (
	"context"
	"errors"
	"fmt"
	"time"

	"booking-service/config"
)

// Status is the provider-agnostic view of an external transaction's state.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusSucceeded Status = "SUCCEEDED"
	StatusFailed    Status = "FAILED"
	StatusExpired   Status = "EXPIRED"
	StatusUnknown   Status = "UNKNOWN"
)

// Terminal reports whether the status admits no further transition.
func (s Status) Terminal() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusExpired:
		return true
	}
	return false
}

// InitiateRequest describes a charge to push to a subscriber's wallet. The
// gateway knows nothing about seats or rides, only money movement.
type InitiateRequest struct {
	Amount      int64 // minor currency units
	PhoneNumber string
	Reference   string // internal booking reference passed through to the provider
}

// Gateway is the capability a mobile-money provider variant must implement.
// Each variant owns its own request/response mapping, phone normalization,
// amount limits, and error normalization.
type Gateway interface {
	// Initiate pushes a charge request; returns the provider's transaction
	// reference. Rejections normalize to ErrPaymentRejected.
	Initiate(ctx context.Context, req InitiateRequest) (string, error)

	// QueryStatus resolves a provider reference to a status. Transport
	// failures normalize to ErrPaymentTimeout; unrecognized provider states
	// map to StatusUnknown.
	QueryStatus(ctx context.Context, providerRef string) (Status, error)
}

// Provider-agnostic error taxonomy. Adapters wrap provider detail around
// these sentinels so callers can match with errors.Is.
var (
	ErrPaymentRejected    = errors.New("payment rejected by provider")
	ErrPaymentTimeout     = errors.New("payment provider timeout")
	ErrPaymentUnknown     = errors.New("payment state unknown")
	ErrUnknownProvider    = errors.New("unknown payment provider")
	ErrInvalidPhoneNumber = errors.New("invalid phone number")
	ErrAmountOutOfRange   = errors.New("amount outside provider limits")
)

// Registry resolves provider identifiers to configured gateway adapters.
type Registry struct {
	gateways map[string]Gateway
}

// NewRegistry builds adapters for every configured provider.
func NewRegistry(cfg config.PaymentConfig) *Registry {
	timeout := cfg.RequestTimeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}

	return &Registry{
		gateways: map[string]Gateway{
			ProviderMTN:    NewMTNGateway(cfg.MTNBaseURL, cfg.MTNAPIKey, cfg.MTNSecret, cfg.Currency, timeout),
			ProviderAirtel: NewAirtelGateway(cfg.AirtelBaseURL, cfg.AirtelAPIKey, cfg.AirtelSecret, cfg.Currency, timeout),
		},
	}
}

// Get returns the adapter for a provider identifier.
func (r *Registry) Get(provider string) (Gateway, error) {
	gw, ok := r.gateways[provider]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProvider, provider)
	}
	return gw, nil
}

// Provider identifiers accepted by the API surface.
const (
	ProviderMTN    = "mtn"
	ProviderAirtel = "airtel"
)
