package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// MTN MoMo collection limits, minor units.
const (
	mtnMinAmount = 500
	mtnMaxAmount = 5_000_000
)

// MTNGateway adapts the MTN MoMo collections API.
type MTNGateway struct {
	baseURL    string
	apiKey     string
	secret     string
	currency   string
	httpClient *http.Client
}

type mtnRequestToPay struct {
	Amount       string   `json:"amount"`
	Currency     string   `json:"currency"`
	ExternalID   string   `json:"externalId"`
	Payer        mtnPayer `json:"payer"`
	PayerMessage string   `json:"payerMessage,omitempty"`
}

type mtnPayer struct {
	PartyIDType string `json:"partyIdType"`
	PartyID     string `json:"partyId"`
}

type mtnStatusResponse struct {
	Status string `json:"status"`
	Reason string `json:"reason,omitempty"`
}

// NewMTNGateway creates an MTN MoMo adapter.
func NewMTNGateway(baseURL, apiKey, secret, currency string, timeout time.Duration) *MTNGateway {
	return &MTNGateway{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		secret:     secret,
		currency:   currency,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// Initiate pushes a request-to-pay to the subscriber's wallet.
func (g *MTNGateway) Initiate(ctx context.Context, req InitiateRequest) (string, error) {
	msisdn, err := normalizeMSISDN(req.PhoneNumber)
	if err != nil {
		return "", err
	}
	if req.Amount < mtnMinAmount || req.Amount > mtnMaxAmount {
		return "", fmt.Errorf("%w: %d", ErrAmountOutOfRange, req.Amount)
	}

	// MTN requires the caller to mint the transaction reference.
	ref := uuid.New().String()

	body, err := json.Marshal(mtnRequestToPay{
		Amount:     strconv.FormatInt(req.Amount, 10),
		Currency:   g.currency,
		ExternalID: req.Reference,
		Payer: mtnPayer{
			PartyIDType: "MSISDN",
			PartyID:     msisdn,
		},
		PayerMessage: "Ride booking",
	})
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		g.baseURL+"/collection/v1_0/requesttopay", bytes.NewBuffer(body))
	if err != nil {
		return "", err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-Reference-Id", ref)
	httpReq.Header.Set("Ocp-Apim-Subscription-Key", g.apiKey)
	httpReq.Header.Set("Authorization", "Bearer "+g.secret)

	resp, err := g.httpClient.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrPaymentTimeout, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusAccepted:
		return ref, nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return "", fmt.Errorf("%w: mtn returned %d", ErrPaymentRejected, resp.StatusCode)
	default:
		return "", fmt.Errorf("%w: mtn returned %d", ErrPaymentUnknown, resp.StatusCode)
	}
}

// QueryStatus resolves a request-to-pay reference.
func (g *MTNGateway) QueryStatus(ctx context.Context, providerRef string) (Status, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet,
		g.baseURL+"/collection/v1_0/requesttopay/"+providerRef, nil)
	if err != nil {
		return StatusUnknown, err
	}
	httpReq.Header.Set("Ocp-Apim-Subscription-Key", g.apiKey)
	httpReq.Header.Set("Authorization", "Bearer "+g.secret)

	resp, err := g.httpClient.Do(httpReq)
	if err != nil {
		return StatusUnknown, fmt.Errorf("%w: %v", ErrPaymentTimeout, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return StatusUnknown, fmt.Errorf("%w: mtn returned %d", ErrPaymentUnknown, resp.StatusCode)
	}

	var result mtnStatusResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return StatusUnknown, fmt.Errorf("failed to decode response: %w", err)
	}

	switch result.Status {
	case "PENDING":
		return StatusPending, nil
	case "SUCCESSFUL":
		return StatusSucceeded, nil
	case "FAILED":
		if result.Reason == "EXPIRED" {
			return StatusExpired, nil
		}
		return StatusFailed, nil
	default:
		return StatusUnknown, nil
	}
}

// normalizeMSISDN canonicalizes a Ugandan mobile number to international
// format without the plus sign (2567XXXXXXXX), the shape MTN accepts.
func normalizeMSISDN(phone string) (string, error) {
	digits := strings.Map(func(r rune) rune {
		if r >= '0' && r <= '9' {
			return r
		}
		return -1
	}, phone)

	switch {
	case strings.HasPrefix(digits, "256") && len(digits) == 12:
		return digits, nil
	case strings.HasPrefix(digits, "0") && len(digits) == 10:
		return "256" + digits[1:], nil
	case len(digits) == 9:
		return "256" + digits, nil
	default:
		return "", fmt.Errorf("%w: %s", ErrInvalidPhoneNumber, phone)
	}
}
