package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Airtel Money collection limits, minor units.
const (
	airtelMinAmount = 100
	airtelMaxAmount = 7_000_000
)

// AirtelGateway adapts the Airtel Money merchant payments API.
type AirtelGateway struct {
	baseURL    string
	apiKey     string
	secret     string
	currency   string
	httpClient *http.Client
}

type airtelPaymentRequest struct {
	Reference   string            `json:"reference"`
	Subscriber  airtelSubscriber  `json:"subscriber"`
	Transaction airtelTransaction `json:"transaction"`
}

type airtelSubscriber struct {
	Country  string `json:"country"`
	Currency string `json:"currency"`
	MSISDN   string `json:"msisdn"`
}

type airtelTransaction struct {
	Amount   int64  `json:"amount"`
	Country  string `json:"country"`
	Currency string `json:"currency"`
	ID       string `json:"id"`
}

type airtelResponse struct {
	Data struct {
		Transaction struct {
			ID     string `json:"id"`
			Status string `json:"status"`
		} `json:"transaction"`
	} `json:"data"`
	Status struct {
		Success bool   `json:"success"`
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"status"`
}

// NewAirtelGateway creates an Airtel Money adapter.
func NewAirtelGateway(baseURL, apiKey, secret, currency string, timeout time.Duration) *AirtelGateway {
	return &AirtelGateway{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		secret:     secret,
		currency:   currency,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// Initiate pushes a merchant payment request to the subscriber's wallet.
func (g *AirtelGateway) Initiate(ctx context.Context, req InitiateRequest) (string, error) {
	msisdn, err := normalizeAirtelMSISDN(req.PhoneNumber)
	if err != nil {
		return "", err
	}
	if req.Amount < airtelMinAmount || req.Amount > airtelMaxAmount {
		return "", fmt.Errorf("%w: %d", ErrAmountOutOfRange, req.Amount)
	}

	txnID := uuid.New().String()

	body, err := json.Marshal(airtelPaymentRequest{
		Reference: req.Reference,
		Subscriber: airtelSubscriber{
			Country:  "UG",
			Currency: g.currency,
			MSISDN:   msisdn,
		},
		Transaction: airtelTransaction{
			Amount:   req.Amount,
			Country:  "UG",
			Currency: g.currency,
			ID:       txnID,
		},
	})
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		g.baseURL+"/merchant/v1/payments/", bytes.NewBuffer(body))
	if err != nil {
		return "", err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-Country", "UG")
	httpReq.Header.Set("X-Currency", g.currency)
	httpReq.Header.Set("Authorization", "Bearer "+g.secret)

	resp, err := g.httpClient.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrPaymentTimeout, err)
	}
	defer resp.Body.Close()

	var result airtelResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("failed to decode response: %w", err)
	}

	if resp.StatusCode != http.StatusOK || !result.Status.Success {
		if resp.StatusCode >= 500 {
			return "", fmt.Errorf("%w: airtel returned %d", ErrPaymentUnknown, resp.StatusCode)
		}
		return "", fmt.Errorf("%w: airtel code %s: %s", ErrPaymentRejected, result.Status.Code, result.Status.Message)
	}

	return txnID, nil
}

// QueryStatus resolves an Airtel transaction ID.
func (g *AirtelGateway) QueryStatus(ctx context.Context, providerRef string) (Status, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet,
		g.baseURL+"/standard/v1/payments/"+providerRef, nil)
	if err != nil {
		return StatusUnknown, err
	}
	httpReq.Header.Set("X-Country", "UG")
	httpReq.Header.Set("X-Currency", g.currency)
	httpReq.Header.Set("Authorization", "Bearer "+g.secret)

	resp, err := g.httpClient.Do(httpReq)
	if err != nil {
		return StatusUnknown, fmt.Errorf("%w: %v", ErrPaymentTimeout, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return StatusUnknown, fmt.Errorf("%w: airtel returned %d", ErrPaymentUnknown, resp.StatusCode)
	}

	var result airtelResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return StatusUnknown, fmt.Errorf("failed to decode response: %w", err)
	}

	// Airtel status codes: TIP = awaiting subscriber PIN, TS = success,
	// TF = failed, TE = expired.
	switch result.Data.Transaction.Status {
	case "TIP":
		return StatusPending, nil
	case "TS":
		return StatusSucceeded, nil
	case "TF":
		return StatusFailed, nil
	case "TE":
		return StatusExpired, nil
	default:
		return StatusUnknown, nil
	}
}

// normalizeAirtelMSISDN canonicalizes to the national format without the
// leading zero (7XXXXXXXX), the shape Airtel's UG endpoints accept.
func normalizeAirtelMSISDN(phone string) (string, error) {
	digits := strings.Map(func(r rune) rune {
		if r >= '0' && r <= '9' {
			return r
		}
		return -1
	}, phone)

	switch {
	case strings.HasPrefix(digits, "256") && len(digits) == 12:
		return digits[3:], nil
	case strings.HasPrefix(digits, "0") && len(digits) == 10:
		return digits[1:], nil
	case len(digits) == 9:
		return digits, nil
	default:
		return "", fmt.Errorf("%w: %s", ErrInvalidPhoneNumber, phone)
	}
}
