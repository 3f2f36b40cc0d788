package card

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"tolio/settlement"
)

// ProcessorClient defines the subset of the card processor API the adapter
// requires.
type ProcessorClient interface {
	CreateIntent(ctx context.Context, req *IntentRequest, idempotencyKey string) (*Intent, error)
	CaptureIntent(ctx context.Context, id string, req *CaptureIntentRequest, idempotencyKey string) (*Intent, error)
	CancelIntent(ctx context.Context, id string, idempotencyKey string) (*Intent, error)
	CreateRefund(ctx context.Context, req *RefundIntentRequest, idempotencyKey string) (*RefundObject, error)
	GetIntent(ctx context.Context, id string) (*Intent, error)
}

// HTTPProcessorClient implements ProcessorClient against the processor's REST
// API.
type HTTPProcessorClient struct {
	apiKey  string
	baseURL string
	http    *http.Client
}

// NewHTTPProcessorClient constructs an HTTP client with sane defaults.
func NewHTTPProcessorClient(baseURL, apiKey string) *HTTPProcessorClient {
	return &HTTPProcessorClient{
		apiKey:  apiKey,
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 15 * time.Second},
	}
}

// IntentRequest creates a manual-capture payment intent with a destination
// transfer, so capture settles the owner's share in the same logical
// operation.
type IntentRequest struct {
	Amount        int64             `json:"amount"`
	Currency      string            `json:"currency"`
	PaymentMethod string            `json:"payment_method"`
	CaptureMethod string            `json:"capture_method"`
	Destination   string            `json:"transfer_destination,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	Description   string            `json:"description,omitempty"`
}

// CaptureIntentRequest charges part of the hold and splits out the
// marketplace fee. The uncaptured remainder (the security deposit) stays on
// hold until it is refunded or the intent is cancelled.
type CaptureIntentRequest struct {
	AmountToCapture int64  `json:"amount_to_capture"`
	ApplicationFee  int64  `json:"application_fee_amount"`
	Destination     string `json:"transfer_destination,omitempty"`
}

// RefundIntentRequest returns funds against an intent: captured money, or the
// still-held remainder of a manual-capture hold.
type RefundIntentRequest struct {
	IntentID string `json:"payment_intent"`
	Amount   int64  `json:"amount,omitempty"`
}

// Intent mirrors the processor's payment intent resource.
type Intent struct {
	ID             string `json:"id"`
	Status         string `json:"status"`
	Amount         int64  `json:"amount"`
	AmountReceived int64  `json:"amount_received"`
	AmountRefunded int64  `json:"amount_refunded"`
	ClientSecret   string `json:"client_secret"`
	CheckoutURL    string `json:"checkout_url,omitempty"`
	TransferID     string `json:"transfer_id,omitempty"`
	Currency       string `json:"currency"`
}

// RefundObject mirrors the processor's refund resource.
type RefundObject struct {
	ID     string `json:"id"`
	Amount int64  `json:"amount"`
	Status string `json:"status"`
}

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type apiErrorEnvelope struct {
	Error apiError `json:"error"`
}

const headerIdempotencyKey = "Idempotency-Key"

func (c *HTTPProcessorClient) CreateIntent(ctx context.Context, req *IntentRequest, idempotencyKey string) (*Intent, error) {
	var intent Intent
	if err := c.do(ctx, http.MethodPost, "/v1/payment_intents", req, idempotencyKey, &intent); err != nil {
		return nil, err
	}
	return &intent, nil
}

func (c *HTTPProcessorClient) CaptureIntent(ctx context.Context, id string, req *CaptureIntentRequest, idempotencyKey string) (*Intent, error) {
	var intent Intent
	path := fmt.Sprintf("/v1/payment_intents/%s/capture", id)
	if err := c.do(ctx, http.MethodPost, path, req, idempotencyKey, &intent); err != nil {
		return nil, err
	}
	return &intent, nil
}

func (c *HTTPProcessorClient) CancelIntent(ctx context.Context, id string, idempotencyKey string) (*Intent, error) {
	var intent Intent
	path := fmt.Sprintf("/v1/payment_intents/%s/cancel", id)
	if err := c.do(ctx, http.MethodPost, path, nil, idempotencyKey, &intent); err != nil {
		return nil, err
	}
	return &intent, nil
}

func (c *HTTPProcessorClient) CreateRefund(ctx context.Context, req *RefundIntentRequest, idempotencyKey string) (*RefundObject, error) {
	var refund RefundObject
	if err := c.do(ctx, http.MethodPost, "/v1/refunds", req, idempotencyKey, &refund); err != nil {
		return nil, err
	}
	return &refund, nil
}

func (c *HTTPProcessorClient) GetIntent(ctx context.Context, id string) (*Intent, error) {
	var intent Intent
	if err := c.do(ctx, http.MethodGet, "/v1/payment_intents/"+id, nil, "", &intent); err != nil {
		return nil, err
	}
	return &intent, nil
}

func (c *HTTPProcessorClient) do(ctx context.Context, method, path string, payload interface{}, idempotencyKey string, out interface{}) error {
	if c == nil {
		return fmt.Errorf("card: processor client not configured")
	}
	var body *bytes.Reader
	if payload != nil {
		buf, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		body = bytes.NewReader(buf)
	} else {
		body = bytes.NewReader(nil)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	if idempotencyKey != "" {
		req.Header.Set(headerIdempotencyKey, idempotencyKey)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		// A timed-out mutation may or may not have been processed; the
		// caller must reconcile rather than assume failure.
		if isTimeout(err) && method != http.MethodGet {
			return &settlement.PendingError{Err: err}
		}
		return settlement.Retryable(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 500 {
		return settlement.Retryable(fmt.Errorf("card: processor %s failed: status=%d", path, resp.StatusCode))
	}
	if resp.StatusCode >= 400 {
		var envelope apiErrorEnvelope
		if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
			return fmt.Errorf("card: processor %s failed: status=%d", path, resp.StatusCode)
		}
		return normalizeAPIError(envelope.Error)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// normalizeAPIError maps provider error codes onto the shared taxonomy so raw
// processor shapes never reach the orchestrator.
func normalizeAPIError(e apiError) error {
	switch strings.ToLower(strings.TrimSpace(e.Code)) {
	case "card_declined", "insufficient_funds", "expired_card":
		return fmt.Errorf("%w: %s", settlement.ErrDeclined, e.Message)
	case "authentication_required":
		return fmt.Errorf("%w: %s", settlement.ErrAuthRequired, e.Message)
	case "intent_already_captured", "charge_already_captured":
		return settlement.ErrAlreadyCaptured
	case "authorization_expired", "intent_not_found", "no_active_hold":
		return settlement.ErrNotAuthorized
	case "refund_exceeds_captured", "amount_too_large":
		return settlement.ErrRefundExceedsCaptured
	default:
		return fmt.Errorf("card: processor error %s: %s", e.Code, e.Message)
	}
}
