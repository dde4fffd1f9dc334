package payments

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/example/carpool/internal/models"
)

// IntentRequest is the provider-neutral input for creating a payment intent.
type IntentRequest struct {
	Amount   int64
	Currency string
	Metadata map[string]string
}

// Intent is the provider-neutral view of a remote payment intent.
type Intent struct {
	PaymentIntentID string
	ClientSecret    string
	Status          models.TransactionStatus
	Amount          int64
	Currency        string
	Metadata        map[string]string
}

// WebhookEvent is a verified, parsed provider event.
type WebhookEvent struct {
	ID       string          `json:"id"`
	Type     string          `json:"type"`
	Data     json.RawMessage `json:"data"`
	Created  int64           `json:"created"`
	Livemode bool            `json:"livemode"`
}

// Webhook verification failures. Handlers map these to 400.
var (
	ErrMissingSignature = errors.New("webhook signature header missing")
	ErrNoWebhookSecret  = errors.New("webhook secret not configured")
	ErrBadSignature     = errors.New("webhook signature invalid")
)

// Provider is the payment-provider boundary. One implementation per provider;
// an unimplemented method is a compile error, not a runtime throw.
type Provider interface {
	Name() string
	CreatePaymentIntent(ctx context.Context, req IntentRequest) (*Intent, error)
	GetPaymentIntent(ctx context.Context, paymentIntentID string) (*Intent, error)
	CancelPaymentIntent(ctx context.Context, paymentIntentID string) error
	// CreateRefund refunds amount in the smallest currency unit; nil means a
	// full refund.
	CreateRefund(ctx context.Context, paymentIntentID string, amount *int64) error
	// ValidateSignature reports whether signature authenticates rawBody
	// against the provider's webhook secret.
	ValidateSignature(signature string, rawBody []byte) bool
	ParseAndVerifyWebhook(headers http.Header, rawBody []byte) (*WebhookEvent, error)
	// MapStatus collapses a provider status string onto the internal enum.
	// Unrecognized statuses map to failed.
	MapStatus(providerStatus string) models.TransactionStatus
}
