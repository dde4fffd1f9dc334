package payments

import (
	"context"
	"encoding/json"
	"net/http"

	stripe "github.com/stripe/stripe-go/v74"
	"github.com/stripe/stripe-go/v74/paymentintent"
	"github.com/stripe/stripe-go/v74/refund"

	"github.com/example/carpool/internal/models"
)

// StripeProvider is a thin wrapper around stripe-go implementing the Provider
// boundary for the payment-intent flow.
type StripeProvider struct {
	webhookSecret []byte
}

// NewStripeProvider sets the stripe API key and keeps the webhook signing
// secret for inbound event verification.
func NewStripeProvider(apiKey string, webhookSecret []byte) *StripeProvider {
	stripe.Key = apiKey
	return &StripeProvider{webhookSecret: webhookSecret}
}

func (s *StripeProvider) Name() string { return "stripe" }

func (s *StripeProvider) CreatePaymentIntent(ctx context.Context, req IntentRequest) (*Intent, error) {
	params := &stripe.PaymentIntentParams{
		Amount:   stripe.Int64(req.Amount),
		Currency: stripe.String(req.Currency),
	}
	for k, v := range req.Metadata {
		params.AddMetadata(k, v)
	}
	pi, err := paymentintent.New(params)
	if err != nil {
		return nil, err
	}
	return s.intentFrom(pi), nil
}

func (s *StripeProvider) GetPaymentIntent(ctx context.Context, paymentIntentID string) (*Intent, error) {
	pi, err := paymentintent.Get(paymentIntentID, nil)
	if err != nil {
		return nil, err
	}
	return s.intentFrom(pi), nil
}

func (s *StripeProvider) CancelPaymentIntent(ctx context.Context, paymentIntentID string) error {
	_, err := paymentintent.Cancel(paymentIntentID, nil)
	return err
}

func (s *StripeProvider) CreateRefund(ctx context.Context, paymentIntentID string, amount *int64) error {
	params := &stripe.RefundParams{PaymentIntent: stripe.String(paymentIntentID)}
	if amount != nil {
		params.Amount = stripe.Int64(*amount)
	}
	_, err := refund.New(params)
	return err
}

func (s *StripeProvider) ValidateSignature(signature string, rawBody []byte) bool {
	return ValidateSignature(signature, rawBody, s.webhookSecret)
}

func (s *StripeProvider) ParseAndVerifyWebhook(headers http.Header, rawBody []byte) (*WebhookEvent, error) {
	sig := headers.Get("Stripe-Signature")
	if sig == "" {
		return nil, ErrMissingSignature
	}
	if len(s.webhookSecret) == 0 {
		return nil, ErrNoWebhookSecret
	}
	if !s.ValidateSignature(sig, rawBody) {
		return nil, ErrBadSignature
	}
	var ev WebhookEvent
	if err := json.Unmarshal(rawBody, &ev); err != nil {
		return nil, err
	}
	return &ev, nil
}

func (s *StripeProvider) MapStatus(providerStatus string) models.TransactionStatus {
	switch stripe.PaymentIntentStatus(providerStatus) {
	case stripe.PaymentIntentStatusRequiresPaymentMethod:
		return models.TxRequiresPaymentMethod
	case stripe.PaymentIntentStatusRequiresConfirmation,
		stripe.PaymentIntentStatusRequiresAction,
		stripe.PaymentIntentStatusRequiresCapture,
		stripe.PaymentIntentStatusProcessing:
		return models.TxProcessing
	case stripe.PaymentIntentStatusSucceeded:
		return models.TxSucceeded
	case stripe.PaymentIntentStatusCanceled:
		return models.TxCanceled
	default:
		// fail closed: a status we cannot classify is terminal
		return models.TxFailed
	}
}

func (s *StripeProvider) intentFrom(pi *stripe.PaymentIntent) *Intent {
	return &Intent{
		PaymentIntentID: pi.ID,
		ClientSecret:    pi.ClientSecret,
		Status:          s.MapStatus(string(pi.Status)),
		Amount:          pi.Amount,
		Currency:        string(pi.Currency),
		Metadata:        pi.Metadata,
	}
}
