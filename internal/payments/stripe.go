// Package payments tops driver wallets up through Stripe. A recharge creates
// a PaymentIntent tagged with the driver; the wallet is only credited when
// Stripe reports the intent as succeeded.
package payments

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"github.com/bytedance/sonic"
	"github.com/shopspring/decimal"
	stripe "github.com/stripe/stripe-go/v74"
	"github.com/stripe/stripe-go/v74/paymentintent"
	"github.com/stripe/stripe-go/v74/webhook"

	"github.com/example/ride-escrow/internal/apperr"
	"github.com/example/ride-escrow/internal/logging"
	"github.com/example/ride-escrow/internal/wallet"
)

const (
	metaDriverID     = "driver_id"
	eventIntentPaid  = "payment_intent.succeeded"
	eventIntentFails = "payment_intent.payment_failed"
)

var ErrNotConfigured = apperr.New(apperr.KindPrecondition, "payments_disabled", "payments are not configured")

var minorUnits = decimal.NewFromInt(100)

type intentAPI interface {
	New(params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error)
}

type Service struct {
	intents       intentAPI
	webhookSecret string
	currency      string
	ledger        *wallet.Ledger
	logger        *slog.Logger
}

// NewService returns a service whose calls fail with ErrNotConfigured when
// apiKey is empty.
func NewService(apiKey, webhookSecret, currency string, ledger *wallet.Ledger, logger *slog.Logger) *Service {
	s := &Service{
		webhookSecret: webhookSecret,
		currency:      strings.ToLower(currency),
		ledger:        ledger,
		logger:        logging.OrDefault(logger),
	}
	if apiKey != "" {
		s.intents = &paymentintent.Client{B: stripe.GetBackend(stripe.APIBackend), Key: apiKey}
	}
	return s
}

type Recharge struct {
	PaymentIntentID string          `json:"payment_intent_id"`
	ClientSecret    string          `json:"client_secret"`
	Amount          decimal.Decimal `json:"amount"`
	Currency        string          `json:"currency"`
}

// CreateRecharge opens a PaymentIntent for amount in major units.
func (s *Service) CreateRecharge(ctx context.Context, driverID string, amount decimal.Decimal) (*Recharge, error) {
	if s.intents == nil {
		return nil, ErrNotConfigured
	}
	if !amount.IsPositive() {
		return nil, apperr.Validation("amount must be positive")
	}
	params := &stripe.PaymentIntentParams{
		Amount:   stripe.Int64(amount.Mul(minorUnits).Round(0).IntPart()),
		Currency: stripe.String(s.currency),
		AutomaticPaymentMethods: &stripe.PaymentIntentAutomaticPaymentMethodsParams{
			Enabled: stripe.Bool(true),
		},
	}
	params.Context = ctx
	params.AddMetadata(metaDriverID, driverID)
	pi, err := s.intents.New(params)
	if err != nil {
		return nil, apperr.Internal(err)
	}
	s.logger.Info("recharge intent created", "driver_id", driverID, "payment_intent", pi.ID, "amount", amount)
	return &Recharge{PaymentIntentID: pi.ID, ClientSecret: pi.ClientSecret, Amount: amount, Currency: s.currency}, nil
}

type WebhookResult struct {
	EventType string          `json:"event_type"`
	DriverID  string          `json:"driver_id,omitempty"`
	Amount    decimal.Decimal `json:"amount"`
	Credited  bool            `json:"credited"`
	Duplicate bool            `json:"duplicate"`
}

// HandleWebhook verifies the Stripe signature and applies the event.
// Redelivered events are acknowledged without crediting twice.
func (s *Service) HandleWebhook(ctx context.Context, payload []byte, signature string) (*WebhookResult, error) {
	if s.webhookSecret == "" {
		return nil, ErrNotConfigured
	}
	ev, err := webhook.ConstructEvent(payload, signature, s.webhookSecret)
	if err != nil {
		return nil, apperr.Validation("invalid webhook signature: " + err.Error())
	}
	res := &WebhookResult{EventType: string(ev.Type)}

	switch string(ev.Type) {
	case eventIntentPaid:
		var pi stripe.PaymentIntent
		if err := sonic.Unmarshal(ev.Data.Raw, &pi); err != nil {
			return nil, apperr.Validation("malformed payment intent")
		}
		driverID := pi.Metadata[metaDriverID]
		if driverID == "" {
			s.logger.Warn("paid intent without driver", "payment_intent", pi.ID)
			return res, nil
		}
		received := pi.AmountReceived
		if received == 0 {
			received = pi.Amount
		}
		res.DriverID = driverID
		res.Amount = decimal.NewFromInt(received).Div(minorUnits)
		_, err := s.ledger.CapturePayment(ctx, driverID, res.Amount, pi.ID)
		switch {
		case errors.Is(err, apperr.ErrDuplicatePayment):
			res.Duplicate = true
			s.logger.Info("duplicate payment ignored", "driver_id", driverID, "payment_intent", pi.ID)
		case err != nil:
			return nil, err
		default:
			res.Credited = true
			s.logger.Info("wallet recharged", "driver_id", driverID, "payment_intent", pi.ID, "amount", res.Amount)
		}
	case eventIntentFails:
		s.logger.Warn("recharge payment failed", "event_id", ev.ID)
	default:
		s.logger.Debug("ignoring stripe event", "type", ev.Type)
	}
	return res, nil
}
