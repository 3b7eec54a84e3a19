package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	paddle "github.com/PaddleHQ/paddle-go-sdk/v4"

	"github.com/dev-geek/syntopia-v1-sub001/pkg/plans"
)

const PaddleName = "paddle"

// PaddleConfig configures the Paddle Billing adapter.
type PaddleConfig struct {
	APIKey        string `env:"PADDLE_API_KEY"`
	WebhookSecret string `env:"PADDLE_WEBHOOK_SECRET"`
	Environment   string `env:"PADDLE_ENVIRONMENT" envDefault:"production"`
	// CheckoutURL is the default payment link page that opens Paddle.js.
	CheckoutURL string `env:"PADDLE_CHECKOUT_URL"`
	GatewayID   string `env:"PADDLE_GATEWAY_ID" envDefault:"paddle"`
	// Prices maps package names to Paddle price ids: "Pro:pri_01,Business:pri_02".
	Prices map[string]string `env:"PADDLE_PRICES" envSeparator:"," envKeyValSeparator:":"`
	URLs   URLs
}

// Enabled reports whether the adapter has credentials.
func (c PaddleConfig) Enabled() bool {
	return c.APIKey != ""
}

func (c PaddleConfig) Validate() error {
	if !c.Enabled() {
		return nil
	}
	if c.WebhookSecret == "" {
		return errors.Join(ErrInvalidConfig, errors.New("PADDLE_WEBHOOK_SECRET is required"))
	}
	switch strings.ToLower(c.Environment) {
	case "", "production", "sandbox":
	default:
		return errors.Join(ErrInvalidConfig, fmt.Errorf("invalid PADDLE_ENVIRONMENT %q", c.Environment))
	}
	return nil
}

// PaddleAPI is the slice of the Paddle SDK the adapter calls.
type PaddleAPI interface {
	CreateTransaction(ctx context.Context, req *paddle.CreateTransactionRequest) (*paddle.Transaction, error)
	GetTransaction(ctx context.Context, req *paddle.GetTransactionRequest) (*paddle.Transaction, error)
	CancelSubscription(ctx context.Context, req *paddle.CancelSubscriptionRequest) (*paddle.Subscription, error)
}

type paddleSDK struct {
	sdk *paddle.SDK
}

func (s paddleSDK) CreateTransaction(ctx context.Context, req *paddle.CreateTransactionRequest) (*paddle.Transaction, error) {
	return s.sdk.TransactionsClient.CreateTransaction(ctx, req)
}

func (s paddleSDK) GetTransaction(ctx context.Context, req *paddle.GetTransactionRequest) (*paddle.Transaction, error) {
	return s.sdk.TransactionsClient.GetTransaction(ctx, req)
}

func (s paddleSDK) CancelSubscription(ctx context.Context, req *paddle.CancelSubscriptionRequest) (*paddle.Subscription, error) {
	return s.sdk.SubscriptionsClient.CancelSubscription(ctx, req)
}

// WebhookVerifier checks the Paddle-Signature header of a request.
type WebhookVerifier interface {
	Verify(req *http.Request) (bool, error)
}

// Paddle is the Paddle Billing adapter.
type Paddle struct {
	checkoutGuard
	cfg      PaddleConfig
	api      PaddleAPI
	verifier WebhookVerifier
}

// PaddleOption customizes the adapter.
type PaddleOption func(*Paddle)

// WithPaddleAPI replaces the SDK client.
func WithPaddleAPI(api PaddleAPI) PaddleOption {
	return func(p *Paddle) { p.api = api }
}

// NewPaddle builds the adapter and its SDK client.
func NewPaddle(cfg PaddleConfig, deps Dependencies, opts ...PaddleOption) (*Paddle, error) {
	if cfg.WebhookSecret == "" {
		return nil, errors.Join(ErrInvalidConfig, errors.New("paddle webhook secret is required"))
	}
	cfg.Prices = normalizeProducts(cfg.Prices)
	p := &Paddle{
		checkoutGuard: newGuard(PaddleName, cfg.GatewayID, cfg.WebhookSecret, cfg.URLs, "", deps),
		cfg:           cfg,
		verifier:      paddle.NewWebhookVerifier(cfg.WebhookSecret),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.api == nil {
		if cfg.APIKey == "" {
			return nil, errors.Join(ErrInvalidConfig, errors.New("paddle API key is required"))
		}
		var (
			sdk *paddle.SDK
			err error
		)
		switch strings.ToLower(cfg.Environment) {
		case "sandbox":
			sdk, err = paddle.NewSandbox(cfg.APIKey)
		case "production", "":
			sdk, err = paddle.New(cfg.APIKey)
		default:
			return nil, errors.Join(ErrInvalidConfig, fmt.Errorf("invalid paddle environment: %s", cfg.Environment))
		}
		if err != nil {
			return nil, errors.Join(ErrInvalidConfig, err)
		}
		p.api = paddleSDK{sdk: sdk}
	}
	return p, nil
}

func (p *Paddle) Name() string { return PaddleName }

func (p *Paddle) CreateCheckout(ctx context.Context, req CheckoutRequest) (*Checkout, error) {
	return p.checkout(ctx, req, ActionNew, p.build)
}

// Upgrade opens a checkout for the higher plan; the old subscription is
// cancelled once the upgrade payment is confirmed.
func (p *Paddle) Upgrade(ctx context.Context, req CheckoutRequest) (*Checkout, error) {
	return p.checkout(ctx, req, ActionUpgrade, p.build)
}

func (p *Paddle) Downgrade(ctx context.Context, req DowngradeRequest) (*DowngradePlan, error) {
	return p.downgrade(ctx, req, p.build)
}

// build creates a Paddle transaction. Paddle issues the transaction id up
// front, so the success URL carries the real id instead of a placeholder.
func (p *Paddle) build(ctx context.Context, pr *prepared) (*Checkout, error) {
	priceID, ok := p.cfg.Prices[plans.NormalizeName(pr.req.Package.Name)]
	if !ok || priceID == "" {
		return nil, fmt.Errorf("%w: %s", ErrProductNotConfigured, pr.req.Package.Name)
	}

	custom := make(paddle.CustomData, len(pr.custom))
	for k, v := range pr.custom {
		custom[k] = v
	}
	item := paddle.NewCreateTransactionItemsTransactionItemFromCatalog(&paddle.TransactionItemFromCatalog{
		PriceID:  priceID,
		Quantity: 1,
	})
	txReq := &paddle.CreateTransactionRequest{
		Items:      []paddle.CreateTransactionItems{*item},
		CustomData: custom,
	}
	if p.cfg.CheckoutURL != "" {
		txReq.Checkout = &paddle.TransactionCheckout{URL: paddle.PtrTo(p.cfg.CheckoutURL)}
	}

	tx, err := p.api.CreateTransaction(ctx, txReq)
	if err != nil {
		return nil, classifyCallError(err)
	}
	if tx.Checkout == nil || tx.Checkout.URL == nil || *tx.Checkout.URL == "" {
		return nil, errors.Join(ErrProviderRejected, errors.New("no checkout URL returned from paddle"))
	}

	successURL := pr.successURL + "&transaction_id=" + url.QueryEscape(tx.ID)
	q := url.Values{}
	q.Set("package", pr.req.Package.Name)
	q.Set("success_url", successURL)

	return &Checkout{
		URL:           appendQuery(*tx.Checkout.URL, q.Encode()),
		TransactionID: tx.ID,
	}, nil
}

// Cancel stops renewal at the next billing period. A subscription Paddle
// no longer knows counts as already cancelled.
func (p *Paddle) Cancel(ctx context.Context, req CancelRequest) (*CancelResult, error) {
	if req.SubscriptionID == "" {
		return nil, ErrNoSubscription
	}
	_, err := p.api.CancelSubscription(ctx, &paddle.CancelSubscriptionRequest{
		SubscriptionID: req.SubscriptionID,
		EffectiveFrom:  paddle.PtrTo(paddle.EffectiveFromNextBillingPeriod),
	})
	if err != nil {
		if isNotFoundMessage(err.Error()) {
			return &CancelResult{AlreadyCancelled: true, AtPeriodEnd: true}, nil
		}
		return nil, classifyCallError(err)
	}
	return &CancelResult{AtPeriodEnd: true}, nil
}

type paddleEnvelope struct {
	EventID   string          `json:"event_id"`
	EventType string          `json:"event_type"`
	Data      json.RawMessage `json:"data"`
}

type paddleData struct {
	ID             string         `json:"id"`
	Status         string         `json:"status"`
	Origin         string         `json:"origin"`
	SubscriptionID *string        `json:"subscription_id"`
	CurrencyCode   string         `json:"currency_code"`
	CustomData     map[string]any `json:"custom_data"`
	Details        struct {
		Totals struct {
			GrandTotal string `json:"grand_total"`
			Total      string `json:"total"`
		} `json:"totals"`
	} `json:"details"`
}

func (p *Paddle) ParseWebhook(ctx context.Context, req WebhookRequest) ([]Event, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, "/", bytes.NewReader(req.Body))
	if err != nil {
		return nil, err
	}
	httpReq.Header = req.Header.Clone()
	if httpReq.Header == nil {
		httpReq.Header = http.Header{}
	}
	valid, err := p.verifier.Verify(httpReq)
	if err != nil || !valid {
		return nil, errors.Join(ErrInvalidSignature, err)
	}

	var env paddleEnvelope
	if err := json.Unmarshal(req.Body, &env); err != nil {
		return nil, errors.Join(ErrMalformedPayload, err)
	}
	var data paddleData
	if len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, &data); err != nil {
			return nil, errors.Join(ErrMalformedPayload, err)
		}
	}

	ev := Event{
		Kind:          EventIgnored,
		Gateway:       PaddleName,
		ProviderEvent: env.EventType,
		Currency:      data.CurrencyCode,
		Raw:           data.CustomData,
	}
	custom := stringMap(data.CustomData)
	if err := p.verifyCustom(custom); err != nil {
		return nil, err
	}

	switch env.EventType {
	case "transaction.completed", "transaction.paid":
		ev.Kind = EventPaymentSucceeded
		if data.Origin == "subscription_recurring" {
			ev.Kind = EventSubscriptionRenewed
		}
		ev.TransactionID = data.ID
		if data.SubscriptionID != nil {
			ev.SubscriptionID = *data.SubscriptionID
		}
		ev.Amount = paddleAmount(data.Details.Totals.GrandTotal, data.Details.Totals.Total)
	case "transaction.payment_failed":
		ev.Kind = EventPaymentFailed
		ev.TransactionID = data.ID
		if data.SubscriptionID != nil {
			ev.SubscriptionID = *data.SubscriptionID
		}
	case "subscription.canceled":
		ev.Kind = EventSubscriptionCancelled
		ev.SubscriptionID = data.ID
	}
	applyCustom(&ev, custom)

	return []Event{ev}, nil
}

// VerifyTransaction asks Paddle for the transaction state.
func (p *Paddle) VerifyTransaction(ctx context.Context, transactionID string) (*Event, error) {
	tx, err := p.api.GetTransaction(ctx, &paddle.GetTransactionRequest{TransactionID: transactionID})
	if err != nil {
		return nil, classifyCallError(err)
	}
	status := strings.ToLower(string(tx.Status))
	ev := &Event{
		Kind:          EventIgnored,
		Gateway:       PaddleName,
		ProviderEvent: "transaction." + status,
		TransactionID: tx.ID,
		Currency:      string(tx.CurrencyCode),
	}
	if status == "completed" || status == "paid" {
		ev.Kind = EventPaymentSucceeded
	}
	if tx.SubscriptionID != nil {
		ev.SubscriptionID = *tx.SubscriptionID
	}
	custom := make(map[string]any, len(tx.CustomData))
	for k, v := range tx.CustomData {
		custom[k] = v
	}
	ev.Raw = custom
	applyCustom(ev, stringMap(custom))
	return ev, nil
}

// paddleAmount reads Paddle totals, which are strings in minor units.
func paddleAmount(values ...string) int64 {
	for _, v := range values {
		if v == "" {
			continue
		}
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	}
	return 0
}

var (
	_ Gateway             = (*Paddle)(nil)
	_ TransactionVerifier = (*Paddle)(nil)
)
