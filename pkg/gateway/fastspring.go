package gateway

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/dev-geek/syntopia-v1-sub001/pkg/plans"
)

const (
	FastSpringName = "fastspring"

	fastSpringSignatureHeader = "X-FS-Signature"
)

// FastSpringConfig configures the FastSpring storefront adapter.
type FastSpringConfig struct {
	// Storefront is host and path of the storefront, e.g.
	// "acme.onfastspring.com/popup-acme".
	Storefront    string `env:"FASTSPRING_STOREFRONT"`
	APIURL        string `env:"FASTSPRING_API_URL" envDefault:"https://api.fastspring.com"`
	APIUsername   string `env:"FASTSPRING_API_USERNAME"`
	APIPassword   string `env:"FASTSPRING_API_PASSWORD"`
	WebhookSecret string `env:"FASTSPRING_WEBHOOK_SECRET"`
	GatewayID     string `env:"FASTSPRING_GATEWAY_ID" envDefault:"fastspring"`
	// Products maps package names to storefront product paths.
	Products map[string]string `env:"FASTSPRING_PRODUCTS" envSeparator:"," envKeyValSeparator:":"`
	// TransactionPlaceholder is substituted by FastSpring in the success URL.
	TransactionPlaceholder string        `env:"FASTSPRING_TRANSACTION_PLACEHOLDER" envDefault:"{orderId}"`
	Timeout                time.Duration `env:"FASTSPRING_TIMEOUT" envDefault:"30s"`
	ConnectTimeout         time.Duration `env:"FASTSPRING_CONNECT_TIMEOUT" envDefault:"15s"`
	URLs                   URLs
}

func (c FastSpringConfig) Enabled() bool {
	return c.Storefront != ""
}

func (c FastSpringConfig) Validate() error {
	if !c.Enabled() {
		return nil
	}
	if c.WebhookSecret == "" {
		return errors.Join(ErrInvalidConfig, errors.New("FASTSPRING_WEBHOOK_SECRET is required"))
	}
	return nil
}

// FastSpring is the FastSpring storefront adapter.
type FastSpring struct {
	checkoutGuard
	cfg  FastSpringConfig
	http *http.Client
}

// FastSpringOption customizes the adapter.
type FastSpringOption func(*FastSpring)

// WithFastSpringHTTPClient replaces the REST client.
func WithFastSpringHTTPClient(c *http.Client) FastSpringOption {
	return func(f *FastSpring) { f.http = c }
}

func NewFastSpring(cfg FastSpringConfig, deps Dependencies, opts ...FastSpringOption) (*FastSpring, error) {
	if cfg.Storefront == "" {
		return nil, errors.Join(ErrInvalidConfig, errors.New("fastspring storefront is required"))
	}
	if cfg.WebhookSecret == "" {
		return nil, errors.Join(ErrInvalidConfig, errors.New("fastspring webhook secret is required"))
	}
	cfg.Products = normalizeProducts(cfg.Products)
	cfg.APIURL = strings.TrimRight(cfg.APIURL, "/")
	if !strings.Contains(cfg.Storefront, "://") {
		cfg.Storefront = "https://" + cfg.Storefront
	}
	cfg.Storefront = strings.TrimRight(cfg.Storefront, "/")

	f := &FastSpring{
		checkoutGuard: newGuard(FastSpringName, cfg.GatewayID, cfg.WebhookSecret, cfg.URLs, cfg.TransactionPlaceholder, deps),
		cfg:           cfg,
	}
	for _, opt := range opts {
		opt(f)
	}
	if f.http == nil {
		f.http = newHTTPClient(cfg.Timeout, cfg.ConnectTimeout)
	}
	return f, nil
}

func (f *FastSpring) Name() string { return FastSpringName }

func (f *FastSpring) CreateCheckout(ctx context.Context, req CheckoutRequest) (*Checkout, error) {
	return f.checkout(ctx, req, ActionNew, f.build)
}

func (f *FastSpring) Upgrade(ctx context.Context, req CheckoutRequest) (*Checkout, error) {
	return f.checkout(ctx, req, ActionUpgrade, f.build)
}

func (f *FastSpring) Downgrade(ctx context.Context, req DowngradeRequest) (*DowngradePlan, error) {
	return f.downgrade(ctx, req, f.build)
}

// build renders the storefront URL. Custom data travels as the JSON "tags"
// parameter and comes back on the order webhook.
func (f *FastSpring) build(_ context.Context, pr *prepared) (*Checkout, error) {
	product, ok := f.cfg.Products[plans.NormalizeName(pr.req.Package.Name)]
	if !ok || product == "" {
		product = strings.ReplaceAll(plans.NormalizeName(pr.req.Package.Name), " ", "-")
	}
	if product == "" {
		return nil, fmt.Errorf("%w: %s", ErrProductNotConfigured, pr.req.Package.Name)
	}

	tags, err := json.Marshal(pr.custom)
	if err != nil {
		return nil, err
	}

	q := url.Values{}
	q.Set("referrer", pr.req.User.ID.String())
	q.Set("contactEmail", pr.req.User.Email)
	q.Set("tags", string(tags))
	q.Set("successUrl", pr.successURL)
	if pr.cancelURL != "" {
		q.Set("cancelUrl", pr.cancelURL)
	}
	q.Set("package", pr.req.Package.Name)
	if pr.req.PreviousSubscriptionID != "" {
		q.Set("subscription_id", pr.req.PreviousSubscriptionID)
	}

	return &Checkout{
		URL: f.cfg.Storefront + "/" + url.PathEscape(product) + "?" + q.Encode(),
	}, nil
}

type fastSpringCancelResponse struct {
	Subscriptions []struct {
		Subscription string            `json:"subscription"`
		Result       string            `json:"result"`
		Error        map[string]string `json:"error"`
	} `json:"subscriptions"`
}

// Cancel deactivates the subscription at the end of the paid period.
func (f *FastSpring) Cancel(ctx context.Context, req CancelRequest) (*CancelResult, error) {
	if req.SubscriptionID == "" {
		return nil, ErrNoSubscription
	}
	status, body, err := f.call(ctx, http.MethodDelete, "/subscriptions/"+url.PathEscape(req.SubscriptionID))
	if err != nil {
		return nil, err
	}
	if status == http.StatusNotFound || (status >= 400 && isNotFoundMessage(string(body))) {
		return &CancelResult{AlreadyCancelled: true, AtPeriodEnd: true}, nil
	}
	if status != http.StatusOK {
		return nil, errors.Join(ErrProviderRejected, fmt.Errorf("fastspring cancel returned http %d", status))
	}

	var resp fastSpringCancelResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, errors.Join(ErrProviderRejected, err)
	}
	for _, s := range resp.Subscriptions {
		if s.Result == "success" {
			continue
		}
		for _, msg := range s.Error {
			if isNotFoundMessage(msg) {
				return &CancelResult{AlreadyCancelled: true, AtPeriodEnd: true}, nil
			}
		}
		return nil, errors.Join(ErrProviderRejected, fmt.Errorf("fastspring cancel result %q for %s", s.Result, s.Subscription))
	}
	return &CancelResult{AtPeriodEnd: true}, nil
}

// call performs an authenticated REST call. Transport failures and 5xx
// answers are ErrProviderUnreachable.
func (f *FastSpring) call(ctx context.Context, method, path string) (int, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, method, f.cfg.APIURL+path, nil)
	if err != nil {
		return 0, nil, err
	}
	req.SetBasicAuth(f.cfg.APIUsername, f.cfg.APIPassword)
	req.Header.Set("Accept", "application/json")

	resp, err := f.http.Do(req)
	if err != nil {
		return 0, nil, classifyCallError(err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return resp.StatusCode, nil, classifyCallError(err)
	}
	if resp.StatusCode >= http.StatusInternalServerError {
		return resp.StatusCode, body, errors.Join(ErrProviderUnreachable, fmt.Errorf("fastspring returned http %d", resp.StatusCode))
	}
	return resp.StatusCode, body, nil
}

type fastSpringWebhook struct {
	Events []struct {
		ID   string         `json:"id"`
		Type string         `json:"type"`
		Data map[string]any `json:"data"`
	} `json:"events"`
}

// ParseWebhook verifies X-FS-Signature (base64 HMAC-SHA256 of the raw body)
// and normalizes every event in the batch.
func (f *FastSpring) ParseWebhook(_ context.Context, req WebhookRequest) ([]Event, error) {
	if !f.validSignature(req.Header.Get(fastSpringSignatureHeader), req.Body) {
		return nil, ErrInvalidSignature
	}

	var payload fastSpringWebhook
	if err := json.Unmarshal(req.Body, &payload); err != nil {
		return nil, errors.Join(ErrMalformedPayload, err)
	}

	events := make([]Event, 0, len(payload.Events))
	for _, e := range payload.Events {
		ev, err := f.normalize(e.Type, e.ID, e.Data)
		if err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	return events, nil
}

func (f *FastSpring) validSignature(signature string, body []byte) bool {
	if signature == "" {
		return false
	}
	mac := hmac.New(sha256.New, []byte(f.cfg.WebhookSecret))
	mac.Write(body)
	want := base64.StdEncoding.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(want), []byte(strings.TrimSpace(signature)))
}

func (f *FastSpring) normalize(eventType, eventID string, data map[string]any) (Event, error) {
	ev := Event{
		Kind:          EventIgnored,
		Gateway:       FastSpringName,
		ProviderEvent: eventType,
		Raw:           data,
	}

	switch eventType {
	case "order.completed":
		fillFastSpringOrder(&ev, data)
		ev.Kind = EventPaymentSucceeded
	case "subscription.charge.completed":
		ev.Kind = EventSubscriptionRenewed
		ev.SubscriptionID = field(data, "subscription")
		ev.TransactionID = field(data, "order", "id")
		if ev.TransactionID == "" {
			ev.TransactionID = eventID
		}
		ev.Amount = toMinorUnits(field(data, "total"))
		ev.Currency = field(data, "currency")
	case "subscription.charge.failed":
		ev.Kind = EventPaymentFailed
		ev.SubscriptionID = field(data, "subscription")
		ev.TransactionID = field(data, "order", "id")
	case "subscription.canceled", "subscription.deactivated":
		ev.Kind = EventSubscriptionCancelled
		ev.SubscriptionID = field(data, "id")
		if ev.SubscriptionID == "" {
			ev.SubscriptionID = field(data, "subscription")
		}
		ev.Email = field(data, "account", "contact", "email")
	}

	custom := stringMap(customFromValue(data["tags"]))
	if err := f.verifyCustom(custom); err != nil {
		return Event{}, err
	}
	applyCustom(&ev, custom)
	return ev, nil
}

// fillFastSpringOrder reads an order object shared by the webhook and the
// orders endpoint.
func fillFastSpringOrder(ev *Event, order map[string]any) {
	ev.TransactionID = field(order, "id")
	if ev.TransactionID == "" {
		ev.TransactionID = field(order, "order")
	}
	ev.Currency = field(order, "currency")
	ev.Amount = toMinorUnits(field(order, "total"))
	ev.Email = field(order, "customer", "email")
	if items, ok := order["items"].([]any); ok {
		for _, it := range items {
			item, ok := it.(map[string]any)
			if !ok {
				continue
			}
			if sub := field(item, "subscription"); sub != "" {
				ev.SubscriptionID = sub
				break
			}
		}
	}
}

// VerifyTransaction reads GET /orders/{id}.
func (f *FastSpring) VerifyTransaction(ctx context.Context, transactionID string) (*Event, error) {
	status, body, err := f.call(ctx, http.MethodGet, "/orders/"+url.PathEscape(transactionID))
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, errors.Join(ErrProviderRejected, fmt.Errorf("fastspring order lookup returned http %d", status))
	}
	var order map[string]any
	if err := json.Unmarshal(body, &order); err != nil {
		return nil, errors.Join(ErrProviderRejected, err)
	}

	ev := &Event{Kind: EventIgnored, Gateway: FastSpringName, ProviderEvent: "order.lookup", Raw: order}
	fillFastSpringOrder(ev, order)
	if completed, _ := order["completed"].(bool); completed {
		ev.Kind = EventPaymentSucceeded
	}
	applyCustom(ev, stringMap(customFromValue(order["tags"])))
	return ev, nil
}

var (
	_ Gateway             = (*FastSpring)(nil)
	_ TransactionVerifier = (*FastSpring)(nil)
)
