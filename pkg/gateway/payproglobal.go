package gateway

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/dev-geek/syntopia-v1-sub001/pkg/plans"
)

const PayProGlobalName = "payproglobal"

// IPN types the engine acts on.
const (
	payProOrderCharged         = 1
	payProSubscriptionCharged  = 6
	payProSubscriptionFailed   = 7
	payProSubscriptionTerm     = 10
	payProSubscriptionFinished = 11
)

// PayProGlobalConfig configures the PayProGlobal adapter.
type PayProGlobalConfig struct {
	CheckoutURL     string `env:"PAYPRO_CHECKOUT_URL" envDefault:"https://store.payproglobal.com/checkout"`
	APIURL          string `env:"PAYPRO_API_URL" envDefault:"https://store.payproglobal.com/api"`
	VendorAccountID int64  `env:"PAYPRO_VENDOR_ACCOUNT_ID"`
	APISecretKey    string `env:"PAYPRO_API_SECRET_KEY"`
	// WebhookSecret is the IPN validation key.
	WebhookSecret string `env:"PAYPRO_WEBHOOK_SECRET"`
	GatewayID     string `env:"PAYPRO_GATEWAY_ID" envDefault:"payproglobal"`
	// Products maps package names to PayProGlobal product ids.
	Products               map[string]string `env:"PAYPRO_PRODUCTS" envSeparator:"," envKeyValSeparator:":"`
	TransactionPlaceholder string            `env:"PAYPRO_TRANSACTION_PLACEHOLDER" envDefault:"{ORDER_ID}"`
	Timeout                time.Duration     `env:"PAYPRO_TIMEOUT" envDefault:"30s"`
	ConnectTimeout         time.Duration     `env:"PAYPRO_CONNECT_TIMEOUT" envDefault:"15s"`
	URLs                   URLs
}

func (c PayProGlobalConfig) Enabled() bool {
	return len(c.Products) > 0
}

func (c PayProGlobalConfig) Validate() error {
	if !c.Enabled() {
		return nil
	}
	if c.WebhookSecret == "" {
		return errors.Join(ErrInvalidConfig, errors.New("PAYPRO_WEBHOOK_SECRET is required"))
	}
	return nil
}

// PayProGlobal is the PayProGlobal adapter. It has no transaction lookup,
// so success redirects cannot complete orders on their own.
type PayProGlobal struct {
	checkoutGuard
	cfg  PayProGlobalConfig
	http *http.Client
}

type PayProGlobalOption func(*PayProGlobal)

// WithPayProHTTPClient replaces the REST client.
func WithPayProHTTPClient(c *http.Client) PayProGlobalOption {
	return func(p *PayProGlobal) { p.http = c }
}

func NewPayProGlobal(cfg PayProGlobalConfig, deps Dependencies, opts ...PayProGlobalOption) (*PayProGlobal, error) {
	if cfg.WebhookSecret == "" {
		return nil, errors.Join(ErrInvalidConfig, errors.New("payproglobal webhook secret is required"))
	}
	if cfg.CheckoutURL == "" {
		return nil, errors.Join(ErrInvalidConfig, errors.New("payproglobal checkout url is required"))
	}
	cfg.Products = normalizeProducts(cfg.Products)
	cfg.APIURL = strings.TrimRight(cfg.APIURL, "/")

	p := &PayProGlobal{
		checkoutGuard: newGuard(PayProGlobalName, cfg.GatewayID, cfg.WebhookSecret, cfg.URLs, cfg.TransactionPlaceholder, deps),
		cfg:           cfg,
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.http == nil {
		p.http = newHTTPClient(cfg.Timeout, cfg.ConnectTimeout)
	}
	return p, nil
}

func (p *PayProGlobal) Name() string { return PayProGlobalName }

func (p *PayProGlobal) CreateCheckout(ctx context.Context, req CheckoutRequest) (*Checkout, error) {
	return p.checkout(ctx, req, ActionNew, p.build)
}

func (p *PayProGlobal) Upgrade(ctx context.Context, req CheckoutRequest) (*Checkout, error) {
	return p.checkout(ctx, req, ActionUpgrade, p.build)
}

func (p *PayProGlobal) Downgrade(ctx context.Context, req DowngradeRequest) (*DowngradePlan, error) {
	return p.downgrade(ctx, req, p.build)
}

func (p *PayProGlobal) build(_ context.Context, pr *prepared) (*Checkout, error) {
	productID, ok := p.cfg.Products[plans.NormalizeName(pr.req.Package.Name)]
	if !ok || productID == "" {
		return nil, fmt.Errorf("%w: %s", ErrProductNotConfigured, pr.req.Package.Name)
	}

	custom, err := json.Marshal(pr.custom)
	if err != nil {
		return nil, err
	}

	q := url.Values{}
	q.Set("products[1][id]", productID)
	q.Set("billing-email", pr.req.User.Email)
	if first := firstName(pr.req.User.Name); first != "" {
		q.Set("billing-first-name", first)
	}
	q.Set("custom", string(custom))
	q.Set("referrer", pr.req.User.ID.String())
	q.Set("x-success-url", pr.successURL)
	if pr.cancelURL != "" {
		q.Set("x-cancel-url", pr.cancelURL)
	}

	return &Checkout{URL: appendQuery(p.cfg.CheckoutURL, q.Encode())}, nil
}

func firstName(name string) string {
	fields := strings.Fields(name)
	if len(fields) == 0 {
		return ""
	}
	return fields[0]
}

type payProTerminateRequest struct {
	VendorAccountID int64  `json:"vendorAccountId"`
	APISecretKey    string `json:"apiSecretKey"`
	SubscriptionID  int64  `json:"subscriptionId"`
	ReasonText      string `json:"reasonText,omitempty"`
}

type payProResponse struct {
	IsSuccess bool `json:"isSuccess"`
	Errors    []struct {
		Message string `json:"message"`
	} `json:"errors"`
}

// Cancel terminates the subscription through the vendor API.
func (p *PayProGlobal) Cancel(ctx context.Context, req CancelRequest) (*CancelResult, error) {
	if req.SubscriptionID == "" {
		return nil, ErrNoSubscription
	}
	subID, err := strconv.ParseInt(req.SubscriptionID, 10, 64)
	if err != nil {
		return nil, errors.Join(ErrProviderRejected, fmt.Errorf("invalid payproglobal subscription id %q", req.SubscriptionID))
	}

	body, err := json.Marshal(payProTerminateRequest{
		VendorAccountID: p.cfg.VendorAccountID,
		APISecretKey:    p.cfg.APISecretKey,
		SubscriptionID:  subID,
		ReasonText:      req.Reason,
	})
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.APIURL+"/Subscriptions/Terminate", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")

	resp, err := p.http.Do(httpReq)
	if err != nil {
		return nil, classifyCallError(err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, classifyCallError(err)
	}
	if resp.StatusCode >= http.StatusInternalServerError {
		return nil, errors.Join(ErrProviderUnreachable, fmt.Errorf("payproglobal returned http %d", resp.StatusCode))
	}
	if resp.StatusCode == http.StatusNotFound {
		return &CancelResult{AlreadyCancelled: true}, nil
	}

	var out payProResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, errors.Join(ErrProviderRejected, err)
	}
	if out.IsSuccess {
		return &CancelResult{}, nil
	}
	msgs := make([]string, 0, len(out.Errors))
	for _, e := range out.Errors {
		if isNotFoundMessage(e.Message) || strings.Contains(strings.ToLower(e.Message), "already terminated") {
			return &CancelResult{AlreadyCancelled: true}, nil
		}
		msgs = append(msgs, e.Message)
	}
	return nil, errors.Join(ErrProviderRejected, fmt.Errorf("payproglobal terminate failed: %s", strings.Join(msgs, "; ")))
}

// ParseWebhook verifies an IPN form post. HASH is hex HMAC-SHA256 over the
// other fields as sorted key=value pairs joined by "&".
func (p *PayProGlobal) ParseWebhook(_ context.Context, req WebhookRequest) ([]Event, error) {
	form, err := url.ParseQuery(string(req.Body))
	if err != nil {
		return nil, errors.Join(ErrMalformedPayload, err)
	}
	hash := form.Get("HASH")
	if hash == "" || !hmac.Equal([]byte(IPNHash(p.cfg.WebhookSecret, form)), []byte(strings.ToLower(hash))) {
		return nil, ErrInvalidSignature
	}

	raw := make(map[string]any, len(form))
	for k := range form {
		if k != "HASH" {
			raw[k] = form.Get(k)
		}
	}
	ev := Event{
		Kind:           EventIgnored,
		Gateway:        PayProGlobalName,
		ProviderEvent:  "ipn." + form.Get("IPN_TYPE_ID"),
		TransactionID:  form.Get("ORDER_ID"),
		Email:          form.Get("CUSTOMER_EMAIL"),
		Amount:         toMinorUnits(form.Get("ORDER_TOTAL_AMOUNT")),
		Currency:       form.Get("ORDER_CURRENCY_CODE"),
		SubscriptionID: form.Get("SUBSCRIPTION_ID"),
		Raw:            raw,
	}

	ipnType, _ := strconv.Atoi(form.Get("IPN_TYPE_ID"))
	switch ipnType {
	case payProOrderCharged:
		ev.Kind = EventPaymentSucceeded
	case payProSubscriptionCharged:
		ev.Kind = EventSubscriptionRenewed
	case payProSubscriptionFailed:
		ev.Kind = EventPaymentFailed
	case payProSubscriptionTerm, payProSubscriptionFinished:
		ev.Kind = EventSubscriptionCancelled
	}

	custom := stringMap(customFields(form.Get("ORDER_CUSTOM_FIELDS")))
	if err := p.verifyCustom(custom); err != nil {
		return nil, err
	}
	applyCustom(&ev, custom)
	return []Event{ev}, nil
}

// IPNHash computes the PayProGlobal IPN signature of form, ignoring HASH.
func IPNHash(secret string, form url.Values) string {
	keys := make([]string, 0, len(form))
	for k := range form {
		if k != "HASH" {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	pairs := make([]string, len(keys))
	for i, k := range keys {
		pairs[i] = k + "=" + form.Get(k)
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(strings.Join(pairs, "&")))
	return hex.EncodeToString(mac.Sum(nil))
}

// customFields extracts the JSON object following "x-custom=" in the
// ORDER_CUSTOM_FIELDS value. Trailing fields after the object are ignored.
func customFields(s string) map[string]any {
	const marker = "x-custom="
	i := strings.Index(s, marker)
	if i < 0 {
		return nil
	}
	dec := json.NewDecoder(strings.NewReader(s[i+len(marker):]))
	var out map[string]any
	if err := dec.Decode(&out); err != nil {
		return nil
	}
	return out
}

var _ Gateway = (*PayProGlobal)(nil)
