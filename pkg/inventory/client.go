// Package inventory is the client for the external licensing API: it reads
// the remaining license inventory, resolves plan names to license offers,
// binds license codes to tenants and registers tenants.
package inventory

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/dev-geek/syntopia-v1-sub001/pkg/logger"
	"github.com/dev-geek/syntopia-v1-sub001/pkg/retry"
)

const (
	codeOK            = 200
	codeAlreadyExists = 730

	globalCacheKey = "_global"
)

// Client talks to the licensing API. Safe for concurrent use.
type Client struct {
	cfg     Config
	http    *http.Client
	cache   Cache
	aliases *AliasTable
	log     *slog.Logger
	group   singleflight.Group
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default client built from the timeouts in Config.
func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) { cl.http = c }
}

// WithCache replaces the default in-memory summary cache.
func WithCache(c Cache) Option {
	return func(cl *Client) { cl.cache = c }
}

// WithAliases replaces DefaultAliases.
func WithAliases(t *AliasTable) Option {
	return func(cl *Client) { cl.aliases = t }
}

func WithLogger(l *slog.Logger) Option {
	return func(cl *Client) { cl.log = l }
}

// New builds a client. Panics if BaseURL is empty.
func New(cfg Config, opts ...Option) *Client {
	if cfg.BaseURL == "" {
		panic("inventory: BaseURL is required")
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.BindAttempts < 1 {
		cfg.BindAttempts = 1
	}

	c := &Client{cfg: cfg}
	for _, opt := range opts {
		opt(c)
	}
	if c.http == nil {
		c.http = newHTTPClient(cfg.Timeout, cfg.ConnectTimeout)
	}
	if c.cache == nil {
		c.cache = NewMemoryCache(1024)
	}
	if c.aliases == nil {
		c.aliases = DefaultAliases()
	}
	if c.log == nil {
		c.log = logger.Discard()
	}
	c.log = c.log.With(logger.Component("inventory"))
	return c
}

func newHTTPClient(timeout, connectTimeout time.Duration) *http.Client {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.DialContext = (&net.Dialer{Timeout: connectTimeout, KeepAlive: 30 * time.Second}).DialContext
	transport.TLSHandshakeTimeout = connectTimeout
	return &http.Client{Timeout: timeout, Transport: transport}
}

// Aliases returns the table used for plan resolution.
func (c *Client) Aliases() *AliasTable {
	return c.aliases
}

type summaryRequest struct {
	TenantID         string   `json:"tenantId,omitempty"`
	AppIDs           []string `json:"appIds"`
	SubscriptionType string   `json:"subscriptionType"`
}

type apiResponse[T any] struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    T      `json:"data"`
}

type summaryData struct {
	Data []Offer `json:"data"`
}

// FetchSummary returns the offers with licenses remaining for tenantID
// (empty for the global pool). Results are cached for CacheTTL unless
// bypassCache is set; concurrent misses for one tenant share a request.
// The shared request outlives a caller that gives up, so one cancelled
// checkout cannot fail the others waiting on it.
func (c *Client) FetchSummary(ctx context.Context, tenantID string, bypassCache bool) ([]Offer, error) {
	key := tenantID
	if key == "" {
		key = globalCacheKey
	}

	if !bypassCache {
		offers, ok, err := c.cache.Get(ctx, key)
		if err != nil {
			c.log.WarnContext(ctx, "inventory cache read failed", logger.TenantID(tenantID), logger.Error(err))
		}
		if ok {
			return offers, nil
		}
	}

	ch := c.group.DoChan(key, func() (any, error) {
		ctx := context.WithoutCancel(ctx)
		all, err := c.fetchAll(ctx, tenantID)
		if err != nil {
			return nil, err
		}
		available := make([]Offer, 0, len(all))
		for _, o := range all {
			if o.Remaining > 0 {
				available = append(available, o)
			}
		}
		if c.cfg.CacheTTL > 0 {
			if err := c.cache.Set(ctx, key, available, c.cfg.CacheTTL); err != nil {
				c.log.WarnContext(ctx, "inventory cache write failed", logger.TenantID(tenantID), logger.Error(err))
			}
		}
		return available, nil
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r := <-ch:
		if r.Err != nil {
			return nil, r.Err
		}
		return append([]Offer(nil), r.Val.([]Offer)...), nil
	}
}

// fetchAll reads the summary without filtering exhausted offers.
func (c *Client) fetchAll(ctx context.Context, tenantID string) ([]Offer, error) {
	appIDs := c.cfg.AppIDs
	if appIDs == nil {
		appIDs = []string{}
	}
	var resp apiResponse[summaryData]
	status, err := c.post(ctx, "/subscription/summary/search", summaryRequest{
		TenantID:         tenantID,
		AppIDs:           appIDs,
		SubscriptionType: c.cfg.SubscriptionType,
	}, &resp)
	if err != nil {
		return nil, errors.Join(ErrInventoryUnavailable, err)
	}
	if status != http.StatusOK {
		return nil, errors.Join(ErrInventoryUnavailable, fmt.Errorf("summary returned http %d", status))
	}
	if resp.Code != codeOK {
		return nil, errors.Join(ErrInventoryUnavailable, fmt.Errorf("summary returned code %d: %s", resp.Code, resp.Message))
	}
	return resp.Data.Data, nil
}

// ResolvePlanLicense returns the offer for planName from the tenant's
// inventory, or ErrNoMatchingOffer.
func (c *Client) ResolvePlanLicense(ctx context.Context, tenantID, planName string, bypassCache bool) (Offer, error) {
	offers, err := c.FetchSummary(ctx, tenantID, bypassCache)
	if err != nil {
		return Offer{}, err
	}
	if o, ok := c.Match(offers, planName); ok {
		return o, nil
	}
	return Offer{}, fmt.Errorf("%w: %q", ErrNoMatchingOffer, planName)
}

// Match resolves planName against offers with the client's alias table.
func (c *Client) Match(offers []Offer, planName string) (Offer, bool) {
	return c.aliases.Match(offers, planName)
}

type bindRequest struct {
	TenantID         string `json:"tenantId"`
	SubscriptionCode string `json:"subscriptionCode"`
}

// retryableError marks transport failures and 5xx responses.
type retryableError struct{ err error }

func (e *retryableError) Error() string { return e.err.Error() }
func (e *retryableError) Unwrap() error { return e.err }

// AddLicenseToTenant binds code to tenantID. Transport failures and 5xx
// responses are retried up to BindAttempts. An "already exists" answer
// (code 730 or that phrase in the message) counts as success only once a
// fresh summary shows the code for the tenant.
func (c *Client) AddLicenseToTenant(ctx context.Context, tenantID, code string) error {
	if tenantID == "" || code == "" {
		return errors.Join(ErrBindFailed, errors.New("tenant id and license code are required"))
	}
	defer func() {
		if err := c.cache.Delete(context.WithoutCancel(ctx), tenantID); err != nil {
			c.log.WarnContext(ctx, "inventory cache invalidation failed", logger.TenantID(tenantID), logger.Error(err))
		}
	}()

	var alreadyBound bool
	err := retry.Do(ctx, retry.Policy{
		Attempts: c.cfg.BindAttempts,
		Backoff:  retry.Fixed{Interval: c.cfg.BindRetryInterval},
		Retryable: func(err error) bool {
			var r *retryableError
			return errors.As(err, &r)
		},
		OnRetry: func(attempt int, err error) {
			c.log.WarnContext(ctx, "license bind attempt failed, retrying",
				logger.TenantID(tenantID), logger.LicenseCode(code), logger.Attempt(attempt), logger.Error(err))
		},
	}, func(ctx context.Context, _ int) error {
		var resp apiResponse[json.RawMessage]
		status, err := c.post(ctx, "/tenant/subscription/license/add", bindRequest{
			TenantID:         tenantID,
			SubscriptionCode: code,
		}, &resp)
		if err != nil {
			return &retryableError{err: err}
		}
		if status >= http.StatusInternalServerError {
			return &retryableError{err: fmt.Errorf("bind returned http %d", status)}
		}
		if isAlreadyExists(resp.Code, resp.Message) {
			alreadyBound = true
			return nil
		}
		if status != http.StatusOK || resp.Code != codeOK {
			return fmt.Errorf("bind returned http %d code %d: %s", status, resp.Code, resp.Message)
		}
		return nil
	})
	if err != nil {
		c.log.ErrorContext(ctx, "license bind failed",
			logger.TenantID(tenantID), logger.LicenseCode(code), logger.Error(err))
		return errors.Join(ErrBindFailed, err)
	}

	if alreadyBound {
		present, err := c.tenantHasCode(ctx, tenantID, code)
		if err != nil {
			return errors.Join(ErrBindFailed, err)
		}
		if !present {
			return errors.Join(ErrBindFailed, fmt.Errorf("license %s reported as bound but missing from tenant inventory", code))
		}
		c.log.InfoContext(ctx, "license already bound to tenant, verified",
			logger.TenantID(tenantID), logger.LicenseCode(code))
	}
	return nil
}

// isAlreadyExists matches the bind API's duplicate answer. The message check
// depends on the API's English wording; the numeric code is preferred.
func isAlreadyExists(code int, message string) bool {
	return code == codeAlreadyExists || strings.Contains(strings.ToLower(message), "already exists")
}

func (c *Client) tenantHasCode(ctx context.Context, tenantID, code string) (bool, error) {
	all, err := c.fetchAll(ctx, tenantID)
	if err != nil {
		return false, err
	}
	for _, o := range all {
		if strings.EqualFold(o.SubscriptionCode, code) {
			return true, nil
		}
	}
	return false, nil
}

// TenantRequest carries the account fields the licensing API needs.
type TenantRequest struct {
	UserID string `json:"userId"`
	Email  string `json:"email"`
	Name   string `json:"name,omitempty"`
}

type tenantData struct {
	TenantID string `json:"tenantId"`
}

// RegisterTenant creates a licensing tenant for an account and returns its id.
func (c *Client) RegisterTenant(ctx context.Context, req TenantRequest) (string, error) {
	var resp apiResponse[tenantData]
	status, err := c.post(ctx, "/tenant/register", req, &resp)
	if err != nil {
		return "", errors.Join(ErrTenantRegistration, err)
	}
	if status != http.StatusOK || resp.Code != codeOK {
		return "", errors.Join(ErrTenantRegistration,
			fmt.Errorf("register returned http %d code %d: %s", status, resp.Code, resp.Message))
	}
	if resp.Data.TenantID == "" {
		return "", errors.Join(ErrTenantRegistration, errors.New("empty tenant id in response"))
	}
	return resp.Data.TenantID, nil
}

// post sends body as JSON and decodes the response into out when it is
// JSON. It returns the HTTP status; a non-nil error means no usable answer.
func (c *Client) post(ctx context.Context, path string, body, out any) (int, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return 0, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+path, bytes.NewReader(payload))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return resp.StatusCode, err
	}
	if len(bytes.TrimSpace(raw)) > 0 {
		if err := json.Unmarshal(raw, out); err != nil && resp.StatusCode == http.StatusOK {
			return resp.StatusCode, fmt.Errorf("decode %s response: %w", path, err)
		}
	}
	return resp.StatusCode, nil
}
