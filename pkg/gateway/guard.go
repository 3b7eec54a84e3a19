package gateway

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/dev-geek/syntopia-v1-sub001/pkg/inventory"
	"github.com/dev-geek/syntopia-v1-sub001/pkg/ledger"
	"github.com/dev-geek/syntopia-v1-sub001/pkg/logger"
	"github.com/dev-geek/syntopia-v1-sub001/pkg/plans"
	"github.com/dev-geek/syntopia-v1-sub001/pkg/retry"
)

// Custom data keys shared by every provider envelope.
const (
	CustomUserID         = "user_id"
	CustomPackageID      = "package_id"
	CustomPackage        = "package"
	CustomAction         = "action"
	CustomSecureHash     = "secure_hash"
	CustomTimestamp      = "ts"
	CustomPendingOrderID = "pending_order_id"
	CustomSubscriptionID = "subscription_id"
	CustomToken          = "token"
)

// TenantAssigner provisions a licensing tenant for a user lacking one and
// returns its id.
type TenantAssigner interface {
	AssignTenant(ctx context.Context, user *ledger.User) (string, error)
}

// LicenseResolver finds the inventory offer for a plan.
type LicenseResolver interface {
	ResolvePlanLicense(ctx context.Context, tenantID, planName string, bypassCache bool) (inventory.Offer, error)
}

// Dependencies are the collaborators every adapter shares.
type Dependencies struct {
	Tenants  TenantAssigner
	Licenses LicenseResolver
	Logger   *slog.Logger
	Now      func() time.Time
	// TenantAttempts bounds tenant assignment; zero means 3.
	TenantAttempts      int
	TenantRetryInterval time.Duration
}

// URLs are the engine endpoints a provider sends the buyer back to.
type URLs struct {
	Success string `env:"CHECKOUT_SUCCESS_URL"`
	Cancel  string `env:"CHECKOUT_CANCEL_URL"`
}

// checkoutGuard holds the precondition and URL logic every adapter embeds.
type checkoutGuard struct {
	gateway     string
	gatewayID   string
	secret      string
	urls        URLs
	placeholder string
	deps        Dependencies
	log         *slog.Logger
}

func newGuard(gateway, gatewayID, secret string, urls URLs, placeholder string, deps Dependencies) checkoutGuard {
	if deps.Tenants == nil || deps.Licenses == nil {
		panic("gateway: Tenants and Licenses dependencies are required")
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.TenantAttempts <= 0 {
		deps.TenantAttempts = 3
	}
	if deps.TenantRetryInterval <= 0 {
		deps.TenantRetryInterval = 500 * time.Millisecond
	}
	log := deps.Logger
	if log == nil {
		log = logger.Discard()
	}
	if gatewayID == "" {
		gatewayID = gateway
	}
	return checkoutGuard{
		gateway:     gateway,
		gatewayID:   gatewayID,
		secret:      secret,
		urls:        urls,
		placeholder: placeholder,
		deps:        deps,
		log:         log.With(logger.Component("gateway"), logger.Gateway(gateway)),
	}
}

// prepared is a checkout that passed the preconditions.
type prepared struct {
	req        CheckoutRequest
	offer      inventory.Offer
	hash       string
	ts         int64
	custom     map[string]string
	successURL string
	cancelURL  string
}

// prepare enforces the shared preconditions in order: tenant first, then an
// available license offer. Nothing is persisted here.
func (g *checkoutGuard) prepare(ctx context.Context, req CheckoutRequest, action Action) (*prepared, error) {
	if req.User == nil {
		return nil, errors.New("gateway: checkout without user")
	}
	req.action = action
	log := g.log.With(logger.UserID(req.User.ID), logger.Package(req.Package.Name), logger.Action(string(action)))

	if err := g.ensureTenant(ctx, req.User); err != nil {
		log.WarnContext(ctx, "checkout blocked, tenant missing", logger.Error(err))
		return nil, err
	}

	offer, err := g.deps.Licenses.ResolvePlanLicense(ctx, req.User.TenantID, req.Package.Name, false)
	if err != nil {
		log.WarnContext(ctx, "checkout blocked, no license offer", logger.TenantID(req.User.TenantID), logger.Error(err))
		return nil, errors.Join(ErrLicensesUnavailable, err)
	}

	ts := g.deps.Now().Unix()
	hash := SecureHash(g.secret, req.User.ID.String(), req.Package.Name, ts)

	custom := map[string]string{
		CustomUserID:     req.User.ID.String(),
		CustomPackageID:  req.Package.ID.String(),
		CustomPackage:    req.Package.Name,
		CustomAction:     string(action),
		CustomSecureHash: hash,
		CustomTimestamp:  strconv.FormatInt(ts, 10),
	}
	if req.OrderID != uuid.Nil {
		custom[CustomPendingOrderID] = req.OrderID.String()
	}
	if req.PreviousSubscriptionID != "" {
		custom[CustomSubscriptionID] = req.PreviousSubscriptionID
	}
	if req.Token != "" {
		custom[CustomToken] = req.Token
	}

	return &prepared{
		req:        req,
		offer:      offer,
		hash:       hash,
		ts:         ts,
		custom:     custom,
		successURL: g.successURL(req, action, g.placeholder),
		cancelURL:  g.cancelURL(req, action),
	}, nil
}

func (g *checkoutGuard) ensureTenant(ctx context.Context, user *ledger.User) error {
	if user.HasTenant() {
		return nil
	}
	err := retry.Do(ctx, retry.Policy{
		Attempts: g.deps.TenantAttempts,
		Backoff:  retry.Fixed{Interval: g.deps.TenantRetryInterval},
		OnRetry: func(attempt int, err error) {
			g.log.WarnContext(ctx, "tenant assignment failed, retrying",
				logger.UserID(user.ID), logger.Attempt(attempt), logger.Error(err))
		},
	}, func(ctx context.Context, _ int) error {
		id, err := g.deps.Tenants.AssignTenant(ctx, user)
		if err != nil {
			return err
		}
		if id == "" {
			return errors.New("tenant assignment returned empty id")
		}
		user.TenantID = id
		return nil
	})
	if err != nil {
		return errors.Join(ErrTenantMissing, err)
	}
	return nil
}

// successURL round-trips the package, gateway and provider transaction
// placeholder. The placeholder is appended unescaped so the provider can
// substitute it.
func (g *checkoutGuard) successURL(req CheckoutRequest, action Action, placeholder string) string {
	q := url.Values{}
	q.Set("gateway", g.gateway)
	q.Set("package_name", req.Package.Name)
	q.Set("payment_gateway_id", g.gatewayID)
	q.Set("action", string(action))
	if req.OrderID != uuid.Nil {
		q.Set("pending_order_id", req.OrderID.String())
	}
	u := appendQuery(g.urls.Success, q.Encode())
	if placeholder != "" {
		u += "&transaction_id=" + placeholder
	}
	return u
}

func (g *checkoutGuard) cancelURL(req CheckoutRequest, action Action) string {
	if g.urls.Cancel == "" {
		return ""
	}
	q := url.Values{}
	q.Set("gateway", g.gateway)
	q.Set("package_name", req.Package.Name)
	q.Set("action", string(action))
	return appendQuery(g.urls.Cancel, q.Encode())
}

// checkout runs prepare then the adapter-specific build step.
func (g *checkoutGuard) checkout(ctx context.Context, req CheckoutRequest, action Action, build func(context.Context, *prepared) (*Checkout, error)) (*Checkout, error) {
	p, err := g.prepare(ctx, req, action)
	if err != nil {
		return nil, err
	}
	co, err := build(ctx, p)
	if err != nil {
		g.log.ErrorContext(ctx, "checkout creation failed",
			logger.UserID(req.User.ID), logger.Package(req.Package.Name), logger.Error(err))
		return nil, err
	}
	co.SecureHash = p.hash
	co.LicenseCode = p.offer.SubscriptionCode
	co.CustomData = p.custom
	return co, nil
}

// downgrade is the downgrade algorithm shared by every adapter.
func (g *checkoutGuard) downgrade(ctx context.Context, req DowngradeRequest, build func(context.Context, *prepared) (*Checkout, error)) (*DowngradePlan, error) {
	now := g.deps.Now()
	effective, immediate := EffectiveDowngradeDate(req.CurrentLicense, now)
	plan := &DowngradePlan{EffectiveDate: effective, Immediate: immediate}
	if immediate {
		plan.Note = "current entitlement already expired, downgrade effective immediately"
	} else {
		plan.Note = "downgrade deferred to the end of the current entitlement period"
	}

	if req.Package.IsFree {
		if _, err := g.prepare(ctx, req.CheckoutRequest, ActionDowngrade); err != nil {
			return nil, err
		}
		return plan, nil
	}

	co, err := g.checkout(ctx, req.CheckoutRequest, ActionDowngrade, build)
	if err != nil {
		return nil, err
	}
	plan.Checkout = co
	return plan, nil
}

// EffectiveDowngradeDate decides when a downgrade applies: now if the
// license already expired, else its expiry, else one month after
// activation, else one month from now.
func EffectiveDowngradeDate(current *ledger.UserLicense, now time.Time) (time.Time, bool) {
	if current == nil {
		return now.AddDate(0, 1, 0), false
	}
	if current.IsExpiredAt(now) {
		return now, true
	}
	if current.ExpiresAt != nil {
		return *current.ExpiresAt, false
	}
	if !current.ActivatedAt.IsZero() {
		return current.ActivatedAt.AddDate(0, 1, 0), false
	}
	return now.AddDate(0, 1, 0), false
}

// SecureHash signs one checkout attempt: hex HMAC-SHA256 of
// "userID|package|timestamp" keyed with the provider webhook secret.
func SecureHash(secret, userID, pkg string, ts int64) string {
	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "%s|%s|%d", userID, pkg, ts)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySecureHash checks a hash produced by SecureHash in constant time.
func VerifySecureHash(secret, userID, pkg string, ts int64, hash string) bool {
	want := SecureHash(secret, userID, pkg, ts)
	return hmac.Equal([]byte(want), []byte(strings.ToLower(hash)))
}

// verifyCustom rejects custom data carrying a secure hash that does not
// match its own fields. Custom data without a hash is accepted; the
// envelope signature already covered it.
func (g *checkoutGuard) verifyCustom(custom map[string]string) error {
	hash := custom[CustomSecureHash]
	if hash == "" {
		return nil
	}
	ts, err := strconv.ParseInt(custom[CustomTimestamp], 10, 64)
	if err != nil {
		return errors.Join(ErrInvalidSignature, errors.New("secure hash without timestamp"))
	}
	if !VerifySecureHash(g.secret, custom[CustomUserID], custom[CustomPackage], ts, hash) {
		return errors.Join(ErrInvalidSignature, errors.New("secure hash mismatch"))
	}
	return nil
}

// applyCustom copies custom data fields onto ev.
func applyCustom(ev *Event, custom map[string]string) {
	if v := custom[CustomUserID]; v != "" {
		ev.UserID = v
	}
	if v := custom[CustomPackage]; v != "" {
		ev.PackageName = v
	}
	if v := custom[CustomPackageID]; v != "" {
		ev.PackageID = v
	}
	if v := custom[CustomAction]; v != "" {
		ev.Action = ParseAction(v)
	}
	if v := custom[CustomPendingOrderID]; v != "" {
		ev.PendingOrderID = v
	}
	if v := custom[CustomToken]; v != "" {
		ev.Token = v
	}
	if ev.SubscriptionID == "" {
		ev.SubscriptionID = custom[CustomSubscriptionID]
	}
}

// stringMap flattens a decoded JSON object into string values.
func stringMap(m map[string]any) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		switch t := v.(type) {
		case string:
			out[k] = t
		case float64:
			out[k] = strconv.FormatFloat(t, 'f', -1, 64)
		case bool:
			out[k] = strconv.FormatBool(t)
		case nil:
		default:
			out[k] = fmt.Sprint(t)
		}
	}
	return out
}

// normalizeProducts re-keys a package name to product id map by
// plans.NormalizeName so lookups ignore case and padding.
func normalizeProducts(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[plans.NormalizeName(k)] = strings.TrimSpace(v)
	}
	return out
}

func appendQuery(base, query string) string {
	if query == "" {
		return base
	}
	if strings.Contains(base, "?") {
		return base + "&" + query
	}
	return base + "?" + query
}

// toMinorUnits converts a decimal major-unit amount ("29.90") to cents.
func toMinorUnits(s string) int64 {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	if f < 0 {
		return int64(f*100 - 0.5)
	}
	return int64(f*100 + 0.5)
}
