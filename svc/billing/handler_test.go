package billing_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/dev-geek/syntopia-v1-sub001/pkg/gateway"
	"github.com/dev-geek/syntopia-v1-sub001/pkg/ledger"
	"github.com/dev-geek/syntopia-v1-sub001/pkg/ratelimiter"
	"github.com/dev-geek/syntopia-v1-sub001/pkg/subscription"
	"github.com/dev-geek/syntopia-v1-sub001/svc/billing"
)

const userHeader = "X-User-ID"

var userID = uuid.MustParse("7f1c2d9a-4b55-4c6e-9d0b-1a2b3c4d5e6f")

type envelope struct {
	Data  json.RawMessage      `json:"data"`
	Error *billing.ErrorDetail `json:"error"`
}

type testServer struct {
	svc    *mockService
	router http.Handler
}

func newServer(t *testing.T) *testServer {
	t.Helper()
	svc := &mockService{}
	t.Cleanup(func() { svc.AssertExpectations(t) })
	h := billing.NewHandler(svc, billing.NewHeaderResolver(userHeader),
		billing.WithMetrics(billing.NewMetrics(nil)),
		billing.WithGatewayLabels("paddle", "fastspring", "payproglobal", "free"),
	)
	return &testServer{svc: svc, router: h.Routes()}
}

func (s *testServer) do(t *testing.T, method, target, body string, authed bool) (*httptest.ResponseRecorder, envelope) {
	t.Helper()
	var rdr io.Reader
	if body != "" {
		rdr = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, rdr)
	if authed {
		req.Header.Set(userHeader, userID.String())
	}
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)

	var env envelope
	if strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	}
	return rec, env
}

func (s *testServer) metrics(t *testing.T) string {
	t.Helper()
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	return rec.Body.String()
}

func TestCheckout(t *testing.T) {
	t.Parallel()

	t.Run("returns the provider redirect", func(t *testing.T) {
		t.Parallel()
		s := newServer(t)
		orderID := uuid.New()
		s.svc.On("CreateCheckout", mock.Anything, subscription.CheckoutInput{
			UserID: userID, Package: "Pro", Gateway: "paddle",
		}).Return(&subscription.CheckoutResult{
			URL: "https://pay.example.com/c/1", OrderID: orderID, TransactionID: "pending_1", Gateway: "paddle",
		}, nil).Once()

		rec, env := s.do(t, http.MethodPost, "/checkout", `{"package":"Pro","gateway":"paddle"}`, true)
		require.Equal(t, http.StatusOK, rec.Code)

		var out struct {
			URL     string    `json:"url"`
			OrderID uuid.UUID `json:"order_id"`
		}
		require.NoError(t, json.Unmarshal(env.Data, &out))
		assert.Equal(t, "https://pay.example.com/c/1", out.URL)
		assert.Equal(t, orderID, out.OrderID)
		assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
		assert.Contains(t, s.metrics(t), `billing_checkouts_total{gateway="paddle",kind="new",outcome="redirect"} 1`)
	})

	t.Run("free package activates immediately", func(t *testing.T) {
		t.Parallel()
		s := newServer(t)
		lic := &ledger.UserLicense{ID: uuid.New()}
		s.svc.On("CreateCheckout", mock.Anything, mock.Anything).
			Return(&subscription.CheckoutResult{OrderID: uuid.New(), Gateway: "free", Free: true, License: lic}, nil).Once()

		rec, env := s.do(t, http.MethodPost, "/checkout", `{"package":"Free"}`, true)
		require.Equal(t, http.StatusOK, rec.Code)

		var out struct {
			Free      bool      `json:"free"`
			LicenseID uuid.UUID `json:"license_id"`
		}
		require.NoError(t, json.Unmarshal(env.Data, &out))
		assert.True(t, out.Free)
		assert.Equal(t, lic.ID, out.LicenseID)
		assert.Contains(t, s.metrics(t), `billing_checkouts_total{gateway="free",kind="new",outcome="free"} 1`)
	})

	t.Run("requires a signed-in user", func(t *testing.T) {
		t.Parallel()
		s := newServer(t)

		rec, env := s.do(t, http.MethodPost, "/checkout", `{"package":"Pro"}`, false)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		require.NotNil(t, env.Error)
		assert.Equal(t, "unauthenticated", env.Error.Code)
		s.svc.AssertNotCalled(t, "CreateCheckout", mock.Anything, mock.Anything)
	})

	t.Run("validates the body", func(t *testing.T) {
		t.Parallel()
		s := newServer(t)

		rec, env := s.do(t, http.MethodPost, "/checkout", `{"gateway":"paddle"}`, true)
		assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
		require.NotNil(t, env.Error)
		assert.Equal(t, "validation_error", env.Error.Code)
		assert.Equal(t, []string{"required"}, env.Error.Details["package"])
	})

	t.Run("rejects unknown fields", func(t *testing.T) {
		t.Parallel()
		s := newServer(t)

		rec, env := s.do(t, http.MethodPost, "/checkout", `{"package":"Pro","price":0}`, true)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		require.NotNil(t, env.Error)
		assert.Equal(t, "invalid_request", env.Error.Code)
	})

	tests := []struct {
		name    string
		err     error
		code    int
		errCode string
		message string
	}{
		{"tenant missing", subscription.ErrTenantMissing, http.StatusConflict, "tenant_missing", "account not initialized"},
		{"inventory", errors.Join(subscription.ErrInventoryUnavailable, errors.New("api 502")), http.StatusServiceUnavailable, "inventory_unavailable", "licenses temporarily unavailable"},
		{"unknown package", subscription.ErrPackageNotFound, http.StatusNotFound, "package_not_found", "unknown package"},
		{"unknown gateway", subscription.ErrUnknownGateway, http.StatusNotFound, "unknown_gateway", "payment method not available"},
		{"unexpected", errors.New("boom"), http.StatusInternalServerError, "internal_error", "something went wrong, please try again"},
	}
	for _, tt := range tests {
		t.Run("maps "+tt.name, func(t *testing.T) {
			t.Parallel()
			s := newServer(t)
			s.svc.On("CreateCheckout", mock.Anything, mock.Anything).Return(nil, tt.err).Once()

			rec, env := s.do(t, http.MethodPost, "/checkout", `{"package":"Pro","gateway":"paddle"}`, true)
			assert.Equal(t, tt.code, rec.Code)
			require.NotNil(t, env.Error)
			assert.Equal(t, tt.errCode, env.Error.Code)
			assert.Equal(t, tt.message, env.Error.Message)
			assert.Contains(t, s.metrics(t), `outcome="`+tt.errCode+`"`)
		})
	}
}

func TestUpgradeAndDowngrade(t *testing.T) {
	t.Parallel()

	t.Run("upgrade uses the upgrade flow", func(t *testing.T) {
		t.Parallel()
		s := newServer(t)
		s.svc.On("CreateUpgradeCheckout", mock.Anything, subscription.CheckoutInput{UserID: userID, Package: "Business"}).
			Return(nil, subscription.ErrPlanChangeRestricted).Once()

		rec, env := s.do(t, http.MethodPost, "/checkout/upgrade", `{"package":"Business"}`, true)
		assert.Equal(t, http.StatusConflict, rec.Code)
		require.NotNil(t, env.Error)
		assert.Equal(t, "your plan cannot be changed right now", env.Error.Message)
		assert.Contains(t, s.metrics(t), `billing_checkouts_total{gateway="none",kind="upgrade",outcome="plan_change_restricted"} 1`)
	})

	t.Run("downgrade reports the effective date", func(t *testing.T) {
		t.Parallel()
		s := newServer(t)
		effective := time.Date(2026, 4, 10, 12, 0, 0, 0, time.UTC)
		s.svc.On("CreateDowngradeCheckout", mock.Anything, subscription.CheckoutInput{UserID: userID, Package: "Starter"}).
			Return(&subscription.DowngradeResult{OrderID: uuid.New(), EffectiveDate: effective, Note: "applies at period end"}, nil).Once()

		rec, env := s.do(t, http.MethodPost, "/checkout/downgrade", `{"package":"Starter"}`, true)
		require.Equal(t, http.StatusOK, rec.Code)

		var out struct {
			EffectiveDate time.Time `json:"effective_date"`
			Applied       bool      `json:"applied"`
			Note          string    `json:"note"`
		}
		require.NoError(t, json.Unmarshal(env.Data, &out))
		assert.True(t, effective.Equal(out.EffectiveDate))
		assert.False(t, out.Applied)
		assert.Equal(t, "applies at period end", out.Note)
	})
}

func TestCancel(t *testing.T) {
	t.Parallel()

	t.Run("cancels at period end", func(t *testing.T) {
		t.Parallel()
		s := newServer(t)
		until := time.Date(2026, 4, 10, 0, 0, 0, 0, time.UTC)
		s.svc.On("CancelSubscription", mock.Anything, subscription.CancelInput{UserID: userID, Reason: "too expensive"}).
			Return(&subscription.CancelResult{OrderID: uuid.New(), Status: ledger.LicenseCancelledAtPeriodEnd, AccessUntil: until}, nil).Once()

		rec, env := s.do(t, http.MethodPost, "/subscription/cancel", `{"reason":"too expensive"}`, true)
		require.Equal(t, http.StatusOK, rec.Code)

		var out struct {
			Status      ledger.LicenseStatus `json:"status"`
			AccessUntil *time.Time           `json:"access_until"`
		}
		require.NoError(t, json.Unmarshal(env.Data, &out))
		assert.Equal(t, ledger.LicenseCancelledAtPeriodEnd, out.Status)
		require.NotNil(t, out.AccessUntil)
		assert.True(t, until.Equal(*out.AccessUntil))
	})

	t.Run("accepts an empty body", func(t *testing.T) {
		t.Parallel()
		s := newServer(t)
		s.svc.On("CancelSubscription", mock.Anything, subscription.CancelInput{UserID: userID}).
			Return(nil, subscription.ErrNoActiveSubscription).Once()

		rec, env := s.do(t, http.MethodPost, "/subscription/cancel", "", true)
		assert.Equal(t, http.StatusNotFound, rec.Code)
		require.NotNil(t, env.Error)
		assert.Equal(t, "no_active_subscription", env.Error.Code)
	})

	t.Run("provider unreachable is retryable", func(t *testing.T) {
		t.Parallel()
		s := newServer(t)
		s.svc.On("CancelSubscription", mock.Anything, mock.Anything).
			Return(nil, errors.Join(subscription.ErrProviderUnreachable, errors.New("timeout"))).Once()

		rec, _ := s.do(t, http.MethodPost, "/subscription/cancel", `{}`, true)
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	})
}

func TestSuccessCallback(t *testing.T) {
	t.Parallel()

	t.Run("passes query parameters through", func(t *testing.T) {
		t.Parallel()
		s := newServer(t)
		orderID, licenseID := uuid.New(), uuid.New()
		s.svc.On("HandleSuccessCallback", mock.Anything, subscription.SuccessCallback{
			Gateway:        "fastspring",
			TransactionID:  "FS-123",
			PackageName:    "Pro",
			PendingOrderID: orderID.String(),
			Action:         "upgrade",
			UserID:         userID,
		}).Return(&subscription.Result{
			Status: subscription.ResultProcessed, TransactionID: "FS-123", OrderID: orderID, LicenseID: licenseID,
		}, nil).Once()

		target := "/payments/success?gateway=fastspring&transaction_id=FS-123&package_name=Pro&action=upgrade&pending_order_id=" + orderID.String()
		rec, env := s.do(t, http.MethodGet, target, "", true)
		require.Equal(t, http.StatusOK, rec.Code)

		var out struct {
			Status    subscription.ResultStatus `json:"status"`
			LicenseID uuid.UUID                 `json:"license_id"`
		}
		require.NoError(t, json.Unmarshal(env.Data, &out))
		assert.Equal(t, subscription.ResultProcessed, out.Status)
		assert.Equal(t, licenseID, out.LicenseID)
	})

	t.Run("works without a session", func(t *testing.T) {
		t.Parallel()
		s := newServer(t)
		s.svc.On("HandleSuccessCallback", mock.Anything, mock.MatchedBy(func(cb subscription.SuccessCallback) bool {
			return cb.UserID == uuid.Nil && cb.Gateway == "paddle"
		})).Return(&subscription.Result{Status: subscription.ResultAwaitingConfirmation}, nil).Once()

		rec, _ := s.do(t, http.MethodGet, "/payments/success?gateway=paddle&transaction_id=txn_1", "", false)
		assert.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("activation pending is accepted", func(t *testing.T) {
		t.Parallel()
		s := newServer(t)
		s.svc.On("HandleSuccessCallback", mock.Anything, mock.Anything).Return(
			&subscription.Result{Status: subscription.ResultActivationPending, TransactionID: "txn_1"},
			errors.Join(subscription.ErrActivationPending, subscription.ErrInventoryUnavailable),
		).Once()

		rec, env := s.do(t, http.MethodGet, "/payments/success?gateway=paddle&transaction_id=txn_1", "", true)
		require.Equal(t, http.StatusAccepted, rec.Code)

		var out struct {
			Status  subscription.ResultStatus `json:"status"`
			Message string                    `json:"message"`
		}
		require.NoError(t, json.Unmarshal(env.Data, &out))
		assert.Equal(t, subscription.ResultActivationPending, out.Status)
		assert.Equal(t, "payment received, activation pending", out.Message)
	})

	t.Run("requires the gateway", func(t *testing.T) {
		t.Parallel()
		s := newServer(t)

		rec, env := s.do(t, http.MethodGet, "/payments/success?transaction_id=txn_1", "", true)
		assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
		require.NotNil(t, env.Error)
		assert.Equal(t, []string{"required"}, env.Error.Details["gateway"])
	})
}

func TestWebhook(t *testing.T) {
	t.Parallel()

	body := `{"event_type":"transaction.completed"}`
	withBody := mock.MatchedBy(func(req gateway.WebhookRequest) bool { return string(req.Body) == body })

	tests := []struct {
		name    string
		gateway string
		results []subscription.Result
		err     error
		code    int
		metrics []string
	}{
		{
			name:    "processed",
			gateway: "paddle",
			results: []subscription.Result{{Status: subscription.ResultProcessed, Event: gateway.EventPaymentSucceeded}},
			code:    http.StatusOK,
			metrics: []string{`billing_webhooks_total{gateway="paddle",outcome="processed"} 1`},
		},
		{
			name:    "duplicate and ignored",
			gateway: "fastspring",
			results: []subscription.Result{{Status: subscription.ResultDuplicate}, {Status: subscription.ResultIgnored}},
			code:    http.StatusOK,
			metrics: []string{
				`billing_webhooks_total{gateway="fastspring",outcome="duplicate"} 1`,
				`billing_webhooks_total{gateway="fastspring",outcome="ignored"} 1`,
			},
		},
		{
			name:    "invalid signature",
			gateway: "paddle",
			err:     subscription.ErrInvalidSignature,
			code:    http.StatusUnauthorized,
			metrics: []string{`billing_webhooks_total{gateway="paddle",outcome="invalid_signature"} 1`},
		},
		{
			name:    "activation pending asks for a retry",
			gateway: "payproglobal",
			results: []subscription.Result{{Status: subscription.ResultActivationPending}},
			err:     errors.Join(subscription.ErrActivationPending, subscription.ErrTenantMissing),
			code:    http.StatusServiceUnavailable,
			metrics: []string{
				`billing_webhooks_total{gateway="payproglobal",outcome="activation_pending"} 2`,
			},
		},
		{
			name:    "provider unreachable asks for a retry",
			gateway: "paddle",
			err:     subscription.ErrProviderUnreachable,
			code:    http.StatusServiceUnavailable,
			metrics: []string{`billing_webhooks_total{gateway="paddle",outcome="provider_unreachable"} 1`},
		},
		{
			name:    "unknown gateway",
			gateway: "stripe",
			err:     subscription.ErrUnknownGateway,
			code:    http.StatusNotFound,
			metrics: []string{`billing_webhooks_total{gateway="other",outcome="unknown_gateway"} 1`},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			s := newServer(t)
			s.svc.On("HandleWebhook", mock.Anything, tt.gateway, withBody).Return(tt.results, tt.err).Once()

			rec, _ := s.do(t, http.MethodPost, "/webhooks/"+tt.gateway, body, false)
			assert.Equal(t, tt.code, rec.Code)

			scraped := s.metrics(t)
			for _, line := range tt.metrics {
				assert.Contains(t, scraped, line)
			}
		})
	}
}

func TestHealthEndpoints(t *testing.T) {
	t.Parallel()

	svc := &mockService{}
	h := billing.NewHandler(svc, billing.NewHeaderResolver(userHeader),
		billing.WithReadinessChecks(func(context.Context) error { return errors.New("pg down") }),
	)
	router := h.Routes()

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestNewHandlerPanics(t *testing.T) {
	t.Parallel()

	assert.Panics(t, func() { billing.NewHandler(nil, billing.NewHeaderResolver(userHeader)) })
	assert.Panics(t, func() { billing.NewHandler(&mockService{}, nil) })
	assert.Panics(t, func() { billing.NewHeaderResolver("") })
}

func TestCheckoutRateLimit(t *testing.T) {
	t.Parallel()

	limiter, err := ratelimiter.New(ratelimiter.NewMemoryStore(), ratelimiter.Config{
		Capacity: 1, RefillRate: 1, RefillInterval: time.Hour,
	})
	require.NoError(t, err)

	svc := &mockService{}
	svc.On("CreateCheckout", mock.Anything, mock.Anything).
		Return(&subscription.CheckoutResult{URL: "https://pay.example.com/c/1", OrderID: uuid.New(), Gateway: "paddle"}, nil).Once()
	s := &testServer{svc: svc, router: billing.NewHandler(svc, billing.NewHeaderResolver(userHeader),
		billing.WithRateLimiter(limiter),
	).Routes()}

	rec, _ := s.do(t, http.MethodPost, "/checkout", `{"package":"Pro","gateway":"paddle"}`, true)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec, _ = s.do(t, http.MethodPost, "/checkout", `{"package":"Pro","gateway":"paddle"}`, true)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))

	svc.AssertExpectations(t)
}
