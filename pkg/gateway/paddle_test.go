package gateway_test

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"testing"
	"time"

	paddle "github.com/PaddleHQ/paddle-go-sdk/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dev-geek/syntopia-v1-sub001/pkg/gateway"
)

type fakePaddleAPI struct {
	mu        sync.Mutex
	created   []*paddle.CreateTransactionRequest
	cancelled []*paddle.CancelSubscriptionRequest
	tx        *paddle.Transaction
	cancelErr error
}

func (f *fakePaddleAPI) CreateTransaction(_ context.Context, req *paddle.CreateTransactionRequest) (*paddle.Transaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created = append(f.created, req)
	return &paddle.Transaction{
		ID:       "txn_01",
		Checkout: &paddle.TransactionCheckout{URL: paddle.PtrTo("https://pay.example.com/checkout?_ptxn=txn_01")},
	}, nil
}

func (f *fakePaddleAPI) GetTransaction(_ context.Context, req *paddle.GetTransactionRequest) (*paddle.Transaction, error) {
	if f.tx == nil || f.tx.ID != req.TransactionID {
		return nil, errors.New("entity not_found")
	}
	return f.tx, nil
}

func (f *fakePaddleAPI) CancelSubscription(_ context.Context, req *paddle.CancelSubscriptionRequest) (*paddle.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, req)
	if f.cancelErr != nil {
		return nil, f.cancelErr
	}
	return &paddle.Subscription{ID: req.SubscriptionID}, nil
}

func newPaddle(t *testing.T, api *fakePaddleAPI) *gateway.Paddle {
	t.Helper()
	p, err := gateway.NewPaddle(gateway.PaddleConfig{
		WebhookSecret: testSecret,
		Prices:        map[string]string{"Pro": "pri_pro"},
		URLs:          testURLs(),
	}, testDeps(&stubTenants{}, okLicenses()), gateway.WithPaddleAPI(api))
	require.NoError(t, err)
	return p
}

func paddleSignature(body []byte) string {
	ts := fmt.Sprint(time.Now().Unix())
	mac := hmac.New(sha256.New, []byte(testSecret))
	mac.Write([]byte(ts + ":"))
	mac.Write(body)
	return "ts=" + ts + ";h1=" + hex.EncodeToString(mac.Sum(nil))
}

func TestPaddle_CreateCheckout(t *testing.T) {
	t.Parallel()

	api := &fakePaddleAPI{}
	p := newPaddle(t, api)
	user := testUser()

	co, err := p.CreateCheckout(context.Background(), gateway.CheckoutRequest{User: user, Package: proPackage()})
	require.NoError(t, err)
	assert.Equal(t, "txn_01", co.TransactionID)

	require.Len(t, api.created, 1)
	assert.Equal(t, user.ID.String(), api.created[0].CustomData[gateway.CustomUserID])

	u, err := url.Parse(co.URL)
	require.NoError(t, err)
	assert.Equal(t, "txn_01", u.Query().Get("_ptxn"))
	assert.Equal(t, "Pro", u.Query().Get("package"))
	assert.Contains(t, u.Query().Get("success_url"), "transaction_id=txn_01")
}

func TestPaddle_CreateCheckout_UnknownPrice(t *testing.T) {
	t.Parallel()

	api := &fakePaddleAPI{}
	p := newPaddle(t, api)
	pkg := proPackage()
	pkg.Name = "Enterprise"

	_, err := p.CreateCheckout(context.Background(), gateway.CheckoutRequest{User: testUser(), Package: pkg})
	assert.ErrorIs(t, err, gateway.ErrProductNotConfigured)
	assert.Empty(t, api.created)
}

func TestPaddle_ParseWebhook(t *testing.T) {
	t.Parallel()

	p := newPaddle(t, &fakePaddleAPI{})
	user := testUser()

	payload := func(eventType string, data map[string]any) []byte {
		b, err := json.Marshal(map[string]any{"event_id": "evt_1", "event_type": eventType, "data": data})
		require.NoError(t, err)
		return b
	}

	t.Run("completed transaction", func(t *testing.T) {
		t.Parallel()

		body := payload("transaction.completed", map[string]any{
			"id":              "txn_01",
			"status":          "completed",
			"origin":          "web",
			"subscription_id": "sub_01",
			"currency_code":   "USD",
			"custom_data":     signedTags(user.ID.String(), "Pro"),
			"details":         map[string]any{"totals": map[string]any{"grand_total": "4900"}},
		})
		events, err := p.ParseWebhook(context.Background(), gateway.WebhookRequest{
			Header: http.Header{"Paddle-Signature": []string{paddleSignature(body)}},
			Body:   body,
		})
		require.NoError(t, err)
		require.Len(t, events, 1)

		ev := events[0]
		assert.Equal(t, gateway.EventPaymentSucceeded, ev.Kind)
		assert.Equal(t, "txn_01", ev.TransactionID)
		assert.Equal(t, "sub_01", ev.SubscriptionID)
		assert.Equal(t, int64(4900), ev.Amount)
		assert.Equal(t, user.ID.String(), ev.UserID)
	})

	t.Run("recurring charge is a renewal", func(t *testing.T) {
		t.Parallel()

		body := payload("transaction.completed", map[string]any{
			"id": "txn_02", "origin": "subscription_recurring", "subscription_id": "sub_01",
		})
		events, err := p.ParseWebhook(context.Background(), gateway.WebhookRequest{
			Header: http.Header{"Paddle-Signature": []string{paddleSignature(body)}},
			Body:   body,
		})
		require.NoError(t, err)
		assert.Equal(t, gateway.EventSubscriptionRenewed, events[0].Kind)
	})

	t.Run("subscription canceled", func(t *testing.T) {
		t.Parallel()

		body := payload("subscription.canceled", map[string]any{"id": "sub_01", "status": "canceled"})
		events, err := p.ParseWebhook(context.Background(), gateway.WebhookRequest{
			Header: http.Header{"Paddle-Signature": []string{paddleSignature(body)}},
			Body:   body,
		})
		require.NoError(t, err)
		assert.Equal(t, gateway.EventSubscriptionCancelled, events[0].Kind)
		assert.Equal(t, "sub_01", events[0].SubscriptionID)
	})

	t.Run("invalid signature", func(t *testing.T) {
		t.Parallel()

		body := payload("transaction.completed", map[string]any{"id": "txn_03"})
		_, err := p.ParseWebhook(context.Background(), gateway.WebhookRequest{
			Header: http.Header{"Paddle-Signature": []string{"ts=1;h1=00"}},
			Body:   body,
		})
		assert.ErrorIs(t, err, gateway.ErrInvalidSignature)
	})
}

func TestPaddle_Cancel(t *testing.T) {
	t.Parallel()

	t.Run("schedules cancellation at period end", func(t *testing.T) {
		t.Parallel()

		api := &fakePaddleAPI{}
		res, err := newPaddle(t, api).Cancel(context.Background(), gateway.CancelRequest{SubscriptionID: "sub_01"})
		require.NoError(t, err)
		assert.True(t, res.AtPeriodEnd)
		require.Len(t, api.cancelled, 1)
		assert.Equal(t, paddle.EffectiveFromNextBillingPeriod, *api.cancelled[0].EffectiveFrom)
	})

	t.Run("unknown subscription counts as cancelled", func(t *testing.T) {
		t.Parallel()

		api := &fakePaddleAPI{cancelErr: errors.New("entity_not_found: subscription not found")}
		res, err := newPaddle(t, api).Cancel(context.Background(), gateway.CancelRequest{SubscriptionID: "sub_x"})
		require.NoError(t, err)
		assert.True(t, res.AlreadyCancelled)
	})

	t.Run("other failures surface", func(t *testing.T) {
		t.Parallel()

		api := &fakePaddleAPI{cancelErr: errors.New("forbidden")}
		_, err := newPaddle(t, api).Cancel(context.Background(), gateway.CancelRequest{SubscriptionID: "sub_x"})
		assert.ErrorIs(t, err, gateway.ErrProviderRejected)
	})
}

func TestPaddle_VerifyTransaction(t *testing.T) {
	t.Parallel()

	user := testUser()
	api := &fakePaddleAPI{tx: &paddle.Transaction{
		ID:             "txn_01",
		Status:         paddle.TransactionStatusCompleted,
		SubscriptionID: paddle.PtrTo("sub_01"),
		CustomData:     paddle.CustomData(signedTags(user.ID.String(), "Pro")),
	}}
	p := newPaddle(t, api)

	ev, err := p.VerifyTransaction(context.Background(), "txn_01")
	require.NoError(t, err)
	assert.Equal(t, gateway.EventPaymentSucceeded, ev.Kind)
	assert.Equal(t, "sub_01", ev.SubscriptionID)
	assert.Equal(t, user.ID.String(), ev.UserID)

	_, err = p.VerifyTransaction(context.Background(), "txn_missing")
	assert.ErrorIs(t, err, gateway.ErrProviderRejected)
}
