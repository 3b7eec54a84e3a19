package subscription_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dev-geek/syntopia-v1-sub001/pkg/gateway"
	"github.com/dev-geek/syntopia-v1-sub001/pkg/ledger"
	"github.com/dev-geek/syntopia-v1-sub001/pkg/subscription"
)

func TestApplyMaturedDowngrades(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("free target applies at the effective date", func(t *testing.T) {
		t.Parallel()
		e := newEnv(t)
		e.purchase(t, "Pro", "txn_1", "sub_1")
		dg, err := e.svc.CreateDowngradeCheckout(ctx, subscription.CheckoutInput{UserID: e.user.ID, Package: "Free"})
		require.NoError(t, err)

		n, err := e.svc.ApplyMaturedDowngrades(ctx)
		require.NoError(t, err)
		assert.Zero(t, n, "not due yet")
		assert.Equal(t, pro.ID, e.activeLicense(t).PackageID)

		e.clock.advance(dg.EffectiveDate.Sub(e.clock.now()) + time.Second)
		n, err = e.svc.ApplyMaturedDowngrades(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		active := e.activeLicenses(t)
		require.Len(t, active, 1)
		assert.Equal(t, freePkg.ID, active[0].PackageID)
		assert.Equal(t, []string{"sub_1"}, e.gw.cancelledSubs())

		o, err := e.store.GetOrder(ctx, dg.OrderID)
		require.NoError(t, err)
		assert.Equal(t, ledger.StatusScheduledDowngrade, o.Status)
		assert.True(t, o.Metadata.Bool(ledger.MetaDowngradeProcessed))
		_, ok := o.Metadata.Time(ledger.MetaDowngradeProcessedAt)
		assert.True(t, ok)

		n, err = e.svc.ApplyMaturedDowngrades(ctx)
		require.NoError(t, err)
		assert.Zero(t, n)
		assert.Len(t, e.activeLicenses(t), 1)
	})

	t.Run("paid target waits for its payment", func(t *testing.T) {
		t.Parallel()
		e := newEnv(t)
		e.purchase(t, "Pro", "txn_1", "sub_1")
		dg, err := e.svc.CreateDowngradeCheckout(ctx, subscription.CheckoutInput{UserID: e.user.ID, Package: "Starter"})
		require.NoError(t, err)

		// The downgrade payment only re-confirms the schedule.
		res, err := e.svc.HandleWebhook(ctx, "fake", webhookBody(t, gateway.Event{
			Kind:           gateway.EventPaymentSucceeded,
			TransactionID:  "txn_dg",
			SubscriptionID: "sub_dg",
			PendingOrderID: dg.OrderID.String(),
			Action:         gateway.ActionDowngrade,
		}))
		require.NoError(t, err)
		assert.Equal(t, subscription.ResultScheduled, res[0].Status)
		assert.Equal(t, pro.ID, e.activeLicense(t).PackageID)

		o, err := e.store.GetOrder(ctx, dg.OrderID)
		require.NoError(t, err)
		assert.Equal(t, ledger.StatusScheduledDowngrade, o.Status)
		assert.True(t, o.Metadata.Bool(ledger.MetaPaymentReceived))
		assert.Equal(t, "sub_dg", o.Metadata.Get(ledger.MetaTargetSubscriptionID))
		assert.Equal(t, "txn_dg", o.TransactionID)

		e.clock.advance(dg.EffectiveDate.Sub(e.clock.now()))
		n, err := e.svc.ApplyMaturedDowngrades(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		lic := e.activeLicense(t)
		assert.Equal(t, starter.ID, lic.PackageID)
		assert.Equal(t, "sub_dg", lic.SubscriptionID)
		assert.Equal(t, []string{"sub_1"}, e.gw.cancelledSubs())
	})

	t.Run("unpaid paid target is dropped after the grace period", func(t *testing.T) {
		t.Parallel()
		e := newEnv(t)
		e.purchase(t, "Pro", "txn_1", "sub_1")
		dg, err := e.svc.CreateDowngradeCheckout(ctx, subscription.CheckoutInput{UserID: e.user.ID, Package: "Starter"})
		require.NoError(t, err)

		e.clock.advance(dg.EffectiveDate.Sub(e.clock.now()) + time.Hour)
		n, err := e.svc.ApplyMaturedDowngrades(ctx)
		require.NoError(t, err)
		assert.Zero(t, n)

		e.clock.advance(8 * 24 * time.Hour)
		_, err = e.svc.ApplyMaturedDowngrades(ctx)
		require.NoError(t, err)

		o, err := e.store.GetOrder(ctx, dg.OrderID)
		require.NoError(t, err)
		assert.Equal(t, ledger.StatusCancelled, o.Status)
		assert.Equal(t, pro.ID, e.activeLicense(t).PackageID)
	})

	t.Run("unpaid downgrade does not hold up later ones", func(t *testing.T) {
		t.Parallel()
		e := newEnvWith(t, []subscription.ServiceOption{subscription.WithDowngradeBatch(1)})
		e.purchase(t, "Pro", "txn_a", "sub_a")
		unpaid, err := e.svc.CreateDowngradeCheckout(ctx, subscription.CheckoutInput{UserID: e.user.ID, Package: "Starter"})
		require.NoError(t, err)

		e.clock.advance(time.Minute)
		other := &ledger.User{Email: "grace@example.com", TenantID: "T2"}
		require.NoError(t, e.store.CreateUser(ctx, other))
		co, err := e.svc.CreateCheckout(ctx, subscription.CheckoutInput{UserID: other.ID, Package: "Pro", Gateway: "fake"})
		require.NoError(t, err)
		_, err = e.svc.HandleWebhook(ctx, "fake", webhookBody(t, gateway.Event{
			Kind:           gateway.EventPaymentSucceeded,
			TransactionID:  "txn_b",
			SubscriptionID: "sub_b",
			PendingOrderID: co.OrderID.String(),
			UserID:         other.ID.String(),
		}))
		require.NoError(t, err)
		free, err := e.svc.CreateDowngradeCheckout(ctx, subscription.CheckoutInput{UserID: other.ID, Package: "Free"})
		require.NoError(t, err)
		require.True(t, free.EffectiveDate.After(unpaid.EffectiveDate))

		e.clock.advance(free.EffectiveDate.Sub(e.clock.now()) + time.Second)
		n, err := e.svc.ApplyMaturedDowngrades(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		lic, err := e.store.GetActiveLicense(ctx, other.ID)
		require.NoError(t, err)
		assert.Equal(t, freePkg.ID, lic.PackageID)
		assert.Equal(t, pro.ID, e.activeLicense(t).PackageID)

		o, err := e.store.GetOrder(ctx, unpaid.OrderID)
		require.NoError(t, err)
		assert.Equal(t, ledger.StatusScheduledDowngrade, o.Status)
		next, ok := o.Metadata.Time(ledger.MetaNextAttemptAt)
		require.True(t, ok)
		assert.True(t, unpaid.EffectiveDate.Add(7*24*time.Hour).Equal(next))

		due, err := e.store.ListDueDowngrades(ctx, e.clock.now(), 0)
		require.NoError(t, err)
		assert.Empty(t, due)
	})
}

func TestDowngradeRedirectCannotRewriteOrder(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	e := newEnv(t)
	e.purchase(t, "Pro", "txn_1", "sub_1")
	dg, err := e.svc.CreateDowngradeCheckout(ctx, subscription.CheckoutInput{UserID: e.user.ID, Package: "Starter"})
	require.NoError(t, err)
	before, err := e.store.GetOrder(ctx, dg.OrderID)
	require.NoError(t, err)

	res, err := e.svc.HandleSuccessCallback(ctx, subscription.SuccessCallback{
		Gateway:        "fake",
		TransactionID:  "txn_claimed",
		PackageName:    "Starter",
		PendingOrderID: dg.OrderID.String(),
		Action:         string(gateway.ActionDowngrade),
	})
	require.NoError(t, err)
	assert.Equal(t, subscription.ResultScheduled, res.Status)

	o, err := e.store.GetOrder(ctx, dg.OrderID)
	require.NoError(t, err)
	assert.Equal(t, before.TransactionID, o.TransactionID)
	assert.Empty(t, o.Metadata.Get(ledger.MetaTargetSubscriptionID))
	assert.False(t, o.Metadata.Bool(ledger.MetaPaymentReceived))
	assert.Equal(t, "txn_claimed", o.Metadata.Get(ledger.MetaCallbackTransactionID))
	_, ok := o.Metadata.Time(ledger.MetaSuccessCallbackAt)
	assert.True(t, ok)

	// The provider's webhook still owns the transaction id.
	hook, err := e.svc.HandleWebhook(ctx, "fake", webhookBody(t, gateway.Event{
		Kind:           gateway.EventPaymentSucceeded,
		TransactionID:  "txn_claimed",
		SubscriptionID: "sub_dg",
		PendingOrderID: dg.OrderID.String(),
		Action:         gateway.ActionDowngrade,
	}))
	require.NoError(t, err)
	require.Len(t, hook, 1)
	assert.Equal(t, subscription.ResultScheduled, hook[0].Status)

	o, err = e.store.GetOrder(ctx, dg.OrderID)
	require.NoError(t, err)
	assert.Equal(t, "txn_claimed", o.TransactionID)
	assert.Equal(t, "sub_dg", o.Metadata.Get(ledger.MetaTargetSubscriptionID))
	assert.True(t, o.Metadata.Bool(ledger.MetaPaymentReceived))
	assert.Equal(t, pro.ID, e.activeLicense(t).PackageID)
}

type countingApplier struct {
	calls  int
	cancel context.CancelFunc
}

func (a *countingApplier) ApplyMaturedDowngrades(context.Context) (int, error) {
	a.calls++
	a.cancel()
	return 1, nil
}

func TestDowngradeWorker_Run(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	applier := &countingApplier{cancel: cancel}
	w := subscription.NewDowngradeWorker(applier, time.Hour, nil)

	err := w.Run(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, applier.calls)
}
