package activation_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dev-geek/syntopia-v1-sub001/pkg/activation"
	"github.com/dev-geek/syntopia-v1-sub001/pkg/ledger"
)

func TestCanUserChangePlan(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	t.Run("no license", func(t *testing.T) {
		t.Parallel()

		svc, store, user := setup(t, fullInventory(), "T1")
		ok, reason, err := svc.CanUserChangePlan(ctx, store, user.ID)
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, activation.ReasonNone, reason)
	})

	t.Run("scheduled downgrade blocks", func(t *testing.T) {
		t.Parallel()

		svc, store, user := setup(t, fullInventory(), "T1")
		o := &ledger.Order{
			UserID: user.ID, PackageID: starter.ID, TransactionID: "dg_1",
			Status: ledger.StatusScheduledDowngrade, Type: ledger.OrderTypeDowngrade,
		}
		require.NoError(t, store.CreateOrder(ctx, o))

		ok, reason, err := svc.CanUserChangePlan(ctx, store, user.ID)
		require.NoError(t, err)
		assert.False(t, ok)
		assert.Equal(t, activation.ReasonDowngradeScheduled, reason)
	})

	t.Run("processed downgrade does not block", func(t *testing.T) {
		t.Parallel()

		svc, store, user := setup(t, fullInventory(), "T1")
		meta := ledger.Metadata{}
		meta.SetBool(ledger.MetaDowngradeProcessed, true)
		o := &ledger.Order{
			UserID: user.ID, PackageID: starter.ID, TransactionID: "dg_2",
			Status: ledger.StatusScheduledDowngrade, Type: ledger.OrderTypeDowngrade, Metadata: meta,
		}
		require.NoError(t, store.CreateOrder(ctx, o))

		ok, _, err := svc.CanUserChangePlan(ctx, store, user.ID)
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("unexpired upgrade grant blocks", func(t *testing.T) {
		t.Parallel()

		svc, store, user := setup(t, fullInventory(), "T1")
		_, err := svc.CreateAndActivateLicense(ctx, store, activation.Request{UserID: user.ID, Package: pro, SubscriptionID: "s", Gateway: "paddle", IsUpgrade: true})
		require.NoError(t, err)

		ok, reason, err := svc.CanUserChangePlan(ctx, store, user.ID)
		require.NoError(t, err)
		assert.False(t, ok)
		assert.Equal(t, activation.ReasonUpgradeProtected, reason)
	})

	t.Run("expired upgrade grant allows", func(t *testing.T) {
		t.Parallel()

		_, store, user := setup(t, fullInventory(), "T1")
		activated := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
		svc := activation.New(fullInventory(), activation.WithClock(func() time.Time { return activated }))
		_, err := svc.CreateAndActivateLicense(ctx, store, activation.Request{UserID: user.ID, Package: pro, SubscriptionID: "s", Gateway: "paddle", IsUpgrade: true})
		require.NoError(t, err)

		later := activation.New(fullInventory(), activation.WithClock(func() time.Time { return now }))
		ok, _, err := later.CanUserChangePlan(ctx, store, user.ID)
		require.NoError(t, err)
		assert.True(t, ok)
	})
}
