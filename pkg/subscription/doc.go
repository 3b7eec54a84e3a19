// Package subscription orchestrates purchases, plan changes, cancellations
// and provider callbacks on top of the order ledger, the payment gateways
// and the license activation service.
//
// # Lifecycle
//
// A paid checkout creates a pending order only after the provider checkout
// exists, so precondition failures leave nothing behind. The provider
// confirms the payment through a webhook, a verified success redirect, or
// both; whichever arrives first completes the order and activates the
// license in one ledger transaction, and later deliveries of the same
// transaction id return ResultDuplicate without side effects.
//
// Upgrades take effect on payment. Downgrades are recorded as
// scheduled_downgrade orders and applied when their effective date passes,
// either right away for an already expired license or by DowngradeWorker.
// Downgrade callbacks only re-confirm the scheduled order.
//
// When a payment cannot be turned into a license (tenant missing, inventory
// empty or mismatched, bind failure) the order keeps payment_received,
// support is alerted once and ErrActivationPending is returned so providers
// retry the webhook.
//
// # Identifying the buyer
//
// Callbacks are matched to a user through, in order: the checkout token
// (TokenStore), an explicit user id, the email address, the pending order
// and the order holding the transaction id.
//
// # Usage
//
//	svc := subscription.NewService(store, catalog, registry, activator,
//		subscription.WithLogger(log),
//		subscription.WithTokenStore(subscription.NewRedisTokenStore(rdb, "syntopia:", 2*time.Hour)),
//		subscription.WithAlerter(alerts),
//	)
//	res, err := svc.CreateCheckout(ctx, subscription.CheckoutInput{UserID: id, Package: "Pro", Gateway: "paddle"})
//
//	go subscription.NewDowngradeWorker(svc, time.Minute, log).Run(ctx)
package subscription
