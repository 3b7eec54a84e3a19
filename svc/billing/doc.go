// Package billing exposes the subscription orchestrator over HTTP.
//
// Routes:
//
//	POST /checkout               start a purchase (free packages activate at once)
//	POST /checkout/upgrade       start an upgrade checkout
//	POST /checkout/downgrade     schedule a downgrade
//	POST /subscription/cancel    cancel the current subscription
//	GET  /payments/success       provider success redirect
//	POST /webhooks/{gateway}     provider webhook delivery
//	GET  /metrics                Prometheus metrics
//	GET  /healthz, /readyz       liveness and readiness checks
//
// The package does not authenticate users. The caller injects a
// UserResolver that turns a request into a user id, typically backed by the
// session middleware of the host application.
//
// Webhook responses drive provider retries: 200 for processed, duplicate
// and ignored events; 401 for a bad signature; 503 when activation is
// pending or the provider could not be reached, so the delivery is retried.
package billing
