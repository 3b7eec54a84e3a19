package subscription

import (
	"log/slog"
	"time"

	"github.com/dev-geek/syntopia-v1-sub001/pkg/gateway"
)

// ServiceOption configures a Service instance.
type ServiceOption func(*service)

func WithLogger(l *slog.Logger) ServiceOption {
	return func(s *service) {
		if l != nil {
			s.log = l
		}
	}
}

func WithClock(now func() time.Time) ServiceOption {
	return func(s *service) {
		if now != nil {
			s.now = now
		}
	}
}

// WithTokenStore sets the checkout token store used to match callbacks to
// users. Defaults to an in-process store.
func WithTokenStore(t TokenStore) ServiceOption {
	return func(s *service) {
		if t != nil {
			s.tokens = t
		}
	}
}

// WithTenantAssigner lets free activations provision a missing tenant.
// Paid checkouts do this inside the gateway preconditions.
func WithTenantAssigner(t gateway.TenantAssigner) ServiceOption {
	return func(s *service) { s.tenants = t }
}

// WithAlerter sets who is told about payments stuck in activation.
func WithAlerter(a Alerter) ServiceOption {
	return func(s *service) { s.alerter = a }
}

// WithDowngradeBatch bounds how many matured downgrades one
// ApplyMaturedDowngrades call handles.
func WithDowngradeBatch(n int) ServiceOption {
	return func(s *service) {
		if n > 0 {
			s.batch = n
		}
	}
}
