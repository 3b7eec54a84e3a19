package ledger

import (
	"maps"
	"strconv"
	"time"
)

// Well-known metadata keys. Consumers outside the engine (the downgrade
// scheduler, support tooling) read these, so they are part of the contract.
const (
	MetaSubscriptionID          = "subscription_id"
	MetaTargetSubscriptionID    = "target_subscription_id"
	MetaProviderTransactionID   = "provider_transaction_id"
	MetaOriginalPackageID       = "original_package_id"
	MetaOriginalPackage         = "original_package"
	MetaTargetPackageID         = "target_package_id"
	MetaTargetPackage           = "target_package"
	MetaScheduledActivationDate = "scheduled_activation_date"
	MetaDowngradeProcessed      = "downgrade_processed"
	MetaDowngradeProcessedAt    = "downgrade_processed_at"
	MetaNextAttemptAt           = "next_attempt_at"
	MetaImmediate               = "effective_immediately"
	MetaNote                    = "note"
	MetaSupersededBy            = "superseded_by"
	MetaCancellationReason      = "cancellation_reason"
	MetaPaymentReceived         = "payment_received"
	MetaActivationError         = "activation_error"
	MetaLastPaymentError        = "last_payment_error"
	MetaSuccessCallbackAt       = "success_callback_at"
	MetaCallbackTransactionID   = "callback_transaction_id"
	MetaCheckoutURL             = "checkout_url"
	MetaSourceOrderID           = "source_order_id"
	MetaLicenseID               = "license_id"
)

// Metadata is the free-form key/value bag attached to an order.
// Values are strings so the bag survives a JSON round trip unchanged;
// times are RFC 3339 in UTC with nanoseconds and booleans are "true"/"false".
type Metadata map[string]string

func (m Metadata) Get(key string) string {
	return m[key]
}

func (m Metadata) Set(key, value string) {
	m[key] = value
}

func (m Metadata) SetTime(key string, t time.Time) {
	m[key] = t.UTC().Format(time.RFC3339Nano)
}

// Time parses key as an RFC 3339 timestamp.
func (m Metadata) Time(key string) (time.Time, bool) {
	v, ok := m[key]
	if !ok || v == "" {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

func (m Metadata) SetBool(key string, b bool) {
	m[key] = strconv.FormatBool(b)
}

func (m Metadata) Bool(key string) bool {
	b, _ := strconv.ParseBool(m[key])
	return b
}

func (m Metadata) Clone() Metadata {
	if m == nil {
		return Metadata{}
	}
	return maps.Clone(m)
}
