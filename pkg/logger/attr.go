package logger

import "log/slog"

// Error creates an attribute for a single error under the key "error".
// If err is nil, it returns an empty Attr.
func Error(err error) slog.Attr {
	if err == nil {
		return slog.Attr{}
	}
	return slog.Any("error", err)
}

// UserID records the user identifier under the key "user_id".
func UserID(id any) slog.Attr {
	if id == nil {
		return slog.Attr{}
	}
	return slog.Any("user_id", id)
}

// TenantID records the licensing tenant under the key "tenant_id".
func TenantID(id string) slog.Attr {
	return slog.String("tenant_id", id)
}

func Component(name string) slog.Attr {
	return slog.String("component", name)
}

func Gateway(name string) slog.Attr {
	return slog.String("gateway", name)
}

func TransactionID(id string) slog.Attr {
	return slog.String("transaction_id", id)
}

func OrderID(id any) slog.Attr {
	if id == nil {
		return slog.Attr{}
	}
	return slog.Any("order_id", id)
}

func LicenseID(id any) slog.Attr {
	if id == nil {
		return slog.Attr{}
	}
	return slog.Any("license_id", id)
}

// LicenseCode records the external license/subscription code.
func LicenseCode(code string) slog.Attr {
	return slog.String("license_code", code)
}

// Package records the plan name under the key "package".
func Package(name string) slog.Attr {
	return slog.String("package", name)
}

func Action(action string) slog.Attr {
	return slog.String("action", action)
}

// Attempt records a 1-based retry attempt.
func Attempt(n int) slog.Attr {
	return slog.Int("attempt", n)
}
