package ledger

import (
	"time"

	"github.com/google/uuid"
)

// LicenseStatus is the billing state of a user license.
type LicenseStatus string

const (
	LicenseActive               LicenseStatus = "active"
	LicenseCancelledAtPeriodEnd LicenseStatus = "cancelled_at_period_end"
	LicenseCancelled            LicenseStatus = "cancelled"
)

// UserLicense is an activated entitlement bound to a user's tenant.
type UserLicense struct {
	ID               uuid.UUID
	UserID           uuid.UUID
	LicenseKey       string // external subscription code bound to the tenant
	PackageID        uuid.UUID
	SubscriptionID   string // provider subscription or transaction reference
	Gateway          string
	ActivatedAt      time.Time
	ExpiresAt        *time.Time // nil means perpetual
	IsActive         bool
	IsUpgradeLicense bool
	Status           LicenseStatus
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// IsExpiredAt reports whether the license has an expiry at or before now.
func (l *UserLicense) IsExpiredAt(now time.Time) bool {
	return l.ExpiresAt != nil && !now.Before(*l.ExpiresAt)
}

func (l *UserLicense) clone() *UserLicense {
	c := *l
	if l.ExpiresAt != nil {
		t := *l.ExpiresAt
		c.ExpiresAt = &t
	}
	return &c
}

// User holds the account fields the engine reads and maintains.
// Identity and profile data are owned elsewhere.
type User struct {
	ID             uuid.UUID
	Email          string
	Name           string
	TenantID       string // assigned by the licensing system; empty until provisioned
	LicenseID      *uuid.UUID
	PackageID      *uuid.UUID
	Gateway        string
	SubscriptionID string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// HasTenant reports whether the licensing tenant was provisioned.
func (u *User) HasTenant() bool {
	return u.TenantID != ""
}

func (u *User) clone() *User {
	c := *u
	if u.LicenseID != nil {
		id := *u.LicenseID
		c.LicenseID = &id
	}
	if u.PackageID != nil {
		id := *u.PackageID
		c.PackageID = &id
	}
	return &c
}
