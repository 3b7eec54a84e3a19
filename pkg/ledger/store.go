package ledger

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Store persists orders, licenses and users.
//
// Reads return copies; changes are only visible after an explicit Create or
// Update. WithinTx runs fn atomically: if fn returns an error nothing it
// wrote is kept. Calling WithinTx on the tx handle joins the outer transaction.
type Store interface {
	WithinTx(ctx context.Context, fn func(ctx context.Context, tx Store) error) error

	// CreateOrder returns ErrDuplicateTransaction when the transaction id is taken.
	CreateOrder(ctx context.Context, o *Order) error
	UpdateOrder(ctx context.Context, o *Order) error
	GetOrder(ctx context.Context, id uuid.UUID) (*Order, error)
	// LockOrder reads an order and holds a row lock until the transaction ends.
	LockOrder(ctx context.Context, id uuid.UUID) (*Order, error)
	GetOrderByTransactionID(ctx context.Context, transactionID string) (*Order, error)
	// FindOrders returns matching orders, newest first.
	FindOrders(ctx context.Context, f OrderFilter) ([]*Order, error)
	// ListDueDowngrades returns unprocessed scheduled downgrades whose
	// activation date and next_attempt_at are at or before now, oldest first.
	ListDueDowngrades(ctx context.Context, now time.Time, limit int) ([]*Order, error)

	// CreateLicense and UpdateLicense return ErrActiveLicenseExists when the
	// write would leave the user with a second active license.
	CreateLicense(ctx context.Context, l *UserLicense) error
	UpdateLicense(ctx context.Context, l *UserLicense) error
	GetLicense(ctx context.Context, id uuid.UUID) (*UserLicense, error)
	// GetActiveLicense returns the user's active license, the most recently
	// activated one if the invariant was ever broken.
	GetActiveLicense(ctx context.Context, userID uuid.UUID) (*UserLicense, error)
	FindLicenseBySubscriptionID(ctx context.Context, subscriptionID string) (*UserLicense, error)
	ListLicenses(ctx context.Context, userID uuid.UUID) ([]*UserLicense, error)
	// DeactivateLicenses marks every active license of the user except keep
	// as inactive and cancelled, returning how many changed.
	DeactivateLicenses(ctx context.Context, userID, keep uuid.UUID, at time.Time) (int, error)

	CreateUser(ctx context.Context, u *User) error
	UpdateUser(ctx context.Context, u *User) error
	GetUser(ctx context.Context, id uuid.UUID) (*User, error)
	// LockUser reads a user and holds a row lock until the transaction ends.
	// License changes for one user serialise on it.
	LockUser(ctx context.Context, id uuid.UUID) (*User, error)
	GetUserByEmail(ctx context.Context, email string) (*User, error)
}

// OrderFilter narrows FindOrders. Zero fields do not filter.
type OrderFilter struct {
	UserID    uuid.UUID
	PackageID uuid.UUID
	Gateway   string
	Statuses  []OrderStatus
	Types     []OrderType
	Limit     int
}
