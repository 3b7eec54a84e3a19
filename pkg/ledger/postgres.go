package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/dev-geek/syntopia-v1-sub001/pkg/pg"
)

// DBTX is the query surface shared by pgxpool.Pool and pgx.Tx.
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// TxBeginner starts a transaction. *pgxpool.Pool satisfies it.
type TxBeginner interface {
	DBTX
	Begin(ctx context.Context) (pgx.Tx, error)
}

// PostgresStore is the Store backed by Postgres.
type PostgresStore struct {
	pool TxBeginner
	db   DBTX
	inTx bool
}

// NewPostgresStore wraps a pool.
func NewPostgresStore(pool TxBeginner) *PostgresStore {
	return &PostgresStore{pool: pool, db: pool}
}

func (s *PostgresStore) WithinTx(ctx context.Context, fn func(ctx context.Context, tx Store) error) error {
	if s.inTx {
		return fn(ctx, s)
	}
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		return fn(ctx, &PostgresStore{pool: s.pool, db: tx, inTx: true})
	})
}

const orderColumns = `id, user_id, package_id, amount, currency, transaction_id, status, order_type, gateway, metadata, created_at, updated_at`

func scanOrder(row pgx.Row) (*Order, error) {
	var o Order
	err := row.Scan(&o.ID, &o.UserID, &o.PackageID, &o.Amount, &o.Currency, &o.TransactionID,
		&o.Status, &o.Type, &o.Gateway, &o.Metadata, &o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		if pg.IsNotFoundError(err) {
			return nil, ErrOrderNotFound
		}
		return nil, err
	}
	if o.Metadata == nil {
		o.Metadata = Metadata{}
	}
	return &o, nil
}

func collectOrders(rows pgx.Rows) ([]*Order, error) {
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (*Order, error) {
		return scanOrder(row)
	})
}

func (s *PostgresStore) CreateOrder(ctx context.Context, o *Order) error {
	if o == nil || o.UserID == uuid.Nil || o.TransactionID == "" {
		return ErrInvalidOrder
	}
	if o.ID == uuid.Nil {
		o.ID = uuid.New()
	}
	if o.CreatedAt.IsZero() {
		o.CreatedAt = time.Now().UTC()
	}
	if o.UpdatedAt.IsZero() {
		o.UpdatedAt = o.CreatedAt
	}
	if o.Metadata == nil {
		o.Metadata = Metadata{}
	}

	_, err := s.db.Exec(ctx, `INSERT INTO orders (`+orderColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		o.ID, o.UserID, o.PackageID, o.Amount, o.Currency, o.TransactionID,
		o.Status, o.Type, o.Gateway, o.Metadata, o.CreatedAt, o.UpdatedAt)
	if pg.IsDuplicateKeyError(err) {
		return ErrDuplicateTransaction
	}
	if err != nil {
		return fmt.Errorf("insert order: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpdateOrder(ctx context.Context, o *Order) error {
	if o.UpdatedAt.IsZero() {
		o.UpdatedAt = time.Now().UTC()
	}
	tag, err := s.db.Exec(ctx, `UPDATE orders SET
			package_id = $2, amount = $3, currency = $4, transaction_id = $5,
			status = $6, order_type = $7, gateway = $8, metadata = $9, updated_at = $10
		WHERE id = $1`,
		o.ID, o.PackageID, o.Amount, o.Currency, o.TransactionID,
		o.Status, o.Type, o.Gateway, o.Metadata, o.UpdatedAt)
	if pg.IsDuplicateKeyError(err) {
		return ErrDuplicateTransaction
	}
	if err != nil {
		return fmt.Errorf("update order: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrOrderNotFound
	}
	return nil
}

func (s *PostgresStore) GetOrder(ctx context.Context, id uuid.UUID) (*Order, error) {
	return scanOrder(s.db.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1`, id))
}

func (s *PostgresStore) LockOrder(ctx context.Context, id uuid.UUID) (*Order, error) {
	return scanOrder(s.db.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1 FOR UPDATE`, id))
}

func (s *PostgresStore) GetOrderByTransactionID(ctx context.Context, transactionID string) (*Order, error) {
	return scanOrder(s.db.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE transaction_id = $1`, transactionID))
}

func (s *PostgresStore) FindOrders(ctx context.Context, f OrderFilter) ([]*Order, error) {
	var (
		where []string
		args  []any
	)
	add := func(cond string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}
	if f.UserID != uuid.Nil {
		add("user_id = $%d", f.UserID)
	}
	if f.PackageID != uuid.Nil {
		add("package_id = $%d", f.PackageID)
	}
	if f.Gateway != "" {
		add("lower(gateway) = lower($%d)", f.Gateway)
	}
	if len(f.Statuses) > 0 {
		statuses := make([]string, len(f.Statuses))
		for i, st := range f.Statuses {
			statuses[i] = string(st)
		}
		add("status = ANY($%d)", statuses)
	}
	if len(f.Types) > 0 {
		types := make([]string, len(f.Types))
		for i, tp := range f.Types {
			types[i] = string(tp)
		}
		add("order_type = ANY($%d)", types)
	}

	q := `SELECT ` + orderColumns + ` FROM orders`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY created_at DESC"
	if f.Limit > 0 {
		q += fmt.Sprintf(" LIMIT %d", f.Limit)
	}

	rows, err := s.db.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("find orders: %w", err)
	}
	return collectOrders(rows)
}

// downgradeDueAt mirrors Order.DowngradeDueAt; GREATEST skips a NULL next attempt.
const downgradeDueAt = `GREATEST((metadata->>'` + MetaScheduledActivationDate + `')::timestamptz,
		(metadata->>'` + MetaNextAttemptAt + `')::timestamptz)`

func (s *PostgresStore) ListDueDowngrades(ctx context.Context, now time.Time, limit int) ([]*Order, error) {
	q := `SELECT ` + orderColumns + ` FROM orders
		WHERE status = $1
		  AND COALESCE(metadata->>'` + MetaDowngradeProcessed + `', 'false') <> 'true'
		  AND metadata ? '` + MetaScheduledActivationDate + `'
		  AND ` + downgradeDueAt + ` <= $2
		ORDER BY ` + downgradeDueAt + `, created_at`
	if limit > 0 {
		q += fmt.Sprintf(" LIMIT %d", limit)
	}
	rows, err := s.db.Query(ctx, q, StatusScheduledDowngrade, now)
	if err != nil {
		return nil, fmt.Errorf("list due downgrades: %w", err)
	}
	return collectOrders(rows)
}

const licenseColumns = `id, user_id, license_key, package_id, subscription_id, gateway, activated_at, expires_at, is_active, is_upgrade_license, status, created_at, updated_at`

func scanLicense(row pgx.Row) (*UserLicense, error) {
	var l UserLicense
	err := row.Scan(&l.ID, &l.UserID, &l.LicenseKey, &l.PackageID, &l.SubscriptionID, &l.Gateway,
		&l.ActivatedAt, &l.ExpiresAt, &l.IsActive, &l.IsUpgradeLicense, &l.Status, &l.CreatedAt, &l.UpdatedAt)
	if err != nil {
		if pg.IsNotFoundError(err) {
			return nil, ErrLicenseNotFound
		}
		return nil, err
	}
	return &l, nil
}

func (s *PostgresStore) CreateLicense(ctx context.Context, l *UserLicense) error {
	if l.ID == uuid.Nil {
		l.ID = uuid.New()
	}
	if l.CreatedAt.IsZero() {
		l.CreatedAt = time.Now().UTC()
	}
	l.UpdatedAt = l.CreatedAt
	if l.Status == "" {
		l.Status = LicenseActive
	}
	_, err := s.db.Exec(ctx, `INSERT INTO user_licenses (`+licenseColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		l.ID, l.UserID, l.LicenseKey, l.PackageID, l.SubscriptionID, l.Gateway,
		l.ActivatedAt, l.ExpiresAt, l.IsActive, l.IsUpgradeLicense, l.Status, l.CreatedAt, l.UpdatedAt)
	if err != nil {
		if pg.IsDuplicateKeyError(err) {
			return errors.Join(ErrActiveLicenseExists, err)
		}
		return fmt.Errorf("insert user license: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpdateLicense(ctx context.Context, l *UserLicense) error {
	l.UpdatedAt = time.Now().UTC()
	tag, err := s.db.Exec(ctx, `UPDATE user_licenses SET
			license_key = $2, package_id = $3, subscription_id = $4, gateway = $5,
			activated_at = $6, expires_at = $7, is_active = $8, is_upgrade_license = $9,
			status = $10, updated_at = $11
		WHERE id = $1`,
		l.ID, l.LicenseKey, l.PackageID, l.SubscriptionID, l.Gateway,
		l.ActivatedAt, l.ExpiresAt, l.IsActive, l.IsUpgradeLicense, l.Status, l.UpdatedAt)
	if err != nil {
		if pg.IsDuplicateKeyError(err) {
			return errors.Join(ErrActiveLicenseExists, err)
		}
		return fmt.Errorf("update user license: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrLicenseNotFound
	}
	return nil
}

func (s *PostgresStore) GetLicense(ctx context.Context, id uuid.UUID) (*UserLicense, error) {
	return scanLicense(s.db.QueryRow(ctx, `SELECT `+licenseColumns+` FROM user_licenses WHERE id = $1`, id))
}

func (s *PostgresStore) GetActiveLicense(ctx context.Context, userID uuid.UUID) (*UserLicense, error) {
	return scanLicense(s.db.QueryRow(ctx, `SELECT `+licenseColumns+` FROM user_licenses
		WHERE user_id = $1 AND is_active
		ORDER BY activated_at DESC, created_at DESC LIMIT 1`, userID))
}

func (s *PostgresStore) FindLicenseBySubscriptionID(ctx context.Context, subscriptionID string) (*UserLicense, error) {
	if subscriptionID == "" {
		return nil, ErrLicenseNotFound
	}
	return scanLicense(s.db.QueryRow(ctx, `SELECT `+licenseColumns+` FROM user_licenses
		WHERE subscription_id = $1
		ORDER BY is_active DESC, created_at DESC LIMIT 1`, subscriptionID))
}

func (s *PostgresStore) ListLicenses(ctx context.Context, userID uuid.UUID) ([]*UserLicense, error) {
	rows, err := s.db.Query(ctx, `SELECT `+licenseColumns+` FROM user_licenses
		WHERE user_id = $1 ORDER BY created_at DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("list user licenses: %w", err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (*UserLicense, error) {
		return scanLicense(row)
	})
}

func (s *PostgresStore) DeactivateLicenses(ctx context.Context, userID, keep uuid.UUID, at time.Time) (int, error) {
	tag, err := s.db.Exec(ctx, `UPDATE user_licenses
		SET is_active = FALSE, status = $3, updated_at = $4
		WHERE user_id = $1 AND is_active AND id <> $2`,
		userID, keep, LicenseCancelled, at)
	if err != nil {
		return 0, fmt.Errorf("deactivate user licenses: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

const userColumns = `id, email, name, tenant_id, license_id, package_id, gateway, subscription_id, created_at, updated_at`

func scanUser(row pgx.Row) (*User, error) {
	var u User
	err := row.Scan(&u.ID, &u.Email, &u.Name, &u.TenantID, &u.LicenseID, &u.PackageID,
		&u.Gateway, &u.SubscriptionID, &u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		if pg.IsNotFoundError(err) {
			return nil, ErrUserNotFound
		}
		return nil, err
	}
	return &u, nil
}

func (s *PostgresStore) CreateUser(ctx context.Context, u *User) error {
	if u.ID == uuid.Nil {
		u.ID = uuid.New()
	}
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now().UTC()
	}
	u.UpdatedAt = u.CreatedAt
	_, err := s.db.Exec(ctx, `INSERT INTO users (`+userColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		u.ID, u.Email, u.Name, u.TenantID, u.LicenseID, u.PackageID,
		u.Gateway, u.SubscriptionID, u.CreatedAt, u.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert user: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpdateUser(ctx context.Context, u *User) error {
	u.UpdatedAt = time.Now().UTC()
	tag, err := s.db.Exec(ctx, `UPDATE users SET
			email = $2, name = $3, tenant_id = $4, license_id = $5, package_id = $6,
			gateway = $7, subscription_id = $8, updated_at = $9
		WHERE id = $1`,
		u.ID, u.Email, u.Name, u.TenantID, u.LicenseID, u.PackageID,
		u.Gateway, u.SubscriptionID, u.UpdatedAt)
	if err != nil {
		return fmt.Errorf("update user: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrUserNotFound
	}
	return nil
}

func (s *PostgresStore) GetUser(ctx context.Context, id uuid.UUID) (*User, error) {
	return scanUser(s.db.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, id))
}

func (s *PostgresStore) GetUserByEmail(ctx context.Context, email string) (*User, error) {
	return scanUser(s.db.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE lower(email) = lower($1)`,
		strings.TrimSpace(email)))
}

var (
	_ Store = (*PostgresStore)(nil)
	_ Store = (*MemoryStore)(nil)
	_ Store = (*memTx)(nil)
)

func (s *PostgresStore) LockUser(ctx context.Context, id uuid.UUID) (*User, error) {
	return scanUser(s.db.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1 FOR UPDATE`, id))
}
