package ledger

import (
	"context"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore keeps the ledger in process memory. Transactions run on a
// snapshot that replaces the live data only when fn succeeds, and the store
// mutex is held for the whole transaction, so transactions are serialized.
type MemoryStore struct {
	mu   sync.Mutex
	data *memData
	now  func() time.Time
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: newMemData(), now: time.Now}
}

// SetClock overrides the time source used for CreatedAt defaults.
func (s *MemoryStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

func (s *MemoryStore) WithinTx(ctx context.Context, fn func(ctx context.Context, tx Store) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	snapshot := s.data.clone()
	if err := fn(ctx, &memTx{data: snapshot, now: s.now}); err != nil {
		return err
	}
	s.data = snapshot
	return nil
}

func (s *MemoryStore) do(fn func(tx *memTx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fn(&memTx{data: s.data, now: s.now})
}

func (s *MemoryStore) CreateOrder(ctx context.Context, o *Order) error {
	return s.do(func(tx *memTx) error { return tx.CreateOrder(ctx, o) })
}

func (s *MemoryStore) UpdateOrder(ctx context.Context, o *Order) error {
	return s.do(func(tx *memTx) error { return tx.UpdateOrder(ctx, o) })
}

func (s *MemoryStore) GetOrder(ctx context.Context, id uuid.UUID) (o *Order, err error) {
	err = s.do(func(tx *memTx) error { o, err = tx.GetOrder(ctx, id); return err })
	return o, err
}

func (s *MemoryStore) LockOrder(ctx context.Context, id uuid.UUID) (*Order, error) {
	return s.GetOrder(ctx, id)
}

func (s *MemoryStore) GetOrderByTransactionID(ctx context.Context, transactionID string) (o *Order, err error) {
	err = s.do(func(tx *memTx) error { o, err = tx.GetOrderByTransactionID(ctx, transactionID); return err })
	return o, err
}

func (s *MemoryStore) FindOrders(ctx context.Context, f OrderFilter) (out []*Order, err error) {
	err = s.do(func(tx *memTx) error { out, err = tx.FindOrders(ctx, f); return err })
	return out, err
}

func (s *MemoryStore) ListDueDowngrades(ctx context.Context, now time.Time, limit int) (out []*Order, err error) {
	err = s.do(func(tx *memTx) error { out, err = tx.ListDueDowngrades(ctx, now, limit); return err })
	return out, err
}

func (s *MemoryStore) CreateLicense(ctx context.Context, l *UserLicense) error {
	return s.do(func(tx *memTx) error { return tx.CreateLicense(ctx, l) })
}

func (s *MemoryStore) UpdateLicense(ctx context.Context, l *UserLicense) error {
	return s.do(func(tx *memTx) error { return tx.UpdateLicense(ctx, l) })
}

func (s *MemoryStore) GetLicense(ctx context.Context, id uuid.UUID) (l *UserLicense, err error) {
	err = s.do(func(tx *memTx) error { l, err = tx.GetLicense(ctx, id); return err })
	return l, err
}

func (s *MemoryStore) GetActiveLicense(ctx context.Context, userID uuid.UUID) (l *UserLicense, err error) {
	err = s.do(func(tx *memTx) error { l, err = tx.GetActiveLicense(ctx, userID); return err })
	return l, err
}

func (s *MemoryStore) FindLicenseBySubscriptionID(ctx context.Context, subscriptionID string) (l *UserLicense, err error) {
	err = s.do(func(tx *memTx) error { l, err = tx.FindLicenseBySubscriptionID(ctx, subscriptionID); return err })
	return l, err
}

func (s *MemoryStore) ListLicenses(ctx context.Context, userID uuid.UUID) (out []*UserLicense, err error) {
	err = s.do(func(tx *memTx) error { out, err = tx.ListLicenses(ctx, userID); return err })
	return out, err
}

func (s *MemoryStore) DeactivateLicenses(ctx context.Context, userID, keep uuid.UUID, at time.Time) (n int, err error) {
	err = s.do(func(tx *memTx) error { n, err = tx.DeactivateLicenses(ctx, userID, keep, at); return err })
	return n, err
}

func (s *MemoryStore) CreateUser(ctx context.Context, u *User) error {
	return s.do(func(tx *memTx) error { return tx.CreateUser(ctx, u) })
}

func (s *MemoryStore) UpdateUser(ctx context.Context, u *User) error {
	return s.do(func(tx *memTx) error { return tx.UpdateUser(ctx, u) })
}

func (s *MemoryStore) GetUser(ctx context.Context, id uuid.UUID) (u *User, err error) {
	err = s.do(func(tx *memTx) error { u, err = tx.GetUser(ctx, id); return err })
	return u, err
}

// LockUser is GetUser: memory transactions already run one at a time.
func (s *MemoryStore) LockUser(ctx context.Context, id uuid.UUID) (u *User, err error) {
	err = s.do(func(tx *memTx) error { u, err = tx.LockUser(ctx, id); return err })
	return u, err
}

func (s *MemoryStore) GetUserByEmail(ctx context.Context, email string) (u *User, err error) {
	err = s.do(func(tx *memTx) error { u, err = tx.GetUserByEmail(ctx, email); return err })
	return u, err
}

type memData struct {
	orders   map[uuid.UUID]*Order
	licenses map[uuid.UUID]*UserLicense
	users    map[uuid.UUID]*User
	seq      map[uuid.UUID]int64 // insertion order, breaks CreatedAt ties
	next     int64
}

func newMemData() *memData {
	return &memData{
		orders:   make(map[uuid.UUID]*Order),
		licenses: make(map[uuid.UUID]*UserLicense),
		users:    make(map[uuid.UUID]*User),
		seq:      make(map[uuid.UUID]int64),
	}
}

func (d *memData) clone() *memData {
	c := &memData{
		orders:   make(map[uuid.UUID]*Order, len(d.orders)),
		licenses: make(map[uuid.UUID]*UserLicense, len(d.licenses)),
		users:    make(map[uuid.UUID]*User, len(d.users)),
		seq:      make(map[uuid.UUID]int64, len(d.seq)),
		next:     d.next,
	}
	for k, v := range d.orders {
		c.orders[k] = v.clone()
	}
	for k, v := range d.licenses {
		c.licenses[k] = v.clone()
	}
	for k, v := range d.users {
		c.users[k] = v.clone()
	}
	for k, v := range d.seq {
		c.seq[k] = v
	}
	return c
}

func (d *memData) stamp(id uuid.UUID) {
	d.next++
	d.seq[id] = d.next
}

// memTx operates directly on one memData; MemoryStore decides whether that
// is the live data or a transaction snapshot.
type memTx struct {
	data *memData
	now  func() time.Time
}

func (t *memTx) WithinTx(ctx context.Context, fn func(ctx context.Context, tx Store) error) error {
	return fn(ctx, t)
}

func (t *memTx) CreateOrder(_ context.Context, o *Order) error {
	if o == nil || o.UserID == uuid.Nil || o.TransactionID == "" {
		return ErrInvalidOrder
	}
	for _, existing := range t.data.orders {
		if existing.TransactionID == o.TransactionID {
			return ErrDuplicateTransaction
		}
	}
	if o.ID == uuid.Nil {
		o.ID = uuid.New()
	}
	now := t.now()
	if o.CreatedAt.IsZero() {
		o.CreatedAt = now
	}
	if o.UpdatedAt.IsZero() {
		o.UpdatedAt = o.CreatedAt
	}
	if o.Metadata == nil {
		o.Metadata = Metadata{}
	}
	t.data.orders[o.ID] = o.clone()
	t.data.stamp(o.ID)
	return nil
}

func (t *memTx) UpdateOrder(_ context.Context, o *Order) error {
	current, ok := t.data.orders[o.ID]
	if !ok {
		return ErrOrderNotFound
	}
	if current.TransactionID != o.TransactionID {
		for id, existing := range t.data.orders {
			if id != o.ID && existing.TransactionID == o.TransactionID {
				return ErrDuplicateTransaction
			}
		}
	}
	if o.UpdatedAt.IsZero() {
		o.UpdatedAt = t.now()
	}
	t.data.orders[o.ID] = o.clone()
	return nil
}

func (t *memTx) GetOrder(_ context.Context, id uuid.UUID) (*Order, error) {
	o, ok := t.data.orders[id]
	if !ok {
		return nil, ErrOrderNotFound
	}
	return o.clone(), nil
}

func (t *memTx) LockOrder(ctx context.Context, id uuid.UUID) (*Order, error) {
	return t.GetOrder(ctx, id)
}

func (t *memTx) GetOrderByTransactionID(_ context.Context, transactionID string) (*Order, error) {
	for _, o := range t.data.orders {
		if o.TransactionID == transactionID {
			return o.clone(), nil
		}
	}
	return nil, ErrOrderNotFound
}

func (t *memTx) FindOrders(_ context.Context, f OrderFilter) ([]*Order, error) {
	var out []*Order
	for _, o := range t.data.orders {
		if f.UserID != uuid.Nil && o.UserID != f.UserID {
			continue
		}
		if f.PackageID != uuid.Nil && o.PackageID != f.PackageID {
			continue
		}
		if f.Gateway != "" && !strings.EqualFold(o.Gateway, f.Gateway) {
			continue
		}
		if len(f.Statuses) > 0 && !slices.Contains(f.Statuses, o.Status) {
			continue
		}
		if len(f.Types) > 0 && !slices.Contains(f.Types, o.Type) {
			continue
		}
		out = append(out, o.clone())
	}
	slices.SortFunc(out, func(a, b *Order) int {
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		return int(t.data.seq[b.ID] - t.data.seq[a.ID])
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (t *memTx) ListDueDowngrades(_ context.Context, now time.Time, limit int) ([]*Order, error) {
	var out []*Order
	for _, o := range t.data.orders {
		if o.Status != StatusScheduledDowngrade || o.Metadata.Bool(MetaDowngradeProcessed) {
			continue
		}
		at, ok := o.DowngradeDueAt()
		if !ok || at.After(now) {
			continue
		}
		out = append(out, o.clone())
	}
	slices.SortFunc(out, func(a, b *Order) int {
		at, _ := a.DowngradeDueAt()
		bt, _ := b.DowngradeDueAt()
		if c := at.Compare(bt); c != 0 {
			return c
		}
		return int(t.data.seq[a.ID] - t.data.seq[b.ID])
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (t *memTx) CreateLicense(_ context.Context, l *UserLicense) error {
	if l.ID == uuid.Nil {
		l.ID = uuid.New()
	}
	now := t.now()
	if l.CreatedAt.IsZero() {
		l.CreatedAt = now
	}
	l.UpdatedAt = l.CreatedAt
	if l.Status == "" {
		l.Status = LicenseActive
	}
	if t.otherActive(l) {
		return ErrActiveLicenseExists
	}
	t.data.licenses[l.ID] = l.clone()
	t.data.stamp(l.ID)
	return nil
}

func (t *memTx) UpdateLicense(_ context.Context, l *UserLicense) error {
	if _, ok := t.data.licenses[l.ID]; !ok {
		return ErrLicenseNotFound
	}
	if t.otherActive(l) {
		return ErrActiveLicenseExists
	}
	l.UpdatedAt = t.now()
	t.data.licenses[l.ID] = l.clone()
	return nil
}

// otherActive mirrors the partial unique index on active licenses.
func (t *memTx) otherActive(l *UserLicense) bool {
	if !l.IsActive {
		return false
	}
	for id, other := range t.data.licenses {
		if id != l.ID && other.UserID == l.UserID && other.IsActive {
			return true
		}
	}
	return false
}

func (t *memTx) GetLicense(_ context.Context, id uuid.UUID) (*UserLicense, error) {
	l, ok := t.data.licenses[id]
	if !ok {
		return nil, ErrLicenseNotFound
	}
	return l.clone(), nil
}

func (t *memTx) GetActiveLicense(_ context.Context, userID uuid.UUID) (*UserLicense, error) {
	var best *UserLicense
	for _, l := range t.data.licenses {
		if l.UserID != userID || !l.IsActive {
			continue
		}
		if best == nil || l.ActivatedAt.After(best.ActivatedAt) ||
			(l.ActivatedAt.Equal(best.ActivatedAt) && t.data.seq[l.ID] > t.data.seq[best.ID]) {
			best = l
		}
	}
	if best == nil {
		return nil, ErrLicenseNotFound
	}
	return best.clone(), nil
}

func (t *memTx) FindLicenseBySubscriptionID(_ context.Context, subscriptionID string) (*UserLicense, error) {
	var best *UserLicense
	for _, l := range t.data.licenses {
		if subscriptionID == "" || l.SubscriptionID != subscriptionID {
			continue
		}
		if best == nil {
			best = l
			continue
		}
		newer := t.data.seq[l.ID] > t.data.seq[best.ID]
		if (l.IsActive && !best.IsActive) || (l.IsActive == best.IsActive && newer) {
			best = l
		}
	}
	if best == nil {
		return nil, ErrLicenseNotFound
	}
	return best.clone(), nil
}

func (t *memTx) ListLicenses(_ context.Context, userID uuid.UUID) ([]*UserLicense, error) {
	var out []*UserLicense
	for _, l := range t.data.licenses {
		if l.UserID == userID {
			out = append(out, l.clone())
		}
	}
	slices.SortFunc(out, func(a, b *UserLicense) int {
		return int(t.data.seq[b.ID] - t.data.seq[a.ID])
	})
	return out, nil
}

func (t *memTx) DeactivateLicenses(_ context.Context, userID, keep uuid.UUID, at time.Time) (int, error) {
	n := 0
	for id, l := range t.data.licenses {
		if l.UserID != userID || !l.IsActive || id == keep {
			continue
		}
		l.IsActive = false
		l.Status = LicenseCancelled
		l.UpdatedAt = at
		n++
	}
	return n, nil
}

func (t *memTx) CreateUser(_ context.Context, u *User) error {
	if u.ID == uuid.Nil {
		u.ID = uuid.New()
	}
	now := t.now()
	if u.CreatedAt.IsZero() {
		u.CreatedAt = now
	}
	u.UpdatedAt = u.CreatedAt
	t.data.users[u.ID] = u.clone()
	return nil
}

func (t *memTx) UpdateUser(_ context.Context, u *User) error {
	if _, ok := t.data.users[u.ID]; !ok {
		return ErrUserNotFound
	}
	u.UpdatedAt = t.now()
	t.data.users[u.ID] = u.clone()
	return nil
}

func (t *memTx) GetUser(_ context.Context, id uuid.UUID) (*User, error) {
	u, ok := t.data.users[id]
	if !ok {
		return nil, ErrUserNotFound
	}
	return u.clone(), nil
}

func (t *memTx) LockUser(ctx context.Context, id uuid.UUID) (*User, error) {
	return t.GetUser(ctx, id)
}

func (t *memTx) GetUserByEmail(_ context.Context, email string) (*User, error) {
	for _, u := range t.data.users {
		if strings.EqualFold(u.Email, strings.TrimSpace(email)) {
			return u.clone(), nil
		}
	}
	return nil, ErrUserNotFound
}
