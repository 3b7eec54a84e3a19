// Package ledger is the persistent record of purchase intents (orders),
// activated entitlements (user licenses) and the user fields the engine
// reads and maintains. All multi-step mutations go through Store.WithinTx.
package ledger

import (
	"slices"
	"time"

	"github.com/google/uuid"
)

// OrderStatus is the lifecycle state of an order.
type OrderStatus string

const (
	StatusPending            OrderStatus = "pending"
	StatusPendingUpgrade     OrderStatus = "pending_upgrade"
	StatusScheduledDowngrade OrderStatus = "scheduled_downgrade"
	StatusCompleted          OrderStatus = "completed"
	StatusCancelled          OrderStatus = "cancelled"
)

// OrderType is the kind of change an order represents.
type OrderType string

const (
	OrderTypeNew          OrderType = "new"
	OrderTypeUpgrade      OrderType = "upgrade"
	OrderTypeDowngrade    OrderType = "downgrade"
	OrderTypeCancellation OrderType = "cancellation"
	// OrderTypeRenewal records a recurring charge that extended a license.
	OrderTypeRenewal OrderType = "renewal"
)

// Guard vetoes a status change the transition table otherwise allows.
type Guard func(o *Order) bool

type transition struct {
	to     OrderStatus
	guards []Guard // all must pass
}

// transitions lists every allowed status change. A matured scheduled
// downgrade is not a transition: it stays scheduled_downgrade with
// downgrade_processed set, and the change is recorded as a new completed order.
var transitions = map[OrderStatus][]transition{
	StatusPending: {
		{to: StatusCompleted, guards: []Guard{hasLicense}},
		{to: StatusCancelled, guards: []Guard{unpaid}},
		{to: StatusScheduledDowngrade, guards: []Guard{isDowngrade, hasEffectiveDate}},
	},
	StatusPendingUpgrade: {
		{to: StatusCompleted, guards: []Guard{hasLicense}},
	},
	StatusScheduledDowngrade: {
		{to: StatusCancelled, guards: []Guard{notProcessed}},
	},
}

// A completed order names the license it activated.
func hasLicense(o *Order) bool { return o.Metadata.Get(MetaLicenseID) != "" }

// Money already taken is never silently dropped.
func unpaid(o *Order) bool { return !o.Metadata.Bool(MetaPaymentReceived) }

func isDowngrade(o *Order) bool { return o.Type == OrderTypeDowngrade }

func hasEffectiveDate(o *Order) bool {
	_, ok := o.ScheduledActivation()
	return ok
}

// A processed downgrade is history; the switch it caused is its own order.
func notProcessed(o *Order) bool { return !o.Metadata.Bool(MetaDowngradeProcessed) }

func findTransition(from, to OrderStatus) (transition, bool) {
	i := slices.IndexFunc(transitions[from], func(t transition) bool { return t.to == to })
	if i < 0 {
		return transition{}, false
	}
	return transitions[from][i], true
}

// CanTransition reports whether the table has an edge from one status to
// another. Guards are not evaluated; use Order.CanTransitionTo for that.
func CanTransition(from, to OrderStatus) bool {
	_, ok := findTransition(from, to)
	return ok
}

// IsTerminal reports whether no transition leaves s.
func (s OrderStatus) IsTerminal() bool {
	return len(transitions[s]) == 0
}

// Order is one purchase or plan-change intent.
type Order struct {
	ID            uuid.UUID
	UserID        uuid.UUID
	PackageID     uuid.UUID
	Amount        int64
	Currency      string
	TransactionID string // unique across all orders
	Status        OrderStatus
	Type          OrderType
	Gateway       string
	Metadata      Metadata
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// CanTransitionTo reports whether TransitionTo(to) would succeed.
func (o *Order) CanTransitionTo(to OrderStatus) bool {
	return o.checkTransition(to) == nil
}

func (o *Order) checkTransition(to OrderStatus) error {
	t, ok := findTransition(o.Status, to)
	if !ok {
		return &TransitionError{From: o.Status, To: to}
	}
	for _, guard := range t.guards {
		if !guard(o) {
			return &TransitionError{From: o.Status, To: to, Rejected: true}
		}
	}
	return nil
}

// TransitionTo moves the order to status to, or returns a *TransitionError
// when the table has no such edge or one of its guards fails.
func (o *Order) TransitionTo(to OrderStatus, at time.Time) error {
	if err := o.checkTransition(to); err != nil {
		return err
	}
	o.Status = to
	o.UpdatedAt = at
	return nil
}

// IsCompleted reports whether the order reached the completed state.
func (o *Order) IsCompleted() bool {
	return o.Status == StatusCompleted
}

// ScheduledActivation returns the effective date of a scheduled downgrade.
func (o *Order) ScheduledActivation() (time.Time, bool) {
	return o.Metadata.Time(MetaScheduledActivationDate)
}

// DowngradeDueAt is when a scheduled downgrade should next be looked at:
// its effective date, or next_attempt_at when that is later.
func (o *Order) DowngradeDueAt() (time.Time, bool) {
	at, ok := o.ScheduledActivation()
	if !ok {
		return time.Time{}, false
	}
	if next, ok := o.Metadata.Time(MetaNextAttemptAt); ok && next.After(at) {
		return next, true
	}
	return at, true
}

func (o *Order) clone() *Order {
	c := *o
	c.Metadata = o.Metadata.Clone()
	return &c
}
