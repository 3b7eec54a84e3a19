// Package plans holds the read-only catalog of purchasable packages.
// Packages are seeded and administered outside the engine; the catalog only
// answers lookups by name or id.
package plans

import (
	"strings"

	"github.com/google/uuid"
	"golang.org/x/text/cases"
)

// Package is an immutable plan definition.
type Package struct {
	ID       uuid.UUID
	Name     string // unique, case-insensitive
	Price    int64  // minor currency units
	Currency string // ISO 4217
	IsFree   bool
}

// IsUpgradeFrom reports whether moving from current to p raises the price.
func (p Package) IsUpgradeFrom(current Package) bool {
	return p.Price > current.Price
}

// IsDowngradeFrom reports whether moving from current to p lowers the price.
func (p Package) IsDowngradeFrom(current Package) bool {
	return p.Price < current.Price
}

// NormalizeName returns the lookup key for a package name: trimmed and
// case-folded. A Caser is stateful, so one is built per call.
func NormalizeName(name string) string {
	return cases.Fold().String(strings.TrimSpace(name))
}
