package plans

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/google/uuid"
)

// Source loads package definitions.
type Source interface {
	Load(ctx context.Context) ([]Package, error)
}

// Catalog is an in-memory index over the packages returned by a Source.
// It is safe for concurrent use because it is never mutated after NewCatalog.
type Catalog struct {
	ordered []Package
	byName  map[string]Package
	byID    map[uuid.UUID]Package
}

// NewCatalog loads and validates packages from src.
func NewCatalog(ctx context.Context, src Source) (*Catalog, error) {
	if src == nil {
		panic("plans: Source is required")
	}

	pkgs, err := src.Load(ctx)
	if err != nil {
		return nil, errors.Join(ErrFailedToLoadCatalog, err)
	}

	c := &Catalog{
		ordered: make([]Package, 0, len(pkgs)),
		byName:  make(map[string]Package, len(pkgs)),
		byID:    make(map[uuid.UUID]Package, len(pkgs)),
	}

	for _, p := range pkgs {
		key := NormalizeName(p.Name)
		if key == "" || p.ID == uuid.Nil {
			return nil, errors.Join(ErrInvalidPackage, fmt.Errorf("package %q has empty name or id", p.Name))
		}
		if p.Price < 0 {
			return nil, errors.Join(ErrInvalidPackage, fmt.Errorf("package %q has negative price", p.Name))
		}
		if _, dup := c.byName[key]; dup {
			return nil, errors.Join(ErrDuplicatePackage, fmt.Errorf("package name %q", p.Name))
		}
		c.byName[key] = p
		c.byID[p.ID] = p
		c.ordered = append(c.ordered, p)
	}

	slices.SortStableFunc(c.ordered, func(a, b Package) int {
		switch {
		case a.Price < b.Price:
			return -1
		case a.Price > b.Price:
			return 1
		}
		return 0
	})

	return c, nil
}

// FindByName returns the package whose name equals name after trimming,
// ignoring case.
func (c *Catalog) FindByName(name string) (Package, error) {
	p, ok := c.byName[NormalizeName(name)]
	if !ok {
		return Package{}, ErrPackageNotFound
	}
	return p, nil
}

func (c *Catalog) FindByID(id uuid.UUID) (Package, error) {
	p, ok := c.byID[id]
	if !ok {
		return Package{}, ErrPackageNotFound
	}
	return p, nil
}

// All returns every package ordered by ascending price.
func (c *Catalog) All() []Package {
	return slices.Clone(c.ordered)
}
