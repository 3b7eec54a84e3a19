package plans

import (
	"context"
	"slices"

	"github.com/jackc/pgx/v5"
)

type inMemSource struct {
	pkgs []Package
}

// NewInMemSource returns a Source over a copy of pkgs.
func NewInMemSource(pkgs ...Package) Source {
	return &inMemSource{pkgs: slices.Clone(pkgs)}
}

func (s *inMemSource) Load(context.Context) ([]Package, error) {
	return slices.Clone(s.pkgs), nil
}

// Querier is the subset of pgxpool.Pool the Postgres source needs.
type Querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

type postgresSource struct {
	db Querier
}

// NewPostgresSource loads packages from the packages table.
func NewPostgresSource(db Querier) Source {
	return &postgresSource{db: db}
}

const selectPackages = `SELECT id, name, price, currency, is_free FROM packages ORDER BY price, name`

func (s *postgresSource) Load(ctx context.Context) ([]Package, error) {
	rows, err := s.db.Query(ctx, selectPackages)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (Package, error) {
		var p Package
		err := row.Scan(&p.ID, &p.Name, &p.Price, &p.Currency, &p.IsFree)
		return p, err
	})
}
