package plans_test

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dev-geek/syntopia-v1-sub001/pkg/plans"
)

func testPackages() []plans.Package {
	return []plans.Package{
		{ID: uuid.New(), Name: "Pro", Price: 4900, Currency: "USD"},
		{ID: uuid.New(), Name: "Free", Price: 0, Currency: "USD", IsFree: true},
		{ID: uuid.New(), Name: "Starter", Price: 1900, Currency: "USD"},
		{ID: uuid.New(), Name: "Business", Price: 9900, Currency: "USD"},
	}
}

type failingSource struct{}

func (failingSource) Load(context.Context) ([]plans.Package, error) {
	return nil, errors.New("db down")
}

func TestCatalog_FindByName(t *testing.T) {
	t.Parallel()

	pkgs := testPackages()
	catalog, err := plans.NewCatalog(context.Background(), plans.NewInMemSource(pkgs...))
	require.NoError(t, err)

	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"exact", "Pro", "Pro"},
		{"lowercase", "pro", "Pro"},
		{"uppercase with spaces", "  BUSINESS ", "Business"},
		{"mixed case", "sTaRtEr", "Starter"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := catalog.FindByName(tt.input)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got.Name)
		})
	}

	t.Run("no partial matches", func(t *testing.T) {
		t.Parallel()
		_, err := catalog.FindByName("Pro Plan")
		assert.ErrorIs(t, err, plans.ErrPackageNotFound)
	})
}

func TestCatalog_FindByID(t *testing.T) {
	t.Parallel()

	pkgs := testPackages()
	catalog, err := plans.NewCatalog(context.Background(), plans.NewInMemSource(pkgs...))
	require.NoError(t, err)

	got, err := catalog.FindByID(pkgs[0].ID)
	require.NoError(t, err)
	assert.Equal(t, "Pro", got.Name)

	_, err = catalog.FindByID(uuid.New())
	assert.ErrorIs(t, err, plans.ErrPackageNotFound)
}

func TestCatalog_AllOrderedByPrice(t *testing.T) {
	t.Parallel()

	catalog, err := plans.NewCatalog(context.Background(), plans.NewInMemSource(testPackages()...))
	require.NoError(t, err)

	var names []string
	for _, p := range catalog.All() {
		names = append(names, p.Name)
	}
	assert.Equal(t, []string{"Free", "Starter", "Pro", "Business"}, names)
}

func TestNewCatalog_Validation(t *testing.T) {
	t.Parallel()

	t.Run("duplicate names ignoring case", func(t *testing.T) {
		t.Parallel()
		_, err := plans.NewCatalog(context.Background(), plans.NewInMemSource(
			plans.Package{ID: uuid.New(), Name: "Pro"},
			plans.Package{ID: uuid.New(), Name: "pro "},
		))
		assert.ErrorIs(t, err, plans.ErrDuplicatePackage)
	})

	t.Run("empty id", func(t *testing.T) {
		t.Parallel()
		_, err := plans.NewCatalog(context.Background(), plans.NewInMemSource(plans.Package{Name: "Pro"}))
		assert.ErrorIs(t, err, plans.ErrInvalidPackage)
	})

	t.Run("source failure", func(t *testing.T) {
		t.Parallel()
		_, err := plans.NewCatalog(context.Background(), failingSource{})
		assert.ErrorIs(t, err, plans.ErrFailedToLoadCatalog)
	})
}

func TestPackage_Direction(t *testing.T) {
	t.Parallel()

	starter := plans.Package{Name: "Starter", Price: 1900}
	pro := plans.Package{Name: "Pro", Price: 4900}

	assert.True(t, pro.IsUpgradeFrom(starter))
	assert.False(t, starter.IsUpgradeFrom(pro))
	assert.True(t, starter.IsDowngradeFrom(pro))
	assert.False(t, pro.IsDowngradeFrom(pro))
}
