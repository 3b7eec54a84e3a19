package inventory_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dev-geek/syntopia-v1-sub001/pkg/inventory"
)

func sampleOffers() []inventory.Offer {
	return []inventory.Offer{
		{SubscriptionName: "Free Trial", SubscriptionCode: "PKG-CL-OVS-01-T", Remaining: 9},
		{SubscriptionName: "Starter Monthly", SubscriptionCode: "PKG-CL-OVS-02-M", Remaining: 4},
		{SubscriptionName: "Pro", SubscriptionCode: "PKG-CL-OVS-03", Remaining: 5},
		{SubscriptionName: "Business Suite", SubscriptionCode: "PKG-CL-OVS-04-Y", Remaining: 2},
		{SubscriptionName: "Voice Pack", SubscriptionCode: "PKG-CL-ADD-VOICE", Remaining: 7},
	}
}

func TestNormalizePlanName(t *testing.T) {
	t.Parallel()

	tests := map[string]string{
		"Starter Plan":      "starter",
		"  starter  ":       "starter",
		"PRO-plan":          "pro",
		"Business   Plan  ": "business",
		"plan":              "plan",
		"Enterprise":        "enterprise",
		"Free Trial":        "free trial",
	}
	for in, want := range tests {
		t.Run(in, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, want, inventory.NormalizePlanName(in))
		})
	}
}

func TestDefaultAliases_Match(t *testing.T) {
	t.Parallel()

	table := inventory.DefaultAliases()
	offers := sampleOffers()

	tests := []struct {
		plan     string
		wantCode string
		found    bool
	}{
		{plan: "Starter Plan", wantCode: "PKG-CL-OVS-02-M", found: true},
		{plan: "starter", wantCode: "PKG-CL-OVS-02-M", found: true},
		{plan: "Basic", wantCode: "PKG-CL-OVS-02-M", found: true},
		{plan: "Pro", wantCode: "PKG-CL-OVS-03", found: true},
		{plan: "Professional plan", wantCode: "PKG-CL-OVS-03", found: true},
		{plan: "Team", wantCode: "PKG-CL-OVS-04-Y", found: true},
		{plan: "Trial", wantCode: "PKG-CL-OVS-01-T", found: true},
		{plan: "Add-ons", wantCode: "PKG-CL-ADD-VOICE", found: true},
		{plan: "Free", found: false},
		{plan: "Enterprise", found: false},
	}

	for _, tt := range tests {
		t.Run(tt.plan, func(t *testing.T) {
			t.Parallel()
			got, ok := table.Match(offers, tt.plan)
			require.Equal(t, tt.found, ok)
			if tt.found {
				assert.Equal(t, tt.wantCode, got.SubscriptionCode)
			}
		})
	}
}

func TestAliasTable_Precedence(t *testing.T) {
	t.Parallel()

	table := inventory.DefaultAliases()

	t.Run("exact name beats substring", func(t *testing.T) {
		t.Parallel()
		offers := []inventory.Offer{
			{SubscriptionName: "Pro Max", SubscriptionCode: "X-1", Remaining: 1},
			{SubscriptionName: "Pro Plan", SubscriptionCode: "X-2", Remaining: 1},
		}
		got, ok := table.Match(offers, "pro")
		require.True(t, ok)
		assert.Equal(t, "X-2", got.SubscriptionCode)
	})

	t.Run("code prefix used when no name matches", func(t *testing.T) {
		t.Parallel()
		offers := []inventory.Offer{
			{SubscriptionName: "Bundle A", SubscriptionCode: "PKG-CL-OVS-05-Y", Remaining: 1},
		}
		got, ok := table.Match(offers, "Enterprise")
		require.True(t, ok)
		assert.Equal(t, "PKG-CL-OVS-05-Y", got.SubscriptionCode)
	})

	t.Run("exact code beats prefix", func(t *testing.T) {
		t.Parallel()
		custom := inventory.MustAliasTable(inventory.PlanAlias{
			Key:          "starter",
			Codes:        []string{"pkg-exact"},
			CodePrefixes: []string{"PKG-"},
		})
		offers := []inventory.Offer{
			{SubscriptionName: "A", SubscriptionCode: "PKG-OTHER", Remaining: 1},
			{SubscriptionName: "B", SubscriptionCode: "PKG-EXACT", Remaining: 1},
		}
		got, ok := custom.Match(offers, "starter")
		require.True(t, ok)
		assert.Equal(t, "PKG-EXACT", got.SubscriptionCode)
	})

	t.Run("never substitutes another plan", func(t *testing.T) {
		t.Parallel()
		offers := []inventory.Offer{
			{SubscriptionName: "Pro", SubscriptionCode: "PKG-CL-OVS-03", Remaining: 3},
			{SubscriptionName: "Business", SubscriptionCode: "PKG-CL-OVS-04", Remaining: 3},
		}
		_, ok := table.Match(offers, "Starter")
		assert.False(t, ok)
	})

	t.Run("unknown plan matches by its own name", func(t *testing.T) {
		t.Parallel()
		offers := []inventory.Offer{{SubscriptionName: "Studio Unlimited", SubscriptionCode: "S-1", Remaining: 1}}
		got, ok := table.Match(offers, "Studio")
		require.True(t, ok)
		assert.Equal(t, "S-1", got.SubscriptionCode)
	})
}

func TestNewAliasTable_RejectsSharedNames(t *testing.T) {
	t.Parallel()

	_, err := inventory.NewAliasTable(
		inventory.PlanAlias{Key: "pro", Names: []string{"premium"}},
		inventory.PlanAlias{Key: "business", Names: []string{"Premium Plan"}},
	)
	require.ErrorIs(t, err, inventory.ErrInvalidAliasTable)

	_, err = inventory.NewAliasTable(inventory.PlanAlias{Key: "  "})
	require.ErrorIs(t, err, inventory.ErrInvalidAliasTable)
}

func TestLoadAliases(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "aliases.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`plans:
  - key: starter
    names: [basic, "entry level"]
    code_prefixes: [PKG-CL-OVS-02]
  - key: pro
    codes: [PKG-PRO-1]
`), 0o600))

	table, err := inventory.LoadAliases(path)
	require.NoError(t, err)

	got, ok := table.Match([]inventory.Offer{{SubscriptionName: "Entry Level", SubscriptionCode: "Z", Remaining: 1}}, "starter")
	require.True(t, ok)
	assert.Equal(t, "Z", got.SubscriptionCode)

	_, err = inventory.LoadAliases(filepath.Join(dir, "missing.yaml"))
	require.ErrorIs(t, err, inventory.ErrInvalidAliasTable)

	empty := filepath.Join(dir, "empty.yaml")
	require.NoError(t, os.WriteFile(empty, []byte("plans: []\n"), 0o600))
	_, err = inventory.LoadAliases(empty)
	require.ErrorIs(t, err, inventory.ErrInvalidAliasTable)
}
