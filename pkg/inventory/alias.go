package inventory

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Offer is one inventory entry with licenses left for a named plan.
type Offer struct {
	SubscriptionName string `json:"subscriptionName"`
	SubscriptionCode string `json:"subscriptionCode"`
	Remaining        int    `json:"remaining"`
}

// PlanAlias maps a canonical plan key to the ways the inventory may name it.
// Names and the key are compared after NormalizePlanName.
type PlanAlias struct {
	Key          string   `yaml:"key"`
	Names        []string `yaml:"names"`
	Codes        []string `yaml:"codes"`
	CodePrefixes []string `yaml:"code_prefixes"`
}

// AliasTable resolves plan names to inventory offers. It is immutable.
type AliasTable struct {
	aliases []PlanAlias
	byName  map[string]int
}

// NewAliasTable validates and indexes aliases. Keys and names must be
// unique across the whole table.
func NewAliasTable(aliases ...PlanAlias) (*AliasTable, error) {
	t := &AliasTable{byName: make(map[string]int)}
	for _, a := range aliases {
		key := NormalizePlanName(a.Key)
		if key == "" {
			return nil, errors.Join(ErrInvalidAliasTable, errors.New("empty alias key"))
		}
		norm := PlanAlias{Key: key}
		for _, n := range append([]string{key}, a.Names...) {
			n = NormalizePlanName(n)
			if n == "" {
				continue
			}
			if owner, ok := t.byName[n]; ok && owner != len(t.aliases) {
				return nil, errors.Join(ErrInvalidAliasTable,
					fmt.Errorf("name %q claimed by %q and %q", n, t.aliases[owner].Key, key))
			}
			if _, ok := t.byName[n]; !ok {
				norm.Names = append(norm.Names, n)
			}
			t.byName[n] = len(t.aliases)
		}
		for _, c := range a.Codes {
			if c = strings.TrimSpace(c); c != "" {
				norm.Codes = append(norm.Codes, strings.ToUpper(c))
			}
		}
		for _, p := range a.CodePrefixes {
			if p = strings.TrimSpace(p); p != "" {
				norm.CodePrefixes = append(norm.CodePrefixes, strings.ToUpper(p))
			}
		}
		t.aliases = append(t.aliases, norm)
	}
	return t, nil
}

// MustAliasTable is NewAliasTable that panics on an invalid table.
func MustAliasTable(aliases ...PlanAlias) *AliasTable {
	t, err := NewAliasTable(aliases...)
	if err != nil {
		panic(err)
	}
	return t
}

// DefaultAliases returns the built-in table. Tests pin it; change it only
// together with the inventory's plan naming.
func DefaultAliases() *AliasTable {
	return MustAliasTable(
		PlanAlias{Key: "free", CodePrefixes: []string{"PKG-CL-OVS-00"}},
		PlanAlias{Key: "trial", Names: []string{"free trial"}, CodePrefixes: []string{"PKG-CL-OVS-01"}},
		PlanAlias{Key: "starter", Names: []string{"basic"}, CodePrefixes: []string{"PKG-CL-OVS-02"}},
		PlanAlias{Key: "pro", Names: []string{"professional"}, CodePrefixes: []string{"PKG-CL-OVS-03"}},
		PlanAlias{Key: "business", Names: []string{"team"}, CodePrefixes: []string{"PKG-CL-OVS-04"}},
		PlanAlias{Key: "enterprise", CodePrefixes: []string{"PKG-CL-OVS-05"}},
		PlanAlias{Key: "add-ons", Names: []string{"add-on", "addon", "addons", "add ons"}, CodePrefixes: []string{"PKG-CL-ADD-"}},
	)
}

type aliasFile struct {
	Plans []PlanAlias `yaml:"plans"`
}

// LoadAliases reads a YAML alias table:
//
//	plans:
//	  - key: starter
//	    names: [basic]
//	    code_prefixes: [PKG-CL-OVS-02]
func LoadAliases(path string) (*AliasTable, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Join(ErrInvalidAliasTable, err)
	}
	var f aliasFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, errors.Join(ErrInvalidAliasTable, err)
	}
	if len(f.Plans) == 0 {
		return nil, errors.Join(ErrInvalidAliasTable, errors.New("no plans defined"))
	}
	return NewAliasTable(f.Plans...)
}

// NormalizePlanName lowercases, trims, collapses whitespace and strips a
// trailing " plan" or "-plan".
func NormalizePlanName(name string) string {
	n := strings.Join(strings.Fields(strings.ToLower(name)), " ")
	for _, suffix := range []string{" plan", "-plan"} {
		if strings.HasSuffix(n, suffix) && len(n) > len(suffix) {
			n = strings.TrimSpace(strings.TrimSuffix(n, suffix))
			break
		}
	}
	return n
}

// Lookup returns the alias for a plan name. Names outside the table get an
// ad hoc alias whose only name is the normalized input.
func (t *AliasTable) Lookup(planName string) PlanAlias {
	n := NormalizePlanName(planName)
	if i, ok := t.byName[n]; ok {
		return t.aliases[i]
	}
	return PlanAlias{Key: n, Names: []string{n}}
}

// Match picks the offer for planName. Precedence, each pass over offers in
// inventory order: exact name alias, substring name alias, exact code,
// code prefix. Offers whose name is an exact alias of another plan are
// skipped by the substring pass so "free" never lands on "Free Trial".
func (t *AliasTable) Match(offers []Offer, planName string) (Offer, bool) {
	alias := t.Lookup(planName)
	if alias.Key == "" {
		return Offer{}, false
	}

	for _, o := range offers {
		name := NormalizePlanName(o.SubscriptionName)
		for _, n := range alias.Names {
			if name == n {
				return o, true
			}
		}
	}

	for _, o := range offers {
		name := NormalizePlanName(o.SubscriptionName)
		if owner, ok := t.byName[name]; ok && t.aliases[owner].Key != alias.Key {
			continue
		}
		for _, n := range alias.Names {
			if strings.Contains(name, n) {
				return o, true
			}
		}
	}

	for _, o := range offers {
		code := strings.ToUpper(strings.TrimSpace(o.SubscriptionCode))
		for _, c := range alias.Codes {
			if code == c {
				return o, true
			}
		}
	}

	for _, o := range offers {
		code := strings.ToUpper(strings.TrimSpace(o.SubscriptionCode))
		for _, p := range alias.CodePrefixes {
			if strings.HasPrefix(code, p) {
				return o, true
			}
		}
	}

	return Offer{}, false
}
