package gateway_test

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/dev-geek/syntopia-v1-sub001/pkg/gateway"
	"github.com/dev-geek/syntopia-v1-sub001/pkg/inventory"
	"github.com/dev-geek/syntopia-v1-sub001/pkg/ledger"
	"github.com/dev-geek/syntopia-v1-sub001/pkg/plans"
)

const testSecret = "whsec_test"

var fixedNow = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

type stubTenants struct {
	id    string
	err   error
	calls atomic.Int32
}

func (s *stubTenants) AssignTenant(context.Context, *ledger.User) (string, error) {
	s.calls.Add(1)
	return s.id, s.err
}

type stubLicenses struct {
	offer inventory.Offer
	err   error
}

func (s *stubLicenses) ResolvePlanLicense(context.Context, string, string, bool) (inventory.Offer, error) {
	if s.err != nil {
		return inventory.Offer{}, s.err
	}
	return s.offer, nil
}

func okLicenses() *stubLicenses {
	return &stubLicenses{offer: inventory.Offer{SubscriptionName: "Pro", SubscriptionCode: "PKG-CL-OVS-03", Remaining: 4}}
}

func testDeps(tenants gateway.TenantAssigner, licenses gateway.LicenseResolver) gateway.Dependencies {
	return gateway.Dependencies{
		Tenants:             tenants,
		Licenses:            licenses,
		Now:                 func() time.Time { return fixedNow },
		TenantRetryInterval: time.Millisecond,
	}
}

func testURLs() gateway.URLs {
	return gateway.URLs{
		Success: "https://app.example.com/payments/success",
		Cancel:  "https://app.example.com/pricing",
	}
}

func testUser() *ledger.User {
	return &ledger.User{
		ID:       uuid.MustParse("8a4c2f56-2f1e-4b8e-9d5c-0c7e0c1c2a11"),
		Email:    "ada@example.com",
		Name:     "Ada Lovelace",
		TenantID: "tenant-1",
	}
}

func proPackage() plans.Package {
	return plans.Package{
		ID:       uuid.MustParse("5d2b7c1e-77a3-4d0b-8f6e-5c1a3f9b8e22"),
		Name:     "Pro",
		Price:    4900,
		Currency: "USD",
	}
}

func freePackage() plans.Package {
	return plans.Package{
		ID:     uuid.MustParse("0b9e3c55-1a2f-4e7d-9c3b-6d4f2a1e8c33"),
		Name:   "Free",
		IsFree: true,
	}
}

var errBoom = errors.New("boom")
