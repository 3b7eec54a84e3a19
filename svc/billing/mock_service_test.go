package billing_test

import (
	"context"

	"github.com/google/uuid"
	"github.com/stretchr/testify/mock"

	"github.com/dev-geek/syntopia-v1-sub001/pkg/activation"
	"github.com/dev-geek/syntopia-v1-sub001/pkg/gateway"
	"github.com/dev-geek/syntopia-v1-sub001/pkg/subscription"
)

type mockService struct {
	mock.Mock
}

func (m *mockService) CreateCheckout(ctx context.Context, in subscription.CheckoutInput) (*subscription.CheckoutResult, error) {
	args := m.Called(ctx, in)
	res, _ := args.Get(0).(*subscription.CheckoutResult)
	return res, args.Error(1)
}

func (m *mockService) CreateUpgradeCheckout(ctx context.Context, in subscription.CheckoutInput) (*subscription.CheckoutResult, error) {
	args := m.Called(ctx, in)
	res, _ := args.Get(0).(*subscription.CheckoutResult)
	return res, args.Error(1)
}

func (m *mockService) CreateDowngradeCheckout(ctx context.Context, in subscription.CheckoutInput) (*subscription.DowngradeResult, error) {
	args := m.Called(ctx, in)
	res, _ := args.Get(0).(*subscription.DowngradeResult)
	return res, args.Error(1)
}

func (m *mockService) HandleSuccessCallback(ctx context.Context, cb subscription.SuccessCallback) (*subscription.Result, error) {
	args := m.Called(ctx, cb)
	res, _ := args.Get(0).(*subscription.Result)
	return res, args.Error(1)
}

func (m *mockService) HandleWebhook(ctx context.Context, gatewayName string, req gateway.WebhookRequest) ([]subscription.Result, error) {
	args := m.Called(ctx, gatewayName, req)
	res, _ := args.Get(0).([]subscription.Result)
	return res, args.Error(1)
}

func (m *mockService) CancelSubscription(ctx context.Context, in subscription.CancelInput) (*subscription.CancelResult, error) {
	args := m.Called(ctx, in)
	res, _ := args.Get(0).(*subscription.CancelResult)
	return res, args.Error(1)
}

func (m *mockService) ApplyMaturedDowngrades(ctx context.Context) (int, error) {
	args := m.Called(ctx)
	return args.Int(0), args.Error(1)
}

func (m *mockService) CanUserChangePlan(ctx context.Context, userID uuid.UUID) (bool, activation.Reason, error) {
	args := m.Called(ctx, userID)
	reason, _ := args.Get(1).(activation.Reason)
	return args.Bool(0), reason, args.Error(2)
}
