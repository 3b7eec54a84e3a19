package email_test

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/dev-geek/syntopia-v1-sub001/pkg/email"
	"github.com/dev-geek/syntopia-v1-sub001/pkg/subscription"
)

type MockEmailSender struct {
	mock.Mock
}

func (m *MockEmailSender) SendEmail(ctx context.Context, params email.SendEmailParams) error {
	args := m.Called(ctx, params)
	return args.Error(0)
}

func TestSupportAlerter_ActivationPending(t *testing.T) {
	t.Parallel()

	alert := subscription.ActivationAlert{
		OrderID:       uuid.New(),
		UserID:        uuid.New(),
		Email:         "ada@example.com",
		Package:       "Starter",
		Gateway:       "paddle",
		TransactionID: "txn_01",
		Reason:        "plan mismatch: <Starter>",
	}

	sender := &MockEmailSender{}
	sender.On("SendEmail", mock.Anything, mock.MatchedBy(func(p email.SendEmailParams) bool {
		return p.SendTo == "support@example.com" &&
			p.Tag == "activation-pending" &&
			p.Subject == "Activation pending: Starter order "+alert.OrderID.String() &&
			containsAll(p.BodyHTML, alert.OrderID.String(), "ada@example.com", "txn_01", "plan mismatch: &lt;Starter&gt;")
	})).Return(nil).Once()

	a := email.NewSupportAlerter(sender, "support@example.com")
	require.NoError(t, a.ActivationPending(context.Background(), alert))
	sender.AssertExpectations(t)
}

func TestSupportAlerter_PropagatesSendError(t *testing.T) {
	t.Parallel()

	boom := errors.New("boom")
	sender := &MockEmailSender{}
	sender.On("SendEmail", mock.Anything, mock.Anything).Return(boom)

	err := email.NewSupportAlerter(sender, "support@example.com").
		ActivationPending(context.Background(), subscription.ActivationAlert{Package: "Pro"})
	assert.ErrorIs(t, err, boom)
}

func TestNewSupportAlerter_Panics(t *testing.T) {
	t.Parallel()

	assert.Panics(t, func() { email.NewSupportAlerter(nil, "support@example.com") })
	assert.Panics(t, func() { email.NewSupportAlerter(&MockEmailSender{}, "support") })
}

func containsAll(s string, parts ...string) bool {
	for _, p := range parts {
		if !strings.Contains(s, p) {
			return false
		}
	}
	return true
}
