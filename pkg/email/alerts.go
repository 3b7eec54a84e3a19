package email

import (
	"bytes"
	"context"
	"fmt"
	"html/template"

	"github.com/dev-geek/syntopia-v1-sub001/pkg/subscription"
)

var activationPendingTmpl = template.Must(template.New("activation_pending").Parse(`<h2>Payment received, license not activated</h2>
<p>A confirmed payment could not be turned into an active license. The order stays pending and the provider webhook will be retried; activate it manually if the cause persists.</p>
<table>
<tr><td>Order</td><td>{{.OrderID}}</td></tr>
<tr><td>User</td><td>{{.UserID}} ({{.Email}})</td></tr>
<tr><td>Package</td><td>{{.Package}}</td></tr>
<tr><td>Gateway</td><td>{{.Gateway}}</td></tr>
<tr><td>Transaction</td><td>{{.TransactionID}}</td></tr>
<tr><td>Reason</td><td>{{.Reason}}</td></tr>
</table>
`))

// SupportAlerter mails support about paid orders stuck in activation.
type SupportAlerter struct {
	sender EmailSender
	to     string
}

// NewSupportAlerter sends alerts to the support address. Panics when
// sender is nil or the address is invalid.
func NewSupportAlerter(sender EmailSender, supportEmail string) *SupportAlerter {
	if sender == nil {
		panic("email: EmailSender is required")
	}
	if !emailRegex.MatchString(supportEmail) {
		panic("email: invalid support address " + supportEmail)
	}
	return &SupportAlerter{sender: sender, to: supportEmail}
}

func (a *SupportAlerter) ActivationPending(ctx context.Context, alert subscription.ActivationAlert) error {
	var body bytes.Buffer
	if err := activationPendingTmpl.Execute(&body, alert); err != nil {
		return fmt.Errorf("%w: render: %v", ErrFailedToSendEmail, err)
	}
	return a.sender.SendEmail(ctx, SendEmailParams{
		SendTo:   a.to,
		Subject:  fmt.Sprintf("Activation pending: %s order %s", alert.Package, alert.OrderID),
		BodyHTML: body.String(),
		Tag:      "activation-pending",
	})
}
