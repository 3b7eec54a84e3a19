// Package email sends operational mail. Postmark delivers in production;
// DevSender writes messages to disk for local runs. SupportAlerter turns
// activation-pending orders into a support email.
//
//	sender, err := email.NewPostmarkClient(cfg)
//	alerts := email.NewSupportAlerter(sender, cfg.SupportEmail)
//	svc := subscription.NewService(..., subscription.WithAlerter(alerts))
package email
