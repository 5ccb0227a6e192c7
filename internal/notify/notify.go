// Package notify delivers operational flags raised by the billing engine,
// such as a cancellation that was recorded locally but failed on the
// processor side. Delivery is best effort: a notification failure is
// logged, never propagated to the request that raised the flag.
package notify

import (
	"context"
	"log/slog"

	"github.com/mrz1836/postmark"
)

// PostmarkConfig configures the ops email notifier.
type PostmarkConfig struct {
	ServerToken  string `env:"POSTMARK_SERVER_TOKEN"`
	AccountToken string `env:"POSTMARK_ACCOUNT_TOKEN"`
	From         string `env:"OPS_NOTIFY_FROM"`
	To           string `env:"OPS_NOTIFY_TO"`
}

// Enabled reports whether enough configuration is present to send email.
func (c PostmarkConfig) Enabled() bool {
	return c.ServerToken != "" && c.From != "" && c.To != ""
}

// PostmarkNotifier emails operational flags to the on-call address.
type PostmarkNotifier struct {
	client *postmark.Client
	from   string
	to     string
	log    *slog.Logger
}

func NewPostmarkNotifier(cfg PostmarkConfig, log *slog.Logger) *PostmarkNotifier {
	if log == nil {
		log = slog.Default()
	}
	return &PostmarkNotifier{
		client: postmark.NewClient(cfg.ServerToken, cfg.AccountToken),
		from:   cfg.From,
		to:     cfg.To,
		log:    log,
	}
}

// Flag sends the discrepancy to the ops mailbox for manual reconciliation.
func (n *PostmarkNotifier) Flag(ctx context.Context, subject, detail string) {
	_, err := n.client.SendEmail(ctx, postmark.Email{
		From:     n.from,
		To:       n.to,
		Subject:  "[billing] " + subject,
		TextBody: detail,
		Tag:      "billing-reconciliation",
	})
	if err != nil {
		// The flag is already in the structured log from the caller; this
		// only loses the email channel.
		n.log.ErrorContext(ctx, "failed to send ops notification",
			slog.String("subject", subject), slog.Any("error", err))
	}
}
