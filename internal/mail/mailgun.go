package mail

import (
	"context"
	"fmt"
	"time"

	"github.com/mailgun/mailgun-go/v4"
	"go.uber.org/zap"
)

const mailgunSendTimeout = 30 * time.Second

// MailgunTransport delivers mail through the Mailgun API.
type MailgunTransport struct {
	client *mailgun.MailgunImpl
	log    *zap.Logger
}

func NewMailgunTransport(domain, apiKey string, log *zap.Logger) *MailgunTransport {
	return &MailgunTransport{
		client: mailgun.NewMailgun(domain, apiKey),
		log:    log,
	}
}

// SetAPIBase points the transport at another API endpoint.
func (t *MailgunTransport) SetAPIBase(url string) {
	t.client.SetAPIBase(url)
}

func (t *MailgunTransport) Deliver(ctx context.Context, msg Outgoing) error {
	m := t.client.NewMessage(msg.From, msg.Subject, msg.Text, msg.To)
	if msg.HTML != "" {
		m.SetHtml(msg.HTML)
	}

	sendCtx, cancel := context.WithTimeout(ctx, mailgunSendTimeout)
	defer cancel()

	_, id, err := t.client.Send(sendCtx, m)
	if err != nil {
		return fmt.Errorf("mailgun send: %w", err)
	}
	t.log.Info("email sent", zap.String("to", msg.To), zap.String("message_id", id))
	return nil
}
