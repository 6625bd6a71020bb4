package jobs

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/Ichablog-AI/ichablog-api/internal/mail"
	"github.com/Ichablog-AI/ichablog-api/internal/queue"
)

const (
	MailSenderQueue = "mail-sender"
	MailSenderName  = "sendEmail"
)

// MailSenderRetry retries delivery 5 times, 1s apart doubling each time.
var MailSenderRetry = queue.RetryOptions{
	Retries:         5,
	Backoff:         true,
	BackoffDelay:    time.Second,
	BackoffExponent: 2,
}

type MailSenderParams = mail.Message

// MailSenderJob renders and sends a templated email.
type MailSenderJob struct {
	*queue.Definition[MailSenderParams]
	sender mail.Sender
	log    *zap.Logger
}

func NewMailSenderJob(client *queue.Client, sender mail.Sender, log *zap.Logger) *MailSenderJob {
	j := &MailSenderJob{sender: sender, log: log}
	j.Definition = queue.NewDefinition(client, MailSenderQueue, MailSenderName, j.process,
		queue.WithRetry(MailSenderRetry),
		queue.WithJobLogger(log),
	)
	return j
}

// process returns delivery errors unchanged so the worker retries them.
func (j *MailSenderJob) process(ctx context.Context, p MailSenderParams) error {
	fields := []zap.Field{zap.String("template", p.TemplateName), zap.Stringer("to", p.To)}
	j.log.Info("sending email", fields...)

	if err := j.sender.Send(ctx, p); err != nil {
		j.log.Error("failed to send email", append(fields, zap.Error(err))...)
		return err
	}

	j.log.Info("email sent", fields...)
	return nil
}
