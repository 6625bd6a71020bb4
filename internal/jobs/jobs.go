package jobs

import (
	"github.com/Ichablog-AI/ichablog-api/internal/logger"
	"github.com/Ichablog-AI/ichablog-api/internal/mail"
	"github.com/Ichablog-AI/ichablog-api/internal/queue"
)

// Set is every job the backend knows, built in dependency order.
type Set struct {
	HelloWorld *HelloWorldJob
	MailSender *MailSenderJob
}

func NewSet(client *queue.Client, sender mail.Sender, logs *logger.Registry) *Set {
	return &Set{
		HelloWorld: NewHelloWorldJob(client, logs.Get("HelloWorldJob")),
		MailSender: NewMailSenderJob(client, sender, logs.Get("MailSenderJob")),
	}
}

// Specs lists the jobs for worker registration.
func (s *Set) Specs() []queue.Spec {
	return []queue.Spec{s.HelloWorld, s.MailSender}
}
