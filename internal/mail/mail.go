// Package mail renders transactional email templates and hands the
// result to a delivery transport.
package mail

import (
	"context"
	"encoding/json"
	"fmt"
	"net/mail"

	"go.uber.org/zap"
)

// Recipient is an email address with an optional display name. In JSON
// it is either a plain address string or {"name": ..., "address": ...}.
type Recipient struct {
	Name    string `json:"name,omitempty"`
	Address string `json:"address"`
}

func (r Recipient) String() string {
	if r.Name == "" {
		return r.Address
	}
	return (&mail.Address{Name: r.Name, Address: r.Address}).String()
}

func (r *Recipient) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*r = Recipient{Address: s}
		return nil
	}
	type plain Recipient
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return fmt.Errorf("mail: recipient must be a string or an address object: %w", err)
	}
	*r = Recipient(p)
	return nil
}

// Message asks for a template to be rendered and sent to To.
type Message struct {
	To           Recipient      `json:"to"`
	TemplateName string         `json:"templateName"`
	Props        map[string]any `json:"props"`
}

// Outgoing is a fully rendered email.
type Outgoing struct {
	From    string
	To      string
	Subject string
	HTML    string
	Text    string
}

// Transport delivers rendered emails.
type Transport interface {
	Deliver(ctx context.Context, msg Outgoing) error
}

// Sender is what jobs depend on to send templated mail.
type Sender interface {
	Send(ctx context.Context, msg Message) error
}

// Service renders templates and delivers them through a Transport.
type Service struct {
	templates *TemplateManager
	transport Transport
	from      string
	log       *zap.Logger
}

func NewService(templates *TemplateManager, transport Transport, from string, log *zap.Logger) *Service {
	return &Service{templates: templates, transport: transport, from: from, log: log}
}

func (s *Service) Send(ctx context.Context, msg Message) error {
	if msg.To.Address == "" {
		return fmt.Errorf("mail: missing recipient")
	}
	r, err := s.templates.Render(msg.TemplateName, msg.Props)
	if err != nil {
		return err
	}
	out := Outgoing{
		From:    s.from,
		To:      msg.To.String(),
		Subject: r.Subject,
		HTML:    r.HTML,
		Text:    r.Text,
	}
	if err := s.transport.Deliver(ctx, out); err != nil {
		return fmt.Errorf("mail: deliver %s to %s: %w", msg.TemplateName, out.To, err)
	}
	s.log.Debug("email delivered", zap.String("template", msg.TemplateName), zap.String("to", out.To))
	return nil
}

// LogTransport writes emails to the logger instead of sending them.
type LogTransport struct {
	log *zap.Logger
}

func NewLogTransport(log *zap.Logger) *LogTransport {
	return &LogTransport{log: log}
}

func (t *LogTransport) Deliver(_ context.Context, msg Outgoing) error {
	t.log.Info("email (not sent)",
		zap.String("from", msg.From),
		zap.String("to", msg.To),
		zap.String("subject", msg.Subject),
		zap.String("text", msg.Text),
	)
	return nil
}
