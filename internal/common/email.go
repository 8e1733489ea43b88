package common

import "context"

// EmailSender defines the contract for sending emails. Delivery itself is an
// external concern; the billing core only enqueues receipt notifications.
type EmailSender interface {
	Send(ctx context.Context, to, subject, html string) error
}

// InMemoryEmail provides a test-friendly email sender that records messages.
type InMemoryEmail struct {
	Outbox []EmailMessage
}

// EmailMessage represents a single email message captured by InMemoryEmail.
type EmailMessage struct {
	To      string
	Subject string
	HTML    string
}

// Send records the email in memory.
func (m *InMemoryEmail) Send(_ context.Context, to, subject, html string) error {
	if m == nil {
		return nil
	}
	m.Outbox = append(m.Outbox, EmailMessage{To: to, Subject: subject, HTML: html})
	return nil
}

// NopEmailSender implements EmailSender without performing any action.
type NopEmailSender struct{}

// Send implements EmailSender.
func (NopEmailSender) Send(context.Context, string, string, string) error { return nil }
