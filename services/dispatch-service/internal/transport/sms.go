package transport

import (
	"context"
	"errors"
)

var ErrNotConfigured = errors.New("transport webhook url not configured")

// Message is one outbound SMS.
type Message struct {
	To   string
	Body string
}

type MessageSender interface {
	Send(ctx context.Context, m Message) (string, error)
	ProviderID() string
}

// WebhookSender hands messages to an HTTP bridge in front of the carrier.
type WebhookSender struct {
	hook webhook
}

func NewWebhookSender(url string, token string) *WebhookSender {
	return &WebhookSender{hook: newWebhook(url, token)}
}

func (s *WebhookSender) ProviderID() string {
	return "sms-webhook"
}

// Send returns the provider's message reference when the bridge reports one.
func (s *WebhookSender) Send(ctx context.Context, m Message) (string, error) {
	var reply struct {
		ID string `json:"id"`
	}
	if err := s.hook.post(ctx, map[string]string{"to": m.To, "body": m.Body}, &reply); err != nil {
		return "", err
	}
	return reply.ID, nil
}

type NoopSender struct{}

func NewNoopSender() *NoopSender {
	return &NoopSender{}
}

func (s *NoopSender) ProviderID() string {
	return "sms-noop"
}

func (s *NoopSender) Send(context.Context, Message) (string, error) {
	return "", nil
}
