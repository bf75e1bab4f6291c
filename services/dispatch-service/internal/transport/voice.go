package transport

import (
	"context"
	"strings"
)

// Call is one outbound call placed from a reserved DID.
type Call struct {
	To     string
	From   string
	Trunk  string
	Script string
}

// CallResult is the final outcome of a call as reported by the bridge.
type CallResult struct {
	Ref    string
	Status string
}

type CallPlacer interface {
	Place(ctx context.Context, c Call) (CallResult, error)
	ProviderID() string
}

// WebhookPlacer asks a voice bridge to dial and waits for the call outcome.
type WebhookPlacer struct {
	hook webhook
}

func NewWebhookPlacer(url string, token string) *WebhookPlacer {
	return &WebhookPlacer{hook: newWebhook(url, token)}
}

func (p *WebhookPlacer) ProviderID() string {
	return "voice-webhook"
}

func (p *WebhookPlacer) Place(ctx context.Context, c Call) (CallResult, error) {
	var reply struct {
		ID     string `json:"id"`
		Status string `json:"status"`
	}
	err := p.hook.post(ctx, map[string]string{
		"to":     c.To,
		"from":   c.From,
		"trunk":  c.Trunk,
		"script": c.Script,
	}, &reply)
	if err != nil {
		return CallResult{}, err
	}
	status := strings.ToLower(strings.TrimSpace(reply.Status))
	if status == "" {
		status = "completed"
	}
	return CallResult{Ref: reply.ID, Status: status}, nil
}

type NoopPlacer struct{}

func NewNoopPlacer() *NoopPlacer {
	return &NoopPlacer{}
}

func (p *NoopPlacer) ProviderID() string {
	return "voice-noop"
}

func (p *NoopPlacer) Place(context.Context, Call) (CallResult, error) {
	return CallResult{Status: "completed"}, nil
}
