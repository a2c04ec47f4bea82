package embedding

import (
	"context"

	"lead-agent/llmclient"
)

// HTTPProvider adapts an OpenAI-compatible embeddings endpoint to the
// Provider interface.
type HTTPProvider struct {
	client *llmclient.Client
	host   string
	model  string
}

func NewHTTPProvider(client *llmclient.Client, host, model string) *HTTPProvider {
	return &HTTPProvider{client: client, host: host, model: model}
}

func (p *HTTPProvider) Name() string { return p.model }

func (p *HTTPProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	return p.client.Embed(ctx, p.host, p.model, text)
}
