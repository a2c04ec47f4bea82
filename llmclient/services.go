package llmclient

import "context"

// ChatService binds the client to one chat host/model pair. Satisfies the
// orchestrator's Completer interface.
type ChatService struct {
	client *Client
	host   string
	model  string
}

func NewChatService(client *Client, host, model string) *ChatService {
	return &ChatService{client: client, host: host, model: model}
}

func (s *ChatService) Complete(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	return s.client.Chat(ctx, s.host, s.model, systemPrompt, userPrompt)
}

// RerankService binds the client to a cross-encoder host/model pair.
// Satisfies the retrieval engine's Reranker interface.
type RerankService struct {
	client *Client
	host   string
	model  string
}

func NewRerankService(client *Client, host, model string) *RerankService {
	return &RerankService{client: client, host: host, model: model}
}

func (s *RerankService) Rerank(ctx context.Context, query string, documents []string) ([]float64, error) {
	return s.client.Rerank(ctx, s.host, s.model, query, documents)
}
