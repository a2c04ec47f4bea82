package bot

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"lead-agent/conversation"
	"lead-agent/dedup"
	"lead-agent/exposure"
	"lead-agent/prompts"
	"lead-agent/retrieval"
	"lead-agent/web/types"

	"go.uber.org/zap"
)

type stubSearcher struct {
	results []retrieval.Result
}

func (s *stubSearcher) SimilaritySearch(ctx context.Context, vector []float32, limit int, filters retrieval.Filters) ([]retrieval.Result, error) {
	return s.results, nil
}

type stubEmbedder struct{}

func (stubEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	return make([]float32, 8), nil
}

type stubCompleter struct {
	reply string
	err   error
	calls int
}

func (s *stubCompleter) Complete(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	s.calls++
	if s.err != nil {
		return "", s.err
	}
	return s.reply, nil
}

type stubMessenger struct {
	mu      sync.Mutex
	sent    []string
	sendErr error
	read    []string
}

func (s *stubMessenger) Send(ctx context.Context, to, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sendErr != nil {
		return s.sendErr
	}
	s.sent = append(s.sent, text)
	return nil
}

func (s *stubMessenger) MarkRead(ctx context.Context, messageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.read = append(s.read, messageID)
	return nil
}

type fixture struct {
	bot           *Bot
	guard         *dedup.Guard
	conversations *conversation.Manager
	completer     *stubCompleter
	messenger     *stubMessenger
}

func newFixture(t *testing.T, completer *stubCompleter, messenger *stubMessenger, results []retrieval.Result) *fixture {
	t.Helper()
	logger := zap.NewNop()

	guard := dedup.NewGuard(time.Hour, time.Hour, logger)
	t.Cleanup(guard.Stop)

	conversations := conversation.NewManager(conversation.Thresholds{Qualified: 70, Nurture: 40}, time.Hour, nil, logger)
	t.Cleanup(conversations.Stop)

	exposureCache := exposure.NewCache(50, time.Hour, logger)
	t.Cleanup(exposureCache.Stop)

	engine := retrieval.NewEngine(&stubSearcher{results: results}, stubEmbedder{}, nil, exposureCache,
		retrieval.Options{TopK: 5, FinalK: 5}, logger)
	contextBuilder := retrieval.NewContextBuilder(1500, logger)

	b := New(guard, conversations, engine, contextBuilder, completer, messenger,
		NewScorer(logger), 0, logger)

	return &fixture{bot: b, guard: guard, conversations: conversations, completer: completer, messenger: messenger}
}

func inbound(id, body string) types.InboundMessage {
	return types.InboundMessage{
		MessageID: id,
		From:      "+5541999",
		Timestamp: 100,
		Type:      "text",
		Body:      body,
	}
}

func TestHandleMessageSendsReply(t *testing.T) {
	completer := &stubCompleter{reply: "Temos duas opções no centro."}
	messenger := &stubMessenger{}
	f := newFixture(t, completer, messenger, []retrieval.Result{
		{ID: "kb-1", Content: "Apartamento 2 quartos no centro.", Similarity: 0.9},
	})

	if err := f.bot.HandleMessage(context.Background(), inbound("m1", "procuro apartamento no centro")); err != nil {
		t.Fatalf("HandleMessage() error = %v", err)
	}

	if len(messenger.sent) != 1 || messenger.sent[0] != "Temos duas opções no centro." {
		t.Errorf("sent = %v", messenger.sent)
	}
	if len(messenger.read) != 1 || messenger.read[0] != "m1" {
		t.Errorf("read receipts = %v", messenger.read)
	}
	if state, _ := f.conversations.CurrentState("+5541999"); state == "" {
		t.Error("conversation record not created")
	}
}

func TestDuplicateDeliverySendsOnce(t *testing.T) {
	completer := &stubCompleter{reply: "ok"}
	messenger := &stubMessenger{}
	f := newFixture(t, completer, messenger, nil)

	msg := inbound("m1", "oi")
	if err := f.bot.HandleMessage(context.Background(), msg); err != nil {
		t.Fatalf("first delivery error = %v", err)
	}
	if err := f.bot.HandleMessage(context.Background(), msg); err != nil {
		t.Fatalf("duplicate delivery error = %v", err)
	}

	if len(messenger.sent) != 1 {
		t.Errorf("duplicate delivery reached the messenger, sent = %d", len(messenger.sent))
	}
	if completer.calls != 1 {
		t.Errorf("duplicate delivery reached the completer, calls = %d", completer.calls)
	}
}

func TestGenerationFailureSendsFallback(t *testing.T) {
	completer := &stubCompleter{err: errors.New("model unavailable")}
	messenger := &stubMessenger{}
	f := newFixture(t, completer, messenger, nil)

	if err := f.bot.HandleMessage(context.Background(), inbound("m1", "oi")); err != nil {
		t.Fatalf("HandleMessage() error = %v", err)
	}

	if len(messenger.sent) != 1 || messenger.sent[0] != prompts.FallbackReply {
		t.Errorf("degraded reply not sent: %v", messenger.sent)
	}
}

func TestSendFailureMarksErrorAndAllowsRetry(t *testing.T) {
	completer := &stubCompleter{reply: "ok"}
	messenger := &stubMessenger{sendErr: errors.New("gateway down")}
	f := newFixture(t, completer, messenger, nil)

	msg := inbound("m1", "oi")
	if err := f.bot.HandleMessage(context.Background(), msg); err == nil {
		t.Fatal("expected error when the gateway send fails")
	}

	state, _ := f.conversations.CurrentState("+5541999")
	if state != conversation.StateError {
		t.Errorf("state after send failure = %s, want %s", state, conversation.StateError)
	}
	if f.guard.IsDuplicate(msg) {
		t.Error("failed delivery should not be blocked from retry")
	}

	// Next delivery retries and recovers
	messenger.sendErr = nil
	if err := f.bot.HandleMessage(context.Background(), msg); err != nil {
		t.Fatalf("retry error = %v", err)
	}
	state, _ = f.conversations.CurrentState("+5541999")
	if state == conversation.StateError {
		t.Error("conversation still parked in error state after successful retry")
	}
}

func TestQualifyingMessageRaisesScore(t *testing.T) {
	completer := &stubCompleter{reply: "claro!"}
	messenger := &stubMessenger{}
	f := newFixture(t, completer, messenger, nil)

	msg := inbound("m1", "quero agendar uma visita urgente, posso pagar à vista")
	if err := f.bot.HandleMessage(context.Background(), msg); err != nil {
		t.Fatalf("HandleMessage() error = %v", err)
	}

	var rec conversation.Record
	for _, r := range f.conversations.ActiveConversations() {
		if r.UserID == "+5541999" {
			rec = r
		}
	}
	if rec.LeadScore <= 10 {
		t.Errorf("high-intent message scored %d", rec.LeadScore)
	}
}
