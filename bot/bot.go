package bot

import (
	"context"
	"fmt"
	"time"

	"lead-agent/conversation"
	"lead-agent/dedup"
	apperrors "lead-agent/errors"
	"lead-agent/exposure"
	"lead-agent/gateway"
	"lead-agent/prompts"
	"lead-agent/retrieval"
	"lead-agent/web/types"

	"go.uber.org/zap"
)

// Completer is the external generation collaborator. Failure means "no
// answer"; retry policy lives here in the orchestration layer, not in the
// client.
type Completer interface {
	Complete(ctx context.Context, systemPrompt, userPrompt string) (string, error)
}

// Bot is the orchestration layer: it wires the dedup guard, conversation
// state machine, retrieval engine and external collaborators into the
// inbound message flow.
type Bot struct {
	guard           *dedup.Guard
	conversations   *conversation.Manager
	engine          *retrieval.Engine
	contextBuilder  *retrieval.ContextBuilder
	completer       Completer
	messenger       gateway.Messenger
	scorer          *Scorer
	freshnessWindow time.Duration
	logger          *zap.Logger
}

func New(
	guard *dedup.Guard,
	conversations *conversation.Manager,
	engine *retrieval.Engine,
	contextBuilder *retrieval.ContextBuilder,
	completer Completer,
	messenger gateway.Messenger,
	scorer *Scorer,
	freshnessWindow time.Duration,
	logger *zap.Logger,
) *Bot {
	return &Bot{
		guard:           guard,
		conversations:   conversations,
		engine:          engine,
		contextBuilder:  contextBuilder,
		completer:       completer,
		messenger:       messenger,
		scorer:          scorer,
		freshnessWindow: freshnessWindow,
		logger:          logger,
	}
}

// HandleMessage processes one decoded inbound message end to end. Duplicate
// deliveries short-circuit silently; everything past the guard either sends
// a reply (possibly degraded) or marks the fingerprint failed for retry.
func (b *Bot) HandleMessage(ctx context.Context, msg types.InboundMessage) error {
	token, ok := b.guard.MarkProcessing(msg)
	if !ok {
		b.logger.Info("Skipping duplicate delivery",
			zap.String("message_id", msg.MessageID),
			zap.String("from", msg.From))
		return nil
	}

	if err := b.process(ctx, token, msg); err != nil {
		b.guard.MarkFailed(token, err)
		b.conversations.Transition(ctx, msg.From, conversation.StateError,
			map[string]string{"last_error": err.Error()})
		return err
	}

	b.guard.MarkCompleted(token, "replied")
	return nil
}

func (b *Bot) process(ctx context.Context, token dedup.Token, msg types.InboundMessage) error {
	rec := b.conversations.GetOrCreate(ctx, msg.From)

	// A lead parked in error state gets another chance on its next message.
	if rec.State == conversation.StateError {
		b.conversations.Transition(ctx, msg.From, conversation.StatePending, nil)
		rec = b.conversations.GetOrCreate(ctx, msg.From)
	}

	filters := retrieval.Filters{Status: "active"}
	if b.freshnessWindow > 0 {
		filters.UpdatedAfter = time.Now().Add(-b.freshnessWindow)
	}

	userKey := exposure.UserKey(msg.From)
	results := b.engine.Retrieve(ctx, msg.Body, filters, userKey)
	kbContext := b.contextBuilder.Build(results)

	answer := b.generate(ctx, rec, msg, kbContext)

	if err := b.messenger.Send(ctx, msg.From, answer); err != nil {
		return apperrors.WrapError(err, "send reply")
	}

	if err := b.messenger.MarkRead(ctx, msg.MessageID); err != nil {
		// Read receipts are cosmetic; never fail the message over one.
		b.logger.Debug("Failed to mark message read", zap.Error(err), zap.String("message_id", msg.MessageID))
	}

	score, nextAction := b.scorer.Score(msg.Body, rec.LeadScore)
	b.conversations.UpdateLeadScore(ctx, msg.From, score, nextAction, nil)

	b.logger.Info("Message processed",
		zap.String("fingerprint", token.Fingerprint()),
		zap.String("from", msg.From),
		zap.Int("lead_score", score),
		zap.Int("context_items", len(results)))
	return nil
}

// generate calls the completion collaborator. On failure the reply degrades
// to a canned no-context answer; the user-facing message is never dropped.
func (b *Bot) generate(ctx context.Context, rec conversation.Record, msg types.InboundMessage, kbContext string) string {
	if kbContext == "" {
		kbContext = "(nenhum imóvel relevante encontrado)"
	}

	userPrompt := fmt.Sprintf(prompts.UserPromptTemplate,
		kbContext, string(rec.State), rec.LeadScore, msg.Body)

	answer, err := b.completer.Complete(ctx, prompts.SystemPrompt, userPrompt)
	if err != nil {
		b.logger.Warn("Generation failed, sending degraded reply",
			zap.Error(err),
			zap.String("from", msg.From))
		return prompts.FallbackReply
	}
	return answer
}
