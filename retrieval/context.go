package retrieval

import (
	"strings"

	"github.com/jdkato/prose/v2"
	"go.uber.org/zap"
)

// ~4 chars per token holds well enough for the mixed pt-BR/en text the
// knowledge base carries.
const charsPerToken = 4

// ContextBuilder assembles retrieval results into a prompt context bounded
// by a hard token ceiling.
type ContextBuilder struct {
	tokenLimit int
	logger     *zap.Logger
}

func NewContextBuilder(tokenLimit int, logger *zap.Logger) *ContextBuilder {
	if tokenLimit <= 0 {
		tokenLimit = 1500
	}
	return &ContextBuilder{tokenLimit: tokenLimit, logger: logger}
}

// Build concatenates item snippets into a context string. When the ceiling
// is exceeded the concatenated text is truncated rather than items dropped:
// partial context beats missing candidates.
func (b *ContextBuilder) Build(results []Result) string {
	if len(results) == 0 {
		return ""
	}

	var sb strings.Builder
	for i, res := range results {
		if i > 0 {
			sb.WriteString("\n\n")
		}
		sb.WriteString(res.Content)
	}
	text := sb.String()

	maxChars := b.tokenLimit * charsPerToken
	if len(text) <= maxChars {
		return text
	}

	b.logger.Debug("Context exceeds token ceiling, truncating",
		zap.Int("chars", len(text)),
		zap.Int("max_chars", maxChars),
		zap.Int("items", len(results)))

	return truncateAtSentence(text, maxChars, b.logger)
}

// truncateAtSentence cuts text to maxChars, preferring a sentence boundary
// so the model never sees a half sentence at the end of its context.
func truncateAtSentence(text string, maxChars int, logger *zap.Logger) string {
	runes := []rune(text)
	if len(runes) <= maxChars {
		return text
	}
	hard := string(runes[:maxChars])

	doc, err := prose.NewDocument(hard)
	if err != nil {
		logger.Warn("Sentence segmentation failed, truncating at character boundary", zap.Error(err))
		return hard
	}

	sentences := doc.Sentences()
	if len(sentences) <= 1 {
		return hard
	}

	// Drop the trailing (likely cut) sentence.
	var sb strings.Builder
	for _, sent := range sentences[:len(sentences)-1] {
		sb.WriteString(sent.Text)
		sb.WriteString(" ")
	}
	out := strings.TrimSpace(sb.String())
	if out == "" {
		return hard
	}
	return out
}
