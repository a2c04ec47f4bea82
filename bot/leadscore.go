package bot

import (
	"strings"

	"github.com/jdkato/prose/v2"
	"go.uber.org/zap"
)

// Keyword groups for lead scoring, weighted by how strongly they signal
// purchase intent. Single words are matched per token; phrases by substring.
var (
	urgencyKeywords = map[string]int{
		"urgente": 25,
		"hoje":    20,
		"agora":   20,
		"amanhã":  15,
		"amanha":  15,
		"rápido":  10,
		"rapido":  10,
	}
	intentKeywords = map[string]int{
		"visita":        25,
		"visitar":       25,
		"agendar":       25,
		"comprar":       20,
		"proposta":      20,
		"financiamento": 15,
		"entrada":       10,
		"documentação":  10,
		"documentacao":  10,
	}
	interestKeywords = map[string]int{
		"gostei":    15,
		"interesse": 15,
		"quero":     15,
		"preço":     10,
		"preco":     10,
		"valor":     10,
	}
	intentPhrases = map[string]int{
		"quero ver":       25,
		"posso visitar":   30,
		"fechar negócio":  30,
		"fechar negocio":  30,
		"marcar visita":   30,
		"tenho interesse": 20,
	}
)

// Scorer derives a 0-100 lead score from message content. The score feeds
// the conversation manager's automatic qualification transitions, so the
// scale matches the qualified/nurture thresholds.
type Scorer struct {
	logger *zap.Logger
}

func NewScorer(logger *zap.Logger) *Scorer {
	return &Scorer{logger: logger}
}

// Score analyzes a message and returns the lead score plus the suggested
// next action tag. priorScore keeps the lead from dropping bands on a
// low-signal message: the result never goes below the prior.
func (s *Scorer) Score(message string, priorScore int) (int, string) {
	lower := strings.ToLower(strings.TrimSpace(message))
	if lower == "" {
		return priorScore, nextActionFor(priorScore)
	}

	score := 10 // any inbound message is worth something

	for phrase, weight := range intentPhrases {
		if strings.Contains(lower, phrase) {
			score += weight
		}
	}

	for _, token := range tokenize(lower, s.logger) {
		if w, ok := urgencyKeywords[token]; ok {
			score += w
		}
		if w, ok := intentKeywords[token]; ok {
			score += w
		}
		if w, ok := interestKeywords[token]; ok {
			score += w
		}
	}

	if score > 100 {
		score = 100
	}
	if score < priorScore {
		score = priorScore
	}

	return score, nextActionFor(score)
}

func nextActionFor(score int) string {
	switch {
	case score >= 70:
		return "schedule_visit"
	case score >= 40:
		return "send_followup"
	default:
		return "continue_conversation"
	}
}

// tokenize segments the message into word tokens. Falls back to a
// whitespace split when segmentation fails.
func tokenize(text string, logger *zap.Logger) []string {
	doc, err := prose.NewDocument(text)
	if err != nil {
		if logger != nil {
			logger.Debug("Tokenization failed, using whitespace split", zap.Error(err))
		}
		return strings.Fields(text)
	}

	tokens := doc.Tokens()
	out := make([]string, 0, len(tokens))
	for _, tok := range tokens {
		out = append(out, tok.Text)
	}
	return out
}
