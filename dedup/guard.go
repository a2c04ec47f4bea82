package dedup

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"lead-agent/web/types"

	"go.uber.org/zap"
)

// EntryState tracks the lifecycle of a processed fingerprint.
type EntryState string

const (
	StateProcessing EntryState = "processing"
	StateCompleted  EntryState = "completed"
	StateFailed     EntryState = "failed"
)

const lockShards = 64

// Entry is the record kept per message fingerprint until the TTL sweep
// removes it.
type Entry struct {
	State     EntryState
	From      string
	MessageID string
	StartedAt time.Time
	DoneAt    time.Time
	Result    string
	Error     string
}

// Token proves ownership of a processing slot. Only the caller that received
// the token for a fingerprint may mark it completed or failed.
type Token struct {
	fingerprint string
}

func (t Token) Fingerprint() string { return t.fingerprint }

// Guard enforces at-most-once processing of webhook deliveries. WhatsApp
// delivers at-least-once, so the same message can arrive twice within
// seconds; the guard is the receive-side half of that contract.
type Guard struct {
	ttl    time.Duration
	logger *zap.Logger

	mu      sync.RWMutex
	entries map[string]*Entry

	// Per-fingerprint mutual exclusion lives in a fixed shard array so the
	// lock set cannot grow with traffic.
	shards [lockShards]sync.Mutex

	stop     chan struct{}
	stopOnce sync.Once
}

// fingerprintParts is marshaled with a fixed field order so identical
// deliveries always hash to the same fingerprint.
type fingerprintParts struct {
	MessageID string `json:"message_id"`
	From      string `json:"from"`
	Timestamp int64  `json:"timestamp"`
	Type      string `json:"type"`
	Body      string `json:"body,omitempty"`
	MediaID   string `json:"media_id,omitempty"`
}

// NewGuard creates a fingerprint guard and starts its TTL sweep.
func NewGuard(ttl, sweepInterval time.Duration, logger *zap.Logger) *Guard {
	if ttl <= 0 {
		ttl = 60 * time.Minute
	}
	if sweepInterval <= 0 {
		sweepInterval = 5 * time.Minute
	}

	g := &Guard{
		ttl:     ttl,
		logger:  logger,
		entries: make(map[string]*Entry),
		stop:    make(chan struct{}),
	}

	go g.sweepLoop(sweepInterval)
	return g
}

// Fingerprint derives the stable identity of an inbound message from its
// sender, message id, timestamp and type-specific payload.
func Fingerprint(msg types.InboundMessage) (string, error) {
	if msg.MessageID == "" || msg.From == "" {
		return "", fmt.Errorf("message missing identifying fields")
	}

	parts := fingerprintParts{
		MessageID: msg.MessageID,
		From:      msg.From,
		Timestamp: msg.Timestamp,
		Type:      msg.Type,
	}
	switch msg.Type {
	case "text":
		parts.Body = msg.Body
	default:
		parts.MediaID = msg.MediaID
	}

	raw, err := json.Marshal(parts)
	if err != nil {
		return "", fmt.Errorf("marshal fingerprint components: %w", err)
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])[:16], nil
}

// IsDuplicate reports whether the message already has a live entry. Failed
// entries do not count: they are eligible for retry.
func (g *Guard) IsDuplicate(msg types.InboundMessage) bool {
	fingerprint, err := Fingerprint(msg)
	if err != nil {
		// Correctness favors over-processing a malformed payload over
		// silently dropping it; let the caller fail downstream.
		g.logger.Warn("Fingerprint computation failed, treating as new message", zap.Error(err))
		return false
	}

	g.mu.RLock()
	entry, ok := g.entries[fingerprint]
	g.mu.RUnlock()
	if !ok {
		return false
	}
	if g.expired(entry) || entry.State == StateFailed {
		return false
	}

	g.logger.Info("Duplicate webhook delivery detected",
		zap.String("fingerprint", fingerprint),
		zap.String("message_id", entry.MessageID))
	return true
}

// MarkProcessing atomically claims a fingerprint. The returned ok is false
// when another delivery of the same message already owns the slot.
func (g *Guard) MarkProcessing(msg types.InboundMessage) (Token, bool) {
	fingerprint, err := Fingerprint(msg)
	if err != nil {
		g.logger.Warn("Fingerprint computation failed on claim", zap.Error(err))
		return Token{}, false
	}

	shard := &g.shards[shardIndex(fingerprint)]
	shard.Lock()
	defer shard.Unlock()

	// Double-check under the shard lock: a concurrent delivery may have
	// claimed the slot between IsDuplicate and here.
	g.mu.Lock()
	defer g.mu.Unlock()

	if entry, ok := g.entries[fingerprint]; ok && !g.expired(entry) && entry.State != StateFailed {
		return Token{}, false
	}

	g.entries[fingerprint] = &Entry{
		State:     StateProcessing,
		From:      msg.From,
		MessageID: msg.MessageID,
		StartedAt: time.Now(),
	}

	g.logger.Debug("Message claimed for processing", zap.String("fingerprint", fingerprint))
	return Token{fingerprint: fingerprint}, true
}

// MarkCompleted records a successful terminal state for the token's entry.
func (g *Guard) MarkCompleted(token Token, result string) {
	g.finish(token, StateCompleted, result, "")
}

// MarkFailed records a failed terminal state. The entry stays queryable for
// diagnostics but no longer blocks a fresh MarkProcessing.
func (g *Guard) MarkFailed(token Token, procErr error) {
	msg := ""
	if procErr != nil {
		msg = procErr.Error()
	}
	g.finish(token, StateFailed, "", msg)
}

func (g *Guard) finish(token Token, state EntryState, result, errMsg string) {
	if token.fingerprint == "" {
		return
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	entry, ok := g.entries[token.fingerprint]
	if !ok {
		return
	}
	entry.State = state
	entry.DoneAt = time.Now()
	entry.Result = result
	entry.Error = errMsg

	if state == StateFailed {
		g.logger.Warn("Message processing failed",
			zap.String("fingerprint", token.fingerprint),
			zap.String("error", errMsg))
	} else {
		g.logger.Debug("Message processing completed", zap.String("fingerprint", token.fingerprint))
	}
}

// Lookup returns a copy of the entry for a fingerprint, for diagnostics.
func (g *Guard) Lookup(fingerprint string) (Entry, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	entry, ok := g.entries[fingerprint]
	if !ok {
		return Entry{}, false
	}
	return *entry, true
}

// Stats returns entry counts by state for the monitoring endpoint.
func (g *Guard) Stats() map[string]int {
	g.mu.RLock()
	defer g.mu.RUnlock()

	stats := map[string]int{
		string(StateProcessing): 0,
		string(StateCompleted):  0,
		string(StateFailed):     0,
	}
	for _, entry := range g.entries {
		stats[string(entry.State)]++
	}
	return stats
}

// Stop terminates the background sweep.
func (g *Guard) Stop() {
	g.stopOnce.Do(func() { close(g.stop) })
}

func (g *Guard) sweepLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if removed := g.sweep(); removed > 0 {
				g.logger.Info("Swept expired message fingerprints", zap.Int("removed", removed))
			}
		case <-g.stop:
			return
		}
	}
}

// sweep removes entries older than the TTL regardless of terminal state.
func (g *Guard) sweep() int {
	g.mu.Lock()
	defer g.mu.Unlock()

	removed := 0
	for fingerprint, entry := range g.entries {
		if g.expired(entry) {
			delete(g.entries, fingerprint)
			removed++
		}
	}
	return removed
}

func (g *Guard) expired(entry *Entry) bool {
	ref := entry.DoneAt
	if ref.IsZero() {
		ref = entry.StartedAt
	}
	return time.Since(ref) > g.ttl
}

func shardIndex(fingerprint string) int {
	h := fnv.New32a()
	h.Write([]byte(fingerprint))
	return int(h.Sum32() % lockShards)
}
