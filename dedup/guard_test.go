package dedup

import (
	"errors"
	"sync"
	"testing"
	"time"

	"lead-agent/web/types"

	"go.uber.org/zap"
)

func testMessage() types.InboundMessage {
	return types.InboundMessage{
		MessageID: "m1",
		From:      "+5541999",
		Timestamp: 100,
		Type:      "text",
		Body:      "oi",
	}
}

func newTestGuard(t *testing.T, ttl time.Duration) *Guard {
	t.Helper()
	g := NewGuard(ttl, time.Hour, zap.NewNop())
	t.Cleanup(g.Stop)
	return g
}

func TestFingerprintDeterministic(t *testing.T) {
	first, err := Fingerprint(testMessage())
	if err != nil {
		t.Fatalf("Fingerprint() error = %v", err)
	}
	second, err := Fingerprint(testMessage())
	if err != nil {
		t.Fatalf("Fingerprint() error = %v", err)
	}
	if first != second {
		t.Errorf("identical deliveries produced different fingerprints: %s vs %s", first, second)
	}
	if len(first) != 16 {
		t.Errorf("fingerprint length = %d, want 16", len(first))
	}

	changed := testMessage()
	changed.Body = "olá"
	other, err := Fingerprint(changed)
	if err != nil {
		t.Fatalf("Fingerprint() error = %v", err)
	}
	if other == first {
		t.Error("different payloads produced the same fingerprint")
	}
}

func TestFingerprintMissingFields(t *testing.T) {
	if _, err := Fingerprint(types.InboundMessage{Type: "text", Body: "oi"}); err == nil {
		t.Error("expected error for message without id and sender")
	}
}

func TestMarkProcessingIdempotent(t *testing.T) {
	guard := newTestGuard(t, time.Hour)

	if _, ok := guard.MarkProcessing(testMessage()); !ok {
		t.Fatal("first MarkProcessing should claim the message")
	}
	if _, ok := guard.MarkProcessing(testMessage()); ok {
		t.Error("second MarkProcessing within TTL should not yield a token")
	}
}

func TestDuplicateDeliveryScenario(t *testing.T) {
	guard := newTestGuard(t, time.Hour)
	msg := testMessage()

	// First delivery processes
	if guard.IsDuplicate(msg) {
		t.Fatal("fresh message reported as duplicate")
	}
	token, ok := guard.MarkProcessing(msg)
	if !ok {
		t.Fatal("could not claim fresh message")
	}

	// Second delivery ten seconds later short-circuits
	if !guard.IsDuplicate(msg) {
		t.Error("in-flight message should report duplicate")
	}
	if _, ok := guard.MarkProcessing(msg); ok {
		t.Error("duplicate delivery obtained a processing token")
	}

	guard.MarkCompleted(token, "replied")
	if !guard.IsDuplicate(msg) {
		t.Error("completed message within TTL should still report duplicate")
	}
}

func TestFailedEntryAllowsRetry(t *testing.T) {
	guard := newTestGuard(t, time.Hour)
	msg := testMessage()

	token, ok := guard.MarkProcessing(msg)
	if !ok {
		t.Fatal("could not claim message")
	}
	guard.MarkFailed(token, errors.New("send failed"))

	if guard.IsDuplicate(msg) {
		t.Error("failed entry should not count as duplicate")
	}
	if _, ok := guard.MarkProcessing(msg); !ok {
		t.Error("failed entry should allow a fresh claim")
	}

	// Diagnostics survive until the next claim replaced the entry
	fingerprint, _ := Fingerprint(msg)
	entry, found := guard.Lookup(fingerprint)
	if !found {
		t.Fatal("entry missing after retry claim")
	}
	if entry.State != StateProcessing {
		t.Errorf("entry state after retry = %s, want %s", entry.State, StateProcessing)
	}
}

func TestConcurrentClaimYieldsOneToken(t *testing.T) {
	guard := newTestGuard(t, time.Hour)
	msg := testMessage()

	const workers = 32
	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		tokens int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, ok := guard.MarkProcessing(msg); ok {
				mu.Lock()
				tokens++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if tokens != 1 {
		t.Errorf("concurrent claims yielded %d tokens, want exactly 1", tokens)
	}
}

func TestSweepRemovesExpiredEntries(t *testing.T) {
	guard := newTestGuard(t, 10*time.Millisecond)
	msg := testMessage()

	token, ok := guard.MarkProcessing(msg)
	if !ok {
		t.Fatal("could not claim message")
	}
	guard.MarkCompleted(token, "replied")

	time.Sleep(20 * time.Millisecond)
	if removed := guard.sweep(); removed != 1 {
		t.Errorf("sweep removed %d entries, want 1", removed)
	}
	if guard.IsDuplicate(msg) {
		t.Error("expired entry should not block reprocessing")
	}
}

func TestStatsCountsByState(t *testing.T) {
	guard := newTestGuard(t, time.Hour)

	msgs := []types.InboundMessage{testMessage(), testMessage(), testMessage()}
	msgs[1].MessageID = "m2"
	msgs[2].MessageID = "m3"

	tokenA, _ := guard.MarkProcessing(msgs[0])
	tokenB, _ := guard.MarkProcessing(msgs[1])
	guard.MarkProcessing(msgs[2])

	guard.MarkCompleted(tokenA, "replied")
	guard.MarkFailed(tokenB, errors.New("boom"))

	stats := guard.Stats()
	if stats["completed"] != 1 || stats["failed"] != 1 || stats["processing"] != 1 {
		t.Errorf("unexpected stats: %v", stats)
	}
}
