package conversation

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// State enumerates the lead lifecycle of a conversation.
type State string

const (
	StatePending   State = "pending"
	StateQualified State = "qualified"
	StateNurture   State = "nurture"
	StateClosed    State = "closed"
	StateError     State = "error"
)

// validTransitions is the allowed state graph. Any state may move to error
// on an unrecoverable fault; closed is terminal for automatic transitions.
var validTransitions = map[State][]State{
	StatePending:   {StateQualified, StateNurture, StateError},
	StateQualified: {StateClosed, StateError},
	StateNurture:   {StateQualified, StateClosed, StateError},
	StateClosed:    {StateError},
	StateError:     {StatePending},
}

// CanTransition reports whether from -> to is an allowed move.
func CanTransition(from, to State) bool {
	if from == to {
		return true
	}
	for _, allowed := range validTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// Record is the per-user conversation state. Records are created on first
// contact and never deleted, only transitioned.
type Record struct {
	UserID        string
	State         State
	LeadScore     int
	NextAction    string
	ScheduledSlot *time.Time
	Metadata      map[string]string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

func (r *Record) clone() Record {
	out := *r
	out.Metadata = make(map[string]string, len(r.Metadata))
	for k, v := range r.Metadata {
		out.Metadata[k] = v
	}
	return out
}

// Thresholds are the score boundaries for automatic qualification moves.
type Thresholds struct {
	Qualified int
	Nurture   int
}

// Snapshotter persists conversation records. Implemented by the Postgres
// store; nil disables persistence for single-instance in-memory deployments.
type Snapshotter interface {
	UpsertConversation(ctx context.Context, rec Record) error
	LoadConversation(ctx context.Context, userID string) (Record, bool, error)
}

type lockEntry struct {
	mu       sync.Mutex
	lastUsed time.Time
}

// Manager owns conversation records under a per-user lock discipline. All
// mutating operations for a user are serialized on the per-key lock; record
// field writes additionally hold m.mu so monitoring reads see consistent
// records.
type Manager struct {
	thresholds Thresholds
	store      Snapshotter
	logger     *zap.Logger

	mu            sync.Mutex
	conversations map[string]*Record
	locks         map[string]*lockEntry
	lockIdleAge   time.Duration

	stop     chan struct{}
	stopOnce sync.Once
}

// NewManager creates a conversation manager. store may be nil.
func NewManager(thresholds Thresholds, lockIdleAge time.Duration, store Snapshotter, logger *zap.Logger) *Manager {
	if thresholds.Qualified <= 0 {
		thresholds.Qualified = 70
	}
	if thresholds.Nurture <= 0 {
		thresholds.Nurture = 40
	}
	if lockIdleAge <= 0 {
		lockIdleAge = 6 * time.Hour
	}

	m := &Manager{
		thresholds:    thresholds,
		store:         store,
		logger:        logger,
		conversations: make(map[string]*Record),
		locks:         make(map[string]*lockEntry),
		lockIdleAge:   lockIdleAge,
		stop:          make(chan struct{}),
	}

	go m.evictIdleLocks()
	return m
}

// lockFor returns the lock entry for a user, creating it once. Two
// concurrent callers always receive the same entry.
func (m *Manager) lockFor(userID string) *lockEntry {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.locks[userID]
	if !ok {
		entry = &lockEntry{}
		m.locks[userID] = entry
	}
	entry.lastUsed = time.Now()
	return entry
}

// GetOrCreate returns the existing record for a user or creates one in the
// pending state. Safe under concurrent first-contact races: exactly one
// record is created per user.
func (m *Manager) GetOrCreate(ctx context.Context, userID string) Record {
	entry := m.lockFor(userID)
	entry.mu.Lock()
	defer entry.mu.Unlock()

	if rec := m.get(userID); rec != nil {
		return rec.clone()
	}

	// Fall back to the persisted snapshot before creating a fresh record,
	// so restarts do not reset lead state.
	if m.store != nil {
		if persisted, ok, err := m.store.LoadConversation(ctx, userID); err != nil {
			m.logger.Warn("Failed to load persisted conversation", zap.Error(err), zap.String("user_id", userID))
		} else if ok {
			rec := persisted
			m.put(&rec)
			return rec.clone()
		}
	}

	now := time.Now()
	rec := &Record{
		UserID:     userID,
		State:      StatePending,
		NextAction: "process_initial_message",
		Metadata:   make(map[string]string),
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	m.put(rec)
	m.snapshot(ctx, rec.clone())

	m.logger.Info("New conversation created", zap.String("user_id", userID))
	return rec.clone()
}

// Transition applies a state change and merges metadata. Returns false if
// the conversation does not exist or the move is not allowed.
func (m *Manager) Transition(ctx context.Context, userID string, newState State, metadataPatch map[string]string) bool {
	entry := m.lockFor(userID)
	entry.mu.Lock()
	defer entry.mu.Unlock()

	return m.transitionLocked(ctx, userID, newState, metadataPatch)
}

func (m *Manager) transitionLocked(ctx context.Context, userID string, newState State, metadataPatch map[string]string) bool {
	rec := m.get(userID)
	if rec == nil {
		return false
	}

	m.mu.Lock()
	oldState := rec.State
	if !CanTransition(oldState, newState) {
		m.mu.Unlock()
		m.logger.Warn("Rejected conversation state transition",
			zap.String("user_id", userID),
			zap.String("from", string(oldState)),
			zap.String("to", string(newState)))
		return false
	}

	rec.State = newState
	rec.UpdatedAt = time.Now()
	for k, v := range metadataPatch {
		rec.Metadata[k] = v
	}
	snap := rec.clone()
	m.mu.Unlock()

	m.snapshot(ctx, snap)

	if oldState != newState {
		m.logger.Info("Conversation state transition",
			zap.String("user_id", userID),
			zap.String("from", string(oldState)),
			zap.String("to", string(newState)))
	}
	return true
}

// UpdateLeadScore sets score, next action and scheduled slot, then applies
// the automatic qualification transition: score >= qualified threshold moves
// the lead to qualified, scores in the nurture band move it to nurture, and
// lower scores leave the state untouched.
func (m *Manager) UpdateLeadScore(ctx context.Context, userID string, score int, nextAction string, slot *time.Time) bool {
	entry := m.lockFor(userID)
	entry.mu.Lock()
	defer entry.mu.Unlock()

	rec := m.get(userID)
	if rec == nil {
		return false
	}

	m.mu.Lock()
	rec.LeadScore = score
	rec.NextAction = nextAction
	rec.ScheduledSlot = slot
	rec.UpdatedAt = time.Now()
	m.mu.Unlock()

	moved := false
	switch {
	case score >= m.thresholds.Qualified:
		moved = m.transitionLocked(ctx, userID, StateQualified, nil)
	case score >= m.thresholds.Nurture:
		moved = m.transitionLocked(ctx, userID, StateNurture, nil)
	}
	if !moved {
		// The score mutation still has to reach the store even when the
		// state does not change (or the move is rejected, e.g. closed leads).
		m.mu.Lock()
		snap := rec.clone()
		m.mu.Unlock()
		m.snapshot(ctx, snap)
	}
	return true
}

// CurrentState is a cheap monitoring read. State-changing decisions must go
// through the locked operations instead.
func (m *Manager) CurrentState(userID string) (State, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec := m.conversations[userID]
	if rec == nil {
		return "", false
	}
	return rec.State, true
}

// ActiveConversations returns copies of all non-closed records.
func (m *Manager) ActiveConversations() []Record {
	m.mu.Lock()
	defer m.mu.Unlock()

	active := make([]Record, 0, len(m.conversations))
	for _, rec := range m.conversations {
		if rec.State == StateClosed {
			continue
		}
		active = append(active, rec.clone())
	}
	return active
}

// Stats returns conversation counts by state.
func (m *Manager) Stats() map[string]int {
	m.mu.Lock()
	defer m.mu.Unlock()

	stats := make(map[string]int)
	for _, rec := range m.conversations {
		stats[string(rec.State)]++
	}
	return stats
}

// Stop terminates the lock eviction loop.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() { close(m.stop) })
}

func (m *Manager) get(userID string) *Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.conversations[userID]
}

func (m *Manager) put(rec *Record) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.conversations[rec.UserID] = rec
}

// snapshot writes an already-cloned record through to the store off the
// request path. Persistence failures are logged, not surfaced: the in-memory
// record stays authoritative for this instance.
func (m *Manager) snapshot(ctx context.Context, rec Record) {
	if m.store == nil {
		return
	}
	go func() {
		if err := m.store.UpsertConversation(context.WithoutCancel(ctx), rec); err != nil {
			m.logger.Error("Failed to persist conversation snapshot",
				zap.Error(err),
				zap.String("user_id", rec.UserID))
		}
	}()
}

// evictIdleLocks drops lock entries that have not been used for the idle
// window. Records are kept; only the lock bookkeeping is reclaimed.
func (m *Manager) evictIdleLocks() {
	ticker := time.NewTicker(m.lockIdleAge / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.mu.Lock()
			evicted := 0
			for userID, entry := range m.locks {
				if time.Since(entry.lastUsed) <= m.lockIdleAge {
					continue
				}
				// TryLock guards against evicting a lock someone still
				// holds, which would allow a second lock for the same key.
				if !entry.mu.TryLock() {
					continue
				}
				entry.mu.Unlock()
				delete(m.locks, userID)
				evicted++
			}
			m.mu.Unlock()
			if evicted > 0 {
				m.logger.Debug("Evicted idle conversation locks", zap.Int("count", evicted))
			}
		case <-m.stop:
			return
		}
	}
}
