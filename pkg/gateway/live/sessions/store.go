// Package sessions holds the in-memory state of in-flight calls. The Store
// is the single source of truth for active sessions; all mutation goes
// through its methods. TakeForFinalize is the linearization point that makes
// finalization exactly-once when the call-ended webhook and the websocket
// disconnect race each other.
package sessions

import (
	"context"
	"sync"
	"time"
)

// Turn is one normalized transcript entry (role "user" or "assistant").
type Turn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Context carries the immutable per-call fields set at registration time and
// read by the turn handler at greeting time.
type Context struct {
	DriverName  string
	LoadNumber  string
	PhoneNumber string
}

// Session is the mutable state of one active call. Values handed out by the
// Store are copies except for the single owner returned by TakeForFinalize.
type Session struct {
	CallID      string
	DriverName  string
	LoadNumber  string
	PhoneNumber string
	Extracted   map[string]any
	Transcript  []Turn
	StartedAt   time.Time
}

type entry struct {
	sess   *Session
	cancel context.CancelFunc
	once   sync.Once // guards wg.Done across racing finalize triggers
}

// Store maps call IDs to sessions. Operations on a single call ID are
// serialized by the store mutex; the critical sections are short enough that
// cross-call contention is negligible.
type Store struct {
	mu       sync.Mutex
	sessions map[string]*entry
	wg       sync.WaitGroup
	now      func() time.Time
}

func NewStore() *Store {
	return &Store{
		sessions: make(map[string]*entry),
		now:      time.Now,
	}
}

func (s *Store) getOrCreateLocked(callID string, defaults Context) *entry {
	if e, ok := s.sessions[callID]; ok {
		return e
	}
	e := &entry{sess: &Session{
		CallID:      callID,
		DriverName:  defaults.DriverName,
		LoadNumber:  defaults.LoadNumber,
		PhoneNumber: defaults.PhoneNumber,
		Extracted:   make(map[string]any),
		StartedAt:   s.now(),
	}}
	s.sessions[callID] = e
	s.wg.Add(1)
	return e
}

// Register creates the session for an outbound call before the platform
// connects, so the turn handler finds the driver context at greeting time.
// Registering an existing call ID leaves the session untouched.
func (s *Store) Register(callID string, ctx Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.getOrCreateLocked(callID, ctx)
}

// GetOrCreate returns the session's immutable context, creating the session
// lazily when the platform connects for a call that was never registered.
func (s *Store) GetOrCreate(callID string, defaults Context) Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.getOrCreateLocked(callID, defaults)
	return Context{
		DriverName:  e.sess.DriverName,
		LoadNumber:  e.sess.LoadNumber,
		PhoneNumber: e.sess.PhoneNumber,
	}
}

// AttachCancel records the cancel func for the session's paired background
// tasks so shutdown can stop live calls. No-op for finalized sessions.
func (s *Store) AttachCancel(callID string, cancel context.CancelFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.sessions[callID]; ok {
		e.cancel = cancel
	}
}

// MergeExtracted folds newly extracted fields into the session. Empty
// incoming values are dropped so a populated field is never reverted. It
// returns a copy of the accumulated fields after the merge.
func (s *Store) MergeExtracted(callID string, fields map[string]any) map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.sessions[callID]
	if !ok {
		return nil
	}
	for k, v := range fields {
		if isEmptyValue(v) {
			continue
		}
		e.sess.Extracted[k] = v
	}
	return copyFields(e.sess.Extracted)
}

// Extracted returns a copy of the accumulated fields.
func (s *Store) Extracted(callID string) map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.sessions[callID]
	if !ok {
		return nil
	}
	return copyFields(e.sess.Extracted)
}

// ReplaceTranscript replaces the stored transcript wholesale; the platform
// resends the full history each turn.
func (s *Store) ReplaceTranscript(callID string, turns []Turn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.sessions[callID]
	if !ok {
		return
	}
	e.sess.Transcript = append([]Turn(nil), turns...)
}

// TakeForFinalize atomically removes and returns the session. Exactly one of
// any number of concurrent calls for the same call ID receives the session;
// the rest observe absence, meaning the call was already finalized (or never
// tracked) and finalization is a no-op for them.
func (s *Store) TakeForFinalize(callID string) (*Session, bool) {
	s.mu.Lock()
	e, ok := s.sessions[callID]
	if ok {
		delete(s.sessions, callID)
	}
	s.mu.Unlock()
	if !ok {
		return nil, false
	}
	e.once.Do(s.wg.Done)
	return e.sess, true
}

// Count reports the number of in-flight sessions.
func (s *Store) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// CancelAll cancels every session's background tasks. Used on shutdown after
// the drain wait expires; cancellation is best-effort.
func (s *Store) CancelAll() (canceled int) {
	var cancels []context.CancelFunc
	s.mu.Lock()
	for _, e := range s.sessions {
		if e.cancel != nil {
			cancels = append(cancels, e.cancel)
		}
	}
	s.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
		canceled++
	}
	return canceled
}

// Wait blocks until every tracked session has been finalized, or the context
// expires. Returns false on expiry.
func (s *Store) Wait(ctx context.Context) bool {
	if ctx == nil {
		s.wg.Wait()
		return true
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		s.wg.Wait()
	}()

	select {
	case <-done:
		return true
	case <-ctx.Done():
		return false
	}
}

func isEmptyValue(v any) bool {
	if v == nil {
		return true
	}
	if s, ok := v.(string); ok {
		return s == ""
	}
	return false
}

func copyFields(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
