package session

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/m-hamzaa22/Voice-dispatch-agent/pkg/gateway/live/protocol"
	"github.com/m-hamzaa22/Voice-dispatch-agent/pkg/gateway/live/sessions"
	"github.com/m-hamzaa22/Voice-dispatch-agent/pkg/policy"
	"github.com/m-hamzaa22/Voice-dispatch-agent/pkg/storage"
)

type fakeConn struct {
	mu     sync.Mutex
	writes [][]byte

	reads     chan []byte
	closed    chan struct{}
	closeOnce sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		reads:  make(chan []byte, 16),
		closed: make(chan struct{}),
	}
}

func (f *fakeConn) ReadMessage() (int, []byte, error) {
	select {
	case data, ok := <-f.reads:
		if !ok {
			return 0, nil, &websocket.CloseError{Code: websocket.CloseNormalClosure}
		}
		return websocket.TextMessage, data, nil
	case <-f.closed:
		return 0, nil, &websocket.CloseError{Code: websocket.CloseGoingAway}
	}
}

func (f *fakeConn) WriteMessage(_ int, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writes = append(f.writes, append([]byte(nil), data...))
	return nil
}

func (f *fakeConn) SetWriteDeadline(time.Time) error { return nil }

func (f *fakeConn) Close() error {
	f.closeOnce.Do(func() { close(f.closed) })
	return nil
}

func (f *fakeConn) writeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.writes)
}

func (f *fakeConn) turnResponses() []protocol.TurnResponse {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []protocol.TurnResponse
	for _, data := range f.writes {
		var probe struct {
			ResponseType string `json:"response_type"`
		}
		_ = json.Unmarshal(data, &probe)
		if probe.ResponseType == protocol.ResponseTypePingPong {
			continue
		}
		var resp protocol.TurnResponse
		if err := json.Unmarshal(data, &resp); err == nil {
			out = append(out, resp)
		}
	}
	return out
}

func (f *fakeConn) keepaliveCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, data := range f.writes {
		var probe struct {
			ResponseType string `json:"response_type"`
		}
		_ = json.Unmarshal(data, &probe)
		if probe.ResponseType == protocol.ResponseTypePingPong {
			n++
		}
	}
	return n
}

func (f *fakeConn) send(t *testing.T, v any) {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal inbound frame: %v", err)
	}
	select {
	case f.reads <- data:
	case <-time.After(time.Second):
		t.Fatal("timed out sending inbound frame")
	}
}

type fakePolicy struct {
	calls  atomic.Int64
	decide func(policy.Request) policy.Decision
}

func (p *fakePolicy) Decide(_ context.Context, req policy.Request) policy.Decision {
	p.calls.Add(1)
	if p.decide == nil {
		return policy.Decision{Reply: "ok", Outcome: policy.OutcomeRoutine, Fields: map[string]any{}}
	}
	return p.decide(req)
}

type fakeRecorder struct {
	mu      sync.Mutex
	updates []storage.CallResultUpdate
	callIDs []string
	err     error
}

func (r *fakeRecorder) UpdateCallResult(_ context.Context, callID string, update storage.CallResultUpdate) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.callIDs = append(r.callIDs, callID)
	r.updates = append(r.updates, update)
	return nil
}

func (r *fakeRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.updates)
}

func (r *fakeRecorder) last() storage.CallResultUpdate {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.updates) == 0 {
		return nil
	}
	return r.updates[len(r.updates)-1]
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(discardWriter{}, &slog.HandlerOptions{Level: slog.LevelError + 1}))
}

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }

func newTestCall(t *testing.T, conn *fakeConn, store *sessions.Store, pol *fakePolicy, rec *fakeRecorder, callID string) *LiveCall {
	t.Helper()
	fin := &Finalizer{Store: store, Recorder: rec, Logger: quietLogger()}
	call, err := New(Dependencies{
		Conn:      conn,
		Store:     store,
		Policy:    pol,
		Finalizer: fin,
		Logger:    quietLogger(),
		CallID:    callID,
		Config: Config{
			ReceiveTimeout:    200 * time.Millisecond,
			KeepaliveInterval: 20 * time.Millisecond,
			WriteTimeout:      time.Second,
			ContextWindow:     6,
		},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return call
}

func runCall(t *testing.T, call *LiveCall) <-chan error {
	t.Helper()
	done := make(chan error, 1)
	go func() { done <- call.Run(context.Background()) }()
	return done
}

func waitDone(t *testing.T, done <-chan error) {
	t.Helper()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run returned error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return")
	}
}

func waitFor(t *testing.T, cond func() bool, what string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestGreetingUsesRegisteredContextWithoutPolicyCall(t *testing.T) {
	store := sessions.NewStore()
	store.Register("call_1", sessions.Context{DriverName: "Sam", LoadNumber: "482"})
	conn := newFakeConn()
	pol := &fakePolicy{}
	rec := &fakeRecorder{}

	done := runCall(t, newTestCall(t, conn, store, pol, rec, "call_1"))

	waitFor(t, func() bool { return len(conn.turnResponses()) >= 1 }, "greeting")
	close(conn.reads)
	waitDone(t, done)

	greeting := conn.turnResponses()[0]
	want := "Hi Sam, this is Dispatch calling about load 482. Can you give me an update on your status?"
	if greeting.Content != want {
		t.Fatalf("greeting = %q, want %q", greeting.Content, want)
	}
	if greeting.ResponseID != 0 || !greeting.ContentComplete || greeting.EndCall {
		t.Fatalf("unexpected greeting frame: %+v", greeting)
	}
	if pol.calls.Load() != 0 {
		t.Fatalf("policy called %d times for greeting, want 0", pol.calls.Load())
	}
	if rec.count() != 1 {
		t.Fatalf("finalized %d times, want 1", rec.count())
	}
}

func TestEmergencyTurnMergesFieldsAndResponds(t *testing.T) {
	store := sessions.NewStore()
	store.Register("call_2", sessions.Context{DriverName: "Sam", LoadNumber: "482"})
	conn := newFakeConn()
	pol := &fakePolicy{decide: func(req policy.Request) policy.Decision {
		if req.Utterance != "I'm stuck on I-10 after an accident" {
			t.Errorf("utterance = %q", req.Utterance)
		}
		return policy.Decision{
			Reply:   "Are you safe right now?",
			Outcome: policy.OutcomeEmergency,
			Fields: map[string]any{
				"is_emergency":    true,
				"should_end_call": false,
				"emergency_type":  "Accident",
				"call_outcome":    "Emergency Detected",
			},
		}
	}}
	rec := &fakeRecorder{}

	done := runCall(t, newTestCall(t, conn, store, pol, rec, "call_2"))
	waitFor(t, func() bool { return len(conn.turnResponses()) >= 1 }, "greeting")

	conn.send(t, protocol.InboundMessage{
		InteractionType: protocol.InteractionResponseRequired,
		ResponseID:      3,
		Transcript: []protocol.Utterance{
			{Role: protocol.RoleAgent, Content: "Hi Sam, this is Dispatch."},
			{Role: protocol.RoleUser, Content: "I'm stuck on I-10 after an accident"},
		},
	})
	waitFor(t, func() bool { return len(conn.turnResponses()) >= 2 }, "turn response")
	close(conn.reads)
	waitDone(t, done)

	resp := conn.turnResponses()[1]
	if resp.ResponseID != 3 || resp.Content != "Are you safe right now?" || resp.EndCall {
		t.Fatalf("unexpected turn response: %+v", resp)
	}

	update := rec.last()
	if update == nil {
		t.Fatal("no finalize write recorded")
	}
	structured, ok := update["structured_data"].(map[string]any)
	if !ok {
		t.Fatalf("structured_data type %T", update["structured_data"])
	}
	if structured["is_emergency"] != true {
		t.Fatalf("is_emergency = %v", structured["is_emergency"])
	}
	if update["emergency_type"] != "Accident" {
		t.Fatalf("promoted emergency_type = %v", update["emergency_type"])
	}
	if update["call_status"] != "completed" {
		t.Fatalf("call_status = %v", update["call_status"])
	}
}

func TestEndCallDecisionSendsResponseThenExits(t *testing.T) {
	store := sessions.NewStore()
	store.Register("call_3", sessions.Context{DriverName: "Sam", LoadNumber: "482"})
	conn := newFakeConn()
	pol := &fakePolicy{decide: func(policy.Request) policy.Decision {
		return policy.Decision{
			Reply:   "Thanks for the update, drive safely!",
			Outcome: policy.OutcomeEndCall,
			Fields:  map[string]any{"should_end_call": true, "reason": "All data collected"},
		}
	}}
	rec := &fakeRecorder{}

	done := runCall(t, newTestCall(t, conn, store, pol, rec, "call_3"))
	waitFor(t, func() bool { return len(conn.turnResponses()) >= 1 }, "greeting")

	conn.send(t, protocol.InboundMessage{
		InteractionType: protocol.InteractionResponseRequired,
		ResponseID:      5,
		Transcript: []protocol.Utterance{
			{Role: protocol.RoleUser, Content: "ETA is 3pm, I'm driving near Phoenix"},
		},
	})

	// Run must exit on its own after sending end_call, without the remote
	// closing the connection.
	waitDone(t, done)

	responses := conn.turnResponses()
	last := responses[len(responses)-1]
	if !last.EndCall || last.ResponseID != 5 {
		t.Fatalf("unexpected final response: %+v", last)
	}
	if rec.count() != 1 {
		t.Fatalf("finalized %d times, want 1", rec.count())
	}
}

func TestEmptyUtteranceSkipsPolicy(t *testing.T) {
	store := sessions.NewStore()
	conn := newFakeConn()
	pol := &fakePolicy{}
	rec := &fakeRecorder{}

	done := runCall(t, newTestCall(t, conn, store, pol, rec, "call_4"))
	waitFor(t, func() bool { return len(conn.turnResponses()) >= 1 }, "greeting")

	conn.send(t, protocol.InboundMessage{
		InteractionType: protocol.InteractionResponseRequired,
		ResponseID:      1,
		Transcript: []protocol.Utterance{
			{Role: protocol.RoleAgent, Content: "Hi there."},
			{Role: protocol.RoleUser, Content: "   "},
		},
	})
	// Give the loop a moment to process the frame.
	time.Sleep(50 * time.Millisecond)
	close(conn.reads)
	waitDone(t, done)

	if pol.calls.Load() != 0 {
		t.Fatalf("policy called %d times, want 0", pol.calls.Load())
	}
	if got := len(conn.turnResponses()); got != 1 {
		t.Fatalf("turn responses = %d, want greeting only", got)
	}
}

func TestKeepaliveCadenceAndStop(t *testing.T) {
	store := sessions.NewStore()
	conn := newFakeConn()
	pol := &fakePolicy{}
	rec := &fakeRecorder{}

	done := runCall(t, newTestCall(t, conn, store, pol, rec, "call_5"))
	waitFor(t, func() bool { return conn.keepaliveCount() >= 3 }, "keepalive frames")

	close(conn.reads)
	waitDone(t, done)

	after := conn.keepaliveCount()
	time.Sleep(100 * time.Millisecond)
	if got := conn.keepaliveCount(); got != after {
		t.Fatalf("keepalives kept flowing after session end: %d -> %d", after, got)
	}
}

func TestRacingFinalizeTriggersWriteOnce(t *testing.T) {
	store := sessions.NewStore()
	store.Register("call_6", sessions.Context{DriverName: "Sam", LoadNumber: "482"})
	rec := &fakeRecorder{}
	fin := &Finalizer{Store: store, Recorder: rec, Logger: quietLogger()}

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = fin.Finalize(context.Background(), "call_6", []sessions.Turn{
				{Role: "user", Content: "hello"},
			})
		}()
	}
	wg.Wait()

	if rec.count() != 1 {
		t.Fatalf("persistence writes = %d, want exactly 1", rec.count())
	}
}

func TestFinalizerFallbackWhenNothingExtracted(t *testing.T) {
	store := sessions.NewStore()
	store.Register("call_7", sessions.Context{DriverName: "Sam", LoadNumber: "482"})
	rec := &fakeRecorder{}
	fin := &Finalizer{Store: store, Recorder: rec, Logger: quietLogger()}

	structured, err := fin.Finalize(context.Background(), "call_7", nil)
	if err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	if structured["call_outcome"] != "Call Completed" {
		t.Fatalf("call_outcome = %v", structured["call_outcome"])
	}
	if structured["confidence"] != 0.3 {
		t.Fatalf("confidence = %v", structured["confidence"])
	}
	summary, _ := structured["summary"].(string)
	if summary != "Call completed with Sam about load 482 - no data extracted during conversation" {
		t.Fatalf("summary = %q", summary)
	}
}

func TestFinalizerTranscriptPreference(t *testing.T) {
	store := sessions.NewStore()
	rec := &fakeRecorder{}
	fin := &Finalizer{Store: store, Recorder: rec, Logger: quietLogger()}

	// Session transcript wins when present.
	store.Register("call_8", sessions.Context{})
	store.ReplaceTranscript("call_8", []sessions.Turn{{Role: "user", Content: "from session"}})
	if _, err := fin.Finalize(context.Background(), "call_8", []sessions.Turn{{Role: "user", Content: "authoritative"}}); err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	got := rec.last()["full_transcript"].([]sessions.Turn)
	if len(got) != 1 || got[0].Content != "from session" {
		t.Fatalf("transcript = %+v, want session copy", got)
	}

	// Authoritative transcript fills in when the session recorded none.
	store.Register("call_9", sessions.Context{})
	if _, err := fin.Finalize(context.Background(), "call_9", []sessions.Turn{{Role: "user", Content: "authoritative"}}); err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	got = rec.last()["full_transcript"].([]sessions.Turn)
	if len(got) != 1 || got[0].Content != "authoritative" {
		t.Fatalf("transcript = %+v, want authoritative copy", got)
	}
}

func TestFinalizeUnknownCallIsNoOp(t *testing.T) {
	rec := &fakeRecorder{}
	fin := &Finalizer{Store: sessions.NewStore(), Recorder: rec, Logger: quietLogger()}

	structured, err := fin.Finalize(context.Background(), "never_seen", nil)
	if err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	if structured != nil || rec.count() != 0 {
		t.Fatalf("expected no-op, got structured=%v writes=%d", structured, rec.count())
	}
}

func TestConversationContextBounds(t *testing.T) {
	transcript := []protocol.Utterance{
		{Role: protocol.RoleAgent, Content: "a1"},
		{Role: protocol.RoleUser, Content: "u1"},
		{Role: protocol.RoleAgent, Content: "a2"},
		{Role: protocol.RoleUser, Content: ""},
		{Role: protocol.RoleAgent, Content: "a3"},
		{Role: protocol.RoleUser, Content: "u2"},
		{Role: protocol.RoleAgent, Content: "a4"},
		{Role: protocol.RoleUser, Content: "current"},
	}

	history := conversationContext(transcript, "current", 4)
	if len(history) != 4 {
		t.Fatalf("history len = %d, want 4", len(history))
	}
	if history[0].Content != "a2" || history[0].Role != "assistant" {
		t.Fatalf("history[0] = %+v", history[0])
	}
	if history[3].Content != "a4" {
		t.Fatalf("history[3] = %+v", history[3])
	}
	for _, m := range history {
		if m.Content == "current" {
			t.Fatal("current utterance leaked into context")
		}
	}
}

func TestGreetingDefaults(t *testing.T) {
	got := Greeting("", "")
	want := "Hi Driver, this is Dispatch calling about load your load. Can you give me an update on your status?"
	if got != want {
		t.Fatalf("Greeting() = %q, want %q", got, want)
	}
}
