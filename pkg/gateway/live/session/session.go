// Package session runs the per-call turn loop against the telephony
// platform's custom-LLM websocket. Each call gets a LiveCall paired with a
// keepalive emitter; both stop together and the call is finalized on every
// exit path.
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/m-hamzaa22/Voice-dispatch-agent/pkg/gateway/live/protocol"
	"github.com/m-hamzaa22/Voice-dispatch-agent/pkg/gateway/live/sessions"
	"github.com/m-hamzaa22/Voice-dispatch-agent/pkg/policy"
)

// Turn handler states, for logging.
const (
	stateConnected    = "connected"
	stateAwaitingTurn = "awaiting_turn"
	stateProcessing   = "processing"
	stateResponded    = "responded"
	stateEnding       = "ending"
	stateClosed       = "closed"
)

// Conn is the subset of *websocket.Conn the turn loop needs.
type Conn interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(messageType int, data []byte) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// TurnPolicy decides one turn. The adapter never fails; it falls back to a
// low-confidence reply instead.
type TurnPolicy interface {
	Decide(ctx context.Context, req policy.Request) policy.Decision
}

type Config struct {
	ReceiveTimeout    time.Duration
	KeepaliveInterval time.Duration
	WriteTimeout      time.Duration
	ContextWindow     int
	FinalizeTimeout   time.Duration
}

type Dependencies struct {
	Conn      Conn
	Store     *sessions.Store
	Policy    TurnPolicy
	Finalizer *Finalizer
	Logger    *slog.Logger
	CallID    string
	Config    Config
	Now       func() time.Time
}

// LiveCall is the turn handler for one call.
type LiveCall struct {
	conn      Conn
	store     *sessions.Store
	policy    TurnPolicy
	finalizer *Finalizer
	logger    *slog.Logger
	callID    string
	cfg       Config
	now       func() time.Time

	writeMu sync.Mutex
	state   string

	driverName string
	loadNumber string
}

type inboundFrame struct {
	data []byte
	err  error
}

func New(deps Dependencies) (*LiveCall, error) {
	if deps.Conn == nil {
		return nil, fmt.Errorf("connection is required")
	}
	if deps.Store == nil {
		return nil, fmt.Errorf("session store is required")
	}
	if deps.Policy == nil {
		return nil, fmt.Errorf("turn policy is required")
	}
	if deps.Finalizer == nil {
		return nil, fmt.Errorf("finalizer is required")
	}
	if strings.TrimSpace(deps.CallID) == "" {
		return nil, fmt.Errorf("call id is required")
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Config.ReceiveTimeout <= 0 {
		deps.Config.ReceiveTimeout = 30 * time.Second
	}
	if deps.Config.KeepaliveInterval <= 0 {
		deps.Config.KeepaliveInterval = 2 * time.Second
	}
	if deps.Config.WriteTimeout <= 0 {
		deps.Config.WriteTimeout = 5 * time.Second
	}
	if deps.Config.ContextWindow <= 0 {
		deps.Config.ContextWindow = 6
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}

	return &LiveCall{
		conn:      deps.Conn,
		store:     deps.Store,
		policy:    deps.Policy,
		finalizer: deps.Finalizer,
		logger:    deps.Logger.With("call_id", deps.CallID),
		callID:    deps.CallID,
		cfg:       deps.Config,
		now:       deps.Now,
		state:     stateConnected,
	}, nil
}

// Run drives the call until disconnect, an end-of-call decision, or ctx
// cancellation, then finalizes. The websocket is closed on return.
func (c *LiveCall) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	callCtx := c.store.GetOrCreate(c.callID, sessions.Context{})
	c.store.AttachCancel(c.callID, cancel)
	c.driverName = callCtx.DriverName
	c.loadNumber = callCtx.LoadNumber

	defer func() {
		c.setState(stateClosed)
		fctx := context.Background()
		if c.cfg.FinalizeTimeout > 0 {
			var fcancel context.CancelFunc
			fctx, fcancel = context.WithTimeout(fctx, c.cfg.FinalizeTimeout)
			defer fcancel()
		}
		if _, err := c.finalizer.Finalize(fctx, c.callID, nil); err != nil {
			c.logger.Error("finalize on disconnect failed", "error", err)
		}
		_ = c.conn.Close()
	}()

	greeting := protocol.TurnResponse{
		ResponseID:      0,
		Content:         Greeting(c.driverName, c.loadNumber),
		ContentComplete: true,
	}
	if err := c.writeJSON(greeting); err != nil {
		return fmt.Errorf("send greeting: %w", err)
	}
	c.logger.Info("live call connected",
		"driver_name", c.driverName,
		"load_number", c.loadNumber)

	go c.keepaliveLoop(ctx)

	readCh := make(chan inboundFrame, 16)
	go c.readLoop(ctx, readCh)

	idle := time.NewTimer(c.cfg.ReceiveTimeout)
	defer idle.Stop()

	c.setState(stateAwaitingTurn)
	for {
		if !idle.Stop() {
			select {
			case <-idle.C:
			default:
			}
		}
		idle.Reset(c.cfg.ReceiveTimeout)

		select {
		case <-ctx.Done():
			return nil
		case <-idle.C:
			// Not fatal: the platform can stay quiet between turns while
			// the driver talks. The remote side owns the disconnect.
			c.logger.Debug("no inbound frame within receive window",
				"timeout", c.cfg.ReceiveTimeout)
			continue
		case frame, ok := <-readCh:
			if !ok || frame.err != nil {
				if frame.err != nil && !websocket.IsCloseError(frame.err,
					websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					c.logger.Debug("websocket read ended", "error", frame.err)
				}
				return nil
			}

			msg, err := protocol.DecodeInbound(frame.data)
			if err != nil {
				c.logger.Warn("discarding malformed inbound frame", "error", err)
				continue
			}

			switch msg.Kind() {
			case protocol.KindLivenessAck:
				continue
			case protocol.KindUpdateOnly:
				c.logger.Debug("transcript update", "turns", len(msg.Transcript))
				continue
			case protocol.KindTurnRequired:
				ending, err := c.handleTurn(ctx, msg)
				if err != nil {
					return err
				}
				if ending {
					c.setState(stateEnding)
					return nil
				}
				c.setState(stateAwaitingTurn)
			default:
				c.logger.Debug("ignoring unknown inbound frame",
					"interaction_type", msg.InteractionType)
			}
		}
	}
}

// handleTurn answers one response_required frame. Returns ending=true when
// the policy decided to end the call; the response has already been sent.
func (c *LiveCall) handleTurn(ctx context.Context, msg protocol.InboundMessage) (bool, error) {
	utterance, ok := protocol.LastUserUtterance(msg.Transcript)
	if !ok {
		// Nothing to answer yet; the platform will re-ask.
		return false, nil
	}
	c.setState(stateProcessing)

	dec := c.policy.Decide(ctx, policy.Request{
		DriverName:  c.driverName,
		LoadNumber:  c.loadNumber,
		Utterance:   utterance,
		Context:     conversationContext(msg.Transcript, utterance, c.cfg.ContextWindow),
		Accumulated: c.store.Extracted(c.callID),
	})

	accumulated := c.store.MergeExtracted(c.callID, dec.Fields)
	c.store.ReplaceTranscript(c.callID, normalizeTranscript(msg.Transcript))

	ending := dec.Outcome == policy.OutcomeEndCall
	resp := protocol.TurnResponse{
		ResponseID:      msg.ResponseID,
		Content:         dec.Reply,
		ContentComplete: true,
		EndCall:         ending,
	}
	if err := c.writeJSON(resp); err != nil {
		return false, fmt.Errorf("send turn response: %w", err)
	}
	c.setState(stateResponded)

	c.logger.Info("turn handled",
		"response_id", msg.ResponseID,
		"outcome", string(dec.Outcome),
		"accumulated_fields", len(accumulated),
		"end_call", ending)
	return ending, nil
}

func (c *LiveCall) readLoop(ctx context.Context, out chan<- inboundFrame) {
	defer close(out)
	for {
		_, data, err := c.conn.ReadMessage()
		frame := inboundFrame{data: data, err: err}
		select {
		case out <- frame:
		case <-ctx.Done():
			return
		}
		if err != nil {
			return
		}
	}
}

func (c *LiveCall) writeJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode outbound frame: %w", err)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(c.now().Add(c.cfg.WriteTimeout))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *LiveCall) setState(state string) {
	c.state = state
	c.logger.Debug("turn handler state", "state", state)
}

// Greeting is sent at connect time without a policy call.
func Greeting(driverName, loadNumber string) string {
	if strings.TrimSpace(driverName) == "" {
		driverName = "Driver"
	}
	if strings.TrimSpace(loadNumber) == "" {
		loadNumber = "your load"
	}
	return fmt.Sprintf("Hi %s, this is Dispatch calling about load %s. Can you give me an update on your status?",
		driverName, loadNumber)
}

// conversationContext builds the bounded history for a policy request: the
// transcript minus its final entry, skipping empties and duplicates of the
// current utterance, trimmed to the last limit entries.
func conversationContext(transcript []protocol.Utterance, utterance string, limit int) []policy.Message {
	if len(transcript) == 0 {
		return nil
	}
	history := make([]policy.Message, 0, len(transcript)-1)
	for _, u := range transcript[:len(transcript)-1] {
		content := strings.TrimSpace(u.Content)
		if content == "" || content == utterance {
			continue
		}
		role := "user"
		if u.Role == protocol.RoleAgent {
			role = "assistant"
		}
		history = append(history, policy.Message{Role: role, Content: content})
	}
	if len(history) > limit {
		history = history[len(history)-limit:]
	}
	return history
}

// normalizeTranscript converts platform entries to stored turns, mapping
// the platform's "agent" role to "assistant".
func normalizeTranscript(transcript []protocol.Utterance) []sessions.Turn {
	turns := make([]sessions.Turn, 0, len(transcript))
	for _, u := range transcript {
		role := "user"
		if u.Role == protocol.RoleAgent {
			role = "assistant"
		}
		turns = append(turns, sessions.Turn{Role: role, Content: u.Content})
	}
	return turns
}
