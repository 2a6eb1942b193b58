// Package converse is the single synchronous entry point: it owns the
// per-conversation lock, the turn deadline, and the response envelope. One
// inbound message becomes exactly one graph run and one reply.
package converse

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"hydrochat/internal/graph"
	"hydrochat/internal/logging"
	"hydrochat/internal/session"
	"hydrochat/internal/state"
)

// Sentinel errors the HTTP layer maps onto status codes. A non-nil error
// may still come with a complete envelope.
var (
	ErrEmptyMessage = errors.New("message must not be empty")
	ErrDeadline     = errors.New("turn deadline exceeded")
	ErrCancelled    = errors.New("request cancelled")
	ErrInternal     = errors.New("internal routing failure")
)

// DefaultTurnDeadline bounds one turn when no configuration is supplied.
const DefaultTurnDeadline = 15 * time.Second

// Request is the inbound envelope.
type Request struct {
	ConversationID string `json:"conversation_id"`
	Message        string `json:"message"`
	MessageID      string `json:"message_id"`
}

// Message is one reply line.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// AgentState is the progress snapshot returned with every reply.
type AgentState struct {
	Intent               string   `json:"intent"`
	AwaitingConfirmation bool     `json:"awaiting_confirmation"`
	MissingFields        []string `json:"missing_fields"`
}

// Response is the outbound envelope. Every outcome, including user-facing
// failures, produces a complete one.
type Response struct {
	ConversationID string     `json:"conversation_id"`
	Messages       []Message  `json:"messages"`
	AgentOp        string     `json:"agent_op"`
	AgentState     AgentState `json:"agent_state"`
}

// Service drives turns through the graph with state loading, locking and
// deadline handling around them.
type Service struct {
	store    session.Store
	locks    *session.Locks
	executor *graph.Executor
	logger   *logging.Logger
	deadline time.Duration
	now      func() time.Time
}

// New wires the service. deps.Persist is installed here so the graph's
// finalize node writes through the same store.
func New(store session.Store, deps graph.Deps, logger *logging.Logger, deadline time.Duration) *Service {
	if deadline <= 0 {
		deadline = DefaultTurnDeadline
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	deps.Persist = func(ctx context.Context, st *state.SessionState) error {
		// Persistence must survive a just-expired turn deadline.
		return store.Put(context.WithoutCancel(ctx), st)
	}
	return &Service{
		store:    store,
		locks:    session.NewLocks(),
		executor: graph.NewExecutor(deps),
		logger:   logger.With("component", "converse"),
		deadline: deadline,
		now:      deps.Now,
	}
}

// Converse runs one turn. Turns for the same conversation serialize on the
// conversation lock; distinct conversations proceed in parallel. On
// cancellation or deadline the pre-turn state is restored with only the
// user message appended, so partial slot mutations never persist.
func (s *Service) Converse(ctx context.Context, req Request) (Response, error) {
	message := strings.TrimSpace(req.Message)
	if message == "" {
		return Response{}, ErrEmptyMessage
	}

	id := req.ConversationID
	if id == "" {
		id = uuid.NewString()
	}

	release := s.locks.Acquire(id)
	defer release()

	st, ok, err := s.store.Get(ctx, id)
	if err != nil {
		s.logger.Event(logging.CategoryError, id, "", "session load failed",
			map[string]any{"error": err.Error()})
		return Response{}, ErrInternal
	}
	if !ok {
		st = state.New(id, s.now())
	}
	snapshot := st.Clone()

	turnCtx, cancel := context.WithTimeout(ctx, s.deadline)
	defer cancel()

	out := s.executor.Run(turnCtx, st, message)

	if turnCtx.Err() != nil {
		return s.abortTurn(ctx, snapshot, message, turnCtx.Err())
	}

	resp := s.envelope(st, out)
	if out.RoutingViolation {
		return resp, ErrInternal
	}
	return resp, nil
}

// abortTurn handles deadline and cancellation: the pre-turn snapshot is
// restored (overwriting whatever the aborted run persisted), with only the
// user turn appended for context.
func (s *Service) abortTurn(ctx context.Context, snapshot *state.SessionState, message string, cause error) (Response, error) {
	snapshot.AppendMessage("user", message)
	snapshot.Touch(s.now())

	text := "That took too long and was cut off. Nothing was changed; please try again."
	sentinel := ErrDeadline
	if !errors.Is(cause, context.DeadlineExceeded) {
		text = "The request was cancelled. Nothing was changed."
		sentinel = ErrCancelled
	}
	snapshot.AppendMessage("assistant", text)

	if err := s.store.Put(context.WithoutCancel(ctx), snapshot); err != nil {
		s.logger.Event(logging.CategoryError, snapshot.ConversationID, "",
			"state restore after aborted turn failed", map[string]any{"error": err.Error()})
	}
	s.logger.Event(logging.CategoryError, snapshot.ConversationID, "",
		"turn aborted", map[string]any{"cause": cause.Error()})

	resp := s.envelope(snapshot, graph.Outcome{Messages: []string{text}})
	return resp, sentinel
}

// envelope assembles the response from post-turn state and graph output.
func (s *Service) envelope(st *state.SessionState, out graph.Outcome) Response {
	messages := make([]Message, 0, len(out.Messages))
	for _, content := range out.Messages {
		messages = append(messages, Message{Role: "assistant", Content: content})
	}
	missing := make([]string, len(st.MissingSlots))
	copy(missing, st.MissingSlots)

	return Response{
		ConversationID: st.ConversationID,
		Messages:       messages,
		AgentOp:        out.AgentOp.String(),
		AgentState: AgentState{
			Intent:               st.Intent.String(),
			AwaitingConfirmation: st.ConfirmationRequired,
			MissingFields:        missing,
		},
	}
}

// Pending reports how many conversations currently hold a turn lock.
func (s *Service) Pending() int {
	return s.locks.Pending()
}
