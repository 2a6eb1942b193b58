// Package graph is the deterministic conversation state machine. Each node
// consumes session state, performs at most one external call, and returns a
// routing token; a single static routing table decides the next node. The
// executor validates every token against the table, so no node can invent a
// transition that was never declared.
package graph

import (
	"context"
	"time"

	"hydrochat/internal/backend"
	"hydrochat/internal/intent"
	"hydrochat/internal/llm"
	"hydrochat/internal/logging"
	"hydrochat/internal/masking"
	"hydrochat/internal/metrics"
	"hydrochat/internal/namecache"
	"hydrochat/internal/state"
)

// Node names one vertex of the conversation graph.
type Node string

const (
	NodeIngest        Node = "ingest_user_message"
	NodeClassify      Node = "classify_intent"
	NodeCancel        Node = "handle_cancel"
	NodeCollectCreate Node = "collect_create_fields"
	NodeExecuteCreate Node = "execute_create_patient"
	NodeCollectUpdate Node = "collect_update_fields"
	NodeExecuteUpdate Node = "execute_update_patient"
	NodeDelete        Node = "delete_patient"
	NodeExecuteDelete Node = "execute_delete_patient"
	NodeList          Node = "list_patients"
	NodeDetails       Node = "get_patient_details"
	NodeScans         Node = "get_scan_results"
	NodeShowMore      Node = "show_more_scans"
	NodeStlLinks      Node = "provide_stl_links"
	NodeDepthMaps     Node = "provide_depth_maps"
	NodeConfirm       Node = "handle_confirmation"
	NodeStats         Node = "provide_agent_stats"
	NodeUnknown       Node = "unknown_intent"
	NodeSummarize     Node = "summarize_history"
	NodeFinalize      Node = "finalize_response"
)

// Token is a routing verdict returned by a node.
type Token string

const (
	tokenNext      Token = "next"
	tokenCancel    Token = "cancel"
	tokenConfirm   Token = "confirm"
	tokenCreate    Token = "create"
	tokenUpdate    Token = "update"
	tokenDelete    Token = "delete"
	tokenList      Token = "list"
	tokenDetails   Token = "details"
	tokenScans     Token = "scans"
	tokenShowMore  Token = "show_more"
	tokenDepthMaps Token = "depth_maps"
	tokenStats     Token = "stats"
	tokenUnknown   Token = "unknown"
	tokenExecute   Token = "execute"
	tokenRetry     Token = "retry"
	tokenAffirmDel Token = "affirm_delete"
	tokenAffirmStl Token = "affirm_stl"
	tokenDone      Token = "done"
)

// routes is the sole source of truth for graph transitions. A (node, token)
// pair absent from this table is a fatal routing violation.
var routes = map[Node]map[Token]Node{
	NodeIngest: {tokenNext: NodeClassify},
	NodeClassify: {
		tokenCancel:    NodeCancel,
		tokenConfirm:   NodeConfirm,
		tokenCreate:    NodeCollectCreate,
		tokenUpdate:    NodeCollectUpdate,
		tokenDelete:    NodeDelete,
		tokenList:      NodeList,
		tokenDetails:   NodeDetails,
		tokenScans:     NodeScans,
		tokenShowMore:  NodeShowMore,
		tokenDepthMaps: NodeDepthMaps,
		tokenStats:     NodeStats,
		tokenUnknown:   NodeUnknown,
	},
	NodeCancel: {tokenDone: NodeFinalize},
	NodeCollectCreate: {
		tokenExecute: NodeExecuteCreate,
		tokenDone:    NodeSummarize,
	},
	NodeExecuteCreate: {
		tokenRetry: NodeCollectCreate,
		tokenDone:  NodeSummarize,
	},
	NodeCollectUpdate: {
		tokenExecute: NodeExecuteUpdate,
		tokenDone:    NodeSummarize,
	},
	NodeExecuteUpdate: {
		tokenRetry: NodeCollectUpdate,
		tokenDone:  NodeSummarize,
	},
	NodeDelete: {tokenDone: NodeSummarize},
	NodeConfirm: {
		tokenAffirmDel: NodeExecuteDelete,
		tokenAffirmStl: NodeStlLinks,
		tokenDone:      NodeSummarize,
	},
	NodeExecuteDelete: {tokenDone: NodeSummarize},
	NodeList:          {tokenDone: NodeSummarize},
	NodeDetails:       {tokenDone: NodeSummarize},
	NodeScans:         {tokenDone: NodeSummarize},
	NodeShowMore:      {tokenDone: NodeSummarize},
	NodeStlLinks:      {tokenDone: NodeSummarize},
	NodeDepthMaps:     {tokenDone: NodeSummarize},
	NodeStats:         {tokenDone: NodeSummarize},
	NodeUnknown:       {tokenDone: NodeSummarize},
	NodeSummarize:     {tokenDone: NodeFinalize},
}

// maxSteps bounds one turn; the routing table is acyclic apart from the
// collect/execute validation loop, which terminates via the clarification
// bound well inside this limit.
const maxSteps = 12

// Deps wires the graph's collaborators. Everything is passed explicitly so
// tests compose stubs without global state.
type Deps struct {
	Backend    backend.API
	Cache      *namecache.Cache
	Classifier *intent.Classifier
	Adapter    llm.Adapter
	Metrics    *metrics.Metrics
	Logger     *logging.Logger
	Masker     *masking.Masker

	// Persist is called from finalize with the post-turn state. May be nil.
	Persist func(ctx context.Context, st *state.SessionState) error

	Now func() time.Time
}

// Outcome is what one executed turn produced.
type Outcome struct {
	Messages         []string
	AgentOp          state.AgentOp
	RoutingViolation bool
}

// turn is the per-invocation scratch space threaded through node functions.
type turn struct {
	st      *state.SessionState
	message string

	// classification result of this turn's message
	verdict  intent.Result
	progress bool

	out        Outcome
	routingErr bool
	start      time.Time
}

func (t *turn) say(msg string) {
	t.out.Messages = append(t.out.Messages, msg)
}

type nodeFunc func(ctx context.Context, t *turn) Token

// Executor runs turns through the graph.
type Executor struct {
	deps     Deps
	handlers map[Node]nodeFunc
}

// NewExecutor wires the node set against the given dependencies.
func NewExecutor(deps Deps) *Executor {
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.Logger == nil {
		deps.Logger = logging.Nop()
	}
	if deps.Masker == nil {
		deps.Masker = masking.New(true)
	}
	e := &Executor{deps: deps}
	e.handlers = map[Node]nodeFunc{
		NodeIngest:        e.ingest,
		NodeClassify:      e.classify,
		NodeCancel:        e.cancel,
		NodeCollectCreate: e.collectCreate,
		NodeExecuteCreate: e.executeCreate,
		NodeCollectUpdate: e.collectUpdate,
		NodeExecuteUpdate: e.executeUpdate,
		NodeDelete:        e.deletePatient,
		NodeExecuteDelete: e.executeDelete,
		NodeList:          e.listPatients,
		NodeDetails:       e.patientDetails,
		NodeScans:         e.scanResults,
		NodeShowMore:      e.showMoreScans,
		NodeStlLinks:      e.stlLinks,
		NodeDepthMaps:     e.depthMaps,
		NodeConfirm:       e.confirmation,
		NodeStats:         e.agentStats,
		NodeUnknown:       e.unknownIntent,
		NodeSummarize:     e.summarizeHistory,
	}
	return e
}

// Run executes one turn: ingest through finalize. The returned messages are
// already masked. A routing violation fails the turn closed with a generic
// error message and is flagged on the Outcome.
func (e *Executor) Run(ctx context.Context, st *state.SessionState, message string) Outcome {
	t := &turn{st: st, message: message, start: e.deps.Now()}

	current := NodeIngest
	for steps := 0; current != NodeFinalize; steps++ {
		if steps >= maxSteps {
			e.violate(t, current, "step limit exhausted")
			break
		}
		token := e.handlers[current](ctx, t)
		next, ok := routes[current][token]
		if !ok {
			e.violate(t, current, string(token))
			break
		}
		current = next
	}

	e.finalize(ctx, t)
	return t.out
}

// violate records a routing-table violation and fails the turn closed.
func (e *Executor) violate(t *turn, node Node, detail string) {
	t.routingErr = true
	t.out.RoutingViolation = true
	t.out.AgentOp = state.OpNone
	t.out.Messages = []string{"Something went wrong on our side, please try again."}
	e.deps.Logger.Event(logging.CategoryError, t.st.ConversationID, string(node),
		"routing violation, failing turn closed", map[string]any{"detail": detail})
}

// Nodes returns every node that has outbound routes, for table-closure
// checks.
func Nodes() []Node {
	out := make([]Node, 0, len(routes))
	for n := range routes {
		out = append(out, n)
	}
	return out
}

// AllowedTokens returns the permitted token set for a node.
func AllowedTokens(n Node) []Token {
	out := make([]Token, 0, len(routes[n]))
	for tok := range routes[n] {
		out = append(out, tok)
	}
	return out
}

// NextNode resolves one table entry, for tests.
func NextNode(n Node, tok Token) (Node, bool) {
	next, ok := routes[n][tok]
	return next, ok
}
