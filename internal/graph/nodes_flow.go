package graph

import (
	"context"
	"encoding/json"
	"regexp"
	"strings"

	"hydrochat/internal/intent"
	"hydrochat/internal/logging"
	"hydrochat/internal/metrics"
	"hydrochat/internal/state"
)

// Confirmation vocabularies. A message matching both sets, or neither, is
// ambiguous and triggers a re-prompt.
var (
	affirmativeWords = regexp.MustCompile(`(?i)\b(yes|yep|yeah|sure|confirm|affirmative|ok(ay)?|go ahead|do it|proceed)\b`)
	negativeWords    = regexp.MustCompile(`(?i)\b(no|nope|nah|negative|don'?t|do not|keep it|leave it)\b`)
)

// summaryThreshold is the transcript length past which the summarizer runs.
const summaryThreshold = 4

// ingest trims and size-caps the raw message, appends the user turn to the
// transcript and emits the flow event. A message that still carries a raw
// identifier is fine here; masking happens on the way out, never on input.
func (e *Executor) ingest(_ context.Context, t *turn) Token {
	t.message = intent.Truncate(strings.TrimSpace(t.message))
	t.st.AppendMessage("user", t.message)
	e.deps.Logger.Event(logging.CategoryFlow, t.st.ConversationID, string(NodeIngest),
		"user turn received", map[string]any{
			"chars":    len(t.message),
			"has_pii":  e.deps.Masker.ContainsUnmasked(t.message),
			"pending":  t.st.PendingAction.Stable(),
			"awaiting": t.st.ConfirmationRequired,
		})
	return tokenNext
}

// classify sets the turn's intent and merges extracted slots, then routes.
// Cancel short-circuits everything; context-dependent follow-ups (show more,
// depth maps) require their context to exist; an armed confirmation gate
// captures anything that is not an explicit follow-up or stats request.
func (e *Executor) classify(ctx context.Context, t *turn) Token {
	t.verdict = e.deps.Classifier.Classify(ctx, t.st.ConversationID, t.message)
	t.progress = e.mergeSlots(t)

	e.deps.Logger.Event(logging.CategoryIntent, t.st.ConversationID, string(NodeClassify),
		"message classified", map[string]any{
			"intent":   t.verdict.Intent.String(),
			"slots":    len(t.verdict.Slots),
			"progress": t.progress,
		})

	if t.verdict.Intent == state.IntentCancel {
		return tokenCancel
	}

	hasScans := len(t.st.ScanBuffer) > 0
	if t.st.ConfirmationRequired {
		switch t.verdict.Intent {
		case state.IntentShowMoreScans:
			if hasScans {
				return tokenShowMore
			}
		case state.IntentProvideDepthMaps:
			if hasScans {
				return tokenDepthMaps
			}
		case state.IntentProvideAgentStats:
			return tokenStats
		}
		return tokenConfirm
	}

	switch t.verdict.Intent {
	case state.IntentCreatePatient:
		e.adoptIntent(t, state.IntentCreatePatient)
		return tokenCreate
	case state.IntentUpdatePatient:
		e.adoptIntent(t, state.IntentUpdatePatient)
		return tokenUpdate
	case state.IntentDeletePatient:
		e.adoptIntent(t, state.IntentDeletePatient)
		return tokenDelete
	case state.IntentListPatients:
		e.adoptIntent(t, state.IntentListPatients)
		return tokenList
	case state.IntentGetPatientDetails:
		e.adoptIntent(t, state.IntentGetPatientDetails)
		return tokenDetails
	case state.IntentGetScanResults:
		e.adoptIntent(t, state.IntentGetScanResults)
		return tokenScans
	case state.IntentShowMoreScans:
		if hasScans {
			return tokenShowMore
		}
		return tokenUnknown
	case state.IntentProvideDepthMaps:
		if hasScans {
			return tokenDepthMaps
		}
		return tokenUnknown
	case state.IntentProvideAgentStats:
		return tokenStats
	}

	// Unknown: a slot-only message continues whatever flow is in flight.
	switch t.st.PendingAction {
	case state.PendingSlotsForCreate:
		return tokenCreate
	case state.PendingSlotsForUpdate:
		return tokenUpdate
	}
	if t.progress {
		switch t.st.Intent {
		case state.IntentGetPatientDetails:
			return tokenDetails
		case state.IntentGetScanResults:
			return tokenScans
		case state.IntentDeletePatient:
			return tokenDelete
		}
	}
	return tokenUnknown
}

// adoptIntent records a freshly classified intent. Switching away from an
// in-flight slot-filling action abandons it.
func (e *Executor) adoptIntent(t *turn, next state.Intent) {
	abandoned := (t.st.PendingAction == state.PendingSlotsForCreate && next != state.IntentCreatePatient) ||
		(t.st.PendingAction == state.PendingSlotsForUpdate && next != state.IntentUpdatePatient)
	if abandoned {
		t.st.ClearPending()
	}
	if t.st.Intent != next {
		t.st.ClarificationCount = 0
	}
	t.st.Intent = next
}

// mergeSlots folds this turn's extracted slots into the session, reporting
// whether anything new arrived.
func (e *Executor) mergeSlots(t *turn) bool {
	progress := false
	for key, value := range t.verdict.Slots {
		if t.st.Slots[key] != value {
			t.st.Slots[key] = value
			progress = true
		}
	}
	return progress
}

// cancel aborts whatever is in flight, keeping only conversation identity
// and transcript context.
func (e *Executor) cancel(_ context.Context, t *turn) Token {
	t.st.ResetOnCancel()
	t.st.MetricsDelta.AbortedOps++
	t.out.AgentOp = state.OpNone
	t.say("Okay, cancelled. Nothing was changed. What would you like to do next?")
	e.deps.Logger.Event(logging.CategoryFlow, t.st.ConversationID, string(NodeCancel),
		"conversation state reset by cancel", nil)
	return tokenDone
}

// confirmation parses the user's answer to an armed yes/no gate. Only an
// unambiguous affirmative reaches an execute node.
func (e *Executor) confirmation(_ context.Context, t *turn) Token {
	affirmed := affirmativeWords.MatchString(t.message)
	declined := negativeWords.MatchString(t.message)

	switch {
	case affirmed && !declined:
		switch t.st.ConfirmationKind {
		case state.ConfirmDelete:
			return tokenAffirmDel
		case state.ConfirmStlDownload:
			return tokenAffirmStl
		}
		// An armed gate without a kind cannot be satisfied; fall through to
		// the re-prompt below after clearing it.
		t.st.ClearPending()
		t.say("There is nothing pending to confirm.")
		return tokenDone
	case declined && !affirmed:
		kind := t.st.ConfirmationKind
		t.st.ClearPending()
		if kind == state.ConfirmStlDownload {
			t.st.DownloadStage = state.StagePreviewShown
			t.say("Okay, I won't send the STL files. The previews above are still available.")
		} else {
			t.say("Okay, I won't proceed. Nothing was changed.")
		}
		return tokenDone
	default:
		t.say("I need a clear yes or no before I proceed.")
		return tokenDone
	}
}

// agentStats renders the metrics summary for operator queries.
func (e *Executor) agentStats(_ context.Context, t *turn) Token {
	summary := e.deps.Metrics.Snapshot()
	payload, err := json.MarshalIndent(summary, "", "  ")
	if err != nil {
		t.say("Stats are unavailable right now.")
		return tokenDone
	}
	t.say("Current agent stats:\n" + string(payload))
	return tokenDone
}

// unknownIntent answers anything the classifier could not place with a short
// capability guide.
func (e *Executor) unknownIntent(_ context.Context, t *turn) Token {
	t.say("I can help with patient records and scans. Try one of:\n" +
		"- \"create patient Jane Tan NRIC S1234567A\"\n" +
		"- \"update contact for Jane Tan\"\n" +
		"- \"list patients\"\n" +
		"- \"scan results for patient 7\"\n" +
		"- \"delete patient 7\" (asks for confirmation)")
	return tokenDone
}

// summarizeHistory compresses the transcript once it grows past the
// threshold. Without an adapter, or when the adapter fails, a deterministic
// truncation stands in.
func (e *Executor) summarizeHistory(ctx context.Context, t *turn) Token {
	if len(t.st.RecentMessages) <= summaryThreshold {
		return tokenDone
	}

	lines := make([]string, 0, len(t.st.RecentMessages))
	for _, m := range t.st.RecentMessages {
		lines = append(lines, m.Role+": "+m.Text)
	}

	if e.deps.Adapter != nil {
		summary, err := e.deps.Adapter.Summarize(ctx, lines)
		if err == nil && summary != "" {
			t.st.HistorySummary = summary
			return tokenDone
		}
		if err != nil {
			e.deps.Logger.Event(logging.CategoryError, t.st.ConversationID, string(NodeSummarize),
				"history summarization failed, using truncation fallback",
				map[string]any{"error": err.Error()})
		}
	}

	t.st.HistorySummary = truncateSummary(lines)
	return tokenDone
}

// truncateSummary is the adapter-free fallback: the joined transcript capped
// at a fixed length.
func truncateSummary(lines []string) string {
	joined := strings.Join(lines, " | ")
	const maxLen = 240
	if len(joined) > maxLen {
		return joined[:maxLen-3] + "..."
	}
	return joined
}

// finalize is the single terminal node: it masks every outbound message,
// appends the assistant turn to the transcript, folds the turn's counter
// deltas into global metrics and persists state.
func (e *Executor) finalize(ctx context.Context, t *turn) {
	if len(t.out.Messages) == 0 {
		t.out.Messages = []string{"Done."}
	}
	t.out.Messages = e.deps.Masker.MaskAll(t.out.Messages)

	for _, msg := range t.out.Messages {
		t.st.AppendMessage("assistant", msg)
	}
	t.st.Touch(e.deps.Now())

	outcome := metrics.TurnNeutral
	delta := t.st.MetricsDelta
	switch {
	case delta.AbortedOps > 0:
		outcome = metrics.TurnAborted
	case delta.FailedOps > 0:
		outcome = metrics.TurnFailed
	case delta.SuccessfulOps > 0:
		outcome = metrics.TurnSuccess
	}
	if t.routingErr {
		outcome = metrics.TurnFailed
	}
	e.deps.Metrics.RecordTurn(outcome, e.deps.Now().Sub(t.start))
	t.st.MetricsDelta = state.TurnMetrics{}

	if e.deps.Persist != nil {
		if err := e.deps.Persist(ctx, t.st); err != nil {
			e.deps.Logger.Event(logging.CategoryError, t.st.ConversationID, string(NodeFinalize),
				"state persistence failed", map[string]any{"error": err.Error()})
		}
	}

	e.deps.Logger.Event(logging.CategorySuccess, t.st.ConversationID, string(NodeFinalize),
		"turn complete", map[string]any{
			"agent_op": t.out.AgentOp.String(),
			"outcome":  string(outcome),
			"millis":   e.deps.Now().Sub(t.start).Milliseconds(),
		})
}
