// Package state holds the per-session conversational state: intent, slots,
// pending action, confirmation gates, scan pagination buffers and counters.
// It is pure data with serialization; all behavior lives in the graph.
package state

import (
	"encoding/json"
	"sort"
	"time"

	"hydrochat/internal/backend"
)

// MaxRecentMessages bounds the rolling transcript window.
const MaxRecentMessages = 5

// DefaultScanPageSize is how many scans one page shows.
const DefaultScanPageSize = 10

// Message is one transcript turn.
type Message struct {
	Role string `json:"role"`
	Text string `json:"text"`
}

// TurnMetrics accumulates per-turn counter deltas merged into the global
// metrics at turn end.
type TurnMetrics struct {
	SuccessfulOps int `json:"successful_ops"`
	FailedOps     int `json:"failed_ops"`
	AbortedOps    int `json:"aborted_ops"`
}

// SessionState is the per-conversation state. Mutated by exactly one turn
// at a time; the converse service guarantees serialization.
type SessionState struct {
	ConversationID string
	CreatedAt      time.Time
	LastTouchedAt  time.Time

	RecentMessages []Message

	Intent        Intent
	PendingAction PendingAction

	Slots        map[string]string
	MissingSlots []string

	SelectedPatientID    int
	ConfirmationRequired bool
	ConfirmationKind     ConfirmationKind

	ScanBuffer   []backend.ScanRecord
	ScanOffset   int
	ScanPageSize int

	DownloadStage      DownloadStage
	ClarificationCount int
	HistorySummary     string

	MetricsDelta TurnMetrics
}

// New returns a fresh state with all defaults set.
func New(conversationID string, now time.Time) *SessionState {
	return &SessionState{
		ConversationID: conversationID,
		CreatedAt:      now,
		LastTouchedAt:  now,
		Slots:          map[string]string{},
		MissingSlots:   []string{},
		ScanPageSize:   DefaultScanPageSize,
	}
}

// Touch advances the last-touched timestamp.
func (s *SessionState) Touch(now time.Time) {
	if now.After(s.LastTouchedAt) {
		s.LastTouchedAt = now
	}
}

// AppendMessage records a transcript turn, keeping the newest
// MaxRecentMessages entries.
func (s *SessionState) AppendMessage(role, text string) {
	s.RecentMessages = append(s.RecentMessages, Message{Role: role, Text: text})
	if len(s.RecentMessages) > MaxRecentMessages {
		s.RecentMessages = s.RecentMessages[len(s.RecentMessages)-MaxRecentMessages:]
	}
}

// ResetOnCancel clears everything except conversation identity, creation
// time, the transcript window and the history summary.
func (s *SessionState) ResetOnCancel() {
	s.Intent = IntentUnknown
	s.PendingAction = PendingNone
	s.Slots = map[string]string{}
	s.MissingSlots = []string{}
	s.SelectedPatientID = 0
	s.ConfirmationRequired = false
	s.ConfirmationKind = ConfirmNone
	s.ScanBuffer = nil
	s.ScanOffset = 0
	s.ScanPageSize = DefaultScanPageSize
	s.DownloadStage = StageNone
	s.ClarificationCount = 0
	s.MetricsDelta = TurnMetrics{}
}

// ClearPending drops the pending action and its confirmation gate without
// touching the rest of the state.
func (s *SessionState) ClearPending() {
	s.PendingAction = PendingNone
	s.MissingSlots = []string{}
	s.ConfirmationRequired = false
	s.ConfirmationKind = ConfirmNone
	s.ClarificationCount = 0
}

// ClearSlots drops the named slot values, keeping the rest.
func (s *SessionState) ClearSlots(names ...string) {
	for _, name := range names {
		delete(s.Slots, name)
	}
}

// SetMissing replaces the missing-slot set with a sorted copy.
func (s *SessionState) SetMissing(slots []string) {
	out := make([]string, len(slots))
	copy(out, slots)
	sort.Strings(out)
	s.MissingSlots = out
}

// VisibleScans returns the page of scan records most recently shown to the
// user: the window ending at ScanOffset, at most ScanPageSize long.
func (s *SessionState) VisibleScans() []backend.ScanRecord {
	if len(s.ScanBuffer) == 0 || s.ScanOffset == 0 {
		return nil
	}
	size := s.ScanPageSize
	if size <= 0 {
		size = DefaultScanPageSize
	}
	start := s.ScanOffset - size
	if rem := s.ScanOffset % size; rem != 0 {
		start = s.ScanOffset - rem
	}
	if start < 0 {
		start = 0
	}
	end := s.ScanOffset
	if end > len(s.ScanBuffer) {
		end = len(s.ScanBuffer)
	}
	return s.ScanBuffer[start:end]
}

// persistedState is the stable JSON layout: enums as uppercase identifier
// strings, timestamps as integer milliseconds since epoch. Unknown fields
// on deserialize are ignored; missing fields take their defaults.
type persistedState struct {
	ConversationID       string               `json:"conversation_id"`
	CreatedAt            int64                `json:"created_at"`
	LastTouchedAt        int64                `json:"last_touched_at"`
	RecentMessages       []Message            `json:"recent_messages"`
	Intent               string               `json:"intent"`
	PendingAction        string               `json:"pending_action"`
	Slots                map[string]string    `json:"slots"`
	MissingSlots         []string             `json:"missing_slots"`
	SelectedPatientID    int                  `json:"selected_patient_id"`
	ConfirmationRequired bool                 `json:"confirmation_required"`
	ConfirmationKind     string               `json:"confirmation_kind"`
	ScanBuffer           []backend.ScanRecord `json:"scan_buffer"`
	ScanOffset           int                  `json:"scan_offset"`
	ScanPageSize         int                  `json:"scan_page_size"`
	DownloadStage        string               `json:"download_stage"`
	ClarificationCount   int                  `json:"clarification_count"`
	HistorySummary       string               `json:"history_summary"`
	MetricsDelta         TurnMetrics          `json:"metrics_delta"`
}

// Serialize encodes the state for a pluggable store. Round-trip exact.
func (s *SessionState) Serialize() ([]byte, error) {
	return json.Marshal(persistedState{
		ConversationID:       s.ConversationID,
		CreatedAt:            s.CreatedAt.UnixMilli(),
		LastTouchedAt:        s.LastTouchedAt.UnixMilli(),
		RecentMessages:       s.RecentMessages,
		Intent:               s.Intent.Stable(),
		PendingAction:        s.PendingAction.Stable(),
		Slots:                s.Slots,
		MissingSlots:         s.MissingSlots,
		SelectedPatientID:    s.SelectedPatientID,
		ConfirmationRequired: s.ConfirmationRequired,
		ConfirmationKind:     s.ConfirmationKind.Stable(),
		ScanBuffer:           s.ScanBuffer,
		ScanOffset:           s.ScanOffset,
		ScanPageSize:         s.ScanPageSize,
		DownloadStage:        s.DownloadStage.Stable(),
		ClarificationCount:   s.ClarificationCount,
		HistorySummary:       s.HistorySummary,
		MetricsDelta:         s.MetricsDelta,
	})
}

// Deserialize decodes a persisted state, applying defaults for missing
// fields and truncating over-long bounded sequences.
func Deserialize(data []byte) (*SessionState, error) {
	var p persistedState
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, err
	}
	s := &SessionState{
		ConversationID:       p.ConversationID,
		CreatedAt:            time.UnixMilli(p.CreatedAt).UTC(),
		LastTouchedAt:        time.UnixMilli(p.LastTouchedAt).UTC(),
		RecentMessages:       p.RecentMessages,
		Intent:               ParseIntent(p.Intent),
		PendingAction:        ParsePendingAction(p.PendingAction),
		Slots:                p.Slots,
		MissingSlots:         p.MissingSlots,
		SelectedPatientID:    p.SelectedPatientID,
		ConfirmationRequired: p.ConfirmationRequired,
		ConfirmationKind:     ParseConfirmationKind(p.ConfirmationKind),
		ScanBuffer:           p.ScanBuffer,
		ScanOffset:           p.ScanOffset,
		ScanPageSize:         p.ScanPageSize,
		DownloadStage:        ParseDownloadStage(p.DownloadStage),
		ClarificationCount:   p.ClarificationCount,
		HistorySummary:       p.HistorySummary,
		MetricsDelta:         p.MetricsDelta,
	}
	if s.Slots == nil {
		s.Slots = map[string]string{}
	}
	if s.MissingSlots == nil {
		s.MissingSlots = []string{}
	}
	if s.ScanPageSize <= 0 {
		s.ScanPageSize = DefaultScanPageSize
	}
	if len(s.RecentMessages) > MaxRecentMessages {
		s.RecentMessages = s.RecentMessages[len(s.RecentMessages)-MaxRecentMessages:]
	}
	return s, nil
}

// Clone returns a deep copy via the serialization round trip.
func (s *SessionState) Clone() *SessionState {
	data, err := s.Serialize()
	if err != nil {
		copied := *s
		return &copied
	}
	clone, err := Deserialize(data)
	if err != nil {
		copied := *s
		return &copied
	}
	return clone
}
