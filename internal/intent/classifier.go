// Package intent classifies clinician utterances into dispatcher intents
// and extracts slot values. The primary path is a priority-ordered list of
// compiled patterns; an optional LLM adapter serves as fallback when the
// rules come up empty.
package intent

import (
	"context"
	"regexp"
	"strings"
	"unicode/utf8"

	"hydrochat/internal/llm"
	"hydrochat/internal/logging"
	"hydrochat/internal/state"
)

// MaxMessageLen caps inbound messages; longer input is truncated, not
// rejected.
const MaxMessageLen = 10000

// Truncate caps a message at MaxMessageLen bytes, backing off to the
// nearest rune boundary so the result stays valid UTF-8.
func Truncate(message string) string {
	if len(message) <= MaxMessageLen {
		return message
	}
	cut := MaxMessageLen
	for cut > 0 && !utf8.RuneStart(message[cut]) {
		cut--
	}
	return message[:cut]
}

// rule binds one intent to one pattern. Order in the rules slice is the
// tie-break: earlier rules win.
type rule struct {
	intent state.Intent
	re     *regexp.Regexp
}

// Pattern priority mirrors verb specificity: cancel first, then the write
// verbs, then retrieval, then the context-dependent follow-ups.
var rules = []rule{
	{state.IntentCancel, regexp.MustCompile(`(?i)\b(cancel|abort|never ?mind|stop that|forget it)\b`)},
	{state.IntentCreatePatient, regexp.MustCompile(`(?i)\b(create|add|register|new)\b.*\bpatient\b|\bcreate patient\b`)},
	{state.IntentUpdatePatient, regexp.MustCompile(`(?i)\b(update|edit|change|modify|correct)\b.*\b(patient|record|contact|details?|name|dob|date of birth)\b`)},
	{state.IntentDeletePatient, regexp.MustCompile(`(?i)\b(delete|remove|drop|erase)\b`)},
	{state.IntentShowMoreScans, regexp.MustCompile(`(?i)\b(show |see |view )?more( scans| results)?\b|\bnext page\b`)},
	{state.IntentProvideDepthMaps, regexp.MustCompile(`(?i)\bdepth ?maps?\b`)},
	{state.IntentProvideAgentStats, regexp.MustCompile(`(?i)\b(agent |dispatcher )?stat(s|istics)\b|\bmetrics\b`)},
	{state.IntentGetScanResults, regexp.MustCompile(`(?i)\bscans?( results?)?\b|\bscan results?\b`)},
	{state.IntentListPatients, regexp.MustCompile(`(?i)\b(list|show|all)\b.*\bpatients\b|\bpatients list\b`)},
	{state.IntentGetPatientDetails, regexp.MustCompile(`(?i)\b(show|get|details?|look ?up|find|who is)\b`)},
}

// Slot extraction patterns run independently; several may fire per message.
var (
	nationalIDSlot = regexp.MustCompile(`\b([A-Z]\d{7}[A-Z])\b`)
	patientIDSlot  = regexp.MustCompile(`(?i)\bpatient\s*#?\s*(\d+)\b|\bid\s*#?\s*(\d+)\b`)
	dobSlot        = regexp.MustCompile(`\b(\d{4}-\d{2}-\d{2})\b`)
	contactSlot    = regexp.MustCompile(`(?i)\bcontact\s*(?:number|no\.?)?\s*(?:is|:|=)?\s*(\+?\d[\d\s-]{4,24})`)
	fullNameSlot   = regexp.MustCompile(`(?i)\b(?:patient|named?|called|for|show|update|delete|remove)\s+([A-Z][a-z]+)\s+([A-Z][a-z]+)\b`)
	detailsSlot    = regexp.MustCompile(`(?i)\bdetails?\s*(?:are|is|:|=)\s*(.+)$`)
)

// Injection markers stripped from the message before it reaches the LLM.
var injectionMarkers = []*regexp.Regexp{
	regexp.MustCompile(`(?i)ignore (all )?(previous|prior|above) (instructions?|prompts?)`),
	regexp.MustCompile("(?s)```.*?```"),
	regexp.MustCompile(`(?im)^\s*(system|assistant|developer)\s*:`),
}

// llmLabels is the exact label set offered to the fallback classifier.
var llmLabels = []string{
	"CreatePatient", "UpdatePatient", "DeletePatient", "ListPatients",
	"GetPatientDetails", "GetScanResults", "ShowMoreScans",
	"ProvideDepthMaps", "ProvideAgentStats", "Cancel", "Unknown",
}

// Classifier pairs the rule engine with the optional fallback adapter.
type Classifier struct {
	adapter llm.Adapter
	logger  *logging.Logger
}

// New constructs a Classifier. adapter may be nil; fallback is then
// bypassed and unmatched messages stay Unknown.
func New(adapter llm.Adapter, logger *logging.Logger) *Classifier {
	return &Classifier{adapter: adapter, logger: logger.With("component", "intent")}
}

// Result carries the classification verdict and any extracted slots.
type Result struct {
	Intent    state.Intent
	Slots     map[string]string
	Truncated bool
}

// Classify runs rules in priority order, extracts slots, and falls back to
// the LLM only when rules yield Unknown.
func (c *Classifier) Classify(ctx context.Context, sessionID, message string) Result {
	truncated := len(message) > MaxMessageLen
	if truncated {
		message = Truncate(message)
	}

	res := Result{Intent: state.IntentUnknown, Slots: ExtractSlots(message), Truncated: truncated}

	for _, r := range rules {
		if r.re.MatchString(message) {
			res.Intent = r.intent
			break
		}
	}

	injected := c.detectInjection(sessionID, message)

	if res.Intent != state.IntentUnknown || c.adapter == nil {
		return res
	}

	sanitized := message
	if injected {
		sanitized = sanitize(message)
	}
	verdict, err := c.adapter.ClassifyIntent(ctx, sanitized, llmLabels)
	if err != nil {
		c.logger.Event(logging.CategoryError, sessionID, "classify_intent",
			"llm fallback classification failed", map[string]any{"error": err.Error()})
		return res
	}
	res.Intent = state.ParseIntent(verdict.Intent)
	c.logger.Event(logging.CategoryIntent, sessionID, "classify_intent",
		"llm fallback classification", map[string]any{
			"intent":     verdict.Intent,
			"confidence": verdict.Confidence,
		})
	return res
}

// ExtractSlots pulls candidate slot values from a message. Multiple slots
// may fire; absent slots are simply missing keys.
func ExtractSlots(message string) map[string]string {
	slots := map[string]string{}

	if m := nationalIDSlot.FindStringSubmatch(message); m != nil {
		slots["national_id"] = m[1]
	}
	if m := patientIDSlot.FindStringSubmatch(message); m != nil {
		id := m[1]
		if id == "" {
			id = m[2]
		}
		slots["patient_id"] = id
	}
	if m := dobSlot.FindStringSubmatch(message); m != nil {
		slots["date_of_birth"] = m[1]
	}
	if m := contactSlot.FindStringSubmatch(message); m != nil {
		contact := strings.TrimSpace(m[1])
		if len(contact) <= 25 {
			slots["contact"] = contact
		}
	}
	if m := fullNameSlot.FindStringSubmatch(message); m != nil {
		slots["first_name"] = m[1]
		slots["last_name"] = m[2]
	}
	if m := detailsSlot.FindStringSubmatch(message); m != nil {
		slots["details"] = strings.TrimSpace(m[1])
	}
	return slots
}

// detectInjection logs suspected prompt injection. The message is still
// processed; only the LLM-bound variant is sanitized.
func (c *Classifier) detectInjection(sessionID, message string) bool {
	for _, marker := range injectionMarkers {
		if marker.MatchString(message) {
			c.logger.Event(logging.CategoryError, sessionID, "classify_intent",
				"prompt injection pattern detected", nil)
			return true
		}
	}
	return false
}

func sanitize(message string) string {
	for _, marker := range injectionMarkers {
		message = marker.ReplaceAllString(message, " ")
	}
	return strings.Join(strings.Fields(message), " ")
}

// Labels exposes the fallback label set, mainly for tests.
func Labels() []string {
	out := make([]string, len(llmLabels))
	copy(out, llmLabels)
	return out
}
