package graph

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"hydrochat/internal/backend"
	"hydrochat/internal/logging"
	"hydrochat/internal/namecache"
	"hydrochat/internal/state"
)

// requiredCreateSlots must all be present before a create fires.
var requiredCreateSlots = []string{"first_name", "last_name", "national_id"}

// updatableSlots are the fields an update may change.
var updatableSlots = []string{"contact", "date_of_birth", "details", "national_id", "first_name", "last_name"}

// operationSlots is every slot a write consumes. They are dropped once the
// write resolves so a later intent starts from a clean sheet instead of
// re-firing stale values.
var operationSlots = []string{"patient_id", "first_name", "last_name", "national_id", "contact", "date_of_birth", "details"}

// bareNameWord accepts a capitalized word as a name fragment when the user
// answers a slot prompt with just the value.
var bareNameWord = regexp.MustCompile(`^[A-Z][a-z]+$`)

// listPageSize caps one page of the patient listing.
const listPageSize = 10

// collectCreate computes what is still missing for a create and either
// prompts, offers cancellation, or hands off to execution. The second
// consecutive prompt without progress becomes a cancel offer.
func (e *Executor) collectCreate(_ context.Context, t *turn) Token {
	e.consumeBareNames(t)
	if t.progress {
		t.st.ClarificationCount = 0
	}

	missing := missingCreateSlots(t.st.Slots)
	if len(missing) == 0 {
		t.st.PendingAction = state.PendingNone
		t.st.SetMissing(nil)
		return tokenExecute
	}

	t.st.PendingAction = state.PendingSlotsForCreate
	t.st.SetMissing(missing)
	e.deps.Logger.Event(logging.CategoryMissing, t.st.ConversationID, string(NodeCollectCreate),
		"create is missing fields", map[string]any{"missing": strings.Join(missing, ",")})

	if t.st.ClarificationCount < 1 {
		t.st.ClarificationCount++
		t.say("To create the patient I still need: " + strings.Join(missing, ", ") + ".")
		return tokenDone
	}
	t.say("I still don't have: " + strings.Join(missing, ", ") +
		". Provide them, or say cancel to stop.")
	return tokenDone
}

// consumeBareNames lets a bare "John" or "John Tan" reply fill the missing
// name slots when no patterned slot was extracted this turn.
func (e *Executor) consumeBareNames(t *turn) {
	if t.st.PendingAction != state.PendingSlotsForCreate || t.progress {
		return
	}
	words := strings.Fields(t.message)
	if len(words) == 0 || len(words) > 2 {
		return
	}
	for _, w := range words {
		if !bareNameWord.MatchString(w) {
			return
		}
	}
	for _, w := range words {
		switch {
		case t.st.Slots["first_name"] == "":
			t.st.Slots["first_name"] = w
			t.progress = true
		case t.st.Slots["last_name"] == "":
			t.st.Slots["last_name"] = w
			t.progress = true
		}
	}
}

func missingCreateSlots(slots map[string]string) []string {
	var missing []string
	for _, name := range requiredCreateSlots {
		if slots[name] == "" {
			missing = append(missing, name)
		}
	}
	return missing
}

// executeCreate fires the POST. Validation failures drop the rejected
// values and reopen collection; everything else resolves the turn.
func (e *Executor) executeCreate(ctx context.Context, t *turn) Token {
	p := backend.Patient{
		FirstName:   t.st.Slots["first_name"],
		LastName:    t.st.Slots["last_name"],
		NationalID:  t.st.Slots["national_id"],
		Contact:     t.st.Slots["contact"],
		DateOfBirth: t.st.Slots["date_of_birth"],
		Details:     t.st.Slots["details"],
	}
	res := e.deps.Backend.CreatePatient(ctx, p)

	switch res.Kind {
	case backend.KindOK:
		e.deps.Cache.Invalidate()
		t.st.SelectedPatientID = res.Patient.ID
		t.st.ClearPending()
		t.st.ClearSlots(operationSlots...)
		t.st.MetricsDelta.SuccessfulOps++
		t.out.AgentOp = state.OpCreate
		t.say(fmt.Sprintf("Created patient %s (%s), id %d.",
			res.Patient.FullName(), res.Patient.NationalID, res.Patient.ID))
		e.deps.Logger.Event(logging.CategorySuccess, t.st.ConversationID, string(NodeExecuteCreate),
			"patient created", map[string]any{"patient_id": res.Patient.ID})
		return tokenDone
	case backend.KindValidationFailed:
		t.say(e.reflectValidation(t, res.FieldErrors, state.PendingSlotsForCreate))
		return tokenRetry
	case backend.KindConflict:
		t.st.ClearPending()
		t.st.MetricsDelta.FailedOps++
		t.say("A patient with that national id already exists.")
		return tokenDone
	default:
		return e.toolFailure(t, NodeExecuteCreate, res, "create the patient")
	}
}

// collectUpdate resolves the target patient and the fields to change.
func (e *Executor) collectUpdate(ctx context.Context, t *turn) Token {
	if t.progress {
		t.st.ClarificationCount = 0
	}

	id, byName, responded := e.resolveTarget(ctx, t)
	if responded {
		return tokenDone
	}
	if id == 0 {
		t.st.PendingAction = state.PendingSlotsForUpdate
		t.st.SetMissing([]string{"patient_id"})
		if t.st.ClarificationCount < 1 {
			t.st.ClarificationCount++
			t.say("Which patient should I update? Give a full name or an id.")
			return tokenDone
		}
		t.say("I still need to know which patient to update. Give a name or id, or say cancel.")
		return tokenDone
	}
	t.st.SelectedPatientID = id

	fields := updateFields(t.st.Slots, byName)
	if len(fields) == 0 {
		t.st.PendingAction = state.PendingSlotsForUpdate
		t.st.SetMissing([]string{"contact", "date_of_birth", "details"})
		if t.st.ClarificationCount < 1 {
			t.st.ClarificationCount++
			t.say("What should I update? You can change contact, date of birth or details.")
			return tokenDone
		}
		t.say("I still need a field to change (contact, date of birth or details), or say cancel.")
		return tokenDone
	}

	t.st.PendingAction = state.PendingNone
	t.st.SetMissing(nil)
	return tokenExecute
}

// updateFields picks the slots that act as new values. Name slots are
// identification, not payload, when the patient was resolved by name.
func updateFields(slots map[string]string, resolvedByName bool) backend.PatientFields {
	fields := backend.PatientFields{}
	for _, name := range updatableSlots {
		if resolvedByName && (name == "first_name" || name == "last_name") {
			continue
		}
		if v := slots[name]; v != "" {
			fields[name] = v
		}
	}
	return fields
}

// executeUpdate fires the GET-merge-PUT.
func (e *Executor) executeUpdate(ctx context.Context, t *turn) Token {
	id := t.st.SelectedPatientID
	byName := t.st.Slots["patient_id"] == "" &&
		t.st.Slots["first_name"] != "" && t.st.Slots["last_name"] != ""
	fields := updateFields(t.st.Slots, byName)

	res := e.deps.Backend.UpdatePatient(ctx, id, fields)
	switch res.Kind {
	case backend.KindOK:
		e.deps.Cache.Invalidate()
		t.st.ClearPending()
		t.st.ClearSlots(operationSlots...)
		t.st.MetricsDelta.SuccessfulOps++
		t.out.AgentOp = state.OpUpdate
		t.say(fmt.Sprintf("Updated patient %s (id %d).", res.Patient.FullName(), res.Patient.ID))
		e.deps.Logger.Event(logging.CategorySuccess, t.st.ConversationID, string(NodeExecuteUpdate),
			"patient updated", map[string]any{"patient_id": id})
		return tokenDone
	case backend.KindValidationFailed:
		t.say(e.reflectValidation(t, res.FieldErrors, state.PendingSlotsForUpdate))
		return tokenRetry
	case backend.KindNotFound:
		t.st.ClearPending()
		t.st.MetricsDelta.FailedOps++
		t.say(fmt.Sprintf("No patient with id %d.", id))
		return tokenDone
	default:
		return e.toolFailure(t, NodeExecuteUpdate, res, "update the patient")
	}
}

// reflectValidation turns backend field errors into slot-filling state: the
// rejected values are dropped so collection asks for them again.
func (e *Executor) reflectValidation(t *turn, fieldErrors map[string][]string, pending state.PendingAction) string {
	var fields []string
	var details []string
	for field, msgs := range fieldErrors {
		if field != "non_field_errors" {
			delete(t.st.Slots, field)
			fields = append(fields, field)
		}
		details = append(details, field+": "+strings.Join(msgs, "; "))
	}
	sort.Strings(fields)
	sort.Strings(details)

	t.st.PendingAction = pending
	t.st.SetMissing(fields)
	e.deps.Logger.Event(logging.CategoryTool, t.st.ConversationID, "",
		"backend rejected fields", map[string]any{"fields": strings.Join(fields, ",")})
	return "The backend rejected some values. " + strings.Join(details, " ")
}

// deletePatient arms the confirmation gate. The DELETE itself is only
// reachable through an affirmative answer in the confirmation node.
func (e *Executor) deletePatient(ctx context.Context, t *turn) Token {
	id, _, responded := e.resolveTarget(ctx, t)
	if responded {
		return tokenDone
	}
	if id == 0 {
		t.say("Which patient should I delete? Give a full name or an id.")
		return tokenDone
	}

	t.st.SelectedPatientID = id
	t.st.ConfirmationRequired = true
	t.st.ConfirmationKind = state.ConfirmDelete
	t.st.PendingAction = state.PendingDeleteConfirmation

	desc := fmt.Sprintf("patient %d", id)
	if first, last := t.st.Slots["first_name"], t.st.Slots["last_name"]; first != "" && last != "" {
		desc = first + " " + last + fmt.Sprintf(" (id %d)", id)
	}
	t.say("About to delete " + desc + ". This cannot be undone. Proceed? (yes/no)")
	return tokenDone
}

// executeDelete is unreachable without an affirmed Delete confirmation.
func (e *Executor) executeDelete(ctx context.Context, t *turn) Token {
	id := t.st.SelectedPatientID
	res := e.deps.Backend.DeletePatient(ctx, id)

	switch res.Kind {
	case backend.KindOK:
		e.deps.Cache.Invalidate()
		t.st.ClearPending()
		t.st.ClearSlots(operationSlots...)
		t.st.SelectedPatientID = 0
		t.st.MetricsDelta.SuccessfulOps++
		t.out.AgentOp = state.OpDelete
		t.say(fmt.Sprintf("Deleted patient %d.", id))
		e.deps.Logger.Event(logging.CategorySuccess, t.st.ConversationID, string(NodeExecuteDelete),
			"patient deleted", map[string]any{"patient_id": id})
		return tokenDone
	case backend.KindNotFound:
		t.st.ClearPending()
		t.st.ClearSlots(operationSlots...)
		t.st.SelectedPatientID = 0
		t.st.MetricsDelta.FailedOps++
		t.say(fmt.Sprintf("No patient with id %d. Nothing was deleted.", id))
		return tokenDone
	default:
		t.st.ClearPending()
		return e.toolFailure(t, NodeExecuteDelete, res, "delete the patient")
	}
}

// listPatients renders one page of the cached patient roster.
func (e *Executor) listPatients(ctx context.Context, t *turn) Token {
	patients, err := e.deps.Cache.All(ctx)
	if err != nil {
		t.st.MetricsDelta.FailedOps++
		t.say("I couldn't fetch the patient list right now. Please try again.")
		return tokenDone
	}
	if len(patients) == 0 {
		t.say("There are no patients on record yet.")
		return tokenDone
	}
	sort.Slice(patients, func(i, j int) bool { return patients[i].ID < patients[j].ID })

	var b strings.Builder
	shown := len(patients)
	if shown > listPageSize {
		shown = listPageSize
	}
	fmt.Fprintf(&b, "Patients (%d total):\n", len(patients))
	for _, p := range patients[:shown] {
		fmt.Fprintf(&b, "- %s (id %d, %s)\n", p.FullName(), p.ID, p.NationalID)
	}
	if shown < len(patients) {
		fmt.Fprintf(&b, "…and %d more. Ask for a specific patient by name or id.", len(patients)-shown)
	}
	t.say(strings.TrimRight(b.String(), "\n"))
	return tokenDone
}

// patientDetails resolves one patient by id or name and renders the record.
// Ambiguity surfaces the candidate list and waits for an id selection.
func (e *Executor) patientDetails(ctx context.Context, t *turn) Token {
	if idStr := t.st.Slots["patient_id"]; idStr != "" {
		id, err := strconv.Atoi(idStr)
		if err != nil {
			t.say("That patient id doesn't look right. Give a number, like \"patient 7\".")
			return tokenDone
		}
		p, err := e.deps.Cache.Lookup(ctx, id)
		if err != nil {
			t.st.MetricsDelta.FailedOps++
			t.say("I couldn't look that patient up right now. Please try again.")
			return tokenDone
		}
		if p == nil {
			t.say(fmt.Sprintf("No patient with id %d. Try \"list patients\".", id))
			return tokenDone
		}
		t.st.SelectedPatientID = p.ID
		t.say(renderPatient(*p))
		return tokenDone
	}

	first, last := t.st.Slots["first_name"], t.st.Slots["last_name"]
	if first == "" || last == "" {
		t.say("Which patient? Give a full name or an id.")
		return tokenDone
	}
	res, err := e.deps.Cache.Resolve(ctx, first+" "+last)
	if err != nil {
		t.st.MetricsDelta.FailedOps++
		t.say("I couldn't look that patient up right now. Please try again.")
		return tokenDone
	}
	switch res.Kind {
	case namecache.ResolutionUnique:
		t.st.SelectedPatientID = res.Patient.ID
		t.say(renderPatient(*res.Patient))
	case namecache.ResolutionAmbiguous:
		t.say(renderCandidates(first+" "+last, res.Candidates))
	default:
		t.say(fmt.Sprintf("No patient named %s %s. Try \"list patients\" to see who is on record.", first, last))
	}
	return tokenDone
}

// resolveTarget finds the patient a write or retrieval refers to: an
// explicit id slot, the session's selected patient, or a name resolved
// through the cache. responded means a message was already emitted
// (ambiguity or a miss) and the caller should stop.
func (e *Executor) resolveTarget(ctx context.Context, t *turn) (id int, byName, responded bool) {
	if idStr := t.st.Slots["patient_id"]; idStr != "" {
		if parsed, err := strconv.Atoi(idStr); err == nil && parsed > 0 {
			return parsed, false, false
		}
	}
	if t.st.SelectedPatientID > 0 {
		return t.st.SelectedPatientID, false, false
	}

	first, last := t.st.Slots["first_name"], t.st.Slots["last_name"]
	if first == "" || last == "" {
		return 0, false, false
	}
	res, err := e.deps.Cache.Resolve(ctx, first+" "+last)
	if err != nil {
		t.st.MetricsDelta.FailedOps++
		t.say("I couldn't look that patient up right now. Please try again.")
		return 0, true, true
	}
	switch res.Kind {
	case namecache.ResolutionUnique:
		return res.Patient.ID, true, false
	case namecache.ResolutionAmbiguous:
		t.say(renderCandidates(first+" "+last, res.Candidates))
		return 0, true, true
	default:
		t.say(fmt.Sprintf("No patient named %s %s on record.", first, last))
		return 0, true, true
	}
}

// toolFailure maps the remaining backend result kinds onto user-facing
// messages. Retryable transport failures were already absorbed by the
// client; whatever reaches here is terminal for the turn.
func (e *Executor) toolFailure(t *turn, node Node, res backend.Result, action string) Token {
	t.st.MetricsDelta.FailedOps++
	detail := ""
	if res.Err != nil {
		detail = res.Err.Error()
	}
	e.deps.Logger.Event(logging.CategoryError, t.st.ConversationID, string(node),
		"backend call failed", map[string]any{
			"kind":   res.Kind.String(),
			"status": res.Status,
			"error":  detail,
		})

	switch res.Kind {
	case backend.KindAuthFailed:
		t.say("The records backend refused our credentials. An operator needs to look at this.")
	case backend.KindTransportError:
		t.say("I couldn't reach the records backend to " + action + ". Please try again in a moment.")
	default:
		t.say("The records backend had a problem, so I couldn't " + action + ". Please try again.")
	}
	return tokenDone
}

func renderPatient(p backend.Patient) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s (id %d)\n", p.FullName(), p.ID)
	fmt.Fprintf(&b, "- national id: %s\n", p.NationalID)
	if p.Contact != "" {
		fmt.Fprintf(&b, "- contact: %s\n", p.Contact)
	}
	if p.DateOfBirth != "" {
		fmt.Fprintf(&b, "- date of birth: %s\n", p.DateOfBirth)
	}
	if p.Details != "" {
		fmt.Fprintf(&b, "- details: %s\n", p.Details)
	}
	return strings.TrimRight(b.String(), "\n")
}

func renderCandidates(name string, candidates []backend.Patient) string {
	var b strings.Builder
	fmt.Fprintf(&b, "There are %d patients named %s:\n", len(candidates), name)
	for _, p := range candidates {
		fmt.Fprintf(&b, "- id %d (%s)\n", p.ID, p.NationalID)
	}
	b.WriteString("Reply with the id you mean, like \"id 3\".")
	return b.String()
}
