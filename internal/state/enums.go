package state

// Intent is the closed set of operations the dispatcher understands.
type Intent int

const (
	IntentUnknown Intent = iota
	IntentCreatePatient
	IntentUpdatePatient
	IntentDeletePatient
	IntentListPatients
	IntentGetPatientDetails
	IntentGetScanResults
	IntentShowMoreScans
	IntentProvideDepthMaps
	IntentProvideAgentStats
	IntentCancel
)

var intentNames = map[Intent]string{
	IntentUnknown:           "Unknown",
	IntentCreatePatient:     "CreatePatient",
	IntentUpdatePatient:     "UpdatePatient",
	IntentDeletePatient:     "DeletePatient",
	IntentListPatients:      "ListPatients",
	IntentGetPatientDetails: "GetPatientDetails",
	IntentGetScanResults:    "GetScanResults",
	IntentShowMoreScans:     "ShowMoreScans",
	IntentProvideDepthMaps:  "ProvideDepthMaps",
	IntentProvideAgentStats: "ProvideAgentStats",
	IntentCancel:            "Cancel",
}

var intentStable = map[Intent]string{
	IntentUnknown:           "UNKNOWN",
	IntentCreatePatient:     "CREATE_PATIENT",
	IntentUpdatePatient:     "UPDATE_PATIENT",
	IntentDeletePatient:     "DELETE_PATIENT",
	IntentListPatients:      "LIST_PATIENTS",
	IntentGetPatientDetails: "GET_PATIENT_DETAILS",
	IntentGetScanResults:    "GET_SCAN_RESULTS",
	IntentShowMoreScans:     "SHOW_MORE_SCANS",
	IntentProvideDepthMaps:  "PROVIDE_DEPTH_MAPS",
	IntentProvideAgentStats: "PROVIDE_AGENT_STATS",
	IntentCancel:            "CANCEL",
}

// String returns the response-envelope name (e.g. "CreatePatient").
func (i Intent) String() string {
	if name, ok := intentNames[i]; ok {
		return name
	}
	return "Unknown"
}

// Stable returns the persisted uppercase identifier.
func (i Intent) Stable() string {
	if name, ok := intentStable[i]; ok {
		return name
	}
	return "UNKNOWN"
}

// ParseIntent accepts either the envelope or the persisted spelling.
// Anything unrecognized is Unknown.
func ParseIntent(s string) Intent {
	for intent, name := range intentNames {
		if s == name {
			return intent
		}
	}
	for intent, name := range intentStable {
		if s == name {
			return intent
		}
	}
	return IntentUnknown
}

// PendingAction is the slot-filling or confirmation obligation in flight.
type PendingAction int

const (
	PendingNone PendingAction = iota
	PendingSlotsForCreate
	PendingSlotsForUpdate
	PendingDeleteConfirmation
	PendingStlConfirmation
)

var pendingStable = map[PendingAction]string{
	PendingNone:               "NONE",
	PendingSlotsForCreate:     "AWAITING_SLOTS_FOR_CREATE",
	PendingSlotsForUpdate:     "AWAITING_SLOTS_FOR_UPDATE",
	PendingDeleteConfirmation: "AWAITING_DELETE_CONFIRMATION",
	PendingStlConfirmation:    "AWAITING_STL_CONFIRMATION",
}

// Stable returns the persisted identifier.
func (p PendingAction) Stable() string {
	if name, ok := pendingStable[p]; ok {
		return name
	}
	return "NONE"
}

// ParsePendingAction maps a persisted identifier back; unknown is None.
func ParsePendingAction(s string) PendingAction {
	for p, name := range pendingStable {
		if s == name {
			return p
		}
	}
	return PendingNone
}

// ConfirmationKind names which confirmation gate is armed.
type ConfirmationKind int

const (
	ConfirmNone ConfirmationKind = iota
	ConfirmDelete
	ConfirmStlDownload
)

var confirmStable = map[ConfirmationKind]string{
	ConfirmNone:        "NONE",
	ConfirmDelete:      "DELETE",
	ConfirmStlDownload: "STL_DOWNLOAD",
}

// Stable returns the persisted identifier.
func (c ConfirmationKind) Stable() string {
	if name, ok := confirmStable[c]; ok {
		return name
	}
	return "NONE"
}

// ParseConfirmationKind maps a persisted identifier back; unknown is None.
func ParseConfirmationKind(s string) ConfirmationKind {
	for c, name := range confirmStable {
		if s == name {
			return c
		}
	}
	return ConfirmNone
}

// DownloadStage tracks the two-stage STL flow for the current scan batch.
type DownloadStage int

const (
	StageNone DownloadStage = iota
	StagePreviewShown
	StageAwaitingStlConfirm
	StageStlLinksSent
)

var stageStable = map[DownloadStage]string{
	StageNone:               "NONE",
	StagePreviewShown:       "PREVIEW_SHOWN",
	StageAwaitingStlConfirm: "AWAITING_STL_CONFIRM",
	StageStlLinksSent:       "STL_LINKS_SENT",
}

// Stable returns the persisted identifier.
func (d DownloadStage) Stable() string {
	if name, ok := stageStable[d]; ok {
		return name
	}
	return "NONE"
}

// ParseDownloadStage maps a persisted identifier back; unknown is None.
func ParseDownloadStage(s string) DownloadStage {
	for d, name := range stageStable {
		if s == name {
			return d
		}
	}
	return StageNone
}

// AgentOp is the mutation class reported in the response envelope.
type AgentOp int

const (
	OpNone AgentOp = iota
	OpCreate
	OpUpdate
	OpDelete
)

// String returns the envelope value.
func (o AgentOp) String() string {
	switch o {
	case OpCreate:
		return "Create"
	case OpUpdate:
		return "Update"
	case OpDelete:
		return "Delete"
	default:
		return "None"
	}
}
