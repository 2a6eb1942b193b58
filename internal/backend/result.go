package backend

import "fmt"

// ResultKind tags the outcome of a tool call. Tool calls never panic and
// never return raw transport errors past this package; every outcome is one
// of these closed variants.
type ResultKind int

const (
	KindOK ResultKind = iota
	KindValidationFailed
	KindNotFound
	KindConflict
	KindTransportError
	KindServerError
	KindAuthFailed
)

// String returns the kind's wire-stable name.
func (k ResultKind) String() string {
	switch k {
	case KindOK:
		return "ok"
	case KindValidationFailed:
		return "validation_failed"
	case KindNotFound:
		return "not_found"
	case KindConflict:
		return "conflict"
	case KindTransportError:
		return "transport_error"
	case KindServerError:
		return "server_error"
	case KindAuthFailed:
		return "auth_failed"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Result is the sum type returned by every tool operation. Exactly one
// payload field is meaningful for a given kind.
type Result struct {
	Kind ResultKind

	// Patient is set for single-record responses. On a validation-failed
	// update it carries the merged body so the caller can reflect the
	// rejected fields back to the user.
	Patient *Patient

	// Patients is set for list responses.
	Patients []Patient

	// Scans is set for scan list responses.
	Scans []ScanRecord

	// FieldErrors maps field name to backend validation messages.
	FieldErrors map[string][]string

	// Retryable reports whether a transport failure was retried to
	// exhaustion but remains safe to retry later.
	Retryable bool

	// Status is the final HTTP status, zero on pure transport failure.
	Status int

	// Err carries the underlying cause for transport and server errors.
	Err error
}

// OK reports whether the call succeeded.
func (r Result) OK() bool {
	return r.Kind == KindOK
}

func okPatient(p *Patient) Result   { return Result{Kind: KindOK, Patient: p, Status: 200} }
func okPatients(p []Patient) Result { return Result{Kind: KindOK, Patients: p, Status: 200} }
func okScans(s []ScanRecord) Result { return Result{Kind: KindOK, Scans: s, Status: 200} }
