// Package masking redacts patient identifiers from every string that leaves
// the process. All outbound agent responses, log records and error messages
// surfaced to clients must pass through a Masker before emission.
package masking

import (
	"regexp"
	"strings"
	"sync/atomic"
)

// nationalIDPattern matches the opaque national identifier format:
// one uppercase letter, seven digits, one uppercase letter.
var nationalIDPattern = regexp.MustCompile(`[A-Z]\d{7}[A-Z]`)

// Masker applies identifier redaction. The zero value is not usable; use
// New. Masking is idempotent: a masked identifier no longer matches the
// pattern, so re-masking is a no-op.
type Masker struct {
	enabled bool
	dropped atomic.Int64
}

// New constructs a Masker. Disabling masking is permitted only in test
// builds; production configuration keeps it on.
func New(enabled bool) *Masker {
	return &Masker{enabled: enabled}
}

// Mask returns a copy of s with every national-id occurrence replaced by a
// fixed-shape redaction that keeps only the first and last character
// (S1234567A -> S*******A).
func (m *Masker) Mask(s string) string {
	if !m.enabled || s == "" {
		return s
	}
	return nationalIDPattern.ReplaceAllStringFunc(s, func(match string) string {
		return match[:1] + strings.Repeat("*", len(match)-2) + match[len(match)-1:]
	})
}

// MaskAll masks every string in the slice, returning a new slice.
func (m *Masker) MaskAll(in []string) []string {
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = m.Mask(s)
	}
	return out
}

// ContainsUnmasked reports whether s still carries an identifier in raw form.
func (m *Masker) ContainsUnmasked(s string) bool {
	return nationalIDPattern.MatchString(s)
}

// RecordDrop counts a record that had to be discarded because it could not
// be masked safely.
func (m *Masker) RecordDrop() {
	m.dropped.Add(1)
}

// Dropped returns the number of discarded records.
func (m *Masker) Dropped() int64 {
	return m.dropped.Load()
}

// Enabled reports whether redaction is active.
func (m *Masker) Enabled() bool {
	return m.enabled
}

// ValidNationalID reports whether s is exactly one well-formed identifier.
func ValidNationalID(s string) bool {
	return len(s) == 9 && nationalIDPattern.FindString(s) == s
}
