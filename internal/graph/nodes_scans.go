package graph

import (
	"context"
	"fmt"
	"strings"

	"hydrochat/internal/backend"
	"hydrochat/internal/logging"
	"hydrochat/internal/state"
)

// scanResults is stage one of the two-stage STL flow: previews and metadata
// only. The full result set goes into the scan buffer, the first page is
// shown, and the STL confirmation gate is armed. STL URLs never appear in
// this node's output.
func (e *Executor) scanResults(ctx context.Context, t *turn) Token {
	id, _, responded := e.resolveTarget(ctx, t)
	if responded {
		return tokenDone
	}
	if id == 0 {
		t.say("Whose scans? Give a patient name or id.")
		return tokenDone
	}
	t.st.SelectedPatientID = id

	res := e.deps.Backend.ListScans(ctx, id, 0)
	if res.Kind != backend.KindOK {
		if res.Kind == backend.KindNotFound {
			t.say(fmt.Sprintf("No patient with id %d.", id))
			t.st.MetricsDelta.FailedOps++
			return tokenDone
		}
		return e.toolFailure(t, NodeScans, res, "fetch the scans")
	}
	if len(res.Scans) == 0 {
		t.say(fmt.Sprintf("Patient %d has no scans on record.", id))
		return tokenDone
	}

	t.st.ScanBuffer = res.Scans
	if t.st.ScanPageSize <= 0 {
		t.st.ScanPageSize = state.DefaultScanPageSize
	}
	t.st.ScanOffset = t.st.ScanPageSize
	if t.st.ScanOffset > len(t.st.ScanBuffer) {
		t.st.ScanOffset = len(t.st.ScanBuffer)
	}
	t.st.DownloadStage = state.StagePreviewShown
	e.armStlGate(t)

	e.deps.Logger.Event(logging.CategoryFlow, t.st.ConversationID, string(NodeScans),
		"scan previews shown", map[string]any{
			"patient_id": id,
			"total":      len(t.st.ScanBuffer),
			"shown":      t.st.ScanOffset,
		})

	t.say(renderScanPage(t.st, 0, t.st.ScanOffset))
	t.say(stlPrompt(t.st))
	return tokenDone
}

// showMoreScans advances pagination through the buffered scans. Each new
// page resets the STL stage, so a fresh confirmation covers exactly the
// visible batch.
func (e *Executor) showMoreScans(_ context.Context, t *turn) Token {
	if t.st.ScanOffset >= len(t.st.ScanBuffer) {
		t.say(fmt.Sprintf("That's all %d scans.", len(t.st.ScanBuffer)))
		if t.st.ConfirmationRequired && t.st.ConfirmationKind == state.ConfirmStlDownload {
			t.say(stlPrompt(t.st))
		}
		return tokenDone
	}

	start := t.st.ScanOffset
	end := start + t.st.ScanPageSize
	if end > len(t.st.ScanBuffer) {
		end = len(t.st.ScanBuffer)
	}
	t.st.ScanOffset = end
	t.st.DownloadStage = state.StagePreviewShown
	e.armStlGate(t)

	t.say(renderScanPage(t.st, start, end))
	t.say(stlPrompt(t.st))
	return tokenDone
}

// stlLinks is only reachable through an affirmed StlDownload confirmation.
// It emits STL URLs for the currently visible page and nothing else.
func (e *Executor) stlLinks(_ context.Context, t *turn) Token {
	visible := t.st.VisibleScans()
	t.st.ClearPending()
	t.st.DownloadStage = state.StageStlLinksSent

	var lines []string
	for _, scan := range visible {
		if scan.STLFileURL != "" {
			lines = append(lines, fmt.Sprintf("- scan %d: %s", scan.ID, scan.STLFileURL))
		}
	}
	if len(lines) == 0 {
		t.say("None of the visible scans have STL files attached.")
		return tokenDone
	}
	t.say("STL files for the visible scans:\n" + strings.Join(lines, "\n"))
	e.deps.Logger.Event(logging.CategoryFlow, t.st.ConversationID, string(NodeStlLinks),
		"stl links sent", map[string]any{"count": len(lines)})
	return tokenDone
}

// depthMaps emits depth-map URLs for the visible page, both bit depths when
// present. The STL gate, if armed, stays armed.
func (e *Executor) depthMaps(_ context.Context, t *turn) Token {
	visible := t.st.VisibleScans()
	if len(visible) == 0 {
		t.say("Show some scan results first, then I can pull their depth maps.")
		return tokenDone
	}

	var lines []string
	for _, scan := range visible {
		if scan.DepthMap8BitURL == "" && scan.DepthMap16BitURL == "" {
			continue
		}
		line := fmt.Sprintf("- scan %d:", scan.ID)
		if scan.DepthMap8BitURL != "" {
			line += " 8-bit " + scan.DepthMap8BitURL
		}
		if scan.DepthMap16BitURL != "" {
			line += " 16-bit " + scan.DepthMap16BitURL
		}
		lines = append(lines, line)
	}
	if len(lines) == 0 {
		t.say("The visible scans have no depth maps attached.")
		return tokenDone
	}
	t.say("Depth maps for the visible scans:\n" + strings.Join(lines, "\n"))
	return tokenDone
}

// armStlGate arms the STL confirmation for the current page.
func (e *Executor) armStlGate(t *turn) {
	t.st.ConfirmationRequired = true
	t.st.ConfirmationKind = state.ConfirmStlDownload
	t.st.PendingAction = state.PendingStlConfirmation
}

// renderScanPage formats buffer entries [start, end) with preview metadata
// only.
func renderScanPage(st *state.SessionState, start, end int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Scans %d-%d of %d for patient %d:\n",
		start+1, end, len(st.ScanBuffer), st.SelectedPatientID)
	for _, scan := range st.ScanBuffer[start:end] {
		fmt.Fprintf(&b, "- scan %d (%s): preview %s", scan.ID, scan.CreatedAt, scan.PreviewImageURL)
		if scan.VolumeEstimate != nil {
			fmt.Fprintf(&b, ", volume %.1f ml", *scan.VolumeEstimate)
		}
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

func stlPrompt(st *state.SessionState) string {
	if st.ScanOffset < len(st.ScanBuffer) {
		return "Want the STL files for these scans? (yes/no) You can also say \"show more\" for the next page."
	}
	return "Want the STL files for these scans? (yes/no)"
}
