package graph

import (
	"fmt"
	"testing"

	"hydrochat/internal/backend"
	"hydrochat/internal/intent"
)

func TestZZDebugUpdateByName(t *testing.T) {
	f := newFixture(t)
	f.be.patients[5] = backend.Patient{ID: 5, FirstName: "Jane", LastName: "Tan", NationalID: "S1234567A"}

	msg := "update contact for Jane Tan contact 91234567"
	fmt.Printf("slots=%v\n", intent.ExtractSlots(msg))
	out := f.turn(t, msg)
	fmt.Printf("op=%v messages=%q st.Slots=%v pending=%v intent-state=%+v\n", out.AgentOp, out.Messages, f.st.Slots, f.st.PendingAction, f.st)
}
