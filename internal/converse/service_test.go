package converse

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"hydrochat/internal/backend"
	"hydrochat/internal/graph"
	"hydrochat/internal/intent"
	"hydrochat/internal/logging"
	"hydrochat/internal/masking"
	"hydrochat/internal/metrics"
	"hydrochat/internal/namecache"
	"hydrochat/internal/session"
)

// blockingBackend serves canned results and can be told to hang until the
// caller's context dies.
type blockingBackend struct {
	mu    sync.Mutex
	hang  bool
	calls int
}

func (b *blockingBackend) result(ctx context.Context) backend.Result {
	b.mu.Lock()
	b.calls++
	hang := b.hang
	b.mu.Unlock()
	if hang {
		<-ctx.Done()
		return backend.Result{Kind: backend.KindTransportError, Retryable: true, Err: ctx.Err()}
	}
	p := backend.Patient{ID: 1, FirstName: "Jane", LastName: "Tan", NationalID: "S1234567A"}
	return backend.Result{Kind: backend.KindOK, Status: 200, Patient: &p}
}

func (b *blockingBackend) CreatePatient(ctx context.Context, _ backend.Patient) backend.Result {
	return b.result(ctx)
}
func (b *blockingBackend) ListPatients(ctx context.Context) backend.Result {
	res := b.result(ctx)
	if res.Kind == backend.KindOK {
		res.Patients = []backend.Patient{*res.Patient}
		res.Patient = nil
	}
	return res
}
func (b *blockingBackend) GetPatient(ctx context.Context, _ int) backend.Result {
	return b.result(ctx)
}
func (b *blockingBackend) UpdatePatient(ctx context.Context, _ int, _ backend.PatientFields) backend.Result {
	return b.result(ctx)
}
func (b *blockingBackend) DeletePatient(ctx context.Context, _ int) backend.Result {
	return b.result(ctx)
}
func (b *blockingBackend) ListScans(ctx context.Context, _, _ int) backend.Result {
	res := b.result(ctx)
	if res.Kind == backend.KindOK {
		res.Scans = []backend.ScanRecord{}
		res.Patient = nil
	}
	return res
}

func newService(t *testing.T, be *blockingBackend, store session.Store, deadline time.Duration) *Service {
	t.Helper()
	deps := graph.Deps{
		Backend:    be,
		Cache:      namecache.New(be, 5*time.Minute, logging.Nop()),
		Classifier: intent.New(nil, logging.Nop()),
		Metrics:    metrics.MustNew(prometheus.NewRegistry(), metrics.DefaultConfig()),
		Logger:     logging.Nop(),
		Masker:     masking.New(true),
	}
	return New(store, deps, logging.Nop(), deadline)
}

func TestEmptyMessageRejected(t *testing.T) {
	s := newService(t, &blockingBackend{}, session.NewMemoryStore(time.Minute, 10), time.Second)

	_, err := s.Converse(context.Background(), Request{Message: "   "})
	require.ErrorIs(t, err, ErrEmptyMessage)
}

func TestNewConversationMintsID(t *testing.T) {
	s := newService(t, &blockingBackend{}, session.NewMemoryStore(time.Minute, 10), time.Second)

	resp, err := s.Converse(context.Background(), Request{Message: "hello there"})
	require.NoError(t, err)
	require.NotEmpty(t, resp.ConversationID)
	require.NotEmpty(t, resp.Messages)
	require.Equal(t, "None", resp.AgentOp)
}

func TestStatePersistsAcrossTurns(t *testing.T) {
	store := session.NewMemoryStore(time.Minute, 10)
	s := newService(t, &blockingBackend{}, store, time.Second)

	resp, err := s.Converse(context.Background(), Request{Message: "create patient"})
	require.NoError(t, err)
	require.Contains(t, resp.AgentState.MissingFields, "national_id")

	st, ok, err := store.Get(context.Background(), resp.ConversationID)
	require.NoError(t, err)
	require.True(t, ok)
	require.Len(t, st.RecentMessages, 2)

	resp2, err := s.Converse(context.Background(), Request{
		ConversationID: resp.ConversationID,
		Message:        "named Jane Tan, NRIC S1234567A",
	})
	require.NoError(t, err)
	require.Equal(t, "Create", resp2.AgentOp)
	require.Contains(t, resp2.Messages[0].Content, "S*******A")
}

func TestEnvelopeShape(t *testing.T) {
	s := newService(t, &blockingBackend{}, session.NewMemoryStore(time.Minute, 10), time.Second)

	resp, err := s.Converse(context.Background(), Request{Message: "create patient Jane Tan NRIC S1234567A"})
	require.NoError(t, err)
	require.Equal(t, "Create", resp.AgentOp)
	require.Equal(t, "CreatePatient", resp.AgentState.Intent)
	require.False(t, resp.AgentState.AwaitingConfirmation)
	require.Empty(t, resp.AgentState.MissingFields)
	require.Equal(t, "assistant", resp.Messages[0].Role)
}

func TestDeadlineRestoresPreTurnState(t *testing.T) {
	store := session.NewMemoryStore(time.Minute, 10)
	be := &blockingBackend{hang: true}
	s := newService(t, be, store, 80*time.Millisecond)

	resp, err := s.Converse(context.Background(), Request{
		ConversationID: "conv-1",
		Message:        "create patient Jane Tan NRIC S1234567A",
	})
	require.ErrorIs(t, err, ErrDeadline)
	require.Equal(t, "None", resp.AgentOp)
	require.NotEmpty(t, resp.Messages)

	// No partial slot mutations persist; the user turn still does.
	st, ok, err := store.Get(context.Background(), "conv-1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Empty(t, st.Slots)
	require.GreaterOrEqual(t, len(st.RecentMessages), 1)
	require.Equal(t, "user", st.RecentMessages[0].Role)
}

func TestCancellationRestoresPreTurnState(t *testing.T) {
	store := session.NewMemoryStore(time.Minute, 10)
	be := &blockingBackend{hang: true}
	s := newService(t, be, store, 10*time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	_, err := s.Converse(ctx, Request{ConversationID: "conv-1", Message: "list patients"})
	require.ErrorIs(t, err, ErrCancelled)
}

func TestSameConversationSerializes(t *testing.T) {
	store := session.NewMemoryStore(time.Minute, 10)
	s := newService(t, &blockingBackend{}, store, time.Second)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.Converse(context.Background(), Request{
				ConversationID: "conv-1",
				Message:        "hello there",
			})
			require.NoError(t, err)
		}()
	}
	wg.Wait()

	st, ok, err := store.Get(context.Background(), "conv-1")
	require.NoError(t, err)
	require.True(t, ok)
	// The transcript window is bounded even under concurrent turns.
	require.LessOrEqual(t, len(st.RecentMessages), 5)
	require.Equal(t, 0, s.Pending())
}
