package backend

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"hydrochat/internal/logging"
	"hydrochat/internal/metrics"
)

func newTestClient(t *testing.T, url string) *Client {
	t.Helper()
	c := New(url, "test-token", logging.Nop(), metrics.MustNew(prometheus.NewRegistry(), metrics.DefaultConfig()))
	c.jitter = func(time.Duration) time.Duration { return time.Millisecond }
	return c
}

func TestGetPatientSendsBearer(t *testing.T) {
	var gotAuth atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth.Store(r.Header.Get("Authorization"))
		_ = json.NewEncoder(w).Encode(Patient{ID: 7, FirstName: "Jane", LastName: "Tan", NationalID: "S1234567A"})
	}))
	defer srv.Close()

	res := newTestClient(t, srv.URL).GetPatient(context.Background(), 7)
	require.True(t, res.OK())
	require.Equal(t, "Jane", res.Patient.FirstName)
	require.Equal(t, "Bearer test-token", gotAuth.Load())
}

func TestGetRetriesOn503(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_ = json.NewEncoder(w).Encode([]Patient{})
	}))
	defer srv.Close()

	res := newTestClient(t, srv.URL).ListPatients(context.Background())
	require.True(t, res.OK())
	require.EqualValues(t, 3, calls.Load())
}

func TestGetGivesUpAfterTwoRetries(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	res := newTestClient(t, srv.URL).ListPatients(context.Background())
	require.Equal(t, KindServerError, res.Kind)
	require.Equal(t, http.StatusBadGateway, res.Status)
	require.EqualValues(t, 3, calls.Load())
}

func TestPostDoesNotRetryOn503(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	res := newTestClient(t, srv.URL).CreatePatient(context.Background(), Patient{FirstName: "Jane"})
	require.Equal(t, KindServerError, res.Kind)
	require.EqualValues(t, 1, calls.Load())
}

func TestGetRetriesAfterMidBodyFailure(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			// Declare more bytes than are written; the server cuts the
			// connection and the client dies mid-body.
			w.Header().Set("Content-Length", "500")
			_, _ = w.Write([]byte(`[{"id":`))
			return
		}
		_ = json.NewEncoder(w).Encode([]Patient{{ID: 7, FirstName: "Jane", LastName: "Tan"}})
	}))
	defer srv.Close()

	res := newTestClient(t, srv.URL).ListPatients(context.Background())
	require.True(t, res.OK())
	require.EqualValues(t, 2, calls.Load())
}

func TestPostDoesNotRetryAfterMidBodyFailure(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Header().Set("Content-Length", "500")
		_, _ = w.Write([]byte(`{"id":`))
	}))
	defer srv.Close()

	res := newTestClient(t, srv.URL).CreatePatient(context.Background(), Patient{FirstName: "Jane"})
	require.Equal(t, KindTransportError, res.Kind)
	require.EqualValues(t, 1, calls.Load(), "the create may already have landed")
}

func TestPostRetriesOnConnectionFailure(t *testing.T) {
	// Point at a server that is already closed: pure transport failure,
	// no response bytes, so POST may retry.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	start := time.Now()
	res := newTestClient(t, url).CreatePatient(context.Background(), Patient{FirstName: "Jane"})
	require.Equal(t, KindTransportError, res.Kind)
	require.True(t, res.Retryable)
	// Two backoffs of ~1ms each; the call must not have burned the full schedule.
	require.Less(t, time.Since(start), 2*time.Second)
}

func TestCreateValidationFailureMapsFieldErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).Encode(map[string][]string{"national_id": {"invalid format"}})
	}))
	defer srv.Close()

	res := newTestClient(t, srv.URL).CreatePatient(context.Background(), Patient{NationalID: "bogus"})
	require.Equal(t, KindValidationFailed, res.Kind)
	require.Equal(t, []string{"invalid format"}, res.FieldErrors["national_id"])
}

func TestUpdateDoesGetMergePut(t *testing.T) {
	var putBody Patient
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			_ = json.NewEncoder(w).Encode(Patient{
				ID: 7, FirstName: "Jane", LastName: "Tan",
				NationalID: "S1234567A", Contact: "old-contact",
			})
		case http.MethodPut:
			require.NoError(t, json.NewDecoder(r.Body).Decode(&putBody))
			_ = json.NewEncoder(w).Encode(putBody)
		}
	}))
	defer srv.Close()

	res := newTestClient(t, srv.URL).UpdatePatient(context.Background(), 7, PatientFields{"contact": "91234567"})
	require.True(t, res.OK())
	// Untouched fields survive the merge; the overlay applies.
	require.Equal(t, "Jane", putBody.FirstName)
	require.Equal(t, "S1234567A", putBody.NationalID)
	require.Equal(t, "91234567", putBody.Contact)
}

func TestUpdateValidationFailureReturnsMergedBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			_ = json.NewEncoder(w).Encode(Patient{ID: 7, FirstName: "Jane", LastName: "Tan", NationalID: "S1234567A"})
		case http.MethodPut:
			w.WriteHeader(http.StatusBadRequest)
			_ = json.NewEncoder(w).Encode(map[string][]string{"contact": {"too long"}})
		}
	}))
	defer srv.Close()

	res := newTestClient(t, srv.URL).UpdatePatient(context.Background(), 7, PatientFields{"contact": "way-too-long-contact-number-field"})
	require.Equal(t, KindValidationFailed, res.Kind)
	require.NotNil(t, res.Patient)
	require.Equal(t, "way-too-long-contact-number-field", res.Patient.Contact)
	require.Equal(t, []string{"too long"}, res.FieldErrors["contact"])
}

func TestDeleteMapsNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	res := newTestClient(t, srv.URL).DeletePatient(context.Background(), 99)
	require.Equal(t, KindNotFound, res.Kind)
}

func TestAuthFailureMapsToAuthKind(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	res := newTestClient(t, srv.URL).ListPatients(context.Background())
	require.Equal(t, KindAuthFailed, res.Kind)
}

func TestListScansQueryParams(t *testing.T) {
	var query string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		query = r.URL.RawQuery
		_ = json.NewEncoder(w).Encode([]ScanRecord{{ID: 1, PatientID: 7}})
	}))
	defer srv.Close()

	res := newTestClient(t, srv.URL).ListScans(context.Background(), 7, 20)
	require.True(t, res.OK())
	require.Len(t, res.Scans, 1)
	require.Contains(t, query, "patient=7")
	require.Contains(t, query, "limit=20")
}

func TestOverlayOnlyTouchesKnownFields(t *testing.T) {
	base := Patient{ID: 1, FirstName: "Jane", LastName: "Tan", NationalID: "S1234567A"}
	merged := PatientFields{"details": "post-op review", "bogus": "x"}.Overlay(base)

	require.Equal(t, "post-op review", merged.Details)
	require.Equal(t, base.FirstName, merged.FirstName)
	require.Equal(t, base.NationalID, merged.NationalID)
}
