// Package backend is the typed HTTP tool client for the patient-records
// REST service. It owns retry, timeout and status mapping so the
// conversation graph only ever sees Result variants.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"hydrochat/internal/logging"
	"hydrochat/internal/metrics"
)

const (
	maxRetries        = 2
	perAttemptTimeout = 5 * time.Second
	totalCallTimeout  = 15 * time.Second
)

// backoffSchedule is the base delay before retry n (jittered ±20%).
var backoffSchedule = [maxRetries]time.Duration{500 * time.Millisecond, time.Second}

// API is the operation surface consumed by the conversation graph. The
// concrete Client satisfies it; tests wire stubs.
type API interface {
	CreatePatient(ctx context.Context, p Patient) Result
	ListPatients(ctx context.Context) Result
	GetPatient(ctx context.Context, id int) Result
	UpdatePatient(ctx context.Context, id int, fields PatientFields) Result
	DeletePatient(ctx context.Context, id int) Result
	ListScans(ctx context.Context, patientID, limit int) Result
}

// Client talks to the backend REST endpoints.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
	logger  *logging.Logger
	metrics *metrics.Metrics
	jitter  func(time.Duration) time.Duration
}

var _ API = (*Client)(nil)

// New constructs a Client. The bearer token is injected on every request
// and never logged.
func New(baseURL, token string, logger *logging.Logger, m *metrics.Metrics) *Client {
	return &Client{
		baseURL: baseURL,
		token:   token,
		http:    &http.Client{},
		logger:  logger.With("component", "backend"),
		metrics: m,
		jitter:  jitterDelay,
	}
}

// jitterDelay applies ±20% uniform jitter.
func jitterDelay(base time.Duration) time.Duration {
	spread := float64(base) * 0.2
	return base + time.Duration((rand.Float64()*2-1)*spread)
}

// CreatePatient POSTs a new patient record.
func (c *Client) CreatePatient(ctx context.Context, p Patient) Result {
	body, err := json.Marshal(p)
	if err != nil {
		return Result{Kind: KindTransportError, Err: err}
	}
	res := c.call(ctx, http.MethodPost, "/patients/", body)
	if res.Kind == KindOK {
		var created Patient
		if err := json.Unmarshal(res.rawBody, &created); err != nil {
			return Result{Kind: KindServerError, Status: res.Status, Err: fmt.Errorf("decode create response: %w", err)}
		}
		return okPatient(&created)
	}
	return res.Result
}

// ListPatients GETs all patient records.
func (c *Client) ListPatients(ctx context.Context) Result {
	res := c.call(ctx, http.MethodGet, "/patients/", nil)
	if res.Kind == KindOK {
		var patients []Patient
		if err := json.Unmarshal(res.rawBody, &patients); err != nil {
			return Result{Kind: KindServerError, Status: res.Status, Err: fmt.Errorf("decode patient list: %w", err)}
		}
		return okPatients(patients)
	}
	return res.Result
}

// GetPatient GETs a single patient by id.
func (c *Client) GetPatient(ctx context.Context, id int) Result {
	res := c.call(ctx, http.MethodGet, fmt.Sprintf("/patients/%d/", id), nil)
	if res.Kind == KindOK {
		var p Patient
		if err := json.Unmarshal(res.rawBody, &p); err != nil {
			return Result{Kind: KindServerError, Status: res.Status, Err: fmt.Errorf("decode patient: %w", err)}
		}
		return okPatient(&p)
	}
	return res.Result
}

// UpdatePatient performs GET-merge-PUT: fetch the current record, overlay
// the caller's fields, PUT the merged body. On a validation failure the
// merged record rides back in Result.Patient so the graph can reflect the
// rejected fields into slot filling.
func (c *Client) UpdatePatient(ctx context.Context, id int, fields PatientFields) Result {
	current := c.GetPatient(ctx, id)
	if !current.OK() {
		return current
	}
	merged := fields.Overlay(*current.Patient)

	body, err := json.Marshal(merged)
	if err != nil {
		return Result{Kind: KindTransportError, Err: err}
	}
	res := c.call(ctx, http.MethodPut, fmt.Sprintf("/patients/%d/", id), body)
	if res.Kind == KindOK {
		var updated Patient
		if err := json.Unmarshal(res.rawBody, &updated); err != nil {
			return Result{Kind: KindServerError, Status: res.Status, Err: fmt.Errorf("decode update response: %w", err)}
		}
		return okPatient(&updated)
	}
	if res.Kind == KindValidationFailed {
		res.Result.Patient = &merged
	}
	return res.Result
}

// DeletePatient DELETEs a patient record.
func (c *Client) DeletePatient(ctx context.Context, id int) Result {
	res := c.call(ctx, http.MethodDelete, fmt.Sprintf("/patients/%d/", id), nil)
	if res.Kind == KindOK {
		return Result{Kind: KindOK, Status: res.Status}
	}
	return res.Result
}

// ListScans GETs scan records, optionally filtered by patient and limited.
func (c *Client) ListScans(ctx context.Context, patientID, limit int) Result {
	q := url.Values{}
	if patientID > 0 {
		q.Set("patient", strconv.Itoa(patientID))
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	path := "/scans/"
	if encoded := q.Encode(); encoded != "" {
		path += "?" + encoded
	}
	res := c.call(ctx, http.MethodGet, path, nil)
	if res.Kind == KindOK {
		var scans []ScanRecord
		if err := json.Unmarshal(res.rawBody, &scans); err != nil {
			return Result{Kind: KindServerError, Status: res.Status, Err: fmt.Errorf("decode scan list: %w", err)}
		}
		return okScans(scans)
	}
	return res.Result
}

// rawResult carries the undecoded body alongside the mapped Result.
type rawResult struct {
	Result
	rawBody []byte
}

// call runs one logical tool call with the retry policy:
//   - idempotent methods (GET, PUT, DELETE) retry on transport failure and
//     on 502/503/504
//   - POST retries only on transport failure with no response bytes
//     received, so a create is never duplicated
//   - at most 2 retries, backoff 0.5s then 1.0s with ±20% jitter
//   - per-attempt deadline 5s, whole call bounded at 15s
func (c *Client) call(ctx context.Context, method, path string, body []byte) rawResult {
	ctx, cancel := context.WithTimeout(ctx, totalCallTimeout)
	defer cancel()

	start := time.Now()
	idempotent := method != http.MethodPost

	var res rawResult
	retries := 0
	for attempt := 0; ; attempt++ {
		res = c.attempt(ctx, method, path, body)

		if !c.shouldRetry(res, idempotent) || attempt >= maxRetries {
			break
		}
		retries++
		c.logger.Event(logging.CategoryTool, "", "",
			fmt.Sprintf("retrying %s %s", method, path),
			map[string]any{"attempt": attempt + 1, "status": res.Status})

		select {
		case <-time.After(c.jitter(backoffSchedule[attempt])):
		case <-ctx.Done():
			res = rawResult{Result: Result{Kind: KindTransportError, Retryable: true, Err: ctx.Err()}}
			attempt = maxRetries
		}
		if ctx.Err() != nil {
			break
		}
	}

	c.metrics.RecordTool(method, res.Status, time.Since(start), retries)
	return res
}

func (c *Client) shouldRetry(res rawResult, idempotent bool) bool {
	switch res.Kind {
	case KindTransportError:
		// POST may only retry before any response bytes arrived, so a create
		// is never duplicated. Idempotent methods retry either way.
		return idempotent || res.Status == 0
	case KindServerError:
		if !idempotent {
			return false
		}
		return res.Status == http.StatusBadGateway ||
			res.Status == http.StatusServiceUnavailable ||
			res.Status == http.StatusGatewayTimeout
	default:
		return false
	}
}

// attempt performs a single HTTP round trip and maps the response.
func (c *Client) attempt(ctx context.Context, method, path string, body []byte) rawResult {
	attemptCtx, cancel := context.WithTimeout(ctx, perAttemptTimeout)
	defer cancel()

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(attemptCtx, method, c.baseURL+path, reader)
	if err != nil {
		return rawResult{Result: Result{Kind: KindTransportError, Err: err}}
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return rawResult{Result: Result{Kind: KindTransportError, Retryable: true, Err: err}}
	}
	defer func() { _ = resp.Body.Close() }()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		// Response started but died mid-body; carry the status so POST will
		// not be retried.
		return rawResult{Result: Result{Kind: KindTransportError, Status: resp.StatusCode, Err: err}}
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return rawResult{Result: Result{Kind: KindOK, Status: resp.StatusCode}, rawBody: payload}
	case resp.StatusCode == http.StatusBadRequest:
		fieldErrors := map[string][]string{}
		if err := json.Unmarshal(payload, &fieldErrors); err != nil {
			fieldErrors = map[string][]string{"non_field_errors": {string(payload)}}
		}
		return rawResult{Result: Result{Kind: KindValidationFailed, Status: resp.StatusCode, FieldErrors: fieldErrors}}
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return rawResult{Result: Result{Kind: KindAuthFailed, Status: resp.StatusCode}}
	case resp.StatusCode == http.StatusNotFound:
		return rawResult{Result: Result{Kind: KindNotFound, Status: resp.StatusCode}}
	case resp.StatusCode == http.StatusConflict:
		return rawResult{Result: Result{Kind: KindConflict, Status: resp.StatusCode}}
	default:
		return rawResult{Result: Result{
			Kind:   KindServerError,
			Status: resp.StatusCode,
			Err:    fmt.Errorf("backend returned %s", resp.Status),
		}}
	}
}
