package handler

import (
	"context"
	"durableq/internal/metrics"
	"durableq/internal/models"
	"durableq/internal/service"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

// mockInspector is a mock implementation of Inspector
type mockInspector struct {
	jobs      map[string]*models.Job
	dead      []*models.DeadJob
	requeued  []string
	lastLimit int
	countsErr error
}

func newMockInspector() *mockInspector {
	return &mockInspector{jobs: make(map[string]*models.Job)}
}

func (m *mockInspector) Get(ctx context.Context, id string) (*models.Job, error) {
	job, ok := m.jobs[id]
	if !ok {
		return nil, service.ErrJobNotFound
	}
	return job, nil
}

func (m *mockInspector) DeadJobs(ctx context.Context, limit int) ([]*models.DeadJob, error) {
	m.lastLimit = limit
	return m.dead, nil
}

func (m *mockInspector) Requeue(ctx context.Context, id string) error {
	for _, d := range m.dead {
		if d.ID == id {
			m.requeued = append(m.requeued, id)
			return nil
		}
	}
	return service.ErrJobNotFound
}

func (m *mockInspector) Counts(ctx context.Context) (models.Counts, error) {
	if m.countsErr != nil {
		return models.Counts{}, m.countsErr
	}
	return models.Counts{Pending: 2, Scheduled: 1, Claimed: 3, Dead: len(m.dead)}, nil
}

func serve(h *JobHandler, method, path string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	rec := httptest.NewRecorder()
	h.Routes().ServeHTTP(rec, req)
	return rec
}

func TestJobHandler_GetJob(t *testing.T) {
	q := newMockInspector()
	q.jobs["j1"] = &models.Job{ID: "j1", Kind: "delete_object", Payload: []byte(`{"key":"a"}`), State: models.StatePending}
	h := NewJobHandler(q, metrics.NewMetrics())

	rec := serve(h, http.MethodGet, "/jobs/j1")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rec.Code)
	}

	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["id"] != "j1" || body["state"] != "pending" {
		t.Errorf("unexpected body %v", body)
	}
	payload, ok := body["payload"].(map[string]any)
	if !ok || payload["key"] != "a" {
		t.Errorf("expected payload as JSON object, got %v", body["payload"])
	}
}

func TestJobHandler_GetJob_NotFound(t *testing.T) {
	h := NewJobHandler(newMockInspector(), metrics.NewMetrics())

	rec := serve(h, http.MethodGet, "/jobs/missing")
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected status 404, got %d", rec.Code)
	}
}

func TestJobHandler_GetStats(t *testing.T) {
	h := NewJobHandler(newMockInspector(), metrics.NewMetrics())

	rec := serve(h, http.MethodGet, "/jobs/stats")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rec.Code)
	}

	var counts models.Counts
	if err := json.Unmarshal(rec.Body.Bytes(), &counts); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if counts.Pending != 2 || counts.Scheduled != 1 || counts.Claimed != 3 {
		t.Errorf("unexpected counts %+v", counts)
	}
}

func TestJobHandler_GetStats_Error(t *testing.T) {
	q := newMockInspector()
	q.countsErr = errors.New("connection refused")
	h := NewJobHandler(q, metrics.NewMetrics())

	rec := serve(h, http.MethodGet, "/jobs/stats")
	if rec.Code != http.StatusInternalServerError {
		t.Errorf("expected status 500, got %d", rec.Code)
	}
	if strings.Contains(rec.Body.String(), "connection refused") {
		t.Errorf("expected internal error to stay out of the response, got %q", rec.Body.String())
	}
}

func TestJobHandler_ListDeadJobs(t *testing.T) {
	q := newMockInspector()
	q.dead = []*models.DeadJob{{ID: "d1", Kind: "send_email", Payload: []byte(`{"to":"a@example.com"}`), FailureCount: 5, LastError: "smtp"}}
	h := NewJobHandler(q, metrics.NewMetrics())

	rec := serve(h, http.MethodGet, "/dead?limit=10")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rec.Code)
	}
	if q.lastLimit != 10 {
		t.Errorf("expected limit 10, got %d", q.lastLimit)
	}

	var body []map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body) != 1 || body[0]["id"] != "d1" || body[0]["last_error"] != "smtp" {
		t.Errorf("unexpected body %v", body)
	}
}

func TestJobHandler_ListDeadJobs_Limits(t *testing.T) {
	q := newMockInspector()
	h := NewJobHandler(q, metrics.NewMetrics())

	if rec := serve(h, http.MethodGet, "/dead"); rec.Code != http.StatusOK || q.lastLimit != defaultDeadLimit {
		t.Errorf("expected default limit, got status %d limit %d", rec.Code, q.lastLimit)
	}
	if rec := serve(h, http.MethodGet, "/dead?limit=100000"); rec.Code != http.StatusOK || q.lastLimit != maxDeadLimit {
		t.Errorf("expected capped limit, got status %d limit %d", rec.Code, q.lastLimit)
	}
	if rec := serve(h, http.MethodGet, "/dead?limit=abc"); rec.Code != http.StatusBadRequest {
		t.Errorf("expected status 400, got %d", rec.Code)
	}
}

func TestJobHandler_RequeueDeadJob(t *testing.T) {
	q := newMockInspector()
	q.dead = []*models.DeadJob{{ID: "d1"}}
	h := NewJobHandler(q, metrics.NewMetrics())

	rec := serve(h, http.MethodPost, "/dead/d1/requeue")
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected status 202, got %d", rec.Code)
	}
	if len(q.requeued) != 1 || q.requeued[0] != "d1" {
		t.Errorf("expected d1 requeued, got %v", q.requeued)
	}

	if rec := serve(h, http.MethodPost, "/dead/nope/requeue"); rec.Code != http.StatusNotFound {
		t.Errorf("expected status 404, got %d", rec.Code)
	}
}

func TestJobHandler_GetMetrics(t *testing.T) {
	m := metrics.NewMetrics()
	m.IncrementCompletedJobs()
	h := NewJobHandler(newMockInspector(), m)

	rec := serve(h, http.MethodGet, "/metrics")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rec.Code)
	}

	var snapshot map[string]int64
	if err := json.Unmarshal(rec.Body.Bytes(), &snapshot); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if snapshot["completed_jobs"] != 1 {
		t.Errorf("expected completed_jobs 1, got %d", snapshot["completed_jobs"])
	}
}

func TestJobHandler_MethodNotAllowed(t *testing.T) {
	h := NewJobHandler(newMockInspector(), metrics.NewMetrics())

	if rec := serve(h, http.MethodDelete, "/jobs/j1"); rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("expected status 405, got %d", rec.Code)
	}
}
