package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"techaura-fulfillment/internal/config"
	"techaura-fulfillment/internal/models"
	"techaura-fulfillment/internal/store"
)

func newTestServer(st store.Store) http.Handler {
	return New(config.Load(), st, nil, nil, nil).Router()
}

func TestCreateAndGetJob(t *testing.T) {
	st := store.NewMemory()
	router := newTestServer(st)

	body := map[string]any{
		"order_id": "order-42",
		"job_type": "copy",
		"payload":  map[string]any{"device_path": "usb-42"},
	}
	raw, _ := json.Marshal(body)
	req := httptest.NewRequest(http.MethodPost, "/jobs", bytes.NewReader(raw))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("create: status %d body %s", rec.Code, rec.Body)
	}
	var created createJobResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if created.Job.Status != models.StatusPending || created.Job.OrderID == nil || *created.Job.OrderID != "order-42" {
		t.Fatalf("unexpected job: %+v", created.Job)
	}

	req = httptest.NewRequest(http.MethodGet, fmt.Sprintf("/jobs/%d", created.Job.ID), nil)
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("get: status %d", rec.Code)
	}
}

func TestCreateJobRequiresType(t *testing.T) {
	router := newTestServer(store.NewMemory())
	req := httptest.NewRequest(http.MethodPost, "/jobs", bytes.NewReader([]byte(`{"order_id":"x"}`)))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestCreateJobIdempotencyReuse(t *testing.T) {
	st := store.NewMemory()
	router := newTestServer(st)

	body := []byte(`{"job_type":"copy","idempotency_key":"order-42-copy"}`)
	for i := 0; i < 2; i++ {
		req := httptest.NewRequest(http.MethodPost, "/jobs", bytes.NewReader(body))
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		if rec.Code != http.StatusAccepted {
			t.Fatalf("submit %d: status %d", i+1, rec.Code)
		}
		var resp createJobResponse
		_ = json.Unmarshal(rec.Body.Bytes(), &resp)
		if (i == 1) != resp.Reused {
			t.Fatalf("submit %d: reused=%v", i+1, resp.Reused)
		}
	}

	counts, _ := st.CountByStatus(context.Background())
	if counts[models.StatusPending] != 1 {
		t.Fatalf("expected one pending job, got %d", counts[models.StatusPending])
	}
}

func TestGetJobNotFound(t *testing.T) {
	router := newTestServer(store.NewMemory())
	req := httptest.NewRequest(http.MethodGet, "/jobs/999", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestStats(t *testing.T) {
	st := store.NewMemory()
	st.Seed(models.ProcessingJob{JobType: "copy", Status: models.StatusPending})
	st.Seed(models.ProcessingJob{JobType: "copy", Status: models.StatusFailed})
	router := newTestServer(st)

	req := httptest.NewRequest(http.MethodGet, "/stats", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("stats: status %d", rec.Code)
	}
	var out struct {
		Counts map[string]int64 `json:"counts"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.Counts[models.StatusPending] != 1 || out.Counts[models.StatusFailed] != 1 {
		t.Fatalf("unexpected counts: %+v", out.Counts)
	}
}

func TestJobLogsEndpoint(t *testing.T) {
	st := store.NewMemory()
	id := st.Seed(models.ProcessingJob{JobType: "copy", Status: models.StatusPending})
	_ = st.AppendJobLog(context.Background(), models.JobLogEntry{
		JobID: id, Level: models.LogError, Category: "worker", Message: "device write error",
	})
	router := newTestServer(st)

	req := httptest.NewRequest(http.MethodGet, fmt.Sprintf("/jobs/%d/logs", id), nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("logs: status %d", rec.Code)
	}
	var out struct {
		Entries []models.JobLogEntry `json:"entries"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(out.Entries) != 1 || out.Entries[0].Message != "device write error" {
		t.Fatalf("unexpected entries: %+v", out.Entries)
	}
}

func TestHealthz(t *testing.T) {
	router := newTestServer(store.NewMemory())
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("healthz: status %d", rec.Code)
	}
}
