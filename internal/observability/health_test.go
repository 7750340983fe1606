package observability

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestHealthCheckHandler(t *testing.T) {
	rec := httptest.NewRecorder()
	HealthCheckHandler()(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Expected application/json, got %q", ct)
	}

	var status HealthStatus
	if err := json.Unmarshal(rec.Body.Bytes(), &status); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if status.Status != "healthy" || status.Service != ServiceName {
		t.Errorf("Unexpected status %+v", status)
	}
}

func TestReadinessHandler(t *testing.T) {
	ok := func(ctx context.Context) (bool, error) { return true, nil }
	failing := func(ctx context.Context) (bool, error) { return false, errors.New("upstream down") }

	tests := []struct {
		name       string
		checks     []DependencyCheck
		wantCode   int
		wantStatus string
	}{
		{"all healthy", []DependencyCheck{{"tutor", ok}, {"deepgram", ok}}, http.StatusOK, "ready"},
		{"one failing", []DependencyCheck{{"tutor", ok}, {"cartesia", failing}}, http.StatusServiceUnavailable, "not_ready"},
		{"nil check skipped", []DependencyCheck{{"tutor", ok}, {"deepgram", nil}}, http.StatusOK, "ready"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			ReadinessHandler(tt.checks...)(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))

			if rec.Code != tt.wantCode {
				t.Errorf("Expected status %d, got %d", tt.wantCode, rec.Code)
			}
			var status HealthStatus
			if err := json.Unmarshal(rec.Body.Bytes(), &status); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if status.Status != tt.wantStatus {
				t.Errorf("Expected %q, got %q", tt.wantStatus, status.Status)
			}
		})
	}
}

func TestRunChecks_ReportsMessage(t *testing.T) {
	deps, healthy := RunChecks(context.Background(), DependencyCheck{
		Name:  "cartesia",
		Check: func(ctx context.Context) (bool, error) { return false, errors.New("401") },
	})
	if healthy {
		t.Fatal("Expected unhealthy result")
	}
	if deps["cartesia"].Message != "401" {
		t.Errorf("Expected message '401', got %q", deps["cartesia"].Message)
	}
}
