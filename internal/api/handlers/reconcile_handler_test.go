package handlers

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"dcabot/internal/models"
)

// ============ ReconcileHandler Tests ============

func TestReconcileHandler_TriggerReconcile(t *testing.T) {
	t.Run("starts reconciliation", func(t *testing.T) {
		mockEngine := NewMockEngine()
		handler := NewReconcileHandler(mockEngine, nil)

		req := httptest.NewRequest(http.MethodPost, "/api/v1/reconcile", nil)
		w := httptest.NewRecorder()

		handler.TriggerReconcile(w, req)

		if w.Code != http.StatusAccepted {
			t.Fatalf("expected status %d, got %d", http.StatusAccepted, w.Code)
		}
		if len(mockEngine.triggers) != 1 || mockEngine.triggers[0] != "manual" {
			t.Errorf("unexpected triggers: %v", mockEngine.triggers)
		}
	})

	t.Run("returns 500 when engine is nil", func(t *testing.T) {
		handler := NewReconcileHandler(nil, nil)

		req := httptest.NewRequest(http.MethodPost, "/api/v1/reconcile", nil)
		w := httptest.NewRecorder()

		handler.TriggerReconcile(w, req)

		if w.Code != http.StatusInternalServerError {
			t.Errorf("expected status %d, got %d", http.StatusInternalServerError, w.Code)
		}
	})
}

func TestReconcileHandler_GetReports(t *testing.T) {
	now := time.Now()
	archive := &MockReportArchive{
		reports: []*models.ReconciliationReport{
			{ID: 2, Instrument: "BTC_USDC", Timestamp: now, Drift: 0.1, Corrected: true},
			{ID: 1, Instrument: "BTC_USDC", Timestamp: now.Add(-time.Hour), Drift: 0.0, Corrected: false},
		},
	}

	t.Run("returns 503 when archive disabled", func(t *testing.T) {
		handler := NewReconcileHandler(NewMockEngine(), nil)

		req := httptest.NewRequest(http.MethodGet, "/api/v1/reconcile/reports", nil)
		w := httptest.NewRecorder()

		handler.GetReports(w, req)

		if w.Code != http.StatusServiceUnavailable {
			t.Errorf("expected status %d, got %d", http.StatusServiceUnavailable, w.Code)
		}
	})

	t.Run("returns all reports", func(t *testing.T) {
		handler := NewReconcileHandler(NewMockEngine(), archive)

		req := httptest.NewRequest(http.MethodGet, "/api/v1/reconcile/reports", nil)
		w := httptest.NewRecorder()

		handler.GetReports(w, req)

		if w.Code != http.StatusOK {
			t.Fatalf("expected status %d, got %d", http.StatusOK, w.Code)
		}

		var reports []*models.ReconciliationReport
		if err := json.NewDecoder(w.Body).Decode(&reports); err != nil {
			t.Fatalf("failed to decode response: %v", err)
		}
		if len(reports) != 2 {
			t.Errorf("expected 2 reports, got %d", len(reports))
		}
	})

	t.Run("filters corrected reports", func(t *testing.T) {
		handler := NewReconcileHandler(NewMockEngine(), archive)

		req := httptest.NewRequest(http.MethodGet, "/api/v1/reconcile/reports?corrected=true", nil)
		w := httptest.NewRecorder()

		handler.GetReports(w, req)

		if w.Code != http.StatusOK {
			t.Fatalf("expected status %d, got %d", http.StatusOK, w.Code)
		}

		var reports []*models.ReconciliationReport
		if err := json.NewDecoder(w.Body).Decode(&reports); err != nil {
			t.Fatalf("failed to decode response: %v", err)
		}
		if len(reports) != 1 || !reports[0].Corrected {
			t.Errorf("unexpected reports: %+v", reports)
		}
	})

	t.Run("returns 500 on archive error", func(t *testing.T) {
		handler := NewReconcileHandler(NewMockEngine(), &MockReportArchive{err: ErrMockDatabase})

		req := httptest.NewRequest(http.MethodGet, "/api/v1/reconcile/reports", nil)
		w := httptest.NewRecorder()

		handler.GetReports(w, req)

		if w.Code != http.StatusInternalServerError {
			t.Errorf("expected status %d, got %d", http.StatusInternalServerError, w.Code)
		}
	})
}
