package handlers

import (
	"net/http"
	"strconv"

	"dcabot/internal/models"
)

// ReconcileTrigger - запуск внепланового прохода сверки
type ReconcileTrigger interface {
	TriggerReconcile(trigger string)
}

// ReportReader - чтение архива отчётов сверки
type ReportReader interface {
	GetRecent(limit int) ([]*models.ReconciliationReport, error)
	GetCorrected(limit int) ([]*models.ReconciliationReport, error)
}

// ReconcileHandler обрабатывает HTTP запросы для сверки позиции.
//
// Endpoints:
// - POST /api/v1/reconcile - запустить внеплановую сверку
// - GET /api/v1/reconcile/reports?limit=N&corrected=true - архив отчётов
type ReconcileHandler struct {
	engine  ReconcileTrigger
	reports ReportReader // nil при DB_ENABLED=false
}

// NewReconcileHandler создает новый ReconcileHandler с внедрением зависимостей.
func NewReconcileHandler(engine ReconcileTrigger, reports ReportReader) *ReconcileHandler {
	return &ReconcileHandler{
		engine:  engine,
		reports: reports,
	}
}

// TriggerReconcile запускает внеплановую сверку.
//
// POST /api/v1/reconcile
//
// Проход выполняется асинхронно; результат придет по WebSocket
// (reconciliationReport) и попадет в архив.
//
// Response 202 Accepted
func (h *ReconcileHandler) TriggerReconcile(w http.ResponseWriter, r *http.Request) {
	if h.engine == nil {
		respondError(w, http.StatusInternalServerError, "engine not initialized", "")
		return
	}

	h.engine.TriggerReconcile("manual")

	respondJSON(w, http.StatusAccepted, SuccessResponse{Message: "reconciliation started"})
}

// GetReports возвращает архив отчётов сверки.
//
// GET /api/v1/reconcile/reports?limit=N&corrected=true
//
// Query Parameters:
// - limit (optional): количество отчётов (по умолчанию 50, максимум 500)
// - corrected (optional): только отчёты с коррекцией
//
// Response 503 Service Unavailable: архив отключен (DB_ENABLED=false)
func (h *ReconcileHandler) GetReports(w http.ResponseWriter, r *http.Request) {
	if h.reports == nil {
		respondError(w, http.StatusServiceUnavailable, "report archive disabled", "set DB_ENABLED=true")
		return
	}

	limit := 50
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if parsed, err := strconv.Atoi(limitStr); err == nil && parsed > 0 {
			limit = parsed
			if limit > 500 {
				limit = 500
			}
		}
	}

	var (
		reports []*models.ReconciliationReport
		err     error
	)
	if r.URL.Query().Get("corrected") == "true" {
		reports, err = h.reports.GetCorrected(limit)
	} else {
		reports, err = h.reports.GetRecent(limit)
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to get reports", err.Error())
		return
	}
	if reports == nil {
		reports = []*models.ReconciliationReport{}
	}

	respondJSON(w, http.StatusOK, reports)
}
