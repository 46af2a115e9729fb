package repository

import (
	"database/sql"
	"errors"
	"time"

	"dcabot/internal/models"
)

// Ошибки репозитория отчётов
var (
	ErrReportNotFound = errors.New("report not found")
)

// ReportRepository - работа с таблицей reconciliation_reports
//
// Архив сверок не является источником истины (им остаётся журнал
// событий); БД хранит историю для UI и аудита. При DB_ENABLED=false
// репозиторий не создаётся вовсе.
type ReportRepository struct {
	db *sql.DB
}

// NewReportRepository создает новый экземпляр репозитория
func NewReportRepository(db *sql.DB) *ReportRepository {
	return &ReportRepository{db: db}
}

// Create сохраняет отчёт сверки
func (r *ReportRepository) Create(report *models.ReconciliationReport) error {
	query := `
		INSERT INTO reconciliation_reports (instrument, timestamp, local_quantity, real_balance, drift, tolerance, corrected, price_source, error_message)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id`

	if report.Timestamp.IsZero() {
		report.Timestamp = time.Now()
	}

	err := r.db.QueryRow(
		query,
		report.Instrument,
		report.Timestamp,
		report.LocalQuantity,
		report.RealBalance,
		report.Drift,
		report.Tolerance,
		report.Corrected,
		report.PriceSource,
		report.Error,
	).Scan(&report.ID)

	if err != nil {
		return err
	}

	return nil
}

// GetByID возвращает отчёт по ID
func (r *ReportRepository) GetByID(id int) (*models.ReconciliationReport, error) {
	query := `
		SELECT id, instrument, timestamp, local_quantity, real_balance, drift, tolerance, corrected, price_source, error_message
		FROM reconciliation_reports
		WHERE id = $1`

	report := &models.ReconciliationReport{}
	err := r.db.QueryRow(query, id).Scan(
		&report.ID,
		&report.Instrument,
		&report.Timestamp,
		&report.LocalQuantity,
		&report.RealBalance,
		&report.Drift,
		&report.Tolerance,
		&report.Corrected,
		&report.PriceSource,
		&report.Error,
	)

	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrReportNotFound
		}
		return nil, err
	}

	return report, nil
}

// GetRecent возвращает последние N отчётов
func (r *ReportRepository) GetRecent(limit int) ([]*models.ReconciliationReport, error) {
	query := `
		SELECT id, instrument, timestamp, local_quantity, real_balance, drift, tolerance, corrected, price_source, error_message
		FROM reconciliation_reports
		ORDER BY timestamp DESC
		LIMIT $1`

	rows, err := r.db.Query(query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var reports []*models.ReconciliationReport
	for rows.Next() {
		report := &models.ReconciliationReport{}
		err := rows.Scan(
			&report.ID,
			&report.Instrument,
			&report.Timestamp,
			&report.LocalQuantity,
			&report.RealBalance,
			&report.Drift,
			&report.Tolerance,
			&report.Corrected,
			&report.PriceSource,
			&report.Error,
		)
		if err != nil {
			return nil, err
		}
		reports = append(reports, report)
	}

	if err = rows.Err(); err != nil {
		return nil, err
	}

	return reports, nil
}

// GetCorrected возвращает последние отчёты, завершившиеся коррекцией
func (r *ReportRepository) GetCorrected(limit int) ([]*models.ReconciliationReport, error) {
	query := `
		SELECT id, instrument, timestamp, local_quantity, real_balance, drift, tolerance, corrected, price_source, error_message
		FROM reconciliation_reports
		WHERE corrected = true
		ORDER BY timestamp DESC
		LIMIT $1`

	rows, err := r.db.Query(query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var reports []*models.ReconciliationReport
	for rows.Next() {
		report := &models.ReconciliationReport{}
		err := rows.Scan(
			&report.ID,
			&report.Instrument,
			&report.Timestamp,
			&report.LocalQuantity,
			&report.RealBalance,
			&report.Drift,
			&report.Tolerance,
			&report.Corrected,
			&report.PriceSource,
			&report.Error,
		)
		if err != nil {
			return nil, err
		}
		reports = append(reports, report)
	}

	if err = rows.Err(); err != nil {
		return nil, err
	}

	return reports, nil
}

// DeleteOlderThan удаляет отчёты старше указанной даты
func (r *ReportRepository) DeleteOlderThan(timestamp time.Time) (int64, error) {
	query := `DELETE FROM reconciliation_reports WHERE timestamp < $1`

	result, err := r.db.Exec(query, timestamp)
	if err != nil {
		return 0, err
	}

	return result.RowsAffected()
}

// Count возвращает общее количество отчётов
func (r *ReportRepository) Count() (int, error) {
	query := `SELECT COUNT(*) FROM reconciliation_reports`

	var count int
	err := r.db.QueryRow(query).Scan(&count)
	if err != nil {
		return 0, err
	}

	return count, nil
}
