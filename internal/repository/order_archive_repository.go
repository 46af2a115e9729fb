package repository

import (
	"database/sql"
	"errors"
	"time"

	"dcabot/internal/models"
)

// Ошибки архива ордеров
var (
	ErrArchivedOrderNotFound = errors.New("archived order not found")
)

// OrderArchiveRepository - работа с таблицей order_archive
//
// Хранит терминальные ордера (filled/cancelled/rejected) для UI
// и отчётности. Источником истины остаётся журнал событий:
// архив можно потерять и пересобрать из него заново.
//
// Ключ - ID ордера, присвоенный биржей, поэтому повторная
// архивация одного ордера идемпотентна (upsert).
type OrderArchiveRepository struct {
	db *sql.DB
}

// NewOrderArchiveRepository создает новый экземпляр репозитория
func NewOrderArchiveRepository(db *sql.DB) *OrderArchiveRepository {
	return &OrderArchiveRepository{db: db}
}

// Archive сохраняет терминальный ордер (upsert по order_id)
func (r *OrderArchiveRepository) Archive(order *models.Order) error {
	query := `
		INSERT INTO order_archive (order_id, instrument, side, price, quantity, filled_quantity, filled_amount, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (order_id) DO UPDATE
		SET filled_quantity = EXCLUDED.filled_quantity,
		    filled_amount = EXCLUDED.filled_amount,
		    status = EXCLUDED.status,
		    updated_at = EXCLUDED.updated_at`

	_, err := r.db.Exec(
		query,
		order.ID,
		order.Instrument,
		order.Side,
		order.Price,
		order.Quantity,
		order.FilledQuantity,
		order.FilledAmount,
		order.Status,
		order.CreatedAt,
		order.UpdatedAt,
	)

	return err
}

// GetByOrderID возвращает заархивированный ордер по биржевому ID
func (r *OrderArchiveRepository) GetByOrderID(orderID string) (*models.Order, error) {
	query := `
		SELECT order_id, instrument, side, price, quantity, filled_quantity, filled_amount, status, created_at, updated_at
		FROM order_archive
		WHERE order_id = $1`

	order := &models.Order{}
	err := r.db.QueryRow(query, orderID).Scan(
		&order.ID,
		&order.Instrument,
		&order.Side,
		&order.Price,
		&order.Quantity,
		&order.FilledQuantity,
		&order.FilledAmount,
		&order.Status,
		&order.CreatedAt,
		&order.UpdatedAt,
	)

	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrArchivedOrderNotFound
		}
		return nil, err
	}

	return order, nil
}

// GetRecent возвращает последние N заархивированных ордеров
func (r *OrderArchiveRepository) GetRecent(limit int) ([]*models.Order, error) {
	query := `
		SELECT order_id, instrument, side, price, quantity, filled_quantity, filled_amount, status, created_at, updated_at
		FROM order_archive
		ORDER BY updated_at DESC
		LIMIT $1`

	rows, err := r.db.Query(query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var orders []*models.Order
	for rows.Next() {
		order := &models.Order{}
		err := rows.Scan(
			&order.ID,
			&order.Instrument,
			&order.Side,
			&order.Price,
			&order.Quantity,
			&order.FilledQuantity,
			&order.FilledAmount,
			&order.Status,
			&order.CreatedAt,
			&order.UpdatedAt,
		)
		if err != nil {
			return nil, err
		}
		orders = append(orders, order)
	}

	if err = rows.Err(); err != nil {
		return nil, err
	}

	return orders, nil
}

// GetByStatus возвращает заархивированные ордера с определенным статусом
func (r *OrderArchiveRepository) GetByStatus(status string, limit int) ([]*models.Order, error) {
	query := `
		SELECT order_id, instrument, side, price, quantity, filled_quantity, filled_amount, status, created_at, updated_at
		FROM order_archive
		WHERE status = $1
		ORDER BY updated_at DESC
		LIMIT $2`

	rows, err := r.db.Query(query, status, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var orders []*models.Order
	for rows.Next() {
		order := &models.Order{}
		err := rows.Scan(
			&order.ID,
			&order.Instrument,
			&order.Side,
			&order.Price,
			&order.Quantity,
			&order.FilledQuantity,
			&order.FilledAmount,
			&order.Status,
			&order.CreatedAt,
			&order.UpdatedAt,
		)
		if err != nil {
			return nil, err
		}
		orders = append(orders, order)
	}

	if err = rows.Err(); err != nil {
		return nil, err
	}

	return orders, nil
}

// CountByStatus возвращает количество ордеров с определенным статусом
func (r *OrderArchiveRepository) CountByStatus(status string) (int, error) {
	query := `SELECT COUNT(*) FROM order_archive WHERE status = $1`

	var count int
	err := r.db.QueryRow(query, status).Scan(&count)
	if err != nil {
		return 0, err
	}

	return count, nil
}

// DeleteOlderThan удаляет ордера, не обновлявшиеся с указанной даты
func (r *OrderArchiveRepository) DeleteOlderThan(timestamp time.Time) (int64, error) {
	query := `DELETE FROM order_archive WHERE updated_at < $1`

	result, err := r.db.Exec(query, timestamp)
	if err != nil {
		return 0, err
	}

	return result.RowsAffected()
}
