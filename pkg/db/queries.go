package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

var (
	ErrNotFound = errors.New("record not found")
	// ErrPositionExists is returned when an OPEN position already exists for
	// the same (exchange, symbol).
	ErrPositionExists = errors.New("open position already exists")
)

const positionColumns = `id, exchange, symbol, side, entry_price, quantity, leverage, status,
	current_price, max_price, min_price, stop_loss_ref, trailing_stop_ref, take_profit_ref,
	protected, exit_price, realized_pnl, pnl_approximate, close_reason, source_id, opened_at, closed_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPosition(row rowScanner) (Position, error) {
	var (
		p        Position
		closedAt sql.NullTime
	)
	err := row.Scan(&p.ID, &p.Exchange, &p.Symbol, &p.Side, &p.EntryPrice, &p.Quantity, &p.Leverage, &p.Status,
		&p.CurrentPrice, &p.MaxPrice, &p.MinPrice, &p.StopLossRef, &p.TrailingStopRef, &p.TakeProfitRef,
		&p.Protected, &p.ExitPrice, &p.RealizedPnL, &p.PnLApproximate, &p.CloseReason, &p.SourceID, &p.OpenedAt, &closedAt)
	if err != nil {
		return Position{}, err
	}
	if closedAt.Valid {
		t := closedAt.Time
		p.ClosedAt = &t
	}
	return p, nil
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// CreatePosition inserts p. An empty ID is filled with a new uuid and a zero
// OpenedAt with the current time; both are written back into p.
func (d *Database) CreatePosition(ctx context.Context, p *Position) error {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if p.OpenedAt.IsZero() {
		p.OpenedAt = time.Now().UTC()
	}
	if p.Status == "" {
		p.Status = PositionOpen
	}
	if p.CurrentPrice.IsZero() {
		p.CurrentPrice = p.EntryPrice
	}
	if p.MaxPrice.IsZero() {
		p.MaxPrice = p.EntryPrice
	}
	if p.MinPrice.IsZero() {
		p.MinPrice = p.EntryPrice
	}
	_, err := d.DB.ExecContext(ctx, `
		INSERT INTO positions (`+positionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, NULL)
	`, p.ID, p.Exchange, p.Symbol, p.Side, p.EntryPrice, p.Quantity, p.Leverage, p.Status,
		p.CurrentPrice, p.MaxPrice, p.MinPrice, p.StopLossRef, p.TrailingStopRef, p.TakeProfitRef,
		p.Protected, p.ExitPrice, p.RealizedPnL, p.PnLApproximate, p.CloseReason, p.SourceID, p.OpenedAt)
	if isUniqueViolation(err) {
		return fmt.Errorf("%s %s: %w", p.Exchange, p.Symbol, ErrPositionExists)
	}
	if err != nil {
		return fmt.Errorf("insert position: %w", err)
	}
	return nil
}

// UpdatePosition writes the mutable fields of p.
func (d *Database) UpdatePosition(ctx context.Context, p Position) error {
	res, err := d.DB.ExecContext(ctx, `
		UPDATE positions SET
			quantity = ?, entry_price = ?, status = ?, current_price = ?, max_price = ?, min_price = ?,
			stop_loss_ref = ?, trailing_stop_ref = ?, take_profit_ref = ?, protected = ?,
			updated_at = CURRENT_TIMESTAMP
		WHERE id = ?
	`, p.Quantity, p.EntryPrice, p.Status, p.CurrentPrice, p.MaxPrice, p.MinPrice,
		p.StopLossRef, p.TrailingStopRef, p.TakeProfitRef, p.Protected, p.ID)
	if err != nil {
		return fmt.Errorf("update position: %w", err)
	}
	return expectOne(res)
}

// ClosePosition marks the position CLOSED with the given outcome.
func (d *Database) ClosePosition(ctx context.Context, id string, c Close) error {
	res, err := d.DB.ExecContext(ctx, `
		UPDATE positions SET
			status = ?, exit_price = ?, current_price = ?, realized_pnl = ?, pnl_approximate = ?,
			close_reason = ?, closed_at = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND status != ?
	`, PositionClosed, c.ExitPrice, c.ExitPrice, c.PnL, c.Approximate, c.Reason, time.Now().UTC(), id, PositionClosed)
	if err != nil {
		return fmt.Errorf("close position: %w", err)
	}
	return expectOne(res)
}

// GetPosition returns a position by id.
func (d *Database) GetPosition(ctx context.Context, id string) (Position, error) {
	row := d.DB.QueryRowContext(ctx, `SELECT `+positionColumns+` FROM positions WHERE id = ?`, id)
	p, err := scanPosition(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Position{}, ErrNotFound
	}
	return p, err
}

// GetPositionBySymbol returns the OPEN position for (exchange, symbol).
func (d *Database) GetPositionBySymbol(ctx context.Context, exchange, symbol string) (Position, error) {
	row := d.DB.QueryRowContext(ctx, `
		SELECT `+positionColumns+` FROM positions
		WHERE exchange = ? AND symbol = ? AND status = ?
	`, exchange, symbol, PositionOpen)
	p, err := scanPosition(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Position{}, ErrNotFound
	}
	return p, err
}

// GetOpenPositions lists OPEN positions; an empty exchange means all.
func (d *Database) GetOpenPositions(ctx context.Context, exchange string) ([]Position, error) {
	return d.queryPositions(ctx, `
		SELECT `+positionColumns+` FROM positions
		WHERE status = ? AND (? = '' OR exchange = ?)
		ORDER BY opened_at
	`, PositionOpen, exchange, exchange)
}

// ListPositions returns the most recent positions, optionally filtered by status.
func (d *Database) ListPositions(ctx context.Context, status PositionStatus, limit int) ([]Position, error) {
	if limit <= 0 {
		limit = 100
	}
	return d.queryPositions(ctx, `
		SELECT `+positionColumns+` FROM positions
		WHERE (? = '' OR status = ?)
		ORDER BY opened_at DESC
		LIMIT ?
	`, status, status, limit)
}

func (d *Database) queryPositions(ctx context.Context, query string, args ...any) ([]Position, error) {
	rows, err := d.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query positions: %w", err)
	}
	defer rows.Close()

	var out []Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, fmt.Errorf("scan position: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// CheckPositionExists reports whether an OPEN position exists for (exchange, symbol).
func (d *Database) CheckPositionExists(ctx context.Context, exchange, symbol string) (bool, error) {
	var n int
	err := d.DB.QueryRowContext(ctx, `
		SELECT COUNT(1) FROM positions WHERE exchange = ? AND symbol = ? AND status = ?
	`, exchange, symbol, PositionOpen).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("check position: %w", err)
	}
	return n > 0, nil
}

// CountOpenPositions counts OPEN positions; an empty exchange means all.
func (d *Database) CountOpenPositions(ctx context.Context, exchange string) (int, error) {
	var n int
	err := d.DB.QueryRowContext(ctx, `
		SELECT COUNT(1) FROM positions WHERE status = ? AND (? = '' OR exchange = ?)
	`, PositionOpen, exchange, exchange).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count positions: %w", err)
	}
	return n, nil
}

// InsertProtectionOrder records a protective order and sets o.ID.
func (d *Database) InsertProtectionOrder(ctx context.Context, o *ProtectionOrder) error {
	if o.SizePercent == 0 {
		o.SizePercent = 100
	}
	res, err := d.DB.ExecContext(ctx, `
		INSERT INTO protection_orders (position_id, kind, exchange_order_id, trigger_price, distance_or_rate, size_percent, status, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, o.PositionID, o.Kind, o.ExchangeOrderID, o.TriggerPrice, o.DistanceOrRate, o.SizePercent, o.Status, o.Error)
	if err != nil {
		return fmt.Errorf("insert protection order: %w", err)
	}
	o.ID, err = res.LastInsertId()
	return err
}

// SetProtectionStatus updates the status of every protection order of a
// position that references exchangeOrderID.
func (d *Database) SetProtectionStatus(ctx context.Context, positionID, exchangeOrderID, status string) error {
	_, err := d.DB.ExecContext(ctx, `
		UPDATE protection_orders SET status = ?, updated_at = CURRENT_TIMESTAMP
		WHERE position_id = ? AND exchange_order_id = ?
	`, status, positionID, exchangeOrderID)
	if err != nil {
		return fmt.Errorf("update protection status: %w", err)
	}
	return nil
}

// GetProtectionOrders lists the protective orders recorded for a position.
func (d *Database) GetProtectionOrders(ctx context.Context, positionID string) ([]ProtectionOrder, error) {
	rows, err := d.DB.QueryContext(ctx, `
		SELECT id, position_id, kind, exchange_order_id, trigger_price, distance_or_rate, size_percent, status, error, created_at
		FROM protection_orders WHERE position_id = ? ORDER BY id
	`, positionID)
	if err != nil {
		return nil, fmt.Errorf("query protection orders: %w", err)
	}
	defer rows.Close()

	var out []ProtectionOrder
	for rows.Next() {
		var o ProtectionOrder
		if err := rows.Scan(&o.ID, &o.PositionID, &o.Kind, &o.ExchangeOrderID, &o.TriggerPrice, &o.DistanceOrRate,
			&o.SizePercent, &o.Status, &o.Error, &o.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan protection order: %w", err)
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

func expectOne(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
