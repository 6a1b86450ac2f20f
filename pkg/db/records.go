package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// RecordSignal stores the outcome of a signal. A second call with the same
// source id overwrites the outcome unless the signal was already EXECUTED.
func (d *Database) RecordSignal(ctx context.Context, s SignalRecord) error {
	if s.ReceivedAt.IsZero() {
		s.ReceivedAt = time.Now().UTC()
	}
	var processed any
	if s.ProcessedAt != nil {
		processed = *s.ProcessedAt
	}
	_, err := d.DB.ExecContext(ctx, `
		INSERT INTO signals (source_id, exchange, symbol, direction, confidence, outcome, reason, position_id, received_at, processed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(source_id) DO UPDATE SET
			outcome = excluded.outcome,
			reason = excluded.reason,
			position_id = excluded.position_id,
			processed_at = excluded.processed_at
		WHERE signals.outcome <> 'EXECUTED'
	`, s.SourceID, s.Exchange, s.Symbol, s.Direction, s.Confidence, s.Outcome, s.Reason, s.PositionID, s.ReceivedAt, processed)
	if err != nil {
		return fmt.Errorf("record signal: %w", err)
	}
	return nil
}

// GetSignal returns the stored record for a source id.
func (d *Database) GetSignal(ctx context.Context, sourceID string) (SignalRecord, error) {
	var (
		s         SignalRecord
		processed sql.NullTime
	)
	err := d.DB.QueryRowContext(ctx, `
		SELECT source_id, exchange, symbol, direction, confidence, outcome, reason, position_id, received_at, processed_at
		FROM signals WHERE source_id = ?
	`, sourceID).Scan(&s.SourceID, &s.Exchange, &s.Symbol, &s.Direction, &s.Confidence, &s.Outcome, &s.Reason,
		&s.PositionID, &s.ReceivedAt, &processed)
	if errors.Is(err, sql.ErrNoRows) {
		return SignalRecord{}, ErrNotFound
	}
	if err != nil {
		return SignalRecord{}, fmt.Errorf("get signal: %w", err)
	}
	if processed.Valid {
		t := processed.Time
		s.ProcessedAt = &t
	}
	return s, nil
}

// InsertAuditEvents writes a batch of audit rows in one transaction.
func (d *Database) InsertAuditEvents(ctx context.Context, events []AuditEvent) error {
	if len(events) == 0 {
		return nil
	}
	tx, err := d.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	stmt, err := tx.PrepareContext(ctx, `
		INSERT OR IGNORE INTO audit_events (id, node, type, exchange, symbol, payload, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("prepare audit insert: %w", err)
	}
	defer stmt.Close()
	for _, e := range events {
		if _, err := stmt.ExecContext(ctx, e.ID, e.Node, e.Type, e.Exchange, e.Symbol, e.Payload, e.CreatedAt); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("insert audit event: %w", err)
		}
	}
	return tx.Commit()
}

// ListAuditEvents returns the newest audit rows first.
func (d *Database) ListAuditEvents(ctx context.Context, limit int) ([]AuditEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := d.DB.QueryContext(ctx, `
		SELECT id, node, type, exchange, symbol, payload, created_at
		FROM audit_events ORDER BY created_at DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query audit events: %w", err)
	}
	defer rows.Close()

	var out []AuditEvent
	for rows.Next() {
		var e AuditEvent
		if err := rows.Scan(&e.ID, &e.Node, &e.Type, &e.Exchange, &e.Symbol, &e.Payload, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan audit event: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// GetRiskMetrics returns the counters for a UTC date (YYYY-MM-DD). A missing
// row yields zero counters.
func (d *Database) GetRiskMetrics(ctx context.Context, date string) (RiskMetrics, error) {
	m := RiskMetrics{Date: date}
	err := d.DB.QueryRowContext(ctx, `
		SELECT daily_pnl, daily_trades, daily_wins, daily_losses FROM risk_metrics WHERE date = ?
	`, date).Scan(&m.DailyPnL, &m.DailyTrades, &m.DailyWins, &m.DailyLosses)
	if errors.Is(err, sql.ErrNoRows) {
		return m, nil
	}
	if err != nil {
		return m, fmt.Errorf("get risk metrics: %w", err)
	}
	return m, nil
}

// UpsertRiskMetrics stores the counters for m.Date.
func (d *Database) UpsertRiskMetrics(ctx context.Context, m RiskMetrics) error {
	_, err := d.DB.ExecContext(ctx, `
		INSERT INTO risk_metrics (date, daily_pnl, daily_trades, daily_wins, daily_losses)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(date) DO UPDATE SET
			daily_pnl = excluded.daily_pnl,
			daily_trades = excluded.daily_trades,
			daily_wins = excluded.daily_wins,
			daily_losses = excluded.daily_losses
	`, m.Date, m.DailyPnL, m.DailyTrades, m.DailyWins, m.DailyLosses)
	if err != nil {
		return fmt.Errorf("upsert risk metrics: %w", err)
	}
	return nil
}
