package database

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"
)

var (
	// ErrSignalNotFound is returned when the signal id does not exist.
	ErrSignalNotFound = errors.New("signal not found")
	// ErrDuplicateSignal is returned by CreateSignal when a near-identical
	// active signal already exists; the existing id is returned alongside.
	ErrDuplicateSignal = errors.New("duplicate signal")
)

// duplicateLevelTolerance is the relative level-price window inside which two
// signals on the same pair and side count as the same trade idea.
var duplicateLevelTolerance = decimal.NewFromFloat(0.001)

// duplicateWindow is how far back the duplicate check looks.
const duplicateWindow = 30 * time.Minute

// duplicateOf reports whether an existing signal suppresses a new one at
// level as of asOf. Pair and side matching is the caller's query; this checks
// the ACTIVE status, the creation window and the level tolerance.
func duplicateOf(existing *Signal, level decimal.Decimal, asOf time.Time) bool {
	if existing.Status != StatusActive || !level.IsPositive() {
		return false
	}
	if asOf.Sub(existing.CreatedAt) > duplicateWindow {
		return false
	}
	return existing.LevelPrice.Sub(level).Abs().Div(level).LessThanOrEqual(duplicateLevelTolerance)
}

const signalColumns = `
	s.id, p.id, p.symbol, s.side, s.level_price, s.entry_price,
	s.stop_loss_price, s.take_profit_price, s.status, s.trade_status,
	s.order_id, s.quantity, s.created_at, s.filled_at, s.exit_price,
	s.exit_at, s.exit_reason, s.elder_screen_1_passed, s.elder_screen_2_passed,
	s.meta, s.last_error, s.updated_at`

const signalFrom = ` FROM signals s JOIN trading_pairs p ON p.id = s.pair_id `

// GetOrCreatePair resolves a trading pair row by analyzer symbol.
func (db *DB) GetOrCreatePair(ctx context.Context, symbol string) (TradingPair, error) {
	var pair TradingPair
	pair.Symbol = symbol
	err := db.Pool.QueryRow(ctx,
		`INSERT INTO trading_pairs (symbol) VALUES ($1)
		 ON CONFLICT (symbol) DO UPDATE SET symbol = EXCLUDED.symbol
		 RETURNING id`, symbol).Scan(&pair.ID)
	if err != nil {
		return pair, fmt.Errorf("failed to resolve trading pair %s: %w", symbol, err)
	}
	return pair, nil
}

// CreateSignal inserts a new signal. When another ACTIVE signal on the same
// pair and side sits within 0.1% of the level and was created inside the
// duplicate window, the insert is rejected with ErrDuplicateSignal and the
// existing signal's id is returned instead.
func (db *DB) CreateSignal(ctx context.Context, s *Signal) (int64, error) {
	tx, err := db.Pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if s.Pair.ID == 0 {
		err := tx.QueryRow(ctx,
			`INSERT INTO trading_pairs (symbol) VALUES ($1)
			 ON CONFLICT (symbol) DO UPDATE SET symbol = EXCLUDED.symbol
			 RETURNING id`, s.Pair.Symbol).Scan(&s.Pair.ID)
		if err != nil {
			return 0, fmt.Errorf("failed to resolve trading pair %s: %w", s.Pair.Symbol, err)
		}
	}

	if s.CreatedAt.IsZero() {
		s.CreatedAt = time.Now().UTC()
	}

	rows, err := tx.Query(ctx,
		`SELECT s.id, s.level_price, s.created_at FROM signals s
		 WHERE s.pair_id = $1 AND s.side = $2 AND s.status = 'ACTIVE'
		   AND s.created_at >= $3
		 ORDER BY s.created_at`,
		s.Pair.ID, s.Side, s.CreatedAt.Add(-duplicateWindow))
	if err != nil {
		return 0, fmt.Errorf("failed to check for duplicate signal: %w", err)
	}
	var existingID int64
	for rows.Next() {
		candidate := Signal{Status: StatusActive}
		if err := rows.Scan(&candidate.ID, &candidate.LevelPrice, &candidate.CreatedAt); err != nil {
			rows.Close()
			return 0, fmt.Errorf("failed to scan duplicate candidate: %w", err)
		}
		if existingID == 0 && duplicateOf(&candidate, s.LevelPrice, s.CreatedAt) {
			existingID = candidate.ID
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("failed to check for duplicate signal: %w", err)
	}
	if existingID != 0 {
		return existingID, ErrDuplicateSignal
	}

	meta, err := json.Marshal(s.Meta)
	if err != nil {
		return 0, fmt.Errorf("failed to encode signal meta: %w", err)
	}

	now := time.Now()
	if s.Status == "" {
		s.Status = StatusActive
	}
	err = tx.QueryRow(ctx,
		`INSERT INTO signals (
			pair_id, side, level_price, status, trade_status,
			created_at, elder_screen_1_passed, elder_screen_2_passed,
			meta, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING id`,
		s.Pair.ID, s.Side, s.LevelPrice, s.Status, s.TradeStatus,
		s.CreatedAt, s.ElderScreen1Passed, s.ElderScreen2Passed,
		meta, now,
	).Scan(&s.ID)
	if err != nil {
		return 0, fmt.Errorf("failed to create signal: %w", err)
	}
	s.UpdatedAt = now

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("failed to commit signal creation: %w", err)
	}
	return s.ID, nil
}

// GetSignal fetches a signal with its pair eagerly resolved.
func (db *DB) GetSignal(ctx context.Context, id int64) (*Signal, error) {
	row := db.Pool.QueryRow(ctx, `SELECT`+signalColumns+signalFrom+`WHERE s.id = $1`, id)
	s, err := scanSignal(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrSignalNotFound
	}
	return s, err
}

// UpdateSignal writes the full mutable state of a signal and bumps updated_at.
func (db *DB) UpdateSignal(ctx context.Context, s *Signal) error {
	return db.updateSignal(ctx, db.Pool, s)
}

// UpdateSignalWithLog commits the signal mutation and its audit entry in one
// transaction.
func (db *DB) UpdateSignalWithLog(ctx context.Context, s *Signal, entry *SignalLog) error {
	tx, err := db.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := db.updateSignal(ctx, tx, s); err != nil {
		return err
	}
	if entry != nil {
		entry.SignalID = s.ID
		if err := db.appendLog(ctx, tx, entry); err != nil {
			return err
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit signal update: %w", err)
	}
	return nil
}

// UpdateSignalIfStatus commits the mutation and its audit entry only when the
// stored trade_status still equals expected. Reports false without writing
// anything when a concurrent writer claimed the signal first (or the row is
// gone), so overlapping execution attempts place at most one order.
func (db *DB) UpdateSignalIfStatus(ctx context.Context, s *Signal, expected TradeStatus, entry *SignalLog) (bool, error) {
	tx, err := db.Pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	meta, err := json.Marshal(s.Meta)
	if err != nil {
		return false, fmt.Errorf("failed to encode signal meta: %w", err)
	}

	now := time.Now()
	tag, err := tx.Exec(ctx,
		`UPDATE signals SET
			entry_price = $2,
			stop_loss_price = $3,
			take_profit_price = $4,
			status = $5,
			trade_status = $6,
			order_id = $7,
			quantity = $8,
			filled_at = $9,
			exit_price = $10,
			exit_at = $11,
			exit_reason = $12,
			meta = $13,
			last_error = $14,
			updated_at = $15
		WHERE id = $1 AND trade_status = $16`,
		s.ID, s.EntryPrice, s.StopLossPrice, s.TakeProfitPrice,
		s.Status, s.TradeStatus, s.OrderID, s.Quantity,
		s.FilledAt, s.ExitPrice, s.ExitAt, s.ExitReason,
		meta, s.LastError, now, expected,
	)
	if err != nil {
		return false, fmt.Errorf("failed to update signal %d: %w", s.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return false, nil
	}
	s.UpdatedAt = now

	if entry != nil {
		entry.SignalID = s.ID
		if err := db.appendLog(ctx, tx, entry); err != nil {
			return false, err
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("failed to commit signal update: %w", err)
	}
	return true, nil
}

// querier is satisfied by both *pgxpool.Pool and pgx.Tx so signal updates can
// run standalone or inside an enclosing transaction.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

func (db *DB) updateSignal(ctx context.Context, q querier, s *Signal) error {
	meta, err := json.Marshal(s.Meta)
	if err != nil {
		return fmt.Errorf("failed to encode signal meta: %w", err)
	}

	now := time.Now()
	tag, err := q.Exec(ctx,
		`UPDATE signals SET
			entry_price = $2,
			stop_loss_price = $3,
			take_profit_price = $4,
			status = $5,
			trade_status = $6,
			order_id = $7,
			quantity = $8,
			filled_at = $9,
			exit_price = $10,
			exit_at = $11,
			exit_reason = $12,
			meta = $13,
			last_error = $14,
			updated_at = $15
		WHERE id = $1`,
		s.ID, s.EntryPrice, s.StopLossPrice, s.TakeProfitPrice,
		s.Status, s.TradeStatus, s.OrderID, s.Quantity,
		s.FilledAt, s.ExitPrice, s.ExitAt, s.ExitReason,
		meta, s.LastError, now,
	)
	if err != nil {
		return fmt.Errorf("failed to update signal %d: %w", s.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrSignalNotFound
	}
	s.UpdatedAt = now
	return nil
}

// AppendLog writes one audit entry outside of any signal update.
func (db *DB) AppendLog(ctx context.Context, entry *SignalLog) error {
	return db.appendLog(ctx, db.Pool, entry)
}

func (db *DB) appendLog(ctx context.Context, q querier, entry *SignalLog) error {
	details, err := json.Marshal(entry.Details)
	if err != nil {
		return fmt.Errorf("failed to encode log details: %w", err)
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now()
	}
	_, err = q.Exec(ctx,
		`INSERT INTO signal_logs (signal_id, event_type, status, message, details, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		entry.SignalID, entry.EventType, entry.Status, entry.Message, details, entry.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to append signal log: %w", err)
	}
	return nil
}

// SignalLogs returns the audit trail for one signal, oldest first.
func (db *DB) SignalLogs(ctx context.Context, signalID int64) ([]SignalLog, error) {
	rows, err := db.Pool.Query(ctx,
		`SELECT id, signal_id, event_type, status, message, details, created_at
		 FROM signal_logs WHERE signal_id = $1 ORDER BY id`, signalID)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch signal logs: %w", err)
	}
	defer rows.Close()

	var logs []SignalLog
	for rows.Next() {
		var entry SignalLog
		var details []byte
		if err := rows.Scan(&entry.ID, &entry.SignalID, &entry.EventType,
			&entry.Status, &entry.Message, &details, &entry.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan signal log: %w", err)
		}
		if len(details) > 0 {
			_ = json.Unmarshal(details, &entry.Details)
		}
		logs = append(logs, entry)
	}
	return logs, rows.Err()
}

// ==================== RECONCILER QUERIES ====================

// ListPendingWithoutOrder returns ACTIVE signals that never got an attempt:
// no order, empty trade status, younger than maxAge.
func (db *DB) ListPendingWithoutOrder(ctx context.Context, maxAge time.Duration) ([]*Signal, error) {
	return db.querySignals(ctx,
		`WHERE s.status = 'ACTIVE' AND s.order_id = '' AND s.trade_status = ''
		   AND s.created_at >= $1`, time.Now().Add(-maxAge))
}

// ListInvalidated returns signals parked in a reversible invalidation state
// and still inside the age window.
func (db *DB) ListInvalidated(ctx context.Context, maxAge time.Duration) ([]*Signal, error) {
	return db.querySignals(ctx,
		`WHERE s.status = 'ACTIVE'
		   AND s.trade_status IN ('LEVEL_BROKEN', 'PRICE_DEVIATION_TOO_LARGE')
		   AND s.created_at >= $1`, time.Now().Add(-maxAge))
}

// ListWaiting returns ACTIVE signals waiting for the price to approach.
func (db *DB) ListWaiting(ctx context.Context) ([]*Signal, error) {
	return db.querySignals(ctx,
		`WHERE s.status = 'ACTIVE' AND s.trade_status = 'WAITING_FOR_PRICE'`)
}

// ListWithOpenEntryOrder returns signals whose venue entry order may still be
// open and cancellable.
func (db *DB) ListWithOpenEntryOrder(ctx context.Context) ([]*Signal, error) {
	return db.querySignals(ctx,
		`WHERE s.order_id != ''
		   AND s.trade_status IN ('NEW', 'OPEN', 'PLACED', 'SUBMITTING')`)
}

// ListOrphanClosed returns signals the analyzer closed while they were still
// waiting without a venue order.
func (db *DB) ListOrphanClosed(ctx context.Context) ([]*Signal, error) {
	return db.querySignals(ctx,
		`WHERE s.status != 'ACTIVE' AND s.order_id = ''
		   AND s.trade_status IN ('', 'WAITING_FOR_PRICE', 'LEVEL_BROKEN', 'PRICE_DEVIATION_TOO_LARGE', 'SIGNAL_TOO_OLD')`)
}

// ListPlacedUnfilled returns signals with a live entry order and no fill yet.
func (db *DB) ListPlacedUnfilled(ctx context.Context) ([]*Signal, error) {
	return db.querySignals(ctx,
		`WHERE s.status = 'ACTIVE' AND s.order_id != '' AND s.filled_at IS NULL
		   AND s.trade_status IN ('NEW', 'OPEN', 'PLACED')`)
}

// ListFilledOpen returns signals carrying a live position that has not been
// observed closing.
func (db *DB) ListFilledOpen(ctx context.Context) ([]*Signal, error) {
	return db.querySignals(ctx,
		`WHERE s.trade_status IN ('OPEN_POSITION', 'FILLED', 'SL_TO_BREAKEVEN', 'POSITION_ALREADY_OPEN')
		   AND s.filled_at IS NOT NULL AND s.entry_price > 0 AND s.exit_price = 0`)
}

// RecentClosed returns CLOSED signals with both prices, newest-first, for the
// risk manager.
func (db *DB) RecentClosed(ctx context.Context, window time.Duration) ([]*Signal, error) {
	return db.querySignals(ctx,
		`WHERE s.status = 'CLOSED' AND s.entry_price > 0 AND s.exit_price > 0
		   AND s.exit_at >= $1
		 ORDER BY s.exit_at DESC`, time.Now().Add(-window))
}

// ListAll returns every signal ordered newest-first, capped at limit.
func (db *DB) ListAll(ctx context.Context, limit int) ([]*Signal, error) {
	if limit <= 0 {
		limit = 100
	}
	return db.querySignals(ctx, `ORDER BY s.created_at DESC LIMIT $1`, limit)
}

func (db *DB) querySignals(ctx context.Context, where string, args ...any) ([]*Signal, error) {
	rows, err := db.Pool.Query(ctx, `SELECT`+signalColumns+signalFrom+where, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query signals: %w", err)
	}
	defer rows.Close()

	var signals []*Signal
	for rows.Next() {
		s, err := scanSignal(rows)
		if err != nil {
			return nil, err
		}
		signals = append(signals, s)
	}
	return signals, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSignal(row rowScanner) (*Signal, error) {
	var s Signal
	var meta []byte
	err := row.Scan(
		&s.ID, &s.Pair.ID, &s.Pair.Symbol, &s.Side, &s.LevelPrice, &s.EntryPrice,
		&s.StopLossPrice, &s.TakeProfitPrice, &s.Status, &s.TradeStatus,
		&s.OrderID, &s.Quantity, &s.CreatedAt, &s.FilledAt, &s.ExitPrice,
		&s.ExitAt, &s.ExitReason, &s.ElderScreen1Passed, &s.ElderScreen2Passed,
		&meta, &s.LastError, &s.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan signal: %w", err)
	}
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &s.Meta); err != nil {
			return nil, fmt.Errorf("failed to decode signal meta: %w", err)
		}
	}
	return &s, nil
}
