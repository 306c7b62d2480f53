package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/tathienbao/multilot-bot/internal/types"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

// schemaVersion is bumped when a migration is appended. The migration
// list is append-only; older databases replay only the missing tail.
const schemaVersion = 1

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (and migrates) a SQLite-backed store.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	// The async writer is the single writer; one connection keeps
	// SQLite's locking out of the picture.
	db.SetMaxOpenConns(1)

	store := &SQLiteStore{db: db}

	if err := store.Migrate(context.Background()); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return store, nil
}

// Migrate runs database migrations up to the current schema version.
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx,
		`CREATE TABLE IF NOT EXISTS schema_meta (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			version INTEGER NOT NULL
		)`); err != nil {
		return fmt.Errorf("create schema_meta: %w", err)
	}

	var current int
	err := s.db.QueryRowContext(ctx, `SELECT version FROM schema_meta WHERE id = 1`).Scan(&current)
	if err == sql.ErrNoRows {
		current = 0
	} else if err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}

	migrations := [][]string{
		// v1: initial schema
		{
			`CREATE TABLE IF NOT EXISTS strategy_groups (
				trade_date TEXT NOT NULL,
				group_no INTEGER NOT NULL,
				product TEXT NOT NULL,
				direction TEXT NOT NULL CHECK (direction IN ('LONG','SHORT')),
				signal_time DATETIME NOT NULL,
				range_high TEXT NOT NULL,
				range_low TEXT NOT NULL,
				total_lots INTEGER NOT NULL CHECK (total_lots > 0),
				status TEXT NOT NULL CHECK (status IN ('WAITING','ACTIVE','COMPLETED','CANCELLED')),
				created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
				updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
				PRIMARY KEY (trade_date, group_no)
			)`,

			`CREATE TABLE IF NOT EXISTS position_records (
				id TEXT PRIMARY KEY,
				group_key TEXT NOT NULL,
				product TEXT NOT NULL,
				lot_index INTEGER NOT NULL CHECK (lot_index BETWEEN 1 AND 3),
				direction TEXT NOT NULL CHECK (direction IN ('LONG','SHORT')),
				entry_price TEXT,
				entry_time DATETIME,
				exit_price TEXT,
				exit_time DATETIME,
				exit_reason TEXT CHECK (exit_reason IS NULL OR exit_reason IN
					('trailing-stop','protective-stop','initial-stop','manual','fill-failure','submission-failure')),
				pnl TEXT,
				status TEXT NOT NULL CHECK (status IN ('PENDING','ACTIVE','EXITING','EXITED','FAILED')),
				order_id TEXT,
				order_status TEXT NOT NULL CHECK (order_status IN ('PENDING','NEW','FILLED','CANCELLED','REJECTED')),
				retry_count INTEGER NOT NULL DEFAULT 0 CHECK (retry_count BETWEEN 0 AND 5),
				max_slippage_points TEXT NOT NULL,
				trailing_activated INTEGER NOT NULL DEFAULT 0,
				peak_price TEXT,
				activation_points TEXT NOT NULL,
				pullback_ratio TEXT NOT NULL,
				protective_multiplier TEXT NOT NULL,
				created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
				updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
			)`,
			`CREATE INDEX IF NOT EXISTS idx_positions_group ON position_records(group_key)`,
			`CREATE INDEX IF NOT EXISTS idx_positions_status ON position_records(status)`,

			`CREATE TABLE IF NOT EXISTS risk_management_states (
				position_id TEXT PRIMARY KEY,
				peak_price TEXT NOT NULL,
				current_stop_loss TEXT NOT NULL,
				previous_stop_loss TEXT,
				trailing_activated INTEGER NOT NULL DEFAULT 0,
				protection_activated INTEGER NOT NULL DEFAULT 0,
				last_update DATETIME NOT NULL,
				update_category TEXT NOT NULL CHECK (update_category IN
					('price-update','trailing-activated','protective-stop-updated','initialization','fill-confirmed')),
				update_message TEXT
			)`,
		},
	}

	for v := current; v < schemaVersion; v++ {
		for _, stmt := range migrations[v] {
			if _, err := s.db.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("migration v%d: %w", v+1, err)
			}
		}
	}

	if _, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO schema_meta (id, version) VALUES (1, ?)`, schemaVersion); err != nil {
		return fmt.Errorf("write schema version: %w", err)
	}

	return nil
}

// SaveGroup upserts a strategy group on (trade_date, group_no).
func (s *SQLiteStore) SaveGroup(ctx context.Context, g *types.StrategyGroup) error {
	query := `INSERT INTO strategy_groups
		(trade_date, group_no, product, direction, signal_time, range_high, range_low, total_lots, status, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(trade_date, group_no) DO UPDATE SET
			status = excluded.status,
			updated_at = CURRENT_TIMESTAMP`

	_, err := s.db.ExecContext(ctx, query,
		g.TradeDate,
		g.GroupNo,
		g.Product,
		g.Direction.String(),
		g.SignalTime,
		g.RangeHigh.String(),
		g.RangeLow.String(),
		g.TotalLots,
		g.Status.String(),
	)
	if err != nil {
		return fmt.Errorf("save group: %w", err)
	}

	return nil
}

// GetGroup returns one strategy group, or ErrStateNotFound.
func (s *SQLiteStore) GetGroup(ctx context.Context, tradeDate string, groupNo int) (*types.StrategyGroup, error) {
	query := `SELECT trade_date, group_no, product, direction, signal_time, range_high, range_low, total_lots, status
		FROM strategy_groups WHERE trade_date = ? AND group_no = ?`

	g, err := scanGroup(s.db.QueryRowContext(ctx, query, tradeDate, groupNo))
	if err == sql.ErrNoRows {
		return nil, types.ErrStateNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query group: %w", err)
	}

	return g, nil
}

// GetOpenGroups returns groups that are WAITING or ACTIVE.
func (s *SQLiteStore) GetOpenGroups(ctx context.Context) ([]*types.StrategyGroup, error) {
	query := `SELECT trade_date, group_no, product, direction, signal_time, range_high, range_low, total_lots, status
		FROM strategy_groups WHERE status IN ('WAITING','ACTIVE') ORDER BY trade_date, group_no`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query open groups: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var groups []*types.StrategyGroup
	for rows.Next() {
		g, err := scanGroup(rows)
		if err != nil {
			return nil, fmt.Errorf("scan group: %w", err)
		}
		groups = append(groups, g)
	}

	return groups, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanGroup(row rowScanner) (*types.StrategyGroup, error) {
	var g types.StrategyGroup
	var direction, rangeHigh, rangeLow, status string

	if err := row.Scan(&g.TradeDate, &g.GroupNo, &g.Product, &direction, &g.SignalTime,
		&rangeHigh, &rangeLow, &g.TotalLots, &status); err != nil {
		return nil, err
	}

	g.Direction = parseDirection(direction)
	g.RangeHigh, _ = decimal.NewFromString(rangeHigh)
	g.RangeLow, _ = decimal.NewFromString(rangeLow)
	g.Status = parseGroupStatus(status)

	return &g, nil
}

// SavePosition upserts a position record.
func (s *SQLiteStore) SavePosition(ctx context.Context, p *types.Position) error {
	query := `INSERT OR REPLACE INTO position_records
		(id, group_key, product, lot_index, direction, entry_price, entry_time,
		 exit_price, exit_time, exit_reason, pnl, status, order_id, order_status,
		 retry_count, max_slippage_points, trailing_activated, peak_price,
		 activation_points, pullback_ratio, protective_multiplier, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)`

	var entryPrice, exitPrice, exitReason, pnl, peakPrice any
	var entryTime, exitTime any

	if p.HasEntry() {
		entryPrice = p.EntryPrice.String()
		entryTime = p.EntryTime
	}
	if !p.ExitTime.IsZero() {
		exitPrice = p.ExitPrice.String()
		exitTime = p.ExitTime
		exitReason = string(p.ExitReason)
		pnl = p.RealizedPnL.String()
	}
	if !p.PeakPrice.IsZero() {
		peakPrice = p.PeakPrice.String()
	}

	createdAt := p.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	_, err := s.db.ExecContext(ctx, query,
		p.ID,
		p.GroupKey,
		p.Product,
		p.LotIndex,
		p.Direction.String(),
		entryPrice,
		entryTime,
		exitPrice,
		exitTime,
		exitReason,
		pnl,
		p.Status.String(),
		p.OrderID,
		p.OrderStatus.String(),
		p.RetryCount,
		p.MaxSlippagePoints.String(),
		boolToInt(p.TrailingActivated),
		peakPrice,
		p.ActivationPoints.String(),
		p.PullbackRatio.String(),
		p.ProtectiveMultiplier.String(),
		createdAt,
	)
	if err != nil {
		return fmt.Errorf("save position: %w", err)
	}

	return nil
}

// GetPosition returns one position, or ErrStateNotFound.
func (s *SQLiteStore) GetPosition(ctx context.Context, positionID string) (*types.Position, error) {
	query := positionSelect + ` WHERE id = ?`

	p, err := scanPosition(s.db.QueryRowContext(ctx, query, positionID))
	if err == sql.ErrNoRows {
		return nil, types.ErrStateNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query position: %w", err)
	}

	return p, nil
}

// GetOpenPositions returns positions not yet in a terminal state.
func (s *SQLiteStore) GetOpenPositions(ctx context.Context) ([]*types.Position, error) {
	query := positionSelect + ` WHERE status NOT IN ('EXITED','FAILED') ORDER BY group_key, lot_index`
	return s.queryPositions(ctx, query)
}

// GetPositionsByGroup returns all lots of a group in lot order.
func (s *SQLiteStore) GetPositionsByGroup(ctx context.Context, groupKey string) ([]*types.Position, error) {
	query := positionSelect + ` WHERE group_key = ? ORDER BY lot_index`
	return s.queryPositions(ctx, query, groupKey)
}

const positionSelect = `SELECT id, group_key, product, lot_index, direction, entry_price, entry_time,
	exit_price, exit_time, exit_reason, pnl, status, order_id, order_status,
	retry_count, max_slippage_points, trailing_activated, peak_price,
	activation_points, pullback_ratio, protective_multiplier, created_at, updated_at
	FROM position_records`

func (s *SQLiteStore) queryPositions(ctx context.Context, query string, args ...any) ([]*types.Position, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query positions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var positions []*types.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, fmt.Errorf("scan position: %w", err)
		}
		positions = append(positions, p)
	}

	return positions, rows.Err()
}

func scanPosition(row rowScanner) (*types.Position, error) {
	var p types.Position
	var direction, status, orderStatus string
	var entryPrice, exitPrice, exitReason, pnl, peakPrice sql.NullString
	var entryTime, exitTime sql.NullTime
	var orderID sql.NullString
	var maxSlippage, activation, pullback, protective string
	var trailingActivated int

	if err := row.Scan(&p.ID, &p.GroupKey, &p.Product, &p.LotIndex, &direction, &entryPrice, &entryTime,
		&exitPrice, &exitTime, &exitReason, &pnl, &status, &orderID, &orderStatus,
		&p.RetryCount, &maxSlippage, &trailingActivated, &peakPrice,
		&activation, &pullback, &protective, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return nil, err
	}

	p.Direction = parseDirection(direction)
	p.Status = parsePositionStatus(status)
	p.OrderStatus = parseOrderStatus(orderStatus)
	p.OrderID = orderID.String
	p.TrailingActivated = trailingActivated == 1

	if entryPrice.Valid {
		p.EntryPrice, _ = decimal.NewFromString(entryPrice.String)
	}
	if entryTime.Valid {
		p.EntryTime = entryTime.Time
	}
	if exitPrice.Valid {
		p.ExitPrice, _ = decimal.NewFromString(exitPrice.String)
	}
	if exitTime.Valid {
		p.ExitTime = exitTime.Time
	}
	if exitReason.Valid {
		p.ExitReason = types.ExitReason(exitReason.String)
	}
	if pnl.Valid {
		p.RealizedPnL, _ = decimal.NewFromString(pnl.String)
	}
	if peakPrice.Valid {
		p.PeakPrice, _ = decimal.NewFromString(peakPrice.String)
	}
	p.MaxSlippagePoints, _ = decimal.NewFromString(maxSlippage)
	p.ActivationPoints, _ = decimal.NewFromString(activation)
	p.PullbackRatio, _ = decimal.NewFromString(pullback)
	p.ProtectiveMultiplier, _ = decimal.NewFromString(protective)

	return &p, nil
}

// SaveRiskState upserts a risk state record.
func (s *SQLiteStore) SaveRiskState(ctx context.Context, st *types.RiskState) error {
	query := `INSERT OR REPLACE INTO risk_management_states
		(position_id, peak_price, current_stop_loss, previous_stop_loss,
		 trailing_activated, protection_activated, last_update, update_category, update_message)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`

	var previousStop any
	if !st.PreviousStopLoss.IsZero() {
		previousStop = st.PreviousStopLoss.String()
	}

	_, err := s.db.ExecContext(ctx, query,
		st.PositionID,
		st.PeakPrice.String(),
		st.CurrentStopLoss.String(),
		previousStop,
		boolToInt(st.TrailingActivated),
		boolToInt(st.ProtectionActivated),
		st.LastUpdate,
		string(st.Category),
		st.Message,
	)
	if err != nil {
		return fmt.Errorf("save risk state: %w", err)
	}

	return nil
}

// GetRiskState returns the risk state for a position, or ErrStateNotFound.
func (s *SQLiteStore) GetRiskState(ctx context.Context, positionID string) (*types.RiskState, error) {
	query := `SELECT position_id, peak_price, current_stop_loss, previous_stop_loss,
		trailing_activated, protection_activated, last_update, update_category, update_message
		FROM risk_management_states WHERE position_id = ?`

	var st types.RiskState
	var peak, currentStop, category string
	var previousStop, message sql.NullString
	var trailing, protection int

	err := s.db.QueryRowContext(ctx, query, positionID).Scan(
		&st.PositionID,
		&peak,
		&currentStop,
		&previousStop,
		&trailing,
		&protection,
		&st.LastUpdate,
		&category,
		&message,
	)
	if err == sql.ErrNoRows {
		return nil, types.ErrStateNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query risk state: %w", err)
	}

	st.PeakPrice, _ = decimal.NewFromString(peak)
	st.CurrentStopLoss, _ = decimal.NewFromString(currentStop)
	if previousStop.Valid {
		st.PreviousStopLoss, _ = decimal.NewFromString(previousStop.String)
	}
	st.TrailingActivated = trailing == 1
	st.ProtectionActivated = protection == 1
	st.Category = types.UpdateCategory(category)
	st.Message = message.String

	return &st, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func parseDirection(s string) types.Direction {
	switch s {
	case "LONG":
		return types.DirectionLong
	case "SHORT":
		return types.DirectionShort
	default:
		return types.DirectionFlat
	}
}

func parseGroupStatus(s string) types.GroupStatus {
	switch s {
	case "WAITING":
		return types.GroupStatusWaiting
	case "ACTIVE":
		return types.GroupStatusActive
	case "COMPLETED":
		return types.GroupStatusCompleted
	default:
		return types.GroupStatusCancelled
	}
}

func parsePositionStatus(s string) types.PositionStatus {
	switch s {
	case "PENDING":
		return types.PositionStatusPending
	case "ACTIVE":
		return types.PositionStatusActive
	case "EXITING":
		return types.PositionStatusExiting
	case "EXITED":
		return types.PositionStatusExited
	default:
		return types.PositionStatusFailed
	}
}

func parseOrderStatus(s string) types.OrderStatus {
	switch s {
	case "PENDING":
		return types.OrderStatusPending
	case "NEW":
		return types.OrderStatusNew
	case "FILLED":
		return types.OrderStatusFilled
	case "CANCELLED":
		return types.OrderStatusCancelled
	default:
		return types.OrderStatusRejected
	}
}
