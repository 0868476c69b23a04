package storage

import (
	"database/sql"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"
)

// DB wraps SQLite database
type DB struct {
	db *sql.DB
}

// PositionRecord is the persisted form of a position. Open and closed
// positions share the row; closed rows keep exit fields populated.
type PositionRecord struct {
	Mint              string
	TokenName         string
	Size              float64 // Position size in SOL
	EntryPrice        float64 // Signal price at open
	EffectiveEntry    float64 // Chain-verified execution price (0 until verified)
	ExitPrice         float64
	EffectiveExit     float64
	HighPrice         float64
	LowPrice          float64
	EntryTxSig        string
	ExitTxSig         string
	EntryFee          float64 // SOL
	ExitFee           float64
	EntryVerified     bool
	ExitVerified      bool
	ConfirmationCount int
	Status            string // "open" or "closed"
	CloseReason       string
	SyntheticExit     bool // Closed without an on-chain exit (phantom cleanup)
	SyntheticReason   string
	FirstSeen         int64 // Unix seconds
	OpenedAt          int64
	ClosedAt          int64
	UpdatedAt         int64
}

// TradeRecord is a completed round trip
type TradeRecord struct {
	ID         int64
	Mint       string
	TokenName  string
	Size       float64
	EntryPrice float64
	ExitPrice  float64
	GrossPnL   float64
	NetPnL     float64
	PnLPercent float64
	Fees       float64
	Duration   int64 // Seconds held
	EntryTxSig string
	ExitTxSig  string
	Reason     string
	Timestamp  int64
}

// NewDB creates a new database connection
func NewDB(path string) (*DB, error) {
	// WAL + busy timeout so the reconcile loops and the control API can
	// touch the file concurrently
	dsn := path
	if !strings.Contains(path, "?") {
		dsn += "?"
	} else {
		dsn += "&"
	}
	dsn += "_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)"

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}

	if err := createTables(db); err != nil {
		return nil, err
	}

	log.Info().Str("path", path).Msg("database initialized")
	return &DB{db: db}, nil
}

func createTables(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS positions (
		mint TEXT PRIMARY KEY,
		token_name TEXT NOT NULL DEFAULT '',
		size REAL NOT NULL,
		entry_price REAL NOT NULL,
		effective_entry REAL NOT NULL DEFAULT 0,
		exit_price REAL NOT NULL DEFAULT 0,
		effective_exit REAL NOT NULL DEFAULT 0,
		high_price REAL NOT NULL DEFAULT 0,
		low_price REAL NOT NULL DEFAULT 0,
		entry_tx_sig TEXT NOT NULL DEFAULT '',
		exit_tx_sig TEXT NOT NULL DEFAULT '',
		entry_fee REAL NOT NULL DEFAULT 0,
		exit_fee REAL NOT NULL DEFAULT 0,
		entry_verified INTEGER NOT NULL DEFAULT 0,
		exit_verified INTEGER NOT NULL DEFAULT 0,
		confirmation_count INTEGER NOT NULL DEFAULT 0,
		status TEXT NOT NULL DEFAULT 'open',
		close_reason TEXT NOT NULL DEFAULT '',
		synthetic_exit INTEGER NOT NULL DEFAULT 0,
		synthetic_reason TEXT NOT NULL DEFAULT '',
		first_seen INTEGER NOT NULL DEFAULT 0,
		opened_at INTEGER NOT NULL,
		closed_at INTEGER NOT NULL DEFAULT 0,
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS trades (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		mint TEXT NOT NULL,
		token_name TEXT NOT NULL DEFAULT '',
		size REAL NOT NULL,
		entry_price REAL NOT NULL,
		exit_price REAL NOT NULL,
		gross_pnl REAL NOT NULL,
		net_pnl REAL NOT NULL,
		pnl_percent REAL NOT NULL,
		fees REAL NOT NULL DEFAULT 0,
		duration INTEGER NOT NULL,
		entry_tx_sig TEXT NOT NULL,
		exit_tx_sig TEXT NOT NULL,
		reason TEXT NOT NULL DEFAULT '',
		timestamp INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_positions_status ON positions(status);
	CREATE INDEX IF NOT EXISTS idx_trades_timestamp ON trades(timestamp);
	CREATE INDEX IF NOT EXISTS idx_trades_mint ON trades(mint);
	`

	_, err := db.Exec(schema)
	return err
}

const positionColumns = `mint, token_name, size, entry_price, effective_entry, exit_price, effective_exit,
	high_price, low_price, entry_tx_sig, exit_tx_sig, entry_fee, exit_fee,
	entry_verified, exit_verified, confirmation_count, status, close_reason,
	synthetic_exit, synthetic_reason, first_seen, opened_at, closed_at, updated_at`

// SavePosition inserts or replaces a position row
func (d *DB) SavePosition(p *PositionRecord) error {
	_, err := d.db.Exec(`
		INSERT OR REPLACE INTO positions (`+positionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.Mint, p.TokenName, p.Size, p.EntryPrice, p.EffectiveEntry, p.ExitPrice, p.EffectiveExit,
		p.HighPrice, p.LowPrice, p.EntryTxSig, p.ExitTxSig, p.EntryFee, p.ExitFee,
		p.EntryVerified, p.ExitVerified, p.ConfirmationCount, p.Status, p.CloseReason,
		p.SyntheticExit, p.SyntheticReason, p.FirstSeen, p.OpenedAt, p.ClosedAt, p.UpdatedAt)
	return err
}

// DeletePosition removes a position row
func (d *DB) DeletePosition(mint string) error {
	_, err := d.db.Exec("DELETE FROM positions WHERE mint = ?", mint)
	return err
}

func scanPosition(scan func(dest ...any) error) (*PositionRecord, error) {
	var p PositionRecord
	err := scan(
		&p.Mint, &p.TokenName, &p.Size, &p.EntryPrice, &p.EffectiveEntry, &p.ExitPrice, &p.EffectiveExit,
		&p.HighPrice, &p.LowPrice, &p.EntryTxSig, &p.ExitTxSig, &p.EntryFee, &p.ExitFee,
		&p.EntryVerified, &p.ExitVerified, &p.ConfirmationCount, &p.Status, &p.CloseReason,
		&p.SyntheticExit, &p.SyntheticReason, &p.FirstSeen, &p.OpenedAt, &p.ClosedAt, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// GetPosition retrieves a position by mint, nil if absent
func (d *DB) GetPosition(mint string) (*PositionRecord, error) {
	row := d.db.QueryRow(`SELECT `+positionColumns+` FROM positions WHERE mint = ?`, mint)
	p, err := scanPosition(row.Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return p, nil
}

func (d *DB) queryPositions(query string, args ...any) ([]*PositionRecord, error) {
	rows, err := d.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var positions []*PositionRecord
	for rows.Next() {
		p, err := scanPosition(rows.Scan)
		if err != nil {
			return nil, err
		}
		positions = append(positions, p)
	}
	return positions, rows.Err()
}

// LoadAllPositions retrieves every position row (startup recovery)
func (d *DB) LoadAllPositions() ([]*PositionRecord, error) {
	return d.queryPositions(`SELECT ` + positionColumns + ` FROM positions`)
}

// GetOpenPositions retrieves positions with status 'open'
func (d *DB) GetOpenPositions() ([]*PositionRecord, error) {
	return d.queryPositions(`SELECT `+positionColumns+` FROM positions WHERE status = ?`, "open")
}

// GetClosedPositions retrieves the most recently closed positions
func (d *DB) GetClosedPositions(limit int) ([]*PositionRecord, error) {
	return d.queryPositions(`SELECT `+positionColumns+` FROM positions WHERE status = ? ORDER BY closed_at DESC LIMIT ?`, "closed", limit)
}

// InsertTrade logs a completed trade
func (d *DB) InsertTrade(t *TradeRecord) error {
	_, err := d.db.Exec(`
		INSERT INTO trades
		(mint, token_name, size, entry_price, exit_price, gross_pnl, net_pnl, pnl_percent, fees, duration, entry_tx_sig, exit_tx_sig, reason, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.Mint, t.TokenName, t.Size, t.EntryPrice, t.ExitPrice, t.GrossPnL, t.NetPnL, t.PnLPercent, t.Fees, t.Duration, t.EntryTxSig, t.ExitTxSig, t.Reason, t.Timestamp)
	return err
}

// GetRecentTrades retrieves the most recent trades
func (d *DB) GetRecentTrades(limit int) ([]*TradeRecord, error) {
	rows, err := d.db.Query(`
		SELECT id, mint, token_name, size, entry_price, exit_price, gross_pnl, net_pnl, pnl_percent, fees, duration, entry_tx_sig, exit_tx_sig, reason, timestamp
		FROM trades ORDER BY timestamp DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var trades []*TradeRecord
	for rows.Next() {
		var t TradeRecord
		if err := rows.Scan(&t.ID, &t.Mint, &t.TokenName, &t.Size, &t.EntryPrice, &t.ExitPrice, &t.GrossPnL, &t.NetPnL, &t.PnLPercent, &t.Fees, &t.Duration, &t.EntryTxSig, &t.ExitTxSig, &t.Reason, &t.Timestamp); err != nil {
			return nil, err
		}
		trades = append(trades, &t)
	}
	return trades, rows.Err()
}

// GetTradingStats returns aggregate trading stats
func (d *DB) GetTradingStats() (totalTrades int, winRate float64, totalPnL float64, err error) {
	var wins int
	err = d.db.QueryRow(`
		SELECT
			COUNT(*) as total,
			SUM(CASE WHEN net_pnl > 0 THEN 1 ELSE 0 END) as wins,
			COALESCE(SUM(net_pnl), 0) as total_pnl
		FROM trades`).Scan(&totalTrades, &wins, &totalPnL)
	if err != nil {
		return
	}
	if totalTrades > 0 {
		winRate = float64(wins) / float64(totalTrades) * 100
	}
	return
}

// Close closes the database
func (d *DB) Close() error {
	return d.db.Close()
}

// Now returns current Unix timestamp (helper)
func Now() int64 {
	return time.Now().Unix()
}
