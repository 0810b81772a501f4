// Package storage provides SQLite-backed persistence for ticks, rounds,
// sidebet windows, raw frames, and deduplicated normalized events.
package storage

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rewired-gh/rugscope/internal/models"
	_ "modernc.org/sqlite"
)

// Storage wraps a SQLite database for all persistence operations.
// Single-writer by design; WAL allows concurrent readers (the export server).
type Storage struct {
	db *sql.DB
}

// New opens or creates the SQLite database at dbPath.
// An empty dbPath defaults to $TMPDIR/rugscope/rugs.sqlite.
func New(dbPath string) (*Storage, error) {
	if dbPath == "" {
		dbPath = filepath.Join(os.TempDir(), "rugscope", "rugs.sqlite")
	}
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		return nil, fmt.Errorf("failed to set WAL mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA foreign_keys=ON`); err != nil {
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}
	s := &Storage{db: db}
	if err := s.createTables(); err != nil {
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *Storage) Close() error {
	return s.db.Close()
}

func (s *Storage) createTables() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS rounds (
			id              TEXT PRIMARY KEY,
			started_at      INTEGER NOT NULL,
			ended_at        INTEGER,
			max_x           REAL,
			min_x           REAL,
			avg_x           REAL,
			rug_x           REAL,
			rug_time_s      REAL,
			players         INTEGER,
			total_wager     REAL,
			boundary_reason TEXT NOT NULL,
			status          TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS ticks (
			id          INTEGER PRIMARY KEY AUTOINCREMENT,
			round_id    TEXT,
			ts          INTEGER NOT NULL,
			phase       TEXT NOT NULL,
			x           REAL,
			players     INTEGER,
			total_wager REAL,
			source      TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS events (
			dedup_key   TEXT PRIMARY KEY,
			type        TEXT NOT NULL,
			ts          INTEGER NOT NULL,
			source_type TEXT NOT NULL,
			confidence  REAL NOT NULL,
			game_id     TEXT,
			player_id   TEXT,
			tick_index  INTEGER,
			payload     TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS frames (
			id      INTEGER PRIMARY KEY AUTOINCREMENT,
			ts      INTEGER NOT NULL,
			channel TEXT NOT NULL,
			payload TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS sidebet_windows (
			round_id      TEXT NOT NULL REFERENCES rounds(id) ON DELETE CASCADE,
			idx           INTEGER NOT NULL,
			start_s       REAL NOT NULL,
			end_s         REAL NOT NULL,
			rug_in_window INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (round_id, idx)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_ticks_round_ts ON ticks(round_id, ts)`,
		`CREATE INDEX IF NOT EXISTS idx_ticks_ts ON ticks(ts)`,
		`CREATE INDEX IF NOT EXISTS idx_rounds_started_at ON rounds(started_at)`,
		`CREATE INDEX IF NOT EXISTS idx_frames_ts ON frames(ts)`,
		`CREATE INDEX IF NOT EXISTS idx_events_ts ON events(ts)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// AppendTick writes one tick. Ticks are append-only and never updated.
func (s *Storage) AppendTick(tick models.Tick) error {
	_, err := s.db.Exec(`
		INSERT INTO ticks (round_id, ts, phase, x, players, total_wager, source)
		VALUES (?,?,?,?,?,?,?)`,
		nullString(tick.RoundID), tick.TS, string(tick.Phase),
		nullFloat(tick.X), nullInt(tick.Players), nullFloat(tick.TotalWager),
		string(tick.Source),
	)
	if err != nil {
		return fmt.Errorf("failed to insert tick: %w", err)
	}
	return nil
}

// AppendFrame writes one raw captured payload. Append-only, never mutated.
func (s *Storage) AppendFrame(frame models.RawFrame) error {
	_, err := s.db.Exec(`
		INSERT INTO frames (ts, channel, payload) VALUES (?,?,?)`,
		frame.TS, string(frame.Channel), frame.Payload,
	)
	if err != nil {
		return fmt.Errorf("failed to insert frame: %w", err)
	}
	return nil
}

// UpsertRound inserts or fully replaces a round row by id. Open rounds are
// written incrementally while live and replaced once at finalization.
func (s *Storage) UpsertRound(round *models.Round) error {
	if err := round.Validate(); err != nil {
		return fmt.Errorf("invalid round: %w", err)
	}
	_, err := s.db.Exec(`
		INSERT INTO rounds
			(id, started_at, ended_at, max_x, min_x, avg_x, rug_x, rug_time_s,
			 players, total_wager, boundary_reason, status)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?)
		ON CONFLICT(id) DO UPDATE SET
			started_at=excluded.started_at, ended_at=excluded.ended_at,
			max_x=excluded.max_x, min_x=excluded.min_x, avg_x=excluded.avg_x,
			rug_x=excluded.rug_x, rug_time_s=excluded.rug_time_s,
			players=excluded.players, total_wager=excluded.total_wager,
			boundary_reason=excluded.boundary_reason, status=excluded.status`,
		round.ID, round.StartedAt, nullInt(round.EndedAt),
		nullFloat(round.MaxX), nullFloat(round.MinX), nullFloat(round.AvgX),
		nullFloat(round.RugX), nullFloat(round.RugTimeS),
		nullInt(round.Players), nullFloat(round.TotalWager),
		string(round.BoundaryReason), string(round.Status),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert round: %w", err)
	}
	return nil
}

// InsertSidebetWindows writes the windows for a finalized round.
// INSERT OR IGNORE keeps the resume path idempotent: re-closing an already
// closed round cannot produce duplicate window rows.
func (s *Storage) InsertSidebetWindows(roundID string, windows []models.SidebetWindow) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	for _, w := range windows {
		if _, err := tx.Exec(`
			INSERT OR IGNORE INTO sidebet_windows (round_id, idx, start_s, end_s, rug_in_window)
			VALUES (?,?,?,?,?)`,
			roundID, w.Index, w.StartS, w.EndS, boolToInt(w.RugInWindow),
		); err != nil {
			return fmt.Errorf("failed to insert sidebet window: %w", err)
		}
	}
	return tx.Commit()
}

// GetOpenRound returns the newest round without an ended_at, or nil.
func (s *Storage) GetOpenRound() (*models.Round, error) {
	row := s.db.QueryRow(`SELECT ` + roundCols + ` FROM rounds
		WHERE ended_at IS NULL ORDER BY started_at DESC LIMIT 1`)
	r, err := scanRound(row.Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get open round: %w", err)
	}
	return r, nil
}

// GetLastRound returns the newest round by started_at, or nil.
func (s *Storage) GetLastRound() (*models.Round, error) {
	row := s.db.QueryRow(`SELECT ` + roundCols + ` FROM rounds
		ORDER BY started_at DESC LIMIT 1`)
	r, err := scanRound(row.Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get last round: %w", err)
	}
	return r, nil
}

// GetRound returns one round by id.
func (s *Storage) GetRound(id string) (*models.Round, error) {
	row := s.db.QueryRow(`SELECT `+roundCols+` FROM rounds WHERE id = ?`, id)
	r, err := scanRound(row.Scan)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("round not found: %s", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get round: %w", err)
	}
	return r, nil
}

// GetRecentRounds returns up to n rounds, newest first.
func (s *Storage) GetRecentRounds(n int) ([]*models.Round, error) {
	rows, err := s.db.Query(`SELECT `+roundCols+` FROM rounds
		ORDER BY started_at DESC LIMIT ?`, n)
	if err != nil {
		return nil, fmt.Errorf("failed to query rounds: %w", err)
	}
	defer rows.Close()
	var rounds []*models.Round
	for rows.Next() {
		r, err := scanRound(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("failed to scan round: %w", err)
		}
		rounds = append(rounds, r)
	}
	if rounds == nil {
		rounds = []*models.Round{}
	}
	return rounds, rows.Err()
}

// GetLastTick returns the newest tick for a round, or the newest tick
// overall when roundID is empty. Returns nil when no tick matches.
func (s *Storage) GetLastTick(roundID string) (*models.Tick, error) {
	var row *sql.Row
	if roundID == "" {
		row = s.db.QueryRow(`SELECT ` + tickCols + ` FROM ticks ORDER BY ts DESC LIMIT 1`)
	} else {
		row = s.db.QueryRow(`SELECT `+tickCols+` FROM ticks
			WHERE round_id = ? ORDER BY ts DESC LIMIT 1`, roundID)
	}
	t, err := scanTick(row.Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get last tick: %w", err)
	}
	return t, nil
}

// GetTicks returns all ticks of a round in timestamp order.
func (s *Storage) GetTicks(roundID string) ([]models.Tick, error) {
	rows, err := s.db.Query(`SELECT `+tickCols+` FROM ticks
		WHERE round_id = ? ORDER BY ts ASC`, roundID)
	if err != nil {
		return nil, fmt.Errorf("failed to query ticks: %w", err)
	}
	defer rows.Close()
	var ticks []models.Tick
	for rows.Next() {
		t, err := scanTick(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("failed to scan tick: %w", err)
		}
		ticks = append(ticks, *t)
	}
	return ticks, rows.Err()
}

// GetSidebetWindows returns the windows of a round in index order.
func (s *Storage) GetSidebetWindows(roundID string) ([]models.SidebetWindow, error) {
	rows, err := s.db.Query(`SELECT idx, start_s, end_s, rug_in_window
		FROM sidebet_windows WHERE round_id = ? ORDER BY idx ASC`, roundID)
	if err != nil {
		return nil, fmt.Errorf("failed to query sidebet windows: %w", err)
	}
	defer rows.Close()
	var windows []models.SidebetWindow
	for rows.Next() {
		var w models.SidebetWindow
		var rug int
		if err := rows.Scan(&w.Index, &w.StartS, &w.EndS, &rug); err != nil {
			return nil, fmt.Errorf("failed to scan sidebet window: %w", err)
		}
		w.RugInWindow = rug != 0
		windows = append(windows, w)
	}
	return windows, rows.Err()
}

// GetLastFrame returns the newest captured frame, or nil.
func (s *Storage) GetLastFrame() (*models.RawFrame, error) {
	row := s.db.QueryRow(`SELECT ts, channel, payload FROM frames ORDER BY ts DESC LIMIT 1`)
	var f models.RawFrame
	var channel string
	err := row.Scan(&f.TS, &channel, &f.Payload)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get last frame: %w", err)
	}
	f.Channel = models.Channel(channel)
	return &f, nil
}

// Counts reports table row counts for the status endpoint.
func (s *Storage) Counts() (rounds, ticks, events, frames int64, err error) {
	for _, q := range []struct {
		table string
		dst   *int64
	}{
		{"rounds", &rounds}, {"ticks", &ticks}, {"events", &events}, {"frames", &frames},
	} {
		if err = s.db.QueryRow(`SELECT COUNT(*) FROM ` + q.table).Scan(q.dst); err != nil {
			return 0, 0, 0, 0, fmt.Errorf("failed to count %s: %w", q.table, err)
		}
	}
	return rounds, ticks, events, frames, nil
}

const roundCols = `id, started_at, ended_at, max_x, min_x, avg_x, rug_x, rug_time_s,
	players, total_wager, boundary_reason, status`

const tickCols = `round_id, ts, phase, x, players, total_wager, source`

func scanRound(scan func(...any) error) (*models.Round, error) {
	var r models.Round
	var endedAt, players sql.NullInt64
	var maxX, minX, avgX, rugX, rugTimeS, totalWager sql.NullFloat64
	var reason, status string
	err := scan(
		&r.ID, &r.StartedAt, &endedAt, &maxX, &minX, &avgX, &rugX, &rugTimeS,
		&players, &totalWager, &reason, &status,
	)
	if err != nil {
		return nil, err
	}
	r.EndedAt = int64Ptr(endedAt)
	r.MaxX = floatPtr(maxX)
	r.MinX = floatPtr(minX)
	r.AvgX = floatPtr(avgX)
	r.RugX = floatPtr(rugX)
	r.RugTimeS = floatPtr(rugTimeS)
	r.Players = int64Ptr(players)
	r.TotalWager = floatPtr(totalWager)
	r.BoundaryReason = models.BoundaryReason(reason)
	r.Status = models.RoundStatus(status)
	return &r, nil
}

func scanTick(scan func(...any) error) (*models.Tick, error) {
	var t models.Tick
	var roundID sql.NullString
	var x, totalWager sql.NullFloat64
	var players sql.NullInt64
	var phase, source string
	err := scan(&roundID, &t.TS, &phase, &x, &players, &totalWager, &source)
	if err != nil {
		return nil, err
	}
	t.RoundID = roundID.String
	t.Phase = models.Phase(phase)
	t.X = floatPtr(x)
	t.Players = int64Ptr(players)
	t.TotalWager = floatPtr(totalWager)
	t.Source = models.Source(source)
	return &t, nil
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullFloat(v *float64) any {
	if v == nil {
		return nil
	}
	return *v
}

func nullInt(v *int64) any {
	if v == nil {
		return nil
	}
	return *v
}

func floatPtr(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	f := v.Float64
	return &f
}

func int64Ptr(v sql.NullInt64) *int64 {
	if !v.Valid {
		return nil
	}
	n := v.Int64
	return &n
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
