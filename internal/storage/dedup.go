package storage

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/rewired-gh/rugscope/internal/metrics"
	"github.com/rewired-gh/rugscope/internal/models"
)

// The websocket path and the console path can observe the same underlying
// game event. The dedup key excludes the source so the two observations
// collide; insert-or-ignore keeps the first, and a websocket observation
// upgrades an earlier console row because websocket data is the higher
// fidelity of the two.

// DedupKey computes the deterministic composite key for a normalized event.
func DedupKey(ev models.NormalizedEvent) string {
	tickIndex := int64(-1)
	if ev.TickIndex != nil {
		tickIndex = *ev.TickIndex
	}
	sum := sha256.Sum256([]byte(ev.Raw))
	return fmt.Sprintf("%s|%s|%s|%d|%s|%s",
		ev.Type, ev.GameID, ev.PlayerID, tickIndex,
		time.UnixMilli(ev.TS).UTC().Format(time.RFC3339Nano),
		hex.EncodeToString(sum[:8]),
	)
}

// InsertEvent persists a normalized event with insert-or-ignore semantics.
// Returns whether a new row was inserted; a duplicate is counted, not an
// error.
func (s *Storage) InsertEvent(ev models.NormalizedEvent) (bool, error) {
	key := DedupKey(ev)
	res, err := s.db.Exec(`
		INSERT OR IGNORE INTO events
			(dedup_key, type, ts, source_type, confidence, game_id, player_id, tick_index, payload)
		VALUES (?,?,?,?,?,?,?,?,?)`,
		key, string(ev.Type), ev.TS, string(ev.SourceType), ev.Confidence,
		nullString(ev.GameID), nullString(ev.PlayerID), nullInt(ev.TickIndex), ev.Raw,
	)
	if err != nil {
		return false, fmt.Errorf("failed to insert event: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read insert result: %w", err)
	}
	if n > 0 {
		metrics.EventsInserted.WithLabelValues(string(ev.SourceType)).Inc()
		return true, nil
	}

	metrics.EventsDuplicate.WithLabelValues(string(ev.SourceType)).Inc()
	if ev.SourceType == models.EventSourceWebsocket {
		if _, err := s.db.Exec(`
			UPDATE events SET source_type = ?, confidence = ?
			WHERE dedup_key = ? AND source_type = ?`,
			string(models.EventSourceWebsocket), ev.Confidence,
			key, string(models.EventSourceConsole),
		); err != nil {
			return false, fmt.Errorf("failed to upgrade event source: %w", err)
		}
	}
	return false, nil
}

// EventCountsBySource reports how many persisted events came from each path.
func (s *Storage) EventCountsBySource() (map[string]int64, error) {
	rows, err := s.db.Query(`SELECT source_type, COUNT(*) FROM events GROUP BY source_type`)
	if err != nil {
		return nil, fmt.Errorf("failed to count events by source: %w", err)
	}
	defer rows.Close()
	counts := make(map[string]int64)
	for rows.Next() {
		var source string
		var n int64
		if err := rows.Scan(&source, &n); err != nil {
			return nil, fmt.Errorf("failed to scan event count: %w", err)
		}
		counts[source] = n
	}
	return counts, rows.Err()
}
