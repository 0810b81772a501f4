// Package export provides read-only reporting over persisted rounds and
// ticks: CSV/JSON serialization and a small HTTP surface. There is no
// mutation path through this package.
package export

import (
	"encoding/csv"
	"fmt"
	"io"
	"strconv"

	"github.com/rewired-gh/rugscope/internal/models"
)

var roundHeader = []string{
	"id", "started_at", "ended_at", "duration_s", "max_x", "min_x", "avg_x",
	"rug_x", "rug_time_s", "rug_time_pct", "players", "total_wager",
	"boundary_reason", "status",
}

var tickHeader = []string{"round_id", "ts", "phase", "x", "players", "total_wager", "source"}

// WriteRoundsCSV serializes rounds for the offline analysis stack.
// Duration and rug-time-percent are derived here so downstream notebooks do
// not have to recompute them.
func WriteRoundsCSV(w io.Writer, rounds []*models.Round) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(roundHeader); err != nil {
		return fmt.Errorf("failed to write CSV header: %w", err)
	}
	for _, r := range rounds {
		duration := r.DurationSeconds()
		rugPct := ""
		if r.RugTimeS != nil && duration > 0 {
			rugPct = formatFloat(*r.RugTimeS / duration * 100)
		}
		row := []string{
			r.ID,
			strconv.FormatInt(r.StartedAt, 10),
			optInt(r.EndedAt),
			formatFloat(duration),
			optFloat(r.MaxX),
			optFloat(r.MinX),
			optFloat(r.AvgX),
			optFloat(r.RugX),
			optFloat(r.RugTimeS),
			rugPct,
			optInt(r.Players),
			optFloat(r.TotalWager),
			string(r.BoundaryReason),
			string(r.Status),
		}
		if err := cw.Write(row); err != nil {
			return fmt.Errorf("failed to write round row: %w", err)
		}
	}
	cw.Flush()
	return cw.Error()
}

// WriteTicksCSV serializes the tick stream of one round.
func WriteTicksCSV(w io.Writer, ticks []models.Tick) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(tickHeader); err != nil {
		return fmt.Errorf("failed to write CSV header: %w", err)
	}
	for _, t := range ticks {
		row := []string{
			t.RoundID,
			strconv.FormatInt(t.TS, 10),
			string(t.Phase),
			optFloat(t.X),
			optInt(t.Players),
			optFloat(t.TotalWager),
			string(t.Source),
		}
		if err := cw.Write(row); err != nil {
			return fmt.Errorf("failed to write tick row: %w", err)
		}
	}
	cw.Flush()
	return cw.Error()
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func optFloat(v *float64) string {
	if v == nil {
		return ""
	}
	return formatFloat(*v)
}

func optInt(v *int64) string {
	if v == nil {
		return ""
	}
	return strconv.FormatInt(*v, 10)
}
