package segment

import (
	"fmt"

	"github.com/rewired-gh/rugscope/internal/logger"
	"github.com/rewired-gh/rugscope/internal/models"
)

// ResumeStore is the slice of the persistence layer the recovery path needs.
type ResumeStore interface {
	GetOpenRound() (*models.Round, error)
	GetLastTick(roundID string) (*models.Tick, error)
	GetLastFrame() (*models.RawFrame, error)
	UpsertRound(round *models.Round) error
	InsertSidebetWindows(roundID string, windows []models.SidebetWindow) error
}

// Resume closes a round left open by a crashed run, using the last persisted
// tick for that round as the closing boundary. Idempotent: once the round is
// closed a second invocation finds no open round and does nothing. Returns
// the recovered round, or nil when there was nothing to recover.
func Resume(store ResumeStore, windowWidthS float64) (*models.Round, error) {
	round, err := store.GetOpenRound()
	if err != nil {
		return nil, fmt.Errorf("failed to query open round: %w", err)
	}
	if round == nil {
		logger.Debug("No open round found on startup, nothing to recover")
		return nil, nil
	}

	lastTick, err := store.GetLastTick(round.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to query last tick for round %s: %w", round.ID, err)
	}

	endTS := round.StartedAt
	var lastTickTS int64
	if lastTick != nil {
		endTS = lastTick.TS
		lastTickTS = lastTick.TS
	}
	round.EndedAt = models.Int64Ptr(endTS)
	round.BoundaryReason = models.BoundaryInferredTimeout
	round.Status = models.RoundClosedOnRestart
	if round.RugX == nil && round.MaxX != nil {
		round.RugX = models.Float64Ptr(*round.MaxX)
	}
	if lastTick != nil && lastTick.TS > round.StartedAt {
		round.RugTimeS = models.Float64Ptr(float64(lastTick.TS-round.StartedAt) / 1000.0)
	}
	round.SidebetWindows = GenerateSidebetWindows(round.DurationSeconds(), round.RugTimeS, windowWidthS)

	if err := store.UpsertRound(round); err != nil {
		return nil, fmt.Errorf("failed to close round %s on restart: %w", round.ID, err)
	}
	if len(round.SidebetWindows) > 0 {
		if err := store.InsertSidebetWindows(round.ID, round.SidebetWindows); err != nil {
			return nil, fmt.Errorf("failed to persist recovery windows for round %s: %w", round.ID, err)
		}
	}

	// Recovery audit trail: operators use these to bound the data gap.
	var lastFrameTS int64
	if frame, err := store.GetLastFrame(); err == nil && frame != nil {
		lastFrameTS = frame.TS
	}
	logger.Warn("Closed round %s on restart: last_frame_ts=%d last_tick_ts=%d started_at=%d",
		round.ID, lastFrameTS, lastTickTS, round.StartedAt)

	return round, nil
}
