package models

import (
	"errors"
	"time"
)

// BoundaryReason is an audit tag recording which detection mechanism
// opened or closed a round.
type BoundaryReason string

const (
	BoundaryExplicitStart      BoundaryReason = "explicit-start-signal"
	BoundaryExplicitEnd        BoundaryReason = "explicit-end-signal"
	BoundaryInferredTimeout    BoundaryReason = "inferred-timeout"
	BoundaryInferredTransition BoundaryReason = "inferred-transition"
)

// RoundStatus mirrors the original collector's status column.
type RoundStatus string

const (
	RoundComplete        RoundStatus = "complete"
	RoundClosedOnRestart RoundStatus = "closed_on_restart"
)

// Round is the aggregate over one contiguous sequence of live-phase ticks.
// Aggregates are nil until at least one live value has been observed.
type Round struct {
	ID             string          `json:"id"`
	StartedAt      int64           `json:"started_at"` // epoch milliseconds
	EndedAt        *int64          `json:"ended_at,omitempty"`
	MaxX           *float64        `json:"max_x,omitempty"`
	MinX           *float64        `json:"min_x,omitempty"`
	AvgX           *float64        `json:"avg_x,omitempty"`
	RugX           *float64        `json:"rug_x,omitempty"`
	RugTimeS       *float64        `json:"rug_time_s,omitempty"`
	Players        *int64          `json:"players,omitempty"`
	TotalWager     *float64        `json:"total_wager,omitempty"`
	BoundaryReason BoundaryReason  `json:"boundary_reason"`
	Status         RoundStatus     `json:"status"`
	SidebetWindows []SidebetWindow `json:"sidebet_windows,omitempty"`
}

// Open reports whether the round has not yet been finalized.
func (r *Round) Open() bool { return r.EndedAt == nil }

// DurationSeconds returns the round duration, or 0 for an open round.
func (r *Round) DurationSeconds() float64 {
	if r.EndedAt == nil {
		return 0
	}
	d := float64(*r.EndedAt-r.StartedAt) / 1000.0
	if d < 0 {
		return 0
	}
	return d
}

// Validate checks round field constraints.
func (r *Round) Validate() error {
	if r.ID == "" {
		return errors.New("round ID must not be empty")
	}
	if r.StartedAt <= 0 {
		return errors.New("round started_at must be positive")
	}
	if r.EndedAt != nil && *r.EndedAt < r.StartedAt {
		return errors.New("round ended_at must not precede started_at")
	}
	if r.MaxX != nil && r.MinX != nil && *r.MaxX < *r.MinX {
		return errors.New("round max_x must be >= min_x")
	}
	if r.RugTimeS != nil && *r.RugTimeS < 0 {
		return errors.New("round rug_time_s must not be negative")
	}
	switch r.BoundaryReason {
	case BoundaryExplicitStart, BoundaryExplicitEnd, BoundaryInferredTimeout, BoundaryInferredTransition:
	default:
		return errors.New("round boundary_reason is not a known value")
	}
	return nil
}

// StartTime converts the start timestamp to a time.Time.
func (r *Round) StartTime() time.Time { return time.UnixMilli(r.StartedAt) }

// SidebetWindow is one fixed-width time slice of a finished round.
// Windows partition [0, duration) and exactly one carries RugInWindow=true
// when the rug time is known.
type SidebetWindow struct {
	Index       int     `json:"index"`
	StartS      float64 `json:"start_s"`
	EndS        float64 `json:"end_s"`
	RugInWindow bool    `json:"rug_in_window"`
}
