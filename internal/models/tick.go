// Package models defines the core domain entities: ticks, rounds, sidebet
// windows, raw capture records, and the signal variants consumed by the
// segmentation engine.
package models

import "time"

// Phase is the coarse game phase attached to a tick by the classifier.
type Phase string

const (
	PhaseLive     Phase = "live"
	PhaseCooldown Phase = "cooldown"
	PhaseUnknown  Phase = "unknown"
)

// Source records which capture path produced a tick.
type Source string

const (
	SourceDOMPoll   Source = "dom-poll"
	SourceWebsocket Source = "websocket"
	SourceMerged    Source = "merged"
)

// Tick is one sampled observation of game state.
// X is only meaningful when Phase is live; a nil X does not imply the round
// is absent, only that the observation is missing.
type Tick struct {
	TS         int64    `json:"ts"` // epoch milliseconds
	Phase      Phase    `json:"phase"`
	X          *float64 `json:"x,omitempty"`
	Players    *int64   `json:"players,omitempty"`
	TotalWager *float64 `json:"total_wager,omitempty"`
	Source     Source   `json:"source"`
	RoundID    string   `json:"round_id,omitempty"` // assigned on persistence
}

// Time converts the millisecond timestamp to a time.Time.
func (t Tick) Time() time.Time {
	return time.UnixMilli(t.TS)
}

// Float64Ptr and Int64Ptr are small helpers for building optional fields.
func Float64Ptr(v float64) *float64 { return &v }
func Int64Ptr(v int64) *int64       { return &v }
