// Package segment implements the round segmentation state machine.
//
// One engine consumes the unified Signal stream regardless of whether the
// signals originate from DOM polling or from websocket/console heuristics.
// It cycles cooldown -> live -> ending -> cooldown indefinitely, debouncing
// transitions and accumulating per-round aggregates, and hands finalized
// rounds to the persistence sink.
package segment

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/rewired-gh/rugscope/internal/logger"
	"github.com/rewired-gh/rugscope/internal/metrics"
	"github.com/rewired-gh/rugscope/internal/models"
)

// State is the engine lifecycle state. Ending is transient: the engine
// finalizes and returns to cooldown within the same signal.
type State int

const (
	StateCooldown State = iota
	StateLive
)

func (s State) String() string {
	if s == StateLive {
		return "live"
	}
	return "cooldown"
}

// Config holds segmentation behavior configuration.
type Config struct {
	// StartConfirmations is the number of consecutive live ticks required to
	// open a round on the tick-driven path.
	StartConfirmations int
	// EndConfirmations is the number of consecutive cooldown ticks required
	// to close a round. The default is deliberately stricter than the start
	// side: a missed end corrupts downstream labels, a missed start does not.
	EndConfirmations int
	// SidebetWindowS is the sidebet window width in seconds.
	SidebetWindowS float64
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		StartConfirmations: 2,
		EndConfirmations:   1,
		SidebetWindowS:     10.0,
	}
}

// Sink is the persistence collaborator the engine writes through.
// A failed write is logged and the in-memory state kept, so a later tick or
// finalization can retry; the engine never halts on sink errors.
type Sink interface {
	AppendTick(tick models.Tick) error
	UpsertRound(round *models.Round) error
	InsertSidebetWindows(roundID string, windows []models.SidebetWindow) error
}

// current tracks the open round plus bookkeeping not persisted on the row.
type current struct {
	round      *models.Round
	stats      runningStats
	lastLiveTS int64 // ts of last confirmed live tick
	lastTS     int64 // ts of last accepted tick for this round
}

// Engine is the round segmentation state machine. Not safe for concurrent
// use: the process model is a single consumer draining signals in arrival
// order.
type Engine struct {
	cfg  Config
	sink Sink

	state         State
	cur           *current
	liveStreak    int
	nonLiveStreak int

	staleDropped int64
	finalized    int64
}

// New creates an engine in the cooldown state.
func New(sink Sink, cfg Config) *Engine {
	if cfg.StartConfirmations < 1 {
		cfg.StartConfirmations = 1
	}
	if cfg.EndConfirmations < 1 {
		cfg.EndConfirmations = 1
	}
	if cfg.SidebetWindowS <= 0 {
		cfg.SidebetWindowS = 10.0
	}
	return &Engine{cfg: cfg, sink: sink, state: StateCooldown}
}

// State returns the current lifecycle state.
func (e *Engine) State() State { return e.state }

// OpenRound returns a copy of the open round, or nil in cooldown.
func (e *Engine) OpenRound() *models.Round {
	if e.cur == nil {
		return nil
	}
	r := *e.cur.round
	return &r
}

// StaleDropped returns how many out-of-order ticks were rejected.
func (e *Engine) StaleDropped() int64 { return e.staleDropped }

// FinalizedCount returns how many rounds this engine has closed.
func (e *Engine) FinalizedCount() int64 { return e.finalized }

// HandleSignal drives the state machine with one signal. Heartbeat and
// unknown signals never cause a transition and never mutate aggregates.
func (e *Engine) HandleSignal(sig models.Signal) {
	switch sig.Kind {
	case models.SignalTick:
		if sig.Tick == nil {
			logger.Warn("Tick signal without tick payload at ts=%d, ignoring", sig.TS)
			return
		}
		e.handleTick(*sig.Tick)
	case models.SignalRoundStart:
		e.handleExplicitStart(sig.TS)
	case models.SignalRoundEnd:
		e.handleExplicitEnd(sig.TS, sig.EndX)
	case models.SignalHeartbeat, models.SignalUnknown:
		// no-op by contract
	}
}

// HandleTick is a convenience wrapper for the DOM-poll path.
func (e *Engine) HandleTick(tick models.Tick) {
	e.handleTick(tick)
}

func (e *Engine) handleTick(tick models.Tick) {
	// Reject-stale policy: while a round is open, a tick whose timestamp does
	// not advance past the last accepted tick for that round is dropped.
	if e.cur != nil && tick.TS <= e.cur.lastTS {
		e.staleDropped++
		metrics.StaleTicksDropped.Inc()
		logger.Debug("Dropped stale tick ts=%d (last accepted %d)", tick.TS, e.cur.lastTS)
		return
	}

	switch e.state {
	case StateCooldown:
		e.tickInCooldown(tick)
	case StateLive:
		e.tickInLive(tick)
	}

	// Appended after transitions so the tick that confirms a start is stored
	// under the round it opened.
	if e.cur != nil {
		tick.RoundID = e.cur.round.ID
		e.cur.lastTS = tick.TS
	}
	if err := e.sink.AppendTick(tick); err != nil {
		logger.Error("Failed to append tick ts=%d: %v", tick.TS, err)
	}
	metrics.TicksIngested.WithLabelValues(string(tick.Source), string(tick.Phase)).Inc()
}

func (e *Engine) tickInCooldown(tick models.Tick) {
	switch tick.Phase {
	case models.PhaseLive:
		e.liveStreak++
		if e.liveStreak >= e.cfg.StartConfirmations {
			e.openRound(tick.TS, models.BoundaryInferredTransition)
			e.absorbLiveTick(tick)
		}
	case models.PhaseCooldown:
		e.liveStreak = 0
	case models.PhaseUnknown:
		// missing observation, neither confirms nor refutes a start
	}
}

func (e *Engine) tickInLive(tick models.Tick) {
	switch tick.Phase {
	case models.PhaseLive:
		e.nonLiveStreak = 0
		e.absorbLiveTick(tick)
	case models.PhaseCooldown:
		e.nonLiveStreak++
		if e.nonLiveStreak >= e.cfg.EndConfirmations {
			e.finalize(tick.TS, nil, models.BoundaryInferredTransition, models.RoundComplete)
		}
	case models.PhaseUnknown:
		// missing observation, does not count toward the end guard
	}
}

// absorbLiveTick applies the live self-loop: aggregate updates, last-known
// players/wager, last live timestamp, and an incremental upsert of the open
// round row so a crashed run can be recovered from storage alone.
func (e *Engine) absorbLiveTick(tick models.Tick) {
	cur := e.cur
	if cur == nil {
		return
	}
	cur.lastLiveTS = tick.TS
	if tick.X != nil {
		cur.stats.observe(*tick.X)
		cur.round.MaxX = models.Float64Ptr(cur.stats.max)
		cur.round.MinX = models.Float64Ptr(cur.stats.min)
		cur.round.AvgX = models.Float64Ptr(cur.stats.avg)
	}
	if tick.Players != nil {
		cur.round.Players = tick.Players
	}
	if tick.TotalWager != nil {
		cur.round.TotalWager = tick.TotalWager
	}
	if err := e.sink.UpsertRound(cur.round); err != nil {
		logger.Error("Failed to upsert open round %s: %v", cur.round.ID, err)
	}
}

func (e *Engine) handleExplicitStart(ts int64) {
	if e.state == StateLive {
		// Non-overlap invariant: an explicit start implies the previous round
		// ended without us observing it. Close it at the new boundary.
		logger.Warn("Explicit start at ts=%d with round %s still open, closing previous round", ts, e.cur.round.ID)
		e.finalize(ts, nil, models.BoundaryInferredTransition, models.RoundComplete)
	}
	e.openRound(ts, models.BoundaryExplicitStart)
}

func (e *Engine) handleExplicitEnd(ts int64, endX *float64) {
	if e.state != StateLive {
		logger.Warn("Explicit end at ts=%d with no round open, ignoring", ts)
		return
	}
	e.finalize(ts, endX, models.BoundaryExplicitEnd, models.RoundComplete)
}

func (e *Engine) openRound(ts int64, reason models.BoundaryReason) {
	round := &models.Round{
		ID:             uuid.New().String(),
		StartedAt:      ts,
		BoundaryReason: reason,
		Status:         models.RoundComplete,
	}
	e.cur = &current{round: round, lastTS: ts - 1}
	e.state = StateLive
	e.liveStreak = 0
	e.nonLiveStreak = 0
	if err := e.sink.UpsertRound(round); err != nil {
		logger.Error("Failed to persist opened round %s: %v", round.ID, err)
	}
	logger.Info("Round %s opened at ts=%d (%s)", round.ID, ts, reason)
}

// finalize closes the open round: terminal value, rug time, sidebet windows,
// persistence, and the transition back to cooldown. The ending state is
// transient and never outlives this call.
func (e *Engine) finalize(ts int64, endX *float64, reason models.BoundaryReason, status models.RoundStatus) {
	cur := e.cur
	if cur == nil {
		logger.Warn("Finalize requested at ts=%d with no round open, ignoring", ts)
		return
	}
	round := cur.round
	if ts < round.StartedAt {
		ts = round.StartedAt
	}
	round.EndedAt = models.Int64Ptr(ts)
	round.BoundaryReason = reason
	round.Status = status

	// Terminal value: an explicit end-signal value wins, otherwise fall back
	// to the running maximum.
	switch {
	case endX != nil:
		round.RugX = endX
	case round.MaxX != nil:
		round.RugX = models.Float64Ptr(*round.MaxX)
	}

	if cur.lastLiveTS > 0 {
		round.RugTimeS = models.Float64Ptr(float64(cur.lastLiveTS-round.StartedAt) / 1000.0)
	}

	round.SidebetWindows = GenerateSidebetWindows(round.DurationSeconds(), round.RugTimeS, e.cfg.SidebetWindowS)

	if err := e.sink.UpsertRound(round); err != nil {
		logger.Error("Failed to persist finalized round %s: %v", round.ID, err)
	}
	if len(round.SidebetWindows) > 0 {
		if err := e.sink.InsertSidebetWindows(round.ID, round.SidebetWindows); err != nil {
			logger.Error("Failed to persist sidebet windows for round %s: %v", round.ID, err)
		}
	}

	e.finalized++
	metrics.RoundsFinalized.WithLabelValues(string(reason)).Inc()
	logger.Info("Round %s closed at ts=%d (%s): %s", round.ID, ts, reason, summarize(round))

	e.cur = nil
	e.state = StateCooldown
	e.liveStreak = 0
	e.nonLiveStreak = 0
}

// ForceClose finalizes any open round, used on shutdown. The close timestamp
// is the last confirmed live tick when one exists, otherwise the last
// accepted tick. A no-op when no round is open.
func (e *Engine) ForceClose() {
	if e.cur == nil {
		return
	}
	ts := e.cur.lastTS
	if e.cur.lastLiveTS > 0 {
		ts = e.cur.lastLiveTS
	}
	logger.Info("Forcing closure of round %s at ts=%d", e.cur.round.ID, ts)
	e.finalize(ts, nil, models.BoundaryInferredTimeout, models.RoundComplete)
}

// GenerateSidebetWindows partitions [0, durationS) into fixed-width windows,
// the last truncated to the remainder. With a known rug time exactly one
// window is flagged; the flag clamps to the final window when the rug time
// coincides with the duration. A nil rug time flags nothing.
func GenerateSidebetWindows(durationS float64, rugTimeS *float64, widthS float64) []models.SidebetWindow {
	if durationS <= 0 || widthS <= 0 {
		return nil
	}
	var windows []models.SidebetWindow
	for start := 0.0; start < durationS; start += widthS {
		end := start + widthS
		if end > durationS {
			end = durationS
		}
		windows = append(windows, models.SidebetWindow{
			Index:  len(windows),
			StartS: start,
			EndS:   end,
		})
	}
	if rugTimeS == nil {
		return windows
	}
	rug := *rugTimeS
	for i := range windows {
		if rug >= windows[i].StartS && rug < windows[i].EndS {
			windows[i].RugInWindow = true
			return windows
		}
	}
	if rug >= durationS && len(windows) > 0 {
		windows[len(windows)-1].RugInWindow = true
	}
	return windows
}

func summarize(r *models.Round) string {
	fmtOpt := func(v *float64) string {
		if v == nil {
			return "n/a"
		}
		return fmt.Sprintf("%.2f", *v)
	}
	return fmt.Sprintf("duration=%.1fs max_x=%s rug_x=%s rug_time=%s windows=%d",
		r.DurationSeconds(), fmtOpt(r.MaxX), fmtOpt(r.RugX), fmtOpt(r.RugTimeS), len(r.SidebetWindows))
}
