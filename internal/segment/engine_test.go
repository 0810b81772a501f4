package segment

import (
	"math"
	"testing"

	"github.com/rewired-gh/rugscope/internal/models"
)

// memSink records everything the engine writes, in call order.
type memSink struct {
	ticks     []models.Tick
	upserts   []models.Round
	windows   map[string][]models.SidebetWindow
	finalized []models.Round
}

func newMemSink() *memSink {
	return &memSink{windows: make(map[string][]models.SidebetWindow)}
}

func (m *memSink) AppendTick(tick models.Tick) error {
	m.ticks = append(m.ticks, tick)
	return nil
}

func (m *memSink) UpsertRound(round *models.Round) error {
	r := *round
	m.upserts = append(m.upserts, r)
	if r.EndedAt != nil {
		m.finalized = append(m.finalized, r)
	}
	return nil
}

func (m *memSink) InsertSidebetWindows(roundID string, windows []models.SidebetWindow) error {
	m.windows[roundID] = append([]models.SidebetWindow{}, windows...)
	return nil
}

func liveTick(ts int64, x float64) models.Tick {
	return models.Tick{TS: ts, Phase: models.PhaseLive, X: models.Float64Ptr(x), Source: models.SourceDOMPoll}
}

func cooldownTick(ts int64) models.Tick {
	return models.Tick{TS: ts, Phase: models.PhaseCooldown, Source: models.SourceDOMPoll}
}

func unknownTick(ts int64) models.Tick {
	return models.Tick{TS: ts, Phase: models.PhaseUnknown, Source: models.SourceDOMPoll}
}

func lastFinalized(t *testing.T, sink *memSink) models.Round {
	t.Helper()
	if len(sink.finalized) == 0 {
		t.Fatal("expected a finalized round")
	}
	return sink.finalized[len(sink.finalized)-1]
}

func TestTickDrivenRoundLifecycle(t *testing.T) {
	sink := newMemSink()
	e := New(sink, DefaultConfig())

	e.HandleTick(cooldownTick(0))
	e.HandleTick(liveTick(200, 1.0))
	if e.State() != StateCooldown {
		t.Fatal("one live tick must not open a round")
	}
	e.HandleTick(liveTick(400, 1.0))
	if e.State() != StateLive {
		t.Fatal("two consecutive live ticks must open a round")
	}
	e.HandleTick(liveTick(5000, 3.2))
	e.HandleTick(cooldownTick(5200))
	if e.State() != StateCooldown {
		t.Fatal("one cooldown tick must close the round with the default end guard")
	}

	r := lastFinalized(t, sink)
	if r.StartedAt != 400 {
		t.Errorf("started_at: got %d, want 400", r.StartedAt)
	}
	if r.EndedAt == nil || *r.EndedAt != 5200 {
		t.Errorf("ended_at: got %v, want 5200", r.EndedAt)
	}
	if r.MaxX == nil || *r.MaxX != 3.2 {
		t.Errorf("max_x: got %v, want 3.2", r.MaxX)
	}
	if r.MinX == nil || *r.MinX != 1.0 {
		t.Errorf("min_x: got %v, want 1.0", r.MinX)
	}
	if r.RugX == nil || *r.RugX != 3.2 {
		t.Errorf("rug_x: got %v, want 3.2", r.RugX)
	}
	if r.RugTimeS == nil || *r.RugTimeS != 4.6 {
		t.Errorf("rug_time_s: got %v, want 4.6", r.RugTimeS)
	}
	if r.BoundaryReason != models.BoundaryInferredTransition {
		t.Errorf("boundary_reason: got %s", r.BoundaryReason)
	}
}

func TestStartDebounce_TransientLiveTick(t *testing.T) {
	sink := newMemSink()
	e := New(sink, DefaultConfig())

	e.HandleTick(cooldownTick(0))
	e.HandleTick(liveTick(200, 1.5))
	e.HandleTick(cooldownTick(400))
	e.HandleTick(liveTick(600, 1.5))
	e.HandleTick(cooldownTick(800))

	if e.State() != StateCooldown {
		t.Error("isolated live ticks must not open a round")
	}
	if len(sink.finalized) != 0 {
		t.Errorf("expected no rounds, got %d", len(sink.finalized))
	}
}

func TestEndDebounce_TransientCooldownTick(t *testing.T) {
	sink := newMemSink()
	cfg := DefaultConfig()
	cfg.EndConfirmations = 2
	e := New(sink, cfg)

	e.HandleTick(liveTick(0, 1.0))
	e.HandleTick(liveTick(200, 1.1))
	e.HandleTick(cooldownTick(400)) // below the end guard
	e.HandleTick(liveTick(600, 1.2))
	if e.State() != StateLive {
		t.Fatal("a single cooldown tick below the end guard must not close the round")
	}
	e.HandleTick(cooldownTick(800))
	e.HandleTick(cooldownTick(1000))
	if e.State() != StateCooldown {
		t.Fatal("two consecutive cooldown ticks must close the round")
	}
	r := lastFinalized(t, sink)
	if *r.EndedAt != 1000 {
		t.Errorf("ended_at: got %d, want 1000", *r.EndedAt)
	}
	if *r.RugTimeS != 0.4 {
		t.Errorf("rug_time_s: got %v, want 0.4", *r.RugTimeS)
	}
}

func TestUnknownPhaseIsNeutral(t *testing.T) {
	sink := newMemSink()
	e := New(sink, DefaultConfig())

	// Unknown samples between live samples neither reset the start streak
	// nor count toward it.
	e.HandleTick(liveTick(0, 1.0))
	e.HandleTick(unknownTick(100))
	e.HandleTick(liveTick(200, 1.0))
	if e.State() != StateLive {
		t.Fatal("unknown tick must not reset the start debounce")
	}

	// Unknown samples while live do not count toward the end guard and do
	// not touch aggregates.
	e.HandleTick(unknownTick(300))
	if e.State() != StateLive {
		t.Fatal("unknown tick must not close a round")
	}
	r := e.OpenRound()
	if r.MaxX == nil || *r.MaxX != 1.0 {
		t.Errorf("aggregates changed by unknown tick: %v", r.MaxX)
	}
}

func TestAggregateCorrectness(t *testing.T) {
	sink := newMemSink()
	e := New(sink, DefaultConfig())

	values := []float64{1.0, 1.07, 2.4, 1.9, 5.33, 0.98, 3.0}
	ts := int64(0)
	for _, v := range values {
		e.HandleTick(liveTick(ts, v))
		ts += 250
	}
	e.HandleTick(cooldownTick(ts))

	r := lastFinalized(t, sink)
	// The first tick is debounce evidence only; aggregation starts with the
	// confirming tick.
	observed := values[1:]
	wantMax, wantMin, sum := observed[0], observed[0], 0.0
	for _, v := range observed {
		wantMax = math.Max(wantMax, v)
		wantMin = math.Min(wantMin, v)
		sum += v
	}
	wantAvg := sum / float64(len(observed))

	if *r.MaxX != wantMax {
		t.Errorf("max_x: got %v, want %v", *r.MaxX, wantMax)
	}
	if *r.MinX != wantMin {
		t.Errorf("min_x: got %v, want %v", *r.MinX, wantMin)
	}
	if rel := math.Abs(*r.AvgX-wantAvg) / wantAvg; rel > 1e-9 {
		t.Errorf("avg_x: got %v, want %v (relative error %g)", *r.AvgX, wantAvg, rel)
	}
	if r.Players != nil {
		t.Errorf("players should stay unset, got %v", *r.Players)
	}
}

func TestLiveTickCancelsPendingEnd(t *testing.T) {
	sink := newMemSink()
	cfg := DefaultConfig()
	cfg.EndConfirmations = 3
	e := New(sink, cfg)

	e.HandleTick(liveTick(0, 1.0))
	e.HandleTick(liveTick(100, 1.0))
	e.HandleTick(cooldownTick(200))
	e.HandleTick(cooldownTick(300))
	e.HandleTick(liveTick(400, 2.0)) // resets the end guard
	e.HandleTick(cooldownTick(500))
	e.HandleTick(cooldownTick(600))
	if e.State() != StateLive {
		t.Fatal("end guard must restart after an intervening live tick")
	}
	e.HandleTick(cooldownTick(700))
	if e.State() != StateCooldown {
		t.Fatal("third consecutive cooldown tick must close the round")
	}
}

func TestExplicitSignals(t *testing.T) {
	sink := newMemSink()
	e := New(sink, DefaultConfig())

	e.HandleSignal(models.Signal{Kind: models.SignalRoundStart, TS: 1000})
	if e.State() != StateLive {
		t.Fatal("explicit start must open a round without debounce")
	}
	e.HandleTick(liveTick(1200, 1.4))
	e.HandleTick(liveTick(1500, 2.8))
	e.HandleSignal(models.Signal{Kind: models.SignalRoundEnd, TS: 1800, EndX: models.Float64Ptr(2.75)})

	r := lastFinalized(t, sink)
	if r.StartedAt != 1000 {
		t.Errorf("started_at: got %d, want 1000", r.StartedAt)
	}
	if *r.EndedAt != 1800 {
		t.Errorf("ended_at: got %d, want 1800", *r.EndedAt)
	}
	if *r.RugX != 2.75 {
		t.Errorf("explicit end value must win over max: got %v", *r.RugX)
	}
	if r.BoundaryReason != models.BoundaryExplicitEnd {
		t.Errorf("boundary_reason: got %s", r.BoundaryReason)
	}
}

func TestHeartbeatAndUnknownSignalsAreNoops(t *testing.T) {
	sink := newMemSink()
	e := New(sink, DefaultConfig())

	e.HandleSignal(models.Signal{Kind: models.SignalHeartbeat, TS: 100})
	e.HandleSignal(models.Signal{Kind: models.SignalUnknown, TS: 200})
	if e.State() != StateCooldown {
		t.Fatal("heartbeat/unknown must not transition")
	}

	e.HandleSignal(models.Signal{Kind: models.SignalRoundStart, TS: 300})
	e.HandleTick(liveTick(400, 2.0))
	e.HandleSignal(models.Signal{Kind: models.SignalHeartbeat, TS: 500})
	e.HandleSignal(models.Signal{Kind: models.SignalUnknown, TS: 600})
	r := e.OpenRound()
	if *r.MaxX != 2.0 {
		t.Error("heartbeat/unknown must not mutate aggregates")
	}
	if e.State() != StateLive {
		t.Error("heartbeat/unknown must not close a round")
	}
}

func TestEndWithoutOpenRoundIsNoop(t *testing.T) {
	sink := newMemSink()
	e := New(sink, DefaultConfig())

	e.HandleSignal(models.Signal{Kind: models.SignalRoundEnd, TS: 100})
	if len(sink.finalized) != 0 || e.State() != StateCooldown {
		t.Error("explicit end with no round open must be a no-op")
	}
}

func TestStartWhileLiveClosesPreviousRound(t *testing.T) {
	sink := newMemSink()
	e := New(sink, DefaultConfig())

	e.HandleSignal(models.Signal{Kind: models.SignalRoundStart, TS: 100})
	e.HandleTick(liveTick(200, 1.5))
	firstID := e.OpenRound().ID

	e.HandleSignal(models.Signal{Kind: models.SignalRoundStart, TS: 900})
	if e.State() != StateLive {
		t.Fatal("second explicit start must leave a round open")
	}
	if e.OpenRound().ID == firstID {
		t.Fatal("second explicit start must open a new round")
	}

	r := lastFinalized(t, sink)
	if r.ID != firstID || *r.EndedAt != 900 {
		t.Errorf("previous round must close at the new boundary, got end %v", r.EndedAt)
	}
}

func TestStaleTickRejected(t *testing.T) {
	sink := newMemSink()
	e := New(sink, DefaultConfig())

	e.HandleTick(liveTick(100, 1.0))
	e.HandleTick(liveTick(200, 1.0))
	e.HandleTick(liveTick(150, 9.9)) // stale, must not touch aggregates
	e.HandleTick(liveTick(200, 9.9)) // duplicate timestamp, same
	if e.StaleDropped() != 2 {
		t.Errorf("stale dropped: got %d, want 2", e.StaleDropped())
	}
	r := e.OpenRound()
	if *r.MaxX != 1.0 {
		t.Errorf("stale tick corrupted aggregates: max_x=%v", *r.MaxX)
	}

	e.HandleTick(cooldownTick(300))
	if *lastFinalized(t, sink).RugTimeS != 0 {
		t.Errorf("rug time must ignore stale ticks, got %v", *lastFinalized(t, sink).RugTimeS)
	}
}

func TestNoOverlappingRounds(t *testing.T) {
	sink := newMemSink()
	e := New(sink, DefaultConfig())

	ts := int64(0)
	for range [5]int{} {
		e.HandleTick(cooldownTick(ts))
		ts += 200
		for i := 0; i < 4; i++ {
			e.HandleTick(liveTick(ts, 1.0+float64(i)))
			ts += 200
		}
		e.HandleTick(cooldownTick(ts))
		ts += 200
	}

	if len(sink.finalized) != 5 {
		t.Fatalf("expected 5 rounds, got %d", len(sink.finalized))
	}
	for i := 1; i < len(sink.finalized); i++ {
		prev, next := sink.finalized[i-1], sink.finalized[i]
		if prev.StartedAt >= next.StartedAt {
			t.Errorf("rounds out of order: %d >= %d", prev.StartedAt, next.StartedAt)
		}
		if *prev.EndedAt > next.StartedAt {
			t.Errorf("rounds overlap: round %d ends at %d, round %d starts at %d",
				i-1, *prev.EndedAt, i, next.StartedAt)
		}
	}
}

func TestForceClose(t *testing.T) {
	sink := newMemSink()
	e := New(sink, DefaultConfig())

	e.HandleTick(liveTick(100, 1.0))
	e.HandleTick(liveTick(600, 2.5))
	e.ForceClose()

	r := lastFinalized(t, sink)
	if *r.EndedAt != 600 {
		t.Errorf("forced closure must use the last live tick, got %d", *r.EndedAt)
	}
	if r.BoundaryReason != models.BoundaryInferredTimeout {
		t.Errorf("boundary_reason: got %s", r.BoundaryReason)
	}
	if *r.RugX != 2.5 {
		t.Errorf("rug_x: got %v, want 2.5", *r.RugX)
	}

	before := len(sink.finalized)
	e.ForceClose() // no round open anymore
	if len(sink.finalized) != before {
		t.Error("ForceClose with no open round must be a no-op")
	}
}

func TestSidebetWindowCoverage(t *testing.T) {
	windows := GenerateSidebetWindows(25, models.Float64Ptr(21), 10)
	if len(windows) != 3 {
		t.Fatalf("expected 3 windows for 25s, got %d", len(windows))
	}
	// Exact coverage of [0, 25): contiguous, starting at 0, ending at 25.
	if windows[0].StartS != 0 {
		t.Error("first window must start at 0")
	}
	for i := 1; i < len(windows); i++ {
		if windows[i].StartS != windows[i-1].EndS {
			t.Errorf("gap between window %d and %d", i-1, i)
		}
	}
	if windows[2].EndS != 25 {
		t.Errorf("last window must truncate to 25, got %v", windows[2].EndS)
	}

	flagged := 0
	for _, w := range windows {
		if w.RugInWindow {
			flagged++
			if w.Index != 2 {
				t.Errorf("rug at 21s belongs to window 2, flagged %d", w.Index)
			}
		}
	}
	if flagged != 1 {
		t.Errorf("exactly one window must be flagged, got %d", flagged)
	}
}

func TestSidebetWindowsEdgeCases(t *testing.T) {
	// Unknown rug time: windows exist, none flagged.
	for _, w := range GenerateSidebetWindows(30, nil, 10) {
		if w.RugInWindow {
			t.Error("no window may be flagged when rug time is unknown")
		}
	}

	// Rug time equal to the duration clamps to the last window.
	windows := GenerateSidebetWindows(20, models.Float64Ptr(20), 10)
	if !windows[len(windows)-1].RugInWindow {
		t.Error("rug time at the duration boundary must flag the final window")
	}

	// Zero-length round: no windows at all.
	if w := GenerateSidebetWindows(0, models.Float64Ptr(0), 10); len(w) != 0 {
		t.Errorf("expected no windows for zero duration, got %d", len(w))
	}
}

func TestConfirmingTickCarriesRoundID(t *testing.T) {
	sink := newMemSink()
	e := New(sink, DefaultConfig())

	e.HandleTick(liveTick(100, 1.0))
	e.HandleTick(liveTick(300, 1.0))

	last := sink.ticks[len(sink.ticks)-1]
	if last.RoundID == "" {
		t.Error("the tick that confirms a start must be stored under the opened round")
	}
	if sink.ticks[0].RoundID != "" {
		t.Error("pre-confirmation ticks must not claim a round")
	}
}
