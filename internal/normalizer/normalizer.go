// Package normalizer maps raw console lines and WebSocket payloads to the
// closed set of typed domain events, and typed events to engine signals.
//
// The upstream site has no public schema, so classification is heuristic
// field-presence matching over a best-effort JSON parse. Normalize is a pure
// function: deterministic for identical input, no side effects, and it never
// fails. Irrecoverable payloads become unknown events carrying the raw text.
package normalizer

import (
	"encoding/json"
	"strconv"
	"strings"

	"github.com/rewired-gh/rugscope/internal/models"
)

// Normalize classifies one raw payload observed at ts (epoch milliseconds).
func Normalize(raw string, ts int64, source models.EventSourceType) models.NormalizedEvent {
	ev := models.NormalizedEvent{
		Type:       models.EventUnknown,
		TS:         ts,
		SourceType: source,
		Raw:        raw,
	}

	fields, ok := parseObject(raw)
	if !ok {
		// No structure at all: fall back to keyword sniffing on the raw text.
		classifyByKeyword(&ev, raw)
		return ev
	}

	ev.GameID = stringField(fields, "gameId", "game_id")
	ev.PlayerID = stringField(fields, "playerId", "player_id")
	ev.TickIndex = intField(fields, "tickIndex", "tick_index", "tickCount")
	ev.X = floatField(fields, "price", "multiplier", "x")
	ev.Amount = floatField(fields, "amount", "betAmount", "qty")
	ev.Players = intField(fields, "players", "playerCount")
	ev.Active = boolField(fields, "active")

	switch {
	case has(fields, "sideBet") || has(fields, "side_bet") || (ev.Amount != nil && has(fields, "windowIndex")):
		ev.Type = models.EventSideBet
		ev.Confidence = 1.0
	case has(fields, "pnl") || has(fields, "unrealizedPnl"):
		ev.Type = models.EventPnlDebug
		ev.Confidence = 1.0
	case has(fields, "royale") || has(fields, "rugRoyale") || (ev.Active != nil && ev.GameID != "" && ev.X == nil && ev.PlayerID == ""):
		ev.Type = models.EventRoyaleStatus
		ev.Confidence = 1.0
	case ev.PlayerID != "" && ev.Amount != nil:
		ev.Type = models.EventTrade
		ev.Confidence = 1.0
	case ev.X != nil || ev.TickIndex != nil:
		ev.Type = models.EventGameTick
		ev.Confidence = 1.0
	default:
		classifyByKeyword(&ev, raw)
	}
	return ev
}

// classifyByKeyword is the low-confidence fallback for payloads with no
// usable structure.
func classifyByKeyword(ev *models.NormalizedEvent, raw string) {
	l := strings.ToLower(raw)
	switch {
	case strings.Contains(l, "sidebet") || strings.Contains(l, "side bet"):
		ev.Type = models.EventSideBet
		ev.Confidence = 0.5
	case strings.Contains(l, "pnl"):
		ev.Type = models.EventPnlDebug
		ev.Confidence = 0.5
	case strings.Contains(l, "royale"):
		ev.Type = models.EventRoyaleStatus
		ev.Confidence = 0.5
	case strings.Contains(l, "trade") || strings.Contains(l, "buy") || strings.Contains(l, "sell"):
		ev.Type = models.EventTrade
		ev.Confidence = 0.5
	case strings.Contains(l, "tick") || strings.Contains(l, "price"):
		ev.Type = models.EventGameTick
		ev.Confidence = 0.5
	default:
		ev.Type = models.EventUnknown
		ev.Confidence = 0
	}
}

// ToSignal reduces a normalized event to the engine's signal vocabulary.
// Trades, side bets, and pnl lines prove the connection is alive but carry
// no boundary information, so they become heartbeats.
func ToSignal(ev models.NormalizedEvent) models.Signal {
	switch ev.Type {
	case models.EventRoyaleStatus:
		if ev.Active != nil {
			if *ev.Active {
				return models.Signal{Kind: models.SignalRoundStart, TS: ev.TS}
			}
			return models.Signal{Kind: models.SignalRoundEnd, TS: ev.TS, EndX: ev.X}
		}
		return models.Signal{Kind: models.SignalHeartbeat, TS: ev.TS}
	case models.EventGameTick:
		// A state-update tick that reports the game inactive is the round end
		// in disguise; its price is the terminal multiplier.
		if ev.Active != nil && !*ev.Active {
			return models.Signal{Kind: models.SignalRoundEnd, TS: ev.TS, EndX: ev.X}
		}
		tick := models.Tick{
			TS:      ev.TS,
			Phase:   models.PhaseLive,
			X:       ev.X,
			Players: ev.Players,
			Source:  models.SourceWebsocket,
		}
		if ev.SourceType == models.EventSourceConsole {
			tick.Source = models.SourceMerged
		}
		return models.Signal{Kind: models.SignalTick, TS: ev.TS, Tick: &tick}
	case models.EventTrade, models.EventSideBet, models.EventPnlDebug:
		return models.Signal{Kind: models.SignalHeartbeat, TS: ev.TS}
	default:
		return models.Signal{Kind: models.SignalUnknown, TS: ev.TS}
	}
}

// parseObject attempts a strict parse, then a repaired parse. Payloads that
// are arrays, scalars, or beyond repair report !ok.
func parseObject(raw string) (map[string]json.RawMessage, bool) {
	trimmed := strings.TrimSpace(raw)
	// Console lines often prefix the payload, e.g. `[GAME] {...}`.
	if i := strings.IndexByte(trimmed, '{'); i > 0 {
		trimmed = trimmed[i:]
	}
	if !strings.HasPrefix(trimmed, "{") {
		return nil, false
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal([]byte(trimmed), &fields); err != nil {
		if err = json.Unmarshal([]byte(RepairJSON(trimmed)), &fields); err != nil {
			return nil, false
		}
	}
	return fields, true
}

func has(fields map[string]json.RawMessage, key string) bool {
	_, ok := fields[key]
	return ok
}

func stringField(fields map[string]json.RawMessage, keys ...string) string {
	for _, key := range keys {
		raw, ok := fields[key]
		if !ok {
			continue
		}
		var s string
		if err := json.Unmarshal(raw, &s); err == nil {
			return s
		}
	}
	return ""
}

func floatField(fields map[string]json.RawMessage, keys ...string) *float64 {
	for _, key := range keys {
		raw, ok := fields[key]
		if !ok {
			continue
		}
		var f float64
		if err := json.Unmarshal(raw, &f); err == nil {
			return &f
		}
		// Numbers show up quoted often enough to warrant a second try.
		var s string
		if err := json.Unmarshal(raw, &s); err == nil {
			if f, err := strconv.ParseFloat(strings.TrimSuffix(strings.TrimSpace(s), "x"), 64); err == nil {
				return &f
			}
		}
	}
	return nil
}

func intField(fields map[string]json.RawMessage, keys ...string) *int64 {
	for _, key := range keys {
		raw, ok := fields[key]
		if !ok {
			continue
		}
		var n int64
		if err := json.Unmarshal(raw, &n); err == nil {
			return &n
		}
	}
	return nil
}

func boolField(fields map[string]json.RawMessage, keys ...string) *bool {
	for _, key := range keys {
		raw, ok := fields[key]
		if !ok {
			continue
		}
		var b bool
		if err := json.Unmarshal(raw, &b); err == nil {
			return &b
		}
	}
	return nil
}
