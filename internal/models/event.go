package models

import "time"

// Channel identifies where a captured payload came from.
type Channel string

const (
	ChannelDOMPoll Channel = "dom-poll"
	ChannelWSIn    Channel = "ws-in"
	ChannelWSOut   Channel = "ws-out"
	ChannelConsole Channel = "console"
)

// RawFrame is one captured payload, append-only and immutable once written.
type RawFrame struct {
	TS      int64   `json:"ts"` // epoch milliseconds
	Channel Channel `json:"channel"`
	Payload string  `json:"payload"`
}

// Time converts the frame timestamp to a time.Time.
func (f RawFrame) Time() time.Time { return time.UnixMilli(f.TS) }

// EventType is the closed set of normalized event classifications.
type EventType string

const (
	EventTrade        EventType = "trade"
	EventSideBet      EventType = "sideBet"
	EventPnlDebug     EventType = "pnlDebug"
	EventRoyaleStatus EventType = "royaleStatus"
	EventGameTick     EventType = "gameTick"
	EventUnknown      EventType = "unknown"
)

// EventSourceType tags which capture path classified the event, used by the
// persistence layer to prefer websocket records over console records.
type EventSourceType string

const (
	EventSourceWebsocket EventSourceType = "websocket"
	EventSourceConsole   EventSourceType = "console"
)

// NormalizedEvent is a typed event produced by the normalizer from a raw
// console line or WebSocket payload. Fields beyond Type are best-effort:
// the upstream site exposes no schema, so absence is expected and legal.
type NormalizedEvent struct {
	Type       EventType       `json:"type"`
	TS         int64           `json:"ts"` // epoch milliseconds, observation time
	SourceType EventSourceType `json:"source_type"`
	Confidence float64         `json:"confidence"` // 1.0 exact field match, lower for keyword hits

	GameID    string   `json:"game_id,omitempty"`
	PlayerID  string   `json:"player_id,omitempty"`
	TickIndex *int64   `json:"tick_index,omitempty"`
	X         *float64 `json:"x,omitempty"`
	Amount    *float64 `json:"amount,omitempty"`
	Players   *int64   `json:"players,omitempty"`
	Active    *bool    `json:"active,omitempty"` // royale/round active flag when present

	Raw string `json:"raw"`
}

// Time converts the event timestamp to a time.Time.
func (e NormalizedEvent) Time() time.Time { return time.UnixMilli(e.TS) }
