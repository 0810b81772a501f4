package models

// SignalKind enumerates the variants the segmentation engine understands.
// Both the DOM-poll path and the websocket/console path reduce to this one
// abstraction; the engine itself never knows which capture path fed it.
type SignalKind int

const (
	SignalTick SignalKind = iota
	SignalRoundStart
	SignalRoundEnd
	SignalHeartbeat
	SignalUnknown
)

func (k SignalKind) String() string {
	switch k {
	case SignalTick:
		return "tick"
	case SignalRoundStart:
		return "round-start"
	case SignalRoundEnd:
		return "round-end"
	case SignalHeartbeat:
		return "heartbeat"
	default:
		return "unknown"
	}
}

// Signal is one unit of input to the segmentation engine.
// Tick is set only for SignalTick. EndX optionally carries the terminal
// multiplier reported by an explicit round-end signal.
type Signal struct {
	Kind SignalKind
	TS   int64 // epoch milliseconds
	Tick *Tick
	EndX *float64
}
