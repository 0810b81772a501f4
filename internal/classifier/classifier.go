// Package classifier converts raw DOM poll samples into phase-classified
// ticks. Classification is presence/content matching on on-page status text;
// there is no schema to rely on, so every extraction is best-effort and a
// sample that matches nothing degrades to the unknown phase.
package classifier

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/rewired-gh/rugscope/internal/models"
)

// Sample is one DOM poll observation handed over by the instrumentation
// layer. Empty strings mean the selector produced nothing this cycle.
type Sample struct {
	TS             int64 // epoch milliseconds
	StatusText     string
	MultiplierText string
	PlayersText    string
	WagerText      string
}

var (
	reMultiplier = regexp.MustCompile(`(\d+(?:\.\d+)?)\s*[xX]`)
	reInt        = regexp.MustCompile(`\d[\d,]*`)
	reDecimal    = regexp.MustCompile(`\d[\d,]*(?:\.\d+)?`)
)

// Cooldown status fragments observed on the page between rounds.
var cooldownMarkers = []string{"rugged", "cooldown", "presale", "starting", "next round"}

// Classify maps a poll sample to a tick. A parseable multiplier means the
// round is live; recognizable between-round status text means cooldown;
// anything else is unknown (missing observation, not round absence).
func Classify(s Sample) models.Tick {
	tick := models.Tick{
		TS:     s.TS,
		Phase:  models.PhaseUnknown,
		Source: models.SourceDOMPoll,
	}

	status := strings.ToLower(s.StatusText)
	for _, marker := range cooldownMarkers {
		if strings.Contains(status, marker) {
			tick.Phase = models.PhaseCooldown
			return tick
		}
	}

	if x, ok := parseMultiplier(s.MultiplierText); ok {
		tick.Phase = models.PhaseLive
		tick.X = models.Float64Ptr(x)
		if n, ok := parseCount(s.PlayersText); ok {
			tick.Players = models.Int64Ptr(n)
		}
		if w, ok := parseAmount(s.WagerText); ok {
			tick.TotalWager = models.Float64Ptr(w)
		}
		return tick
	}

	return tick
}

// parseMultiplier extracts the multiplier from text like "2.34x" or "1.08 X".
func parseMultiplier(text string) (float64, bool) {
	m := reMultiplier.FindStringSubmatch(text)
	if m == nil {
		return 0, false
	}
	x, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return 0, false
	}
	return x, true
}

// parseCount extracts an integer from text like "1,024 players".
func parseCount(text string) (int64, bool) {
	m := reInt.FindString(text)
	if m == "" {
		return 0, false
	}
	n, err := strconv.ParseInt(strings.ReplaceAll(m, ",", ""), 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

// parseAmount extracts a decimal from text like "12,345.6 SOL".
func parseAmount(text string) (float64, bool) {
	m := reDecimal.FindString(text)
	if m == "" {
		return 0, false
	}
	w, err := strconv.ParseFloat(strings.ReplaceAll(m, ",", ""), 64)
	if err != nil {
		return 0, false
	}
	return w, true
}
