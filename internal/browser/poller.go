package browser

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rewired-gh/rugscope/internal/classifier"
	"github.com/rewired-gh/rugscope/internal/logger"
	"github.com/rewired-gh/rugscope/internal/metrics"
)

// sampleExpr gathers the game-state texts in one page round trip. Selector
// discovery lives outside this system; these are the selectors the target
// page currently uses.
const sampleExpr = `(() => {
	const g = (s) => { const el = document.querySelector(s); return el ? el.textContent : ""; };
	return JSON.stringify({
		status: g('[data-testid="game-status"], .game-status'),
		multiplier: g('[data-testid="multiplier"], .multiplier-display'),
		players: g('[data-testid="player-count"], .player-count'),
		wager: g('[data-testid="total-wager"], .total-wager')
	});
})()`

// Evaluator is the slice of the CDP client the poller uses.
type Evaluator interface {
	Evaluate(ctx context.Context, expression string) (string, error)
}

// SampleHandler processes one classified poll sample; the poller blocks on
// it before scheduling the next poll.
type SampleHandler func(sample classifier.Sample)

// DriftHandler is notified once each time the consecutive-miss count crosses
// the limit, signalling that the page structure likely changed.
type DriftHandler func(consecutiveMisses int)

// Poller drives the fixed-interval DOM polling loop.
type Poller struct {
	eval           Evaluator
	interval       time.Duration
	backoff        time.Duration
	driftMissLimit int
	onSample       SampleHandler
	onDrift        DriftHandler

	misses int
}

// NewPoller wires a polling loop over an evaluator.
func NewPoller(eval Evaluator, interval, backoff time.Duration, driftMissLimit int, onSample SampleHandler, onDrift DriftHandler) *Poller {
	return &Poller{
		eval:           eval,
		interval:       interval,
		backoff:        backoff,
		driftMissLimit: driftMissLimit,
		onSample:       onSample,
		onDrift:        onDrift,
	}
}

// Run polls until the context is cancelled. Each sample is fully processed
// before the next poll is scheduled; a failed poll is logged and followed by
// the longer error backoff instead of being fatal.
func (p *Poller) Run(ctx context.Context) {
	for {
		wait := p.interval
		if err := p.pollOnce(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			metrics.PollErrors.Inc()
			logger.Warn("DOM poll failed, backing off %v: %v", p.backoff, err)
			wait = p.backoff
		}
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return
		}
	}
}

func (p *Poller) pollOnce(ctx context.Context) error {
	raw, err := p.eval.Evaluate(ctx, sampleExpr)
	if err != nil {
		return err
	}

	var texts struct {
		Status     string `json:"status"`
		Multiplier string `json:"multiplier"`
		Players    string `json:"players"`
		Wager      string `json:"wager"`
	}
	if err := json.Unmarshal([]byte(raw), &texts); err != nil {
		return err
	}

	sample := classifier.Sample{
		TS:             time.Now().UnixMilli(),
		StatusText:     texts.Status,
		MultiplierText: texts.Multiplier,
		PlayersText:    texts.Players,
		WagerText:      texts.Wager,
	}
	p.trackDrift(texts.Status == "" && texts.Multiplier == "" && texts.Players == "" && texts.Wager == "")

	if p.onSample != nil {
		p.onSample(sample)
	}
	return nil
}

// trackDrift counts consecutive all-empty samples. Crossing the limit
// surfaces a drift signal once; the pipeline itself keeps running on
// whatever data remains available.
func (p *Poller) trackDrift(missed bool) {
	if !missed {
		if p.misses >= p.driftMissLimit {
			logger.Info("Page selectors recovered after %d misses", p.misses)
		}
		p.misses = 0
		return
	}
	p.misses++
	if p.misses == p.driftMissLimit {
		metrics.DriftWarnings.Inc()
		logger.Warn("Selector drift suspected: %d consecutive empty samples", p.misses)
		if p.onDrift != nil {
			p.onDrift(p.misses)
		}
	}
}
