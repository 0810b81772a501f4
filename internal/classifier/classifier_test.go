package classifier

import (
	"testing"

	"github.com/rewired-gh/rugscope/internal/models"
)

func TestClassify(t *testing.T) {
	cases := []struct {
		name      string
		sample    Sample
		wantPhase models.Phase
		wantX     *float64
		wantCount *int64
		wantWager *float64
	}{
		{
			name:      "live with all fields",
			sample:    Sample{TS: 100, MultiplierText: "2.34x", PlayersText: "1,024 players", WagerText: "12,345.6 SOL"},
			wantPhase: models.PhaseLive,
			wantX:     models.Float64Ptr(2.34),
			wantCount: models.Int64Ptr(1024),
			wantWager: models.Float64Ptr(12345.6),
		},
		{
			name:      "live with multiplier only",
			sample:    Sample{TS: 100, MultiplierText: "1.08 X"},
			wantPhase: models.PhaseLive,
			wantX:     models.Float64Ptr(1.08),
		},
		{
			name:      "rugged banner wins over stale multiplier",
			sample:    Sample{TS: 100, StatusText: "RUGGED at 3.2x", MultiplierText: "3.2x"},
			wantPhase: models.PhaseCooldown,
		},
		{
			name:      "presale is cooldown",
			sample:    Sample{TS: 100, StatusText: "Presale open"},
			wantPhase: models.PhaseCooldown,
		},
		{
			name:      "next round countdown is cooldown",
			sample:    Sample{TS: 100, StatusText: "Next round in 5s"},
			wantPhase: models.PhaseCooldown,
		},
		{
			name:      "empty sample is unknown",
			sample:    Sample{TS: 100},
			wantPhase: models.PhaseUnknown,
		},
		{
			name:      "unrecognized status without multiplier is unknown",
			sample:    Sample{TS: 100, StatusText: "Loading...", MultiplierText: "--"},
			wantPhase: models.PhaseUnknown,
		},
		{
			name:      "garbage numbers are dropped, multiplier kept",
			sample:    Sample{TS: 100, MultiplierText: "5x", PlayersText: "n/a", WagerText: "-"},
			wantPhase: models.PhaseLive,
			wantX:     models.Float64Ptr(5),
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			tick := Classify(tc.sample)
			if tick.TS != tc.sample.TS {
				t.Errorf("ts: got %d", tick.TS)
			}
			if tick.Source != models.SourceDOMPoll {
				t.Errorf("source: got %s", tick.Source)
			}
			if tick.Phase != tc.wantPhase {
				t.Errorf("phase: got %s, want %s", tick.Phase, tc.wantPhase)
			}
			assertFloatPtr(t, "x", tick.X, tc.wantX)
			assertIntPtr(t, "players", tick.Players, tc.wantCount)
			assertFloatPtr(t, "total_wager", tick.TotalWager, tc.wantWager)
		})
	}
}

func assertFloatPtr(t *testing.T, field string, got, want *float64) {
	t.Helper()
	switch {
	case want == nil && got != nil:
		t.Errorf("%s: got %v, want nil", field, *got)
	case want != nil && got == nil:
		t.Errorf("%s: got nil, want %v", field, *want)
	case want != nil && *got != *want:
		t.Errorf("%s: got %v, want %v", field, *got, *want)
	}
}

func assertIntPtr(t *testing.T, field string, got, want *int64) {
	t.Helper()
	switch {
	case want == nil && got != nil:
		t.Errorf("%s: got %v, want nil", field, *got)
	case want != nil && got == nil:
		t.Errorf("%s: got nil, want %v", field, *want)
	case want != nil && *got != *want:
		t.Errorf("%s: got %v, want %v", field, *got, *want)
	}
}
