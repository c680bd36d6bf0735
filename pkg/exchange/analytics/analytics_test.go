package analytics

import (
	"testing"
	"time"

	"github.com/hollowforge/tradepost/pkg/util"
)

func TestStatsAggregation(t *testing.T) {
	clock := util.NewManualClock(time.UnixMilli(1_000_000))
	tr := NewTracker(clock, time.Hour)

	tr.Record("ore:iron", 50, 10) // 500
	tr.Record("ore:iron", 60, 5)  // 300
	tr.Record("ore:iron", 40, 1)  // 40
	tr.Record("gem:ruby", 900, 2) // other item, must not bleed in

	s := tr.Stats("ore:iron")
	if s.Trades != 3 || s.UnitVolume != 16 || s.CoinVolume != 840 {
		t.Fatalf("trades/units/coins = %d/%d/%d, want 3/16/840", s.Trades, s.UnitVolume, s.CoinVolume)
	}
	if s.VWAP != 52 { // floor(840/16) = 52.5 -> 52
		t.Errorf("vwap = %d, want 52", s.VWAP)
	}
	if s.Low != 40 || s.High != 60 || s.LastPrice != 40 {
		t.Errorf("low/high/last = %d/%d/%d, want 40/60/40", s.Low, s.High, s.LastPrice)
	}
}

func TestWindowTrim(t *testing.T) {
	clock := util.NewManualClock(time.UnixMilli(0))
	tr := NewTracker(clock, time.Hour)

	tr.Record("ore:iron", 50, 10)
	clock.Advance(30 * time.Minute)
	tr.Record("ore:iron", 70, 10)
	clock.Advance(45 * time.Minute) // first trade now outside window

	s := tr.Stats("ore:iron")
	if s.Trades != 1 || s.UnitVolume != 10 {
		t.Fatalf("trades/units = %d/%d after trim, want 1/10", s.Trades, s.UnitVolume)
	}
	if s.VWAP != 70 {
		t.Errorf("vwap = %d, want 70", s.VWAP)
	}

	// LastPrice survives even when the whole window empties.
	clock.Advance(2 * time.Hour)
	s = tr.Stats("ore:iron")
	if s.Trades != 0 {
		t.Fatalf("trades = %d after full trim, want 0", s.Trades)
	}
	if s.LastPrice != 70 {
		t.Errorf("last price = %d, want 70", s.LastPrice)
	}
}

func TestGuidePrice(t *testing.T) {
	clock := util.NewManualClock(time.UnixMilli(0))
	tr := NewTracker(clock, time.Hour)

	if got := tr.GuidePrice("ore:iron"); got != 0 {
		t.Errorf("never-traded guide = %d, want 0", got)
	}

	tr.Record("ore:iron", 55, 4)
	if got := tr.GuidePrice("ore:iron"); got != 55 {
		t.Errorf("guide = %d, want 55", got)
	}

	// After the window empties the last price stands in.
	clock.Advance(3 * time.Hour)
	if got := tr.GuidePrice("ore:iron"); got != 55 {
		t.Errorf("fallback guide = %d, want 55", got)
	}
}
