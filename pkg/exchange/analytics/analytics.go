package analytics

import (
	"sync"
	"time"

	"github.com/hollowforge/tradepost/pkg/exchange/order"
	"github.com/hollowforge/tradepost/pkg/util"
)

// Stats summarizes recent trading in one item over the rolling window.
type Stats struct {
	Item       order.ItemKind `json:"item"`
	Trades     int            `json:"trades"`
	UnitVolume int64          `json:"unitVolume"`
	CoinVolume int64          `json:"coinVolume"`
	VWAP       int64          `json:"vwap"` // floor(coinVolume / unitVolume)
	Low        int64          `json:"low"`
	High       int64          `json:"high"`
	LastPrice  int64          `json:"lastPrice"`
}

type point struct {
	price int64
	qty   int64
	at    time.Time
}

// Tracker keeps a rolling window of trades per item for guide pricing.
// Points older than the window are trimmed on write and on read.
type Tracker struct {
	mu     sync.Mutex
	clock  util.Clock
	window time.Duration
	trades map[order.ItemKind][]point
	last   map[order.ItemKind]int64
}

func NewTracker(clock util.Clock, window time.Duration) *Tracker {
	return &Tracker{
		clock:  clock,
		window: window,
		trades: make(map[order.ItemKind][]point),
		last:   make(map[order.ItemKind]int64),
	}
}

// Record feeds one executed trade into the window.
func (t *Tracker) Record(item order.ItemKind, price, qty int64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.clock.Now()
	pts := t.trim(item, now)
	t.trades[item] = append(pts, point{price: price, qty: qty, at: now})
	t.last[item] = price
}

// Stats returns the rolling summary for an item. LastPrice survives the
// window trim so a quiet market still offers a guide price.
func (t *Tracker) Stats(item order.ItemKind) Stats {
	t.mu.Lock()
	defer t.mu.Unlock()

	pts := t.trim(item, t.clock.Now())
	t.trades[item] = pts

	s := Stats{Item: item, LastPrice: t.last[item]}
	for _, p := range pts {
		s.Trades++
		s.UnitVolume += p.qty
		s.CoinVolume += p.price * p.qty
		if s.Low == 0 || p.price < s.Low {
			s.Low = p.price
		}
		if p.price > s.High {
			s.High = p.price
		}
	}
	if s.UnitVolume > 0 {
		s.VWAP = s.CoinVolume / s.UnitVolume
	}
	return s
}

// GuidePrice suggests a listing price: window VWAP, falling back to the last
// traded price, then zero when the item has never traded.
func (t *Tracker) GuidePrice(item order.ItemKind) int64 {
	s := t.Stats(item)
	if s.VWAP > 0 {
		return s.VWAP
	}
	return s.LastPrice
}

func (t *Tracker) trim(item order.ItemKind, now time.Time) []point {
	pts := t.trades[item]
	cutoff := now.Add(-t.window)
	i := 0
	for i < len(pts) && pts[i].at.Before(cutoff) {
		i++
	}
	return pts[i:]
}
