package ratelimit

import (
	"sync"
	"time"

	"github.com/hollowforge/tradepost/pkg/exchange/order"
	"github.com/hollowforge/tradepost/pkg/util"
)

// Action is a rate-limited operation kind.
type Action int8

const (
	SellCreate Action = iota
	SellToggle
	BuyCreate
	BuyToggle
)

func (a Action) String() string {
	switch a {
	case SellCreate:
		return "sell_create"
	case SellToggle:
		return "sell_toggle"
	case BuyCreate:
		return "buy_create"
	case BuyToggle:
		return "buy_toggle"
	default:
		return "unknown"
	}
}

// ActionFromString is the inverse of Action.String; used when seeding from
// persisted cooldown stamps. Returns false for unknown names.
func ActionFromString(s string) (Action, bool) {
	switch s {
	case "sell_create":
		return SellCreate, true
	case "sell_toggle":
		return SellToggle, true
	case "buy_create":
		return BuyCreate, true
	case "buy_toggle":
		return BuyToggle, true
	default:
		return 0, false
	}
}

// Limiter tracks the last time each player performed each action kind and
// denies repeats inside the configured cooldown. A zero cooldown disables
// the limiter for that kind. Denial is advisory: the coordinator reports it,
// nothing is retried.
type Limiter struct {
	mu        sync.Mutex
	clock     util.Clock
	cooldowns map[Action]time.Duration
	stamps    map[order.PlayerID]map[Action]time.Time
}

func New(clock util.Clock, cooldowns map[Action]time.Duration) *Limiter {
	if cooldowns == nil {
		cooldowns = make(map[Action]time.Duration)
	}
	return &Limiter{
		clock:     clock,
		cooldowns: cooldowns,
		stamps:    make(map[order.PlayerID]map[Action]time.Time),
	}
}

// Check returns the remaining cooldown, or zero if the action is permitted.
func (l *Limiter) Check(owner order.PlayerID, action Action) time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()

	cd := l.cooldowns[action]
	if cd <= 0 {
		return 0
	}
	last, ok := l.stamps[owner][action]
	if !ok {
		return 0
	}
	elapsed := l.clock.Now().Sub(last)
	if elapsed >= cd {
		return 0
	}
	return cd - elapsed
}

// Record stamps the action, starting its cooldown.
func (l *Limiter) Record(owner order.PlayerID, action Action) {
	l.mu.Lock()
	defer l.mu.Unlock()

	m, ok := l.stamps[owner]
	if !ok {
		m = make(map[Action]time.Time)
		l.stamps[owner] = m
	}
	m[action] = l.clock.Now()
}

// Seed installs a persisted stamp (unix millis) for a player.
func (l *Limiter) Seed(owner order.PlayerID, action Action, unixMilli int64) {
	l.mu.Lock()
	defer l.mu.Unlock()

	m, ok := l.stamps[owner]
	if !ok {
		m = make(map[Action]time.Time)
		l.stamps[owner] = m
	}
	m[action] = time.UnixMilli(unixMilli)
}

// Export returns a player's stamps as unix millis keyed by action name, for
// persistence alongside the account record.
func (l *Limiter) Export(owner order.PlayerID) map[string]int64 {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make(map[string]int64)
	for action, t := range l.stamps[owner] {
		out[action.String()] = t.UnixMilli()
	}
	return out
}
