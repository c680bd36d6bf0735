// Package sim drives a development exchange with randomized player
// activity: staging, listing, bidding and cancelling across a small item
// universe. Useful for exercising the API and WebSocket ticker without a
// game world attached.
package sim

import (
	"context"
	"fmt"
	"log"
	"math/rand"
	"time"

	"github.com/hollowforge/tradepost/pkg/exchange"
	"github.com/hollowforge/tradepost/pkg/exchange/memledger"
	"github.com/hollowforge/tradepost/pkg/exchange/order"
)

// FeederConfig controls the simulated activity.
type FeederConfig struct {
	NumPlayers int
	Items      []order.ItemKind
	Interval   time.Duration // one action per tick
	StartCoins int64
	StartItems int64
}

func DefaultFeederConfig() FeederConfig {
	return FeederConfig{
		NumPlayers: 20,
		Items: []order.ItemKind{
			"ore:iron", "ore:gold", "herb:sage", "herb:nettle", "gem:ruby",
		},
		Interval:   250 * time.Millisecond,
		StartCoins: 1_000_000,
		StartItems: 500,
	}
}

// Feeder owns the simulated players.
type Feeder struct {
	ex     *exchange.Coordinator
	wallet *memledger.Wallet
	inv    *memledger.Inventory
	cfg    FeederConfig
	rng    *rand.Rand
}

func NewFeeder(ex *exchange.Coordinator, wallet *memledger.Wallet, inv *memledger.Inventory, cfg FeederConfig) *Feeder {
	return &Feeder{
		ex:     ex,
		wallet: wallet,
		inv:    inv,
		cfg:    cfg,
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Start seeds the players and runs the action loop until ctx is done.
// Returns a cancel function.
func (f *Feeder) Start(ctx context.Context) context.CancelFunc {
	for p := 1; p <= f.cfg.NumPlayers; p++ {
		owner := order.PlayerID(p)
		f.wallet.Credit(owner, f.cfg.StartCoins)
		for _, item := range f.cfg.Items {
			f.inv.Grant(owner, item, f.cfg.StartItems)
		}
	}

	feedCtx, cancel := context.WithCancel(ctx)
	go func() {
		ticker := time.NewTicker(f.cfg.Interval)
		defer ticker.Stop()

		actions := 0
		log.Printf("[sim] started: %d players, %d items, one action per %v",
			f.cfg.NumPlayers, len(f.cfg.Items), f.cfg.Interval)

		for {
			select {
			case <-feedCtx.Done():
				log.Printf("[sim] stopped after %d actions", actions)
				return
			case <-ticker.C:
				f.step()
				actions++
			}
		}
	}()
	return cancel
}

// step performs one random player action. Failures are expected (cooldowns,
// full slots, empty inventories) and simply skipped.
func (f *Feeder) step() {
	owner := order.PlayerID(1 + f.rng.Intn(f.cfg.NumPlayers))
	name := fmt.Sprintf("sim-%d", owner)
	item := f.cfg.Items[f.rng.Intn(len(f.cfg.Items))]
	qty := int64(1 + f.rng.Intn(20))
	price := int64(50 + f.rng.Intn(100))

	switch f.rng.Intn(10) {
	case 0, 1, 2: // list something
		if res := f.ex.StageSellItems(owner, name, item, qty); !res.OK() {
			return
		}
		if _, res := f.ex.CreateSellOffer(owner, name, price); !res.OK() {
			f.ex.UnstageSellItems(owner)
			return
		}
		f.enableRandomSell(owner)
	case 3, 4, 5: // bid on something
		if _, res := f.ex.CreateBuyOrder(owner, name, item, qty, price, 7); !res.OK() {
			return
		}
		f.enableRandomBuy(owner)
	case 6: // cancel a sell
		f.ex.CancelSell(owner, f.rng.Intn(4))
	case 7: // cancel a buy
		f.ex.CancelBuy(owner, f.rng.Intn(4))
	case 8: // toggle
		f.ex.EnableSell(owner, f.rng.Intn(4))
	default: // claim collection
		f.ex.CollectionPage(owner, 0)
	}
}

// enableRandomSell walks the sell slots until one enables. Cooldowns make
// most attempts fail, which is fine for a load generator.
func (f *Feeder) enableRandomSell(owner order.PlayerID) {
	for slot := 0; slot < 8; slot++ {
		if f.ex.EnableSell(owner, slot).OK() {
			return
		}
	}
}

func (f *Feeder) enableRandomBuy(owner order.PlayerID) {
	for slot := 0; slot < 4; slot++ {
		if f.ex.EnableBuy(owner, slot).OK() {
			return
		}
	}
}
