// Package store persists exchange state in Pebble: orders in a flat
// id-indexed table, accounts by owner, and one record per order book.
// Individual corrupt records are skipped with a warning on load, never a
// load failure.
package store

import (
	"encoding/json"
	"fmt"

	"github.com/cockroachdb/pebble"
	"go.uber.org/zap"

	"github.com/hollowforge/tradepost/pkg/exchange/account"
	"github.com/hollowforge/tradepost/pkg/exchange/order"
)

const (
	prefixSellOffer = "off:"
	prefixBuyOrder  = "buy:"
	prefixAccount   = "acct:"
	prefixBook      = "book:"
	keySequence     = "seq:order"
)

// BookRecord is the persisted shape of an order book: the item kind, the
// resting order ids on each side and the lifetime counters. Orders
// themselves live in the flat order tables; on load they are re-attached
// through the same validation path used at creation, skipping matching.
type BookRecord struct {
	Item       order.ItemKind `json:"item"`
	SellIDs    []int64        `json:"sellIds"`
	BuyIDs     []int64        `json:"buyIds"`
	Matches    int64          `json:"matches"`
	UnitVolume int64          `json:"unitVolume"`
	CoinVolume int64          `json:"coinVolume"`
}

type Store struct {
	db  *pebble.DB
	log *zap.SugaredLogger
}

func Open(path string, log *zap.SugaredLogger) (*Store, error) {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("open pebble db at %s: %w", path, err)
	}
	return &Store{db: db, log: log}, nil
}

func (s *Store) Close() error { return s.db.Close() }

func sellOfferKey(id int64) []byte { return []byte(fmt.Sprintf("%s%016d", prefixSellOffer, id)) }
func buyOrderKey(id int64) []byte  { return []byte(fmt.Sprintf("%s%016d", prefixBuyOrder, id)) }
func accountKey(owner order.PlayerID) []byte {
	return []byte(fmt.Sprintf("%s%016d", prefixAccount, owner))
}
func bookKey(item order.ItemKind) []byte { return []byte(prefixBook + string(item)) }

// keyUpperBound returns the exclusive upper bound for a prefix scan.
func keyUpperBound(prefix []byte) []byte {
	bound := make([]byte, len(prefix))
	copy(bound, prefix)
	bound[len(bound)-1]++
	return bound
}

func (s *Store) setJSON(key []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", key, err)
	}
	if err := s.db.Set(key, data, pebble.Sync); err != nil {
		return fmt.Errorf("set %s: %w", key, err)
	}
	return nil
}

func (s *Store) SaveSellOffer(o *order.SellOffer) error { return s.setJSON(sellOfferKey(o.ID), o) }
func (s *Store) SaveBuyOrder(o *order.BuyOrder) error   { return s.setJSON(buyOrderKey(o.ID), o) }
func (s *Store) SaveAccount(a *account.Account) error   { return s.setJSON(accountKey(a.Owner), a) }
func (s *Store) SaveBook(r *BookRecord) error           { return s.setJSON(bookKey(r.Item), r) }

func (s *Store) DeleteSellOffer(id int64) error {
	return s.db.Delete(sellOfferKey(id), pebble.Sync)
}

func (s *Store) DeleteBuyOrder(id int64) error {
	return s.db.Delete(buyOrderKey(id), pebble.Sync)
}

func (s *Store) DeleteBook(item order.ItemKind) error {
	return s.db.Delete(bookKey(item), pebble.Sync)
}

// LoadAccount returns nil, nil when the owner has no persisted account.
func (s *Store) LoadAccount(owner order.PlayerID) (*account.Account, error) {
	data, closer, err := s.db.Get(accountKey(owner))
	if err == pebble.ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get account %d: %w", owner, err)
	}
	defer closer.Close()

	var acc account.Account
	if err := json.Unmarshal(data, &acc); err != nil {
		return nil, fmt.Errorf("unmarshal account %d: %w", owner, err)
	}
	if acc.Cooldowns == nil {
		acc.Cooldowns = make(map[string]int64)
	}
	return &acc, nil
}

// LoadSellOffers returns every persisted sell offer, id ascending. Corrupt
// records are dropped with a warning.
func (s *Store) LoadSellOffers() ([]*order.SellOffer, error) {
	prefix := []byte(prefixSellOffer)
	iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: keyUpperBound(prefix)})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var out []*order.SellOffer
	for iter.First(); iter.Valid(); iter.Next() {
		var o order.SellOffer
		if err := json.Unmarshal(iter.Value(), &o); err != nil {
			s.log.Warnw("dropping_corrupt_sell_offer", "key", string(iter.Key()), "err", err)
			continue
		}
		out = append(out, &o)
	}
	return out, nil
}

func (s *Store) LoadBuyOrders() ([]*order.BuyOrder, error) {
	prefix := []byte(prefixBuyOrder)
	iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: keyUpperBound(prefix)})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var out []*order.BuyOrder
	for iter.First(); iter.Valid(); iter.Next() {
		var o order.BuyOrder
		if err := json.Unmarshal(iter.Value(), &o); err != nil {
			s.log.Warnw("dropping_corrupt_buy_order", "key", string(iter.Key()), "err", err)
			continue
		}
		out = append(out, &o)
	}
	return out, nil
}

func (s *Store) LoadAccounts() ([]*account.Account, error) {
	prefix := []byte(prefixAccount)
	iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: keyUpperBound(prefix)})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var out []*account.Account
	for iter.First(); iter.Valid(); iter.Next() {
		var acc account.Account
		if err := json.Unmarshal(iter.Value(), &acc); err != nil {
			s.log.Warnw("dropping_corrupt_account", "key", string(iter.Key()), "err", err)
			continue
		}
		if acc.Cooldowns == nil {
			acc.Cooldowns = make(map[string]int64)
		}
		out = append(out, &acc)
	}
	return out, nil
}

func (s *Store) LoadBooks() ([]*BookRecord, error) {
	prefix := []byte(prefixBook)
	iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: keyUpperBound(prefix)})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var out []*BookRecord
	for iter.First(); iter.Valid(); iter.Next() {
		var r BookRecord
		if err := json.Unmarshal(iter.Value(), &r); err != nil {
			s.log.Warnw("dropping_corrupt_book", "key", string(iter.Key()), "err", err)
			continue
		}
		out = append(out, &r)
	}
	return out, nil
}

// SaveSequence persists the order id high-water mark.
func (s *Store) SaveSequence(next int64) error {
	return s.setJSON([]byte(keySequence), next)
}

// LoadSequence returns 1 when no sequence has been persisted yet.
func (s *Store) LoadSequence() (int64, error) {
	data, closer, err := s.db.Get([]byte(keySequence))
	if err == pebble.ErrNotFound {
		return 1, nil
	}
	if err != nil {
		return 0, fmt.Errorf("get sequence: %w", err)
	}
	defer closer.Close()

	var next int64
	if err := json.Unmarshal(data, &next); err != nil {
		return 0, fmt.Errorf("unmarshal sequence: %w", err)
	}
	return next, nil
}

// Batch groups the writes of one logical operation into a single atomic
// commit.
type Batch struct {
	batch *pebble.Batch
}

func (s *Store) NewBatch() *Batch {
	return &Batch{batch: s.db.NewBatch()}
}

func (b *Batch) set(key []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return b.batch.Set(key, data, nil)
}

func (b *Batch) SaveSellOffer(o *order.SellOffer) error { return b.set(sellOfferKey(o.ID), o) }
func (b *Batch) SaveBuyOrder(o *order.BuyOrder) error   { return b.set(buyOrderKey(o.ID), o) }
func (b *Batch) SaveAccount(a *account.Account) error   { return b.set(accountKey(a.Owner), a) }
func (b *Batch) SaveBook(r *BookRecord) error           { return b.set(bookKey(r.Item), r) }
func (b *Batch) SaveSequence(next int64) error          { return b.set([]byte(keySequence), next) }

func (b *Batch) Commit() error { return b.batch.Commit(pebble.Sync) }
func (b *Batch) Close() error  { return b.batch.Close() }
