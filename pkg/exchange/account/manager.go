package account

import (
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/hollowforge/tradepost/pkg/exchange/order"
)

// Persistence is the slice of the store the manager needs. nil disables
// load-through (tests).
type Persistence interface {
	LoadAccount(owner order.PlayerID) (*Account, error)
	SaveAccount(a *Account) error
}

// Manager caches accounts in memory with load-through persistence, creating
// them on first access. Accounts live for the lifetime of the world.
type Manager struct {
	mu       sync.RWMutex
	accounts map[order.PlayerID]*Account
	persist  Persistence

	sellSlots int
	buySlots  int

	log *zap.SugaredLogger
}

func NewManager(persist Persistence, sellSlots, buySlots int, log *zap.SugaredLogger) *Manager {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Manager{
		accounts:  make(map[order.PlayerID]*Account),
		persist:   persist,
		sellSlots: sellSlots,
		buySlots:  buySlots,
		log:       log,
	}
}

// Get returns the live account for owner, creating it on first access.
// Callers mutate the returned pointer and then Save. The manager's lock
// only guards the cache map; mutation of a returned account must be
// synchronized against Snapshot by the caller (the coordinator holds its
// operations lock across both).
func (m *Manager) Get(owner order.PlayerID, name string) *Account {
	m.mu.Lock()
	defer m.mu.Unlock()

	if acc, ok := m.accounts[owner]; ok {
		if name != "" {
			acc.Name = name
		}
		return acc
	}

	var acc *Account
	if m.persist != nil {
		loaded, err := m.persist.LoadAccount(owner)
		if err != nil {
			m.log.Warnw("account_load_failed", "owner", owner, "err", err)
		} else {
			acc = loaded
		}
	}
	if acc == nil {
		acc = New(owner, name, m.sellSlots, m.buySlots)
	} else if name != "" {
		acc.Name = name
	}

	m.accounts[owner] = acc
	return acc
}

// Snapshot returns a deep copy of the account, or nil if it does not
// exist yet. It never creates. Safe against concurrent Get/Seed; callers
// must hold the same lock the mutators hold (see Get) for the copy to be
// consistent.
func (m *Manager) Snapshot(owner order.PlayerID) *Account {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if acc, ok := m.accounts[owner]; ok {
		return acc.Clone()
	}
	return nil
}

// Save persists the account if a store is attached.
func (m *Manager) Save(a *Account) error {
	if m.persist == nil {
		return nil
	}
	return m.persist.SaveAccount(a)
}

// Seed installs a loaded account into the cache (startup path).
func (m *Manager) Seed(a *Account) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.accounts[a.Owner] = a
}

// All returns deep copies of every cached account, owner ascending.
func (m *Manager) All() []*Account {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*Account, 0, len(m.accounts))
	for _, acc := range m.accounts {
		out = append(out, acc.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Owner < out[j].Owner })
	return out
}

// Count returns the number of cached accounts.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.accounts)
}
