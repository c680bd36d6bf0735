package params

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Exchange holds the trading-core tunables. Prices and coin amounts are
// integer coins; quantities are integer units.
type Exchange struct {
	SellSlots      int   // sell slots per account
	BuySlots       int   // buy slots per account
	MinPrice       int64 // lowest accepted price per unit
	MaxPrice       int64 // highest accepted price per unit
	MaxActiveSells int   // account-wide cap on concurrently active sell offers
	MaxOrderQty    int64 // largest quantity a single order may carry

	SellDurationDays   int // lifetime of a posted sell offer
	MaxBuyDurationDays int // upper bound on buy order duration

	// TaxBps is deducted from seller proceeds at release time, floor-rounded.
	TaxBps int64

	// CoinProceedsToCollection routes sale proceeds into the seller's
	// collection box instead of depositing straight to the wallet.
	CoinProceedsToCollection bool

	CollectionPageSize int
	SnapshotPageSize   int
}

// Cooldowns configures the per-action rate limiter. Zero disables a kind.
type Cooldowns struct {
	SellCreate time.Duration
	SellToggle time.Duration
	BuyCreate  time.Duration
	BuyToggle  time.Duration
}

type Node struct {
	DataDir    string
	ListenAddr string
	LogFile    string
}

type Config struct {
	Exchange  Exchange
	Cooldowns Cooldowns
	Node      Node
}

func Default() Config {
	return Config{
		Exchange: Exchange{
			SellSlots:          8,
			BuySlots:           4,
			MinPrice:           1,
			MaxPrice:           1_000_000_000,
			MaxActiveSells:     8,
			MaxOrderQty:        10_000,
			SellDurationDays:   7,
			MaxBuyDurationDays: 30,
			TaxBps:             0,
			CollectionPageSize: 16,
			SnapshotPageSize:   20,
		},
		Cooldowns: Cooldowns{
			SellCreate: 2 * time.Second,
			SellToggle: 1 * time.Second,
			BuyCreate:  2 * time.Second,
			BuyToggle:  1 * time.Second,
		},
		Node: Node{
			DataDir:    "data",
			ListenAddr: ":8080",
			LogFile:    "data/exchanged.log",
		},
	}
}

// LoadFromEnv loads configuration from a .env file (if present) and
// environment variables. Priority: ENV > .env file > defaults.
func LoadFromEnv(envPath string) Config {
	cfg := Default()

	if envPath != "" {
		_ = godotenv.Load(envPath)
	} else {
		_ = godotenv.Load()
	}

	envInt("EXCHANGE_SELL_SLOTS", &cfg.Exchange.SellSlots)
	envInt("EXCHANGE_BUY_SLOTS", &cfg.Exchange.BuySlots)
	envInt64("EXCHANGE_MIN_PRICE", &cfg.Exchange.MinPrice)
	envInt64("EXCHANGE_MAX_PRICE", &cfg.Exchange.MaxPrice)
	envInt("EXCHANGE_MAX_ACTIVE_SELLS", &cfg.Exchange.MaxActiveSells)
	envInt64("EXCHANGE_MAX_ORDER_QTY", &cfg.Exchange.MaxOrderQty)
	envInt("EXCHANGE_SELL_DURATION_DAYS", &cfg.Exchange.SellDurationDays)
	envInt("EXCHANGE_MAX_BUY_DURATION_DAYS", &cfg.Exchange.MaxBuyDurationDays)
	envInt64("EXCHANGE_TAX_BPS", &cfg.Exchange.TaxBps)
	envInt("EXCHANGE_COLLECTION_PAGE_SIZE", &cfg.Exchange.CollectionPageSize)
	envInt("EXCHANGE_SNAPSHOT_PAGE_SIZE", &cfg.Exchange.SnapshotPageSize)
	if v := os.Getenv("EXCHANGE_COIN_PROCEEDS_TO_COLLECTION"); v != "" {
		cfg.Exchange.CoinProceedsToCollection = v == "true"
	}

	envDurationMS("COOLDOWN_SELL_CREATE_MS", &cfg.Cooldowns.SellCreate)
	envDurationMS("COOLDOWN_SELL_TOGGLE_MS", &cfg.Cooldowns.SellToggle)
	envDurationMS("COOLDOWN_BUY_CREATE_MS", &cfg.Cooldowns.BuyCreate)
	envDurationMS("COOLDOWN_BUY_TOGGLE_MS", &cfg.Cooldowns.BuyToggle)

	if v := os.Getenv("DATA_DIR"); v != "" {
		cfg.Node.DataDir = v
	}
	if v := os.Getenv("LISTEN_ADDR"); v != "" {
		cfg.Node.ListenAddr = v
	}
	if v := os.Getenv("LOG_FILE"); v != "" {
		cfg.Node.LogFile = v
	}

	return cfg
}

func envInt(key string, dst *int) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envInt64(key string, dst *int64) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func envDurationMS(key string, dst *time.Duration) {
	if v := os.Getenv(key); v != "" {
		if ms, err := strconv.Atoi(v); err == nil {
			*dst = time.Duration(ms) * time.Millisecond
		}
	}
}
