package subscription

import "time"

// Config tunes the orchestrator and its downgrade worker.
type Config struct {
	// TokenSecret enables stateless signed checkout tokens. When empty,
	// tokens live in Redis if configured, else in process.
	TokenSecret   string        `env:"CHECKOUT_TOKEN_SECRET"`
	TokenTTL      time.Duration `env:"CHECKOUT_TOKEN_TTL" envDefault:"2h"`
	TokenCapacity int           `env:"CHECKOUT_TOKEN_CAPACITY" envDefault:"10000"`

	DowngradeInterval time.Duration `env:"DOWNGRADE_WORKER_INTERVAL" envDefault:"1m"`
	DowngradeBatch    int           `env:"DOWNGRADE_WORKER_BATCH" envDefault:"50"`
}
