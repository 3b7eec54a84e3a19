package inventory

import (
	"errors"
	"time"
)

// Config is the licensing API client configuration.
type Config struct {
	BaseURL           string        `env:"LICENSE_API_URL,required"`
	APIKey            string        `env:"LICENSE_API_KEY"`
	AppIDs            []string      `env:"LICENSE_APP_IDS" envSeparator:","`
	SubscriptionType  string        `env:"LICENSE_SUBSCRIPTION_TYPE" envDefault:"license"`
	Timeout           time.Duration `env:"LICENSE_API_TIMEOUT" envDefault:"30s"`
	ConnectTimeout    time.Duration `env:"LICENSE_API_CONNECT_TIMEOUT" envDefault:"15s"`
	CacheTTL          time.Duration `env:"LICENSE_CACHE_TTL" envDefault:"5m"`
	BindAttempts      int           `env:"LICENSE_BIND_ATTEMPTS" envDefault:"3"`
	BindRetryInterval time.Duration `env:"LICENSE_BIND_RETRY_INTERVAL" envDefault:"2s"`
	AliasFile         string        `env:"LICENSE_ALIAS_FILE"`
}

func (c Config) Validate() error {
	if c.BaseURL == "" {
		return errors.New("LICENSE_API_URL is required")
	}
	if c.BindAttempts < 1 {
		return errors.New("LICENSE_BIND_ATTEMPTS must be at least 1")
	}
	return nil
}
