// Package config loads immutable component configuration from the process
// environment. A .env file in the working directory (or the file named by
// SYNTOPIA_ENV_FILE) is read once before the first parse. Parsed values are
// cached per type so every component sees the same snapshot.
package config

import (
	"errors"
	"fmt"
	"os"
	"reflect"
	"sync"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// EnvFileVariable names the variable that overrides the default .env path.
const EnvFileVariable = "SYNTOPIA_ENV_FILE"

// Validator is implemented by configs that check cross-field constraints
// after parsing (for example "either both API credentials or none").
type Validator interface {
	Validate() error
}

var (
	cacheMu sync.Mutex
	cache   = make(map[reflect.Type]any)

	dotenvOnce sync.Once
)

// Load parses environment variables into v according to its `env` tags.
// The first successful parse of a type is cached; later calls copy the
// cached value into v.
//
//	var cfg inventory.Config
//	if err := config.Load(&cfg); err != nil {
//		return err
//	}
func Load[T any](v *T) error {
	if v == nil {
		return ErrNilPointer
	}
	loadDotenv()

	key := reflect.TypeFor[T]()

	cacheMu.Lock()
	defer cacheMu.Unlock()

	if cached, ok := cache[key]; ok {
		*v = cached.(T)
		return nil
	}

	var parsed T
	if err := env.Parse(&parsed); err != nil {
		return errors.Join(ErrParsingConfig, err)
	}
	if val, ok := any(&parsed).(Validator); ok {
		if err := val.Validate(); err != nil {
			return errors.Join(ErrInvalidConfig, err)
		}
	}

	cache[key] = parsed
	*v = parsed
	return nil
}

// MustLoad is Load for configuration the process cannot start without.
func MustLoad[T any](v *T) {
	if err := Load(v); err != nil {
		panic(fmt.Sprintf("config: failed to load %T: %v", *v, err))
	}
}

// Reset drops every cached config. Intended for tests that change the
// environment between loads.
func Reset() {
	cacheMu.Lock()
	defer cacheMu.Unlock()
	cache = make(map[reflect.Type]any)
}

func loadDotenv() {
	dotenvOnce.Do(func() {
		path := os.Getenv(EnvFileVariable)
		if path == "" {
			// Missing .env is normal outside local development.
			_ = godotenv.Load()
			return
		}
		_ = godotenv.Load(path)
	})
}
