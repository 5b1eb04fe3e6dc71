package stores

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
)

// Config holds SQLite store configuration.
type Config struct {
	// Path is the database file, or ":memory:" for a private in-memory database.
	Path string `validate:"required"`

	// SigningSecret enables HMAC signatures when non-empty.
	SigningSecret string

	// BusyTimeout is how long SQLite waits on a locked database.
	BusyTimeout time.Duration `validate:"gte=0"`
}

// DefaultBusyTimeout is applied when Config.BusyTimeout is zero.
const DefaultBusyTimeout = 5 * time.Second

// Validate checks the configuration.
func (c Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid store config: %w", err)
	}
	return nil
}

// Option configures a SQLiteStore.
type Option func(*SQLiteStore)

// WithLogger sets the store logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(s *SQLiteStore) {
		s.logger = logger.With().Str("component", "state_store").Logger()
	}
}

// WithClock overrides the time source used for record timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *SQLiteStore) {
		if now != nil {
			s.now = now
		}
	}
}
