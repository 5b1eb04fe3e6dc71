package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/swarmlite/swarmlite/pkg/engine"
)

// Environment variables read by LoadSettings.
const (
	EnvDatabasePath    = "SWARMLITE_DB_PATH"
	EnvGovernancePath  = "GOVERNANCE_CONFIG_PATH"
	EnvAuditSecretKey  = "AUDIT_SECRET_KEY"
	EnvDBEncryptionKey = "DB_ENCRYPTION_KEY"
	EnvLogLevel        = "LOG_LEVEL"
	EnvLogFormat       = "LOG_FORMAT"
	EnvParallelism     = "SWARMLITE_PARALLELISM"
)

// Settings holds process-level configuration.
type Settings struct {
	DatabasePath   string `validate:"required"`
	GovernancePath string `validate:"required"`

	// AuditSecretKey signs state records. Empty disables signing unless
	// RequireSignatures is set.
	AuditSecretKey    string `validate:"omitempty,min=32"`
	RequireSignatures bool

	// DBEncryptionKey is validated for length only. The SQLite store does not
	// encrypt and nothing reads the key after validation.
	DBEncryptionKey string `validate:"omitempty,min=32"`

	LogLevel  string `validate:"oneof=trace debug info warn error"`
	LogFormat string `validate:"oneof=json console"`

	MetricsAddr     string
	TracingExporter string `validate:"oneof=none stdout otlp"`
	OTLPEndpoint    string `validate:"required_if=TracingExporter otlp"`

	Parallelism int `validate:"min=1"`
}

// DefaultSettings returns the settings used when nothing is configured.
func DefaultSettings() *Settings {
	return &Settings{
		DatabasePath:    "swarmlite.db",
		GovernancePath:  "config/governance.yaml",
		LogLevel:        "info",
		LogFormat:       "json",
		TracingExporter: "none",
		Parallelism:     1,
	}
}

// LoadSettings reads settings from the process environment and validates them.
func LoadSettings() (*Settings, error) {
	return LoadSettingsFrom(os.LookupEnv)
}

// LoadSettingsFrom reads settings through lookup, which has the signature of
// os.LookupEnv.
func LoadSettingsFrom(lookup func(string) (string, bool)) (*Settings, error) {
	s := DefaultSettings()

	if v, ok := lookup(EnvDatabasePath); ok && v != "" {
		s.DatabasePath = v
	}
	if v, ok := lookup(EnvGovernancePath); ok && v != "" {
		s.GovernancePath = v
	}
	if v, ok := lookup(EnvAuditSecretKey); ok {
		s.AuditSecretKey = v
	}
	if v, ok := lookup(EnvDBEncryptionKey); ok {
		s.DBEncryptionKey = v
	}
	if v, ok := lookup(EnvLogLevel); ok && v != "" {
		s.LogLevel = strings.ToLower(v)
	}
	if v, ok := lookup(EnvLogFormat); ok && v != "" {
		s.LogFormat = strings.ToLower(v)
	}
	if v, ok := lookup(EnvParallelism); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, engine.NewConfigurationError(fmt.Sprintf("%s must be an integer", EnvParallelism), err)
		}
		s.Parallelism = n
	}

	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

// Validate checks the settings. Flags applied after loading should be
// followed by another Validate call.
func (s *Settings) Validate() error {
	if err := validator.New().Struct(s); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return engine.NewConfigurationError(describeSetting(verrs[0]), err)
		}
		return engine.NewConfigurationError("invalid settings", err)
	}
	if s.RequireSignatures && s.AuditSecretKey == "" {
		return engine.NewConfigurationError(fmt.Sprintf("%s is required when signatures are required", EnvAuditSecretKey), nil)
	}
	return nil
}

func describeSetting(fe validator.FieldError) string {
	switch fe.Field() {
	case "AuditSecretKey":
		return fmt.Sprintf("%s must be at least 32 characters long", EnvAuditSecretKey)
	case "DBEncryptionKey":
		return fmt.Sprintf("%s must be at least 32 characters long", EnvDBEncryptionKey)
	case "OTLPEndpoint":
		return "otlp tracing requires an endpoint"
	default:
		return fmt.Sprintf("invalid setting %s: failed %s check", fe.Field(), fe.Tag())
	}
}
