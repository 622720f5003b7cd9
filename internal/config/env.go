package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "FABRICGW_"

// envOverrides holds raw environment values. Nil fields were not set.
type envOverrides struct {
	LogLevel        *string        `env:"LOG_LEVEL"`
	LogFormat       *string        `env:"LOG_FORMAT"`
	LogFile         *string        `env:"LOG_FILE"`
	ListenAddresses []string       `env:"LISTEN_ADDRESSES" envSeparator:","`
	Port            *int           `env:"PORT"`
	AllowedOrigins  []string       `env:"ALLOWED_ORIGINS" envSeparator:","`
	APIKey          *string        `env:"API_KEY"`
	VendorID        *uint16        `env:"VENDOR_ID"`
	FabricID        *uint64        `env:"FABRIC_ID"`
	StoragePath     *string        `env:"STORAGE_PATH"`
	DispatchMode    *string        `env:"DISPATCH_MODE"`
	DefaultTimeout  *time.Duration `env:"DEFAULT_TIMEOUT"`
	DrainTimeout    *time.Duration `env:"DRAIN_TIMEOUT"`
	OTelEndpoint    *string        `env:"OTEL_ENDPOINT"`
}

// applyEnv overlays FABRICGW_* environment variables onto cfg.
func applyEnv(cfg *Config) error {
	var raw envOverrides
	if err := env.ParseWithOptions(&raw, env.Options{Prefix: EnvPrefix}); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}

	setString(&cfg.Service.LogLevel, raw.LogLevel)
	setString(&cfg.Service.LogFormat, raw.LogFormat)
	setString(&cfg.Service.LogFile, raw.LogFile)
	if len(raw.ListenAddresses) > 0 {
		cfg.Server.ListenAddresses = trimCSV(raw.ListenAddresses)
	}
	if raw.Port != nil {
		cfg.Server.Port = *raw.Port
	}
	if len(raw.AllowedOrigins) > 0 {
		cfg.Server.AllowedOrigins = trimCSV(raw.AllowedOrigins)
	}
	setString(&cfg.Auth.APIKey, raw.APIKey)
	if raw.VendorID != nil {
		cfg.Fabric.VendorID = *raw.VendorID
	}
	if raw.FabricID != nil {
		cfg.Fabric.FabricID = *raw.FabricID
	}
	setString(&cfg.Fabric.StoragePath, raw.StoragePath)
	setString(&cfg.Dispatch.Mode, raw.DispatchMode)
	if raw.DefaultTimeout != nil {
		cfg.Dispatch.DefaultTimeout = *raw.DefaultTimeout
	}
	if raw.DrainTimeout != nil {
		cfg.Dispatch.DrainTimeout = *raw.DrainTimeout
	}
	if raw.OTelEndpoint != nil {
		cfg.Telemetry.Endpoint = *raw.OTelEndpoint
		cfg.Telemetry.Enabled = *raw.OTelEndpoint != ""
	}
	return nil
}

func setString(dst *string, v *string) {
	if v != nil {
		*dst = *v
	}
}

// trimCSV removes empty entries from a string slice.
func trimCSV(values []string) []string {
	out := values[:0:0]
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}
