package config

import (
	"errors"
	"fmt"
	"net"
	"slices"
	"strings"

	"github.com/mattjoyce/fabricgw/internal/auth"
	"github.com/mattjoyce/fabricgw/internal/session"
)

const maxTestVendorID = 0xFFF4

// validate collects every problem in cfg rather than stopping at the first.
func validate(cfg *Config) error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	// Service
	validLogLevels := []string{"critical", "error", "warn", "warning", "info", "debug", "verbose"}
	if !slices.Contains(validLogLevels, strings.ToLower(cfg.Service.LogLevel)) {
		add("service.log_level must be one of: %s (got %q)", strings.Join(validLogLevels, ", "), cfg.Service.LogLevel)
	}
	if cfg.Service.LogFormat != "json" && cfg.Service.LogFormat != "text" {
		add("service.log_format must be json or text (got %q)", cfg.Service.LogFormat)
	}

	// Server
	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		add("server.port must be between 1 and 65535 (got %d)", cfg.Server.Port)
	}
	for _, addr := range cfg.Server.ListenAddresses {
		if strings.Contains(addr, ":") && net.ParseIP(addr) == nil {
			add("server.listen_addresses: %q must be a host or IP without a port", addr)
		}
	}
	if !strings.HasPrefix(cfg.Server.Path, "/") {
		add("server.path must start with / (got %q)", cfg.Server.Path)
	}
	if cfg.Server.ReadLimit <= 0 {
		add("server.read_limit must be positive")
	}
	if cfg.Server.PingInterval < 0 || cfg.Server.WriteTimeout <= 0 {
		add("server.ping_interval must not be negative and server.write_timeout must be positive")
	}

	// Auth
	for i, tok := range cfg.Auth.Tokens {
		if strings.TrimSpace(tok.Token) == "" {
			add("auth.tokens[%d].token is empty", i)
		}
		if len(tok.Scopes) == 0 {
			add("auth.tokens[%d].scopes must not be empty", i)
		}
		for _, scope := range tok.Scopes {
			if !auth.KnownScope(scope) {
				add("auth.tokens[%d]: unknown scope %q", i, scope)
			}
		}
	}

	// Fabric
	if cfg.Fabric.VendorID == 0 || cfg.Fabric.VendorID > maxTestVendorID {
		add("fabric.vendor_id 0x%04X is not a valid vendor id", cfg.Fabric.VendorID)
	}
	if cfg.Fabric.FabricID == 0 {
		add("fabric.fabric_id must not be 0")
	}
	if cfg.Fabric.StoragePath == "" {
		add("fabric.storage_path is required")
	}
	if cfg.Fabric.BluetoothAdapter != nil && *cfg.Fabric.BluetoothAdapter < 0 {
		add("fabric.bluetooth_adapter must not be negative")
	}
	if cfg.Fabric.Latency < 0 {
		add("fabric.latency must not be negative")
	}

	// Dispatch
	switch session.Mode(cfg.Dispatch.Mode) {
	case session.ModePipelined, session.ModeSerial:
	default:
		add("dispatch.mode must be %s or %s (got %q)", session.ModePipelined, session.ModeSerial, cfg.Dispatch.Mode)
	}
	if cfg.Dispatch.DefaultTimeout < 0 {
		add("dispatch.default_timeout must not be negative")
	}
	known := session.OperationNames()
	for name, d := range cfg.Dispatch.Timeouts {
		if !slices.Contains(known, name) {
			add("dispatch.timeouts: unknown operation %q", name)
		}
		if d < 0 {
			add("dispatch.timeouts.%s must not be negative", name)
		}
	}
	if cfg.Dispatch.DrainTimeout < 0 {
		add("dispatch.drain_timeout must not be negative")
	}
	if cfg.Dispatch.EventQueue <= 0 {
		add("dispatch.event_queue must be positive")
	}
	if cfg.Dispatch.ResponseBacklog <= 0 {
		add("dispatch.response_backlog must be positive")
	}

	// Telemetry
	if cfg.Telemetry.Enabled && cfg.Telemetry.Endpoint == "" {
		add("telemetry.endpoint is required when telemetry is enabled")
	}
	if cfg.Telemetry.SampleRatio < 0 || cfg.Telemetry.SampleRatio > 1 {
		add("telemetry.sample_ratio must be between 0 and 1")
	}

	return errors.Join(errs...)
}
