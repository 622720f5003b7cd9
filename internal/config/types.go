package config

import (
	"time"

	"github.com/mattjoyce/fabricgw/internal/auth"
)

// Config represents the complete fabricgw configuration.
type Config struct {
	Service   ServiceConfig   `yaml:"service"`
	Server    ServerConfig    `yaml:"server"`
	Auth      AuthConfig      `yaml:"auth"`
	Fabric    FabricConfig    `yaml:"fabric"`
	Dispatch  DispatchConfig  `yaml:"dispatch"`
	Telemetry TelemetryConfig `yaml:"telemetry"`

	// SourceFile is the file the configuration was read from, if any.
	SourceFile string `yaml:"-"`
}

// ServiceConfig defines process-wide settings.
type ServiceConfig struct {
	Name      string `yaml:"name"`
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
	LogFile   string `yaml:"log_file,omitempty"`
}

// ServerConfig defines the WebSocket listener.
type ServerConfig struct {
	// ListenAddresses are host names or IPs; each is bound on Port.
	// Empty means all interfaces.
	ListenAddresses  []string      `yaml:"listen_addresses,omitempty"`
	Port             int           `yaml:"port"`
	Path             string        `yaml:"path"`
	AllowedOrigins   []string      `yaml:"allowed_origins,omitempty"`
	ReadLimit        int64         `yaml:"read_limit"`
	PingInterval     time.Duration `yaml:"ping_interval"`
	WriteTimeout     time.Duration `yaml:"write_timeout"`
	DisableDashboard bool          `yaml:"disable_dashboard"`
}

// AuthConfig defines client authentication.
type AuthConfig struct {
	// APIKey is the legacy single bearer token (full access).
	// Prefer Tokens for scoped access.
	APIKey string             `yaml:"api_key,omitempty"`
	Tokens []auth.TokenConfig `yaml:"tokens,omitempty"`
}

// FabricConfig defines the device fabric the gateway fronts.
type FabricConfig struct {
	VendorID         uint16        `yaml:"vendor_id"`
	FabricID         uint64        `yaml:"fabric_id"`
	Label            string        `yaml:"label"`
	StoragePath      string        `yaml:"storage_path"`
	BluetoothAdapter *int          `yaml:"bluetooth_adapter,omitempty"`
	PrimaryInterface string        `yaml:"primary_interface,omitempty"`
	EnableTestNetDCL bool          `yaml:"enable_test_net_dcl"`
	DisableOTA       bool          `yaml:"disable_ota"`
	OTAProviderDir   string        `yaml:"ota_provider_dir,omitempty"`
	Latency          time.Duration `yaml:"latency,omitempty"`
}

// DispatchConfig defines how commands reach the controller.
type DispatchConfig struct {
	Mode           string                   `yaml:"mode"` // pipelined | serial
	DefaultTimeout time.Duration            `yaml:"default_timeout"`
	Timeouts       map[string]time.Duration `yaml:"timeouts,omitempty"` // per operation; 0 disables
	DrainTimeout   time.Duration            `yaml:"drain_timeout"`
	EventQueue     int                      `yaml:"event_queue"`
	// ResponseBacklog is the number of unsent responses after which a
	// connection is considered stuck and closed.
	ResponseBacklog int `yaml:"response_backlog"`
}

// TelemetryConfig defines OpenTelemetry tracing export.
type TelemetryConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Endpoint    string  `yaml:"endpoint,omitempty"`
	Insecure    bool    `yaml:"insecure"`
	SampleRatio float64 `yaml:"sample_ratio"`
}

const (
	DefaultPort     = 5580
	DefaultVendorID = 0xFFF1
	DefaultFabricID = 1
)

// Defaults returns a Config with the stock settings.
func Defaults() *Config {
	return &Config{
		Service: ServiceConfig{
			Name:      "fabricgw",
			LogLevel:  "info",
			LogFormat: "json",
		},
		Server: ServerConfig{
			Port:         DefaultPort,
			Path:         "/ws",
			ReadLimit:    1 << 20,
			PingInterval: 30 * time.Second,
			WriteTimeout: 10 * time.Second,
		},
		Fabric: FabricConfig{
			VendorID:    DefaultVendorID,
			FabricID:    DefaultFabricID,
			Label:       "fabricgw",
			StoragePath: "~/.fabricgw",
		},
		Dispatch: DispatchConfig{
			Mode:            "pipelined",
			DefaultTimeout:  60 * time.Second,
			DrainTimeout:    10 * time.Second,
			EventQueue:      256,
			ResponseBacklog: 1024,
		},
		Telemetry: TelemetryConfig{
			SampleRatio: 1,
		},
	}
}
