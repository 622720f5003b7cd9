package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
)

// Flags are the command-line overrides. Only flags the user actually set
// replace file or environment values.
type Flags struct {
	fs *pflag.FlagSet

	ConfigPath string

	vendorID         uint16
	fabricID         uint64
	storagePath      string
	port             int
	listenAddresses  []string
	logLevel         string
	logFile          string
	logFormat        string
	primaryInterface string
	enableTestNetDCL bool
	bluetoothAdapter int
	disableOTA       bool
	otaProviderDir   string
	disableDashboard bool
	dispatchMode     string
	defaultTimeout   time.Duration
	latency          time.Duration
}


// RegisterFlags adds the server flags to fs.
func RegisterFlags(fs *pflag.FlagSet) *Flags {
	f := &Flags{fs: fs}
	fs.StringVarP(&f.ConfigPath, "config", "c", "", "path to the YAML config file (default: discovered)")
	fs.Uint16Var(&f.vendorID, "vendorid", DefaultVendorID, "vendor ID for the fabric")
	fs.Uint64Var(&f.fabricID, "fabricid", DefaultFabricID, "fabric ID for the fabric")
	fs.StringVar(&f.storagePath, "storage-path", "", "storage directory for the database and lock file")
	fs.IntVar(&f.port, "port", DefaultPort, "TCP port for the WebSocket server")
	fs.StringArrayVar(&f.listenAddresses, "listen-address", nil, "IP address to bind (repeatable; default all interfaces)")
	fs.StringVar(&f.logLevel, "log-level", "info", "log level: critical, error, warning, info, debug, verbose")
	fs.StringVar(&f.logFile, "log-file", "", "append logs to this file instead of stdout")
	fs.StringVar(&f.logFormat, "log-format", "json", "log format: json or text")
	fs.StringVar(&f.primaryInterface, "primary-interface", "", "primary network interface for link-local addresses")
	fs.BoolVar(&f.enableTestNetDCL, "enable-test-net-dcl", false, "use the test-net DCL for certificates")
	fs.IntVar(&f.bluetoothAdapter, "bluetooth-adapter", 0, "bluetooth adapter index used for commissioning")
	fs.BoolVar(&f.disableOTA, "disable-ota", false, "disable OTA provider")
	fs.StringVar(&f.otaProviderDir, "ota-provider-dir", "", "directory for OTA provider files")
	fs.BoolVar(&f.disableDashboard, "disable-dashboard", false, "disable the status page")
	fs.StringVar(&f.dispatchMode, "dispatch-mode", "pipelined", "command dispatch mode: pipelined or serial")
	fs.DurationVar(&f.defaultTimeout, "default-timeout", 60*time.Second, "default command deadline (0 disables)")
	fs.DurationVar(&f.latency, "simulated-latency", 0, "artificial device round-trip time")

	// Accepted for compatibility and ignored.
	fs.String("log-level-sdk", "", "deprecated")
	fs.StringSlice("log-node-ids", nil, "deprecated")
	fs.String("paa-root-cert-dir", "", "deprecated")
	fs.Bool("disable-server-interactions", false, "deprecated")
	for _, name := range []string{"log-level-sdk", "log-node-ids", "paa-root-cert-dir", "disable-server-interactions"} {
		_ = fs.MarkDeprecated(name, "it is accepted for compatibility and ignored")
	}
	return f
}

// Parse parses args into the flag set. Positional arguments are rejected.
func (f *Flags) Parse(args []string) error {
	if err := f.fs.Parse(args); err != nil {
		return err
	}
	if rest := f.fs.Args(); len(rest) > 0 {
		return fmt.Errorf("unexpected arguments: %s", strings.Join(rest, " "))
	}
	return nil
}

// Apply copies every changed flag onto cfg.
func (f *Flags) Apply(cfg *Config) {
	changed := f.fs.Changed
	if changed("vendorid") {
		cfg.Fabric.VendorID = f.vendorID
	}
	if changed("fabricid") {
		cfg.Fabric.FabricID = f.fabricID
	}
	if changed("storage-path") {
		cfg.Fabric.StoragePath = f.storagePath
	}
	if changed("port") {
		cfg.Server.Port = f.port
	}
	if changed("listen-address") {
		cfg.Server.ListenAddresses = f.listenAddresses
	}
	if changed("log-level") {
		cfg.Service.LogLevel = f.logLevel
	}
	if changed("log-file") {
		cfg.Service.LogFile = f.logFile
	}
	if changed("log-format") {
		cfg.Service.LogFormat = f.logFormat
	}
	if changed("primary-interface") {
		cfg.Fabric.PrimaryInterface = f.primaryInterface
	}
	if changed("enable-test-net-dcl") {
		cfg.Fabric.EnableTestNetDCL = f.enableTestNetDCL
	}
	if changed("bluetooth-adapter") {
		adapter := f.bluetoothAdapter
		cfg.Fabric.BluetoothAdapter = &adapter
	}
	if changed("disable-ota") {
		cfg.Fabric.DisableOTA = f.disableOTA
	}
	if changed("ota-provider-dir") {
		cfg.Fabric.OTAProviderDir = f.otaProviderDir
	}
	if changed("disable-dashboard") {
		cfg.Server.DisableDashboard = f.disableDashboard
	}
	if changed("dispatch-mode") {
		cfg.Dispatch.Mode = f.dispatchMode
	}
	if changed("default-timeout") {
		cfg.Dispatch.DefaultTimeout = f.defaultTimeout
	}
	if changed("simulated-latency") {
		cfg.Fabric.Latency = f.latency
	}
}
