// Package fabric is the in-process device-fabric engine behind the gateway.
// It keeps commissioned nodes and their attributes in SQLite, serializes
// work per node and publishes node and attribute changes as events.
package fabric

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/zeebo/blake3"

	"github.com/mattjoyce/fabricgw/internal/controller"
	"github.com/mattjoyce/fabricgw/internal/log"
)

const (
	// EngineVersion is reported to clients as the SDK version.
	EngineVersion             = "1.4.0"
	SchemaVersion             = 11
	MinSupportedSchemaVersion = 9

	settingRootKey = "root_key"
	settingWifi    = "wifi_credentials"
	settingThread  = "thread_dataset"

	maxTestVendorID = 0xFFF4
)

// Options configure the engine.
type Options struct {
	VendorID         uint16
	FabricID         uint64
	FabricLabel      string
	BluetoothAdapter *int
	EnableTestNetDCL bool
	DisableOTA       bool
	OTAProviderDir   string
	PrimaryInterface string
	// Latency is the simulated device round trip of every node operation.
	Latency     time.Duration
	EventBuffer int
}

// ServerInfo describes the fabric to clients.
type ServerInfo struct {
	FabricID                  uint64 `json:"fabric_id"`
	CompressedFabricID        string `json:"compressed_fabric_id"`
	FabricLabel               string `json:"fabric_label"`
	VendorID                  uint16 `json:"vendor_id"`
	SchemaVersion             int    `json:"schema_version"`
	MinSupportedSchemaVersion int    `json:"min_supported_schema_version"`
	SDKVersion                string `json:"sdk_version"`
	WifiCredentialsSet        bool   `json:"wifi_credentials_set"`
	ThreadCredentialsSet      bool   `json:"thread_credentials_set"`
	BluetoothEnabled          bool   `json:"bluetooth_enabled"`
	OTAEnabled                bool   `json:"ota_enabled"`
}

type handler func(ctx context.Context, args any) (any, error)

// Engine implements controller.Controller.
type Engine struct {
	opts               Options
	store              *Store
	hub                *hub
	handlers           map[string]handler
	compressedFabricID string

	mu        sync.Mutex
	nodes     map[uint64]*Node
	nodeLocks map[uint64]*sync.Mutex
	nextID    uint64
	wifiSet   bool
	threadSet bool

	life   sync.Mutex
	closed bool
	wg     sync.WaitGroup

	logger *slog.Logger
}

var _ controller.Controller = (*Engine)(nil)

// New loads the fabric from db. It fails on invalid identifiers or when the
// store cannot be read.
func New(ctx context.Context, db *sql.DB, opts Options) (*Engine, error) {
	if opts.VendorID == 0 || opts.VendorID > maxTestVendorID {
		return nil, fmt.Errorf("invalid vendor id 0x%04X", opts.VendorID)
	}
	if opts.FabricID == 0 {
		return nil, fmt.Errorf("invalid fabric id 0")
	}
	if opts.FabricLabel == "" {
		opts.FabricLabel = "fabricgw"
	}

	e := &Engine{
		opts:      opts,
		store:     NewStore(db),
		hub:       newHub(opts.EventBuffer),
		nodes:     make(map[uint64]*Node),
		nodeLocks: make(map[uint64]*sync.Mutex),
		nextID:    2,
		logger:    log.WithComponent("fabric"),
	}

	nodes, err := e.store.LoadNodes(ctx)
	if err != nil {
		return nil, fmt.Errorf("load nodes: %w", err)
	}
	for _, n := range nodes {
		e.nodes[n.ID] = n
		if n.ID >= e.nextID {
			e.nextID = n.ID + 1
		}
	}

	rootKey, err := e.rootKey(ctx)
	if err != nil {
		return nil, err
	}
	e.compressedFabricID = compressedFabricID(rootKey, opts.FabricID)

	var discard any
	if e.wifiSet, err = e.store.Setting(ctx, settingWifi, &discard); err != nil {
		return nil, err
	}
	if e.threadSet, err = e.store.Setting(ctx, settingThread, &discard); err != nil {
		return nil, err
	}

	e.handlers = map[string]handler{
		controller.OpGetServerInfo:               untyped(e.getServerInfo),
		controller.OpStartListening:              untyped(e.startListening),
		controller.OpGetNodes:                    typed(e.getNodes),
		controller.OpGetNode:                     typed(e.getNode),
		controller.OpCommissionWithCode:          typed(e.commissionWithCode),
		controller.OpCommissionOnNetwork:         typed(e.commissionOnNetwork),
		controller.OpRemoveNode:                  typed(e.removeNode),
		controller.OpInterviewNode:               typed(e.interviewNode),
		controller.OpPingNode:                    typed(e.pingNode),
		controller.OpReadAttribute:               typed(e.readAttribute),
		controller.OpWriteAttribute:              typed(e.writeAttribute),
		controller.OpDeviceCommand:               typed(e.deviceCommand),
		controller.OpSetWifiCredentials:          typed(e.setWifiCredentials),
		controller.OpSetThreadDataset:            typed(e.setThreadDataset),
		controller.OpOpenCommissioningWindow:     typed(e.openCommissioningWindow),
		controller.OpDiscoverCommissionableNodes: untyped(e.discoverCommissionableNodes),
	}

	e.logger.Info("fabric engine ready",
		"fabric_id", opts.FabricID,
		"compressed_fabric_id", e.compressedFabricID,
		"vendor_id", fmt.Sprintf("0x%04X", opts.VendorID),
		"nodes", len(e.nodes))
	return e, nil
}

func (e *Engine) rootKey(ctx context.Context) ([]byte, error) {
	var keyHex string
	ok, err := e.store.Setting(ctx, settingRootKey, &keyHex)
	if err != nil {
		return nil, err
	}
	if ok {
		key, err := hex.DecodeString(keyHex)
		if err != nil {
			return nil, fmt.Errorf("stored root key is not hex: %w", err)
		}
		return key, nil
	}

	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("generate root key: %w", err)
	}
	if err := e.store.SetSetting(ctx, settingRootKey, hex.EncodeToString(key)); err != nil {
		return nil, err
	}
	return key, nil
}

// compressedFabricID derives the 64-bit fabric identifier shown to clients
// from the root key and fabric id.
func compressedFabricID(rootKey []byte, fabricID uint64) string {
	h := blake3.New()
	_, _ = h.Write(rootKey)
	var id [8]byte
	binary.BigEndian.PutUint64(id[:], fabricID)
	_, _ = h.Write(id[:])
	return hex.EncodeToString(h.Sum(nil)[:8])
}

// Invoke starts op on its own goroutine and returns at once.
func (e *Engine) Invoke(ctx context.Context, op string, args any) <-chan controller.Result {
	h, ok := e.handlers[op]
	if !ok {
		return controller.Done(controller.Result{Err: controller.Errorf(controller.CodeInvalidCommand, "unknown command %q", op)})
	}

	e.life.Lock()
	if e.closed {
		e.life.Unlock()
		return controller.Done(controller.Result{Err: controller.Errorf(controller.CodeStackError, "controller is shut down")})
	}
	e.wg.Add(1)
	e.life.Unlock()

	results := make(chan controller.Result, 1)
	go func() {
		defer e.wg.Done()
		defer func() {
			if rec := recover(); rec != nil {
				e.logger.Error("command panicked", "operation", op, "panic", rec)
				results <- controller.Result{Err: controller.Errorf(controller.CodeUnknown, "%s failed: %v", op, rec)}
			}
		}()
		v, err := h(ctx, args)
		results <- controller.Result{Value: v, Err: err}
	}()
	return results
}

// Subscribe returns the engine event stream.
func (e *Engine) Subscribe() (<-chan controller.Event, func()) {
	return e.hub.subscribe()
}

// Close waits for running commands and ends every subscription. Later
// Invoke calls fail with a stack error.
func (e *Engine) Close() error {
	e.life.Lock()
	if e.closed {
		e.life.Unlock()
		return nil
	}
	e.closed = true
	e.life.Unlock()

	e.wg.Wait()
	e.hub.close()
	e.logger.Info("fabric engine stopped", "events_dropped", e.hub.dropped.Load())
	return nil
}

// ServerInfo returns the current fabric description.
func (e *Engine) ServerInfo() ServerInfo {
	e.mu.Lock()
	defer e.mu.Unlock()
	return ServerInfo{
		FabricID:                  e.opts.FabricID,
		CompressedFabricID:        e.compressedFabricID,
		FabricLabel:               e.opts.FabricLabel,
		VendorID:                  e.opts.VendorID,
		SchemaVersion:             SchemaVersion,
		MinSupportedSchemaVersion: MinSupportedSchemaVersion,
		SDKVersion:                EngineVersion,
		WifiCredentialsSet:        e.wifiSet,
		ThreadCredentialsSet:      e.threadSet,
		BluetoothEnabled:          e.opts.BluetoothAdapter != nil,
		OTAEnabled:                !e.opts.DisableOTA,
	}
}

// NodeCount is the number of commissioned nodes.
func (e *Engine) NodeCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.nodes)
}

func typed[A any](fn func(context.Context, A) (any, error)) handler {
	return func(ctx context.Context, args any) (any, error) {
		switch a := args.(type) {
		case A:
			return fn(ctx, a)
		case *A:
			if a != nil {
				return fn(ctx, *a)
			}
		}
		return nil, controller.Errorf(controller.CodeInvalidArguments, "unexpected arguments %T", args)
	}
}

func untyped(fn func(context.Context) (any, error)) handler {
	return func(ctx context.Context, _ any) (any, error) {
		return fn(ctx)
	}
}

// roundTrip stands in for the radio exchange with a device.
func (e *Engine) roundTrip(ctx context.Context) error {
	if e.opts.Latency <= 0 {
		if ctx.Err() != nil {
			return controller.Errorf(controller.CodeStackError, "operation cancelled")
		}
		return nil
	}
	t := time.NewTimer(e.opts.Latency)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return controller.Errorf(controller.CodeStackError, "operation cancelled")
	}
}

// lockNode serializes work on one node. The returned node is only mutated
// while both the node lock and e.mu are held.
func (e *Engine) lockNode(id uint64) (*Node, func(), error) {
	e.mu.Lock()
	if _, ok := e.nodes[id]; !ok {
		e.mu.Unlock()
		return nil, nil, controller.Errorf(controller.CodeNodeNotExists, "node %d does not exist", id)
	}
	l, ok := e.nodeLocks[id]
	if !ok {
		l = &sync.Mutex{}
		e.nodeLocks[id] = l
	}
	e.mu.Unlock()

	l.Lock()
	e.mu.Lock()
	n, ok := e.nodes[id]
	e.mu.Unlock()
	if !ok {
		l.Unlock()
		return nil, nil, controller.Errorf(controller.CodeNodeNotExists, "node %d does not exist", id)
	}
	return n, l.Unlock, nil
}

func (e *Engine) lockAvailableNode(id uint64) (*Node, func(), error) {
	n, unlock, err := e.lockNode(id)
	if err != nil {
		return nil, nil, err
	}
	if !n.Available {
		unlock()
		return nil, nil, controller.Errorf(controller.CodeNodeNotReady, "node %d is not available", id)
	}
	return n, unlock, nil
}

func (e *Engine) snapshot(onlyAvailable bool) []NodeInfo {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]NodeInfo, 0, len(e.nodes))
	for _, id := range slices.Sorted(maps.Keys(e.nodes)) {
		n := e.nodes[id]
		if onlyAvailable && !n.Available {
			continue
		}
		out = append(out, n.Info())
	}
	return out
}

func (e *Engine) publish(kind string, nodeID uint64, payload any) {
	e.hub.publish(controller.Event{Kind: kind, Subject: fmt.Sprint(nodeID), Payload: payload})
}
