package session

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"slices"
	"time"

	"github.com/mattjoyce/fabricgw/internal/auth"
	"github.com/mattjoyce/fabricgw/internal/controller"
)

// Operation is one entry of the closed operation table: the scope it needs,
// its default deadline, how to decode and validate its arguments and how to
// turn the controller's value into a result object.
type Operation struct {
	Name    string
	Scope   string
	Timeout time.Duration

	decode func(json.RawMessage) (any, error)
	shape  func(any) (json.RawMessage, error)
}

// Operations returns the table of supported operations keyed by name.
func Operations() map[string]*Operation {
	ops := []*Operation{
		define[noArgs](controller.OpGetServerInfo, auth.ScopeServer, 0, nil, objectResult),
		define[noArgs](controller.OpStartListening, auth.ScopeNodesRO, 0, nil, listResult("nodes")),
		define[controller.ListNodesRequest](controller.OpGetNodes, auth.ScopeNodesRO, 0, nil, listResult("nodes")),
		define(controller.OpGetNode, auth.ScopeNodesRO, 0, validateNode, objectResult),
		define(controller.OpCommissionWithCode, auth.ScopeFabric, 5*time.Minute, validateCommissionCode, objectResult),
		define(controller.OpCommissionOnNetwork, auth.ScopeFabric, 5*time.Minute, validateCommissionOnNetwork, objectResult),
		define(controller.OpRemoveNode, auth.ScopeFabric, 0, validateNode, objectResult),
		define(controller.OpInterviewNode, auth.ScopeNodesRW, 2*time.Minute, validateNode, objectResult),
		define(controller.OpPingNode, auth.ScopeNodesRO, 0, validateNode, objectResult),
		define(controller.OpReadAttribute, auth.ScopeNodesRO, 0, validateReadAttribute, valueResult),
		define(controller.OpWriteAttribute, auth.ScopeNodesRW, 0, validateWriteAttribute, valueResult),
		define(controller.OpDeviceCommand, auth.ScopeNodesRW, 0, validateDeviceCommand, objectResult),
		define(controller.OpSetWifiCredentials, auth.ScopeFabric, 0, validateWifi, objectResult),
		define(controller.OpSetThreadDataset, auth.ScopeFabric, 0, validateThreadDataset, objectResult),
		define(controller.OpOpenCommissioningWindow, auth.ScopeFabric, 0, validateCommissioningWindow, objectResult),
		define[noArgs](controller.OpDiscoverCommissionableNodes, auth.ScopeNodesRO, 30*time.Second, nil, listResult("nodes")),
	}

	table := make(map[string]*Operation, len(ops))
	for _, op := range ops {
		table[op.Name] = op
	}
	return table
}

// OperationNames lists the supported operations alphabetically.
func OperationNames() []string {
	return slices.Sorted(maps.Keys(Operations()))
}

type noArgs struct{}

func define[A any](name, scope string, timeout time.Duration, validate func(*A) error, shape func(any) (json.RawMessage, error)) *Operation {
	return &Operation{
		Name:    name,
		Scope:   scope,
		Timeout: timeout,
		decode: func(raw json.RawMessage) (any, error) {
			var args A
			if err := decodeArgs(raw, &args); err != nil {
				return nil, err
			}
			if validate != nil {
				if err := validate(&args); err != nil {
					return nil, err
				}
			}
			return args, nil
		},
		shape: shape,
	}
}

// decodeArgs decodes an args object strictly. Missing or null args are
// treated as an empty object.
func decodeArgs(raw json.RawMessage, dst any) error {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		trimmed = []byte("{}")
	}
	if trimmed[0] != '{' {
		return errors.New("args must be an object")
	}

	dec := json.NewDecoder(bytes.NewReader(trimmed))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("decode args: %w", err)
	}
	return nil
}

func requireNode(node uint64) error {
	if node == 0 {
		return errors.New("node is required")
	}
	return nil
}

func validateNode(a *controller.NodeRequest) error {
	return requireNode(a.Node)
}

func validateReadAttribute(a *controller.AttributeRequest) error {
	if err := requireNode(a.Node); err != nil {
		return err
	}
	if a.Attribute == "" {
		return errors.New("attr is required")
	}
	return nil
}

func validateWriteAttribute(a *controller.WriteAttributeRequest) error {
	if err := validateReadAttribute(&a.AttributeRequest); err != nil {
		return err
	}
	if v := bytes.TrimSpace(a.Value); len(v) == 0 || bytes.Equal(v, []byte("null")) {
		return errors.New("value is required")
	}
	return nil
}

func validateDeviceCommand(a *controller.DeviceCommandRequest) error {
	if err := requireNode(a.Node); err != nil {
		return err
	}
	if a.Cluster == "" {
		return errors.New("cluster is required")
	}
	if a.Command == "" {
		return errors.New("command is required")
	}
	return nil
}

func validateCommissionCode(a *controller.CommissionCodeRequest) error {
	if a.Code == "" {
		return errors.New("code is required")
	}
	return nil
}

func validateCommissionOnNetwork(a *controller.CommissionOnNetworkRequest) error {
	if a.SetupPinCode == 0 {
		return errors.New("setupPinCode is required")
	}
	if a.FilterType < 0 || a.FilterType > 5 {
		return fmt.Errorf("filterType %d out of range 0..5", a.FilterType)
	}
	return nil
}

func validateWifi(a *controller.WifiCredentialsRequest) error {
	if a.SSID == "" {
		return errors.New("ssid is required")
	}
	return nil
}

func validateThreadDataset(a *controller.ThreadDatasetRequest) error {
	if a.Dataset == "" {
		return errors.New("dataset is required")
	}
	if _, err := hex.DecodeString(a.Dataset); err != nil {
		return errors.New("dataset must be hex encoded")
	}
	return nil
}

func validateCommissioningWindow(a *controller.CommissioningWindowRequest) error {
	if err := requireNode(a.Node); err != nil {
		return err
	}
	if a.TimeoutS < 0 {
		return errors.New("timeout must not be negative")
	}
	if a.Iteration < 0 {
		return errors.New("iteration must not be negative")
	}
	return nil
}

// valueResult wraps a scalar controller value as {"value": v}.
func valueResult(v any) (json.RawMessage, error) {
	return json.Marshal(map[string]any{"value": v})
}

// listResult wraps a list under key, never emitting null.
func listResult(key string) func(any) (json.RawMessage, error) {
	return func(v any) (json.RawMessage, error) {
		raw, err := json.Marshal(v)
		if err != nil {
			return nil, err
		}
		if bytes.Equal(raw, []byte("null")) {
			raw = []byte("[]")
		}
		return json.Marshal(map[string]json.RawMessage{key: raw})
	}
}

// objectResult passes objects through and wraps anything else as a value.
func objectResult(v any) (json.RawMessage, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	switch {
	case bytes.Equal(raw, []byte("null")):
		return json.RawMessage("{}"), nil
	case len(raw) > 0 && raw[0] == '{':
		return raw, nil
	default:
		return json.Marshal(map[string]json.RawMessage{"value": raw})
	}
}
