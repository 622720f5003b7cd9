package controller

import "encoding/json"

// Typed arguments for each engine operation. The session layer decodes and
// validates client JSON into these before calling Invoke.

// NodeRequest addresses a single node.
type NodeRequest struct {
	Node uint64 `json:"node"`
}

// ListNodesRequest filters getNodes.
type ListNodesRequest struct {
	OnlyAvailable bool `json:"onlyAvailable"`
}

// CommissionCodeRequest commissions a device from a QR or manual pairing code.
type CommissionCodeRequest struct {
	Code        string `json:"code"`
	NetworkOnly bool   `json:"networkOnly"`
}

// CommissionOnNetworkRequest commissions a device already on the IP network.
type CommissionOnNetworkRequest struct {
	SetupPinCode uint32 `json:"setupPinCode"`
	FilterType   int    `json:"filterType"`
	Filter       string `json:"filter"`
	IPAddress    string `json:"ipAddress"`
}

// AttributeRequest reads one attribute. A nil Endpoint means "the first
// endpoint that has the attribute".
type AttributeRequest struct {
	Node      uint64  `json:"node"`
	Endpoint  *uint16 `json:"endpoint,omitempty"`
	Attribute string  `json:"attr"`
}

// WriteAttributeRequest writes one attribute.
type WriteAttributeRequest struct {
	AttributeRequest
	Value json.RawMessage `json:"value"`
}

// DeviceCommandRequest invokes a cluster command on a node endpoint.
type DeviceCommandRequest struct {
	Node     uint64         `json:"node"`
	Endpoint uint16         `json:"endpoint"`
	Cluster  string         `json:"cluster"`
	Command  string         `json:"command"`
	Payload  map[string]any `json:"payload,omitempty"`
}

// WifiCredentialsRequest stores the credentials handed to new devices.
type WifiCredentialsRequest struct {
	SSID        string `json:"ssid"`
	Credentials string `json:"credentials"`
}

// ThreadDatasetRequest stores the Thread operational dataset (hex).
type ThreadDatasetRequest struct {
	Dataset string `json:"dataset"`
}

// CommissioningWindowRequest opens a commissioning window on a node.
type CommissioningWindowRequest struct {
	Node      uint64 `json:"node"`
	TimeoutS  int    `json:"timeout"`
	Iteration int    `json:"iteration"`
}
