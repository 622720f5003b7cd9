package fabric

import (
	"fmt"
	"maps"
	"slices"
	"strconv"
	"strings"
	"time"
)

// Node is a commissioned device as the engine tracks it.
type Node struct {
	ID               uint64
	Available        bool
	CommissionedAt   time.Time
	LastInterview    time.Time
	InterviewVersion int
	Endpoints        map[uint16]map[string]any
}

// NodeInfo is the client-facing view of a node. Attribute keys are
// "<endpoint>/<attribute>".
type NodeInfo struct {
	NodeID           uint64         `json:"node_id"`
	Available        bool           `json:"available"`
	DateCommissioned time.Time      `json:"date_commissioned"`
	LastInterview    *time.Time     `json:"last_interview,omitempty"`
	InterviewVersion int            `json:"interview_version"`
	Attributes       map[string]any `json:"attributes"`
}

// Info copies n into its client view.
func (n *Node) Info() NodeInfo {
	info := NodeInfo{
		NodeID:           n.ID,
		Available:        n.Available,
		DateCommissioned: n.CommissionedAt,
		InterviewVersion: n.InterviewVersion,
		Attributes:       make(map[string]any),
	}
	if !n.LastInterview.IsZero() {
		t := n.LastInterview
		info.LastInterview = &t
	}
	for ep, attrs := range n.Endpoints {
		for name, v := range attrs {
			info.Attributes[AttributePath(ep, name)] = v
		}
	}
	return info
}

// AttributePath formats an attribute key.
func AttributePath(endpoint uint16, attr string) string {
	return strconv.FormatUint(uint64(endpoint), 10) + "/" + attr
}

// ParseAttributePath splits "<endpoint>/<attribute>".
func ParseAttributePath(path string) (uint16, string, error) {
	epStr, attr, ok := strings.Cut(path, "/")
	if !ok || attr == "" {
		return 0, "", fmt.Errorf("attribute path %q is not <endpoint>/<attribute>", path)
	}
	ep, err := strconv.ParseUint(epStr, 10, 16)
	if err != nil {
		return 0, "", fmt.Errorf("attribute path %q: bad endpoint: %w", path, err)
	}
	return uint16(ep), attr, nil
}

// findEndpoint returns the lowest endpoint that carries attr.
func (n *Node) findEndpoint(attr string) (uint16, bool) {
	for _, ep := range slices.Sorted(maps.Keys(n.Endpoints)) {
		if _, ok := n.Endpoints[ep][attr]; ok {
			return ep, true
		}
	}
	return 0, false
}

func (n *Node) set(endpoint uint16, attr string, v any) {
	if n.Endpoints == nil {
		n.Endpoints = make(map[uint16]map[string]any)
	}
	if n.Endpoints[endpoint] == nil {
		n.Endpoints[endpoint] = make(map[string]any)
	}
	n.Endpoints[endpoint][attr] = v
}

// newDevice builds the attribute set every simulated device starts with:
// basic information on endpoint 0 and a dimmable light on endpoint 1.
func newDevice(id uint64, vendorID uint16, label string, now time.Time) *Node {
	n := &Node{ID: id, Available: true, CommissionedAt: now, LastInterview: now, InterviewVersion: 1}
	n.set(0, "vendorId", float64(vendorID))
	n.set(0, "vendorName", "fabricgw")
	n.set(0, "productName", "Dimmable Light")
	n.set(0, "nodeLabel", label)
	n.set(0, "softwareVersion", float64(1))
	n.set(1, "onOff", false)
	n.set(1, "currentLevel", float64(254))
	n.set(1, "identifyTime", float64(0))
	return n
}

// sameKind reports whether v may replace old without changing its JSON type.
func sameKind(old, v any) bool {
	switch old.(type) {
	case bool:
		_, ok := v.(bool)
		return ok
	case float64:
		_, ok := v.(float64)
		return ok
	case string:
		_, ok := v.(string)
		return ok
	case nil:
		return true
	default:
		switch v.(type) {
		case bool, float64, string:
			return false
		}
		return true
	}
}
