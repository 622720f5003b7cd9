package fabric

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"net"
	"time"

	"github.com/mattjoyce/fabricgw/internal/controller"
)

const (
	defaultWindowTimeout = 300
	minWindowTimeout     = 180
	maxWindowTimeout     = 900
	maxLevel             = 254
)

func stackError(err error) error {
	return controller.Errorf(controller.CodeStackError, "%v", err)
}

func (e *Engine) getServerInfo(context.Context) (any, error) {
	return e.ServerInfo(), nil
}

func (e *Engine) startListening(context.Context) (any, error) {
	return e.snapshot(false), nil
}

func (e *Engine) getNodes(_ context.Context, req controller.ListNodesRequest) (any, error) {
	return e.snapshot(req.OnlyAvailable), nil
}

func (e *Engine) getNode(_ context.Context, req controller.NodeRequest) (any, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	n, ok := e.nodes[req.Node]
	if !ok {
		return nil, controller.Errorf(controller.CodeNodeNotExists, "node %d does not exist", req.Node)
	}
	return n.Info(), nil
}

func (e *Engine) commissionWithCode(ctx context.Context, req controller.CommissionCodeRequest) (any, error) {
	if _, err := ParsePairingCode(req.Code); err != nil {
		return nil, controller.Errorf(controller.CodeNodeCommissionFailed, "invalid pairing code: %v", err)
	}
	if !req.NetworkOnly && e.opts.BluetoothAdapter == nil {
		return nil, controller.Errorf(controller.CodeNodeCommissionFailed, "commissioning over bluetooth needs a bluetooth adapter")
	}
	if err := e.roundTrip(ctx); err != nil {
		return nil, err
	}
	return e.addNode(ctx)
}

func (e *Engine) commissionOnNetwork(ctx context.Context, req controller.CommissionOnNetworkRequest) (any, error) {
	if !ValidPasscode(req.SetupPinCode) {
		return nil, controller.Errorf(controller.CodeNodeCommissionFailed, "invalid setup pin code")
	}
	if req.IPAddress != "" && net.ParseIP(req.IPAddress) == nil {
		return nil, controller.Errorf(controller.CodeInvalidArguments, "invalid ip address %q", req.IPAddress)
	}
	if err := e.roundTrip(ctx); err != nil {
		return nil, err
	}
	return e.addNode(ctx)
}

func (e *Engine) addNode(ctx context.Context) (any, error) {
	e.mu.Lock()
	id := e.nextID
	e.nextID++
	e.mu.Unlock()

	n := newDevice(id, e.opts.VendorID, fmt.Sprintf("node-%d", id), time.Now().UTC())
	if err := e.store.SaveNode(ctx, n); err != nil {
		return nil, stackError(err)
	}

	e.mu.Lock()
	e.nodes[id] = n
	info := n.Info()
	e.mu.Unlock()

	e.logger.Info("node commissioned", "node_id", id)
	e.publish(controller.EventNodeAdded, id, info)
	return info, nil
}

func (e *Engine) removeNode(ctx context.Context, req controller.NodeRequest) (any, error) {
	_, unlock, err := e.lockNode(req.Node)
	if err != nil {
		return nil, err
	}
	defer unlock()

	if err := e.roundTrip(ctx); err != nil {
		return nil, err
	}
	if err := e.store.DeleteNode(ctx, req.Node); err != nil {
		return nil, stackError(err)
	}

	e.mu.Lock()
	delete(e.nodes, req.Node)
	delete(e.nodeLocks, req.Node)
	e.mu.Unlock()

	e.logger.Info("node removed", "node_id", req.Node)
	e.publish(controller.EventNodeRemoved, req.Node, map[string]any{"node_id": req.Node})
	return nil, nil
}

func (e *Engine) interviewNode(ctx context.Context, req controller.NodeRequest) (any, error) {
	n, unlock, err := e.lockAvailableNode(req.Node)
	if err != nil {
		return nil, err
	}
	defer unlock()

	if err := e.roundTrip(ctx); err != nil {
		return nil, controller.Errorf(controller.CodeNodeInterviewFailed, "interview of node %d interrupted", req.Node)
	}

	e.mu.Lock()
	n.LastInterview = time.Now().UTC()
	n.InterviewVersion++
	info := n.Info()
	e.mu.Unlock()

	if err := e.store.SaveNode(ctx, n); err != nil {
		return nil, stackError(err)
	}
	e.publish(controller.EventNodeUpdated, n.ID, info)
	return nil, nil
}

func nodeAddress(id uint64) string {
	return fmt.Sprintf("fd00::%x", id)
}

func (e *Engine) pingNode(ctx context.Context, req controller.NodeRequest) (any, error) {
	n, unlock, err := e.lockNode(req.Node)
	if err != nil {
		return nil, err
	}
	defer unlock()

	if err := e.roundTrip(ctx); err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return map[string]bool{nodeAddress(n.ID): n.Available}, nil
}

// resolve finds the endpoint and current value of an attribute. Callers hold
// e.mu.
func resolve(n *Node, req controller.AttributeRequest) (uint16, any, error) {
	var ep uint16
	if req.Endpoint != nil {
		ep = *req.Endpoint
	} else {
		found, ok := n.findEndpoint(req.Attribute)
		if !ok {
			return 0, nil, controller.Errorf(controller.CodeInvalidArguments, "node %d has no attribute %s", n.ID, req.Attribute)
		}
		ep = found
	}
	v, ok := n.Endpoints[ep][req.Attribute]
	if !ok {
		return 0, nil, controller.Errorf(controller.CodeInvalidArguments, "node %d has no attribute %s", n.ID, AttributePath(ep, req.Attribute))
	}
	return ep, v, nil
}

func (e *Engine) readAttribute(ctx context.Context, req controller.AttributeRequest) (any, error) {
	n, unlock, err := e.lockAvailableNode(req.Node)
	if err != nil {
		return nil, err
	}
	defer unlock()

	if err := e.roundTrip(ctx); err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	_, v, err := resolve(n, req)
	if err != nil {
		return nil, err
	}
	return v, nil
}

func (e *Engine) writeAttribute(ctx context.Context, req controller.WriteAttributeRequest) (any, error) {
	var v any
	if err := json.Unmarshal(req.Value, &v); err != nil {
		return nil, controller.Errorf(controller.CodeInvalidArguments, "value is not valid JSON: %v", err)
	}

	n, unlock, err := e.lockAvailableNode(req.Node)
	if err != nil {
		return nil, err
	}
	defer unlock()

	e.mu.Lock()
	ep, old, err := resolve(n, req.AttributeRequest)
	e.mu.Unlock()
	if err != nil {
		return nil, err
	}
	if !sameKind(old, v) {
		return nil, controller.Errorf(controller.CodeInvalidArguments, "value for %s has the wrong type", AttributePath(ep, req.Attribute))
	}

	if err := e.roundTrip(ctx); err != nil {
		return nil, err
	}
	if err := e.setAttribute(ctx, n, ep, req.Attribute, v); err != nil {
		return nil, err
	}
	return v, nil
}

// setAttribute stores a new value and announces it. Callers hold the node
// lock.
func (e *Engine) setAttribute(ctx context.Context, n *Node, ep uint16, attr string, v any) error {
	e.mu.Lock()
	n.set(ep, attr, v)
	e.mu.Unlock()

	if err := e.store.SaveAttribute(ctx, n.ID, ep, attr, v); err != nil {
		return stackError(err)
	}
	e.publish(controller.EventAttributeUpdated, n.ID, map[string]any{
		"node_id":  n.ID,
		"endpoint": ep,
		"attr":     attr,
		"value":    v,
	})
	return nil
}

func (e *Engine) deviceCommand(ctx context.Context, req controller.DeviceCommandRequest) (any, error) {
	n, unlock, err := e.lockAvailableNode(req.Node)
	if err != nil {
		return nil, err
	}
	defer unlock()

	e.mu.Lock()
	attrs, ok := n.Endpoints[req.Endpoint]
	var onOff bool
	if ok {
		onOff, _ = attrs["onOff"].(bool)
	}
	e.mu.Unlock()
	if !ok {
		return nil, controller.Errorf(controller.CodeInvalidArguments, "node %d has no endpoint %d", n.ID, req.Endpoint)
	}

	invalid := controller.Errorf(controller.CodeInvalidCommand, "unsupported command %s.%s", req.Cluster, req.Command)
	switch req.Cluster {
	case "onOff":
		var next bool
		switch req.Command {
		case "on":
			next = true
		case "off":
			next = false
		case "toggle":
			next = !onOff
		default:
			return nil, invalid
		}
		if err := e.roundTrip(ctx); err != nil {
			return nil, err
		}
		return nil, e.setAttribute(ctx, n, req.Endpoint, "onOff", next)

	case "levelControl":
		if req.Command != "moveToLevel" && req.Command != "moveToLevelWithOnOff" {
			return nil, invalid
		}
		level, ok := req.Payload["level"].(float64)
		if !ok || level < 0 || level > maxLevel || level != float64(int(level)) {
			return nil, controller.Errorf(controller.CodeInvalidArguments, "level must be an integer between 0 and %d", maxLevel)
		}
		if err := e.roundTrip(ctx); err != nil {
			return nil, err
		}
		if err := e.setAttribute(ctx, n, req.Endpoint, "currentLevel", level); err != nil {
			return nil, err
		}
		if req.Command == "moveToLevelWithOnOff" {
			return nil, e.setAttribute(ctx, n, req.Endpoint, "onOff", level > 0)
		}
		return nil, nil

	case "identify":
		if req.Command != "identify" {
			return nil, invalid
		}
		seconds, _ := req.Payload["identifyTime"].(float64)
		if seconds < 0 {
			return nil, controller.Errorf(controller.CodeInvalidArguments, "identifyTime must not be negative")
		}
		if err := e.roundTrip(ctx); err != nil {
			return nil, err
		}
		if err := e.setAttribute(ctx, n, req.Endpoint, "identifyTime", seconds); err != nil {
			return nil, err
		}
		e.publish(controller.EventNodeEvent, n.ID, map[string]any{
			"node_id":  n.ID,
			"endpoint": req.Endpoint,
			"cluster":  req.Cluster,
			"event":    "identify",
			"data":     req.Payload,
		})
		return nil, nil
	}
	return nil, invalid
}

func (e *Engine) setWifiCredentials(ctx context.Context, req controller.WifiCredentialsRequest) (any, error) {
	if err := e.store.SetSetting(ctx, settingWifi, req); err != nil {
		return nil, stackError(err)
	}
	e.mu.Lock()
	e.wifiSet = true
	e.mu.Unlock()
	return nil, nil
}

func (e *Engine) setThreadDataset(ctx context.Context, req controller.ThreadDatasetRequest) (any, error) {
	if err := e.store.SetSetting(ctx, settingThread, req.Dataset); err != nil {
		return nil, stackError(err)
	}
	e.mu.Lock()
	e.threadSet = true
	e.mu.Unlock()
	return nil, nil
}

func (e *Engine) openCommissioningWindow(ctx context.Context, req controller.CommissioningWindowRequest) (any, error) {
	timeout := req.TimeoutS
	if timeout == 0 {
		timeout = defaultWindowTimeout
	}
	if timeout < minWindowTimeout || timeout > maxWindowTimeout {
		return nil, controller.Errorf(controller.CodeInvalidArguments, "timeout must be between %d and %d seconds", minWindowTimeout, maxWindowTimeout)
	}

	_, unlock, err := e.lockAvailableNode(req.Node)
	if err != nil {
		return nil, err
	}
	defer unlock()

	passcode, discriminator, err := randomSetup()
	if err != nil {
		return nil, stackError(err)
	}
	if err := e.roundTrip(ctx); err != nil {
		return nil, err
	}
	return map[string]any{
		"setup_pin_code":    passcode,
		"setup_manual_code": ManualCode(passcode, discriminator),
		"timeout":           timeout,
	}, nil
}

// randomSetup picks a valid passcode and a 12-bit discriminator.
func randomSetup() (uint32, uint16, error) {
	var b [6]byte
	for {
		if _, err := rand.Read(b[:]); err != nil {
			return 0, 0, fmt.Errorf("read random: %w", err)
		}
		passcode := binary.BigEndian.Uint32(b[:4])%99999998 + 1
		if ValidPasscode(passcode) {
			return passcode, binary.BigEndian.Uint16(b[4:]) & 0xFFF, nil
		}
	}
}

func (e *Engine) discoverCommissionableNodes(ctx context.Context) (any, error) {
	if err := e.roundTrip(ctx); err != nil {
		return nil, err
	}
	return []NodeInfo{}, nil
}
