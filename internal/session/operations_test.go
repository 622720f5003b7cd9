package session

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/fabricgw/internal/controller"
)

func TestOperationsDecode(t *testing.T) {
	ops := Operations()

	tests := []struct {
		name    string
		op      string
		args    string
		want    any
		wantErr string
	}{
		{
			name: "read attribute",
			op:   controller.OpReadAttribute,
			args: `{"node":5,"attr":"onOff"}`,
			want: controller.AttributeRequest{Node: 5, Attribute: "onOff"},
		},
		{name: "read attribute missing node", op: controller.OpReadAttribute, args: `{"attr":"onOff"}`, wantErr: "node is required"},
		{name: "read attribute missing attr", op: controller.OpReadAttribute, args: `{"node":5}`, wantErr: "attr is required"},
		{name: "wrong type", op: controller.OpReadAttribute, args: `{"node":"five","attr":"onOff"}`, wantErr: "decode args"},
		{name: "unknown field", op: controller.OpGetNode, args: `{"node":1,"extra":true}`, wantErr: "unknown field"},
		{name: "args not an object", op: controller.OpGetNode, args: `[1]`, wantErr: "args must be an object"},
		{name: "null args", op: controller.OpGetServerInfo, args: `null`, want: noArgs{}},
		{name: "missing args", op: controller.OpGetNodes, args: ``, want: controller.ListNodesRequest{}},
		{name: "write needs value", op: controller.OpWriteAttribute, args: `{"node":1,"attr":"onOff"}`, wantErr: "value is required"},
		{name: "write null value", op: controller.OpWriteAttribute, args: `{"node":1,"attr":"onOff","value":null}`, wantErr: "value is required"},
		{
			name: "write false value",
			op:   controller.OpWriteAttribute,
			args: `{"node":1,"attr":"onOff","value":false}`,
			want: controller.WriteAttributeRequest{AttributeRequest: controller.AttributeRequest{Node: 1, Attribute: "onOff"}, Value: json.RawMessage(`false`)},
		},
		{name: "thread dataset hex", op: controller.OpSetThreadDataset, args: `{"dataset":"zz"}`, wantErr: "hex"},
		{name: "device command", op: controller.OpDeviceCommand, args: `{"node":1,"endpoint":1,"cluster":"onOff"}`, wantErr: "command is required"},
		{name: "commission filter range", op: controller.OpCommissionOnNetwork, args: `{"setupPinCode":20202021,"filterType":9}`, wantErr: "filterType"},
		{name: "window negative", op: controller.OpOpenCommissioningWindow, args: `{"node":1,"timeout":-1}`, wantErr: "negative"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			op, ok := ops[tt.op]
			require.True(t, ok)
			got, err := op.decode(json.RawMessage(tt.args))
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestOperationsShape(t *testing.T) {
	ops := Operations()

	raw, err := ops[controller.OpReadAttribute].shape(true)
	require.NoError(t, err)
	assert.JSONEq(t, `{"value":true}`, string(raw))

	raw, err = ops[controller.OpGetNodes].shape(nil)
	require.NoError(t, err)
	assert.JSONEq(t, `{"nodes":[]}`, string(raw))

	raw, err = ops[controller.OpGetNode].shape(map[string]any{"node_id": 1})
	require.NoError(t, err)
	assert.JSONEq(t, `{"node_id":1}`, string(raw))

	raw, err = ops[controller.OpPingNode].shape(true)
	require.NoError(t, err)
	assert.JSONEq(t, `{"value":true}`, string(raw))

	raw, err = ops[controller.OpRemoveNode].shape(nil)
	require.NoError(t, err)
	assert.JSONEq(t, `{}`, string(raw))

	_, err = ops[controller.OpGetNode].shape(make(chan int))
	assert.Error(t, err)
}

func TestOperationNamesSorted(t *testing.T) {
	names := OperationNames()
	assert.Len(t, names, 16)
	assert.IsIncreasing(t, names)
	assert.Contains(t, names, controller.OpReadAttribute)
}
