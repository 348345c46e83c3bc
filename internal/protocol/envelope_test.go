package protocol

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anstrom/scanlink/internal/errors"
)

func TestDecode(t *testing.T) {
	tests := []struct {
		name  string
		frame string
		check func(t *testing.T, msg Message)
	}{
		{
			name:  "request",
			frame: `{"type":"request","action":"scan.start","params":{"subnet":"10.0.0.0/24"},"id":"1-1"}`,
			check: func(t *testing.T, msg Message) {
				req, ok := msg.(*Request)
				require.True(t, ok)
				assert.Equal(t, "scan.start", req.Action)
				assert.Equal(t, "1-1", req.ID)
				assert.JSONEq(t, `{"subnet":"10.0.0.0/24"}`, string(req.Params))
			},
		},
		{
			name:  "response",
			frame: `{"type":"response","action":"app.info","data":{"version":"1.2.0"},"success":true,"id":"2-9"}`,
			check: func(t *testing.T, msg Message) {
				resp, ok := msg.(*Response)
				require.True(t, ok)
				assert.True(t, resp.Success)
				assert.Equal(t, "2-9", resp.ID)

				var info struct {
					Version string `json:"version"`
				}
				require.NoError(t, resp.Decode(&info))
				assert.Equal(t, "1.2.0", info.Version)
			},
		},
		{
			name:  "error",
			frame: `{"type":"error","action":"scan.start","error":"invalid subnet","detail":"10.0.0.0/33","id":"3-1"}`,
			check: func(t *testing.T, msg Message) {
				em, ok := msg.(*ErrorMessage)
				require.True(t, ok)
				assert.Equal(t, "invalid subnet", em.Error)
				assert.Equal(t, "10.0.0.0/33", em.Detail)
				assert.Equal(t, "3-1", em.ID)
			},
		},
		{
			name:  "error without id",
			frame: `{"type":"error","error":"bad frame"}`,
			check: func(t *testing.T, msg Message) {
				em, ok := msg.(*ErrorMessage)
				require.True(t, ok)
				assert.Empty(t, em.ID)
			},
		},
		{
			name:  "event",
			frame: `{"type":"event","event":"scan.update","data":{"devices":[]}}`,
			check: func(t *testing.T, msg Message) {
				ev, ok := msg.(*Event)
				require.True(t, ok)
				assert.Equal(t, "scan.update", ev.Event)
				assert.Equal(t, TypeEvent, ev.Kind())
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, err := Decode([]byte(tt.frame))
			require.NoError(t, err)
			tt.check(t, msg)
		})
	}
}

func TestDecodeMalformed(t *testing.T) {
	frames := map[string]string{
		"not json":             `{"type":`,
		"missing type":         `{"action":"x"}`,
		"unknown type":         `{"type":"broadcast"}`,
		"request no action":    `{"type":"request"}`,
		"event no name":        `{"type":"event","data":{}}`,
		"mismatched field":     `{"type":"response","success":"yes"}`,
		"array instead of obj": `[1,2,3]`,
	}

	for name, frame := range frames {
		t.Run(name, func(t *testing.T) {
			msg, err := Decode([]byte(frame))
			assert.Nil(t, msg)
			require.Error(t, err)
			assert.True(t, errors.IsCode(err, errors.CodeProtocol), "expected protocol error, got %v", err)
		})
	}
}

func TestEncodeStampsType(t *testing.T) {
	req := &Request{Action: ActionSubnetList, ID: "1"}
	data, err := Encode(req)
	require.NoError(t, err)

	var raw map[string]any
	require.NoError(t, json.Unmarshal(data, &raw))
	assert.Equal(t, "request", raw["type"])
	assert.NotContains(t, raw, "params")

	ev, err := NewEvent(EventScanComplete, map[string]any{"devices": []any{}})
	require.NoError(t, err)
	ev.Type = ""
	data, err = Encode(ev)
	require.NoError(t, err)

	decoded, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, TypeEvent, decoded.Kind())
}

func TestNewResponseAndError(t *testing.T) {
	req, err := NewRequest(ActionAppInfo, nil, "5-100")
	require.NoError(t, err)
	assert.Nil(t, req.Params)

	resp, err := NewResponse(req, map[string]string{"name": "scanlink"})
	require.NoError(t, err)
	assert.Equal(t, req.ID, resp.ID)
	assert.Equal(t, req.Action, resp.Action)
	assert.True(t, resp.Success)

	em := NewErrorMessage(req, "boom", "detail")
	assert.Equal(t, req.ID, em.ID)
	assert.Equal(t, TypeError, em.Kind())
}

func TestResponseDecodeEmpty(t *testing.T) {
	var out map[string]any
	assert.NoError(t, (&Response{}).Decode(&out))
	assert.NoError(t, (&Response{Data: json.RawMessage("null")}).Decode(&out))
	assert.Error(t, (&Response{Action: "a", Data: json.RawMessage(`"text"`)}).Decode(&out))
}

func TestScanEventSuffix(t *testing.T) {
	suffix, ok := ScanEventSuffix(EventScanDelta)
	assert.True(t, ok)
	assert.Equal(t, "delta", suffix)

	_, ok = ScanEventSuffix(EventConnectionEstablished)
	assert.False(t, ok)
}
