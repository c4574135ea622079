package action

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"zigbee-actions/internal/zcl"
)

func decodeAndNormalize(t *testing.T, args map[string]any) error {
	t.Helper()
	req, err := DecodeRawRequest(args)
	if err != nil {
		return err
	}
	_, err = NewNormalizer(testRegistry(t)).Normalize(req)
	return err
}

// jsonArgs parses a request the way the transports do.
func jsonArgs(t *testing.T, s string) map[string]any {
	t.Helper()
	var m map[string]any
	require.NoError(t, json.Unmarshal([]byte(s), &m))
	return m
}

func TestNormalizeScenarioDMissingCommandKey(t *testing.T) {
	err := decodeAndNormalize(t, jsonArgs(t, `{
		"network_address": 4660, "dst_endpoint": 1, "cluster_key": "genOnOff",
		"zcl": {"frame_type": 1, "payload": {}}
	}`))
	assert.ErrorIs(t, err, ErrMalformedRequest)
	assert.ErrorContains(t, err, "command_key")
}

func TestNormalizeBodyExclusivity(t *testing.T) {
	base := func() map[string]any {
		return map[string]any{"network_address": float64(0x1234), "dst_endpoint": float64(1)}
	}
	zdo := []any{float64(0x1234), false}
	zclBody := map[string]any{"command_key": "toggle"}

	for _, tt := range []struct {
		name    string
		withZDO bool
		withZCL bool
	}{
		{"neither", false, false},
		{"zdo only", true, false},
		{"zcl only", false, true},
		{"both", true, true},
	} {
		t.Run(tt.name, func(t *testing.T) {
			args := base()
			if tt.withZDO {
				args["zdo_params"] = zdo
				args["cluster_key"] = float64(0x0021)
			} else {
				args["cluster_key"] = "genOnOff"
			}
			if tt.withZCL {
				args["zcl"] = zclBody
			}
			err := decodeAndNormalize(t, args)
			if tt.withZDO == tt.withZCL {
				assert.ErrorIs(t, err, ErrMalformedRequest)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestNormalizeExplicitNullIsAbsent(t *testing.T) {
	err := decodeAndNormalize(t, jsonArgs(t, `{
		"network_address": 1, "dst_endpoint": 1, "cluster_key": "genOnOff",
		"zdo_params": null, "zcl": {"command_key": "on"}
	}`))
	assert.NoError(t, err)
}

func TestNormalizeDefaults(t *testing.T) {
	req, err := DecodeRawRequest(jsonArgs(t, `{
		"ieee_address": "0x00124b0012345678", "dst_endpoint": 11, "cluster_key": "genOnOff",
		"zcl": {"command_key": "toggle"}
	}`))
	require.NoError(t, err)
	cmd, err := NewNormalizer(testRegistry(t)).Normalize(req)
	require.NoError(t, err)

	assert.Equal(t, "0x00124b0012345678", cmd.IEEEAddress)
	assert.Equal(t, uint8(11), *cmd.DstEndpoint)
	assert.Equal(t, zcl.EndpointHA, cmd.SrcEndpoint)
	assert.False(t, cmd.InterPAN)
	assert.Equal(t, zcl.ProfileHA, cmd.ProfileID)
	assert.False(t, cmd.DisableResponse)
	assert.Equal(t, DefaultTimeoutMS, cmd.TimeoutMS)
	require.NotNil(t, cmd.ZCL)
	assert.Equal(t, uint8(0), cmd.ZCL.TSN)
	assert.Equal(t, zcl.FrameTypeGlobal, cmd.ZCL.FrameType)
	assert.Nil(t, cmd.ZCL.ManufacturerCode)
	assert.Nil(t, cmd.Custom, "standard clusters carry no schema")
	assert.Nil(t, cmd.ZCL.Encoded)
}

func TestNormalizeExplicitValues(t *testing.T) {
	req, err := DecodeRawRequest(jsonArgs(t, `{
		"group_id": 5, "dst_endpoint": 242, "src_endpoint": 2, "interpan": true,
		"profile_id": 49246, "cluster_key": 6, "disable_response": true, "timeout": 2500,
		"zcl": {"frame_type": 1, "direction": 1, "disable_default_response": true,
			"manufacturer_code": 4107, "tsn": 9, "command_key": "on",
			"payload": [{"a": 1}, {"b": 2}]}
	}`))
	require.NoError(t, err)
	cmd, err := NewNormalizer(testRegistry(t)).Normalize(req)
	require.NoError(t, err)

	assert.Equal(t, uint16(5), *cmd.GroupID)
	assert.Equal(t, uint8(2), cmd.SrcEndpoint)
	assert.True(t, cmd.InterPAN)
	assert.Equal(t, uint16(0xC05E), cmd.ProfileID)
	assert.Equal(t, uint16(6), cmd.ClusterKey.ID)
	assert.True(t, cmd.DisableResponse)
	assert.Equal(t, uint32(2500), cmd.TimeoutMS)
	assert.Equal(t, uint8(1), cmd.ZCL.FrameType)
	assert.Equal(t, uint8(1), cmd.ZCL.Direction)
	assert.True(t, cmd.ZCL.DisableDefaultResponse)
	assert.Equal(t, uint16(0x100B), *cmd.ZCL.ManufacturerCode)
	assert.Equal(t, uint8(9), cmd.ZCL.TSN)
	assert.Len(t, cmd.ZCL.Payload, 2)
}

func TestNormalizeZDO(t *testing.T) {
	req, err := DecodeRawRequest(jsonArgs(t, `{
		"network_address": 0, "dst_endpoint": 0, "cluster_key": 49,
		"zdo_params": [0]
	}`))
	require.NoError(t, err)
	cmd, err := NewNormalizer(testRegistry(t)).Normalize(req)
	require.NoError(t, err)
	assert.True(t, cmd.IsZDO())
	assert.Equal(t, []any{float64(0)}, cmd.ZDOParams)
	assert.Equal(t, uint16(49), cmd.ClusterKey.ID)
}

func TestNormalizeRejects(t *testing.T) {
	tests := []struct {
		name string
		args string
	}{
		{"zdo with string cluster key", `{"network_address": 1, "dst_endpoint": 1, "cluster_key": "genOnOff", "zdo_params": []}`},
		{"missing cluster key", `{"network_address": 1, "dst_endpoint": 1, "zcl": {"command_key": "on"}}`},
		{"empty cluster key", `{"network_address": 1, "dst_endpoint": 1, "cluster_key": "", "zcl": {"command_key": "on"}}`},
		{"missing dst endpoint", `{"network_address": 1, "cluster_key": "genOnOff", "zcl": {"command_key": "on"}}`},
		{"string network address", `{"network_address": "0x1234", "dst_endpoint": 1, "cluster_key": "genOnOff", "zcl": {"command_key": "on"}}`},
		{"fractional endpoint", `{"network_address": 1, "dst_endpoint": 1.5, "cluster_key": "genOnOff", "zcl": {"command_key": "on"}}`},
		{"endpoint overflow", `{"network_address": 1, "dst_endpoint": 256, "cluster_key": "genOnOff", "zcl": {"command_key": "on"}}`},
		{"negative timeout", `{"network_address": 1, "dst_endpoint": 1, "cluster_key": "genOnOff", "timeout": -1, "zcl": {"command_key": "on"}}`},
		{"string tsn", `{"network_address": 1, "dst_endpoint": 1, "cluster_key": "genOnOff", "zcl": {"command_key": "on", "tsn": "1"}}`},
		{"bool profile", `{"network_address": 1, "dst_endpoint": 1, "profile_id": true, "cluster_key": "genOnOff", "zcl": {"command_key": "on"}}`},
		{"string interpan", `{"network_address": 1, "dst_endpoint": 1, "interpan": "yes", "cluster_key": "genOnOff", "zcl": {"command_key": "on"}}`},
		{"zdo params not array", `{"network_address": 1, "dst_endpoint": 1, "cluster_key": 5, "zdo_params": 3}`},
		{"zcl not object", `{"network_address": 1, "dst_endpoint": 1, "cluster_key": "genOnOff", "zcl": "on"}`},
		{"payload scalar", `{"network_address": 1, "dst_endpoint": 1, "cluster_key": "genOnOff", "zcl": {"command_key": "on", "payload": 4}}`},
		{"payload list of scalars", `{"network_address": 1, "dst_endpoint": 1, "cluster_key": "genOnOff", "zcl": {"command_key": "on", "payload": [1]}}`},
		{"frame type out of range", `{"network_address": 1, "dst_endpoint": 1, "cluster_key": "genOnOff", "zcl": {"command_key": "on", "frame_type": 2}}`},
		{"direction out of range", `{"network_address": 1, "dst_endpoint": 1, "cluster_key": "genOnOff", "zcl": {"command_key": "on", "direction": 3}}`},
		{"group and device address", `{"group_id": 1, "network_address": 1, "dst_endpoint": 1, "cluster_key": "genOnOff", "zcl": {"command_key": "on"}}`},
		{"no address", `{"dst_endpoint": 1, "cluster_key": "genOnOff", "zcl": {"command_key": "on"}}`},
		{"bad ieee", `{"ieee_address": "00124b0012345678", "dst_endpoint": 1, "cluster_key": "genOnOff", "zcl": {"command_key": "on"}}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := decodeAndNormalize(t, jsonArgs(t, tt.args))
			assert.ErrorIs(t, err, ErrMalformedRequest)
		})
	}
}

func TestNormalizeInterPANWithoutAddress(t *testing.T) {
	err := decodeAndNormalize(t, jsonArgs(t, `{
		"interpan": true, "dst_endpoint": 1, "cluster_key": "touchlink",
		"zcl": {"command_key": "scanRequest"}
	}`))
	assert.NoError(t, err)
}

func TestNormalizeVendorCluster(t *testing.T) {
	req, err := DecodeRawRequest(jsonArgs(t, `{
		"interpan": true, "dst_endpoint": 1, "cluster_key": "manuSpecificPhilipsPairing",
		"zcl": {"frame_type": 1, "command_key": "hueResetRequest",
			"payload": {"extendedPanId": "0x0123456789abcdef", "serialCount": 2, "serialNumbers": [11259375, 1]}}
	}`))
	require.NoError(t, err)
	cmd, err := NewNormalizer(testRegistry(t)).Normalize(req)
	require.NoError(t, err)

	require.NotNil(t, cmd.Custom)
	assert.Equal(t, uint16(0x1000), cmd.Custom.ID)
	require.NotNil(t, cmd.ZCL.ManufacturerCode)
	assert.Equal(t, uint16(0x100B), *cmd.ZCL.ManufacturerCode, "manufacturer code defaults to the cluster's")
	assert.Equal(t, []byte{
		0xef, 0xcd, 0xab, 0x89, 0x67, 0x45, 0x23, 0x01,
		0x02,
		0xef, 0xcd, 0xab, 0x00,
		0x01, 0x00, 0x00, 0x00,
	}, cmd.ZCL.Encoded)
}

func TestNormalizeVendorClusterRejects(t *testing.T) {
	tests := []struct {
		name string
		zcl  string
	}{
		{"unknown command", `{"frame_type": 1, "command_key": "hueIdentify", "payload": {}}`},
		{"missing parameter", `{"frame_type": 1, "command_key": "hueResetRequest", "payload": {"serialCount": 1, "serialNumbers": [1]}}`},
		{"wrong parameter type", `{"frame_type": 1, "command_key": "hueResetRequest", "payload": {"extendedPanId": "0x0123456789abcdef", "serialCount": "1", "serialNumbers": [1]}}`},
		{"bulk payload", `{"frame_type": 1, "command_key": "hueResetRequest", "payload": [{}]}`},
		{"foreign manufacturer", `{"frame_type": 1, "command_key": "hueResetRequest", "manufacturer_code": 4447, "payload": {"extendedPanId": "0x0123456789abcdef", "serialCount": 1, "serialNumbers": [1]}}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := decodeAndNormalize(t, jsonArgs(t, `{"interpan": true, "dst_endpoint": 1,
				"cluster_key": "manuSpecificPhilipsPairing", "zcl": `+tt.zcl+`}`))
			assert.ErrorIs(t, err, ErrMalformedRequest)
		})
	}
}

func TestNormalizeIgnoresUnknownFields(t *testing.T) {
	req, err := DecodeRawRequest(jsonArgs(t, `{
		"network_address": 1234, "dst_endpoint": 1, "cluster_key": "genOnOff",
		"zcl": {"command_key": "on", "frame_type": 1, "cmd": 1},
		"friendly_name": "lamp"
	}`))
	require.NoError(t, err)
	assert.Equal(t, []string{"friendly_name", "zcl.cmd"}, req.Ignored)

	cmd, err := NewNormalizer(testRegistry(t)).Normalize(req)
	require.NoError(t, err)
	assert.Equal(t, "on", cmd.ZCL.CommandKey)
}

func TestNormalizeVendorClusterPassThrough(t *testing.T) {
	tests := []struct {
		name    string
		zcl     string
		payload any
	}{
		{
			"global read with attribute list",
			`{"frame_type": 0, "command_key": "read", "payload": [{"attrId": 0}]}`,
			[]any{map[string]any{"attrId": float64(0)}},
		},
		{
			"global write with object",
			`{"command_key": "write", "payload": {"attrId": 49, "dataType": 25, "attrData": 11}}`,
			map[string]any{"attrId": float64(49), "dataType": float64(25), "attrData": float64(11)},
		},
		{
			"specific server to client",
			`{"frame_type": 1, "direction": 1, "command_key": "hueResetResponse", "payload": {"status": 0}}`,
			map[string]any{"status": float64(0)},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, err := DecodeRawRequest(jsonArgs(t, `{"ieee_address": "0x0017880100000001", "dst_endpoint": 11,
				"cluster_key": "manuSpecificPhilipsPairing", "zcl": `+tt.zcl+`}`))
			require.NoError(t, err)
			cmd, err := NewNormalizer(testRegistry(t)).Normalize(req)
			require.NoError(t, err)

			require.NotNil(t, cmd.Custom, "vendor schema travels with the command")
			assert.Equal(t, "manuSpecificPhilipsPairing", cmd.Custom.Name)
			assert.Equal(t, tt.payload, cmd.ZCL.Payload)
			assert.Nil(t, cmd.ZCL.Encoded, "the stack encodes foundation payloads")
			require.NotNil(t, cmd.ZCL.ManufacturerCode)
			assert.Equal(t, zcl.ManufacturerSignify, *cmd.ZCL.ManufacturerCode)
		})
	}
}

func TestNormalizeIsPure(t *testing.T) {
	args := jsonArgs(t, `{"network_address": 1, "dst_endpoint": 1, "cluster_key": "genOnOff", "zcl": {"command_key": "on"}}`)
	req, err := DecodeRawRequest(args)
	require.NoError(t, err)
	n := NewNormalizer(testRegistry(t))
	a, err := n.Normalize(req)
	require.NoError(t, err)
	b, err := n.Normalize(req)
	require.NoError(t, err)
	assert.Equal(t, a, b)
	assert.NotSame(t, a, b)
}
