package clusters

import "zigbee-actions/internal/zcl"

// PhilipsPairing is the Signify vendor cluster used to factory reset Hue
// lights over inter-PAN. It shares its ID with Touchlink Commissioning and is
// told apart by the manufacturer code.
var PhilipsPairing = zcl.ClusterDef{
	ID:               0x1000,
	Name:             "manuSpecificPhilipsPairing",
	ManufacturerCode: zcl.ManufacturerSignify,
	Attributes:       []zcl.AttributeDef{},
	Commands: []zcl.CommandDef{
		{
			ID:        0x00,
			Name:      "hueResetRequest",
			Direction: zcl.DirectionToServer,
			Params: []zcl.ParamDef{
				{Name: "extendedPanId", Type: zcl.TypeEUI64},
				{Name: "serialCount", Type: zcl.TypeUint8},
				{Name: "serialNumbers", Type: zcl.TypeUint32, List: true},
			},
		},
	},
}
