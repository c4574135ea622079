package zcl

// ZCL frame control values carried in a raw command.
const (
	FrameTypeGlobal   uint8 = 0x00
	FrameTypeSpecific uint8 = 0x01

	DirectionClientToServer uint8 = 0x00
	DirectionServerToClient uint8 = 0x01
)

// Profiles and endpoints
const (
	ProfileHA  uint16 = 0x0104
	EndpointHA uint8  = 0x01
)

// Manufacturer codes
const (
	ManufacturerSignify uint16 = 0x100B // Signify Netherlands B.V. (Philips Hue)
)
