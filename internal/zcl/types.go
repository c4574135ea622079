package zcl

import (
	"encoding/binary"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// ZCL data type IDs
const (
	TypeNoData     uint8 = 0x00
	TypeBool       uint8 = 0x10
	TypeBitmap8    uint8 = 0x18
	TypeBitmap16   uint8 = 0x19
	TypeBitmap24   uint8 = 0x1A
	TypeBitmap32   uint8 = 0x1B
	TypeUint8      uint8 = 0x20
	TypeUint16     uint8 = 0x21
	TypeUint24     uint8 = 0x22
	TypeUint32     uint8 = 0x23
	TypeUint40     uint8 = 0x24
	TypeUint48     uint8 = 0x25
	TypeInt8       uint8 = 0x28
	TypeInt16      uint8 = 0x29
	TypeInt24      uint8 = 0x2A
	TypeInt32      uint8 = 0x2B
	TypeEnum8      uint8 = 0x30
	TypeEnum16     uint8 = 0x31
	TypeFloat32    uint8 = 0x39
	TypeFloat64    uint8 = 0x3A
	TypeOctetStr   uint8 = 0x41
	TypeCharStr    uint8 = 0x42
	TypeOctetStr16 uint8 = 0x43
	TypeCharStr16  uint8 = 0x44
	TypeUTC        uint8 = 0xE2
	TypeClusterID  uint8 = 0xE8
	TypeAttrID     uint8 = 0xE9
	TypeEUI64      uint8 = 0xF0
)

// TypeSize returns the fixed size in bytes of a ZCL type, or -1 for variable-length types.
func TypeSize(typeID uint8) int {
	switch typeID {
	case TypeNoData:
		return 0
	case TypeBool, TypeUint8, TypeInt8, TypeEnum8, TypeBitmap8:
		return 1
	case TypeUint16, TypeInt16, TypeEnum16, TypeBitmap16, TypeClusterID, TypeAttrID:
		return 2
	case TypeUint24, TypeInt24, TypeBitmap24:
		return 3
	case TypeUint32, TypeInt32, TypeBitmap32, TypeFloat32, TypeUTC:
		return 4
	case TypeUint40:
		return 5
	case TypeUint48:
		return 6
	case TypeFloat64, TypeEUI64:
		return 8
	default:
		return -1
	}
}

// TypeName returns a human-readable name for a ZCL type.
func TypeName(typeID uint8) string {
	switch typeID {
	case TypeNoData:
		return "nodata"
	case TypeBool:
		return "bool"
	case TypeUint8:
		return "uint8"
	case TypeUint16:
		return "uint16"
	case TypeUint24:
		return "uint24"
	case TypeUint32:
		return "uint32"
	case TypeUint40:
		return "uint40"
	case TypeUint48:
		return "uint48"
	case TypeInt8:
		return "int8"
	case TypeInt16:
		return "int16"
	case TypeInt24:
		return "int24"
	case TypeInt32:
		return "int32"
	case TypeEnum8:
		return "enum8"
	case TypeEnum16:
		return "enum16"
	case TypeFloat32:
		return "float32"
	case TypeFloat64:
		return "float64"
	case TypeOctetStr:
		return "octstr"
	case TypeCharStr:
		return "string"
	case TypeOctetStr16:
		return "octstr16"
	case TypeCharStr16:
		return "string16"
	case TypeBitmap8:
		return "map8"
	case TypeBitmap16:
		return "map16"
	case TypeBitmap24:
		return "map24"
	case TypeBitmap32:
		return "map32"
	case TypeEUI64:
		return "EUI64"
	case TypeUTC:
		return "UTC"
	case TypeClusterID:
		return "clusterId"
	case TypeAttrID:
		return "attribId"
	default:
		return fmt.Sprintf("0x%02X", typeID)
	}
}

// EncodeValue encodes a Go value into ZCL wire format (little-endian).
func EncodeValue(typeID uint8, val any) ([]byte, error) {
	switch typeID {
	case TypeBool:
		v, ok := toBool(val)
		if !ok {
			return nil, fmt.Errorf("zcl: cannot convert %T to bool", val)
		}
		if v {
			return []byte{1}, nil
		}
		return []byte{0}, nil

	case TypeUint8, TypeEnum8, TypeBitmap8,
		TypeUint16, TypeEnum16, TypeBitmap16, TypeClusterID, TypeAttrID,
		TypeUint24, TypeBitmap24,
		TypeUint32, TypeBitmap32, TypeUTC,
		TypeUint40, TypeUint48:
		return encodeUnsigned(typeID, val)

	case TypeInt8, TypeInt16, TypeInt24, TypeInt32:
		return encodeSigned(typeID, val)

	case TypeFloat32:
		v, ok := toFloat64(val)
		if !ok {
			return nil, fmt.Errorf("zcl: cannot convert %T to float32", val)
		}
		buf := make([]byte, 4)
		binary.LittleEndian.PutUint32(buf, math.Float32bits(float32(v)))
		return buf, nil

	case TypeFloat64:
		v, ok := toFloat64(val)
		if !ok {
			return nil, fmt.Errorf("zcl: cannot convert %T to float64", val)
		}
		buf := make([]byte, 8)
		binary.LittleEndian.PutUint64(buf, math.Float64bits(v))
		return buf, nil

	case TypeEUI64:
		return encodeEUI64(val)

	case TypeCharStr, TypeOctetStr, TypeCharStr16, TypeOctetStr16:
		return encodeString(typeID, val)
	}

	return nil, fmt.Errorf("zcl: encode not implemented for type %s", TypeName(typeID))
}

func encodeUnsigned(typeID uint8, val any) ([]byte, error) {
	size := TypeSize(typeID)
	v, ok := toUint64(val)
	if !ok {
		return nil, fmt.Errorf("zcl: cannot convert %v (%T) to %s", val, val, TypeName(typeID))
	}
	limit := uint64(1)<<(8*uint(size)) - 1
	if v > limit {
		return nil, fmt.Errorf("zcl: value %d overflows %s (max %d)", v, TypeName(typeID), limit)
	}
	buf := make([]byte, size)
	for i := range buf {
		buf[i] = byte(v >> (8 * uint(i)))
	}
	return buf, nil
}

func encodeSigned(typeID uint8, val any) ([]byte, error) {
	size := TypeSize(typeID)
	v, ok := toInt64(val)
	if !ok {
		return nil, fmt.Errorf("zcl: cannot convert %v (%T) to %s", val, val, TypeName(typeID))
	}
	lo := -(int64(1) << (8*uint(size) - 1))
	hi := int64(1)<<(8*uint(size)-1) - 1
	if v < lo || v > hi {
		return nil, fmt.Errorf("zcl: value %d overflows %s (range %d..%d)", v, TypeName(typeID), lo, hi)
	}
	u := uint64(v)
	buf := make([]byte, size)
	for i := range buf {
		buf[i] = byte(u >> (8 * uint(i)))
	}
	return buf, nil
}

// encodeEUI64 accepts a "0x"-prefixed hex string, a uint64, or 8 raw bytes
// already in wire order.
func encodeEUI64(val any) ([]byte, error) {
	buf := make([]byte, 8)
	switch a := val.(type) {
	case string:
		v, err := ParseEUI64(a)
		if err != nil {
			return nil, err
		}
		binary.LittleEndian.PutUint64(buf, v)
	case uint64:
		binary.LittleEndian.PutUint64(buf, a)
	case [8]byte:
		copy(buf, a[:])
	case []byte:
		if len(a) != 8 {
			return nil, fmt.Errorf("zcl: EUI64 requires 8 bytes, got %d", len(a))
		}
		copy(buf, a)
	default:
		return nil, fmt.Errorf("zcl: cannot convert %T to EUI64", val)
	}
	return buf, nil
}

func encodeString(typeID uint8, val any) ([]byte, error) {
	var data []byte
	switch v := val.(type) {
	case string:
		if typeID == TypeOctetStr || typeID == TypeOctetStr16 {
			return nil, fmt.Errorf("zcl: cannot convert string to %s", TypeName(typeID))
		}
		data = []byte(v)
	case []byte:
		if typeID == TypeCharStr || typeID == TypeCharStr16 {
			return nil, fmt.Errorf("zcl: cannot convert []byte to %s", TypeName(typeID))
		}
		data = v
	default:
		return nil, fmt.Errorf("zcl: cannot convert %T to %s", val, TypeName(typeID))
	}

	if typeID == TypeCharStr || typeID == TypeOctetStr {
		if len(data) > 254 {
			return nil, fmt.Errorf("zcl: data too long for %s: %d (max 254)", TypeName(typeID), len(data))
		}
		return append([]byte{uint8(len(data))}, data...), nil
	}
	if len(data) > 65534 {
		return nil, fmt.Errorf("zcl: data too long for %s: %d (max 65534)", TypeName(typeID), len(data))
	}
	buf := make([]byte, 2, 2+len(data))
	binary.LittleEndian.PutUint16(buf, uint16(len(data)))
	return append(buf, data...), nil
}

// ParseEUI64 parses a "0x"-prefixed 16-digit hex string such as an IEEE
// address or extended PAN ID.
func ParseEUI64(s string) (uint64, error) {
	if len(s) != 18 || !strings.HasPrefix(strings.ToLower(s), "0x") {
		return 0, fmt.Errorf("zcl: EUI64 %q must be 0x followed by 16 hex digits", s)
	}
	v, err := strconv.ParseUint(s[2:], 16, 64)
	if err != nil {
		return 0, fmt.Errorf("zcl: EUI64 %q: %w", s, err)
	}
	return v, nil
}

func toBool(v any) (bool, bool) {
	switch val := v.(type) {
	case bool:
		return val, true
	case float64:
		return val != 0, true
	case int:
		return val != 0, true
	}
	return false, false
}

func toUint64(v any) (uint64, bool) {
	switch val := v.(type) {
	case uint8:
		return uint64(val), true
	case uint16:
		return uint64(val), true
	case uint32:
		return uint64(val), true
	case uint64:
		return val, true
	case int:
		if val < 0 {
			return 0, false
		}
		return uint64(val), true
	case int64:
		if val < 0 {
			return 0, false
		}
		return uint64(val), true
	case float64:
		// JSON numbers arrive as float64; reject fractions instead of truncating.
		if val < 0 || val != math.Trunc(val) || val >= 1<<64 {
			return 0, false
		}
		return uint64(val), true
	}
	return 0, false
}

func toInt64(v any) (int64, bool) {
	switch val := v.(type) {
	case int8:
		return int64(val), true
	case int16:
		return int64(val), true
	case int32:
		return int64(val), true
	case int64:
		return val, true
	case int:
		return int64(val), true
	case uint8:
		return int64(val), true
	case uint16:
		return int64(val), true
	case uint32:
		return int64(val), true
	case uint64:
		if val > math.MaxInt64 {
			return 0, false
		}
		return int64(val), true
	case float64:
		if val != math.Trunc(val) || val >= 1<<63 || val < math.MinInt64 {
			return 0, false
		}
		return int64(val), true
	}
	return 0, false
}

func toFloat64(v any) (float64, bool) {
	switch val := v.(type) {
	case float32:
		return float64(val), true
	case float64:
		return val, true
	case int:
		return float64(val), true
	case int64:
		return float64(val), true
	case uint64:
		return float64(val), true
	}
	return 0, false
}
