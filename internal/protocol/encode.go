package protocol

import (
	"encoding/binary"
	"math"
)

// Scale factors between engineering units and wire integers.
const (
	AngleScale      = 100 // centi-degrees
	LinearScale     = 10  // tenth-millimetres
	RotationalScale = 100 // centi-degrees
	VoltageScale    = 10  // decivolts

	// Axes and Joints are both six on this arm.
	Axes   = 6
	Joints = 6
)

// PutInt16 appends v as a big-endian signed 16-bit value.
func PutInt16(dst []byte, v int16) []byte {
	return binary.BigEndian.AppendUint16(dst, uint16(v))
}

// Int16 reads a big-endian signed 16-bit value at offset i.
func Int16(b []byte, i int) int16 {
	return int16(binary.BigEndian.Uint16(b[i : i+2]))
}

// scaled rounds v*scale to the nearest integer and clamps it to int16.
func scaled(v float64, scale float64) int16 {
	r := math.Round(v * scale)
	switch {
	case r > math.MaxInt16:
		return math.MaxInt16
	case r < math.MinInt16:
		return math.MinInt16
	}
	return int16(r)
}

// EncodeAngle converts degrees to the 2-byte wire form.
func EncodeAngle(deg float64) []byte {
	return PutInt16(nil, scaled(deg, AngleScale))
}

// DecodeAngle converts 2 wire bytes at offset i back to degrees.
func DecodeAngle(b []byte, i int) float64 {
	return float64(Int16(b, i)) / AngleScale
}

// EncodeCoord converts a coordinate axis value to the wire form. Axes 0-2
// (X, Y, Z) are millimetres, 3-5 (RX, RY, RZ) degrees.
func EncodeCoord(axis int, v float64) []byte {
	return PutInt16(nil, scaled(v, coordScale(axis)))
}

// DecodeCoord reads the value of axis from a 12-byte coordinates payload.
func DecodeCoord(b []byte, axis int) float64 {
	return float64(Int16(b, axis*2)) / coordScale(axis)
}

func coordScale(axis int) float64 {
	if axis < 3 {
		return LinearScale
	}
	return RotationalScale
}

// EncodeEncoder converts a raw encoder count to the wire form.
func EncodeEncoder(v int) []byte {
	return PutInt16(nil, scaled(float64(v), 1))
}

// CoordSpeed converts a linear speed to the firmware's percent-of-maximum
// byte, clamped to 0..100.
func CoordSpeed(speed, maxLinear int) byte {
	pct := speed
	if maxLinear > 0 {
		pct = speed * 100 / maxLinear
	}
	return byte(max(0, min(pct, 100)))
}

// AnglesPayload encodes six joint angles followed by a speed byte.
func AnglesPayload(angles [Joints]float64, speed int) []byte {
	out := make([]byte, 0, Joints*2+1)
	for _, a := range angles {
		out = PutInt16(out, scaled(a, AngleScale))
	}
	return append(out, byte(speed))
}

// CoordsPayload encodes six coordinates. Speed and mode bytes are appended
// by the caller.
func CoordsPayload(coords [Axes]float64) []byte {
	out := make([]byte, 0, Axes*2+2)
	for i, c := range coords {
		out = PutInt16(out, scaled(c, coordScale(i)))
	}
	return out
}

// EncodersPayload encodes six raw encoder counts followed by a speed byte.
func EncodersPayload(enc [Joints]int, speed int) []byte {
	out := make([]byte, 0, Joints*2+1)
	for _, e := range enc {
		out = PutInt16(out, scaled(float64(e), 1))
	}
	return append(out, byte(speed))
}
