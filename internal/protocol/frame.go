// Package protocol implements the arm controller's length-prefixed serial
// wire format:
//
//	FE FE | LEN | CMD | PAYLOAD (LEN-2 bytes) | FA
//
// The total frame length on the wire is LEN+3.
package protocol

import "fmt"

const (
	Header byte = 0xFE // sent twice
	Footer byte = 0xFA

	// overhead is header(2) + length(1) + footer(1); the command byte is
	// counted by LEN.
	overhead = 3
	// minLen is the smallest LEN that still carries a command id.
	minLen = 2
)

var headerMarker = []byte{Header, Header}

// Frame is one complete wire message.
type Frame struct {
	Command Command
	Payload []byte
}

func (f Frame) String() string {
	return fmt.Sprintf("%s [% X]", f.Command, f.Payload)
}

// Encode builds the wire bytes for cmd carrying params.
func Encode(cmd Command, params ...byte) []byte {
	if len(params) > 0xFF-minLen {
		panic(fmt.Sprintf("protocol: %s: %d parameter bytes do not fit a frame", cmd, len(params)))
	}
	out := make([]byte, 0, len(params)+overhead+minLen)
	out = append(out, Header, Header, byte(len(params)+minLen), byte(cmd))
	out = append(out, params...)
	return append(out, Footer)
}

// EncodeFrame is Encode for an already assembled Frame.
func EncodeFrame(f Frame) []byte {
	return Encode(f.Command, f.Payload...)
}
