package protocol

import (
	"bytes"
	"testing"
)

func TestParserExtractsFramesBetweenGarbage(t *testing.T) {
	frames := []Frame{
		{Command: IsPoweredOn, Payload: []byte{0x01}},
		{Command: GetAngles, Payload: bytes.Repeat([]byte{0x12, 0x34}, 6)},
		{Command: PowerOn, Payload: nil},
		{Command: GetServoData, Payload: []byte{0x00, 0x2A}},
	}
	garbage := [][]byte{
		{0x00, 0x13, 0x37},
		{0xFA, 0xFA},
		{},
		{0x55, 0xFE, 0x01},
		{0xAA},
	}

	var stream []byte
	for i, f := range frames {
		stream = append(stream, garbage[i]...)
		stream = append(stream, EncodeFrame(f)...)
	}
	stream = append(stream, garbage[len(garbage)-1]...)

	var p Parser
	got := p.Feed(stream)
	if len(got) != len(frames) {
		t.Fatalf("got %d frames, want %d: %v", len(got), len(frames), got)
	}
	for i := range frames {
		if got[i].Command != frames[i].Command {
			t.Fatalf("frame %d: command %s, want %s", i, got[i].Command, frames[i].Command)
		}
		if !bytes.Equal(got[i].Payload, frames[i].Payload) {
			t.Fatalf("frame %d: payload % X, want % X", i, got[i].Payload, frames[i].Payload)
		}
	}
	if p.Buffered() != 0 {
		t.Fatalf("expected empty buffer after trailing noise, got %d bytes", p.Buffered())
	}
}

func TestParserRetainsTrailingPartialFrame(t *testing.T) {
	full := EncodeFrame(Frame{Command: GetCoords, Payload: bytes.Repeat([]byte{0x01}, 12)})
	first := append(EncodeFrame(Frame{Command: CheckRunning, Payload: []byte{0x00}}), full[:7]...)

	var p Parser
	got := p.Feed(first)
	if len(got) != 1 || got[0].Command != CheckRunning {
		t.Fatalf("unexpected first batch: %v", got)
	}
	if p.Buffered() != 7 {
		t.Fatalf("buffered %d bytes, want 7", p.Buffered())
	}

	got = p.Feed(full[7:])
	if len(got) != 1 || got[0].Command != GetCoords || len(got[0].Payload) != 12 {
		t.Fatalf("partial frame not completed: %v", got)
	}
	if p.Buffered() != 0 {
		t.Fatalf("buffer not drained: %d", p.Buffered())
	}
}

func TestParserByteAtATime(t *testing.T) {
	stream := append([]byte{0x09, 0x08}, EncodeFrame(Frame{Command: IsProgramPaused, Payload: []byte{0x01}})...)
	stream = append(stream, EncodeFrame(Frame{Command: GetSpeed, Payload: []byte{0x32}})...)

	var p Parser
	var got []Frame
	for _, b := range stream {
		got = append(got, p.Feed([]byte{b})...)
	}
	if len(got) != 2 {
		t.Fatalf("got %d frames, want 2", len(got))
	}
	if got[0].Command != IsProgramPaused || got[1].Command != GetSpeed || got[1].Payload[0] != 0x32 {
		t.Fatalf("unexpected frames: %v", got)
	}
}

func TestParserResyncsAfterBadFooter(t *testing.T) {
	// A header whose declared length lands on a non-footer byte.
	corrupt := []byte{Header, Header, 0x03, byte(IsPoweredOn), 0x01, 0x77}
	good := EncodeFrame(Frame{Command: IsPoweredOn, Payload: []byte{0x01}})

	var p Parser
	got := p.Feed(append(corrupt, good...))
	if len(got) != 1 || got[0].Command != IsPoweredOn {
		t.Fatalf("expected one recovered frame, got %v", got)
	}
	if p.Dropped == 0 {
		t.Fatalf("expected dropped bytes to be counted")
	}
}

func TestParserDiscardsPureNoise(t *testing.T) {
	var p Parser
	if got := p.Feed([]byte{0x01, 0x02, 0x03, 0xFA}); len(got) != 0 {
		t.Fatalf("noise produced frames: %v", got)
	}
	if p.Buffered() != 0 {
		t.Fatalf("noise retained: %d bytes", p.Buffered())
	}
}

func TestParserKeepsSplitHeader(t *testing.T) {
	frame := EncodeFrame(Frame{Command: IsInPosition, Payload: []byte{0x01}})

	var p Parser
	if got := p.Feed(append([]byte{0x10, 0x20}, frame[0])); len(got) != 0 {
		t.Fatalf("unexpected frames: %v", got)
	}
	if p.Buffered() != 1 {
		t.Fatalf("lone header byte not kept: %d", p.Buffered())
	}
	got := p.Feed(frame[1:])
	if len(got) != 1 || got[0].Command != IsInPosition {
		t.Fatalf("split header frame lost: %v", got)
	}
}

func TestParserRejectsTooShortLength(t *testing.T) {
	stream := []byte{Header, Header, 0x01, Footer}
	stream = append(stream, EncodeFrame(Frame{Command: PowerOff})...)

	var p Parser
	got := p.Feed(stream)
	if len(got) != 1 || got[0].Command != PowerOff || len(got[0].Payload) != 0 {
		t.Fatalf("unexpected frames: %v", got)
	}
}

func TestEncodeLayout(t *testing.T) {
	got := Encode(SetSpeed, 0x32)
	want := []byte{0xFE, 0xFE, 0x03, 0x41, 0x32, 0xFA}
	if !bytes.Equal(got, want) {
		t.Fatalf("Encode = % X, want % X", got, want)
	}
	if got := Encode(PowerOn); !bytes.Equal(got, []byte{0xFE, 0xFE, 0x02, 0x10, 0xFA}) {
		t.Fatalf("Encode(PowerOn) = % X", got)
	}
}
