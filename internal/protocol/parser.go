package protocol

import "bytes"

// Parser extracts frames from an accumulating byte stream. It tolerates
// arbitrary chunking and resynchronizes after corrupted or truncated frames
// by dropping one byte at a time. The zero value is ready to use.
//
// A Parser is not safe for concurrent use.
type Parser struct {
	buf []byte

	// Dropped counts bytes discarded as noise or false headers.
	Dropped int
}

// Feed appends data to the retained buffer and returns every complete frame
// now available, in wire order. A trailing partial frame stays buffered for
// the next call.
func (p *Parser) Feed(data []byte) []Frame {
	p.buf = append(p.buf, data...)

	var frames []Frame
	for len(p.buf) > 0 {
		idx := bytes.Index(p.buf, headerMarker)
		if idx < 0 {
			// Pure noise. Keep a lone trailing header byte, it may be the
			// first half of a marker split across reads.
			keep := 0
			if p.buf[len(p.buf)-1] == Header {
				keep = 1
			}
			p.discard(len(p.buf) - keep)
			break
		}
		if idx > 0 {
			p.discard(idx)
		}
		if len(p.buf) < overhead {
			break
		}

		l := int(p.buf[2])
		if l < minLen {
			p.discard(1)
			continue
		}
		total := l + overhead
		if len(p.buf) < total {
			break
		}
		if p.buf[total-1] != Footer {
			p.discard(1)
			continue
		}

		payload := make([]byte, l-minLen)
		copy(payload, p.buf[4:total-1])
		frames = append(frames, Frame{Command: Command(p.buf[3]), Payload: payload})
		p.buf = p.buf[total:]
	}

	if len(p.buf) == 0 {
		p.buf = p.buf[:0:0]
	}
	return frames
}

// Buffered returns the number of bytes retained for the next Feed.
func (p *Parser) Buffered() int { return len(p.buf) }

// Reset drops any retained bytes.
func (p *Parser) Reset() { p.buf = nil }

func (p *Parser) discard(n int) {
	p.Dropped += n
	p.buf = p.buf[n:]
}
