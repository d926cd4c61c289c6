package council

import (
	"bytes"
	"context"
	"errors"
	"io"
)

// dataPrefix is the only field this client reads from the event stream
var dataPrefix = []byte("data:")

// readChunkSize is how much is requested from the transport per read
const readChunkSize = 4096

// FrameDecoder turns arbitrarily split chunks of an event stream into complete
// frame payloads. A frame is a `data:` line; everything else (blank separators,
// comments, other fields) is skipped. A line is only complete once its
// terminator has arrived, so a trailing partial line is held until the next
// chunk and dropped by Close.
type FrameDecoder struct {
	buf []byte
}

// Write feeds a chunk and returns the payloads of every frame it completed, in order.
// The returned slices do not alias the decoder's buffer.
func (d *FrameDecoder) Write(chunk []byte) [][]byte {
	d.buf = append(d.buf, chunk...)

	var frames [][]byte
	for {
		i := bytes.IndexByte(d.buf, '\n')
		if i < 0 {
			break
		}
		line := d.buf[:i]
		d.buf = d.buf[i+1:]

		if payload, ok := framePayload(line); ok {
			frames = append(frames, payload)
		}
	}

	// Keep the partial line in a fresh slice so the consumed prefix can be collected.
	if len(d.buf) == 0 {
		d.buf = nil
	} else if cap(d.buf) > 2*len(d.buf)+readChunkSize {
		d.buf = append([]byte(nil), d.buf...)
	}

	return frames
}

// Pending returns the number of buffered bytes that do not yet form a complete line.
func (d *FrameDecoder) Pending() int {
	return len(d.buf)
}

// Close ends the stream. Any unterminated trailing line is discarded and its
// length returned.
func (d *FrameDecoder) Close() int {
	n := len(d.buf)
	d.buf = nil
	return n
}

func framePayload(line []byte) ([]byte, bool) {
	line = bytes.TrimSuffix(line, []byte("\r"))
	if !bytes.HasPrefix(line, dataPrefix) {
		return nil, false
	}
	payload := line[len(dataPrefix):]
	if len(payload) > 0 && payload[0] == ' ' {
		payload = payload[1:]
	}
	return append([]byte(nil), payload...), true
}

// ReadFrames pumps r through a FrameDecoder and calls fn for each frame until r is
// exhausted. Reading is the only place the pump blocks; ctx is checked between reads.
// A clean io.EOF returns nil. The number of discarded trailing bytes is returned.
func ReadFrames(ctx context.Context, r io.Reader, fn func(payload []byte)) (int, error) {
	var dec FrameDecoder
	chunk := make([]byte, readChunkSize)

	for {
		if err := ctx.Err(); err != nil {
			return dec.Close(), err
		}

		n, err := r.Read(chunk)
		if n > 0 {
			for _, frame := range dec.Write(chunk[:n]) {
				fn(frame)
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return dec.Close(), nil
			}
			return dec.Close(), err
		}
	}
}
