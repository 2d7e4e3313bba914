// Package bus reconstructs frames from a raw byte stream and arbitrates
// writes so an injected frame never collides with the native bus
// master's traffic.
package bus

import (
	"context"
	"fmt"

	"github.com/dulitz/finitude/pkg/crc"
	"github.com/dulitz/finitude/pkg/frame"
	"github.com/dulitz/finitude/pkg/stream"
)

// minHeaderPeek is the size of the smallest possible frame (header plus
// CRC trailer, empty payload); ReadFrame accumulates this many bytes
// before reading the frame length at buf[4].
const minHeaderPeek = 10

// Bus turns a byte Stream into a sequence of validated frames and
// arbitrates outbound writes against the native bus master.
type Bus struct {
	stream       stream.Stream
	requireAck06 bool
	onCRCError   func()

	buf      []byte
	lastFunc frame.Function
	haveLast bool
}

// New wraps stream for frame reconstruction. When requireAck06 is true,
// TryWrite only succeeds following an observed ACK06, preserving a
// native thermostat's role as bus master; set it false only for systems
// with no autonomous master, where that handshake would never occur.
// onCRCError, if non-nil, is invoked once per byte dropped while
// resynchronizing.
func New(s stream.Stream, requireAck06 bool, onCRCError func()) *Bus {
	return &Bus{stream: s, requireAck06: requireAck06, onCRCError: onCRCError}
}

func (b *Bus) readUntil(ctx context.Context, size int) error {
	tmp := make([]byte, 256)
	for len(b.buf) < size {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, err := b.stream.ReadSome(tmp[:size-len(b.buf)])
		if n > 0 {
			b.buf = append(b.buf, tmp[:n]...)
		}
		if err != nil {
			return fmt.Errorf("bus: reading from %s: %w", b.stream, err)
		}
		if n == 0 {
			return fmt.Errorf("bus: connection closed [no data] while reading from %s", b.stream)
		}
	}
	return nil
}

// ReadFrame blocks until it has accumulated and validated a complete
// frame, dropping and re-synchronizing past bytes that fail CRC
// checking. It remembers the function code of every frame it returns,
// which TryWrite consults for arbitration.
func (b *Bus) ReadFrame(ctx context.Context) (*frame.Frame, error) {
	for {
		if len(b.buf) < minHeaderPeek {
			if err := b.readUntil(ctx, minHeaderPeek); err != nil {
				return nil, err
			}
		}
		frameLen := int(b.buf[4]) + frame.HeaderLen + frame.TrailerLen
		if err := b.readUntil(ctx, frameLen); err != nil {
			return nil, err
		}
		candidate := b.buf[:frameLen]
		if crc.Checksum(candidate) == 0 {
			fr, err := frame.Parse(candidate)
			if err != nil {
				return nil, err
			}
			b.buf = b.buf[frameLen:]
			b.lastFunc = fr.Func
			b.haveLast = true
			return fr, nil
		}
		if b.onCRCError != nil {
			b.onCRCError()
		}
		b.buf = b.buf[1:]
	}
}

// TryWrite attempts to send data (a fully assembled frame, CRC
// included) without interfering with other bus traffic. It returns
// false, nil immediately if the stream is currently readable (meaning
// someone else might be about to transmit) or, when requireAck06 is
// set, if the last frame observed by ReadFrame was not an ACK06 (i.e.
// no device is mid-transaction waiting for a response). It returns
// true once the bytes have actually been written.
func (b *Bus) TryWrite(data []byte) (bool, error) {
	if len(data) == 0 {
		return false, fmt.Errorf("bus: TryWrite called with no data")
	}
	canRead, err := b.stream.CanReadNow()
	if err != nil {
		return false, fmt.Errorf("bus: polling %s: %w", b.stream, err)
	}
	if canRead {
		return false, nil
	}
	if b.requireAck06 && (!b.haveLast || b.lastFunc != frame.ACK06) {
		return false, nil
	}
	if err := b.stream.WriteAll(data); err != nil {
		return false, fmt.Errorf("bus: writing to %s: %w", b.stream, err)
	}
	return true, nil
}

// LastFunc returns the function code of the most recently read frame
// and whether any frame has been read yet.
func (b *Bus) LastFunc() (frame.Function, bool) {
	return b.lastFunc, b.haveLast
}

// Close closes the underlying stream.
func (b *Bus) Close() error {
	return b.stream.Close()
}

// String identifies the underlying stream for logging.
func (b *Bus) String() string {
	return b.stream.String()
}
