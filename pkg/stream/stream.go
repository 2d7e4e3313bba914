// Package stream provides the bidirectional byte carriers a Bus reads
// and writes through: a serial device, a TCPv4 socket (typically an
// Ethernet-to-RS-485 gateway), or a replayable local file.
package stream

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/tarm/serial"
)

// Stream is the uniform interface the Bus reads and writes through.
type Stream interface {
	// ReadSome reads at least one byte into buf, blocking if necessary,
	// or returns an error (including io.EOF on clean close).
	ReadSome(buf []byte) (int, error)
	// WriteAll writes the entirety of data or returns an error.
	WriteAll(data []byte) error
	// CanReadNow reports whether a read would return immediately
	// without blocking.
	CanReadNow() (bool, error)
	Close() error
	String() string
}

// ErrUnknownScheme is returned by Open for an unrecognized endpoint scheme.
type ErrUnknownScheme struct {
	Scheme, Endpoint string
}

func (e *ErrUnknownScheme) Error() string {
	return fmt.Sprintf("unknown scheme %q in stream.Open(%q)", e.Scheme, e.Endpoint)
}

// Open dispatches an endpoint URI to the matching Stream constructor.
//
//	file://<path> or a bare path -> serial, 38400bps 8N1
//	telnet://host[:port]         -> TCPv4, default port 23
//	localfile://<path>           -> replay from a local file
func Open(endpoint string) (Stream, error) {
	scheme, rest, hasScheme := strings.Cut(endpoint, "://")
	if !hasScheme {
		return newSerialStream(endpoint)
	}
	switch scheme {
	case "file":
		return newSerialStream(rest)
	case "localfile":
		return newFileStream(rest)
	case "telnet":
		host, port := rest, 23
		if h, p, ok := strings.Cut(rest, ":"); ok {
			host = h
			n, err := strconv.Atoi(p)
			if err != nil {
				return nil, fmt.Errorf("stream.Open(%q): invalid port %q: %w", endpoint, p, err)
			}
			port = n
		}
		return newTCPStream(host, port, 10*time.Second)
	default:
		return nil, &ErrUnknownScheme{Scheme: scheme, Endpoint: endpoint}
	}
}

// serialStream wraps a serial port at 38400bps, 8N1.
type serialStream struct {
	path string
	port *serial.Port
}

func newSerialStream(path string) (Stream, error) {
	port, err := serial.OpenPort(&serial.Config{
		Name:     path,
		Baud:     38400,
		Size:     8,
		Parity:   serial.ParityNone,
		StopBits: serial.Stop1,
	})
	if err != nil {
		return nil, fmt.Errorf("opening serial port %s: %w", path, err)
	}
	return &serialStream{path: path, port: port}, nil
}

func (s *serialStream) ReadSome(buf []byte) (int, error) {
	return s.port.Read(buf)
}

func (s *serialStream) WriteAll(data []byte) error {
	_, err := s.port.Write(data)
	return err
}

// CanReadNow is always reported false for the serial backend.
// tarm/serial's Port wraps its file descriptor privately and exposes
// no poll/select or read-deadline primitive (pyserial's in_waiting,
// which the reference implementation relies on for this exact check,
// has no analogue here), so there is no portable way to probe
// readiness without blocking. This is an accepted deviation, not an
// oversight: see "serial CanReadNow" under Open Question decisions in
// DESIGN.md for the resulting arbitration weakening and why it is
// accepted. The bus scanner and replay streams (telnet/localfile) do
// expose a real probe.
func (s *serialStream) CanReadNow() (bool, error) {
	return false, nil
}

func (s *serialStream) Close() error {
	return s.port.Close()
}

func (s *serialStream) String() string {
	return fmt.Sprintf("serial(%s)", s.path)
}

// tcpStream wraps a blocking TCPv4 connection to an RS-485 gateway.
type tcpStream struct {
	addr string
	conn net.Conn
}

func newTCPStream(host string, port int, timeout time.Duration) (Stream, error) {
	addr := net.JoinHostPort(host, strconv.Itoa(port))
	conn, err := net.DialTimeout("tcp4", addr, timeout)
	if err != nil {
		return nil, fmt.Errorf("dialing %s: %w", addr, err)
	}
	return &tcpStream{addr: addr, conn: conn}, nil
}

func (t *tcpStream) ReadSome(buf []byte) (int, error) {
	return t.conn.Read(buf)
}

func (t *tcpStream) WriteAll(data []byte) error {
	_, err := t.conn.Write(data)
	return err
}

func (t *tcpStream) CanReadNow() (bool, error) {
	if err := t.conn.SetReadDeadline(time.Now()); err != nil {
		return false, err
	}
	defer t.conn.SetReadDeadline(time.Time{})
	var b [1]byte
	n, err := t.conn.Read(b[:0])
	if err != nil {
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			return false, nil
		}
		return false, err
	}
	return n > 0, nil
}

func (t *tcpStream) Close() error {
	return t.conn.Close()
}

func (t *tcpStream) String() string {
	return fmt.Sprintf("tcp(%s)", t.addr)
}

// fileStream replays a recorded bus capture from a local file. Writes
// are accepted but discarded: replay sources have no live bus to talk
// back to.
type fileStream struct {
	path string
	f    *os.File
	r    *bufio.Reader
}

func newFileStream(path string) (Stream, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening replay file %s: %w", path, err)
	}
	return &fileStream{path: path, f: f, r: bufio.NewReader(f)}, nil
}

func (fs *fileStream) ReadSome(buf []byte) (int, error) {
	n, err := fs.r.Read(buf)
	if err == io.EOF {
		return n, io.EOF
	}
	return n, err
}

func (fs *fileStream) WriteAll(data []byte) error {
	return nil
}

func (fs *fileStream) CanReadNow() (bool, error) {
	_, err := fs.r.Peek(1)
	if err == io.EOF {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (fs *fileStream) Close() error {
	return fs.f.Close()
}

func (fs *fileStream) String() string {
	return fmt.Sprintf("localfile(%s)", fs.path)
}
