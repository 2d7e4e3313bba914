package stream

import (
	"io"
	"os"
	"path/filepath"
	"testing"
)

func TestOpenUnknownScheme(t *testing.T) {
	_, err := Open("carrierpipe://nowhere")
	if err == nil {
		t.Fatal("Open with an unknown scheme should have failed")
	}
	var unknownErr *ErrUnknownScheme
	if !asUnknownScheme(err, &unknownErr) {
		t.Fatalf("Open error = %v (%T), want *ErrUnknownScheme", err, err)
	}
	if unknownErr.Scheme != "carrierpipe" {
		t.Errorf("Scheme = %q, want carrierpipe", unknownErr.Scheme)
	}
}

func asUnknownScheme(err error, target **ErrUnknownScheme) bool {
	if e, ok := err.(*ErrUnknownScheme); ok {
		*target = e
		return true
	}
	return false
}

func TestOpenTelnetExplicitPortDialFailure(t *testing.T) {
	// No listener on this port, so dialing should fail fast with a
	// dial error rather than hang; this exercises the explicit-port
	// parsing path without requiring a live server.
	_, err := Open("telnet://127.0.0.1:0")
	if err == nil {
		t.Fatal("Open(telnet://127.0.0.1:0) should have failed to dial")
	}
}

func TestOpenTelnetRejectsBadPort(t *testing.T) {
	_, err := Open("telnet://localhost:notaport")
	if err == nil {
		t.Fatal("Open with a non-numeric port should have failed")
	}
}

func TestLocalFileStreamReadAndEOF(t *testing.T) {
	path := filepath.Join(t.TempDir(), "capture.bin")
	if err := os.WriteFile(path, []byte{0xde, 0xad, 0xbe, 0xef}, 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	s, err := Open("localfile://" + path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	buf := make([]byte, 2)
	n, err := s.ReadSome(buf)
	if err != nil {
		t.Fatalf("ReadSome: %v", err)
	}
	if n != 2 || buf[0] != 0xde || buf[1] != 0xad {
		t.Errorf("ReadSome = %d, % x, want 2, de ad", n, buf)
	}

	canRead, err := s.CanReadNow()
	if err != nil {
		t.Fatalf("CanReadNow: %v", err)
	}
	if !canRead {
		t.Error("CanReadNow should report true while bytes remain")
	}

	if err := s.WriteAll([]byte{1, 2, 3}); err != nil {
		t.Errorf("WriteAll on a replay stream should be a no-op, got error: %v", err)
	}

	rest := make([]byte, 16)
	n, err = s.ReadSome(rest)
	if n != 2 || (err != nil && err != io.EOF) {
		t.Errorf("ReadSome(rest) = %d, %v, want 2, nil/EOF", n, err)
	}

	canRead, err = s.CanReadNow()
	if err != nil {
		t.Fatalf("CanReadNow: %v", err)
	}
	if canRead {
		t.Error("CanReadNow should report false once the file is exhausted")
	}
}
