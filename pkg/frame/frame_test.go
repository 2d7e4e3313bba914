package frame

import (
	"bytes"
	"testing"
)

func TestAssembleParseRoundTrip(t *testing.T) {
	data := []byte{0x00, 0x3b, 0x02, 0xaa, 0xbb}
	fr, wire, err := Assemble(0x0001, 0x3f02, READ, data, 0, 0)
	if err != nil {
		t.Fatalf("Assemble: %v", err)
	}
	if !Valid(wire) {
		t.Fatalf("Assemble produced invalid checksum: % x", wire)
	}
	got, err := Parse(wire)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if got.Dest != fr.Dest || got.Source != fr.Source || got.Func != fr.Func {
		t.Errorf("Parse round-trip mismatch: %+v vs %+v", got, fr)
	}
	if !bytes.Equal(got.Data, data) {
		t.Errorf("Parse round-trip data = % x, want % x", got.Data, data)
	}
}

func TestAssembleRejectsOversizedData(t *testing.T) {
	data := make([]byte, 256)
	if _, _, err := Assemble(0, 0, READ, data, 0, 0); err == nil {
		t.Error("Assemble with 256-byte payload should have failed")
	}
}

func TestParseRejectsShortBuffer(t *testing.T) {
	if _, err := Parse([]byte{0, 1, 2}); err == nil {
		t.Error("Parse of a too-short buffer should have failed")
	}
}

func TestParseRejectsWrongLength(t *testing.T) {
	// claims len=5 but buffer only has 2 payload bytes.
	buf := []byte{0, 1, 0, 2, 5, 0, 0, 0x0b, 0xaa, 0xbb, 0, 0}
	if _, err := Parse(buf); err == nil {
		t.Error("Parse of a length-mismatched buffer should have failed")
	}
}

func TestBytesRoundTrip(t *testing.T) {
	fr, wire, err := Assemble(0x3f02, 0x0001, ACK06, []byte{0x00, 0x3b, 0x02}, 0, 0)
	if err != nil {
		t.Fatalf("Assemble: %v", err)
	}
	if !bytes.Equal(fr.Bytes(), wire) {
		t.Errorf("Bytes() = % x, want % x", fr.Bytes(), wire)
	}
}

func TestRegisterHexElidesLeadingZero(t *testing.T) {
	if got := RegisterHex([3]byte{0x00, 0x3b, 0x02}); got != "3b02" {
		t.Errorf("RegisterHex = %q, want 3b02", got)
	}
	if got := RegisterHex([3]byte{0x01, 0x3b, 0x02}); got != "013b02" {
		t.Errorf("RegisterHex = %q, want 013b02", got)
	}
}

func TestFunctionNameFallsBackForReserved(t *testing.T) {
	if got := Function(0x99).Name(); got != "reserved(0x99)" {
		t.Errorf("Name() = %q, want reserved(0x99)", got)
	}
	if got := ACK06.Name(); got != "ACK06" {
		t.Errorf("Name() = %q, want ACK06", got)
	}
}

func TestDescribeUsesNamer(t *testing.T) {
	fr, _, err := Assemble(0x0001, 0x3f02, READ, []byte{0x00, 0x3b, 0x02}, 0, 0)
	if err != nil {
		t.Fatalf("Assemble: %v", err)
	}
	namer := func(id [3]byte) (string, bool) {
		if id == [3]byte{0x00, 0x3b, 0x02} {
			return "TStatCurrentParams", true
		}
		return "", false
	}
	desc := fr.Describe(namer)
	if !bytes.Contains([]byte(desc), []byte("TStatCurrentParams(3b02)")) {
		t.Errorf("Describe() = %q, want it to contain TStatCurrentParams(3b02)", desc)
	}
}
