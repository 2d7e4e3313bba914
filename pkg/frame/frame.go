// Package frame assembles and parses wire frames for the HVAC control
// bus: an 8-byte header, a variable-length payload, and a little-endian
// CRC-16 trailer.
package frame

import (
	"encoding/binary"
	"fmt"

	"github.com/dulitz/finitude/pkg/crc"
)

// Function is the closed set of function codes observed (or reserved)
// on the bus.
type Function byte

const (
	ACK02  Function = 0x02
	ACK06  Function = 0x06
	READ   Function = 0x0b
	WRITE  Function = 0x0c
	NACK   Function = 0x15
	CHGTBN Function = 0x10
	ALARM  Function = 0x1e
	RDOBJ  Function = 0x22
	RDVAR  Function = 0x62
	FORCE  Function = 0x63
	AUTO   Function = 0x64
	LIST   Function = 0x75
)

var functionNames = map[Function]string{
	ACK02:  "ACK02",
	ACK06:  "ACK06",
	READ:   "READ",
	WRITE:  "WRITE",
	NACK:   "NACK",
	CHGTBN: "CHGTBN",
	ALARM:  "ALARM",
	RDOBJ:  "RDOBJ",
	RDVAR:  "RDVAR",
	FORCE:  "FORCE",
	AUTO:   "AUTO",
	LIST:   "LIST",
}

// Name returns the function's mnemonic, or "reserved(0xNN)" if unknown.
func (f Function) Name() string {
	if name, ok := functionNames[f]; ok {
		return name
	}
	return fmt.Sprintf("reserved(0x%02x)", byte(f))
}

// HeaderLen is the length of the frame header preceding the payload.
const HeaderLen = 8

// TrailerLen is the length of the little-endian CRC-16 trailer.
const TrailerLen = 2

// RegisterNamer resolves a register identifier to a human name, used
// only by String(); the frame package itself carries no schema.
type RegisterNamer func(regID [3]byte) (name string, ok bool)

// Frame is a parsed or about-to-be-assembled bus frame.
type Frame struct {
	Dest, Source uint16
	PID, Ext     byte // always observed zero; preserved verbatim
	Func         Function
	Data         []byte
}

// Assemble builds the wire bytes for (dest, source, fn, data, pid, ext),
// computing and appending the CRC. len(data) must not exceed 255.
func Assemble(dest, source uint16, fn Function, data []byte, pid, ext byte) (*Frame, []byte, error) {
	if len(data) > 255 {
		return nil, nil, fmt.Errorf("frame.Assemble: data length %d exceeds 255", len(data))
	}
	fr := &Frame{Dest: dest, Source: source, PID: pid, Ext: ext, Func: fn, Data: append([]byte(nil), data...)}
	wire := make([]byte, 0, HeaderLen+len(data)+TrailerLen)
	wire = binary.BigEndian.AppendUint16(wire, dest)
	wire = binary.BigEndian.AppendUint16(wire, source)
	wire = append(wire, byte(len(data)), pid, ext, byte(fn))
	wire = append(wire, data...)
	sum := crc.Checksum(wire)
	wire = binary.LittleEndian.AppendUint16(wire, sum)
	return fr, wire, nil
}

// Parse validates and decodes a wire frame. It does not itself verify
// the CRC; call Valid for that (the Bus validates before returning a
// frame, so callers that only ever see Bus-returned frames need not).
func Parse(buf []byte) (*Frame, error) {
	if len(buf) < HeaderLen+TrailerLen {
		return nil, fmt.Errorf("frame.Parse: buffer too short: %d bytes", len(buf))
	}
	length := int(buf[4])
	want := HeaderLen + length + TrailerLen
	if len(buf) != want {
		return nil, fmt.Errorf("frame.Parse: expected %d bytes for len=%d, got %d", want, length, len(buf))
	}
	data := make([]byte, length)
	copy(data, buf[HeaderLen:HeaderLen+length])
	return &Frame{
		Dest:   binary.BigEndian.Uint16(buf[0:2]),
		Source: binary.BigEndian.Uint16(buf[2:4]),
		PID:    buf[5],
		Ext:    buf[6],
		Func:   Function(buf[7]),
		Data:   data,
	}, nil
}

// Valid recomputes the CRC over buf (as produced by Bytes) and reports
// whether it is zero.
func Valid(buf []byte) bool {
	return crc.Checksum(buf) == 0
}

// Bytes re-serializes the frame to its wire form, including CRC.
func (f *Frame) Bytes() []byte {
	_, wire, err := Assemble(f.Dest, f.Source, f.Func, f.Data, f.PID, f.Ext)
	if err != nil {
		// len(f.Data) <= 255 is an invariant maintained by Parse/Assemble.
		panic(err)
	}
	return wire
}

// RegisterID returns the first three payload bytes as the register
// identifier. The caller must ensure len(Data) >= 3.
func (f *Frame) RegisterID() [3]byte {
	var id [3]byte
	copy(id[:], f.Data[:3])
	return id
}

// RegisterHex renders a register identifier as 4 or 6 lowercase hex
// digits, eliding the leading byte when it is zero.
func RegisterHex(id [3]byte) string {
	full := fmt.Sprintf("%02x%02x%02x", id[0], id[1], id[2])
	if id[0] == 0 {
		return full[2:]
	}
	return full
}

// PrintableAddress renders a 2-byte bus address as 4 lowercase hex digits.
func PrintableAddress(addr uint16) string {
	return fmt.Sprintf("%04x", addr)
}

// String pretty-prints the frame without a schema: when Func is
// READ/WRITE/ACK06 and the payload carries a register id, it renders as
// register(xxxx). Describe resolves register names.
func (f *Frame) String() string {
	return f.describe(nil)
}

// Describe pretty-prints the frame, resolving register names via namer.
func (f *Frame) Describe(namer RegisterNamer) string {
	return f.describe(namer)
}

func (f *Frame) describe(namer RegisterNamer) string {
	pid, ext := "", ""
	if f.PID != 0 {
		pid = fmt.Sprintf(" %d", f.PID)
	}
	if f.Ext != 0 {
		ext = fmt.Sprintf(" %d", f.Ext)
	}
	register := ""
	if (f.Func == READ || f.Func == WRITE || f.Func == ACK06) && len(f.Data) >= 3 {
		id := f.RegisterID()
		hexid := RegisterHex(id)
		name := "register"
		if namer != nil {
			if n, ok := namer(id); ok {
				name = n
			}
		}
		register = fmt.Sprintf(" %s(%s)", name, hexid)
	}
	return fmt.Sprintf("to %s from %s len %d%s%s %s(0x%02x)%s",
		PrintableAddress(f.Dest), PrintableAddress(f.Source), len(f.Data), pid, ext,
		f.Func.Name(), byte(f.Func), register)
}
