// Package registry declares the static schema of known bus registers and
// decodes their payloads into ordered, named values.
//
// Schema data is transcribed from the Carrier/Bryant register map
// (table 01 DEVCONFG through table 3e DCLEGACY) observed on a live bus.
package registry

import (
	"encoding/binary"
	"fmt"
	"strings"
)

// FanMode is the fan-speed selection carried by TStatZoneParams and
// TStatVacationParams.
type FanMode uint8

const (
	FanAuto FanMode = iota
	FanLow
	FanMedium
	FanHigh
)

func (f FanMode) String() string {
	switch f {
	case FanAuto:
		return "AUTO"
	case FanLow:
		return "LOW"
	case FanMedium:
		return "MEDIUM"
	case FanHigh:
		return "HIGH"
	default:
		return fmt.Sprintf("FanMode(%d)", uint8(f))
	}
}

// HvacMode is the heat-source selection carried by the low 5 bits of the
// Mode byte in TStatCurrentParams.
type HvacMode uint8

const (
	ModeHeat HvacMode = iota
	ModeCool
	ModeAuto
	ModeElectric
	ModeHeatpump
	ModeOff
)

func (m HvacMode) String() string {
	switch m {
	case ModeHeat:
		return "HEAT"
	case ModeCool:
		return "COOL"
	case ModeAuto:
		return "AUTO"
	case ModeElectric:
		return "ELECTRIC"
	case ModeHeatpump:
		return "HEATPUMP"
	case ModeOff:
		return "OFF"
	default:
		return fmt.Sprintf("HvacMode(%d)", uint8(m))
	}
}

// Kind identifies how a field's bytes are interpreted.
type Kind int

const (
	KindUnknown Kind = iota
	KindUTF8
	KindName
	KindUint8
	KindInt8
	KindUint16
	KindRepeating
)

// ZonesAll marks a FieldDescriptor whose single (name, kind) pair is
// replayed once per zone, producing Zone1<Name> .. Zone8<Name>.
const ZonesAll = -1

// NumZones is the number of per-zone slots a ZonesAll field expands to.
const NumZones = 8

// FieldDescriptor is one entry in a RegisterEntry's field list.
//
// Reps means:
//   - ZonesAll: Kind is applied 8 times, producing Zone1<Name>..Zone8<Name>
//   - for KindUnknown: the byte count of an unnamed opaque run
//   - for KindRepeating: always 0; the descriptors after this one form
//     the repeating record template, replayed until the payload is
//     exhausted
//   - otherwise: byte count for KindUTF8, 1 for everything else
type FieldDescriptor struct {
	Reps int
	Kind Kind
	Name string
}

// RegisterEntry names a register and describes how to decode its payload.
// A nil Fields means the register's payload is opaque (unparsed).
type RegisterEntry struct {
	Name   string
	Fields []FieldDescriptor
}

// Schema maps a 3-byte register identifier to its RegisterEntry.
type Schema map[[3]byte]RegisterEntry

// regID builds a [3]byte register key from its table, item and
// sub-item bytes.
func regID(table, item byte, sub byte) [3]byte {
	return [3]byte{table, item, sub}
}

// regInfoFields is the common decode template shared by every RegInfo
// register (one row per register registered in that table).
var regInfoFields = []FieldDescriptor{
	{Reps: 1, Kind: KindUint8, Name: "Unknown1"},
	{Reps: 1, Kind: KindUint8, Name: "Unknown2"},
	{Reps: 8, Kind: KindUTF8, Name: "TableName"},
	{Reps: 1, Kind: KindUint8, Name: "Unknown3"},
	{Reps: 1, Kind: KindUint8, Name: "Unknown4"},
	{Reps: 1, Kind: KindUint8, Name: "NumRegisters"},
	{Reps: 0, Kind: KindRepeating, Name: "Registers"},
	{Reps: 1, Kind: KindUint8, Name: "Length"},
	{Reps: 1, Kind: KindUint8, Name: "Type"},
}

// DefaultSchema is the register map learned from a running Carrier
// Infinity / Bryant Evolution system: thermostat, air handler, heat
// pump, zone damper controller, and network/smart-access modules.
var DefaultSchema = Schema{
	regID(0x00, 0x01, 0x01): {Name: "RegInfo01", Fields: regInfoFields},
	regID(0x00, 0x01, 0x02): {Name: "AddressInfo", Fields: []FieldDescriptor{
		{Reps: 1, Kind: KindUint8, Name: "DeviceClass"},
		{Reps: 1, Kind: KindUint8, Name: "DeviceBus"},
		{Reps: 1, Kind: KindUint8, Name: "Unknown"},
	}},
	regID(0x00, 0x01, 0x03): {Name: "UnknownInfo0103", Fields: []FieldDescriptor{
		{Reps: 1, Kind: KindUint8, Name: "Unknown1"},
		{Reps: 1, Kind: KindUint8, Name: "Unknown2"},
		{Reps: 1, Kind: KindUint8, Name: "Unknown3"},
		{Reps: 1, Kind: KindUint8, Name: "Unknown4"},
	}},
	regID(0x00, 0x01, 0x04): {Name: "DeviceInfo", Fields: []FieldDescriptor{
		{Reps: 48, Kind: KindUTF8, Name: "Module"},
		{Reps: 16, Kind: KindUTF8, Name: "Firmware"},
		{Reps: 20, Kind: KindUTF8, Name: "Model"},
		{Reps: 36, Kind: KindUTF8, Name: "Serial"},
	}},
	regID(0x00, 0x02, 0x01): {Name: "RegInfo02", Fields: regInfoFields},
	regID(0x00, 0x02, 0x02): {Name: "SysTime", Fields: []FieldDescriptor{
		{Reps: 1, Kind: KindUint8, Name: "Hour"},
		{Reps: 1, Kind: KindUint8, Name: "Minute"},
		{Reps: 1, Kind: KindUint8, Name: "DayOfWeek"},
	}},
	regID(0x00, 0x02, 0x03): {Name: "SysDate", Fields: []FieldDescriptor{
		{Reps: 1, Kind: KindUint8, Name: "Day"},
		{Reps: 1, Kind: KindUint8, Name: "Month"},
		{Reps: 1, Kind: KindUint8, Name: "Year"},
	}},
	regID(0x00, 0x03, 0x01): {Name: "RegInfo03", Fields: regInfoFields},
	regID(0x00, 0x03, 0x02): {Name: "Temperatures", Fields: []FieldDescriptor{
		{Reps: 0, Kind: KindRepeating, Name: "TempSensors"},
		{Reps: 1, Kind: KindUint8, Name: "State"},
		{Reps: 1, Kind: KindUint8, Name: "Type"},
		{Reps: 1, Kind: KindUint16, Name: "TempTimes16"},
	}},
	regID(0x00, 0x03, 0x03): {Name: "UntitledHeatPump", Fields: []FieldDescriptor{
		{Reps: 4, Kind: KindUnknown},
	}},
	regID(0x00, 0x03, 0x06): {Name: "AirHandler06", Fields: []FieldDescriptor{
		{Reps: 1, Kind: KindUint8, Name: "Unknown1"},
		{Reps: 1, Kind: KindUint16, Name: "BlowerRPM"},
		{Reps: 1, Kind: KindUint8, Name: "Unknown2"},
		{Reps: 1, Kind: KindUint16, Name: "Unknown3"},
		{Reps: 1, Kind: KindUint16, Name: "Unknown4"},
		{Reps: 1, Kind: KindUint8, Name: "Unknown5"},
		{Reps: 1, Kind: KindUint8, Name: "State"},
	}},
	regID(0x00, 0x03, 0x07): {Name: "UntitledAirHandler07", Fields: []FieldDescriptor{
		{Reps: 3, Kind: KindUnknown},
	}},
	regID(0x00, 0x03, 0x08): {Name: "DamperControl", Fields: []FieldDescriptor{
		{Reps: ZonesAll, Kind: KindUint8, Name: "DamperPosition"},
	}},
	regID(0x00, 0x03, 0x0d): {Name: "Unknown030d"},
	regID(0x00, 0x03, 0x0e): {Name: "UnknownOneByte", Fields: []FieldDescriptor{
		{Reps: 0, Kind: KindRepeating, Name: "OneByte"},
		{Reps: 1, Kind: KindUint8, Name: "Tag"},
		{Reps: 1, Kind: KindUint8, Name: "Value"},
	}},
	regID(0x00, 0x03, 0x0f): {Name: "UnknownTwoByte", Fields: []FieldDescriptor{
		{Reps: 0, Kind: KindRepeating, Name: "TwoByte"},
		{Reps: 1, Kind: KindUint8, Name: "Tag"},
		{Reps: 1, Kind: KindUint16, Name: "Value"},
	}},
	regID(0x00, 0x03, 0x10): {Name: "UnknownThreeByte", Fields: []FieldDescriptor{
		{Reps: 0, Kind: KindRepeating, Name: "ThreeByte"},
		{Reps: 1, Kind: KindUint8, Name: "Tag"},
		{Reps: 1, Kind: KindUint8, Name: "Unknown"},
		{Reps: 1, Kind: KindUint16, Name: "Value"},
	}},
	regID(0x00, 0x03, 0x11): {Name: "UnknownThreeByteBookend", Fields: []FieldDescriptor{
		{Reps: 0, Kind: KindRepeating, Name: "ThreeByte"},
		{Reps: 1, Kind: KindUint8, Name: "Tag"},
		{Reps: 1, Kind: KindUint8, Name: "Unknown"},
		{Reps: 1, Kind: KindUint16, Name: "Value"},
	}},
	regID(0x00, 0x03, 0x16): {Name: "AirHandler16", Fields: []FieldDescriptor{
		{Reps: 1, Kind: KindUint8, Name: "State"},
		{Reps: 3, Kind: KindUnknown},
		{Reps: 1, Kind: KindUint16, Name: "AirflowCFM"},
		{Reps: 1, Kind: KindUint16, Name: "Unknown0"},
		{Reps: 1, Kind: KindUint16, Name: "Unknown0078"},
		{Reps: 1, Kind: KindUint16, Name: "Unknown0100"},
		{Reps: 1, Kind: KindUint8, Name: "Unknown02"},
		{Reps: 1, Kind: KindUint8, Name: "UnknownFanSpeed"},
	}},
	regID(0x00, 0x03, 0x19): {Name: "DamperState", Fields: []FieldDescriptor{
		{Reps: ZonesAll, Kind: KindUint8, Name: "DamperPosition"},
	}},
	regID(0x00, 0x03, 0x1b): {Name: "Unknown031b", Fields: []FieldDescriptor{
		{Reps: 1, Kind: KindUint8, Name: "Unknown"},
	}},
	regID(0x00, 0x03, 0x1c): {Name: "LastStatus", Fields: []FieldDescriptor{
		{Reps: 1, Kind: KindUint8, Name: "StatusCode"},
		{Reps: 1, Kind: KindUint8, Name: "Severity"},
		{Reps: 38, Kind: KindUTF8, Name: "Message"},
	}},
	regID(0x00, 0x04, 0x01): {Name: "RegInfo04", Fields: regInfoFields},
	regID(0x00, 0x04, 0x1e): {Name: "SmartSensor"},
	regID(0x00, 0x04, 0x03): {Name: "UntitledAirHandler03", Fields: []FieldDescriptor{
		{Reps: 4, Kind: KindUnknown},
	}},
	regID(0x00, 0x04, 0x09): {Name: "UntitledAirHandler", Fields: []FieldDescriptor{
		{Reps: 4, Kind: KindUnknown},
	}},
	regID(0x00, 0x06, 0x01): {Name: "RegInfo06", Fields: regInfoFields},
	regID(0x00, 0x06, 0x0d): {Name: "UntitledHeatPump0d", Fields: []FieldDescriptor{
		{Reps: 1, Kind: KindUint8, Name: "Unknown"},
	}},
	regID(0x00, 0x06, 0x10): {Name: "UntitledHeatPump10", Fields: []FieldDescriptor{
		{Reps: 4, Kind: KindUnknown},
	}},
	regID(0x00, 0x06, 0x1a): {Name: "UntitledHeatPump1a", Fields: []FieldDescriptor{
		{Reps: 1, Kind: KindUint8, Name: "Unknown"},
	}},
	regID(0x00, 0x07, 0x01): {Name: "RegInfo07", Fields: regInfoFields},
	regID(0x00, 0x30, 0x01): {Name: "RegInfo30", Fields: regInfoFields},
	regID(0x00, 0x34, 0x01): {Name: "RegInfo34", Fields: regInfoFields},
	regID(0x00, 0x34, 0x04): {Name: "HRVState", Fields: []FieldDescriptor{
		{Reps: 1, Kind: KindUint8, Name: "Speed"},
	}},
	regID(0x00, 0x34, 0x05): {Name: "Unknown3405", Fields: []FieldDescriptor{
		{Reps: 1, Kind: KindUint8, Name: "Unknown1"},
		{Reps: 1, Kind: KindUint16, Name: "Unknown0"},
	}},
	regID(0x00, 0x3b, 0x01): {Name: "RegInfo3b", Fields: regInfoFields},
	regID(0x00, 0x3b, 0x02): {Name: "TStatCurrentParams", Fields: []FieldDescriptor{
		{Reps: 1, Kind: KindUint8, Name: "ZonesUnknown"},
		{Reps: 2, Kind: KindUnknown},
		{Reps: ZonesAll, Kind: KindUint8, Name: "CurrentTemp"},
		{Reps: ZonesAll, Kind: KindUint8, Name: "CurrentHumidity"},
		{Reps: 1, Kind: KindUnknown},
		{Reps: 1, Kind: KindInt8, Name: "OutdoorAirTemp"},
		{Reps: 1, Kind: KindUint8, Name: "ZonesUnoccupied"},
		{Reps: 1, Kind: KindUint8, Name: "Mode"},
		{Reps: 5, Kind: KindUnknown},
		{Reps: 1, Kind: KindUint8, Name: "DisplayedZone"},
	}},
	regID(0x00, 0x3b, 0x03): {Name: "TStatZoneParams", Fields: []FieldDescriptor{
		{Reps: 1, Kind: KindUint8, Name: "ZonesUnknown"},
		{Reps: 2, Kind: KindUnknown},
		{Reps: ZonesAll, Kind: KindUint8, Name: "FanMode"},
		{Reps: 1, Kind: KindUint8, Name: "ZonesHolding"},
		{Reps: ZonesAll, Kind: KindUint8, Name: "CurrentHeatSetpoint"},
		{Reps: ZonesAll, Kind: KindUint8, Name: "CurrentCoolSetpoint"},
		{Reps: ZonesAll, Kind: KindUint8, Name: "CurrentHumidityTarget"},
		{Reps: 1, Kind: KindUint8, Name: "FanAutoConfig"},
		{Reps: 1, Kind: KindUnknown},
		{Reps: ZonesAll, Kind: KindUint16, Name: "HoldDuration"},
		{Reps: ZonesAll, Kind: KindName, Name: "Name"},
	}},
	regID(0x00, 0x3b, 0x04): {Name: "TStatVacationParams", Fields: []FieldDescriptor{
		{Reps: 1, Kind: KindUint8, Name: "Active"},
		{Reps: 1, Kind: KindUint16, Name: "Hours"},
		{Reps: 1, Kind: KindUint8, Name: "MinTemp"},
		{Reps: 1, Kind: KindUint8, Name: "MaxTemp"},
		{Reps: 1, Kind: KindUint8, Name: "MinHumidity"},
		{Reps: 1, Kind: KindUint8, Name: "MaxHumidity"},
		{Reps: 1, Kind: KindUint8, Name: "FanMode"},
	}},
	regID(0x00, 0x3b, 0x05): {Name: "TStatUntitled05"},
	regID(0x00, 0x3b, 0x06): {Name: "TStatUntitled", Fields: []FieldDescriptor{
		{Reps: 1, Kind: KindUint8, Name: "ValidZones"},
		{Reps: 11, Kind: KindUnknown},
		{Reps: 20, Kind: KindUTF8, Name: "DealerName"},
		{Reps: 20, Kind: KindUTF8, Name: "DealerPhone"},
	}},
	regID(0x00, 0x3b, 0x0e): {Name: "SamNotification", Fields: []FieldDescriptor{
		{Reps: 1, Kind: KindUint8, Name: "Unknown"},
	}},
	regID(0x00, 0x3e, 0x01): {Name: "LegacyHeatPumpTemperatures", Fields: []FieldDescriptor{
		{Reps: 1, Kind: KindUint16, Name: "OutsideTempTimes16"},
		{Reps: 1, Kind: KindUint16, Name: "CoilTempTimes16"},
	}},
	regID(0x00, 0x3e, 0x02): {Name: "LegacyHeatPumpStage", Fields: []FieldDescriptor{
		{Reps: 1, Kind: KindUint8, Name: "StageShift1"},
	}},
	regID(0x00, 0x3e, 0x08): {Name: "LegacyHeatPumpUnknown08"},
	regID(0x00, 0x3e, 0x0a): {Name: "LegacyHeatPumpUnknown0a"},
}

// Lookup returns the entry for id and whether it is known. Unknown
// registers decode to an empty name and an opaque payload.
func (s Schema) Lookup(id [3]byte) (RegisterEntry, bool) {
	e, ok := s[id]
	return e, ok
}

// Values is an insertion-ordered string->value map, mirroring the
// iteration order of the field descriptors that produced it so that
// downstream consumers (metrics projection, change logging) see a
// stable, deterministic order.
type Values struct {
	order []string
	m     map[string]interface{}
}

func newValues() *Values {
	return &Values{m: make(map[string]interface{})}
}

func (v *Values) set(key string, val interface{}) error {
	if _, exists := v.m[key]; exists {
		return fmt.Errorf("registry: duplicate field name %q", key)
	}
	v.order = append(v.order, key)
	v.m[key] = val
	return nil
}

// Get returns the value stored under key.
func (v *Values) Get(key string) (interface{}, bool) {
	val, ok := v.m[key]
	return val, ok
}

// Keys returns field names in decode order.
func (v *Values) Keys() []string {
	return v.order
}

// Len reports the number of top-level fields decoded.
func (v *Values) Len() int {
	return len(v.order)
}

// parseOne consumes one field's worth of bytes from cursor per kind and
// reps, returning the decoded value and the remaining cursor.
func parseOne(cursor []byte, reps int, kind Kind) (interface{}, []byte, error) {
	if kind == KindName {
		if reps != 1 {
			return nil, nil, fmt.Errorf("registry: NAME field must have reps=1, got %d", reps)
		}
		reps, kind = 12, KindUTF8
	}
	switch kind {
	case KindUTF8:
		if reps <= 0 {
			return nil, nil, fmt.Errorf("registry: UTF8 field must have reps>0, got %d", reps)
		}
		if len(cursor) < reps {
			return nil, nil, fmt.Errorf("registry: short buffer decoding %d-byte UTF8 field", reps)
		}
		s := strings.Trim(string(cursor[:reps]), "\x00")
		return strings.ToValidUTF8(s, "�"), cursor[reps:], nil
	case KindUint8:
		if len(cursor) < 1 {
			return nil, nil, fmt.Errorf("registry: short buffer decoding UINT8 field")
		}
		return cursor[0], cursor[1:], nil
	case KindInt8:
		if len(cursor) < 1 {
			return nil, nil, fmt.Errorf("registry: short buffer decoding INT8 field")
		}
		return int8(cursor[0]), cursor[1:], nil
	case KindUint16:
		if len(cursor) < 2 {
			return nil, nil, fmt.Errorf("registry: short buffer decoding UINT16 field")
		}
		return binary.BigEndian.Uint16(cursor[:2]), cursor[2:], nil
	default:
		return nil, nil, fmt.Errorf("registry: cannot parse field of kind %v directly", kind)
	}
}

// Decode interprets payload (the register's data bytes with the 3-byte
// register id already stripped) per entry's field descriptors. It
// returns the decoded top-level values and any undecoded trailing bytes.
//
// A RegisterEntry with no Fields decodes to an empty Values and the
// entire payload as remainder (the register is known to exist but its
// layout is not, so we report it opaque rather than guess).
func Decode(entry RegisterEntry, payload []byte) (*Values, []byte, error) {
	if len(entry.Fields) == 0 {
		return newValues(), payload, nil
	}
	cursor := payload
	values := newValues()
	unknownIndex := 0
	for i, fd := range entry.Fields {
		switch {
		case fd.Reps == ZonesAll:
			for zone := 1; zone <= NumZones; zone++ {
				val, next, err := parseOne(cursor, 1, fd.Kind)
				if err != nil {
					return nil, nil, fmt.Errorf("%s: zone %d %s: %w", entry.Name, zone, fd.Name, err)
				}
				cursor = next
				if err := values.set(fmt.Sprintf("Zone%d%s", zone, fd.Name), val); err != nil {
					return nil, nil, err
				}
			}
		case fd.Kind == KindUnknown:
			if fd.Reps <= 0 {
				return nil, nil, fmt.Errorf("%s: UNKNOWN field must have reps>0, got %d", entry.Name, fd.Reps)
			}
			if len(cursor) < fd.Reps {
				return nil, nil, fmt.Errorf("%s: short buffer decoding %d-byte unknown run", entry.Name, fd.Reps)
			}
			for r := 0; r < fd.Reps; r++ {
				key := fmt.Sprintf("%s_unk%d_%d", entry.Name, unknownIndex, r)
				if err := values.set(key, cursor[r]); err != nil {
					return nil, nil, err
				}
			}
			cursor = cursor[fd.Reps:]
			unknownIndex++
		case fd.Kind == KindRepeating:
			template := entry.Fields[i+1:]
			var records []*Values
			for len(cursor) > 0 {
				recStart := cursor
				rec := newValues()
				short := false
				for _, tfd := range template {
					val, next, err := parseOne(cursor, tfd.Reps, tfd.Kind)
					if err != nil {
						// Not enough bytes left for a full record: the trailing
						// partial record is discarded and its bytes reported as
						// remainder rather than failing the whole decode.
						short = true
						break
					}
					cursor = next
					if err := rec.set(tfd.Name, val); err != nil {
						return nil, nil, err
					}
				}
				if short {
					cursor = recStart
					break
				}
				records = append(records, rec)
			}
			if err := values.set(fd.Name, records); err != nil {
				return nil, nil, err
			}
			return values, cursor, nil
		default:
			val, next, err := parseOne(cursor, fd.Reps, fd.Kind)
			if err != nil {
				return nil, nil, fmt.Errorf("%s: field %s: %w", entry.Name, fd.Name, err)
			}
			cursor = next
			if err := values.set(fd.Name, val); err != nil {
				return nil, nil, err
			}
		}
	}
	return values, cursor, nil
}
