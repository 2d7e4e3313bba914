package sqlsink

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/dulitz/finitude/pkg/registry"
)

func newValues(t *testing.T, pairs ...interface{}) *registry.Values {
	t.Helper()
	entry := registry.RegisterEntry{Name: "synthetic"}
	var raw []byte
	for i := 0; i+1 < len(pairs); i += 2 {
		name := pairs[i].(string)
		b := pairs[i+1].(uint8)
		entry.Fields = append(entry.Fields, registry.FieldDescriptor{Reps: 1, Kind: registry.KindUint8, Name: name})
		raw = append(raw, b)
	}
	values, _, err := registry.Decode(entry, raw)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	return values
}

func TestOpenCreatesSchemaAndRecordRoundTrips(t *testing.T) {
	dsn := filepath.Join(t.TempDir(), "archive.db")
	s, err := Open(dsn)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	values := newValues(t, "CurrentTemp", uint8(72), "OutdoorTemp", uint8(55))
	if err := s.Record("conn", "3f02_TStatCurrentParams(3b02)", values, time.Now()); err != nil {
		t.Fatalf("Record: %v", err)
	}

	var count int
	row := s.db.QueryRow(`SELECT COUNT(*) FROM register_values WHERE monitor = ? AND label = ?`, "conn", "3f02_TStatCurrentParams(3b02)")
	if err := row.Scan(&count); err != nil {
		t.Fatalf("querying archived rows: %v", err)
	}
	if count != 2 {
		t.Errorf("archived row count = %d, want 2 (one per field)", count)
	}
}

func TestOpenIsIdempotentAcrossReopen(t *testing.T) {
	dsn := filepath.Join(t.TempDir(), "archive.db")
	s1, err := Open(dsn)
	if err != nil {
		t.Fatalf("first Open: %v", err)
	}
	s1.Close()

	s2, err := Open(dsn)
	if err != nil {
		t.Fatalf("reopening an existing archive should not fail: %v", err)
	}
	defer s2.Close()
}
