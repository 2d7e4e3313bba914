package monitor

import (
	"database/sql"
	"log"
	"path/filepath"
	"strings"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/dulitz/finitude/pkg/frame"
	"github.com/dulitz/finitude/pkg/metrics"
	"github.com/dulitz/finitude/pkg/registry"
	"github.com/dulitz/finitude/pkg/sqlsink"
)

func newTestMonitor() *Monitor {
	reg := metrics.New(prometheus.NewRegistry(), log.Default())
	return New(Config{ID: "conn"}, registry.DefaultSchema, reg, log.Default())
}

func assembledFrame(t *testing.T, dest, source uint16, fn frame.Function, data []byte) *frame.Frame {
	t.Helper()
	fr, _, err := frame.Assemble(dest, source, fn, data, 0, 0)
	if err != nil {
		t.Fatalf("frame.Assemble: %v", err)
	}
	return fr
}

func TestProcessFrameIgnoresFramesWithoutRegister(t *testing.T) {
	m := newTestMonitor()
	fr := assembledFrame(t, 1, 2, frame.ACK02, nil)
	label, payload, rest, values := m.processFrame(fr)
	if label != "" || payload != nil || rest != nil || values != nil {
		t.Errorf("processFrame(ACK02 with no data) = (%q, %v, %v, %v), want all zero", label, payload, rest, values)
	}
}

func TestProcessFrameLabelsWriteAndAckDifferently(t *testing.T) {
	m := newTestMonitor()
	data := []byte{0x00, 0x3b, 0x02}
	data = append(data, make([]byte, 29)...) // TStatCurrentParams' full payload length

	write := assembledFrame(t, 0x3f02, 0x0001, frame.WRITE, data)
	label, _, _, _ := m.processFrame(write)
	if label == "" {
		t.Fatal("expected a non-empty label for a WRITE frame")
	}
	wantPrefix := "WRITE(0001):"
	if len(label) < len(wantPrefix) || label[:len(wantPrefix)] != wantPrefix {
		t.Errorf("label = %q, want prefix %q", label, wantPrefix)
	}

	ack := assembledFrame(t, 0x0001, 0x3f02, frame.ACK06, data)
	label2, _, _, _ := m.processFrame(ack)
	if label2 == "" {
		t.Fatal("expected a non-empty label for an ACK06 frame")
	}
	if label2[:len(wantPrefix)] == wantPrefix {
		t.Errorf("ACK06 label %q should not carry the WRITE prefix", label2)
	}
}

func TestProcessFrameUnknownRegisterStillLabeled(t *testing.T) {
	m := newTestMonitor()
	data := []byte{0xff, 0xff, 0xff, 0x01, 0x02}
	fr := assembledFrame(t, 1, 2, frame.ACK06, data)
	label, payload, rest, _ := m.processFrame(fr)
	if label == "" {
		t.Fatal("expected a label for an unknown register")
	}
	if len(payload) != len(data) {
		t.Errorf("payload = % x, want % x", payload, data)
	}
	if len(rest) != 2 {
		t.Errorf("rest = % x, want the 2 bytes past the register id", rest)
	}
}

func TestProcessFrameRecordsDecodeErrorInsteadOfDroppingFrame(t *testing.T) {
	m := newTestMonitor()
	// TStatCurrentParams needs 29 payload bytes; give it far fewer so
	// registry.Decode fails. The frame must still get a real label and
	// an {"ERROR": ...} marker as rest, not be silently dropped.
	data := []byte{0x00, 0x3b, 0x02, 0x01, 0x02}
	fr := assembledFrame(t, 1, 2, frame.ACK06, data)
	label, payload, rest, values := m.processFrame(fr)
	if label == "" {
		t.Fatal("expected a non-empty label even when decoding fails")
	}
	if values != nil {
		t.Errorf("values = %v, want nil on a decode error", values)
	}
	if len(payload) != len(data) {
		t.Errorf("payload = % x, want % x", payload, data)
	}
	if !strings.Contains(string(rest), "ERROR") {
		t.Errorf("rest = %q, want it to carry an ERROR marker", rest)
	}
}

func TestProcessFramePublishesMetricsOnAck06(t *testing.T) {
	m := newTestMonitor()
	// AirHandler06: Unknown1(u8) BlowerRPM(u16) Unknown2(u8) Unknown3(u16) Unknown4(u16) Unknown5(u8) State(u8)
	data := []byte{0x00, 0x03, 0x06, 0x00, 0x03, 0x84, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00}
	fr := assembledFrame(t, 1, 2, frame.ACK06, data)
	m.processFrame(fr)
	got, ok := m.metrics.GaugeValue("finitude_airhandler_blower_rpm", "conn")
	if !ok {
		t.Fatal("expected finitude_airhandler_blower_rpm to have been created")
	}
	if got != 0x0384 {
		t.Errorf("finitude_airhandler_blower_rpm = %v, want %d", got, 0x0384)
	}
}

func TestProcessFrameArchivesDecodedValuesToSink(t *testing.T) {
	dsn := filepath.Join(t.TempDir(), "archive.db")
	reg := metrics.New(prometheus.NewRegistry(), log.Default())
	sink, err := sqlsink.Open(dsn)
	if err != nil {
		t.Fatalf("sqlsink.Open: %v", err)
	}
	defer sink.Close()
	m := New(Config{ID: "conn", Sink: sink}, registry.DefaultSchema, reg, log.Default())
	if m.sink != sink {
		t.Fatal("New did not wire cfg.Sink into the Monitor")
	}

	data := []byte{0x00, 0x03, 0x06, 0x00, 0x03, 0x84, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00}
	fr := assembledFrame(t, 1, 2, frame.ACK06, data)
	label, _, _, values := m.processFrame(fr)
	if values == nil || values.Len() == 0 {
		t.Fatal("expected decoded values for a known, fully-decodable register")
	}
	// Mirrors what runLoop does once a sink is configured.
	if err := m.sink.Record(m.cfg.ID, label, values, time.Now()); err != nil {
		t.Fatalf("Record: %v", err)
	}

	db2, err := sql.Open("sqlite3", dsn)
	if err != nil {
		t.Fatalf("reopening %s: %v", dsn, err)
	}
	defer db2.Close()
	var count int
	row := db2.QueryRow(`SELECT COUNT(*) FROM register_values WHERE monitor = ? AND label = ?`, "conn", label)
	if err := row.Scan(&count); err != nil {
		t.Fatalf("querying archived rows: %v", err)
	}
	if count == 0 {
		t.Error("expected at least one archived row for the decoded AirHandler06 frame")
	}
}

func TestReportCRCErrorOnlyCountsWhenPreviouslySynchronized(t *testing.T) {
	m := newTestMonitor()
	// Not yet synchronized: reportCRCError should not increment desyncs.
	m.reportCRCError()
	if got := m.metrics.DesyncCount("conn"); got != 0 {
		t.Errorf("desyncs = %v, want 0 before first sync", got)
	}

	m.setSynchronized(true)
	m.reportCRCError()
	if got := m.metrics.DesyncCount("conn"); got != 1 {
		t.Errorf("desyncs = %v, want 1 after a CRC error while synchronized", got)
	}

	// Already desynchronized: a second error in a row must not double-count.
	m.reportCRCError()
	if got := m.metrics.DesyncCount("conn"); got != 1 {
		t.Errorf("desyncs = %v, want still 1 (guarded by the synchronized flag)", got)
	}
}

func TestSnapshotReflectsCaptureState(t *testing.T) {
	m := newTestMonitor()
	snap := m.Snapshot()
	if snap.ID != "conn" || snap.State != StateNew {
		t.Errorf("initial Snapshot = %+v, want ID=conn State=StateNew", snap)
	}
	m.SetCapture(true)
	m.log.Append(time.Now(), "label", []byte{1, 2, 3}, []byte{0xff})
	snap = m.Snapshot()
	if snap.StoredFrameCount != 1 || snap.SequenceLength != 1 {
		t.Errorf("Snapshot after one capture = %+v, want counts of 1", snap)
	}
}
