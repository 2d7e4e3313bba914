// Package changelog captures change-only snapshots of register payloads
// for diagnostic replay: a frame is recorded only when the portion of
// its payload a RegisterEntry could not decode differs from the last
// recording under the same label, and recorded payloads are
// content-addressed to keep the store small under repetitive traffic.
package changelog

import (
	"bytes"
	"sync"
	"time"
)

// DiffKind distinguishes the three diff representations a Snapshot
// entry may carry, matching how much detail is worth keeping: a
// handful of byte changes are listed in full, a length change is
// reported as such, and a large change set collapses to a count so one
// noisy register cannot dominate the log.
type DiffKind int

const (
	// DiffNone marks the first recorded occurrence of a label: there
	// is nothing to diff against.
	DiffNone DiffKind = iota
	DiffBytes
	DiffLenChange
	DiffCount
)

// ByteChange names one differing byte position between two payloads of
// equal length.
type ByteChange struct {
	Index      int
	From, To   byte
}

// Diff describes how one entry's payload differs from the previous
// entry recorded under the same label.
type Diff struct {
	Kind        DiffKind
	ByteChanges []ByteChange // Kind == DiffBytes
	LenFrom     int          // Kind == DiffLenChange
	LenTo       int          // Kind == DiffLenChange
	Count       int          // Kind == DiffCount
}

// Entry is one recorded change, as returned by Snapshot.
type Entry struct {
	Timestamp time.Time
	Label     string
	Index     int
	Diff      Diff
}

type rawEntry struct {
	timestamp time.Time
	label     string
	index     int
}

// Log is a change-only capture of register payloads, safe for
// concurrent use.
type Log struct {
	mu             sync.Mutex
	restByLabel    map[string][]byte
	indexByPayload map[string]int
	payloadByIndex [][]byte
	sequence       []rawEntry
}

// New returns an empty Log.
func New() *Log {
	return &Log{
		restByLabel:    make(map[string][]byte),
		indexByPayload: make(map[string]int),
	}
}

// Reset clears all captured state, as happens when capture is
// (re)enabled.
func (l *Log) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.restByLabel = make(map[string][]byte)
	l.indexByPayload = make(map[string]int)
	l.payloadByIndex = nil
	l.sequence = nil
}

// Append records one observed frame under label (typically the
// register name, prefixed with "WRITE(<source>):" for writes) if rest
// -- the bytes a RegisterEntry left undecoded -- differs from the last
// rest recorded under that label. payload is the frame's full data
// section, used for content-addressed dedup across repeated captures
// of identical bytes. A zero-length rest means the register was fully
// decoded, so there is nothing left to track and Append is a no-op.
func (l *Log) Append(ts time.Time, label string, payload, rest []byte) {
	if len(rest) == 0 {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if bytes.Equal(l.restByLabel[label], rest) {
		return
	}
	l.restByLabel[label] = append([]byte(nil), rest...)

	key := string(payload)
	idx, ok := l.indexByPayload[key]
	if !ok {
		l.payloadByIndex = append(l.payloadByIndex, append([]byte(nil), payload...))
		idx = len(l.payloadByIndex)
		l.indexByPayload[key] = idx
	}
	l.sequence = append(l.sequence, rawEntry{timestamp: ts, label: label, index: idx})
}

// StoredFrameCount returns the number of distinct payloads currently
// retained by the dedup table.
func (l *Log) StoredFrameCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.payloadByIndex)
}

// SequenceLength returns the number of recorded entries (which may
// repeat payload indices).
func (l *Log) SequenceLength() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.sequence)
}

// Snapshot returns every recorded entry with its diff against the
// previous entry sharing the same label computed on demand, so the hot
// path (Append) never pays for a diff unless something asks to see it.
func (l *Log) Snapshot() []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	lastIndexByLabel := make(map[string]int, len(l.restByLabel))
	out := make([]Entry, 0, len(l.sequence))
	for _, re := range l.sequence {
		e := Entry{Timestamp: re.timestamp, Label: re.label, Index: re.index}
		if last, ok := lastIndexByLabel[re.label]; ok {
			e.Diff = diffPayloads(l.payloadByIndex[last-1], l.payloadByIndex[re.index-1])
		}
		lastIndexByLabel[re.label] = re.index
		out = append(out, e)
	}
	return out
}

func diffPayloads(last, this []byte) Diff {
	if len(last) != len(this) {
		return Diff{Kind: DiffLenChange, LenFrom: len(last), LenTo: len(this)}
	}
	var changes []ByteChange
	for i := range last {
		if last[i] != this[i] {
			changes = append(changes, ByteChange{Index: i, From: last[i], To: this[i]})
		}
	}
	if len(changes) > 8 {
		return Diff{Kind: DiffCount, Count: len(changes)}
	}
	return Diff{Kind: DiffBytes, ByteChanges: changes}
}
