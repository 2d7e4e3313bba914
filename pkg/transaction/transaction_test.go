package transaction

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/dulitz/finitude/pkg/bus"
	"github.com/dulitz/finitude/pkg/frame"
)

type fakeStream struct {
	written []byte
	canRead bool
}

func (f *fakeStream) ReadSome(buf []byte) (int, error) { return 0, nil }
func (f *fakeStream) WriteAll(data []byte) error {
	f.written = append(f.written, data...)
	return nil
}
func (f *fakeStream) CanReadNow() (bool, error) { return f.canRead, nil }
func (f *fakeStream) Close() error              { return nil }
func (f *fakeStream) String() string            { return "fake" }

func TestServiceSendsOnlyAfterAck06(t *testing.T) {
	s := &fakeStream{}
	b := bus.New(s, true, nil)
	q := NewQueue()

	tx, err := New(0x3f02, 0x0001, frame.READ, []byte{0x00, 0x3b, 0x02})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	q.enqueue(tx)

	nonAck := &frame.Frame{Dest: 0x0001, Source: 0x3f02, Func: frame.CHGTBN}
	if err := q.Service(nonAck, b); err != nil {
		t.Fatalf("Service: %v", err)
	}
	if len(s.written) != 0 {
		t.Fatal("Service transmitted before an ACK06 was observed")
	}

	ack := &frame.Frame{Dest: 0x0001, Source: 0x3f02, Func: frame.ACK06}
	if err := q.Service(ack, b); err != nil {
		t.Fatalf("Service: %v", err)
	}
	if !bytes.Equal(s.written, tx.Wire) {
		t.Errorf("written = % x, want % x", s.written, tx.Wire)
	}
}

func TestServiceCompletesOnCorrelatedReply(t *testing.T) {
	s := &fakeStream{}
	b := bus.New(s, true, nil)
	q := NewQueue()

	tx, err := New(0x3f02, 0x0001, frame.READ, []byte{0x00, 0x3b, 0x02})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	q.enqueue(tx)

	ack := &frame.Frame{Dest: 0x0001, Source: 0x3f02, Func: frame.ACK06}
	if err := q.Service(ack, b); err != nil {
		t.Fatalf("Service: %v", err)
	}

	reply := &frame.Frame{Dest: tx.Source, Source: tx.Dest, Func: frame.ACK06, Data: []byte{1}}
	if err := q.Service(reply, b); err != nil {
		t.Fatalf("Service: %v", err)
	}

	select {
	case got := <-tx.Reply:
		if got != reply {
			t.Errorf("Reply = %+v, want %+v", got, reply)
		}
	default:
		t.Fatal("Reply channel was not delivered")
	}
	if q.Len() != 0 {
		t.Errorf("q.Len() = %d, want 0 after completion", q.Len())
	}
}

func TestServiceIgnoresUncorrelatedReply(t *testing.T) {
	s := &fakeStream{}
	b := bus.New(s, true, nil)
	q := NewQueue()

	tx, err := New(0x3f02, 0x0001, frame.READ, []byte{0x00, 0x3b, 0x02})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	q.enqueue(tx)
	q.Service(&frame.Frame{Dest: 0x0001, Source: 0x3f02, Func: frame.ACK06}, b)

	unrelated := &frame.Frame{Dest: 0x9999, Source: 0x8888, Func: frame.ACK06}
	if err := q.Service(unrelated, b); err != nil {
		t.Fatalf("Service: %v", err)
	}
	if q.Len() != 1 {
		t.Errorf("q.Len() = %d, want 1 (transaction should remain pending)", q.Len())
	}
}

func TestSendWithResponseTimesOutWithoutError(t *testing.T) {
	q := NewQueue()
	reply, err := q.SendWithResponse(context.Background(), 1, 2, frame.READ, []byte{0, 0x3b, 2}, 10*time.Millisecond)
	if err != nil {
		t.Fatalf("SendWithResponse: %v", err)
	}
	if reply != nil {
		t.Errorf("reply = %+v, want nil on timeout", reply)
	}
	if q.Len() != 0 {
		t.Errorf("q.Len() = %d, want 0 after timeout removes the transaction", q.Len())
	}
}

func TestSendWithResponseHonorsContextCancellation(t *testing.T) {
	q := NewQueue()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	reply, err := q.SendWithResponse(ctx, 1, 2, frame.READ, []byte{0, 0x3b, 2}, time.Second)
	if err != nil {
		t.Fatalf("SendWithResponse: %v", err)
	}
	if reply != nil {
		t.Errorf("reply = %+v, want nil", reply)
	}
}

func TestQueueHeadOnlyIsEverServiced(t *testing.T) {
	s := &fakeStream{}
	b := bus.New(s, true, nil)
	q := NewQueue()

	first, _ := New(1, 2, frame.READ, []byte{0, 1, 1})
	second, _ := New(1, 2, frame.READ, []byte{0, 1, 2})
	q.enqueue(first)
	q.enqueue(second)

	q.Service(&frame.Frame{Dest: 2, Source: 1, Func: frame.ACK06}, b)
	if !bytes.Equal(s.written, first.Wire) {
		t.Errorf("written = % x, want first transaction's wire bytes", s.written)
	}
	if second.sent {
		t.Error("second transaction must not be sent while the first is still pending")
	}
}
