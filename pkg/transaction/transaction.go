// Package transaction implements operator-injected send-and-wait
// requests: a frame queued for transmission, correlated against the
// replies a Monitor observes on the bus.
package transaction

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/dulitz/finitude/pkg/bus"
	"github.com/dulitz/finitude/pkg/frame"
)

// Transaction is one queued request awaiting transmission and reply.
type Transaction struct {
	Dest, Source uint16
	Wire         []byte

	// Reply receives the correlated response frame and is then closed.
	// A transaction abandoned by timeout or cancellation is removed
	// from the queue; its channel is left as it is.
	Reply chan *frame.Frame

	sent bool
}

// New assembles a transaction's wire bytes. data is the frame's
// payload (e.g. a 3-byte register id for READ, or a register id plus
// new value for WRITE).
func New(dest, source uint16, fn frame.Function, data []byte) (*Transaction, error) {
	_, wire, err := frame.Assemble(dest, source, fn, data, 0, 0)
	if err != nil {
		return nil, fmt.Errorf("transaction.New: %w", err)
	}
	return &Transaction{Dest: dest, Source: source, Wire: wire, Reply: make(chan *frame.Frame, 1)}, nil
}

// Queue holds transactions waiting to be sent, FIFO, one in flight at a
// time: only the head is ever offered to the bus, so an operator
// request never reorders ahead of an earlier one still awaiting reply.
//
// Service must be called from a single goroutine (the owning Monitor's
// read loop) for every frame read from the bus; Queue does not
// otherwise synchronize access to a transaction's sent flag.
type Queue struct {
	mu      sync.Mutex
	pending []*Transaction
}

// NewQueue returns an empty queue.
func NewQueue() *Queue {
	return &Queue{}
}

func (q *Queue) enqueue(t *Transaction) {
	q.mu.Lock()
	q.pending = append(q.pending, t)
	q.mu.Unlock()
}

func (q *Queue) remove(t *Transaction) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, p := range q.pending {
		if p == t {
			q.pending = append(q.pending[:i], q.pending[i+1:]...)
			return
		}
	}
}

func (q *Queue) head() *Transaction {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.pending) == 0 {
		return nil
	}
	return q.pending[0]
}

// Len reports the number of transactions awaiting send or reply.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Service advances the queue given a frame just read from the bus: it
// offers the head transaction's bytes to the bus the moment an ACK06
// is observed (the bus is otherwise idle following a master's request,
// our one legal opening to transmit), and completes the head
// transaction once a correlated reply arrives. A denied write is not
// an error; the head simply stays queued for the next ACK06.
func (q *Queue) Service(seen *frame.Frame, b *bus.Bus) error {
	head := q.head()
	if head == nil {
		return nil
	}
	if !head.sent {
		// The frame that opens the transmit window cannot itself be the
		// reply, so correlation starts with the next frame.
		if seen.Func == frame.ACK06 {
			ok, err := b.TryWrite(head.Wire)
			if err != nil {
				return err
			}
			if ok {
				head.sent = true
			}
		}
		return nil
	}
	if seen.Source == head.Dest && seen.Dest == head.Source &&
		(seen.Func == frame.ACK06 || seen.Func == frame.ACK02 || seen.Func == frame.NACK) {
		q.remove(head)
		head.Reply <- seen
		close(head.Reply)
	}
	return nil
}

// SendWithResponse queues a request and waits up to timeout for its
// correlated reply. A timeout or context cancellation abandons the
// transaction (removing it from the queue if still pending) and
// returns (nil, nil) rather than an error: the caller distinguishes "no
// answer within the deadline" from a hard failure by the nil frame,
// matching the bus's tolerance for unanswered requests.
func (q *Queue) SendWithResponse(ctx context.Context, dest, source uint16, fn frame.Function, data []byte, timeout time.Duration) (*frame.Frame, error) {
	t, err := New(dest, source, fn, data)
	if err != nil {
		return nil, err
	}
	q.enqueue(t)

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case reply, ok := <-t.Reply:
		if !ok {
			return nil, nil
		}
		return reply, nil
	case <-timer.C:
		q.remove(t)
		return nil, nil
	case <-ctx.Done():
		q.remove(t)
		return nil, nil
	}
}
