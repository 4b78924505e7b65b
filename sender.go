// Copyright 2012 Apcera Inc. All rights reserved.

package nitox

import (
	"sync"
)

// ackTrigger is a shared rendezvous flag: a send in verbose mode clears
// it, then waits for it to be raised by the next server +OK. This is a
// simple rendezvous, not a sequence-aware ack — it assumes the server's
// OKs arrive in the same order as the client's commands and that verbose
// callers serialize their sends, exactly as spec.md §4.4/§9 describes.
type ackTrigger struct {
	mu   sync.Mutex
	cond *sync.Cond
	up   bool
}

func newAckTrigger() *ackTrigger {
	t := &ackTrigger{}
	t.cond = sync.NewCond(&t.mu)
	return t
}

func (a *ackTrigger) pullDown() {
	a.mu.Lock()
	a.up = false
	a.mu.Unlock()
}

func (a *ackTrigger) fire() {
	a.mu.Lock()
	a.up = true
	a.mu.Unlock()
	a.cond.Broadcast()
}

func (a *ackTrigger) wait() {
	a.mu.Lock()
	for !a.up {
		a.cond.Wait()
	}
	a.mu.Unlock()
}

// opQueue is a growable, condition-variable-backed unbounded queue of Op
// values: the Go analogue of the teacher's bufio writer that simply
// keeps growing while disconnected, and of spec.md §4.4's "unbounded
// in-memory queue" between producer and writer.
type opQueue struct {
	mu     sync.Mutex
	cond   *sync.Cond
	items  []Op
	closed bool
}

func newOpQueue() *opQueue {
	q := &opQueue{}
	q.cond = sync.NewCond(&q.mu)
	return q
}

func (q *opQueue) push(op Op) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrInnerChainBroken
	}
	q.items = append(q.items, op)
	q.mu.Unlock()
	q.cond.Signal()
	return nil
}

// popAll blocks until at least one item is queued (or the queue is
// closed), then returns every queued item at once, draining the queue.
// The writer still encodes and writes each returned frame with its own
// Connection.Write call.
func (q *opQueue) popAll() ([]Op, bool) {
	q.mu.Lock()
	for len(q.items) == 0 && !q.closed {
		q.cond.Wait()
	}
	if len(q.items) == 0 && q.closed {
		q.mu.Unlock()
		return nil, false
	}
	items := q.items
	q.items = nil
	q.mu.Unlock()
	return items, true
}

func (q *opQueue) close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.cond.Broadcast()
}

// sender is the single-producer-to-socket funnel: many callers push Op
// values via send(); one background goroutine, started at construction
// and alive for the sender's lifetime, drains them onto the Connection.
type sender struct {
	queue   *opQueue
	conn    *Connection
	verbose bool
	ack     *ackTrigger

	wg sync.WaitGroup
}

func newSender(conn *Connection, verbose bool) *sender {
	s := &sender{
		queue:   newOpQueue(),
		conn:    conn,
		verbose: verbose,
		ack:     newAckTrigger(),
	}
	s.wg.Add(1)
	go s.writeLoop()
	return s
}

func (s *sender) writeLoop() {
	defer s.wg.Done()
	for {
		ops, ok := s.queue.popAll()
		if !ok {
			return
		}
		for _, op := range ops {
			frame, err := op.encode()
			if err != nil {
				continue
			}
			_ = s.conn.Write(frame)
		}
	}
}

// send enqueues op for the writer goroutine. It returns once op has been
// accepted into the queue (not once the server has seen it) unless
// verbose mode is active, in which case it blocks for the next +OK.
func (s *sender) send(op Op) error {
	if s.verbose {
		s.ack.pullDown()
	}
	if err := s.queue.push(op); err != nil {
		return err
	}
	if s.verbose {
		s.ack.wait()
	}
	return nil
}

func (s *sender) onOK() {
	if s.verbose {
		s.ack.fire()
	}
}

func (s *sender) close() {
	s.queue.close()
	s.wg.Wait()
}
