// README: Outbound session table; every live connection owns a bounded send buffer.
package realtime

import (
	"sync"

	"eats/internal/modules/presence"
)

// Outbox is the outbound side of one session.
type Outbox struct {
	ID     presence.SessionID
	ch     chan []byte
	closed chan struct{}
	once   sync.Once
}

// C yields frames to write to the connection.
func (o *Outbox) C() <-chan []byte { return o.ch }

// Done is closed when the session is closed or superseded.
func (o *Outbox) Done() <-chan struct{} { return o.closed }

func (o *Outbox) close() {
	o.once.Do(func() { close(o.closed) })
}

type Sessions struct {
	mu     sync.RWMutex
	buffer int
	boxes  map[presence.SessionID]*Outbox
}

func NewSessions(buffer int) *Sessions {
	if buffer <= 0 {
		buffer = 1
	}
	return &Sessions{buffer: buffer, boxes: make(map[presence.SessionID]*Outbox)}
}

func (s *Sessions) Open(id presence.SessionID) *Outbox {
	box := &Outbox{ID: id, ch: make(chan []byte, s.buffer), closed: make(chan struct{})}
	s.mu.Lock()
	if old, ok := s.boxes[id]; ok {
		old.close()
	}
	s.boxes[id] = box
	s.mu.Unlock()
	return box
}

func (s *Sessions) Close(id presence.SessionID) {
	s.mu.Lock()
	box, ok := s.boxes[id]
	delete(s.boxes, id)
	s.mu.Unlock()
	if ok {
		box.close()
	}
}

// Deliver queues msg without blocking. A full buffer drops the message.
func (s *Sessions) Deliver(id presence.SessionID, msg []byte) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	box, ok := s.boxes[id]
	if !ok {
		return ErrNotConnected
	}
	select {
	case <-box.closed:
		return ErrNotConnected
	default:
	}
	select {
	case box.ch <- msg:
		return nil
	default:
		return ErrSlowConsumer
	}
}

func (s *Sessions) CloseAll() {
	s.mu.Lock()
	boxes := s.boxes
	s.boxes = make(map[presence.SessionID]*Outbox)
	s.mu.Unlock()
	for _, box := range boxes {
		box.close()
	}
}

func (s *Sessions) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.boxes)
}
