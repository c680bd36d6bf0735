package order

import "sync"

// Sequence hands out monotonically increasing order ids. The high-water mark
// is persisted by the store and restored on load so ids never repeat across
// restarts.
type Sequence struct {
	mu   sync.Mutex
	next int64
}

func NewSequence(start int64) *Sequence {
	if start < 1 {
		start = 1
	}
	return &Sequence{next: start}
}

func (s *Sequence) Next() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.next
	s.next++
	return id
}

// Peek returns the next id without consuming it.
func (s *Sequence) Peek() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.next
}

// Advance raises the sequence so the next issued id is at least id. Used
// when reloading persisted orders; never lowers the mark.
func (s *Sequence) Advance(id int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id > s.next {
		s.next = id
	}
}
