package protocol

import "sync/atomic"

// Sequencer hands out strictly increasing order ids. The first id is
// start+1; ids are never reused.
type Sequencer struct {
	last atomic.Uint64
}

func NewSequencer(start uint64) *Sequencer {
	s := &Sequencer{}
	s.last.Store(start)
	return s
}

// Next returns the next order id.
func (s *Sequencer) Next() uint64 {
	return s.last.Add(1)
}

// Current returns the last id issued, or the start value.
func (s *Sequencer) Current() uint64 {
	return s.last.Load()
}
