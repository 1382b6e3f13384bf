package sim

import (
	"fmt"
	"sync"

	"github.com/mklimuk/gasbus"
)

// Silent never acknowledges anything.
type Silent struct{}

func (Silent) Start() {}
func (Silent) Address(byte, bool) bool { return false }
func (Silent) Write(byte) bool { return false }
func (Silent) Read() byte { return 0xFF }
func (Silent) Acked(gasbus.Ack) {}
func (Silent) Stop() {}

// Echo acknowledges every address and byte and answers reads with the last
// byte written to it.
type Echo struct {
	mx   sync.Mutex
	last byte
}

func (e *Echo) Start() {}
func (e *Echo) Address(byte, bool) bool { return true }
func (e *Echo) Acked(gasbus.Ack) {}
func (e *Echo) Stop() {}

func (e *Echo) Write(b byte) bool {
	e.mx.Lock()
	defer e.mx.Unlock()
	e.last = b
	return true
}

func (e *Echo) Read() byte {
	e.mx.Lock()
	defer e.mx.Unlock()
	return e.last
}

// Script answers one address with canned read data and records what it is
// sent. When ExpectAcks is set every read transfer must be answered by the
// master with exactly that acknowledge sequence.
type Script struct {
	mx sync.Mutex

	Addr byte
	// Response is replayed from the start on every read transfer.
	Response []byte
	// RefuseAt makes the Nth written data byte (1-based) of every write
	// transfer not acknowledged. Zero acknowledges everything.
	RefuseAt   int
	ExpectAcks []gasbus.Ack

	Written [][]byte
	Reads   int

	active  bool
	reading bool
	pos     int
	acks    []gasbus.Ack
	err     error
}

func (s *Script) Start() {
	s.mx.Lock()
	defer s.mx.Unlock()
	s.finishRead()
	s.active = false
}

func (s *Script) Address(addr byte, read bool) bool {
	s.mx.Lock()
	defer s.mx.Unlock()
	if addr != s.Addr {
		return false
	}
	s.active = true
	s.reading = read
	s.pos = 0
	s.acks = nil
	if read {
		s.Reads++
	} else {
		s.Written = append(s.Written, []byte{})
	}
	return true
}

func (s *Script) Write(b byte) bool {
	s.mx.Lock()
	defer s.mx.Unlock()
	if !s.active || s.reading {
		return false
	}
	last := len(s.Written) - 1
	s.Written[last] = append(s.Written[last], b)
	return s.RefuseAt == 0 || len(s.Written[last]) != s.RefuseAt
}

func (s *Script) Read() byte {
	s.mx.Lock()
	defer s.mx.Unlock()
	if s.pos >= len(s.Response) {
		s.pos++
		return 0xFF
	}
	b := s.Response[s.pos]
	s.pos++
	return b
}

func (s *Script) Acked(ack gasbus.Ack) {
	s.mx.Lock()
	defer s.mx.Unlock()
	s.acks = append(s.acks, ack)
}

func (s *Script) Stop() {
	s.mx.Lock()
	defer s.mx.Unlock()
	s.finishRead()
	s.active = false
}

// Err reports the first read transfer whose acknowledge sequence did not
// match ExpectAcks.
func (s *Script) Err() error {
	s.mx.Lock()
	defer s.mx.Unlock()
	return s.err
}

func (s *Script) finishRead() {
	if !s.active || !s.reading || s.ExpectAcks == nil || s.err != nil {
		return
	}
	if len(s.acks) != len(s.ExpectAcks) {
		s.err = fmt.Errorf("read %d: expected %d acknowledges, got %v", s.Reads, len(s.ExpectAcks), s.acks)
		return
	}
	for i, ack := range s.acks {
		if ack != s.ExpectAcks[i] {
			s.err = fmt.Errorf("read %d: byte %d answered with %s, expected %s", s.Reads, i, ack, s.ExpectAcks[i])
			return
		}
	}
}
