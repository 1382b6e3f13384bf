package sim

import (
	"encoding/binary"
	"sync"

	"github.com/sigurn/crc8"

	"github.com/mklimuk/gasbus"
)

var sensirionCRC = crc8.MakeTable(crc8.Params{
	Poly:   0x31,
	Init:   0xFF,
	RefIn:  false,
	RefOut: false,
	XorOut: 0x00,
	Check:  0xF7,
	Name:   "CRC-8/NRSC-5",
})

const (
	sgp30Address       = 0x58
	generalCallAddress = 0x00
	generalCallReset   = 0x06
)

// SGP30 models the command set of a Sensirion SGP30 gas sensor. Commands are
// executed when the write transfer that carries them is stopped; results
// stay readable until a read transfer consumes them.
type SGP30 struct {
	mx sync.Mutex

	CO2eq         uint16
	TVOC          uint16
	H2            uint16
	Ethanol       uint16
	BaselineCO2eq uint16
	BaselineTVOC  uint16
	Humidity      uint16
	FeatureSet    uint16
	Serial        [3]uint16

	Initialized bool
	Resets      int
	// Commands lists every command word executed, in order.
	Commands []uint16
	// Rejected counts commands dropped because of a bad argument CRC.
	Rejected int

	selected bool
	general  bool
	reading  bool
	in       []byte
	out      []byte
	pos      int
}

func NewSGP30() *SGP30 {
	return &SGP30{
		CO2eq:      400,
		FeatureSet: 0x0022,
		Serial:     [3]uint16{0x0000, 0x0148, 0x92A7},
	}
}

func (s *SGP30) Start() {
	s.mx.Lock()
	defer s.mx.Unlock()
	s.finish()
}

func (s *SGP30) Address(addr byte, read bool) bool {
	s.mx.Lock()
	defer s.mx.Unlock()
	s.selected = false
	s.general = false
	switch {
	case addr == generalCallAddress && !read:
		s.general = true
		return true
	case addr != sgp30Address:
		return false
	case read && len(s.out) == 0:
		// nothing measured: the sensor refuses the read header
		return false
	}
	s.selected = true
	s.reading = read
	s.in = s.in[:0]
	s.pos = 0
	return true
}

func (s *SGP30) Write(b byte) bool {
	s.mx.Lock()
	defer s.mx.Unlock()
	if s.general {
		if b == generalCallReset {
			s.reset()
		}
		return true
	}
	if !s.selected || s.reading {
		return false
	}
	s.in = append(s.in, b)
	return true
}

func (s *SGP30) Read() byte {
	s.mx.Lock()
	defer s.mx.Unlock()
	if s.pos >= len(s.out) {
		s.pos++
		return 0xFF
	}
	b := s.out[s.pos]
	s.pos++
	return b
}

func (s *SGP30) Acked(gasbus.Ack) {}

func (s *SGP30) Stop() {
	s.mx.Lock()
	defer s.mx.Unlock()
	s.finish()
}

func (s *SGP30) finish() {
	if !s.selected {
		return
	}
	s.selected = false
	if s.reading {
		s.out = nil
		return
	}
	if len(s.in) < 2 {
		return
	}
	s.execute(binary.BigEndian.Uint16(s.in), s.in[2:])
}

func (s *SGP30) execute(cmd uint16, args []byte) {
	s.out = nil
	switch cmd {
	case 0x2003:
		s.Initialized = true
	case 0x2008:
		s.out = words(s.CO2eq, s.TVOC)
	case 0x2050:
		s.out = words(s.H2, s.Ethanol)
	case 0x2015:
		s.out = words(s.BaselineCO2eq, s.BaselineTVOC)
	case 0x201E:
		vals, ok := unpack(args, 2)
		if !ok {
			s.Rejected++
			return
		}
		s.BaselineTVOC, s.BaselineCO2eq = vals[0], vals[1]
	case 0x2061:
		vals, ok := unpack(args, 1)
		if !ok {
			s.Rejected++
			return
		}
		s.Humidity = vals[0]
	case 0x202F:
		s.out = words(s.FeatureSet)
	case 0x3682:
		s.out = words(s.Serial[:]...)
	default:
		return
	}
	s.Commands = append(s.Commands, cmd)
}

func (s *SGP30) reset() {
	s.Resets++
	s.Initialized = false
	s.BaselineCO2eq = 0
	s.BaselineTVOC = 0
	s.out = nil
}

func words(vals ...uint16) []byte {
	out := make([]byte, 0, 3*len(vals))
	for _, v := range vals {
		w := []byte{byte(v >> 8), byte(v)}
		out = append(out, w[0], w[1], crc8.Checksum(w, sensirionCRC))
	}
	return out
}

func unpack(args []byte, n int) ([]uint16, bool) {
	if len(args) != 3*n {
		return nil, false
	}
	vals := make([]uint16, n)
	for i := range vals {
		w := args[3*i : 3*i+2]
		if crc8.Checksum(w, sensirionCRC) != args[3*i+2] {
			return nil, false
		}
		vals[i] = binary.BigEndian.Uint16(w)
	}
	return vals, true
}
