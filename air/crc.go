package air

import (
	"encoding/binary"
	"fmt"

	"github.com/sigurn/crc8"
)

var ErrCRC = fmt.Errorf("crc mismatch")

// Sensirion word checksum: CRC-8, polynomial 0x31 (x8 + x5 + x4 + 1),
// initial value 0xFF, no reflection.
var crcTable = crc8.MakeTable(crc8.Params{
	Poly:   0x31,
	Init:   0xFF,
	RefIn:  false,
	RefOut: false,
	XorOut: 0x00,
	Check:  0xF7,
	Name:   "CRC-8/NRSC-5",
})

func checksum(word []byte) byte {
	return crc8.Checksum(word, crcTable)
}

// encodeWords lays out 16-bit values big-endian, each followed by its CRC.
func encodeWords(vals ...uint16) []byte {
	buf := make([]byte, 3*len(vals))
	for i, v := range vals {
		binary.BigEndian.PutUint16(buf[3*i:], v)
		buf[3*i+2] = checksum(buf[3*i : 3*i+2])
	}
	return buf
}

func decodeWords(buf []byte) ([]uint16, error) {
	if len(buf)%3 != 0 {
		return nil, fmt.Errorf("response of %d bytes is not a sequence of words", len(buf))
	}
	vals := make([]uint16, len(buf)/3)
	for i := range vals {
		word := buf[3*i : 3*i+2]
		if crc := checksum(word); crc != buf[3*i+2] {
			return nil, fmt.Errorf("word %d: %w: expected %#x, got %#x", i, ErrCRC, buf[3*i+2], crc)
		}
		vals[i] = binary.BigEndian.Uint16(word)
	}
	return vals, nil
}
