package crypto

import (
	"encoding/binary"
)

// BuildAAD binds a sealed record to its purpose and storage name so a value
// cannot be moved to another key without failing authentication.
func BuildAAD(purpose, name string) []byte {
	pBytes := []byte(purpose)
	nBytes := []byte(name)
	buf := make([]byte, 0, 2+len(pBytes)+2+len(nBytes))
	var tmp [2]byte
	binary.BigEndian.PutUint16(tmp[:], uint16(len(pBytes)))
	buf = append(buf, tmp[:]...)
	buf = append(buf, pBytes...)
	binary.BigEndian.PutUint16(tmp[:], uint16(len(nBytes)))
	buf = append(buf, tmp[:]...)
	buf = append(buf, nBytes...)
	return buf
}
