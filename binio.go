package pe32

// Little-endian packing helpers shared by the header, relocation and
// machine code encoders.

// Word returns the two little-endian bytes of v.
func Word(v uint16) []byte {
	return []byte{byte(v), byte(v >> 8)}
}

// Dword returns the four little-endian bytes of v.
func Dword(v uint32) []byte {
	return []byte{byte(v), byte(v >> 8), byte(v >> 16), byte(v >> 24)}
}

// putLE writes v into b in little-endian order, truncated to len(b) bytes.
func putLE(b []byte, v uint32) {
	for i := range b {
		b[i] = byte(v >> (8 * i))
	}
}

// getU32 reads a little-endian uint32 from the first four bytes of b.
func getU32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}
