package mux

// fcsTable is the reflected CRC-8 table for the 07.10 polynomial
// x^8+x^2+x+1 (0x07, reversed 0xE0)
var fcsTable = func() (t [256]byte) {
	for i := range t {
		c := byte(i)
		for b := 0; b < 8; b++ {
			if c&1 != 0 {
				c = c>>1 ^ 0xE0
			} else {
				c >>= 1
			}
		}
		t[i] = c
	}
	return t
}()

// FCS returns the frame check sequence over p
func FCS(p []byte) byte {
	fcs := byte(0xFF)
	for _, b := range p {
		fcs = fcsTable[fcs^b]
	}
	return 0xFF - fcs
}
