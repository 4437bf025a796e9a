package rsp

// CRCInit is the seed used by qCRC.
const CRCInit = 0xFFFFFFFF

const crcPoly = 0x04C11DB7

var crcTable = func() [256]uint32 {
	var t [256]uint32
	for i := range t {
		c := uint32(i) << 24
		for j := 0; j < 8; j++ {
			if c&0x80000000 != 0 {
				c = c<<1 ^ crcPoly
			} else {
				c <<= 1
			}
		}
		t[i] = c
	}
	return t
}()

// CRC32 computes the non-reflected CRC-32 used by the qCRC packet. Pass
// CRCInit as crc for a fresh computation, or a previous result to continue.
func CRC32(crc uint32, data []byte) uint32 {
	for _, b := range data {
		crc = crc<<8 ^ crcTable[byte(crc>>24)^b]
	}
	return crc
}
