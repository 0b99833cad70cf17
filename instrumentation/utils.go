package instrumentation

import (
	"encoding/binary"
	"math"
	"unsafe"
)

// Both the wire records and the BPF map values are laid out in the host's
// byte order.
var byteOrder = determineByteOrder()

func determineByteOrder() binary.ByteOrder {
	num := math.MaxUint8 + 1
	firstByte := *(*uint8)(unsafe.Pointer(&num))
	if firstByte == 1 {
		return binary.BigEndian
	} else {
		return binary.LittleEndian
	}
}

// cString returns the bytes of b up to the first NUL and whether a NUL was
// found at all.
func cString(b []byte) ([]byte, bool) {
	for i, c := range b {
		if c == 0 {
			return b[:i], true
		}
	}
	return b, false
}

func isPrintableASCII(c byte) bool {
	return c >= 0x20 && c < 0x7f
}
