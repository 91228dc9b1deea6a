package hv

import (
	"crypto/sha256"
	"encoding/binary"
)

// VMConfigHash is a hash of domain configuration. A save stream can
// only be restored into a domain with the same config hash.
type VMConfigHash [32]byte

// ComputeConfigHash computes a deterministic hash of the domain
// parameters that must match for a restore to make sense.
func ComputeConfigHash(cpuCount int, x2apicCapable bool, busCycleNS uint32) VMConfigHash {
	h := sha256.New()

	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], uint64(cpuCount))
	h.Write(buf[:])

	if x2apicCapable {
		h.Write([]byte{1})
	} else {
		h.Write([]byte{0})
	}

	binary.LittleEndian.PutUint32(buf[:4], busCycleNS)
	h.Write(buf[:4])

	var result VMConfigHash
	copy(result[:], h.Sum(nil))
	return result
}

// String returns a hex string representation of the hash.
func (h VMConfigHash) String() string {
	const hexChars = "0123456789abcdef"
	result := make([]byte, 64)
	for i, b := range h {
		result[i*2] = hexChars[b>>4]
		result[i*2+1] = hexChars[b&0x0f]
	}
	return string(result)
}
