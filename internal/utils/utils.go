package utils

import (
	"encoding/binary"

	"github.com/cespare/xxhash/v2"
)

func Hash(s string) uint64 {
	return xxhash.Sum64String(s)
}

// HashAddrs hashes a sequence of addresses, order included.
func HashAddrs(addrs []uint64) uint64 {
	d := xxhash.New()
	var buf [8]byte
	for _, addr := range addrs {
		binary.LittleEndian.PutUint64(buf[:], addr)
		d.Write(buf[:])
	}

	return d.Sum64()
}

// EqualAddrs tells whether two address sequences are the same.
func EqualAddrs(a, b []uint64) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}

	return true
}
