// Package checksum implements the bootloader CRC-32 variant used to verify
// flashed firmware.
package checksum

import "sync"

// The bootloader chains the register between calls and applies no initial or
// final inversion, so the standard hash/crc32 package (which XORs the state
// with 0xFFFFFFFF on both ends) cannot be used directly.

const poly = 0xedb88320

var (
	tableOnce sync.Once
	table     [256]uint32
)

// Sum updates state with the CRC of data and returns the new state. Pass 0
// as the initial state; feed the previous return value to continue a sum
// across multiple buffers.
func Sum(data []byte, state uint32) uint32 {
	tableOnce.Do(buildTable)
	for _, b := range data {
		state = table[(state^uint32(b))&0xff] ^ (state >> 8)
	}
	return state
}

func buildTable() {
	for i := range table {
		c := uint32(i)
		for j := 0; j < 8; j++ {
			if c&1 != 0 {
				c = poly ^ (c >> 1)
			} else {
				c >>= 1
			}
		}
		table[i] = c
	}
}
