package index

import "github.com/zeebo/xxh3"

const (
	bloomSize = 11982 // bytes, ~96k bits
	bloomK    = 7
)

// bloom is a per-branch filter over document ids, used to short-circuit
// lookups of ids that were never written. Sized for ~10k ids at 1% false
// positives. Rebuilt from the entries bucket on open; tombstoned ids are
// not evicted mid-session (a false positive only costs the real lookup).
type bloom struct {
	bits []byte
}

func newBloom() *bloom {
	return &bloom{bits: make([]byte, bloomSize)}
}

func (b *bloom) Add(id string) {
	for _, pos := range bloomPositions(id) {
		b.bits[pos/8] |= 1 << (pos % 8)
	}
}

// Contains returns true if the id might be present, false if definitely
// absent.
func (b *bloom) Contains(id string) bool {
	for _, pos := range bloomPositions(id) {
		if b.bits[pos/8]&(1<<(pos%8)) == 0 {
			return false
		}
	}
	return true
}

// bloomPositions derives bloomK bit positions by double hashing two
// independently seeded xxh3 values.
func bloomPositions(id string) [bloomK]uint {
	a := xxh3.HashString(id)
	b := xxh3.HashStringSeed(id, 0x9E3779B97F4A7C15)

	nbits := uint(bloomSize * 8)
	var pos [bloomK]uint
	for i := 0; i < bloomK; i++ {
		pos[i] = (uint(a) + uint(i)*uint(b)) % nbits
	}
	return pos
}
