package bloom

import (
	"encoding/binary"
	"io"
	"math"

	"github.com/cespare/xxhash/v2"
)

// Filter is the per-partition bloom filter consulted by full-eviction reads:
// a clean miss proves the key was never persisted, so the engine can answer
// KeyMissing without scheduling a disk fetch.
type Filter struct {
	bits      []byte
	size      uint64
	hashCount uint64
	keys      uint64
}

// New sizes a filter for the expected key count and false positive rate.
func New(expectedKeys int, falsePositiveRate float64) *Filter {
	if expectedKeys <= 0 {
		expectedKeys = 1
	}
	size := uint64(-float64(expectedKeys) * math.Log(falsePositiveRate) / (math.Ln2 * math.Ln2))
	if size == 0 {
		size = 1
	}
	hashCount := uint64(float64(size) / float64(expectedKeys) * math.Ln2)
	if hashCount == 0 {
		hashCount = 1
	}
	return &Filter{
		bits:      make([]byte, (size+7)/8),
		size:      size,
		hashCount: hashCount,
	}
}

// Add inserts a key.
func (f *Filter) Add(key []byte) {
	h1, h2 := f.hashPair(key)
	for i := uint64(0); i < f.hashCount; i++ {
		bit := (h1 + i*h2) % f.size
		f.bits[bit/8] |= 1 << (bit % 8)
	}
	f.keys++
}

// MayContain reports whether key might have been added. False is definitive.
func (f *Filter) MayContain(key []byte) bool {
	h1, h2 := f.hashPair(key)
	for i := uint64(0); i < f.hashCount; i++ {
		bit := (h1 + i*h2) % f.size
		if f.bits[bit/8]&(1<<(bit%8)) == 0 {
			return false
		}
	}
	return true
}

// hashPair derives the double-hashing pair h(i) = h1 + i*h2 from one xxhash
// pass plus a seeded second pass.
func (f *Filter) hashPair(key []byte) (uint64, uint64) {
	h1 := xxhash.Sum64(key)
	d := xxhash.NewWithSeed(h1)
	_, _ = d.Write(key)
	return h1, d.Sum64() | 1
}

// NumKeys returns the number of keys added since the last reset.
func (f *Filter) NumKeys() uint64 { return f.keys }

// Reset clears the filter in place.
func (f *Filter) Reset() {
	for i := range f.bits {
		f.bits[i] = 0
	}
	f.keys = 0
}

// WriteTo serializes the filter: size, hash count, key count, bit bytes.
func (f *Filter) WriteTo(w io.Writer) (int64, error) {
	hdr := make([]byte, 24)
	binary.BigEndian.PutUint64(hdr[0:], f.size)
	binary.BigEndian.PutUint64(hdr[8:], f.hashCount)
	binary.BigEndian.PutUint64(hdr[16:], f.keys)
	n, err := w.Write(hdr)
	if err != nil {
		return int64(n), err
	}
	bn, err := w.Write(f.bits)
	return int64(n + bn), err
}

// ReadFrom restores a filter serialized by WriteTo.
func ReadFrom(r io.Reader) (*Filter, error) {
	hdr := make([]byte, 24)
	if _, err := io.ReadFull(r, hdr); err != nil {
		return nil, err
	}
	f := &Filter{
		size:      binary.BigEndian.Uint64(hdr[0:]),
		hashCount: binary.BigEndian.Uint64(hdr[8:]),
		keys:      binary.BigEndian.Uint64(hdr[16:]),
	}
	f.bits = make([]byte, (f.size+7)/8)
	if _, err := io.ReadFull(r, f.bits); err != nil {
		return nil, err
	}
	return f, nil
}
