// Package abyssinian implements the Abyssinian PRNG, a small fast
// generator mixed with MurmurHash3's finalizer, used to draw 32-bit
// connection cookies from a high-resolution seed.
package abyssinian

const (
	mulX = 0xfffd21a7
	mulY = 0xfffd1361

	mix1 = 0xff51afd7ed558ccd
	mix2 = 0xc4ceb9fe1a85ec53
)

// Rng is a two-lane multiply-with-carry generator. The zero value is not
// seeded; use New or Seed before calling Next.
type Rng struct {
	x, y uint64
}

// New returns a generator seeded from a single 32-bit value.
func New(seed uint32) *Rng {
	r := &Rng{}
	r.Seed(seed, seed)
	return r
}

// Seed reseeds the generator from two independent 32-bit values, mixing
// them through MurmurHash3's 64-bit finalizer before discarding the first
// output.
func (r *Rng) Seed(x, y uint32) {
	x += y
	y += x

	seedX := 0x9368e53c2f6af274 ^ uint64(x)
	seedY := 0x586dcd208f7cd3fd ^ uint64(y)

	seedX = fmix64(seedX)
	seedY = fmix64(seedY)

	r.x, r.y = seedX, seedY

	// Discard the first output, as the reference generator does.
	r.Next()
}

func fmix64(v uint64) uint64 {
	v *= mix1
	v ^= v >> 33
	v *= mix2
	v ^= v >> 33
	return v
}

// Next returns the next 32-bit output.
func (r *Rng) Next() uint32 {
	r.x = mulX*uint64(uint32(r.x)) + (r.x >> 32)
	r.y = mulY*uint64(uint32(r.y)) + (r.y >> 32)
	return rotl32(uint32(r.x), 7) + uint32(r.y)
}

func rotl32(v uint32, n uint) uint32 {
	return (v << n) | (v >> (32 - n))
}
