// Package wtime estimates the clock offset between a peer and the local
// machine from a rolling window of one-way timing samples, and expands
// truncated wire timestamps back into full local milliseconds.
package wtime

const (
	windowMsec      = 20_000
	otherBucketMsec = 40_000

	msecBits        = 15
	counter16Bits   = 16
	reconstructSpan = 1 << msecBits // 15-bit wire counter period, for range checks
	forwardBiasMsec = 8_000
	centerShiftMsec = 1 << (msecBits - 1) // half the 15-bit period
)

type bucket struct {
	firstMsec      int64
	remoteSendMsec int64
	localRecvMsec  int64
	active         bool
}

func (b *bucket) delta() int64 { return b.localRecvMsec - b.remoteSendMsec }

// WindowedTimes is a 2-bucket rolling minimum of the
// (local receive - remote send) delta, which tracks (local clock - remote
// clock) plus one-way latency; it smooths UDP-measured clock offset
// against jitter while still adapting to genuine drift.
type WindowedTimes struct {
	buckets [2]bucket
	write   int
}

// Insert records one observation: a remote send time and the local receive
// time for the same message, both in milliseconds on their respective
// clocks.
func (w *WindowedTimes) Insert(remoteSendMsec, localRecvMsec int64) {
	cur := &w.buckets[w.write]

	if !cur.active {
		cur.firstMsec = localRecvMsec
		cur.remoteSendMsec = remoteSendMsec
		cur.localRecvMsec = localRecvMsec
		cur.active = true
		return
	}

	if localRecvMsec-cur.firstMsec >= windowMsec {
		w.write = 1 - w.write
		next := &w.buckets[w.write]
		next.firstMsec = localRecvMsec
		next.remoteSendMsec = remoteSendMsec
		next.localRecvMsec = localRecvMsec
		next.active = true
		return
	}

	candidate := localRecvMsec - remoteSendMsec
	if candidate < cur.delta() {
		cur.remoteSendMsec = remoteSendMsec
		cur.localRecvMsec = localRecvMsec
	}
}

// ComputeDelta returns the current minimum observed delta, additionally
// considering the other bucket's delta if that bucket was last updated
// within 40 seconds of now.
func (w *WindowedTimes) ComputeDelta(now int64) int64 {
	cur := &w.buckets[w.write]
	if !cur.active {
		return 0
	}

	best := cur.delta()

	other := &w.buckets[1-w.write]
	if other.active && now-other.localRecvMsec <= otherBucketMsec {
		if d := other.delta(); d < best {
			best = d
		}
	}

	return best
}

// ReconstructMsec expands a 15-bit wire timestamp into the full local
// millisecond value nearest to center, with center pre-shifted 8 seconds
// forward and half a period back so that recent-past arrivals are
// preferred over near-future ones. The result lies in approximately
// [center-24768, center+8000] and has fifteen as its low 15 bits.
func ReconstructMsec(center int64, fifteen uint16) int64 {
	adjusted := center - centerShiftMsec + forwardBiasMsec
	return reconstruct(adjusted, int64(fifteen), msecBits)
}

// ReconstructCounter16 is the 16-bit sibling used to expand the UDP wire
// time counter carried on every datagram. It carries no forward bias: the
// result is the value congruent to counter modulo 2^16 nearest to center,
// roughly 32 seconds ahead or behind.
func ReconstructCounter16(center int64, counter uint16) int64 {
	return reconstruct(center, int64(counter), counter16Bits)
}

// reconstruct returns the value nearest to center that is congruent to wire
// modulo 2^bits, via a signed low-bits difference: the classic wraparound
// sequence-number reconstruction trick.
func reconstruct(center, wire int64, bits uint) int64 {
	span := int64(1) << bits
	half := span >> 1
	mask := span - 1

	diff := (wire - (center & mask)) & mask
	if diff >= half {
		diff -= span
	}
	return center + diff
}
