package device

import (
	"math"

	"github.com/lorawan-server/lorawan-classb/internal/radio"
)

// FragmentDecoder follows a sequenced downlink stream and counts the
// fragments that never arrived.
type FragmentDecoder struct {
	first    uint64
	last     uint64
	maxSize  int
	expected uint64
	missed   []uint64
}

// NewFragmentDecoder expects fragments first..last. A last of 0, or one below
// first, means the stream has no end.
func NewFragmentDecoder(first, last uint64, maxSize int) *FragmentDecoder {
	if last == 0 || last < first {
		last = math.MaxUint32
	}
	return &FragmentDecoder{
		first:    first,
		last:     last,
		maxSize:  maxSize,
		expected: first,
	}
}

// Received decodes the sequence number in payload and returns it together
// with how many fragments were skipped just before it.
func (d *FragmentDecoder) Received(payload []byte) (seq, skipped uint64) {
	if d.maxSize > 0 && len(payload) > d.maxSize {
		payload = payload[:d.maxSize]
	}
	seq = radio.DecodeSequence(payload)

	if seq < d.expected {
		// Stream restarted or a duplicate: resynchronize.
		d.expected = seq
	}
	for ; d.expected < seq; d.expected++ {
		d.missed = append(d.missed, d.expected)
		skipped++
	}
	d.expected++
	return seq, skipped
}

// Expected is the next sequence number the decoder waits for.
func (d *FragmentDecoder) Expected() uint64 {
	return d.expected
}

// TotalMissed is the number of fragments missed so far.
func (d *FragmentDecoder) TotalMissed() uint64 {
	return uint64(len(d.missed))
}

// Missed returns the sequence numbers of the missed fragments.
func (d *FragmentDecoder) Missed() []uint64 {
	return append([]uint64(nil), d.missed...)
}

// Done reports whether the last expected fragment has been passed.
func (d *FragmentDecoder) Done() bool {
	return d.expected > d.last
}
