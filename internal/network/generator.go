package network

import (
	"math/rand"

	"github.com/lorawan-server/lorawan-classb/internal/radio"
)

// PayloadSize picks the payload size of a new generator: 0 draws a size
// uniformly from [1, max], anything at or above max is clamped to max.
func PayloadSize(size, max int, rng *rand.Rand) int {
	switch {
	case max <= 0:
		return 0
	case size <= 0:
		return 1 + rng.Intn(max)
	case size >= max:
		return max
	default:
		return size
	}
}

// Generator produces the ping slot downlinks of one address. Payloads are
// filler bytes or, when sequenced, the current sequence number written by
// radio.EncodeSequence.
type Generator struct {
	sequenced bool
	size      int
	sequence  uint64
}

func NewGenerator(sequenced bool, size int) *Generator {
	return &Generator{sequenced: sequenced, size: size}
}

// Next returns the payload of the next downlink. It does not advance the
// sequence: call PacketSent once the transmission outcome is known.
func (g *Generator) Next() []byte {
	if g.sequenced {
		return radio.EncodeSequence(g.sequence, g.size)
	}
	return make([]byte, g.size)
}

// PacketSent advances the sequence after a successful transmission.
func (g *Generator) PacketSent(ok bool) {
	if ok {
		g.sequence++
	}
}

func (g *Generator) Sequenced() bool  { return g.sequenced }
func (g *Generator) Size() int        { return g.size }
func (g *Generator) Sequence() uint64 { return g.sequence }
