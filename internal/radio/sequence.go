package radio

// EncodeSequence writes seq into a payload of size bytes as decimal digits,
// least significant digit first, one digit per byte. Digits that do not fit
// are dropped.
func EncodeSequence(seq uint64, size int) []byte {
	b := make([]byte, size)
	for i := range b {
		b[i] = byte(seq % 10)
		seq /= 10
	}
	return b
}

// DecodeSequence reverses EncodeSequence. Bytes are read as digits even when
// larger than 9, matching what a receiver of filler payloads would compute.
func DecodeSequence(b []byte) uint64 {
	var seq, scale uint64 = 0, 1
	for _, d := range b {
		seq += uint64(d) * scale
		scale *= 10
	}
	return seq
}
