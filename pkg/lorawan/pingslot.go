package lorawan

import (
	"crypto/aes"
	"crypto/cipher"
	"encoding/binary"
)

// The key is fixed and public; it only decorrelates slot positions in time.
var pingOffsetCipher cipher.Block

func init() {
	var err error
	pingOffsetCipher, err = aes.NewCipher(make([]byte, 16))
	if err != nil {
		panic(err)
	}
}

// PingOffset returns the ping slot offset of addr for the beacon period that
// started at beaconTime (seconds). The result is in [0, pingPeriod).
func PingOffset(beaconTime uint32, addr DevAddr, pingPeriod uint16) uint16 {
	if pingPeriod == 0 {
		return 0
	}
	var block [16]byte
	binary.LittleEndian.PutUint32(block[0:4], beaconTime)
	copy(block[4:8], addr[:])

	var out [16]byte
	pingOffsetCipher.Encrypt(out[:], block[:])
	return uint16((uint32(out[0]) + 256*uint32(out[1])) % uint32(pingPeriod))
}
