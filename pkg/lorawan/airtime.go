package lorawan

import "time"

// Modulation describes the LoRa parameters that determine time on air.
type Modulation struct {
	SpreadFactor   int
	Bandwidth      int // kHz
	CodingRate     int // 1 means 4/5 ... 4 means 4/8
	PreambleLength int
	CRC            bool
	ImplicitHeader bool
}

// ModulationForDR returns the uplink/downlink modulation LoRaWAN uses at dr:
// coding rate 4/5, 8 preamble symbols, explicit header.
func (r *RegionConfiguration) ModulationForDR(dr int) (Modulation, error) {
	rate, err := r.DataRate(dr)
	if err != nil {
		return Modulation{}, err
	}
	return Modulation{
		SpreadFactor:   rate.SpreadFactor,
		Bandwidth:      rate.Bandwidth,
		CodingRate:     1,
		PreambleLength: 8,
		CRC:            true,
	}, nil
}

// SymbolTime returns the duration of one symbol.
func (m Modulation) SymbolTime() time.Duration {
	return SymbolTime(m.SpreadFactor, m.Bandwidth)
}

// lowDataRateOptimize is mandated when a symbol lasts longer than 16 ms.
func (m Modulation) lowDataRateOptimize() bool {
	return m.SymbolTime() > 16*time.Millisecond
}

// TimeOnAir returns the time it takes to transmit payloadLength bytes.
// The preamble tail (4.25 symbols) is rounded up to 5, so the result slightly
// overestimates.
func (m Modulation) TimeOnAir(payloadLength int) time.Duration {
	if m.Bandwidth == 0 {
		return 0
	}
	var crc, ih, ldr int64
	if m.CRC {
		crc = 1
	}
	if m.ImplicitHeader {
		ih = 1
	}
	if m.lowDataRateOptimize() {
		ldr = 1
	}
	cr := int64(m.CodingRate)
	sf := int64(m.SpreadFactor)

	nPayload := 8*int64(payloadLength) - 4*sf + 28 + 16*crc - 20*ih
	div := 4 * (sf - 2*ldr)
	if nPayload < 0 || div <= 0 {
		nPayload = 0
	} else if nPayload%div == 0 {
		nPayload = nPayload / div * (cr + 4)
	} else {
		nPayload = (nPayload/div + 1) * (cr + 4)
	}
	nPayload += 8 + int64(m.PreambleLength) + 5

	chips := int64(1) << uint(sf)
	return time.Second * time.Duration(nPayload*chips) / time.Duration(m.Bandwidth*1000)
}
