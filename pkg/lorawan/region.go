package lorawan

import (
	"fmt"
	"time"
)

// RegionConfiguration represents region-specific configuration
type RegionConfiguration struct {
	Name                string
	DefaultChannels     []Channel
	DataRates           []DataRate
	MaxPayloadSizePerDR map[int]int
	RX1DROffsetTable    map[int]map[int]int
	DefaultRX2DR        int
	DefaultRX2Freq      uint32
	SubBands            []SubBand
	MaxEIRP             float64
}

// Channel represents a LoRa channel
type Channel struct {
	Frequency uint32
	MinDR     int
	MaxDR     int
}

// DataRate represents a data rate configuration. Bandwidth is in kHz.
type DataRate struct {
	SpreadFactor int
	Bandwidth    int
	BitRate      int
}

// SubBand is a regulated frequency range with a transmit duty cycle limit.
type SubBand struct {
	MinFrequency uint32
	MaxFrequency uint32
	DutyCycle    float64
}

// GetRegionConfiguration returns configuration for a region
func GetRegionConfiguration(region string) *RegionConfiguration {
	switch region {
	case "EU868":
		return &EU868Configuration
	case "US915":
		return &US915Configuration
	default:
		return &EU868Configuration
	}
}

// EU868Configuration for EU 868MHz band
var EU868Configuration = RegionConfiguration{
	Name: "EU868",
	DefaultChannels: []Channel{
		{Frequency: 868100000, MinDR: 0, MaxDR: 5},
		{Frequency: 868300000, MinDR: 0, MaxDR: 5},
		{Frequency: 868500000, MinDR: 0, MaxDR: 5},
	},
	DataRates: []DataRate{
		{SpreadFactor: 12, Bandwidth: 125, BitRate: 250},  // DR0
		{SpreadFactor: 11, Bandwidth: 125, BitRate: 440},  // DR1
		{SpreadFactor: 10, Bandwidth: 125, BitRate: 980},  // DR2
		{SpreadFactor: 9, Bandwidth: 125, BitRate: 1760},  // DR3
		{SpreadFactor: 8, Bandwidth: 125, BitRate: 3125},  // DR4
		{SpreadFactor: 7, Bandwidth: 125, BitRate: 5470},  // DR5
		{SpreadFactor: 7, Bandwidth: 250, BitRate: 11000}, // DR6
	},
	MaxPayloadSizePerDR: map[int]int{
		0: 51,
		1: 51,
		2: 51,
		3: 115,
		4: 222,
		5: 222,
		6: 222,
		7: 222,
	},
	RX1DROffsetTable: map[int]map[int]int{
		0: {0: 0, 1: 0, 2: 0, 3: 0, 4: 0, 5: 0},
		1: {0: 1, 1: 0, 2: 0, 3: 0, 4: 0, 5: 0},
		2: {0: 2, 1: 1, 2: 0, 3: 0, 4: 0, 5: 0},
		3: {0: 3, 1: 2, 2: 1, 3: 0, 4: 0, 5: 0},
		4: {0: 4, 1: 3, 2: 2, 3: 1, 4: 0, 5: 0},
		5: {0: 5, 1: 4, 2: 3, 3: 2, 4: 1, 5: 0},
	},
	DefaultRX2DR:   0,
	DefaultRX2Freq: 869525000,
	SubBands: []SubBand{
		{MinFrequency: 863000000, MaxFrequency: 865000000, DutyCycle: 0.001},
		{MinFrequency: 865000000, MaxFrequency: 868000000, DutyCycle: 0.01},
		{MinFrequency: 868000000, MaxFrequency: 868600000, DutyCycle: 0.01},
		{MinFrequency: 868700000, MaxFrequency: 869200000, DutyCycle: 0.001},
		{MinFrequency: 869400000, MaxFrequency: 869650000, DutyCycle: 0.1},
		{MinFrequency: 869700000, MaxFrequency: 870000000, DutyCycle: 0.01},
	},
	MaxEIRP: 16,
}

// US915Configuration for US 915MHz band
var US915Configuration = RegionConfiguration{
	Name:            "US915",
	DefaultChannels: []Channel{
		// US915 has 72 channels (64 uplink + 8 downlink)
		// Simplified for brevity
	},
	DataRates: []DataRate{
		{SpreadFactor: 10, Bandwidth: 125}, // DR0
		{SpreadFactor: 9, Bandwidth: 125},  // DR1
		{SpreadFactor: 8, Bandwidth: 125},  // DR2
		{SpreadFactor: 7, Bandwidth: 125},  // DR3
		{SpreadFactor: 8, Bandwidth: 500},  // DR4
		{},                                 // RFU
		{},                                 // RFU
		{},                                 // RFU
		{SpreadFactor: 12, Bandwidth: 500}, // DR8
		{SpreadFactor: 11, Bandwidth: 500}, // DR9
		{SpreadFactor: 10, Bandwidth: 500}, // DR10
		{SpreadFactor: 9, Bandwidth: 500},  // DR11
		{SpreadFactor: 8, Bandwidth: 500},  // DR12
		{SpreadFactor: 7, Bandwidth: 500},  // DR13
	},
	MaxPayloadSizePerDR: map[int]int{
		0:  11,
		1:  53,
		2:  125,
		3:  242,
		4:  242,
		8:  53,
		9:  129,
		10: 242,
		11: 242,
		12: 242,
		13: 242,
	},
	DefaultRX2DR:   8,
	DefaultRX2Freq: 923300000,
	MaxEIRP:        30,
}

// DataRate returns the modulation parameters of dr.
func (r *RegionConfiguration) DataRate(dr int) (DataRate, error) {
	if dr < 0 || dr >= len(r.DataRates) || r.DataRates[dr].SpreadFactor == 0 {
		return DataRate{}, fmt.Errorf("%s: invalid data rate %d", r.Name, dr)
	}
	return r.DataRates[dr], nil
}

// SymbolTime returns the LoRa symbol duration 2^SF / BW for dr.
func (r *RegionConfiguration) SymbolTime(dr int) (time.Duration, error) {
	rate, err := r.DataRate(dr)
	if err != nil {
		return 0, err
	}
	return SymbolTime(rate.SpreadFactor, rate.Bandwidth), nil
}

// SymbolTime returns 2^sf / bw where bw is in kHz.
func SymbolTime(sf, bwKHz int) time.Duration {
	if bwKHz <= 0 {
		return 0
	}
	return time.Second * time.Duration(int64(1)<<uint(sf)) / time.Duration(bwKHz*1000)
}

// MaxAppPayload returns the largest application payload allowed at dr, or 0
// when dr is unknown.
func (r *RegionConfiguration) MaxAppPayload(dr int) int {
	return r.MaxPayloadSizePerDR[dr]
}

// DutyCycle returns the duty cycle limit for freq. Frequencies outside any
// regulated sub-band are unrestricted.
func (r *RegionConfiguration) DutyCycle(freq uint32) float64 {
	for _, sb := range r.SubBands {
		if freq >= sb.MinFrequency && freq <= sb.MaxFrequency {
			return sb.DutyCycle
		}
	}
	return 1
}

// SubBandIndex returns the index of the sub-band containing freq, or -1.
func (r *RegionConfiguration) SubBandIndex(freq uint32) int {
	for i, sb := range r.SubBands {
		if freq >= sb.MinFrequency && freq <= sb.MaxFrequency {
			return i
		}
	}
	return -1
}

// GetRX1DataRateOffset calculates RX1 data rate
func (r *RegionConfiguration) GetRX1DataRateOffset(uplinkDR, rx1DROffset uint8) (uint8, error) {
	if r.RX1DROffsetTable != nil {
		if drMap, ok := r.RX1DROffsetTable[int(uplinkDR)]; ok {
			if dr, ok := drMap[int(rx1DROffset)]; ok {
				return uint8(dr), nil
			}
		}
	}

	// Default behavior
	dr := int(uplinkDR) - int(rx1DROffset)
	if dr < 0 {
		dr = 0
	}
	return uint8(dr), nil
}
