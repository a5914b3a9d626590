package radio

// State of an end device transceiver.
type State int

const (
	Sleep State = iota
	Standby
	Receiving
	Transmitting
)

func (s State) String() string {
	switch s {
	case Sleep:
		return "SLEEP"
	case Standby:
		return "STANDBY"
	case Receiving:
		return "RX"
	case Transmitting:
		return "TX"
	default:
		return "UNKNOWN"
	}
}

// Transceiver is a half-duplex radio that listens on one channel at a time.
type Transceiver struct {
	state     State
	frequency uint32
	dataRate  int
	rx        uint64
}

// State returns the current state.
func (t *Transceiver) State() State {
	return t.state
}

// Channel returns the channel the radio is tuned to.
func (t *Transceiver) Channel() (uint32, int) {
	return t.frequency, t.dataRate
}

// IsReceiving reports whether a packet is being demodulated.
func (t *Transceiver) IsReceiving() bool {
	return t.state == Receiving
}

// IsTransmitting reports whether the radio is on air.
func (t *Transceiver) IsTransmitting() bool {
	return t.state == Transmitting
}

// Standby tunes the radio and starts listening for a preamble.
func (t *Transceiver) Standby(frequency uint32, dataRate int) {
	t.state = Standby
	t.frequency = frequency
	t.dataRate = dataRate
	t.rx = 0
}

// Sleep stops listening.
func (t *Transceiver) Sleep() {
	t.state = Sleep
	t.rx = 0
}

// Transmit marks the radio busy transmitting on the given channel.
func (t *Transceiver) Transmit(frequency uint32, dataRate int) {
	t.state = Transmitting
	t.frequency = frequency
	t.dataRate = dataRate
	t.rx = 0
}

// TryLock starts receiving p when the radio is listening on its channel.
func (t *Transceiver) TryLock(p *Packet, tx TxParams) bool {
	if t.state != Standby || t.frequency != tx.Frequency || t.dataRate != tx.DataRate {
		return false
	}
	t.state = Receiving
	t.rx = p.ID
	return true
}

// Receiving returns the id of the packet being received, or 0.
func (t *Transceiver) Receiving() uint64 {
	if t.state != Receiving {
		return 0
	}
	return t.rx
}

// EndReception returns the radio to standby after a reception of id.
func (t *Transceiver) EndReception(id uint64) bool {
	if t.state != Receiving || t.rx != id {
		return false
	}
	t.state = Standby
	t.rx = 0
	return true
}
