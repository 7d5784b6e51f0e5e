package model

// Frequency limits accepted for the carrier, in Hz.
const (
	MinFrequencyHz = 137000000
	MaxFrequencyHz = 1020000000
)

// Defaults applied to absent optional options.
const (
	DefaultRxFloor     float32 = -94
	DefaultRxStart             = true
	DefaultRxBandwidth         = RxBandwidth50_0
	DefaultPaPin               = PaPinPABoost
	DefaultPaPower     uint8   = 17
)

// SX127xConfig is a fully-typed, fully-defaulted radio entry.
type SX127xConfig struct {
	ID string

	RstPin PinRef
	NssPin PinRef

	FrequencyHz uint32
	Modulation  Modulation
	RxFloorDBm  float32
	RxStart     bool
	RxBandwidth RxBandwidth
	PaPin       PaPin
	PaPower     uint8

	// TransmitterID is empty when no transmitter is bound.
	TransmitterID string

	SPI SPIDevice
}

// HasTransmitter reports whether the entry binds an external transmitter.
func (c *SX127xConfig) HasTransmitter() bool {
	return c.TransmitterID != ""
}

// RemoteTransmitter is an external transmitter component declared in a
// document that radios may bind to.
type RemoteTransmitter struct {
	ID                 string
	Pin                PinRef
	CarrierDutyPercent int
}
