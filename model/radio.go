package model

import "fmt"

// Modulation selects the FSK or OOK modem of the transceiver.
// The values are the RegOpMode ModulationType bits.
type Modulation uint8

const (
	ModulationFSK Modulation = 0x00
	ModulationOOK Modulation = 0x20
)

// Modulations maps the accepted document tokens to their modulation.
var Modulations = map[string]Modulation{
	"FSK": ModulationFSK,
	"OOK": ModulationOOK,
}

func (m Modulation) String() string {
	switch m {
	case ModulationFSK:
		return "FSK"
	case ModulationOOK:
		return "OOK"
	default:
		return fmt.Sprintf("Modulation(%#02x)", uint8(m))
	}
}

// PaPin selects the power amplifier output path. The values are the
// PaSelect bit of RegPaConfig.
type PaPin uint8

const (
	PaPinRFO     PaPin = 0x00
	PaPinPABoost PaPin = 0x80
)

// PaPins maps the accepted document tokens to their output path.
var PaPins = map[string]PaPin{
	"RFO":      PaPinRFO,
	"PA_BOOST": PaPinPABoost,
}

func (p PaPin) String() string {
	switch p {
	case PaPinRFO:
		return "RFO"
	case PaPinPABoost:
		return "PA_BOOST"
	default:
		return fmt.Sprintf("PaPin(%#02x)", uint8(p))
	}
}

// RxBandwidth is the raw RegRxBw value: mantissa selector in bits 4-3 and
// exponent in bits 2-0.
type RxBandwidth uint8

const (
	RxBandwidth2_6   RxBandwidth = 0x17
	RxBandwidth3_1   RxBandwidth = 0x0F
	RxBandwidth3_9   RxBandwidth = 0x07
	RxBandwidth5_2   RxBandwidth = 0x16
	RxBandwidth6_3   RxBandwidth = 0x0E
	RxBandwidth7_8   RxBandwidth = 0x06
	RxBandwidth10_4  RxBandwidth = 0x15
	RxBandwidth12_5  RxBandwidth = 0x0D
	RxBandwidth15_6  RxBandwidth = 0x05
	RxBandwidth20_8  RxBandwidth = 0x14
	RxBandwidth25_0  RxBandwidth = 0x0C
	RxBandwidth31_3  RxBandwidth = 0x04
	RxBandwidth41_7  RxBandwidth = 0x13
	RxBandwidth50_0  RxBandwidth = 0x0B
	RxBandwidth62_5  RxBandwidth = 0x03
	RxBandwidth83_3  RxBandwidth = 0x12
	RxBandwidth100_0 RxBandwidth = 0x0A
	RxBandwidth125_0 RxBandwidth = 0x02
	RxBandwidth166_7 RxBandwidth = 0x11
	RxBandwidth200_0 RxBandwidth = 0x09
	RxBandwidth250_0 RxBandwidth = 0x01
)

// RxBandwidthNames lists the canonical bandwidth names, narrowest first.
var RxBandwidthNames = []string{
	"2_6kHz", "3_1kHz", "3_9kHz", "5_2kHz", "6_3kHz", "7_8kHz", "10_4kHz",
	"12_5kHz", "15_6kHz", "20_8kHz", "25_0kHz", "31_3kHz", "41_7kHz",
	"50_0kHz", "62_5kHz", "83_3kHz", "100_0kHz", "125_0kHz", "166_7kHz",
	"200_0kHz", "250_0kHz",
}

// RxBandwidths maps canonical bandwidth names to register values.
var RxBandwidths = map[string]RxBandwidth{
	"2_6kHz":   RxBandwidth2_6,
	"3_1kHz":   RxBandwidth3_1,
	"3_9kHz":   RxBandwidth3_9,
	"5_2kHz":   RxBandwidth5_2,
	"6_3kHz":   RxBandwidth6_3,
	"7_8kHz":   RxBandwidth7_8,
	"10_4kHz":  RxBandwidth10_4,
	"12_5kHz":  RxBandwidth12_5,
	"15_6kHz":  RxBandwidth15_6,
	"20_8kHz":  RxBandwidth20_8,
	"25_0kHz":  RxBandwidth25_0,
	"31_3kHz":  RxBandwidth31_3,
	"41_7kHz":  RxBandwidth41_7,
	"50_0kHz":  RxBandwidth50_0,
	"62_5kHz":  RxBandwidth62_5,
	"83_3kHz":  RxBandwidth83_3,
	"100_0kHz": RxBandwidth100_0,
	"125_0kHz": RxBandwidth125_0,
	"166_7kHz": RxBandwidth166_7,
	"200_0kHz": RxBandwidth200_0,
	"250_0kHz": RxBandwidth250_0,
}

// OscillatorHz is the crystal frequency the SX127x synthesiser and channel
// filter are derived from.
const OscillatorHz = 32000000

// Hertz returns the channel filter bandwidth encoded by the register value.
func (bw RxBandwidth) Hertz() float64 {
	mant := 16 + uint32(bw>>3&0x3)*4
	exp := uint32(bw & 0x7)
	return float64(OscillatorHz) / float64(mant*(1<<(exp+2)))
}

// Name returns the canonical document name, or "" when bw is not one of the
// tabulated values.
func (bw RxBandwidth) Name() string {
	for name, v := range RxBandwidths {
		if v == bw {
			return name
		}
	}
	return ""
}

func (bw RxBandwidth) String() string {
	if name := bw.Name(); name != "" {
		return name
	}
	return fmt.Sprintf("RxBandwidth(%#02x)", uint8(bw))
}
