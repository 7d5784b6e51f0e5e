package sx127x

// FSK/OOK register map subset programmed by the driver.
const (
	RegOpMode        = 0x01
	RegFrfMsb        = 0x06
	RegFrfMid        = 0x07
	RegFrfLsb        = 0x08
	RegPaConfig      = 0x09
	RegRxBw          = 0x12
	RegOokPeak       = 0x14
	RegOokFix        = 0x15
	RegSyncConfig    = 0x27
	RegPacketConfig1 = 0x30
	RegPacketConfig2 = 0x31
	RegVersion       = 0x42
)

// ChipVersion is the silicon revision reported by RegVersion.
const ChipVersion = 0x12

// modeLFOn selects the low frequency register bank.
const modeLFOn = 0x08

// ookThresholdPeak selects the peak OOK demodulator threshold.
const ookThresholdPeak = 0x08

// paConfigMaxPower sets MaxPower to its highest step.
const paConfigMaxPower = 0x70

// Mode is the transceiver operating mode held in RegOpMode bits 2-0.
type Mode uint8

const (
	ModeSleep   Mode = 0x00
	ModeStandby Mode = 0x01
	ModeTxFS    Mode = 0x02
	ModeTx      Mode = 0x03
	ModeRxFS    Mode = 0x04
	ModeRx      Mode = 0x05
)

func (m Mode) String() string {
	switch m {
	case ModeSleep:
		return "sleep"
	case ModeStandby:
		return "standby"
	case ModeTxFS:
		return "fstx"
	case ModeTx:
		return "tx"
	case ModeRxFS:
		return "fsrx"
	case ModeRx:
		return "rx"
	default:
		return "unknown"
	}
}

// frf converts a carrier frequency into the 24-bit RegFrf value.
func frf(hz uint32) uint32 {
	return uint32((uint64(hz) << 19) / oscillatorHz)
}

// paConfig returns the RegPaConfig value and the power actually applied
// after clamping to the range the selected output supports.
func paConfig(pin uint8, power uint8, boost bool) (uint8, uint8) {
	if boost {
		power = clamp(power, 2, 17)
		return (power - 2) | pin | paConfigMaxPower, power
	}
	power = clamp(power, 0, 14)
	return power | pin | paConfigMaxPower, power
}

// ookFix returns the fixed OOK threshold for a noise floor in dBm.
func ookFix(floor float32) uint8 {
	return uint8(256 + int(floor*2))
}

func clamp(v, lo, hi uint8) uint8 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
