package model

import "fmt"

// PinRef is a validated reference to a GPIO pin configured as an output.
type PinRef struct {
	Number   int
	Inverted bool
}

func (p PinRef) String() string {
	if p.Inverted {
		return fmt.Sprintf("GPIO%d (inverted)", p.Number)
	}
	return fmt.Sprintf("GPIO%d", p.Number)
}

// BoardProfile describes which pin numbers a target board exposes and which
// of them can drive an output.
type BoardProfile struct {
	Name      string
	MaxGPIO   int
	InputOnly map[int]bool
}

// CanOutput reports whether n exists on the board and can drive an output.
func (b BoardProfile) CanOutput(n int) bool {
	if n < 0 || n > b.MaxGPIO {
		return false
	}
	return !b.InputOnly[n]
}

// ESP32 is the default board profile. GPIO34-39 are input only.
var ESP32 = BoardProfile{
	Name:    "esp32",
	MaxGPIO: 39,
	InputOnly: map[int]bool{
		34: true, 35: true, 36: true, 37: true, 38: true, 39: true,
	},
}
