package live

import (
	"context"
	"fmt"
	"sync"
	"time"

	"periph.io/x/conn/v3/gpio"

	"github.com/signalsfoundry/sx127x-binder/sx127x"
)

// GPIOTransmitter keys a radio's data pin from raw mark/space timings and
// tells its listeners when a transmission starts and ends.
type GPIOTransmitter struct {
	id   string
	pin  sx127x.OutputPin
	duty int

	mu        sync.Mutex
	listeners []sx127x.Listener
}

var (
	_ sx127x.Transmitter = (*GPIOTransmitter)(nil)
	_ Component          = (*GPIOTransmitter)(nil)
)

// NewGPIOTransmitter returns a transmitter driving pin. Marks are keyed
// unmodulated, so Setup rejects a carrier duty below 100%.
func NewGPIOTransmitter(id string, pin sx127x.OutputPin, carrierDutyPercent int) *GPIOTransmitter {
	return &GPIOTransmitter{id: id, pin: pin, duty: carrierDutyPercent}
}

func (t *GPIOTransmitter) String() string { return t.id }

// CarrierDutyPercent returns the configured carrier duty.
func (t *GPIOTransmitter) CarrierDutyPercent() int { return t.duty }

// RegisterListener adds l to the listeners notified around Transmit.
func (t *GPIOTransmitter) RegisterListener(l sx127x.Listener) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.listeners = append(t.listeners, l)
}

// Setup parks the pin at space.
func (t *GPIOTransmitter) Setup(ctx context.Context) error {
	if t.duty != 100 {
		return fmt.Errorf("%s: carrier duty %d%% needs a modulated carrier", t.id, t.duty)
	}
	if err := t.pin.Out(gpio.Low); err != nil {
		return fmt.Errorf("%s: %w", t.id, err)
	}
	return nil
}

// Transmit sends raw timings in microseconds: positive values are marks,
// negative values are spaces. Listeners see OnTransmit before the first
// timing and OnComplete after the pin returns to space, even on error.
func (t *GPIOTransmitter) Transmit(ctx context.Context, timings []int32) error {
	t.mu.Lock()
	listeners := append([]sx127x.Listener(nil), t.listeners...)
	t.mu.Unlock()

	for _, l := range listeners {
		l.OnTransmit()
	}
	err := t.send(ctx, timings)
	if outErr := t.pin.Out(gpio.Low); err == nil && outErr != nil {
		err = outErr
	}
	for _, l := range listeners {
		l.OnComplete()
	}
	if err != nil {
		return fmt.Errorf("%s: transmit: %w", t.id, err)
	}
	return nil
}

func (t *GPIOTransmitter) send(ctx context.Context, timings []int32) error {
	for _, us := range timings {
		level := gpio.High
		if us < 0 {
			level = gpio.Low
			us = -us
		}
		if err := t.pin.Out(level); err != nil {
			return err
		}
		if err := wait(ctx, time.Duration(us)*time.Microsecond); err != nil {
			return err
		}
	}
	return nil
}

func wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
