// Package sx127x drives a Semtech SX127x transceiver in FSK or OOK mode over
// SPI. It performs the one-shot register programming a configured radio needs
// and switches between standby, receive and transmit around an external
// transmitter.
package sx127x

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"periph.io/x/conn/v3/gpio"

	"github.com/signalsfoundry/sx127x-binder/internal/logging"
	"github.com/signalsfoundry/sx127x-binder/model"
)

const oscillatorHz = model.OscillatorHz

var (
	// ErrNotDetected indicates RegVersion did not report an SX127x.
	ErrNotDetected = errors.New("sx127x not detected")
	// ErrNotConfigured indicates Setup was called before a required pin or
	// the SPI connection was set.
	ErrNotConfigured = errors.New("sx127x not configured")
)

// Conn is a full-duplex SPI connection. periph's spi.Conn satisfies it.
type Conn interface {
	Tx(w, r []byte) error
}

// OutputPin is a GPIO the driver drives. periph's gpio.PinOut satisfies it.
type OutputPin interface {
	String() string
	Out(l gpio.Level) error
}

// Listener is notified around transmissions.
type Listener interface {
	OnTransmit()
	OnComplete()
}

// Transmitter is an external component that announces its transmissions.
type Transmitter interface {
	String() string
	RegisterListener(l Listener)
}

// Option customises a Device.
type Option func(*Device)

// WithLogger sets the logger used by Setup, mode switches and DumpConfig.
func WithLogger(l logging.Logger) Option {
	return func(d *Device) {
		if l != nil {
			d.log = l
		}
	}
}

// WithSleep replaces time.Sleep for the reset and mode settle delays.
func WithSleep(fn func(time.Duration)) Option {
	return func(d *Device) {
		if fn != nil {
			d.sleep = fn
		}
	}
}

// WithModeObserver is called after every successful mode switch.
func WithModeObserver(fn func(Mode)) Option {
	return func(d *Device) {
		d.onMode = fn
	}
}

// Device is one SX127x radio. Setters record configuration; Setup programs
// the chip.
type Device struct {
	id string

	mu   sync.Mutex
	conn Conn
	rst  OutputPin
	nss  OutputPin

	frequency   uint32
	modulation  model.Modulation
	rxFloor     float32
	rxStart     bool
	rxBandwidth model.RxBandwidth
	paPin       model.PaPin
	paPower     uint8
	transmitter Transmitter

	mode   Mode
	failed bool

	log    logging.Logger
	sleep  func(time.Duration)
	onMode func(Mode)
}

// New returns an unconfigured device with the defaults of a validated entry.
func New(id string, opts ...Option) *Device {
	d := &Device{
		id:          id,
		rxFloor:     model.DefaultRxFloor,
		rxStart:     model.DefaultRxStart,
		rxBandwidth: model.DefaultRxBandwidth,
		paPin:       model.DefaultPaPin,
		paPower:     model.DefaultPaPower,
		log:         logging.Noop(),
		sleep:       time.Sleep,
	}
	for _, opt := range opts {
		opt(d)
	}
	d.log = d.log.With(logging.String("component", "sx127x"), logging.String("id", id))
	return d
}

func (d *Device) String() string { return d.id }

// ID returns the component id.
func (d *Device) ID() string { return d.id }

func (d *Device) SetConn(c Conn)               { d.conn = c }
func (d *Device) SetRstPin(p OutputPin)        { d.rst = p }
func (d *Device) SetNssPin(p OutputPin)        { d.nss = p }
func (d *Device) SetFrequency(hz uint32)       { d.frequency = hz }
func (d *Device) SetRxFloor(dbm float32)       { d.rxFloor = dbm }
func (d *Device) SetRxStart(start bool)        { d.rxStart = start }
func (d *Device) SetPaPin(p model.PaPin)       { d.paPin = p }
func (d *Device) SetPaPower(dbm uint8)         { d.paPower = dbm }
func (d *Device) SetTransmitter(t Transmitter) { d.transmitter = t }

func (d *Device) SetModulation(m model.Modulation) { d.modulation = m }

func (d *Device) SetRxBandwidth(bw model.RxBandwidth) { d.rxBandwidth = bw }

// PaPower returns the PA power in dBm, clamped once Setup has run.
func (d *Device) PaPower() uint8 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.paPower
}

// Mode returns the last mode written to the chip.
func (d *Device) Mode() Mode {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.mode
}

// Failed reports whether Setup could not bring the chip up.
func (d *Device) Failed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.failed
}

// Setup resets and programs the chip, leaving it in standby, or in receive
// when rx_start is set.
func (d *Device) Setup(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.conn == nil || d.rst == nil || d.nss == nil {
		d.failed = true
		return fmt.Errorf("setup %s: %w", d.id, ErrNotConfigured)
	}
	d.log.Info(ctx, "setting up sx127x")

	if d.transmitter != nil {
		d.transmitter.RegisterListener(d)
	}

	if err := d.nss.Out(gpio.High); err != nil {
		return d.fail(fmt.Errorf("setup %s: nss: %w", d.id, err))
	}
	if err := d.rst.Out(gpio.Low); err != nil {
		return d.fail(fmt.Errorf("setup %s: reset: %w", d.id, err))
	}
	d.sleep(time.Millisecond)
	if err := d.rst.Out(gpio.High); err != nil {
		return d.fail(fmt.Errorf("setup %s: reset: %w", d.id, err))
	}
	d.sleep(10 * time.Millisecond)

	version, err := d.readRegister(RegVersion)
	if err != nil {
		return d.fail(fmt.Errorf("setup %s: read version: %w", d.id, err))
	}
	if version != ChipVersion {
		return d.fail(fmt.Errorf("setup %s: version %#02x: %w", d.id, version, ErrNotDetected))
	}

	if err := d.writeMode(ModeSleep); err != nil {
		return d.fail(err)
	}
	d.sleep(time.Millisecond)

	f := frf(d.frequency)
	paReg, power := paConfig(uint8(d.paPin), d.paPower, d.paPin == model.PaPinPABoost)
	d.paPower = power

	writes := []struct {
		reg, val uint8
	}{
		{RegFrfMsb, uint8(f >> 16)},
		{RegFrfMid, uint8(f >> 8)},
		{RegFrfLsb, uint8(f)},
		{RegRxBw, uint8(d.rxBandwidth)},
		{RegPaConfig, paReg},
		{RegPacketConfig1, 0x00},
		{RegPacketConfig2, 0x00},
		{RegSyncConfig, 0x00},
		{RegOokPeak, ookThresholdPeak},
		{RegOokFix, ookFix(d.rxFloor)},
	}
	for _, w := range writes {
		if err := d.writeRegister(w.reg, w.val); err != nil {
			return d.fail(fmt.Errorf("setup %s: write %#02x: %w", d.id, w.reg, err))
		}
	}

	if err := d.setModeStandby(); err != nil {
		return d.fail(err)
	}
	if d.rxStart {
		if err := d.setModeRx(); err != nil {
			return d.fail(err)
		}
	}
	return nil
}

func (d *Device) fail(err error) error {
	d.failed = true
	return err
}

// SetModeStandby puts the chip in standby.
func (d *Device) SetModeStandby() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.setModeStandby()
}

// SetModeRx enters receive through the receive synthesiser.
func (d *Device) SetModeRx() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.setModeRx()
}

// SetModeTx enters transmit through the transmit synthesiser.
func (d *Device) SetModeTx() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.setModeTx()
}

func (d *Device) setModeStandby() error {
	if err := d.writeMode(ModeStandby); err != nil {
		return err
	}
	d.sleep(time.Millisecond)
	return nil
}

func (d *Device) setModeRx() error {
	if err := d.writeMode(ModeRxFS); err != nil {
		return err
	}
	d.sleep(time.Millisecond)
	return d.writeMode(ModeRx)
}

func (d *Device) setModeTx() error {
	if err := d.writeMode(ModeTxFS); err != nil {
		return err
	}
	d.sleep(time.Millisecond)
	return d.writeMode(ModeTx)
}

func (d *Device) writeMode(m Mode) error {
	if err := d.writeRegister(RegOpMode, uint8(d.modulation)|modeLFOn|uint8(m)); err != nil {
		return fmt.Errorf("%s: set mode %s: %w", d.id, m, err)
	}
	d.mode = m
	if d.onMode != nil {
		d.onMode(m)
	}
	return nil
}

// OnTransmit switches to transmit when the bound transmitter starts.
func (d *Device) OnTransmit() {
	if err := d.SetModeTx(); err != nil {
		d.log.Error(context.Background(), "set tx mode failed", logging.Err(err))
		return
	}
	d.log.Debug(context.Background(), "set tx mode")
}

// OnComplete returns to standby when the bound transmitter is done.
func (d *Device) OnComplete() {
	if err := d.SetModeStandby(); err != nil {
		d.log.Error(context.Background(), "set standby mode failed", logging.Err(err))
		return
	}
	d.log.Debug(context.Background(), "set standby mode")
}

// DumpConfig logs the configuration, with the receive bandwidth recomputed
// from the register value.
func (d *Device) DumpConfig(ctx context.Context) {
	d.mu.Lock()
	defer d.mu.Unlock()

	fields := []logging.Field{
		logging.Any("nss_pin", pinName(d.nss)),
		logging.Any("rst_pin", pinName(d.rst)),
		logging.String("frequency", fmt.Sprintf("%f MHz", float64(d.frequency)/1e6)),
		logging.String("modulation", d.modulation.String()),
		logging.String("rx_bandwidth", fmt.Sprintf("%.1f kHz", d.rxBandwidth.Hertz()/1000)),
		logging.Any("rx_start", d.rxStart),
	}
	if d.modulation == model.ModulationOOK {
		fields = append(fields, logging.String("rx_floor", fmt.Sprintf("%.1f dBm", d.rxFloor)))
	}
	fields = append(fields,
		logging.String("pa_pin", d.paPin.String()),
		logging.String("pa_power", fmt.Sprintf("%d dBm", d.paPower)),
	)
	d.log.Info(ctx, "sx127x config", fields...)
	if d.failed {
		d.log.Error(ctx, "configuring sx127x failed")
	}
}

func pinName(p OutputPin) string {
	if p == nil {
		return "none"
	}
	return p.String()
}

func (d *Device) readRegister(reg uint8) (uint8, error) {
	return d.transfer(reg&0x7f, 0x00)
}

func (d *Device) writeRegister(reg, val uint8) error {
	_, err := d.transfer(reg|0x80, val)
	return err
}

// transfer runs a two-byte transaction framed by NSS.
func (d *Device) transfer(addr, val uint8) (uint8, error) {
	if err := d.nss.Out(gpio.Low); err != nil {
		return 0, err
	}
	w := []byte{addr, val}
	r := make([]byte, 2)
	txErr := d.conn.Tx(w, r)
	if err := d.nss.Out(gpio.High); err != nil && txErr == nil {
		txErr = err
	}
	return r[1], txErr
}
