// Package live wires validated radio configuration into sx127x devices on
// real hardware through periph.io.
package live

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/conn/v3/spi"
	"periph.io/x/conn/v3/spi/spireg"
	"periph.io/x/host/v3"

	"github.com/signalsfoundry/sx127x-binder/core"
	"github.com/signalsfoundry/sx127x-binder/internal/logging"
	"github.com/signalsfoundry/sx127x-binder/kb"
	"github.com/signalsfoundry/sx127x-binder/model"
	"github.com/signalsfoundry/sx127x-binder/sx127x"
)

// Type names recorded in the build graph.
const (
	TypeDevice      = "sx127x.Device"
	TypeSPIPort     = "spi.PortCloser"
	TypeTransmitter = "live.GPIOTransmitter"
	TypeGPIOPin     = "gpio.PinIO"
)

// Component is set up once, in registration order.
type Component interface {
	String() string
	Setup(ctx context.Context) error
}

// RadioMetricsRecorder receives setup and mode switch outcomes.
type RadioMetricsRecorder interface {
	ObserveSetup(d time.Duration, err error)
	ObserveModeSwitch(mode string)
}

// Option customises a Host.
type Option func(*Host)

// WithGraph records into an existing build graph.
func WithGraph(g *kb.KnowledgeBase) Option {
	return func(h *Host) {
		if g != nil {
			h.graph = g
		}
	}
}

// WithPinLookup replaces gpioreg.ByName.
func WithPinLookup(fn func(name string) gpio.PinIO) Option {
	return func(h *Host) {
		if fn != nil {
			h.pinByName = fn
		}
	}
}

// WithPortOpener replaces spireg.Open.
func WithPortOpener(fn func(name string) (spi.PortCloser, error)) Option {
	return func(h *Host) {
		if fn != nil {
			h.openPort = fn
		}
	}
}

// WithBusPort maps a document bus id to an spireg port name such as
// "/dev/spidev0.0". Unmapped buses open the first registered port.
func WithBusPort(busID, port string) Option {
	return func(h *Host) {
		h.busPorts[busID] = port
	}
}

// WithTransmitter makes an externally managed transmitter resolvable by id.
func WithTransmitter(id string, t sx127x.Transmitter) Option {
	return func(h *Host) {
		h.transmitters[id] = t
	}
}

// WithMetricsRecorder attaches an optional metrics recorder.
func WithMetricsRecorder(m RadioMetricsRecorder) Option {
	return func(h *Host) {
		h.metrics = m
	}
}

// WithDeviceOptions appends options to every constructed sx127x.Device.
func WithDeviceOptions(opts ...sx127x.Option) Option {
	return func(h *Host) {
		h.deviceOpts = append(h.deviceOpts, opts...)
	}
}

// Host is a core.DocumentHost that constructs sx127x devices over periph.io
// GPIO and SPI.
type Host struct {
	log     logging.Logger
	graph   *kb.KnowledgeBase
	metrics RadioMetricsRecorder

	pinByName  func(name string) gpio.PinIO
	openPort   func(name string) (spi.PortCloser, error)
	deviceOpts []sx127x.Option

	mu           sync.Mutex
	busPorts     map[string]string
	pinUsers     map[int]string
	transmitters map[string]sx127x.Transmitter
	components   []Component
	ports        []spi.PortCloser
}

var _ core.DocumentHost = (*Host)(nil)

// Init loads the periph host drivers. Call it once before resolving pins
// and buses on real hardware.
func Init() error {
	if _, err := host.Init(); err != nil {
		return fmt.Errorf("periph host init: %w", err)
	}
	return nil
}

// NewHost returns a host backed by gpioreg and spireg.
func NewHost(log logging.Logger, opts ...Option) *Host {
	if log == nil {
		log = logging.Noop()
	}
	h := &Host{
		log:          log,
		graph:        kb.NewKnowledgeBase(),
		pinByName:    gpioreg.ByName,
		openPort:     spireg.Open,
		busPorts:     make(map[string]string),
		pinUsers:     make(map[int]string),
		transmitters: make(map[string]sx127x.Transmitter),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Graph returns the build graph the host records into.
func (h *Host) Graph() *kb.KnowledgeBase { return h.graph }

// Components returns the registered components in setup order.
func (h *Host) Components() []Component {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]Component(nil), h.components...)
}

// NewHandle constructs an sx127x device.
func (h *Host) NewHandle(ctx context.Context, id string) (core.Handle, error) {
	if err := h.graph.AddVariable(kb.Variable{ID: id, Kind: kb.KindSX127x, Type: TypeDevice}); err != nil {
		return nil, err
	}
	opts := []sx127x.Option{sx127x.WithLogger(h.log)}
	if h.metrics != nil {
		opts = append(opts, sx127x.WithModeObserver(func(m sx127x.Mode) {
			h.metrics.ObserveModeSwitch(m.String())
		}))
	}
	opts = append(opts, h.deviceOpts...)
	return &Handle{dev: sx127x.New(id, opts...)}, nil
}

// RegisterComponent schedules the device for Setup.
func (h *Host) RegisterComponent(ctx context.Context, hd core.Handle) error {
	handle, err := asHandle(hd)
	if err != nil {
		return err
	}
	if err := h.graph.RegisterComponent(handle.dev.ID()); err != nil {
		return err
	}
	h.mu.Lock()
	h.components = append(h.components, handle)
	h.mu.Unlock()
	return nil
}

// RegisterSPIDevice opens the bus port and connects the device to it.
func (h *Host) RegisterSPIDevice(ctx context.Context, hd core.Handle, dev model.SPIDevice) error {
	handle, err := asHandle(hd)
	if err != nil {
		return err
	}
	id := handle.dev.ID()
	if err := h.graph.RegisterSPIDevice(id, dev); err != nil {
		if errors.Is(err, kb.ErrVariableNotFound) {
			return &core.ReferenceError{Kind: "bus", Ref: dev.BusID, Err: err}
		}
		return err
	}
	if dev.Mode != model.SPIMode0 {
		return fmt.Errorf("%s: spi mode %d is not supported", id, dev.Mode)
	}

	h.mu.Lock()
	name := h.busPorts[dev.BusID]
	h.mu.Unlock()
	port, err := h.openPort(name)
	if err != nil {
		return &core.ReferenceError{Kind: "bus", Ref: dev.BusID, Err: err}
	}
	conn, err := port.Connect(physic.Frequency(dev.DataRateHz)*physic.Hertz, spi.Mode0, 8)
	if err != nil {
		_ = port.Close()
		return fmt.Errorf("%s: connect to %s: %w", id, port, err)
	}
	h.mu.Lock()
	h.ports = append(h.ports, port)
	h.mu.Unlock()

	handle.dev.SetConn(conn)
	h.log.Debug(ctx, "spi device connected",
		logging.String("id", id),
		logging.String("port", port.String()),
		logging.Any("data_rate_hz", dev.DataRateHz),
	)
	return nil
}

// ResolvePin looks a GPIO up by name, claiming it for this host.
func (h *Host) ResolvePin(ctx context.Context, ref model.PinRef) (core.Pin, error) {
	return h.claimPin(ref)
}

func (h *Host) claimPin(ref model.PinRef) (*Pin, error) {
	name := fmt.Sprintf("GPIO%d", ref.Number)

	h.mu.Lock()
	defer h.mu.Unlock()
	if owner, used := h.pinUsers[ref.Number]; used {
		return nil, &core.ReferenceError{Kind: "pin", Ref: ref.String(), Err: fmt.Errorf("%w by %s", core.ErrPinInUse, owner)}
	}
	p := h.pinByName(name)
	if p == nil {
		return nil, &core.ReferenceError{Kind: "pin", Ref: ref.String(), Err: fmt.Errorf("no pin named %s", name)}
	}
	varID := fmt.Sprintf("gpio_pin_%d", ref.Number)
	if err := h.graph.AddVariable(kb.Variable{ID: varID, Kind: kb.KindGPIOPin, Type: TypeGPIOPin}); err != nil {
		return nil, err
	}
	h.pinUsers[ref.Number] = varID
	return &Pin{ref: ref, pin: p}, nil
}

// ResolveComponent returns a declared or externally provided transmitter.
func (h *Host) ResolveComponent(ctx context.Context, id string) (core.Component, error) {
	h.mu.Lock()
	t, ok := h.transmitters[id]
	h.mu.Unlock()
	if !ok {
		return nil, &core.ReferenceError{Kind: "component", Ref: id, Err: kb.ErrVariableNotFound}
	}
	return t, nil
}

// DeclareSPIBus records the bus so devices can attach to it. The bus pins
// belong to the SPI controller behind the port and are not claimed here.
func (h *Host) DeclareSPIBus(ctx context.Context, bus model.SPIBus) error {
	if err := h.graph.AddVariable(kb.Variable{ID: bus.ID, Kind: kb.KindSPIBus, Type: TypeSPIPort}); err != nil {
		return err
	}
	h.mu.Lock()
	if _, ok := h.busPorts[bus.ID]; !ok {
		h.busPorts[bus.ID] = ""
	}
	h.mu.Unlock()
	return nil
}

// DeclareTransmitter builds a GPIOTransmitter on the transmitter's pin and
// schedules it for Setup.
func (h *Host) DeclareTransmitter(ctx context.Context, tx model.RemoteTransmitter) error {
	h.mu.Lock()
	_, external := h.transmitters[tx.ID]
	h.mu.Unlock()
	if external {
		return fmt.Errorf("transmitter %s: %w", tx.ID, kb.ErrVariableExists)
	}

	pin, err := h.claimPin(tx.Pin)
	if err != nil {
		return err
	}
	if err := h.graph.AddVariable(kb.Variable{ID: tx.ID, Kind: kb.KindRemoteTransmitter, Type: TypeTransmitter}); err != nil {
		return err
	}
	t := NewGPIOTransmitter(tx.ID, pin, tx.CarrierDutyPercent)
	if err := h.graph.RegisterComponent(tx.ID); err != nil {
		return err
	}

	h.mu.Lock()
	h.transmitters[tx.ID] = t
	h.components = append(h.components, t)
	h.mu.Unlock()
	return nil
}

// Setup runs every registered component's setup in registration order. A
// failing component does not stop the others; all failures are returned.
func (h *Host) Setup(ctx context.Context) error {
	var errs []error
	for _, c := range h.Components() {
		start := time.Now()
		err := c.Setup(ctx)
		if _, radio := c.(*Handle); radio && h.metrics != nil {
			h.metrics.ObserveSetup(time.Since(start), err)
		}
		if err != nil {
			h.log.Error(ctx, "component setup failed", logging.String("component", c.String()), logging.Err(err))
			errs = append(errs, err)
			continue
		}
		h.log.Info(ctx, "component ready", logging.String("component", c.String()))
	}
	return errors.Join(errs...)
}

// DumpConfig logs the configuration of every radio.
func (h *Host) DumpConfig(ctx context.Context) {
	for _, c := range h.Components() {
		if r, ok := c.(*Handle); ok {
			r.dev.DumpConfig(ctx)
		}
	}
}

// Close releases every opened SPI port.
func (h *Host) Close() error {
	h.mu.Lock()
	ports := h.ports
	h.ports = nil
	h.mu.Unlock()

	var errs []error
	for _, p := range ports {
		if err := p.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func asHandle(hd core.Handle) (*Handle, error) {
	handle, ok := hd.(*Handle)
	if !ok {
		return nil, fmt.Errorf("handle %v was not created by a live host", hd)
	}
	return handle, nil
}

// Pin is a resolved GPIO, inverted in software when the reference asks for
// it.
type Pin struct {
	ref model.PinRef
	pin gpio.PinIO
}

func (p *Pin) String() string { return p.ref.String() }

// Out drives the pin, inverting the level for inverted references.
func (p *Pin) Out(l gpio.Level) error {
	if p.ref.Inverted {
		l = !l
	}
	return p.pin.Out(l)
}

// Handle adapts an sx127x.Device to core.Handle. Setters receiving values
// the live host did not resolve record an error that Setup reports.
type Handle struct {
	dev *sx127x.Device
	err error
}

var (
	_ core.Handle = (*Handle)(nil)
	_ Component   = (*Handle)(nil)
)

// Device returns the underlying driver.
func (hd *Handle) Device() *sx127x.Device { return hd.dev }

func (hd *Handle) String() string { return hd.dev.String() }

// Setup programs the radio.
func (hd *Handle) Setup(ctx context.Context) error {
	if hd.err != nil {
		return hd.err
	}
	return hd.dev.Setup(ctx)
}

func (hd *Handle) SetRstPin(p core.Pin) {
	if out, ok := p.(sx127x.OutputPin); ok {
		hd.dev.SetRstPin(out)
		return
	}
	hd.fail("rst_pin", p)
}

func (hd *Handle) SetNssPin(p core.Pin) {
	if out, ok := p.(sx127x.OutputPin); ok {
		hd.dev.SetNssPin(out)
		return
	}
	hd.fail("nss_pin", p)
}

func (hd *Handle) SetTransmitter(c core.Component) {
	if t, ok := c.(sx127x.Transmitter); ok {
		hd.dev.SetTransmitter(t)
		return
	}
	hd.fail("transmitter", c)
}

func (hd *Handle) SetFrequency(hz uint32)              { hd.dev.SetFrequency(hz) }
func (hd *Handle) SetModulation(m model.Modulation)    { hd.dev.SetModulation(m) }
func (hd *Handle) SetRxFloor(dbm float32)              { hd.dev.SetRxFloor(dbm) }
func (hd *Handle) SetRxStart(start bool)               { hd.dev.SetRxStart(start) }
func (hd *Handle) SetRxBandwidth(bw model.RxBandwidth) { hd.dev.SetRxBandwidth(bw) }
func (hd *Handle) SetPaPin(p model.PaPin)              { hd.dev.SetPaPin(p) }
func (hd *Handle) SetPaPower(dbm uint8)                { hd.dev.SetPaPower(dbm) }

func (hd *Handle) fail(what string, v any) {
	if hd.err == nil {
		hd.err = fmt.Errorf("%s: %s %v is not usable by the live host", hd.dev.ID(), what, v)
	}
}
