package core

import (
	"context"
	"errors"
	"fmt"

	"github.com/signalsfoundry/sx127x-binder/internal/logging"
	"github.com/signalsfoundry/sx127x-binder/model"
)

// Op names a driver initialisation call.
type Op string

const (
	OpNew               Op = "new"
	OpRegisterComponent Op = "register_component"
	OpRegisterSPIDevice Op = "register_spi_device"
	OpSetRstPin         Op = "set_rst_pin"
	OpSetNssPin         Op = "set_nss_pin"
	OpSetFrequency      Op = "set_frequency"
	OpSetModulation     Op = "set_modulation"
	OpSetRxFloor        Op = "set_rx_floor"
	OpSetRxStart        Op = "set_rx_start"
	OpSetRxBandwidth    Op = "set_rx_bandwidth"
	OpSetPaPin          Op = "set_pa_pin"
	OpSetPaPower        Op = "set_pa_power"
	OpSetTransmitter    Op = "set_transmitter"
)

// DriverInitCall is one call issued while wiring a handle.
type DriverInitCall struct {
	Op  Op
	Arg any
}

func (c DriverInitCall) String() string {
	if c.Arg == nil {
		return string(c.Op) + "()"
	}
	return fmt.Sprintf("%s(%v)", c.Op, c.Arg)
}

// Binding is a configured handle together with the calls that built it.
type Binding struct {
	Config *model.SX127xConfig
	Handle Handle
	Calls  []DriverInitCall
}

// BindingMetricsRecorder receives validation and translation outcomes.
type BindingMetricsRecorder interface {
	ObserveValidation(ok bool)
	ObserveBinding(cfg *model.SX127xConfig)
}

// Binder validates sx127x configuration and wires it into a host.
type Binder struct {
	schema  *Schema
	log     logging.Logger
	metrics BindingMetricsRecorder
}

// BinderOption customises Binder construction.
type BinderOption func(*Binder)

// WithSchema replaces the default schema, e.g. to target another board.
func WithSchema(s *Schema) BinderOption {
	return func(b *Binder) {
		b.schema = s
	}
}

// WithMetricsRecorder attaches an optional metrics recorder.
func WithMetricsRecorder(m BindingMetricsRecorder) BinderOption {
	return func(b *Binder) {
		b.metrics = m
	}
}

// NewBinder returns a binder over the default ESP32 schema.
func NewBinder(log logging.Logger, opts ...BinderOption) *Binder {
	if log == nil {
		log = logging.Noop()
	}
	b := &Binder{log: log}
	for _, opt := range opts {
		opt(b)
	}
	if b.schema == nil {
		b.schema = NewSchema()
	}
	return b
}

// Schema returns the schema documents are validated against.
func (b *Binder) Schema() *Schema { return b.schema }

// Validate checks a single sx127x entry.
func (b *Binder) Validate(doc map[string]any) (*model.SX127xConfig, error) {
	cfg, err := b.schema.Validate(doc)
	b.observeValidation(err == nil)
	return cfg, err
}

// Translate wires cfg into host: construct, register as component, register
// on the bus, bind reset then chip-select pins, apply the radio settings, and
// finally bind the transmitter when one is configured.
func (b *Binder) Translate(ctx context.Context, host Host, cfg *model.SX127xConfig) (*Binding, error) {
	if host == nil {
		return nil, fmt.Errorf("Translate: host is nil")
	}
	if cfg == nil {
		return nil, fmt.Errorf("Translate: config is nil")
	}
	log := b.log.With(logging.String("id", cfg.ID))

	binding := &Binding{Config: cfg}
	record := func(op Op, arg any) {
		binding.Calls = append(binding.Calls, DriverInitCall{Op: op, Arg: arg})
	}

	h, err := host.NewHandle(ctx, cfg.ID)
	if err != nil {
		return nil, fmt.Errorf("translate %s: construct: %w", cfg.ID, err)
	}
	binding.Handle = h
	record(OpNew, cfg.ID)

	if err := host.RegisterComponent(ctx, h); err != nil {
		return nil, fmt.Errorf("translate %s: register component: %w", cfg.ID, err)
	}
	record(OpRegisterComponent, nil)

	if err := host.RegisterSPIDevice(ctx, h, cfg.SPI); err != nil {
		return nil, fmt.Errorf("translate %s: register spi device: %w", cfg.ID, err)
	}
	record(OpRegisterSPIDevice, cfg.SPI)

	rst, err := host.ResolvePin(ctx, cfg.RstPin)
	if err != nil {
		return nil, fmt.Errorf("translate %s: rst_pin: %w", cfg.ID, asReferenceError("pin", cfg.RstPin.String(), err))
	}
	h.SetRstPin(rst)
	record(OpSetRstPin, rst)

	nss, err := host.ResolvePin(ctx, cfg.NssPin)
	if err != nil {
		return nil, fmt.Errorf("translate %s: nss_pin: %w", cfg.ID, asReferenceError("pin", cfg.NssPin.String(), err))
	}
	h.SetNssPin(nss)
	record(OpSetNssPin, nss)

	h.SetFrequency(cfg.FrequencyHz)
	record(OpSetFrequency, cfg.FrequencyHz)
	h.SetModulation(cfg.Modulation)
	record(OpSetModulation, cfg.Modulation)
	h.SetRxFloor(cfg.RxFloorDBm)
	record(OpSetRxFloor, cfg.RxFloorDBm)
	h.SetRxStart(cfg.RxStart)
	record(OpSetRxStart, cfg.RxStart)
	h.SetRxBandwidth(cfg.RxBandwidth)
	record(OpSetRxBandwidth, cfg.RxBandwidth)
	h.SetPaPin(cfg.PaPin)
	record(OpSetPaPin, cfg.PaPin)
	h.SetPaPower(cfg.PaPower)
	record(OpSetPaPower, cfg.PaPower)

	if cfg.HasTransmitter() {
		tx, err := host.ResolveComponent(ctx, cfg.TransmitterID)
		if err != nil {
			return nil, fmt.Errorf("translate %s: transmitter_id: %w", cfg.ID, asReferenceError("component", cfg.TransmitterID, err))
		}
		h.SetTransmitter(tx)
		record(OpSetTransmitter, tx)
	}

	log.Debug(ctx, "sx127x bound",
		logging.Int("calls", len(binding.Calls)),
		logging.Any("frequency_hz", cfg.FrequencyHz),
		logging.String("modulation", cfg.Modulation.String()),
	)
	if b.metrics != nil {
		b.metrics.ObserveBinding(cfg)
	}
	return binding, nil
}

// TranslateDocument declares the document's buses and transmitters to hosts
// that want them, then translates every radio in declaration order. It stops
// at the first failure.
func (b *Binder) TranslateDocument(ctx context.Context, host Host, doc *Document) ([]*Binding, error) {
	if doc == nil {
		return nil, fmt.Errorf("TranslateDocument: document is nil")
	}
	if dh, ok := host.(DocumentHost); ok {
		for _, bus := range doc.Buses {
			if err := dh.DeclareSPIBus(ctx, bus); err != nil {
				return nil, fmt.Errorf("declare spi bus %s: %w", bus.ID, err)
			}
		}
		for _, tx := range doc.Transmitters {
			if err := dh.DeclareTransmitter(ctx, tx); err != nil {
				return nil, fmt.Errorf("declare transmitter %s: %w", tx.ID, err)
			}
		}
	}

	bindings := make([]*Binding, 0, len(doc.Radios))
	for _, cfg := range doc.Radios {
		binding, err := b.Translate(ctx, host, cfg)
		if err != nil {
			return nil, err
		}
		bindings = append(bindings, binding)
	}
	b.log.Info(ctx, "document translated",
		logging.Int("buses", len(doc.Buses)),
		logging.Int("transmitters", len(doc.Transmitters)),
		logging.Int("radios", len(bindings)),
	)
	return bindings, nil
}

func (b *Binder) observeValidation(ok bool) {
	if b.metrics != nil {
		b.metrics.ObserveValidation(ok)
	}
}

func asReferenceError(kind, ref string, err error) error {
	if errors.Is(err, ErrReferenceResolution) {
		return err
	}
	return &ReferenceError{Kind: kind, Ref: ref, Err: err}
}
