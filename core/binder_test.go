package core

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/signalsfoundry/sx127x-binder/model"
)

type fakePin struct{ ref model.PinRef }

func (p fakePin) String() string { return p.ref.String() }

type fakeComponent string

func (c fakeComponent) String() string { return string(c) }

type fakeHandle struct {
	id    string
	calls []Op
	cfg   model.SX127xConfig
	rst   Pin
	nss   Pin
	tx    Component
}

func (h *fakeHandle) SetRstPin(p Pin) {
	h.calls = append(h.calls, OpSetRstPin)
	h.rst = p
}
func (h *fakeHandle) SetNssPin(p Pin) {
	h.calls = append(h.calls, OpSetNssPin)
	h.nss = p
}
func (h *fakeHandle) SetFrequency(hz uint32) {
	h.calls = append(h.calls, OpSetFrequency)
	h.cfg.FrequencyHz = hz
}
func (h *fakeHandle) SetModulation(m model.Modulation) {
	h.calls = append(h.calls, OpSetModulation)
	h.cfg.Modulation = m
}
func (h *fakeHandle) SetRxFloor(dbm float32) {
	h.calls = append(h.calls, OpSetRxFloor)
	h.cfg.RxFloorDBm = dbm
}
func (h *fakeHandle) SetRxStart(start bool) {
	h.calls = append(h.calls, OpSetRxStart)
	h.cfg.RxStart = start
}
func (h *fakeHandle) SetRxBandwidth(bw model.RxBandwidth) {
	h.calls = append(h.calls, OpSetRxBandwidth)
	h.cfg.RxBandwidth = bw
}
func (h *fakeHandle) SetPaPin(p model.PaPin) {
	h.calls = append(h.calls, OpSetPaPin)
	h.cfg.PaPin = p
}
func (h *fakeHandle) SetPaPower(dbm uint8) {
	h.calls = append(h.calls, OpSetPaPower)
	h.cfg.PaPower = dbm
}
func (h *fakeHandle) SetTransmitter(c Component) {
	h.calls = append(h.calls, OpSetTransmitter)
	h.tx = c
}

// fakeHost records host-side calls and resolves components from a fixed set.
type fakeHost struct {
	handles    []*fakeHandle
	registered []string
	devices    map[string]model.SPIDevice
	components map[string]bool
	badPins    map[int]error
	busErr     error

	buses        []string
	transmitters []string
}

func newFakeHost() *fakeHost {
	return &fakeHost{devices: make(map[string]model.SPIDevice), components: make(map[string]bool), badPins: make(map[int]error)}
}

func (f *fakeHost) NewHandle(_ context.Context, id string) (Handle, error) {
	h := &fakeHandle{id: id, calls: []Op{OpNew}}
	f.handles = append(f.handles, h)
	return h, nil
}

func (f *fakeHost) RegisterComponent(_ context.Context, h Handle) error {
	fh := h.(*fakeHandle)
	fh.calls = append(fh.calls, OpRegisterComponent)
	f.registered = append(f.registered, fh.id)
	return nil
}

func (f *fakeHost) RegisterSPIDevice(_ context.Context, h Handle, dev model.SPIDevice) error {
	if f.busErr != nil {
		return f.busErr
	}
	fh := h.(*fakeHandle)
	fh.calls = append(fh.calls, OpRegisterSPIDevice)
	f.devices[fh.id] = dev
	return nil
}

func (f *fakeHost) ResolvePin(_ context.Context, ref model.PinRef) (Pin, error) {
	if err := f.badPins[ref.Number]; err != nil {
		return nil, err
	}
	return fakePin{ref: ref}, nil
}

func (f *fakeHost) ResolveComponent(_ context.Context, id string) (Component, error) {
	if !f.components[id] {
		return nil, fmt.Errorf("no component %q", id)
	}
	return fakeComponent(id), nil
}

type fakeDocumentHost struct {
	*fakeHost
}

func (f fakeDocumentHost) DeclareSPIBus(_ context.Context, bus model.SPIBus) error {
	f.buses = append(f.buses, bus.ID)
	return nil
}

func (f fakeDocumentHost) DeclareTransmitter(_ context.Context, tx model.RemoteTransmitter) error {
	f.transmitters = append(f.transmitters, tx.ID)
	f.components[tx.ID] = true
	return nil
}

type recordingMetrics struct {
	ok, failed int
	bound      []string
}

func (r *recordingMetrics) ObserveValidation(ok bool) {
	if ok {
		r.ok++
		return
	}
	r.failed++
}

func (r *recordingMetrics) ObserveBinding(cfg *model.SX127xConfig) {
	r.bound = append(r.bound, cfg.ID)
}

func TestTranslateMinimalEntry(t *testing.T) {
	b := NewBinder(nil)
	cfg, err := b.Validate(minimalEntry())
	if err != nil {
		t.Fatalf("Validate error: %v", err)
	}

	host := newFakeHost()
	binding, err := b.Translate(context.Background(), host, cfg)
	if err != nil {
		t.Fatalf("Translate error: %v", err)
	}

	if len(host.handles) != 1 {
		t.Fatalf("handles created = %d, want 1", len(host.handles))
	}
	h := host.handles[0]
	wantOrder := []Op{
		OpNew, OpRegisterComponent, OpRegisterSPIDevice,
		OpSetRstPin, OpSetNssPin, OpSetFrequency, OpSetModulation, OpSetRxFloor,
		OpSetRxStart, OpSetRxBandwidth, OpSetPaPin, OpSetPaPower,
	}
	if fmt.Sprint(h.calls) != fmt.Sprint(wantOrder) {
		t.Fatalf("handle calls = %v, want %v", h.calls, wantOrder)
	}
	if len(binding.Calls) != len(wantOrder) {
		t.Fatalf("binding calls = %v, want %d entries", binding.Calls, len(wantOrder))
	}
	for i, c := range binding.Calls {
		if c.Op != wantOrder[i] {
			t.Fatalf("binding call %d = %s, want %s", i, c.Op, wantOrder[i])
		}
	}

	if h.cfg.RxFloorDBm != -94 || !h.cfg.RxStart || h.cfg.RxBandwidth != model.RxBandwidth50_0 ||
		h.cfg.PaPin != model.PaPinPABoost || h.cfg.PaPower != 17 {
		t.Fatalf("defaults not applied: %+v", h.cfg)
	}
	if h.cfg.FrequencyHz != 915000000 || h.cfg.Modulation != model.ModulationFSK {
		t.Fatalf("radio settings = %+v", h.cfg)
	}
	if h.rst.String() != "GPIO23" || h.nss.String() != "GPIO18" {
		t.Fatalf("pins = %v / %v", h.rst, h.nss)
	}
	if h.tx != nil {
		t.Fatalf("unexpected transmitter %v", h.tx)
	}
	if len(host.registered) != 1 || host.registered[0] != cfg.ID {
		t.Fatalf("registered components = %v", host.registered)
	}
	if dev := host.devices[cfg.ID]; dev.BusID != model.DefaultSPIBusID || dev.DataRateHz != 8000000 || dev.Mode != model.SPIMode0 {
		t.Fatalf("spi device = %#v", dev)
	}
}

func TestTranslateBindsTransmitterLast(t *testing.T) {
	b := NewBinder(nil)
	doc := minimalEntry()
	doc["transmitter_id"] = "rf_tx"
	cfg, err := b.Validate(doc)
	if err != nil {
		t.Fatalf("Validate error: %v", err)
	}

	host := newFakeHost()
	host.components["rf_tx"] = true

	withTx, err := b.Translate(context.Background(), host, cfg)
	if err != nil {
		t.Fatalf("Translate error: %v", err)
	}
	plain, err := b.Translate(context.Background(), newFakeHost(), mustValidate(t, b, minimalEntry()))
	if err != nil {
		t.Fatalf("Translate error: %v", err)
	}

	if len(withTx.Calls) != len(plain.Calls)+1 {
		t.Fatalf("calls with transmitter = %d, without = %d", len(withTx.Calls), len(plain.Calls))
	}
	last := withTx.Calls[len(withTx.Calls)-1]
	if last.Op != OpSetTransmitter || fmt.Sprint(last.Arg) != "rf_tx" {
		t.Fatalf("last call = %v, want set_transmitter(rf_tx)", last)
	}
	if got := host.handles[0].tx; got == nil || got.String() != "rf_tx" {
		t.Fatalf("handle transmitter = %v", got)
	}
}

func mustValidate(t *testing.T, b *Binder, doc map[string]any) *model.SX127xConfig {
	t.Helper()
	cfg, err := b.Validate(doc)
	if err != nil {
		t.Fatalf("Validate error: %v", err)
	}
	return cfg
}

func TestTranslateReferenceErrors(t *testing.T) {
	b := NewBinder(nil)

	t.Run("unknown transmitter", func(t *testing.T) {
		doc := minimalEntry()
		doc["transmitter_id"] = "missing_tx"
		host := newFakeHost()

		_, err := b.Translate(context.Background(), host, mustValidate(t, b, doc))
		if !errors.Is(err, ErrReferenceResolution) {
			t.Fatalf("error = %v, want reference resolution failure", err)
		}
		var ref *ReferenceError
		if !errors.As(err, &ref) || ref.Kind != "component" || ref.Ref != "missing_tx" {
			t.Fatalf("reference error = %+v", ref)
		}
		if errors.Is(err, ErrSchemaViolation) {
			t.Fatalf("reference error must not match schema violation")
		}
	})

	t.Run("unresolvable pin", func(t *testing.T) {
		host := newFakeHost()
		host.badPins[18] = errors.New("pin claimed")

		_, err := b.Translate(context.Background(), host, mustValidate(t, b, minimalEntry()))
		var ref *ReferenceError
		if !errors.As(err, &ref) || ref.Kind != "pin" || ref.Ref != "GPIO18" {
			t.Fatalf("error = %v, want pin reference error for GPIO18", err)
		}
		if got := host.handles[0].calls; got[len(got)-1] != OpSetRstPin {
			t.Fatalf("handle calls = %v, want to stop after set_rst_pin", got)
		}
	})

	t.Run("bus failure passes through", func(t *testing.T) {
		host := newFakeHost()
		busErr := &ReferenceError{Kind: "bus", Ref: "spi", Err: errors.New("not declared")}
		host.busErr = busErr

		_, err := b.Translate(context.Background(), host, mustValidate(t, b, minimalEntry()))
		var ref *ReferenceError
		if !errors.As(err, &ref) || ref != busErr {
			t.Fatalf("error = %v, want the host's bus error", err)
		}
	})
}

func TestTranslateRejectsNilArguments(t *testing.T) {
	b := NewBinder(nil)
	if _, err := b.Translate(context.Background(), nil, &model.SX127xConfig{}); err == nil {
		t.Fatalf("expected error for nil host")
	}
	if _, err := b.Translate(context.Background(), newFakeHost(), nil); err == nil {
		t.Fatalf("expected error for nil config")
	}
}

func TestBinderRecordsMetrics(t *testing.T) {
	rec := &recordingMetrics{}
	b := NewBinder(nil, WithMetricsRecorder(rec))

	cfg, err := b.Validate(minimalEntry())
	if err != nil {
		t.Fatalf("Validate error: %v", err)
	}
	if _, err := b.Validate(map[string]any{}); err == nil {
		t.Fatalf("expected validation failure for empty entry")
	}
	if _, err := b.Translate(context.Background(), newFakeHost(), cfg); err != nil {
		t.Fatalf("Translate error: %v", err)
	}

	if rec.ok != 1 || rec.failed != 1 {
		t.Fatalf("validations ok=%d failed=%d, want 1/1", rec.ok, rec.failed)
	}
	if len(rec.bound) != 1 || rec.bound[0] != cfg.ID {
		t.Fatalf("bound = %v", rec.bound)
	}
}

func TestTranslateDocumentDeclaresBeforeRadios(t *testing.T) {
	b := NewBinder(nil)
	doc := &Document{
		Buses:        []model.SPIBus{{ID: "spi", ClkPin: 5}},
		Transmitters: []model.RemoteTransmitter{{ID: "rf_tx", Pin: model.PinRef{Number: 4}, CarrierDutyPercent: 100}},
	}
	first := mustValidate(t, b, minimalEntry())
	second := minimalEntry()
	second["id"] = "second"
	second["rst_pin"] = 25
	second["nss_pin"] = 26
	second["transmitter_id"] = "rf_tx"
	doc.Radios = []*model.SX127xConfig{first, mustValidate(t, b, second)}

	host := fakeDocumentHost{newFakeHost()}
	bindings, err := b.TranslateDocument(context.Background(), host, doc)
	if err != nil {
		t.Fatalf("TranslateDocument error: %v", err)
	}
	if len(bindings) != 2 || bindings[0].Config.ID != "sx127x_1" || bindings[1].Config.ID != "second" {
		t.Fatalf("bindings = %+v", bindings)
	}
	if len(host.buses) != 1 || len(host.transmitters) != 1 {
		t.Fatalf("declared buses=%v transmitters=%v", host.buses, host.transmitters)
	}
	if host.handles[1].tx == nil {
		t.Fatalf("second radio has no transmitter bound")
	}
}

func TestTranslateDocumentStopsAtFirstFailure(t *testing.T) {
	b := NewBinder(nil)
	bad := minimalEntry()
	bad["transmitter_id"] = "ghost"
	doc := &Document{Radios: []*model.SX127xConfig{mustValidate(t, b, bad), mustValidate(t, b, minimalEntry())}}

	host := newFakeHost()
	if _, err := b.TranslateDocument(context.Background(), host, doc); !errors.Is(err, ErrReferenceResolution) {
		t.Fatalf("error = %v, want reference resolution failure", err)
	}
	if len(host.handles) != 1 {
		t.Fatalf("handles = %d, want translation to stop after the first radio", len(host.handles))
	}
}
