// Package codegen renders the driver initialisation calls produced by the
// binder as C++ for the firmware build.
package codegen

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/signalsfoundry/sx127x-binder/core"
	"github.com/signalsfoundry/sx127x-binder/internal/logging"
	"github.com/signalsfoundry/sx127x-binder/kb"
	"github.com/signalsfoundry/sx127x-binder/model"
)

// Target language types of the constructed variables.
const (
	TypeSX127x            = "sx127x::SX127x"
	TypeSPIComponent      = "spi::SPIComponent"
	TypeRemoteTransmitter = "remote_transmitter::RemoteTransmitterComponent"
	TypeGPIOPin           = "esp32::ESP32InternalGPIOPin"
)

// Expr is a C++ expression.
type Expr string

func (e Expr) String() string { return string(e) }

// Generator is a core.DocumentHost that records C++ statements against a
// build graph.
type Generator struct {
	graph *kb.KnowledgeBase
	log   logging.Logger

	stmts    []string
	pinUsers map[int]string
	pinSeq   int
}

var _ core.DocumentHost = (*Generator)(nil)

// NewGenerator returns a generator recording into graph. A nil graph gets a
// fresh one.
func NewGenerator(graph *kb.KnowledgeBase, log logging.Logger) *Generator {
	if graph == nil {
		graph = kb.NewKnowledgeBase()
	}
	if log == nil {
		log = logging.Noop()
	}
	return &Generator{
		graph:    graph,
		log:      log,
		pinUsers: make(map[int]string),
	}
}

// Graph returns the build graph the generator records into.
func (g *Generator) Graph() *kb.KnowledgeBase { return g.graph }

// Statements returns the setup statements in issue order.
func (g *Generator) Statements() []string {
	return append([]string(nil), g.stmts...)
}

func (g *Generator) add(format string, args ...any) {
	g.stmts = append(g.stmts, fmt.Sprintf(format, args...))
}

// NewHandle declares a new SX127x variable.
func (g *Generator) NewHandle(ctx context.Context, id string) (core.Handle, error) {
	if err := g.graph.AddVariable(kb.Variable{ID: id, Kind: kb.KindSX127x, Type: TypeSX127x}); err != nil {
		return nil, err
	}
	g.add("%s = new %s();", id, TypeSX127x)
	return &Variable{id: id, g: g}, nil
}

// RegisterComponent registers h with the application lifecycle.
func (g *Generator) RegisterComponent(ctx context.Context, h core.Handle) error {
	id, err := g.handleID(h)
	if err != nil {
		return err
	}
	if err := g.graph.RegisterComponent(id); err != nil {
		return err
	}
	g.add("App.register_component(%s);", id)
	return nil
}

// RegisterSPIDevice attaches h to its bus with the configured clock and mode.
func (g *Generator) RegisterSPIDevice(ctx context.Context, h core.Handle, dev model.SPIDevice) error {
	id, err := g.handleID(h)
	if err != nil {
		return err
	}
	if err := g.graph.RegisterSPIDevice(id, dev); err != nil {
		if errors.Is(err, kb.ErrVariableNotFound) {
			return &core.ReferenceError{Kind: "bus", Ref: dev.BusID, Err: err}
		}
		return err
	}
	g.add("%s->set_spi_parent(%s);", id, dev.BusID)
	g.add("%s->set_data_rate(%d);", id, dev.DataRateHz)
	g.add("%s->set_mode(spi::MODE%d);", id, dev.Mode)
	return nil
}

// ResolvePin declares a GPIO pin variable configured as output.
func (g *Generator) ResolvePin(ctx context.Context, ref model.PinRef) (core.Pin, error) {
	return g.pin(ref.Number, ref.Inverted, "gpio::Flags::FLAG_OUTPUT")
}

// ResolveComponent looks up a declared remote transmitter.
func (g *Generator) ResolveComponent(ctx context.Context, id string) (core.Component, error) {
	v := g.graph.GetVariable(id)
	if v == nil {
		return nil, &core.ReferenceError{Kind: "component", Ref: id, Err: kb.ErrVariableNotFound}
	}
	if v.Kind != kb.KindRemoteTransmitter {
		return nil, &core.ReferenceError{Kind: "component", Ref: id, Err: fmt.Errorf("%q is a %s, not a %s", id, v.Kind, kb.KindRemoteTransmitter)}
	}
	return Expr(id), nil
}

// DeclareSPIBus declares and registers a bus component with its pins.
func (g *Generator) DeclareSPIBus(ctx context.Context, bus model.SPIBus) error {
	if err := g.graph.AddVariable(kb.Variable{ID: bus.ID, Kind: kb.KindSPIBus, Type: TypeSPIComponent}); err != nil {
		return err
	}
	g.add("%s = new %s();", bus.ID, TypeSPIComponent)
	if err := g.graph.RegisterComponent(bus.ID); err != nil {
		return err
	}
	g.add("App.register_component(%s);", bus.ID)

	clk, err := g.pin(bus.ClkPin, false, "gpio::Flags::FLAG_OUTPUT")
	if err != nil {
		return err
	}
	g.add("%s->set_clk(%s);", bus.ID, clk)
	if bus.MosiPin != nil {
		mosi, err := g.pin(*bus.MosiPin, false, "gpio::Flags::FLAG_OUTPUT")
		if err != nil {
			return err
		}
		g.add("%s->set_mosi(%s);", bus.ID, mosi)
	}
	if bus.MisoPin != nil {
		miso, err := g.pin(*bus.MisoPin, false, "gpio::Flags::FLAG_INPUT")
		if err != nil {
			return err
		}
		g.add("%s->set_miso(%s);", bus.ID, miso)
	}
	return nil
}

// DeclareTransmitter declares and registers a remote transmitter.
func (g *Generator) DeclareTransmitter(ctx context.Context, tx model.RemoteTransmitter) error {
	pin, err := g.pin(tx.Pin.Number, tx.Pin.Inverted, "gpio::Flags::FLAG_OUTPUT")
	if err != nil {
		return err
	}
	if err := g.graph.AddVariable(kb.Variable{ID: tx.ID, Kind: kb.KindRemoteTransmitter, Type: TypeRemoteTransmitter}); err != nil {
		return err
	}
	g.add("%s = new %s(%s);", tx.ID, TypeRemoteTransmitter, pin)
	if err := g.graph.RegisterComponent(tx.ID); err != nil {
		return err
	}
	g.add("App.register_component(%s);", tx.ID)
	g.add("%s->set_carrier_duty_percent(%d);", tx.ID, tx.CarrierDutyPercent)
	return nil
}

func (g *Generator) handleID(h core.Handle) (string, error) {
	v, ok := h.(*Variable)
	if !ok || v.g != g {
		return "", fmt.Errorf("handle %v was not created by this generator", h)
	}
	return v.id, nil
}

func (g *Generator) pin(number int, inverted bool, flags string) (Expr, error) {
	ref := model.PinRef{Number: number, Inverted: inverted}
	if owner, used := g.pinUsers[number]; used {
		return "", &core.ReferenceError{Kind: "pin", Ref: ref.String(), Err: fmt.Errorf("%w by %s", core.ErrPinInUse, owner)}
	}
	g.pinSeq++
	id := fmt.Sprintf("gpio_pin_%d", g.pinSeq)
	if err := g.graph.AddVariable(kb.Variable{ID: id, Kind: kb.KindGPIOPin, Type: TypeGPIOPin}); err != nil {
		return "", err
	}
	g.pinUsers[number] = id
	g.add("%s = new %s();", id, TypeGPIOPin)
	g.add("%s->set_pin(::GPIO_NUM_%d);", id, number)
	g.add("%s->set_inverted(%s);", id, strconv.FormatBool(inverted))
	g.add("%s->set_flags(%s);", id, flags)
	return Expr(id), nil
}

// Render returns a main.cpp with global declarations for every variable and
// a setup() running the recorded statements.
func (g *Generator) Render() string {
	var b strings.Builder
	b.WriteString("// Auto generated code by sx127x-gen\n")
	b.WriteString("#include \"esphome.h\"\n")
	b.WriteString("using namespace esphome;\n\n")
	for _, v := range g.graph.ListVariables() {
		fmt.Fprintf(&b, "%s *%s;\n", v.Type, v.ID)
	}
	b.WriteString("\nvoid setup() {\n")
	for _, s := range g.stmts {
		b.WriteString("  ")
		b.WriteString(s)
		b.WriteByte('\n')
	}
	b.WriteString("  App.setup();\n}\n\n")
	b.WriteString("void loop() {\n  App.loop();\n}\n")
	return b.String()
}

// Variable is a generated SX127x handle. Its setters emit statements.
type Variable struct {
	id string
	g  *Generator
}

var _ core.Handle = (*Variable)(nil)

func (v *Variable) String() string { return v.id }

func (v *Variable) SetRstPin(p core.Pin) { v.g.add("%s->set_rst_pin(%s);", v.id, p) }
func (v *Variable) SetNssPin(p core.Pin) { v.g.add("%s->set_nss_pin(%s);", v.id, p) }
func (v *Variable) SetFrequency(hz uint32) {
	v.g.add("%s->set_frequency(%d);", v.id, hz)
}
func (v *Variable) SetModulation(m model.Modulation) {
	v.g.add("%s->set_modulation(%s);", v.id, ModulationExpr(m))
}
func (v *Variable) SetRxFloor(dbm float32) {
	v.g.add("%s->set_rx_floor(%s);", v.id, FloatExpr(dbm))
}
func (v *Variable) SetRxStart(start bool) {
	v.g.add("%s->set_rx_start(%s);", v.id, strconv.FormatBool(start))
}
func (v *Variable) SetRxBandwidth(bw model.RxBandwidth) {
	v.g.add("%s->set_rx_bandwidth(%s);", v.id, RxBandwidthExpr(bw))
}
func (v *Variable) SetPaPin(p model.PaPin) {
	v.g.add("%s->set_pa_pin(%s);", v.id, PaPinExpr(p))
}
func (v *Variable) SetPaPower(dbm uint8) {
	v.g.add("%s->set_pa_power(%d);", v.id, dbm)
}
func (v *Variable) SetTransmitter(c core.Component) {
	v.g.add("%s->set_transmitter(%s);", v.id, c)
}

// ModulationExpr renders m as the driver's enum constant.
func ModulationExpr(m model.Modulation) Expr {
	return Expr("sx127x::MODULATION_" + m.String())
}

// RxBandwidthExpr renders bw as the driver's enum constant, e.g.
// sx127x::RX_BANDWIDTH_50_0.
func RxBandwidthExpr(bw model.RxBandwidth) Expr {
	return Expr("sx127x::RX_BANDWIDTH_" + strings.TrimSuffix(bw.Name(), "kHz"))
}

// PaPinExpr renders p as the driver's enum constant.
func PaPinExpr(p model.PaPin) Expr {
	return Expr("sx127x::" + p.String())
}

// FloatExpr renders f as a float literal.
func FloatExpr(f float32) Expr {
	s := strconv.FormatFloat(float64(f), 'f', -1, 32)
	if !strings.ContainsAny(s, ".e") {
		s += ".0"
	}
	return Expr(s + "f")
}
