package core

import (
	"context"

	"github.com/signalsfoundry/sx127x-binder/model"
)

// Pin is a pin as the host represents it once resolved: a GPIO object at
// runtime, or an expression in generated code.
type Pin interface {
	String() string
}

// Component is an external component resolved by id.
type Component interface {
	String() string
}

// Handle is the driver object being configured. Every setter is called at
// most once per Translate.
type Handle interface {
	SetRstPin(p Pin)
	SetNssPin(p Pin)
	SetFrequency(hz uint32)
	SetModulation(m model.Modulation)
	SetRxFloor(dbm float32)
	SetRxStart(start bool)
	SetRxBandwidth(bw model.RxBandwidth)
	SetPaPin(p model.PaPin)
	SetPaPower(dbm uint8)
	SetTransmitter(c Component)
}

// Host is the runtime a handle is wired into. It owns construction,
// registration and reference resolution.
type Host interface {
	NewHandle(ctx context.Context, id string) (Handle, error)
	RegisterComponent(ctx context.Context, h Handle) error
	RegisterSPIDevice(ctx context.Context, h Handle, dev model.SPIDevice) error
	ResolvePin(ctx context.Context, ref model.PinRef) (Pin, error)
	ResolveComponent(ctx context.Context, id string) (Component, error)
}

// DocumentHost is implemented by hosts that need the buses and transmitters
// of a document declared before radios are translated.
type DocumentHost interface {
	Host
	DeclareSPIBus(ctx context.Context, bus model.SPIBus) error
	DeclareTransmitter(ctx context.Context, tx model.RemoteTransmitter) error
}
