package kb

import (
	"errors"
	"fmt"
	"sync"

	"github.com/signalsfoundry/sx127x-binder/model"
)

var (
	// ErrVariableExists indicates an id is already declared in the graph.
	ErrVariableExists = errors.New("variable already exists")
	// ErrVariableNotFound indicates a referenced id is not declared.
	ErrVariableNotFound = errors.New("variable not found")
	// ErrAlreadyRegistered indicates a variable was registered twice in the
	// same role.
	ErrAlreadyRegistered = errors.New("variable already registered")
)

// Kind classifies what a variable stands for in the firmware build.
type Kind string

const (
	KindSPIBus            Kind = "spi_bus"
	KindRemoteTransmitter Kind = "remote_transmitter"
	KindSX127x            Kind = "sx127x"
	KindGPIOPin           Kind = "gpio_pin"
)

// Variable is a named object constructed in the firmware build.
type Variable struct {
	ID   string
	Kind Kind
	// Type is the target language type the variable is constructed as.
	Type string
}

// SPIDevice is a variable attached to a bus.
type SPIDevice struct {
	VariableID string
	Device     model.SPIDevice
}

// EventType indicates what kind of change happened in the graph.
type EventType int

const (
	EventVariableAdded EventType = iota
	EventComponentRegistered
	EventSPIDeviceRegistered
)

// Event is emitted to subscribers when the graph changes.
type Event struct {
	Type     EventType
	Variable Variable
}

// KnowledgeBase is the build graph a host assembles: declared variables,
// the subset registered as lifecycle components, and bus attachments. It is
// safe for concurrent use.
type KnowledgeBase struct {
	mu sync.RWMutex

	variables  map[string]*Variable
	order      []string
	components []string
	registered map[string]bool
	spiDevices []SPIDevice
	onBus      map[string]bool

	subs    []subscriber
	nextSub uint64
}

type subscriber struct {
	id uint64
	fn func(Event)
}

// NewKnowledgeBase constructs an empty graph.
func NewKnowledgeBase() *KnowledgeBase {
	return &KnowledgeBase{
		variables:  make(map[string]*Variable),
		registered: make(map[string]bool),
		onBus:      make(map[string]bool),
	}
}

// AddVariable declares a new variable. It returns an error if the id
// already exists.
func (kb *KnowledgeBase) AddVariable(v Variable) error {
	if v.ID == "" {
		return fmt.Errorf("variable with empty ID")
	}
	kb.mu.Lock()
	if _, exists := kb.variables[v.ID]; exists {
		kb.mu.Unlock()
		return fmt.Errorf("%w: %q", ErrVariableExists, v.ID)
	}
	stored := v
	kb.variables[v.ID] = &stored
	kb.order = append(kb.order, v.ID)
	subs := kb.snapshotSubs()
	kb.mu.Unlock()

	notify(subs, Event{Type: EventVariableAdded, Variable: v})
	return nil
}

// RegisterComponent marks a declared variable as a lifecycle-managed
// component.
func (kb *KnowledgeBase) RegisterComponent(id string) error {
	kb.mu.Lock()
	v, ok := kb.variables[id]
	if !ok {
		kb.mu.Unlock()
		return fmt.Errorf("%w: %q", ErrVariableNotFound, id)
	}
	if kb.registered[id] {
		kb.mu.Unlock()
		return fmt.Errorf("%w: component %q", ErrAlreadyRegistered, id)
	}
	kb.registered[id] = true
	kb.components = append(kb.components, id)
	event := Event{Type: EventComponentRegistered, Variable: *v}
	subs := kb.snapshotSubs()
	kb.mu.Unlock()

	notify(subs, event)
	return nil
}

// RegisterSPIDevice attaches a declared variable to a declared bus.
func (kb *KnowledgeBase) RegisterSPIDevice(id string, dev model.SPIDevice) error {
	kb.mu.Lock()
	v, ok := kb.variables[id]
	if !ok {
		kb.mu.Unlock()
		return fmt.Errorf("%w: %q", ErrVariableNotFound, id)
	}
	bus, ok := kb.variables[dev.BusID]
	if !ok || bus.Kind != KindSPIBus {
		kb.mu.Unlock()
		return fmt.Errorf("%w: spi bus %q", ErrVariableNotFound, dev.BusID)
	}
	if kb.onBus[id] {
		kb.mu.Unlock()
		return fmt.Errorf("%w: spi device %q", ErrAlreadyRegistered, id)
	}
	kb.onBus[id] = true
	kb.spiDevices = append(kb.spiDevices, SPIDevice{VariableID: id, Device: dev})
	event := Event{Type: EventSPIDeviceRegistered, Variable: *v}
	subs := kb.snapshotSubs()
	kb.mu.Unlock()

	notify(subs, event)
	return nil
}

// GetVariable returns the variable with the given id, or nil if not found.
func (kb *KnowledgeBase) GetVariable(id string) *Variable {
	kb.mu.RLock()
	defer kb.mu.RUnlock()
	v, ok := kb.variables[id]
	if !ok {
		return nil
	}
	cp := *v
	return &cp
}

// ListVariables returns all variables in declaration order.
func (kb *KnowledgeBase) ListVariables() []Variable {
	kb.mu.RLock()
	defer kb.mu.RUnlock()

	res := make([]Variable, 0, len(kb.order))
	for _, id := range kb.order {
		res = append(res, *kb.variables[id])
	}
	return res
}

// ListComponents returns registered component ids in registration order.
func (kb *KnowledgeBase) ListComponents() []string {
	kb.mu.RLock()
	defer kb.mu.RUnlock()
	return append([]string(nil), kb.components...)
}

// ListSPIDevices returns bus attachments in registration order.
func (kb *KnowledgeBase) ListSPIDevices() []SPIDevice {
	kb.mu.RLock()
	defer kb.mu.RUnlock()
	return append([]SPIDevice(nil), kb.spiDevices...)
}

// Subscribe registers a callback for graph events. It returns an unsubscribe
// function; calling it more than once is a no-op.
func (kb *KnowledgeBase) Subscribe(fn func(Event)) (unsubscribe func()) {
	kb.mu.Lock()
	defer kb.mu.Unlock()
	kb.nextSub++
	id := kb.nextSub
	kb.subs = append(kb.subs, subscriber{id: id, fn: fn})

	return func() {
		kb.mu.Lock()
		defer kb.mu.Unlock()
		for i, s := range kb.subs {
			if s.id == id {
				kb.subs = append(kb.subs[:i:i], kb.subs[i+1:]...)
				return
			}
		}
	}
}

func (kb *KnowledgeBase) snapshotSubs() []func(Event) {
	fns := make([]func(Event), 0, len(kb.subs))
	for _, s := range kb.subs {
		fns = append(fns, s.fn)
	}
	return fns
}

// notify runs outside the lock so subscribers may call back into the graph.
func notify(subs []func(Event), e Event) {
	for _, sub := range subs {
		sub(e)
	}
}
