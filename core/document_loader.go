package core

import (
	"context"
	"fmt"
	"io"
	"sort"

	"github.com/signalsfoundry/sx127x-binder/internal/logging"
	"github.com/signalsfoundry/sx127x-binder/model"
	"gopkg.in/yaml.v2"
)

// Top-level sections the binder reads. Any other section of a firmware
// document belongs to other components and is left alone.
const (
	SectionSPI               = "spi"
	SectionRemoteTransmitter = "remote_transmitter"
	SectionSX127x            = "sx127x"
)

// Document is a validated configuration document.
type Document struct {
	Buses        []model.SPIBus
	Transmitters []model.RemoteTransmitter
	Radios       []*model.SX127xConfig
}

// RadioIDs returns the ids of the radios in declaration order.
func (d *Document) RadioIDs() []string {
	ids := make([]string, 0, len(d.Radios))
	for _, r := range d.Radios {
		ids = append(ids, r.ID)
	}
	return ids
}

// LoadDocument reads a YAML document from r and validates its spi,
// remote_transmitter and sx127x sections.
func (b *Binder) LoadDocument(r io.Reader) (*Document, error) {
	raw, err := DecodeDocument(r)
	if err != nil {
		return nil, fmt.Errorf("LoadDocument: %w", err)
	}
	return b.DocumentFromMap(raw)
}

// DecodeDocument reads a YAML document into plain maps and lists keyed by
// strings, without validating it.
func DecodeDocument(r io.Reader) (map[string]any, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read failed: %w", err)
	}
	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("decode failed: %w", err)
	}
	m, _ := asMap(raw)
	if m == nil {
		m = map[string]any{}
	}
	return m, nil
}

// DocumentFromMap validates an already decoded document.
func (b *Binder) DocumentFromMap(raw map[string]any) (*Document, error) {
	doc, err := b.documentFromMap(raw)
	b.observeValidation(err == nil)
	if err != nil {
		return nil, err
	}
	b.log.Debug(context.Background(), "document validated",
		logging.Int("buses", len(doc.Buses)),
		logging.Int("transmitters", len(doc.Transmitters)),
		logging.Any("radios", doc.RadioIDs()),
	)
	return doc, nil
}

func (b *Binder) documentFromMap(raw map[string]any) (*Document, error) {
	raw, _ = asMap(raw)
	var errs collector
	doc := &Document{}

	sections := make(map[string][]any, 3)
	for _, name := range []string{SectionSPI, SectionRemoteTransmitter, SectionSX127x} {
		v, ok := raw[name]
		if !ok || v == nil {
			continue
		}
		list, ok := asList(v)
		if !ok {
			errs.addf(name, ConstraintType, "expected a mapping or a list of mappings, got %s", describe(v))
			continue
		}
		sections[name] = list
	}

	taken := declaredIDs(sections, &errs)
	ids := newIDAllocator(taken)

	for i, entry := range sections[SectionSPI] {
		path := fmt.Sprintf("%s[%d]", SectionSPI, i)
		bus, ok := b.spiBus(entry, path, &errs)
		if !ok {
			continue
		}
		if busDeclared(doc.Buses, bus.ID) {
			errs.addf(joinPath(path, OptID), ConstraintUnique, "spi bus %q is already declared", bus.ID)
			continue
		}
		if !hasID(entry) {
			if taken[bus.ID] {
				errs.addf(joinPath(path, OptID), ConstraintUnique, "default spi bus id %q is already declared", bus.ID)
				continue
			}
			taken[bus.ID] = true
		}
		doc.Buses = append(doc.Buses, bus)
	}
	for i, entry := range sections[SectionRemoteTransmitter] {
		path := fmt.Sprintf("%s[%d]", SectionRemoteTransmitter, i)
		if tx, ok := b.transmitter(entry, path, &errs); ok {
			doc.Transmitters = append(doc.Transmitters, tx)
		}
	}
	for i, entry := range sections[SectionSX127x] {
		path := fmt.Sprintf("%s[%d]", SectionSX127x, i)
		m, ok := asMap(entry)
		if !ok {
			errs.addf(path, ConstraintType, "expected a mapping, got %s", describe(entry))
			continue
		}
		cfg := b.schema.validate(m, path, ids, &errs)
		if cfg.SPI.BusID == "" {
			switch len(doc.Buses) {
			case 0:
				errs.addf(joinPath(path, OptSPIID), ConstraintRequired, "sx127x requires an spi bus to be declared")
			case 1:
				cfg.SPI.BusID = doc.Buses[0].ID
			default:
				errs.addf(joinPath(path, OptSPIID), ConstraintRequired, "spi_id is required when %d spi buses are declared", len(doc.Buses))
			}
		}
		doc.Radios = append(doc.Radios, cfg)
	}

	if err := errs.err(); err != nil {
		return nil, err
	}
	return doc, nil
}

func hasID(entry any) bool {
	m, ok := asMap(entry)
	if !ok {
		return false
	}
	_, ok = m[OptID]
	return ok
}

func busDeclared(buses []model.SPIBus, id string) bool {
	for _, b := range buses {
		if b.ID == id {
			return true
		}
	}
	return false
}

// declaredIDs collects explicit ids across all sections and reports
// duplicates at their second occurrence.
func declaredIDs(sections map[string][]any, errs *collector) map[string]bool {
	taken := make(map[string]bool)
	names := make([]string, 0, len(sections))
	for name := range sections {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		for i, entry := range sections[name] {
			m, ok := asMap(entry)
			if !ok {
				continue
			}
			id, ok := m[OptID].(string)
			if !ok {
				continue
			}
			if taken[id] {
				errs.addf(fmt.Sprintf("%s[%d].%s", name, i, OptID), ConstraintUnique, "id %q is already declared", id)
				continue
			}
			taken[id] = true
		}
	}
	return taken
}

func (b *Binder) spiBus(entry any, path string, errs *collector) (model.SPIBus, bool) {
	bus := model.SPIBus{ID: model.DefaultSPIBusID}
	m, ok := asMap(entry)
	if !ok {
		errs.addf(path, ConstraintType, "expected a mapping, got %s", describe(entry))
		return bus, false
	}
	before := len(errs.violations)
	rejectUnknown(m, path, errs, OptID, "clk_pin", "mosi_pin", "miso_pin")

	if v, ok := m[OptID]; ok {
		id, err := asIdentifier(v)
		if err != nil {
			errs.add(joinPath(path, OptID), err)
		}
		bus.ID = id
	}
	if v, ok := m["clk_pin"]; ok {
		p, err := b.schema.outputPin(v)
		if err != nil {
			errs.add(joinPath(path, "clk_pin"), err)
		}
		bus.ClkPin = p.Number
	} else {
		errs.addf(joinPath(path, "clk_pin"), ConstraintRequired, "required option %q is missing", "clk_pin")
	}
	if v, ok := m["mosi_pin"]; ok {
		p, err := b.schema.outputPin(v)
		if err != nil {
			errs.add(joinPath(path, "mosi_pin"), err)
		}
		bus.MosiPin = &p.Number
	}
	if v, ok := m["miso_pin"]; ok {
		n, err := b.inputPin(v)
		if err != nil {
			errs.add(joinPath(path, "miso_pin"), err)
		}
		bus.MisoPin = &n
	}
	return bus, len(errs.violations) == before
}

func (b *Binder) transmitter(entry any, path string, errs *collector) (model.RemoteTransmitter, bool) {
	tx := model.RemoteTransmitter{CarrierDutyPercent: 100}
	m, ok := asMap(entry)
	if !ok {
		errs.addf(path, ConstraintType, "expected a mapping, got %s", describe(entry))
		return tx, false
	}
	before := len(errs.violations)
	rejectUnknown(m, path, errs, OptID, "pin", "carrier_duty_percent")

	if v, ok := m[OptID]; ok {
		id, err := asIdentifier(v)
		if err != nil {
			errs.add(joinPath(path, OptID), err)
		}
		tx.ID = id
	} else {
		errs.addf(joinPath(path, OptID), ConstraintRequired, "required option %q is missing", OptID)
	}
	if v, ok := m["pin"]; ok {
		p, err := b.schema.outputPin(v)
		if err != nil {
			errs.add(joinPath(path, "pin"), err)
		}
		tx.Pin = p
	} else {
		errs.addf(joinPath(path, "pin"), ConstraintRequired, "required option %q is missing", "pin")
	}
	if v, ok := m["carrier_duty_percent"]; ok {
		if s, isStr := v.(string); isStr && len(s) > 0 && s[len(s)-1] == '%' {
			v = s[:len(s)-1]
		}
		d, err := intInRange(v, 1, 100)
		if err != nil {
			errs.add(joinPath(path, "carrier_duty_percent"), err)
		}
		tx.CarrierDutyPercent = int(d)
	}
	return tx, len(errs.violations) == before
}

// inputPin only checks that the pin exists; input-only pins are fine.
func (b *Binder) inputPin(raw any) (int, error) {
	n, err := pinNumber(raw)
	if err != nil {
		return 0, err
	}
	if n < 0 || n > b.schema.board.MaxGPIO {
		return 0, violationf(ConstraintPin, "GPIO%d does not exist on %s", n, b.schema.board.Name)
	}
	return n, nil
}

func rejectUnknown(m map[string]any, path string, errs *collector, allowed ...string) {
	ok := make(map[string]bool, len(allowed))
	for _, a := range allowed {
		ok[a] = true
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		if !ok[k] {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	for _, k := range keys {
		errs.addf(joinPath(path, k), ConstraintUnknown, "option %q is not valid here", k)
	}
}
