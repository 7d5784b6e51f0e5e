package core

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/signalsfoundry/sx127x-binder/model"
	"periph.io/x/conn/v3/physic"
)

// Option names accepted in an sx127x entry.
const (
	OptID            = "id"
	OptRstPin        = "rst_pin"
	OptNssPin        = "nss_pin"
	OptFrequency     = "frequency"
	OptModulation    = "modulation"
	OptRxFloor       = "rx_floor"
	OptRxStart       = "rx_start"
	OptRxBandwidth   = "rx_bandwidth"
	OptPaPin         = "pa_pin"
	OptPaPower       = "pa_power"
	OptTransmitterID = "transmitter_id"
	OptSPIID         = "spi_id"
	OptDataRate      = "data_rate"
	OptSPIMode       = "spi_mode"
)

// Field declares one option: whether it is required, the raw default used
// when it is absent, and how a raw value is checked and stored.
type Field struct {
	Name     string
	Required bool
	// Default is nil for options without a default.
	Default any

	apply func(s *Schema, cfg *model.SX127xConfig, raw any) error
}

// Schema is the declared shape of an sx127x entry.
type Schema struct {
	board  model.BoardProfile
	fields []Field
	index  map[string]int
}

// SchemaOption customises schema construction.
type SchemaOption func(*Schema)

// WithBoard sets the board profile pins are checked against.
func WithBoard(b model.BoardProfile) SchemaOption {
	return func(s *Schema) {
		s.board = b
	}
}

// NewSchema declares the sx127x option set.
func NewSchema(opts ...SchemaOption) *Schema {
	s := &Schema{board: model.ESP32}
	for _, opt := range opts {
		opt(s)
	}
	s.fields = []Field{
		{Name: OptID, apply: func(_ *Schema, c *model.SX127xConfig, raw any) error {
			id, err := asIdentifier(raw)
			c.ID = id
			return err
		}},
		{Name: OptRstPin, Required: true, apply: func(s *Schema, c *model.SX127xConfig, raw any) error {
			p, err := s.outputPin(raw)
			c.RstPin = p
			return err
		}},
		{Name: OptNssPin, Required: true, apply: func(s *Schema, c *model.SX127xConfig, raw any) error {
			p, err := s.outputPin(raw)
			c.NssPin = p
			return err
		}},
		{Name: OptFrequency, Required: true, apply: func(_ *Schema, c *model.SX127xConfig, raw any) error {
			f, err := intInRange(raw, model.MinFrequencyHz, model.MaxFrequencyHz)
			c.FrequencyHz = uint32(f)
			return err
		}},
		{Name: OptModulation, Required: true, apply: func(_ *Schema, c *model.SX127xConfig, raw any) error {
			m, _, err := enumValue(raw, model.Modulations)
			c.Modulation = m
			return err
		}},
		{Name: OptRxFloor, Default: float64(model.DefaultRxFloor), apply: func(_ *Schema, c *model.SX127xConfig, raw any) error {
			f, err := floatInRange(raw, -128, -1)
			c.RxFloorDBm = float32(f)
			return err
		}},
		{Name: OptRxStart, Default: model.DefaultRxStart, apply: func(_ *Schema, c *model.SX127xConfig, raw any) error {
			b, err := asBool(raw)
			c.RxStart = b
			return err
		}},
		{Name: OptRxBandwidth, Default: model.DefaultRxBandwidth.Name(), apply: func(_ *Schema, c *model.SX127xConfig, raw any) error {
			bw, err := rxBandwidth(raw)
			c.RxBandwidth = bw
			return err
		}},
		{Name: OptPaPin, Default: model.DefaultPaPin.String(), apply: func(_ *Schema, c *model.SX127xConfig, raw any) error {
			p, _, err := enumValue(raw, model.PaPins)
			c.PaPin = p
			return err
		}},
		{Name: OptPaPower, Default: int64(model.DefaultPaPower), apply: func(_ *Schema, c *model.SX127xConfig, raw any) error {
			p, err := intInRange(raw, 0, 17)
			c.PaPower = uint8(p)
			return err
		}},
		{Name: OptTransmitterID, apply: func(_ *Schema, c *model.SX127xConfig, raw any) error {
			id, err := asIdentifier(raw)
			c.TransmitterID = id
			return err
		}},
		{Name: OptSPIID, apply: func(_ *Schema, c *model.SX127xConfig, raw any) error {
			id, err := asIdentifier(raw)
			c.SPI.BusID = id
			return err
		}},
		{Name: OptDataRate, Default: int64(model.MaxSPIDataRateHz), apply: func(_ *Schema, c *model.SX127xConfig, raw any) error {
			hz, err := dataRate(raw)
			c.SPI.DataRateHz = hz
			return err
		}},
		{Name: OptSPIMode, Default: "mode0", apply: func(_ *Schema, c *model.SX127xConfig, raw any) error {
			m, err := spiMode(raw)
			c.SPI.Mode = m
			return err
		}},
	}
	s.index = make(map[string]int, len(s.fields))
	for i, f := range s.fields {
		s.index[f.Name] = i
	}
	return s
}

// Fields returns the declared options in declaration order.
func (s *Schema) Fields() []Field {
	return append([]Field(nil), s.fields...)
}

// Board returns the board profile pins are checked against.
func (s *Schema) Board() model.BoardProfile { return s.board }

// Validate checks one sx127x entry and returns the typed, defaulted record.
// An absent id is generated as "sx127x_1"; an absent spi_id selects the
// default bus. All violations are reported together in a *ValidationError.
func (s *Schema) Validate(doc map[string]any) (*model.SX127xConfig, error) {
	var errs collector
	cfg := s.validate(doc, "", newIDAllocator(nil), &errs)
	if err := errs.err(); err != nil {
		return nil, err
	}
	if cfg.SPI.BusID == "" {
		cfg.SPI.BusID = model.DefaultSPIBusID
	}
	return cfg, nil
}

func (s *Schema) validate(doc map[string]any, prefix string, ids *idAllocator, errs *collector) *model.SX127xConfig {
	cfg := &model.SX127xConfig{}
	doc, _ = asMap(doc)

	unknown := make([]string, 0)
	for k := range doc {
		if _, ok := s.index[k]; !ok {
			unknown = append(unknown, k)
		}
	}
	sort.Strings(unknown)
	for _, k := range unknown {
		errs.addf(joinPath(prefix, k), ConstraintUnknown, "option %q is not valid for sx127x", k)
	}

	for _, f := range s.fields {
		path := joinPath(prefix, f.Name)
		raw, present := doc[f.Name]
		if present && raw == nil {
			present = false
		}
		if !present {
			if f.Required {
				errs.addf(path, ConstraintRequired, "required option %q is missing", f.Name)
				continue
			}
			if f.Default == nil {
				continue
			}
			raw = f.Default
		}
		if err := f.apply(s, cfg, raw); err != nil {
			errs.add(path, err)
		}
	}

	if cfg.ID == "" {
		cfg.ID = ids.next()
	}
	return cfg
}

// outputPin parses a pin reference and checks that the board can drive it.
// Accepted forms: 23, "23", "GPIO23", or a mapping with number, inverted and
// mode.
func (s *Schema) outputPin(raw any) (model.PinRef, error) {
	var ref model.PinRef
	m, isMap := asMap(raw)
	if !isMap {
		n, err := pinNumber(raw)
		if err != nil {
			return ref, err
		}
		ref.Number = n
		return ref, s.checkOutput(ref)
	}

	for k := range m {
		switch k {
		case "number", "inverted", "mode":
		default:
			return ref, violationf(ConstraintPin, "option %q is not valid for a pin", k)
		}
	}
	num, ok := m["number"]
	if !ok {
		return ref, violationf(ConstraintPin, "pin number is required")
	}
	n, err := pinNumber(num)
	if err != nil {
		return ref, err
	}
	ref.Number = n
	if inv, ok := m["inverted"]; ok {
		b, err := asBool(inv)
		if err != nil {
			return ref, err
		}
		ref.Inverted = b
	}
	if mode, ok := m["mode"]; ok {
		if err := checkOutputMode(mode); err != nil {
			return ref, err
		}
	}
	return ref, s.checkOutput(ref)
}

func (s *Schema) checkOutput(ref model.PinRef) error {
	if ref.Number < 0 || ref.Number > s.board.MaxGPIO {
		return violationf(ConstraintPin, "GPIO%d does not exist on %s", ref.Number, s.board.Name)
	}
	if !s.board.CanOutput(ref.Number) {
		return violationf(ConstraintPin, "GPIO%d is input only on %s", ref.Number, s.board.Name)
	}
	return nil
}

func pinNumber(raw any) (int, error) {
	if str, ok := raw.(string); ok {
		t := strings.TrimSpace(str)
		if len(t) > 4 && strings.EqualFold(t[:4], "GPIO") {
			t = t[4:]
		}
		n, err := strconv.Atoi(t)
		if err != nil {
			return 0, violationf(ConstraintPin, "malformed pin reference %q", str)
		}
		return n, nil
	}
	n, err := asInt(raw)
	if err != nil {
		return 0, violationf(ConstraintPin, "malformed pin reference: %s", describe(raw))
	}
	return int(n), nil
}

// checkOutputMode accepts "OUTPUT" or a mapping of mode flags that enables
// output.
func checkOutputMode(raw any) error {
	if str, ok := raw.(string); ok {
		if strings.EqualFold(strings.TrimSpace(str), "output") {
			return nil
		}
		return violationf(ConstraintPin, "pin mode %q is not output capable", str)
	}
	m, ok := asMap(raw)
	if !ok {
		return violationf(ConstraintPin, "malformed pin mode: %s", describe(raw))
	}
	output := false
	for k, v := range m {
		b, err := asBool(v)
		if err != nil {
			return err
		}
		switch k {
		case "output":
			output = b
		case "input", "pullup", "pulldown", "open_drain", "analog":
		default:
			return violationf(ConstraintPin, "pin mode flag %q is not valid", k)
		}
	}
	if !output {
		return violationf(ConstraintPin, "pin mode must enable output")
	}
	return nil
}

// rxBandwidth accepts the canonical "50_0kHz" and the dotted "50.0kHz".
func rxBandwidth(raw any) (model.RxBandwidth, error) {
	tok, err := asString(raw)
	if err != nil {
		return 0, err
	}
	name := strings.ReplaceAll(strings.TrimSpace(tok), ".", "_")
	bw, ok := model.RxBandwidths[name]
	if !ok {
		return 0, violationf(ConstraintEnum, "unknown rx bandwidth %q, valid options are %s", tok, strings.Join(model.RxBandwidthNames, ", "))
	}
	return bw, nil
}

// dataRate accepts a number of Hz or a frequency string such as "4MHz".
func dataRate(raw any) (int64, error) {
	var hz float64
	if str, ok := raw.(string); ok {
		var f physic.Frequency
		if err := f.Set(strings.TrimSpace(str)); err != nil {
			n, nerr := asFloat(str)
			if nerr != nil {
				return 0, violationf(ConstraintType, "malformed data rate %q", str)
			}
			hz = n
		} else {
			if f%physic.Hertz != 0 {
				return 0, violationf(ConstraintType, "data rate %s is not a whole number of Hz", f)
			}
			hz = float64(f / physic.Hertz)
		}
	} else {
		f, err := asFloat(raw)
		if err != nil {
			return 0, err
		}
		hz = f
	}
	if hz != math.Trunc(hz) {
		return 0, violationf(ConstraintType, "data rate %v Hz is not a whole number of Hz", hz)
	}
	if hz <= 0 || hz > model.MaxSPIDataRateHz {
		return 0, violationf(ConstraintRange, "data rate %.0f Hz is outside (0, %d]", hz, model.MaxSPIDataRateHz)
	}
	return int64(hz), nil
}

func spiMode(raw any) (model.SPIMode, error) {
	var tok string
	if str, ok := raw.(string); ok {
		tok = strings.ToLower(strings.TrimSpace(str))
	} else {
		n, err := asInt(raw)
		if err != nil {
			return 0, err
		}
		tok = strconv.FormatInt(n, 10)
	}
	switch tok {
	case "0", "mode0":
		return model.SPIMode0, nil
	}
	return 0, violationf(ConstraintEnum, "spi mode %v is not supported, sx127x requires mode0", raw)
}

// idAllocator hands out generated ids that do not collide with declared ones.
type idAllocator struct {
	taken map[string]bool
	n     int
}

func newIDAllocator(taken map[string]bool) *idAllocator {
	if taken == nil {
		taken = make(map[string]bool)
	}
	return &idAllocator{taken: taken}
}

func (a *idAllocator) next() string {
	for {
		a.n++
		id := fmt.Sprintf("sx127x_%d", a.n)
		if !a.taken[id] {
			a.taken[id] = true
			return id
		}
	}
}
