package core

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrSchemaViolation is matched by every error produced while validating
	// a document against the schema.
	ErrSchemaViolation = errors.New("schema violation")
	// ErrReferenceResolution is matched by every failure to resolve a pin,
	// bus or component reference through the host.
	ErrReferenceResolution = errors.New("reference resolution failure")
	// ErrPinInUse indicates a host was asked to bind a pin number twice.
	ErrPinInUse = errors.New("pin already in use")
)

// Constraint names the kind of rule a value broke.
type Constraint string

const (
	ConstraintRequired   Constraint = "required"
	ConstraintType       Constraint = "type"
	ConstraintRange      Constraint = "range"
	ConstraintEnum       Constraint = "enum"
	ConstraintPin        Constraint = "pin"
	ConstraintIdentifier Constraint = "identifier"
	ConstraintUnique     Constraint = "unique"
	ConstraintReference  Constraint = "reference"
	ConstraintUnknown    Constraint = "unknown option"
)

// SchemaViolation reports one offending option.
type SchemaViolation struct {
	// Path locates the option, e.g. "sx127x[0].frequency".
	Path       string
	Constraint Constraint
	Message    string
}

func (v *SchemaViolation) Error() string {
	if v.Path == "" {
		return fmt.Sprintf("%s: %s", v.Constraint, v.Message)
	}
	return fmt.Sprintf("%s: %s: %s", v.Path, v.Constraint, v.Message)
}

func (v *SchemaViolation) Unwrap() error { return ErrSchemaViolation }

// ValidationError carries every violation found in a document.
type ValidationError struct {
	Violations []*SchemaViolation
}

func (e *ValidationError) Error() string {
	switch len(e.Violations) {
	case 0:
		return "invalid configuration"
	case 1:
		return "invalid configuration: " + e.Violations[0].Error()
	}
	msgs := make([]string, 0, len(e.Violations))
	for _, v := range e.Violations {
		msgs = append(msgs, v.Error())
	}
	return fmt.Sprintf("invalid configuration (%d errors): %s", len(e.Violations), strings.Join(msgs, "; "))
}

func (e *ValidationError) Unwrap() []error {
	errs := make([]error, 0, len(e.Violations)+1)
	errs = append(errs, ErrSchemaViolation)
	for _, v := range e.Violations {
		errs = append(errs, v)
	}
	return errs
}

// Has reports whether a violation with the given path and constraint was
// recorded.
func (e *ValidationError) Has(path string, c Constraint) bool {
	for _, v := range e.Violations {
		if v.Path == path && v.Constraint == c {
			return true
		}
	}
	return false
}

// ReferenceError wraps a host failure to resolve a reference.
type ReferenceError struct {
	Kind string // pin, bus or component
	Ref  string
	Err  error
}

func (e *ReferenceError) Error() string {
	return fmt.Sprintf("resolve %s %q: %v", e.Kind, e.Ref, e.Err)
}

func (e *ReferenceError) Unwrap() []error {
	return []error{ErrReferenceResolution, e.Err}
}

// fieldError is a violation that does not know its path yet.
type fieldError struct {
	constraint Constraint
	msg        string
}

func (e *fieldError) Error() string { return string(e.constraint) + ": " + e.msg }

func violationf(c Constraint, format string, args ...any) *fieldError {
	return &fieldError{constraint: c, msg: fmt.Sprintf(format, args...)}
}

// collector accumulates violations under a path prefix.
type collector struct {
	violations []*SchemaViolation
}

func (c *collector) add(path string, err error) {
	var fe *fieldError
	if errors.As(err, &fe) {
		c.violations = append(c.violations, &SchemaViolation{Path: path, Constraint: fe.constraint, Message: fe.msg})
		return
	}
	var sv *SchemaViolation
	if errors.As(err, &sv) {
		c.violations = append(c.violations, sv)
		return
	}
	c.violations = append(c.violations, &SchemaViolation{Path: path, Constraint: ConstraintType, Message: err.Error()})
}

func (c *collector) addf(path string, cons Constraint, format string, args ...any) {
	c.violations = append(c.violations, &SchemaViolation{Path: path, Constraint: cons, Message: fmt.Sprintf(format, args...)})
}

func (c *collector) err() error {
	if len(c.violations) == 0 {
		return nil
	}
	return &ValidationError{Violations: c.violations}
}

func joinPath(prefix, name string) string {
	if prefix == "" {
		return name
	}
	return prefix + "." + name
}
