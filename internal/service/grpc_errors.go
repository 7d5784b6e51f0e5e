package service

import (
	"errors"

	"google.golang.org/genproto/googleapis/rpc/errdetails"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/signalsfoundry/sx127x-binder/core"
	"github.com/signalsfoundry/sx127x-binder/kb"
)

// ErrInvalidRequest is used when a request carries no document.
var ErrInvalidRequest = errors.New("invalid request")

// ToStatusError maps binder errors onto gRPC status codes. Schema violations
// carry a BadRequest detail listing every offending field.
func ToStatusError(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}

	switch {
	case errors.Is(err, core.ErrSchemaViolation),
		errors.Is(err, ErrInvalidRequest):
		return invalidArgument(err)

	case errors.Is(err, core.ErrReferenceResolution),
		errors.Is(err, kb.ErrVariableNotFound):
		return status.Error(codes.FailedPrecondition, err.Error())

	case errors.Is(err, kb.ErrVariableExists),
		errors.Is(err, kb.ErrAlreadyRegistered):
		return status.Error(codes.AlreadyExists, err.Error())

	default:
		return status.Error(codes.Internal, err.Error())
	}
}

func invalidArgument(err error) error {
	st := status.New(codes.InvalidArgument, err.Error())
	var verr *core.ValidationError
	if !errors.As(err, &verr) {
		return st.Err()
	}
	br := &errdetails.BadRequest{}
	for _, v := range verr.Violations {
		br.FieldViolations = append(br.FieldViolations, &errdetails.BadRequest_FieldViolation{
			Field:       v.Path,
			Description: string(v.Constraint) + ": " + v.Message,
		})
	}
	if detailed, derr := st.WithDetails(br); derr == nil {
		return detailed.Err()
	}
	return st.Err()
}

// FieldViolations extracts the field paths reported in a status error.
func FieldViolations(err error) []string {
	st, ok := status.FromError(err)
	if !ok {
		return nil
	}
	var fields []string
	for _, d := range st.Details() {
		if br, ok := d.(*errdetails.BadRequest); ok {
			for _, fv := range br.GetFieldViolations() {
				fields = append(fields, fv.GetField())
			}
		}
	}
	return fields
}
