package service

import (
	"context"
	"fmt"
	"io"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/signalsfoundry/sx127x-binder/core"
)

// Client calls a remote binder service.
type Client struct {
	cc grpc.ClientConnInterface
}

// NewClient wraps an established connection.
func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

// Validate calls BinderService.Validate.
func (c *Client) Validate(ctx context.Context, doc *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, ValidateFullMethod, doc, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

// Generate calls BinderService.Generate.
func (c *Client) Generate(ctx context.Context, doc *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, GenerateFullMethod, doc, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

// GenerateResult is the decoded response of Generate.
type GenerateResult struct {
	Source     string
	Calls      map[string][]string
	Components []string
}

// GenerateYAML sends a YAML document to Generate and decodes the result.
func (c *Client) GenerateYAML(ctx context.Context, r io.Reader, opts ...grpc.CallOption) (*GenerateResult, error) {
	doc, err := StructFromYAML(r)
	if err != nil {
		return nil, err
	}
	out, err := c.Generate(ctx, doc, opts...)
	if err != nil {
		return nil, err
	}
	return DecodeGenerateResult(out), nil
}

// StructFromYAML decodes a YAML document into a request message.
func StructFromYAML(r io.Reader) (*structpb.Struct, error) {
	raw, err := core.DecodeDocument(r)
	if err != nil {
		return nil, err
	}
	doc, err := structpb.NewStruct(raw)
	if err != nil {
		return nil, fmt.Errorf("encode document: %w", err)
	}
	return doc, nil
}

// DecodeGenerateResult unpacks a Generate response.
func DecodeGenerateResult(out *structpb.Struct) *GenerateResult {
	res := &GenerateResult{Calls: make(map[string][]string)}
	fields := out.GetFields()
	res.Source = fields["source"].GetStringValue()
	for id, v := range fields["calls"].GetStructValue().GetFields() {
		for _, call := range v.GetListValue().GetValues() {
			res.Calls[id] = append(res.Calls[id], call.GetStringValue())
		}
	}
	for _, c := range fields["components"].GetListValue().GetValues() {
		res.Components = append(res.Components, c.GetStringValue())
	}
	return res
}
