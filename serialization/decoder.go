package serialization

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"

	"github.com/glimte/mmate-watch/contracts"
	"github.com/glimte/mmate-watch/messaging"
)

// ErrEmptyPayload is returned for a delivery without a body
var ErrEmptyPayload = errors.New("serialization: empty payload")

// JSONDecoder decodes a JSON body into T
type JSONDecoder[T any] struct {
	strict bool
}

// JSONDecoderOption configures a JSONDecoder
type JSONDecoderOption func(*jsonOptions)

type jsonOptions struct {
	strict bool
}

// WithStrictFields rejects payloads with fields T does not declare
func WithStrictFields() JSONDecoderOption {
	return func(o *jsonOptions) {
		o.strict = true
	}
}

// NewJSONDecoder creates a JSON decoder for T
func NewJSONDecoder[T any](opts ...JSONDecoderOption) *JSONDecoder[T] {
	var o jsonOptions
	for _, opt := range opts {
		opt(&o)
	}
	return &JSONDecoder[T]{strict: o.strict}
}

// Decode implements messaging.Decoder
func (d *JSONDecoder[T]) Decode(body []byte) (T, error) {
	var msg T
	if len(bytes.TrimSpace(body)) == 0 {
		return msg, ErrEmptyPayload
	}
	if err := unmarshal(body, &msg, d.strict); err != nil {
		return msg, fmt.Errorf("failed to unmarshal %T: %w", msg, err)
	}
	return msg, nil
}

// EnvelopeDecoder decodes a contracts.Envelope and its body into the message
// type registered for the envelope type
type EnvelopeDecoder struct {
	registry *TypeRegistry
	strict   bool
}

// NewEnvelopeDecoder creates an envelope decoder over registry
func NewEnvelopeDecoder(registry *TypeRegistry, opts ...JSONDecoderOption) *EnvelopeDecoder {
	var o jsonOptions
	for _, opt := range opts {
		opt(&o)
	}
	return &EnvelopeDecoder{registry: registry, strict: o.strict}
}

// Decode implements messaging.Decoder. The envelope ID and correlation ID
// fill in the message fields the body leaves empty.
func (d *EnvelopeDecoder) Decode(body []byte) (contracts.Message, error) {
	env, err := d.DecodeEnvelope(body)
	if err != nil {
		return nil, err
	}

	msg, err := d.registry.New(env.Type)
	if err != nil {
		return nil, err
	}
	if len(env.Body) > 0 {
		if err := unmarshal(env.Body, msg, d.strict); err != nil {
			return nil, fmt.Errorf("failed to unmarshal body of %s: %w", env.Type, err)
		}
	}

	if base := baseOf(msg); base != nil {
		if base.ID == "" {
			base.ID = env.ID
		}
		if base.Type == "" {
			base.Type = env.Type
		}
		if base.Timestamp.IsZero() {
			if ts, err := env.Time(); err == nil {
				base.Timestamp = ts
			}
		}
	}
	if msg.GetCorrelationID() == "" && env.CorrelationID != "" {
		msg.SetCorrelationID(env.CorrelationID)
	}

	return msg, nil
}

// DecodeEnvelope decodes only the envelope
func (d *EnvelopeDecoder) DecodeEnvelope(body []byte) (*contracts.Envelope, error) {
	if len(bytes.TrimSpace(body)) == 0 {
		return nil, ErrEmptyPayload
	}

	var env contracts.Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("failed to unmarshal envelope: %w", err)
	}
	if env.Type == "" {
		return nil, fmt.Errorf("envelope %q has no type", env.ID)
	}
	return &env, nil
}

var baseMessageType = reflect.TypeOf(contracts.BaseMessage{})

// baseOf returns the contracts.BaseMessage embedded in msg, if any
func baseOf(msg contracts.Message) *contracts.BaseMessage {
	if m, ok := msg.(*contracts.BaseMessage); ok {
		return m
	}

	v := reflect.ValueOf(msg)
	if v.Kind() != reflect.Ptr || v.Elem().Kind() != reflect.Struct {
		return nil
	}
	field := v.Elem().FieldByName("BaseMessage")
	if !field.IsValid() || field.Type() != baseMessageType {
		return nil
	}
	return field.Addr().Interface().(*contracts.BaseMessage)
}

func unmarshal(data []byte, v interface{}, strict bool) error {
	if !strict {
		return json.Unmarshal(data, v)
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

var (
	_ messaging.Decoder[contracts.Message] = (*EnvelopeDecoder)(nil)
	_ messaging.Decoder[struct{}]          = (*JSONDecoder[struct{}])(nil)
)
