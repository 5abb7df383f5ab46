package protoschema

import (
	"encoding/json"
	"fmt"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/reflect/protoreflect"
	"google.golang.org/protobuf/types/dynamicpb"

	"firestige.xyz/wstap/pkg/schema"
)

// messageCodec decodes into dynamic messages; callers normalize them with protojson.
type messageCodec struct {
	desc protoreflect.MessageDescriptor
}

func (c *messageCodec) Decode(data []byte) (any, error) {
	m := dynamicpb.NewMessage(c.desc)
	if err := proto.Unmarshal(data, m); err != nil {
		return nil, fmt.Errorf("decode %s: %w", c.desc.FullName(), err)
	}
	return m, nil
}

// Encode accepts JSON field names or proto field names. Unknown fields are ignored.
func (c *messageCodec) Encode(fields map[string]any) ([]byte, error) {
	raw, err := json.Marshal(fields)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", c.desc.FullName(), err)
	}
	m := dynamicpb.NewMessage(c.desc)
	if err := (protojson.UnmarshalOptions{DiscardUnknown: true}).Unmarshal(raw, m); err != nil {
		return nil, fmt.Errorf("encode %s: %w", c.desc.FullName(), err)
	}
	out, err := proto.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", c.desc.FullName(), err)
	}
	return out, nil
}

// envelopeCodec reads the topic and body fields of the wrapper message.
type envelopeCodec struct {
	desc  protoreflect.MessageDescriptor
	topic protoreflect.FieldDescriptor
	body  protoreflect.FieldDescriptor
}

func newEnvelopeCodec(desc protoreflect.MessageDescriptor, topicName, bodyName string) (*envelopeCodec, error) {
	topic := pickField(desc, topicName, protoreflect.StringKind)
	if topic == nil {
		return nil, fmt.Errorf("wrapper %s has no string field", desc.FullName())
	}
	body := pickField(desc, bodyName, protoreflect.BytesKind)
	if body == nil {
		return nil, fmt.Errorf("wrapper %s has no bytes field", desc.FullName())
	}
	return &envelopeCodec{desc: desc, topic: topic, body: body}, nil
}

// pickField returns the named field if it has the wanted kind, else the first field of that kind.
func pickField(desc protoreflect.MessageDescriptor, name string, kind protoreflect.Kind) protoreflect.FieldDescriptor {
	fields := desc.Fields()
	if fd := fields.ByName(protoreflect.Name(name)); fd != nil && fd.Kind() == kind && !fd.IsList() {
		return fd
	}
	for i := 0; i < fields.Len(); i++ {
		fd := fields.Get(i)
		if fd.Kind() == kind && !fd.IsList() {
			return fd
		}
	}
	return nil
}

func (c *envelopeCodec) Decode(data []byte) (schema.Envelope, error) {
	m := dynamicpb.NewMessage(c.desc)
	if err := proto.Unmarshal(data, m); err != nil {
		return schema.Envelope{}, fmt.Errorf("decode %s: %w", c.desc.FullName(), err)
	}
	return schema.Envelope{
		Topic: m.Get(c.topic).String(),
		Body:  m.Get(c.body).Bytes(),
	}, nil
}

func (c *envelopeCodec) Encode(env schema.Envelope) ([]byte, error) {
	m := dynamicpb.NewMessage(c.desc)
	m.Set(c.topic, protoreflect.ValueOfString(env.Topic))
	m.Set(c.body, protoreflect.ValueOfBytes(env.Body))
	out, err := proto.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", c.desc.FullName(), err)
	}
	return out, nil
}
