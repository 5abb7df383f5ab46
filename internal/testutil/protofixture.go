// Package testutil holds fixtures shared by package tests.
package testutil

import (
	"encoding/binary"
	"testing"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/descriptorpb"

	"firestige.xyz/wstap/pkg/schema"
	"firestige.xyz/wstap/pkg/schema/protoschema"
)

// Message ids declared by the fixture.
const (
	IDHeartbeat   = 1
	IDRoomStats   = 7
	IDChatMessage = 42
	IDGiftMessage = 43
)

func field(name string, num int32, typ descriptorpb.FieldDescriptorProto_Type) *descriptorpb.FieldDescriptorProto {
	return &descriptorpb.FieldDescriptorProto{
		Name:   proto.String(name),
		Number: proto.Int32(num),
		Type:   typ.Enum(),
		Label:  descriptorpb.FieldDescriptorProto_LABEL_OPTIONAL.Enum(),
	}
}

func msgField(name string, num int32, typeName string) *descriptorpb.FieldDescriptorProto {
	f := field(name, num, descriptorpb.FieldDescriptorProto_TYPE_MESSAGE)
	f.TypeName = proto.String(typeName)
	return f
}

func message(name string, fields ...*descriptorpb.FieldDescriptorProto) *descriptorpb.DescriptorProto {
	return &descriptorpb.DescriptorProto{Name: proto.String(name), Field: fields}
}

func idMessage(values map[string]int32, order ...string) *descriptorpb.DescriptorProto {
	enum := &descriptorpb.EnumDescriptorProto{Name: proto.String("Id")}
	for _, name := range order {
		enum.Value = append(enum.Value, &descriptorpb.EnumValueDescriptorProto{
			Name:   proto.String(name),
			Number: proto.Int32(values[name]),
		})
	}
	return &descriptorpb.DescriptorProto{
		Name:     proto.String("MessageId"),
		EnumType: []*descriptorpb.EnumDescriptorProto{enum},
	}
}

func wrapper() *descriptorpb.DescriptorProto {
	return message("Wrapper",
		field("topic", 1, descriptorpb.FieldDescriptorProto_TYPE_STRING),
		field("body", 2, descriptorpb.FieldDescriptorProto_TYPE_BYTES),
	)
}

// ProtoFixture returns two packages: "live" (the canonical namespace) and
// "room", which reuses ChatMessage's id so id collisions can be exercised.
func ProtoFixture() *descriptorpb.FileDescriptorSet {
	const (
		str = descriptorpb.FieldDescriptorProto_TYPE_STRING
		i32 = descriptorpb.FieldDescriptorProto_TYPE_INT32
		i64 = descriptorpb.FieldDescriptorProto_TYPE_INT64
		u64 = descriptorpb.FieldDescriptorProto_TYPE_UINT64
	)

	live := &descriptorpb.FileDescriptorProto{
		Name:    proto.String("live.proto"),
		Package: proto.String("live"),
		Syntax:  proto.String("proto3"),
		MessageType: []*descriptorpb.DescriptorProto{
			wrapper(),
			idMessage(map[string]int32{
				"Unspecified":      0,
				"HeartbeatMessage": IDHeartbeat,
				"ChatMessage":      IDChatMessage,
				"GiftMessage":      IDGiftMessage,
			}, "Unspecified", "HeartbeatMessage", "ChatMessage", "GiftMessage"),
			message("User", field("id", 1, u64), field("nickname", 2, str)),
			message("HeartbeatMessage", field("seq", 1, u64)),
			message("ChatMessage", field("room_id", 1, str), field("content", 2, str), msgField("user", 3, ".live.User")),
			message("GiftMessage", field("room_id", 1, str), field("gift_id", 2, i32), field("count", 3, i32)),
			message("SendActionRequest", field("room_id", 1, str), field("action", 2, str), field("coin", 3, i64)),
		},
	}

	room := &descriptorpb.FileDescriptorProto{
		Name:    proto.String("room.proto"),
		Package: proto.String("room"),
		Syntax:  proto.String("proto3"),
		MessageType: []*descriptorpb.DescriptorProto{
			wrapper(),
			idMessage(map[string]int32{
				"Unspecified": 0,
				"RoomStats":   IDRoomStats,
				"RoomChat":    IDChatMessage,
			}, "Unspecified", "RoomStats", "RoomChat"),
			message("RoomStats", field("room_id", 1, str), field("viewers", 2, i32)),
			message("RoomChat", field("room_id", 1, str), field("content", 2, str)),
		},
	}

	return &descriptorpb.FileDescriptorSet{File: []*descriptorpb.FileDescriptorProto{live, room}}
}

// ProtoRegistry builds the fixture registry.
func ProtoRegistry(t testing.TB) *protoschema.Registry {
	t.Helper()
	reg, err := protoschema.FromDescriptorSet(ProtoFixture(), nil)
	if err != nil {
		t.Fatalf("failed to build fixture registry: %v", err)
	}
	return reg
}

// Encode encodes fields as ns.typeName.
func Encode(t testing.TB, reg schema.Registry, ns, typeName string, fields map[string]any) []byte {
	t.Helper()
	n, ok := reg.Namespace(ns)
	if !ok {
		t.Fatalf("namespace %s not found", ns)
	}
	codec, ok := n.Message(typeName)
	if !ok {
		t.Fatalf("message %s.%s not found", ns, typeName)
	}
	data, err := codec.Encode(fields)
	if err != nil {
		t.Fatalf("encode %s.%s: %v", ns, typeName, err)
	}
	return data
}

// Wrap encodes an envelope with ns's wrapper codec.
func Wrap(t testing.TB, reg schema.Registry, ns, topic string, body []byte) []byte {
	t.Helper()
	n, ok := reg.Namespace(ns)
	if !ok || n.Envelope() == nil {
		t.Fatalf("namespace %s has no envelope", ns)
	}
	data, err := n.Envelope().Encode(schema.Envelope{Topic: topic, Body: body})
	if err != nil {
		t.Fatalf("wrap %s: %v", topic, err)
	}
	return data
}

// LengthPrefixed builds a length-prefixed frame: BE32 total length, BE16 id, body.
func LengthPrefixed(id uint16, body []byte) []byte {
	frame := make([]byte, 6+len(body))
	binary.BigEndian.PutUint32(frame[0:4], uint32(len(frame)))
	binary.BigEndian.PutUint16(frame[4:6], id)
	copy(frame[6:], body)
	return frame
}
