package decoder

import (
	"encoding/binary"
	"errors"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firestige.xyz/wstap/internal/testutil"
	"firestige.xyz/wstap/pkg/schema"
)

const endpoint = "wss://live.example.com/ws"

func newFixtureDecoder(t *testing.T) (*FrameDecoder, schema.Registry) {
	t.Helper()
	reg := testutil.ProtoRegistry(t)
	d := New(Config{
		Namespaces:       []string{"room", "live"},
		DefaultNamespace: "live",
		Skip:             []string{"HeartbeatMessage"},
	})
	d.now = func() time.Time { return time.UnixMilli(1700000000000) }
	require.True(t, d.Load(reg))
	return d, reg
}

// chatBody is a 4-byte ChatMessage: room_id = "77".
var chatBody = []byte{0x0a, 0x02, '7', '7'}

func TestLengthPrefixedKnownID(t *testing.T) {
	d, _ := newFixtureDecoder(t)

	frame := []byte{0, 0, 0, 10, 0, 42}
	frame = append(frame, chatBody...)

	res := d.Decode(frame, endpoint)
	require.NotNil(t, res.Event)
	assert.Nil(t, res.Unknown)

	ev := res.Event
	assert.Equal(t, "proto_event", ev.Kind)
	assert.Equal(t, "live", ev.Namespace)
	assert.Equal(t, "ChatMessage", ev.Topic)
	require.NotNil(t, ev.MessageID)
	assert.Equal(t, 42, *ev.MessageID)
	assert.Equal(t, int64(1700000000000), ev.Timestamp)
	assert.Equal(t, map[string]any{"roomId": "77"}, ev.Payload)
	assert.False(t, ev.Partial)
	assert.Empty(t, ev.CompositeTopic, "canonical namespace needs no composite topic")
	assert.Equal(t, "77", d.LastRoom())
}

func TestLengthPrefixedUnknownID(t *testing.T) {
	d, _ := newFixtureDecoder(t)

	frame := []byte{0, 0, 0, 10, 0x27, 0x0f, 1, 2, 3, 4} // id 9999
	res := d.Decode(frame, endpoint)
	assert.Nil(t, res.Event)
	require.NotNil(t, res.Unknown)

	u := res.Unknown
	assert.Equal(t, "unknown_frame", u.Kind)
	assert.Equal(t, 9999, u.MessageID)
	assert.Equal(t, 10, u.DeclaredLength)
	assert.Equal(t, 4, u.BodyLength)
	assert.Equal(t, "0000000a270f01020304", u.RawHex)
	assert.Equal(t, "01020304", u.BodyHex)
	assert.Equal(t, uint64(1), d.Stats().Unknown)
}

func TestUnknownHeaderOnlyFrame(t *testing.T) {
	d, _ := newFixtureDecoder(t)

	res := d.Decode(testutil.LengthPrefixed(500, nil), endpoint)
	require.NotNil(t, res.Unknown)
	assert.Equal(t, 0, res.Unknown.BodyLength)
	assert.Equal(t, "", res.Unknown.BodyHex)
}

func TestLengthPrefixedNeverFallsThrough(t *testing.T) {
	d, reg := newFixtureDecoder(t)

	// A valid envelope whose first four bytes happen to equal its length
	// must still be handled as length-prefixed.
	env := testutil.Wrap(t, reg, "live", "ChatMessage", chatBody)
	frame := make([]byte, 6+len(env))
	copy(frame[6:], env)
	binary.BigEndian.PutUint32(frame[0:4], uint32(len(frame)))
	binary.BigEndian.PutUint16(frame[4:6], 9999)

	res := d.Decode(frame, endpoint)
	assert.Nil(t, res.Event)
	require.NotNil(t, res.Unknown)
	assert.Equal(t, len(frame)-6, res.Unknown.BodyLength)
}

func TestLengthPrefixedCollisionPriority(t *testing.T) {
	reg := testutil.ProtoRegistry(t)

	d := New(Config{Namespaces: []string{"live", "room"}, DefaultNamespace: "live"})
	require.True(t, d.Load(reg))

	res := d.Decode(testutil.LengthPrefixed(testutil.IDChatMessage, chatBody), endpoint)
	require.NotNil(t, res.Event)
	assert.Equal(t, "room", res.Event.Namespace, "last namespace wins an id collision")
	assert.Equal(t, "RoomChat", res.Event.Topic)
	assert.Equal(t, "room.RoomChat", res.Event.CompositeTopic)
}

func TestLengthPrefixedPartialDecode(t *testing.T) {
	d, _ := newFixtureDecoder(t)

	body := []byte{0x0a, 0x7f, 0x01}
	res := d.Decode(testutil.LengthPrefixed(testutil.IDChatMessage, body), endpoint)
	require.NotNil(t, res.Event)
	assert.True(t, res.Event.Partial)

	payload, ok := res.Event.Payload.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "0a7f01", payload["rawPrefixHex"])
	assert.Equal(t, 3, payload["rawLength"])
	assert.NotEmpty(t, payload["error"])
	assert.Equal(t, uint64(1), d.Stats().Partial)
}

func TestPartialPrefixIsCapped(t *testing.T) {
	b := partialRaw(make([]byte, 100), errors.New("boom"))
	payload := b.payload.(map[string]any)
	assert.Len(t, payload["rawPrefixHex"], 2*rawPrefixLen)
	assert.Equal(t, 100, payload["rawLength"])
}

func TestSkipSetBothSchemes(t *testing.T) {
	d, reg := newFixtureDecoder(t)

	heartbeat := testutil.Encode(t, reg, "live", "HeartbeatMessage", map[string]any{"seq": 1})
	assert.True(t, d.Decode(testutil.LengthPrefixed(testutil.IDHeartbeat, heartbeat), endpoint).Empty())
	assert.True(t, d.Decode(testutil.Wrap(t, reg, "live", "live.HeartbeatMessage", heartbeat), endpoint).Empty())
	assert.Equal(t, uint64(2), d.Stats().Skipped)
}

func TestWrapperOwnNamespace(t *testing.T) {
	d, reg := newFixtureDecoder(t)

	body := testutil.Encode(t, reg, "room", "RoomStats", map[string]any{"roomId": "12", "viewers": 300})
	res := d.Decode(testutil.Wrap(t, reg, "room", "room.RoomStats", body), endpoint)
	require.NotNil(t, res.Event)

	ev := res.Event
	assert.Equal(t, "room", ev.Namespace)
	assert.Equal(t, "RoomStats", ev.Topic)
	require.NotNil(t, ev.MessageID)
	assert.Equal(t, testutil.IDRoomStats, *ev.MessageID)
	assert.Empty(t, ev.CompositeTopic)
	assert.Equal(t, map[string]any{"roomId": "12", "viewers": float64(300)}, ev.Payload)
}

func TestWrapperCrossNamespaceComposite(t *testing.T) {
	d, reg := newFixtureDecoder(t)

	// "room" is tried first and decodes the envelope, but GiftMessage only
	// exists in "live".
	body := testutil.Encode(t, reg, "live", "GiftMessage", map[string]any{"roomId": "5", "giftId": 3})
	res := d.Decode(testutil.Wrap(t, reg, "live", "live.GiftMessage", body), endpoint)
	require.NotNil(t, res.Event)

	ev := res.Event
	assert.Equal(t, "live", ev.Namespace)
	assert.Equal(t, "GiftMessage", ev.Topic)
	assert.Equal(t, "live.GiftMessage", ev.CompositeTopic)
	require.NotNil(t, ev.MessageID)
	assert.Equal(t, testutil.IDGiftMessage, *ev.MessageID)
	assert.Equal(t, "5", d.LastRoom())
}

func TestWrapperWithoutReverseID(t *testing.T) {
	d, reg := newFixtureDecoder(t)

	body := testutil.Encode(t, reg, "live", "SendActionRequest", map[string]any{"action": "like"})
	res := d.Decode(testutil.Wrap(t, reg, "live", "SendActionRequest", body), endpoint)
	require.NotNil(t, res.Event)
	assert.Nil(t, res.Event.MessageID)
}

func TestWrapperUnknownTopicDropped(t *testing.T) {
	d, reg := newFixtureDecoder(t)

	res := d.Decode(testutil.Wrap(t, reg, "live", "live.Nope", []byte{1}), endpoint)
	assert.True(t, res.Empty())
}

func TestNeitherSchemeDropped(t *testing.T) {
	d, _ := newFixtureDecoder(t)

	res := d.Decode([]byte{0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff}, endpoint)
	assert.True(t, res.Empty())
	assert.Equal(t, uint64(0), d.Stats().Unknown, "undecodable frames are not captured")
}

func TestShortFrame(t *testing.T) {
	d, _ := newFixtureDecoder(t)
	assert.True(t, d.Decode([]byte{0, 0, 0, 5, 0}, endpoint).Empty())
}

func TestNotReady(t *testing.T) {
	d := New(Config{})
	assert.False(t, d.Ready())
	assert.True(t, d.Decode(testutil.LengthPrefixed(42, chatBody), endpoint).Empty())
	assert.Equal(t, uint64(1), d.Stats().NotReady)
}

func TestLoadOnce(t *testing.T) {
	reg := testutil.ProtoRegistry(t)
	d := New(Config{})
	assert.True(t, d.Load(reg))
	assert.False(t, d.Load(schema.NewMemRegistry()))
	assert.Equal(t, []string{"live", "room"}, d.Namespaces(), "registry order when none configured")
	assert.Same(t, reg, d.Registry())
}

func TestPanickingCodecIsSalvaged(t *testing.T) {
	reg := schema.NewMemRegistry().Add("x", &schema.MemNamespace{
		IDs: map[string]int{"Boom": 9},
		Messages: map[string]schema.MessageCodec{
			"Boom": schema.CodecFuncs{DecodeFunc: func([]byte) (any, error) { panic("bad codec") }},
		},
	})
	d := New(Config{})
	require.True(t, d.Load(reg))

	res := d.Decode(testutil.LengthPrefixed(9, []byte{1, 2}), endpoint)
	require.NotNil(t, res.Event)
	assert.True(t, res.Event.Partial)
}

func TestSanitizeEndpoint(t *testing.T) {
	assert.Equal(t, "wss://a.example/ws", sanitizeEndpoint("wss://a.example/ws?token=secret#frag"))
	assert.Equal(t, "wss://a.example/ws", sanitizeEndpoint("wss://a.example/ws#x?y"))

	long := "wss://" + strings.Repeat("a", 200)
	assert.Len(t, sanitizeEndpoint(long), maxEndpointLen)

	// a three-byte rune straddling the cap is dropped whole
	wide := "wss://" + strings.Repeat("a", maxEndpointLen-7) + "世界"
	got := sanitizeEndpoint(wide)
	assert.True(t, utf8.ValidString(got))
	assert.Equal(t, "wss://"+strings.Repeat("a", maxEndpointLen-7), got)
}

func TestRoomIDWeaklyTyped(t *testing.T) {
	assert.Equal(t, "123", roomID(map[string]any{"roomId": float64(123)}))
	assert.Equal(t, "abc", roomID(map[string]any{"room_id": "abc"}))
	assert.Equal(t, "", roomID(map[string]any{"other": 1}))
	assert.Equal(t, "", roomID([]any{1}))
}
