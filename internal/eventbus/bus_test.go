package eventbus

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firestige.xyz/wstap/internal/core"
)

type recorder struct {
	mu   sync.Mutex
	msgs []Message
}

func (r *recorder) Handle(msg Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, msg)
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.msgs)
}

func TestPublishExactTopic(t *testing.T) {
	bus := New()
	chat := &recorder{}
	gift := &recorder{}
	require.NoError(t, bus.Subscribe("ChatMessage", chat))
	require.NoError(t, bus.Subscribe("GiftMessage", gift))

	n := bus.Publish("ChatMessage", "hello")
	assert.Equal(t, 1, n)
	assert.Equal(t, 1, chat.count())
	assert.Equal(t, 0, gift.count())
	assert.Equal(t, Message{Topic: "ChatMessage", Event: "hello"}, chat.msgs[0])
}

func TestDuplicateSubscribeIsNoop(t *testing.T) {
	bus := New()
	r := &recorder{}
	require.NoError(t, bus.Subscribe("a", r))
	require.NoError(t, bus.Subscribe("a", r))

	bus.Publish("a", 1)
	assert.Equal(t, 1, r.count())
}

func TestWildcardReceivesTopic(t *testing.T) {
	bus := New()
	var order []string
	exact := HandlerFunc(func(msg Message) { order = append(order, "exact:"+msg.Topic) })
	wild := HandlerFunc(func(msg Message) { order = append(order, "wild:"+msg.Topic) })
	require.NoError(t, bus.Subscribe(Wildcard, wild))
	require.NoError(t, bus.Subscribe("LikeMessage", exact))

	bus.Publish("LikeMessage", nil)
	bus.Publish("Other", nil)

	assert.Equal(t, []string{"exact:LikeMessage", "wild:LikeMessage", "wild:Other"}, order)
}

func TestPublishOnWildcardTopicDeliversOnce(t *testing.T) {
	bus := New()
	r := &recorder{}
	require.NoError(t, bus.Subscribe(Wildcard, r))
	assert.Equal(t, 1, bus.Publish(Wildcard, nil))
	assert.Equal(t, 1, r.count())
}

func TestUnsubscribe(t *testing.T) {
	bus := New()
	r := &recorder{}
	require.NoError(t, bus.Subscribe("a", r))

	assert.True(t, bus.Unsubscribe("a", r))
	assert.False(t, bus.Unsubscribe("a", r))
	assert.False(t, bus.HasSubscribers("a"))

	bus.Publish("a", 1)
	assert.Equal(t, 0, r.count())
}

func TestPanickingHandlerDoesNotStopOthers(t *testing.T) {
	bus := New()
	bad := HandlerFunc(func(Message) { panic("boom") })
	good := &recorder{}
	require.NoError(t, bus.Subscribe("t", bad))
	require.NoError(t, bus.Subscribe("t", good))

	assert.NotPanics(t, func() { bus.Publish("t", 1) })
	assert.Equal(t, 1, good.count())

	stats := bus.GetStats()
	assert.Equal(t, int64(1), stats.PanicCount)
	assert.Equal(t, int64(1), stats.DeliveredCount)
	assert.Equal(t, int64(1), stats.PublishedCount)
}

type mapHandler map[string]int

func (mapHandler) Handle(Message) {}

func TestSubscribeRejectsInvalidHandlers(t *testing.T) {
	bus := New()
	assert.Error(t, bus.Subscribe("t", nil))
	assert.Error(t, bus.Subscribe("t", mapHandler{}))
	assert.False(t, bus.Unsubscribe("t", mapHandler{}))
}

func TestHandlerMaySubscribeDuringPublish(t *testing.T) {
	bus := New()
	late := &recorder{}
	var h Handler
	h = HandlerFunc(func(Message) {
		_ = bus.Subscribe("t", late)
		bus.Unsubscribe("t", h)
	})
	require.NoError(t, bus.Subscribe("t", h))

	bus.Publish("t", 1)
	assert.Equal(t, 0, late.count())
	bus.Publish("t", 2)
	assert.Equal(t, 1, late.count())
}

func TestPublishDecodedComposite(t *testing.T) {
	bus := New()
	var topics []string
	_, err := bus.SubscribeDecoded(Wildcard, func(topic string, _ *core.DecodedEvent) {
		topics = append(topics, topic)
	})
	require.NoError(t, err)

	plain := &core.DecodedEvent{Topic: "ChatMessage"}
	assert.Equal(t, 1, bus.PublishDecoded(plain))

	cross := &core.DecodedEvent{Topic: "ChatMessage", CompositeTopic: "room.ChatMessage"}
	assert.Equal(t, 2, bus.PublishDecoded(cross))

	assert.Equal(t, []string{"ChatMessage", "ChatMessage", "room.ChatMessage"}, topics)
}

func TestSubscribeDecodedIgnoresOtherPayloads(t *testing.T) {
	bus := New()
	calls := 0
	h, err := bus.SubscribeDecoded("t", func(string, *core.DecodedEvent) { calls++ })
	require.NoError(t, err)

	bus.Publish("t", "not an event")
	assert.Equal(t, 0, calls)

	bus.Publish("t", &core.DecodedEvent{})
	assert.Equal(t, 1, calls)

	assert.True(t, bus.Unsubscribe("t", h))
}
