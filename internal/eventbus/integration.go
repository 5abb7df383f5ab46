package eventbus

import "firestige.xyz/wstap/internal/core"

// SubscribeDecoded subscribes fn to topic, passing only DecodedEvent payloads.
// The returned handler unsubscribes it.
func (b *Bus) SubscribeDecoded(topic string, fn func(topic string, ev *core.DecodedEvent)) (Handler, error) {
	h := HandlerFunc(func(msg Message) {
		ev, ok := msg.Event.(*core.DecodedEvent)
		if !ok {
			return
		}
		fn(msg.Topic, ev)
	})
	if err := b.Subscribe(topic, h); err != nil {
		return nil, err
	}
	return h, nil
}

// PublishDecoded publishes ev on its exact topic and, when set, on its composite topic.
func (b *Bus) PublishDecoded(ev *core.DecodedEvent) int {
	n := b.Publish(ev.Topic, ev)
	if ev.CompositeTopic != "" && ev.CompositeTopic != ev.Topic {
		n += b.Publish(ev.CompositeTopic, ev)
	}
	return n
}
