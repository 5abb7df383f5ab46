package eventbus

import (
	"fmt"
	"reflect"
)

// Wildcard subscribers receive every published message.
const Wildcard = "*"

// Message is what handlers receive: the event plus the topic it was published on.
type Message struct {
	Topic string `json:"topic"`
	Event any    `json:"event"`
}

// Handler consumes published messages.
// Implementations must be comparable (typically pointers): the bus keys
// subscriptions by handler identity.
type Handler interface {
	Handle(msg Message)
}

type funcHandler struct {
	fn func(Message)
}

func (h *funcHandler) Handle(msg Message) { h.fn(msg) }

// HandlerFunc adapts fn to a Handler. Each call returns a distinct handle;
// keep it to unsubscribe later.
func HandlerFunc(fn func(Message)) Handler {
	return &funcHandler{fn: fn}
}

// handlerSet keeps subscription order while rejecting duplicates.
type handlerSet struct {
	order []Handler
	index map[Handler]struct{}
}

func newHandlerSet() *handlerSet {
	return &handlerSet{index: make(map[Handler]struct{})}
}

func (s *handlerSet) add(h Handler) bool {
	if _, ok := s.index[h]; ok {
		return false
	}
	s.index[h] = struct{}{}
	s.order = append(s.order, h)
	return true
}

func (s *handlerSet) remove(h Handler) bool {
	if _, ok := s.index[h]; !ok {
		return false
	}
	delete(s.index, h)
	for i, cur := range s.order {
		if cur == h {
			s.order = append(s.order[:i:i], s.order[i+1:]...)
			break
		}
	}
	return true
}

func validateHandler(h Handler) error {
	if h == nil {
		return fmt.Errorf("eventbus: nil handler")
	}
	if !reflect.TypeOf(h).Comparable() {
		return fmt.Errorf("eventbus: handler type %T is not comparable", h)
	}
	return nil
}
