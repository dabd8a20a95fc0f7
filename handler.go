package inbox

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
)

// Handler applies the business effect of a message. It is implemented once
// per message type.
//
// Handle runs inside the transaction that claimed the inbox record: every
// write that makes up the effect must go through tx so it commits or rolls
// back together with the inbox state change. Handle may run more than once
// for the same message when the execution strategy retries, but at most one
// run ever commits.
type Handler interface {
	Handle(ctx context.Context, tx TxQueryer, msg *Message) error
}

// ConsumerIdentifier is implemented by handlers that name their logical
// consumer explicitly. The id must be stable across instances and restarts.
type ConsumerIdentifier interface {
	ConsumerID() string
}

// HandlerFunc adapts a function to the Handler interface.
// A HandlerFunc has no identity of its own, use NewHandler or WithConsumerID.
type HandlerFunc func(ctx context.Context, tx TxQueryer, msg *Message) error

// Handle calls f(ctx, tx, msg).
func (f HandlerFunc) Handle(ctx context.Context, tx TxQueryer, msg *Message) error {
	return f(ctx, tx, msg)
}

type namedHandler struct {
	consumerID string
	fn         HandlerFunc
}

func (h *namedHandler) ConsumerID() string {
	return h.consumerID
}

func (h *namedHandler) Handle(ctx context.Context, tx TxQueryer, msg *Message) error {
	return h.fn(ctx, tx, msg)
}

// NewHandler returns a Handler identified by consumerID that calls fn.
func NewHandler(consumerID string, fn HandlerFunc) Handler {
	return &namedHandler{consumerID: consumerID, fn: fn}
}

// TypedHandlerFunc handles a decoded message payload.
type TypedHandlerFunc[T any] func(ctx context.Context, tx TxQueryer, payload T, msg *Message) error

// JSONHandler returns a Handler identified by consumerID that decodes the
// message payload as JSON into T before calling fn.
func JSONHandler[T any](consumerID string, fn TypedHandlerFunc[T]) Handler {
	return NewHandler(consumerID, func(ctx context.Context, tx TxQueryer, msg *Message) error {
		var payload T
		if err := json.Unmarshal(msg.Payload, &payload); err != nil {
			return fmt.Errorf("decoding %T payload: %w", payload, err)
		}
		return fn(ctx, tx, payload, msg)
	})
}

// consumerIDOf derives the consumer id of a handler: its ConsumerID when it
// implements ConsumerIdentifier, its fully qualified type name otherwise.
func consumerIDOf(h Handler) (string, error) {
	if ci, ok := h.(ConsumerIdentifier); ok {
		if id := ci.ConsumerID(); id != "" {
			return id, nil
		}
		return "", fmt.Errorf("handler %T returned an empty consumer id", h)
	}

	if _, ok := h.(HandlerFunc); ok {
		return "", fmt.Errorf("HandlerFunc has no consumer id, use NewHandler or WithConsumerID")
	}

	t := reflect.TypeOf(h)
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if t.Name() == "" {
		return "", fmt.Errorf("handler type %T is unnamed, use WithConsumerID", h)
	}
	if t.PkgPath() == "" {
		return t.Name(), nil
	}
	return t.PkgPath() + "." + t.Name(), nil
}
