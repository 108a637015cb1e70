package protocol

import (
	"context"
	"encoding/json"
	"fmt"
)

// Handler processes one decoded inbound frame for a given transport/session.
type Handler interface {
	Handle(ctx context.Context, raw json.RawMessage) error
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, raw json.RawMessage) error

// Handle implements Handler.
func (f HandlerFunc) Handle(ctx context.Context, raw json.RawMessage) error {
	return f(ctx, raw)
}

// Dispatcher routes inbound frames to the handler registered for their type.
// Unlike pkg/websocket's action-keyed Dispatcher, the key here is the
// frame's own "type" field, since the wire contract has no separate envelope.
type Dispatcher struct {
	handlers map[string]Handler
}

// NewDispatcher creates an empty frame dispatcher.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{handlers: make(map[string]Handler)}
}

// Register binds a handler to a frame type tag.
func (d *Dispatcher) Register(frameType string, h Handler) {
	d.handlers[frameType] = h
}

// RegisterFunc binds a handler function to a frame type tag.
func (d *Dispatcher) RegisterFunc(frameType string, h HandlerFunc) {
	d.handlers[frameType] = h
}

// HasHandler reports whether a frame type has a registered handler.
func (d *Dispatcher) HasHandler(frameType string) bool {
	_, ok := d.handlers[frameType]
	return ok
}

// Dispatch peeks the frame's type and routes it to the matching handler.
// An unknown frame type returns ErrUnknownFrameType, which the Transport
// Endpoint logs and ignores per the wire contract rather than failing the
// connection.
func (d *Dispatcher) Dispatch(ctx context.Context, raw json.RawMessage) error {
	frameType, err := PeekType(raw)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrProtocol, err)
	}
	h, ok := d.handlers[frameType]
	if !ok {
		return ErrUnknownFrameType
	}
	return h.Handle(ctx, raw)
}
