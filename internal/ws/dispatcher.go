package ws

import (
	"errors"

	"github.com/mansion/relay/internal/protocol"
)

// Handler processes one decoded client event.
type Handler func(c *Connection, msg protocol.ClientMessage)

// Dispatcher routes client frames to the handler registered for their event.
// Pings are answered here; malformed and unknown events get message:error.
type Dispatcher struct {
	handlers map[string]Handler
}

// NewDispatcher returns an empty Dispatcher.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{handlers: make(map[string]Handler)}
}

// Register sets the handler for event, replacing any previous one. Register
// is not safe for use once frames are being dispatched.
func (d *Dispatcher) Register(event string, h Handler) {
	d.handlers[event] = h
}

// Dispatch is the server's onMessage callback.
func (d *Dispatcher) Dispatch(c *Connection, data []byte) {
	event, msg, err := protocol.ParseClientMessage(data)
	if err != nil {
		code := protocol.CodeInvalidPayload
		if errors.Is(err, protocol.ErrUnknownEvent) {
			code = protocol.CodeUnsupportedEvent
		}
		log.WithField("conn_id", c.ID).WithField("event", event).WithError(err).Debug("rejected frame")
		d.sendError(c, code, err.Error())
		return
	}

	if _, ok := msg.(protocol.Ping); ok {
		d.sendPong(c)
		return
	}

	h, ok := d.handlers[event]
	if !ok {
		d.sendError(c, protocol.CodeUnsupportedEvent, "unsupported event "+event)
		return
	}
	h(c, msg)
}

func (d *Dispatcher) sendError(c *Connection, code, text string) {
	frame, err := protocol.ErrorFrame(code, text, "")
	if err != nil {
		log.WithError(err).Error("build error frame")
		return
	}
	if err := c.Send(frame); err != nil {
		log.WithField("conn_id", c.ID).WithError(err).Debug("error frame not delivered")
	}
}

func (d *Dispatcher) sendPong(c *Connection) {
	frame, err := protocol.NewServerMessage(protocol.EventPong, protocol.PongMsg{})
	if err != nil {
		return
	}
	if err := c.Send(frame); err != nil {
		log.WithField("conn_id", c.ID).WithError(err).Debug("pong not delivered")
	}
}
