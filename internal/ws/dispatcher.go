package ws

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/whisper/social-realtime/internal/metrics"
	"github.com/whisper/social-realtime/internal/protocol"
)

// HandlerFunc handles one parsed client message. Returning a
// *protocol.CodedError reports its code to the client; any other error is
// reported as internal_error.
type HandlerFunc func(ctx context.Context, conn *Connection, msg protocol.ClientMessage) error

// Sender writes an encoded frame to a connection by ID.
type Sender interface {
	SendMessage(connID string, data []byte) error
}

// MessageDispatcher routes incoming WebSocket messages to registered handlers
// based on the message type. It handles the built-in ping/pong keepalive
// internally and sends structured error responses for malformed or unsupported
// messages.
type MessageDispatcher struct {
	handlers map[string]HandlerFunc
	sender   Sender
	timeout  time.Duration
	logger   *slog.Logger
}

// NewMessageDispatcher creates a MessageDispatcher. Each handler runs with a
// context bounded by timeout.
func NewMessageDispatcher(timeout time.Duration, logger *slog.Logger) *MessageDispatcher {
	return &MessageDispatcher{
		handlers: make(map[string]HandlerFunc),
		timeout:  timeout,
		logger:   logger.With("component", "dispatcher"),
	}
}

// SetSender assigns the frame writer. This supports the initialization
// pattern where the dispatcher is created before the server (since NewServer
// requires the Dispatch callback).
func (d *MessageDispatcher) SetSender(sender Sender) {
	d.sender = sender
}

// Register associates a handler with a message type. If a handler was
// already registered for the given type, it is silently replaced.
func (d *MessageDispatcher) Register(msgType string, handler HandlerFunc) {
	d.handlers[msgType] = handler
}

// Dispatch is the onMessage callback implementation. It parses the raw bytes
// into a typed message, handles ping internally, and routes all other types to
// the registered handler. A panicking handler is recovered so one bad event
// cannot take down the worker pool.
func (d *MessageDispatcher) Dispatch(conn *Connection, data []byte) {
	msgType, msg, err := protocol.ParseClientMessage(data)
	if err != nil {
		switch {
		case errors.Is(err, protocol.ErrUnknownType):
			d.logger.Debug("unsupported message type", "conn", conn.ID, "type", msgType)
			d.sendError(conn, "unsupported_type", "unsupported message type")
		case errors.Is(err, protocol.ErrInvalidPayload):
			d.logger.Debug("invalid payload", "conn", conn.ID, "type", msgType, "error", err)
			d.sendError(conn, "invalid_payload", err.Error())
		default:
			d.logger.Debug("parse error", "conn", conn.ID, "error", err)
			d.sendError(conn, "parse_error", "invalid message format")
		}
		return
	}

	// Built-in ping handler: respond immediately without requiring registration.
	if msgType == protocol.TypePing {
		conn.Touch()
		d.send(conn, protocol.TypePong, protocol.PongMsg{})
		return
	}

	handler, ok := d.handlers[msgType]
	if !ok {
		d.logger.Debug("unsupported message type", "conn", conn.ID, "type", msgType)
		d.sendError(conn, "unsupported_type", "unsupported message type")
		return
	}

	start := time.Now()
	defer func() {
		metrics.EventLatency.WithLabelValues(msgType).Observe(time.Since(start).Seconds())
	}()

	ctx := context.Background()
	if d.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.timeout)
		defer cancel()
	}

	if err := d.run(ctx, handler, conn, msg); err != nil {
		var coded *protocol.CodedError
		if errors.As(err, &coded) {
			d.logger.Debug("handler rejected event",
				"conn", conn.ID, "type", msgType, "code", coded.Code, "error", err)
			d.sendError(conn, coded.Code, coded.Message)
			return
		}
		d.logger.Error("handler failed", "conn", conn.ID, "type", msgType, "error", err)
		d.sendError(conn, "internal_error", "internal error")
	}
}

func (d *MessageDispatcher) run(ctx context.Context, h HandlerFunc, conn *Connection, msg protocol.ClientMessage) (err error) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("handler panic", "conn", conn.ID, "type", msg.MessageType(), "panic", r)
			err = errors.New("ws: handler panic")
		}
	}()
	return h(ctx, conn, msg)
}

// sendError sends a structured error message back to the client. Errors during
// message construction or transmission are logged but not propagated.
func (d *MessageDispatcher) sendError(conn *Connection, code string, message string) {
	d.send(conn, protocol.TypeError, protocol.ErrorMsg{
		Code:    code,
		Message: message,
	})
}

func (d *MessageDispatcher) send(conn *Connection, msgType string, payload interface{}) {
	data, err := protocol.NewServerMessage(msgType, payload)
	if err != nil {
		d.logger.Error("failed to build message", "conn", conn.ID, "type", msgType, "error", err)
		return
	}

	if d.sender == nil {
		err = conn.WriteMessage(data)
	} else {
		err = d.sender.SendMessage(conn.ID, data)
	}
	if err != nil {
		d.logger.Debug("failed to send message", "conn", conn.ID, "type", msgType, "error", err)
	}
}
