package gateway

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/whisper/strangers/internal/ban"
	"github.com/whisper/strangers/internal/chat"
	"github.com/whisper/strangers/internal/client"
	"github.com/whisper/strangers/internal/matching"
	"github.com/whisper/strangers/internal/protocol"
)

// MessageHandler handles one parsed client frame. The msg parameter is the
// concrete struct returned by protocol.ParseClientMessage.
type MessageHandler func(ctx context.Context, conn *Connection, msg interface{}) error

// MessageDispatcher routes client frames to handlers by type. Ping is
// answered internally; handler failures become error frames.
type MessageDispatcher struct {
	handlers map[string]MessageHandler
	timeout  time.Duration
}

// NewMessageDispatcher creates a dispatcher with the controller handlers
// registered. timeout bounds each handler call.
func NewMessageDispatcher(timeout time.Duration) *MessageDispatcher {
	d := &MessageDispatcher{
		handlers: make(map[string]MessageHandler),
		timeout:  timeout,
	}
	d.Register(protocol.TypeStartChat, func(ctx context.Context, c *Connection, _ interface{}) error {
		return c.ctrl.StartNewChat(ctx)
	})
	d.Register(protocol.TypeCancelSearch, func(ctx context.Context, c *Connection, _ interface{}) error {
		return c.ctrl.CancelSearch(ctx)
	})
	d.Register(protocol.TypeSend, func(ctx context.Context, c *Connection, msg interface{}) error {
		return c.ctrl.Send(ctx, msg.(protocol.SendMsg).Text)
	})
	d.Register(protocol.TypeSave, func(ctx context.Context, c *Connection, _ interface{}) error {
		return c.ctrl.Save(ctx)
	})
	d.Register(protocol.TypeEnd, func(ctx context.Context, c *Connection, _ interface{}) error {
		return c.ctrl.End(ctx)
	})
	return d
}

// Register associates a handler with a frame type, replacing any previous one.
func (d *MessageDispatcher) Register(msgType string, handler MessageHandler) {
	d.handlers[msgType] = handler
}

// Dispatch parses data and routes it.
func (d *MessageDispatcher) Dispatch(conn *Connection, data []byte) {
	msgType, msg, err := protocol.ParseClientMessage(data)
	if err != nil {
		log.Printf("[gateway] parse error conn=%s user=%s: %v", conn.ID, conn.UserID, err)
		sendError(conn, protocol.CodeBadRequest, "invalid message format")
		return
	}

	if msgType == protocol.TypePing {
		sendPong(conn)
		return
	}

	handler, ok := d.handlers[msgType]
	if !ok {
		log.Printf("[gateway] unsupported message type=%q conn=%s", msgType, conn.ID)
		sendError(conn, protocol.CodeBadRequest, "unsupported message type")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
	defer cancel()
	if err := handler(ctx, conn, msg); err != nil {
		code := errorCode(err)
		if code == protocol.CodeInternal {
			log.Printf("[gateway] %s failed user=%s: %v", msgType, conn.UserID, err)
		}
		sendError(conn, code, client.UserMessage(err))
	}
}

// errorCode classifies err for the error frame.
func errorCode(err error) string {
	var rejected *chat.ContentRejectedError
	switch {
	case errors.As(err, &rejected):
		return protocol.CodeRejected
	case errors.Is(err, ban.ErrBanned):
		return protocol.CodeBanned
	case errors.Is(err, matching.ErrAlreadyInSession):
		return protocol.CodeAlreadyInChat
	case errors.Is(err, client.ErrNoSession):
		return protocol.CodeNotInChat
	case errors.Is(err, chat.ErrSessionEnded), errors.Is(err, chat.ErrSessionNotFound):
		return protocol.CodeChatEnded
	case errors.Is(err, chat.ErrEmptyMessage),
		errors.Is(err, chat.ErrMessageTooLong),
		errors.Is(err, chat.ErrInvalidEncoding):
		return protocol.CodeBadRequest
	}
	return protocol.CodeInternal
}

func sendError(conn *Connection, code, message string) {
	data, err := protocol.NewServerMessage(protocol.TypeError, protocol.ErrorMsg{
		Code:    code,
		Message: message,
	})
	if err != nil {
		log.Printf("[gateway] failed to build error frame conn=%s: %v", conn.ID, err)
		return
	}
	if err := conn.WriteMessage(data); err != nil {
		log.Printf("[gateway] failed to send error frame conn=%s: %v", conn.ID, err)
	}
}

func sendPong(conn *Connection) {
	data, err := protocol.NewServerMessage(protocol.TypePong, protocol.PongMsg{})
	if err != nil {
		log.Printf("[gateway] failed to build pong conn=%s: %v", conn.ID, err)
		return
	}
	if err := conn.WriteMessage(data); err != nil {
		log.Printf("[gateway] failed to send pong conn=%s: %v", conn.ID, err)
	}
}

func sendState(conn *Connection, st client.State) error {
	data, err := protocol.NewServerMessage(protocol.TypeState, protocol.StateMsg{State: st})
	if err != nil {
		return err
	}
	return conn.WriteMessage(data)
}
