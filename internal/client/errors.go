package client

import (
	"errors"

	"github.com/whisper/strangers/internal/ban"
	"github.com/whisper/strangers/internal/chat"
	"github.com/whisper/strangers/internal/matching"
)

var (
	ErrNoSession = errors.New("client: not in a chat")
	ErrClosed    = errors.New("client: controller closed")
)

// User-facing texts.
const (
	MsgGeneric         = "Something went wrong, please try again"
	MsgAlreadyInChat   = "You are already in a chat"
	MsgNotInChat       = "You are not in a chat"
	MsgChatEnded       = "This chat has ended"
	MsgChatUnavailable = "This chat is no longer available"
	MsgEmpty           = "Message cannot be empty"
	MsgTooLong         = "Message is too long"
	MsgInvalidText     = "Message contains invalid characters"
)

// UserMessage translates err into the text shown to the user.
func UserMessage(err error) string {
	var rejected *chat.ContentRejectedError
	var banned *ban.BannedError

	switch {
	case err == nil:
		return ""
	case errors.As(err, &rejected):
		return rejected.Reason
	case errors.As(err, &banned):
		return "You are banned until " + banned.Until.UTC().Format("Jan 2, 15:04 MST")
	case errors.Is(err, matching.ErrAlreadyInSession):
		return MsgAlreadyInChat
	case errors.Is(err, ErrNoSession):
		return MsgNotInChat
	case errors.Is(err, chat.ErrSessionEnded):
		return MsgChatEnded
	case errors.Is(err, chat.ErrSessionNotFound), errors.Is(err, chat.ErrNotAParticipant):
		return MsgChatUnavailable
	case errors.Is(err, chat.ErrEmptyMessage):
		return MsgEmpty
	case errors.Is(err, chat.ErrMessageTooLong):
		return MsgTooLong
	case errors.Is(err, chat.ErrInvalidEncoding):
		return MsgInvalidText
	}
	return MsgGeneric
}
