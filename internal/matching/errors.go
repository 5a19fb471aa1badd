package matching

import (
	"errors"

	"github.com/whisper/strangers/internal/ban"
)

var (
	ErrAlreadyWaiting   = errors.New("matching: already waiting")
	ErrAlreadyInSession = errors.New("matching: already in a session")
	ErrNotWaiting       = errors.New("matching: not waiting")

	// ErrBanned matches the *ban.BannedError returned by Enqueue.
	ErrBanned = ban.ErrBanned
)
