// Package transport defines the chat transport abstraction rendered output
// is delivered through, plus the hard limits a renderer must respect.
package transport

import (
	"context"
	"errors"
	"time"
)

// ErrUnchanged is returned by EditMessage when the new text is identical to
// what the transport already shows. It is an idempotent no-op outcome, not a
// failure.
var ErrUnchanged = errors.New("transport: message unchanged")

// Message is an inbound chat message received from the transport.
type Message struct {
	// SessionID identifies the conversation the message belongs to
	// (a phone number for signal, a client id for webchat).
	SessionID string

	// Sender identifies who sent the message, when the transport
	// distinguishes sender from conversation.
	Sender string

	Text     string
	Received time.Time
}

// Limits describes the transport's hard delivery constraints.
type Limits struct {
	// MaxMessageLen is the single-message size ceiling in runes.
	MaxMessageLen int

	// MinEditInterval is the minimum time between edits to one message.
	MinEditInterval time.Duration
}

// Transport is a bidirectional chat adapter. Outbound methods drive the
// live view; Receive surfaces inbound messages. DeleteMessage and Typing
// are best effort on transports that cannot honor them.
type Transport interface {
	// Name identifies the transport in logs and config.
	Name() string

	// Run pumps the transport until ctx is cancelled. It must be called
	// before Receive yields anything.
	Run(ctx context.Context) error

	// Receive returns the inbound message stream. The channel is closed
	// when Run returns.
	Receive() <-chan Message

	CreateMessage(ctx context.Context, sessionID, text string) (string, error)

	// EditMessage replaces the text of a previously created message.
	// Returns ErrUnchanged when the text already matches.
	EditMessage(ctx context.Context, sessionID, messageID, text string) error

	SendMessage(ctx context.Context, sessionID, text string) (string, error)

	DeleteMessage(ctx context.Context, sessionID, messageID string) error

	// Typing toggles the liveness indicator for a conversation.
	Typing(ctx context.Context, sessionID string, active bool) error

	Limits() Limits
}
