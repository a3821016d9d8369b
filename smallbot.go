// Package smallbot provides a high-level façade over the turn loop, session
// store and chat transports, enabling quick assembly of a streaming chat bot.
// Most applications interact with this package by:
//  1. Building a model adapter (model/anthropic or model/openai)
//  2. Building a transport (transport/webchat or transport/signalcli)
//  3. Creating a bot via New() (optionally registering tools and overriding
//     the in-memory session store)
//  4. Calling Run, which blocks until the context is cancelled
//
// The façade delegates turn handling to bot.Bot while keeping setup concise.
// All defaults are safe for local development; production deployments
// typically supply the SQLite session store and a structured logger.
package smallbot

import (
	"time"

	"github.com/aupadhyay/smallbot/agent"
	"github.com/aupadhyay/smallbot/bot"
	"github.com/aupadhyay/smallbot/logging"
	"github.com/aupadhyay/smallbot/model"
	"github.com/aupadhyay/smallbot/render"
	"github.com/aupadhyay/smallbot/session"
	"github.com/aupadhyay/smallbot/tool"
	"github.com/aupadhyay/smallbot/transport"
)

// Options configures the assembled bot.
type Options struct {
	// SystemPrompt is prepended to every model request.
	SystemPrompt string

	// Registry holds the tools offered to the model. Defaults to an empty
	// registry.
	Registry *tool.Registry

	// Sessions stores per-conversation history. Defaults to in-memory.
	Sessions session.Store

	// MaxTurns limits model invocations per user message.
	MaxTurns int

	// IdleTTL evicts sessions inactive for this long. Zero disables eviction.
	IdleTTL time.Duration

	// RenderOptions adjusts the streaming renderer (throttle, markdown
	// flattening).
	RenderOptions func(o *render.Options)

	// Logger (defaults to NoOp logger if nil)
	Logger logging.Logger
}

// New assembles a bot from a model and a transport with optional overrides.
// Any unset service is initialized with an in-memory implementation.
func New(m model.Model, tr transport.Transport, optFns ...func(o *Options)) *bot.Bot {
	opts := Options{
		Registry: tool.NewRegistry(),
		Sessions: session.NewInMemoryStore(),
		MaxTurns: agent.DefaultMaxTurns,
		Logger:   logging.NoOpLogger{},
	}

	for _, fn := range optFns {
		fn(&opts)
	}

	loop := agent.NewLoop(m, opts.Registry, func(o *agent.Options) {
		o.MaxTurns = opts.MaxTurns
		o.Logger = opts.Logger
	})

	return bot.New(loop, tr, opts.Sessions, func(o *bot.Options) {
		o.SystemPrompt = opts.SystemPrompt
		o.RenderOptions = opts.RenderOptions
		o.IdleTTL = opts.IdleTTL
		o.Logger = opts.Logger
	})
}
