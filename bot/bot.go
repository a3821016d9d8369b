// Package bot wires the pieces together: inbound transport messages feed
// the turn loop, whose stream the renderer mirrors into the chat, and whose
// final content lands in the session store.
package bot

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/aupadhyay/smallbot/agent"
	"github.com/aupadhyay/smallbot/core"
	"github.com/aupadhyay/smallbot/logging"
	"github.com/aupadhyay/smallbot/render"
	"github.com/aupadhyay/smallbot/session"
	"github.com/aupadhyay/smallbot/transport"
)

const errorNotice = "Sorry, something went wrong handling that. Please try again."

// errStaleGeneration aborts a turn whose session was reset mid-flight.
// The completed response is discarded rather than appended to the fresh,
// now unrelated session.
var errStaleGeneration = errors.New("session reset during turn")

// Options configures a Bot.
type Options struct {
	SystemPrompt string

	// RenderOptions is applied to every per-turn renderer.
	RenderOptions func(o *render.Options)

	// IdleTTL evicts sessions inactive for this long. Zero disables the
	// sweep.
	IdleTTL time.Duration

	Logger logging.Logger
}

// Bot serializes turns per session and runs the transport pump, the idle
// eviction sweep and any auxiliary runners under one errgroup.
type Bot struct {
	loop      *agent.Loop
	transport transport.Transport
	sessions  session.Store
	opts      Options

	mu    sync.Mutex
	locks map[string]*sync.Mutex

	// extra runners joined into Run's errgroup (scheduler, etc.).
	runners []func(ctx context.Context) error
}

// New assembles a bot.
func New(loop *agent.Loop, tr transport.Transport, sessions session.Store, optFns ...func(o *Options)) *Bot {
	opts := Options{Logger: logging.NoOpLogger{}}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Bot{
		loop:      loop,
		transport: tr,
		sessions:  sessions,
		opts:      opts,
		locks:     make(map[string]*sync.Mutex),
	}
}

// AddRunner registers an extra background runner joined into Run.
func (b *Bot) AddRunner(fn func(ctx context.Context) error) {
	b.runners = append(b.runners, fn)
}

// Run blocks until ctx is cancelled or a component fails.
func (b *Bot) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return b.transport.Run(ctx)
	})

	g.Go(func() error {
		return b.pump(ctx)
	})

	if b.opts.IdleTTL > 0 {
		g.Go(func() error {
			return b.sweep(ctx)
		})
	}

	for _, fn := range b.runners {
		run := fn
		g.Go(func() error {
			return run(ctx)
		})
	}

	return g.Wait()
}

// pump dispatches inbound messages. Each message is handled on its own
// goroutine; the per-session lock serializes turns within a conversation
// while different conversations proceed independently.
func (b *Bot) pump(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-b.transport.Receive():
			if !ok {
				return nil
			}
			go b.Handle(ctx, msg)
		}
	}
}

// Handle processes one inbound message end to end.
func (b *Bot) Handle(ctx context.Context, msg transport.Message) {
	text := strings.TrimSpace(msg.Text)
	if text == "" {
		return
	}

	if text == "/reset" {
		b.handleReset(ctx, msg.SessionID)
		return
	}

	lock := b.sessionLock(msg.SessionID)
	lock.Lock()
	defer lock.Unlock()

	if err := b.runTurn(ctx, msg.SessionID, text); err != nil {
		if errors.Is(err, errStaleGeneration) || errors.Is(err, context.Canceled) {
			return
		}
		b.opts.Logger.Error("turn.failed", "session_id", msg.SessionID, "error", err.Error())
		if _, sendErr := b.transport.SendMessage(ctx, msg.SessionID, errorNotice); sendErr != nil {
			b.opts.Logger.Warn("turn.notice.failed", "session_id", msg.SessionID, "error", sendErr.Error())
		}
	}
}

// runTurn appends the user message, streams the turn and renders it live.
// The user message is persisted before the model is invoked, so a failed
// turn can be retried from the right point.
func (b *Bot) runTurn(ctx context.Context, sessionID, text string) error {
	gen, err := b.sessions.Generation(sessionID)
	if err != nil {
		return fmt.Errorf("load generation: %w", err)
	}
	if err := b.sessions.Append(sessionID, core.NewUserContent(text)); err != nil {
		return fmt.Errorf("append user content: %w", err)
	}
	history, err := b.sessions.History(sessionID)
	if err != nil {
		return fmt.Errorf("load history: %w", err)
	}

	if err := b.transport.Typing(ctx, sessionID, true); err != nil {
		b.opts.Logger.Debug("typing.failed", "session_id", sessionID, "error", err.Error())
	}
	defer func() {
		_ = b.transport.Typing(ctx, sessionID, false)
	}()

	sink := func(c core.Content) error {
		current, err := b.sessions.Generation(sessionID)
		if err != nil {
			return err
		}
		if current != gen {
			return errStaleGeneration
		}
		return b.sessions.Append(sessionID, c)
	}

	turnCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	events, errCh := b.loop.RunStreaming(turnCtx, b.opts.SystemPrompt, history, sink)

	renderer := b.newRenderer(sessionID)
	renderDone := make(chan error, 1)
	go func() {
		err := renderer.Consume(turnCtx, events)
		if err != nil {
			// A fatal render error abandons the turn. Cancel so the loop
			// stops emitting, then drain the stream to closure; otherwise
			// the loop blocks on a full event buffer and errCh never closes.
			cancel()
			for range events {
			}
		}
		renderDone <- err
	}()

	var loopErr error
	if err, ok := <-errCh; ok && err != nil {
		loopErr = err
	}
	if renderErr := <-renderDone; renderErr != nil {
		return fmt.Errorf("render turn: %w", renderErr)
	}
	return loopErr
}

// RunPrompt routes a plain prompt through the non-streaming loop contract
// on the session's current history and persists the exchange. Scheduled
// jobs use this.
func (b *Bot) RunPrompt(ctx context.Context, sessionID, prompt string) (string, error) {
	lock := b.sessionLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	if err := b.sessions.Append(sessionID, core.NewUserContent(prompt)); err != nil {
		return "", fmt.Errorf("append prompt: %w", err)
	}
	history, err := b.sessions.History(sessionID)
	if err != nil {
		return "", fmt.Errorf("load history: %w", err)
	}

	text, err := b.loop.Run(ctx, b.opts.SystemPrompt, history)
	if err != nil {
		return "", err
	}

	assistant := core.NewAssistantContent("", []core.Part{core.TextPart{Text: text}})
	if err := b.sessions.Append(sessionID, assistant); err != nil {
		return "", fmt.Errorf("append assistant content: %w", err)
	}
	return text, nil
}

func (b *Bot) handleReset(ctx context.Context, sessionID string) {
	if err := b.sessions.Reset(sessionID); err != nil {
		b.opts.Logger.Error("session.reset.failed", "session_id", sessionID, "error", err.Error())
		return
	}
	b.opts.Logger.Info("session.reset", "session_id", sessionID)
	if _, err := b.transport.SendMessage(ctx, sessionID, "Conversation cleared."); err != nil {
		b.opts.Logger.Warn("session.reset.notice_failed", "session_id", sessionID, "error", err.Error())
	}
}

// sweep periodically evicts idle sessions. Eviction only happens between
// turns: TryLock skips any session with an in-flight turn.
func (b *Bot) sweep(ctx context.Context) error {
	ticker := time.NewTicker(b.opts.IdleTTL / 4)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			ids, err := b.sessions.Idle(b.opts.IdleTTL)
			if err != nil {
				b.opts.Logger.Warn("session.sweep.failed", "error", err.Error())
				continue
			}
			for _, id := range ids {
				lock := b.sessionLock(id)
				if !lock.TryLock() {
					continue
				}
				if err := b.sessions.Evict(id); err != nil {
					b.opts.Logger.Warn("session.evict.failed", "session_id", id, "error", err.Error())
				} else {
					b.opts.Logger.Info("session.evicted", "session_id", id)
				}
				lock.Unlock()
			}
		}
	}
}

func (b *Bot) newRenderer(sessionID string) *render.Renderer {
	optFns := []func(o *render.Options){
		func(o *render.Options) { o.Logger = b.opts.Logger },
	}
	if b.opts.RenderOptions != nil {
		optFns = append(optFns, b.opts.RenderOptions)
	}
	return render.NewRenderer(b.transport, sessionID, optFns...)
}

func (b *Bot) sessionLock(id string) *sync.Mutex {
	b.mu.Lock()
	defer b.mu.Unlock()
	lock, ok := b.locks[id]
	if !ok {
		lock = &sync.Mutex{}
		b.locks[id] = lock
	}
	return lock
}
