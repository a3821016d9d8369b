// Package render reconciles a turn's stream events into a bounded sequence
// of transport operations: one placeholder message that is progressively
// edited while the model streams, then either a final edit or, when the
// text outgrows the transport's message limit, redelivery as ordered chunks.
package render

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aupadhyay/smallbot/core"
	"github.com/aupadhyay/smallbot/logging"
	"github.com/aupadhyay/smallbot/transport"
)

const (
	// DefaultUpdateInterval is the minimum time between throttled edits.
	DefaultUpdateInterval = 1500 * time.Millisecond

	// DefaultMinUpdateChars is the minimum size delta between throttled
	// edits. Transports penalize streams of near-duplicate edits.
	DefaultMinUpdateChars = 24

	truncationMarker = "…"
)

// Options configures a Renderer.
type Options struct {
	UpdateInterval time.Duration
	MinUpdateChars int

	// FlattenMarkdown strips markdown before delivery, for transports
	// that display plain text only.
	FlattenMarkdown bool

	Logger logging.Logger

	// Clock is overridable for tests.
	Clock func() time.Time
}

// Renderer drives one transport conversation's live view for a single
// user-visible request. It is not safe for concurrent use and is discarded
// once the turn's final render or overflow delivery completes.
type Renderer struct {
	transport transport.Transport
	sessionID string
	opts      Options

	accumulated  string
	toolNames    []string
	messageID    string
	lastRendered string
	lastEdit     time.Time
}

// NewRenderer builds a renderer targeting one conversation. The throttle
// interval is raised to the transport's own minimum edit interval when the
// configured value is lower.
func NewRenderer(tr transport.Transport, sessionID string, optFns ...func(o *Options)) *Renderer {
	opts := Options{
		UpdateInterval: DefaultUpdateInterval,
		MinUpdateChars: DefaultMinUpdateChars,
		Logger:         logging.NoOpLogger{},
		Clock:          time.Now,
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	if min := tr.Limits().MinEditInterval; opts.UpdateInterval < min {
		opts.UpdateInterval = min
	}
	return &Renderer{
		transport: tr,
		sessionID: sessionID,
		opts:      opts,
	}
}

// Consume processes the event stream in emission order until it closes.
// Edit failures are logged and swallowed so a flaky transport never aborts
// the turn that produced the text; failures to create or send a message are
// returned since there is nothing left to update.
func (r *Renderer) Consume(ctx context.Context, events <-chan core.StreamEvent) error {
	for event := range events {
		if err := r.handle(ctx, event); err != nil {
			return err
		}
	}
	return nil
}

func (r *Renderer) handle(ctx context.Context, event core.StreamEvent) error {
	switch ev := event.(type) {
	case core.TextDeltaEvent:
		r.accumulated += ev.Delta
		return r.update(ctx, false)
	case core.ToolStartEvent:
		r.toolNames = append(r.toolNames, ev.Name)
		return r.update(ctx, true)
	case core.ToolEndEvent:
		if n := len(r.toolNames); n > 0 {
			r.toolNames = r.toolNames[:n-1]
		}
		return r.update(ctx, true)
	case core.TurnDoneEvent:
		return r.finalize(ctx, ev.Text)
	default:
		return nil
	}
}

// update recomputes the live view and edits the placeholder when the dual
// gate allows it: the text must have changed, and the update must be forced
// or satisfy both the elapsed-time and size-delta thresholds. The first
// nonempty view always creates the placeholder.
func (r *Renderer) update(ctx context.Context, forced bool) error {
	view := r.compose()
	if view == r.lastRendered {
		return nil
	}

	if r.messageID == "" {
		if view == "" {
			return nil
		}
		return r.deliver(ctx, view)
	}

	if view == "" {
		// A forced update with nothing left to show (a tool finished
		// before any text arrived) clears the indicator rather than
		// leaving it behind. Transports reject empty edits.
		if !forced {
			return nil
		}
		view = truncationMarker
		if view == r.lastRendered {
			return nil
		}
	}

	if !forced {
		if r.opts.Clock().Sub(r.lastEdit) < r.opts.UpdateInterval {
			return nil
		}
		if sizeDelta(view, r.lastRendered) < r.opts.MinUpdateChars {
			return nil
		}
	}

	return r.deliver(ctx, view)
}

// finalize renders the complete text, bypassing throttling. Oversized text
// replaces the placeholder with ordered overflow messages.
func (r *Renderer) finalize(ctx context.Context, finalText string) error {
	r.accumulated = finalText
	r.toolNames = nil

	text := finalText
	if r.opts.FlattenMarkdown {
		text = Flatten(text)
	}

	limit := r.transport.Limits().MaxMessageLen
	if limit > 0 && len([]rune(text)) > limit {
		return r.deliverOverflow(ctx, text, limit)
	}

	if text == r.lastRendered {
		return nil
	}
	if text == "" {
		return nil
	}
	return r.deliver(ctx, text)
}

// deliver creates the placeholder on first use and edits it afterwards.
func (r *Renderer) deliver(ctx context.Context, view string) error {
	limit := r.transport.Limits().MaxMessageLen
	if limit > 0 {
		view = trailingWindow(view, limit)
	}
	if view == r.lastRendered {
		return nil
	}

	if r.messageID == "" {
		id, err := r.transport.CreateMessage(ctx, r.sessionID, view)
		if err != nil {
			return fmt.Errorf("create message: %w", err)
		}
		r.messageID = id
	} else {
		err := r.transport.EditMessage(ctx, r.sessionID, r.messageID, view)
		if err != nil && !errors.Is(err, transport.ErrUnchanged) {
			r.opts.Logger.Warn("render.edit.failed",
				"session_id", r.sessionID,
				"message_id", r.messageID,
				"error", err.Error(),
			)
			return nil
		}
	}

	r.lastRendered = view
	r.lastEdit = r.opts.Clock()
	return nil
}

// deliverOverflow discards the placeholder and redelivers the full text as
// new messages, each within the size limit, preserving order. Placeholder
// deletion is best effort.
func (r *Renderer) deliverOverflow(ctx context.Context, text string, limit int) error {
	if r.messageID != "" {
		if err := r.transport.DeleteMessage(ctx, r.sessionID, r.messageID); err != nil {
			r.opts.Logger.Warn("render.delete.failed",
				"session_id", r.sessionID,
				"message_id", r.messageID,
				"error", err.Error(),
			)
		}
		r.messageID = ""
	}

	for i, chunk := range chunkText(text, limit) {
		if _, err := r.transport.SendMessage(ctx, r.sessionID, chunk); err != nil {
			return fmt.Errorf("send overflow chunk %d: %w", i+1, err)
		}
	}
	r.lastRendered = text
	return nil
}

// compose builds the current view: the accumulated text plus an indicator
// for the innermost running tool, trimmed to a trailing window while the
// stream is still in progress.
func (r *Renderer) compose() string {
	text := r.accumulated
	if r.opts.FlattenMarkdown {
		text = Flatten(text)
	}
	if n := len(r.toolNames); n > 0 {
		indicator := fmt.Sprintf("⚙ %s…", r.toolNames[n-1])
		if text == "" {
			text = indicator
		} else {
			text += "\n\n" + indicator
		}
	}
	return text
}

// trailingWindow keeps the most recent content when the view exceeds the
// message limit, since the end is the most recently generated text.
func trailingWindow(s string, limit int) string {
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	marker := []rune(truncationMarker)
	keep := limit - len(marker)
	if keep < 0 {
		keep = 0
	}
	return string(marker) + string(runes[len(runes)-keep:])
}

// chunkText splits s into ordered pieces of at most limit runes whose
// concatenation equals s.
func chunkText(s string, limit int) []string {
	runes := []rune(s)
	if limit <= 0 || len(runes) <= limit {
		return []string{s}
	}
	chunks := make([]string, 0, (len(runes)+limit-1)/limit)
	for start := 0; start < len(runes); start += limit {
		end := start + limit
		if end > len(runes) {
			end = len(runes)
		}
		chunks = append(chunks, string(runes[start:end]))
	}
	return chunks
}

func sizeDelta(a, b string) int {
	d := len(a) - len(b)
	if d < 0 {
		d = -d
	}
	return d
}
