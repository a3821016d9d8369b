package render

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aupadhyay/smallbot/core"
	"github.com/aupadhyay/smallbot/transport"
)

type transportOp struct {
	kind string // "create", "edit", "send", "delete"
	id   string
	text string
}

// fakeTransport records every outbound operation and mimics the idempotent
// unchanged-edit signal.
type fakeTransport struct {
	limits  transport.Limits
	ops     []transportOp
	current map[string]string
	nextID  int
	editErr error
	sendErr error
	delErr  error
	inbound chan transport.Message
}

func newFakeTransport(limits transport.Limits) *fakeTransport {
	return &fakeTransport{
		limits:  limits,
		current: map[string]string{},
		inbound: make(chan transport.Message),
	}
}

func (f *fakeTransport) Name() string { return "fake" }

func (f *fakeTransport) Run(ctx context.Context) error {
	<-ctx.Done()
	return ctx.Err()
}

func (f *fakeTransport) Receive() <-chan transport.Message { return f.inbound }

func (f *fakeTransport) CreateMessage(ctx context.Context, sessionID, text string) (string, error) {
	f.nextID++
	id := fmt.Sprintf("m%d", f.nextID)
	f.current[id] = text
	f.ops = append(f.ops, transportOp{kind: "create", id: id, text: text})
	return id, nil
}

func (f *fakeTransport) EditMessage(ctx context.Context, sessionID, messageID, text string) error {
	if f.editErr != nil {
		return f.editErr
	}
	if f.current[messageID] == text {
		return transport.ErrUnchanged
	}
	f.current[messageID] = text
	f.ops = append(f.ops, transportOp{kind: "edit", id: messageID, text: text})
	return nil
}

func (f *fakeTransport) SendMessage(ctx context.Context, sessionID, text string) (string, error) {
	if f.sendErr != nil {
		return "", f.sendErr
	}
	f.nextID++
	id := fmt.Sprintf("m%d", f.nextID)
	f.ops = append(f.ops, transportOp{kind: "send", id: id, text: text})
	return id, nil
}

func (f *fakeTransport) DeleteMessage(ctx context.Context, sessionID, messageID string) error {
	if f.delErr != nil {
		return f.delErr
	}
	delete(f.current, messageID)
	f.ops = append(f.ops, transportOp{kind: "delete", id: messageID})
	return nil
}

func (f *fakeTransport) Typing(ctx context.Context, sessionID string, active bool) error { return nil }

func (f *fakeTransport) Limits() transport.Limits { return f.limits }

func (f *fakeTransport) opKinds() []string {
	kinds := make([]string, 0, len(f.ops))
	for _, op := range f.ops {
		kinds = append(kinds, op.kind)
	}
	return kinds
}

func (f *fakeTransport) edits() []transportOp {
	var out []transportOp
	for _, op := range f.ops {
		if op.kind == "edit" {
			out = append(out, op)
		}
	}
	return out
}

func feed(t *testing.T, r *Renderer, events ...core.StreamEvent) error {
	t.Helper()
	ch := make(chan core.StreamEvent, len(events))
	for _, ev := range events {
		ch <- ev
	}
	close(ch)
	return r.Consume(context.Background(), ch)
}

// frozenClock pins the renderer's clock so elapsed time never satisfies the
// throttle interval.
func frozenClock(o *Options) {
	at := time.Unix(1000, 0)
	o.Clock = func() time.Time { return at }
}

func TestRendererSingleMessage(t *testing.T) {
	tr := newFakeTransport(transport.Limits{MaxMessageLen: 2000})
	r := NewRenderer(tr, "s1", frozenClock)

	err := feed(t, r,
		core.TextDeltaEvent{Delta: "The answer "},
		core.TextDeltaEvent{Delta: "is 4."},
		core.TurnDoneEvent{Text: "The answer is 4."},
	)
	require.NoError(t, err)

	require.NotEmpty(t, tr.ops)
	assert.Equal(t, "create", tr.ops[0].kind)
	last := tr.ops[len(tr.ops)-1]
	assert.Equal(t, "The answer is 4.", last.text)
}

func TestRendererThrottleLaw(t *testing.T) {
	tr := newFakeTransport(transport.Limits{MaxMessageLen: 2000})
	r := NewRenderer(tr, "s1", frozenClock, func(o *Options) {
		o.UpdateInterval = time.Minute
		o.MinUpdateChars = 100
	})

	err := feed(t, r,
		core.TextDeltaEvent{Delta: "a"},
		core.TextDeltaEvent{Delta: "b"},
		core.TextDeltaEvent{Delta: "c"},
		core.TurnDoneEvent{Text: "abc"},
	)
	require.NoError(t, err)

	// The first delta creates the placeholder; the remaining deltas are
	// throttled; the final event forces exactly one edit.
	assert.Equal(t, []string{"create", "edit"}, tr.opKinds())
	assert.Equal(t, "abc", tr.edits()[0].text)
}

func TestRendererIdempotentFinal(t *testing.T) {
	tr := newFakeTransport(transport.Limits{MaxMessageLen: 2000})
	r := NewRenderer(tr, "s1", frozenClock)

	err := feed(t, r,
		core.TextDeltaEvent{Delta: "done"},
		core.TurnDoneEvent{Text: "done"},
	)
	require.NoError(t, err)

	// The final text already matches the placeholder: no edit at all.
	assert.Equal(t, []string{"create"}, tr.opKinds())
}

func TestRendererToolIndicator(t *testing.T) {
	tr := newFakeTransport(transport.Limits{MaxMessageLen: 2000})
	r := NewRenderer(tr, "s1", frozenClock)

	err := feed(t, r,
		core.TextDeltaEvent{Delta: "Looking that up."},
		core.ToolStartEvent{CallID: "fc1", Name: "search"},
		core.ToolEndEvent{CallID: "fc1", Name: "search"},
		core.TurnDoneEvent{Text: "Found it."},
	)
	require.NoError(t, err)

	require.Equal(t, []string{"create", "edit", "edit", "edit"}, tr.opKinds())
	edits := tr.edits()
	assert.Contains(t, edits[0].text, "search")
	assert.Equal(t, "Looking that up.", edits[1].text)
	assert.Equal(t, "Found it.", edits[2].text)
}

func TestRendererToolBeforeAnyDelta(t *testing.T) {
	tr := newFakeTransport(transport.Limits{MaxMessageLen: 2000})
	r := NewRenderer(tr, "s1", frozenClock)

	err := feed(t, r,
		core.ToolStartEvent{CallID: "fc1", Name: "search"},
		core.ToolEndEvent{CallID: "fc1", Name: "search"},
		core.TurnDoneEvent{Text: "answer"},
	)
	require.NoError(t, err)

	// The placeholder carried the indicator; the tool-end cleared it, and
	// the final edit shows only the answer.
	assert.Contains(t, tr.ops[0].text, "search")
	for _, op := range tr.ops[1:] {
		assert.NotContains(t, op.text, "search")
	}
	last := tr.ops[len(tr.ops)-1]
	assert.Equal(t, "answer", last.text)
}

func TestRendererTrailingWindowWhileStreaming(t *testing.T) {
	tr := newFakeTransport(transport.Limits{MaxMessageLen: 10})
	r := NewRenderer(tr, "s1", frozenClock, func(o *Options) {
		o.MinUpdateChars = 1
		o.UpdateInterval = 0
	})

	err := feed(t, r, core.TextDeltaEvent{Delta: "0123456789ABCDEF"})
	require.NoError(t, err)

	require.Len(t, tr.ops, 1)
	view := tr.ops[0].text
	assert.LessOrEqual(t, len([]rune(view)), 10)
	assert.True(t, strings.HasPrefix(view, truncationMarker))
	assert.True(t, strings.HasSuffix(view, "ABCDEF"))
}

func TestRendererOverflowDelivery(t *testing.T) {
	tr := newFakeTransport(transport.Limits{MaxMessageLen: 10})
	r := NewRenderer(tr, "s1", frozenClock)

	final := "0123456789abcdefghijKLMNO" // 25 runes, limit 10 -> 3 chunks
	err := feed(t, r,
		core.TextDeltaEvent{Delta: "0123456789abcdefghij"},
		core.TurnDoneEvent{Text: final},
	)
	require.NoError(t, err)

	var sends []string
	deleted := false
	for _, op := range tr.ops {
		switch op.kind {
		case "send":
			sends = append(sends, op.text)
		case "delete":
			deleted = true
		}
	}
	assert.True(t, deleted, "placeholder should be discarded")
	require.Len(t, sends, 3)
	assert.Equal(t, final, strings.Join(sends, ""))
	for _, s := range sends {
		assert.LessOrEqual(t, len([]rune(s)), 10)
	}
}

func TestRendererOverflowDeleteFailureIgnored(t *testing.T) {
	tr := newFakeTransport(transport.Limits{MaxMessageLen: 10})
	tr.delErr = errors.New("message already gone")
	r := NewRenderer(tr, "s1", frozenClock)

	err := feed(t, r,
		core.TextDeltaEvent{Delta: "0123456789"},
		core.TurnDoneEvent{Text: strings.Repeat("x", 25)},
	)
	require.NoError(t, err)

	var sends int
	for _, op := range tr.ops {
		if op.kind == "send" {
			sends++
		}
	}
	assert.Equal(t, 3, sends)
}

func TestRendererEditFailureSwallowed(t *testing.T) {
	tr := newFakeTransport(transport.Limits{MaxMessageLen: 2000})
	tr.editErr = errors.New("rate limited")
	r := NewRenderer(tr, "s1", frozenClock)

	err := feed(t, r,
		core.TextDeltaEvent{Delta: "partial"},
		core.TurnDoneEvent{Text: "partial response, eventually complete"},
	)
	require.NoError(t, err)
}

func TestChunkText(t *testing.T) {
	assert.Equal(t, []string{"abc"}, chunkText("abc", 10))
	assert.Equal(t, []string{"ab", "cd"}, chunkText("abcd", 2))
	assert.Equal(t, []string{"ab", "cd", "e"}, chunkText("abcde", 2))

	// Rune boundaries survive chunking.
	chunks := chunkText("héllo wörld", 4)
	assert.Equal(t, "héllo wörld", strings.Join(chunks, ""))
	for _, c := range chunks {
		assert.LessOrEqual(t, len([]rune(c)), 4)
	}
}

func TestTrailingWindow(t *testing.T) {
	assert.Equal(t, "short", trailingWindow("short", 10))

	out := trailingWindow("0123456789", 5)
	assert.Equal(t, 5, len([]rune(out)))
	assert.True(t, strings.HasSuffix(out, "6789"))
}

func TestFlatten(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"bold", "this is **important** text", "this is important text"},
		{"heading", "# Title\n\nbody", "Title\n\nbody"},
		{"link", "see [docs](https://example.com)", "see docs (https://example.com)"},
		{"list", "- one\n- two", "- one\n- two"},
		{"code", "run:\n\n```\nls -la\n```", "run:\n\nls -la"},
		{"inline code", "use `go doc` for help", "use go doc for help"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Flatten(tt.in))
		})
	}
}
