package agent

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aupadhyay/smallbot/core"
	"github.com/aupadhyay/smallbot/model"
	"github.com/aupadhyay/smallbot/tool"
)

// scriptedTurn describes one model invocation: optional streamed text deltas
// followed by the final assistant content.
type scriptedTurn struct {
	deltas []string
	final  core.Content
}

// scriptedModel is a deterministic model.Model that replays scripted turns
// and records every request it receives.
type scriptedModel struct {
	mu       sync.Mutex
	turns    []scriptedTurn
	next     int
	requests []model.Request
	err      error // returned instead of the first turn when set
}

func (m *scriptedModel) Generate(ctx context.Context, req model.Request) (<-chan model.Response, <-chan error) {
	respCh := make(chan model.Response, 16)
	errCh := make(chan error, 1)

	m.mu.Lock()
	m.requests = append(m.requests, req)
	turnIdx := m.next
	m.next++
	m.mu.Unlock()

	go func() {
		defer close(respCh)
		defer close(errCh)

		if m.err != nil {
			errCh <- m.err
			return
		}
		if turnIdx >= len(m.turns) {
			errCh <- errors.New("scripted model exhausted")
			return
		}

		turn := m.turns[turnIdx]
		if req.Stream {
			for _, d := range turn.deltas {
				respCh <- model.Response{
					Partial: true,
					Content: core.Content{Role: core.RoleAssistant, Parts: []core.Part{core.TextPart{Text: d}}},
				}
			}
		}
		respCh <- model.Response{Partial: false, Content: turn.final, FinishReason: "stop"}
	}()

	return respCh, errCh
}

func (m *scriptedModel) Info() model.Info {
	return model.Info{Name: "scripted", Provider: "mock", SupportsTools: true}
}

func (m *scriptedModel) recorded() []model.Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]model.Request, len(m.requests))
	copy(out, m.requests)
	return out
}

func assistantText(text string) core.Content {
	return core.Content{Role: core.RoleAssistant, Parts: []core.Part{core.TextPart{Text: text}}}
}

func assistantCalling(text string, calls ...core.FunctionCall) core.Content {
	parts := []core.Part{}
	if text != "" {
		parts = append(parts, core.TextPart{Text: text})
	}
	for _, c := range calls {
		parts = append(parts, core.FunctionCallPart{FunctionCall: c})
	}
	return core.Content{Role: core.RoleAssistant, Parts: parts}
}

func echoRegistry(t *testing.T) *tool.Registry {
	t.Helper()
	r := tool.NewRegistry()
	require.NoError(t, r.Register(tool.NewFunctionTool(
		"echo", "Echo the input back",
		map[string]any{
			"type": "object",
			"properties": map[string]any{
				"text": map[string]any{"type": "string"},
			},
			"required": []string{"text"},
		},
		func(ctx context.Context, args map[string]any) (any, error) {
			return args["text"], nil
		},
	)))
	return r
}

func collect(t *testing.T, events <-chan core.StreamEvent, errCh <-chan error) ([]core.StreamEvent, error) {
	t.Helper()
	var out []core.StreamEvent
	for ev := range events {
		out = append(out, ev)
	}
	if err, ok := <-errCh; ok {
		return out, err
	}
	return out, nil
}

func TestRunNoToolCalls(t *testing.T) {
	m := &scriptedModel{turns: []scriptedTurn{{final: assistantText("4")}}}
	loop := NewLoop(m, tool.NewRegistry())

	text, err := loop.Run(context.Background(), "be brief", []core.Content{core.NewUserContent("what's 2+2")})
	require.NoError(t, err)
	assert.Equal(t, "4", text)

	reqs := m.recorded()
	require.Len(t, reqs, 1)
	assert.Equal(t, "be brief", reqs[0].System)
	assert.False(t, reqs[0].Stream)
}

func TestRunToolCallThenAnswer(t *testing.T) {
	m := &scriptedModel{turns: []scriptedTurn{
		{final: assistantCalling("", core.FunctionCall{ID: "fc1", Name: "echo", Arguments: `{"text":"ping"}`})},
		{final: assistantText("pong")},
	}}
	loop := NewLoop(m, echoRegistry(t))

	var appended []core.Content
	events, errCh := loop.RunStreaming(context.Background(), "", []core.Content{core.NewUserContent("go")},
		func(c core.Content) error { appended = append(appended, c); return nil })

	evs, err := collect(t, events, errCh)
	require.NoError(t, err)

	// assistant(turn1), tool result, assistant(turn2)
	require.Len(t, appended, 3)
	assert.Equal(t, core.RoleAssistant, appended[0].Role)
	assert.Equal(t, core.RoleTool, appended[1].Role)
	assert.Equal(t, core.RoleAssistant, appended[2].Role)

	responses := appended[1].FunctionResponses()
	require.Len(t, responses, 1)
	assert.Equal(t, "fc1", responses[0].ID)
	assert.Equal(t, "ping", responses[0].Response)
	assert.False(t, responses[0].IsError())

	// The second model invocation saw the tool result
	reqs := m.recorded()
	require.Len(t, reqs, 2)
	last := reqs[1].Contents[len(reqs[1].Contents)-1]
	assert.Equal(t, core.RoleTool, last.Role)

	// Event ordering: tool start, tool end, turn done
	var kinds []string
	for _, ev := range evs {
		switch ev.(type) {
		case core.ToolStartEvent:
			kinds = append(kinds, "start")
		case core.ToolEndEvent:
			kinds = append(kinds, "end")
		case core.TurnDoneEvent:
			kinds = append(kinds, "done")
		}
	}
	assert.Equal(t, []string{"start", "end", "done"}, kinds)

	done, ok := evs[len(evs)-1].(core.TurnDoneEvent)
	require.True(t, ok)
	assert.Equal(t, "pong", done.Text)
}

func TestRunInvalidArgumentsYieldsErrorResult(t *testing.T) {
	m := &scriptedModel{turns: []scriptedTurn{
		{final: assistantCalling("", core.FunctionCall{ID: "fc1", Name: "echo", Arguments: `{"text":7}`})},
		{final: assistantText("sorry")},
	}}
	loop := NewLoop(m, echoRegistry(t))

	var appended []core.Content
	_, errCh := loop.RunStreaming(context.Background(), "", []core.Content{core.NewUserContent("go")},
		func(c core.Content) error { appended = append(appended, c); return nil })
	for err := range errCh {
		require.NoError(t, err)
	}

	require.Len(t, appended, 3)
	responses := appended[1].FunctionResponses()
	require.Len(t, responses, 1)
	assert.Equal(t, "fc1", responses[0].ID)
	assert.True(t, responses[0].IsError())
	assert.Contains(t, responses[0].Error, "validation")

	// Loop performed a second invocation with the updated history
	assert.Len(t, m.recorded(), 2)
}

func TestRunUnknownToolYieldsErrorResult(t *testing.T) {
	m := &scriptedModel{turns: []scriptedTurn{
		{final: assistantCalling("", core.FunctionCall{ID: "fc1", Name: "no_such_tool", Arguments: `{}`})},
		{final: assistantText("ok")},
	}}
	loop := NewLoop(m, echoRegistry(t))

	text, err := loop.Run(context.Background(), "", []core.Content{core.NewUserContent("go")})
	require.NoError(t, err)
	assert.Equal(t, "ok", text)

	// The second request carries an error-flagged result for the unknown tool
	reqs := m.recorded()
	require.Len(t, reqs, 2)
	last := reqs[1].Contents[len(reqs[1].Contents)-1]
	responses := last.FunctionResponses()
	require.Len(t, responses, 1)
	assert.True(t, responses[0].IsError())
	assert.Contains(t, responses[0].Error, "unknown tool")
}

func TestRunToolResultsPreserveCallOrder(t *testing.T) {
	registry := echoRegistry(t)
	require.NoError(t, registry.Register(tool.NewFunctionTool(
		"always_fails", "Always fails",
		map[string]any{"type": "object", "properties": map[string]any{}},
		func(ctx context.Context, args map[string]any) (any, error) {
			return nil, errors.New("boom")
		},
	)))

	m := &scriptedModel{turns: []scriptedTurn{
		{final: assistantCalling("",
			core.FunctionCall{ID: "fc1", Name: "echo", Arguments: `{"text":"one"}`},
			core.FunctionCall{ID: "fc2", Name: "always_fails", Arguments: `{}`},
			core.FunctionCall{ID: "fc3", Name: "echo", Arguments: `{"text":"three"}`},
		)},
		{final: assistantText("done")},
	}}
	loop := NewLoop(m, registry)

	var appended []core.Content
	_, errCh := loop.RunStreaming(context.Background(), "", []core.Content{core.NewUserContent("go")},
		func(c core.Content) error { appended = append(appended, c); return nil })
	for err := range errCh {
		require.NoError(t, err)
	}

	// assistant + three tool results + final assistant
	require.Len(t, appended, 5)
	var ids []string
	for _, c := range appended[1:4] {
		responses := c.FunctionResponses()
		require.Len(t, responses, 1)
		ids = append(ids, responses[0].ID)
	}
	assert.Equal(t, []string{"fc1", "fc2", "fc3"}, ids)
	assert.True(t, appended[2].FunctionResponses()[0].IsError())
}

func TestRunMaxTurnsGuard(t *testing.T) {
	// A model that requests a tool on every turn never terminates on its own.
	turns := make([]scriptedTurn, 20)
	for i := range turns {
		turns[i] = scriptedTurn{final: assistantCalling("",
			core.FunctionCall{ID: "fc", Name: "echo", Arguments: `{"text":"again"}`})}
	}
	m := &scriptedModel{turns: turns}
	loop := NewLoop(m, echoRegistry(t), func(o *Options) { o.MaxTurns = 3 })

	_, err := loop.Run(context.Background(), "", []core.Content{core.NewUserContent("go")})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrMaxTurns)
	assert.Len(t, m.recorded(), 3)
}

func TestRunModelErrorEscalates(t *testing.T) {
	m := &scriptedModel{err: errors.New("connection refused")}
	loop := NewLoop(m, tool.NewRegistry())

	_, err := loop.Run(context.Background(), "", []core.Content{core.NewUserContent("hi")})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection refused")
}

func TestRunStreamingTextDeltas(t *testing.T) {
	m := &scriptedModel{turns: []scriptedTurn{
		{deltas: []string{"Hel", "lo"}, final: assistantText("Hello")},
	}}
	loop := NewLoop(m, tool.NewRegistry())

	events, errCh := loop.RunStreaming(context.Background(), "", []core.Content{core.NewUserContent("hi")}, nil)
	evs, err := collect(t, events, errCh)
	require.NoError(t, err)

	var text string
	for _, ev := range evs {
		if d, ok := ev.(core.TextDeltaEvent); ok {
			text += d.Delta
		}
	}
	assert.Equal(t, "Hello", text)

	done, ok := evs[len(evs)-1].(core.TurnDoneEvent)
	require.True(t, ok)
	assert.Equal(t, "Hello", done.Text)
}

func TestRunSinkErrorAborts(t *testing.T) {
	m := &scriptedModel{turns: []scriptedTurn{{final: assistantText("hi")}}}
	loop := NewLoop(m, tool.NewRegistry())

	_, errCh := loop.RunStreaming(context.Background(), "", []core.Content{core.NewUserContent("hi")},
		func(c core.Content) error { return errors.New("store closed") })

	var got error
	for err := range errCh {
		got = err
	}
	require.Error(t, got)
	assert.Contains(t, got.Error(), "store closed")
}

func TestSerializeResult(t *testing.T) {
	assert.Equal(t, "plain", serializeResult("plain"))
	assert.Equal(t, "", serializeResult(nil))

	out := serializeResult(map[string]any{"a": 1})
	var decoded map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &decoded))
	assert.Equal(t, float64(1), decoded["a"])
}
