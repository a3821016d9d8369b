// Package agent implements the conversational turn loop: it repeatedly
// invokes the model with the working history, executes the tool calls the
// model requests, appends results, and terminates when a turn produces no
// tool calls.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/aupadhyay/smallbot/core"
	"github.com/aupadhyay/smallbot/logging"
	"github.com/aupadhyay/smallbot/model"
	"github.com/aupadhyay/smallbot/tool"
)

// ErrMaxTurns is returned when the model keeps requesting tools past the
// configured turn cap. It bounds runaway tool-calling; the caller reports it
// as a recoverable error.
var ErrMaxTurns = errors.New("maximum tool-calling turns exceeded")

// DefaultMaxTurns caps model invocations per user request.
const DefaultMaxTurns = 8

// Options holds configuration overrides for a Loop.
type Options struct {
	// MaxTurns limits model invocations per run.
	MaxTurns int
	// Logger receives structured progress events.
	Logger logging.Logger
}

// Loop drives multi-turn exchanges with one model over one tool registry.
// A Loop is stateless between runs and safe for concurrent use across
// sessions; within a session the caller must serialize runs.
type Loop struct {
	model    model.Model
	registry *tool.Registry
	maxTurns int
	logger   logging.Logger
}

// NewLoop constructs a turn loop with optional overrides.
func NewLoop(m model.Model, registry *tool.Registry, optFns ...func(o *Options)) *Loop {
	opts := Options{
		MaxTurns: DefaultMaxTurns,
		Logger:   logging.NoOpLogger{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Loop{
		model:    m,
		registry: registry,
		maxTurns: opts.MaxTurns,
		logger:   opts.Logger,
	}
}

// Sink receives each content appended during a run (the assistant message of
// every turn and every tool result, in order) so callers can persist the
// history as it grows. A sink error aborts the run.
type Sink func(c core.Content) error

// Run executes the loop without streaming and returns the final assistant
// text. Used by cron jobs and plugins, which need no live view.
func (l *Loop) Run(ctx context.Context, system string, history []core.Content) (string, error) {
	return l.run(ctx, system, history, false, nil, nil)
}

// RunStreaming executes the loop with a live event stream. Events are emitted
// in strict order: text deltas and tool start/end markers per turn, then a
// single TurnDoneEvent carrying the complete final text. Both returned
// channels are closed when the run finishes; a systemic failure (model or
// sink) surfaces on the error channel after the event channel closes.
func (l *Loop) RunStreaming(
	ctx context.Context,
	system string,
	history []core.Content,
	sink Sink,
) (<-chan core.StreamEvent, <-chan error) {
	events := make(chan core.StreamEvent, 64)
	errCh := make(chan error, 1)

	go func() {
		defer close(events)
		defer close(errCh)

		emit := func(ev core.StreamEvent) {
			select {
			case events <- ev:
			case <-ctx.Done():
			}
		}

		if _, err := l.run(ctx, system, history, true, emit, sink); err != nil {
			errCh <- err
		}
	}()

	return events, errCh
}

// run is the shared turn loop. The working history starts as a copy of the
// caller's history; the assistant message of each turn is appended exactly
// once, after the provider signals completion, and every requested tool call
// is answered by exactly one tool result appended in call order before the
// next model invocation.
func (l *Loop) run(
	ctx context.Context,
	system string,
	history []core.Content,
	stream bool,
	emit func(core.StreamEvent),
	sink Sink,
) (string, error) {
	working := make([]core.Content, len(history))
	copy(working, history)

	tools := l.definitions()

	for turn := 0; ; turn++ {
		if turn >= l.maxTurns {
			return "", fmt.Errorf("turn %d: %w", turn, ErrMaxTurns)
		}

		req := model.Request{
			System:   system,
			Contents: working,
			Tools:    tools,
			Stream:   stream,
		}

		respCh, errCh := l.model.Generate(ctx, req)

		var final *model.Response
		for resp := range respCh {
			if resp.Partial {
				if emit != nil {
					for _, p := range resp.Content.Parts {
						if tp, ok := p.(core.TextPart); ok && tp.Text != "" {
							emit(core.TextDeltaEvent{Delta: tp.Text})
						}
					}
				}
				continue
			}
			resp := resp
			final = &resp
		}
		if err, ok := <-errCh; ok && err != nil {
			return "", fmt.Errorf("model generation: %w", err)
		}
		if final == nil {
			return "", errors.New("model produced no final response")
		}

		assistant := final.Content
		if assistant.Role == "" {
			assistant.Role = core.RoleAssistant
		}
		if assistant.Model == "" {
			assistant.Model = l.model.Info().Name
		}
		if assistant.Created.IsZero() {
			assistant.Created = time.Now().UTC()
		}

		working = append(working, assistant)
		if sink != nil {
			if err := sink(assistant); err != nil {
				return "", fmt.Errorf("append assistant content: %w", err)
			}
		}

		calls := assistant.FunctionCalls()
		if len(calls) == 0 {
			text := assistant.Text()
			if emit != nil {
				emit(core.TurnDoneEvent{Text: text})
			}
			return text, nil
		}

		for _, call := range calls {
			if emit != nil {
				emit(core.ToolStartEvent{CallID: call.ID, Name: call.Name})
			}

			resp := l.executeCall(ctx, call)

			if emit != nil {
				emit(core.ToolEndEvent{CallID: call.ID, Name: call.Name, IsError: resp.IsError()})
			}

			content := core.NewToolContent(resp)
			working = append(working, content)
			if sink != nil {
				if err := sink(content); err != nil {
					return "", fmt.Errorf("append tool content: %w", err)
				}
			}
		}
	}
}

// executeCall resolves and runs one tool call. Unknown tools, malformed
// argument payloads and execution failures all yield an error-flagged
// response rather than aborting the loop, so the model can decide how to
// recover.
func (l *Loop) executeCall(ctx context.Context, call core.FunctionCall) core.FunctionResponse {
	resp := core.FunctionResponse{ID: call.ID, Name: call.Name}

	t, ok := l.registry.Lookup(call.Name)
	if !ok {
		l.logger.Warn("tool.call.unknown", "tool", call.Name, "fc_id", call.ID)
		resp.Error = fmt.Sprintf("unknown tool %q", call.Name)
		return resp
	}

	args := map[string]any{}
	if call.Arguments != "" {
		if err := json.Unmarshal([]byte(call.Arguments), &args); err != nil {
			l.logger.Warn("tool.call.bad_arguments", "tool", call.Name, "error", err.Error())
			resp.Error = fmt.Sprintf("invalid arguments JSON: %v", err)
			return resp
		}
	}

	l.logger.Debug("tool.call.start", "tool", call.Name, "fc_id", call.ID)
	start := time.Now()

	result, err := t.Call(ctx, args)
	if err != nil {
		l.logger.Error("tool.call.error", "tool", call.Name, "error", err.Error())
		resp.Error = err.Error()
		return resp
	}

	l.logger.Info("tool.call.success", "tool", call.Name, "duration_ms", time.Since(start).Milliseconds())

	resp.Response = serializeResult(result)
	return resp
}

// serializeResult renders a tool's return value for the model: strings pass
// through, everything else is JSON encoded.
func serializeResult(result any) string {
	switch v := result.(type) {
	case nil:
		return ""
	case string:
		return v
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(data)
	}
}

// definitions converts the registry's merged tool set into model declarations.
func (l *Loop) definitions() []model.ToolDefinition {
	all := l.registry.All()
	if len(all) == 0 {
		return nil
	}
	defs := make([]model.ToolDefinition, 0, len(all))
	for _, t := range all {
		defs = append(defs, model.ToolDefinition{
			Type: "function",
			Function: model.FunctionDefinition{
				Name:        t.Name(),
				Description: t.Description(),
				Parameters:  t.Parameters(),
			},
		})
	}
	return defs
}
