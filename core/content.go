package core

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Conversation roles used throughout the system.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
	RoleSystem    = "system"
)

// Content holds one message of a conversation: a role plus ordered
// heterogeneous parts. Assistant content additionally records the model that
// produced it. Content values are treated as immutable once appended to a
// session.
type Content struct {
	Role    string    `json:"role"`
	Parts   []Part    `json:"parts"`
	Model   string    `json:"model,omitempty"` // Producing model, assistant role only
	Created time.Time `json:"created"`
}

// NewUserContent creates user content with a single text part.
func NewUserContent(text string) Content {
	return Content{Role: RoleUser, Parts: []Part{TextPart{Text: text}}, Created: time.Now().UTC()}
}

// NewAssistantContent creates assistant content from already-assembled parts.
func NewAssistantContent(model string, parts []Part) Content {
	return Content{Role: RoleAssistant, Parts: parts, Model: model, Created: time.Now().UTC()}
}

// NewToolContent wraps a single function response as tool-role content.
func NewToolContent(resp FunctionResponse) Content {
	return Content{
		Role:    RoleTool,
		Parts:   []Part{FunctionResponsePart{FunctionResponse: resp}},
		Created: time.Now().UTC(),
	}
}

// Text concatenates all text parts in order.
func (c Content) Text() string {
	var b strings.Builder
	for _, p := range c.Parts {
		if tp, ok := p.(TextPart); ok {
			b.WriteString(tp.Text)
		}
	}
	return b.String()
}

// FunctionCalls returns any function call parts preserving original order.
func (c Content) FunctionCalls() []FunctionCall {
	var calls []FunctionCall
	for _, p := range c.Parts {
		if fc, ok := p.(FunctionCallPart); ok {
			calls = append(calls, fc.FunctionCall)
		}
	}
	return calls
}

// FunctionResponses returns any function response parts preserving original order.
func (c Content) FunctionResponses() []FunctionResponse {
	var responses []FunctionResponse
	for _, p := range c.Parts {
		if fr, ok := p.(FunctionResponsePart); ok {
			responses = append(responses, fr.FunctionResponse)
		}
	}
	return responses
}

// NewID generates a unique identifier for sessions, jobs and correlation.
func NewID() string { return uuid.NewString() }
