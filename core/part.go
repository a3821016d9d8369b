package core

// Part represents a polymorphic segment of role-based content. Concrete part
// types implement the unexported isPart marker enabling a closed set.
type Part interface{ isPart() }

// TextPart is a plain text content segment.
type TextPart struct {
	Text string // Plain UTF-8 text
}

func (TextPart) isPart() {}

// FilePart is a binary attachment segment (image, document, audio clip).
type FilePart struct {
	Name     string // Original filename hint
	MimeType string // e.g. "image/png"
	Data     []byte // Raw bytes
}

func (FilePart) isPart() {}

// FunctionCall describes a tool invocation request issued by the model.
type FunctionCall struct {
	ID        string `json:"id"`                  // Unique within the turn, assigned by the provider
	Name      string `json:"name"`                // Tool name
	Arguments string `json:"arguments,omitempty"` // Serialized JSON argument payload
}

// FunctionCallPart wraps a FunctionCall as a content part.
type FunctionCallPart struct {
	FunctionCall FunctionCall
}

func (FunctionCallPart) isPart() {}

// FunctionResponse describes the outcome of a function call. Every
// FunctionCall the model emits must be answered by exactly one
// FunctionResponse in the appended history; failures set Error rather than
// omitting the response.
type FunctionResponse struct {
	ID       string `json:"id"`              // Matches originating FunctionCall ID
	Name     string `json:"name"`            // Function name
	Response string `json:"response"`        // Serialized result content
	Error    string `json:"error,omitempty"` // Populated on failure
}

// IsError reports whether the response records a failure.
func (r FunctionResponse) IsError() bool { return r.Error != "" }

// FunctionResponsePart wraps a FunctionResponse as a content part.
type FunctionResponsePart struct {
	FunctionResponse FunctionResponse
}

func (FunctionResponsePart) isPart() {}
