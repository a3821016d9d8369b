package core

// StreamEvent is the discriminated union emitted by a streaming turn in
// strict temporal order. Concrete event types implement the unexported
// isStreamEvent marker enabling a closed set; consumers switch on the
// concrete type.
type StreamEvent interface{ isStreamEvent() }

// TextDeltaEvent carries an incremental fragment of the assistant's text.
// Delta is the new fragment only; consumers accumulate.
type TextDeltaEvent struct {
	Delta string
}

func (TextDeltaEvent) isStreamEvent() {}

// ToolStartEvent signals that a requested tool is about to execute.
type ToolStartEvent struct {
	CallID string
	Name   string
}

func (ToolStartEvent) isStreamEvent() {}

// ToolEndEvent signals that a tool finished (successfully or not). IsError
// mirrors the error flag of the appended function response.
type ToolEndEvent struct {
	CallID  string
	Name    string
	IsError bool
}

func (ToolEndEvent) isStreamEvent() {}

// TurnDoneEvent is the terminal event of a turn sequence. Text carries the
// complete final assistant text.
type TurnDoneEvent struct {
	Text string
}

func (TurnDoneEvent) isStreamEvent() {}
