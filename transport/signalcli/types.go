// Package signalcli delivers chat over Signal by driving a signal-cli
// subprocess in jsonRpc mode. Message edits map onto Signal's edit
// mechanism, so the live view updates in place on the recipient's device.
package signalcli

import (
	"encoding/json"
	"fmt"
)

// envelope is the payload signal-cli pushes for each received event.
// Only data messages are surfaced; typing indicators, receipts and sync
// events are informational.
type envelope struct {
	Source       string `json:"source"`
	SourceNumber string `json:"sourceNumber"`
	SourceName   string `json:"sourceName"`
	Timestamp    int64  `json:"timestamp"`

	DataMessage *dataMessage `json:"dataMessage,omitempty"`
}

type dataMessage struct {
	Timestamp int64      `json:"timestamp"`
	Message   string     `json:"message"`
	GroupInfo *groupInfo `json:"groupInfo,omitempty"`
}

type groupInfo struct {
	GroupID string `json:"groupId"`
}

// receiveNotification is the JSON-RPC notification payload for method
// "receive".
type receiveNotification struct {
	Envelope envelope `json:"envelope"`
}

// sendResult is the response payload from a successful "send" call. The
// timestamp doubles as the message identity for later edits and deletes.
type sendResult struct {
	Timestamp int64 `json:"timestamp"`
}

// rpcRequest is a JSON-RPC 2.0 request written to signal-cli's stdin.
type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int64  `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

// rpcError is a JSON-RPC 2.0 error object.
type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func (e *rpcError) Error() string {
	return fmt.Sprintf("signal-cli rpc error %d: %s", e.Code, e.Message)
}

// rpcRaw distinguishes responses (have an id) from notifications (have a
// method) on the subprocess stdout.
type rpcRaw struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *int64          `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

// rpcResponse pairs a raw result with an optional error for delivery
// through the pending channel.
type rpcResponse struct {
	Result json.RawMessage
	Error  *rpcError
}
