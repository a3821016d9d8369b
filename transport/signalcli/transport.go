package signalcli

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/aupadhyay/smallbot/logging"
	"github.com/aupadhyay/smallbot/transport"
)

const (
	// maxMessageLen mirrors the long-text threshold Signal clients display
	// inline without converting to an attachment.
	maxMessageLen = 2000

	minEditInterval = time.Second

	// lastTextCap bounds the edit idempotence cache. Entries only matter
	// while a turn's renderer is still editing its placeholder, so old ones
	// are disposable.
	lastTextCap = 256
)

// Options configures the signal-cli transport.
type Options struct {
	// Command is the signal-cli binary.
	Command string

	Logger logging.Logger
}

// Transport delivers chat over Signal. Message identity is the send
// timestamp; edits re-send with editTimestamp targeting it, deletes use
// remoteDelete. The conversation session id is the peer's phone number.
type Transport struct {
	account string
	client  *client
	logger  logging.Logger

	mu       sync.Mutex
	lastText map[string]string // messageID -> last delivered text

	inbound chan transport.Message
}

var _ transport.Transport = (*Transport)(nil)

// New builds the transport for a registered account.
func New(account string, optFns ...func(o *Options)) *Transport {
	opts := Options{
		Command: "signal-cli",
		Logger:  logging.NoOpLogger{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}

	args := []string{"-a", account, "jsonRpc"}
	return &Transport{
		account:  account,
		client:   newClient(opts.Command, args, opts.Logger),
		logger:   opts.Logger,
		lastText: make(map[string]string),
		inbound:  make(chan transport.Message, 16),
	}
}

func (t *Transport) Name() string { return "signal" }

// Run launches the subprocess and pumps inbound data messages until ctx
// is cancelled or the subprocess exits.
func (t *Transport) Run(ctx context.Context) error {
	if err := t.client.start(ctx); err != nil {
		return err
	}
	defer close(t.inbound)
	defer t.client.close()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case env, ok := <-t.client.envelopes:
			if !ok {
				return fmt.Errorf("signal-cli subprocess exited")
			}
			sessionID := env.SourceNumber
			if sessionID == "" {
				sessionID = env.Source
			}
			if env.DataMessage.GroupInfo != nil {
				// Group chats are keyed by group id so every member
				// shares one conversation.
				sessionID = "group:" + env.DataMessage.GroupInfo.GroupID
			}
			msg := transport.Message{
				SessionID: sessionID,
				Sender:    env.Source,
				Text:      env.DataMessage.Message,
				Received:  time.UnixMilli(env.Timestamp),
			}
			select {
			case t.inbound <- msg:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}

func (t *Transport) Receive() <-chan transport.Message { return t.inbound }

func (t *Transport) CreateMessage(ctx context.Context, sessionID, text string) (string, error) {
	return t.SendMessage(ctx, sessionID, text)
}

// EditMessage re-sends the text targeting the original send timestamp,
// which Signal clients display as an in-place edit.
func (t *Transport) EditMessage(ctx context.Context, sessionID, messageID, text string) error {
	t.mu.Lock()
	if t.lastText[messageID] == text {
		t.mu.Unlock()
		return transport.ErrUnchanged
	}
	t.mu.Unlock()

	ts, err := strconv.ParseInt(messageID, 10, 64)
	if err != nil {
		return fmt.Errorf("bad message id %q: %w", messageID, err)
	}

	params := recipientParams(sessionID)
	params["message"] = text
	params["editTimestamp"] = ts

	if _, err := t.client.call(ctx, "send", params); err != nil {
		return fmt.Errorf("signal edit: %w", err)
	}

	t.rememberText(messageID, text)
	return nil
}

// rememberText records the last delivered text per message, evicting
// arbitrary old entries once the cache is full.
func (t *Transport) rememberText(id, text string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.lastText[id]; !ok && len(t.lastText) >= lastTextCap {
		for k := range t.lastText {
			delete(t.lastText, k)
			break
		}
	}
	t.lastText[id] = text
}

func (t *Transport) SendMessage(ctx context.Context, sessionID, text string) (string, error) {
	params := recipientParams(sessionID)
	params["message"] = text

	raw, err := t.client.call(ctx, "send", params)
	if err != nil {
		return "", fmt.Errorf("signal send: %w", err)
	}

	var result sendResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return "", fmt.Errorf("unmarshal send result: %w", err)
	}
	id := strconv.FormatInt(result.Timestamp, 10)

	t.rememberText(id, text)
	return id, nil
}

func (t *Transport) DeleteMessage(ctx context.Context, sessionID, messageID string) error {
	ts, err := strconv.ParseInt(messageID, 10, 64)
	if err != nil {
		return fmt.Errorf("bad message id %q: %w", messageID, err)
	}

	params := recipientParams(sessionID)
	params["targetTimestamp"] = ts

	if _, err := t.client.call(ctx, "remoteDelete", params); err != nil {
		return fmt.Errorf("signal delete: %w", err)
	}

	t.mu.Lock()
	delete(t.lastText, messageID)
	t.mu.Unlock()
	return nil
}

func (t *Transport) Typing(ctx context.Context, sessionID string, active bool) error {
	params := recipientParams(sessionID)
	if !active {
		params["stop"] = true
	}
	if _, err := t.client.call(ctx, "sendTyping", params); err != nil {
		return fmt.Errorf("signal typing: %w", err)
	}
	return nil
}

func (t *Transport) Limits() transport.Limits {
	return transport.Limits{
		MaxMessageLen:   maxMessageLen,
		MinEditInterval: minEditInterval,
	}
}

// recipientParams routes to a direct recipient or a group depending on the
// session id shape.
func recipientParams(sessionID string) map[string]any {
	if gid, ok := strings.CutPrefix(sessionID, "group:"); ok {
		return map[string]any{"groupId": gid}
	}
	return map[string]any{"recipient": []string{sessionID}}
}
