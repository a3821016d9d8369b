package signalcli

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aupadhyay/smallbot/logging"
)

// client drives a signal-cli subprocess over stdin/stdout. Outbound
// requests use request-response correlation via a pending map; inbound
// message notifications are pushed to a channel.
type client struct {
	command string
	args    []string
	logger  logging.Logger

	cmd    *exec.Cmd
	stdin  io.WriteCloser
	reader *bufio.Reader

	nextID  atomic.Int64
	mu      sync.Mutex // protects pending + stdin writes
	pending map[int64]chan rpcResponse

	envelopes chan envelope
	done      chan struct{} // closed when the read loop exits
	waitErr   chan error    // receives cmd.Wait result exactly once
}

func newClient(command string, args []string, logger logging.Logger) *client {
	return &client{
		command:   command,
		args:      args,
		logger:    logger,
		pending:   make(map[int64]chan rpcResponse),
		envelopes: make(chan envelope, 64),
		done:      make(chan struct{}),
		waitErr:   make(chan error, 1),
	}
}

// start launches the subprocess and begins reading notifications. Must be
// called exactly once.
func (c *client) start(ctx context.Context) error {
	c.logger.Info("signal.subprocess.starting", "command", c.command)

	cmd := exec.CommandContext(ctx, c.command, c.args...)
	cmd.Env = os.Environ()

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("create stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		stdin.Close()
		return fmt.Errorf("create stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		stdin.Close()
		stdout.Close()
		return fmt.Errorf("create stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start signal-cli: %w", err)
	}

	c.cmd = cmd
	c.stdin = stdin
	c.reader = bufio.NewReaderSize(stdout, 1<<20)

	go c.drainStderr(stderr)
	go c.readLoop()
	go func() {
		err := cmd.Wait()
		if err != nil {
			c.logger.Error("signal.subprocess.exited", "error", err.Error())
		} else {
			c.logger.Info("signal.subprocess.exited")
		}
		c.waitErr <- err
	}()

	c.logger.Info("signal.subprocess.started", "pid", cmd.Process.Pid)
	return nil
}

// close shuts the subprocess down gracefully: close stdin to signal exit,
// then force-kill after a timeout.
func (c *client) close() error {
	if c.cmd == nil || c.cmd.Process == nil {
		return nil
	}
	if c.stdin != nil {
		c.stdin.Close()
	}
	select {
	case err := <-c.waitErr:
		return err
	case <-time.After(5 * time.Second):
		c.logger.Warn("signal.subprocess.kill", "pid", c.cmd.Process.Pid)
		_ = c.cmd.Process.Kill()
		<-c.waitErr
		return nil
	}
}

// call sends one JSON-RPC request and waits for its response.
func (c *client) call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	id := c.nextID.Add(1)
	ch := make(chan rpcResponse, 1)

	c.mu.Lock()
	c.pending[id] = ch

	data, err := json.Marshal(rpcRequest{
		JSONRPC: "2.0",
		ID:      id,
		Method:  method,
		Params:  params,
	})
	if err != nil {
		delete(c.pending, id)
		c.mu.Unlock()
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	if _, err := c.stdin.Write(append(data, '\n')); err != nil {
		delete(c.pending, id)
		c.mu.Unlock()
		return nil, fmt.Errorf("write to signal-cli stdin: %w", err)
	}
	c.mu.Unlock()

	select {
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return nil, ctx.Err()
	case resp := <-ch:
		if resp.Error != nil {
			return nil, resp.Error
		}
		return resp.Result, nil
	case <-c.done:
		return nil, fmt.Errorf("signal-cli subprocess exited")
	}
}

// readLoop routes responses to their pending channels and receive
// notifications to the envelope channel.
func (c *client) readLoop() {
	defer close(c.done)
	defer close(c.envelopes)

	for {
		line, err := c.reader.ReadBytes('\n')
		if err != nil {
			if err != io.EOF {
				c.logger.Error("signal.read.error", "error", err.Error())
			}
			c.mu.Lock()
			for id, ch := range c.pending {
				ch <- rpcResponse{Error: &rpcError{Code: -1, Message: "subprocess exited"}}
				delete(c.pending, id)
			}
			c.mu.Unlock()
			return
		}

		var raw rpcRaw
		if err := json.Unmarshal(line, &raw); err != nil {
			c.logger.Debug("signal.read.non_json", "line", string(line))
			continue
		}

		if raw.ID != nil {
			c.mu.Lock()
			ch, ok := c.pending[*raw.ID]
			if ok {
				delete(c.pending, *raw.ID)
			}
			c.mu.Unlock()
			if ok {
				ch <- rpcResponse{Result: raw.Result, Error: raw.Error}
			}
			continue
		}

		if raw.Method == "receive" {
			var notif receiveNotification
			if err := json.Unmarshal(raw.Params, &notif); err != nil {
				c.logger.Warn("signal.receive.malformed", "error", err.Error())
				continue
			}
			if notif.Envelope.DataMessage == nil {
				continue
			}
			select {
			case c.envelopes <- notif.Envelope:
			default:
				c.logger.Warn("signal.receive.dropped", "sender", notif.Envelope.Source)
			}
		}
	}
}

func (c *client) drainStderr(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 256*1024)
	for scanner.Scan() {
		c.logger.Debug("signal.stderr", "line", scanner.Text())
	}
}
