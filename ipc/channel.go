// Package ipc implements the line-framed JSON request/response protocol
// spoken between the test scheduler and the backend process.
//
// The protocol is deliberately synchronous: exactly one request may be
// outstanding at a time and the caller blocks until the peer answers. A
// read or write failure is treated as loss of the peer and is never retried.
package ipc

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/ethereum/go-ethereum/log"
	"github.com/pkg/errors"

	"github.com/pdostal/os-autoinst/metrics"
)

// Request is a single decoded protocol message. Every message carries a
// "cmd" field; the remaining fields are command-specific.
type Request map[string]any

// Cmd returns the command name of the request, or "" if absent.
func (r Request) Cmd() string {
	cmd, _ := r["cmd"].(string)
	return cmd
}

// String returns the string value stored under key, or "".
func (r Request) String(key string) string {
	s, _ := r[key].(string)
	return s
}

// Bool returns the boolean value stored under key. JSON numbers are
// accepted too, matching the loose truthiness of the wire peers.
func (r Request) Bool(key string) bool {
	switch v := r[key].(type) {
	case bool:
		return v
	case float64:
		return v != 0
	case string:
		return v != "" && v != "0"
	}
	return false
}

// Response is the decoded answer to a request. The peer wraps its payload
// in a "ret" field; errors come back under "error".
type Response map[string]any

// Ret returns the raw payload of the response.
func (r Response) Ret() any {
	return r["ret"]
}

// RetBool interprets the payload as a boolean.
func (r Response) RetBool() bool {
	switch v := r["ret"].(type) {
	case bool:
		return v
	case float64:
		return v != 0
	case string:
		return v != "" && v != "0"
	}
	return false
}

// RetString interprets the payload as a string, returning "" for
// anything that is not one.
func (r Response) RetString() string {
	s, _ := r["ret"].(string)
	return s
}

// ChannelError reports an I/O failure on the channel. It signals loss of
// the peer; callers must treat it as fatal to the run.
type ChannelError struct {
	Op  string
	Err error
}

func (e *ChannelError) Error() string {
	return fmt.Sprintf("ipc channel failed during %s: %v", e.Op, e.Err)
}

func (e *ChannelError) Unwrap() error {
	return e.Err
}

// IsChannelError checks if the error is or wraps a ChannelError.
func IsChannelError(err error) bool {
	var chErr *ChannelError
	return err != nil && errors.As(err, &chErr)
}

// Channel is one end of the duplex byte stream. It serializes callers so
// that only one request is ever in flight.
type Channel struct {
	conn io.ReadWriteCloser
	br   *bufio.Reader
	enc  *json.Encoder
	dec  *json.Decoder
	log  log.Logger

	mu sync.Mutex
}

// NewChannel wraps a connected byte-stream endpoint.
func NewChannel(conn io.ReadWriteCloser, logger log.Logger) *Channel {
	if logger == nil {
		logger = log.New()
		logger.Error("No logger provided, using default")
	}
	br := bufio.NewReader(conn)
	return &Channel{
		conn: conn,
		br:   br,
		enc:  json.NewEncoder(conn),
		dec:  json.NewDecoder(br),
		log:  logger,
	}
}

// Call sends a command with the given arguments and blocks until the peer
// answers. Only one call may be outstanding; concurrent callers queue.
func (c *Channel) Call(cmd string, args map[string]any) (Response, error) {
	req := Request{"cmd": cmd}
	for k, v := range args {
		req[k] = v
	}
	return c.CallRaw(req)
}

// CallRaw sends an already assembled request and waits for the answer.
func (c *Channel) CallRaw(req Request) (Response, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	cmd := req.Cmd()
	if cmd == "" {
		return nil, errors.New("ipc request is missing a cmd field")
	}
	metrics.RecordIPCRequest(cmd)

	c.log.Debug("IPC request", "cmd", cmd)
	if err := c.enc.Encode(req); err != nil {
		metrics.RecordErrorDetails("ipc_write", err)
		return nil, &ChannelError{Op: "write " + cmd, Err: err}
	}

	var resp Response
	if err := c.dec.Decode(&resp); err != nil {
		metrics.RecordErrorDetails("ipc_read", err)
		return nil, &ChannelError{Op: "read " + cmd, Err: err}
	}
	if msg, ok := resp["error"].(string); ok && msg != "" {
		return resp, errors.Errorf("backend refused %s: %s", cmd, msg)
	}
	return resp, nil
}

// Notify sends a message without waiting for an answer. Used for the final
// fire-and-forget status report just before the channel is closed.
func (c *Channel) Notify(cmd string, args map[string]any) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	req := Request{"cmd": cmd}
	for k, v := range args {
		req[k] = v
	}
	metrics.RecordIPCRequest(cmd)
	if err := c.enc.Encode(req); err != nil {
		metrics.RecordErrorDetails("ipc_write", err)
		return &ChannelError{Op: "write " + cmd, Err: err}
	}
	return nil
}

// ReadHandshake blocks until one newline-terminated line arrives from the
// peer. io.EOF means the peer closed the channel before handshaking.
func (c *Channel) ReadHandshake() (string, error) {
	line, err := c.br.ReadString('\n')
	if err != nil {
		return "", err
	}
	return line, nil
}

// WriteHandshake sends the start line that releases a waiting peer.
func (c *Channel) WriteHandshake(line string) error {
	if _, err := io.WriteString(c.conn, line+"\n"); err != nil {
		return &ChannelError{Op: "handshake", Err: err}
	}
	return nil
}

// Close closes the underlying endpoint.
func (c *Channel) Close() error {
	return c.conn.Close()
}
