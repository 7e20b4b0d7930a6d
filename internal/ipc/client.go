package ipc

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
)

// ErrNotConnected is returned for requests attempted while fully
// disconnected; such requests fail fast instead of hanging.
var ErrNotConnected = errors.New("ipc: daemon not connected")

// State is the client readiness ladder: a request may be attempted
// best-effort once merely Connected, and is rejected while Disconnected.
type State int

const (
	StateDisconnected State = iota
	StateConnected
	StateReady
)

func (s State) String() string {
	switch s {
	case StateConnected:
		return "connected"
	case StateReady:
		return "ready"
	default:
		return "disconnected"
	}
}

// Client is one persistent IPC connection to the daemon.
type Client struct {
	mu      sync.Mutex
	conn    net.Conn
	writer  *bufio.Writer
	state   State
	seq     uint64
	pending map[uint64]chan *Message
	welcome *Welcome
	readyCh chan struct{}
	onPush  func(*Message)
}

// Dial opens the socket and starts the read loop. The returned client is in
// the Connected state; it becomes Ready once the daemon's welcome arrives.
func Dial(socketPath string) (*Client, error) {
	conn, err := net.Dial("unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("ipc: dial %s: %w", socketPath, err)
	}
	c := &Client{
		conn:    conn,
		writer:  bufio.NewWriter(conn),
		state:   StateConnected,
		pending: make(map[uint64]chan *Message),
		readyCh: make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

// SetOnPush registers the sink for asynchronous daemon pushes.
func (c *Client) SetOnPush(fn func(*Message)) {
	c.mu.Lock()
	c.onPush = fn
	c.mu.Unlock()
}

// State reports the current readiness state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Welcome returns the handshake payload once Ready.
func (c *Client) Welcome() *Welcome {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.welcome
}

// WaitReady blocks until the welcome handshake completes.
func (c *Client) WaitReady(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-c.readyCh:
		return nil
	}
}

// Do sends one request and waits for its correlated response.
func (c *Client) Do(ctx context.Context, msgType MessageType, payload any) (*Message, error) {
	c.mu.Lock()
	if c.state == StateDisconnected {
		c.mu.Unlock()
		return nil, ErrNotConnected
	}
	c.seq++
	seq := c.seq
	ch := make(chan *Message, 1)
	c.pending[seq] = ch

	msg := Message{Type: msgType, Seq: seq}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			delete(c.pending, seq)
			c.mu.Unlock()
			return nil, fmt.Errorf("ipc: encode payload: %w", err)
		}
		msg.Payload = raw
	}
	err := c.writeLocked(&msg)
	c.mu.Unlock()
	if err != nil {
		c.removePending(seq)
		return nil, err
	}

	select {
	case <-ctx.Done():
		c.removePending(seq)
		return nil, ctx.Err()
	case res, ok := <-ch:
		if !ok {
			return nil, ErrNotConnected
		}
		if res.Error != "" {
			return res, fmt.Errorf("ipc: %s", res.Error)
		}
		return res, nil
	}
}

func (c *Client) writeLocked(msg *Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("ipc: encode message: %w", err)
	}
	if _, err := c.writer.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("ipc: write: %w", err)
	}
	return c.writer.Flush()
}

func (c *Client) removePending(seq uint64) {
	c.mu.Lock()
	delete(c.pending, seq)
	c.mu.Unlock()
}

func (c *Client) readLoop() {
	scanner := bufio.NewScanner(c.conn)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		var msg Message
		if err := json.Unmarshal(scanner.Bytes(), &msg); err != nil {
			continue
		}
		switch msg.Type {
		case TypeWelcome:
			var welcome Welcome
			_ = json.Unmarshal(msg.Payload, &welcome)
			c.mu.Lock()
			c.welcome = &welcome
			if c.state == StateConnected {
				c.state = StateReady
				close(c.readyCh)
			}
			c.mu.Unlock()
		case TypeRoutesUpdated, TypeServerStarted:
			c.mu.Lock()
			onPush := c.onPush
			c.mu.Unlock()
			if onPush != nil {
				onPush(&msg)
			}
		default:
			c.mu.Lock()
			ch, ok := c.pending[msg.Seq]
			if ok {
				delete(c.pending, msg.Seq)
			}
			c.mu.Unlock()
			if ok {
				ch <- &msg
			}
		}
	}
	c.teardown()
}

func (c *Client) teardown() {
	c.mu.Lock()
	c.state = StateDisconnected
	for seq, ch := range c.pending {
		close(ch)
		delete(c.pending, seq)
	}
	c.mu.Unlock()
}

// Close tears the connection down. Pending requests fail with
// ErrNotConnected.
func (c *Client) Close() error {
	c.mu.Lock()
	conn := c.conn
	c.state = StateDisconnected
	c.mu.Unlock()
	if conn != nil {
		return conn.Close()
	}
	return nil
}
