// Package browser implements the instrumentation collaborator: a Chrome
// DevTools Protocol session that sniffs WebSocket frames and console lines
// from the rendered game page and polls the DOM for game state.
//
// The rest of the pipeline only ever sees (timestamp, payload, channel)
// tuples and classifier samples; how they are obtained stays in here.
package browser

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rewired-gh/rugscope/internal/logger"
	"github.com/rewired-gh/rugscope/internal/models"
)

// FrameHandler receives every captured raw payload in arrival order.
type FrameHandler func(frame models.RawFrame)

type cdpRequest struct {
	ID     int64  `json:"id"`
	Method string `json:"method"`
	Params any    `json:"params,omitempty"`
}

type cdpMessage struct {
	ID     int64           `json:"id,omitempty"`
	Method string          `json:"method,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *cdpError       `json:"error,omitempty"`
}

type cdpError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Client is a single CDP session over one websocket connection.
type Client struct {
	debuggerURL      string
	handshakeTimeout time.Duration
	readLimit        int64
	onFrame          FrameHandler

	conn    *websocket.Conn
	writeMu sync.Mutex

	mu      sync.Mutex
	nextID  int64
	pending map[int64]chan cdpMessage
}

// NewClient creates a client for the given DevTools websocket endpoint.
func NewClient(debuggerURL string, handshakeTimeout time.Duration, readLimit int64, onFrame FrameHandler) *Client {
	return &Client{
		debuggerURL:      debuggerURL,
		handshakeTimeout: handshakeTimeout,
		readLimit:        readLimit,
		onFrame:          onFrame,
		pending:          make(map[int64]chan cdpMessage),
	}
}

// Connect dials the debugger endpoint and enables the domains the sniffer
// needs. The read loop must be started separately via Run.
func (c *Client) Connect(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: c.handshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, c.debuggerURL, nil)
	if err != nil {
		return fmt.Errorf("failed to dial debugger endpoint: %w", err)
	}
	conn.SetReadLimit(c.readLimit)
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	return nil
}

// Run reads the session until the context is cancelled or the connection
// drops, dispatching events to the frame handler and responses to waiters.
// The read loop must be running before any command is issued, since command
// responses arrive over the same connection.
func (c *Client) Run(ctx context.Context) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("debugger session not connected")
	}

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-done:
		}
	}()

	readErr := make(chan error, 1)
	go func() {
		readErr <- c.readLoop(ctx, conn)
	}()

	for _, method := range []string{"Network.enable", "Runtime.enable", "Page.enable"} {
		if _, err := c.call(ctx, method, nil); err != nil {
			_ = conn.Close()
			<-readErr
			return fmt.Errorf("failed to enable %s: %w", method, err)
		}
	}
	logger.Info("CDP session established with %s", c.debuggerURL)

	return <-readErr
}

func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn) error {
	defer c.failPending()
	for {
		var msg cdpMessage
		if err := conn.ReadJSON(&msg); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("debugger connection lost: %w", err)
		}
		if msg.ID != 0 {
			c.mu.Lock()
			ch, ok := c.pending[msg.ID]
			if ok {
				delete(c.pending, msg.ID)
			}
			c.mu.Unlock()
			if ok {
				ch <- msg
			}
			continue
		}
		c.dispatchEvent(msg)
	}
}

// failPending unblocks every in-flight call once the session is gone, so
// callers (the poller mid-Evaluate, most importantly) see an error and back
// off instead of waiting for process shutdown.
func (c *Client) failPending() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, ch := range c.pending {
		delete(c.pending, id)
		ch <- cdpMessage{Error: &cdpError{Message: "connection closed"}}
	}
}

// dispatchEvent maps CDP events onto capture channels. Timestamps are
// assigned at arrival; CDP monotonic times are not comparable across the
// DOM-poll clock.
func (c *Client) dispatchEvent(msg cdpMessage) {
	if c.onFrame == nil {
		return
	}
	now := time.Now().UnixMilli()
	switch msg.Method {
	case "Network.webSocketFrameReceived", "Network.webSocketFrameSent":
		var params struct {
			Response struct {
				Opcode      int    `json:"opcode"`
				PayloadData string `json:"payloadData"`
			} `json:"response"`
		}
		if err := json.Unmarshal(msg.Params, &params); err != nil {
			logger.Debug("Unparseable websocket frame event: %v", err)
			return
		}
		if params.Response.Opcode != 1 { // text frames only
			return
		}
		channel := models.ChannelWSIn
		if msg.Method == "Network.webSocketFrameSent" {
			channel = models.ChannelWSOut
		}
		c.onFrame(models.RawFrame{TS: now, Channel: channel, Payload: params.Response.PayloadData})
	case "Runtime.consoleAPICalled":
		var params struct {
			Args []struct {
				Value json.RawMessage `json:"value"`
			} `json:"args"`
		}
		if err := json.Unmarshal(msg.Params, &params); err != nil {
			logger.Debug("Unparseable console event: %v", err)
			return
		}
		line := ""
		for _, arg := range params.Args {
			if len(arg.Value) == 0 {
				continue
			}
			var s string
			if err := json.Unmarshal(arg.Value, &s); err != nil {
				s = string(arg.Value)
			}
			if line != "" {
				line += " "
			}
			line += s
		}
		if line == "" {
			return
		}
		c.onFrame(models.RawFrame{TS: now, Channel: models.ChannelConsole, Payload: line})
	}
}

// call issues one CDP command and waits for its response.
func (c *Client) call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	c.mu.Lock()
	conn := c.conn
	if conn == nil {
		c.mu.Unlock()
		return nil, fmt.Errorf("debugger session not connected")
	}
	c.nextID++
	id := c.nextID
	ch := make(chan cdpMessage, 1)
	c.pending[id] = ch
	c.mu.Unlock()

	c.writeMu.Lock()
	err := conn.WriteJSON(cdpRequest{ID: id, Method: method, Params: params})
	c.writeMu.Unlock()
	if err != nil {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return nil, fmt.Errorf("failed to send %s: %w", method, err)
	}

	select {
	case msg := <-ch:
		if msg.Error != nil {
			return nil, fmt.Errorf("%s failed: %s (%d)", method, msg.Error.Message, msg.Error.Code)
		}
		return msg.Result, nil
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return nil, ctx.Err()
	}
}

// Evaluate runs a JS expression in the page and returns its string value.
func (c *Client) Evaluate(ctx context.Context, expression string) (string, error) {
	result, err := c.call(ctx, "Runtime.evaluate", map[string]any{
		"expression":    expression,
		"returnByValue": true,
	})
	if err != nil {
		return "", err
	}
	var parsed struct {
		Result struct {
			Value string `json:"value"`
		} `json:"result"`
		ExceptionDetails *struct {
			Text string `json:"text"`
		} `json:"exceptionDetails"`
	}
	if err := json.Unmarshal(result, &parsed); err != nil {
		return "", fmt.Errorf("failed to decode evaluate result: %w", err)
	}
	if parsed.ExceptionDetails != nil {
		return "", fmt.Errorf("page evaluation threw: %s", parsed.ExceptionDetails.Text)
	}
	return parsed.Result.Value, nil
}
