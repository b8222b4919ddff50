package mcp

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"neko/internal/async"
	nerrors "neko/internal/errors"
	"neko/internal/jsonx"
	"neko/internal/logging"
)

// ProtocolVersion is the MCP revision requested during initialize.
const ProtocolVersion = "2024-11-05"

const (
	defaultRequestTimeout = 30 * time.Second
	maxFrameBytes         = 8 * 1024 * 1024
	stopTimeout           = 5 * time.Second
)

// ServerInfo is reported by the server during initialize.
type ServerInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// InitializeResult is the result of the initialize handshake.
type InitializeResult struct {
	ProtocolVersion string           `json:"protocolVersion"`
	ServerInfo      ServerInfo       `json:"serverInfo"`
	Capabilities    jsonx.RawMessage `json:"capabilities,omitempty"`
}

// ToolSchema is one tool advertised by tools/list.
type ToolSchema struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"inputSchema"`
}

// ToolCallResult is the result of tools/call.
type ToolCallResult struct {
	Content []ContentBlock `json:"content"`
	IsError bool           `json:"isError,omitempty"`
}

// ContentBlock is one piece of tool output.
type ContentBlock struct {
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	Data     string `json:"data,omitempty"`
	MimeType string `json:"mimeType,omitempty"`
	URI      string `json:"uri,omitempty"`
}

// ClientConfig configures a Client.
type ClientConfig struct {
	Server         string
	Process        ProcessConfig
	RequestTimeout time.Duration
	ClientName     string
	ClientVersion  string
	Logger         logging.Logger
}

// Client speaks MCP over the stdio of one server process. After the
// connection drops, the next call reconnects.
type Client struct {
	cfg    ClientConfig
	proc   *Process
	logger logging.Logger
	nextID atomic.Int64

	connectMu sync.Mutex

	mu         sync.Mutex
	pending    map[string]chan *Message
	connected  bool
	closed     bool
	serverInfo ServerInfo
	lost       chan struct{}
	run        <-chan struct{}
}

// NewClient creates a client. Call Connect before use.
func NewClient(cfg ClientConfig) *Client {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}
	if cfg.ClientName == "" {
		cfg.ClientName = "neko"
	}
	if cfg.ClientVersion == "" {
		cfg.ClientVersion = "dev"
	}
	logger := cfg.Logger
	if logging.IsNil(logger) {
		logger = logging.NewComponentLogger(fmt.Sprintf("MCPClient[%s]", cfg.Server))
	}
	return &Client{
		cfg:     cfg,
		proc:    NewProcess(cfg.Process, logger),
		logger:  logger,
		pending: make(map[string]chan *Message),
	}
}

// Server returns the configured server name.
func (c *Client) Server() string { return c.cfg.Server }

// Connect spawns the server and performs the initialize handshake.
func (c *Client) Connect(ctx context.Context) error {
	c.connectMu.Lock()
	defer c.connectMu.Unlock()
	return c.connectLocked(ctx)
}

func (c *Client) connectLocked(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nerrors.New(nerrors.KindConnectionLost, "mcp "+c.cfg.Server, "client closed")
	}
	if c.connected {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	if err := c.proc.Start(); err != nil {
		return nerrors.Wrap(nerrors.KindConnectionLost, "mcp "+c.cfg.Server, err)
	}

	lost := make(chan struct{})
	c.mu.Lock()
	c.connected = true
	c.lost = lost
	c.run = c.proc.Done()
	c.mu.Unlock()

	stdout := c.proc.Stdout()
	async.Go(c.logger, "mcp.readLoop", func() { c.readLoop(stdout, lost) })

	if err := c.initialize(ctx); err != nil {
		c.disconnect(lost, err)
		return err
	}
	return nil
}

func (c *Client) initialize(ctx context.Context) error {
	params := map[string]any{
		"protocolVersion": ProtocolVersion,
		"capabilities":    map[string]any{},
		"clientInfo":      map[string]string{"name": c.cfg.ClientName, "version": c.cfg.ClientVersion},
	}
	var result InitializeResult
	if err := c.call(ctx, "initialize", params, &result); err != nil {
		return err
	}
	if result.ProtocolVersion != ProtocolVersion {
		c.logger.Warn("Protocol version mismatch: client=%s server=%s", ProtocolVersion, result.ProtocolVersion)
	}
	c.mu.Lock()
	c.serverInfo = result.ServerInfo
	c.mu.Unlock()

	if err := c.notify("notifications/initialized", nil); err != nil {
		return err
	}
	c.logger.Info("Initialized MCP server %s (%s %s)", c.cfg.Server, result.ServerInfo.Name, result.ServerInfo.Version)
	return nil
}

// ensureConnected reconnects a dropped connection, retrying transient
// failures with backoff.
func (c *Client) ensureConnected(ctx context.Context) error {
	c.mu.Lock()
	connected, closed := c.connected, c.closed
	c.mu.Unlock()
	if connected {
		return nil
	}
	if closed {
		return nerrors.New(nerrors.KindConnectionLost, "mcp "+c.cfg.Server, "client closed")
	}
	c.connectMu.Lock()
	defer c.connectMu.Unlock()
	retry := nerrors.RetryConfig{MaxAttempts: 2, BaseDelay: 200 * time.Millisecond, MaxDelay: 2 * time.Second, JitterFactor: 0.25}
	return nerrors.Retry(ctx, retry, c.logger, func(ctx context.Context) error {
		c.logger.Info("Reconnecting to MCP server %s", c.cfg.Server)
		return c.connectLocked(ctx)
	})
}

// ListTools returns every tool the server advertises, following pagination.
func (c *Client) ListTools(ctx context.Context) ([]ToolSchema, error) {
	if err := c.ensureConnected(ctx); err != nil {
		return nil, err
	}
	var tools []ToolSchema
	cursor := ""
	for {
		var params map[string]any
		if cursor != "" {
			params = map[string]any{"cursor": cursor}
		}
		var page struct {
			Tools      []ToolSchema `json:"tools"`
			NextCursor string       `json:"nextCursor,omitempty"`
		}
		if err := c.call(ctx, "tools/list", params, &page); err != nil {
			return nil, err
		}
		tools = append(tools, page.Tools...)
		if page.NextCursor == "" || page.NextCursor == cursor {
			return tools, nil
		}
		cursor = page.NextCursor
	}
}

// CallTool invokes a tool. Transport failures are ConnectionLost or
// ProtocolError; a result with isError set is returned as-is.
func (c *Client) CallTool(ctx context.Context, name string, arguments map[string]any) (*ToolCallResult, error) {
	if err := c.ensureConnected(ctx); err != nil {
		return nil, err
	}
	if arguments == nil {
		arguments = map[string]any{}
	}
	var result ToolCallResult
	if err := c.call(ctx, "tools/call", map[string]any{"name": name, "arguments": arguments}, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// Close stops the server. The client cannot be reused.
func (c *Client) Close() error {
	c.mu.Lock()
	c.closed = true
	lost := c.lost
	c.mu.Unlock()

	err := c.proc.Stop(stopTimeout)
	if lost != nil {
		c.disconnect(lost, nerrors.New(nerrors.KindConnectionLost, "mcp "+c.cfg.Server, "client closed"))
	}
	return err
}

// IsConnected reports whether the handshake has completed and the stream is
// still open.
func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// ServerInfo returns what the server reported during initialize.
func (c *Client) ServerInfo() ServerInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.serverInfo
}

func (c *Client) call(ctx context.Context, method string, params any, out any) error {
	op := fmt.Sprintf("mcp %s %s", c.cfg.Server, method)
	id := c.nextID.Add(1)
	key := requestKey(id)
	frame, err := EncodeFrame(NewRequest(id, method, params))
	if err != nil {
		return nerrors.Wrap(nerrors.KindInvalidArguments, op, err)
	}

	ch := make(chan *Message, 1)
	c.mu.Lock()
	if !c.connected {
		c.mu.Unlock()
		return nerrors.New(nerrors.KindConnectionLost, op, "not connected")
	}
	lost := c.lost
	c.pending[key] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, key)
		c.mu.Unlock()
	}()

	if err := c.proc.Write(frame); err != nil {
		c.disconnect(lost, err)
		return nerrors.Wrap(nerrors.KindConnectionLost, op, err)
	}

	timer := time.NewTimer(c.cfg.RequestTimeout)
	defer timer.Stop()

	select {
	case msg := <-ch:
		if msg == nil {
			return nerrors.New(nerrors.KindProtocolError, op, "malformed response from server")
		}
		if msg.Error != nil {
			return nerrors.Wrap(rpcErrorKind(msg.Error.Code), op, msg.Error)
		}
		if out == nil {
			return nil
		}
		if err := jsonx.Unmarshal(msg.Result, out); err != nil {
			return nerrors.Wrap(nerrors.KindProtocolError, op, fmt.Errorf("decode result: %w", err))
		}
		return nil
	case <-lost:
		return nerrors.New(nerrors.KindConnectionLost, op, "server connection lost")
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nerrors.New(nerrors.KindExecutionTimeout, op, "no response after %s", c.cfg.RequestTimeout)
	}
}

func (c *Client) notify(method string, params any) error {
	frame, err := EncodeFrame(NewNotification(method, params))
	if err != nil {
		return err
	}
	if err := c.proc.Write(frame); err != nil {
		return nerrors.Wrap(nerrors.KindConnectionLost, "mcp "+c.cfg.Server+" "+method, err)
	}
	return nil
}

func (c *Client) reply(id jsonx.RawMessage, result any, rpcErr *RPCError) {
	resp := map[string]any{"jsonrpc": JSONRPCVersion, "id": id}
	if rpcErr != nil {
		resp["error"] = rpcErr
	} else {
		resp["result"] = result
	}
	frame, err := EncodeFrame(resp)
	if err == nil {
		err = c.proc.Write(frame)
	}
	if err != nil {
		c.logger.Warn("Failed to answer server request: %v", err)
	}
}

func (c *Client) readLoop(stdout io.ReadCloser, lost chan struct{}) {
	defer stdout.Close()
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), maxFrameBytes)

	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		// Servers sometimes log to stdout; only JSON objects are frames.
		if line[0] != '{' {
			c.logger.Debug("Ignoring non-JSON output: %s", line)
			continue
		}
		msg, err := DecodeMessage(line)
		if err != nil {
			c.logger.Error("Protocol error from %s: %v", c.cfg.Server, err)
			c.failPending()
			continue
		}
		switch {
		case msg.IsResponse():
			c.route(msg)
		case msg.Method == "ping" && len(msg.ID) > 0:
			c.reply(msg.ID, map[string]any{}, nil)
		case len(msg.ID) > 0:
			c.reply(msg.ID, nil, &RPCError{Code: MethodNotFound, Message: "method not supported: " + msg.Method})
		default:
			c.logger.Debug("Notification from %s: %s", c.cfg.Server, msg.Method)
		}
	}

	err := scanner.Err()
	if err == nil {
		err = fmt.Errorf("server closed stdout")
	}
	c.disconnect(lost, err)
}

func (c *Client) route(msg *Message) {
	c.mu.Lock()
	ch, ok := c.pending[msg.IDKey()]
	c.mu.Unlock()
	if !ok {
		c.logger.Warn("No pending call for response id %s", msg.IDKey())
		return
	}
	select {
	case ch <- msg:
	default:
	}
}

// failPending wakes every in-flight call with a nil message, which the
// caller reports as ProtocolError. The stream may be desynchronized.
func (c *Client) failPending() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, ch := range c.pending {
		select {
		case ch <- nil:
		default:
		}
	}
}

// disconnect marks the run identified by lost as gone. Later runs are not
// affected.
func (c *Client) disconnect(lost chan struct{}, cause error) {
	c.mu.Lock()
	if c.lost != lost || lost == nil {
		c.mu.Unlock()
		return
	}
	select {
	case <-lost:
		c.mu.Unlock()
		return
	default:
	}
	c.connected = false
	close(lost)
	closed, run := c.closed, c.run
	c.mu.Unlock()

	if !closed {
		c.logger.Warn("MCP server %s disconnected: %v", c.cfg.Server, cause)
		_ = c.proc.stopRun(run, stopTimeout)
	}
}

func rpcErrorKind(code int) nerrors.Kind {
	switch code {
	case InvalidParams:
		return nerrors.KindInvalidArguments
	case ParseError, InvalidRequest, MethodNotFound:
		return nerrors.KindProtocolError
	default:
		return nerrors.KindExecutionError
	}
}
