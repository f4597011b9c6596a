package lsp

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/segmentio/encoding/json"
	"github.com/tidwall/gjson"
	"go.lsp.dev/protocol"
	"go.uber.org/zap"
)

// HandlerState is the lifecycle state of a language server handler.
type HandlerState int

const (
	// HandlerInitializing means initialize was sent and not yet answered.
	HandlerInitializing HandlerState = iota
	// HandlerActive means the handshake completed.
	HandlerActive
	// HandlerDisconnected means the server stream ended or the handler was
	// shut down. No further messages are sent.
	HandlerDisconnected
)

// String returns a human-readable state name.
func (s HandlerState) String() string {
	switch s {
	case HandlerInitializing:
		return "initializing"
	case HandlerActive:
		return "active"
	case HandlerDisconnected:
		return "disconnected"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// DefaultRequestTimeout bounds how long a request may stay pending.
const DefaultRequestTimeout = 30 * time.Second

// Handler is the engine's connection to one language server rooted at one
// workspace directory. It correlates responses with the requests that caused
// them.
//
// A Handler is not safe for concurrent use; the dispatch loop owns it.
type Handler struct {
	langID    string
	root      string
	config    ServerConfig
	transport *Transport
	release   func() error
	logger    *zap.Logger
	timeout   time.Duration
	now       func() time.Time

	nextID   int64
	pending  map[int64]pendingEntry
	state    HandlerState
	deferred []Message

	capabilities json.RawMessage
	serverInfo   *protocol.ServerInfo
}

// HandlerOption configures a Handler.
type HandlerOption func(*Handler)

// WithHandlerLogger sets the handler's logger.
func WithHandlerLogger(l *zap.Logger) HandlerOption {
	return func(h *Handler) {
		h.logger = l
	}
}

// WithHandlerTimeout sets the per-request deadline.
func WithHandlerTimeout(d time.Duration) HandlerOption {
	return func(h *Handler) {
		if d > 0 {
			h.timeout = d
		}
	}
}

// WithRelease sets the function called once the handler disconnects.
func WithRelease(fn func() error) HandlerOption {
	return func(h *Handler) {
		h.release = fn
	}
}

// withClock replaces time.Now.
func withClock(now func() time.Time) HandlerOption {
	return func(h *Handler) {
		h.now = now
	}
}

// NewHandler creates a handler over an existing transport. The handler
// starts in HandlerInitializing.
func NewHandler(langID, root string, cfg ServerConfig, t *Transport, opts ...HandlerOption) *Handler {
	h := &Handler{
		langID:    langID,
		root:      filepath.Clean(root),
		config:    cfg,
		transport: t,
		logger:    zap.NewNop(),
		timeout:   DefaultRequestTimeout,
		now:       time.Now,
		pending:   make(map[int64]pendingEntry),
	}
	for _, opt := range opts {
		opt(h)
	}
	if h.config.Settings.TabSize == 0 {
		h.config.Settings = DefaultSettings()
	}
	return h
}

// StartHandler spawns the server for langID in root and starts its transport.
func StartHandler(ctx context.Context, spawner Spawner, langID string, cfg ServerConfig, root string, opts ...HandlerOption) (*Handler, error) {
	stdio, err := spawner.Spawn(ctx, langID, cfg, root)
	if err != nil {
		return nil, &ServerError{LanguageID: langID, Kind: ServerProcess, Err: err}
	}

	h := NewHandler(langID, root, cfg, nil, append([]HandlerOption{WithRelease(stdio.Release)}, opts...)...)
	h.transport = NewTransport(stdio.Out, stdio.In,
		WithTransportLogger(h.logger),
		WithStderr(stdio.Err),
	)
	h.transport.Start(ctx)
	return h, nil
}

// LanguageID returns the language the server was started for.
func (h *Handler) LanguageID() string { return h.langID }

// Root returns the workspace root.
func (h *Handler) Root() string { return h.root }

// Config returns the server configuration.
func (h *Handler) Config() ServerConfig { return h.config }

// Settings returns the indentation settings.
func (h *Handler) Settings() Settings { return h.config.Settings }

// State returns the lifecycle state.
func (h *Handler) State() HandlerState { return h.state }

// ServerInfo returns what the server reported about itself, if anything.
func (h *Handler) ServerInfo() *protocol.ServerInfo { return h.serverInfo }

// Inbound returns the server's message source.
func (h *Handler) Inbound() <-chan Inbound { return h.transport.Inbound() }

// HasCapability reports whether the server advertised the capability at
// path (gjson syntax, e.g. "hoverProvider"). Before initialization completes
// every capability is assumed.
func (h *Handler) HasCapability(path string) bool {
	if h.state == HandlerInitializing {
		return true
	}
	if len(h.capabilities) == 0 {
		return false
	}
	res := gjson.GetBytes(h.capabilities, path)
	if !res.Exists() || res.Type == gjson.Null {
		return false
	}
	if res.Type == gjson.False {
		return false
	}
	return true
}

// OwnsPath reports whether path is the root or lies beneath it.
func (h *Handler) OwnsPath(path string) bool {
	rel, err := filepath.Rel(h.root, filepath.Clean(path))
	if err != nil {
		return false
	}
	if rel == "." {
		return true
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)) && !filepath.IsAbs(rel)
}

func (h *Handler) disconnectedError() error {
	return &ServerError{LanguageID: h.langID, Kind: ServerDisconnected, Err: ErrServerDisconnected}
}

// SendRequest assigns the next id to a request, queues it and records req
// as pending. It does not wait for the response.
func (h *Handler) SendRequest(method string, params any, req PendingRequest) (int64, error) {
	if h.state == HandlerDisconnected {
		return 0, h.disconnectedError()
	}

	id := h.nextID + 1
	msg, err := NewRequest(id, method, params)
	if err != nil {
		return 0, err
	}
	if err := h.send(msg, method == MethodInitialize); err != nil {
		return 0, err
	}

	h.nextID = id
	now := h.now()
	h.pending[id] = pendingEntry{req: req, sent: now, deadline: now.Add(h.timeout)}
	h.logger.Debug("request sent", zap.Int64("id", id), zap.String("method", method))
	return id, nil
}

// SendNotification queues a notification.
func (h *Handler) SendNotification(method string, params any) error {
	if h.state == HandlerDisconnected {
		return h.disconnectedError()
	}
	msg, err := NewNotification(method, params)
	if err != nil {
		return err
	}
	return h.send(msg, false)
}

// Reply answers a server-initiated request.
func (h *Handler) Reply(resp *Response) error {
	if h.state == HandlerDisconnected {
		return h.disconnectedError()
	}
	return h.transport.Send(resp)
}

// send writes msg, or holds it back until the handshake is done. The
// initialize request itself is never held back.
func (h *Handler) send(msg Message, immediate bool) error {
	if h.state == HandlerInitializing && !immediate {
		h.deferred = append(h.deferred, msg)
		return nil
	}
	return h.transport.Send(msg)
}

// Resolve removes and returns the pending request answered by resp. The
// second result is false when no request with that id is pending.
func (h *Handler) Resolve(resp *Response) (PendingRequest, bool) {
	id, ok := resp.ID.Int64()
	if !ok {
		return nil, false
	}
	entry, ok := h.pending[id]
	if !ok {
		return nil, false
	}
	delete(h.pending, id)
	h.logger.Debug("request resolved",
		zap.Int64("id", id),
		zap.String("method", entry.req.Method()),
		zap.Duration("latency", h.now().Sub(entry.sent)),
	)
	return entry.req, true
}

// PendingRequests returns a copy of the pending table.
func (h *Handler) PendingRequests() map[int64]PendingRequest {
	out := make(map[int64]PendingRequest, len(h.pending))
	for id, e := range h.pending {
		out[id] = e.req
	}
	return out
}

// Expire removes every pending request whose deadline is not after now and
// asks the server to cancel it.
func (h *Handler) Expire(now time.Time) []Expired {
	var expired []Expired
	for id, e := range h.pending {
		if now.Before(e.deadline) {
			continue
		}
		delete(h.pending, id)
		expired = append(expired, Expired{ID: id, Request: e.req, Age: now.Sub(e.sent)})
	}
	sort.Slice(expired, func(i, j int) bool { return expired[i].ID < expired[j].ID })
	h.dropDeferred(expired)

	for _, x := range expired {
		if _, ok := x.Request.(InitializeRequest); ok || h.state != HandlerActive {
			continue
		}
		if err := h.SendNotification(MethodCancelRequest, cancelParams{ID: x.ID}); err != nil {
			h.logger.Debug("cancel request failed", zap.Int64("id", x.ID), zap.Error(err))
		}
	}
	return expired
}

// dropDeferred removes expired requests that never left the handler.
func (h *Handler) dropDeferred(expired []Expired) {
	if len(h.deferred) == 0 || len(expired) == 0 {
		return
	}
	gone := make(map[int64]bool, len(expired))
	for _, x := range expired {
		gone[x.ID] = true
	}
	kept := h.deferred[:0]
	for _, msg := range h.deferred {
		if req, ok := msg.(*Request); ok {
			if id, ok := req.ID.Int64(); ok && gone[id] {
				continue
			}
		}
		kept = append(kept, msg)
	}
	h.deferred = kept
}

type cancelParams struct {
	ID int64 `json:"id"`
}

// markInitialized stores the server's answer to initialize, sends the
// initialized notification and flushes messages held back meanwhile.
func (h *Handler) markInitialized(res initializeResult) error {
	if h.state != HandlerInitializing {
		return fmt.Errorf("initialize completed in state %s", h.state)
	}
	h.capabilities = res.Capabilities
	h.serverInfo = res.ServerInfo
	h.state = HandlerActive

	if err := h.SendNotification(MethodInitialized, struct{}{}); err != nil {
		return err
	}

	deferred := h.deferred
	h.deferred = nil
	for _, msg := range deferred {
		if err := h.transport.Send(msg); err != nil {
			return err
		}
	}
	if len(deferred) > 0 {
		h.logger.Debug("flushed deferred messages", zap.Int("count", len(deferred)))
	}
	return nil
}

// disconnect moves the handler to HandlerDisconnected, closes the
// transport and returns the requests that will never be answered. The
// returned release function stops the server process; it may block and is
// safe to call from another goroutine.
func (h *Handler) disconnect() ([]Expired, func() error) {
	if h.state == HandlerDisconnected {
		return nil, func() error { return nil }
	}
	h.state = HandlerDisconnected
	h.deferred = nil

	now := h.now()
	failed := make([]Expired, 0, len(h.pending))
	for id, e := range h.pending {
		failed = append(failed, Expired{ID: id, Request: e.req, Age: now.Sub(e.sent)})
	}
	sort.Slice(failed, func(i, j int) bool { return failed[i].ID < failed[j].ID })
	h.pending = make(map[int64]pendingEntry)

	if err := h.transport.Close(); err != nil {
		h.logger.Debug("close transport", zap.Error(err))
	}

	release := h.release
	h.release = nil
	return failed, func() error {
		if release == nil {
			return nil
		}
		return release()
	}
}
