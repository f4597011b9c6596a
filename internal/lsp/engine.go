package lsp

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/segmentio/encoding/json"
	"github.com/tidwall/gjson"
	"go.lsp.dev/protocol"
	"go.lsp.dev/uri"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/dshills/lspc/internal/process"
)

// Default intervals.
const (
	DefaultTickInterval    = time.Second
	DefaultShutdownTimeout = 5 * time.Second
)

// handlerItem is an inbound item tagged with the handler it came from.
type handlerItem struct {
	handler *Handler
	item    Inbound
}

// Engine mediates between one editor and any number of language servers.
// Its state is owned by the goroutine running Run; HandleEvent,
// HandleInbound and Tick must not be called concurrently with it.
type Engine struct {
	editor     Editor
	spawner    Spawner
	supervisor *process.Supervisor
	logger     *zap.Logger
	now        func() time.Time

	requestTimeout  time.Duration
	tickInterval    time.Duration
	shutdownTimeout time.Duration
	clientName      string
	clientVersion   string
	maxServers      int

	handlers []*Handler
	buffers  *BufferTable

	inbox    chan handlerItem
	done     chan struct{}
	pumps    errgroup.Group
	releases errgroup.Group
	closed   bool
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the engine's logger.
func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) {
		e.logger = l
	}
}

// WithSpawner replaces the process spawner.
func WithSpawner(s Spawner) Option {
	return func(e *Engine) {
		e.spawner = s
	}
}

// WithRequestTimeout sets how long a request may stay pending.
func WithRequestTimeout(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.requestTimeout = d
		}
	}
}

// WithTickInterval sets the period of the dispatch loop's timer.
func WithTickInterval(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.tickInterval = d
		}
	}
}

// WithShutdownTimeout bounds how long shutdown waits for servers.
func WithShutdownTimeout(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.shutdownTimeout = d
		}
	}
}

// WithClientInfo sets the client name and version sent with initialize.
func WithClientInfo(name, version string) Option {
	return func(e *Engine) {
		e.clientName = name
		e.clientVersion = version
	}
}

// WithMaxServers caps the number of server processes the default spawner
// runs at once. Zero means no limit.
func WithMaxServers(n int) Option {
	return func(e *Engine) {
		e.maxServers = n
	}
}

func withNow(now func() time.Time) Option {
	return func(e *Engine) {
		e.now = now
	}
}

// New creates an engine for editor. Without WithSpawner, servers are started
// as child processes under a supervisor owned by the engine.
func New(editor Editor, opts ...Option) *Engine {
	e := &Engine{
		editor:          editor,
		logger:          zap.NewNop(),
		now:             time.Now,
		requestTimeout:  DefaultRequestTimeout,
		tickInterval:    DefaultTickInterval,
		shutdownTimeout: DefaultShutdownTimeout,
		clientName:      "lspc",
		buffers:         NewBufferTable(),
		inbox:           make(chan handlerItem, 64),
		done:            make(chan struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.spawner == nil {
		e.supervisor = process.NewSupervisor(
			process.WithMaxProcesses(e.maxServers),
			process.WithLogger(e.logger.Named("process")),
			process.WithProcessExitCallback(func(p *process.Process) {
				if p.State() == process.StateExited && p.ExitCode() != 0 {
					e.logger.Warn("server process failed",
						zap.String("lang", p.LangID),
						zap.String("root", p.Root),
						zap.Int("code", p.ExitCode()),
						zap.Error(p.Err()),
					)
				}
			}),
		)
		e.spawner = NewProcessSpawner(e.supervisor, e.shutdownTimeout)
	}
	return e
}

// Handlers returns the handlers in start order.
func (e *Engine) Handlers() []*Handler {
	out := make([]*Handler, len(e.handlers))
	copy(out, e.handlers)
	return out
}

// Buffers returns the buffer tracking table.
func (e *Engine) Buffers() *BufferTable {
	return e.buffers
}

// HandleEvent acts on one editor event.
func (e *Engine) HandleEvent(ctx context.Context, ev Event) error {
	switch ev := ev.(type) {
	case Hello:
		return editorFailure(e.editor.SayHello())
	case StartServer:
		return e.startServer(ctx, ev)
	case Hover:
		h, err := e.serverFor(ev.LangID, ev.Doc, "hoverProvider")
		if err != nil {
			return err
		}
		_, err = h.SendRequest(MethodHover, positionParams{
			TextDocument: textDocumentIdentifier{URI: ev.Doc},
			Position:     ev.Pos,
		}, HoverRequest{Doc: ev.Doc})
		return err
	case GotoDefinition:
		h, err := e.serverFor(ev.LangID, ev.Doc, "definitionProvider")
		if err != nil {
			return err
		}
		_, err = h.SendRequest(MethodDefinition, positionParams{
			TextDocument: textDocumentIdentifier{URI: ev.Doc},
			Position:     ev.Pos,
		}, DefinitionRequest{Doc: ev.Doc})
		return err
	case InlayHints:
		h, err := e.serverFor(ev.LangID, ev.Doc, "inlayHintProvider")
		if err != nil {
			return err
		}
		rng := wholeDocument
		if ev.Range != nil {
			rng = *ev.Range
		}
		_, err = h.SendRequest(MethodInlayHint, inlayHintParams{
			TextDocument: textDocumentIdentifier{URI: ev.Doc},
			Range:        rng,
		}, InlayHintsRequest{Doc: ev.Doc})
		return err
	case FormatDoc:
		h, err := e.serverFor(ev.LangID, ev.Doc, "documentFormattingProvider")
		if err != nil {
			return err
		}
		settings := h.Settings()
		_, err = h.SendRequest(MethodFormatting, formattingParams{
			TextDocument: textDocumentIdentifier{URI: ev.Doc},
			Options:      protocol.FormattingOptions{TabSize: settings.TabSize, InsertSpaces: settings.InsertSpaces},
		}, FormatRequest{Doc: ev.Doc, Lines: ev.Lines})
		return err
	case DidOpen:
		return e.didOpen(ev)
	case DidChange:
		return e.didChange(ev)
	default:
		return &EditorError{Kind: EditorUnexpectedMessage, Err: fmt.Errorf("unknown event %T", ev)}
	}
}

// wholeDocument covers any document when no range is given.
var wholeDocument = protocol.Range{
	Start: protocol.Position{Line: 0, Character: 0},
	End:   protocol.Position{Line: math.MaxInt32, Character: 0},
}

func editorFailure(err error) error {
	if err == nil {
		return nil
	}
	return &EditorError{Kind: EditorFailure, Err: err}
}

func (e *Engine) startServer(ctx context.Context, ev StartServer) error {
	root, err := FindRootPath(ev.CurPath, ev.Config.RootMarkers)
	if err != nil {
		return &EditorError{Kind: EditorRootPathNotFound, Err: err}
	}

	slot := -1
	for i, h := range e.handlers {
		if h.LanguageID() != ev.LangID || h.Root() != root {
			continue
		}
		if h.State() != HandlerDisconnected {
			return &IgnoredError{
				Reason: fmt.Sprintf("%s server already running in %s", ev.LangID, root),
				Err:    ErrAlreadyStarted,
			}
		}
		slot = i
	}

	logger := e.logger.With(zap.String("lang", ev.LangID), zap.String("root", root))
	h, err := StartHandler(context.WithoutCancel(ctx), e.spawner, ev.LangID, ev.Config, root,
		WithHandlerLogger(logger),
		WithHandlerTimeout(e.requestTimeout),
		withClock(e.now),
	)
	if err != nil {
		return err
	}

	if slot >= 0 {
		e.handlers[slot] = h
		logger.Info("restarting language server")
	} else {
		e.handlers = append(e.handlers, h)
	}
	e.pumps.Go(e.pump(h))

	rootURI := uri.File(root)
	params := initializeParams{
		ProcessID:             os.Getpid(),
		ClientInfo:            &clientInfo{Name: e.clientName, Version: e.clientVersion},
		RootPath:              root,
		RootURI:               rootURI,
		InitializationOptions: ev.Config.InitializationOptions,
		Capabilities:          e.editor.Capabilities(),
		WorkspaceFolders:      []workspaceFolder{{URI: rootURI, Name: filepath.Base(root)}},
	}
	if _, err := h.SendRequest(MethodInitialize, params, InitializeRequest{}); err != nil {
		return err
	}

	logger.Info("language server started", zap.String("command", ev.Config.Command))
	return nil
}

// pump forwards a handler's inbound items into the engine inbox.
func (e *Engine) pump(h *Handler) func() error {
	return func() error {
		for {
			select {
			case item, ok := <-h.Inbound():
				if !ok {
					return nil
				}
				select {
				case e.inbox <- handlerItem{handler: h, item: item}:
				case <-e.done:
					return nil
				}
			case <-e.done:
				return nil
			}
		}
	}
}

// docPath returns the filesystem path of a file URI, or "" for other schemes.
func docPath(doc uri.URI) string {
	if !strings.HasPrefix(string(doc), uri.FileScheme+"://") {
		return ""
	}
	return doc.Filename()
}

// serverFor picks the handler serving langID for doc: the one with the
// longest root containing doc, otherwise the first live one for langID.
func (e *Engine) serverFor(langID string, doc uri.URI, capability string) (*Handler, error) {
	path := docPath(doc)

	var owner, fallback *Handler
	for _, h := range e.handlers {
		if h.LanguageID() != langID {
			continue
		}
		if fallback == nil || (fallback.State() == HandlerDisconnected && h.State() != HandlerDisconnected) {
			fallback = h
		}
		if path != "" && h.OwnsPath(path) && (owner == nil || len(h.Root()) > len(owner.Root())) {
			owner = h
		}
	}

	h := owner
	if h == nil {
		h = fallback
	}
	if h == nil {
		return nil, fmt.Errorf("%s: %w", langID, ErrNotStarted)
	}
	if h.State() == HandlerDisconnected {
		return nil, h.disconnectedError()
	}
	if capability != "" && !h.HasCapability(capability) {
		return nil, ignored("%s server does not provide %s", langID, capability)
	}
	return h, nil
}

// ownerOf returns the live handler with the longest root containing path.
func (e *Engine) ownerOf(path string) *Handler {
	var owner *Handler
	for _, h := range e.handlers {
		if h.State() == HandlerDisconnected || !h.OwnsPath(path) {
			continue
		}
		if owner == nil || len(h.Root()) > len(owner.Root()) {
			owner = h
		}
	}
	return owner
}

func (e *Engine) didOpen(ev DidOpen) error {
	path := docPath(ev.Doc)
	if path == "" {
		return ignored("buffer %d shows non-file document %s", ev.Buffer, ev.Doc)
	}
	h := e.ownerOf(path)
	if h == nil {
		return ignored("no language server owns %s", path)
	}
	if !e.buffers.Track(ev.Buffer, h.LanguageID(), ev.Doc) {
		return ignored("buffer %d already tracked", ev.Buffer)
	}
	return editorFailure(e.editor.WatchFile(ev.Doc))
}

func (e *Engine) didChange(ev DidChange) error {
	buf, ok := e.buffers.Get(ev.Buffer)
	if !ok {
		return ignored("change to untracked buffer %d", ev.Buffer)
	}
	h, err := e.serverFor(buf.LanguageID, buf.Doc, "")
	if err != nil {
		return err
	}

	if !buf.Opened {
		err := h.SendNotification(MethodDidOpen, didOpenParams{TextDocument: textDocumentItem{
			URI:        buf.Doc,
			LanguageID: buf.LanguageID,
			Version:    ev.Version,
			Text:       ev.Change.Text,
		}})
		if err != nil {
			return err
		}
		buf.Opened = true
		return nil
	}

	return h.SendNotification(MethodDidChange, didChangeParams{
		TextDocument:   versionedTextDocumentIdentifier{URI: buf.Doc, Version: ev.Version},
		ContentChanges: []ContentChange{ev.Change},
	})
}

// HandleInbound acts on one item read from h's server.
func (e *Engine) HandleInbound(h *Handler, in Inbound) error {
	if in.Err != nil {
		err := e.tagServerError(h, in.Err)
		if errors.Is(err, ErrServerDisconnected) {
			return e.disconnect(h, err)
		}
		return err
	}

	switch m := in.Message.(type) {
	case *Response:
		return e.handleResponse(h, m)
	case *Notification:
		return e.handleNotification(h, m)
	case *Request:
		return e.handleServerRequest(h, m)
	default:
		return &ServerError{LanguageID: h.LanguageID(), Kind: ServerInvalidMessage, Err: fmt.Errorf("unexpected message %T", m)}
	}
}

func (e *Engine) tagServerError(h *Handler, err error) error {
	var se *ServerError
	if errors.As(err, &se) && se.LanguageID == "" {
		se.LanguageID = h.LanguageID()
	}
	return err
}

func (e *Engine) handleResponse(h *Handler, resp *Response) error {
	req, ok := h.Resolve(resp)
	if !ok {
		return ignored("unsolicited response %s from %s server", resp.ID, h.LanguageID())
	}

	if resp.Error != nil {
		err := fmt.Errorf("%s %s: %w", h.LanguageID(), req.Method(), resp.Error)
		switch req.(type) {
		case InitializeRequest:
			return errors.Join(err, e.disconnect(h, h.disconnectedError()))
		case ShutdownRequest:
			return errors.Join(err, e.exit(h))
		}
		return err
	}

	return e.tagServerError(h, e.complete(h, req, resp))
}

// complete finishes a pending request with its response.
func (e *Engine) complete(h *Handler, req PendingRequest, resp *Response) error {
	invalid := func(err error) error {
		return &ServerError{Kind: ServerInvalidResponse, Raw: resp.Result, Err: fmt.Errorf("%s: %w", req.Method(), err)}
	}

	switch req := req.(type) {
	case InitializeRequest:
		var res initializeResult
		if err := json.Unmarshal(resp.Result, &res); err != nil {
			return errors.Join(invalid(err), e.disconnect(h, h.disconnectedError()))
		}
		if err := h.markInitialized(res); err != nil {
			return err
		}
		name := h.LanguageID()
		if res.ServerInfo != nil && res.ServerInfo.Name != "" {
			name = res.ServerInfo.Name
		}
		e.logger.Info("language server initialized",
			zap.String("lang", h.LanguageID()),
			zap.String("server", name),
		)
		return editorFailure(e.editor.Message(fmt.Sprintf("%s ready in %s", name, h.Root())))

	case HoverRequest:
		if resp.IsNull() {
			return ignored("no hover information for %s", req.Doc)
		}
		hover, err := decodeHover(resp.Result)
		if err != nil {
			return invalid(err)
		}
		if strings.TrimSpace(hover.Contents.Value) == "" {
			return ignored("empty hover for %s", req.Doc)
		}
		return editorFailure(e.editor.ShowHover(req.Doc, hover))

	case DefinitionRequest:
		locs, err := decodeLocations(resp.Result)
		if err != nil {
			return invalid(err)
		}
		if len(locs) == 0 {
			return ignored("no definition found from %s", req.Doc)
		}
		if len(locs) > 1 {
			e.logger.Debug("several definitions, using the first", zap.Int("count", len(locs)))
		}
		return editorFailure(e.editor.GotoLocation(locs[0]))

	case InlayHintsRequest:
		if resp.IsNull() {
			return ignored("no inlay hints for %s", req.Doc)
		}
		var hints []InlayHint
		if err := json.Unmarshal(resp.Result, &hints); err != nil {
			return invalid(err)
		}
		return editorFailure(e.editor.ShowInlayHints(req.Doc, hints))

	case FormatRequest:
		if resp.IsNull() {
			return ignored("no formatting edits for %s", req.Doc)
		}
		var edits []protocol.TextEdit
		if err := json.Unmarshal(resp.Result, &edits); err != nil {
			return invalid(err)
		}
		if len(edits) == 0 {
			return ignored("no formatting edits for %s", req.Doc)
		}
		return editorFailure(e.editor.ApplyEdits(req.Doc, req.Lines, edits))

	case ShutdownRequest:
		return e.exit(h)

	default:
		return &EditorError{Kind: EditorUnexpectedResponse, Err: fmt.Errorf("no completion for %T", req)}
	}
}

func (e *Engine) handleNotification(h *Handler, n *Notification) error {
	show, rest, err := Cast[protocol.ShowMessageParams](n, MethodShowMessage)
	if err != nil {
		return err
	}
	if rest == nil {
		return editorFailure(e.editor.ShowMessage(show))
	}

	logMsg, rest, err := Cast[protocol.LogMessageParams](rest, MethodLogMessage)
	if err != nil {
		return err
	}
	if rest == nil {
		e.logServerMessage(h, logMsg)
		return nil
	}

	e.logger.Warn("unhandled notification",
		zap.String("lang", h.LanguageID()),
		zap.String("method", rest.Method),
	)
	return nil
}

func (e *Engine) logServerMessage(h *Handler, params protocol.LogMessageParams) {
	fields := []zap.Field{zap.String("lang", h.LanguageID()), zap.String("message", params.Message)}
	switch params.Type {
	case protocol.MessageTypeError:
		e.logger.Error("server log", fields...)
	case protocol.MessageTypeWarning:
		e.logger.Warn("server log", fields...)
	case protocol.MessageTypeInfo:
		e.logger.Info("server log", fields...)
	default:
		e.logger.Debug("server log", fields...)
	}
}

// handleServerRequest answers requests servers send to the client. A few
// bookkeeping requests get an empty success; everything else is refused.
func (e *Engine) handleServerRequest(h *Handler, req *Request) error {
	var resp *Response
	switch req.Method {
	case "window/workDoneProgress/create", "client/registerCapability", "client/unregisterCapability":
		resp = &Response{JSONRPC: jsonrpcVersion, ID: req.ID, Result: json.RawMessage("null")}
	case "workspace/configuration":
		items := len(gjson.GetBytes(req.Params, "items").Array())
		result, _ := json.Marshal(make([]any, items))
		resp = &Response{JSONRPC: jsonrpcVersion, ID: req.ID, Result: result}
	default:
		resp = NewErrorResponse(req.ID, CodeMethodNotFound, "method not supported: "+req.Method)
	}

	if err := h.Reply(resp); err != nil {
		return err
	}
	if resp.Error != nil {
		return ignored("%s server request %s", h.LanguageID(), req.Method)
	}
	return nil
}

// Tick expires overdue requests. A handler whose initialize request
// expires is disconnected.
func (e *Engine) Tick(now time.Time) []error {
	var errs []error
	for _, h := range e.handlers {
		if h.State() == HandlerDisconnected {
			continue
		}
		for _, x := range h.Expire(now) {
			errs = append(errs, &EditorError{
				Kind: EditorTimeout,
				Err: fmt.Errorf("%s %s request %d after %s: %w",
					h.LanguageID(), x.Request.Method(), x.ID, x.Age.Round(time.Millisecond), ErrRequestTimeout),
			})
			if _, ok := x.Request.(InitializeRequest); ok {
				errs = append(errs, e.disconnect(h, h.disconnectedError()))
			}
		}
	}
	return errs
}

// disconnect drops a handler whose server went away, failing what it had
// in flight, and tells the editor.
func (e *Engine) disconnect(h *Handler, cause error) error {
	if h.State() == HandlerDisconnected {
		return nil
	}
	errs := append([]error{cause}, e.release(h)...)
	errs = append(errs, editorFailure(e.editor.Message(fmt.Sprintf("%s language server disconnected", h.LanguageID()))))
	return errors.Join(errs...)
}

// release closes a handler and stops its process in the background. Buffers
// the handler served must be opened again on whichever server replaces it.
func (e *Engine) release(h *Handler) []error {
	reopened := e.buffers.Reopen(func(b *TrackingBuffer) bool {
		owner, err := e.serverFor(b.LanguageID, b.Doc, "")
		return err == nil && owner == h
	})
	if reopened > 0 {
		h.logger.Debug("buffers closed with server", zap.Int("count", reopened))
	}

	failed, stop := h.disconnect()
	e.releases.Go(stop)

	errs := make([]error, 0, len(failed))
	for _, f := range failed {
		errs = append(errs, &ServerError{
			LanguageID: h.LanguageID(),
			Kind:       ServerDisconnected,
			Err:        fmt.Errorf("%s request %d: %w", f.Request.Method(), f.ID, ErrServerDisconnected),
		})
	}
	return errs
}

// exit sends the exit notification and releases the handler.
func (e *Engine) exit(h *Handler) error {
	errs := []error{h.SendNotification(MethodExit, nil)}
	errs = append(errs, e.release(h)...)
	h.logger.Info("language server stopped")
	return errors.Join(errs...)
}
