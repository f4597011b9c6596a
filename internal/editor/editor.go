// Package editor connects the engine to an editor front end speaking JSON
// lines.
//
// Each line read from the front end is one command, for example
//
//	{"type":"start_server","lang_id":"rust","cur_path":"/proj/src/main.rs"}
//	{"type":"hover","lang_id":"rust","path":"/proj/src/main.rs","line":3,"character":7}
//	{"type":"did_change","buffer":1,"version":2,"text":"fn main() {}\n"}
//
// and each effect the engine produces is written back as one line:
//
//	{"type":"hover","uri":"file:///proj/src/main.rs","kind":"markdown","contents":"fn main()"}
//
// Malformed commands are answered with an "error" line and never reach the
// engine.
package editor

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/segmentio/encoding/json"
	"github.com/tidwall/sjson"
	"go.lsp.dev/protocol"
	"go.lsp.dev/uri"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/dshills/lspc/internal/config"
	"github.com/dshills/lspc/internal/lsp"
	"github.com/dshills/lspc/internal/textedit"
	"github.com/dshills/lspc/internal/watcher"
)

// maxLineSize bounds one command line.
const maxLineSize = 16 * 1024 * 1024

// Editor reads commands from in and writes effects to out. It implements
// lsp.Editor.
type Editor struct {
	in      io.Reader
	logger  *zap.Logger
	servers map[string]config.Server
	watcher *watcher.Watcher

	clientName    string
	clientVersion string

	mu  sync.Mutex
	out io.Writer

	events chan lsp.Event
	group  errgroup.Group
}

// Option configures an Editor.
type Option func(*Editor)

// WithLogger sets the editor's logger.
func WithLogger(l *zap.Logger) Option {
	return func(e *Editor) {
		e.logger = l
	}
}

// WithServers sets the server configurations used by start_server commands
// that carry no inline config.
func WithServers(servers map[string]config.Server) Option {
	return func(e *Editor) {
		e.servers = servers
	}
}

// WithWatcher reports external changes to watched documents as
// "file_changed" effects.
func WithWatcher(w *watcher.Watcher) Option {
	return func(e *Editor) {
		e.watcher = w
	}
}

// WithClientInfo sets the name and version sent in the hello effect.
func WithClientInfo(name, version string) Option {
	return func(e *Editor) {
		e.clientName = name
		e.clientVersion = version
	}
}

// New creates an editor. Call Start to begin reading commands.
func New(in io.Reader, out io.Writer, opts ...Option) *Editor {
	e := &Editor{
		in:         in,
		out:        out,
		logger:     zap.NewNop(),
		servers:    make(map[string]config.Server),
		clientName: "lspc",
		events:     make(chan lsp.Event, 16),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Start begins reading commands and, with a watcher, forwarding file
// changes. The event channel is closed when the input ends or ctx is done.
func (e *Editor) Start(ctx context.Context) {
	go e.readLoop(ctx)
	if e.watcher != nil {
		e.group.Go(e.watchLoop)
	}
}

// Close stops the watcher and waits for its forwarding loop.
func (e *Editor) Close() error {
	if e.watcher == nil {
		return nil
	}
	err := e.watcher.Close()
	return errors.Join(err, e.group.Wait())
}

func (e *Editor) readLoop(ctx context.Context) {
	defer close(e.events)

	scanner := bufio.NewScanner(e.in)
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(strings.TrimSpace(string(line))) == 0 {
			continue
		}

		ev, err := e.parseCommand(line)
		if err != nil {
			e.logger.Warn("bad editor command", zap.Error(err), zap.ByteString("line", line))
			e.reportError(err)
			continue
		}

		if ctx.Err() != nil {
			return
		}
		select {
		case e.events <- ev:
		case <-ctx.Done():
			return
		}
	}
	if err := scanner.Err(); err != nil {
		e.logger.Error("reading editor commands", zap.Error(err))
	}
}

func (e *Editor) watchLoop() error {
	for ev := range e.watcher.Events() {
		doc := uri.File(ev.Path)
		e.logger.Debug("file changed", zap.String("path", ev.Path), zap.Stringer("op", ev.Op))
		if err := e.emit("file_changed", map[string]any{
			"uri":  string(doc),
			"path": ev.Path,
			"op":   ev.Op.String(),
		}); err != nil {
			return err
		}
	}
	return nil
}

// Events implements lsp.Editor.
func (e *Editor) Events() <-chan lsp.Event {
	return e.events
}

// Capabilities implements lsp.Editor.
func (e *Editor) Capabilities() protocol.ClientCapabilities {
	return protocol.ClientCapabilities{
		TextDocument: &protocol.TextDocumentClientCapabilities{
			Synchronization: &protocol.TextDocumentSyncClientCapabilities{},
			Hover: &protocol.HoverTextDocumentClientCapabilities{
				ContentFormat: []protocol.MarkupKind{protocol.Markdown, protocol.PlainText},
			},
			Definition: &protocol.DefinitionTextDocumentClientCapabilities{LinkSupport: true},
			Formatting: &protocol.DocumentFormattingClientCapabilities{},
		},
	}
}

// SayHello implements lsp.Editor.
func (e *Editor) SayHello() error {
	return e.emit("hello", map[string]any{
		"client":  e.clientName,
		"version": e.clientVersion,
	})
}

// Message implements lsp.Editor.
func (e *Editor) Message(text string) error {
	return e.emit("message", map[string]any{"text": text})
}

// ShowHover implements lsp.Editor.
func (e *Editor) ShowHover(doc uri.URI, hover protocol.Hover) error {
	fields := map[string]any{
		"uri":      string(doc),
		"kind":     string(hover.Contents.Kind),
		"contents": hover.Contents.Value,
	}
	if hover.Range != nil {
		fields["range"] = hover.Range
	}
	return e.emit("hover", fields)
}

// inlayHint is the effect form of one hint.
type inlayHint struct {
	Line      uint32 `json:"line"`
	Character uint32 `json:"character"`
	Label     string `json:"label"`
	Kind      string `json:"kind,omitempty"`
}

// ShowInlayHints implements lsp.Editor.
func (e *Editor) ShowInlayHints(doc uri.URI, hints []lsp.InlayHint) error {
	out := make([]inlayHint, 0, len(hints))
	for _, h := range hints {
		ih := inlayHint{Line: h.Position.Line, Character: h.Position.Character, Label: h.Label.String()}
		switch h.Kind {
		case lsp.InlayHintKindType:
			ih.Kind = "type"
		case lsp.InlayHintKindParameter:
			ih.Kind = "parameter"
		}
		out = append(out, ih)
	}
	return e.emit("inlay_hints", map[string]any{
		"uri":   string(doc),
		"hints": out,
	})
}

// ShowMessage implements lsp.Editor.
func (e *Editor) ShowMessage(params protocol.ShowMessageParams) error {
	return e.emit("show_message", map[string]any{
		"level": messageLevel(params.Type),
		"text":  params.Message,
	})
}

func messageLevel(t protocol.MessageType) string {
	switch t {
	case protocol.MessageTypeError:
		return "error"
	case protocol.MessageTypeWarning:
		return "warning"
	case protocol.MessageTypeInfo:
		return "info"
	default:
		return "log"
	}
}

// GotoLocation implements lsp.Editor.
func (e *Editor) GotoLocation(loc protocol.Location) error {
	fields := map[string]any{
		"uri":       string(loc.URI),
		"line":      loc.Range.Start.Line,
		"character": loc.Range.Start.Character,
	}
	if path := docPath(uri.URI(loc.URI)); path != "" {
		fields["path"] = path
	}
	return e.emit("goto", fields)
}

// ApplyEdits implements lsp.Editor. The front end receives the full
// resulting text.
func (e *Editor) ApplyEdits(doc uri.URI, lines []string, edits []protocol.TextEdit) error {
	result, err := textedit.Apply(lines, edits)
	if err != nil {
		return fmt.Errorf("applying %d edits to %s: %w", len(edits), doc, err)
	}
	return e.emit("apply_edits", map[string]any{
		"uri":   string(doc),
		"lines": result,
		"edits": len(edits),
	})
}

// WatchFile implements lsp.Editor. Without a watcher it does nothing.
func (e *Editor) WatchFile(doc uri.URI) error {
	if e.watcher == nil {
		return nil
	}
	path := docPath(doc)
	if path == "" {
		return nil
	}
	err := e.watcher.Watch(path)
	if errors.Is(err, watcher.ErrAlreadyWatching) || errors.Is(err, watcher.ErrPathNotExist) {
		return nil
	}
	return err
}

// reportError tells the front end a command was rejected.
func (e *Editor) reportError(err error) {
	fields := map[string]any{"text": err.Error()}
	var ee *lsp.EditorError
	if errors.As(err, &ee) {
		fields["kind"] = ee.Kind.String()
	}
	if werr := e.emit("error", fields); werr != nil {
		e.logger.Error("writing error effect", zap.Error(werr))
	}
}

// emit writes one effect line. Keys are written in sorted order after
// "type".
func (e *Editor) emit(kind string, fields map[string]any) error {
	line, err := sjson.SetBytes([]byte(`{}`), "type", kind)
	if err != nil {
		return err
	}
	for _, key := range sortedKeys(fields) {
		raw, err := json.Marshal(fields[key])
		if err != nil {
			return fmt.Errorf("encoding %s effect field %s: %w", kind, key, err)
		}
		if line, err = sjson.SetRawBytes(line, key, raw); err != nil {
			return err
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	_, err = e.out.Write(append(line, '\n'))
	return err
}

// docPath returns the filesystem path of a file URI, or "".
func docPath(doc uri.URI) string {
	if !strings.HasPrefix(string(doc), uri.FileScheme+"://") {
		return ""
	}
	return doc.Filename()
}
