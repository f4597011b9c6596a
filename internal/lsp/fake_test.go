package lsp

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net/textproto"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/encoding/json"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
	"go.lsp.dev/protocol"
	"go.lsp.dev/uri"
)

// fakeServer is the far end of a transport: it records what the client
// wrote and lets the test write replies.
type fakeServer struct {
	t *testing.T

	fromClient *io.PipeReader
	toClient   *io.PipeWriter

	received chan gjson.Result

	mu       sync.Mutex
	released int
}

// newFakeServer returns a fake and the stdio the client should use.
func newFakeServer(t *testing.T) (*fakeServer, Stdio) {
	t.Helper()

	clientToServerR, clientToServerW := io.Pipe()
	serverToClientR, serverToClientW := io.Pipe()

	f := &fakeServer{
		t:          t,
		fromClient: clientToServerR,
		toClient:   serverToClientW,
		received:   make(chan gjson.Result, 64),
	}
	go f.readLoop()

	t.Cleanup(func() {
		_ = clientToServerR.Close()
		_ = serverToClientW.Close()
	})

	return f, Stdio{
		In:  clientToServerW,
		Out: serverToClientR,
		Release: func() error {
			f.mu.Lock()
			f.released++
			f.mu.Unlock()
			return serverToClientW.Close()
		},
	}
}

// readLoop parses frames written by the client. The server "exits" when
// its stdin is closed.
func (f *fakeServer) readLoop() {
	defer close(f.received)
	defer f.toClient.Close()

	r := textproto.NewReader(bufio.NewReader(f.fromClient))
	for {
		header, err := r.ReadMIMEHeader()
		if err != nil {
			return
		}
		n, err := strconv.Atoi(header.Get("Content-Length"))
		if err != nil {
			return
		}
		body := make([]byte, n)
		if _, err := io.ReadFull(r.R, body); err != nil {
			return
		}
		f.received <- gjson.ParseBytes(body)
	}
}

// next returns the next message written by the client.
func (f *fakeServer) next() gjson.Result {
	f.t.Helper()
	select {
	case msg, ok := <-f.received:
		require.True(f.t, ok, "client closed the stream")
		return msg
	case <-time.After(2 * time.Second):
		f.t.Fatal("timed out waiting for client message")
		return gjson.Result{}
	}
}

// expect returns the next message and checks its method.
func (f *fakeServer) expect(method string) gjson.Result {
	f.t.Helper()
	msg := f.next()
	require.Equal(f.t, method, msg.Get("method").String(), "unexpected message %s", msg.Raw)
	return msg
}

// quiet checks that the client wrote nothing more for a short while.
func (f *fakeServer) quiet() {
	f.t.Helper()
	select {
	case msg, ok := <-f.received:
		if ok {
			f.t.Fatalf("unexpected client message %s", msg.Raw)
		}
	case <-time.After(50 * time.Millisecond):
	}
}

func (f *fakeServer) writeRaw(body string) {
	f.t.Helper()
	_, err := fmt.Fprintf(f.toClient, "Content-Length: %d\r\n\r\n%s", len(body), body)
	require.NoError(f.t, err)
}

func (f *fakeServer) send(v any) {
	f.t.Helper()
	data, err := json.Marshal(v)
	require.NoError(f.t, err)
	f.writeRaw(string(data))
}

func (f *fakeServer) reply(id int64, result any) {
	f.t.Helper()
	f.send(map[string]any{"jsonrpc": "2.0", "id": id, "result": result})
}

func (f *fakeServer) notify(method string, params any) {
	f.t.Helper()
	f.send(map[string]any{"jsonrpc": "2.0", "method": method, "params": params})
}

// hangUp closes the server's output as if the process died.
func (f *fakeServer) hangUp() {
	_ = f.toClient.Close()
}

func (f *fakeServer) releases() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.released
}

// recordingEditor captures every effect the engine produces.
type recordingEditor struct {
	mu       sync.Mutex
	events   chan Event
	hellos   int
	messages []string
	hovers   []protocol.Hover
	hints    [][]InlayHint
	shown    []protocol.ShowMessageParams
	gotos    []protocol.Location
	edits    []appliedEdits
	watched  []uri.URI
	fail     error
}

type appliedEdits struct {
	doc   uri.URI
	lines []string
	edits []protocol.TextEdit
}

func newRecordingEditor() *recordingEditor {
	return &recordingEditor{events: make(chan Event, 16)}
}

func (r *recordingEditor) Events() <-chan Event { return r.events }

func (r *recordingEditor) Capabilities() protocol.ClientCapabilities {
	return protocol.ClientCapabilities{}
}

func (r *recordingEditor) record(fn func()) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	fn()
	return r.fail
}

func (r *recordingEditor) SayHello() error {
	return r.record(func() { r.hellos++ })
}

func (r *recordingEditor) Message(text string) error {
	return r.record(func() { r.messages = append(r.messages, text) })
}

func (r *recordingEditor) ShowHover(_ uri.URI, hover protocol.Hover) error {
	return r.record(func() { r.hovers = append(r.hovers, hover) })
}

func (r *recordingEditor) ShowInlayHints(_ uri.URI, hints []InlayHint) error {
	return r.record(func() { r.hints = append(r.hints, hints) })
}

func (r *recordingEditor) ShowMessage(params protocol.ShowMessageParams) error {
	return r.record(func() { r.shown = append(r.shown, params) })
}

func (r *recordingEditor) GotoLocation(loc protocol.Location) error {
	return r.record(func() { r.gotos = append(r.gotos, loc) })
}

func (r *recordingEditor) ApplyEdits(doc uri.URI, lines []string, edits []protocol.TextEdit) error {
	return r.record(func() { r.edits = append(r.edits, appliedEdits{doc: doc, lines: lines, edits: edits}) })
}

func (r *recordingEditor) WatchFile(doc uri.URI) error {
	return r.record(func() { r.watched = append(r.watched, doc) })
}

func (r *recordingEditor) snapshot() recordingEditor {
	r.mu.Lock()
	defer r.mu.Unlock()
	return recordingEditor{
		hellos:   r.hellos,
		messages: append([]string(nil), r.messages...),
		hovers:   append([]protocol.Hover(nil), r.hovers...),
		hints:    append([][]InlayHint(nil), r.hints...),
		shown:    append([]protocol.ShowMessageParams(nil), r.shown...),
		gotos:    append([]protocol.Location(nil), r.gotos...),
		edits:    append([]appliedEdits(nil), r.edits...),
		watched:  append([]uri.URI(nil), r.watched...),
	}
}

// fakeSpawner hands out a fake server per spawn.
type fakeSpawner struct {
	t       *testing.T
	servers chan *fakeServer
	roots   chan string
	err     error
}

func newFakeSpawner(t *testing.T) *fakeSpawner {
	return &fakeSpawner{t: t, servers: make(chan *fakeServer, 8), roots: make(chan string, 8)}
}

func (s *fakeSpawner) Spawn(_ context.Context, _ string, _ ServerConfig, root string) (Stdio, error) {
	if s.err != nil {
		return Stdio{}, s.err
	}
	f, stdio := newFakeServer(s.t)
	s.servers <- f
	s.roots <- root
	return stdio, nil
}

func (s *fakeSpawner) server() *fakeServer {
	s.t.Helper()
	select {
	case f := <-s.servers:
		return f
	case <-time.After(2 * time.Second):
		s.t.Fatal("no server spawned")
		return nil
	}
}
