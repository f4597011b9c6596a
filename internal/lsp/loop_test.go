package lsp

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/segmentio/encoding/json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.lsp.dev/uri"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

// respond plays a well-behaved server on f until the client closes its
// stdin, reporting every method it sees.
func respond(f *fakeServer, seen chan<- string) {
	defer close(seen)
	for msg := range f.received {
		method := msg.Get("method").String()
		seen <- method
		if !msg.Get("id").Exists() {
			continue
		}

		var result any
		switch method {
		case MethodInitialize:
			result = map[string]any{"capabilities": allCapabilities}
		case MethodHover:
			result = map[string]any{"contents": "fn main()"}
		}
		body, _ := json.Marshal(map[string]any{"jsonrpc": "2.0", "id": msg.Get("id").Value(), "result": result})
		_, _ = fmt.Fprintf(f.toClient, "Content-Length: %d\r\n\r\n%s", len(body), body)
	}
}

func TestEngine_Run(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	editor := newRecordingEditor()
	spawner := newFakeSpawner(t)
	e := New(editor,
		WithSpawner(spawner),
		WithLogger(zap.New(core)),
		WithTickInterval(10*time.Millisecond),
		WithShutdownTimeout(time.Second),
	)

	base := makeTree(t, "proj/Cargo.toml", "proj/src/main.rs")
	mainRS := filepath.Join(base, "proj", "src", "main.rs")

	runErr := make(chan error, 1)
	go func() { runErr <- e.Run(context.Background()) }()

	editor.events <- StartServer{LangID: "rust", Config: rustConfig(), CurPath: mainRS}
	f := spawner.server()
	seen := make(chan string, 16)
	go respond(f, seen)

	require.Eventually(t, func() bool {
		return len(editor.snapshot().messages) == 1
	}, 2*time.Second, 10*time.Millisecond)

	editor.events <- Hover{LangID: "rust", Doc: uri.File(mainRS)}
	require.Eventually(t, func() bool {
		return len(editor.snapshot().hovers) == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, "fn main()", editor.snapshot().hovers[0].Contents.Value)

	close(editor.events)
	select {
	case err := <-runErr:
		require.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not return after the editor closed")
	}

	var methods []string
	timeout := time.After(2 * time.Second)
collect:
	for {
		select {
		case m, ok := <-seen:
			if !ok {
				break collect
			}
			methods = append(methods, m)
		case <-timeout:
			t.Fatal("server stdin never closed")
		}
	}
	assert.Equal(t, []string{
		MethodInitialize,
		MethodInitialized,
		MethodHover,
		MethodShutdown,
		MethodExit,
	}, methods)

	assert.Equal(t, HandlerDisconnected, e.Handlers()[0].State())
	assert.Equal(t, 1, logs.FilterMessage("dispatch loop stopped").Len())
	assert.Zero(t, logs.FilterMessage("servers did not answer shutdown in time").Len())
	assert.NoError(t, e.Shutdown())
}

func TestEngine_RunStopsOnCancel(t *testing.T) {
	e := New(newRecordingEditor(), WithSpawner(newFakeSpawner(t)))
	ctx, cancel := context.WithCancel(context.Background())

	runErr := make(chan error, 1)
	go func() { runErr <- e.Run(ctx) }()
	cancel()

	select {
	case err := <-runErr:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestEngine_ShutdownWithoutAnswer(t *testing.T) {
	fx := newEngineFixture(t)
	base := makeTree(t, "proj/Cargo.toml")
	f := fx.startServer("rust", rustConfig(), filepath.Join(base, "proj"), allCapabilities)

	require.NoError(t, fx.engine.Shutdown())
	f.expect(MethodShutdown)
	f.expect(MethodExit)
	assert.Equal(t, 1, fx.logs.FilterMessage("servers did not answer shutdown in time").Len())
	assert.Equal(t, HandlerDisconnected, fx.engine.Handlers()[0].State())
	assert.Equal(t, 1, f.releases())
}

func TestEngine_Report(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	e := New(newRecordingEditor(), WithSpawner(newFakeSpawner(t)), WithLogger(zap.New(core)))

	e.report(nil)
	e.report(ignored("nothing to do"))
	e.report(&EditorError{Kind: EditorTimeout, Err: ErrRequestTimeout})
	e.report(&ServerError{LanguageID: "go", Kind: ServerInvalidResponse, Raw: []byte(`{}`), Err: errors.New("bad result")})
	e.report(errors.Join(
		&EditorError{Kind: EditorFailure, Err: errors.New("editor gone")},
		errors.New("boom"),
	))

	entries := logs.All()
	require.Len(t, entries, 5)

	want := []struct {
		level zapcore.Level
		msg   string
	}{
		{zapcore.InfoLevel, "ignored"},
		{zapcore.WarnLevel, "request timed out"},
		{zapcore.ErrorLevel, "server error"},
		{zapcore.ErrorLevel, "editor error"},
		{zapcore.ErrorLevel, "main loop error"},
	}
	for i, w := range want {
		assert.Equal(t, w.level, entries[i].Level, "entry %d", i)
		assert.Equal(t, w.msg, entries[i].Message, "entry %d", i)
	}
	assert.Equal(t, "nothing to do", entries[0].ContextMap()["reason"])
	assert.Equal(t, "go", entries[2].ContextMap()["lang"])
}
