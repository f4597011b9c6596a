// Package lsp is a Language Server Protocol client engine that sits between
// one text editor and any number of language servers.
//
// # Architecture
//
// The package is organized around these components:
//
//   - Transport: Content-Length framed JSON-RPC 2.0 over a server's stdio
//   - Handler: one running server, its lifecycle and its pending requests
//   - Engine: routes editor events to handlers and server replies to the editor
//   - BufferTable: maps editor buffers to documents and their open state
//
// # Dispatch
//
// Engine.Run is a single-threaded loop. Each iteration handles one editor
// event, one timer tick, or one message read from any server. Reader
// goroutines only decode frames and forward them to the loop; all engine
// state is owned by the loop goroutine.
//
//	engine := lsp.New(ed, lsp.WithLogger(logger))
//	if err := engine.Run(ctx); err != nil {
//	    log.Fatal(err)
//	}
//
// # Handler Lifecycle
//
// A handler starts Initializing. The initialize request is sent at once and
// every other outbound message is deferred until the server answers, after
// which the initialized notification is sent, the deferred messages are
// flushed in order and the handler becomes Active. A handler whose server
// exits or whose transport fails becomes Disconnected and is never reused;
// starting the same server again replaces it.
//
// # Routing
//
// Requests for a document go to the handler for its language whose root is
// the longest prefix of the document's path. Requests a server has not
// advertised support for are dropped with an IgnoredError.
//
// # Timeouts
//
// Every request carries a deadline. Tick expires overdue requests, sends
// $/cancelRequest for each and reports an EditorError wrapping
// ErrRequestTimeout. An initialize request that times out disconnects its
// handler.
package lsp
