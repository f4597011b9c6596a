package lsp

import (
	"time"

	"go.lsp.dev/uri"
)

// PendingRequest is the engine's record of an in-flight request: what to do
// with the response once it arrives. The set of variants is closed.
type PendingRequest interface {
	// Method returns the LSP method the request was sent with.
	Method() string
	isPending()
}

// InitializeRequest completes the handshake.
type InitializeRequest struct{}

// HoverRequest forwards hover content for Doc to the editor.
type HoverRequest struct {
	Doc uri.URI
}

// DefinitionRequest moves the editor to the definition found from Doc.
type DefinitionRequest struct {
	Doc uri.URI
}

// InlayHintsRequest forwards inlay hints for Doc to the editor.
type InlayHintsRequest struct {
	Doc uri.URI
}

// FormatRequest applies formatting edits to Lines, the buffer content the
// request was computed against.
type FormatRequest struct {
	Doc   uri.URI
	Lines []string
}

// ShutdownRequest is answered before the exit notification is sent.
type ShutdownRequest struct{}

func (InitializeRequest) Method() string { return MethodInitialize }
func (HoverRequest) Method() string      { return MethodHover }
func (DefinitionRequest) Method() string { return MethodDefinition }
func (InlayHintsRequest) Method() string { return MethodInlayHint }
func (FormatRequest) Method() string     { return MethodFormatting }
func (ShutdownRequest) Method() string   { return MethodShutdown }

func (InitializeRequest) isPending() {}
func (HoverRequest) isPending()      {}
func (DefinitionRequest) isPending() {}
func (InlayHintsRequest) isPending() {}
func (FormatRequest) isPending()     {}
func (ShutdownRequest) isPending()   {}

// pendingEntry is one row of a handler's pending table.
type pendingEntry struct {
	req      PendingRequest
	sent     time.Time
	deadline time.Time
}

// Expired is a pending request removed because its deadline passed.
type Expired struct {
	ID      int64
	Request PendingRequest
	Age     time.Duration
}
