package lsp

import (
	"go.lsp.dev/protocol"
	"go.lsp.dev/uri"
)

// Editor is the engine's view of the text editor. Every effect may fail;
// failures are logged by the dispatch loop and never stop it.
type Editor interface {
	// Events returns the editor's intents. Closing it ends the dispatch loop.
	Events() <-chan Event

	// Capabilities returns what the editor supports, sent with initialize.
	Capabilities() protocol.ClientCapabilities

	SayHello() error
	Message(text string) error
	ShowHover(doc uri.URI, hover protocol.Hover) error
	ShowInlayHints(doc uri.URI, hints []InlayHint) error
	ShowMessage(params protocol.ShowMessageParams) error
	GotoLocation(loc protocol.Location) error
	ApplyEdits(doc uri.URI, lines []string, edits []protocol.TextEdit) error
	WatchFile(doc uri.URI) error
}

// BufferID identifies an editor buffer.
type BufferID int64

// Event is an intent emitted by the editor. The set of variants is closed.
type Event interface {
	isEvent()
}

// Hello asks the editor to greet the user.
type Hello struct{}

// StartServer starts a language server for LangID rooted at the ancestor of
// CurPath that holds one of Config.RootMarkers.
type StartServer struct {
	LangID  string
	Config  ServerConfig
	CurPath string
}

// Hover requests hover information at Pos.
type Hover struct {
	LangID string
	Doc    uri.URI
	Pos    protocol.Position
}

// GotoDefinition requests the definition of the symbol at Pos.
type GotoDefinition struct {
	LangID string
	Doc    uri.URI
	Pos    protocol.Position
}

// InlayHints requests hints for Range, or for the whole document when Range
// is nil.
type InlayHints struct {
	LangID string
	Doc    uri.URI
	Range  *protocol.Range
}

// FormatDoc requests formatting edits for Doc, whose current content is Lines.
type FormatDoc struct {
	LangID string
	Doc    uri.URI
	Lines  []string
}

// DidOpen reports that Buffer now shows Doc.
type DidOpen struct {
	Buffer BufferID
	Doc    uri.URI
}

// DidChange reports one edit to Buffer.
type DidChange struct {
	Buffer  BufferID
	Version int32
	Change  ContentChange
}

func (Hello) isEvent()          {}
func (StartServer) isEvent()    {}
func (Hover) isEvent()          {}
func (GotoDefinition) isEvent() {}
func (InlayHints) isEvent()     {}
func (FormatDoc) isEvent()      {}
func (DidOpen) isEvent()        {}
func (DidChange) isEvent()      {}
