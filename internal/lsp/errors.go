package lsp

import (
	"errors"
	"fmt"
)

// Standard errors returned by the engine.
var (
	// ErrNotStarted indicates no language server is running for the language.
	ErrNotStarted = errors.New("language server not started")

	// ErrAlreadyStarted indicates a server already runs for the language and root.
	ErrAlreadyStarted = errors.New("language server already started")

	// ErrServerDisconnected indicates the server's stream ended or its process exited.
	ErrServerDisconnected = errors.New("server disconnected")

	// ErrRootPathNotFound indicates no ancestor directory holds a root marker.
	ErrRootPathNotFound = errors.New("root path not found")

	// ErrRequestTimeout indicates a request passed its deadline without a response.
	ErrRequestTimeout = errors.New("request timed out")

	// ErrTransportClosed indicates a send on a closed transport.
	ErrTransportClosed = errors.New("transport closed")
)

// RPCError represents a JSON-RPC error from the server.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// Error implements the error interface.
func (e *RPCError) Error() string {
	if e.Data != nil {
		return fmt.Sprintf("rpc error %d: %s (data: %v)", e.Code, e.Message, e.Data)
	}
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// Standard JSON-RPC error codes.
const (
	// JSON-RPC standard errors
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603

	// LSP-specific errors
	CodeServerNotInitialized = -32002
	CodeUnknownErrorCode     = -32001
	CodeRequestCancelled     = -32800
	CodeContentModified      = -32801
)

// EditorErrorKind classifies failures on the editor side of the engine.
type EditorErrorKind int

const (
	EditorTimeout EditorErrorKind = iota
	EditorParse
	EditorInvalidCommandData
	EditorUnexpectedResponse
	EditorUnexpectedMessage
	EditorFailure
	EditorRootPathNotFound
)

// String returns the kind name.
func (k EditorErrorKind) String() string {
	switch k {
	case EditorTimeout:
		return "timeout"
	case EditorParse:
		return "parse"
	case EditorInvalidCommandData:
		return "invalid command data"
	case EditorUnexpectedResponse:
		return "unexpected response"
	case EditorUnexpectedMessage:
		return "unexpected message"
	case EditorFailure:
		return "failure"
	case EditorRootPathNotFound:
		return "root path not found"
	default:
		return fmt.Sprintf("unknown(%d)", int(k))
	}
}

// EditorError reports a failure while talking to the editor or acting on its
// behalf.
type EditorError struct {
	Kind EditorErrorKind
	Err  error
}

// Error implements the error interface.
func (e *EditorError) Error() string {
	if e.Err == nil {
		return "editor: " + e.Kind.String()
	}
	return fmt.Sprintf("editor: %s: %v", e.Kind, e.Err)
}

// Unwrap returns the underlying error.
func (e *EditorError) Unwrap() error {
	return e.Err
}

// ServerErrorKind classifies failures on the language server side.
type ServerErrorKind int

const (
	ServerProcess ServerErrorKind = iota
	ServerDisconnected
	ServerInvalidRequest
	ServerInvalidNotification
	ServerInvalidResponse
	ServerInvalidMessage
)

// String returns the kind name.
func (k ServerErrorKind) String() string {
	switch k {
	case ServerProcess:
		return "process"
	case ServerDisconnected:
		return "disconnected"
	case ServerInvalidRequest:
		return "invalid request"
	case ServerInvalidNotification:
		return "invalid notification"
	case ServerInvalidResponse:
		return "invalid response"
	case ServerInvalidMessage:
		return "invalid message"
	default:
		return fmt.Sprintf("unknown(%d)", int(k))
	}
}

// ServerError represents an error related to a language server. Decode
// failures keep the offending payload in Raw.
type ServerError struct {
	LanguageID string
	Kind       ServerErrorKind
	Raw        []byte
	Err        error
}

// Error implements the error interface.
func (e *ServerError) Error() string {
	lang := e.LanguageID
	if lang == "" {
		lang = "?"
	}
	if e.Err == nil {
		return fmt.Sprintf("server %s: %s", lang, e.Kind)
	}
	return fmt.Sprintf("server %s: %s: %v", lang, e.Kind, e.Err)
}

// Unwrap returns the underlying error.
func (e *ServerError) Unwrap() error {
	return e.Err
}

// IgnoredError marks an event or message the engine deliberately did not act
// on. The dispatch loop logs it at info level.
type IgnoredError struct {
	Reason string
	Err    error
}

// Error implements the error interface.
func (e *IgnoredError) Error() string {
	return "ignored: " + e.Reason
}

// Unwrap returns the underlying error.
func (e *IgnoredError) Unwrap() error {
	return e.Err
}

func ignored(format string, args ...any) error {
	return &IgnoredError{Reason: fmt.Sprintf(format, args...)}
}

// IsIgnored reports whether err is, or wraps, an IgnoredError.
func IsIgnored(err error) bool {
	var ie *IgnoredError
	return errors.As(err, &ie)
}
