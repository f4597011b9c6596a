package lsp

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"

	"github.com/segmentio/encoding/json"
	"github.com/tidwall/gjson"
)

// LSP method names used by the engine.
const (
	MethodInitialize    = "initialize"
	MethodInitialized   = "initialized"
	MethodShutdown      = "shutdown"
	MethodExit          = "exit"
	MethodHover         = "textDocument/hover"
	MethodDefinition    = "textDocument/definition"
	MethodInlayHint     = "textDocument/inlayHint"
	MethodFormatting    = "textDocument/formatting"
	MethodDidOpen       = "textDocument/didOpen"
	MethodDidChange     = "textDocument/didChange"
	MethodShowMessage   = "window/showMessage"
	MethodLogMessage    = "window/logMessage"
	MethodCancelRequest = "$/cancelRequest"
)

const jsonrpcVersion = "2.0"

// ID is a JSON-RPC request identifier, either a number or a string.
type ID struct {
	num   int64
	str   string
	isStr bool
}

// NumberID returns a numeric identifier.
func NumberID(n int64) ID { return ID{num: n} }

// StringID returns a string identifier.
func StringID(s string) ID { return ID{str: s, isStr: true} }

// Int64 returns the numeric value of the identifier. String identifiers that
// hold a decimal number are accepted as well.
func (id ID) Int64() (int64, bool) {
	if !id.isStr {
		return id.num, true
	}
	n, err := strconv.ParseInt(id.str, 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

// String returns the identifier as text.
func (id ID) String() string {
	if id.isStr {
		return id.str
	}
	return strconv.FormatInt(id.num, 10)
}

// MarshalJSON implements json.Marshaler.
func (id ID) MarshalJSON() ([]byte, error) {
	if id.isStr {
		return json.Marshal(id.str)
	}
	return strconv.AppendInt(nil, id.num, 10), nil
}

// UnmarshalJSON implements json.Unmarshaler.
func (id *ID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return errors.New("id is null")
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*id = StringID(s)
		return nil
	}
	n, err := strconv.ParseInt(string(data), 10, 64)
	if err != nil {
		return fmt.Errorf("id must be an integer or string: %w", err)
	}
	*id = NumberID(n)
	return nil
}

// Message is one decoded JSON-RPC unit: *Request, *Notification or *Response.
type Message interface {
	isMessage()
}

// Request is a JSON-RPC request. Servers send these to the client too.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      ID              `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// Notification is a JSON-RPC notification.
type Notification struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// Response is a JSON-RPC response.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      ID              `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

func (*Request) isMessage()      {}
func (*Notification) isMessage() {}
func (*Response) isMessage()     {}

// IsNull reports whether the response carries no result.
func (r *Response) IsNull() bool {
	return len(r.Result) == 0 || bytes.Equal(bytes.TrimSpace(r.Result), []byte("null"))
}

func encodeParams(params any) (json.RawMessage, error) {
	if params == nil {
		return nil, nil
	}
	data, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("marshal params: %w", err)
	}
	return data, nil
}

// NewRequest builds a request with the given numeric id.
func NewRequest(id int64, method string, params any) (*Request, error) {
	raw, err := encodeParams(params)
	if err != nil {
		return nil, err
	}
	return &Request{JSONRPC: jsonrpcVersion, ID: NumberID(id), Method: method, Params: raw}, nil
}

// NewNotification builds a notification.
func NewNotification(method string, params any) (*Notification, error) {
	raw, err := encodeParams(params)
	if err != nil {
		return nil, err
	}
	return &Notification{JSONRPC: jsonrpcVersion, Method: method, Params: raw}, nil
}

// NewErrorResponse builds an error reply to a server-initiated request.
func NewErrorResponse(id ID, code int, message string) *Response {
	return &Response{JSONRPC: jsonrpcVersion, ID: id, Error: &RPCError{Code: code, Message: message}}
}

// DecodeMessage classifies and decodes one frame body. Failures are returned
// as *ServerError carrying the raw payload.
func DecodeMessage(data []byte) (Message, error) {
	if !gjson.ValidBytes(data) {
		return nil, &ServerError{Kind: ServerInvalidMessage, Raw: data, Err: errors.New("malformed json")}
	}

	fields := gjson.GetManyBytes(data, "id", "method", "result", "error")
	id, method, result, rpcErr := fields[0], fields[1], fields[2], fields[3]

	switch {
	case method.Exists() && id.Exists():
		var req Request
		if err := json.Unmarshal(data, &req); err != nil {
			return nil, &ServerError{Kind: ServerInvalidRequest, Raw: data, Err: err}
		}
		return &req, nil
	case method.Exists():
		var n Notification
		if err := json.Unmarshal(data, &n); err != nil {
			return nil, &ServerError{Kind: ServerInvalidNotification, Raw: data, Err: err}
		}
		return &n, nil
	case id.Exists() && (result.Exists() || rpcErr.Exists()):
		var resp Response
		if err := json.Unmarshal(data, &resp); err != nil {
			return nil, &ServerError{Kind: ServerInvalidResponse, Raw: data, Err: err}
		}
		return &resp, nil
	default:
		return nil, &ServerError{Kind: ServerInvalidMessage, Raw: data, Err: errors.New("not a request, notification or response")}
	}
}

// Cast decodes the params of n into P when n is a method notification.
// When the method does not match, or the params do not decode, n is handed
// back so the caller can fall through to another kind.
func Cast[P any](n *Notification, method string) (P, *Notification, error) {
	var payload P
	if n.Method != method {
		return payload, n, nil
	}
	if err := json.Unmarshal(n.Params, &payload); err != nil {
		return payload, n, &ServerError{Kind: ServerInvalidNotification, Raw: n.Params, Err: err}
	}
	return payload, nil, nil
}
