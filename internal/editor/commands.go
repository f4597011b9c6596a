package editor

import (
	"errors"
	"fmt"
	"math"
	"path/filepath"
	"sort"

	"github.com/segmentio/encoding/json"
	"github.com/tidwall/gjson"
	"go.lsp.dev/protocol"
	"go.lsp.dev/uri"

	"github.com/dshills/lspc/internal/config"
	"github.com/dshills/lspc/internal/lsp"
)

// Command types accepted on the input stream.
const (
	CmdHello          = "hello"
	CmdStartServer    = "start_server"
	CmdHover          = "hover"
	CmdGotoDefinition = "goto_definition"
	CmdInlayHints     = "inlay_hints"
	CmdFormat         = "format"
	CmdDidOpen        = "did_open"
	CmdDidChange      = "did_change"
)

var (
	errMissingField = errors.New("missing field")
	errWrongType    = errors.New("wrong field type")
	errOutOfRange   = errors.New("field out of range")
)

func invalid(err error) error {
	return &lsp.EditorError{Kind: lsp.EditorInvalidCommandData, Err: err}
}

// parseCommand turns one input line into an engine event.
func (e *Editor) parseCommand(line []byte) (lsp.Event, error) {
	if !gjson.ValidBytes(line) {
		return nil, &lsp.EditorError{Kind: lsp.EditorParse, Err: fmt.Errorf("invalid JSON: %.40q", line)}
	}
	cmd := gjson.ParseBytes(line)
	if !cmd.IsObject() {
		return nil, &lsp.EditorError{Kind: lsp.EditorParse, Err: errors.New("command is not an object")}
	}

	kind := cmd.Get("type")
	if kind.Type != gjson.String {
		return nil, invalid(fmt.Errorf("%w: type", errMissingField))
	}

	switch kind.Str {
	case CmdHello:
		return lsp.Hello{}, nil
	case CmdStartServer:
		return e.parseStartServer(cmd)
	case CmdHover:
		lang, doc, pos, err := parsePositional(cmd)
		if err != nil {
			return nil, err
		}
		return lsp.Hover{LangID: lang, Doc: doc, Pos: pos}, nil
	case CmdGotoDefinition:
		lang, doc, pos, err := parsePositional(cmd)
		if err != nil {
			return nil, err
		}
		return lsp.GotoDefinition{LangID: lang, Doc: doc, Pos: pos}, nil
	case CmdInlayHints:
		return parseInlayHints(cmd)
	case CmdFormat:
		return parseFormat(cmd)
	case CmdDidOpen:
		return parseDidOpen(cmd)
	case CmdDidChange:
		return parseDidChange(cmd)
	default:
		return nil, &lsp.EditorError{Kind: lsp.EditorUnexpectedMessage, Err: fmt.Errorf("unknown command %q", kind.Str)}
	}
}

func (e *Editor) parseStartServer(cmd gjson.Result) (lsp.Event, error) {
	lang, err := stringField(cmd, "lang_id")
	if err != nil {
		return nil, err
	}
	curPath, err := stringField(cmd, "cur_path")
	if err != nil {
		return nil, err
	}

	var server config.Server
	if inline := cmd.Get("config"); inline.Exists() {
		if !inline.IsObject() {
			return nil, invalid(fmt.Errorf("%w: config", errWrongType))
		}
		if err := json.Unmarshal([]byte(inline.Raw), &server); err != nil {
			return nil, invalid(fmt.Errorf("config: %w", err))
		}
	} else {
		var ok bool
		if server, ok = e.servers[lang]; !ok {
			return nil, invalid(fmt.Errorf("no server configured for %q", lang))
		}
	}
	if err := server.Validate(); err != nil {
		return nil, invalid(fmt.Errorf("server for %q: %w", lang, err))
	}

	return lsp.StartServer{LangID: lang, Config: server.LSP(), CurPath: curPath}, nil
}

func parsePositional(cmd gjson.Result) (string, uri.URI, protocol.Position, error) {
	lang, err := stringField(cmd, "lang_id")
	if err != nil {
		return "", "", protocol.Position{}, err
	}
	doc, err := document(cmd)
	if err != nil {
		return "", "", protocol.Position{}, err
	}
	pos, err := position(cmd)
	if err != nil {
		return "", "", protocol.Position{}, err
	}
	return lang, doc, pos, nil
}

func parseInlayHints(cmd gjson.Result) (lsp.Event, error) {
	lang, err := stringField(cmd, "lang_id")
	if err != nil {
		return nil, err
	}
	doc, err := document(cmd)
	if err != nil {
		return nil, err
	}
	rng, err := optionalRange(cmd)
	if err != nil {
		return nil, err
	}
	return lsp.InlayHints{LangID: lang, Doc: doc, Range: rng}, nil
}

func parseFormat(cmd gjson.Result) (lsp.Event, error) {
	lang, err := stringField(cmd, "lang_id")
	if err != nil {
		return nil, err
	}
	doc, err := document(cmd)
	if err != nil {
		return nil, err
	}

	raw := cmd.Get("lines")
	if !raw.IsArray() {
		return nil, invalid(fmt.Errorf("%w: lines", errMissingField))
	}
	var lines []string
	for _, l := range raw.Array() {
		if l.Type != gjson.String {
			return nil, invalid(fmt.Errorf("%w: lines", errWrongType))
		}
		lines = append(lines, l.Str)
	}
	return lsp.FormatDoc{LangID: lang, Doc: doc, Lines: lines}, nil
}

func parseDidOpen(cmd gjson.Result) (lsp.Event, error) {
	buf, err := intField(cmd, "buffer")
	if err != nil {
		return nil, err
	}
	doc, err := document(cmd)
	if err != nil {
		return nil, err
	}
	return lsp.DidOpen{Buffer: lsp.BufferID(buf), Doc: doc}, nil
}

func parseDidChange(cmd gjson.Result) (lsp.Event, error) {
	buf, err := intField(cmd, "buffer")
	if err != nil {
		return nil, err
	}
	version, err := boundedField(cmd, "version", math.MinInt32, math.MaxInt32)
	if err != nil {
		return nil, err
	}
	text := cmd.Get("text")
	if text.Type != gjson.String {
		return nil, invalid(fmt.Errorf("%w: text", errMissingField))
	}
	rng, err := optionalRange(cmd)
	if err != nil {
		return nil, err
	}
	return lsp.DidChange{
		Buffer:  lsp.BufferID(buf),
		Version: int32(version),
		Change:  lsp.ContentChange{Range: rng, Text: text.Str},
	}, nil
}

// document reads "uri", or "path" when no uri is given.
func document(cmd gjson.Result) (uri.URI, error) {
	if u := cmd.Get("uri"); u.Exists() {
		if u.Type != gjson.String || u.Str == "" {
			return "", invalid(fmt.Errorf("%w: uri", errWrongType))
		}
		return uri.URI(u.Str), nil
	}
	path, err := stringField(cmd, "path")
	if err != nil {
		return "", invalid(fmt.Errorf("%w: uri or path", errMissingField))
	}
	if abs, err := filepath.Abs(path); err == nil {
		path = abs
	}
	return uri.File(path), nil
}

func position(cmd gjson.Result) (protocol.Position, error) {
	line, err := boundedField(cmd, "line", 0, math.MaxUint32)
	if err != nil {
		return protocol.Position{}, err
	}
	char, err := boundedField(cmd, "character", 0, math.MaxUint32)
	if err != nil {
		return protocol.Position{}, err
	}
	return protocol.Position{Line: uint32(line), Character: uint32(char)}, nil
}

func optionalRange(cmd gjson.Result) (*protocol.Range, error) {
	raw := cmd.Get("range")
	if !raw.Exists() || raw.Type == gjson.Null {
		return nil, nil
	}
	for _, key := range []string{"start.line", "start.character", "end.line", "end.character"} {
		if _, err := boundedField(raw, key, 0, math.MaxUint32); err != nil {
			return nil, err
		}
	}
	var rng protocol.Range
	if err := json.Unmarshal([]byte(raw.Raw), &rng); err != nil {
		return nil, invalid(fmt.Errorf("range: %w", err))
	}
	return &rng, nil
}

func stringField(cmd gjson.Result, key string) (string, error) {
	v := cmd.Get(key)
	if !v.Exists() {
		return "", invalid(fmt.Errorf("%w: %s", errMissingField, key))
	}
	if v.Type != gjson.String || v.Str == "" {
		return "", invalid(fmt.Errorf("%w: %s", errWrongType, key))
	}
	return v.Str, nil
}

func intField(cmd gjson.Result, key string) (int64, error) {
	v := cmd.Get(key)
	if !v.Exists() {
		return 0, invalid(fmt.Errorf("%w: %s", errMissingField, key))
	}
	if v.Type != gjson.Number || v.Num != float64(v.Int()) {
		return 0, invalid(fmt.Errorf("%w: %s", errWrongType, key))
	}
	return v.Int(), nil
}

// boundedField is intField limited to [lo, hi].
func boundedField(cmd gjson.Result, key string, lo, hi int64) (int64, error) {
	n, err := intField(cmd, key)
	if err != nil {
		return 0, err
	}
	if n < lo || n > hi {
		return 0, invalid(fmt.Errorf("%w: %s = %d", errOutOfRange, key, n))
	}
	return n, nil
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
