package lsp

import (
	"fmt"
	"strings"

	"github.com/segmentio/encoding/json"
	"github.com/tidwall/gjson"
	"go.lsp.dev/protocol"
	"go.lsp.dev/uri"
)

// Parameter and result shapes the engine puts on the wire.

type clientInfo struct {
	Name    string `json:"name"`
	Version string `json:"version,omitempty"`
}

type workspaceFolder struct {
	URI  uri.URI `json:"uri"`
	Name string  `json:"name"`
}

type initializeParams struct {
	ProcessID             int                         `json:"processId"`
	ClientInfo            *clientInfo                 `json:"clientInfo,omitempty"`
	RootPath              string                      `json:"rootPath,omitempty"`
	RootURI               uri.URI                     `json:"rootUri"`
	InitializationOptions any                         `json:"initializationOptions,omitempty"`
	Capabilities          protocol.ClientCapabilities `json:"capabilities"`
	WorkspaceFolders      []workspaceFolder           `json:"workspaceFolders,omitempty"`
}

type initializeResult struct {
	Capabilities json.RawMessage      `json:"capabilities"`
	ServerInfo   *protocol.ServerInfo `json:"serverInfo,omitempty"`
}

type textDocumentIdentifier struct {
	URI uri.URI `json:"uri"`
}

type positionParams struct {
	TextDocument textDocumentIdentifier `json:"textDocument"`
	Position     protocol.Position      `json:"position"`
}

type textDocumentItem struct {
	URI        uri.URI `json:"uri"`
	LanguageID string  `json:"languageId"`
	Version    int32   `json:"version"`
	Text       string  `json:"text"`
}

type didOpenParams struct {
	TextDocument textDocumentItem `json:"textDocument"`
}

type versionedTextDocumentIdentifier struct {
	URI     uri.URI `json:"uri"`
	Version int32   `json:"version"`
}

// ContentChange is one edit to a buffer. A nil Range replaces the whole
// document with Text.
type ContentChange struct {
	Range *protocol.Range `json:"range,omitempty"`
	Text  string          `json:"text"`
}

type didChangeParams struct {
	TextDocument   versionedTextDocumentIdentifier `json:"textDocument"`
	ContentChanges []ContentChange                 `json:"contentChanges"`
}

type formattingParams struct {
	TextDocument textDocumentIdentifier     `json:"textDocument"`
	Options      protocol.FormattingOptions `json:"options"`
}

type inlayHintParams struct {
	TextDocument textDocumentIdentifier `json:"textDocument"`
	Range        protocol.Range         `json:"range"`
}

type locationLink struct {
	TargetURI            uri.URI        `json:"targetUri"`
	TargetRange          protocol.Range `json:"targetRange"`
	TargetSelectionRange protocol.Range `json:"targetSelectionRange"`
}

// decodeHover accepts every historical shape of hover contents (a plain
// MarkedString, a {language, value} pair, an array of either, or
// MarkupContent) and returns it as MarkupContent.
func decodeHover(raw []byte) (protocol.Hover, error) {
	var hover protocol.Hover

	contents := gjson.GetBytes(raw, "contents")
	if !contents.Exists() {
		return hover, fmt.Errorf("hover without contents")
	}

	switch {
	case contents.Type == gjson.String:
		hover.Contents = protocol.MarkupContent{Kind: protocol.Markdown, Value: contents.String()}
	case contents.IsArray():
		var parts []string
		for _, item := range contents.Array() {
			if s := markedString(item); s != "" {
				parts = append(parts, s)
			}
		}
		hover.Contents = protocol.MarkupContent{Kind: protocol.Markdown, Value: strings.Join(parts, "\n\n")}
	case contents.IsObject() && contents.Get("kind").Exists():
		hover.Contents = protocol.MarkupContent{
			Kind:  protocol.MarkupKind(contents.Get("kind").String()),
			Value: contents.Get("value").String(),
		}
	case contents.IsObject():
		hover.Contents = protocol.MarkupContent{Kind: protocol.Markdown, Value: markedString(contents)}
	default:
		return hover, fmt.Errorf("unsupported hover contents %s", contents.Raw)
	}

	if r := gjson.GetBytes(raw, "range"); r.IsObject() {
		var rng protocol.Range
		if err := json.Unmarshal([]byte(r.Raw), &rng); err != nil {
			return hover, fmt.Errorf("hover range: %w", err)
		}
		hover.Range = &rng
	}
	return hover, nil
}

func markedString(v gjson.Result) string {
	if v.Type == gjson.String {
		return v.String()
	}
	value := v.Get("value").String()
	if lang := v.Get("language").String(); lang != "" {
		return "```" + lang + "\n" + value + "\n```"
	}
	return value
}

// decodeLocations normalizes a definition result (Location, Location[],
// LocationLink[] or null) to locations.
func decodeLocations(raw []byte) ([]protocol.Location, error) {
	res := gjson.ParseBytes(raw)
	switch {
	case res.Type == gjson.Null:
		return nil, nil
	case res.IsObject():
		loc, err := decodeLocation(res)
		if err != nil {
			return nil, err
		}
		return []protocol.Location{loc}, nil
	case res.IsArray():
		items := res.Array()
		locs := make([]protocol.Location, 0, len(items))
		for _, item := range items {
			loc, err := decodeLocation(item)
			if err != nil {
				return nil, err
			}
			locs = append(locs, loc)
		}
		return locs, nil
	default:
		return nil, fmt.Errorf("unsupported definition result %s", res.Raw)
	}
}

func decodeLocation(v gjson.Result) (protocol.Location, error) {
	if v.Get("targetUri").Exists() {
		var link locationLink
		if err := json.Unmarshal([]byte(v.Raw), &link); err != nil {
			return protocol.Location{}, fmt.Errorf("location link: %w", err)
		}
		return protocol.Location{
			URI:   protocol.DocumentURI(link.TargetURI),
			Range: link.TargetSelectionRange,
		}, nil
	}

	var loc protocol.Location
	if err := json.Unmarshal([]byte(v.Raw), &loc); err != nil {
		return protocol.Location{}, fmt.Errorf("location: %w", err)
	}
	return loc, nil
}
