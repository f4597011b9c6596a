package lsp

import (
	"bytes"
	"strings"

	"github.com/segmentio/encoding/json"
	"go.lsp.dev/protocol"
)

// InlayHintKind distinguishes type hints from parameter-name hints.
type InlayHintKind int

const (
	InlayHintKindType      InlayHintKind = 1
	InlayHintKindParameter InlayHintKind = 2
)

// InlayHint is an annotation rendered inline with the source text.
type InlayHint struct {
	Position     protocol.Position   `json:"position"`
	Label        InlayHintLabel      `json:"label"`
	Kind         InlayHintKind       `json:"kind,omitempty"`
	TextEdits    []protocol.TextEdit `json:"textEdits,omitempty"`
	Tooltip      json.RawMessage     `json:"tooltip,omitempty"`
	PaddingLeft  bool                `json:"paddingLeft,omitempty"`
	PaddingRight bool                `json:"paddingRight,omitempty"`
}

// InlayHintLabelPart is one piece of a composite label.
type InlayHintLabelPart struct {
	Value    string             `json:"value"`
	Tooltip  json.RawMessage    `json:"tooltip,omitempty"`
	Location *protocol.Location `json:"location,omitempty"`
	Command  json.RawMessage    `json:"command,omitempty"`
}

// InlayHintLabel is either plain text or a list of parts.
type InlayHintLabel struct {
	Text  string
	Parts []InlayHintLabelPart
}

// String returns the rendered label.
func (l InlayHintLabel) String() string {
	if l.Parts == nil {
		return l.Text
	}
	var b strings.Builder
	for _, p := range l.Parts {
		b.WriteString(p.Value)
	}
	return b.String()
}

// MarshalJSON implements json.Marshaler.
func (l InlayHintLabel) MarshalJSON() ([]byte, error) {
	if l.Parts != nil {
		return json.Marshal(l.Parts)
	}
	return json.Marshal(l.Text)
}

// UnmarshalJSON implements json.Unmarshaler.
func (l *InlayHintLabel) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '[' {
		l.Text = ""
		return json.Unmarshal(data, &l.Parts)
	}
	l.Parts = nil
	return json.Unmarshal(data, &l.Text)
}
