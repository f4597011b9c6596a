// Package textedit applies LSP text edits to in-memory documents.
//
// LSP positions are 0-based lines and columns counted in UTF-16 code units.
// A Converter maps those positions to byte offsets in a Go string so that
// edits computed by a language server can be spliced into editor text.
package textedit

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"unicode/utf16"
	"unicode/utf8"

	"go.lsp.dev/protocol"
)

// ErrOverlappingEdits is returned when two edits touch the same text.
var ErrOverlappingEdits = errors.New("overlapping text edits")

// Converter maps between LSP positions and byte offsets in a document.
type Converter struct {
	content string
	lines   []lineInfo
}

// lineInfo locates one line, excluding its newline.
type lineInfo struct {
	byteOffset int
	byteLen    int
}

// NewConverter indexes content. A document always has at least one line.
func NewConverter(content string) *Converter {
	c := &Converter{content: content}

	start := 0
	for i := 0; i < len(content); i++ {
		if content[i] == '\n' {
			c.lines = append(c.lines, lineInfo{byteOffset: start, byteLen: i - start})
			start = i + 1
		}
	}
	c.lines = append(c.lines, lineInfo{byteOffset: start, byteLen: len(content) - start})
	return c
}

// LineCount returns the number of lines.
func (c *Converter) LineCount() int {
	return len(c.lines)
}

// Line returns the text of line n without its newline.
func (c *Converter) Line(n int) string {
	if n < 0 || n >= len(c.lines) {
		return ""
	}
	l := c.lines[n]
	return c.content[l.byteOffset : l.byteOffset+l.byteLen]
}

// Offset converts pos to a byte offset. Lines past the end map to the end of
// the document and columns past the end of a line map to the line's end.
func (c *Converter) Offset(pos protocol.Position) int {
	line := int(pos.Line)
	if line >= len(c.lines) {
		return len(c.content)
	}
	return c.lines[line].byteOffset + ByteOffset(c.Line(line), int(pos.Character))
}

// Position converts a byte offset to an LSP position.
func (c *Converter) Position(offset int) protocol.Position {
	if offset <= 0 {
		return protocol.Position{}
	}
	if offset > len(c.content) {
		offset = len(c.content)
	}

	n := sort.Search(len(c.lines), func(i int) bool {
		return c.lines[i].byteOffset > offset
	}) - 1

	l := c.lines[n]
	col := UTF16Offset(c.Line(n), offset-l.byteOffset)
	return protocol.Position{Line: uint32(n), Character: uint32(col)}
}

// UTF16Len returns the length of s in UTF-16 code units.
func UTF16Len(s string) int {
	n := 0
	for _, r := range s {
		n += runeLen(r)
	}
	return n
}

// ByteOffset converts a UTF-16 column within line to a byte offset. A
// column inside a surrogate pair resolves to the start of that rune.
func ByteOffset(line string, col int) int {
	if col <= 0 {
		return 0
	}
	units := 0
	for i := 0; i < len(line); {
		r, size := utf8.DecodeRuneInString(line[i:])
		units += runeLen(r)
		if units > col {
			return i
		}
		if units == col {
			return i + size
		}
		i += size
	}
	return len(line)
}

// UTF16Offset converts a byte offset within line to a UTF-16 column.
func UTF16Offset(line string, offset int) int {
	if offset <= 0 {
		return 0
	}
	if offset >= len(line) {
		return UTF16Len(line)
	}
	return UTF16Len(line[:offset])
}

func runeLen(r rune) int {
	if n := utf16.RuneLen(r); n > 0 {
		return n
	}
	return 1
}

// Compare orders positions: -1 if a is before b, 0 if equal, 1 if after.
func Compare(a, b protocol.Position) int {
	switch {
	case a.Line < b.Line:
		return -1
	case a.Line > b.Line:
		return 1
	case a.Character < b.Character:
		return -1
	case a.Character > b.Character:
		return 1
	}
	return 0
}

type span struct {
	start, end int
	text       string
}

// ApplyString applies edits to content. Edit ranges refer to the original
// content; inserts at the same position keep their order in edits.
func ApplyString(content string, edits []protocol.TextEdit) (string, error) {
	if len(edits) == 0 {
		return content, nil
	}

	c := NewConverter(content)
	spans := make([]span, 0, len(edits))
	for i, e := range edits {
		if Compare(e.Range.Start, e.Range.End) > 0 {
			return "", fmt.Errorf("edit %d: range end %d:%d before start %d:%d", i,
				e.Range.End.Line, e.Range.End.Character, e.Range.Start.Line, e.Range.Start.Character)
		}
		spans = append(spans, span{start: c.Offset(e.Range.Start), end: c.Offset(e.Range.End), text: e.NewText})
	}

	// Inserts go before a replacement starting at the same offset.
	sort.SliceStable(spans, func(i, j int) bool {
		if spans[i].start != spans[j].start {
			return spans[i].start < spans[j].start
		}
		return spans[i].start == spans[i].end && spans[j].start != spans[j].end
	})
	for i := 1; i < len(spans); i++ {
		if spans[i].start < spans[i-1].end {
			return "", fmt.Errorf("%w: bytes %d-%d and %d-%d", ErrOverlappingEdits,
				spans[i-1].start, spans[i-1].end, spans[i].start, spans[i].end)
		}
	}

	var b strings.Builder
	b.Grow(len(content))
	last := 0
	for _, s := range spans {
		b.WriteString(content[last:s.start])
		b.WriteString(s.text)
		last = s.end
	}
	b.WriteString(content[last:])
	return b.String(), nil
}

// Apply applies edits to a document given as lines without newlines and
// returns the resulting lines.
func Apply(lines []string, edits []protocol.TextEdit) ([]string, error) {
	if len(edits) == 0 {
		return append([]string(nil), lines...), nil
	}
	out, err := ApplyString(strings.Join(lines, "\n"), edits)
	if err != nil {
		return nil, err
	}
	return strings.Split(out, "\n"), nil
}
