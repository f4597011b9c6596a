package lsp

import "go.lsp.dev/uri"

// TrackingBuffer records what the engine has told a server about an editor
// buffer. Opened becomes true with the first change and stays true for as
// long as the server it was sent to is running.
type TrackingBuffer struct {
	LanguageID string
	Doc        uri.URI
	Opened     bool
}

// BufferTable maps editor buffers to their tracking records.
type BufferTable struct {
	buffers map[BufferID]*TrackingBuffer
}

// NewBufferTable creates an empty table.
func NewBufferTable() *BufferTable {
	return &BufferTable{buffers: make(map[BufferID]*TrackingBuffer)}
}

// Track adds a record for id. It returns false, leaving the table
// unchanged, when id is already tracked.
func (t *BufferTable) Track(id BufferID, langID string, doc uri.URI) bool {
	if _, ok := t.buffers[id]; ok {
		return false
	}
	t.buffers[id] = &TrackingBuffer{LanguageID: langID, Doc: doc}
	return true
}

// Get returns the record for id.
func (t *BufferTable) Get(id BufferID) (*TrackingBuffer, bool) {
	b, ok := t.buffers[id]
	return b, ok
}

// Len returns the number of tracked buffers.
func (t *BufferTable) Len() int {
	return len(t.buffers)
}

// Reopen marks every opened buffer that match selects as not yet opened, so
// its next change is sent as a fresh didOpen. It returns how many changed.
func (t *BufferTable) Reopen(match func(*TrackingBuffer) bool) int {
	n := 0
	for _, b := range t.buffers {
		if b.Opened && match(b) {
			b.Opened = false
			n++
		}
	}
	return n
}
