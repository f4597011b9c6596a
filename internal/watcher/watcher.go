// Package watcher reports changes made outside the editor to files it has
// open.
//
// Files are watched through their parent directory so that editors and tools
// which save by writing a temporary file and renaming it over the original
// keep producing events. Rapid changes to one file are coalesced into a
// single event after a debounce delay.
package watcher

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Common errors returned by watcher operations.
var (
	ErrWatcherClosed   = errors.New("watcher is closed")
	ErrAlreadyWatching = errors.New("file is already being watched")
	ErrNotWatching     = errors.New("file is not being watched")
	ErrPathNotExist    = errors.New("path does not exist")
	ErrIsDirectory     = errors.New("path is a directory")
)

// Op is a set of file system operations.
type Op uint32

const (
	// OpCreate indicates the file was created.
	OpCreate Op = 1 << iota
	// OpWrite indicates the file was written to.
	OpWrite
	// OpRemove indicates the file was removed.
	OpRemove
	// OpRename indicates the file was renamed away.
	OpRename
	// OpChmod indicates the file's permissions changed.
	OpChmod
)

var opNames = []struct {
	op   Op
	name string
}{
	{OpCreate, "CREATE"},
	{OpWrite, "WRITE"},
	{OpRemove, "REMOVE"},
	{OpRename, "RENAME"},
	{OpChmod, "CHMOD"},
}

// String returns the operations joined by "|".
func (op Op) String() string {
	var names []string
	for _, n := range opNames {
		if op.Has(n.op) {
			names = append(names, n.name)
		}
	}
	if len(names) == 0 {
		return "UNKNOWN"
	}
	return strings.Join(names, "|")
}

// Has returns true if op includes o.
func (op Op) Has(o Op) bool {
	return op&o == o
}

// Event is a change to a watched file.
type Event struct {
	// Path is the absolute path of the file.
	Path string

	// Op holds every operation seen during the debounce window.
	Op Op

	// Timestamp is when the first of those operations was seen.
	Timestamp time.Time
}

type config struct {
	delay      time.Duration
	bufferSize int
	logger     *zap.Logger
}

// Option configures a Watcher.
type Option func(*config)

// WithDebounceDelay sets how long changes to a file are collected before an
// event is delivered.
func WithDebounceDelay(d time.Duration) Option {
	return func(c *config) {
		c.delay = d
	}
}

// WithBufferSize sets the size of the event channel.
func WithBufferSize(size int) Option {
	return func(c *config) {
		c.bufferSize = size
	}
}

// WithLogger sets the logger for dropped events and fsnotify errors.
func WithLogger(l *zap.Logger) Option {
	return func(c *config) {
		c.logger = l
	}
}

// pendingEvent is an event waiting out its debounce delay.
type pendingEvent struct {
	event Event
	timer *time.Timer
}

// Watcher watches individual files.
type Watcher struct {
	fsw    *fsnotify.Watcher
	config config

	mu      sync.Mutex
	files   map[string]bool
	dirs    map[string]int
	pending map[string]*pendingEvent
	closed  bool

	events  chan Event
	closeCh chan struct{}
	loop    sync.WaitGroup
}

// New creates a watcher.
func New(opts ...Option) (*Watcher, error) {
	cfg := config{
		delay:      100 * time.Millisecond,
		bufferSize: 100,
		logger:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.bufferSize <= 0 {
		cfg.bufferSize = 100
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	w := &Watcher{
		fsw:     fsw,
		config:  cfg,
		files:   make(map[string]bool),
		dirs:    make(map[string]int),
		pending: make(map[string]*pendingEvent),
		events:  make(chan Event, cfg.bufferSize),
		closeCh: make(chan struct{}),
	}

	w.loop.Add(1)
	go w.processLoop()

	return w, nil
}

// Watch starts watching the file at path.
func (w *Watcher) Watch(path string) error {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return err
	}

	info, err := os.Stat(absPath)
	if err != nil {
		if os.IsNotExist(err) {
			return ErrPathNotExist
		}
		return err
	}
	if info.IsDir() {
		return ErrIsDirectory
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return ErrWatcherClosed
	}
	if w.files[absPath] {
		return ErrAlreadyWatching
	}

	dir := filepath.Dir(absPath)
	if w.dirs[dir] == 0 {
		if err := w.fsw.Add(dir); err != nil {
			return err
		}
	}
	w.dirs[dir]++
	w.files[absPath] = true
	return nil
}

// Unwatch stops watching the file at path.
func (w *Watcher) Unwatch(path string) error {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return err
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return ErrWatcherClosed
	}
	if !w.files[absPath] {
		return ErrNotWatching
	}
	delete(w.files, absPath)
	if p, ok := w.pending[absPath]; ok {
		p.timer.Stop()
		delete(w.pending, absPath)
	}

	dir := filepath.Dir(absPath)
	w.dirs[dir]--
	if w.dirs[dir] == 0 {
		delete(w.dirs, dir)
		return w.fsw.Remove(dir)
	}
	return nil
}

// IsWatching returns true if the file at path is being watched.
func (w *Watcher) IsWatching(path string) bool {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return false
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	return w.files[absPath]
}

// Events returns the event channel. It is closed by Close.
func (w *Watcher) Events() <-chan Event {
	return w.events
}

// Close stops the watcher. Pending events are dropped.
func (w *Watcher) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	close(w.closeCh)
	for path, p := range w.pending {
		p.timer.Stop()
		delete(w.pending, path)
	}
	w.mu.Unlock()

	w.loop.Wait()
	close(w.events)
	return w.fsw.Close()
}

func (w *Watcher) processLoop() {
	defer w.loop.Done()

	for {
		select {
		case <-w.closeCh:
			return

		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			w.handle(ev)

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.config.logger.Warn("file watcher error", zap.Error(err))
		}
	}
}

// handle starts or extends the debounce window for a watched file.
func (w *Watcher) handle(ev fsnotify.Event) {
	op := convertOp(ev.Op)
	if op == 0 {
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed || !w.files[ev.Name] {
		return
	}

	if p, ok := w.pending[ev.Name]; ok {
		p.event.Op |= op
		p.timer.Reset(w.config.delay)
		return
	}

	path := ev.Name
	w.pending[path] = &pendingEvent{
		event: Event{Path: path, Op: op, Timestamp: time.Now()},
		timer: time.AfterFunc(w.config.delay, func() { w.fire(path) }),
	}
}

// fire delivers the pending event for path.
func (w *Watcher) fire(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	p, ok := w.pending[path]
	if !ok || w.closed {
		return
	}
	delete(w.pending, path)

	select {
	case w.events <- p.event:
	default:
		w.config.logger.Warn("event channel full, dropping event",
			zap.String("path", path),
			zap.Stringer("op", p.event.Op),
		)
	}
}

func convertOp(fsOp fsnotify.Op) Op {
	var op Op
	if fsOp.Has(fsnotify.Create) {
		op |= OpCreate
	}
	if fsOp.Has(fsnotify.Write) {
		op |= OpWrite
	}
	if fsOp.Has(fsnotify.Remove) {
		op |= OpRemove
	}
	if fsOp.Has(fsnotify.Rename) {
		op |= OpRename
	}
	if fsOp.Has(fsnotify.Chmod) {
		op |= OpChmod
	}
	return op
}
