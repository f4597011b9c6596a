package watcher

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func newTestWatcher(t *testing.T, opts ...Option) *Watcher {
	t.Helper()
	w, err := New(append([]Option{WithDebounceDelay(20 * time.Millisecond)}, opts...)...)
	if err != nil {
		t.Fatalf("New error = %v", err)
	}
	t.Cleanup(func() { _ = w.Close() })
	return w
}

func tempFile(t *testing.T, name, content string) string {
	t.Helper()
	dir, err := filepath.EvalSymlinks(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func waitEvent(t *testing.T, w *Watcher) Event {
	t.Helper()
	select {
	case ev, ok := <-w.Events():
		if !ok {
			t.Fatal("events channel closed")
		}
		return ev
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for event")
		return Event{}
	}
}

func TestWatcher_WatchUnwatch(t *testing.T) {
	w := newTestWatcher(t)
	path := tempFile(t, "main.rs", "fn main() {}\n")

	if err := w.Watch(path); err != nil {
		t.Fatalf("Watch error = %v", err)
	}
	if !w.IsWatching(path) {
		t.Error("should be watching file")
	}
	if err := w.Watch(path); err != ErrAlreadyWatching {
		t.Errorf("Watch again error = %v, want ErrAlreadyWatching", err)
	}

	if err := w.Unwatch(path); err != nil {
		t.Fatalf("Unwatch error = %v", err)
	}
	if w.IsWatching(path) {
		t.Error("should not be watching file after Unwatch")
	}
	if err := w.Unwatch(path); err != ErrNotWatching {
		t.Errorf("Unwatch again error = %v, want ErrNotWatching", err)
	}
}

func TestWatcher_WatchErrors(t *testing.T) {
	w := newTestWatcher(t)

	if err := w.Watch("/nonexistent/path/that/does/not/exist.rs"); err != ErrPathNotExist {
		t.Errorf("Watch nonexistent error = %v, want ErrPathNotExist", err)
	}
	if err := w.Watch(t.TempDir()); err != ErrIsDirectory {
		t.Errorf("Watch directory error = %v, want ErrIsDirectory", err)
	}

	path := tempFile(t, "a.go", "package a\n")
	if err := w.Close(); err != nil {
		t.Fatalf("Close error = %v", err)
	}
	if err := w.Watch(path); err != ErrWatcherClosed {
		t.Errorf("Watch after Close error = %v, want ErrWatcherClosed", err)
	}
}

func TestWatcher_WriteEvent(t *testing.T) {
	w := newTestWatcher(t)
	path := tempFile(t, "main.rs", "fn main() {}\n")

	if err := w.Watch(path); err != nil {
		t.Fatalf("Watch error = %v", err)
	}
	if err := os.WriteFile(path, []byte("fn main() { println!(); }\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	ev := waitEvent(t, w)
	if ev.Path != path {
		t.Errorf("Path = %q, want %q", ev.Path, path)
	}
	if !ev.Op.Has(OpWrite) {
		t.Errorf("Op = %v, want WRITE", ev.Op)
	}
	if ev.Timestamp.IsZero() {
		t.Error("Timestamp should be set")
	}
}

func TestWatcher_Debounce(t *testing.T) {
	w := newTestWatcher(t, WithDebounceDelay(200*time.Millisecond))
	path := tempFile(t, "main.rs", "")

	if err := w.Watch(path); err != nil {
		t.Fatalf("Watch error = %v", err)
	}
	for i := 0; i < 5; i++ {
		if err := os.WriteFile(path, []byte{byte('a' + i)}, 0o644); err != nil {
			t.Fatal(err)
		}
	}

	waitEvent(t, w)
	select {
	case ev := <-w.Events():
		t.Errorf("unexpected second event %+v", ev)
	case <-time.After(400 * time.Millisecond):
	}
}

func TestWatcher_IgnoresSiblings(t *testing.T) {
	w := newTestWatcher(t)
	path := tempFile(t, "watched.rs", "")
	sibling := filepath.Join(filepath.Dir(path), "other.rs")

	if err := w.Watch(path); err != nil {
		t.Fatalf("Watch error = %v", err)
	}
	if err := os.WriteFile(sibling, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	select {
	case ev := <-w.Events():
		t.Errorf("unexpected event for sibling %+v", ev)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestWatcher_AtomicSave(t *testing.T) {
	w := newTestWatcher(t)
	path := tempFile(t, "lib.rs", "old\n")

	if err := w.Watch(path); err != nil {
		t.Fatalf("Watch error = %v", err)
	}

	tmp := path + ".swp"
	if err := os.WriteFile(tmp, []byte("new\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.Rename(tmp, path); err != nil {
		t.Fatal(err)
	}

	ev := waitEvent(t, w)
	if ev.Path != path {
		t.Errorf("Path = %q, want %q", ev.Path, path)
	}
	if !ev.Op.Has(OpCreate) {
		t.Errorf("Op = %v, want CREATE", ev.Op)
	}
}

func TestWatcher_CloseClosesEvents(t *testing.T) {
	w := newTestWatcher(t)
	if err := w.Close(); err != nil {
		t.Fatalf("Close error = %v", err)
	}
	if _, ok := <-w.Events(); ok {
		t.Error("events channel should be closed")
	}
	if err := w.Close(); err != nil {
		t.Errorf("second Close error = %v", err)
	}
}

func TestOp_String(t *testing.T) {
	tests := []struct {
		op   Op
		want string
	}{
		{OpCreate, "CREATE"},
		{OpWrite, "WRITE"},
		{OpRemove, "REMOVE"},
		{OpRename, "RENAME"},
		{OpChmod, "CHMOD"},
		{OpWrite | OpChmod, "WRITE|CHMOD"},
		{Op(0), "UNKNOWN"},
	}

	for _, tt := range tests {
		if got := tt.op.String(); got != tt.want {
			t.Errorf("Op(%d).String() = %q, want %q", tt.op, got, tt.want)
		}
	}
}
