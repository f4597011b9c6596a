package lsp

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/segmentio/encoding/json"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Inbound is one item read from a server: a decoded message, or the error
// that took its place. The last item of a stream carries
// ErrServerDisconnected.
type Inbound struct {
	Message Message
	Err     error
}

// errFrame marks a frame whose headers could not be used. The stream is
// still aligned on the next header block.
var errFrame = errors.New("malformed frame")

// maxContentLength bounds a single message body. Larger bodies are skipped.
const maxContentLength = 64 << 20

// Transport handles JSON-RPC 2.0 communication with one language server.
// It implements the LSP base protocol with Content-Length headers.
//
// Reads and writes run on their own goroutines. Decoded messages are
// delivered in arrival order on Inbound; Send only queues.
type Transport struct {
	source io.Reader
	reader *bufio.Reader
	// skip is the size of an oversized body still to be discarded.
	skip   int64
	writer io.WriteCloser
	stderr io.Reader
	logger *zap.Logger

	inbound chan Inbound

	mu    sync.Mutex
	queue [][]byte
	wake  chan struct{}

	closed atomic.Bool
	done   chan struct{}
	group  *errgroup.Group
}

// TransportOption configures a Transport.
type TransportOption func(*Transport)

// WithTransportLogger sets the logger for frame tracing and stderr output.
func WithTransportLogger(l *zap.Logger) TransportOption {
	return func(t *Transport) {
		t.logger = l
	}
}

// WithStderr drains r line by line into the debug log.
func WithStderr(r io.Reader) TransportOption {
	return func(t *Transport) {
		t.stderr = r
	}
}

// NewTransport creates a transport reading server output from r and writing
// client messages to w. Closing the transport closes w.
func NewTransport(r io.Reader, w io.WriteCloser, opts ...TransportOption) *Transport {
	t := &Transport{
		source:  r,
		reader:  bufio.NewReaderSize(r, 64*1024),
		writer:  w,
		logger:  zap.NewNop(),
		inbound: make(chan Inbound, 16),
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Start launches the reader, writer and stderr goroutines.
func (t *Transport) Start(ctx context.Context) {
	g, ctx := errgroup.WithContext(ctx)
	t.group = g

	g.Go(func() error { return t.readLoop() })
	g.Go(func() error { return t.writeLoop(ctx) })
	if t.stderr != nil {
		g.Go(func() error { return t.drainStderr() })
	}
}

// Inbound returns the ordered source of server messages. It is closed after
// the terminal disconnect item.
func (t *Transport) Inbound() <-chan Inbound {
	return t.inbound
}

// Send queues msg for writing.
func (t *Transport) Send(msg Message) error {
	if t.closed.Load() {
		return ErrTransportClosed
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	t.mu.Lock()
	t.queue = append(t.queue, data)
	t.mu.Unlock()

	select {
	case t.wake <- struct{}{}:
	default:
	}
	return nil
}

// Close flushes queued messages, then closes the server's stdin. The reader
// ends when the server closes its output.
func (t *Transport) Close() error {
	if t.closed.Swap(true) {
		return nil
	}
	close(t.done)
	if t.group == nil {
		return t.writer.Close()
	}
	return nil
}

// Wait blocks until the transport goroutines have returned.
func (t *Transport) Wait() error {
	if t.group == nil {
		return nil
	}
	return t.group.Wait()
}

// IsClosed returns true if the transport has been closed.
func (t *Transport) IsClosed() bool {
	return t.closed.Load()
}

// readLoop decodes frames until the stream ends.
func (t *Transport) readLoop() error {
	defer close(t.inbound)
	defer closeReader(t.source)

	for {
		body, err := t.readMessage()
		if err != nil {
			if errors.Is(err, errFrame) {
				if !t.emit(Inbound{Err: &ServerError{Kind: ServerInvalidMessage, Raw: body, Err: err}}) {
					return nil
				}
				continue
			}
			t.logger.Debug("server stream ended", zap.Error(err))
			t.emit(Inbound{Err: &ServerError{Kind: ServerDisconnected, Err: disconnectCause(err)}})
			return nil
		}

		t.logger.Debug("recv", zap.ByteString("body", body))

		msg, err := DecodeMessage(body)
		if !t.emit(Inbound{Message: msg, Err: err}) {
			return nil
		}
	}
}

func disconnectCause(err error) error {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe) {
		return ErrServerDisconnected
	}
	return fmt.Errorf("%w: %v", ErrServerDisconnected, err)
}

func (t *Transport) emit(item Inbound) bool {
	select {
	case t.inbound <- item:
		return true
	case <-t.done:
		return false
	}
}

// readMessage reads a single LSP message. Header problems are reported as
// errFrame once the blank line ending the header block has been consumed.
func (t *Transport) readMessage() ([]byte, error) {
	if t.skip > 0 {
		n := t.skip
		t.skip = 0
		if _, err := io.CopyN(io.Discard, t.reader, n); err != nil {
			return nil, fmt.Errorf("skip body: %w", err)
		}
	}

	contentLength := -1
	sawHeader := false
	var headerErr error

	for {
		line, err := t.reader.ReadString('\n')
		if err != nil {
			return nil, err
		}
		line = strings.TrimSpace(line)
		if line == "" {
			if !sawHeader {
				// Stray blank lines between frames.
				continue
			}
			break
		}
		sawHeader = true

		name, value, ok := strings.Cut(line, ":")
		if !ok {
			headerErr = fmt.Errorf("%w: header %q", errFrame, line)
			continue
		}
		if strings.EqualFold(strings.TrimSpace(name), "Content-Length") {
			n, err := strconv.ParseInt(strings.TrimSpace(value), 10, 64)
			if err != nil || n < 0 {
				headerErr = fmt.Errorf("%w: content length %q", errFrame, value)
				contentLength = 0
				continue
			}
			if n > maxContentLength {
				headerErr = fmt.Errorf("%w: content length %d exceeds %d", errFrame, n, maxContentLength)
				t.skip = n
				contentLength = 0
				continue
			}
			contentLength = int(n)
		}
		// Ignore Content-Type and other headers
	}

	if headerErr != nil {
		return nil, headerErr
	}
	if contentLength <= 0 {
		return nil, fmt.Errorf("%w: missing Content-Length header", errFrame)
	}

	body := make([]byte, contentLength)
	if _, err := io.ReadFull(t.reader, body); err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	return body, nil
}

// writeLoop frames and writes queued messages. It owns closing the writer
// once started.
func (t *Transport) writeLoop(ctx context.Context) error {
	defer t.writer.Close()

	for {
		stopping := false
		select {
		case <-t.done:
			stopping = true
		case <-ctx.Done():
			return nil
		case <-t.wake:
		}

		if err := t.flush(); err != nil {
			t.logger.Warn("write to server failed", zap.Error(err))
			return err
		}
		if stopping {
			return nil
		}
	}
}

func (t *Transport) flush() error {
	t.mu.Lock()
	batch := t.queue
	t.queue = nil
	t.mu.Unlock()

	for _, data := range batch {
		if err := t.write(data); err != nil {
			return err
		}
	}
	return nil
}

func (t *Transport) write(data []byte) error {
	header := "Content-Length: " + strconv.Itoa(len(data)) + "\r\n\r\n"
	if _, err := io.WriteString(t.writer, header); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	if _, err := t.writer.Write(data); err != nil {
		return fmt.Errorf("write body: %w", err)
	}
	t.logger.Debug("send", zap.ByteString("body", data))
	return nil
}

func (t *Transport) drainStderr() error {
	defer closeReader(t.stderr)
	scanner := bufio.NewScanner(t.stderr)
	scanner.Buffer(make([]byte, 0, 4096), 1024*1024)
	for scanner.Scan() {
		t.logger.Debug("server stderr", zap.String("line", scanner.Text()))
	}
	return nil
}

func closeReader(r io.Reader) {
	if c, ok := r.(io.Closer); ok {
		_ = c.Close()
	}
}
