package lsp

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
)

// Run is the dispatch loop. Each iteration handles exactly one ready item:
// an editor event, a timer tick, or a message from any server. When several
// are ready the choice between them is random.
//
// Run returns after ctx is cancelled or the editor's event source closes,
// once every server has been shut down.
func (e *Engine) Run(ctx context.Context) error {
	ticker := time.NewTicker(e.tickInterval)
	defer ticker.Stop()

	events := e.editor.Events()
	e.logger.Info("dispatch loop started", zap.Duration("tick", e.tickInterval))

	for {
		select {
		case <-ctx.Done():
			e.logger.Info("dispatch loop stopping", zap.Error(ctx.Err()))
			return e.Shutdown()

		case ev, ok := <-events:
			if !ok {
				e.logger.Info("editor closed its event source")
				return e.Shutdown()
			}
			e.report(e.HandleEvent(ctx, ev))

		case now := <-ticker.C:
			for _, err := range e.Tick(now) {
				e.report(err)
			}

		case it := <-e.inbox:
			e.report(e.HandleInbound(it.handler, it.item))
		}
	}
}

// Shutdown asks every live server to shut down, waits for their answers up
// to the shutdown timeout, then sends exit and stops the processes. It is
// called by Run; calling it again is a no-op.
func (e *Engine) Shutdown() error {
	if e.closed {
		return nil
	}
	e.closed = true

	for _, h := range e.handlers {
		switch h.State() {
		case HandlerActive:
			if _, err := h.SendRequest(MethodShutdown, nil, ShutdownRequest{}); err != nil {
				e.report(err)
				e.report(errors.Join(e.release(h)...))
			}
		case HandlerInitializing:
			e.report(errors.Join(e.release(h)...))
		}
	}

	timer := time.NewTimer(e.shutdownTimeout)
	defer timer.Stop()

wait:
	for e.awaitingShutdown() {
		select {
		case it := <-e.inbox:
			e.report(e.HandleInbound(it.handler, it.item))
		case <-timer.C:
			e.logger.Warn("servers did not answer shutdown in time", zap.Duration("timeout", e.shutdownTimeout))
			break wait
		}
	}

	for _, h := range e.handlers {
		if h.State() != HandlerDisconnected {
			e.report(e.exit(h))
		}
	}

	close(e.done)
	_ = e.pumps.Wait()
	err := e.releases.Wait()
	if e.supervisor != nil {
		err = errors.Join(err, e.supervisor.Shutdown(e.shutdownTimeout))
	}

	e.logger.Info("dispatch loop stopped")
	return err
}

func (e *Engine) awaitingShutdown() bool {
	for _, h := range e.handlers {
		if h.State() == HandlerDisconnected {
			continue
		}
		for _, req := range h.PendingRequests() {
			if _, ok := req.(ShutdownRequest); ok {
				return true
			}
		}
	}
	return false
}

// report logs the outcome of one loop iteration. Nothing reported here stops
// the loop.
func (e *Engine) report(err error) {
	if err == nil {
		return
	}
	if joined, ok := err.(interface{ Unwrap() []error }); ok {
		for _, err := range joined.Unwrap() {
			e.report(err)
		}
		return
	}

	var (
		ie *IgnoredError
		se *ServerError
		ee *EditorError
	)
	switch {
	case errors.As(err, &ie):
		e.logger.Info("ignored", zap.String("reason", ie.Reason))
	case errors.Is(err, ErrRequestTimeout):
		e.logger.Warn("request timed out", zap.Error(err))
	case errors.As(err, &se):
		fields := []zap.Field{
			zap.String("lang", se.LanguageID),
			zap.Stringer("kind", se.Kind),
			zap.Error(err),
		}
		if len(se.Raw) > 0 {
			fields = append(fields, zap.ByteString("raw", se.Raw))
		}
		e.logger.Error("server error", fields...)
	case errors.As(err, &ee):
		e.logger.Error("editor error", zap.Stringer("kind", ee.Kind), zap.Error(err))
	default:
		e.logger.Error("main loop error", zap.Error(err))
	}
}
