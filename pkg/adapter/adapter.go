// Package adapter binds a backend Driver to a knowledge base's
// {kb_id}.adapter.query subject (spec.md §4.7). The worker knows
// nothing about policy or masking; enforcement handles that upstream.
// It is a thin typed client shape over an external system, context-
// scoped per call, structured errors out — the same idiom the teacher
// uses for its zero-trust connectors, generalized from "trust-tagged
// fetch" to "governed backend dispatch".
package adapter

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/Mindburn-Labs/mesh/pkg/meshrpc"
	"github.com/Mindburn-Labs/mesh/pkg/transport"
)

// Driver executes one operation against a backend KB. Every driver
// validates operation against its own vocabulary; the registry already
// enforced the vocabulary at registration time, so a driver seeing an
// operation outside its own switch statement is itself a bug, not a
// caller error, and should return a plain Go error.
type Driver interface {
	Execute(ctx context.Context, operation string, params map[string]any) (any, error)
}

// Worker serves {kb_id}.adapter.query by delegating every request to a
// single Driver, under a hard per-call timeout.
type Worker struct {
	kbID    string
	driver  Driver
	timeout time.Duration
	logger  *slog.Logger
}

// Option configures a Worker.
type Option func(*Worker)

// WithTimeout overrides the default 30s per-call timeout.
func WithTimeout(d time.Duration) Option {
	return func(w *Worker) { w.timeout = d }
}

// NewWorker creates a Worker for kbID backed by driver.
func NewWorker(kbID string, driver Driver, logger *slog.Logger, opts ...Option) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	w := &Worker{kbID: kbID, driver: driver, timeout: 30 * time.Second, logger: logger}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Subject returns the subject this worker serves.
func (w *Worker) Subject() string {
	return w.kbID + ".adapter.query"
}

// Serve registers the worker's Reply handler on tr and blocks until ctx
// is cancelled.
func (w *Worker) Serve(ctx context.Context, tr transport.Transport) error {
	closer, err := tr.Reply(ctx, w.Subject(), w.handle)
	if err != nil {
		return fmt.Errorf("adapter: serve %s: %w", w.Subject(), err)
	}
	<-ctx.Done()
	return closer.Close()
}

func (w *Worker) handle(ctx context.Context, payload []byte) ([]byte, error) {
	var req meshrpc.AdapterQueryRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return json.Marshal(meshrpc.AdapterQueryReply{Status: meshrpc.OutcomeError, Error: err.Error()})
	}

	callCtx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()

	data, err := w.driver.Execute(callCtx, req.Operation, req.Params)
	if err != nil {
		w.logger.Error("adapter: driver execution failed", "kb_id", w.kbID, "operation", req.Operation, "error", err)
		return json.Marshal(meshrpc.AdapterQueryReply{Status: meshrpc.OutcomeError, Error: err.Error()})
	}
	return json.Marshal(meshrpc.AdapterQueryReply{Status: meshrpc.OutcomeSuccess, Data: data})
}
