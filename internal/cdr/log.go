// Package cdr provides CDRHandler implementations: structured logging,
// fan-out, and an asynchronous writer that batches events into a store.
package cdr

import (
	"log/slog"
	"time"

	"github.com/flowpbx/flowgate/internal/b2bua"
)

// LogHandler writes every call-detail event as one structured log line.
type LogHandler struct {
	logger *slog.Logger
}

// NewLogHandler creates a LogHandler.
func NewLogHandler(logger *slog.Logger) *LogHandler {
	return &LogHandler{logger: logger.With("subsystem", "cdr")}
}

// Record implements b2bua.CDRHandler.
func (h *LogHandler) Record(callID string, ev b2bua.CDREvent, ts time.Time, meta b2bua.Metadata) {
	attrs := []any{
		"call_id", callID,
		"kind", string(ev.Kind),
		"ts", ts,
		"source", meta.Source,
		"destination", meta.Destination,
	}
	if ev.Cause != "" {
		attrs = append(attrs, "cause", ev.Cause)
	}
	if ev.Code != 0 {
		attrs = append(attrs, "code", ev.Code)
	}
	if ev.Route != "" {
		attrs = append(attrs, "route", ev.Route)
	}
	if ev.Kind == b2bua.CDRCompleted {
		attrs = append(attrs, "duration_ms", ev.Duration.Milliseconds())
	}
	if meta.AccountID != "" {
		attrs = append(attrs, "account_id", meta.AccountID)
	}
	if meta.ContextID != "" {
		attrs = append(attrs, "context_id", meta.ContextID)
	}
	h.logger.Info("cdr", attrs...)
}

// Multi fans each event out to several handlers in order.
type Multi []b2bua.CDRHandler

// Record implements b2bua.CDRHandler.
func (m Multi) Record(callID string, ev b2bua.CDREvent, ts time.Time, meta b2bua.Metadata) {
	for _, h := range m {
		if h != nil {
			h.Record(callID, ev, ts, meta)
		}
	}
}
