package tracker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
)

// LogTransport writes payloads into the log instead of a network collector.
type LogTransport struct {
	logger *slog.Logger
}

// NewLogTransport creates a log transport.
func NewLogTransport(logger *slog.Logger) *LogTransport {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogTransport{logger: logger}
}

// Deliver logs one payload as compact JSON.
// Params: ctx logging context; payload to log.
// Returns: marshal error.
func (t *LogTransport) Deliver(ctx context.Context, payload Payload) error {
	body, err := json.Marshal(payload.Fields)
	if err != nil {
		return fmt.Errorf("marshal fields: %w", err)
	}
	t.logger.InfoContext(ctx, "stat event", slog.String("url", payload.URL), slog.String("payload", string(body)))
	return nil
}

func (t *LogTransport) Close() error { return nil }
