// Package notify holds the best-effort collaborators invoked after a core
// state transition commits. Their failure is observed only for logging and
// never rolls back or fails the primary operation.
package notify

import (
	"context"

	"go.uber.org/zap"

	"github.com/lcrawford/membank/internal/memory"
)

// LogNotifier records mutation events through the logger. It stands in for
// the external activity-log service, which is notified on the same
// fire-and-forget terms.
type LogNotifier struct {
	logger *zap.Logger
}

// NewLogNotifier creates a notifier that writes activity events to the log.
func NewLogNotifier(logger *zap.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

func (n *LogNotifier) MemoryStored(ctx context.Context, m *memory.Memory, created bool) error {
	n.logger.Info("memory stored",
		zap.String("project", m.ProjectID),
		zap.String("key", m.Key),
		zap.Bool("created", created))
	return nil
}

func (n *LogNotifier) MemoryDeleted(ctx context.Context, projectID, key string) error {
	n.logger.Info("memory deleted",
		zap.String("project", projectID),
		zap.String("key", key))
	return nil
}

// NopDedup is a DedupChecker for deployments without an embedding service:
// it never warns, which is exactly how unavailability must degrade.
type NopDedup struct{}

func (NopDedup) SimilarKey(ctx context.Context, projectID, content string) (string, bool, error) {
	return "", false, nil
}
