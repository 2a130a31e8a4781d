package store

import (
	"log/slog"
	"time"
)

// DefaultCleanupInterval is how often StartCleanupLoop prunes old rows.
const DefaultCleanupInterval = time.Hour

// StartCleanupLoop prunes finished tasks and progress rows older than
// retention every interval until done is closed. A retention of zero or
// less disables pruning.
func StartCleanupLoop(done <-chan struct{}, s Store, retention, interval time.Duration, logger *slog.Logger) {
	if retention <= 0 {
		return
	}
	if interval <= 0 {
		interval = DefaultCleanupInterval
	}
	if logger == nil {
		logger = slog.Default()
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			n, err := s.Cleanup(time.Now().Add(-retention))
			if err != nil {
				logger.Error("store cleanup failed", "error", err)
				continue
			}
			if n > 0 {
				logger.Info("store cleanup", "deleted", n)
			}
		case <-done:
			return
		}
	}
}
