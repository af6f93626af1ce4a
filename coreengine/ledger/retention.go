package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/jeeves-cluster-organization/mailpipe/coreengine/logging"
	"github.com/jeeves-cluster-organization/mailpipe/coreengine/recovery"
)

// RetentionConfig controls periodic pruning of finished executions.
type RetentionConfig struct {
	// Schedule is a cron spec, e.g. "@every 1h" or "0 3 * * *".
	Schedule string
	// Retention is how long terminal executions are kept.
	Retention time.Duration
}

// StartRetention schedules Prune on cfg.Schedule. The returned stop function
// waits for a running prune to finish.
func StartRetention(l *Ledger, cfg RetentionConfig, logger logging.Logger) (func(), error) {
	if cfg.Retention <= 0 {
		return func() {}, nil
	}

	c := cron.New()
	_, err := c.AddFunc(cfg.Schedule, func() {
		l.runRetentionCycle(cfg.Retention, logger)
	})
	if err != nil {
		return nil, fmt.Errorf("invalid retention schedule %q: %w", cfg.Schedule, err)
	}
	c.Start()

	return func() { <-c.Stop().Done() }, nil
}

// runRetentionCycle performs a single prune with panic recovery.
func (l *Ledger) runRetentionCycle(retention time.Duration, logger logging.Logger) {
	_ = recovery.SafeExecute(logger, "ledger_retention", func() error {
		removed := l.Prune(context.Background(), retention)
		logger.Debug("retention_cycle_completed", "executions_pruned", removed, "remaining", l.Len())
		return nil
	})
}
