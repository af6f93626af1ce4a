package dispatch

import (
	"github.com/jeeves-cluster-organization/mailpipe/coreengine/config"
	"github.com/jeeves-cluster-organization/mailpipe/coreengine/execution"
	"github.com/jeeves-cluster-organization/mailpipe/coreengine/logging"
)

// toolSpec names a tool and the path its HTTP endpoint serves.
type toolSpec struct {
	kind      execution.ActionKind
	name      string
	path      string
	ackStatus string
}

var toolSpecs = []toolSpec{
	{execution.ActionCreateTask, "task_manager", "/tasks", "created"},
	{execution.ActionScheduleEvent, "calendar", "/events", "created"},
	{execution.ActionSendNotification, "notifier", "/notifications", "sent"},
}

// FromConfig builds the dispatcher registry for the three tool-backed action
// kinds. A tool without a URL is acknowledged locally.
func FromConfig(cfg config.ToolsConfig, logger logging.Logger) *Registry {
	byKind := map[execution.ActionKind]config.ToolConfig{
		execution.ActionCreateTask:       cfg.Task,
		execution.ActionScheduleEvent:    cfg.Calendar,
		execution.ActionSendNotification: cfg.Notification,
	}

	r := NewRegistry()
	for _, spec := range toolSpecs {
		tc := byKind[spec.kind]
		var tool Tool
		if tc.URL != "" {
			tool = NewHTTPTool(spec.name, tc.URL, spec.path, cfg.Timeout)
		} else {
			tool = NewAckTool(spec.name, spec.ackStatus)
		}
		r.Register(NewToolDispatcher(spec.kind, tool, logger,
			WithEnabled(tc.Enabled),
			WithRateLimit(tc.RatePerSecond, tc.Burst),
		))
	}
	return r
}

// ReviewQueueFromConfig returns the HTTP review queue, or nil when no URL is
// configured.
func ReviewQueueFromConfig(cfg config.ToolsConfig) ReviewQueue {
	if cfg.ReviewURL == "" {
		return nil
	}
	return NewHTTPReviewQueue(cfg.ReviewURL, cfg.Timeout)
}
