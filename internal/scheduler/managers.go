package scheduler

import (
	"context"

	"github.com/cochaviz/cellar/internal/analysis"
)

// handleManagers runs the actions managers requested and finalises the
// managers that exited. It returns the managers to untrack.
func (s *Scheduler) handleManagers(ctx context.Context) []analysis.Manager {
	var remove []analysis.Manager
	for _, m := range s.trackedManagers() {
		if m.ActionRequested() {
			s.handleAction(ctx, m)
		}
		if !m.Alive() {
			m.Finalize(ctx, s.db)
			remove = append(remove, m)
		}
	}
	return remove
}

func (s *Scheduler) handleAction(ctx context.Context, m analysis.Manager) {
	defer m.ReleaseLocks()

	taskID := m.Task().ID
	status := m.Status()
	handler, ok := analysis.HandlerFor(status)
	if !ok {
		s.logger.Error("analysis manager requested action for a status without handler",
			"task_id", taskID, "status", status)
		return
	}
	s.logger.Debug("executing requested action", "task_id", taskID, "status", status)
	if err := handler(ctx, m, s.db); err != nil {
		s.logger.Error("requested action failed", "task_id", taskID, "status", status, "error", err)
	}
}
