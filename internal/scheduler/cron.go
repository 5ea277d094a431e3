package scheduler

import (
	"context"
	"errors"
	"time"

	"revaudit/internal/config/loader"
	"revaudit/internal/logger"
	"revaudit/internal/recon"
	"revaudit/internal/store/runstore"
)

// RunScheduler fires scheduled audits for every active tenant until ctx
// is canceled. A tenant added through a clients-file reload is picked up
// on the next tick; a window that already has a succeeded run is skipped.
func (s *Service) RunScheduler(ctx context.Context) error {
	tick := time.Duration(s.schedCfg.TickSeconds) * time.Second
	if tick <= 0 {
		tick = time.Minute
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	next := make(map[string]time.Time)
	logger.Infof("[cron] scheduler started, tick=%s", tick)
	for {
		select {
		case <-ctx.Done():
			logger.Infof("[cron] scheduler stopped")
			return ctx.Err()
		case now := <-ticker.C:
			for _, client := range s.clients.Active() {
				due, seen := next[client.ID]
				if !seen {
					next[client.ID] = client.Schedule.NextAfter(now, client.Location())
					continue
				}
				if now.Before(due) {
					continue
				}
				next[client.ID] = client.Schedule.NextAfter(now, client.Location())
				s.fireScheduled(ctx, client, due)
			}
		}
	}
}

func (s *Service) fireScheduled(ctx context.Context, client loader.ClientDefinition, due time.Time) {
	w := scheduledWindow(client.Schedule.Frequency, due, client.Location())
	done, err := s.store.HasSucceeded(ctx, client.ID, w)
	if err != nil {
		logger.Errorf("[cron] %s: checking window failed: %v", client.ID, err)
		return
	}
	if done {
		logger.Debugf("[cron] %s: window %s..%s already reconciled",
			client.ID, w.Start.Format("2006-01-02"), w.End.Format("2006-01-02"))
		return
	}
	if _, err := s.Trigger(ctx, client.ID, w, false); err != nil {
		if errors.Is(err, runstore.ErrAlreadyReconciled) {
			return
		}
		logger.Errorf("[cron] %s: trigger failed: %v", client.ID, err)
	}
}

// scheduledWindow is the period a scheduled firing audits: the previous
// full day (or hour) in the tenant's timezone, half-open.
func scheduledWindow(frequency string, at time.Time, loc *time.Location) recon.Window {
	local := at.In(loc)
	if frequency == "hourly" {
		end := local.Truncate(time.Hour)
		return recon.Window{Start: end.Add(-time.Hour), End: end}
	}
	midnight := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc)
	return recon.Window{Start: midnight.AddDate(0, 0, -1), End: midnight}
}
