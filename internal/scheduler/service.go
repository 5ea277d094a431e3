// Package scheduler owns the audit run lifecycle: triggering, claiming,
// executing and retrying runs, plus the per-tenant cron loop.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"revaudit/internal/config"
	"revaudit/internal/config/loader"
	"revaudit/internal/connector"
	"revaudit/internal/logger"
	"revaudit/internal/recon"
	"revaudit/internal/store/runstore"
)

// ServiceConfig wires the run service.
type ServiceConfig struct {
	Store     *runstore.Store
	Backend   connector.BackendSource
	Analytics connector.AnalyticsSource
	Clients   *loader.Registry
	Recon     config.ReconConfig
	Scheduler config.SchedulerConfig
}

// Service coordinates audit runs. Execution happens on background
// goroutines bounded by a worker semaphore; a run in flight for a tenant
// and window blocks any second run for the same pair.
type Service struct {
	store     *runstore.Store
	backend   connector.BackendSource
	analytics connector.AnalyticsSource
	clients   *loader.Registry
	tol       recon.Tolerance
	reconCfg  config.ReconConfig
	schedCfg  config.SchedulerConfig

	sem chan struct{}

	mu      sync.RWMutex
	cancels map[string]context.CancelFunc

	baseCtx context.Context
}

func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("run store is required")
	}
	if cfg.Backend == nil || cfg.Analytics == nil {
		return nil, fmt.Errorf("both data sources are required")
	}
	if cfg.Clients == nil {
		return nil, fmt.Errorf("client registry is required")
	}
	tol, err := cfg.Recon.Tolerance()
	if err != nil {
		return nil, err
	}
	workers := cfg.Scheduler.Workers
	if workers <= 0 {
		workers = 1
	}
	return &Service{
		store:     cfg.Store,
		backend:   cfg.Backend,
		analytics: cfg.Analytics,
		clients:   cfg.Clients,
		tol:       tol,
		reconCfg:  cfg.Recon,
		schedCfg:  cfg.Scheduler,
		sem:       make(chan struct{}, workers),
		cancels:   make(map[string]context.CancelFunc),
		baseCtx:   context.Background(),
	}, nil
}

// SetContext injects the host context used to cancel background runs on
// shutdown.
func (s *Service) SetContext(ctx context.Context) {
	if ctx != nil {
		s.baseCtx = ctx
	}
}

func (s *Service) ctx() context.Context {
	if s.baseCtx == nil {
		return context.Background()
	}
	return s.baseCtx
}

// Trigger registers a run for the tenant and window and starts executing
// it in the background. The returned run is PENDING; poll the store for
// progress.
func (s *Service) Trigger(ctx context.Context, clientID string, w recon.Window, force bool) (runstore.Run, error) {
	clientID = strings.TrimSpace(clientID)
	if _, ok := s.clients.Get(clientID); !ok {
		return runstore.Run{}, fmt.Errorf("unknown client: %s", clientID)
	}
	run, err := s.store.CreateRun(ctx, clientID, w, s.schedCfg.MaxAttempts, force)
	if err != nil {
		return runstore.Run{}, err
	}
	logger.Infof("[audit] run %s queued: client=%s window=%s..%s force=%v",
		run.ID, clientID, w.Start.Format("2006-01-02"), w.End.Format("2006-01-02"), force)
	go s.executeRun(run)
	return run, nil
}

// Cancel aborts a PENDING or RUNNING run. The run ends FAILED with a
// canceled marker; terminal runs cannot be canceled.
func (s *Service) Cancel(ctx context.Context, runID string) error {
	s.mu.RLock()
	cancel, inFlight := s.cancels[runID]
	s.mu.RUnlock()
	if inFlight {
		cancel()
		return nil
	}
	run, err := s.store.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if run.Status != runstore.StatusPending {
		return fmt.Errorf("run %s is %s and cannot be canceled", runID, run.Status)
	}
	return s.store.MarkFailed(ctx, runID, "canceled")
}

func (s *Service) executeRun(run runstore.Run) {
	select {
	case s.sem <- struct{}{}:
	case <-s.ctx().Done():
		s.failRun(run.ID, "service shutting down")
		return
	}
	defer func() { <-s.sem }()

	runCtx, cancel := context.WithCancel(s.ctx())
	s.mu.Lock()
	s.cancels[run.ID] = cancel
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.cancels, run.ID)
		s.mu.Unlock()
		cancel()
	}()

	if err := s.store.ClaimRun(runCtx, run.ID); err != nil {
		if runCtx.Err() != nil {
			s.finishCanceled(run.ID)
			return
		}
		if errors.Is(err, runstore.ErrNotClaimable) {
			s.failRun(run.ID, "another run in flight for this window")
			return
		}
		logger.Errorf("[audit] run %s claim failed: %v", run.ID, err)
		s.failRun(run.ID, err.Error())
		return
	}

	orders, events, err := s.fetchWithRetry(runCtx, run)
	if err != nil {
		if runCtx.Err() != nil {
			s.finishCanceled(run.ID)
			return
		}
		logger.Warnf("[audit] run %s failed: %v", run.ID, err)
		s.failRun(run.ID, err.Error())
		return
	}

	summary, findings, err := s.reconcile(run.Window, orders, events)
	if err != nil {
		logger.Warnf("[audit] run %s failed: %v", run.ID, err)
		s.failRun(run.ID, err.Error())
		return
	}
	if runCtx.Err() != nil {
		s.finishCanceled(run.ID)
		return
	}
	if err := s.store.MarkSucceeded(s.ctx(), run.ID, summary, findings); err != nil {
		logger.Errorf("[audit] run %s result persist failed: %v", run.ID, err)
		s.failRun(run.ID, "persisting result: "+err.Error())
		return
	}
	logger.Infof("[audit] run %s succeeded: backend=%d analytics=%d match_rate=%.2f%%",
		run.ID, summary.BackendRecords, summary.AnalyticsRecords, summary.MatchRatePct)
}

// fetchWithRetry pulls both batches, retrying transport failures with
// exponential backoff while the attempt budget lasts.
func (s *Service) fetchWithRetry(ctx context.Context, run runstore.Run) ([]recon.RawOrder, []recon.RawEvent, error) {
	maxAttempts := run.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	for attempt := 1; ; attempt++ {
		if attempt > 1 {
			if err := s.store.BumpAttempt(ctx, run.ID, attempt); err != nil {
				return nil, nil, err
			}
		}
		orders, events, err := s.fetch(ctx, run.ClientID, run.Window)
		if err == nil {
			return orders, events, nil
		}
		if ctx.Err() != nil {
			return nil, nil, ctx.Err()
		}
		if !connector.Retryable(err) || attempt >= maxAttempts {
			return nil, nil, err
		}
		delay := s.backoff(attempt)
		logger.Warnf("[audit] run %s fetch attempt %d/%d failed, retrying in %s: %v",
			run.ID, attempt, maxAttempts, delay, err)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, nil, ctx.Err()
		}
	}
}

// fetch pulls the two sides in parallel under one per-fetch timeout.
func (s *Service) fetch(ctx context.Context, clientID string, w recon.Window) ([]recon.RawOrder, []recon.RawEvent, error) {
	timeout := time.Duration(s.schedCfg.FetchTimeoutSec) * time.Second
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	fctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var orders []recon.RawOrder
	var events []recon.RawEvent
	g, gctx := errgroup.WithContext(fctx)
	g.Go(func() error {
		var err error
		orders, err = s.backend.FetchOrders(gctx, clientID, w)
		return err
	})
	g.Go(func() error {
		var err error
		events, err = s.analytics.FetchEvents(gctx, clientID, w)
		return err
	})
	if err := g.Wait(); err != nil {
		if ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded) {
			return nil, nil, &connector.FetchError{ClientID: clientID, Retryable: true,
				Err: fmt.Errorf("fetch timed out after %s", timeout)}
		}
		return nil, nil, err
	}
	return orders, events, nil
}

// reconcile is the pure pipeline: normalize, match, detect duplicates,
// aggregate, flatten findings.
func (s *Service) reconcile(w recon.Window, orders []recon.RawOrder, events []recon.RawEvent) (recon.Summary, []runstore.Finding, error) {
	var stats recon.NormalizationStats
	backendRecs := recon.NormalizeOrders(orders, &stats)
	analyticsRecs := recon.NormalizeEvents(events, &stats)

	// A batch at exactly the limit is already untrustworthy.
	limit := s.reconCfg.MaxMalformedRate
	if rate := stats.MalformedRate(recon.SourceBackend); rate >= limit {
		return recon.Summary{}, nil, fmt.Errorf("backend batch unusable: %.0f%% malformed rows (limit %.0f%%)", rate*100, limit*100)
	}
	if rate := stats.MalformedRate(recon.SourceAnalytics); rate >= limit {
		return recon.Summary{}, nil, fmt.Errorf("analytics batch unusable: %.0f%% malformed rows (limit %.0f%%)", rate*100, limit*100)
	}

	outcome, err := recon.Match(backendRecs, analyticsRecs, s.tol)
	if err != nil {
		return recon.Summary{}, nil, err
	}
	dupes := recon.DetectDuplicates(outcome.AnalyticsByKey, outcome.BackendByKey, s.tol)
	summary, err := recon.Aggregate(w, outcome, dupes, stats, recon.AggregateOptions{
		SampleLimit:   s.reconCfg.SampleLimit,
		TopDuplicates: s.reconCfg.TopDuplicates,
	})
	if err != nil {
		return recon.Summary{}, nil, err
	}
	return summary, flattenFindings(summary, dupes), nil
}

// flattenFindings turns summary samples and duplicate hits into persisted
// finding rows, in a stable order.
func flattenFindings(summary recon.Summary, dupes []recon.DuplicateFinding) []runstore.Finding {
	var out []runstore.Finding
	for _, kind := range recon.Kinds {
		if kind == recon.KindMatched {
			continue
		}
		for _, sample := range summary.Samples[kind] {
			f := runstore.Finding{Kind: string(kind), Key: sample.Key}
			if sample.BackendAmount != nil {
				f.BackendAmount = sample.BackendAmount.StringFixed(2)
			}
			if sample.AnalyticsAmount != nil {
				f.AnalyticsAmount = sample.AnalyticsAmount.StringFixed(2)
			}
			if sample.AmountDelta != nil {
				f.AmountDelta = sample.AmountDelta.StringFixed(2)
			}
			out = append(out, f)
		}
	}
	for _, d := range dupes {
		out = append(out, runstore.Finding{
			Kind:            "duplicate_fire",
			Key:             d.Key,
			AnalyticsAmount: d.UnitAmount.StringFixed(2),
			AmountDelta:     d.ExcessAmount.StringFixed(2),
			Detail:          fmt.Sprintf("fired %dx across %d events", d.Multiplier, d.EventCount),
		})
	}
	for _, a := range summary.KeyAnomalies {
		out = append(out, runstore.Finding{
			Kind:   "key_anomaly",
			Key:    a.Key,
			Detail: fmt.Sprintf("%s key seen %d times", a.Source, a.Count),
		})
	}
	return out
}

func (s *Service) finishCanceled(runID string) {
	logger.Infof("[audit] run %s canceled", runID)
	s.failRun(runID, "canceled")
}

// failRun moves the run to FAILED without losing a store error. A run that
// already reached a terminal status is left as it is.
func (s *Service) failRun(runID, reason string) {
	err := s.store.MarkFailed(context.Background(), runID, reason)
	if err != nil && !errors.Is(err, runstore.ErrRunNotFound) {
		logger.Errorf("[audit] run %s could not be marked failed (%s): %v", runID, reason, err)
	}
}

func (s *Service) backoff(attempt int) time.Duration {
	base := time.Duration(s.schedCfg.BackoffBaseSec) * time.Second
	if base <= 0 {
		base = 2 * time.Second
	}
	ceil := time.Duration(s.schedCfg.BackoffCapSec) * time.Second
	if ceil <= 0 {
		ceil = time.Minute
	}
	d := base << (attempt - 1)
	if d <= 0 || d > ceil {
		d = ceil
	}
	return d
}
