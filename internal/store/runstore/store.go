// Package runstore persists audit runs and their findings.
package runstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"revaudit/internal/recon"
)

var (
	// ErrAlreadyReconciled means a succeeded run already covers the window
	// and the caller did not force a re-run.
	ErrAlreadyReconciled = errors.New("window already reconciled")
	// ErrNotClaimable means the run is not PENDING anymore or another run
	// for the same tenant and window is in flight.
	ErrNotClaimable = errors.New("run not claimable")
	// ErrRunNotFound means no run with that id exists.
	ErrRunNotFound = errors.New("run not found")
)

// Store implements run and finding storage using Gorm + SQLite.
type Store struct {
	db *gorm.DB
}

func NewStore(path string) (*Store, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("run store path cannot be empty")
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	// WAL gives concurrent readers on private connections; a shared cache
	// would reintroduce table-level locks that busy_timeout does not retry.
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", path)
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:                                   gormlogger.Default.LogMode(gormlogger.Silent),
		DisableForeignKeyConstraintWhenMigrating: true,
	})
	if err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(&runModel{}, &findingModel{}); err != nil {
		return nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	// SQLite + WAL: a little parallelism for HTTP reads, low lock contention.
	sqlDB.SetMaxOpenConns(2)
	sqlDB.SetMaxIdleConns(2)
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// CreateRun registers a PENDING run for the tenant and window. Unless
// force is set, a live (non-superseded) SUCCEEDED run for the same window
// short-circuits with ErrAlreadyReconciled.
func (s *Store) CreateRun(ctx context.Context, clientID string, w recon.Window, maxAttempts int, force bool) (Run, error) {
	if s == nil || s.db == nil {
		return Run{}, fmt.Errorf("run store not initialized")
	}
	clientID = strings.TrimSpace(clientID)
	if clientID == "" {
		return Run{}, fmt.Errorf("client id required")
	}
	if w.IsZero() || !w.End.After(w.Start) {
		return Run{}, fmt.Errorf("invalid window %s..%s", w.Start, w.End)
	}
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	model := runModel{
		ID:          uuid.NewString(),
		ClientID:    clientID,
		WindowStart: w.Start.Unix(),
		WindowEnd:   w.End.Unix(),
		Status:      string(StatusPending),
		Attempt:     0,
		MaxAttempts: maxAttempts,
		CreatedAtUx: time.Now().Unix(),
	}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if !force {
			var count int64
			if err := tx.Model(&runModel{}).
				Where("client_id = ? AND window_start = ? AND window_end = ? AND status = ? AND superseded = 0",
					clientID, model.WindowStart, model.WindowEnd, string(StatusSucceeded)).
				Count(&count).Error; err != nil {
				return err
			}
			if count > 0 {
				return ErrAlreadyReconciled
			}
		}
		return tx.Create(&model).Error
	})
	if err != nil {
		return Run{}, err
	}
	return runModelToRecord(model), nil
}

// ClaimRun flips the run from PENDING to RUNNING. The transaction also
// refuses the claim while another run for the same tenant and window is
// RUNNING, so at most one worker audits a given window at a time.
func (s *Store) ClaimRun(ctx context.Context, runID string) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("run store not initialized")
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var run runModel
		if err := tx.Where("id = ?", runID).First(&run).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrRunNotFound
			}
			return err
		}
		var inFlight int64
		if err := tx.Model(&runModel{}).
			Where("client_id = ? AND window_start = ? AND window_end = ? AND status = ? AND id != ?",
				run.ClientID, run.WindowStart, run.WindowEnd, string(StatusRunning), runID).
			Count(&inFlight).Error; err != nil {
			return err
		}
		if inFlight > 0 {
			return ErrNotClaimable
		}
		res := tx.Model(&runModel{}).
			Where("id = ? AND status = ?", runID, string(StatusPending)).
			Updates(map[string]interface{}{
				"status":     string(StatusRunning),
				"attempt":    1,
				"started_at": time.Now().Unix(),
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrNotClaimable
		}
		return nil
	})
}

// BumpAttempt records one more in-process retry on a RUNNING run.
func (s *Store) BumpAttempt(ctx context.Context, runID string, attempt int) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("run store not initialized")
	}
	res := s.db.WithContext(ctx).Model(&runModel{}).
		Where("id = ? AND status = ?", runID, string(StatusRunning)).
		Update("attempt", attempt)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrRunNotFound
	}
	return nil
}

// MarkSucceeded persists the summary and findings and supersedes any
// previous succeeded run for the same window, all in one transaction.
func (s *Store) MarkSucceeded(ctx context.Context, runID string, summary recon.Summary, findings []Finding) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("run store not initialized")
	}
	payload, err := json.Marshal(summary)
	if err != nil {
		return fmt.Errorf("encoding summary: %w", err)
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var run runModel
		if err := tx.Where("id = ?", runID).First(&run).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrRunNotFound
			}
			return err
		}
		if err := tx.Model(&runModel{}).
			Where("client_id = ? AND window_start = ? AND window_end = ? AND status = ? AND id != ?",
				run.ClientID, run.WindowStart, run.WindowEnd, string(StatusSucceeded), runID).
			Update("superseded", 1).Error; err != nil {
			return err
		}
		if err := tx.Model(&runModel{}).
			Where("id = ?", runID).
			Updates(map[string]interface{}{
				"status":       string(StatusSucceeded),
				"error":        "",
				"summary_json": datatypes.JSON(payload),
				"finished_at":  time.Now().Unix(),
			}).Error; err != nil {
			return err
		}
		if len(findings) == 0 {
			return nil
		}
		models := make([]findingModel, 0, len(findings))
		for _, f := range findings {
			models = append(models, findingModel{
				RunID:           runID,
				Kind:            f.Kind,
				Key:             f.Key,
				BackendAmount:   f.BackendAmount,
				AnalyticsAmount: f.AnalyticsAmount,
				AmountDelta:     f.AmountDelta,
				Detail:          f.Detail,
			})
		}
		return tx.Create(&models).Error
	})
}

// MarkFailed moves the run to FAILED with the terminal error.
func (s *Store) MarkFailed(ctx context.Context, runID, reason string) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("run store not initialized")
	}
	res := s.db.WithContext(ctx).Model(&runModel{}).
		Where("id = ? AND status IN ?", runID, []string{string(StatusPending), string(StatusRunning)}).
		Updates(map[string]interface{}{
			"status":      string(StatusFailed),
			"error":       strings.TrimSpace(reason),
			"finished_at": time.Now().Unix(),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrRunNotFound
	}
	return nil
}

// GetRun loads one run with its summary.
func (s *Store) GetRun(ctx context.Context, runID string) (Run, error) {
	if s == nil || s.db == nil {
		return Run{}, fmt.Errorf("run store not initialized")
	}
	var model runModel
	if err := s.db.WithContext(ctx).Where("id = ?", runID).First(&model).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return Run{}, ErrRunNotFound
		}
		return Run{}, err
	}
	return runModelToRecord(model), nil
}

// ListRuns returns recent runs, optionally filtered by tenant.
func (s *Store) ListRuns(ctx context.Context, clientID string, limit int) ([]Run, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("run store not initialized")
	}
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	query := s.db.WithContext(ctx).Model(&runModel{})
	if id := strings.TrimSpace(clientID); id != "" {
		query = query.Where("client_id = ?", id)
	}
	var models []runModel
	if err := query.Order("created_at DESC, id DESC").Limit(limit).Find(&models).Error; err != nil {
		return nil, err
	}
	out := make([]Run, 0, len(models))
	for _, m := range models {
		out = append(out, runModelToRecord(m))
	}
	return out, nil
}

// ListFindings returns the persisted findings of a run.
func (s *Store) ListFindings(ctx context.Context, runID string, kind string, limit int) ([]Finding, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("run store not initialized")
	}
	if limit <= 0 || limit > 1000 {
		limit = 200
	}
	query := s.db.WithContext(ctx).Model(&findingModel{}).Where("run_id = ?", runID)
	if k := strings.TrimSpace(kind); k != "" {
		query = query.Where("kind = ?", k)
	}
	var models []findingModel
	if err := query.Order("id ASC").Limit(limit).Find(&models).Error; err != nil {
		return nil, err
	}
	out := make([]Finding, 0, len(models))
	for _, m := range models {
		out = append(out, Finding{
			RunID:           m.RunID,
			Kind:            m.Kind,
			Key:             m.Key,
			BackendAmount:   m.BackendAmount,
			AnalyticsAmount: m.AnalyticsAmount,
			AmountDelta:     m.AmountDelta,
			Detail:          m.Detail,
		})
	}
	return out, nil
}

// HasSucceeded reports whether a live succeeded run covers the window.
func (s *Store) HasSucceeded(ctx context.Context, clientID string, w recon.Window) (bool, error) {
	if s == nil || s.db == nil {
		return false, fmt.Errorf("run store not initialized")
	}
	var count int64
	err := s.db.WithContext(ctx).Model(&runModel{}).
		Where("client_id = ? AND window_start = ? AND window_end = ? AND status = ? AND superseded = 0",
			clientID, w.Start.Unix(), w.End.Unix(), string(StatusSucceeded)).
		Count(&count).Error
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

func runModelToRecord(m runModel) Run {
	run := Run{
		ID:       m.ID,
		ClientID: m.ClientID,
		Window: recon.Window{
			Start: time.Unix(m.WindowStart, 0).UTC(),
			End:   time.Unix(m.WindowEnd, 0).UTC(),
		},
		Status:      RunStatus(m.Status),
		Attempt:     m.Attempt,
		MaxAttempts: m.MaxAttempts,
		Error:       m.Error,
		Superseded:  m.Superseded != 0,
	}
	if m.CreatedAtUx > 0 {
		run.CreatedAt = time.Unix(m.CreatedAtUx, 0).UTC()
	}
	if m.StartedAtUx > 0 {
		run.StartedAt = time.Unix(m.StartedAtUx, 0).UTC()
	}
	if m.FinishedAtUx > 0 {
		run.FinishedAt = time.Unix(m.FinishedAtUx, 0).UTC()
	}
	if len(m.SummaryJSON) > 0 {
		var summary recon.Summary
		if err := json.Unmarshal(m.SummaryJSON, &summary); err == nil {
			run.Summary = &summary
		}
	}
	return run
}
