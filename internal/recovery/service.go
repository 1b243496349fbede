// Package recovery finds documents whose ingestion was interrupted and
// re-drives them through the ingestion pipeline with bounded concurrency.
package recovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/docpilot/docpilot/internal/store"
)

// Defaults for stuck-document detection and batch sizing.
const (
	// DefaultThreshold is the staleness cutoff: pending/processing
	// records older than this count as stuck. Slow-but-healthy
	// ingestions past the cutoff are re-driven too; recovery is
	// idempotent so that costs a redo, not corruption.
	DefaultThreshold = 5 * time.Minute

	// DefaultMaxConcurrent is the batch size: members of one batch run
	// concurrently, batches run sequentially. This is the only
	// backpressure on the shared ingestion and embedding resources.
	DefaultMaxConcurrent = 3
)

// ErrAlreadyRunning is returned when another process holds the
// recovery lock for this data directory.
var ErrAlreadyRunning = errors.New("recovery already running for this data directory")

// stuckStatuses are the non-terminal states recovery looks for.
var stuckStatuses = []store.IngestionStatus{store.StatusPending, store.StatusProcessing}

// Pipeline re-drives one document through ingestion. Resume blocks
// until the document reaches a terminal state or fails.
type Pipeline interface {
	Resume(ctx context.Context, documentID, sourcePath string, chunkSize int) error
}

// Config configures the recovery service.
type Config struct {
	// Threshold is the staleness cutoff (default: 5 minutes).
	Threshold time.Duration

	// MaxConcurrent is the batch size (default: 3).
	MaxConcurrent int

	// DataDir scopes the cross-process lock. Empty disables locking.
	DataDir string
}

// DefaultConfig returns sensible defaults without a lock directory.
func DefaultConfig() Config {
	return Config{
		Threshold:     DefaultThreshold,
		MaxConcurrent: DefaultMaxConcurrent,
	}
}

// Service detects and recovers stuck documents.
type Service struct {
	docs     store.DocumentStore
	pipeline Pipeline
	config   Config
	logger   *slog.Logger
}

// NewService creates a recovery service over the given document store
// and ingestion pipeline.
func NewService(docs store.DocumentStore, pipeline Pipeline, config Config) (*Service, error) {
	if docs == nil {
		return nil, fmt.Errorf("document store is required")
	}
	if pipeline == nil {
		return nil, fmt.Errorf("ingestion pipeline is required")
	}
	if config.Threshold <= 0 {
		config.Threshold = DefaultThreshold
	}
	if config.MaxConcurrent <= 0 {
		config.MaxConcurrent = DefaultMaxConcurrent
	}
	return &Service{
		docs:     docs,
		pipeline: pipeline,
		config:   config,
		logger:   slog.Default().With("component", "recovery"),
	}, nil
}

// RecoverAllStuck finds every stuck document and re-drives it,
// returning how many reached completed. threshold and maxConcurrent
// of zero fall back to the service config. A single document's failure
// never aborts the run.
func (s *Service) RecoverAllStuck(ctx context.Context, threshold time.Duration, maxConcurrent int) (int, error) {
	if threshold <= 0 {
		threshold = s.config.Threshold
	}
	if maxConcurrent <= 0 {
		maxConcurrent = s.config.MaxConcurrent
	}

	unlock, err := s.acquireLock()
	if err != nil {
		return 0, err
	}
	defer unlock()

	records, err := s.docs.GetStuck(ctx, stuckStatuses, time.Now().Add(-threshold))
	if err != nil {
		return 0, fmt.Errorf("detect stuck documents: %w", err)
	}
	if len(records) == 0 {
		return 0, nil
	}

	s.logger.Info("recovery_started",
		"stuck", len(records),
		"threshold", threshold.String(),
		"max_concurrent", maxConcurrent)

	recovered, _ := s.recoverBatches(ctx, records, maxConcurrent)

	s.logger.Info("recovery_finished",
		"stuck", len(records),
		"recovered", recovered)
	return recovered, nil
}

// RecoverForOwner recovers one owner's stuck documents and returns the
// recovered count together with their titles.
func (s *Service) RecoverForOwner(ctx context.Context, ownerID string, threshold time.Duration) (int, []string, error) {
	if ownerID == "" {
		return 0, nil, fmt.Errorf("owner id is required")
	}
	if threshold <= 0 {
		threshold = s.config.Threshold
	}

	unlock, err := s.acquireLock()
	if err != nil {
		return 0, nil, err
	}
	defer unlock()

	records, err := s.docs.GetStuckByOwner(ctx, ownerID, stuckStatuses, time.Now().Add(-threshold))
	if err != nil {
		return 0, nil, fmt.Errorf("detect stuck documents for owner %s: %w", ownerID, err)
	}
	if len(records) == 0 {
		return 0, nil, nil
	}

	recovered, titles := s.recoverBatches(ctx, records, s.config.MaxConcurrent)
	return recovered, titles, nil
}

// acquireLock takes the cross-process lock when a data dir is
// configured. The returned func releases it.
func (s *Service) acquireLock() (func(), error) {
	if s.config.DataDir == "" {
		return func() {}, nil
	}

	lock := NewFileLock(s.config.DataDir)
	acquired, err := lock.TryLock()
	if err != nil {
		return nil, err
	}
	if !acquired {
		return nil, ErrAlreadyRunning
	}
	return func() {
		if err := lock.Unlock(); err != nil {
			s.logger.Warn("recovery_lock_release_failed", "error", err)
		}
	}, nil
}

// recoverBatches processes records in batches of maxConcurrent. Batch
// members run concurrently on an errgroup the supervisor owns and
// waits on; batches run sequentially. Failures are isolated and
// counted per document.
func (s *Service) recoverBatches(ctx context.Context, records []*store.IngestionRecord, maxConcurrent int) (int, []string) {
	var (
		mu        sync.Mutex
		recovered int
		titles    []string
	)

	for start := 0; start < len(records); start += maxConcurrent {
		if ctx.Err() != nil {
			break
		}
		end := start + maxConcurrent
		if end > len(records) {
			end = len(records)
		}

		g, gctx := errgroup.WithContext(ctx)
		for _, rec := range records[start:end] {
			rec := rec
			g.Go(func() error {
				if err := s.recoverOne(gctx, rec); err != nil {
					s.logger.Warn("document_recovery_failed",
						"document_id", rec.ID,
						"title", rec.Title,
						"error", err)
					return nil
				}
				mu.Lock()
				recovered++
				titles = append(titles, rec.Title)
				mu.Unlock()
				return nil
			})
		}
		// Members never return errors, so Wait only reflects gctx.
		_ = g.Wait()
	}

	return recovered, titles
}

// recoverOne re-drives a single document: verify the source file still
// exists, reset to a clean pending state, then resume ingestion.
// Repeated calls converge on one terminal state.
func (s *Service) recoverOne(ctx context.Context, rec *store.IngestionRecord) error {
	if _, err := os.Stat(rec.SourcePath); err != nil {
		msg := fmt.Sprintf("source file missing: %s", rec.SourcePath)
		if updateErr := s.docs.UpdateStatus(ctx, rec.ID, store.StatusFailed, rec.Progress, msg); updateErr != nil {
			return fmt.Errorf("mark failed: %w", updateErr)
		}
		return errors.New(msg)
	}

	// Idempotence: a clean reset before resuming means a second
	// recovery attempt redoes the same work instead of compounding it.
	if err := s.docs.UpdateStatus(ctx, rec.ID, store.StatusPending, 0, ""); err != nil {
		return fmt.Errorf("reset to pending: %w", err)
	}

	if err := s.pipeline.Resume(ctx, rec.ID, rec.SourcePath, rec.ChunkSize); err != nil {
		if updateErr := s.docs.UpdateStatus(ctx, rec.ID, store.StatusFailed, 0, err.Error()); updateErr != nil {
			s.logger.Warn("status_update_failed", "document_id", rec.ID, "error", updateErr)
		}
		return fmt.Errorf("resume ingestion: %w", err)
	}

	if err := s.docs.UpdateStatus(ctx, rec.ID, store.StatusCompleted, 100, ""); err != nil {
		return fmt.Errorf("mark completed: %w", err)
	}

	s.logger.Debug("document_recovered", "document_id", rec.ID, "title", rec.Title)
	return nil
}
