package store

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/rmax-ai/pulse/pkg/blob"
)

// RetentionConfig controls how long archived runs stay in the database.
type RetentionConfig struct {
	Enabled       bool          `json:"enabled" yaml:"enabled"`
	Retention     time.Duration `json:"retention" yaml:"retention"`
	BatchSize     int           `json:"batch_size" yaml:"batch_size"`
	CheckInterval time.Duration `json:"check_interval" yaml:"check_interval"`
}

// RetentionWorker moves expired runs out of the archive. When a blob store is
// configured the runs are exported there as gzipped JSON lines first;
// otherwise they are just deleted.
type RetentionWorker struct {
	store  *Store
	blobs  blob.Store
	logger *zap.Logger

	mu     sync.RWMutex
	config RetentionConfig
	now    func() time.Time
}

func NewRetentionWorker(st *Store, blobs blob.Store, cfg RetentionConfig, logger *zap.Logger) *RetentionWorker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RetentionWorker{
		store:  st,
		blobs:  blobs,
		logger: logger.Named("retention"),
		config: cfg,
		now:    time.Now,
	}
}

func (w *RetentionWorker) UpdateConfig(cfg RetentionConfig) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.config = cfg
}

// Run prunes once immediately and then on every CheckInterval tick.
func (w *RetentionWorker) Run(ctx context.Context) {
	w.mu.RLock()
	cfg := w.config
	w.mu.RUnlock()

	if !cfg.Enabled || cfg.Retention <= 0 {
		w.logger.Info("run retention disabled")
		return
	}
	interval := cfg.CheckInterval
	if interval <= 0 {
		interval = time.Hour
	}

	w.logger.Info("starting retention worker", zap.Duration("interval", interval), zap.Duration("retention", cfg.Retention))
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if _, err := w.Prune(ctx); err != nil && ctx.Err() == nil {
			w.logger.Error("prune failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			w.logger.Info("retention worker stopping")
			return
		case <-ticker.C:
		}
	}
}

// Prune handles one batch and returns how many runs were removed.
func (w *RetentionWorker) Prune(ctx context.Context) (int, error) {
	w.mu.RLock()
	cfg := w.config
	w.mu.RUnlock()

	if !cfg.Enabled || cfg.Retention <= 0 {
		return 0, nil
	}

	cutoff := w.now().Add(-cfg.Retention)
	runs, err := w.store.ExpiredRuns(ctx, cutoff, cfg.BatchSize)
	if err != nil {
		return 0, err
	}
	if len(runs) == 0 {
		return 0, nil
	}

	if w.blobs != nil {
		var buf bytes.Buffer
		gz := gzip.NewWriter(&buf)
		enc := json.NewEncoder(gz)
		for _, st := range runs {
			if err := enc.Encode(st); err != nil {
				gz.Close()
				return 0, fmt.Errorf("failed to encode run %s: %w", st.RunID, err)
			}
		}
		if err := gz.Close(); err != nil {
			return 0, fmt.Errorf("failed to close gzip writer: %w", err)
		}

		// runs/YYYY/MM/DD/<first started>_<last started>_<uuid>.jsonl.gz
		first, last := runs[0].StartedAt.UTC(), runs[len(runs)-1].StartedAt.UTC()
		key := fmt.Sprintf("runs/%04d/%02d/%02d/%d_%d_%s.jsonl.gz",
			first.Year(), first.Month(), first.Day(),
			first.Unix(), last.Unix(), uuid.New().String())
		if err := w.blobs.Put(ctx, key, &buf); err != nil {
			return 0, fmt.Errorf("failed to export runs: %w", err)
		}
		w.logger.Info("exported runs", zap.String("key", key), zap.Int("count", len(runs)))
	}

	ids := make([]string, len(runs))
	for i, st := range runs {
		ids[i] = st.RunID
	}
	n, err := w.store.DeleteRuns(ctx, ids)
	if err != nil {
		return 0, err
	}
	w.logger.Info("pruned runs", zap.Int64("count", n), zap.Time("cutoff", cutoff))
	return int(n), nil
}
