// Package scheduler implements the crawl control loop: target selection,
// per-target execution, retry state and batch pacing.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/cafedir/crawler/internal/directory"
	"github.com/cafedir/crawler/internal/lock"
	"github.com/cafedir/crawler/internal/metrics"
	"github.com/cafedir/crawler/internal/reconcile"
)

// ErrBusy is returned when a batch trigger arrives while a batch is running.
var ErrBusy = errors.New("a batch is already running")

const maxErrorText = 500

// Config controls scheduler behavior.
type Config struct {
	// BatchSize bounds how many targets one cycle processes.
	BatchSize int
	// IdleInterval is the pause between batch cycles of the background loop.
	IdleInterval time.Duration
	// PacingDelay is honored between successful targets within a batch.
	PacingDelay time.Duration
	// DefaultMaxResults applies when a target carries no result cap.
	DefaultMaxResults int
	// EventTopic, when set, receives an entity-change event per target.
	EventTopic string
}

// BatchSummary aggregates the outcomes of one batch run.
type BatchSummary struct {
	Attempted int                      `json:"attempted"`
	Succeeded int                      `json:"succeeded"`
	Failed    int                      `json:"failed"`
	Targets   []directory.CrawlSummary `json:"targets"`
}

// Scheduler owns the crawl loop state: the adapters, the retry policy and
// the running/cancellation handles. It is an explicit value passed to the
// transport layer; there is no ambient global instance.
type Scheduler struct {
	targets    directory.TargetStore
	history    directory.HistoryStore
	adapters   map[directory.SourceKind]directory.SourceAdapter
	reconciler *reconcile.Reconciler
	retry      *directory.RetryPolicy
	clock      directory.Clock
	ids        directory.IDGenerator
	publisher  directory.Publisher
	locks      *lock.Keyed
	cfg        Config
	logger     *zap.Logger

	busy chan struct{}

	stateMu     sync.Mutex
	loopCancel  context.CancelFunc
	batchCancel context.CancelFunc
}

// New constructs a Scheduler.
func New(
	targets directory.TargetStore,
	history directory.HistoryStore,
	adapters []directory.SourceAdapter,
	reconciler *reconcile.Reconciler,
	retry *directory.RetryPolicy,
	clock directory.Clock,
	ids directory.IDGenerator,
	publisher directory.Publisher,
	cfg Config,
	logger *zap.Logger,
) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 5
	}
	if cfg.IdleInterval <= 0 {
		cfg.IdleInterval = 30 * time.Minute
	}
	byKind := make(map[directory.SourceKind]directory.SourceAdapter, len(adapters))
	for _, a := range adapters {
		byKind[a.Kind()] = a
	}
	metrics.Init()
	return &Scheduler{
		targets:    targets,
		history:    history,
		adapters:   byKind,
		reconciler: reconciler,
		retry:      retry,
		clock:      clock,
		ids:        ids,
		publisher:  publisher,
		locks:      lock.NewKeyed(),
		cfg:        cfg,
		logger:     logger,
		busy:       make(chan struct{}, 1),
	}
}

// Run executes the background loop until ctx finishes or Stop is called.
func (s *Scheduler) Run(ctx context.Context) {
	loopCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.stateMu.Lock()
	s.loopCancel = cancel
	s.stateMu.Unlock()
	defer func() {
		s.stateMu.Lock()
		s.loopCancel = nil
		s.stateMu.Unlock()
	}()

	metrics.SetRunning(true)
	defer metrics.SetRunning(false)

	for {
		summary, err := s.RunBatch(loopCtx)
		switch {
		case errors.Is(err, context.Canceled) || loopCtx.Err() != nil:
			return
		case errors.Is(err, ErrBusy):
			// A manual batch trigger is mid-flight; wait a cycle.
		case err != nil:
			s.logger.Error("batch aborted", zap.Error(err))
		default:
			s.logger.Info("batch finished",
				zap.Int("attempted", summary.Attempted),
				zap.Int("succeeded", summary.Succeeded),
				zap.Int("failed", summary.Failed),
			)
		}
		if !s.pause(loopCtx, s.cfg.IdleInterval) {
			return
		}
	}
}

// Stop requests cooperative cancellation of the background loop and of any
// manually triggered batch in flight.
func (s *Scheduler) Stop() {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	if s.loopCancel != nil {
		s.loopCancel()
	}
	if s.batchCancel != nil {
		s.batchCancel()
	}
}

// Running reports whether the background loop is active.
func (s *Scheduler) Running() bool {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return s.loopCancel != nil
}

// RunBatch executes one selection-and-crawl pass. Targets run strictly
// sequentially; the first failed target ends the batch (fail-fast), leaving
// earlier targets' committed work intact. Only one batch runs at a time.
func (s *Scheduler) RunBatch(ctx context.Context) (BatchSummary, error) {
	select {
	case s.busy <- struct{}{}:
	default:
		return BatchSummary{}, ErrBusy
	}
	defer func() { <-s.busy }()
	return s.runBatchLocked(ctx)
}

// StartBatch launches one batch in the background. It fails fast with
// ErrBusy when a batch is already running. The batch runs on its own
// cancelable context so Stop reaches it even though the triggering request
// has long since returned.
func (s *Scheduler) StartBatch(ctx context.Context) error {
	select {
	case s.busy <- struct{}{}:
	default:
		return ErrBusy
	}
	batchCtx, cancel := context.WithCancel(ctx)
	s.stateMu.Lock()
	s.batchCancel = cancel
	s.stateMu.Unlock()

	go func() {
		defer func() {
			s.stateMu.Lock()
			s.batchCancel = nil
			s.stateMu.Unlock()
			cancel()
			<-s.busy
		}()
		summary, err := s.runBatchLocked(batchCtx)
		if err != nil && !errors.Is(err, context.Canceled) {
			s.logger.Error("batch aborted", zap.Error(err))
			return
		}
		s.logger.Info("batch finished",
			zap.Int("attempted", summary.Attempted),
			zap.Int("succeeded", summary.Succeeded),
			zap.Int("failed", summary.Failed),
		)
	}()
	return nil
}

func (s *Scheduler) runBatchLocked(ctx context.Context) (BatchSummary, error) {
	s.reconciler.BeginBatch()

	targets, err := s.selectBatch(ctx, s.cfg.BatchSize)
	if err != nil {
		metrics.ObserveBatch("error")
		return BatchSummary{}, fmt.Errorf("select batch: %w", err)
	}

	var summary BatchSummary
	for i, target := range targets {
		if err := ctx.Err(); err != nil {
			metrics.ObserveBatch("canceled")
			return summary, fmt.Errorf("batch canceled: %w", err)
		}
		crawl, err := s.CrawlOne(ctx, target.ID)
		summary.Attempted++
		summary.Targets = append(summary.Targets, crawl)
		if err != nil {
			summary.Failed++
			metrics.ObserveBatch("aborted")
			return summary, err
		}
		if crawl.Status != directory.CrawlStatusSuccess {
			summary.Failed++
			s.logger.Warn("target failed, stopping batch",
				zap.String("target_id", target.ID),
				zap.String("message", crawl.Message),
			)
			metrics.ObserveBatch("failed")
			return summary, nil
		}
		summary.Succeeded++
		if i < len(targets)-1 {
			if !s.pause(ctx, s.cfg.PacingDelay) {
				metrics.ObserveBatch("canceled")
				return summary, fmt.Errorf("batch canceled: %w", ctx.Err())
			}
		}
	}
	metrics.ObserveBatch("ok")
	return summary, nil
}

// QueuePreview returns the next targets the loop would pick, in order,
// without mutating any state.
func (s *Scheduler) QueuePreview(ctx context.Context, count int) ([]directory.CrawlTarget, error) {
	if count <= 0 {
		count = s.cfg.BatchSize
	}
	return s.selectBatch(ctx, count)
}

// selectBatch applies the selection priority: retry-due targets in ascending
// next_crawl_at order first, then active targets by ascending crawl_count
// and oldest last_crawled_at, up to limit.
func (s *Scheduler) selectBatch(ctx context.Context, limit int) ([]directory.CrawlTarget, error) {
	now := s.clock.Now()
	due, err := s.targets.ListRetryDue(ctx, now, limit)
	if err != nil {
		return nil, fmt.Errorf("list retry-due targets: %w", err)
	}
	if len(due) >= limit {
		return due[:limit], nil
	}

	picked := make(map[string]struct{}, len(due))
	for _, t := range due {
		picked[t.ID] = struct{}{}
	}
	active, err := s.targets.ListActiveByPriority(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("list active targets: %w", err)
	}
	out := due
	for _, t := range active {
		if len(out) >= limit {
			break
		}
		if _, dup := picked[t.ID]; dup {
			continue
		}
		out = append(out, t)
	}
	return out, nil
}

// CrawlOne crawls a single target. It is the one code path for per-target
// execution, shared by the batch loop and manual triggers, and serialized
// per target ID. The returned error is non-nil only for batch-fatal
// conditions (integrity violations, storage failures, cancellation);
// ordinary crawl failures are reported in the summary.
func (s *Scheduler) CrawlOne(ctx context.Context, targetID string) (directory.CrawlSummary, error) {
	unlock := s.locks.Lock(targetID)
	defer unlock()

	if err := ctx.Err(); err != nil {
		return directory.CrawlSummary{TargetID: targetID}, fmt.Errorf("crawl canceled: %w", err)
	}

	target, err := s.targets.GetTarget(ctx, targetID)
	if err != nil {
		return directory.CrawlSummary{TargetID: targetID}, fmt.Errorf("load target: %w", err)
	}
	return s.crawlTarget(ctx, target)
}

func (s *Scheduler) crawlTarget(ctx context.Context, target directory.CrawlTarget) (directory.CrawlSummary, error) {
	started := s.clock.Now()
	histID, err := s.ids.NewID()
	if err != nil {
		return directory.CrawlSummary{TargetID: target.ID}, fmt.Errorf("generate history id: %w", err)
	}
	if err := s.history.OpenHistory(ctx, directory.CrawlHistory{
		ID:        histID,
		TargetID:  target.ID,
		StartedAt: started,
		Status:    directory.HistoryInProgress,
	}); err != nil {
		return directory.CrawlSummary{TargetID: target.ID}, fmt.Errorf("open history: %w", err)
	}

	adapter := s.adapters[target.Source]
	if adapter == nil {
		err := directory.PermanentTarget(fmt.Errorf("no adapter configured for source %q", target.Source))
		return s.finalizeFailure(ctx, target, histID, started, directory.CrawlCounts{}, err)
	}

	maxResults := target.MaxResults
	if maxResults <= 0 {
		maxResults = s.cfg.DefaultMaxResults
	}

	s.logger.Info("crawling target",
		zap.String("target_id", target.ID),
		zap.String("name", target.Name),
		zap.String("source", string(target.Source)),
	)
	records, outcome := adapter.Fetch(ctx, target, maxResults)
	if !outcome.Succeeded() {
		return s.finalizeFailure(ctx, target, histID, started, directory.CrawlCounts{}, outcome.Err)
	}

	counts := directory.CrawlCounts{Found: len(records), Skipped: outcome.Skipped}
	for _, rec := range records {
		if err := ctx.Err(); err != nil {
			summary, ferr := s.finalizeFailure(ctx, target, histID, started, counts, directory.Transient(err))
			if ferr != nil {
				return summary, ferr
			}
			return summary, fmt.Errorf("crawl canceled: %w", err)
		}
		res, err := s.reconciler.Upsert(ctx, rec)
		if err != nil {
			if directory.IsIntegrity(err) {
				s.logger.Error("reconciler integrity violation, aborting batch",
					zap.String("target_id", target.ID),
					zap.String("record", rec.Name),
					zap.Error(err),
				)
				summary, ferr := s.finalizeFailure(ctx, target, histID, started, counts, err)
				if ferr != nil {
					return summary, ferr
				}
				return summary, err
			}
			counts.Skipped++
			s.logger.Warn("record skipped",
				zap.String("target_id", target.ID),
				zap.String("record", rec.Name),
				zap.Error(err),
			)
			continue
		}
		if res.Created {
			counts.Added++
		} else {
			counts.Updated++
		}
	}
	metrics.ObserveRecords(string(target.Source), "added", counts.Added)
	metrics.ObserveRecords(string(target.Source), "updated", counts.Updated)
	metrics.ObserveRecords(string(target.Source), "skipped", counts.Skipped)

	if outcome.Kind == directory.OutcomePartialFailure {
		s.logger.Warn("partial fetch failure",
			zap.String("target_id", target.ID),
			zap.Error(outcome.Err),
		)
	}
	return s.finalizeSuccess(ctx, target, histID, started, counts, outcome)
}

func (s *Scheduler) finalizeSuccess(ctx context.Context, target directory.CrawlTarget, histID string, started time.Time, counts directory.CrawlCounts, outcome directory.FetchOutcome) (directory.CrawlSummary, error) {
	// Finalization must land even when the crawl was canceled mid-flight;
	// otherwise the history row is stranded in_progress.
	ctx = context.WithoutCancel(ctx)
	now := s.clock.Now()
	target.CrawlCount++
	target.RetryAttempts = 0
	target.LastCrawledAt = &now
	target.LastStatus = directory.CrawlStatusSuccess
	target.NextCrawlAt = nil
	if err := s.targets.UpdateCrawlState(ctx, target); err != nil {
		return directory.CrawlSummary{TargetID: target.ID}, fmt.Errorf("update target state: %w", err)
	}

	errText := ""
	if outcome.Err != nil {
		errText = truncate(outcome.Err.Error(), maxErrorText)
	}
	if err := s.history.CloseHistory(ctx, histID, now, directory.HistorySuccess, counts, errText); err != nil {
		return directory.CrawlSummary{TargetID: target.ID}, fmt.Errorf("close history: %w", err)
	}
	metrics.ObserveTarget(string(target.Source), string(directory.CrawlStatusSuccess), now.Sub(started))
	s.publishOutcome(ctx, target, directory.CrawlStatusSuccess, counts)

	return directory.CrawlSummary{
		TargetID:   target.ID,
		TargetName: target.Name,
		Status:     directory.CrawlStatusSuccess,
		Counts:     counts,
	}, nil
}

// finalizeFailure applies the failure taxonomy: transient failures are
// rescheduled with monotone backoff (kept at the ceiling once exhausted),
// permanent target failures clear next_crawl_at and wait for an operator.
func (s *Scheduler) finalizeFailure(ctx context.Context, target directory.CrawlTarget, histID string, started time.Time, counts directory.CrawlCounts, cause error) (directory.CrawlSummary, error) {
	ctx = context.WithoutCancel(ctx)
	now := s.clock.Now()
	class := directory.Classify(cause)
	target.LastCrawledAt = &now
	target.LastStatus = directory.CrawlStatusFailed

	switch class {
	case directory.ClassPermanentTarget, directory.ClassIntegrity:
		target.NextCrawlAt = nil
		target.RetryAttempts = 0
	default:
		target.RetryAttempts++
		delay := s.retry.Backoff(target.RetryAttempts - 1)
		next := now.Add(delay)
		target.NextCrawlAt = &next
		metrics.ObserveBackoff(delay)
		if s.retry.Exhausted(target.RetryAttempts) {
			s.logger.Warn("retry budget exhausted, rescheduling at ceiling",
				zap.String("target_id", target.ID),
				zap.Int("attempts", target.RetryAttempts),
				zap.Duration("delay", delay),
			)
		}
	}

	if err := s.targets.UpdateCrawlState(ctx, target); err != nil {
		return directory.CrawlSummary{TargetID: target.ID}, fmt.Errorf("update target state: %w", err)
	}
	message := ""
	if cause != nil {
		message = truncate(cause.Error(), maxErrorText)
	}
	if err := s.history.CloseHistory(ctx, histID, now, directory.HistoryFailed, counts, message); err != nil {
		return directory.CrawlSummary{TargetID: target.ID}, fmt.Errorf("close history: %w", err)
	}
	metrics.ObserveTarget(string(target.Source), string(directory.CrawlStatusFailed), now.Sub(started))
	s.publishOutcome(ctx, target, directory.CrawlStatusFailed, counts)

	return directory.CrawlSummary{
		TargetID:   target.ID,
		TargetName: target.Name,
		Status:     directory.CrawlStatusFailed,
		Counts:     counts,
		Message:    message,
	}, nil
}

func (s *Scheduler) publishOutcome(ctx context.Context, target directory.CrawlTarget, status directory.CrawlStatus, counts directory.CrawlCounts) {
	if s.publisher == nil || s.cfg.EventTopic == "" {
		return
	}
	payload := map[string]any{
		"target_id": target.ID,
		"name":      target.Name,
		"source":    string(target.Source),
		"status":    string(status),
		"found":     counts.Found,
		"added":     counts.Added,
		"updated":   counts.Updated,
		"skipped":   counts.Skipped,
		"timestamp": s.clock.Now().Format(time.RFC3339),
	}
	if _, err := s.publisher.Publish(ctx, s.cfg.EventTopic, payload); err != nil {
		s.logger.Warn("publish crawl event failed",
			zap.String("target_id", target.ID),
			zap.Error(err),
		)
	}
}

// pause waits for d or until ctx is canceled; it reports whether the wait
// completed.
func (s *Scheduler) pause(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func truncate(s string, limit int) string {
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	return string(runes[:limit])
}
