package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/cafedir/crawler/internal/directory"
)

// TargetStore keeps crawl targets in memory.
type TargetStore struct {
	mu      sync.RWMutex
	targets map[string]directory.CrawlTarget
}

// NewTargetStore constructs an empty TargetStore.
func NewTargetStore() *TargetStore {
	return &TargetStore{targets: make(map[string]directory.CrawlTarget)}
}

// SeedTarget inserts or replaces a target; used by tests and dev wiring.
func (s *TargetStore) SeedTarget(target directory.CrawlTarget) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.targets[target.ID] = target
}

// GetTarget returns one target by ID.
func (s *TargetStore) GetTarget(_ context.Context, id string) (directory.CrawlTarget, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	target, ok := s.targets[id]
	if !ok {
		return directory.CrawlTarget{}, directory.ErrNotFound
	}
	return target, nil
}

// ListRetryDue returns active targets with an elapsed next_crawl_at, in
// ascending next_crawl_at order.
func (s *TargetStore) ListRetryDue(_ context.Context, now time.Time, limit int) ([]directory.CrawlTarget, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var due []directory.CrawlTarget
	for _, t := range s.targets {
		if t.Active && t.NextCrawlAt != nil && !t.NextCrawlAt.After(now) {
			due = append(due, t)
		}
	}
	sort.Slice(due, func(i, j int) bool {
		return due[i].NextCrawlAt.Before(*due[j].NextCrawlAt)
	})
	return capTargets(due, limit), nil
}

// ListActiveByPriority returns active targets by ascending crawl_count, then
// oldest last_crawled_at (never-crawled first), then name for stability.
func (s *TargetStore) ListActiveByPriority(_ context.Context, limit int) ([]directory.CrawlTarget, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var active []directory.CrawlTarget
	for _, t := range s.targets {
		if t.Active {
			active = append(active, t)
		}
	}
	sort.Slice(active, func(i, j int) bool {
		a, b := active[i], active[j]
		if a.CrawlCount != b.CrawlCount {
			return a.CrawlCount < b.CrawlCount
		}
		switch {
		case a.LastCrawledAt == nil && b.LastCrawledAt != nil:
			return true
		case a.LastCrawledAt != nil && b.LastCrawledAt == nil:
			return false
		case a.LastCrawledAt != nil && b.LastCrawledAt != nil && !a.LastCrawledAt.Equal(*b.LastCrawledAt):
			return a.LastCrawledAt.Before(*b.LastCrawledAt)
		}
		return a.Name < b.Name
	})
	return capTargets(active, limit), nil
}

// UpdateCrawlState persists the scheduler-owned fields.
func (s *TargetStore) UpdateCrawlState(_ context.Context, target directory.CrawlTarget) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.targets[target.ID]; !ok {
		return directory.ErrNotFound
	}
	s.targets[target.ID] = target
	return nil
}

func capTargets(targets []directory.CrawlTarget, limit int) []directory.CrawlTarget {
	if limit > 0 && len(targets) > limit {
		return targets[:limit]
	}
	return targets
}

// HistoryStore keeps crawl history records in memory, append-only.
type HistoryStore struct {
	mu      sync.Mutex
	entries []directory.CrawlHistory
}

// NewHistoryStore constructs an empty HistoryStore.
func NewHistoryStore() *HistoryStore {
	return &HistoryStore{}
}

// OpenHistory appends an in-progress attempt record.
func (s *HistoryStore) OpenHistory(_ context.Context, h directory.CrawlHistory) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, h)
	return nil
}

// CloseHistory finalizes a previously opened attempt.
func (s *HistoryStore) CloseHistory(_ context.Context, id string, finishedAt time.Time, status directory.HistoryStatus, counts directory.CrawlCounts, errText string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.entries {
		if s.entries[i].ID == id {
			s.entries[i].FinishedAt = &finishedAt
			s.entries[i].Status = status
			s.entries[i].Counts = counts
			s.entries[i].ErrorText = errText
			return nil
		}
	}
	return directory.ErrNotFound
}

// Entries returns a copy of all history records; test helper.
func (s *HistoryStore) Entries() []directory.CrawlHistory {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]directory.CrawlHistory(nil), s.entries...)
}
