// Package mapsearch implements the map-provider search source. It fans a
// target's queries out to a search client, deduplicates the hits and emits
// normalized records.
package mapsearch

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/cafedir/crawler/internal/directory"
)

// Place is one venue hit returned by the search client.
type Place struct {
	ID           string
	Name         string
	Address      string
	Region       string
	Phone        string
	Website      string
	Latitude     float64
	Longitude    float64
	Rating       float64
	ReviewCount  int
	OpeningHours string
	Reviews      []directory.ReviewRecord
	Photos       []directory.PhotoRecord
}

// SearchResult is the outcome of one query. Direct is set when the provider
// resolved the query to a single venue page instead of a hit list.
type SearchResult struct {
	Direct *Place
	Places []Place
}

// SearchClient executes one map search query.
type SearchClient interface {
	Search(ctx context.Context, query string, maxResults int) (SearchResult, error)
}

// Config controls the adapter.
type Config struct {
	// QueriesPerSecond paces requests against the provider.
	QueriesPerSecond float64
	// QueryRetries bounds per-query retries on transient search errors.
	QueryRetries int
}

// Adapter implements directory.SourceAdapter for map search.
type Adapter struct {
	client  SearchClient
	limiter *rate.Limiter
	retry   *directory.RetryPolicy
	cfg     Config
	logger  *zap.Logger
}

// New constructs a map-search adapter.
func New(client SearchClient, retry *directory.RetryPolicy, cfg Config, logger *zap.Logger) *Adapter {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.QueriesPerSecond <= 0 {
		cfg.QueriesPerSecond = 1
	}
	if cfg.QueryRetries <= 0 {
		cfg.QueryRetries = 2
	}
	return &Adapter{
		client:  client,
		limiter: rate.NewLimiter(rate.Limit(cfg.QueriesPerSecond), 1),
		retry:   retry,
		cfg:     cfg,
		logger:  logger,
	}
}

// Kind identifies the source.
func (a *Adapter) Kind() directory.SourceKind { return directory.SourceMapSearch }

// Fetch runs every query of the target, dedupes the hits by provider ID and
// then exact name, and returns them as normalized records. A direct
// single-venue resolution short-circuits the remaining queries.
func (a *Adapter) Fetch(ctx context.Context, target directory.CrawlTarget, maxResults int) ([]directory.NormalizedRecord, directory.FetchOutcome) {
	queries := target.Queries
	if len(queries) == 0 {
		queries = []string{strings.TrimSpace(target.Name + " " + target.Region)}
	}

	var (
		records  []directory.NormalizedRecord
		seenID   = make(map[string]struct{})
		seenName = make(map[string]struct{})
		failed   int
		lastErr  error
	)
	appendPlace := func(p Place) {
		if maxResults > 0 && len(records) >= maxResults {
			return
		}
		if p.ID != "" {
			if _, dup := seenID[p.ID]; dup {
				return
			}
			seenID[p.ID] = struct{}{}
		}
		nameKey := strings.ToLower(strings.TrimSpace(p.Name))
		if nameKey == "" {
			return
		}
		if _, dup := seenName[nameKey]; dup {
			return
		}
		seenName[nameKey] = struct{}{}
		records = append(records, a.normalize(target, p))
	}

	for _, query := range queries {
		if err := ctx.Err(); err != nil {
			return records, directory.FailureOutcome(directory.Transient(fmt.Errorf("search canceled: %w", err)))
		}
		result, err := a.search(ctx, query, maxResults)
		if err != nil {
			failed++
			lastErr = err
			a.logger.Warn("map search query failed",
				zap.String("target_id", target.ID),
				zap.String("query", query),
				zap.Error(err),
			)
			continue
		}
		if result.Direct != nil {
			appendPlace(*result.Direct)
			// A direct venue resolution answers the whole target.
			break
		}
		for _, p := range result.Places {
			appendPlace(p)
		}
		if maxResults > 0 && len(records) >= maxResults {
			break
		}
	}

	switch {
	case failed == len(queries):
		// Wrapping keeps the underlying classification reachable.
		return nil, directory.FailureOutcome(fmt.Errorf("all %d queries failed: %w", failed, lastErr))
	case failed > 0:
		return records, directory.PartialOutcome(fmt.Errorf("%d of %d queries failed: %w", failed, len(queries), lastErr), 0)
	default:
		return records, directory.SuccessOutcome(0)
	}
}

// search runs one query with pacing and bounded retries on transient errors.
func (a *Adapter) search(ctx context.Context, query string, maxResults int) (SearchResult, error) {
	var lastErr error
	for attempt := 0; attempt <= a.cfg.QueryRetries; attempt++ {
		if attempt > 0 {
			if err := sleepCtx(ctx, a.retry.Backoff(attempt-1)); err != nil {
				return SearchResult{}, err
			}
		}
		if err := a.limiter.Wait(ctx); err != nil {
			return SearchResult{}, fmt.Errorf("rate limit wait: %w", err)
		}
		result, err := a.client.Search(ctx, query, maxResults)
		if err == nil {
			return result, nil
		}
		lastErr = err
		if directory.Classify(err) != directory.ClassTransient {
			return SearchResult{}, err
		}
	}
	return SearchResult{}, fmt.Errorf("search %q: %w", query, lastErr)
}

func (a *Adapter) normalize(target directory.CrawlTarget, p Place) directory.NormalizedRecord {
	region := p.Region
	if region == "" {
		region = target.Region
	}
	rec := directory.NormalizedRecord{
		Source:       directory.SourceMapSearch,
		Name:         strings.TrimSpace(p.Name),
		Address:      p.Address,
		Region:       region,
		Phone:        p.Phone,
		Website:      p.Website,
		Latitude:     p.Latitude,
		Longitude:    p.Longitude,
		Rating:       p.Rating,
		ReviewCount:  p.ReviewCount,
		OpeningHours: p.OpeningHours,
		Reviews:      p.Reviews,
		Photos:       p.Photos,
	}
	if p.ID != "" {
		rec.ExternalID = directory.NamespacedID(directory.SourceMapSearch, p.ID)
	}
	return rec
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return fmt.Errorf("retry wait canceled: %w", ctx.Err())
	case <-timer.C:
		return nil
	}
}
