// Package directory defines core types shared across subsystems.
package directory

import (
	"fmt"
	"time"
)

// SourceKind identifies which adapter feeds a crawl target.
type SourceKind string

// Adapter kinds selected per target at configuration time.
const (
	SourceMapSearch     SourceKind = "map_search"
	SourceCollectionAPI SourceKind = "collection_api"
	SourceWebsiteText   SourceKind = "website_text"
)

// CrawlStatus represents the outcome of the most recent crawl of a target.
type CrawlStatus string

// Crawl status values persisted on the target.
const (
	CrawlStatusNone    CrawlStatus = "none"
	CrawlStatusSuccess CrawlStatus = "success"
	CrawlStatusFailed  CrawlStatus = "failed"
)

// HistoryStatus is the lifecycle state of a single crawl attempt.
type HistoryStatus string

// History status values persisted in the history store.
const (
	HistoryInProgress HistoryStatus = "in_progress"
	HistorySuccess    HistoryStatus = "success"
	HistoryFailed     HistoryStatus = "failed"
)

// CrawlTarget is a named unit of crawl work, typically a city, or a single
// venue website for the website_text source. Mutated only by the scheduler.
type CrawlTarget struct {
	ID            string      `json:"id"`
	Name          string      `json:"name"`
	Region        string      `json:"region"`
	Source        SourceKind  `json:"source"`
	URL           string      `json:"url,omitempty"`
	Queries       []string    `json:"queries,omitempty"`
	Active        bool        `json:"active"`
	CrawlCount    int         `json:"crawl_count"`
	RetryAttempts int         `json:"retry_attempts"`
	LastCrawledAt *time.Time  `json:"last_crawled_at,omitempty"`
	LastStatus    CrawlStatus `json:"last_status"`
	NextCrawlAt   *time.Time  `json:"next_crawl_at,omitempty"`
	MaxResults    int         `json:"max_results"`
}

// CrawlCounts tracks per-attempt record statistics.
type CrawlCounts struct {
	Found   int `json:"found"`
	Added   int `json:"added"`
	Updated int `json:"updated"`
	Skipped int `json:"skipped"`
}

// CrawlHistory is an append-only audit record of one crawl attempt.
type CrawlHistory struct {
	ID         string        `json:"id"`
	TargetID   string        `json:"target_id"`
	StartedAt  time.Time     `json:"started_at"`
	FinishedAt *time.Time    `json:"finished_at,omitempty"`
	Status     HistoryStatus `json:"status"`
	Counts     CrawlCounts   `json:"counts"`
	ErrorText  string        `json:"error_text,omitempty"`
}

// ReviewRecord is a normalized review attached to an incoming record.
type ReviewRecord struct {
	Author string  `json:"author"`
	Rating float64 `json:"rating"`
	Text   string  `json:"text"`
}

// PhotoRecord is a normalized photo reference attached to an incoming record.
type PhotoRecord struct {
	SourceURL string `json:"source_url"`
}

// GameRecord is a normalized catalog item attached to an incoming record.
type GameRecord struct {
	Name       string `json:"name"`
	ExternalID string `json:"external_id,omitempty"`
}

// NormalizedRecord is the adapter output shape. It is transient: consumed
// immediately by the reconciler, never persisted as-is.
type NormalizedRecord struct {
	Source       SourceKind     `json:"source"`
	ExternalID   string         `json:"external_id,omitempty"`
	Name         string         `json:"name"`
	Address      string         `json:"address,omitempty"`
	Region       string         `json:"region,omitempty"`
	Phone        string         `json:"phone,omitempty"`
	Website      string         `json:"website,omitempty"`
	Latitude     float64        `json:"latitude,omitempty"`
	Longitude    float64        `json:"longitude,omitempty"`
	Rating       float64        `json:"rating,omitempty"`
	ReviewCount  int            `json:"review_count,omitempty"`
	OpeningHours string         `json:"opening_hours,omitempty"`
	Reviews      []ReviewRecord `json:"reviews,omitempty"`
	Photos       []PhotoRecord  `json:"photos,omitempty"`
	Games        []GameRecord   `json:"games,omitempty"`
}

// NamespacedID prefixes a provider-native identifier with its source kind so
// identifiers from different providers never collide.
func NamespacedID(source SourceKind, raw string) string {
	if raw == "" {
		return ""
	}
	return fmt.Sprintf("%s:%s", source, raw)
}

// Cafe is the durable, deduplicated record representing one real venue.
// Mutated only by the reconciler.
type Cafe struct {
	ID             string     `json:"id"`
	Slug           string     `json:"slug"`
	Name           string     `json:"name"`
	Region         string     `json:"region"`
	Address        string     `json:"address,omitempty"`
	Phone          string     `json:"phone,omitempty"`
	Website        string     `json:"website,omitempty"`
	Latitude       float64    `json:"latitude"`
	Longitude      float64    `json:"longitude"`
	Rating         float64    `json:"rating,omitempty"`
	ReviewCount    int        `json:"review_count,omitempty"`
	OpeningHours   string     `json:"opening_hours,omitempty"`
	ExternalIDs    []string   `json:"external_ids,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
	LastVerifiedAt *time.Time `json:"last_verified_at,omitempty"`
}

// HasExternalID reports whether the cafe already carries the namespaced ID.
func (c Cafe) HasExternalID(id string) bool {
	for _, existing := range c.ExternalIDs {
		if existing == id {
			return true
		}
	}
	return false
}

// Review is a stored review owned by exactly one cafe.
type Review struct {
	ID     string  `json:"id"`
	CafeID string  `json:"cafe_id"`
	Author string  `json:"author,omitempty"`
	Rating float64 `json:"rating,omitempty"`
	Text   string  `json:"text"`
}

// Photo is a stored photo owned by exactly one cafe, identified by its
// locally-stored path.
type Photo struct {
	ID     string `json:"id"`
	CafeID string `json:"cafe_id"`
	Path   string `json:"path"`
}

// Game is a shared catalog item; cafes reference it via GameLink joins.
type Game struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	ExternalID string `json:"external_id,omitempty"`
}

// GameLink joins a cafe to a catalog game. Re-reconciling an existing link
// refreshes LastVerifiedAt instead of duplicating the row.
type GameLink struct {
	CafeID         string    `json:"cafe_id"`
	GameID         string    `json:"game_id"`
	LastVerifiedAt time.Time `json:"last_verified_at"`
}

// OutcomeKind classifies an adapter fetch result.
type OutcomeKind string

// Fetch outcome kinds.
const (
	OutcomeSuccess        OutcomeKind = "success"
	OutcomePartialFailure OutcomeKind = "partial_failure"
	OutcomeTotalFailure   OutcomeKind = "total_failure"
)

// FetchOutcome is the classified result of one adapter fetch. Record-level
// problems are counted in Skipped rather than surfaced as errors.
type FetchOutcome struct {
	Kind    OutcomeKind
	Skipped int
	Err     error
}

// Succeeded reports whether the fetch produced usable records.
func (o FetchOutcome) Succeeded() bool {
	return o.Kind != OutcomeTotalFailure
}

// SuccessOutcome builds a fully successful outcome.
func SuccessOutcome(skipped int) FetchOutcome {
	return FetchOutcome{Kind: OutcomeSuccess, Skipped: skipped}
}

// PartialOutcome builds an outcome for a fetch that produced records but
// also hit a non-fatal provider error.
func PartialOutcome(err error, skipped int) FetchOutcome {
	return FetchOutcome{Kind: OutcomePartialFailure, Skipped: skipped, Err: err}
}

// FailureOutcome builds an outcome for a fetch that produced nothing usable.
func FailureOutcome(err error) FetchOutcome {
	return FetchOutcome{Kind: OutcomeTotalFailure, Err: err}
}

// UpsertResult is returned by the reconciler for each consumed record.
type UpsertResult struct {
	CafeID  string `json:"cafe_id"`
	Created bool   `json:"created"`
}

// CrawlSummary is the structured outcome of one target crawl, returned by
// the admin trigger endpoints.
type CrawlSummary struct {
	TargetID   string      `json:"target_id"`
	TargetName string      `json:"target_name"`
	Status     CrawlStatus `json:"status"`
	Counts     CrawlCounts `json:"counts"`
	Message    string      `json:"message,omitempty"`
}
