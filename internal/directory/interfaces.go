package directory

import (
	"context"
	"time"
)

// SourceAdapter normalizes one external provider into the shared ingestion
// shape. Adapters own their provider-specific retry and rate-limit handling
// and report failures as classified outcomes, never as panics.
type SourceAdapter interface {
	Kind() SourceKind
	Fetch(ctx context.Context, target CrawlTarget, maxResults int) ([]NormalizedRecord, FetchOutcome)
}

// TargetStore persists crawl targets and their crawl-state fields.
type TargetStore interface {
	GetTarget(ctx context.Context, id string) (CrawlTarget, error)
	// ListRetryDue returns active targets whose next_crawl_at has elapsed,
	// in ascending next_crawl_at order.
	ListRetryDue(ctx context.Context, now time.Time, limit int) ([]CrawlTarget, error)
	// ListActiveByPriority returns active targets ordered by ascending
	// crawl_count, then oldest last_crawled_at first.
	ListActiveByPriority(ctx context.Context, limit int) ([]CrawlTarget, error)
	// UpdateCrawlState persists the scheduler-owned fields of a target.
	UpdateCrawlState(ctx context.Context, target CrawlTarget) error
}

// HistoryStore appends immutable crawl attempt records.
type HistoryStore interface {
	OpenHistory(ctx context.Context, h CrawlHistory) error
	CloseHistory(ctx context.Context, id string, finishedAt time.Time, status HistoryStatus, counts CrawlCounts, errText string) error
}

// CafeStore persists canonical cafes and their owned sub-records.
type CafeStore interface {
	// FindByExternalID returns the single cafe carrying the namespaced ID.
	// More than one match is an integrity-classified error.
	FindByExternalID(ctx context.Context, externalID string) (Cafe, error)
	// FindByName matches case-insensitively within one region.
	FindByName(ctx context.Context, name, region string) (Cafe, error)
	SlugExists(ctx context.Context, slug string) (bool, error)
	CreateCafe(ctx context.Context, cafe Cafe) error
	UpdateCafe(ctx context.Context, cafe Cafe) error
	ListReviewTexts(ctx context.Context, cafeID string) ([]string, error)
	AddReview(ctx context.Context, review Review) error
	ListPhotoPaths(ctx context.Context, cafeID string) ([]string, error)
	AddPhoto(ctx context.Context, photo Photo) error
}

// GameStore persists the shared game catalog and cafe-game joins.
type GameStore interface {
	FindGameByExternalID(ctx context.Context, externalID string) (Game, error)
	FindGameByName(ctx context.Context, name string) (Game, error)
	CreateGame(ctx context.Context, game Game) error
	ListLinks(ctx context.Context, cafeID string) ([]GameLink, error)
	UpsertLink(ctx context.Context, link GameLink) error
	RemoveLink(ctx context.Context, cafeID, gameID string) error
	CountLinks(ctx context.Context, gameID string) (int, error)
	DeleteGame(ctx context.Context, gameID string) error
}

// Stores bundles canonical storage behind a unit-of-work boundary. InTx runs
// fn against a transactional view: either every write inside fn commits or
// none do, which keeps a single record's merge all-or-nothing under
// cancellation.
type Stores interface {
	Cafes() CafeStore
	Games() GameStore
	InTx(ctx context.Context, fn func(Stores) error) error
}

// PhotoMirror stores a copy of an external photo and returns the local path
// used for deduplication. Implementations own transport and storage.
type PhotoMirror interface {
	Mirror(ctx context.Context, cafeSlug, sourceURL string) (string, error)
}

// Publisher pushes entity-change events to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces entity IDs (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}
