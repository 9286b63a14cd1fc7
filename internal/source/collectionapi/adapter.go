// Package collectionapi implements the venue collection feed source. The
// provider serves an XML document per region and answers 202 while a
// requested collection is still being prepared.
package collectionapi

import (
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/cafedir/crawler/internal/directory"
)

// maxBodyBytes caps how much of a feed response is read.
const maxBodyBytes = 8 << 20

// Config controls the adapter.
type Config struct {
	// BaseURL is the collection endpoint; region and limit are query params.
	BaseURL string
	// APIKey, when set, is sent as a bearer token.
	APIKey string
	// Timeout bounds one HTTP request.
	Timeout time.Duration
}

// Adapter implements directory.SourceAdapter for the collection feed.
type Adapter struct {
	client *http.Client
	retry  *directory.RetryPolicy
	cfg    Config
	logger *zap.Logger
}

// New constructs a collection feed adapter.
func New(client *http.Client, retry *directory.RetryPolicy, cfg Config, logger *zap.Logger) *Adapter {
	if logger == nil {
		logger = zap.NewNop()
	}
	if client == nil {
		client = &http.Client{}
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &Adapter{client: client, retry: retry, cfg: cfg, logger: logger}
}

// Kind identifies the source.
func (a *Adapter) Kind() directory.SourceKind { return directory.SourceCollectionAPI }

type feedDocument struct {
	XMLName xml.Name    `xml:"venues"`
	Venues  []feedVenue `xml:"venue"`
}

type feedVenue struct {
	ID          string       `xml:"id,attr"`
	Name        string       `xml:"name"`
	Address     string       `xml:"address"`
	Region      string       `xml:"region"`
	Phone       string       `xml:"phone"`
	Website     string       `xml:"website"`
	Latitude    float64      `xml:"geo>lat"`
	Longitude   float64      `xml:"geo>lng"`
	Rating      float64      `xml:"rating"`
	ReviewCount int          `xml:"reviewCount"`
	Hours       string       `xml:"hours"`
	Games       []feedGame   `xml:"games>game"`
	Reviews     []feedReview `xml:"reviews>review"`
}

type feedGame struct {
	ID   string `xml:"id,attr"`
	Name string `xml:",chardata"`
}

type feedReview struct {
	Author string  `xml:"author,attr"`
	Rating float64 `xml:"rating,attr"`
	Text   string  `xml:",chardata"`
}

// Fetch downloads and decodes the region's venue collection. A 202 answer
// means the collection is still queued server-side; the request is retried
// with backoff until the retry budget runs out.
func (a *Adapter) Fetch(ctx context.Context, target directory.CrawlTarget, maxResults int) ([]directory.NormalizedRecord, directory.FetchOutcome) {
	body, err := a.download(ctx, target)
	if err != nil {
		return nil, directory.FailureOutcome(err)
	}

	var doc feedDocument
	if err := xml.Unmarshal(body, &doc); err != nil {
		return nil, directory.FailureOutcome(directory.PermanentTarget(fmt.Errorf("decode collection feed: %w", err)))
	}

	var (
		records []directory.NormalizedRecord
		skipped int
	)
	for _, venue := range doc.Venues {
		if maxResults > 0 && len(records) >= maxResults {
			break
		}
		rec, err := a.normalize(target, venue)
		if err != nil {
			skipped++
			a.logger.Warn("malformed venue skipped",
				zap.String("target_id", target.ID),
				zap.String("venue_id", venue.ID),
				zap.Error(err),
			)
			continue
		}
		records = append(records, rec)
	}
	if skipped > 0 {
		return records, directory.PartialOutcome(fmt.Errorf("%d malformed venues", skipped), skipped)
	}
	return records, directory.SuccessOutcome(0)
}

func (a *Adapter) download(ctx context.Context, target directory.CrawlTarget) ([]byte, error) {
	endpoint, err := a.feedURL(target)
	if err != nil {
		return nil, directory.PermanentTarget(err)
	}

	attempt := 0
	for {
		body, status, err := a.request(ctx, endpoint)
		if err != nil {
			return nil, directory.Transient(err)
		}
		switch {
		case status == http.StatusOK:
			return body, nil
		case status == http.StatusAccepted:
			// Collection build queued upstream; poll with backoff.
			attempt++
			if a.retry.Exhausted(attempt) {
				return nil, directory.Transient(fmt.Errorf("collection still queued after %d polls", attempt))
			}
			delay := a.retry.Backoff(attempt - 1)
			a.logger.Info("collection queued upstream, polling",
				zap.String("target_id", target.ID),
				zap.Int("attempt", attempt),
				zap.Duration("delay", delay),
			)
			if err := sleepCtx(ctx, delay); err != nil {
				return nil, directory.Transient(err)
			}
		case status == http.StatusUnauthorized || status == http.StatusForbidden || status == http.StatusNotFound || status == http.StatusGone:
			return nil, directory.PermanentTarget(fmt.Errorf("collection feed returned %d", status))
		default:
			return nil, directory.Transient(fmt.Errorf("collection feed returned %d", status))
		}
	}
}

func (a *Adapter) feedURL(target directory.CrawlTarget) (string, error) {
	if target.URL != "" {
		return target.URL, nil
	}
	if a.cfg.BaseURL == "" {
		return "", fmt.Errorf("no feed URL configured for target %q", target.ID)
	}
	u, err := url.Parse(a.cfg.BaseURL)
	if err != nil {
		return "", fmt.Errorf("parse base url: %w", err)
	}
	q := u.Query()
	q.Set("region", target.Region)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (a *Adapter) request(ctx context.Context, endpoint string) ([]byte, int, error) {
	reqCtx, cancel := context.WithTimeout(ctx, a.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, 0, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/xml")
	if a.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+a.cfg.APIKey)
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("collection feed request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, 0, fmt.Errorf("read collection feed: %w", err)
	}
	return body, resp.StatusCode, nil
}

func (a *Adapter) normalize(target directory.CrawlTarget, venue feedVenue) (directory.NormalizedRecord, error) {
	name := strings.TrimSpace(venue.Name)
	if name == "" {
		return directory.NormalizedRecord{}, directory.PermanentRecord(fmt.Errorf("venue %q has no name", venue.ID))
	}
	region := strings.TrimSpace(venue.Region)
	if region == "" {
		region = target.Region
	}
	rec := directory.NormalizedRecord{
		Source:       directory.SourceCollectionAPI,
		Name:         name,
		Address:      strings.TrimSpace(venue.Address),
		Region:       region,
		Phone:        strings.TrimSpace(venue.Phone),
		Website:      strings.TrimSpace(venue.Website),
		Latitude:     venue.Latitude,
		Longitude:    venue.Longitude,
		Rating:       venue.Rating,
		ReviewCount:  venue.ReviewCount,
		OpeningHours: strings.TrimSpace(venue.Hours),
	}
	if venue.ID != "" {
		rec.ExternalID = directory.NamespacedID(directory.SourceCollectionAPI, venue.ID)
	}
	for _, g := range venue.Games {
		gameName := strings.TrimSpace(g.Name)
		if gameName == "" {
			continue
		}
		game := directory.GameRecord{Name: gameName}
		if g.ID != "" {
			game.ExternalID = directory.NamespacedID(directory.SourceCollectionAPI, g.ID)
		}
		rec.Games = append(rec.Games, game)
	}
	for _, r := range venue.Reviews {
		text := strings.TrimSpace(r.Text)
		if text == "" {
			continue
		}
		rec.Reviews = append(rec.Reviews, directory.ReviewRecord{
			Author: strings.TrimSpace(r.Author),
			Rating: r.Rating,
			Text:   text,
		})
	}
	return rec, nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return fmt.Errorf("poll wait canceled: %w", ctx.Err())
	case <-timer.C:
		return nil
	}
}
