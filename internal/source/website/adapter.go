// Package website implements the free-text website source. It scrapes a
// venue's own site for its game shelf and emits one update record for the
// target venue.
package website

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"

	"github.com/cafedir/crawler/internal/directory"
)

// listSelector covers the markup venues actually use for shelf lists.
const listSelector = "li, td, h1, h2, h3, p"

// Renderer renders a page in a headless browser. *render.Renderer satisfies it.
type Renderer interface {
	Render(ctx context.Context, url string) (string, error)
}

// Config controls the adapter.
type Config struct {
	UserAgent string
	Timeout   time.Duration
	// PromoteThreshold is the static-body size below which a script-heavy
	// page is re-fetched with the headless renderer.
	PromoteThreshold int
}

// Adapter implements directory.SourceAdapter for venue websites.
type Adapter struct {
	collector *colly.Collector
	renderer  Renderer
	cfg       Config
	logger    *zap.Logger
}

// New constructs a website adapter. renderer may be nil, which disables
// headless promotion.
func New(renderer Renderer, cfg Config, logger *zap.Logger) *Adapter {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.PromoteThreshold <= 0 {
		cfg.PromoteThreshold = 2048
	}
	c := colly.NewCollector(colly.Async(false))
	if cfg.UserAgent != "" {
		c.UserAgent = cfg.UserAgent
	}
	c.SetRequestTimeout(cfg.Timeout)
	return &Adapter{collector: c, renderer: renderer, cfg: cfg, logger: logger}
}

// Kind identifies the source.
func (a *Adapter) Kind() directory.SourceKind { return directory.SourceWebsiteText }

// Fetch scrapes the target's website and returns a single record carrying
// the games found there. Website records have no geolocation, so they only
// ever update an existing venue.
func (a *Adapter) Fetch(ctx context.Context, target directory.CrawlTarget, maxResults int) ([]directory.NormalizedRecord, directory.FetchOutcome) {
	if target.URL == "" {
		return nil, directory.FailureOutcome(directory.PermanentTarget(fmt.Errorf("target %q has no website url", target.ID)))
	}

	body, status, err := a.fetchStatic(ctx, target.URL)
	if err != nil {
		return nil, directory.FailureOutcome(directory.Transient(fmt.Errorf("fetch %s: %w", target.URL, err)))
	}
	switch {
	case status == http.StatusOK:
	case status == http.StatusUnauthorized || status == http.StatusForbidden ||
		status == http.StatusNotFound || status == http.StatusGone:
		return nil, directory.FailureOutcome(directory.PermanentTarget(fmt.Errorf("website returned %d", status)))
	default:
		return nil, directory.FailureOutcome(directory.Transient(fmt.Errorf("website returned %d", status)))
	}

	html := string(body)
	if a.renderer != nil && a.shouldPromote(body) {
		a.logger.Info("promoting to headless render",
			zap.String("target_id", target.ID),
			zap.String("url", target.URL),
		)
		rendered, err := a.renderer.Render(ctx, target.URL)
		if err != nil {
			// The static body is still usable; promotion is best effort.
			a.logger.Warn("headless render failed, using static body",
				zap.String("url", target.URL),
				zap.Error(err),
			)
		} else {
			html = rendered
		}
	}

	games, err := extractGames(html, maxResults)
	if err != nil {
		return nil, directory.FailureOutcome(directory.PermanentTarget(fmt.Errorf("parse %s: %w", target.URL, err)))
	}

	rec := directory.NormalizedRecord{
		Source:  directory.SourceWebsiteText,
		Name:    target.Name,
		Region:  target.Region,
		Website: target.URL,
		Games:   games,
	}
	return []directory.NormalizedRecord{rec}, directory.SuccessOutcome(0)
}

func (a *Adapter) fetchStatic(ctx context.Context, pageURL string) ([]byte, int, error) {
	var (
		body     []byte
		status   int
		fetchErr error
	)
	collector := a.collector.Clone()
	collector.OnResponse(func(r *colly.Response) {
		status = r.StatusCode
		body = r.Body
	})
	collector.OnError(func(r *colly.Response, err error) {
		if r != nil && r.StatusCode > 0 {
			status = r.StatusCode
			body = r.Body
			return
		}
		fetchErr = err
	})
	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(pageURL)
	}()
	select {
	case <-ctx.Done():
		return nil, 0, fmt.Errorf("fetch canceled: %w", ctx.Err())
	case err := <-done:
		if err != nil && status == 0 {
			return nil, 0, err
		}
	}
	if fetchErr != nil && status == 0 {
		return nil, 0, fetchErr
	}
	return body, status, nil
}

// shouldPromote flags bodies that look script-rendered: empty, or small and
// dominated by script tags, or carrying a known SPA mount point.
func (a *Adapter) shouldPromote(body []byte) bool {
	if len(body) == 0 {
		return true
	}
	for _, marker := range [][]byte{
		[]byte("__next"),
		[]byte(`id="root"`),
		[]byte(`id="app"`),
		[]byte("data-reactroot"),
	} {
		if bytes.Contains(body, marker) {
			return true
		}
	}
	return len(body) < a.cfg.PromoteThreshold && scriptHeavy(body)
}

func scriptHeavy(body []byte) bool {
	lower := bytes.ToLower(body)
	covered := 0
	for pos := 0; ; {
		start := bytes.Index(lower[pos:], []byte("<script"))
		if start == -1 {
			break
		}
		start += pos
		end := bytes.Index(lower[start:], []byte("</script>"))
		if end == -1 {
			covered += len(lower) - start
			break
		}
		end += start + len("</script>")
		covered += end - start
		pos = end
	}
	return covered*100/len(lower) >= 25
}

// extractGames parses the page and keeps the text fragments that plausibly
// name games, deduplicated case-insensitively in document order.
func extractGames(html string, maxResults int) ([]directory.GameRecord, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, err
	}

	type hit struct {
		name  string
		order int
	}
	seen := make(map[string]hit)
	order := 0
	doc.Find(listSelector).Each(func(_ int, sel *goquery.Selection) {
		text := strings.Join(strings.Fields(sel.Text()), " ")
		if !PlausibleName(text) {
			return
		}
		key := strings.ToLower(text)
		if _, dup := seen[key]; dup {
			return
		}
		seen[key] = hit{name: text, order: order}
		order++
	})

	hits := make([]hit, 0, len(seen))
	for _, h := range seen {
		hits = append(hits, h)
	}
	sort.Slice(hits, func(i, j int) bool { return hits[i].order < hits[j].order })

	var games []directory.GameRecord
	for _, h := range hits {
		if maxResults > 0 && len(games) >= maxResults {
			break
		}
		games = append(games, directory.GameRecord{Name: h.name})
	}
	return games, nil
}
