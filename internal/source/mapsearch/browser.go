package mapsearch

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"

	"github.com/cafedir/crawler/internal/directory"
	"github.com/cafedir/crawler/internal/render"
)

// resultsExpr pulls the provider's embedded result state out of the rendered
// search page. The provider hydrates window.__APP_STATE__ before first paint,
// so WaitReady("body") is enough to observe it.
const resultsExpr = `(() => {
	const state = window.__APP_STATE__ || {};
	if (state.place) {
		return JSON.stringify({ direct: state.place });
	}
	return JSON.stringify({ places: state.results || [] });
})()`

// browserPlace mirrors the provider's embedded place JSON.
type browserPlace struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Address     string   `json:"address"`
	Region      string   `json:"region"`
	Phone       string   `json:"phone"`
	Website     string   `json:"website"`
	Lat         float64  `json:"lat"`
	Lng         float64  `json:"lng"`
	Rating      float64  `json:"rating"`
	ReviewCount int      `json:"reviewCount"`
	Hours       string   `json:"hours"`
	Reviews     []string `json:"reviews"`
	Photos      []string `json:"photos"`
}

type browserPayload struct {
	Direct *browserPlace  `json:"direct"`
	Places []browserPlace `json:"places"`
}

// BrowserClient is a SearchClient that drives the provider's search page in
// a headless browser.
type BrowserClient struct {
	renderer *render.Renderer
	baseURL  string
}

// NewBrowserClient constructs a browser-backed search client. baseURL is the
// provider search endpoint; the query is appended as its q parameter.
func NewBrowserClient(renderer *render.Renderer, baseURL string) *BrowserClient {
	return &BrowserClient{renderer: renderer, baseURL: strings.TrimRight(baseURL, "/")}
}

// Search renders the search page for query and decodes the embedded state.
func (c *BrowserClient) Search(ctx context.Context, query string, maxResults int) (SearchResult, error) {
	pageURL := fmt.Sprintf("%s?q=%s", c.baseURL, url.QueryEscape(query))
	raw, err := c.renderer.Evaluate(ctx, pageURL, resultsExpr)
	if err != nil {
		return SearchResult{}, fmt.Errorf("render search page: %w", err)
	}

	// Evaluate returns a JSON-encoded string holding the payload JSON.
	var encoded string
	if err := json.Unmarshal(raw, &encoded); err != nil {
		return SearchResult{}, directory.PermanentTarget(fmt.Errorf("unexpected page state shape: %w", err))
	}
	var payload browserPayload
	if err := json.Unmarshal([]byte(encoded), &payload); err != nil {
		return SearchResult{}, directory.PermanentTarget(fmt.Errorf("decode page state: %w", err))
	}

	if payload.Direct != nil {
		place := toPlace(*payload.Direct)
		return SearchResult{Direct: &place}, nil
	}
	out := SearchResult{}
	for _, p := range payload.Places {
		if maxResults > 0 && len(out.Places) >= maxResults {
			break
		}
		out.Places = append(out.Places, toPlace(p))
	}
	return out, nil
}

func toPlace(p browserPlace) Place {
	place := Place{
		ID:           p.ID,
		Name:         p.Name,
		Address:      p.Address,
		Region:       p.Region,
		Phone:        p.Phone,
		Website:      p.Website,
		Latitude:     p.Lat,
		Longitude:    p.Lng,
		Rating:       p.Rating,
		ReviewCount:  p.ReviewCount,
		OpeningHours: p.Hours,
	}
	for _, text := range p.Reviews {
		if strings.TrimSpace(text) == "" {
			continue
		}
		place.Reviews = append(place.Reviews, directory.ReviewRecord{Text: text})
	}
	for _, u := range p.Photos {
		if strings.TrimSpace(u) == "" {
			continue
		}
		place.Photos = append(place.Photos, directory.PhotoRecord{SourceURL: u})
	}
	return place
}
