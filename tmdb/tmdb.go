// Package tmdb looks up poster artwork for played media against The Movie
// Database. Lookups are best-effort: any failure degrades to "no poster"
// so presence delivery is never blocked on artwork.
package tmdb

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"

	"github.com/marquee-dev/marquee/utils"
)

const (
	KindMovie = "movie"
	KindTV    = "tv"
)

type Resolver struct {
	APIKey       string
	BaseURL      string
	ImageBaseURL string
	HTTPClient   *http.Client

	warnOnce sync.Once
}

func NewResolver(apiKey string) *Resolver {
	return &Resolver{
		APIKey:       apiKey,
		BaseURL:      "https://api.themoviedb.org/3",
		ImageBaseURL: "https://image.tmdb.org/t/p/w500",
		HTTPClient:   utils.NewHTTPClient(),
	}
}

type detailResponse struct {
	PosterPath string `json:"poster_path"`
}

type searchResponse struct {
	Results []searchResult `json:"results"`
}

type searchResult struct {
	PosterPath    string   `json:"poster_path"`
	OriginCountry []string `json:"origin_country"`
}

// PosterURL resolves a poster image URL for the given item. A tmdb:// entry
// among the guids triggers a direct lookup; otherwise a text search filtered
// by year (and optionally origin country) is attempted. Returns "" when
// nothing is found or the API key is absent.
func (r *Resolver) PosterURL(guids []string, title string, year int, kind string, country string) string {
	if r.APIKey == "" {
		r.warnOnce.Do(func() {
			slog.Warn("No TMDB API key configured, poster lookups disabled")
		})
		return ""
	}

	if id := tmdbID(guids); id != "" {
		if poster := r.lookup(kind, id); poster != "" {
			return poster
		}
	}

	return r.search(kind, title, year, country)
}

func tmdbID(guids []string) string {
	for _, guid := range guids {
		if rest, ok := strings.CutPrefix(guid, "tmdb://"); ok {
			return rest
		}
	}
	return ""
}

func (r *Resolver) lookup(kind string, id string) string {
	endpoint := fmt.Sprintf("%s/%s/%s?api_key=%s", r.BaseURL, kind, url.PathEscape(id), url.QueryEscape(r.APIKey))

	var detail detailResponse
	if err := r.get(endpoint, &detail); err != nil {
		slog.Warn("TMDB direct lookup failed", slog.String("kind", kind), slog.String("error", err.Error()))
		return ""
	}
	if detail.PosterPath == "" {
		return ""
	}
	return r.ImageBaseURL + detail.PosterPath
}

func (r *Resolver) search(kind string, title string, year int, country string) string {
	params := url.Values{}
	params.Set("api_key", r.APIKey)
	params.Set("query", title)
	if year > 0 {
		if kind == KindMovie {
			params.Set("year", strconv.Itoa(year))
		} else {
			params.Set("first_air_date_year", strconv.Itoa(year))
		}
	}
	endpoint := fmt.Sprintf("%s/search/%s?%s", r.BaseURL, kind, params.Encode())

	var result searchResponse
	if err := r.get(endpoint, &result); err != nil {
		slog.Warn("TMDB search failed", slog.String("title", title), slog.String("error", err.Error()))
		return ""
	}
	results := result.Results
	if country != "" {
		var filtered []searchResult
		for _, res := range results {
			for _, c := range res.OriginCountry {
				if c == country {
					filtered = append(filtered, res)
					break
				}
			}
		}
		if len(filtered) > 0 {
			results = filtered
		}
	}
	if len(results) == 0 || results[0].PosterPath == "" {
		return ""
	}
	return r.ImageBaseURL + results[0].PosterPath
}

func (r *Resolver) get(endpoint string, out any) error {
	req, err := http.NewRequest("GET", endpoint, nil)
	if err != nil {
		return err
	}
	req.Header = http.Header{
		"Accept":     []string{"application/json"},
		"User-Agent": []string{utils.UserAgent},
	}
	res, err := r.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %d", res.StatusCode)
	}
	body, err := io.ReadAll(res.Body)
	if err != nil {
		return err
	}
	return json.Unmarshal(body, out)
}
