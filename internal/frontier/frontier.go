// Package frontier derives the deduplicated product work list from the
// retailer's sitemap.
package frontier

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"

	"github.com/plusfeed/harvester/internal/metrics"
	"github.com/plusfeed/harvester/internal/pipeline"
)

// Config controls sitemap traversal and the snapshot cache.
type Config struct {
	SitemapURL string
	CachePath  string
	UserAgent  string
	Timeout    time.Duration
	// ForceRefresh bypasses the cache and re-fetches the sitemap.
	ForceRefresh bool
	// Limit and Skip select a deterministic sub-range of the full
	// sequence. Skip applies first.
	Limit int
	Skip  int
}

// Frontier loads WorkItems from the sitemap or a prior snapshot.
type Frontier struct {
	cfg     Config
	proxies pipeline.ProxySelector
	logger  *zap.Logger
}

// New builds a Frontier. proxies may be nil for direct connections.
func New(cfg Config, proxies pipeline.ProxySelector, logger *zap.Logger) *Frontier {
	return &Frontier{cfg: cfg, proxies: proxies, logger: logger}
}

// Load produces the finite, deduplicated work list. With a usable snapshot
// on disk and no forced refresh the network is never touched, which makes
// repeated runs cheap. Ordering follows sitemap document order, so the same
// content with the same limit/skip yields the same sequence across runs.
func (f *Frontier) Load(ctx context.Context) ([]pipeline.WorkItem, error) {
	if !f.cfg.ForceRefresh && f.cfg.CachePath != "" {
		items, err := readCache(f.cfg.CachePath)
		if err == nil {
			f.logger.Info("frontier loaded from cache",
				zap.String("path", f.cfg.CachePath),
				zap.Int("urls", len(items)),
			)
			metrics.SetFrontierSize(len(items))
			return f.window(items), nil
		}
	}

	items, err := f.fetchSitemap(ctx)
	if err != nil {
		return nil, err
	}
	metrics.SetFrontierSize(len(items))

	if f.cfg.CachePath != "" {
		if err := writeCache(f.cfg.CachePath, items); err != nil {
			f.logger.Warn("frontier cache write failed", zap.Error(err))
		}
	}
	return f.window(items), nil
}

func (f *Frontier) fetchSitemap(ctx context.Context) ([]pipeline.WorkItem, error) {
	collector := colly.NewCollector(
		colly.UserAgent(f.cfg.UserAgent),
	)
	// The sitemap endpoint is an explicit configuration target, not a
	// discovered page; robots gating does not apply to it.
	collector.IgnoreRobotsTxt = true
	if f.cfg.Timeout > 0 {
		collector.SetRequestTimeout(f.cfg.Timeout)
	}
	if f.proxies != nil {
		if endpoint := f.proxies.Acquire(); !endpoint.IsZero() {
			if err := collector.SetProxy(endpoint.ProxyURL()); err != nil {
				return nil, fmt.Errorf("set sitemap proxy: %w", err)
			}
		}
	}

	var (
		items    []pipeline.WorkItem
		seen     = make(map[string]struct{})
		fetchErr error
	)

	// Nested sitemap indexes are followed; the collector skips URLs it
	// already visited.
	collector.OnXML("//sitemapindex/sitemap/loc", func(e *colly.XMLElement) {
		if err := ctx.Err(); err != nil {
			return
		}
		if err := e.Request.Visit(strings.TrimSpace(e.Text)); err != nil {
			f.logger.Debug("skip nested sitemap", zap.Error(err))
		}
	})

	collector.OnXML("//urlset/url", func(e *colly.XMLElement) {
		loc := strings.TrimSpace(e.ChildText("loc"))
		sku := ExtractSKU(loc)
		if sku == "" {
			return
		}
		// A product may appear under multiple URL variants; the first
		// occurrence wins so ordering stays stable.
		if _, dup := seen[sku]; dup {
			return
		}
		seen[sku] = struct{}{}
		items = append(items, pipeline.WorkItem{
			SKU:     sku,
			URL:     loc,
			LastMod: strings.TrimSpace(e.ChildText("lastmod")),
		})
	})

	collector.OnError(func(r *colly.Response, err error) {
		if fetchErr == nil {
			fetchErr = fmt.Errorf("fetch sitemap %s: %w", r.Request.URL, err)
		}
	})

	f.logger.Info("fetching sitemap", zap.String("url", f.cfg.SitemapURL))
	if err := collector.Visit(f.cfg.SitemapURL); err != nil {
		return nil, fmt.Errorf("visit sitemap: %w", err)
	}
	collector.Wait()

	if fetchErr != nil && len(items) == 0 {
		return nil, fetchErr
	}
	f.logger.Info("sitemap parsed", zap.Int("products", len(items)))
	return items, nil
}

func (f *Frontier) window(items []pipeline.WorkItem) []pipeline.WorkItem {
	if f.cfg.Skip > 0 {
		if f.cfg.Skip >= len(items) {
			return nil
		}
		items = items[f.cfg.Skip:]
	}
	if f.cfg.Limit > 0 && f.cfg.Limit < len(items) {
		items = items[:f.cfg.Limit]
	}
	return items
}

// ExtractSKU recovers the stable identifier from a product URL: the
// trailing hyphen-separated segment of the path, which must be numeric.
// Example: .../plus-boerentrots-bbq-worst-tuinkruiden-krimp-280-g-553975
func ExtractSKU(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	path := strings.Trim(u.Path, "/")
	if path == "" {
		return ""
	}
	segment := path
	if idx := strings.LastIndex(path, "/"); idx >= 0 {
		segment = path[idx+1:]
	}
	if idx := strings.LastIndex(segment, "-"); idx >= 0 {
		segment = segment[idx+1:]
	}
	if segment == "" {
		return ""
	}
	for _, r := range segment {
		if r < '0' || r > '9' {
			return ""
		}
	}
	return segment
}
