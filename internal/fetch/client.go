// Package fetch issues authenticated product API calls through the proxy
// layer and classifies every outcome for the retry decision.
package fetch

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"

	"github.com/plusfeed/harvester/internal/metrics"
	"github.com/plusfeed/harvester/internal/pipeline"
)

// Config holds the client knobs. All values are injected; the client never
// reads configuration itself.
type Config struct {
	APIURL        string
	Origin        string
	Locale        string
	UserAgent     string
	Timeout       time.Duration
	CourtesyDelay time.Duration
}

const (
	defaultOrigin    = "https://www.plus.nl"
	defaultLocale    = "nl-NL"
	defaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/132.0.0.0 Safari/537.36"
)

// Client fetches one product per call. Safe for concurrent use; proxy
// endpoints map to dedicated resty clients because proxies are
// client-scoped in resty.
type Client struct {
	cfg     Config
	session pipeline.Session
	proxies pipeline.ProxySelector
	clock   pipeline.Clock
	logger  *zap.Logger

	mu      sync.Mutex
	base    *resty.Client
	byProxy map[string]*resty.Client
}

// NewClient builds a Client.
func NewClient(
	cfg Config,
	session pipeline.Session,
	proxies pipeline.ProxySelector,
	clock pipeline.Clock,
	logger *zap.Logger,
) *Client {
	if cfg.Origin == "" {
		cfg.Origin = defaultOrigin
	}
	if cfg.Locale == "" {
		cfg.Locale = defaultLocale
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = defaultUserAgent
	}
	c := &Client{
		cfg:     cfg,
		session: session,
		proxies: proxies,
		clock:   clock,
		logger:  logger,
		byProxy: make(map[string]*resty.Client),
	}
	c.base = c.newRestyClient("")
	return c
}

// HTTPClient exposes the direct-mode transport, primarily for tests.
func (c *Client) HTTPClient() *http.Client {
	return c.base.GetClient()
}

// Fetch retrieves and parses one product. The courtesy delay applies here,
// not in the orchestrator, so the request rate is bounded uniformly
// regardless of caller.
func (c *Client) Fetch(ctx context.Context, item pipeline.WorkItem) (pipeline.ProductRecord, error) {
	pipeline.Pause(ctx, c.cfg.CourtesyDelay)
	if err := ctx.Err(); err != nil {
		return pipeline.ProductRecord{}, pipeline.NewFetchError(pipeline.KindTransport, item.SKU, err)
	}

	state, err := c.session.Current()
	if err != nil {
		// ErrSessionExpired propagates untyped so the orchestrator halts.
		return pipeline.ProductRecord{}, err
	}

	endpoint := c.proxies.Acquire()
	client := c.clientFor(endpoint)

	start := time.Now()
	resp, err := client.R().
		SetContext(ctx).
		SetHeaders(c.requestHeaders(state, item)).
		SetCookies(cookieSlice(state.Cookies)).
		SetBody(buildPayload(item, c.cfg.Locale)).
		Post(c.cfg.APIURL)
	elapsed := time.Since(start)

	record, err := c.classify(item, endpoint, resp, err)
	outcome := "success"
	if err != nil {
		outcome = string(pipeline.KindOf(err))
	}
	metrics.ObserveFetch(outcome, elapsed)
	if err != nil {
		return pipeline.ProductRecord{}, err
	}

	c.logger.Debug("product fetched",
		zap.String("sku", item.SKU),
		zap.Duration("duration", elapsed),
		zap.Bool("proxied", !endpoint.IsZero()),
	)
	return record, nil
}

func (c *Client) classify(
	item pipeline.WorkItem,
	endpoint pipeline.ProxyEndpoint,
	resp *resty.Response,
	err error,
) (pipeline.ProductRecord, error) {
	if err != nil {
		c.proxies.Report(endpoint, pipeline.ProxySoftFailure)
		return pipeline.ProductRecord{}, pipeline.NewFetchError(pipeline.KindTransport, item.SKU, err)
	}

	status := resp.StatusCode()
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		// The session is suspect, not the proxy.
		c.session.MarkSuspect()
		return pipeline.ProductRecord{}, pipeline.NewFetchError(
			pipeline.KindAuthorization, item.SKU,
			fmt.Errorf("authorization rejected: %s", resp.Status()),
		)
	case status == http.StatusTooManyRequests || status >= http.StatusInternalServerError:
		c.proxies.Report(endpoint, pipeline.ProxySoftFailure)
		return pipeline.ProductRecord{}, pipeline.NewFetchError(
			pipeline.KindTransport, item.SKU,
			fmt.Errorf("server error: %s", resp.Status()),
		)
	case status >= http.StatusBadRequest:
		// Other 4xx on a sitemap-listed SKU means the upstream contract
		// changed; retrying cannot fix it.
		c.proxies.Report(endpoint, pipeline.ProxySuccess)
		return pipeline.ProductRecord{}, pipeline.NewFetchError(
			pipeline.KindStructural, item.SKU,
			fmt.Errorf("unexpected status: %s", resp.Status()),
		)
	}

	record, perr := parseProduct(resp.Body(), item.SKU, c.clock.Now())
	if perr != nil {
		c.proxies.Report(endpoint, pipeline.ProxySuccess)
		return pipeline.ProductRecord{}, pipeline.NewFetchError(pipeline.KindStructural, item.SKU, perr)
	}
	c.proxies.Report(endpoint, pipeline.ProxySuccess)
	return record, nil
}

func (c *Client) requestHeaders(state pipeline.SessionState, item pipeline.WorkItem) map[string]string {
	referrer := item.URL
	if referrer == "" {
		referrer = c.cfg.Origin
	}
	return map[string]string{
		"accept":            "application/json",
		"accept-language":   "nl-NL,nl;q=0.9,en-US;q=0.8,en;q=0.7",
		"content-type":      "application/json; charset=UTF-8",
		"origin":            c.cfg.Origin,
		"outsystems-locale": c.cfg.Locale,
		"referer":           referrer,
		"user-agent":        c.cfg.UserAgent,
		"x-csrftoken":       state.CSRFToken,
	}
}

func (c *Client) clientFor(endpoint pipeline.ProxyEndpoint) *resty.Client {
	if endpoint.IsZero() {
		return c.base
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if client, ok := c.byProxy[endpoint.URL]; ok {
		return client
	}
	client := c.newRestyClient(endpoint.ProxyURL())
	c.byProxy[endpoint.URL] = client
	return client
}

func (c *Client) newRestyClient(proxyURL string) *resty.Client {
	client := resty.New()
	if c.cfg.Timeout > 0 {
		client.SetTimeout(c.cfg.Timeout)
	}
	if proxyURL != "" {
		client.SetProxy(proxyURL)
	}
	return client
}

func cookieSlice(cookies map[string]string) []*http.Cookie {
	out := make([]*http.Cookie, 0, len(cookies))
	for name, value := range cookies {
		out = append(out, &http.Cookie{Name: name, Value: value})
	}
	return out
}
