// Package pipeline defines core types shared across the acquisition subsystems.
package pipeline

import (
	"fmt"
	"net/url"
	"time"
)

// WorkItem identifies one unit of acquisition work. Immutable once created.
type WorkItem struct {
	SKU     string `json:"sku"`
	URL     string `json:"url"`
	LastMod string `json:"lastmod,omitempty"`
}

// NewWorkItem builds a WorkItem, deriving a product URL when none is known
// (retry entries reconstructed without one, or single-SKU runs).
func NewWorkItem(sku, rawURL, lastMod string) WorkItem {
	if rawURL == "" {
		rawURL = fmt.Sprintf("https://www.plus.nl/product/product-%s", sku)
	}
	return WorkItem{SKU: sku, URL: rawURL, LastMod: lastMod}
}

// SessionState holds the cookie set and CSRF token required to authorize
// product API calls. Values are treated as read-only once published.
type SessionState struct {
	Cookies   map[string]string `json:"cookies"`
	CSRFToken string            `json:"csrf_token"`
}

// Clone returns a deep copy so a published state is never mutated in place.
func (s SessionState) Clone() SessionState {
	out := SessionState{CSRFToken: s.CSRFToken}
	if s.Cookies != nil {
		out.Cookies = make(map[string]string, len(s.Cookies))
		for k, v := range s.Cookies {
			out.Cookies[k] = v
		}
	}
	return out
}

// ProxyEndpoint describes one outbound egress. The zero value means a
// direct connection (no proxy configured).
type ProxyEndpoint struct {
	URL      string
	Username string
	Password string
}

// IsZero reports whether the endpoint denotes direct connection mode.
func (e ProxyEndpoint) IsZero() bool {
	return e.URL == ""
}

// ProxyURL renders the endpoint as a proxy URL with inline credentials.
func (e ProxyEndpoint) ProxyURL() string {
	if e.URL == "" || e.Username == "" {
		return e.URL
	}
	u, err := url.Parse(e.URL)
	if err != nil {
		return e.URL
	}
	u.User = url.UserPassword(e.Username, e.Password)
	return u.String()
}

// ProxyOutcome classifies a fetch result as observed by the proxy layer.
type ProxyOutcome int

// Proxy outcomes reported after each attempt.
const (
	ProxySuccess ProxyOutcome = iota
	ProxySoftFailure
	ProxyHardFailure
)

// Nutrient is one nutritional value entry attached to a product.
type Nutrient struct {
	Name       string `json:"name"`
	Value      string `json:"value"`
	Unit       string `json:"unit"`
	ParentCode string `json:"parent_code,omitempty"`
}

// ProductRecord is the persisted unit, keyed by SKU.
type ProductRecord struct {
	SKU               string     `json:"sku"`
	Name              string     `json:"name"`
	Brand             string     `json:"brand"`
	Price             string     `json:"price"`
	BaseUnitPrice     string     `json:"base_unit_price"`
	ImageURL          string     `json:"image_url,omitempty"`
	Ingredients       string     `json:"ingredients"`
	Allergens         string     `json:"allergens"`
	AlcoholPercentage string     `json:"alcohol_percentage,omitempty"`
	Composition       string     `json:"composition,omitempty"`
	Nutrients         []Nutrient `json:"nutrients"`
	ExtractedAt       time.Time  `json:"extracted_at"`
}

// RetryEntry records one failed WorkItem awaiting replay. At most one live
// entry exists per SKU.
type RetryEntry struct {
	Item         WorkItem  `json:"item"`
	Kind         ErrorKind `json:"kind"`
	Attempts     int       `json:"attempts"`
	NextEligible time.Time `json:"next_eligible"`
	LastError    string    `json:"last_error"`
	Terminal     bool      `json:"terminal"`
}

// Stats summarizes a pipeline run for the operator.
type Stats struct {
	Succeeded    int `json:"succeeded"`
	Skipped      int `json:"skipped"`
	Retried      int `json:"retried"`
	Terminal     int `json:"terminal"`
	PendingRetry int `json:"pending_retry"`
}
