package model

import (
	"strings"
	"time"
	"unicode/utf8"
)

// Known marketplace identifiers. Adapters may report any non-empty name; these
// are the ones shipped in the default configuration.
const (
	Daraz     = "Daraz"
	PriceOye  = "PriceOye"
	Telemart  = "Telemart"
	Shophive  = "Shophive"
	IShopping = "iShopping"

	// Multiple tags suggestions that are not tied to a single marketplace.
	Multiple = "Multiple"
)

// MinQueryLength is the minimum number of runes in a normalized query.
const MinQueryLength = 2

// Listing is one marketplace's offer for a product. A nil Price means the
// offer is currently unavailable.
type Listing struct {
	Name        string   `json:"name"`
	Price       *float64 `json:"price"`
	URL         string   `json:"url"`
	ImageURL    string   `json:"imageUrl,omitempty"`
	Marketplace string   `json:"marketplace"`
}

// HasPrice reports whether the listing carries a price.
func (l Listing) HasPrice() bool { return l.Price != nil }

// IdentityKey returns the grouping anchor: the URL, or the name when the URL is empty.
func (l Listing) IdentityKey() string {
	if u := strings.TrimSpace(l.URL); u != "" {
		return u
	}
	return strings.TrimSpace(l.Name)
}

// Price returns a pointer to p; handy for literals.
func Price(p float64) *float64 { return &p }

// NormalizeQuery trims and lower-cases a user query.
func NormalizeQuery(q string) string {
	return strings.ToLower(strings.TrimSpace(q))
}

// ValidQuery reports whether a normalized query is long enough to search.
func ValidQuery(normalized string) bool {
	return utf8.RuneCountInString(normalized) >= MinQueryLength
}

// SearchResultSet is the persisted unit of the result cache.
type SearchResultSet struct {
	Query       string    `json:"query"`
	Listings    []Listing `json:"listings"`
	ResultCount int       `json:"resultCount"`
	SearchedAt  time.Time `json:"searchedAt"`
}

// NewResultSet builds a set and derives ResultCount.
func NewResultSet(query string, listings []Listing, at time.Time) SearchResultSet {
	out := SearchResultSet{
		Query:      query,
		Listings:   append([]Listing(nil), listings...),
		SearchedAt: at,
	}
	out.ResultCount = len(out.Listings)
	return out
}

// HasMarketplace reports whether any listing in the set is tagged with m.
func (s SearchResultSet) HasMarketplace(m string) bool {
	for _, l := range s.Listings {
		if l.Marketplace == m {
			return true
		}
	}
	return false
}

// ByMarketplace splits the set's listings per marketplace, preserving order.
func (s SearchResultSet) ByMarketplace() map[string][]Listing {
	out := make(map[string][]Listing)
	for _, l := range s.Listings {
		out[l.Marketplace] = append(out[l.Marketplace], l)
	}
	return out
}

// Expired reports whether the set is older than retention at now.
func (s SearchResultSet) Expired(now time.Time, retention time.Duration) bool {
	if retention <= 0 {
		return false
	}
	return !s.SearchedAt.After(now.Add(-retention))
}
