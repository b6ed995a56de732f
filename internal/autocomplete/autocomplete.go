// Package autocomplete suggests listing names for a partial query from the
// result cache, with a small static catalog for fragments the cache has
// never seen.
package autocomplete

import (
	"context"
	"strings"

	"github.com/rs/zerolog"

	"pricescout/internal/cache"
	"pricescout/internal/metrics"
	"pricescout/internal/model"
)

const (
	// MaxSuggestions caps every Suggest result.
	MaxSuggestions = 8
	// scanLimit is the first page of cached listings inspected per fragment; it
	// grows while duplicates keep the result short.
	scanLimit = 200
)

// DefaultCatalog holds generic product terms used when no cached listing matches.
var DefaultCatalog = []string{
	"iPhone", "Samsung Galaxy", "Xiaomi Redmi", "Infinix", "Tecno", "Vivo", "Oppo", "Realme",
	"Laptop", "Gaming Laptop", "MacBook", "Tablet", "iPad",
	"LED TV", "Smart TV", "Android TV",
	"Headphones", "Wireless Earbuds", "Bluetooth Speaker", "Smart Watch", "Power Bank",
	"Mobile Charger", "USB Cable", "Memory Card", "Keyboard", "Mouse", "Monitor",
	"Air Conditioner", "Refrigerator", "Washing Machine", "Microwave Oven", "Air Fryer",
	"Electric Kettle", "Iron", "Hair Dryer", "Trimmer", "Camera", "Printer", "Router",
}

type Engine struct {
	cache   cache.Store
	catalog []string
	metrics *metrics.Registry
	log     zerolog.Logger
}

type Option func(*Engine)

func WithCatalog(terms []string) Option { return func(e *Engine) { e.catalog = terms } }

func WithMetrics(m *metrics.Registry) Option { return func(e *Engine) { e.metrics = m } }

func New(store cache.Store, log zerolog.Logger, opts ...Option) *Engine {
	e := &Engine{
		cache:   store,
		catalog: DefaultCatalog,
		log:     log.With().Str("component", "autocomplete").Logger(),
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

type suggestionKey struct {
	text, marketplace string
	price             float64
}

// Suggest returns at most MaxSuggestions entries for fragment, most recently
// searched first. Fragments shorter than two runes yield nothing.
func (e *Engine) Suggest(ctx context.Context, fragment string) []model.Suggestion {
	frag := model.NormalizeQuery(fragment)
	if !model.ValidQuery(frag) {
		return []model.Suggestion{}
	}
	if out := e.fromCache(ctx, frag); len(out) > 0 {
		return out
	}
	if e.metrics != nil {
		e.metrics.AutocompleteFallbacks.Inc()
	}
	return e.fromCatalog(frag)
}

func (e *Engine) fromCache(ctx context.Context, frag string) []model.Suggestion {
	if e.cache == nil {
		return nil
	}
	seen := make(map[suggestionKey]struct{})
	var out []model.Suggestion
	for limit := scanLimit; ; limit *= 4 {
		listings, err := e.cache.FindSubstring(ctx, frag, cache.FindOptions{Limit: limit, PricedOnly: true})
		if err != nil {
			e.log.Warn().Err(err).Str("fragment", frag).Msg("cache lookup failed, using catalog")
			return out
		}
		// Each larger page starts with the previous one; seen skips the repeats.
		for _, l := range listings {
			if l.Price == nil || l.Marketplace == "" {
				continue
			}
			k := suggestionKey{text: l.Name, marketplace: l.Marketplace, price: *l.Price}
			if _, dup := seen[k]; dup {
				continue
			}
			seen[k] = struct{}{}
			out = append(out, model.Suggestion{Text: l.Name, Marketplace: l.Marketplace, Price: model.Price(*l.Price)})
			if len(out) == MaxSuggestions {
				return out
			}
		}
		if len(listings) < limit {
			return out
		}
	}
}

func (e *Engine) fromCatalog(frag string) []model.Suggestion {
	out := []model.Suggestion{}
	for _, term := range e.catalog {
		if !strings.Contains(strings.ToLower(term), frag) {
			continue
		}
		out = append(out, model.Suggestion{Text: term, Marketplace: model.Multiple})
		if len(out) == MaxSuggestions {
			break
		}
	}
	return out
}
