package adapter

import (
	"context"
	"fmt"
	"hash/fnv"
	"math/rand"
	"strings"
	"time"
	"unicode"

	"pricescout/internal/model"
)

type MockOptions struct {
	Latency     time.Duration
	FailureRate float64
	MaxProducts int
}

// Mock returns deterministic synthetic listings: the same (marketplace, query)
// always yields the same products and the same failure decision.
type Mock struct {
	name string
	opts MockOptions
}

func NewMock(marketplace string, opts MockOptions) *Mock {
	if opts.MaxProducts <= 0 {
		opts.MaxProducts = 6
	}
	return &Mock{name: marketplace, opts: opts}
}

func (m *Mock) Marketplace() string { return m.name }

func seedFor(parts ...string) int64 {
	h := fnv.New64a()
	for _, p := range parts {
		_, _ = h.Write([]byte(p))
		_, _ = h.Write([]byte{0})
	}
	return int64(h.Sum64())
}

func (m *Mock) Search(ctx context.Context, query string) (Response, error) {
	rng := rand.New(rand.NewSource(seedFor(m.name, query)))
	if m.opts.Latency > 0 {
		// Jitter up to +50% so marketplaces complete in varying order.
		d := m.opts.Latency + time.Duration(rng.Int63n(int64(m.opts.Latency)/2+1))
		t := time.NewTimer(d)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return Response{}, ctx.Err()
		case <-t.C:
		}
	}
	if m.opts.FailureRate > 0 && rng.Float64() < m.opts.FailureRate {
		return Response{Success: false, ErrorMessage: m.name + " is temporarily unavailable"}, nil
	}
	n := rng.Intn(m.opts.MaxProducts + 1)
	slug := strings.ReplaceAll(strings.TrimSpace(query), " ", "-")
	host := strings.ToLower(m.name) + ".example"
	out := make([]model.Listing, 0, n)
	for i := 0; i < n; i++ {
		l := model.Listing{
			Name:        fmt.Sprintf("%s %s", titleCase(query), variants[rng.Intn(len(variants))]),
			URL:         fmt.Sprintf("https://%s/p/%s-%d", host, slug, i),
			ImageURL:    fmt.Sprintf("https://%s/img/%s-%d.jpg", host, slug, i),
			Marketplace: m.name,
		}
		// Roughly one in eight listings is out of stock.
		if rng.Intn(8) != 0 {
			l.Price = model.Price(float64(1000 + rng.Intn(400)*500))
		}
		out = append(out, l)
	}
	return Response{Success: true, Products: out}, nil
}

var variants = []string{"64GB", "128GB", "256GB", "Pro", "Lite", "Max", "(Refurbished)", "Bundle"}

func titleCase(s string) string {
	words := strings.Fields(s)
	for i, w := range words {
		r := []rune(w)
		r[0] = unicode.ToUpper(r[0])
		words[i] = string(r)
	}
	return strings.Join(words, " ")
}
