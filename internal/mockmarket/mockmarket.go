// Package mockmarket serves a fake marketplace for local runs: the JSON
// search API read by adapter.HTTPJSON and a microdata results page read by
// adapter.HTML. Listings come from adapter.Mock, so they are stable per query.
package mockmarket

import (
	"encoding/json"
	"html/template"
	"net/http"
	"strconv"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"

	"pricescout/internal/adapter"
	"pricescout/internal/model"
)

var page = template.Must(template.New("search").Funcs(template.FuncMap{
	"price": func(p *float64) string {
		if p == nil {
			return ""
		}
		return "Rs. " + strconv.FormatFloat(*p, 'f', 0, 64)
	},
}).Parse(`<!doctype html>
<html><head><title>{{.Marketplace}}: {{.Query}}</title></head>
<body>
<h1>Results for {{.Query}}</h1>
<ul>
{{range .Products}}<li itemscope itemtype="https://schema.org/Product">
  <a itemprop="url" href="{{.URL}}"><span itemprop="name">{{.Name}}</span></a>
  {{if .ImageURL}}<img itemprop="image" src="{{.ImageURL}}" alt="">{{end}}
  <div itemprop="offers" itemscope itemtype="https://schema.org/Offer">
  {{if .Price}}<span itemprop="price" content="{{price .Price}}">{{price .Price}}</span>
    <link itemprop="availability" href="https://schema.org/InStock">
  {{else}}<link itemprop="availability" href="https://schema.org/OutOfStock">Out of stock{{end}}
  </div>
</li>
{{end}}</ul>
</body></html>
`))

type pageData struct {
	Marketplace string
	Query       string
	Products    []model.Listing
}

type wireProduct struct {
	Name     string   `json:"name"`
	Price    *float64 `json:"price"`
	URL      string   `json:"url"`
	ImageURL string   `json:"imageUrl,omitempty"`
}

// Handler serves one marketplace backed by m.
func Handler(m *adapter.Mock, log zerolog.Logger) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/search", func(w http.ResponseWriter, r *http.Request) {
		resp, err := m.Search(r.Context(), model.NormalizeQuery(r.URL.Query().Get("q")))
		w.Header().Set("Content-Type", "application/json")
		if err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			_ = json.NewEncoder(w).Encode(map[string]any{"success": false, "error": err.Error()})
			return
		}
		if !resp.Success {
			_ = json.NewEncoder(w).Encode(map[string]any{"success": false, "error": resp.ErrorMessage})
			return
		}
		products := make([]wireProduct, len(resp.Products))
		for i, l := range resp.Products {
			products[i] = wireProduct{Name: l.Name, Price: l.Price, URL: l.URL, ImageURL: l.ImageURL}
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"success": true, "products": products})
	})
	mux.HandleFunc("GET /search", func(w http.ResponseWriter, r *http.Request) {
		q := model.NormalizeQuery(r.URL.Query().Get("q"))
		resp, err := m.Search(r.Context(), q)
		if err != nil || !resp.Success {
			http.Error(w, "search unavailable", http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		if err := page.Execute(w, pageData{Marketplace: m.Marketplace(), Query: q, Products: resp.Products}); err != nil {
			hlog.FromRequest(r).Warn().Err(err).Msg("render page")
		}
	})
	return hlog.NewHandler(log.With().Str("marketplace", m.Marketplace()).Logger())(mux)
}

// Slug turns a marketplace name into a URL path segment.
func Slug(name string) string {
	return strings.ToLower(strings.Join(strings.Fields(name), "-"))
}
