package adapter

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"pricescout/internal/model"
)

// HTML fetches GET {base}/search?q= and extracts schema.org Product microdata.
// It knows nothing about any particular site's markup.
type HTML struct {
	httpBase
}

func NewHTML(marketplace, baseURL string, o HTTPOptions) *HTML {
	return &HTML{httpBase: newHTTPBase(marketplace, baseURL, o)}
}

func (a *HTML) Search(ctx context.Context, query string) (Response, error) {
	body, err := a.get(ctx, "/search", query, "text/html")
	if err != nil {
		return Response{}, err
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return Response{}, fmt.Errorf("parse html: %w", err)
	}
	return Response{Success: true, Products: a.extract(doc)}, nil
}

func (a *HTML) extract(doc *goquery.Document) []model.Listing {
	var out []model.Listing
	doc.Find(`[itemscope][itemtype$="schema.org/Product"]`).Each(func(_ int, s *goquery.Selection) {
		l := model.Listing{
			Name:        strings.Join(strings.Fields(prop(s, "name")), " "),
			URL:         a.resolve(prop(s, "url")),
			ImageURL:    a.resolve(prop(s, "image")),
			Marketplace: a.name,
		}
		if l.URL == "" {
			if href, ok := s.Find("a[href]").First().Attr("href"); ok {
				l.URL = a.resolve(href)
			}
		}
		if !strings.Contains(prop(s, "availability"), "OutOfStock") {
			l.Price = ParsePrice(prop(s, "price"))
		}
		if l.Name == "" && l.URL == "" {
			return
		}
		out = append(out, l)
	})
	return out
}

// prop reads an itemprop value the way microdata defines it: content, then
// href/src, then text.
func prop(s *goquery.Selection, name string) string {
	el := s.Find(`[itemprop="` + name + `"]`).First()
	if el.Length() == 0 {
		return ""
	}
	for _, attr := range []string{"content", "href", "src"} {
		if v, ok := el.Attr(attr); ok && strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return strings.TrimSpace(el.Text())
}
