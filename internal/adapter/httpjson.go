package adapter

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"pricescout/internal/model"
)

// HTTPJSON queries GET {base}/api/search?q= and accepts either a bare JSON
// array of products or an object {"success", "products", "error"}.
type HTTPJSON struct {
	httpBase
}

func NewHTTPJSON(marketplace, baseURL string, o HTTPOptions) *HTTPJSON {
	return &HTTPJSON{httpBase: newHTTPBase(marketplace, baseURL, o)}
}

type wireProduct struct {
	Name     string          `json:"name"`
	Title    string          `json:"title"`
	Price    json.RawMessage `json:"price"`
	URL      string          `json:"url"`
	Link     string          `json:"link"`
	ImageURL string          `json:"imageUrl"`
	Image    string          `json:"image"`
}

type wireResponse struct {
	Success  *bool         `json:"success"`
	Products []wireProduct `json:"products"`
	Results  []wireProduct `json:"results"`
	Error    string        `json:"error"`
}

func (a *HTTPJSON) Search(ctx context.Context, query string) (Response, error) {
	body, err := a.get(ctx, "/api/search", query, "application/json")
	if err != nil {
		return Response{}, err
	}
	var items []wireProduct
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		if err := json.Unmarshal(trimmed, &items); err != nil {
			return Response{}, fmt.Errorf("decode products: %w", err)
		}
	} else {
		var wr wireResponse
		if err := json.Unmarshal(trimmed, &wr); err != nil {
			return Response{}, fmt.Errorf("decode response: %w", err)
		}
		if wr.Success != nil && !*wr.Success {
			msg := wr.Error
			if msg == "" {
				msg = "search failed"
			}
			return Response{Success: false, ErrorMessage: msg}, nil
		}
		items = wr.Products
		if items == nil {
			items = wr.Results
		}
	}
	out := make([]model.Listing, 0, len(items))
	for _, it := range items {
		l := model.Listing{
			Name:        strings.TrimSpace(firstNonEmpty(it.Name, it.Title)),
			URL:         a.resolve(firstNonEmpty(it.URL, it.Link)),
			ImageURL:    a.resolve(firstNonEmpty(it.ImageURL, it.Image)),
			Price:       rawPrice(it.Price),
			Marketplace: a.name,
		}
		if l.Name == "" && l.URL == "" {
			continue
		}
		out = append(out, l)
	}
	return Response{Success: true, Products: out}, nil
}

// rawPrice accepts a JSON number, a price string or null.
func rawPrice(raw json.RawMessage) *float64 {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	var f float64
	if err := json.Unmarshal(raw, &f); err == nil {
		return &f
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return ParsePrice(s)
	}
	return nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
