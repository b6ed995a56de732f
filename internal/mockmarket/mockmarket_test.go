package mockmarket

import (
	"context"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"

	"pricescout/internal/adapter"
	"pricescout/internal/model"
)

func samePrice(a, b *float64) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

func TestAdaptersReadMockMarket(t *testing.T) {
	mock := adapter.NewMock(model.Daraz, adapter.MockOptions{MaxProducts: 8})
	srv := httptest.NewServer(Handler(mock, zerolog.Nop()))
	defer srv.Close()

	ctx := context.Background()
	readers := []adapter.Adapter{
		adapter.NewHTTPJSON(model.Daraz, srv.URL, adapter.HTTPOptions{}),
		adapter.NewHTML(model.Daraz, srv.URL, adapter.HTTPOptions{}),
	}
	total := 0
	for _, q := range []string{"phone", "iphone 13", "led tv", "air fryer", "laptop"} {
		want, err := mock.Search(ctx, q)
		if err != nil {
			t.Fatalf("mock: %v", err)
		}
		total += len(want.Products)
		for _, a := range readers {
			got, err := a.Search(ctx, q)
			if err != nil || !got.Success {
				t.Fatalf("%T %q: err=%v resp=%+v", a, q, err, got)
			}
			if len(got.Products) != len(want.Products) {
				t.Fatalf("%T %q: %d products, want %d", a, q, len(got.Products), len(want.Products))
			}
			for i, l := range got.Products {
				w := want.Products[i]
				if l.Name != w.Name || l.URL != w.URL || l.Marketplace != model.Daraz || !samePrice(l.Price, w.Price) {
					t.Fatalf("%T %q[%d]: got %+v want %+v", a, q, i, l, w)
				}
			}
		}
	}
	if total == 0 {
		t.Fatalf("mock produced no listings for any query")
	}
}

func TestFailingMarketplace(t *testing.T) {
	mock := adapter.NewMock(model.Telemart, adapter.MockOptions{FailureRate: 1})
	srv := httptest.NewServer(Handler(mock, zerolog.Nop()))
	defer srv.Close()

	resp, err := adapter.NewHTTPJSON(model.Telemart, srv.URL, adapter.HTTPOptions{}).Search(context.Background(), "tv")
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if resp.Success || resp.ErrorMessage == "" {
		t.Fatalf("want reported failure, got %+v", resp)
	}
	if _, err := adapter.NewHTML(model.Telemart, srv.URL, adapter.HTTPOptions{}).Search(context.Background(), "tv"); err == nil {
		t.Fatalf("html adapter should fail on 503")
	}
}

func TestSlug(t *testing.T) {
	if got := Slug(" Price  Oye "); got != "price-oye" {
		t.Fatalf("got %q", got)
	}
}
