package adapter

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestParsePrice(t *testing.T) {
	cases := map[string]float64{
		"Rs. 145,000":  145000,
		"PKR 1,299.50": 1299.5,
		"145000":       145000,
		" Rs 99 only ": 99,
	}
	for in, want := range cases {
		got := ParsePrice(in)
		if got == nil || *got != want {
			t.Fatalf("ParsePrice(%q)=%v want %v", in, got, want)
		}
	}
	if got := ParsePrice("Out of stock"); got != nil {
		t.Fatalf("expected nil, got %v", *got)
	}
}

func TestMock_Deterministic(t *testing.T) {
	m := NewMock("Daraz", MockOptions{MaxProducts: 5})
	a, err := m.Search(context.Background(), "galaxy s24")
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	b, _ := m.Search(context.Background(), "galaxy s24")
	if len(a.Products) != len(b.Products) {
		t.Fatalf("non-deterministic length %d vs %d", len(a.Products), len(b.Products))
	}
	for i := range a.Products {
		if a.Products[i].URL != b.Products[i].URL || a.Products[i].Marketplace != "Daraz" {
			t.Fatalf("product %d differs: %+v vs %+v", i, a.Products[i], b.Products[i])
		}
	}
}

func TestMock_HonoursContext(t *testing.T) {
	m := NewMock("Daraz", MockOptions{Latency: time.Second})
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, err := m.Search(ctx, "tv"); err == nil {
		t.Fatalf("expected context error")
	}
}

func TestMock_AlwaysFails(t *testing.T) {
	m := NewMock("Telemart", MockOptions{FailureRate: 1})
	resp, err := m.Search(context.Background(), "tv")
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if resp.Success || resp.ErrorMessage == "" {
		t.Fatalf("expected reported failure, got %+v", resp)
	}
}

func TestHTTPJSON_WrappedAndBare(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/search" {
			http.NotFound(w, r)
			return
		}
		switch r.URL.Query().Get("q") {
		case "bare":
			fmt.Fprint(w, `[{"title":"LED TV","price":"Rs. 45,000","link":"/p/1"},{"name":"OLED TV","price":null,"url":"https://shop/p/2"}]`)
		case "wrapped":
			fmt.Fprint(w, `{"success":true,"products":[{"name":"Galaxy","price":1200,"url":"/g","imageUrl":"/g.jpg"}]}`)
		case "down":
			fmt.Fprint(w, `{"success":false,"error":"maintenance window"}`)
		default:
			w.WriteHeader(http.StatusInternalServerError)
		}
	}))
	defer srv.Close()
	a := NewHTTPJSON("Shophive", srv.URL, HTTPOptions{Client: srv.Client()})
	ctx := context.Background()

	resp, err := a.Search(ctx, "bare")
	if err != nil || !resp.Success || len(resp.Products) != 2 {
		t.Fatalf("bare: %+v err=%v", resp, err)
	}
	p := resp.Products[0]
	if p.Name != "LED TV" || p.Price == nil || *p.Price != 45000 || p.URL != srv.URL+"/p/1" || p.Marketplace != "Shophive" {
		t.Fatalf("bare product: %+v", p)
	}
	if resp.Products[1].Price != nil {
		t.Fatalf("null price should stay nil")
	}

	resp, err = a.Search(ctx, "wrapped")
	if err != nil || len(resp.Products) != 1 || resp.Products[0].ImageURL != srv.URL+"/g.jpg" {
		t.Fatalf("wrapped: %+v err=%v", resp, err)
	}

	resp, err = a.Search(ctx, "down")
	if err != nil || resp.Success || resp.ErrorMessage != "maintenance window" {
		t.Fatalf("reported failure: %+v err=%v", resp, err)
	}

	if _, err = a.Search(ctx, "boom"); err == nil {
		t.Fatalf("expected error on HTTP 500")
	}
}

func TestHTTPJSON_UnreachableHidesAddress(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	base := srv.URL
	srv.Close()
	_, err := NewHTTPJSON("Daraz", base, HTTPOptions{}).Search(context.Background(), "tv")
	var ue *UnreachableError
	if !errors.As(err, &ue) || ue.Err == nil {
		t.Fatalf("want UnreachableError, got %v", err)
	}
	if err.Error() != "Daraz unreachable" || strings.Contains(err.Error(), strings.TrimPrefix(base, "http://")) {
		t.Fatalf("error leaks transport detail: %q", err.Error())
	}
}

func TestHTTPJSON_RateLimitWaitsForContext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `[]`)
	}))
	defer srv.Close()
	a := NewHTTPJSON("Daraz", srv.URL, HTTPOptions{Client: srv.Client(), RatePerSec: 0.01})
	if _, err := a.Search(context.Background(), "tv"); err != nil {
		t.Fatalf("first request should pass: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := a.Search(ctx, "tv"); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("second request should be paced past the deadline, got %v", err)
	}
}

const productPage = `<html><body>
<div itemscope itemtype="https://schema.org/Product">
  <a itemprop="url" href="/p/s24"><span itemprop="name">Galaxy  S24
  Ultra</span></a>
  <img itemprop="image" src="/img/s24.jpg">
  <div itemprop="offers" itemscope itemtype="https://schema.org/Offer">
    <span itemprop="price" content="399999">Rs. 399,999</span>
    <link itemprop="availability" href="https://schema.org/InStock">
  </div>
</div>
<div itemscope itemtype="http://schema.org/Product">
  <span itemprop="name">Galaxy A15</span>
  <a href="/p/a15">view</a>
  <span itemprop="price">Rs. 45,000</span>
  <link itemprop="availability" href="https://schema.org/OutOfStock">
</div>
<div class="ad">Sponsored</div>
</body></html>`

func TestHTML_ExtractsMicrodata(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/search" || r.URL.Query().Get("q") != "galaxy" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "text/html")
		fmt.Fprint(w, productPage)
	}))
	defer srv.Close()
	a := NewHTML("PriceOye", srv.URL, HTTPOptions{Client: srv.Client()})
	resp, err := a.Search(context.Background(), "galaxy")
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(resp.Products) != 2 {
		t.Fatalf("products=%d want 2: %+v", len(resp.Products), resp.Products)
	}
	s24 := resp.Products[0]
	if s24.Name != "Galaxy S24 Ultra" || s24.Price == nil || *s24.Price != 399999 ||
		s24.URL != srv.URL+"/p/s24" || s24.ImageURL != srv.URL+"/img/s24.jpg" {
		t.Fatalf("s24: %+v", s24)
	}
	a15 := resp.Products[1]
	if a15.Price != nil || a15.URL != srv.URL+"/p/a15" {
		t.Fatalf("out of stock listing: %+v", a15)
	}
}

func TestNew(t *testing.T) {
	if _, err := New(Options{Kind: "mock"}); err == nil {
		t.Fatalf("missing marketplace should fail")
	}
	if _, err := New(Options{Kind: "html", Marketplace: "X"}); err == nil {
		t.Fatalf("missing base url should fail")
	}
	if _, err := New(Options{Kind: "ftp", Marketplace: "X"}); err == nil {
		t.Fatalf("unknown kind should fail")
	}
	for _, bad := range []string{"://nope", "localhost:8080", "ftp://mirror.local", "/relative"} {
		if _, err := New(Options{Kind: "httpjson", Marketplace: "X", BaseURL: bad}); err == nil {
			t.Fatalf("base url %q should be rejected", bad)
		}
	}
	a, err := New(Options{Kind: "httpjson", Marketplace: "Daraz", BaseURL: "http://localhost:1"})
	if err != nil || a.Marketplace() != "Daraz" {
		t.Fatalf("httpjson: %v %v", a, err)
	}
}
