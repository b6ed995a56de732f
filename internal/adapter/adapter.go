// Package adapter holds the marketplace adapter contract and the generic
// adapters shipped with the service. Site-specific scraping lives outside.
package adapter

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"pricescout/internal/model"
)

// Response is what a marketplace search returns. Success=false carries the
// marketplace's own error text in ErrorMessage.
type Response struct {
	Success      bool
	Products     []model.Listing
	ErrorMessage string
}

// Adapter searches one marketplace. Search may block; it should honour ctx.
type Adapter interface {
	Marketplace() string
	Search(ctx context.Context, query string) (Response, error)
}

// Func adapts a function to Adapter.
type Func struct {
	Name string
	Fn   func(ctx context.Context, query string) (Response, error)
}

func (f Func) Marketplace() string { return f.Name }

func (f Func) Search(ctx context.Context, query string) (Response, error) { return f.Fn(ctx, query) }

// Options configure New.
type Options struct {
	Kind        string        `yaml:"kind"`
	Marketplace string        `yaml:"marketplace"`
	BaseURL     string        `yaml:"base_url"`
	RatePerSec  float64       `yaml:"rate_per_sec"`
	Timeout     time.Duration `yaml:"timeout"`
	UserAgent   string        `yaml:"user_agent"`
	// Mock only.
	Latency     time.Duration `yaml:"latency"`
	FailureRate float64       `yaml:"failure_rate"`
	MaxProducts int           `yaml:"max_products"`
}

const (
	KindMock     = "mock"
	KindHTTPJSON = "httpjson"
	KindHTML     = "html"
)

const defaultUserAgent = "pricescout/1.0"

// New builds an adapter from o.
func New(o Options) (Adapter, error) {
	if strings.TrimSpace(o.Marketplace) == "" {
		return nil, fmt.Errorf("adapter: marketplace is required")
	}
	switch o.Kind {
	case KindMock, "":
		return NewMock(o.Marketplace, MockOptions{Latency: o.Latency, FailureRate: o.FailureRate, MaxProducts: o.MaxProducts}), nil
	case KindHTTPJSON:
		if err := checkBaseURL(o); err != nil {
			return nil, err
		}
		return NewHTTPJSON(o.Marketplace, o.BaseURL, httpOptions(o)), nil
	case KindHTML:
		if err := checkBaseURL(o); err != nil {
			return nil, err
		}
		return NewHTML(o.Marketplace, o.BaseURL, httpOptions(o)), nil
	default:
		return nil, fmt.Errorf("adapter %s: unknown kind %q", o.Marketplace, o.Kind)
	}
}

func checkBaseURL(o Options) error {
	if o.BaseURL == "" {
		return fmt.Errorf("adapter %s: base_url is required", o.Marketplace)
	}
	if _, err := parseBaseURL(o.BaseURL); err != nil {
		return fmt.Errorf("adapter %s: %w", o.Marketplace, err)
	}
	return nil
}

func httpOptions(o Options) HTTPOptions {
	timeout := o.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return HTTPOptions{
		Client:     &http.Client{Timeout: timeout},
		RatePerSec: o.RatePerSec,
		UserAgent:  o.UserAgent,
	}
}
