package main

import (
	"flag"
	"net/http"
	"strings"
	"time"

	"pricescout/internal/adapter"
	"pricescout/internal/logging"
	"pricescout/internal/mockmarket"
)

// mockmarket serves fake marketplaces under /<slug>/ for local runs, e.g.
// base_url: http://localhost:9100/daraz for an httpjson or html adapter.
func main() {
	var (
		addr         string
		marketplaces string
		latency      time.Duration
		failureRate  float64
		maxProducts  int
	)
	flag.StringVar(&addr, "addr", ":9100", "listen address")
	flag.StringVar(&marketplaces, "marketplaces", "Daraz,PriceOye,Telemart,Shophive,iShopping", "comma separated marketplace names")
	flag.DurationVar(&latency, "latency", 300*time.Millisecond, "base response latency")
	flag.Float64Var(&failureRate, "failure-rate", 0.1, "fraction of queries answered with a failure")
	flag.IntVar(&maxProducts, "max-products", 6, "upper bound of listings per query")
	flag.Parse()

	log := logging.Must("info", true)
	mux := http.NewServeMux()
	for _, name := range strings.Split(marketplaces, ",") {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		m := adapter.NewMock(name, adapter.MockOptions{Latency: latency, FailureRate: failureRate, MaxProducts: maxProducts})
		prefix := "/" + mockmarket.Slug(name)
		mux.Handle(prefix+"/", http.StripPrefix(prefix, mockmarket.Handler(m, log)))
		log.Info().Str("marketplace", name).Str("base_url", "http://localhost"+addr+prefix).Msg("serving")
	}
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	if err := srv.ListenAndServe(); err != nil {
		log.Fatal().Err(err).Msg("mockmarket failed")
	}
}
