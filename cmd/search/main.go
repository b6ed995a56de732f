package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"pricescout/internal/grouping"
	"pricescout/internal/model"
	"pricescout/internal/stream"
)

// search streams one query from a pricescout server and prints the grouped
// result once DONE arrives.
func main() {
	var (
		url         string
		dialTimeout time.Duration
		timeout     time.Duration
		top         int
	)
	flag.StringVar(&url, "url", "ws://localhost:8080/ws/search", "streaming endpoint")
	flag.DurationVar(&dialTimeout, "dial-timeout", stream.DefaultDialTimeout, "connection timeout")
	flag.DurationVar(&timeout, "timeout", time.Minute, "overall timeout")
	flag.IntVar(&top, "top", 10, "groups to print")
	flag.Parse()
	query := strings.Join(flag.Args(), " ")
	if strings.TrimSpace(query) == "" {
		fmt.Fprintln(os.Stderr, "usage: search [flags] <query>")
		os.Exit(2)
	}
	if err := run(url, query, dialTimeout, timeout, top); err != nil {
		fmt.Fprintf(os.Stderr, "search: %v\n", err)
		os.Exit(1)
	}
}

func run(url, query string, dialTimeout, timeout time.Duration, top int) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	c, err := stream.Dialer{Timeout: dialTimeout}.Dial(ctx, url)
	if errors.Is(err, stream.ErrConnectionTimeout) {
		return fmt.Errorf("server did not answer within %s", dialTimeout)
	}
	if err != nil {
		return err
	}
	defer c.Close()

	var listings []model.Listing
	start := time.Now()
	err = c.Search(ctx, query, func(ev model.StreamEvent) {
		el := time.Since(start).Round(time.Millisecond)
		switch ev.Type {
		case model.EventResult:
			src := "live"
			if ev.Cached {
				src = "cached"
			}
			fmt.Fprintf(os.Stderr, "%8s  %-10s %d listings (%s)\n", el, ev.Marketplace, len(ev.Products), src)
			listings = append(listings, ev.Products...)
		case model.EventNoResults:
			fmt.Fprintf(os.Stderr, "%8s  %-10s no results\n", el, ev.Marketplace)
		case model.EventError:
			fmt.Fprintf(os.Stderr, "%8s  %-10s error: %s\n", el, ev.Marketplace, ev.Message)
		case model.EventDone:
			fmt.Fprintf(os.Stderr, "%8s  done\n", el)
		}
	})
	if err != nil {
		return err
	}

	groups := grouping.Group(listings)
	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "PRODUCT\tCHEAPEST\tAT\tOFFERS")
	for i, g := range groups {
		if i == top {
			break
		}
		price := "n/a"
		if g.Available() {
			price = fmt.Sprintf("%.0f", g.CheapestPrice)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\n", g.Name, price, g.CheapestMarketplace, len(g.Offers))
	}
	return tw.Flush()
}
