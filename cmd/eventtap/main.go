package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"pricescout/internal/eventfeed"
	"pricescout/internal/logging"
	"pricescout/internal/model"
)

// eventtap follows the search-event feed and logs one line per event.
func main() {
	var (
		bootstrap string
		groupID   string
		topic     string
		poll      time.Duration
		only      string
	)
	flag.StringVar(&bootstrap, "bootstrap", "localhost:9092", "kafka bootstrap servers")
	flag.StringVar(&groupID, "group-id", "pricescout-eventtap", "consumer group id")
	flag.StringVar(&topic, "topic", "pricescout.events", "search-event topic")
	flag.DurationVar(&poll, "poll", time.Second, "poll timeout")
	flag.StringVar(&only, "type", "", "only show events of this type (RESULT|NO_RESULTS|ERROR|DONE)")
	flag.Parse()

	log := logging.Must("info", true)
	c, err := eventfeed.NewConsumer(bootstrap, groupID, topic)
	if err != nil {
		log.Fatal().Err(err).Msg("consumer")
	}
	defer c.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	log.Info().Str("topic", topic).Msg("tapping search events")
	err = eventfeed.Tail(ctx, c, poll, log, func(r eventfeed.Record) {
		if only != "" && string(r.Event.Type) != only {
			return
		}
		ev := log.Info().
			Str("session", r.SessionID).
			Str("query", r.Query).
			Str("type", string(r.Event.Type))
		if r.Event.Marketplace != "" {
			ev = ev.Str("marketplace", r.Event.Marketplace)
		}
		switch r.Event.Type {
		case model.EventResult:
			ev = ev.Int("products", len(r.Event.Products)).Bool("cached", r.Event.Cached)
		case model.EventError:
			ev = ev.Str("message", r.Event.Message)
		}
		ev.Time("at", r.At).Msg("event")
	})
	if err != nil {
		log.Error().Err(err).Msg("tap stopped")
	}
}
