// Package eventfeed publishes every streamed search event to Kafka so other
// services can follow searches as they happen.
package eventfeed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	ck "github.com/confluentinc/confluent-kafka-go/v2/kafka"
	"github.com/rs/zerolog"

	"pricescout/internal/metrics"
	"pricescout/internal/model"
)

// Record is the value written per event. Records are keyed by session id so
// one search stays ordered within a partition.
type Record struct {
	SessionID string            `json:"sessionId"`
	Query     string            `json:"query"`
	Event     model.StreamEvent `json:"event"`
	At        time.Time         `json:"at"`
}

// producer is the subset of *ck.Producer used here.
type producer interface {
	Produce(msg *ck.Message, deliveryChan chan ck.Event) error
	Events() chan ck.Event
	Flush(timeoutMs int) int
	Close()
}

type Publisher struct {
	p       producer
	topic   string
	log     zerolog.Logger
	metrics *metrics.Registry
	now     func() time.Time
	done    chan struct{}
	once    sync.Once
}

// New connects an idempotent producer to brokers (comma separated).
func New(brokers, topic string, log zerolog.Logger, m *metrics.Registry) (*Publisher, error) {
	p, err := ck.NewProducer(&ck.ConfigMap{
		"bootstrap.servers":  strings.TrimSpace(brokers),
		"enable.idempotence": true,
		"acks":               "all",
		"linger.ms":          20,
		"client.id":          "pricescout-feed",
	})
	if err != nil {
		return nil, fmt.Errorf("feed producer: %w", err)
	}
	return newPublisher(p, topic, log, m), nil
}

func newPublisher(p producer, topic string, log zerolog.Logger, m *metrics.Registry) *Publisher {
	pub := &Publisher{
		p:       p,
		topic:   topic,
		log:     log.With().Str("component", "eventfeed").Str("topic", topic).Logger(),
		metrics: m,
		now:     func() time.Time { return time.Now().UTC() },
		done:    make(chan struct{}),
	}
	go pub.deliveries()
	return pub
}

// deliveries drains delivery reports until the producer is closed.
func (p *Publisher) deliveries() {
	defer close(p.done)
	for e := range p.p.Events() {
		switch ev := e.(type) {
		case *ck.Message:
			if ev.TopicPartition.Error != nil {
				p.failed(ev.TopicPartition.Error)
				continue
			}
			if p.metrics != nil {
				p.metrics.FeedPublished.Inc()
			}
		case ck.Error:
			p.log.Warn().Err(ev).Msg("producer error")
		}
	}
}

func (p *Publisher) failed(err error) {
	if p.metrics != nil {
		p.metrics.FeedErrors.Inc()
	}
	p.log.Warn().Err(err).Msg("feed delivery failed")
}

// Observe enqueues ev; it never blocks the stream on the broker.
func (p *Publisher) Observe(sessionID, query string, ev model.StreamEvent) {
	val, err := json.Marshal(Record{SessionID: sessionID, Query: query, Event: ev, At: p.now()})
	if err != nil {
		p.failed(err)
		return
	}
	err = p.p.Produce(&ck.Message{
		TopicPartition: ck.TopicPartition{Topic: &p.topic, Partition: ck.PartitionAny},
		Key:            []byte(sessionID),
		Value:          val,
	}, nil)
	if err != nil {
		p.failed(err)
	}
}

// Close flushes pending records for up to timeout and shuts the producer down.
func (p *Publisher) Close(timeout time.Duration) {
	p.once.Do(func() {
		if n := p.p.Flush(int(timeout.Milliseconds())); n > 0 {
			p.log.Warn().Int("pending", n).Msg("feed closed with undelivered records")
		}
		p.p.Close()
		<-p.done
	})
}

// consumer is the subset of *ck.Consumer used by Tail.
type consumer interface {
	ReadMessage(timeout time.Duration) (*ck.Message, error)
}

// NewConsumer subscribes a consumer group to topic, starting at the earliest
// record for a new group.
func NewConsumer(brokers, groupID, topic string) (*ck.Consumer, error) {
	c, err := ck.NewConsumer(&ck.ConfigMap{
		"bootstrap.servers":  strings.TrimSpace(brokers),
		"group.id":           groupID,
		"auto.offset.reset":  "earliest",
		"enable.auto.commit": true,
	})
	if err != nil {
		return nil, fmt.Errorf("feed consumer: %w", err)
	}
	if err := c.SubscribeTopics([]string{topic}, nil); err != nil {
		c.Close()
		return nil, fmt.Errorf("subscribe %s: %w", topic, err)
	}
	return c, nil
}

// Tail calls fn for every decodable record until ctx is done. Undecodable
// records are skipped.
func Tail(ctx context.Context, c consumer, poll time.Duration, log zerolog.Logger, fn func(Record)) error {
	if poll <= 0 {
		poll = time.Second
	}
	for {
		if err := ctx.Err(); err != nil {
			return nil
		}
		msg, err := c.ReadMessage(poll)
		if err != nil {
			var kerr ck.Error
			if errors.As(err, &kerr) && kerr.IsTimeout() {
				continue
			}
			if errors.As(err, &kerr) && kerr.IsFatal() {
				return fmt.Errorf("read feed: %w", err)
			}
			log.Warn().Err(err).Msg("read feed")
			continue
		}
		var r Record
		if err := json.Unmarshal(msg.Value, &r); err != nil {
			log.Debug().Err(err).Str("key", string(msg.Key)).Msg("skip undecodable record")
			continue
		}
		fn(r)
	}
}
