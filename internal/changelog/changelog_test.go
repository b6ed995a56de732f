package changelog

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"

	"pricescout/internal/model"
)

func entry(q, m string) Entry {
	return Entry{
		Query:       q,
		Marketplace: m,
		Listings:    []model.Listing{{Name: "Galaxy", Price: model.Price(100), URL: "u-" + m, Marketplace: m}},
		SearchedAt:  time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC),
	}
}

func TestFileWriter_AppendAndRead(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	w, err := NewFileWriter(dir, "cache.jsonl")
	if err != nil {
		t.Fatalf("NewFileWriter: %v", err)
	}
	if err := w.Append(ctx, entry("galaxy", "Daraz")); err != nil {
		t.Fatalf("append1: %v", err)
	}
	if err := w.Append(ctx, entry("galaxy", "PriceOye")); err != nil {
		t.Fatalf("append2: %v", err)
	}
	if w.Offset() != 2 {
		t.Fatalf("offset=%d want 2", w.Offset())
	}

	var got []Entry
	if err := ReadFile(w.Path(), 0, func(_ int64, _ int, e Entry) error { got = append(got, e); return nil }); err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(got) != 2 || got[1].Marketplace != "PriceOye" || *got[0].Listings[0].Price != 100 {
		t.Fatalf("mismatch: %+v", got)
	}

	got = nil
	if err := ReadFile(w.Path(), 1, func(line int64, _ int, e Entry) error {
		if line != 2 {
			t.Errorf("line=%d want 2", line)
		}
		got = append(got, e)
		return nil
	}); err != nil {
		t.Fatalf("read from offset: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("want 1 entry after offset, got %d", len(got))
	}
}

func TestFileWriter_ReopenKeepsOffset(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	w, err := NewFileWriter(dir, "cache.jsonl")
	if err != nil {
		t.Fatalf("NewFileWriter: %v", err)
	}
	for i := 0; i < 3; i++ {
		if err := w.Append(ctx, entry("tv", "Daraz")); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	w2, err := NewFileWriter(dir, "cache.jsonl")
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if w2.Offset() != 3 {
		t.Fatalf("offset=%d want 3", w2.Offset())
	}
}

func TestFileWriter_ConcurrentAppends(t *testing.T) {
	ctx := context.Background()
	w, err := NewFileWriter(t.TempDir(), "cache.jsonl")
	if err != nil {
		t.Fatalf("NewFileWriter: %v", err)
	}
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := w.Append(ctx, entry("tv", "Daraz")); err != nil {
				t.Errorf("append: %v", err)
			}
		}()
	}
	wg.Wait()
	n := 0
	if err := ReadFile(w.Path(), 0, func(int64, int, Entry) error { n++; return nil }); err != nil {
		t.Fatalf("read: %v", err)
	}
	if n != 50 || w.Offset() != 50 {
		t.Fatalf("lines=%d offset=%d want 50", n, w.Offset())
	}
}

// fakeKafkaWriter implements kafkaMessageWriter for tests
type fakeKafkaWriter struct {
	msgs []kafka.Message
	fail bool
}

func (f *fakeKafkaWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	if f.fail {
		return errors.New("fail")
	}
	f.msgs = append(f.msgs, msgs...)
	return nil
}

func TestKafkaWriter_Append_Success(t *testing.T) {
	fk := &fakeKafkaWriter{}
	kw := NewKafkaWriterWith(fk)
	if err := kw.Append(context.Background(), entry("galaxy", "Daraz")); err != nil {
		t.Fatalf("append: %v", err)
	}
	if len(fk.msgs) != 1 {
		t.Fatalf("want 1 msg, got %d", len(fk.msgs))
	}
	if string(fk.msgs[0].Key) != "galaxy" {
		t.Fatalf("bad key: %s", string(fk.msgs[0].Key))
	}
	var e Entry
	if err := json.Unmarshal(fk.msgs[0].Value, &e); err != nil || e.Marketplace != "Daraz" {
		t.Fatalf("bad value: %+v err=%v", e, err)
	}
}

func TestKafkaWriter_Append_Fail(t *testing.T) {
	kw := NewKafkaWriterWith(&fakeKafkaWriter{fail: true})
	if err := kw.Append(context.Background(), entry("galaxy", "Daraz")); err == nil {
		t.Fatalf("expected error")
	}
}

func TestMultiWriter_ContinuesPastFailure(t *testing.T) {
	bad := &fakeKafkaWriter{fail: true}
	good := &fakeKafkaWriter{}
	mw := NewMultiWriter(NewKafkaWriterWith(bad), NewKafkaWriterWith(good))
	if err := mw.Append(context.Background(), entry("tv", "Daraz")); err == nil {
		t.Fatalf("expected joined error")
	}
	if len(good.msgs) != 1 {
		t.Fatalf("healthy writer skipped")
	}
}

func TestSplitBrokers(t *testing.T) {
	got := SplitBrokers(" a:9092, ,b:9092")
	if len(got) != 2 || got[0] != "a:9092" || got[1] != "b:9092" {
		t.Fatalf("got %v", got)
	}
}
