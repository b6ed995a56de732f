package restore

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"

	"pricescout/internal/cache"
	"pricescout/internal/changelog"
	"pricescout/internal/manifest"
	"pricescout/internal/model"
	"pricescout/internal/snapshot"
)

var t0 = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func clock() time.Time { return t0 }

func entry(q, m string, at time.Time) changelog.Entry {
	return changelog.Entry{
		Query:       q,
		Marketplace: m,
		Listings:    []model.Listing{{Name: q + " at " + m, Price: model.Price(100), URL: m + "/" + q}},
		SearchedAt:  at,
	}
}

func writeLog(t *testing.T, dir string, entries ...changelog.Entry) *changelog.FileWriter {
	t.Helper()
	w, err := changelog.NewFileWriter(dir, "cache.jsonl")
	if err != nil {
		t.Fatalf("changelog: %v", err)
	}
	for _, e := range entries {
		if err := w.Append(context.Background(), e); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	return w
}

func TestRestoreAndReplay_SnapshotPlusTail(t *testing.T) {
	ctx := context.Background()
	base := t.TempDir()
	opts := cache.Options{Now: clock}

	// Snapshot holds galaxy@Daraz; the changelog holds that same entry (line 1,
	// covered by the manifest offset) and a tail.
	prep := cache.NewMemoryStore(opts)
	if _, err := prep.Upsert(ctx, "galaxy", model.Daraz, entry("galaxy", model.Daraz, t0).Listings); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	snaps := snapshot.NewFilesystemSnapshotter(filepath.Join(base, "snapshots"))
	if _, err := snaps.WriteSnapshot(ctx, "sid-1", prep); err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	mf := manifest.NewFilesystemManifest(base)
	if err := mf.PublishLatest(ctx, manifest.Manifest{SnapshotID: "sid-1", LastChangelogOffset: 1}); err != nil {
		t.Fatalf("manifest: %v", err)
	}
	w := writeLog(t, filepath.Join(base, "changelog"),
		entry("galaxy", model.Daraz, t0.Add(-time.Hour)),
		entry("galaxy", model.Daraz, t0.Add(-time.Minute)),   // duplicate marketplace: skipped
		entry("galaxy", model.PriceOye, t0.Add(-time.Minute)), // appended
		entry("iphone", model.Telemart, t0.Add(-time.Minute)), // new set
		entry("vcr", model.Telemart, t0.Add(-30*24*time.Hour)), // applied but expired
	)

	st := cache.NewMemoryStore(opts)
	r := NewRestorer(st, snaps, mf, Options{Now: clock, Log: zerolog.Nop()})
	res, err := r.RestoreAndReplay(ctx, FileSource{Path: w.Path()})
	if err != nil {
		t.Fatalf("RestoreAndReplay: %v", err)
	}
	if res.Restored != 1 || res.Applied != 3 || res.Skipped != 1 || res.Expired != 1 || res.Loaded != 2 {
		t.Fatalf("result unexpected: %+v", res)
	}
	galaxy, ok, _ := st.Get(ctx, "galaxy")
	if !ok || galaxy.ResultCount != 2 || !galaxy.HasMarketplace(model.PriceOye) {
		t.Fatalf("galaxy: %+v", galaxy)
	}
	if _, ok, _ := st.Get(ctx, "vcr"); ok {
		t.Fatalf("expired set restored")
	}
	if res.ReplayBytes == 0 {
		t.Fatalf("replay bytes not counted")
	}
}

func TestRestoreAndReplay_Idempotent(t *testing.T) {
	ctx := context.Background()
	base := t.TempDir()
	w := writeLog(t, base,
		entry("tv", model.Daraz, t0),
		entry("tv", model.Shophive, t0),
	)
	mf := manifest.NewFilesystemManifest(base)
	run := func() (Result, *cache.MemoryStore) {
		st := cache.NewMemoryStore(cache.Options{Now: clock})
		res, err := NewRestorer(st, nil, mf, Options{Now: clock}).RestoreAndReplay(ctx, FileSource{Path: w.Path()})
		if err != nil {
			t.Fatalf("restore: %v", err)
		}
		return res, st
	}
	first, st := run()
	if first.SnapshotID != "" || first.Applied != 2 {
		t.Fatalf("no-manifest restore: %+v", first)
	}
	// Replaying the same log twice into the same state changes nothing.
	_ = w.Append(ctx, entry("tv", model.Daraz, t0))
	_ = w.Append(ctx, entry("tv", model.Shophive, t0))
	second, st2 := run()
	if second.Applied != 2 || second.Skipped != 2 {
		t.Fatalf("replay with duplicates: %+v", second)
	}
	a, _, _ := st.Get(ctx, "tv")
	b, _, _ := st2.Get(ctx, "tv")
	if a.ResultCount != b.ResultCount {
		t.Fatalf("replay not idempotent: %d vs %d", a.ResultCount, b.ResultCount)
	}
}

func TestRestoreAndReplay_MissingSnapshotReplaysAll(t *testing.T) {
	ctx := context.Background()
	base := t.TempDir()
	w := writeLog(t, base, entry("tv", model.Daraz, t0))
	mf := manifest.NewFilesystemManifest(base)
	if err := mf.PublishLatest(ctx, manifest.Manifest{SnapshotID: "gone", LastChangelogOffset: 1}); err != nil {
		t.Fatalf("manifest: %v", err)
	}
	st := cache.NewMemoryStore(cache.Options{Now: clock})
	r := NewRestorer(st, snapshot.NewFilesystemSnapshotter(base), mf, Options{Now: clock})
	res, err := r.RestoreAndReplay(ctx, FileSource{Path: w.Path()})
	if err != nil {
		t.Fatalf("restore: %v", err)
	}
	if res.Applied != 1 {
		t.Fatalf("offset should reset without snapshot: %+v", res)
	}
}

func TestReplay_MalformedLine(t *testing.T) {
	ctx := context.Background()
	base := t.TempDir()
	path := filepath.Join(base, "bad.jsonl")
	good, _ := json.Marshal(entry("tv", model.Daraz, t0))
	if err := os.WriteFile(path, append(append(good, '\n'), []byte("{bad json}\n")...), 0o644); err != nil {
		t.Fatal(err)
	}
	st := cache.NewMemoryStore(cache.Options{Now: clock})
	r := NewRestorer(st, nil, manifest.NewFilesystemManifest(base), Options{Now: clock})
	if _, err := r.RestoreAndReplay(ctx, FileSource{Path: path}); err == nil {
		t.Fatalf("expected error for malformed JSONL")
	}
}

func TestFileSource_CountsRawBytes(t *testing.T) {
	dir := t.TempDir()
	w := writeLog(t, dir, entry("tv", model.Daraz, t0), entry("tv", model.PriceOye, t0))
	fi, err := os.Stat(w.Path())
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	n, err := FileSource{Path: w.Path()}.Replay(context.Background(), 0, func(changelog.Entry) error { return nil })
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if n != fi.Size() {
		t.Fatalf("replayed %d bytes, file holds %d", n, fi.Size())
	}
}

func TestFileSource_MissingFileIsEmpty(t *testing.T) {
	n, err := FileSource{Path: filepath.Join(t.TempDir(), "none.jsonl")}.Replay(context.Background(), 0, func(changelog.Entry) error {
		t.Fatalf("no entries expected")
		return nil
	})
	if err != nil || n != 0 {
		t.Fatalf("n=%d err=%v", n, err)
	}
}

type fakeReader struct {
	msgs []kafka.Message
}

func (f *fakeReader) ReadMessage(ctx context.Context) (kafka.Message, error) {
	if len(f.msgs) == 0 {
		<-ctx.Done()
		return kafka.Message{}, ctx.Err()
	}
	m := f.msgs[0]
	f.msgs = f.msgs[1:]
	return m, nil
}

func (f *fakeReader) Close() error { return nil }

func TestKafkaSource_SkipsOffsetAndStopsWhenIdle(t *testing.T) {
	var msgs []kafka.Message
	for _, m := range []string{model.Daraz, model.PriceOye, model.Telemart} {
		b, _ := json.Marshal(entry("tv", m, t0))
		msgs = append(msgs, kafka.Message{Key: []byte("tv"), Value: b})
	}
	src := &KafkaSource{open: func() kafkaMessageReader { return &fakeReader{msgs: msgs} }, Idle: 20 * time.Millisecond}
	var got []string
	n, err := src.Replay(context.Background(), 1, func(e changelog.Entry) error {
		got = append(got, e.Marketplace)
		return nil
	})
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if len(got) != 2 || got[0] != model.PriceOye || n == 0 {
		t.Fatalf("got=%v bytes=%d", got, n)
	}
}

func TestSourceSelection(t *testing.T) {
	if _, err := ManifestReader("kafka", "", nil, "t", "k"); err == nil {
		t.Fatalf("kafka manifest without brokers accepted")
	}
	if r, err := ManifestReader("file", t.TempDir(), nil, "", ""); err != nil || r == nil {
		t.Fatalf("file manifest: %v", err)
	}
	if _, err := ChangelogSource("s3", "", nil, ""); err == nil {
		t.Fatalf("unknown source accepted")
	}
	src, err := ChangelogSource("kafka", "", []string{"localhost:9092"}, "cl")
	if err != nil {
		t.Fatalf("kafka source: %v", err)
	}
	if _, ok := src.(*KafkaSource); !ok {
		t.Fatalf("got %T", src)
	}
}
