package cache

import (
	"context"
	"testing"
	"time"

	badger "github.com/dgraph-io/badger/v4"

	"pricescout/internal/model"
)

func TestPebbleStore_ReopenKeepsSetsAndIndex(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	clk := newFakeClock()
	opts := Options{Now: clk.Now}

	st, err := NewPebbleStore(dir, opts)
	if err != nil {
		t.Fatalf("pebble open: %v", err)
	}
	if _, err := st.Upsert(ctx, "galaxy", model.Daraz, phones("daraz.pk")); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := st.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	st, err = NewPebbleStore(dir, opts)
	if err != nil {
		t.Fatalf("pebble reopen: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	got, ok, err := st.Get(ctx, "galaxy")
	if err != nil || !ok || got.ResultCount != 2 {
		t.Fatalf("after reopen: %+v ok=%v err=%v", got, ok, err)
	}
	found, err := st.FindSubstring(ctx, "s24", FindOptions{})
	if err != nil || len(found) != 1 {
		t.Fatalf("index after reopen: %+v err=%v", found, err)
	}
}

func TestKVStore_AppendDropsStaleIndexEntries(t *testing.T) {
	ctx := context.Background()
	clk := newFakeClock()
	st, err := NewPebbleStore(t.TempDir(), Options{Now: clk.Now})
	if err != nil {
		t.Fatalf("pebble open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	if _, err := st.Upsert(ctx, "tv", model.Daraz, []model.Listing{{Name: "Plasma", URL: "u1"}}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	clk.Advance(8 * 24 * time.Hour)
	// Expired set is replaced; the old name must no longer be indexed.
	if _, err := st.Upsert(ctx, "tv", model.Daraz, []model.Listing{{Name: "OLED", URL: "u2"}}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	qs, err := st.postings("pla")
	if err != nil {
		t.Fatalf("postings: %v", err)
	}
	if len(qs) != 0 {
		t.Fatalf("stale postings left: %v", qs)
	}
	recent, err := st.Recent(ctx, 0)
	if err != nil || len(recent) != 1 {
		t.Fatalf("recency index duplicated: %+v err=%v", recent, err)
	}
}

func TestBadgerStore_WritesCarryTTL(t *testing.T) {
	ctx := context.Background()
	clk := newFakeClock()
	st, err := NewBadgerStore(t.TempDir(), Options{Retention: time.Hour, Now: clk.Now})
	if err != nil {
		t.Fatalf("badger open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	if _, err := st.Upsert(ctx, "tv", model.Daraz, phones("daraz.pk")); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	eng := st.engine.(*badgerEngine)
	err = eng.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(setKey("tv")))
		if err != nil {
			return err
		}
		if item.ExpiresAt() == 0 {
			t.Errorf("set key written without TTL")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("view: %v", err)
	}
}

func TestPrefixEnd(t *testing.T) {
	cases := map[string]string{
		"g\x00":    "g\x01",
		"a\xff":    "b",
		"\xff\xff": "",
	}
	for in, want := range cases {
		if got := string(prefixEnd([]byte(in))); got != want {
			t.Fatalf("prefixEnd(%q)=%q want %q", in, got, want)
		}
	}
}

func TestOpen_Backends(t *testing.T) {
	ctx := context.Background()
	for _, b := range []string{BackendMemory, BackendPebble, BackendBadger} {
		st, err := Open(ctx, b, t.TempDir(), PostgresOptions{}, Options{})
		if err != nil {
			t.Fatalf("%s: %v", b, err)
		}
		if _, err := st.Upsert(ctx, "tv", "Daraz", []model.Listing{{Name: "LED TV", URL: "u"}}); err != nil {
			t.Fatalf("%s upsert: %v", b, err)
		}
		if err := st.Close(); err != nil {
			t.Fatalf("%s close: %v", b, err)
		}
	}
	if _, err := Open(ctx, "redis", "", PostgresOptions{}, Options{}); err == nil {
		t.Fatalf("want error for unknown backend")
	}
}
