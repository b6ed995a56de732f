package cache

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"pricescout/internal/model"
)

func TestUpsert_ConcurrentMarketplacesAllSurvive(t *testing.T) {
	ctx := context.Background()
	clk := newFakeClock()
	markets := []string{model.Daraz, model.PriceOye, model.Telemart, model.Shophive, model.IShopping}
	for name, s := range openStores(t, clk) {
		t.Run(name, func(t *testing.T) {
			var wg sync.WaitGroup
			for _, m := range markets {
				m := m
				wg.Add(1)
				go func() {
					defer wg.Done()
					for i := 0; i < 20; i++ {
						if _, err := s.Upsert(ctx, "laptop", m, phones(m)); err != nil {
							t.Errorf("upsert %s: %v", m, err)
							return
						}
					}
				}()
			}
			wg.Wait()

			got, ok, err := s.Get(ctx, "laptop")
			if err != nil || !ok {
				t.Fatalf("get: ok=%v err=%v", ok, err)
			}
			if got.ResultCount != 2*len(markets) {
				t.Fatalf("count=%d want=%d", got.ResultCount, 2*len(markets))
			}
			for _, m := range markets {
				if n := len(got.ByMarketplace()[m]); n != 2 {
					t.Fatalf("%s has %d listings, want 2", m, n)
				}
			}
		})
	}
}

func TestUpsert_ConcurrentQueries(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(Options{})
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		q := fmt.Sprintf("query-%02d", i)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.Upsert(ctx, q, model.Daraz, phones("daraz.pk")); err != nil {
				t.Errorf("upsert: %v", err)
			}
			if _, err := s.FindSubstring(ctx, "galaxy", FindOptions{}); err != nil {
				t.Errorf("find: %v", err)
			}
		}()
	}
	wg.Wait()
	all, err := s.Recent(ctx, 0)
	if err != nil || len(all) != 16 {
		t.Fatalf("recent=%d err=%v", len(all), err)
	}
}
