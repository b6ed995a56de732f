package model

import (
	"testing"
	"time"
)

func TestNormalizeQuery(t *testing.T) {
	if got := NormalizeQuery("  iPhone 13 "); got != "iphone 13" {
		t.Fatalf("NormalizeQuery: got=%q", got)
	}
	if ValidQuery(NormalizeQuery(" a ")) {
		t.Fatalf("single rune query should be invalid")
	}
	if !ValidQuery("tv") {
		t.Fatalf("two rune query should be valid")
	}
	if !ValidQuery("фо") {
		t.Fatalf("length counts runes, not bytes")
	}
}

func TestIdentityKey(t *testing.T) {
	if k := (Listing{Name: "n", URL: " u1 "}).IdentityKey(); k != "u1" {
		t.Fatalf("url should win: %q", k)
	}
	if k := (Listing{Name: "n"}).IdentityKey(); k != "n" {
		t.Fatalf("name fallback: %q", k)
	}
	if k := (Listing{}).IdentityKey(); k != "" {
		t.Fatalf("empty listing key: %q", k)
	}
}

func TestResultSet_CountAndExpiry(t *testing.T) {
	at := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	s := NewResultSet("phone", []Listing{{Name: "a", Marketplace: Daraz}}, at)
	if s.ResultCount != len(s.Listings) || s.ResultCount != 1 {
		t.Fatalf("bad count: %+v", s)
	}
	if !s.HasMarketplace(Daraz) || s.HasMarketplace(PriceOye) {
		t.Fatalf("HasMarketplace mismatch")
	}
	week := 7 * 24 * time.Hour
	if s.Expired(at.Add(week-time.Second), week) {
		t.Fatalf("should not be expired just before retention")
	}
	if !s.Expired(at.Add(week), week) {
		t.Fatalf("should be expired at retention")
	}
}
