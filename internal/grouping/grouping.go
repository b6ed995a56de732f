// Package grouping merges cross-marketplace listings into per-product groups
// ranked by their cheapest offer.
package grouping

import (
	"encoding/json"
	"math"
	"sort"

	"pricescout/internal/model"
)

// ProductGroup is a cross-marketplace view of one product.
// CheapestPrice is +Inf when no offer carries a price.
type ProductGroup struct {
	IdentityKey         string
	Name                string
	URL                 string
	ImageURL            string
	Offers              []model.Listing
	CheapestPrice       float64
	CheapestMarketplace string
}

// Available reports whether at least one offer has a price.
func (g ProductGroup) Available() bool { return !math.IsInf(g.CheapestPrice, 1) }

// MarshalJSON encodes the +Inf sentinel as null.
func (g ProductGroup) MarshalJSON() ([]byte, error) {
	var cheapest *float64
	if g.Available() {
		p := g.CheapestPrice
		cheapest = &p
	}
	return json.Marshal(struct {
		IdentityKey         string          `json:"identityKey"`
		Name                string          `json:"name"`
		URL                 string          `json:"url"`
		ImageURL            string          `json:"imageUrl,omitempty"`
		Offers              []model.Listing `json:"marketplaceOffers"`
		CheapestPrice       *float64        `json:"cheapestPrice"`
		CheapestMarketplace string          `json:"cheapestMarketplace,omitempty"`
	}{g.IdentityKey, g.Name, g.URL, g.ImageURL, g.Offers, cheapest, g.CheapestMarketplace})
}

// Stats reports what Group did with its input.
type Stats struct {
	Input   int
	Invalid int
	Groups  int
}

// Group merges listings into product groups. It does not modify its input.
func Group(listings []model.Listing) []ProductGroup {
	groups, _ := GroupWithStats(listings)
	return groups
}

// GroupWithStats is Group plus counts of input and dropped listings.
func GroupWithStats(listings []model.Listing) ([]ProductGroup, Stats) {
	st := Stats{Input: len(listings)}
	index := make(map[string]int)
	var groups []ProductGroup
	for _, l := range listings {
		key := l.IdentityKey()
		if key == "" {
			st.Invalid++
			continue
		}
		i, ok := index[key]
		if !ok {
			i = len(groups)
			index[key] = i
			groups = append(groups, ProductGroup{IdentityKey: key, Name: l.Name, URL: l.URL})
		}
		groups[i].Offers = append(groups[i].Offers, l)
	}

	for i := range groups {
		g := &groups[i]
		sortOffers(g.Offers)
		g.CheapestPrice = math.Inf(1)
		for _, o := range g.Offers {
			if g.ImageURL == "" && o.ImageURL != "" {
				g.ImageURL = o.ImageURL
			}
		}
		if first := g.Offers[0]; first.Price != nil {
			g.CheapestPrice = *first.Price
			g.CheapestMarketplace = first.Marketplace
		}
	}
	sort.SliceStable(groups, func(a, b int) bool {
		return groups[a].CheapestPrice < groups[b].CheapestPrice
	})
	st.Groups = len(groups)
	return groups, st
}

// sortOffers orders offers by ascending price; unpriced offers go last and
// equal prices keep their input order.
func sortOffers(offers []model.Listing) {
	sort.SliceStable(offers, func(a, b int) bool {
		return priceKey(offers[a]) < priceKey(offers[b])
	})
}

func priceKey(l model.Listing) float64 {
	if l.Price == nil {
		return math.Inf(1)
	}
	return *l.Price
}
