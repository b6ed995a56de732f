package model

// EventKind discriminates stream events.
type EventKind string

const (
	EventResult    EventKind = "RESULT"
	EventNoResults EventKind = "NO_RESULTS"
	EventError     EventKind = "ERROR"
	EventDone      EventKind = "DONE"
)

// StreamEvent is one progress message for an in-flight query.
// Cached is set on RESULT events replayed from the result cache.
type StreamEvent struct {
	Type        EventKind `json:"type"`
	Marketplace string    `json:"marketplace,omitempty"`
	Products    []Listing `json:"products,omitempty"`
	Message     string    `json:"message,omitempty"`
	Cached      bool      `json:"cached,omitempty"`
}

func ResultEvent(marketplace string, products []Listing, cached bool) StreamEvent {
	return StreamEvent{Type: EventResult, Marketplace: marketplace, Products: products, Cached: cached}
}

func NoResultsEvent(marketplace string) StreamEvent {
	return StreamEvent{Type: EventNoResults, Marketplace: marketplace}
}

func ErrorEvent(marketplace, message string) StreamEvent {
	return StreamEvent{Type: EventError, Marketplace: marketplace, Message: message}
}

func DoneEvent() StreamEvent { return StreamEvent{Type: EventDone} }

// Suggestion is one autocomplete entry. Price is nil for catalog suggestions.
type Suggestion struct {
	Text        string   `json:"text"`
	Marketplace string   `json:"marketplace"`
	Price       *float64 `json:"price"`
}
