package stream

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/rs/zerolog"

	"pricescout/internal/model"
	"pricescout/internal/orchestrator"
)

type fakeSearcher struct {
	events   []model.StreamEvent
	err      error
	block    bool
	started  chan struct{}
	canceled chan struct{}
	// linger keeps Orchestrate running after DONE, like a slow cache write.
	linger time.Duration
}

func (f *fakeSearcher) Orchestrate(ctx context.Context, q string, emit func(model.StreamEvent)) (orchestrator.Outcome, error) {
	if !model.ValidQuery(model.NormalizeQuery(q)) {
		return orchestrator.Outcome{}, orchestrator.ErrInvalidQuery
	}
	if f.started != nil {
		close(f.started)
	}
	if f.block {
		<-ctx.Done()
		if f.canceled != nil {
			close(f.canceled)
		}
		return orchestrator.Outcome{}, ctx.Err()
	}
	for _, ev := range f.events {
		emit(ev)
	}
	emit(model.DoneEvent())
	time.Sleep(f.linger)
	return orchestrator.Outcome{}, f.err
}

func serve(t *testing.T, s Searcher, obs Observer) string {
	t.Helper()
	srv := httptest.NewServer(NewHandler(s, zerolog.Nop(), HandlerOptions{Observer: obs}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func collect(t *testing.T, url, query string) []model.StreamEvent {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, err := Dial(ctx, url)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer c.Close()
	var got []model.StreamEvent
	if err := c.Search(ctx, query, func(ev model.StreamEvent) { got = append(got, ev) }); err != nil {
		t.Fatalf("search: %v", err)
	}
	return got
}

func TestSession_Transitions(t *testing.T) {
	s := NewSession()
	if s.State() != StateIdle || s.ID == "" {
		t.Fatalf("new session: %v %q", s.State(), s.ID)
	}
	if err := s.Begin("tv"); err != nil {
		t.Fatalf("begin: %v", err)
	}
	if err := s.Begin("radio"); !errors.Is(err, ErrQueryInFlight) {
		t.Fatalf("want ErrQueryInFlight, got %v", err)
	}
	s.Complete()
	if err := s.Begin("radio"); !errors.Is(err, ErrSessionCompleted) {
		t.Fatalf("want ErrSessionCompleted, got %v", err)
	}
	if s.Query() != "tv" || s.State() != StateCompleted {
		t.Fatalf("state=%v query=%q", s.State(), s.Query())
	}
}

func TestStream_EventsEndWithDone(t *testing.T) {
	fs := &fakeSearcher{events: []model.StreamEvent{
		model.ErrorEvent(model.Daraz, "timed out after 15s"),
		model.ResultEvent(model.PriceOye, []model.Listing{{Name: "iPhone 13", Price: model.Price(145000), URL: "u1", Marketplace: model.PriceOye}}, false),
		model.NoResultsEvent(model.Telemart),
	}}
	var mu sync.Mutex
	var observed []string
	url := serve(t, fs, func(sid, q string, ev model.StreamEvent) {
		mu.Lock()
		observed = append(observed, sid+"|"+q+"|"+string(ev.Type))
		mu.Unlock()
	})
	got := collect(t, url, "phone")
	if len(got) != 4 || got[3].Type != model.EventDone {
		t.Fatalf("events: %+v", got)
	}
	if got[1].Products[0].Price == nil || *got[1].Products[0].Price != 145000 {
		t.Fatalf("products lost in transit: %+v", got[1])
	}
	mu.Lock()
	defer mu.Unlock()
	if len(observed) != 4 || !strings.Contains(observed[0], "|phone|ERROR") {
		t.Fatalf("observer saw %v", observed)
	}
}

func TestStream_InvalidQueryReportsErrorThenDone(t *testing.T) {
	got := collect(t, serve(t, &fakeSearcher{}, nil), " x ")
	if len(got) != 2 || got[0].Type != model.EventError || got[0].Marketplace != "" || got[1].Type != model.EventDone {
		t.Fatalf("events: %+v", got)
	}
}

func TestStream_AllSourcesFailedStillCloses(t *testing.T) {
	fs := &fakeSearcher{
		events: []model.StreamEvent{model.ErrorEvent(model.Daraz, "down")},
		err:    &orchestrator.AllSourcesFailedError{Query: "tv"},
	}
	got := collect(t, serve(t, fs, nil), "tv")
	if len(got) != 2 || got[1].Type != model.EventDone {
		t.Fatalf("events: %+v", got)
	}
}

func TestStream_SecondQueryRejected(t *testing.T) {
	fs := &fakeSearcher{block: true, started: make(chan struct{}), canceled: make(chan struct{})}
	url := serve(t, fs, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.CloseNow()
	if err := wsjson.Write(ctx, conn, Request{Query: "tv"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	<-fs.started
	if err := wsjson.Write(ctx, conn, Request{Query: "radio"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	var ev model.StreamEvent
	if err := wsjson.Read(ctx, conn, &ev); err != nil {
		t.Fatalf("read: %v", err)
	}
	if ev.Type != model.EventError || ev.Message != ErrQueryInFlight.Error() {
		t.Fatalf("want in-flight error, got %+v", ev)
	}

	// Dropping the connection cancels only the streaming context.
	conn.CloseNow()
	select {
	case <-fs.canceled:
	case <-time.After(2 * time.Second):
		t.Fatalf("search context not canceled after disconnect")
	}
}

func TestStream_NothingAfterDone(t *testing.T) {
	fs := &fakeSearcher{linger: 300 * time.Millisecond}
	url := serve(t, fs, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.CloseNow()
	if err := wsjson.Write(ctx, conn, Request{Query: "tv"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	var ev model.StreamEvent
	if err := wsjson.Read(ctx, conn, &ev); err != nil {
		t.Fatalf("read: %v", err)
	}
	if ev.Type != model.EventDone {
		t.Fatalf("want DONE, got %+v", ev)
	}
	if err := wsjson.Write(ctx, conn, Request{Query: "radio"}); err != nil {
		t.Fatalf("write second query: %v", err)
	}
	var extra model.StreamEvent
	err = wsjson.Read(ctx, conn, &extra)
	if err == nil {
		t.Fatalf("event after DONE: %+v", extra)
	}
	if got := websocket.CloseStatus(err); got != websocket.StatusNormalClosure {
		t.Fatalf("want normal closure after DONE, got %v (%v)", got, err)
	}
}

func TestClient_SearchOnce(t *testing.T) {
	url := serve(t, &fakeSearcher{}, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, err := Dial(ctx, url)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer c.Close()
	if err := c.Search(ctx, "tv", func(model.StreamEvent) {}); err != nil {
		t.Fatalf("search: %v", err)
	}
	if err := c.Search(ctx, "tv", func(model.StreamEvent) {}); !errors.Is(err, ErrSessionCompleted) {
		t.Fatalf("want ErrSessionCompleted, got %v", err)
	}
}

func TestDial_Timeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-release:
		}
	}))
	defer srv.Close()
	defer close(release)
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	start := time.Now()
	_, err := Dialer{Timeout: 100 * time.Millisecond}.Dial(context.Background(), url)
	if !errors.Is(err, ErrConnectionTimeout) {
		t.Fatalf("want ErrConnectionTimeout, got %v", err)
	}
	if time.Since(start) > 2*time.Second {
		t.Fatalf("dial did not honour timeout")
	}
}
