package stream

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/rs/zerolog"

	"pricescout/internal/metrics"
	"pricescout/internal/model"
	"pricescout/internal/orchestrator"
)

// Request is the single client message on a connection.
type Request struct {
	Query string `json:"query"`
}

// Searcher is the orchestrator surface the handler needs.
type Searcher interface {
	Orchestrate(ctx context.Context, query string, emit func(model.StreamEvent)) (orchestrator.Outcome, error)
}

// Observer sees every event written to a client, e.g. to publish it to a feed.
type Observer func(sessionID, query string, ev model.StreamEvent)

type HandlerOptions struct {
	// ReadTimeout bounds the wait for the query message.
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	// OriginPatterns are passed to websocket.Accept; empty allows same-origin only.
	OriginPatterns []string
	Observer       Observer
	Metrics        *metrics.Registry
}

type Handler struct {
	search Searcher
	log    zerolog.Logger
	opts   HandlerOptions
}

func NewHandler(s Searcher, log zerolog.Logger, opts HandlerOptions) *Handler {
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = 30 * time.Second
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 10 * time.Second
	}
	return &Handler{search: s, log: log.With().Str("component", "stream").Logger(), opts: opts}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: h.opts.OriginPatterns})
	if err != nil {
		h.log.Debug().Err(err).Msg("websocket accept failed")
		return
	}
	defer conn.CloseNow()
	if m := h.opts.Metrics; m != nil {
		m.ActiveSessions.Inc()
		defer m.ActiveSessions.Dec()
	}

	sess := NewSession()
	log := h.log.With().Str("session", sess.ID).Logger()
	h.serve(r.Context(), conn, sess, log)
}

func (h *Handler) serve(parent context.Context, conn *websocket.Conn, sess *Session, log zerolog.Logger) {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	var req Request
	rctx, rcancel := context.WithTimeout(ctx, h.opts.ReadTimeout)
	err := wsjson.Read(rctx, conn, &req)
	rcancel()
	if err != nil {
		log.Debug().Err(err).Msg("no query received")
		return
	}
	if err := sess.Begin(req.Query); err != nil {
		return
	}

	// DONE closes the stream: once it is written the session is completed and
	// later writes, including rejections of extra queries, are dropped.
	var (
		wmu  sync.Mutex
		done bool
	)
	write := func(ev model.StreamEvent) {
		wmu.Lock()
		defer wmu.Unlock()
		if done {
			return
		}
		if ev.Type == model.EventDone {
			done = true
			sess.Complete()
		}
		if h.opts.Observer != nil {
			h.opts.Observer(sess.ID, sess.Query(), ev)
		}
		wctx, wcancel := context.WithTimeout(ctx, h.opts.WriteTimeout)
		defer wcancel()
		if err := wsjson.Write(wctx, conn, ev); err != nil {
			// Client is gone; stop streaming but let adapters finish.
			cancel()
		}
	}

	// Any further message is a second query on this connection. A read error
	// means the client went away.
	go func() {
		for {
			var extra Request
			if err := wsjson.Read(ctx, conn, &extra); err != nil {
				cancel()
				return
			}
			if err := sess.Begin(extra.Query); err != nil {
				write(model.ErrorEvent("", err.Error()))
			}
		}
	}()

	_, err = h.search.Orchestrate(ctx, req.Query, write)
	switch {
	case errors.Is(err, orchestrator.ErrInvalidQuery):
		write(model.ErrorEvent("", err.Error()))
		write(model.DoneEvent())
	case errors.Is(err, context.Canceled):
		log.Debug().Msg("client disconnected mid-query")
		sess.Complete()
		return
	case err != nil && !errors.Is(err, orchestrator.ErrAllSourcesFailed):
		log.Warn().Err(err).Msg("search failed")
	}
	sess.Complete()
	conn.Close(websocket.StatusNormalClosure, "done")
}
