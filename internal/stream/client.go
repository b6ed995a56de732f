package stream

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"pricescout/internal/model"
)

// DefaultDialTimeout is how long Dial waits for the socket to open.
const DefaultDialTimeout = 5 * time.Second

type Dialer struct {
	Timeout    time.Duration
	HTTPClient *http.Client
}

// Client is one streaming connection; it carries exactly one query.
type Client struct {
	conn *websocket.Conn
	sess *Session
}

// Dial opens a connection with the default timeout.
func Dial(ctx context.Context, url string) (*Client, error) {
	return Dialer{}.Dial(ctx, url)
}

func (d Dialer) Dial(ctx context.Context, url string) (*Client, error) {
	timeout := d.Timeout
	if timeout <= 0 {
		timeout = DefaultDialTimeout
	}
	dctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	conn, _, err := websocket.Dial(dctx, url, &websocket.DialOptions{HTTPClient: d.HTTPClient})
	if err != nil {
		if dctx.Err() != nil && ctx.Err() == nil {
			return nil, fmt.Errorf("%w: %s not open after %s", ErrConnectionTimeout, url, timeout)
		}
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	conn.SetReadLimit(8 << 20)
	return &Client{conn: conn, sess: NewSession()}, nil
}

// Search sends query and calls fn for every event until DONE. A Client can
// only search once.
func (c *Client) Search(ctx context.Context, query string, fn func(model.StreamEvent)) error {
	if err := c.sess.Begin(query); err != nil {
		return err
	}
	defer c.sess.Complete()
	if err := wsjson.Write(ctx, c.conn, Request{Query: query}); err != nil {
		return fmt.Errorf("send query: %w", err)
	}
	for {
		var ev model.StreamEvent
		if err := wsjson.Read(ctx, c.conn, &ev); err != nil {
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
				return errors.New("server closed the stream before DONE")
			}
			return fmt.Errorf("read event: %w", err)
		}
		fn(ev)
		if ev.Type == model.EventDone {
			return nil
		}
	}
}

func (c *Client) Close() error {
	return c.conn.Close(websocket.StatusNormalClosure, "")
}
