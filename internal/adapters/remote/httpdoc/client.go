// Package httpdoc implements remote.DocumentStore against the document API
// served by docapi: REST for writes and queries, a websocket for change feeds.
package httpdoc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/coder/websocket"
	"golang.org/x/oauth2"

	"github.com/evanschultz/tandem/internal/adapters/server/docapi"
	"github.com/evanschultz/tandem/internal/remote"
)

// defaultTimeout bounds one REST round trip.
const defaultTimeout = 15 * time.Second

// feedReadLimit bounds one change frame; snapshots carry every owned document.
const feedReadLimit = 32 << 20

// Options configures a Client.
type Options struct {
	// Token is sent as a bearer token when non-empty.
	Token string
	// Timeout bounds each REST call. Zero uses 15s.
	Timeout time.Duration
	// HTTPClient overrides the base transport client.
	HTTPClient *http.Client
	Logger     *log.Logger
}

// Client is a remote.DocumentStore over HTTP.
type Client struct {
	base    *url.URL
	http    *http.Client
	tokens  oauth2.TokenSource
	timeout time.Duration
	logger  *log.Logger
}

var _ remote.DocumentStore = (*Client)(nil)

// New builds a client for the document API at baseURL.
func New(baseURL string, opts Options) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(strings.TrimSpace(baseURL), "/"))
	if err != nil {
		return nil, fmt.Errorf("parse remote url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("remote url %q must be http or https", baseURL)
	}
	base := opts.HTTPClient
	if base == nil {
		base = &http.Client{}
	}
	c := &Client{
		base:    u,
		http:    base,
		timeout: opts.Timeout,
		logger:  opts.Logger,
	}
	if c.timeout <= 0 {
		c.timeout = defaultTimeout
	}
	if c.logger == nil {
		c.logger = log.New(io.Discard)
	}
	if tok := strings.TrimSpace(opts.Token); tok != "" {
		c.tokens = oauth2.StaticTokenSource(&oauth2.Token{AccessToken: tok, TokenType: "Bearer"})
		ctx := context.WithValue(context.Background(), oauth2.HTTPClient, base)
		c.http = oauth2.NewClient(ctx, c.tokens)
	}
	return c, nil
}

// Put upserts one document. A 409 carries the stored document for reconciliation.
func (c *Client) Put(ctx context.Context, collection string, doc remote.Document) (remote.Document, error) {
	body, err := json.Marshal(doc)
	if err != nil {
		return remote.Document{}, fmt.Errorf("%w: encode document: %w", remote.ErrRejected, err)
	}
	endpoint := c.endpoint("v1", "collections", collection, "documents", doc.ID)
	var stored remote.Document
	if err := c.do(ctx, http.MethodPut, endpoint, body, &stored); err != nil {
		return remote.Document{}, err
	}
	return stored, nil
}

// Query returns every document userID owns in collection.
func (c *Client) Query(ctx context.Context, collection, userID string) ([]remote.Document, error) {
	endpoint := c.endpoint("v1", "collections", collection, "documents") + "?" + url.Values{"user_id": {userID}}.Encode()
	var out docapi.QueryResponse
	if err := c.do(ctx, http.MethodGet, endpoint, nil, &out); err != nil {
		return nil, err
	}
	if out.Documents == nil {
		out.Documents = []remote.Document{}
	}
	return out.Documents, nil
}

// Listen opens a websocket change feed. Frames are delivered to fn in order
// from one goroutine; a dropped connection ends the feed with ErrOffline.
func (c *Client) Listen(ctx context.Context, collection, userID string, fn func(remote.Change)) (remote.Feed, error) {
	if fn == nil {
		return nil, errors.New("listen callback is required")
	}
	wsURL := c.endpoint("v1", "collections", collection, "feed") + "?" + url.Values{"user_id": {userID}}.Encode()
	if rest, ok := strings.CutPrefix(wsURL, "https"); ok {
		wsURL = "wss" + rest
	} else {
		wsURL = "ws" + strings.TrimPrefix(wsURL, "http")
	}

	header := http.Header{}
	if c.tokens != nil {
		tok, err := c.tokens.Token()
		if err != nil {
			return nil, fmt.Errorf("feed token: %w", err)
		}
		header.Set("Authorization", tok.Type()+" "+tok.AccessToken)
	}
	dialCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	conn, resp, err := websocket.Dial(dialCtx, wsURL, &websocket.DialOptions{HTTPHeader: header})
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, fmt.Errorf("%w: feed %s: %s", remote.ErrPermissionDenied, collection, resp.Status)
		}
		return nil, fmt.Errorf("%w: dial feed %s: %w", remote.ErrOffline, collection, err)
	}
	conn.SetReadLimit(feedReadLimit)

	f := &feed{conn: conn, done: make(chan struct{})}
	go f.run(ctx, fn, c.logger.With("collection", collection))
	return f, nil
}

// do runs one REST call and maps failures onto the remote error taxonomy.
func (c *Client) do(parent context.Context, method, endpoint string, body []byte, out any) error {
	ctx, cancel := context.WithTimeout(parent, c.timeout)
	defer cancel()
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		if parent.Err() != nil {
			return parent.Err()
		}
		return fmt.Errorf("%w: %s %s: %w", remote.ErrOffline, method, endpoint, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusOK {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("%w: decode response: %w", remote.ErrOffline, err)
		}
		return nil
	}
	return decodeFailure(resp)
}

// decodeFailure maps an error envelope onto remote sentinels.
func decodeFailure(resp *http.Response) error {
	var env docapi.ErrorEnvelope
	_ = json.NewDecoder(io.LimitReader(resp.Body, 8<<20)).Decode(&env)
	msg := env.Error.Message
	if msg == "" {
		msg = resp.Status
	}
	switch {
	case resp.StatusCode == http.StatusConflict || env.Error.Code == docapi.CodeStale:
		return &remote.StaleDocumentError{Current: env.Current}
	case resp.StatusCode == http.StatusUnauthorized, resp.StatusCode == http.StatusForbidden:
		return fmt.Errorf("%w: %s", remote.ErrPermissionDenied, msg)
	case resp.StatusCode == http.StatusBadRequest:
		return fmt.Errorf("%w: %s", remote.ErrRejected, msg)
	case resp.StatusCode == http.StatusServiceUnavailable,
		resp.StatusCode == http.StatusBadGateway,
		resp.StatusCode == http.StatusGatewayTimeout:
		return fmt.Errorf("%w: %s", remote.ErrOffline, msg)
	default:
		return fmt.Errorf("remote status %d: %s", resp.StatusCode, msg)
	}
}

// endpoint joins escaped path segments onto the base URL.
func (c *Client) endpoint(segments ...string) string {
	escaped := make([]string, len(segments))
	for i, s := range segments {
		escaped[i] = url.PathEscape(s)
	}
	u := *c.base
	u.Path = c.base.Path + "/" + strings.Join(segments, "/")
	u.RawPath = c.base.EscapedPath() + "/" + strings.Join(escaped, "/")
	return u.String()
}

// feed is one open websocket subscription.
type feed struct {
	conn *websocket.Conn
	done chan struct{}

	once   sync.Once
	mu     sync.Mutex
	err    error
	closed bool
}

func (f *feed) run(ctx context.Context, fn func(remote.Change), logger *log.Logger) {
	defer close(f.done)
	for {
		_, data, err := f.conn.Read(ctx)
		if err != nil {
			f.finish(ctx, err)
			return
		}
		var ch remote.Change
		if err := json.Unmarshal(data, &ch); err != nil {
			logger.Warn("drop malformed change frame", "err", err)
			continue
		}
		fn(ch)
	}
}

// finish records why the read loop ended.
func (f *feed) finish(ctx context.Context, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	switch {
	case ctx.Err() != nil:
		f.err = ctx.Err()
	case websocket.CloseStatus(err) == websocket.StatusPolicyViolation:
		f.err = fmt.Errorf("%w: feed closed by server", remote.ErrPermissionDenied)
	default:
		f.err = fmt.Errorf("%w: feed disconnected: %w", remote.ErrOffline, err)
	}
	_ = f.conn.CloseNow()
}

// Done implements remote.Feed.
func (f *feed) Done() <-chan struct{} {
	return f.done
}

// Err implements remote.Feed.
func (f *feed) Err() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.err
}

// Close implements remote.Feed.
func (f *feed) Close() error {
	f.once.Do(func() {
		f.mu.Lock()
		f.closed = true
		f.mu.Unlock()
		_ = f.conn.Close(websocket.StatusNormalClosure, "")
	})
	<-f.done
	return nil
}
