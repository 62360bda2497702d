// Package client is the HTTP transport for hub commands: retries, gzip,
// bearer auth, online tracking, request rate limiting, content streaming
// and the server change feed.
package client

import (
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/fruitsalade/fruitsalade/hub/pkg/protocol"
	"github.com/fruitsalade/fruitsalade/hub/pkg/retry"
)

// Headers set on content downloads.
const (
	HeaderChecksum   = "X-Hub-Checksum"
	HeaderDownloadID = "X-Hub-Download-Id"
	HeaderRequestID  = "X-Request-ID"
)

// ErrOffline is returned when the server is offline.
var ErrOffline = errors.New("server is offline")

// Client submits commands to a hub server.
type Client struct {
	baseURL     string
	httpClient  *http.Client
	retryConfig retry.Config
	limiter     *rate.Limiter
	log         *zap.Logger

	mu          sync.RWMutex
	online      bool
	lastPing    time.Time
	authToken   string
	tokenExpiry time.Time
}

// Config holds client configuration.
type Config struct {
	BaseURL     string
	Timeout     time.Duration
	RetryConfig retry.Config
	AuthToken   string
	// RateLimit caps requests per second; 0 disables limiting.
	RateLimit float64
	Burst     int
	Logger    *zap.Logger
}

// New creates a new client.
func New(cfg Config) *Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.RetryConfig.MaxAttempts == 0 {
		cfg.RetryConfig = retry.DefaultConfig()
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	limiter := rate.NewLimiter(rate.Inf, 0)
	if cfg.RateLimit > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}

	c := &Client{
		baseURL: strings.TrimSuffix(cfg.BaseURL, "/"),
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
			Transport: &http.Transport{
				DialContext: (&net.Dialer{
					Timeout:   10 * time.Second,
					KeepAlive: 30 * time.Second,
				}).DialContext,
				MaxIdleConns:        100,
				IdleConnTimeout:     90 * time.Second,
				TLSHandshakeTimeout: 10 * time.Second,
			},
		},
		retryConfig: cfg.RetryConfig,
		limiter:     limiter,
		log:         cfg.Logger.Named("client"),
		online:      true,
	}
	if cfg.AuthToken != "" {
		c.SetAuthToken(cfg.AuthToken)
	}
	return c
}

// BaseURL returns the server root the client talks to.
func (c *Client) BaseURL() string { return c.baseURL }

// IsOnline returns true if the server is reachable.
func (c *Client) IsOnline() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.online
}

// LastSeen returns when the server last answered or failed to answer.
func (c *Client) LastSeen() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastPing
}

func (c *Client) setOnline(online bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.online != online {
		if online {
			c.log.Info("server is back online", zap.String("url", c.baseURL))
		} else {
			c.log.Warn("server is offline", zap.String("url", c.baseURL))
		}
	}
	c.online = online
	c.lastPing = time.Now()
}

// Ping checks if the server is reachable.
func (c *Client) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.setOnline(false)
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		c.setOnline(false)
		return fmt.Errorf("server returned %d", resp.StatusCode)
	}
	c.setOnline(true)
	return nil
}

// idempotent verbs are safe to send again after a transport failure.
func idempotent(verb string) bool {
	switch verb {
	case protocol.VerbFetch, protocol.VerbStatus, protocol.VerbDownload:
		return true
	}
	return false
}

// Submit sends one command and returns the decoded envelope. Remote
// errors stay inside the envelope; the returned error is for transport
// failures only.
func (c *Client) Submit(ctx context.Context, cmd protocol.Command) (*protocol.Response, error) {
	body, err := json.Marshal(cmd)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", cmd.Verb, err)
	}
	cfg := c.retryConfig
	if !idempotent(cmd.Verb) {
		cfg = retry.Once()
	}
	return retry.DoWithResult(ctx, cfg, func() (*protocol.Response, error) {
		return c.post(ctx, cmd.Path(), cmd.ID, body)
	})
}

// SubmitBatch sends several commands as one batch request.
func (c *Client) SubmitBatch(ctx context.Context, cmds []protocol.Command) (*protocol.Response, error) {
	body, err := json.Marshal(protocol.BatchRequest{Commands: cmds})
	if err != nil {
		return nil, fmt.Errorf("encode batch: %w", err)
	}
	cfg := c.retryConfig
	for _, cmd := range cmds {
		if !idempotent(cmd.Verb) {
			cfg = retry.Once()
			break
		}
	}
	id := ""
	if len(cmds) > 0 {
		id = cmds[0].ID
	}
	return retry.DoWithResult(ctx, cfg, func() (*protocol.Response, error) {
		return c.post(ctx, protocol.PathPrefix+protocol.VerbBatch, id, body)
	})
}

func (c *Client) post(ctx context.Context, path, id string, body []byte) (*protocol.Response, error) {
	if err := c.checkToken(); err != nil {
		return nil, err
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept-Encoding", "gzip")
	if id != "" {
		req.Header.Set(HeaderRequestID, id)
	}
	c.applyAuth(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		c.setOnline(false)
		return nil, retry.Retryable(fmt.Errorf("%w: %v", ErrOffline, err))
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		c.setOnline(false)
		return nil, retry.Retryable(fmt.Errorf("server error: %d", resp.StatusCode))
	}
	c.setOnline(true)

	reader, closeFn, err := decompress(resp)
	if err != nil {
		return nil, err
	}
	defer closeFn()

	env, err := protocol.Decode(reader)
	if err != nil {
		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("%s: server returned %d", path, resp.StatusCode)
		}
		return nil, err
	}
	return env, nil
}

// Download streams the content of the file at addr. The caller closes the
// returned Content.
func (c *Client) Download(ctx context.Context, addr string) (*Content, error) {
	return retry.DoWithResult(ctx, c.retryConfig, func() (*Content, error) {
		if err := c.checkToken(); err != nil {
			return nil, err
		}
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}
		u := c.baseURL + protocol.PathPrefix + protocol.VerbDownload + "?" +
			url.Values{protocol.ParamTarget: {addr}}.Encode()
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Accept-Encoding", "gzip")
		c.applyAuth(req)

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			c.setOnline(false)
			return nil, retry.Retryable(fmt.Errorf("%w: %v", ErrOffline, err))
		}
		if resp.StatusCode != http.StatusOK {
			defer resp.Body.Close()
			if resp.StatusCode >= 500 {
				c.setOnline(false)
				return nil, retry.Retryable(fmt.Errorf("server error: %d", resp.StatusCode))
			}
			c.setOnline(true)
			if env, err := protocol.Decode(resp.Body); err == nil && env.Err() != nil {
				return nil, env.Err()
			}
			return nil, fmt.Errorf("download %s: server returned %d", addr, resp.StatusCode)
		}
		c.setOnline(true)

		size := int64(-1)
		if cl := resp.Header.Get("Content-Length"); cl != "" {
			if n, err := strconv.ParseInt(cl, 10, 64); err == nil {
				size = n
			}
		}
		content := &Content{
			Addr:     addr,
			Size:     size,
			Checksum: resp.Header.Get(HeaderChecksum),
			ID:       resp.Header.Get(HeaderDownloadID),
			body:     resp.Body,
		}
		if resp.Header.Get("Content-Encoding") == "gzip" {
			gr, err := gzip.NewReader(resp.Body)
			if err != nil {
				resp.Body.Close()
				return nil, err
			}
			content.gz = gr
			content.Size = -1
		}
		return content, nil
	})
}

// Content is a streaming download.
type Content struct {
	Addr string
	// Size is -1 when the server did not announce it.
	Size     int64
	Checksum string
	ID       string

	body io.ReadCloser
	gz   *gzip.Reader
}

// NewContent wraps body as a download of addr. size is -1 when unknown.
func NewContent(addr string, size int64, checksum, id string, body io.ReadCloser) *Content {
	return &Content{Addr: addr, Size: size, Checksum: checksum, ID: id, body: body}
}

func (c *Content) Read(p []byte) (int, error) {
	if c.gz != nil {
		return c.gz.Read(p)
	}
	return c.body.Read(p)
}

func (c *Content) Close() error {
	if c.gz != nil {
		c.gz.Close()
	}
	return c.body.Close()
}

// Status asks the server for the progress of a transfer. kind is
// protocol.KindUpload or protocol.KindDownload.
func (c *Client) Status(ctx context.Context, id, kind string) (protocol.Status, error) {
	params := map[string]string{protocol.ParamID: id}
	if kind != "" {
		params[protocol.ParamKind] = kind
	}
	cmd := protocol.NewCommand(protocol.VerbStatus, params)
	env, err := c.Submit(ctx, cmd)
	if err != nil {
		return protocol.Status{}, err
	}
	if err := env.Err(); err != nil {
		return protocol.Status{}, err
	}
	st := protocol.ParseStatus(env.Head.Meta)
	if st.ID == "" {
		st.ID = id
	}
	return st, nil
}

func decompress(resp *http.Response) (io.Reader, func(), error) {
	if resp.Header.Get("Content-Encoding") != "gzip" {
		return resp.Body, func() {}, nil
	}
	gr, err := gzip.NewReader(resp.Body)
	if err != nil {
		return nil, nil, err
	}
	return gr, func() { gr.Close() }, nil
}
