package client

import (
	"bufio"
	"context"
	"fmt"
	"net/http"
	neturl "net/url"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/fruitsalade/fruitsalade/hub/pkg/protocol"
	"github.com/fruitsalade/fruitsalade/hub/pkg/retry"
)

// EventsPath is the server's change feed endpoint.
const EventsPath = protocol.PathPrefix + "events"

// RootParam names the query parameter that scopes a change feed to the
// tree under an address.
const RootParam = "root"

// watchBackoff spaces out reconnect attempts of the change feed.
var watchBackoff = retry.Config{
	InitialWait: time.Second,
	MaxWait:     30 * time.Second,
	Multiplier:  2,
	Jitter:      0.1,
}

// Watch connects to the change feed for the tree under root and returns a
// channel of changes. The connection is re-established with backoff until
// ctx is done, at which point both channels are closed.
func (c *Client) Watch(ctx context.Context, root string) (<-chan protocol.Change, <-chan error) {
	changes := make(chan protocol.Change, 100)
	errs := make(chan error, 1)
	go c.watchLoop(ctx, root, changes, errs)
	return changes, errs
}

func (c *Client) watchLoop(ctx context.Context, root string, changes chan<- protocol.Change, errs chan<- error) {
	defer close(changes)
	defer close(errs)

	attempt := 0
	for {
		if ctx.Err() != nil {
			return
		}

		received, err := c.stream(ctx, root, changes)
		if ctx.Err() != nil {
			return
		}
		if received {
			attempt = 0
		}
		attempt++
		delay := watchBackoff.Backoff(attempt)
		c.log.Warn("change feed disconnected",
			zap.Error(err),
			zap.Duration("reconnect_in", delay))
		select {
		case errs <- err:
		default:
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// stream reads one connection until it ends. received reports whether any
// event arrived, which resets the reconnect backoff.
func (c *Client) stream(ctx context.Context, root string, changes chan<- protocol.Change) (received bool, err error) {
	url := c.baseURL + EventsPath
	if root != "" && root != "/" {
		url += "?" + RootParam + "=" + neturl.QueryEscape(root)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")
	c.applyAuth(req)

	// The command client has a request timeout; the feed must not.
	feed := &http.Client{Transport: c.httpClient.Transport}
	resp, err := feed.Do(req)
	if err != nil {
		return false, fmt.Errorf("connect: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return false, fmt.Errorf("server returned %d", resp.StatusCode)
	}
	c.log.Info("change feed connected", zap.String("url", url))

	scanner := bufio.NewScanner(resp.Body)
	var eventType, data string
	for scanner.Scan() {
		line := scanner.Text()
		if ctx.Err() != nil {
			return received, nil
		}

		if line == "" {
			if data != "" {
				var ch protocol.Change
				if err := json.Unmarshal([]byte(data), &ch); err != nil {
					c.log.Debug("bad change event", zap.String("data", data), zap.Error(err))
				} else {
					if ch.Kind == "" {
						ch.Kind = eventType
					}
					received = true
					select {
					case changes <- ch:
					default:
						c.log.Debug("change event dropped (channel full)", zap.String("addr", ch.Addr))
					}
				}
			}
			eventType, data = "", ""
			continue
		}
		if strings.HasPrefix(line, ":") {
			continue
		}
		if v, ok := strings.CutPrefix(line, "event:"); ok {
			eventType = strings.TrimSpace(v)
		} else if v, ok := strings.CutPrefix(line, "data:"); ok {
			data = strings.TrimSpace(v)
		}
	}
	if err := scanner.Err(); err != nil {
		return received, fmt.Errorf("read: %w", err)
	}
	return received, fmt.Errorf("connection closed")
}
