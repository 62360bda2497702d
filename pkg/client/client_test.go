package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/golang-jwt/jwt/v5"

	"github.com/fruitsalade/fruitsalade/hub/pkg/protocol"
	"github.com/fruitsalade/fruitsalade/hub/pkg/retry"
)

func testClient(handler http.Handler) (*Client, *httptest.Server) {
	ts := httptest.NewServer(handler)
	c := New(Config{
		BaseURL: ts.URL,
		RetryConfig: retry.Config{
			MaxAttempts: 3,
			InitialWait: time.Millisecond,
			MaxWait:     time.Millisecond,
		},
	})
	return c, ts
}

func signedToken(t *testing.T, exp time.Time) string {
	t.Helper()
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "alice",
		"exp": exp.Unix(),
	}).SignedString([]byte("secret"))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return tok
}

func TestSubmit_Success(t *testing.T) {
	var got protocol.Command
	var gotAuth, gotPath string
	c, ts := testClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		json.NewDecoder(r.Body).Decode(&got)
		protocol.Single(`url:$(type=file-text;mtime=3)"hi"`, map[string]string{protocol.MetaAddr: "/a"}).Encode(w)
	}))
	defer ts.Close()
	c.SetAuthToken("opaque")

	cmd := protocol.NewCommand(protocol.VerbFetch, map[string]string{protocol.ParamTarget: "/a"})
	resp, err := c.Submit(context.Background(), cmd)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if gotPath != "/api/hub/fetch" || gotAuth != "Bearer opaque" {
		t.Errorf("path=%q auth=%q", gotPath, gotAuth)
	}
	if got.ID != cmd.ID || got.Params[protocol.ParamTarget] != "/a" {
		t.Errorf("server got %+v", got)
	}
	if text, _ := resp.Text(); text != `url:$(type=file-text;mtime=3)"hi"` {
		t.Errorf("text = %q", text)
	}
}

func TestSubmit_RemoteErrorInEnvelope(t *testing.T) {
	c, ts := testClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		protocol.Failure(protocol.ErrNotFound, "gone", map[string]string{protocol.MetaAddr: "/x"}).Encode(w)
	}))
	defer ts.Close()

	resp, err := c.Submit(context.Background(), protocol.NewCommand(protocol.VerbFetch, map[string]string{protocol.ParamTarget: "/x"}))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if !protocol.IsNotFound(resp.Err()) {
		t.Errorf("Err = %v, want not found", resp.Err())
	}
	if !c.IsOnline() {
		t.Error("client should stay online after a remote error")
	}
}

func TestSubmit_RetryOnlyIdempotent(t *testing.T) {
	tests := []struct {
		verb         string
		wantAttempts int32
	}{
		{protocol.VerbFetch, 3},
		{protocol.VerbCreate, 1},
		{protocol.VerbStore, 1},
	}
	for _, tt := range tests {
		t.Run(tt.verb, func(t *testing.T) {
			var attempts atomic.Int32
			c, ts := testClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				attempts.Add(1)
				w.WriteHeader(http.StatusInternalServerError)
			}))
			defer ts.Close()

			_, err := c.Submit(context.Background(), protocol.NewCommand(tt.verb, nil))
			if err == nil {
				t.Fatal("expected error")
			}
			if attempts.Load() != tt.wantAttempts {
				t.Errorf("attempts = %d, want %d", attempts.Load(), tt.wantAttempts)
			}
			if c.IsOnline() {
				t.Error("client should be offline after 5xx")
			}
		})
	}
}

func TestSubmit_Offline(t *testing.T) {
	c, ts := testClient(http.NotFoundHandler())
	ts.Close()

	_, err := c.Submit(context.Background(), protocol.NewCommand(protocol.VerbFetch, nil))
	if !errors.Is(err, ErrOffline) {
		t.Errorf("err = %v, want ErrOffline", err)
	}
	if c.IsOnline() {
		t.Error("client should report offline")
	}
}

func TestSubmitBatch(t *testing.T) {
	var got protocol.BatchRequest
	c, ts := testClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/hub/batch" {
			t.Errorf("path = %q", r.URL.Path)
		}
		json.NewDecoder(r.Body).Decode(&got)
		subs := make([]*protocol.Response, len(got.Commands))
		for i := range subs {
			subs[i] = protocol.Single(fmt.Sprintf(`url:$"%d"`, i), nil)
		}
		b, _ := protocol.NewBatch(subs)
		b.Encode(w)
	}))
	defer ts.Close()

	cmds := []protocol.Command{
		protocol.NewCommand(protocol.VerbFetch, map[string]string{protocol.ParamTarget: "/a"}),
		protocol.NewCommand(protocol.VerbFetch, map[string]string{protocol.ParamTarget: "/b"}),
	}
	resp, err := c.SubmitBatch(context.Background(), cmds)
	if err != nil {
		t.Fatalf("SubmitBatch: %v", err)
	}
	subs, err := resp.Batch()
	if err != nil || len(subs) != 2 || len(got.Commands) != 2 {
		t.Fatalf("subs=%d err=%v sent=%d", len(subs), err, len(got.Commands))
	}
}

func TestTokenExpiry(t *testing.T) {
	exp := time.Now().Add(time.Hour).Truncate(time.Second)
	if got := TokenExpiry(signedToken(t, exp)); !got.Equal(exp) {
		t.Errorf("TokenExpiry = %v, want %v", got, exp)
	}
	if got := TokenExpiry("not-a-jwt"); !got.IsZero() {
		t.Errorf("opaque token expiry = %v", got)
	}
}

func TestExpiredTokenNotSent(t *testing.T) {
	var calls atomic.Int32
	c, ts := testClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
	}))
	defer ts.Close()

	c.SetAuthToken(signedToken(t, time.Now().Add(-time.Minute)))
	_, err := c.Submit(context.Background(), protocol.NewCommand(protocol.VerbFetch, nil))
	if !errors.Is(err, ErrTokenExpired) {
		t.Errorf("err = %v, want ErrTokenExpired", err)
	}
	if calls.Load() != 0 {
		t.Errorf("server called %d times", calls.Load())
	}
}

func TestTokenFileRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "token.json")
	exp := time.Now().Add(time.Hour).Truncate(time.Second)
	if err := SaveToken(path, &TokenFile{Token: signedToken(t, exp), Server: "http://hub"}); err != nil {
		t.Fatalf("SaveToken: %v", err)
	}
	tf, err := LoadToken(path)
	if err != nil {
		t.Fatalf("LoadToken: %v", err)
	}
	if tf.Server != "http://hub" || !tf.ExpiresAt.Equal(exp) || tf.IsExpired(0) {
		t.Errorf("token file = %+v", tf)
	}
}

func TestDownload(t *testing.T) {
	c, ts := testClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get(protocol.ParamTarget) != "/docs/a.txt" {
			w.WriteHeader(http.StatusNotFound)
			protocol.Failure(protocol.ErrDoesNotExist, "", nil).Encode(w)
			return
		}
		w.Header().Set(HeaderChecksum, "sum1")
		w.Header().Set(HeaderDownloadID, "dl-1")
		w.Header().Set("Content-Length", "5")
		io.WriteString(w, "hello")
	}))
	defer ts.Close()

	content, err := c.Download(context.Background(), "/docs/a.txt")
	if err != nil {
		t.Fatalf("Download: %v", err)
	}
	defer content.Close()
	data, _ := io.ReadAll(content)
	if string(data) != "hello" || content.Size != 5 || content.Checksum != "sum1" || content.ID != "dl-1" {
		t.Errorf("content = %q size=%d checksum=%q id=%q", data, content.Size, content.Checksum, content.ID)
	}

	_, err = c.Download(context.Background(), "/missing")
	if !protocol.IsNotFound(err) {
		t.Errorf("missing download err = %v", err)
	}
}

func TestStatus(t *testing.T) {
	c, ts := testClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var cmd protocol.Command
		json.NewDecoder(r.Body).Decode(&cmd)
		if cmd.Params[protocol.ParamKind] != protocol.KindDownload {
			t.Errorf("kind = %q", cmd.Params[protocol.ParamKind])
		}
		st := protocol.Status{ID: cmd.Params[protocol.ParamID], State: protocol.StateDownloading, Size: 10, Received: 4}
		protocol.Single("", st.Meta()).Encode(w)
	}))
	defer ts.Close()

	st, err := c.Status(context.Background(), "dl-7", protocol.KindDownload)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if st.ID != "dl-7" || st.Percent() != 40 {
		t.Errorf("status = %+v", st)
	}
}

func TestWatch(t *testing.T) {
	c, ts := testClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != EventsPath {
			http.NotFound(w, r)
			return
		}
		if got := r.URL.Query().Get(RootParam); got != "/my docs" {
			t.Errorf("root = %q, want %q", got, "/my docs")
		}
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, ": hello\n\n")
		fmt.Fprint(w, "event: update\ndata: {\"addr\":\"/a\",\"mtime\":5}\n\n")
		w.(http.Flusher).Flush()
		<-r.Context().Done()
	}))
	defer ts.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	changes, _ := c.Watch(ctx, "/my docs")

	select {
	case ch := <-changes:
		if ch.Kind != protocol.ChangeUpdate || ch.Addr != "/a" || ch.MTime != 5 {
			t.Errorf("change = %+v", ch)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no change received")
	}
	cancel()
	for range changes {
	}
}
