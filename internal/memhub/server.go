package memhub

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/fruitsalade/fruitsalade/hub/internal/logging"
	"github.com/fruitsalade/fruitsalade/hub/internal/metrics"
	"github.com/fruitsalade/fruitsalade/hub/pkg/address"
	"github.com/fruitsalade/fruitsalade/hub/pkg/client"
	"github.com/fruitsalade/fruitsalade/hub/pkg/protocol"
)

// maxBody caps command request bodies.
const maxBody = 32 << 20

// Server is the HTTP front of a Hub.
type Server struct {
	hub  *Hub
	auth *Auth
}

// NewServer serves hub. A nil auth leaves the hub endpoints open.
func NewServer(hub *Hub, auth *Auth) *Server {
	return &Server{hub: hub, auth: auth}
}

// Handler returns the HTTP handler with auth, logging and metrics
// middleware.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)

	protected := http.NewServeMux()
	protected.HandleFunc("POST "+protocol.PathPrefix+protocol.VerbBatch, s.handleBatch)
	protected.HandleFunc("GET "+protocol.PathPrefix+protocol.VerbDownload, s.handleDownload)
	protected.HandleFunc("GET "+client.EventsPath, s.handleEvents)
	protected.HandleFunc("POST "+protocol.PathPrefix+"{verb}", s.handleCommand)

	var hubAPI http.Handler = protected
	if s.auth != nil {
		hubAPI = s.auth.Middleware(protected)
	}
	mux.Handle(protocol.PathPrefix, hubAPI)

	return metrics.Middleware(logging.Middleware(mux))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"status": "ok", "nodes": s.hub.Size()})
}

func (s *Server) handleCommand(w http.ResponseWriter, r *http.Request) {
	var cmd protocol.Command
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBody)).Decode(&cmd); err != nil {
		sendResponse(w, http.StatusBadRequest, protocol.Failure(protocol.ErrBadRequest, "decode command: "+err.Error(), nil))
		return
	}
	verb := r.PathValue("verb")
	if cmd.Verb == "" {
		cmd.Verb = verb
	}
	if cmd.Verb != verb {
		sendResponse(w, http.StatusBadRequest, protocol.Failure(protocol.ErrBadRequest,
			fmt.Sprintf("verb %q posted to %s", cmd.Verb, r.URL.Path), nil))
		return
	}
	if cmd.Params == nil {
		cmd.Params = map[string]string{}
	}

	resp := s.hub.Execute(cmd)
	logging.WithContext(r.Context()).Debug("command",
		logging.Verb(cmd.Verb),
		logging.Target(cmd.Target()),
		zap.Bool("branch", cmd.Branch()))
	sendResponse(w, statusFor(resp), resp)
}

func (s *Server) handleBatch(w http.ResponseWriter, r *http.Request) {
	var req protocol.BatchRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBody)).Decode(&req); err != nil {
		sendResponse(w, http.StatusBadRequest, protocol.Failure(protocol.ErrBadRequest, "decode batch: "+err.Error(), nil))
		return
	}
	for i := range req.Commands {
		if req.Commands[i].Params == nil {
			req.Commands[i].Params = map[string]string{}
		}
	}
	resp, err := s.hub.ExecuteBatch(req.Commands)
	if err != nil {
		sendResponse(w, http.StatusInternalServerError, protocol.Failure(protocol.ErrInternal, err.Error(), nil))
		return
	}
	logging.WithContext(r.Context()).Debug("batch", zap.Int("commands", len(req.Commands)))
	sendResponse(w, http.StatusOK, resp)
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	addr := r.URL.Query().Get(protocol.ParamTarget)
	data, sum, err := s.hub.Content(addr)
	if err != nil {
		resp := s.hub.fail(protocol.Command{Verb: protocol.VerbDownload}, addr, err)
		sendResponse(w, statusFor(resp), resp)
		return
	}
	id := s.hub.StartTransfer(addr, int64(len(data)))

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.Header().Set(client.HeaderChecksum, sum)
	w.Header().Set(client.HeaderDownloadID, id)
	w.WriteHeader(http.StatusOK)

	s.hub.Progress(id, 0, protocol.StateDownloading)
	n, err := io.Copy(w, bytes.NewReader(data))
	if err != nil {
		s.hub.Progress(id, n, protocol.StateError)
		logging.WithContext(r.Context()).Warn("download interrupted", logging.Target(addr), zap.Error(err))
		return
	}
	s.hub.Progress(id, n, protocol.StateDone)
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		sendResponse(w, http.StatusInternalServerError, protocol.Failure(protocol.ErrInternal, "streaming not supported", nil))
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	root := address.Root
	if q := r.URL.Query().Get(client.RootParam); q != "" {
		root = address.Normalize(q)
	}
	ch := s.hub.events.Subscribe(root)
	defer s.hub.events.Unsubscribe(ch)

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case change, ok := <-ch:
			if !ok {
				return
			}
			data, err := MarshalChange(change)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", change.Kind, data)
			flusher.Flush()
		}
	}
}

// statusFor maps an envelope error to an HTTP status. Conditional write
// failures keep the envelope so the client can read the current mtime.
func statusFor(resp *protocol.Response) int {
	if resp.Head.Error == nil {
		return http.StatusOK
	}
	switch resp.Head.Error.Type {
	case protocol.ErrDoesNotExist, protocol.ErrNotFound:
		return http.StatusNotFound
	case protocol.ErrConflict, protocol.ErrPreconditionFailed:
		return http.StatusConflict
	case protocol.ErrInternal:
		return http.StatusInternalServerError
	}
	return http.StatusBadRequest
}

func sendResponse(w http.ResponseWriter, code int, resp *protocol.Response) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	resp.Encode(w)
}
