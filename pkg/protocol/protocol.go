// Package protocol defines the hub command and response envelope types.
package protocol

import (
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
)

// Verbs understood by a hub server.
const (
	VerbFetch    = "fetch"
	VerbStore    = "store"
	VerbUpdate   = "update"
	VerbCreate   = "create"
	VerbInsert   = "insert"
	VerbRemove   = "remove"
	VerbRename   = "rename"
	VerbCopy     = "copy"
	VerbMove     = "move"
	VerbReorder  = "reorder"
	VerbDownload = "download"
	VerbStatus   = "status"
	VerbBatch    = "batch"
)

// Command parameter names.
const (
	ParamTarget = "target"
	ParamBranch = "branch"
	ParamValue  = "value"
	ParamMTime  = "mtime"
	ParamOrig   = "orig"
	ParamAttrs  = "attrs"
	ParamName   = "name"
	ParamType   = "type"
	ParamPrev   = "prev"
	ParamIndex  = "index"
	ParamDest   = "dest"
	ParamOrder  = "order"
	ParamID     = "id"
	ParamKind   = "kind"
)

// PathPrefix is the endpoint prefix; a command is posted to PathPrefix+verb.
const PathPrefix = "/api/hub/"

// Command is one request to the hub.
type Command struct {
	ID     string            `json:"id"`
	Verb   string            `json:"verb"`
	Params map[string]string `json:"params"`
}

// NewCommand returns a command with a fresh id.
func NewCommand(verb string, params map[string]string) Command {
	if params == nil {
		params = map[string]string{}
	}
	return Command{ID: uuid.NewString(), Verb: verb, Params: params}
}

// Target returns the address the command operates on.
func (c Command) Target() string { return c.Params[ParamTarget] }

// Branch reports whether the command asks for the ancestor chain.
func (c Command) Branch() bool { return c.Params[ParamBranch] == "1" }

// SetBranch sets or clears the branch flag.
func (c Command) SetBranch(on bool) {
	if on {
		c.Params[ParamBranch] = "1"
		return
	}
	delete(c.Params, ParamBranch)
}

// JoinOrder encodes a child order for the order parameter. Keys never
// contain the separator.
func JoinOrder(keys []string) string {
	return strings.Join(keys, "/")
}

// SplitOrder decodes the order parameter of a reorder command.
func SplitOrder(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, "/")
}

// Path returns the endpoint path for the command.
func (c Command) Path() string { return PathPrefix + c.Verb }

// BatchRequest is the body of a batch command.
type BatchRequest struct {
	Commands []Command `json:"commands"`
}

// Response structures.
const (
	StructSingle = "single"
	StructBranch = "branch"
	StructBatch  = "batch"
)

// Meta keys set by servers.
const (
	MetaAddr  = "addr"
	MetaMTime = "mtime"
	MetaID    = "id"
)

// Head describes how to read Body.
type Head struct {
	Struct string            `json:"struct"`
	Meta   map[string]string `json:"meta,omitempty"`
	Error  *ErrorInfo        `json:"error,omitempty"`
}

// ErrorInfo is a structured server error.
type ErrorInfo struct {
	Type    string `json:"type"`
	Message string `json:"message,omitempty"`
}

// Response is the envelope returned for every command.
//
// Body holds codec text for a single result, an object mapping addresses
// to codec text or nested envelopes for a branch, and an array of
// envelopes for a batch.
type Response struct {
	Head Head            `json:"head"`
	Body json.RawMessage `json:"body,omitempty"`
}

// Decode reads a response envelope.
func Decode(r io.Reader) (*Response, error) {
	var resp Response
	if err := json.NewDecoder(r).Decode(&resp); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if resp.Head.Struct == "" {
		resp.Head.Struct = StructSingle
	}
	return &resp, nil
}

// Encode writes the envelope as JSON.
func (r *Response) Encode(w io.Writer) error {
	return json.NewEncoder(w).Encode(r)
}

// Err returns the typed error carried in the head, or nil.
func (r *Response) Err() error {
	if r.Head.Error == nil {
		return nil
	}
	return r.Head.Error.classify(r.Head.Meta)
}

// Text returns the codec text of a single response, "" when it has none.
func (r *Response) Text() (string, error) {
	if len(r.Body) == 0 || string(r.Body) == "null" {
		return "", nil
	}
	var s string
	if err := json.Unmarshal(r.Body, &s); err != nil {
		return "", fmt.Errorf("single body: %w", err)
	}
	return s, nil
}

// Branch returns the sub-results of a branch response keyed by address.
func (r *Response) Branch() (map[string]*Response, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(r.Body, &raw); err != nil {
		return nil, fmt.Errorf("branch body: %w", err)
	}
	out := make(map[string]*Response, len(raw))
	for addr, msg := range raw {
		sub, err := subResponse(msg)
		if err != nil {
			return nil, fmt.Errorf("branch entry %s: %w", addr, err)
		}
		out[addr] = sub
	}
	return out, nil
}

// Batch returns the sub-responses of a batch, one per command in order.
func (r *Response) Batch() ([]*Response, error) {
	var raw []json.RawMessage
	if err := json.Unmarshal(r.Body, &raw); err != nil {
		return nil, fmt.Errorf("batch body: %w", err)
	}
	out := make([]*Response, len(raw))
	for i, msg := range raw {
		sub, err := subResponse(msg)
		if err != nil {
			return nil, fmt.Errorf("batch entry %d: %w", i, err)
		}
		out[i] = sub
	}
	return out, nil
}

// subResponse accepts either a bare codec string or a nested envelope.
func subResponse(msg json.RawMessage) (*Response, error) {
	if len(msg) > 0 && msg[0] == '"' {
		return &Response{Head: Head{Struct: StructSingle}, Body: msg}, nil
	}
	var sub Response
	if err := json.Unmarshal(msg, &sub); err != nil {
		return nil, err
	}
	if sub.Head.Struct == "" {
		sub.Head.Struct = StructSingle
	}
	return &sub, nil
}

// Single builds a single response carrying codec text.
func Single(text string, meta map[string]string) *Response {
	body, _ := json.Marshal(text)
	return &Response{Head: Head{Struct: StructSingle, Meta: meta}, Body: body}
}

// NewBranch builds a branch response from per-address sub-responses.
func NewBranch(entries map[string]*Response, meta map[string]string) (*Response, error) {
	body, err := json.Marshal(entries)
	if err != nil {
		return nil, err
	}
	return &Response{Head: Head{Struct: StructBranch, Meta: meta}, Body: body}, nil
}

// NewBatch builds a batch response.
func NewBatch(subs []*Response) (*Response, error) {
	body, err := json.Marshal(subs)
	if err != nil {
		return nil, err
	}
	return &Response{Head: Head{Struct: StructBatch}, Body: body}, nil
}

// Failure builds an error response.
func Failure(errType, message string, meta map[string]string) *Response {
	return &Response{Head: Head{
		Struct: StructSingle,
		Meta:   meta,
		Error:  &ErrorInfo{Type: errType, Message: message},
	}}
}

// Transfer states reported by the status verb. A transfer starts, moves
// through the in-progress state of its kind and ends in done or error.
const (
	StateStarting    = "starting"
	StateUploading   = "uploading"
	StateDownloading = "downloading"
	StateDone        = "done"
	StateError       = "error"
)

// Transfer kinds sent with the status verb.
const (
	KindUpload   = "upload"
	KindDownload = "download"
)

// Status is the progress of a server-side transfer.
type Status struct {
	ID       string `json:"id"`
	Addr     string `json:"addr,omitempty"`
	State    string `json:"state"`
	Size     int64  `json:"size"`
	Received int64  `json:"received"`
}

// Percent returns progress in whole percent, 0 when the size is unknown.
func (s Status) Percent() int {
	if s.Size <= 0 {
		if s.State == StateDone {
			return 100
		}
		return 0
	}
	p := int(s.Received * 100 / s.Size)
	if p > 100 {
		p = 100
	}
	return p
}

// Failed reports whether the server gave up on the transfer. "failed" is
// accepted from older servers.
func (s Status) Failed() bool {
	return s.State == StateError || s.State == "failed"
}

// Finished reports whether the transfer reached a terminal state.
func (s Status) Finished() bool {
	return s.State == StateDone || s.Failed()
}

// Meta encodes s into response meta.
func (s Status) Meta() map[string]string {
	return map[string]string{
		MetaID:     s.ID,
		MetaAddr:   s.Addr,
		"state":    s.State,
		"size":     strconv.FormatInt(s.Size, 10),
		"received": strconv.FormatInt(s.Received, 10),
	}
}

// ParseStatus reads a Status from response meta.
func ParseStatus(meta map[string]string) Status {
	size, _ := strconv.ParseInt(meta["size"], 10, 64)
	recv, _ := strconv.ParseInt(meta["received"], 10, 64)
	return Status{
		ID:       meta[MetaID],
		Addr:     meta[MetaAddr],
		State:    meta["state"],
		Size:     size,
		Received: recv,
	}
}

// Change kinds pushed on the event feed.
const (
	ChangeCreate = "create"
	ChangeUpdate = "update"
	ChangeRemove = "remove"
)

// Change is one entry of the server's change feed.
type Change struct {
	Kind  string `json:"kind"`
	Addr  string `json:"addr"`
	MTime int64  `json:"mtime,omitempty"`
}
