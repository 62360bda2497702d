// Package memhub is an in-memory hub server. It keeps a single tree,
// answers every hub verb over HTTP and pushes changes on an SSE feed.
package memhub

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fruitsalade/fruitsalade/hub/internal/metrics"
	"github.com/fruitsalade/fruitsalade/hub/pkg/address"
	"github.com/fruitsalade/fruitsalade/hub/pkg/codec"
	"github.com/fruitsalade/fruitsalade/hub/pkg/node"
	"github.com/fruitsalade/fruitsalade/hub/pkg/protocol"
)

// Hub holds the served tree. All methods are safe for concurrent use.
type Hub struct {
	log    *zap.Logger
	events *Broadcaster

	mu        sync.Mutex
	root      *node.Node
	last      int64
	transfers map[string]*protocol.Status
}

// NewHub returns a hub serving an empty root directory.
func NewHub(log *zap.Logger) *Hub {
	if log == nil {
		log = zap.NewNop()
	}
	h := &Hub{
		log:       log.Named("memhub"),
		events:    NewBroadcaster(),
		transfers: make(map[string]*protocol.Status),
	}
	root := node.NewMap(node.TypeDirectory)
	root.SetAttr(node.AttrMTime, strconv.FormatInt(h.tick(), 10))
	h.setRoot(root)
	return h
}

// Events returns the hub's change broadcaster.
func (h *Hub) Events() *Broadcaster { return h.events }

// Seed replaces the tree with the map encoded in text. Storage nodes
// without an mtime get the current one.
func (h *Hub) Seed(text string) error {
	root, err := codec.Parse(text)
	if err != nil {
		return fmt.Errorf("parse seed: %w", err)
	}
	if root.Kind() != node.Map {
		return fmt.Errorf("seed root must be a map, got %s", root.Kind())
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	t := h.tick()
	root.Walk(func(n *node.Node) bool {
		if n.IsStorage() && n.MTime() == 0 {
			n.SetAttr(node.AttrMTime, strconv.FormatInt(t, 10))
		}
		return true
	})
	h.setRoot(root)
	h.log.Info("tree seeded", zap.Int("nodes", h.countLocked()))
	return nil
}

func (h *Hub) setRoot(root *node.Node) {
	root.SetAddress(address.Root)
	root.DelAttr(node.AttrKey)
	h.root = root
	metrics.SetServerTreeSize(h.countLocked())
}

// Snapshot returns the codec text of the whole tree.
func (h *Hub) Snapshot() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return codec.Format(h.root)
}

// Size returns the number of nodes in the tree.
func (h *Hub) Size() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.countLocked()
}

func (h *Hub) countLocked() int {
	count := 0
	h.root.Walk(func(*node.Node) bool {
		count++
		return true
	})
	return count
}

// tick returns a fresh mtime, strictly greater than every earlier one.
func (h *Hub) tick() int64 {
	t := time.Now().UnixMilli()
	if t <= h.last {
		t = h.last + 1
	}
	h.last = t
	return t
}

func (h *Hub) find(addr string) *node.Node {
	return h.root.Find(address.Split(addr)...)
}

// touch records a change at n on its storage node.
func (h *Hub) touch(n *node.Node) int64 {
	t := h.tick()
	// The content changed, so a recorded checksum no longer holds. Content
	// recomputes it on demand.
	n.DelAttr(node.AttrChecksum)
	if s := n.Storage(); s != nil {
		s.SetAttr(node.AttrMTime, strconv.FormatInt(t, 10))
		s.DelAttr(node.AttrChecksum)
	}
	return t
}

// stampNew gives every storage node in a newly attached subtree mtime t.
func stampNew(n *node.Node, t int64) {
	n.Walk(func(c *node.Node) bool {
		if c.IsStorage() {
			c.SetAttr(node.AttrMTime, strconv.FormatInt(t, 10))
		}
		return true
	})
}

// kindFor decides the variant of a node created with type typ.
func kindFor(typ string) node.Kind {
	switch typ {
	case node.TypeDirectory, node.TypeDataHash:
		return node.Map
	case node.TypeDataArray:
		return node.List
	}
	return node.Scalar
}

type failure struct {
	typ string
	msg string
	// mtime is reported with conflicts.
	mtime int64
}

func (f *failure) Error() string { return f.msg }

func notFound(addr string) *failure {
	return &failure{typ: protocol.ErrDoesNotExist, msg: "no node at " + addr}
}

func badRequest(format string, args ...any) *failure {
	return &failure{typ: protocol.ErrBadRequest, msg: fmt.Sprintf(format, args...)}
}

func conflict(addr string, mtime int64) *failure {
	return &failure{typ: protocol.ErrConflict, msg: "stale version of " + addr, mtime: mtime}
}

// Execute runs one command and returns its envelope.
func (h *Hub) Execute(cmd protocol.Command) *protocol.Response {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.execute(cmd)
}

// ExecuteBatch runs commands in order and returns a batch envelope.
func (h *Hub) ExecuteBatch(cmds []protocol.Command) (*protocol.Response, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	subs := make([]*protocol.Response, len(cmds))
	for i, cmd := range cmds {
		subs[i] = h.execute(cmd)
	}
	return protocol.NewBatch(subs)
}

func (h *Hub) execute(cmd protocol.Command) *protocol.Response {
	var target string
	if cmd.Verb != protocol.VerbStatus {
		raw := cmd.Target()
		if raw == "" {
			raw = address.Root
		}
		target = address.Normalize(raw)
	}

	var (
		result  string
		changes []protocol.Change
		err     error
	)
	switch cmd.Verb {
	case protocol.VerbFetch:
		if h.find(target) == nil {
			err = notFound(target)
		}
		result = target
	case protocol.VerbStore:
		result, changes, err = h.store(target, cmd.Params)
	case protocol.VerbUpdate:
		result, changes, err = h.update(target, cmd.Params)
	case protocol.VerbCreate:
		result, changes, err = h.create(target, cmd.Params)
	case protocol.VerbInsert:
		result, changes, err = h.insert(target, cmd.Params)
	case protocol.VerbRemove:
		changes, err = h.remove(target)
		if err == nil {
			return protocol.Single("", map[string]string{protocol.MetaAddr: target})
		}
	case protocol.VerbRename:
		result, changes, err = h.rename(target, cmd.Params)
	case protocol.VerbCopy, protocol.VerbMove:
		result, changes, err = h.transfer(cmd.Verb, target, cmd.Params)
	case protocol.VerbReorder:
		result, changes, err = h.reorder(target, cmd.Params)
	case protocol.VerbStatus:
		return h.status(cmd.Params[protocol.ParamID])
	default:
		err = badRequest("unknown verb %q", cmd.Verb)
	}
	if err != nil {
		return h.fail(cmd, target, err)
	}

	if len(changes) > 0 {
		metrics.SetServerTreeSize(h.countLocked())
		for _, ch := range changes {
			h.events.Publish(ch)
		}
	}
	return h.respond(result, cmd.Branch())
}

func (h *Hub) fail(cmd protocol.Command, target string, err error) *protocol.Response {
	meta := map[string]string{protocol.MetaAddr: target}
	var f *failure
	if !errors.As(err, &f) {
		f = &failure{typ: protocol.ErrBadRequest, msg: err.Error()}
	}
	if f.mtime > 0 {
		meta[protocol.MetaMTime] = strconv.FormatInt(f.mtime, 10)
	}
	h.log.Debug("command failed",
		zap.String("verb", cmd.Verb),
		zap.String("addr", target),
		zap.String("type", f.typ),
		zap.String("error", f.msg))
	return protocol.Failure(f.typ, f.msg, meta)
}

// view encodes what a fetch of n returns: a directory lists its children
// without their content, anything else is sent whole.
func view(n *node.Node) string {
	if n.IsDirectory() {
		return codec.FormatWith(n, codec.Options{Depth: 1})
	}
	return codec.Format(n)
}

func storageMTime(n *node.Node) string {
	if s := n.Storage(); s != nil {
		return strconv.FormatInt(s.MTime(), 10)
	}
	return ""
}

// respond builds the result envelope for the node at addr. A branch
// response also lists every ancestor.
func (h *Hub) respond(addr string, branch bool) *protocol.Response {
	n := h.find(addr)
	if n == nil {
		return protocol.Failure(protocol.ErrDoesNotExist, "no node at "+addr, map[string]string{protocol.MetaAddr: addr})
	}
	meta := map[string]string{protocol.MetaAddr: addr}
	if m := storageMTime(n); m != "" {
		meta[protocol.MetaMTime] = m
	}
	if !branch || addr == address.Root {
		return protocol.Single(view(n), meta)
	}

	entries := map[string]*protocol.Response{}
	for a := address.Parent(addr); ; a = address.Parent(a) {
		if anc := h.find(a); anc != nil {
			entries[a] = protocol.Single(view(anc), map[string]string{protocol.MetaAddr: a})
		}
		if a == address.Root {
			break
		}
	}
	entries[addr] = protocol.Single(view(n), meta)
	resp, err := protocol.NewBranch(entries, meta)
	if err != nil {
		return protocol.Failure(protocol.ErrInternal, err.Error(), meta)
	}
	return resp
}

// checkMTime enforces the optional mtime precondition against the storage
// node of n.
func checkMTime(n *node.Node, params map[string]string) error {
	want, ok := params[protocol.ParamMTime]
	if !ok {
		return nil
	}
	s := n.Storage()
	if s == nil {
		return nil
	}
	if cur := strconv.FormatInt(s.MTime(), 10); cur != want {
		return conflict(n.Address(), s.MTime())
	}
	return nil
}

func change(kind string, n *node.Node) protocol.Change {
	ch := protocol.Change{Kind: kind, Addr: n.Address()}
	if s := n.Storage(); s != nil {
		ch.MTime = s.MTime()
	}
	return ch
}

// attach adds child to parent under key, after prev when prev is set.
func attach(parent *node.Node, key string, child *node.Node, prev *string) error {
	switch {
	case parent.Kind() == node.List:
		if key != strconv.Itoa(parent.Len()) {
			return badRequest("list %s only grows at its end", parent.Address())
		}
		return parent.Append(child)
	case prev != nil:
		return parent.InsertAfter(*prev, key, child)
	default:
		return parent.Set(key, child)
	}
}

func (h *Hub) store(addr string, params map[string]string) (string, []protocol.Change, error) {
	if addr == address.Root {
		return "", nil, badRequest("cannot replace the root")
	}
	v, err := codec.Parse(params[protocol.ParamValue])
	if err != nil {
		return "", nil, badRequest("value: %v", err)
	}
	kind := protocol.ChangeUpdate
	if cur := h.find(addr); cur != nil {
		if err := checkMTime(cur, params); err != nil {
			return "", nil, err
		}
		if err := cur.Parent().Replace(cur.Key(), v); err != nil {
			return "", nil, err
		}
	} else {
		parent := h.find(address.Parent(addr))
		if parent == nil || !parent.IsContainer() {
			return "", nil, notFound(address.Parent(addr))
		}
		if err := attach(parent, address.Name(addr), v, nil); err != nil {
			return "", nil, err
		}
		kind = protocol.ChangeCreate
	}
	t := h.touch(v)
	stampNew(v, t)
	if v.IsStorage() {
		h.touch(v.Parent())
	}
	return addr, []protocol.Change{change(kind, v)}, nil
}

func (h *Hub) update(addr string, params map[string]string) (string, []protocol.Change, error) {
	n := h.find(addr)
	if n == nil {
		return "", nil, notFound(addr)
	}
	if n.Kind() != node.Scalar {
		return "", nil, badRequest("%s is a %s, not a scalar", addr, n.Kind())
	}
	if err := checkMTime(n, params); err != nil {
		return "", nil, err
	}
	if orig, ok := params[protocol.ParamOrig]; ok && params[protocol.ParamMTime] == "" && orig != n.Value() {
		var mt int64
		if s := n.Storage(); s != nil {
			mt = s.MTime()
		}
		return "", nil, conflict(addr, mt)
	}
	if err := n.SetValue(params[protocol.ParamValue]); err != nil {
		return "", nil, err
	}
	h.touch(n)
	return addr, []protocol.Change{change(protocol.ChangeUpdate, n)}, nil
}

func (h *Hub) create(parentAddr string, params map[string]string) (string, []protocol.Change, error) {
	name := params[protocol.ParamName]
	if !address.ValidKey(name) {
		return "", nil, badRequest("invalid name %q", name)
	}
	parent := h.find(parentAddr)
	if parent == nil {
		return "", nil, notFound(parentAddr)
	}
	if !parent.IsContainer() {
		return "", nil, badRequest("%s cannot have children", parentAddr)
	}
	addr := address.Join(parentAddr, name)
	if parent.Child(name) != nil {
		return "", nil, &failure{typ: protocol.ErrConflict, msg: addr + " already exists"}
	}
	typ := params[protocol.ParamType]
	if typ == "" {
		typ = node.TypeDataHash
	}
	child := node.New(kindFor(typ), typ)
	var prev *string
	if p, ok := params[protocol.ParamPrev]; ok {
		prev = &p
	}
	if err := attach(parent, name, child, prev); err != nil {
		return "", nil, err
	}
	stampNew(child, h.touch(parent))
	return child.Address(), []protocol.Change{change(protocol.ChangeCreate, child)}, nil
}

func (h *Hub) insert(addr string, params map[string]string) (string, []protocol.Change, error) {
	list := h.find(addr)
	if list == nil {
		return "", nil, notFound(addr)
	}
	if list.Kind() != node.List {
		return "", nil, badRequest("%s is not a list", addr)
	}
	if err := checkMTime(list, params); err != nil {
		return "", nil, err
	}
	index, err := strconv.Atoi(params[protocol.ParamIndex])
	if err != nil {
		return "", nil, badRequest("index: %v", err)
	}
	v, err := codec.Parse(params[protocol.ParamValue])
	if err != nil {
		return "", nil, badRequest("value: %v", err)
	}
	if err := list.InsertAt(index, "", v); err != nil {
		return "", nil, err
	}
	stampNew(v, h.touch(list))
	return addr, []protocol.Change{change(protocol.ChangeCreate, v)}, nil
}

func (h *Hub) remove(addr string) ([]protocol.Change, error) {
	if addr == address.Root {
		return nil, badRequest("cannot remove the root")
	}
	n := h.find(addr)
	if n == nil {
		return nil, notFound(addr)
	}
	parent := n.Parent()
	if _, err := parent.RemoveValue(n.Key()); err != nil {
		return nil, err
	}
	t := h.touch(parent)
	return []protocol.Change{{Kind: protocol.ChangeRemove, Addr: addr, MTime: t}}, nil
}

func (h *Hub) rename(addr string, params map[string]string) (string, []protocol.Change, error) {
	name := params[protocol.ParamName]
	n := h.find(addr)
	if n == nil {
		return "", nil, notFound(addr)
	}
	if addr == address.Root {
		return "", nil, badRequest("cannot rename the root")
	}
	parent := n.Parent()
	if parent.Kind() != node.Map {
		return "", nil, badRequest("%s is not in a map", addr)
	}
	if parent.Child(name) != nil && name != n.Key() {
		return "", nil, &failure{typ: protocol.ErrConflict, msg: address.Join(parent.Address(), name) + " already exists"}
	}
	if err := parent.RenameChild(n.Key(), name); err != nil {
		return "", nil, badRequest("%v", err)
	}
	t := h.touch(parent)
	return n.Address(), []protocol.Change{
		{Kind: protocol.ChangeRemove, Addr: addr, MTime: t},
		change(protocol.ChangeCreate, n),
	}, nil
}

func (h *Hub) transfer(verb, src string, params map[string]string) (string, []protocol.Change, error) {
	dest := address.Normalize(params[protocol.ParamDest])
	n := h.find(src)
	if n == nil {
		return "", nil, notFound(src)
	}
	if dest == address.Root || address.Within(src, dest) {
		return "", nil, badRequest("cannot %s %s into %s", verb, src, dest)
	}
	parent := h.find(address.Parent(dest))
	if parent == nil {
		return "", nil, notFound(address.Parent(dest))
	}
	if !parent.IsContainer() {
		return "", nil, badRequest("%s cannot have children", parent.Address())
	}
	if parent.Child(address.Name(dest)) != nil {
		return "", nil, &failure{typ: protocol.ErrConflict, msg: dest + " already exists"}
	}
	var prev *string
	if p, ok := params[protocol.ParamPrev]; ok {
		prev = &p
	}

	var changes []protocol.Change
	moved := n.Clone()
	if verb == protocol.VerbMove {
		from := n.Parent()
		if _, err := from.RemoveValue(n.Key()); err != nil {
			return "", nil, err
		}
		changes = append(changes, protocol.Change{Kind: protocol.ChangeRemove, Addr: src, MTime: h.touch(from)})
	}
	if err := attach(parent, address.Name(dest), moved, prev); err != nil {
		return "", nil, err
	}
	t := h.touch(parent)
	if verb == protocol.VerbCopy {
		stampNew(moved, t)
	}
	changes = append(changes, change(protocol.ChangeCreate, moved))
	return moved.Address(), changes, nil
}

func (h *Hub) reorder(addr string, params map[string]string) (string, []protocol.Change, error) {
	n := h.find(addr)
	if n == nil {
		return "", nil, notFound(addr)
	}
	if err := n.SortByKey(protocol.SplitOrder(params[protocol.ParamOrder])); err != nil {
		return "", nil, badRequest("%v", err)
	}
	h.touch(n)
	return addr, []protocol.Change{change(protocol.ChangeUpdate, n)}, nil
}

// Content returns the bytes served for the file at addr and their
// checksum.
func (h *Hub) Content(addr string) ([]byte, string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := h.find(address.Normalize(addr))
	if n == nil {
		return nil, "", notFound(addr)
	}
	if !n.IsFile() {
		return nil, "", badRequest("%s is not a file", addr)
	}
	var data []byte
	if n.Kind() == node.Scalar {
		data = []byte(n.Value())
	} else {
		data = []byte(codec.Format(n))
	}
	sum := n.Checksum()
	if sum == "" {
		raw := sha256.Sum256(data)
		sum = hex.EncodeToString(raw[:])
	}
	return data, sum, nil
}

// StartTransfer registers a transfer of size bytes and returns its id.
func (h *Hub) StartTransfer(addr string, size int64) string {
	h.mu.Lock()
	defer h.mu.Unlock()
	id := uuid.NewString()
	h.transfers[id] = &protocol.Status{ID: id, Addr: addr, State: protocol.StateStarting, Size: size}
	return id
}

// Progress records received bytes of a transfer; state is set when not
// empty.
func (h *Hub) Progress(id string, received int64, state string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	st, ok := h.transfers[id]
	if !ok {
		return
	}
	st.Received = received
	if state != "" {
		st.State = state
	}
}

func (h *Hub) status(id string) *protocol.Response {
	st, ok := h.transfers[id]
	if !ok {
		return protocol.Failure(protocol.ErrNotFound, "unknown transfer "+id, map[string]string{protocol.MetaID: id})
	}
	return protocol.Single("", st.Meta())
}
