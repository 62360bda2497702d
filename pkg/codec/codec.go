// Package codec converts hub nodes to and from their wire text.
//
// The text form is "<scheme>:<node>". A node is a marker ('%' map, '@'
// list, '$' scalar), an optional attribute block "(name=value;...)" and an
// optional body: "{key:node,...}" for maps, "[node,...]" for lists and
// "\"value\"" for scalars. A container written without a body was not
// listed and decodes as partial. Names, values and keys are encoded with
// the scheme, so structural characters never appear inside them.
package codec

import (
	"encoding/base64"
	"fmt"
	"net/url"
	"sort"
	"strings"

	"github.com/fruitsalade/fruitsalade/hub/pkg/node"
)

// Scheme selects how components are encoded.
type Scheme string

const (
	SchemeURL    Scheme = "url"
	SchemeBase64 Scheme = "b64"
)

const (
	markerMap    = '%'
	markerList   = '@'
	markerScalar = '$'
)

// SyntaxError reports malformed wire text.
type SyntaxError struct {
	Offset int
	Msg    string
}

func (e *SyntaxError) Error() string {
	return fmt.Sprintf("codec: %s at offset %d", e.Msg, e.Offset)
}

// Options controls Format.
type Options struct {
	Scheme Scheme
	// Depth limits how many container levels get a body. Negative means
	// unlimited; 0 writes the node's attributes only.
	Depth int
}

// Format encodes n and all of its descendants with the URL scheme.
func Format(n *node.Node) string {
	return FormatWith(n, Options{Scheme: SchemeURL, Depth: -1})
}

// FormatWith encodes n according to opts.
func FormatWith(n *node.Node, opts Options) string {
	if opts.Scheme == "" {
		opts.Scheme = SchemeURL
	}
	var b strings.Builder
	b.WriteString(string(opts.Scheme))
	b.WriteByte(':')
	writeNode(&b, n, opts.Scheme, opts.Depth)
	return b.String()
}

// wireAttrs are dropped on output: the receiver derives them from the
// position of the node.
var wireAttrs = map[string]bool{
	node.AttrAddr: true,
	node.AttrKey:  true,
}

func writeNode(b *strings.Builder, n *node.Node, s Scheme, depth int) {
	switch n.Kind() {
	case node.Map:
		b.WriteByte(markerMap)
	case node.List:
		b.WriteByte(markerList)
	default:
		b.WriteByte(markerScalar)
	}

	attrs := n.Attrs()
	names := make([]string, 0, len(attrs))
	for k := range attrs {
		if !wireAttrs[k] {
			names = append(names, k)
		}
	}
	if len(names) > 0 {
		sort.Strings(names)
		b.WriteByte('(')
		for i, k := range names {
			if i > 0 {
				b.WriteByte(';')
			}
			b.WriteString(encode(s, k))
			b.WriteByte('=')
			b.WriteString(encode(s, attrs[k]))
		}
		b.WriteByte(')')
	}

	switch n.Kind() {
	case node.Scalar:
		b.WriteByte('"')
		b.WriteString(encode(s, n.Value()))
		b.WriteByte('"')
		return
	}
	if n.Partial() || depth == 0 {
		return
	}
	lb, rb := byte('{'), byte('}')
	if n.Kind() == node.List {
		lb, rb = '[', ']'
	}
	b.WriteByte(lb)
	for i, k := range n.Keys() {
		if i > 0 {
			b.WriteByte(',')
		}
		if n.Kind() == node.Map {
			b.WriteString(encode(s, k))
			b.WriteByte(':')
		}
		writeNode(b, n.Child(k), s, depth-1)
	}
	b.WriteByte(rb)
}

func encode(s Scheme, v string) string {
	if s == SchemeBase64 {
		return base64.RawURLEncoding.EncodeToString([]byte(v))
	}
	return url.QueryEscape(v)
}

func decode(s Scheme, v string) (string, error) {
	if s == SchemeBase64 {
		raw, err := base64.RawURLEncoding.DecodeString(v)
		return string(raw), err
	}
	return url.QueryUnescape(v)
}

// Parse decodes wire text into a detached node tree.
func Parse(text string) (*node.Node, error) {
	scheme, rest, ok := strings.Cut(text, ":")
	if !ok {
		return nil, &SyntaxError{Offset: 0, Msg: "missing scheme"}
	}
	s := Scheme(scheme)
	if s != SchemeURL && s != SchemeBase64 {
		return nil, &SyntaxError{Offset: 0, Msg: fmt.Sprintf("unknown scheme %q", scheme)}
	}
	p := &parser{src: rest, base: len(scheme) + 1, scheme: s}
	n, err := p.parseNode()
	if err != nil {
		return nil, err
	}
	if p.pos != len(p.src) {
		return nil, p.errorf("trailing data")
	}
	return n, nil
}

type parser struct {
	src    string
	pos    int
	base   int
	scheme Scheme
}

func (p *parser) errorf(format string, args ...any) error {
	return &SyntaxError{Offset: p.base + p.pos, Msg: fmt.Sprintf(format, args...)}
}

func (p *parser) peek() byte {
	if p.pos < len(p.src) {
		return p.src[p.pos]
	}
	return 0
}

func (p *parser) expect(c byte) error {
	if p.peek() != c {
		if p.pos >= len(p.src) {
			return p.errorf("expected %q, got end of input", c)
		}
		return p.errorf("expected %q, got %q", c, p.src[p.pos])
	}
	p.pos++
	return nil
}

func isComponentByte(c byte) bool {
	switch {
	case 'a' <= c && c <= 'z', 'A' <= c && c <= 'Z', '0' <= c && c <= '9':
		return true
	}
	switch c {
	case '-', '_', '.', '~', '%', '+':
		return true
	}
	return false
}

// component reads and decodes one encoded name, value or key.
func (p *parser) component() (string, error) {
	start := p.pos
	for p.pos < len(p.src) && isComponentByte(p.src[p.pos]) {
		p.pos++
	}
	v, err := decode(p.scheme, p.src[start:p.pos])
	if err != nil {
		return "", &SyntaxError{Offset: p.base + start, Msg: "bad component: " + err.Error()}
	}
	return v, nil
}

func (p *parser) parseNode() (*node.Node, error) {
	var n *node.Node
	switch p.peek() {
	case markerMap:
		n = node.NewMap("")
	case markerList:
		n = node.NewList("")
	case markerScalar:
		n = node.NewScalar("", "")
	default:
		if p.pos >= len(p.src) {
			return nil, p.errorf("expected node, got end of input")
		}
		return nil, p.errorf("unknown marker %q", p.src[p.pos])
	}
	p.pos++

	if p.peek() == '(' {
		if err := p.attrs(n); err != nil {
			return nil, err
		}
	}

	switch n.Kind() {
	case node.Scalar:
		if p.peek() != '"' {
			return n, nil
		}
		p.pos++
		v, err := p.component()
		if err != nil {
			return nil, err
		}
		if err := p.expect('"'); err != nil {
			return nil, err
		}
		n.SetValue(v)
	case node.Map:
		if p.peek() != '{' {
			n.SetPartial(true)
			return n, nil
		}
		if err := p.mapBody(n); err != nil {
			return nil, err
		}
	case node.List:
		if p.peek() != '[' {
			n.SetPartial(true)
			return n, nil
		}
		if err := p.listBody(n); err != nil {
			return nil, err
		}
	}
	return n, nil
}

func (p *parser) attrs(n *node.Node) error {
	p.pos++ // '('
	if p.peek() == ')' {
		p.pos++
		return nil
	}
	for {
		k, err := p.component()
		if err != nil {
			return err
		}
		if k == "" {
			return p.errorf("empty attribute name")
		}
		if err := p.expect('='); err != nil {
			return err
		}
		v, err := p.component()
		if err != nil {
			return err
		}
		n.SetAttr(k, v)
		switch p.peek() {
		case ';':
			p.pos++
		case ')':
			p.pos++
			return nil
		default:
			return p.errorf("unterminated attributes")
		}
	}
}

func (p *parser) mapBody(n *node.Node) error {
	p.pos++ // '{'
	if p.peek() == '}' {
		p.pos++
		return nil
	}
	for {
		at := p.pos
		k, err := p.component()
		if err != nil {
			return err
		}
		if err := p.expect(':'); err != nil {
			return err
		}
		child, err := p.parseNode()
		if err != nil {
			return err
		}
		if err := n.Set(k, child); err != nil {
			return &SyntaxError{Offset: p.base + at, Msg: err.Error()}
		}
		switch p.peek() {
		case ',':
			p.pos++
		case '}':
			p.pos++
			return nil
		default:
			return p.errorf("unterminated map")
		}
	}
}

func (p *parser) listBody(n *node.Node) error {
	p.pos++ // '['
	if p.peek() == ']' {
		p.pos++
		return nil
	}
	for {
		child, err := p.parseNode()
		if err != nil {
			return err
		}
		n.Append(child)
		switch p.peek() {
		case ',':
			p.pos++
		case ']':
			p.pos++
			return nil
		default:
			return p.errorf("unterminated list")
		}
	}
}
