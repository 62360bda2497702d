// Package address implements the normalized, slash-delimited addresses that
// identify nodes within a hub tree.
package address

import (
	"fmt"
	"path"
	"strings"
)

// Root is the address of the top of every namespace.
const Root = "/"

// Error reports a malformed address. It is always a programmer error and is
// raised before any network I/O.
type Error struct {
	Addr   string
	Reason string
}

func (e *Error) Error() string {
	return fmt.Sprintf("invalid address %q: %s", e.Addr, e.Reason)
}

// Normalize collapses repeated separators, resolves "." and ".." lexically,
// strips any trailing separator and makes the result absolute.
func Normalize(s string) string {
	if s == "" {
		return Root
	}
	if !strings.HasPrefix(s, "/") {
		s = "/" + s
	}
	return path.Clean(s)
}

// Validate rejects addresses that are empty, relative, or not already in
// normalized form.
func Validate(s string) error {
	if s == "" {
		return &Error{Addr: s, Reason: "empty"}
	}
	if !strings.HasPrefix(s, "/") {
		return &Error{Addr: s, Reason: "not absolute"}
	}
	if n := Normalize(s); n != s {
		return &Error{Addr: s, Reason: "not normalized (want " + n + ")"}
	}
	return nil
}

// Resolve normalizes s relative to base when s is relative, then validates
// the result against the namespace rooted at root.
func Resolve(root, base, s string) (string, error) {
	if s == "" {
		return "", &Error{Addr: s, Reason: "empty"}
	}
	if !strings.HasPrefix(s, "/") {
		s = Join(base, s)
	}
	a := Normalize(s)
	if !Within(root, a) {
		return "", &Error{Addr: a, Reason: "outside root " + root}
	}
	return a, nil
}

// Parent returns the address of the containing node. The parent of the root
// is the root itself.
func Parent(a string) string {
	if a == Root || a == "" {
		return Root
	}
	i := strings.LastIndexByte(a, '/')
	if i <= 0 {
		return Root
	}
	return a[:i]
}

// Name returns the last segment of a, or "" for the root.
func Name(a string) string {
	if a == Root || a == "" {
		return ""
	}
	return a[strings.LastIndexByte(a, '/')+1:]
}

// Join appends key to a.
func Join(a, key string) string {
	if a == Root || a == "" {
		return "/" + key
	}
	return a + "/" + key
}

// Split returns the segments of a. The root has no segments.
func Split(a string) []string {
	if a == Root || a == "" {
		return nil
	}
	return strings.Split(strings.TrimPrefix(a, "/"), "/")
}

// Depth is the number of segments in a.
func Depth(a string) int {
	return len(Split(a))
}

// Within reports whether a is root or a descendant of root.
func Within(root, a string) bool {
	if root == Root || root == a {
		return true
	}
	return strings.HasPrefix(a, root+"/")
}

// Relative returns the segments leading from root down to a. The caller must
// ensure Within(root, a).
func Relative(root, a string) []string {
	if root == a {
		return nil
	}
	if root == Root {
		return Split(a)
	}
	return Split(strings.TrimPrefix(a, root))
}

// ValidKey reports whether key can be used as a single address segment.
func ValidKey(key string) bool {
	return key != "" && key != "." && key != ".." && !strings.Contains(key, "/")
}
