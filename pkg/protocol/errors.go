package protocol

import (
	"errors"
	"fmt"
	"strconv"
)

// Error types sent in Head.Error.Type.
const (
	ErrDoesNotExist       = "does-not-exist"
	ErrNotFound           = "not-found"
	ErrConflict           = "conflict"
	ErrPreconditionFailed = "precondition-failed"
	ErrBadRequest         = "bad-request"
	ErrInternal           = "internal"
)

// RemoteError is a structured failure reported by the server.
type RemoteError struct {
	Type    string
	Message string
	Addr    string
}

func (e *RemoteError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = e.Type
	}
	if e.Addr != "" {
		return fmt.Sprintf("hub %s: %s", e.Addr, msg)
	}
	return "hub: " + msg
}

// NotFound reports whether the server said the target does not exist.
func (e *RemoteError) NotFound() bool {
	return e.Type == ErrDoesNotExist || e.Type == ErrNotFound
}

// ConflictError is returned when a conditional write lost against a newer
// server version.
type ConflictError struct {
	Addr         string
	Type         string
	Message      string
	CurrentMTime int64
}

func (e *ConflictError) Error() string {
	if e.CurrentMTime > 0 {
		return fmt.Sprintf("conflict on %s: server has mtime %d", e.Addr, e.CurrentMTime)
	}
	if e.Message != "" {
		return fmt.Sprintf("conflict on %s: %s", e.Addr, e.Message)
	}
	return "conflict on " + e.Addr
}

// AsConflict checks if an error is a ConflictError and returns it.
func AsConflict(err error) (*ConflictError, bool) {
	var ce *ConflictError
	if errors.As(err, &ce) {
		return ce, true
	}
	return nil, false
}

// AsRemote checks if an error is a RemoteError and returns it.
func AsRemote(err error) (*RemoteError, bool) {
	var re *RemoteError
	if errors.As(err, &re) {
		return re, true
	}
	return nil, false
}

// IsNotFound reports whether err is a remote does-not-exist or not-found.
func IsNotFound(err error) bool {
	re, ok := AsRemote(err)
	return ok && re.NotFound()
}

func (e *ErrorInfo) classify(meta map[string]string) error {
	addr := meta[MetaAddr]
	switch e.Type {
	case ErrConflict, ErrPreconditionFailed:
		mtime, _ := strconv.ParseInt(meta[MetaMTime], 10, 64)
		return &ConflictError{Addr: addr, Type: e.Type, Message: e.Message, CurrentMTime: mtime}
	}
	return &RemoteError{Type: e.Type, Message: e.Message, Addr: addr}
}
