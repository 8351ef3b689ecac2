package vcperr

import (
	"errors"
	"fmt"
)

// Kind classifies an error into one of the stable categories the server
// reports to clients and log channels.
type Kind string

const (
	KindProtocolParse       Kind = "protocol-parse-error"
	KindInvalidToolRequest  Kind = "invalid-tool-request"
	KindInvalidParamFormat  Kind = "invalid-parameter-format"
	KindToolNotFound        Kind = "tool-not-found"
	KindToolExecution       Kind = "tool-execution-failed"
	KindToolTimeout         Kind = "tool-timeout"
	KindInvalidToolArgs     Kind = "invalid-tool-args"
	KindVariableResolve     Kind = "variable-resolve-error"
	KindCircularDependency  Kind = "circular-dependency"
	KindMaxRecursionDepth   Kind = "max-recursion-depth"
	KindProviderNotFound    Kind = "provider-not-found"
	KindDistributedConn     Kind = "distributed-connection-error"
	KindDistributedTimeout  Kind = "distributed-timeout"
	KindDistributedAuth     Kind = "distributed-auth-failed"
	KindPluginLoad          Kind = "plugin-load-error"
	KindPluginInit          Kind = "plugin-init-error"
	KindPluginNotFound      Kind = "plugin-not-found"
	KindInvalidManifest     Kind = "invalid-plugin-manifest"
	KindWebSocketConn       Kind = "websocket-connection-error"
	KindWebSocketAuth       Kind = "websocket-auth-failed"
	KindWebSocketMessage    Kind = "websocket-message-error"
	KindInvalidConfig       Kind = "invalid-config"
	KindMissingConfig       Kind = "missing-required-config"
)

// Error is the typed error every component surfaces. Details carry
// structured context (plugin id, request id, timeout value, ...) for the
// presentation layers; the core never interprets them.
type Error struct {
	Kind    Kind
	Message string
	Details map[string]any
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports kind equality so errors.Is(err, vcperr.New(kind, "")) works
// without comparing messages.
func (e *Error) Is(target error) bool {
	var te *Error
	if !errors.As(target, &te) {
		return false
	}
	return e.Kind == te.Kind
}

// New constructs a typed error. The variadic detail pairs follow the slog
// convention: alternating string keys and values.
func New(kind Kind, msg string, details ...any) *Error {
	return &Error{Kind: kind, Message: msg, Details: pairDetails(details)}
}

// Newf constructs a typed error with a formatted message.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind and message to an underlying error.
func Wrap(kind Kind, msg string, err error, details ...any) *Error {
	return &Error{Kind: kind, Message: msg, Err: err, Details: pairDetails(details)}
}

// KindOf returns the kind of err, or "" when err carries no typed kind.
func KindOf(err error) Kind {
	var te *Error
	if errors.As(err, &te) {
		return te.Kind
	}
	return ""
}

// IsKind reports whether err (or anything it wraps) carries kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// Detail returns a single detail value by key, or nil.
func Detail(err error, key string) any {
	var te *Error
	if !errors.As(err, &te) {
		return nil
	}
	return te.Details[key]
}

func pairDetails(kv []any) map[string]any {
	if len(kv) == 0 {
		return nil
	}
	m := make(map[string]any, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		key, ok := kv[i].(string)
		if !ok {
			continue
		}
		m[key] = kv[i+1]
	}
	return m
}
