package target

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/x/mongo/driver/auth"
	"go.mongodb.org/mongo-driver/v2/x/mongo/driver/topology"
)

var (
	// ErrConnection matches every ConnectionError.
	ErrConnection = errors.New("cannot reach MongoDB server")

	// ErrIndexNameCollision is wrapped by CreateIndex when the requested
	// index name is already used by an index with a different definition.
	ErrIndexNameCollision = errors.New("index name already in use with a different definition")
)

// Server error codes the adapter classifies.
const (
	codeNamespaceNotFound     = 26
	codeIndexNotFound         = 27
	codeNamespaceExists       = 48
	codeIndexAlreadyExists    = 68
	codeInvalidOptions        = 72
	codeIndexOptionsConflict  = 85
	codeIndexKeySpecsConflict = 86

	codeCommandNotSupportedOnView = 166
)

// ConnectionError reports that the server could not be reached or
// authenticated against. It aborts the whole run.
type ConnectionError struct {
	Op  string
	Err error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *ConnectionError) Unwrap() []error {
	return []error{ErrConnection, e.Err}
}

// classify wraps a driver error with op context, promoting network and
// server-selection failures to ConnectionError.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if isConnectionFailure(err) {
		return &ConnectionError{Op: op, Err: err}
	}
	return fmt.Errorf("%s: %w", op, err)
}

func isConnectionFailure(err error) bool {
	if errors.Is(err, context.Canceled) {
		return false
	}
	if mongo.IsNetworkError(err) || errors.Is(err, mongo.ErrClientDisconnected) {
		return true
	}
	var (
		sse topology.ServerSelectionError
		ce  topology.ConnectionError
		ae  *auth.Error
	)
	if errors.As(err, &sse) || errors.As(err, &ce) || errors.As(err, &ae) {
		return true
	}
	// Last resort for failures that reach us already flattened to text.
	msg := err.Error()
	return strings.Contains(msg, "server selection error") ||
		strings.Contains(msg, "auth error") ||
		strings.Contains(msg, "connection() error")
}

// isNameCollision reports whether a createIndexes failure means the index
// name is taken by a differently shaped index. Code 85 is also returned when
// the same key pattern exists under another name; that case is not a name
// collision and dropping by name would not resolve it.
func isNameCollision(err error) bool {
	var se mongo.ServerError
	if !errors.As(err, &se) {
		return false
	}
	switch {
	case se.HasErrorCode(codeIndexKeySpecsConflict), se.HasErrorCode(codeIndexAlreadyExists):
		return true
	case se.HasErrorCode(codeIndexOptionsConflict):
		return !strings.Contains(strings.ToLower(err.Error()), "different name")
	}
	return false
}

// classifyIndexError wraps a createIndexes failure, tagging name collisions.
func classifyIndexError(op string, err error) error {
	if err == nil {
		return nil
	}
	if isNameCollision(err) {
		return fmt.Errorf("%s: %w: %w", op, ErrIndexNameCollision, err)
	}
	return classify(op, err)
}

// IsNamespaceExists reports whether err is the server's "collection already
// exists" failure.
func IsNamespaceExists(err error) bool {
	var se mongo.ServerError
	return errors.As(err, &se) && se.HasErrorCode(codeNamespaceExists)
}
