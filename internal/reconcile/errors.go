package reconcile

import (
	"context"
	"errors"
	"fmt"

	"github.com/mongoschema/mongoschema/internal/target"
)

// ErrReservedDatabase is an internal invariant violation: a mutation was
// about to be issued against admin, config or local.
var ErrReservedDatabase = errors.New("refusing to modify a reserved database")

// CollectionCreateError reports a collection the server would not drop or
// create. The rest of its database is skipped.
type CollectionCreateError struct {
	Database   string
	Collection string
	Op         string // "dropping" or "creating"
	Err        error
}

func (e *CollectionCreateError) Error() string {
	return fmt.Sprintf("%s collection %s.%s: %v", e.Op, e.Database, e.Collection, e.Err)
}

func (e *CollectionCreateError) Unwrap() error {
	return e.Err
}

// IndexCreateError reports an index that could not be created. Replace is
// set when the failure happened on the drop-and-recreate path.
type IndexCreateError struct {
	Database   string
	Collection string
	Index      string
	Replace    bool
	Err        error
}

func (e *IndexCreateError) Error() string {
	op := "creating"
	if e.Replace {
		op = "replacing"
	}
	return fmt.Sprintf("%s index %s on %s.%s: %v", op, e.Index, e.Database, e.Collection, e.Err)
}

func (e *IndexCreateError) Unwrap() error {
	return e.Err
}

// isAbort reports whether err must stop the whole run rather than be
// recorded against a single database, collection or index.
func isAbort(err error) bool {
	return errors.Is(err, target.ErrConnection) ||
		errors.Is(err, ErrReservedDatabase) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}

// guard must precede every mutating call.
func guard(db string) error {
	if target.IsReserved(db) {
		return fmt.Errorf("%w: %s", ErrReservedDatabase, db)
	}
	return nil
}
