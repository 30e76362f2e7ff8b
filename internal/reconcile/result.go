package reconcile

import (
	"errors"

	"github.com/mongoschema/mongoschema/internal/target"
)

// Action is what the engine did, or would do in a dry run, to one object.
type Action string

const (
	ActionApplied   Action = "applied"   // database processed
	ActionDropped   Action = "dropped"   // database dropped before processing
	ActionCreated   Action = "created"   // collection or index created
	ActionExists    Action = "exists"    // collection already present, left as is
	ActionRecreated Action = "recreated" // collection dropped and created
	ActionSkipped   Action = "skipped"
	ActionUnchanged Action = "unchanged" // forced index already matched
	ActionReplaced  Action = "replaced"  // index dropped and created
	ActionFailed    Action = "failed"
)

// Result is the outcome of one Apply. Databases follow snapshot order.
type Result struct {
	DryRun    bool
	Databases []DatabaseResult
	// Planned lists the mutations a dry run would have issued, in order.
	Planned []target.Call
}

// DatabaseResult is the outcome for one snapshot database. Err is set when
// the database failed as a whole.
type DatabaseResult struct {
	Name        string
	Action      Action
	Reason      string
	Collections []CollectionResult
	Err         error
}

// CollectionResult is the outcome for one collection and its indexes.
type CollectionResult struct {
	Name    string
	Action  Action
	Indexes []IndexResult
	Err     error
}

// IndexResult is the outcome for one index.
type IndexResult struct {
	Name   string
	Action Action
	Err    error
}

// Err joins every recorded failure, or returns nil.
func (r *Result) Err() error {
	var errs []error
	for _, db := range r.Databases {
		if db.Err != nil {
			errs = append(errs, db.Err)
		}
		for _, c := range db.Collections {
			if c.Err != nil {
				errs = append(errs, c.Err)
			}
			for _, idx := range c.Indexes {
				if idx.Err != nil {
					errs = append(errs, idx.Err)
				}
			}
		}
	}
	return errors.Join(errs...)
}

// Database returns the result for the named database.
func (r *Result) Database(name string) (DatabaseResult, bool) {
	for _, db := range r.Databases {
		if db.Name == name {
			return db, true
		}
	}
	return DatabaseResult{}, false
}

// Collection returns the result for the named collection.
func (d DatabaseResult) Collection(name string) (CollectionResult, bool) {
	for _, c := range d.Collections {
		if c.Name == name {
			return c, true
		}
	}
	return CollectionResult{}, false
}

// Index returns the result for the named index.
func (c CollectionResult) Index(name string) (IndexResult, bool) {
	for _, idx := range c.Indexes {
		if idx.Name == name {
			return idx, true
		}
	}
	return IndexResult{}, false
}

// Counts tallies actions per level.
type Counts struct {
	Databases   map[Action]int
	Collections map[Action]int
	Indexes     map[Action]int
}

// Counts tallies the actions of r by level.
func (r *Result) Counts() Counts {
	c := Counts{
		Databases:   make(map[Action]int),
		Collections: make(map[Action]int),
		Indexes:     make(map[Action]int),
	}
	for _, db := range r.Databases {
		c.Databases[db.Action]++
		for _, coll := range db.Collections {
			c.Collections[coll.Action]++
			for _, idx := range coll.Indexes {
				c.Indexes[idx.Action]++
			}
		}
	}
	return c
}
