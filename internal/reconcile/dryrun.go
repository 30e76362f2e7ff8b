package reconcile

import (
	"context"
	"fmt"
	"sync"

	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/mongoschema/mongoschema/internal/target"
)

// recorder wraps a client for dry runs. Reads reach the server and are
// adjusted for the mutations recorded so far; mutations are only logged.
type recorder struct {
	target.Client

	mu         sync.Mutex
	calls      []target.Call
	droppedDBs map[string]bool
	colls      map[string]*simCollection
	order      map[string][]string
}

// simCollection is the simulated state of one namespace.
type simCollection struct {
	exists  bool // false once dropped
	fresh   bool // created in this run; the server has no state for it
	options bson.D
	dropped map[string]bool
	created []target.IndexModel
}

func newRecorder(client target.Client) *recorder {
	return &recorder{
		Client:     client,
		droppedDBs: make(map[string]bool),
		colls:      make(map[string]*simCollection),
		order:      make(map[string][]string),
	}
}

// Calls returns the recorded mutations in order.
func (r *recorder) Calls() []target.Call {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]target.Call(nil), r.calls...)
}

func (r *recorder) record(call target.Call) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, call)
}

func namespace(db, coll string) string {
	return db + "." + coll
}

func (r *recorder) ListCollections(ctx context.Context, db string) ([]target.CollectionSpec, error) {
	r.mu.Lock()
	dropped := r.droppedDBs[db]
	r.mu.Unlock()

	var specs []target.CollectionSpec
	if !dropped {
		var err error
		specs, err = r.Client.ListCollections(ctx, db)
		if err != nil {
			return nil, err
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]target.CollectionSpec, 0, len(specs))
	seen := make(map[string]bool)
	for _, s := range specs {
		if c, ok := r.colls[namespace(db, s.Name)]; ok && !c.exists {
			continue
		}
		seen[s.Name] = true
		out = append(out, s)
	}
	for _, name := range r.order[db] {
		c := r.colls[namespace(db, name)]
		if c.exists && !seen[name] {
			seen[name] = true
			typ := "collection"
			if _, isView := lookupString(c.options, "viewOn"); isView {
				typ = "view"
			}
			out = append(out, target.CollectionSpec{Name: name, Type: typ, Options: c.options})
		}
	}
	return out, nil
}

func (r *recorder) ListIndexes(ctx context.Context, db, collection string) ([]bson.D, error) {
	return r.indexes(ctx, db, collection, true)
}

// indexes returns the simulated index documents of a namespace. With strict
// unset, non-fatal read failures count as "no indexes".
func (r *recorder) indexes(ctx context.Context, db, collection string, strict bool) ([]bson.D, error) {
	r.mu.Lock()
	c := r.colls[namespace(db, collection)]
	dbDropped := r.droppedDBs[db]
	var (
		fresh   bool
		dropped map[string]bool
		created []target.IndexModel
	)
	if c != nil {
		fresh = c.fresh
		dropped = make(map[string]bool, len(c.dropped))
		for name := range c.dropped {
			dropped[name] = true
		}
		created = append(created, c.created...)
	}
	r.mu.Unlock()

	var docs []bson.D
	if !fresh && !dbDropped {
		raw, err := r.Client.ListIndexes(ctx, db, collection)
		if err != nil && (strict || isAbort(err)) {
			return nil, err
		}
		for _, doc := range raw {
			if name, _ := lookupString(doc, "name"); dropped[name] {
				continue
			}
			docs = append(docs, doc)
		}
	}
	for _, m := range created {
		docs = append(docs, m.Spec())
	}
	return docs, nil
}

func (r *recorder) DropDatabase(_ context.Context, db string) error {
	r.record(target.Call{Op: target.OpDropDatabase, Database: db})
	r.mu.Lock()
	defer r.mu.Unlock()
	r.droppedDBs[db] = true
	for _, name := range r.order[db] {
		delete(r.colls, namespace(db, name))
	}
	delete(r.order, db)
	return nil
}

func (r *recorder) CreateCollection(_ context.Context, db, name string, opts bson.D) error {
	r.record(target.Call{Op: target.OpCreateCollection, Database: db, Collection: name})
	r.mu.Lock()
	defer r.mu.Unlock()
	c := &simCollection{exists: true, fresh: true, options: opts, dropped: make(map[string]bool)}
	if _, isView := lookupString(opts, "viewOn"); !isView {
		c.created = []target.IndexModel{{Name: "_id_", Keys: bson.D{{Key: "_id", Value: int32(1)}}}}
	}
	ns := namespace(db, name)
	if _, ok := r.colls[ns]; !ok {
		r.order[db] = append(r.order[db], name)
	}
	r.colls[ns] = c
	return nil
}

func (r *recorder) DropCollection(_ context.Context, db, name string) error {
	r.record(target.Call{Op: target.OpDropCollection, Database: db, Collection: name})
	r.mu.Lock()
	defer r.mu.Unlock()
	ns := namespace(db, name)
	if _, ok := r.colls[ns]; !ok {
		r.order[db] = append(r.order[db], name)
	}
	r.colls[ns] = &simCollection{fresh: true, dropped: make(map[string]bool)}
	return nil
}

// CreateIndex reports a simulated name collision when the name is already
// held by a different definition, so the replace path is planned as well.
func (r *recorder) CreateIndex(ctx context.Context, db, collection string, index target.IndexModel) error {
	r.record(target.Call{Op: target.OpCreateIndex, Database: db, Collection: collection, Index: index.Name})

	current, err := r.indexes(ctx, db, collection, false)
	if err != nil {
		return err
	}
	for _, doc := range current {
		if name, _ := lookupString(doc, "name"); name == index.Name {
			if target.IndexMatches(doc, index) {
				return nil
			}
			return fmt.Errorf("creating index %s on %s.%s: %w", index.Name, db, collection, target.ErrIndexNameCollision)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	c := r.simulated(db, collection)
	c.created = append(c.created, index)
	return nil
}

func (r *recorder) DropIndex(_ context.Context, db, collection, name string) error {
	r.record(target.Call{Op: target.OpDropIndex, Database: db, Collection: collection, Index: name})
	r.mu.Lock()
	defer r.mu.Unlock()
	c := r.simulated(db, collection)
	c.dropped[name] = true
	kept := c.created[:0]
	for _, m := range c.created {
		if m.Name != name {
			kept = append(kept, m)
		}
	}
	c.created = kept
	return nil
}

// simulated returns the namespace state, creating an entry for a collection
// that exists on the server. Must be called with mu held.
func (r *recorder) simulated(db, collection string) *simCollection {
	ns := namespace(db, collection)
	c, ok := r.colls[ns]
	if !ok {
		c = &simCollection{exists: true, dropped: make(map[string]bool)}
		r.colls[ns] = c
		r.order[db] = append(r.order[db], collection)
	}
	return c
}

func lookupString(doc bson.D, key string) (string, bool) {
	for _, e := range doc {
		if e.Key == key {
			s, ok := e.Value.(string)
			return s, ok
		}
	}
	return "", false
}
