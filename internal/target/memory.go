package target

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
)

// Operation names recorded in Call.Op.
const (
	OpListDatabases    = "listDatabases"
	OpDropDatabase     = "dropDatabase"
	OpListCollections  = "listCollections"
	OpCreateCollection = "createCollection"
	OpDropCollection   = "dropCollection"
	OpListIndexes      = "listIndexes"
	OpCreateIndex      = "createIndex"
	OpDropIndex        = "dropIndex"
)

// Call is one recorded driver operation.
type Call struct {
	Op         string `json:"op" yaml:"op"`
	Database   string `json:"database,omitempty" yaml:"database,omitempty"`
	Collection string `json:"collection,omitempty" yaml:"collection,omitempty"`
	Index      string `json:"index,omitempty" yaml:"index,omitempty"`
}

// Mutating reports whether the call changes server state.
func (c Call) Mutating() bool {
	switch c.Op {
	case OpDropDatabase, OpCreateCollection, OpDropCollection, OpCreateIndex, OpDropIndex:
		return true
	}
	return false
}

func (c Call) String() string {
	s := c.Op
	if c.Database != "" {
		s += " " + c.Database
	}
	if c.Collection != "" {
		s += "." + c.Collection
	}
	if c.Index != "" {
		s += " [" + c.Index + "]"
	}
	return s
}

// MemoryClient is an in-memory MongoDB stand-in with the server behaviors
// the reconciliation engine relies on: an implicit _id_ index, no-op
// re-creation of identical indexes, name-collision failures, and implicit
// collection creation by createIndexes.
type MemoryClient struct {
	mu    sync.Mutex
	dbs   map[string]*memDatabase
	calls []Call

	// Fault, when set, runs before every operation; a non-nil return fails
	// the operation with that error.
	Fault func(call Call) error
}

type memDatabase struct {
	collections map[string]*memCollection
	order       []string
}

type memCollection struct {
	options bson.D
	indexes []IndexModel
}

// NewMemoryClient returns an empty in-memory server.
func NewMemoryClient() *MemoryClient {
	return &MemoryClient{dbs: make(map[string]*memDatabase)}
}

// AddCollection seeds a collection without recording a call.
func (m *MemoryClient) AddCollection(db, name string, opts bson.D) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.createCollection(db, name, opts)
}

// AddIndex seeds an index without recording a call, creating the collection
// if needed and replacing any index with the same name.
func (m *MemoryClient) AddIndex(db, collection string, index IndexModel) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := m.collection(db, collection)
	if c == nil {
		c = m.createCollection(db, collection, nil)
	}
	for i, existing := range c.indexes {
		if existing.Name == index.Name {
			c.indexes[i] = index
			return
		}
	}
	c.indexes = append(c.indexes, index)
}

// Indexes returns the indexes of a collection in creation order.
func (m *MemoryClient) Indexes(db, collection string) []IndexModel {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := m.collection(db, collection)
	if c == nil {
		return nil
	}
	return append([]IndexModel(nil), c.indexes...)
}

// Index returns the named index of a collection.
func (m *MemoryClient) Index(db, collection, name string) (IndexModel, bool) {
	for _, idx := range m.Indexes(db, collection) {
		if idx.Name == name {
			return idx, true
		}
	}
	return IndexModel{}, false
}

// Collections returns the collection names of db in creation order.
func (m *MemoryClient) Collections(db string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.dbs[db]
	if !ok {
		return nil
	}
	return append([]string(nil), d.order...)
}

// CollectionOptions returns the stored creation options of a collection.
func (m *MemoryClient) CollectionOptions(db, collection string) bson.D {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c := m.collection(db, collection); c != nil {
		return c.options
	}
	return nil
}

// Calls returns every recorded operation in order.
func (m *MemoryClient) Calls() []Call {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Call(nil), m.calls...)
}

// CallsFor returns the recorded operations issued against db.
func (m *MemoryClient) CallsFor(db string) []Call {
	var out []Call
	for _, c := range m.Calls() {
		if c.Database == db {
			out = append(out, c)
		}
	}
	return out
}

// Mutations returns the recorded operations that change server state.
func (m *MemoryClient) Mutations() []Call {
	var out []Call
	for _, c := range m.Calls() {
		if c.Mutating() {
			out = append(out, c)
		}
	}
	return out
}

// ResetCalls clears the call log.
func (m *MemoryClient) ResetCalls() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = nil
}

func (m *MemoryClient) ListDatabases(_ context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.record(Call{Op: OpListDatabases}); err != nil {
		return nil, err
	}
	names := make([]string, 0, len(m.dbs))
	for name := range m.dbs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (m *MemoryClient) DropDatabase(_ context.Context, db string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.record(Call{Op: OpDropDatabase, Database: db}); err != nil {
		return err
	}
	delete(m.dbs, db)
	return nil
}

func (m *MemoryClient) ListCollections(_ context.Context, db string) ([]CollectionSpec, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.record(Call{Op: OpListCollections, Database: db}); err != nil {
		return nil, err
	}
	d, ok := m.dbs[db]
	if !ok {
		return nil, nil
	}
	specs := make([]CollectionSpec, 0, len(d.order))
	for _, name := range d.order {
		c := d.collections[name]
		typ := "collection"
		if c.isView() {
			typ = "view"
		}
		specs = append(specs, CollectionSpec{Name: name, Type: typ, Options: append(bson.D{}, c.options...)})
	}
	return specs, nil
}

func (m *MemoryClient) CreateCollection(_ context.Context, db, name string, opts bson.D) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.record(Call{Op: OpCreateCollection, Database: db, Collection: name}); err != nil {
		return err
	}
	if m.collection(db, name) != nil {
		return fmt.Errorf("creating collection %s.%s: %w", db, name, mongo.CommandError{
			Code:    codeNamespaceExists,
			Name:    "NamespaceExists",
			Message: fmt.Sprintf("Collection %s.%s already exists.", db, name),
		})
	}
	m.createCollection(db, name, opts)
	return nil
}

func (m *MemoryClient) DropCollection(_ context.Context, db, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.record(Call{Op: OpDropCollection, Database: db, Collection: name}); err != nil {
		return err
	}
	d, ok := m.dbs[db]
	if !ok {
		return nil
	}
	if _, ok := d.collections[name]; !ok {
		return nil
	}
	delete(d.collections, name)
	for i, n := range d.order {
		if n == name {
			d.order = append(d.order[:i], d.order[i+1:]...)
			break
		}
	}
	return nil
}

func (m *MemoryClient) ListIndexes(_ context.Context, db, collection string) ([]bson.D, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.record(Call{Op: OpListIndexes, Database: db, Collection: collection}); err != nil {
		return nil, err
	}
	c := m.collection(db, collection)
	if c == nil {
		return nil, fmt.Errorf("listing indexes of %s.%s: %w", db, collection, mongo.CommandError{
			Code:    codeNamespaceNotFound,
			Name:    "NamespaceNotFound",
			Message: fmt.Sprintf("ns does not exist: %s.%s", db, collection),
		})
	}
	if c.isView() {
		return nil, fmt.Errorf("listing indexes of %s.%s: %w", db, collection, viewError(db, collection))
	}
	docs := make([]bson.D, 0, len(c.indexes))
	for _, idx := range c.indexes {
		doc := bson.D{{Key: "v", Value: int32(2)}}
		doc = append(doc, idx.Spec()...)
		docs = append(docs, doc)
	}
	return docs, nil
}

func (m *MemoryClient) CreateIndex(_ context.Context, db, collection string, index IndexModel) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.record(Call{Op: OpCreateIndex, Database: db, Collection: collection, Index: index.Name}); err != nil {
		return err
	}
	op := fmt.Sprintf("creating index %s on %s.%s", index.Name, db, collection)
	if len(index.Keys) == 0 {
		return fmt.Errorf("%s: %w", op, mongo.CommandError{
			Code:    codeInvalidOptions,
			Name:    "CannotCreateIndex",
			Message: "Index keys cannot be empty.",
		})
	}

	c := m.collection(db, collection)
	if c == nil {
		c = m.createCollection(db, collection, nil)
	}
	if c.isView() {
		return fmt.Errorf("%s: %w", op, viewError(db, collection))
	}
	for _, existing := range c.indexes {
		if existing.Name != index.Name {
			continue
		}
		if IndexMatches(existing.Spec(), index) {
			return nil
		}
		return classifyIndexError(op, mongo.CommandError{
			Code: codeIndexKeySpecsConflict,
			Name: "IndexKeySpecsConflict",
			Message: fmt.Sprintf("An existing index has the same name as the requested index. "+
				"When index names are not specified, they are auto generated and can cause conflicts. "+
				"Requested index: %v, existing index: %v", index.Spec(), existing.Spec()),
		})
	}
	// The server allows one index per key pattern regardless of options.
	for _, existing := range c.indexes {
		if valuesEqual(existing.Keys, index.Keys) {
			return classifyIndexError(op, mongo.CommandError{
				Code:    codeIndexOptionsConflict,
				Name:    "IndexOptionsConflict",
				Message: fmt.Sprintf("Index already exists with a different name: %s", existing.Name),
			})
		}
	}
	c.indexes = append(c.indexes, index)
	return nil
}

func (c *memCollection) isView() bool {
	return lookup(c.options, "viewOn") != nil
}

func viewError(db, collection string) error {
	return mongo.CommandError{
		Code:    codeCommandNotSupportedOnView,
		Name:    "CommandNotSupportedOnView",
		Message: fmt.Sprintf("Namespace %s.%s is a view, not a collection", db, collection),
	}
}

func (m *MemoryClient) DropIndex(_ context.Context, db, collection, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.record(Call{Op: OpDropIndex, Database: db, Collection: collection, Index: name}); err != nil {
		return err
	}
	op := fmt.Sprintf("dropping index %s on %s.%s", name, db, collection)
	if name == "_id_" {
		return fmt.Errorf("%s: %w", op, mongo.CommandError{
			Code:    codeInvalidOptions,
			Name:    "InvalidOptions",
			Message: "cannot drop _id index",
		})
	}
	c := m.collection(db, collection)
	if c != nil {
		for i, idx := range c.indexes {
			if idx.Name == name {
				c.indexes = append(c.indexes[:i], c.indexes[i+1:]...)
				return nil
			}
		}
	}
	return fmt.Errorf("%s: %w", op, mongo.CommandError{
		Code:    codeIndexNotFound,
		Name:    "IndexNotFound",
		Message: fmt.Sprintf("index not found with name [%s]", name),
	})
}

func (m *MemoryClient) Close(_ context.Context) error {
	return nil
}

// record must be called with mu held.
func (m *MemoryClient) record(call Call) error {
	m.calls = append(m.calls, call)
	if m.Fault != nil {
		return m.Fault(call)
	}
	return nil
}

func (m *MemoryClient) collection(db, name string) *memCollection {
	d, ok := m.dbs[db]
	if !ok {
		return nil
	}
	return d.collections[name]
}

func (m *MemoryClient) createCollection(db, name string, opts bson.D) *memCollection {
	d, ok := m.dbs[db]
	if !ok {
		d = &memDatabase{collections: make(map[string]*memCollection)}
		m.dbs[db] = d
	}
	c := &memCollection{options: append(bson.D(nil), opts...)}
	if lookup(opts, "viewOn") == nil {
		c.indexes = []IndexModel{{Name: "_id_", Keys: bson.D{{Key: "_id", Value: int32(1)}}}}
	}
	d.collections[name] = c
	d.order = append(d.order, name)
	return c
}
