package snapshot

import (
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
)

// Snapshot is the captured schema of one or more databases. It is built once
// per export and only read afterwards.
type Snapshot struct {
	ExportedAt time.Time
	Databases  []Database
}

// Database holds the collections of one database in capture order.
type Database struct {
	Name        string
	Collections []Collection
}

// Collection holds creation options and index definitions. Options are
// opaque and replayed verbatim.
type Collection struct {
	Name    string
	Options bson.D
	Indexes []Index
}

// Index is one index definition. Keys order defines the compound index and
// must never be reordered.
type Index struct {
	Name    string
	Keys    []IndexKey
	Options bson.D
}

// IndexKey is one (field, spec) pair. Spec is an integer direction (1, -1)
// or a string index type such as "text", "2dsphere" or "hashed".
type IndexKey struct {
	Field string
	Spec  any
}

// Database returns the named database.
func (s *Snapshot) Database(name string) (Database, bool) {
	for _, db := range s.Databases {
		if db.Name == name {
			return db, true
		}
	}
	return Database{}, false
}

// DatabaseNames returns database names in snapshot order.
func (s *Snapshot) DatabaseNames() []string {
	names := make([]string, 0, len(s.Databases))
	for _, db := range s.Databases {
		names = append(names, db.Name)
	}
	return names
}

// Collection returns the named collection.
func (d Database) Collection(name string) (Collection, bool) {
	for _, c := range d.Collections {
		if c.Name == name {
			return c, true
		}
	}
	return Collection{}, false
}

// Index returns the named index.
func (c Collection) Index(name string) (Index, bool) {
	for _, idx := range c.Indexes {
		if idx.Name == name {
			return idx, true
		}
	}
	return Index{}, false
}

// KeyDocument renders Keys as an ordered BSON document.
func (i Index) KeyDocument() bson.D {
	doc := make(bson.D, 0, len(i.Keys))
	for _, k := range i.Keys {
		doc = append(doc, bson.E{Key: k.Field, Value: k.Spec})
	}
	return doc
}

// Counts returns the number of databases, collections and indexes.
func (s *Snapshot) Counts() (databases, collections, indexes int) {
	for _, db := range s.Databases {
		databases++
		for _, c := range db.Collections {
			collections++
			indexes += len(c.Indexes)
		}
	}
	return databases, collections, indexes
}

// Summary returns a one-line human-readable description.
func (s *Snapshot) Summary() string {
	dbs, colls, idx := s.Counts()
	exported := "unknown time"
	if !s.ExportedAt.IsZero() {
		exported = s.ExportedAt.Format(time.RFC3339)
	}
	return fmt.Sprintf("%d databases, %d collections, %d indexes (exported %s)", dbs, colls, idx, exported)
}

// Validate checks the structural invariants: non-empty unique names at every
// level and at least one key per index.
func (s *Snapshot) Validate() error {
	seenDB := make(map[string]bool, len(s.Databases))
	for _, db := range s.Databases {
		if db.Name == "" {
			return &FormatError{Msg: "database with empty name"}
		}
		if seenDB[db.Name] {
			return &FormatError{Msg: fmt.Sprintf("duplicate database %q", db.Name)}
		}
		seenDB[db.Name] = true

		seenColl := make(map[string]bool, len(db.Collections))
		for _, c := range db.Collections {
			if c.Name == "" {
				return &FormatError{Msg: fmt.Sprintf("collection with empty name in %s", db.Name)}
			}
			if seenColl[c.Name] {
				return &FormatError{Msg: fmt.Sprintf("duplicate collection %s.%s", db.Name, c.Name)}
			}
			seenColl[c.Name] = true

			seenIdx := make(map[string]bool, len(c.Indexes))
			for _, idx := range c.Indexes {
				ns := db.Name + "." + c.Name
				if idx.Name == "" {
					return &FormatError{Msg: fmt.Sprintf("index with empty name on %s", ns)}
				}
				if seenIdx[idx.Name] {
					return &FormatError{Msg: fmt.Sprintf("duplicate index %q on %s", idx.Name, ns)}
				}
				seenIdx[idx.Name] = true
				if len(idx.Keys) == 0 {
					return &FormatError{Msg: fmt.Sprintf("index %q on %s has no keys", idx.Name, ns)}
				}
			}
		}
	}
	return nil
}
