package target

import (
	"context"
	"reflect"

	"go.mongodb.org/mongo-driver/v2/bson"
)

// Client is the capability surface the extractor and the reconciliation
// engine need from a MongoDB deployment. Every call takes a context so
// callers can bound or cancel it.
type Client interface {
	ListDatabases(ctx context.Context) ([]string, error)
	DropDatabase(ctx context.Context, db string) error

	ListCollections(ctx context.Context, db string) ([]CollectionSpec, error)
	CreateCollection(ctx context.Context, db, name string, opts bson.D) error
	DropCollection(ctx context.Context, db, name string) error

	// ListIndexes returns the raw index documents as the server reports
	// them (key, name, v and any options).
	ListIndexes(ctx context.Context, db, collection string) ([]bson.D, error)
	// CreateIndex fails with an error matching ErrIndexNameCollision when an
	// index with the same name but a different definition exists.
	CreateIndex(ctx context.Context, db, collection string, index IndexModel) error
	DropIndex(ctx context.Context, db, collection, name string) error

	Close(ctx context.Context) error
}

// CollectionSpec is one entry of a listCollections response.
type CollectionSpec struct {
	Name    string `bson:"name"`
	Type    string `bson:"type"` // "collection", "view", "timeseries"
	Options bson.D `bson:"options"`
}

// IndexModel describes an index to create. Keys keeps field order; Options
// holds everything else the createIndexes command accepts.
type IndexModel struct {
	Name    string
	Keys    bson.D
	Options bson.D
}

// Spec renders the model as one element of a createIndexes "indexes" array.
func (m IndexModel) Spec() bson.D {
	spec := bson.D{
		{Key: "key", Value: m.Keys},
		{Key: "name", Value: m.Name},
	}
	for _, e := range m.Options {
		if e.Key == "key" || e.Key == "name" {
			continue
		}
		spec = append(spec, e)
	}
	return spec
}

// reservedDatabases are owned by the server itself.
var reservedDatabases = map[string]bool{
	"admin":  true,
	"config": true,
	"local":  true,
}

// IsReserved reports whether db is one of the server's internal databases,
// which must never be created, dropped or altered.
func IsReserved(db string) bool {
	return reservedDatabases[db]
}

// CollectionNames returns the names of specs in order.
func CollectionNames(specs []CollectionSpec) []string {
	names := make([]string, 0, len(specs))
	for _, s := range specs {
		names = append(names, s.Name)
	}
	return names
}

// IndexNames collects the "name" field of raw index documents into a set.
func IndexNames(raw []bson.D) map[string]bool {
	names := make(map[string]bool, len(raw))
	for _, doc := range raw {
		if name, ok := lookup(doc, "name").(string); ok {
			names[name] = true
		}
	}
	return names
}

// IndexMatches reports whether a raw index document describes the same index
// as model: equal key documents (order-sensitive) and equal options.
func IndexMatches(raw bson.D, model IndexModel) bool {
	keys, _ := lookup(raw, "key").(bson.D)
	if !valuesEqual(keys, model.Keys) {
		return false
	}
	return optionsEqual(indexOptions(raw), indexOptions(model.Spec()))
}

// indexOptions strips the fields that identify an index rather than
// configure it.
func indexOptions(doc bson.D) bson.D {
	out := bson.D{}
	for _, e := range doc {
		switch e.Key {
		case "key", "name", "ns", "v", "background":
			continue
		}
		out = append(out, e)
	}
	return out
}

func lookup(doc bson.D, key string) any {
	for _, e := range doc {
		if e.Key == key {
			return e.Value
		}
	}
	return nil
}

// optionsEqual compares two option documents ignoring field order.
func optionsEqual(a, b bson.D) bool {
	if len(a) != len(b) {
		return false
	}
	for _, e := range a {
		found := false
		for _, f := range b {
			if e.Key == f.Key {
				found = valuesEqual(e.Value, f.Value)
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// valuesEqual compares BSON values, treating numerically equal int32, int64
// and float64 values as equal since the server normalizes them.
func valuesEqual(a, b any) bool {
	if fa, ok := asFloat(a); ok {
		fb, ok := asFloat(b)
		return ok && fa == fb
	}
	switch av := a.(type) {
	case bson.D:
		bv, ok := b.(bson.D)
		if !ok || len(av) != len(bv) {
			return false
		}
		for i := range av {
			if av[i].Key != bv[i].Key || !valuesEqual(av[i].Value, bv[i].Value) {
				return false
			}
		}
		return true
	case bson.A:
		bv, ok := b.(bson.A)
		if !ok || len(av) != len(bv) {
			return false
		}
		for i := range av {
			if !valuesEqual(av[i], bv[i]) {
				return false
			}
		}
		return true
	case bson.Binary:
		bv, ok := b.(bson.Binary)
		return ok && av.Subtype == bv.Subtype && string(av.Data) == string(bv.Data)
	}
	return reflect.DeepEqual(a, b)
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case int:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}
