package extract

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/mongoschema/mongoschema/internal/snapshot"
	"github.com/mongoschema/mongoschema/internal/target"
)

// ErrNoDatabases is returned when Extract is called without databases.
var ErrNoDatabases = errors.New("please specify at least one database to export")

// Extractor captures collection options and index definitions from a live
// server. It only reads.
type Extractor struct {
	client target.Client
	logger *slog.Logger
	now    func() time.Time
}

// New creates an Extractor. A nil logger discards output.
func New(client target.Client, logger *slog.Logger) *Extractor {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Extractor{client: client, logger: logger, now: time.Now}
}

// ParseDatabaseList splits a comma-separated list of database names,
// trimming blanks and dropping empty and repeated entries.
func ParseDatabaseList(s string) []string {
	var names []string
	seen := make(map[string]bool)
	for _, part := range strings.Split(s, ",") {
		name := strings.TrimSpace(part)
		if name == "" || seen[name] {
			continue
		}
		seen[name] = true
		names = append(names, name)
	}
	return names
}

// Extract captures every requested database in the given order. A database
// that does not exist yields an empty entry.
func (e *Extractor) Extract(ctx context.Context, databases []string) (*snapshot.Snapshot, error) {
	if len(databases) == 0 {
		return nil, ErrNoDatabases
	}

	snap := &snapshot.Snapshot{ExportedAt: e.now().UTC()}
	for _, name := range databases {
		db, err := e.extractDatabase(ctx, name)
		if err != nil {
			return nil, err
		}
		snap.Databases = append(snap.Databases, db)
	}
	return snap, nil
}

func (e *Extractor) extractDatabase(ctx context.Context, name string) (snapshot.Database, error) {
	db := snapshot.Database{Name: name}

	specs, err := e.client.ListCollections(ctx, name)
	if err != nil {
		return db, fmt.Errorf("listing collections of %s: %w", name, err)
	}

	for _, spec := range specs {
		if strings.HasPrefix(spec.Name, "system.") {
			e.logger.Debug("skipping system collection", "database", name, "collection", spec.Name)
			continue
		}
		coll := snapshot.Collection{
			Name:    spec.Name,
			Options: collectionOptions(spec.Options),
		}

		// Views carry no indexes of their own and listIndexes rejects them.
		if spec.Type != "view" {
			raw, err := e.client.ListIndexes(ctx, name, spec.Name)
			if err != nil {
				return db, fmt.Errorf("listing indexes of %s.%s: %w", name, spec.Name, err)
			}
			for _, doc := range raw {
				idx, err := indexFromDocument(doc)
				if err != nil {
					return db, fmt.Errorf("reading index of %s.%s: %w", name, spec.Name, err)
				}
				coll.Indexes = append(coll.Indexes, idx)
			}
		}

		e.logger.Debug("captured collection",
			"database", name,
			"collection", coll.Name,
			"indexes", len(coll.Indexes),
		)
		db.Collections = append(db.Collections, coll)
	}

	e.logger.Info("captured database", "database", name, "collections", len(db.Collections))
	return db, nil
}

// collectionOptions copies opts without autoIndexId, which current servers
// refuse on create.
func collectionOptions(opts bson.D) bson.D {
	var out bson.D
	for _, e := range opts {
		if e.Key == "autoIndexId" {
			continue
		}
		out = append(out, e)
	}
	return out
}

func indexFromDocument(doc bson.D) (snapshot.Index, error) {
	var (
		idx  snapshot.Index
		keys any
	)
	for _, e := range doc {
		switch e.Key {
		case "name":
			name, ok := e.Value.(string)
			if !ok {
				return idx, fmt.Errorf("index name is %T", e.Value)
			}
			idx.Name = name
		case "key":
			keys = e.Value
		case "ns", "v":
		default:
			idx.Options = append(idx.Options, e)
		}
	}

	switch kd := keys.(type) {
	case bson.D:
		for _, k := range kd {
			idx.Keys = append(idx.Keys, snapshot.IndexKey{Field: k.Key, Spec: CoerceKeySpec(k.Value)})
		}
	case bson.M:
		// No order to preserve; only single-field keys are safe here.
		for field, spec := range kd {
			idx.Keys = append(idx.Keys, snapshot.IndexKey{Field: field, Spec: CoerceKeySpec(spec)})
		}
		if len(kd) > 1 {
			return idx, fmt.Errorf("index %q: key document lost its field order", idx.Name)
		}
	default:
		return idx, fmt.Errorf("index %q has no key document", idx.Name)
	}
	if idx.Name == "" {
		return idx, errors.New("index without a name")
	}
	return idx, nil
}

// CoerceKeySpec normalizes a key direction to int32 when it is numeric.
// Strings that parse as integers, integral doubles and in-range int64
// values become int32; index types such as "text" or "2dsphere" and
// anything else are returned unchanged.
func CoerceKeySpec(v any) any {
	switch n := v.(type) {
	case string:
		if i, err := strconv.ParseInt(n, 10, 32); err == nil {
			return int32(i)
		}
	case float64:
		if n == math.Trunc(n) && n >= math.MinInt32 && n <= math.MaxInt32 {
			return int32(n)
		}
	case int64:
		if n >= math.MinInt32 && n <= math.MaxInt32 {
			return int32(n)
		}
	case int:
		if n >= math.MinInt32 && n <= math.MaxInt32 {
			return int32(n)
		}
	}
	return v
}
