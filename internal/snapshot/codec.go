package snapshot

import (
	"fmt"
	"sort"
	"strconv"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
)

// Top-level and per-index field names of the snapshot document.
const (
	fieldExported  = "exported"
	fieldDatabases = "databases"
	fieldOptions   = "options"
	fieldIndexes   = "indexes"
	fieldName      = "name"
	fieldKeys      = "keys"
)

// serverIndexFields are reported by listIndexes but must never be replayed.
var serverIndexFields = map[string]bool{
	"key": true,
	"ns":  true,
	"v":   true,
}

// MarshalOptions controls the Extended JSON rendering.
type MarshalOptions struct {
	// Canonical keeps exact BSON numeric types ({"$numberInt": "1"}).
	// Relaxed output writes plain JSON numbers and is easier to edit.
	Canonical bool
	// Indent, when non-empty, pretty-prints with this indent unit.
	Indent string
}

// Marshal renders s as a single Extended JSON document:
//
//	{"exported": "<RFC3339>", "databases": {db: {coll: {"options": {...}, "indexes": [...]}}}}
//
// Each index is {"name": ..., "keys": [[field, spec], ...], ...options}.
func Marshal(s *Snapshot, opts MarshalOptions) ([]byte, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}

	dbs := make(bson.D, 0, len(s.Databases))
	for _, db := range s.Databases {
		colls := make(bson.D, 0, len(db.Collections))
		for _, c := range db.Collections {
			indexes := make(bson.A, 0, len(c.Indexes))
			for _, idx := range c.Indexes {
				indexes = append(indexes, indexDocument(idx))
			}
			options := c.Options
			if options == nil {
				options = bson.D{}
			}
			colls = append(colls, bson.E{Key: c.Name, Value: bson.D{
				{Key: fieldOptions, Value: options},
				{Key: fieldIndexes, Value: indexes},
			}})
		}
		dbs = append(dbs, bson.E{Key: db.Name, Value: colls})
	}

	doc := bson.D{
		{Key: fieldExported, Value: s.ExportedAt.UTC().Format(time.RFC3339Nano)},
		{Key: fieldDatabases, Value: dbs},
	}

	var (
		data []byte
		err  error
	)
	if !opts.Canonical {
		doc = pinInt64(doc).(bson.D)
	}
	if opts.Indent != "" {
		data, err = bson.MarshalExtJSONIndent(doc, opts.Canonical, false, "", opts.Indent)
	} else {
		data, err = bson.MarshalExtJSON(doc, opts.Canonical, false)
	}
	if err != nil {
		return nil, fmt.Errorf("encoding snapshot: %w", err)
	}
	return data, nil
}

// pinInt64 rewrites int64 values as {"$numberLong": "..."}. Relaxed
// Extended JSON writes them as plain numbers, which read back as int32
// when they fit.
func pinInt64(v any) any {
	switch x := v.(type) {
	case int64:
		return bson.D{{Key: "$numberLong", Value: strconv.FormatInt(x, 10)}}
	case bson.D:
		out := make(bson.D, len(x))
		for i, e := range x {
			out[i] = bson.E{Key: e.Key, Value: pinInt64(e.Value)}
		}
		return out
	case bson.M:
		out := make(bson.M, len(x))
		for k, e := range x {
			out[k] = pinInt64(e)
		}
		return out
	case bson.A:
		out := make(bson.A, len(x))
		for i, e := range x {
			out[i] = pinInt64(e)
		}
		return out
	case []any:
		out := make(bson.A, len(x))
		for i, e := range x {
			out[i] = pinInt64(e)
		}
		return out
	}
	return v
}

func indexDocument(idx Index) bson.D {
	keys := make(bson.A, 0, len(idx.Keys))
	for _, k := range idx.Keys {
		keys = append(keys, bson.A{k.Field, k.Spec})
	}
	doc := bson.D{
		{Key: fieldName, Value: idx.Name},
		{Key: fieldKeys, Value: keys},
	}
	for _, e := range idx.Options {
		if e.Key == fieldName || e.Key == fieldKeys || serverIndexFields[e.Key] {
			continue
		}
		doc = append(doc, e)
	}
	return doc
}

// Unmarshal parses a snapshot document in canonical or relaxed Extended
// JSON. It returns a *FormatError when the document is malformed.
func Unmarshal(data []byte) (*Snapshot, error) {
	var root bson.D
	if err := bson.UnmarshalExtJSON(data, false, &root); err != nil {
		return nil, &FormatError{Msg: "parsing extended JSON", Err: err}
	}

	s := &Snapshot{}
	var (
		rawDBs any
		found  bool
	)
	for _, e := range root {
		switch e.Key {
		case fieldExported:
			s.ExportedAt = parseExported(e.Value)
		case fieldDatabases:
			rawDBs, found = e.Value, true
		}
	}
	if !found {
		return nil, &FormatError{Msg: `missing "databases" field`}
	}
	dbDoc, ok := asDocument(rawDBs)
	if !ok {
		return nil, &FormatError{Msg: `"databases" is not a document`}
	}

	for _, dbe := range dbDoc {
		collDoc, ok := asDocument(dbe.Value)
		if !ok {
			return nil, &FormatError{Msg: fmt.Sprintf("database %q is not a document", dbe.Key)}
		}
		db := Database{Name: dbe.Key}
		for _, ce := range collDoc {
			c, err := parseCollection(dbe.Key, ce)
			if err != nil {
				return nil, err
			}
			db.Collections = append(db.Collections, c)
		}
		s.Databases = append(s.Databases, db)
	}

	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

func parseCollection(db string, e bson.E) (Collection, error) {
	ns := db + "." + e.Key
	doc, ok := asDocument(e.Value)
	if !ok {
		return Collection{}, &FormatError{Msg: fmt.Sprintf("collection %s is not a document", ns)}
	}

	c := Collection{Name: e.Key}
	for _, f := range doc {
		switch f.Key {
		case fieldOptions:
			if f.Value == nil {
				continue
			}
			opts, ok := asDocument(f.Value)
			if !ok {
				return Collection{}, &FormatError{Msg: fmt.Sprintf("options of %s is not a document", ns)}
			}
			if len(opts) > 0 {
				c.Options = opts
			}
		case fieldIndexes:
			if f.Value == nil {
				continue
			}
			list, ok := f.Value.(bson.A)
			if !ok {
				return Collection{}, &FormatError{Msg: fmt.Sprintf("indexes of %s is not an array", ns)}
			}
			for i, raw := range list {
				idx, err := parseIndex(ns, i, raw)
				if err != nil {
					return Collection{}, err
				}
				c.Indexes = append(c.Indexes, idx)
			}
		}
	}
	return c, nil
}

func parseIndex(ns string, pos int, raw any) (Index, error) {
	doc, ok := asDocument(raw)
	if !ok {
		return Index{}, &FormatError{Msg: fmt.Sprintf("index #%d of %s is not a document", pos, ns)}
	}

	var (
		idx      Index
		haveName bool
		haveKeys bool
	)
	for _, f := range doc {
		switch {
		case f.Key == fieldName:
			name, ok := f.Value.(string)
			if !ok {
				return Index{}, &FormatError{Msg: fmt.Sprintf("index #%d of %s has a non-string name", pos, ns)}
			}
			idx.Name, haveName = name, true
		case f.Key == fieldKeys:
			keys, err := parseKeys(f.Value)
			if err != nil {
				return Index{}, &FormatError{Msg: fmt.Sprintf("index #%d of %s", pos, ns), Err: err}
			}
			idx.Keys, haveKeys = keys, true
		case serverIndexFields[f.Key]:
			// never replayed
		default:
			idx.Options = append(idx.Options, f)
		}
	}
	if !haveName {
		return Index{}, &FormatError{Msg: fmt.Sprintf(`index #%d of %s has no "name"`, pos, ns)}
	}
	if !haveKeys {
		return Index{}, &FormatError{Msg: fmt.Sprintf(`index %q of %s has no "keys"`, idx.Name, ns)}
	}
	return idx, nil
}

// parseKeys accepts the [[field, spec], ...] pair list. An ordered key
// document is tolerated for hand-written files.
func parseKeys(v any) ([]IndexKey, error) {
	switch list := v.(type) {
	case bson.A:
		keys := make([]IndexKey, 0, len(list))
		for i, item := range list {
			pair, ok := item.(bson.A)
			if !ok || len(pair) != 2 {
				return nil, fmt.Errorf("key #%d is not a [field, spec] pair", i)
			}
			field, ok := pair[0].(string)
			if !ok || field == "" {
				return nil, fmt.Errorf("key #%d has an invalid field name", i)
			}
			keys = append(keys, IndexKey{Field: field, Spec: pair[1]})
		}
		return keys, nil
	case bson.D:
		keys := make([]IndexKey, 0, len(list))
		for _, e := range list {
			keys = append(keys, IndexKey{Field: e.Key, Spec: e.Value})
		}
		return keys, nil
	}
	return nil, fmt.Errorf("keys is %T, want an array of pairs", v)
}

// exportedLayouts covers RFC3339 and the zone-less ISO-8601 form written by
// earlier tooling.
var exportedLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05",
}

func parseExported(v any) time.Time {
	switch t := v.(type) {
	case string:
		for _, layout := range exportedLayouts {
			if parsed, err := time.Parse(layout, t); err == nil {
				return parsed
			}
		}
	case bson.DateTime:
		return t.Time().UTC()
	}
	return time.Time{}
}

func asDocument(v any) (bson.D, bool) {
	switch doc := v.(type) {
	case bson.D:
		return doc, true
	case bson.M:
		keys := make([]string, 0, len(doc))
		for k := range doc {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		out := make(bson.D, 0, len(doc))
		for _, k := range keys {
			out = append(out, bson.E{Key: k, Value: doc[k]})
		}
		return out, true
	}
	return nil, false
}
