package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"golang.org/x/sync/errgroup"

	"github.com/mongoschema/mongoschema/internal/snapshot"
	"github.com/mongoschema/mongoschema/internal/target"
)

// AllDatabases selects every database in the snapshot.
const AllDatabases = "*"

// Options controls how a snapshot is applied.
type Options struct {
	// Databases restricts the run. Empty, or any entry equal to "*", selects
	// every database in the snapshot.
	Databases []string

	// DropDatabaseFirst drops each selected database, data included,
	// before recreating its collections.
	DropDatabaseFirst bool
	// DropCollectionFirst drops and recreates every collection, data
	// included, and creates all of its indexes without checking for
	// existing ones.
	DropCollectionFirst bool
	// ForceIndexRecreate replaces an existing index whose name matches a
	// desired index but whose definition differs.
	ForceIndexRecreate bool

	// Parallelism is the number of databases processed at once. Values
	// below 1 mean sequential.
	Parallelism int

	// DryRun records the mutations that would be issued without issuing
	// them. Reads still go to the server.
	DryRun bool
}

// Engine applies a snapshot to a server. It never mutates the snapshot.
type Engine struct {
	client target.Client
	opts   Options
	logger *slog.Logger
}

// New creates an Engine. A nil logger discards output.
func New(client target.Client, opts Options, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Engine{client: client, opts: opts, logger: logger}
}

// Apply reconciles every selected database of snap against the server.
//
// The returned error is non-nil only when the run had to stop: a lost
// connection, a cancelled context or an invalid snapshot. Failures scoped
// to a database, collection or index are recorded in the Result and can be
// collected with Result.Err.
func (e *Engine) Apply(ctx context.Context, snap *snapshot.Snapshot) (*Result, error) {
	if snap == nil {
		return nil, errors.New("no snapshot to apply")
	}
	if err := snap.Validate(); err != nil {
		return nil, err
	}

	client := e.client
	var rec *recorder
	if e.opts.DryRun {
		rec = newRecorder(e.client)
		client = rec
	}

	selected := e.selection(snap)
	res := &Result{
		DryRun:    e.opts.DryRun,
		Databases: make([]DatabaseResult, len(snap.Databases)),
	}

	limit := e.opts.Parallelism
	if limit < 1 {
		limit = 1
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)

	for i, db := range snap.Databases {
		slot := &res.Databases[i]
		slot.Name = db.Name

		if !selected(db.Name) {
			slot.Action = ActionSkipped
			slot.Reason = "not selected"
			e.logger.Debug("skipping database", "database", db.Name, "reason", slot.Reason)
			continue
		}
		if target.IsReserved(db.Name) {
			slot.Action = ActionSkipped
			slot.Reason = "reserved database"
			e.logger.Warn("skipping reserved database", "database", db.Name)
			continue
		}

		g.Go(func() error {
			return e.applyDatabase(gctx, client, db, slot)
		})
	}

	err := g.Wait()
	if rec != nil {
		res.Planned = rec.Calls()
	}
	if err != nil {
		return res, err
	}
	return res, nil
}

// selection returns the filter predicate and warns about filter entries
// the snapshot does not contain.
func (e *Engine) selection(snap *snapshot.Snapshot) func(string) bool {
	match := e.opts.matcher()
	if slices.Contains(e.opts.Databases, AllDatabases) {
		return match
	}
	for _, name := range e.opts.Databases {
		if _, ok := snap.Database(name); !ok {
			e.logger.Warn("database not found in snapshot", "database", name)
		}
	}
	return match
}

func (o Options) matcher() func(string) bool {
	if len(o.Databases) == 0 || slices.Contains(o.Databases, AllDatabases) {
		return func(string) bool { return true }
	}
	want := make(map[string]bool, len(o.Databases))
	for _, name := range o.Databases {
		want[name] = true
	}
	return func(name string) bool { return want[name] }
}

// Targets returns the databases of snap that a run with these options
// would process, in snapshot order.
func (o Options) Targets(snap *snapshot.Snapshot) []string {
	match := o.matcher()
	var names []string
	for _, db := range snap.Databases {
		if match(db.Name) && !target.IsReserved(db.Name) {
			names = append(names, db.Name)
		}
	}
	return names
}

// applyDatabase processes one database. It returns an error only when the
// run must abort; everything else lands in slot.
func (e *Engine) applyDatabase(ctx context.Context, client target.Client, db snapshot.Database, slot *DatabaseResult) error {
	if err := ctx.Err(); err != nil {
		slot.Action = ActionSkipped
		slot.Reason = "run aborted"
		return err
	}
	logger := e.logger.With("database", db.Name)
	slot.Action = ActionApplied

	if e.opts.DropDatabaseFirst {
		if err := guard(db.Name); err != nil {
			return err
		}
		logger.Warn("dropping database")
		if err := client.DropDatabase(ctx, db.Name); err != nil {
			if isAbort(err) {
				return err
			}
			slot.Action = ActionFailed
			slot.Err = fmt.Errorf("dropping database %s: %w", db.Name, err)
			logger.Error("dropping database failed", "error", err)
			return nil
		}
		slot.Action = ActionDropped
	}

	existing := make(map[string]target.CollectionSpec)
	if !e.opts.DropCollectionFirst {
		specs, err := client.ListCollections(ctx, db.Name)
		if err != nil {
			if isAbort(err) {
				return err
			}
			slot.Action = ActionFailed
			slot.Err = fmt.Errorf("listing collections of %s: %w", db.Name, err)
			logger.Error("listing collections failed", "error", err)
			return nil
		}
		for _, spec := range specs {
			existing[spec.Name] = spec
		}
	}

	for _, coll := range db.Collections {
		cr, err := e.applyCollection(ctx, client, db.Name, coll, existing)
		slot.Collections = append(slot.Collections, cr)
		if err == nil {
			continue
		}
		if isAbort(err) {
			return err
		}
		var cce *CollectionCreateError
		if errors.As(err, &cce) {
			slot.Action = ActionFailed
			slot.Err = fmt.Errorf("database %s stopped: %w", db.Name, err)
			logger.Error("collection failed, skipping rest of database", "collection", coll.Name, "error", err)
			return nil
		}
	}

	logger.Info("database reconciled", "collections", len(slot.Collections))
	return nil
}

func (e *Engine) applyCollection(ctx context.Context, client target.Client, db string, coll snapshot.Collection, existing map[string]target.CollectionSpec) (CollectionResult, error) {
	logger := e.logger.With("database", db, "collection", coll.Name)
	cr := CollectionResult{Name: coll.Name}

	// Always initialized; only an existing collection fills it.
	names := make(map[string]bool)
	spec, found := existing[coll.Name]

	switch {
	case e.opts.DropCollectionFirst:
		if err := guard(db); err != nil {
			return cr, err
		}
		if err := client.DropCollection(ctx, db, coll.Name); err != nil {
			return e.collectionFailed(cr, db, "dropping", err)
		}
		if err := client.CreateCollection(ctx, db, coll.Name, coll.Options); err != nil {
			return e.collectionFailed(cr, db, "creating", err)
		}
		cr.Action = ActionRecreated
		logger.Info("collection recreated")

	case !found:
		if err := guard(db); err != nil {
			return cr, err
		}
		err := client.CreateCollection(ctx, db, coll.Name, coll.Options)
		switch {
		case err == nil:
			cr.Action = ActionCreated
			logger.Info("collection created")
		case target.IsNamespaceExists(err):
			// Created by someone else since the listing.
			logger.Warn("collection appeared concurrently", "error", err)
			if names, err = e.existingIndexes(ctx, client, db, coll.Name, &cr); err != nil || cr.Action == ActionFailed {
				return cr, err
			}
		default:
			return e.collectionFailed(cr, db, "creating", err)
		}

	case spec.Type == "view":
		// Views have no indexes and listIndexes rejects them.
		cr.Action = ActionExists
		logger.Debug("view exists")

	default:
		var err error
		if names, err = e.existingIndexes(ctx, client, db, coll.Name, &cr); err != nil || cr.Action == ActionFailed {
			return cr, err
		}
	}

	for _, idx := range coll.Indexes {
		ir, err := e.applyIndex(ctx, client, db, coll.Name, idx, names)
		cr.Indexes = append(cr.Indexes, ir)
		if err != nil {
			return cr, err
		}
	}
	return cr, nil
}

// existingIndexes lists the index names of an existing collection and marks
// cr as exists. A non-abort listing failure marks cr failed and returns a
// nil error.
func (e *Engine) existingIndexes(ctx context.Context, client target.Client, db, coll string, cr *CollectionResult) (map[string]bool, error) {
	logger := e.logger.With("database", db, "collection", coll)
	raw, err := client.ListIndexes(ctx, db, coll)
	if err != nil {
		if isAbort(err) {
			return nil, err
		}
		cr.Action = ActionFailed
		cr.Err = fmt.Errorf("listing indexes of %s.%s: %w", db, coll, err)
		logger.Error("listing indexes failed", "error", err)
		return nil, nil
	}
	names := target.IndexNames(raw)
	cr.Action = ActionExists
	logger.Debug("collection exists", "indexes", len(names))
	return names, nil
}

func (e *Engine) collectionFailed(cr CollectionResult, db, op string, err error) (CollectionResult, error) {
	if isAbort(err) {
		return cr, err
	}
	cerr := &CollectionCreateError{Database: db, Collection: cr.Name, Op: op, Err: err}
	cr.Action = ActionFailed
	cr.Err = cerr
	return cr, cerr
}

// applyIndex creates one index. The returned error is non-nil only when the
// run must abort.
func (e *Engine) applyIndex(ctx context.Context, client target.Client, db, coll string, idx snapshot.Index, names map[string]bool) (IndexResult, error) {
	logger := e.logger.With("database", db, "collection", coll, "index", idx.Name)
	ir := IndexResult{Name: idx.Name}

	exists := names[idx.Name]
	if exists && !e.opts.ForceIndexRecreate {
		ir.Action = ActionSkipped
		logger.Info("index exists, skipping")
		return ir, nil
	}

	if err := guard(db); err != nil {
		return ir, err
	}
	model := target.IndexModel{Name: idx.Name, Keys: idx.KeyDocument(), Options: idx.Options}
	err := client.CreateIndex(ctx, db, coll, model)
	switch {
	case err == nil:
		ir.Action = ActionCreated
		if exists {
			ir.Action = ActionUnchanged
		}
		logger.Debug("index ensured", "action", ir.Action)
		return ir, nil
	case isAbort(err):
		return ir, err
	case errors.Is(err, target.ErrIndexNameCollision) && e.opts.ForceIndexRecreate:
		return e.replaceIndex(ctx, client, db, coll, model)
	}

	ir.Action = ActionFailed
	ir.Err = &IndexCreateError{Database: db, Collection: coll, Index: idx.Name, Err: err}
	logger.Error("index creation failed", "error", err)
	return ir, nil
}

// replaceIndex drops the index holding the name and creates the desired
// definition. Either phase failing leaves an IndexCreateError with Replace
// set; the dropped index is not restored.
func (e *Engine) replaceIndex(ctx context.Context, client target.Client, db, coll string, model target.IndexModel) (IndexResult, error) {
	logger := e.logger.With("database", db, "collection", coll, "index", model.Name)
	ir := IndexResult{Name: model.Name, Action: ActionFailed}

	logger.Warn("index definition differs, replacing")
	if err := client.DropIndex(ctx, db, coll, model.Name); err != nil {
		if isAbort(err) {
			return ir, err
		}
		ir.Err = &IndexCreateError{Database: db, Collection: coll, Index: model.Name, Replace: true, Err: err}
		logger.Error("dropping index for replacement failed", "error", err)
		return ir, nil
	}
	if err := client.CreateIndex(ctx, db, coll, model); err != nil {
		if isAbort(err) {
			return ir, err
		}
		ir.Err = &IndexCreateError{Database: db, Collection: coll, Index: model.Name, Replace: true, Err: err}
		logger.Error("recreating index failed", "error", err)
		return ir, nil
	}

	ir.Action = ActionReplaced
	logger.Info("index replaced")
	return ir, nil
}
