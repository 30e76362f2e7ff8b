//go:build integration

package integration

import (
	"context"
	"errors"
	"testing"

	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/mongoschema/mongoschema/internal/extract"
	"github.com/mongoschema/mongoschema/internal/reconcile"
	"github.com/mongoschema/mongoschema/internal/snapshot"
	"github.com/mongoschema/mongoschema/internal/target"
)

const (
	srcDB = "mongoschema_it_src"
	dstDB = "mongoschema_it_dst"
)

func seedSource(t *testing.T, client target.Client) {
	t.Helper()
	ctx := context.Background()

	if err := client.CreateCollection(ctx, srcDB, "users", nil); err != nil {
		t.Fatalf("creating users: %v", err)
	}
	capped := bson.D{{Key: "capped", Value: true}, {Key: "size", Value: int64(1 << 20)}}
	if err := client.CreateCollection(ctx, srcDB, "events", capped); err != nil {
		t.Fatalf("creating events: %v", err)
	}

	indexes := []target.IndexModel{
		{Name: "email_1", Keys: bson.D{{Key: "email", Value: int32(1)}}, Options: bson.D{{Key: "unique", Value: true}}},
		{Name: "org_created", Keys: bson.D{{Key: "org", Value: int32(1)}, {Key: "created", Value: int32(-1)}}},
		{Name: "bio_text", Keys: bson.D{{Key: "bio", Value: "text"}}},
	}
	for _, idx := range indexes {
		if err := client.CreateIndex(ctx, srcDB, "users", idx); err != nil {
			t.Fatalf("creating index %s: %v", idx.Name, err)
		}
	}
}

func exportImport(t *testing.T, client target.Client) *snapshot.Snapshot {
	t.Helper()
	ctx := context.Background()

	snap, err := extract.New(client, nil).Extract(ctx, []string{srcDB})
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	data, err := snapshot.Marshal(snap, snapshot.MarshalOptions{Indent: "  "})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	loaded, err := snapshot.Unmarshal(data)
	if err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	loaded.Databases[0].Name = dstDB
	return loaded
}

func TestExportImportRoundTrip(t *testing.T) {
	client := connect(t, srcDB, dstDB)
	seedSource(t, client)
	snap := exportImport(t, client)
	ctx := context.Background()

	res, err := reconcile.New(client, reconcile.Options{}, nil).Apply(ctx, snap)
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if err := res.Err(); err != nil {
		t.Fatalf("run failures: %v", err)
	}

	specs, err := client.ListCollections(ctx, dstDB)
	if err != nil {
		t.Fatal(err)
	}
	names := target.CollectionNames(specs)
	if len(names) != 2 {
		t.Errorf("collections = %v, want events and users", names)
	}
	for _, s := range specs {
		if s.Name != "events" {
			continue
		}
		capped := false
		for _, e := range s.Options {
			if e.Key == "capped" && e.Value == true {
				capped = true
			}
		}
		if !capped {
			t.Errorf("events lost its capped option: %v", s.Options)
		}
	}

	raw, err := client.ListIndexes(ctx, dstDB, "users")
	if err != nil {
		t.Fatal(err)
	}
	got := target.IndexNames(raw)
	for _, want := range []string{"_id_", "email_1", "org_created", "bio_text"} {
		if !got[want] {
			t.Errorf("index %s missing on %s.users (have %v)", want, dstDB, got)
		}
	}

	second, err := reconcile.New(client, reconcile.Options{}, nil).Apply(ctx, snap)
	if err != nil {
		t.Fatalf("second Apply: %v", err)
	}
	counts := second.Counts()
	if counts.Indexes[reconcile.ActionCreated] != 0 || counts.Collections[reconcile.ActionCreated] != 0 {
		t.Errorf("second run changed the server: %+v", counts)
	}
}

func TestForceRecreateReplacesChangedIndex(t *testing.T) {
	client := connect(t, srcDB, dstDB)
	seedSource(t, client)
	snap := exportImport(t, client)
	ctx := context.Background()

	// Same name, different definition.
	stale := target.IndexModel{Name: "email_1", Keys: bson.D{{Key: "email", Value: int32(-1)}}}
	if err := client.CreateIndex(ctx, dstDB, "users", stale); err != nil {
		t.Fatalf("seeding stale index: %v", err)
	}

	res, err := reconcile.New(client, reconcile.Options{}, nil).Apply(ctx, snap)
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	db, _ := res.Database(dstDB)
	users, _ := db.Collection("users")
	if ir, _ := users.Index("email_1"); ir.Action != reconcile.ActionSkipped {
		t.Errorf("default run: email_1 action = %s, want skipped", ir.Action)
	}

	res, err = reconcile.New(client, reconcile.Options{ForceIndexRecreate: true}, nil).Apply(ctx, snap)
	if err != nil {
		t.Fatalf("forced Apply: %v", err)
	}
	db, _ = res.Database(dstDB)
	users, _ = db.Collection("users")
	if ir, _ := users.Index("email_1"); ir.Action != reconcile.ActionReplaced {
		t.Errorf("forced run: email_1 action = %s (%v), want replaced", ir.Action, ir.Err)
	}

	raw, err := client.ListIndexes(ctx, dstDB, "users")
	if err != nil {
		t.Fatal(err)
	}
	want := target.IndexModel{Name: "email_1", Keys: bson.D{{Key: "email", Value: int32(1)}}, Options: bson.D{{Key: "unique", Value: true}}}
	found := false
	for _, doc := range raw {
		if target.IndexMatches(doc, want) {
			found = true
		}
	}
	if !found {
		t.Errorf("email_1 was not replaced: %v", raw)
	}
}

func TestReservedDatabasesUntouched(t *testing.T) {
	client := connect(t)
	snap := &snapshot.Snapshot{Databases: []snapshot.Database{
		{Name: "admin", Collections: []snapshot.Collection{{Name: "mongoschema_should_not_exist"}}},
	}}

	res, err := reconcile.New(client, reconcile.Options{DropDatabaseFirst: true}, nil).Apply(context.Background(), snap)
	if err != nil && !errors.Is(err, reconcile.ErrReservedDatabase) {
		t.Fatalf("Apply: %v", err)
	}
	if db, _ := res.Database("admin"); db.Action != reconcile.ActionSkipped {
		t.Errorf("admin action = %s, want skipped", db.Action)
	}

	specs, err := client.ListCollections(context.Background(), "admin")
	if err != nil {
		t.Fatal(err)
	}
	for _, s := range specs {
		if s.Name == "mongoschema_should_not_exist" {
			t.Fatal("collection was created in admin")
		}
	}
}
