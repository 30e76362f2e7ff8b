package report

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"

	"github.com/mongoschema/mongoschema/internal/reconcile"
	"github.com/mongoschema/mongoschema/internal/snapshot"
	"github.com/mongoschema/mongoschema/internal/target"
)

func sampleSnapshot() *snapshot.Snapshot {
	return &snapshot.Snapshot{Databases: []snapshot.Database{
		{Name: "app", Collections: []snapshot.Collection{
			{Name: "users", Indexes: []snapshot.Index{
				{Name: "email_1", Keys: []snapshot.IndexKey{{Field: "email", Spec: int32(1)}}},
				{Name: "bad", Keys: []snapshot.IndexKey{{Field: "x", Spec: "bogus"}}},
			}},
		}},
		{Name: "local", Collections: []snapshot.Collection{{Name: "startup_log"}}},
	}}
}

func run(t *testing.T, opts reconcile.Options) (*reconcile.Result, *snapshot.Snapshot) {
	t.Helper()
	mem := target.NewMemoryClient()
	mem.AddIndex("app", "users", target.IndexModel{Name: "email_1", Keys: bson.D{{Key: "email", Value: int32(1)}}})
	mem.Fault = func(c target.Call) error {
		if c.Op == target.OpCreateIndex && c.Index == "bad" {
			return mongo.CommandError{Code: 67, Name: "CannotCreateIndex", Message: "unknown index plugin 'bogus'"}
		}
		return nil
	}
	s := sampleSnapshot()
	res, err := reconcile.New(mem, opts, nil).Apply(context.Background(), s)
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	return res, s
}

func TestGenerate(t *testing.T) {
	res, s := run(t, reconcile.Options{})
	r := Generate(res, Meta{Command: "import", Target: "mongodb://localhost:27017", Location: "schema.json", Snapshot: s})

	if r.Status != StatusPartial {
		t.Errorf("status = %s, want %s", r.Status, StatusPartial)
	}
	if !r.Failed() {
		t.Error("report with failures should be failed")
	}
	if len(r.Failures) != 1 || !strings.Contains(r.Failures[0], "bad") {
		t.Errorf("failures = %v", r.Failures)
	}
	if r.Snapshot.Databases != 2 || r.Snapshot.Collections != 2 || r.Snapshot.Indexes != 2 {
		t.Errorf("snapshot summary = %+v", r.Snapshot)
	}
	if r.Totals.Indexes["skipped"] != 1 || r.Totals.Indexes["failed"] != 1 {
		t.Errorf("index totals = %v", r.Totals.Indexes)
	}
	if r.Totals.Databases["skipped"] != 1 {
		t.Errorf("database totals = %v", r.Totals.Databases)
	}
	if len(r.Databases) != 2 || r.Databases[1].Reason != "reserved database" {
		t.Errorf("databases = %+v", r.Databases)
	}
}

func TestGenerate_Statuses(t *testing.T) {
	clean := &reconcile.Result{Databases: []reconcile.DatabaseResult{{Name: "app", Action: reconcile.ActionApplied}}}

	tests := []struct {
		name string
		res  *reconcile.Result
		meta Meta
		want string
	}{
		{"complete", clean, Meta{}, StatusComplete},
		{"planned", clean, Meta{Options: reconcile.Options{DryRun: true}}, StatusPlanned},
		{"aborted", nil, Meta{Err: errors.New("connection refused")}, StatusAborted},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := Generate(tt.res, tt.meta)
			if r.Status != tt.want {
				t.Errorf("status = %s, want %s", r.Status, tt.want)
			}
		})
	}
}

func TestJSON_RoundTrip(t *testing.T) {
	res, s := run(t, reconcile.Options{DryRun: true, ForceIndexRecreate: true})
	r := Generate(res, Meta{Command: "plan", Target: "localhost", Location: "s3://bucket/schema.json", Snapshot: s, Options: reconcile.Options{DryRun: true, ForceIndexRecreate: true}})

	path := filepath.Join(t.TempDir(), "reports", "run.json")
	if err := WriteJSON(r, path); err != nil {
		t.Fatalf("WriteJSON: %v", err)
	}
	loaded, err := ReadJSON(path)
	if err != nil {
		t.Fatalf("ReadJSON: %v", err)
	}

	if loaded.Version != "1" || loaded.Command != "plan" {
		t.Errorf("loaded = %+v", loaded)
	}
	if !loaded.Options.DryRun || !loaded.Options.ForceIndexRecreate {
		t.Errorf("options = %+v", loaded.Options)
	}
	if len(loaded.Planned) != len(r.Planned) || len(loaded.Planned) == 0 {
		t.Errorf("planned = %v, want %v", loaded.Planned, r.Planned)
	}
	if loaded.Snapshot.Location != "s3://bucket/schema.json" {
		t.Errorf("location = %s", loaded.Snapshot.Location)
	}
}

func TestRender(t *testing.T) {
	res, s := run(t, reconcile.Options{})
	out := Render(Generate(res, Meta{Target: "localhost:27017", Location: "schema.json", Snapshot: s}))

	for _, want := range []string{
		"Import Report",
		"localhost:27017",
		"app",
		"email_1",
		"skipped",
		"reserved database",
		"1 failure(s)",
		"completed_with_failures",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("render missing %q:\n%s", want, out)
		}
	}
}

func TestRender_Plan(t *testing.T) {
	res, s := run(t, reconcile.Options{DryRun: true})
	out := Render(Generate(res, Meta{Snapshot: s, Options: reconcile.Options{DryRun: true}}))

	if !strings.Contains(out, "dry run") {
		t.Error("plan render should mention dry run")
	}
	if !strings.Contains(out, "Planned operations") || !strings.Contains(out, "createIndex app.users [bad]") {
		t.Errorf("planned operations missing:\n%s", out)
	}
}
