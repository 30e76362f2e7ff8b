package cmd

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/mongoschema/mongoschema/internal/config"
	"github.com/mongoschema/mongoschema/internal/extract"
	"github.com/mongoschema/mongoschema/internal/report"
	"github.com/mongoschema/mongoschema/internal/snapshot"
	"github.com/mongoschema/mongoschema/internal/storage"
	"github.com/mongoschema/mongoschema/internal/target"
)

func writeTestConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "mongoschema.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	t.Cleanup(func() {
		rootCmd.SetArgs(nil)
		rootCmd.SetOut(nil)
		rootCmd.SetErr(nil)
	})
	err := rootCmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestExport_RequiresDatabases(t *testing.T) {
	cfg := writeTestConfig(t, "version: 1\n")

	_, err := execute(t, "export", "--config", cfg)
	if !errors.Is(err, extract.ErrNoDatabases) {
		t.Fatalf("expected ErrNoDatabases, got %v", err)
	}
	if err.Error() != "please specify at least one database to export" {
		t.Errorf("message = %q", err.Error())
	}
}

func TestPlan_InvalidSnapshotFailsBeforeConnecting(t *testing.T) {
	cfg := writeTestConfig(t, "version: 1\nconnection:\n  host: unreachable.invalid\n  timeout: 1ms\n")
	bad := filepath.Join(t.TempDir(), "schema.json")
	if err := os.WriteFile(bad, []byte(`{"exported": "2024-01-01T00:00:00"}`), 0o644); err != nil {
		t.Fatal(err)
	}

	_, err := execute(t, "plan", "--config", cfg, "--file", bad)
	var fe *snapshot.FormatError
	if !errors.As(err, &fe) {
		t.Fatalf("expected FormatError, got %v", err)
	}
	if fe.Path != bad {
		t.Errorf("path = %q, want %q", fe.Path, bad)
	}
}

func TestPlan_RejectsUnknownOutput(t *testing.T) {
	t.Cleanup(func() {
		planOutput = "text"
		planCmd.Flags().Lookup("output").Changed = false
	})
	_, err := execute(t, "plan", "--output", "xml")
	if err == nil || !strings.Contains(err.Error(), "unknown output format") {
		t.Errorf("err = %v", err)
	}
}

func TestLoadSnapshot(t *testing.T) {
	dir := t.TempDir()
	good := filepath.Join(dir, "good.json")
	s := &snapshot.Snapshot{
		ExportedAt: time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC),
		Databases: []snapshot.Database{{Name: "app", Collections: []snapshot.Collection{{
			Name:    "users",
			Indexes: []snapshot.Index{{Name: "email_1", Keys: []snapshot.IndexKey{{Field: "email", Spec: int32(1)}}}},
		}}}},
	}
	if err := snapshot.WriteFile(good, s, snapshot.MarshalOptions{}); err != nil {
		t.Fatal(err)
	}

	loaded, err := loadSnapshot(context.Background(), good, storage.AWSOptions{})
	if err != nil {
		t.Fatalf("loadSnapshot: %v", err)
	}
	if _, ok := loaded.Database("app"); !ok {
		t.Errorf("loaded = %+v", loaded)
	}

	for _, path := range []string{filepath.Join(dir, "missing.json"), "s3://bucket-only"} {
		_, err := loadSnapshot(context.Background(), path, storage.AWSOptions{})
		var fe *snapshot.FormatError
		if !errors.As(err, &fe) {
			t.Errorf("%s: expected FormatError, got %v", path, err)
		}
	}
}

func TestApplyPersistentFlags(t *testing.T) {
	c := &cobra.Command{Use: "test"}
	c.Flags().AddFlagSet(rootCmd.PersistentFlags())
	t.Cleanup(func() {
		for _, name := range []string{"host", "port", "username", "timeout"} {
			f := rootCmd.PersistentFlags().Lookup(name)
			f.Value.Set(f.DefValue)
			f.Changed = false
		}
	})
	if err := c.Flags().Parse([]string{"--host", "db1", "--port", "27018", "--username", "ops", "--timeout", "5s"}); err != nil {
		t.Fatal(err)
	}

	cfg := config.Default()
	cfg.Connection.AuthSource = "users"
	applyPersistentFlags(c, cfg)

	conn := cfg.Connection
	if conn.Host != "db1" || conn.Port != 27018 || conn.Username != "ops" || conn.Timeout != 5*time.Second {
		t.Errorf("connection = %+v", conn)
	}
	if conn.AuthSource != "users" {
		t.Errorf("unset flag overrode config: auth source = %s", conn.AuthSource)
	}
}

func TestImportOptions(t *testing.T) {
	cfg := config.Default()
	cfg.Import.Databases = []string{"app"}
	cfg.Import.DropCollections = true
	cfg.Import.Parallelism = 3

	opts := importOptions(cfg, true)
	if !opts.DryRun || !opts.DropCollectionFirst || opts.DropDatabaseFirst || opts.Parallelism != 3 {
		t.Errorf("opts = %+v", opts)
	}
}

func TestWriteReport(t *testing.T) {
	r := &report.RunReport{
		Target:    "localhost:27017",
		Status:    report.StatusPlanned,
		Snapshot:  report.SnapshotSummary{Location: "schema.json"},
		Databases: []report.Database{{Name: "app", Action: "applied"}, {Name: "local", Action: "skipped"}},
		Planned: []target.Call{
			{Op: target.OpCreateCollection, Database: "app", Collection: "users"},
			{Op: target.OpCreateIndex, Database: "app", Collection: "users", Index: "email_1"},
		},
	}

	tests := []struct {
		output string
		want   []string
	}{
		{"yaml", []string{"localhost:27017", "operations:", "op: createIndex", "index: email_1", "- app"}},
		{"json", []string{`"status": "planned"`, `"op": "createCollection"`}},
		{"text", []string{"dry run", "createIndex app.users [email_1]"}},
	}
	for _, tt := range tests {
		t.Run(tt.output, func(t *testing.T) {
			r.Options.DryRun = true
			var buf bytes.Buffer
			if err := writeReport(&buf, r, tt.output); err != nil {
				t.Fatal(err)
			}
			for _, want := range tt.want {
				if !strings.Contains(buf.String(), want) {
					t.Errorf("output missing %q:\n%s", want, buf.String())
				}
			}
			if tt.output == "yaml" && strings.Contains(buf.String(), "- local") {
				t.Error("skipped database listed in plan")
			}
		})
	}
}

func TestPromptConfig(t *testing.T) {
	input := strings.Join([]string{
		"",          // uri
		"db.local",  // host
		"",          // port
		"admin",     // username
		"${ENV:PW}", // password
		"",          // auth source
		"10s",       // timeout
		"app, billing",
		"s3://backups/schema.json",
	}, "\n") + "\n"

	var out bytes.Buffer
	cfg, err := promptConfig(bufio.NewReader(strings.NewReader(input)), &out)
	if err != nil {
		t.Fatalf("promptConfig: %v", err)
	}
	if cfg.Connection.Host != "db.local" || cfg.Connection.Port != 27017 || cfg.Connection.Password != "${ENV:PW}" {
		t.Errorf("connection = %+v", cfg.Connection)
	}
	if cfg.Connection.Timeout != 10*time.Second {
		t.Errorf("timeout = %s", cfg.Connection.Timeout)
	}
	if len(cfg.Export.Databases) != 2 || cfg.Export.Databases[1] != "billing" {
		t.Errorf("databases = %v", cfg.Export.Databases)
	}
	if cfg.Import.File != "s3://backups/schema.json" {
		t.Errorf("import file = %s", cfg.Import.File)
	}
}

func TestPromptConfig_BadPort(t *testing.T) {
	_, err := promptConfig(bufio.NewReader(strings.NewReader("\nhost\nnot-a-port\n")), &bytes.Buffer{})
	if err == nil {
		t.Fatal("expected error for invalid port")
	}
}

func TestMasking(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"mongodb://app:hunter22@db:27017/?authSource=admin", "mongodb://app:hu****22@db:27017/?authSource=admin"},
		{"mongodb://db:27017", "mongodb://db:27017"},
		{"mongodb://app@db:27017", "mongodb://app@db:27017"},
		{"", ""},
	}
	for _, tt := range tests {
		if got := maskURI(tt.in); got != tt.want {
			t.Errorf("maskURI(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
	if got := maskSecret("abc"); got != "***" {
		t.Errorf("maskSecret(abc) = %q", got)
	}
}

func TestExtendedJSONOptionsSurviveLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "schema.json")
	doc := `{
  "exported": "2024-05-01T12:30:00Z",
  "databases": {
    "app": {
      "logs": {
        "options": {"capped": true, "size": {"$numberLong": "1048576"}},
        "indexes": [{"name": "ts_1", "keys": [["ts", 1]], "expireAfterSeconds": 3600}]
      }
    }
  }
}`
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatal(err)
	}

	s, err := loadSnapshot(context.Background(), path, storage.AWSOptions{})
	if err != nil {
		t.Fatalf("loadSnapshot: %v", err)
	}
	db, _ := s.Database("app")
	logs, _ := db.Collection("logs")
	want := bson.D{{Key: "capped", Value: true}, {Key: "size", Value: int64(1048576)}}
	if len(logs.Options) != 2 || logs.Options[1].Value != want[1].Value {
		t.Errorf("options = %v, want %v", logs.Options, want)
	}
}
