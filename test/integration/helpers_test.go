//go:build integration

package integration

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/mongoschema/mongoschema/internal/target"
)

func mongoURI(t *testing.T) string {
	t.Helper()
	return envOrDefault("MONGOSCHEMA_TEST_MONGO_URI", "mongodb://localhost:27017/?directConnection=true")
}

func skipIfNoMongo(t *testing.T) {
	t.Helper()
	if os.Getenv("MONGOSCHEMA_TEST_MONGO_URI") == "" {
		t.Skip("skipping: MONGOSCHEMA_TEST_MONGO_URI not set")
	}
}

// connect returns a live client and drops the given scratch databases
// before and after the test.
func connect(t *testing.T, scratch ...string) *target.MongoClient {
	t.Helper()
	skipIfNoMongo(t)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	client, err := target.Connect(ctx, target.ConnectOptions{URI: mongoURI(t), Timeout: 10 * time.Second})
	if err != nil {
		t.Fatalf("connecting to MongoDB: %v", err)
	}

	drop := func() {
		for _, db := range scratch {
			if err := client.DropDatabase(context.Background(), db); err != nil {
				t.Logf("dropping %s: %v", db, err)
			}
		}
	}
	drop()
	t.Cleanup(func() {
		drop()
		client.Close(context.Background())
	})
	return client
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
