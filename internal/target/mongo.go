package target

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

// ConnectOptions selects the server. URI wins over the discrete fields.
type ConnectOptions struct {
	URI        string
	Host       string
	Port       int
	Username   string
	Password   string
	AuthSource string
	Timeout    time.Duration
}

// ClientOptions converts o to driver options.
func (o ConnectOptions) ClientOptions() *options.ClientOptions {
	opts := options.Client()
	if o.URI != "" {
		opts.ApplyURI(o.URI)
	} else {
		host := o.Host
		if host == "" {
			host = "localhost"
		}
		port := o.Port
		if port == 0 {
			port = 27017
		}
		opts.SetHosts([]string{net.JoinHostPort(host, strconv.Itoa(port))})
		if o.Username != "" {
			authSource := o.AuthSource
			if authSource == "" {
				authSource = "admin"
			}
			opts.SetAuth(options.Credential{
				Username:   o.Username,
				Password:   o.Password,
				AuthSource: authSource,
			})
		}
	}
	if o.Timeout > 0 {
		opts.SetServerSelectionTimeout(o.Timeout)
	}
	return opts
}

// Describe returns a credential-free label for log lines.
func (o ConnectOptions) Describe() string {
	if o.URI != "" {
		uri := o.URI
		if at := strings.LastIndex(uri, "@"); at >= 0 {
			if scheme := strings.Index(uri, "://"); scheme >= 0 && scheme < at {
				uri = uri[:scheme+3] + "***@" + uri[at+1:]
			}
		}
		return uri
	}
	host := o.Host
	if host == "" {
		host = "localhost"
	}
	port := o.Port
	if port == 0 {
		port = 27017
	}
	return net.JoinHostPort(host, strconv.Itoa(port))
}

// MongoClient implements Client using the MongoDB driver.
type MongoClient struct {
	client *mongo.Client
}

// Connect opens a client and pings the primary. Any failure is a
// ConnectionError.
func Connect(ctx context.Context, opts ConnectOptions) (*MongoClient, error) {
	client, err := mongo.Connect(opts.ClientOptions())
	if err != nil {
		return nil, &ConnectionError{Op: "connecting to MongoDB", Err: err}
	}

	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, &ConnectionError{Op: "pinging MongoDB", Err: err}
	}

	return &MongoClient{client: client}, nil
}

// ListDatabases returns the names of all databases on the server.
func (m *MongoClient) ListDatabases(ctx context.Context) ([]string, error) {
	names, err := m.client.ListDatabaseNames(ctx, bson.D{})
	if err != nil {
		return nil, classify("listing databases", err)
	}
	return names, nil
}

// DropDatabase drops db and everything in it.
func (m *MongoClient) DropDatabase(ctx context.Context, db string) error {
	return classify("dropping database "+db, m.client.Database(db).Drop(ctx))
}

// ListCollections returns name, type and creation options of every
// collection in db.
func (m *MongoClient) ListCollections(ctx context.Context, db string) ([]CollectionSpec, error) {
	cursor, err := m.client.Database(db).ListCollections(ctx, bson.D{})
	if err != nil {
		return nil, classify("listing collections in "+db, err)
	}
	defer cursor.Close(ctx)

	var specs []CollectionSpec
	for cursor.Next(ctx) {
		var spec CollectionSpec
		if err := cursor.Decode(&spec); err != nil {
			return nil, fmt.Errorf("decoding collection spec in %s: %w", db, err)
		}
		specs = append(specs, spec)
	}
	if err := cursor.Err(); err != nil {
		return nil, classify("listing collections in "+db, err)
	}
	return specs, nil
}

// CreateCollection runs the create command with opts appended verbatim, so
// any option the server understands passes through untouched.
func (m *MongoClient) CreateCollection(ctx context.Context, db, name string, opts bson.D) error {
	cmd := bson.D{{Key: "create", Value: name}}
	cmd = append(cmd, opts...)
	err := m.client.Database(db).RunCommand(ctx, cmd).Err()
	return classify(fmt.Sprintf("creating collection %s.%s", db, name), err)
}

// DropCollection drops a collection; dropping a missing one is not an error.
func (m *MongoClient) DropCollection(ctx context.Context, db, name string) error {
	err := m.client.Database(db).Collection(name).Drop(ctx)
	return classify(fmt.Sprintf("dropping collection %s.%s", db, name), err)
}

// ListIndexes returns the raw index documents of a collection.
func (m *MongoClient) ListIndexes(ctx context.Context, db, collection string) ([]bson.D, error) {
	op := fmt.Sprintf("listing indexes of %s.%s", db, collection)
	cursor, err := m.client.Database(db).Collection(collection).Indexes().List(ctx)
	if err != nil {
		return nil, classify(op, err)
	}
	var docs []bson.D
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, classify(op, err)
	}
	return docs, nil
}

// CreateIndex runs createIndexes for a single index. Keys are sent as an
// ordered document so compound field order is preserved.
func (m *MongoClient) CreateIndex(ctx context.Context, db, collection string, index IndexModel) error {
	cmd := bson.D{
		{Key: "createIndexes", Value: collection},
		{Key: "indexes", Value: bson.A{index.Spec()}},
	}
	err := m.client.Database(db).RunCommand(ctx, cmd).Err()
	return classifyIndexError(fmt.Sprintf("creating index %s on %s.%s", index.Name, db, collection), err)
}

// DropIndex drops an index by name.
func (m *MongoClient) DropIndex(ctx context.Context, db, collection, name string) error {
	cmd := bson.D{
		{Key: "dropIndexes", Value: collection},
		{Key: "index", Value: name},
	}
	err := m.client.Database(db).RunCommand(ctx, cmd).Err()
	return classify(fmt.Sprintf("dropping index %s on %s.%s", name, db, collection), err)
}

// Close disconnects from MongoDB.
func (m *MongoClient) Close(ctx context.Context) error {
	return m.client.Disconnect(ctx)
}
