package testutil

import (
	"context"
	"fmt"
	"io"
	"testing"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/mongo/readpref"

	"github.com/lllypuk/orderledger/internal/infrastructure/mongodb"
)

// The event store appends inside transactions, which MongoDB only supports on
// replica sets, so the test server runs as a single-member set.
const mongoReplicaSet = "rs0"

var sharedMongo sharedService

func mongoURI() (string, error) {
	endpoint, err := sharedMongo.start(testcontainers.ContainerRequest{
		Image:        "mongo:8",
		ExposedPorts: []string{"27017/tcp"},
		Cmd:          []string{"--replSet", mongoReplicaSet, "--bind_ip_all"},
		WaitingFor:   wait.ForLog("Waiting for connections").WithStartupTimeout(containerStartupTimeout),
	}, "27017", initiateReplicaSet)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("mongodb://%s/?directConnection=true", endpoint), nil
}

func initiateReplicaSet(ctx context.Context, c testcontainers.Container, endpoint string) error {
	script := fmt.Sprintf(
		"rs.initiate({_id: %q, members: [{_id: 0, host: 'localhost:27017'}]})", mongoReplicaSet)

	code, out, err := c.Exec(ctx, []string{"mongosh", "--quiet", "--eval", script})
	if err != nil {
		return fmt.Errorf("failed to initiate replica set: %w", err)
	}
	if code != 0 {
		msg, _ := io.ReadAll(out)
		return fmt.Errorf("failed to initiate replica set: exit %d: %s", code, msg)
	}

	client, err := mongo.Connect(options.Client().ApplyURI(
		fmt.Sprintf("mongodb://%s/?directConnection=true", endpoint)))
	if err != nil {
		return err
	}
	defer func() { _ = client.Disconnect(context.Background()) }()

	// An election follows rs.initiate; wait for a writable primary.
	return retry(func(ctx context.Context) error {
		return client.Ping(ctx, readpref.Primary())
	})
}

// SetupSharedTestMongoDB creates a test database in the shared MongoDB container.
// Each test gets its own database, dropped when the test ends.
func SetupSharedTestMongoDB(t *testing.T) *mongo.Database {
	t.Helper()

	_, db := SetupSharedTestMongoDBWithClient(t)
	return db
}

// SetupSharedTestMongoDBWithClient returns both the client and a fresh test
// database with every index the ledger uses.
func SetupSharedTestMongoDBWithClient(t *testing.T) (*mongo.Client, *mongo.Database) {
	t.Helper()

	uri, err := mongoURI()
	if err != nil {
		t.Fatalf("Failed to get shared MongoDB container: %v", err)
	}

	client, err := mongo.Connect(options.Client().ApplyURI(uri))
	if err != nil {
		t.Fatalf("Failed to connect to MongoDB: %v", err)
	}
	if err = retry(func(ctx context.Context) error { return client.Ping(ctx, nil) }); err != nil {
		_ = client.Disconnect(context.Background())
		t.Fatalf("Failed to ping MongoDB: %v", err)
	}

	db := client.Database(testDatabaseName(t.Name()))

	ctx, cancel := context.WithTimeout(context.Background(), containerStartupTimeout)
	defer cancel()
	if err = mongodb.CreateAllIndexes(ctx, db); err != nil {
		t.Fatalf("Failed to create indexes: %v", err)
	}

	t.Cleanup(func() {
		cleanupCtx, cleanupCancel := context.WithTimeout(context.Background(), containerTerminateTimeout)
		defer cleanupCancel()
		_ = db.Drop(cleanupCtx)
		_ = client.Disconnect(cleanupCtx)
	})

	return client, db
}

// SharedMongoURI returns the URI of the shared MongoDB container and a
// database name unique to the test. The database is dropped when the test ends.
func SharedMongoURI(t *testing.T) (string, string) {
	t.Helper()

	uri, err := mongoURI()
	if err != nil {
		t.Fatalf("Failed to get shared MongoDB container: %v", err)
	}
	name := testDatabaseName(t.Name())

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), containerTerminateTimeout)
		defer cancel()
		client, connectErr := mongo.Connect(options.Client().ApplyURI(uri))
		if connectErr != nil {
			return
		}
		_ = client.Database(name).Drop(ctx)
		_ = client.Disconnect(ctx)
	})

	return uri, name
}
