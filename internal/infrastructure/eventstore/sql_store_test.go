package eventstore_test

import (
	"context"
	"testing"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/require"

	"github.com/lllypuk/orderledger/internal/application/appcore"
	"github.com/lllypuk/orderledger/internal/infrastructure/eventstore"
	"github.com/lllypuk/orderledger/internal/infrastructure/sqldb"
)

func openSQLite(t *testing.T) *sqlx.DB {
	t.Helper()

	ctx := context.Background()
	db, err := sqldb.Open(ctx, sqldb.DriverSQLite, ":memory:", sqldb.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	require.NoError(t, sqldb.Migrate(ctx, db, nil))
	return db
}

func TestSQLEventStore_SQLiteContract(t *testing.T) {
	runEventStoreContract(t, func(t *testing.T) appcore.EventStore {
		return eventstore.NewSQLEventStore(openSQLite(t))
	})
}
