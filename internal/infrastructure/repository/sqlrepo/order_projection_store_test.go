package sqlrepo_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	orderapp "github.com/lllypuk/orderledger/internal/application/order"
	"github.com/lllypuk/orderledger/internal/infrastructure/repository/sqlrepo"
	"github.com/lllypuk/orderledger/internal/infrastructure/sqldb"
	"github.com/lllypuk/orderledger/tests/testutil"
)

func TestOrderProjectionStore_SQLiteContract(t *testing.T) {
	testutil.RunProjectionStoreContract(t, func(t *testing.T) orderapp.ProjectionStore {
		ctx := context.Background()
		db, err := sqldb.Open(ctx, sqldb.DriverSQLite, ":memory:", sqldb.Options{})
		require.NoError(t, err)
		t.Cleanup(func() { _ = db.Close() })
		require.NoError(t, sqldb.Migrate(ctx, db, nil))

		return sqlrepo.NewOrderProjectionStore(db)
	})
}
