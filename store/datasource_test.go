package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryDataSource_CRUD(t *testing.T) {
	ctx := context.Background()
	ds := NewMemoryDataSource()
	ds.Seed("expenses",
		map[string]any{"id": 1, "owner": "alice", "status": "open"},
		map[string]any{"id": 2, "owner": "bob", "status": "open"},
	)

	row, err := ds.Insert(ctx, "expenses", map[string]any{"id": 3, "owner": "alice", "status": "open"})
	require.NoError(t, err)
	assert.Equal(t, "alice", row["owner"])

	rows, err := ds.Select(ctx, "expenses", map[string]any{"owner": "alice"})
	require.NoError(t, err)
	assert.Len(t, rows, 2)

	// Values compare by their printed form, so 1.0 from an expression matches 1.
	n, err := ds.Update(ctx, "expenses", map[string]any{"id": 1.0}, map[string]any{"status": "paid"})
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	rows, _ = ds.Select(ctx, "expenses", map[string]any{"status": "paid"})
	require.Len(t, rows, 1)
	assert.Equal(t, 1, rows[0]["id"])

	n, err = ds.Delete(ctx, "expenses", map[string]any{"owner": "alice"})
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
	rows, _ = ds.Select(ctx, "expenses", nil)
	assert.Len(t, rows, 1)

	_, err = ds.Query(ctx, "SELECT 1")
	assert.ErrorIs(t, err, ErrQueryUnsupported)
}

func TestWhereClause_QuotesAndNumbers(t *testing.T) {
	where, args := whereClause(map[string]any{"status": "open", "Owner": "bob"}, 3)
	assert.Equal(t, ` WHERE "Owner" = $3 AND "status" = $4`, where)
	assert.Equal(t, []any{"bob", "open"}, args)

	where, args = whereClause(nil, 1)
	assert.Empty(t, where)
	assert.Nil(t, args)

	assert.Equal(t, `"audit"."expenses"`, tableIdent("audit.expenses"))
}

func TestPostgresDataSource(t *testing.T) {
	pool := startPostgres(t)
	ctx := context.Background()
	_, err := pool.Exec(ctx, `CREATE TABLE expenses (id SERIAL PRIMARY KEY, owner TEXT NOT NULL, amount NUMERIC NOT NULL, status TEXT NOT NULL DEFAULT 'open')`)
	require.NoError(t, err)

	ds := NewPostgresDataSource(pool)
	row, err := ds.Insert(ctx, "expenses", map[string]any{"owner": "alice", "amount": 120})
	require.NoError(t, err)
	assert.Equal(t, "open", row["status"])

	n, err := ds.Update(ctx, "expenses", map[string]any{"owner": "alice"}, map[string]any{"status": "paid"})
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	rows, err := ds.Select(ctx, "expenses", map[string]any{"status": "paid"})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "alice", rows[0]["owner"])

	rows, err = ds.Query(ctx, `SELECT count(*) AS n FROM expenses WHERE owner = $1`, "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(1), rows[0]["n"])

	n, err = ds.Delete(ctx, "expenses", map[string]any{"owner": "alice"})
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}
