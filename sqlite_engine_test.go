package stato

import (
	"context"
	"database/sql"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	_ "modernc.org/sqlite"

	"github.com/petrijr/stato/pkg/spec"
)

func openTestDB(t *testing.T, path string) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", path)
	require.NoError(t, err)
	// The engine serializes per instance; a single connection keeps the
	// embedded database out of SQLITE_BUSY territory.
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestSQLiteEngine_SurvivesRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stato.db")
	ctx := context.Background()

	cs, err := LoadSpec(strings.NewReader(subscriptionSpec), subscriptionRegistry())
	require.NoError(t, err)

	db := openTestDB(t, path)
	eng, err := NewSQLiteEngine(db, WithSnapshots(1, 0))
	require.NoError(t, err)
	require.NoError(t, eng.RegisterSpec(cs))

	inst, err := eng.Submit(ctx, SubmitRequest{
		WorkflowType: "subscription",
		EventType:    "subscription.paid",
	})
	require.NoError(t, err)
	require.NoError(t, eng.Close())

	// A fresh engine over the same file reconstructs the instance.
	reopened, err := NewSQLiteEngine(openTestDB(t, path))
	require.NoError(t, err)
	defer reopened.Close()
	require.NoError(t, reopened.RegisterSpec(mustReload(t)))

	got, err := reopened.Get(ctx, "subscription", inst.InstanceID)
	require.NoError(t, err)
	require.True(t, got.State.Contains("active"))
	require.Equal(t, inst.Sequence, got.Sequence)

	// And keeps accepting events where the first process left off.
	got, err = reopened.Submit(ctx, SubmitRequest{
		WorkflowType: "subscription",
		InstanceID:   inst.InstanceID,
		EventType:    "subscription.cancelled",
	})
	require.NoError(t, err)
	require.True(t, got.Terminal)
}

func mustReload(t *testing.T) *spec.CompiledSpec {
	t.Helper()
	cs, err := LoadSpec(strings.NewReader(subscriptionSpec), subscriptionRegistry())
	require.NoError(t, err)
	return cs
}
