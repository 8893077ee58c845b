package audit_test

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/praetor-ai/praetor/pkg/audit"
	"github.com/praetor-ai/praetor/pkg/fault"
)

func newSQLiteStore(t *testing.T) *audit.SQLiteStore {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	store, err := audit.NewSQLiteStore(db)
	require.NoError(t, err)
	return store
}

func TestSQLiteAppendAndSearch(t *testing.T) {
	store := newSQLiteStore(t)
	ctx := context.Background()
	base := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)

	for i, jobID := range []string{"j_1", "j_1", "j_2"} {
		require.NoError(t, store.Append(ctx, &audit.Event{
			EventID:   audit.NewEventID(),
			Timestamp: base.Add(time.Duration(i) * time.Second),
			Category:  audit.CategoryLifecycle,
			Severity:  fault.SeverityInfo,
			JobID:     jobID,
			Message:   "transition",
			Data:      map[string]any{"to": "RUNNING"},
		}))
	}

	got, err := store.Search(ctx, audit.Query{JobID: "j_1"})
	require.NoError(t, err)
	require.Len(t, got, 2)
	// Newest first, payload round-trips intact.
	assert.True(t, got[0].Timestamp.After(got[1].Timestamp))
	assert.Equal(t, "RUNNING", got[0].Data["to"])

	got, err = store.Search(ctx, audit.Query{Severity: fault.SeverityCritical})
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestSQLitePagination(t *testing.T) {
	store := newSQLiteStore(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.NoError(t, store.Append(ctx, &audit.Event{
			EventID:   audit.NewEventID(),
			Timestamp: time.Date(2026, 8, 1, 0, 0, i, 0, time.UTC),
			Category:  audit.CategoryExecutor,
			Severity:  fault.SeverityInfo,
			JobID:     "j_1",
		}))
	}

	page, err := store.Search(ctx, audit.Query{Limit: 2, Offset: 2})
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, 2, page[0].Timestamp.Second())
	assert.Equal(t, 1, page[1].Timestamp.Second())
}
