package audit_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/praetor-ai/praetor/pkg/audit"
	"github.com/praetor-ai/praetor/pkg/config"
	"github.com/praetor-ai/praetor/pkg/fault"
)

type fakeClock struct{ now time.Time }

func (f *fakeClock) Now() time.Time { return f.now }

func seedStore(t *testing.T) *audit.MemoryStore {
	t.Helper()
	store := audit.NewMemoryStore()
	base := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	events := []*audit.Event{
		{EventID: "ev_1", Timestamp: base, Category: audit.CategoryDecision, Severity: fault.SeverityInfo, JobID: "j_1", MissionID: "m_1"},
		{EventID: "ev_2", Timestamp: base.Add(time.Second), Category: audit.CategoryLifecycle, Severity: fault.SeverityWarning, JobID: "j_1", MissionID: "m_1"},
		{EventID: "ev_3", Timestamp: base.Add(2 * time.Second), Category: audit.CategoryEnforcement, Severity: fault.SeverityError, JobID: "j_2", MissionID: "m_1"},
		{EventID: "ev_4", Timestamp: base.Add(3 * time.Second), Category: audit.CategoryLifecycle, Severity: fault.SeverityInfo, JobID: "j_2", MissionID: "m_2"},
	}
	for _, e := range events {
		require.NoError(t, store.Append(context.Background(), e))
	}
	return store
}

func TestSearchByJobNewestFirst(t *testing.T) {
	store := seedStore(t)

	got, err := store.Search(context.Background(), audit.Query{JobID: "j_1"})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "ev_2", got[0].EventID)
	assert.Equal(t, "ev_1", got[1].EventID)
}

func TestSearchBySubsetOfKeys(t *testing.T) {
	store := seedStore(t)

	got, err := store.Search(context.Background(), audit.Query{
		MissionID: "m_1",
		Category:  audit.CategoryLifecycle,
	})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "ev_2", got[0].EventID)
}

func TestSearchTimeRangeAndPagination(t *testing.T) {
	store := seedStore(t)
	base := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)

	got, err := store.Search(context.Background(), audit.Query{
		From: base.Add(time.Second),
		To:   base.Add(3 * time.Second),
	})
	require.NoError(t, err)
	assert.Len(t, got, 3)

	page, err := store.Search(context.Background(), audit.Query{Limit: 2, Offset: 1})
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, "ev_3", page[0].EventID)
	assert.Equal(t, "ev_2", page[1].EventID)
}

func TestDuplicatesAreAllowed(t *testing.T) {
	store := audit.NewMemoryStore()
	e := &audit.Event{EventID: "ev_dup", Category: audit.CategorySystem}
	require.NoError(t, store.Append(context.Background(), e))
	require.NoError(t, store.Append(context.Background(), e))
	assert.Equal(t, 2, store.Len())
}

type failingStore struct {
	fail bool
	last *audit.Event
}

func (s *failingStore) Append(ctx context.Context, e *audit.Event) error {
	if s.fail {
		return errors.New("disk full")
	}
	s.last = e
	return nil
}

func (s *failingStore) Search(ctx context.Context, q audit.Query) ([]*audit.Event, error) {
	return nil, nil
}

func TestRecorderStampsAndPublishes(t *testing.T) {
	clk := &fakeClock{now: time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)}
	store := &failingStore{}
	rec := audit.NewRecorder(store, config.AuditSync, clk, nil)

	var published *audit.Event
	rec.Publish = func(e *audit.Event) { published = e }

	err := rec.Record(context.Background(), audit.Event{
		Category: audit.CategoryDecision,
		JobID:    "j_1",
		Message:  "decision persisted",
	})
	require.NoError(t, err)
	require.NotNil(t, store.last)
	assert.NotEmpty(t, store.last.EventID)
	assert.Equal(t, clk.now, store.last.Timestamp)
	require.NotNil(t, published)
	assert.Equal(t, store.last.EventID, published.EventID)
}

func TestRecorderDegradesOnFailureAndRecovers(t *testing.T) {
	store := &failingStore{fail: true}
	rec := audit.NewRecorder(store, config.AuditSync, nil, nil)

	err := rec.Record(context.Background(), audit.Event{Category: audit.CategorySystem})
	assert.Equal(t, fault.CodeAuditLogFailure, fault.CodeOf(err))
	assert.Equal(t, fault.SeverityCritical, fault.SeverityOf(err))
	assert.True(t, rec.Degraded())

	// Events keep flowing to subscribers even while the store is down.
	var published bool
	rec.Publish = func(e *audit.Event) { published = true }
	_ = rec.Record(context.Background(), audit.Event{Category: audit.CategorySystem})
	assert.True(t, published)

	store.fail = false
	require.NoError(t, rec.Record(context.Background(), audit.Event{Category: audit.CategorySystem}))
	assert.False(t, rec.Degraded())
}

func TestBatchRecorderFlushesOnClose(t *testing.T) {
	store := audit.NewMemoryStore()
	rec := audit.NewRecorder(store, config.AuditBatch, nil, nil)

	for i := 0; i < 10; i++ {
		require.NoError(t, rec.Record(context.Background(), audit.Event{
			Category: audit.CategoryExecutor,
			JobID:    "j_1",
		}))
	}
	require.NoError(t, rec.Close())
	assert.Equal(t, 10, store.Len())

	err := rec.Record(context.Background(), audit.Event{Category: audit.CategorySystem})
	assert.Equal(t, fault.CodeAuditLogFailure, fault.CodeOf(err))
}
