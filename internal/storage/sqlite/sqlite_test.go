package sqlite

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/techiepookie/arguxai/internal/types"
)

func setupTestDB(t *testing.T) *SQLiteStorage {
	t.Helper()
	store, err := New(context.Background(), filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func ev(session, eventType, step string, ts int64) *types.Event {
	return &types.Event{
		SessionID:  session,
		EventType:  eventType,
		FunnelStep: step,
		Timestamp:  ts,
		DeviceType: "android",
		Country:    "IN",
		AppVersion: "2.1.0",
	}
}

func TestSchemaMigrated(t *testing.T) {
	store := setupTestDB(t)

	version, err := store.SchemaVersion(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, version)
}

func TestInMemoryDatabase(t *testing.T) {
	ctx := context.Background()
	store, err := New(ctx, MemoryPath)
	require.NoError(t, err)
	defer store.Close()

	res, err := store.Ingest(ctx, []*types.Event{ev("s1", "page_view", "otp", 1000)})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Ingested)
}

func TestIngestSkipsDuplicates(t *testing.T) {
	ctx := context.Background()
	store := setupTestDB(t)

	batch := []*types.Event{
		ev("s1", "page_view", "otp", 1000),
		ev("s1", "page_view", "otp", 1000), // same key inside the batch
		ev("s1", "button_click", "otp", 1000),
		ev("s2", "page_view", "otp", 1000),
	}
	res, err := store.Ingest(ctx, batch)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Ingested)
	assert.Equal(t, 1, res.Duplicates)

	// Replaying the same batch stores nothing new
	res, err = store.Ingest(ctx, batch)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Ingested)
	assert.Equal(t, 4, res.Duplicates)

	all, err := store.QueryEvents(ctx, types.Window{Start: time.UnixMilli(0), End: time.UnixMilli(5000)}, "")
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestQueryEventsWindowIsInclusive(t *testing.T) {
	ctx := context.Background()
	store := setupTestDB(t)

	_, err := store.Ingest(ctx, []*types.Event{
		ev("s1", "page_view", "otp", 999),
		ev("s1", "button_click", "otp", 1000),
		ev("s2", "page_view", "signup", 1500),
		ev("s3", "page_view", "otp", 2000),
		ev("s4", "page_view", "otp", 2001),
	})
	require.NoError(t, err)

	w := types.Window{Start: time.UnixMilli(1000), End: time.UnixMilli(2000)}

	otp, err := store.QueryEvents(ctx, w, "otp")
	require.NoError(t, err)
	require.Len(t, otp, 2)
	assert.Equal(t, int64(1000), otp[0].Timestamp)
	assert.Equal(t, int64(2000), otp[1].Timestamp)

	all, err := store.QueryEvents(ctx, w, "")
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestCohortAndSessionHistory(t *testing.T) {
	ctx := context.Background()
	store := setupTestDB(t)

	_, err := store.Ingest(ctx, []*types.Event{
		ev("s1", "page_view", "otp", 1000),
		ev("s1", "login_complete", "login_complete", 9000), // outside window, still part of history
		ev("s2", "page_view", "otp", 1200),
		ev("s2", "page_view", "otp", 1300),
		ev("s3", "page_view", "signup", 1100),
	})
	require.NoError(t, err)

	w := types.Window{Start: time.UnixMilli(1000), End: time.UnixMilli(2000)}
	cohort, err := store.CohortSessions(ctx, "otp", w)
	require.NoError(t, err)
	assert.Equal(t, []string{"s1", "s2"}, cohort)

	history, err := store.SessionEvents(ctx, cohort)
	require.NoError(t, err)
	require.Len(t, history, 4)
	assert.Equal(t, "s1", history[0].SessionID)
	assert.Equal(t, "login_complete", history[1].EventType)
	assert.Equal(t, "s2", history[2].SessionID)

	empty, err := store.SessionEvents(ctx, nil)
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestSessionEventsChunksLargeCohorts(t *testing.T) {
	ctx := context.Background()
	store := setupTestDB(t)

	var batch []*types.Event
	var ids []string
	for i := 0; i < sessionChunkSize+25; i++ {
		id := fmt.Sprintf("s%04d", i)
		ids = append(ids, id)
		batch = append(batch, ev(id, "page_view", "otp", int64(1000+i)))
	}
	_, err := store.Ingest(ctx, batch)
	require.NoError(t, err)

	history, err := store.SessionEvents(ctx, ids)
	require.NoError(t, err)
	assert.Len(t, history, len(ids))
}

func TestTimeBounds(t *testing.T) {
	ctx := context.Background()
	store := setupTestDB(t)

	_, err := store.TimeBounds(ctx)
	assert.ErrorIs(t, err, types.ErrNoData)

	_, err = store.Ingest(ctx, []*types.Event{
		ev("s1", "page_view", "otp", 5000),
		ev("s2", "page_view", "otp", 1000),
		ev("s3", "page_view", "otp", 3000),
	})
	require.NoError(t, err)

	bounds, err := store.TimeBounds(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1000), bounds.StartMS())
	assert.Equal(t, int64(5000), bounds.EndMS())
}

func newTestIssue(id string, createdAt time.Time) *types.Issue {
	return &types.Issue{
		ID:       id,
		Status:   types.StatusDetected,
		Severity: types.SeverityCritical,
		Anomaly: types.Anomaly{
			FunnelStep:             "otp_verification",
			DetectedAt:             createdAt,
			CurrentConversionRate:  52,
			BaselineConversionRate: 87,
			DropPercentage:         35,
			SigmaValue:             11.2,
			IsSignificant:          true,
			CurrentSessions:        300,
			BaselineSessions:       650,
		},
		Evidence:  types.NewEvidence(),
		CreatedAt: createdAt,
		UpdatedAt: createdAt,
	}
}

func TestPutAndGetIssue(t *testing.T) {
	ctx := context.Background()
	store := setupTestDB(t)

	now := time.UnixMilli(1707289800000)
	issue := newTestIssue("issue_1707289800000_otp_verification", now)
	issue.Evidence.ErrorTypes["timeout"] = 4
	issue.Evidence.TopErrors = []string{"SMS gateway timeout"}

	require.NoError(t, store.PutIssue(ctx, issue))

	got, err := store.GetIssue(ctx, issue.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, issue.ID, got.ID)
	assert.Equal(t, types.StatusDetected, got.Status)
	assert.Equal(t, issue.Anomaly.FunnelStep, got.Anomaly.FunnelStep)
	assert.True(t, got.Anomaly.IsSignificant)
	assert.Equal(t, 300, got.Anomaly.CurrentSessions)
	assert.True(t, got.Anomaly.DetectedAt.Equal(now))
	assert.Equal(t, 4, got.Evidence.ErrorTypes["timeout"])
	assert.Nil(t, got.Diagnosis)
	assert.Nil(t, got.FixedAt)

	// Update in place
	fixedAt := now.Add(time.Hour)
	commit := "abc123"
	uplift := 12.5
	got.Status = types.StatusFixed
	got.FixedAt = &fixedAt
	got.FixCommitRef = &commit
	got.UpliftPercentage = &uplift
	got.Diagnosis = &types.Diagnosis{RootCause: "SMS provider outage", Confidence: 80, ModelUsed: "test-model"}
	require.NoError(t, store.PutIssue(ctx, got))

	again, err := store.GetIssue(ctx, issue.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusFixed, again.Status)
	require.NotNil(t, again.FixedAt)
	assert.True(t, again.FixedAt.Equal(fixedAt))
	assert.Equal(t, "abc123", *again.FixCommitRef)
	assert.Nil(t, again.FixPRRef)
	assert.Equal(t, 12.5, *again.UpliftPercentage)
	require.NotNil(t, again.Diagnosis)
	assert.Equal(t, "SMS provider outage", again.Diagnosis.RootCause)
}

func TestGetIssueNotFound(t *testing.T) {
	store := setupTestDB(t)

	got, err := store.GetIssue(context.Background(), "issue_0_missing")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestPutIssueRejectsInvalid(t *testing.T) {
	store := setupTestDB(t)

	issue := newTestIssue("issue_1_x", time.Now())
	issue.Status = "bogus"
	assert.Error(t, store.PutIssue(context.Background(), issue))
}

func TestListIssuesNewestFirstWithFilters(t *testing.T) {
	ctx := context.Background()
	store := setupTestDB(t)

	base := time.UnixMilli(1707289800000)
	a := newTestIssue("issue_a", base)
	b := newTestIssue("issue_b", base.Add(time.Minute))
	b.Severity = types.SeverityMedium
	c := newTestIssue("issue_c", base.Add(2*time.Minute))
	c.Status = types.StatusDiagnosed

	for _, i := range []*types.Issue{a, b, c} {
		require.NoError(t, store.PutIssue(ctx, i))
	}

	all, err := store.ListIssues(ctx, types.IssueFilter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, []string{"issue_c", "issue_b", "issue_a"}, []string{all[0].ID, all[1].ID, all[2].ID})

	detected, err := store.ListIssues(ctx, types.IssueFilter{Status: types.StatusDetected})
	require.NoError(t, err)
	assert.Len(t, detected, 2)

	medium, err := store.ListIssues(ctx, types.IssueFilter{Severity: types.SeverityMedium})
	require.NoError(t, err)
	require.Len(t, medium, 1)
	assert.Equal(t, "issue_b", medium[0].ID)

	limited, err := store.ListIssues(ctx, types.IssueFilter{Limit: 1})
	require.NoError(t, err)
	require.Len(t, limited, 1)
	assert.Equal(t, "issue_c", limited[0].ID)
}

func TestConcurrentIngest(t *testing.T) {
	ctx := context.Background()
	store := setupTestDB(t)

	const writers = 5
	var wg sync.WaitGroup
	errs := make(chan error, writers)
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			var batch []*types.Event
			for i := 0; i < 20; i++ {
				batch = append(batch, ev(fmt.Sprintf("w%d-s%d", w, i), "page_view", "otp", int64(1000+i)))
			}
			if _, err := store.Ingest(ctx, batch); err != nil {
				errs <- err
			}
		}(w)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Errorf("concurrent ingest failed: %v", err)
	}

	all, err := store.QueryEvents(ctx, types.Window{Start: time.UnixMilli(0), End: time.UnixMilli(5000)}, "otp")
	require.NoError(t, err)
	assert.Len(t, all, writers*20)
}

func TestFunnelLifecycle(t *testing.T) {
	ctx := context.Background()
	store := setupTestDB(t)

	created := time.UnixMilli(1_700_000_000_000).UTC()
	login := &types.Funnel{Name: "login", Steps: []string{"login_page", "login_complete"}, CreatedAt: created, UpdatedAt: created}
	checkout := &types.Funnel{
		Name:       "checkout",
		Steps:      []string{"cart", "pay"},
		Completion: &types.CompletionMarkers{EventTypes: []string{"purchase"}},
		CreatedAt:  created,
		UpdatedAt:  created,
	}
	require.NoError(t, store.PutFunnel(ctx, login))
	require.NoError(t, store.PutFunnel(ctx, checkout))

	got, err := store.GetFunnel(ctx, "checkout")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, []string{"cart", "pay"}, got.Steps)
	require.NotNil(t, got.Completion)
	assert.Equal(t, []string{"purchase"}, got.Completion.EventTypes)
	assert.True(t, created.Equal(got.CreatedAt))

	// Replacing keeps created_at and list position
	later := created.Add(time.Hour)
	require.NoError(t, store.PutFunnel(ctx, &types.Funnel{
		Name:      "login",
		Steps:     []string{"login_page", "login_form", "login_complete"},
		CreatedAt: later,
		UpdatedAt: later,
	}))

	all, err := store.ListFunnels(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "login", all[0].Name)
	assert.Equal(t, []string{"login_page", "login_form", "login_complete"}, all[0].Steps)
	assert.Nil(t, all[0].Completion)
	assert.True(t, created.Equal(all[0].CreatedAt))
	assert.True(t, later.Equal(all[0].UpdatedAt))
	assert.Equal(t, "checkout", all[1].Name)

	deleted, err := store.DeleteFunnel(ctx, "login")
	require.NoError(t, err)
	assert.True(t, deleted)
	deleted, err = store.DeleteFunnel(ctx, "login")
	require.NoError(t, err)
	assert.False(t, deleted)

	missing, err := store.GetFunnel(ctx, "login")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestPutFunnelRequiresSteps(t *testing.T) {
	store := setupTestDB(t)
	err := store.PutFunnel(context.Background(), &types.Funnel{Name: "empty"})
	assert.Error(t, err)
}

func TestRollbackRevertsLatestMigration(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "rollback.db")

	store, err := New(ctx, path)
	require.NoError(t, err)
	require.NoError(t, store.Close())

	version, err := Rollback(ctx, path)
	require.NoError(t, err)
	assert.Equal(t, 2, version)

	// Reopening migrates forward again
	store, err = New(ctx, path)
	require.NoError(t, err)
	defer store.Close()
	version, err = store.SchemaVersion(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, version)

	funnels, err := store.ListFunnels(ctx)
	require.NoError(t, err)
	assert.Empty(t, funnels)
}

func TestRollbackRejectsMissingDatabase(t *testing.T) {
	ctx := context.Background()

	_, err := Rollback(ctx, filepath.Join(t.TempDir(), "absent.db"))
	assert.Error(t, err)

	_, err = Rollback(ctx, MemoryPath)
	assert.Error(t, err)
}
