package remotesync

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gitlab.com/tozd/go/errors"

	"github.com/unheardhq/ctxsync/internal/ctxsync"
)

type fakeClient struct {
	pages []RecordPage
	calls int
}

func (f *fakeClient) ListRecords(ctx context.Context, projectID, cursor string, limit int) (RecordPage, error) {
	if f.calls >= len(f.pages) {
		return RecordPage{}, nil
	}
	page := f.pages[f.calls]
	f.calls++
	return page, nil
}

func (f *fakeClient) GetRecord(ctx context.Context, recordID string) (ctxsync.Record, error) {
	return ctxsync.Record{}, &HTTPError{StatusCode: 404}
}

func (f *fakeClient) UpsertRecord(ctx context.Context, rec ctxsync.Record) error { return nil }

func (f *fakeClient) DeleteRecord(ctx context.Context, recordID string) error { return nil }

type fakeLocal struct {
	records  map[string]ctxsync.Record
	queued   []ctxsync.RetryQueueItem
	requeued []string
}

func (f *fakeLocal) Records() map[string]ctxsync.Record {
	out := make(map[string]ctxsync.Record, len(f.records))
	for id, rec := range f.records {
		out[id] = rec
	}
	return out
}

func (f *fakeLocal) RetryItems() ([]ctxsync.RetryQueueItem, error) {
	return append([]ctxsync.RetryQueueItem(nil), f.queued...), nil
}

func (f *fakeLocal) Requeue(taskID string) error {
	for _, id := range f.requeued {
		if id == taskID {
			return errors.Errorf("%w: task %q is already queued", ctxsync.ErrInvalidState, taskID)
		}
	}
	f.requeued = append(f.requeued, taskID)
	return nil
}

func record(taskID, recordID, projectID string, status ctxsync.SyncStatus) ctxsync.Record {
	return ctxsync.Record{
		RecordID:         recordID,
		OwnerID:          "user-1",
		ProjectID:        projectID,
		OriginalFilename: taskID + ".csv",
		StoredFilename:   taskID + ".csv",
		RelativePath:     "context/" + taskID + ".csv",
		FileType:         "csv",
		SizeBytes:        10,
		UploadedAt:       time.Now().UTC(),
		SyncStatus:       status,
	}
}

func TestReconcileRequeuesSyncedRecordMissingRemotely(t *testing.T) {
	local := &fakeLocal{
		records: map[string]ctxsync.Record{
			"task-present": record("task-present", "rec-present", "proj-1", ctxsync.SyncSynced),
			"task-lost":    record("task-lost", "rec-lost", "proj-1", ctxsync.SyncSynced),
		},
	}
	client := &fakeClient{pages: []RecordPage{
		{Records: []ctxsync.Record{record("task-present", "rec-present", "proj-1", ctxsync.SyncSynced)}},
	}}

	rec, err := NewReconciler(client, local, ReconcilerOptions{
		ProjectID:   "proj-1",
		ProjectRoot: t.TempDir(),
	})
	require.NoError(t, err)

	report, err := rec.ReconcileOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"task-lost"}, report.Requeued)
	assert.Equal(t, []string{"task-lost"}, local.requeued)
	assert.Equal(t, 1, report.RemoteRecords)
	assert.Equal(t, 2, report.LocalRecords)
}

func TestReconcileDoesNotRequeueTwice(t *testing.T) {
	local := &fakeLocal{
		records: map[string]ctxsync.Record{
			"task-lost": record("task-lost", "rec-lost", "proj-1", ctxsync.SyncSynced),
		},
	}
	client := &fakeClient{}

	rec, err := NewReconciler(client, local, ReconcilerOptions{
		ProjectID:   "proj-1",
		ProjectRoot: t.TempDir(),
	})
	require.NoError(t, err)

	report, err := rec.ReconcileOnce(context.Background())
	require.NoError(t, err)
	require.Equal(t, []string{"task-lost"}, report.Requeued)

	// The second pass sees the requeue rejected as already queued and
	// moves on instead of failing.
	client.calls = 0
	report, err = rec.ReconcileOnce(context.Background())
	require.NoError(t, err)
	assert.Empty(t, report.Requeued)
	assert.Equal(t, []string{"task-lost"}, local.requeued)
}

func TestReconcileSkipsPendingAndUnsyncedRecords(t *testing.T) {
	local := &fakeLocal{
		records: map[string]ctxsync.Record{
			"task-pending": record("task-pending", "rec-pending", "proj-1", ctxsync.SyncPending),
			"task-queued":  record("task-queued", "rec-queued", "proj-1", ctxsync.SyncSynced),
		},
		queued: []ctxsync.RetryQueueItem{{
			TaskID:    "task-queued",
			ProjectID: "proj-1",
			Record:    record("task-queued", "rec-queued", "proj-1", ctxsync.SyncPending),
		}},
	}
	client := &fakeClient{}

	rec, err := NewReconciler(client, local, ReconcilerOptions{
		ProjectID:   "proj-1",
		ProjectRoot: t.TempDir(),
	})
	require.NoError(t, err)

	report, err := rec.ReconcileOnce(context.Background())
	require.NoError(t, err)
	assert.Empty(t, report.Requeued)
	assert.Empty(t, local.requeued)
}

func TestReconcileReportsMissingLocalFilesAndOrphans(t *testing.T) {
	projectRoot := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(projectRoot, "context"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(projectRoot, "context", "task-on-disk.csv"), []byte("a,b\n1,2\n"), 0o644))

	local := &fakeLocal{
		records: map[string]ctxsync.Record{
			"task-on-disk": record("task-on-disk", "rec-on-disk", "proj-1", ctxsync.SyncPending),
		},
		queued: []ctxsync.RetryQueueItem{
			{
				TaskID:    "task-on-disk",
				ProjectID: "proj-1",
				Record:    record("task-on-disk", "rec-on-disk", "proj-1", ctxsync.SyncPending),
			},
			{
				TaskID:    "task-vanished",
				ProjectID: "proj-1",
				Record:    record("task-vanished", "rec-vanished", "proj-1", ctxsync.SyncPending),
			},
		},
	}
	client := &fakeClient{pages: []RecordPage{
		{Records: []ctxsync.Record{record("task-foreign", "rec-foreign", "proj-1", ctxsync.SyncSynced)}},
	}}

	rec, err := NewReconciler(client, local, ReconcilerOptions{
		ProjectID:   "proj-1",
		ProjectRoot: projectRoot,
	})
	require.NoError(t, err)

	report, err := rec.ReconcileOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"task-vanished"}, report.MissingLocal)
	assert.Equal(t, []string{"rec-foreign"}, report.Orphans)
}

func TestReconcilePagesThroughRemoteListing(t *testing.T) {
	next := "cur-2"
	client := &fakeClient{pages: []RecordPage{
		{Records: []ctxsync.Record{record("task-a", "rec-a", "proj-1", ctxsync.SyncSynced)}, NextCursor: &next},
		{Records: []ctxsync.Record{record("task-b", "rec-b", "proj-1", ctxsync.SyncSynced)}},
	}}
	local := &fakeLocal{
		records: map[string]ctxsync.Record{
			"task-a": record("task-a", "rec-a", "proj-1", ctxsync.SyncSynced),
			"task-b": record("task-b", "rec-b", "proj-1", ctxsync.SyncSynced),
		},
	}

	rec, err := NewReconciler(client, local, ReconcilerOptions{
		ProjectID:   "proj-1",
		ProjectRoot: t.TempDir(),
	})
	require.NoError(t, err)

	report, err := rec.ReconcileOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, report.RemoteRecords)
	assert.Empty(t, report.Requeued)
	assert.Equal(t, 2, client.calls)
}

func TestReconcilePersistsStateFile(t *testing.T) {
	projectRoot := t.TempDir()
	stateFile := filepath.Join(projectRoot, "reconcile-state.json")
	local := &fakeLocal{records: map[string]ctxsync.Record{}}

	rec, err := NewReconciler(&fakeClient{}, local, ReconcilerOptions{
		ProjectID:   "proj-1",
		ProjectRoot: projectRoot,
		StateFile:   stateFile,
	})
	require.NoError(t, err)

	_, err = rec.ReconcileOnce(context.Background())
	require.NoError(t, err)

	data, err := os.ReadFile(stateFile)
	require.NoError(t, err)
	assert.Contains(t, string(data), "lastRun")
}

// steadyClient serves the same listing on every call, so repeated
// passes all observe the same remote state.
type steadyClient struct {
	page RecordPage
}

func (c *steadyClient) ListRecords(ctx context.Context, projectID, cursor string, limit int) (RecordPage, error) {
	return c.page, nil
}

func (c *steadyClient) GetRecord(ctx context.Context, recordID string) (ctxsync.Record, error) {
	return ctxsync.Record{}, &HTTPError{StatusCode: 404}
}

func (c *steadyClient) UpsertRecord(ctx context.Context, rec ctxsync.Record) error { return nil }

func (c *steadyClient) DeleteRecord(ctx context.Context, recordID string) error { return nil }

type lockedLocal struct {
	mu       sync.Mutex
	records  map[string]ctxsync.Record
	requeued []string
}

func (f *lockedLocal) Records() map[string]ctxsync.Record {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]ctxsync.Record, len(f.records))
	for id, rec := range f.records {
		out[id] = rec
	}
	return out
}

func (f *lockedLocal) RetryItems() ([]ctxsync.RetryQueueItem, error) {
	return nil, nil
}

func (f *lockedLocal) Requeue(taskID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, id := range f.requeued {
		if id == taskID {
			return errors.Errorf("%w: task %q is already queued", ctxsync.ErrInvalidState, taskID)
		}
	}
	f.requeued = append(f.requeued, taskID)
	return nil
}

func TestConcurrentPassesRequeueOnce(t *testing.T) {
	local := &lockedLocal{
		records: map[string]ctxsync.Record{
			"task-lost": record("task-lost", "rec-lost", "proj-1", ctxsync.SyncSynced),
		},
	}
	rec, err := NewReconciler(&steadyClient{}, local, ReconcilerOptions{
		ProjectID:   "proj-1",
		ProjectRoot: t.TempDir(),
	})
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := rec.ReconcileOnce(context.Background())
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, []string{"task-lost"}, local.requeued, "record must be requeued exactly once across passes")
}
