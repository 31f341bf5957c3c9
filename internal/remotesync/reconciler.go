package remotesync

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"gitlab.com/tozd/go/errors"

	"github.com/unheardhq/ctxsync/internal/ctxsync"
)

// LocalState is the slice of the ingest store the reconciler needs.
// *ctxsync.Store satisfies it.
type LocalState interface {
	Records() map[string]ctxsync.Record
	RetryItems() ([]ctxsync.RetryQueueItem, error)
	Requeue(taskID string) error
}

type ReconcilerOptions struct {
	ProjectID   string
	ProjectRoot string
	StateFile   string
	Logger      *zerolog.Logger
}

// Report is what one reconcile pass found and did. Orphans and missing
// files are surfaced for the operator; only requeueing is automatic.
type Report struct {
	StartedAt     time.Time `json:"startedAt"`
	FinishedAt    time.Time `json:"finishedAt"`
	RemoteRecords int       `json:"remoteRecords"`
	LocalRecords  int       `json:"localRecords"`
	Requeued      []string  `json:"requeued,omitempty"`
	MissingLocal  []string  `json:"missingLocal,omitempty"`
	Orphans       []string  `json:"orphans,omitempty"`
}

type reconcileState struct {
	LastRun      time.Time `json:"lastRun"`
	LastRequeued []string  `json:"lastRequeued,omitempty"`
}

// Reconciler compares the local record catalog, the retry queue, and
// the files on disk against the remote listing, and repairs what it
// safely can: a record the local side believes is synced but the
// remote no longer has goes back on the retry queue.
type Reconciler struct {
	client      Client
	local       LocalState
	projectID   string
	projectRoot string
	stateFile   string
	log         zerolog.Logger

	// mu serializes passes: the daemon's timer loop and the HTTP
	// trigger may fire concurrently, and state/loaded are mutable.
	mu     sync.Mutex
	state  reconcileState
	loaded bool
}

func NewReconciler(client Client, local LocalState, opts ReconcilerOptions) (*Reconciler, error) {
	if client == nil {
		return nil, errors.New("client is required")
	}
	if local == nil {
		return nil, errors.New("local state is required")
	}
	projectID := strings.TrimSpace(opts.ProjectID)
	if projectID == "" {
		return nil, errors.New("project id is required")
	}
	projectRoot := strings.TrimSpace(opts.ProjectRoot)
	if projectRoot == "" {
		return nil, errors.New("project root is required")
	}
	stateFile := strings.TrimSpace(opts.StateFile)
	if stateFile == "" {
		stateFile = filepath.Join(projectRoot, ".ctxsync-reconcile.json")
	}
	log := zerolog.Nop()
	if opts.Logger != nil {
		log = *opts.Logger
	}
	return &Reconciler{
		client:      client,
		local:       local,
		projectID:   projectID,
		projectRoot: filepath.Clean(projectRoot),
		stateFile:   stateFile,
		log:         log,
	}, nil
}

// ReconcileOnce runs one full pass. Passes are serialized; a concurrent
// call waits for the running pass to finish. Each pass lists the
// complete remote catalog for the project.
func (r *Reconciler) ReconcileOnce(ctx context.Context) (Report, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	report := Report{StartedAt: time.Now().UTC()}
	if err := r.loadState(); err != nil {
		return report, err
	}

	remote, err := r.listRemote(ctx)
	if err != nil {
		return report, errors.Errorf("list remote records: %w", err)
	}
	report.RemoteRecords = len(remote)

	local := r.local.Records()
	queued, err := r.local.RetryItems()
	if err != nil {
		return report, errors.Errorf("list retry queue: %w", err)
	}
	queuedIDs := make(map[string]struct{}, len(queued))
	for _, entry := range queued {
		queuedIDs[entry.TaskID] = struct{}{}
	}

	localTaskIDs := make([]string, 0, len(local))
	localRecordIDs := map[string]struct{}{}
	for taskID, rec := range local {
		if rec.ProjectID != r.projectID {
			continue
		}
		localTaskIDs = append(localTaskIDs, taskID)
		localRecordIDs[rec.RecordID] = struct{}{}
	}
	sort.Strings(localTaskIDs)
	report.LocalRecords = len(localTaskIDs)

	for _, taskID := range localTaskIDs {
		rec := local[taskID]
		if rec.SyncStatus != ctxsync.SyncSynced {
			continue
		}
		if _, present := remote[rec.RecordID]; present {
			continue
		}
		if _, pending := queuedIDs[taskID]; pending {
			continue
		}
		if err := r.local.Requeue(taskID); err != nil {
			if errors.Is(err, ctxsync.ErrInvalidState) || errors.Is(err, ctxsync.ErrNotFound) {
				r.log.Debug().Err(err).Str("taskId", taskID).Msg("skip requeue")
				continue
			}
			return report, errors.Errorf("requeue %s: %w", taskID, err)
		}
		r.log.Info().Str("taskId", taskID).Str("recordId", rec.RecordID).Msg("remote record missing, requeued")
		report.Requeued = append(report.Requeued, taskID)
	}

	for _, entry := range queued {
		if entry.ProjectID != r.projectID {
			continue
		}
		localPath := filepath.Join(r.projectRoot, filepath.FromSlash(entry.Record.RelativePath))
		if _, statErr := os.Stat(localPath); statErr != nil {
			report.MissingLocal = append(report.MissingLocal, entry.TaskID)
		}
	}
	sort.Strings(report.MissingLocal)

	for recordID := range remote {
		if _, known := localRecordIDs[recordID]; !known {
			report.Orphans = append(report.Orphans, recordID)
		}
	}
	sort.Strings(report.Orphans)

	report.FinishedAt = time.Now().UTC()
	r.state.LastRun = report.FinishedAt
	r.state.LastRequeued = report.Requeued
	if err := r.saveState(); err != nil {
		r.log.Warn().Err(err).Msg("persist reconcile state")
	}
	return report, nil
}

func (r *Reconciler) listRemote(ctx context.Context) (map[string]ctxsync.Record, error) {
	remote := map[string]ctxsync.Record{}
	cursor := ""
	for {
		page, err := r.client.ListRecords(ctx, r.projectID, cursor, 200)
		if err != nil {
			return nil, err
		}
		for _, rec := range page.Records {
			if strings.TrimSpace(rec.RecordID) == "" {
				continue
			}
			remote[rec.RecordID] = rec
		}
		if page.NextCursor == nil || *page.NextCursor == "" {
			return remote, nil
		}
		cursor = *page.NextCursor
	}
}

func (r *Reconciler) loadState() error {
	if r.loaded {
		return nil
	}
	r.loaded = true
	data, err := os.ReadFile(r.stateFile)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	var state reconcileState
	if err := json.Unmarshal(data, &state); err != nil {
		return err
	}
	r.state = state
	return nil
}

func (r *Reconciler) saveState() error {
	data, err := json.Marshal(r.state)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(r.stateFile), 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(r.stateFile), "."+filepath.Base(r.stateFile)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			_ = os.Remove(tmpName)
		}
	}()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpName, r.stateFile); err != nil {
		return err
	}
	committed = true
	return nil
}
