// Package ctxsync drives the ingestion pipeline: classify a dropped file,
// copy it into the project context area, publish its record to the remote
// store, and keep retrying failed publishes until they land.
package ctxsync

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"gitlab.com/tozd/go/errors"

	"github.com/unheardhq/ctxsync/internal/classify"
	"github.com/unheardhq/ctxsync/internal/contentstore"
)

var (
	ErrNotFound       = errors.New("not found")
	ErrInvalidInput   = errors.New("invalid input")
	ErrInvalidState   = errors.New("invalid state")
	ErrQueueFull      = errors.New("queue full")
	ErrNotImplemented = errors.New("not implemented")
)

// LargeFileThreshold marks records whose stored copy should go through
// git-lfs rather than plain git. Strictly greater than, not equal.
const LargeFileThreshold int64 = 10 << 20

type UploadStatus string

const (
	StatusParsing    UploadStatus = "parsing"
	StatusCopying    UploadStatus = "copying"
	StatusCommitting UploadStatus = "committing"
	StatusSyncing    UploadStatus = "syncing"
	StatusComplete   UploadStatus = "complete"
	StatusUnsynced   UploadStatus = "unsynced"
	StatusError      UploadStatus = "error"
)

// Terminal reports whether no further pipeline work will touch the item.
// An unsynced item is terminal for the pipeline even though the retry
// queue still owes it a successful publish.
func (s UploadStatus) Terminal() bool {
	switch s {
	case StatusComplete, StatusUnsynced, StatusError:
		return true
	}
	return false
}

const (
	percentParsing    = 0
	percentCopying    = 33
	percentCommitting = 66
	percentSyncing    = 90
	percentComplete   = 100
)

type SyncStatus string

const (
	SyncSynced  SyncStatus = "synced"
	SyncPending SyncStatus = "pending"
	SyncError   SyncStatus = "error"
)

type UploadItem struct {
	TaskID      string       `json:"taskId"`
	ProjectID   string       `json:"projectId"`
	ProjectRoot string       `json:"projectRoot,omitempty"`
	SourcePath  string       `json:"sourcePath"`
	Filename    string       `json:"filename"`
	Status      UploadStatus `json:"status"`
	Percent     int          `json:"percent"`
	Error       string       `json:"error,omitempty"`
	CreatedAt   time.Time    `json:"createdAt"`
	UpdatedAt   time.Time    `json:"updatedAt"`
}

type Record struct {
	RecordID         string     `json:"recordId"`
	OwnerID          string     `json:"ownerId"`
	ProjectID        string     `json:"projectId"`
	OriginalFilename string     `json:"originalFilename"`
	StoredFilename   string     `json:"storedFilename"`
	RelativePath     string     `json:"relativePath"`
	FileType         string     `json:"fileType"`
	DetectedType     string     `json:"detectedType,omitempty"`
	Rows             *int       `json:"rows,omitempty"`
	Columns          []string   `json:"columns,omitempty"`
	Preview          string     `json:"preview,omitempty"`
	Pages            *int       `json:"pages,omitempty"`
	TextPreview      string     `json:"textPreview,omitempty"`
	SizeBytes        int64      `json:"sizeBytes"`
	IsLFS            bool       `json:"isLfs"`
	UploadedAt       time.Time  `json:"uploadedAt"`
	SyncStatus       SyncStatus `json:"syncStatus"`
}

type RetryQueueItem struct {
	TaskID       string    `json:"taskId"`
	ProjectID    string    `json:"projectId"`
	ProjectRoot  string    `json:"projectRoot,omitempty"`
	Record       Record    `json:"record"`
	IngestedAt   time.Time `json:"ingestedAt"`
	Attempts     int       `json:"attempts"`
	LastAttempt  time.Time `json:"lastAttempt"`
	NextEligible time.Time `json:"nextEligible"`
}

type StatusEvent struct {
	TaskID  string       `json:"taskId"`
	Status  UploadStatus `json:"status"`
	Percent int          `json:"percent"`
	Error   string       `json:"error,omitempty"`
	TS      time.Time    `json:"ts"`
}

type AcceptedTask struct {
	TaskID     string `json:"taskId"`
	SourcePath string `json:"sourcePath"`
}

type SkippedPath struct {
	SourcePath string `json:"sourcePath"`
	Reason     string `json:"reason"`
}

type SubmitResult struct {
	Accepted []AcceptedTask `json:"accepted"`
	Skipped  []SkippedPath  `json:"skipped,omitempty"`
}

type TickReport struct {
	Attempted int `json:"attempted"`
	Delivered int `json:"delivered"`
	Failed    int `json:"failed"`
	Deferred  int `json:"deferred"`
}

type Stats struct {
	Items         int            `json:"items"`
	ByStatus      map[string]int `json:"byStatus"`
	Pending       int            `json:"pending"`
	Running       int            `json:"running"`
	QueueDepth    int            `json:"queueDepth"`
	QueueCapacity int            `json:"queueCapacity"`
	RetryAttempts map[int]int    `json:"retryAttempts,omitempty"`
	DroppedEvents uint64         `json:"droppedEvents"`
	Subscribers   int            `json:"subscribers"`
	RetryBackend  string         `json:"retryBackend"`
	StateBackend  string         `json:"stateBackend"`
}

// RetryQueue is the durable set of publish payloads awaiting delivery.
// Implementations must serialize access; items survive process restarts
// except for the in-memory variant.
type RetryQueue interface {
	Enqueue(item RetryQueueItem) error
	Update(item RetryQueueItem) error
	Remove(taskID string) error
	Get(taskID string) (RetryQueueItem, error)
	List() ([]RetryQueueItem, error)
	Depth() int
	Capacity() int
	Close() error
}

type persistedState struct {
	Items   map[string]UploadItem `json:"items"`
	Records map[string]Record     `json:"records"`
}

type StateBackend interface {
	Load() (*persistedState, error)
	Save(state *persistedState) error
}

type stateBackendCloser interface {
	Close() error
}

type JSONFileStateBackend struct {
	Path string
}

func NewJSONFileStateBackend(path string) *JSONFileStateBackend {
	return &JSONFileStateBackend{Path: strings.TrimSpace(path)}
}

func (b *JSONFileStateBackend) Load() (*persistedState, error) {
	if b == nil || strings.TrimSpace(b.Path) == "" {
		return nil, nil
	}
	data, err := os.ReadFile(b.Path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var snapshot persistedState
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return nil, err
	}
	return &snapshot, nil
}

func (b *JSONFileStateBackend) Save(state *persistedState) error {
	if b == nil || strings.TrimSpace(b.Path) == "" || state == nil {
		return nil
	}
	data, err := json.Marshal(state)
	if err != nil {
		return err
	}
	dir := filepath.Dir(b.Path)
	if dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	tmp := b.Path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, b.Path)
}

type inMemoryRetryQueue struct {
	mu       sync.Mutex
	capacity int
	order    []string
	items    map[string]RetryQueueItem
}

func NewMemoryRetryQueue(capacity int) RetryQueue {
	if capacity <= 0 {
		capacity = 1024
	}
	return &inMemoryRetryQueue{
		capacity: capacity,
		items:    map[string]RetryQueueItem{},
	}
}

func (q *inMemoryRetryQueue) Enqueue(item RetryQueueItem) error {
	if q == nil {
		return errors.Errorf("%w: nil retry queue", ErrInvalidState)
	}
	if strings.TrimSpace(item.TaskID) == "" {
		return errors.Errorf("%w: retry item requires a task id", ErrInvalidInput)
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	// Duplicate before capacity: re-enqueueing a queued task is a state
	// error even when the queue is full.
	if _, exists := q.items[item.TaskID]; exists {
		return errors.Errorf("%w: task %q already queued", ErrInvalidState, item.TaskID)
	}
	if len(q.items) >= q.capacity {
		return errors.Errorf("%w: retry queue at capacity %d", ErrQueueFull, q.capacity)
	}
	q.items[item.TaskID] = item
	q.order = append(q.order, item.TaskID)
	return nil
}

func (q *inMemoryRetryQueue) Update(item RetryQueueItem) error {
	if q == nil {
		return errors.Errorf("%w: nil retry queue", ErrInvalidState)
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, exists := q.items[item.TaskID]; !exists {
		return errors.Errorf("%w: task %q", ErrNotFound, item.TaskID)
	}
	q.items[item.TaskID] = item
	return nil
}

func (q *inMemoryRetryQueue) Remove(taskID string) error {
	if q == nil {
		return errors.Errorf("%w: nil retry queue", ErrInvalidState)
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, exists := q.items[taskID]; !exists {
		return errors.Errorf("%w: task %q", ErrNotFound, taskID)
	}
	delete(q.items, taskID)
	for i, id := range q.order {
		if id == taskID {
			q.order = append(q.order[:i], q.order[i+1:]...)
			break
		}
	}
	return nil
}

func (q *inMemoryRetryQueue) Get(taskID string) (RetryQueueItem, error) {
	if q == nil {
		return RetryQueueItem{}, errors.Errorf("%w: nil retry queue", ErrInvalidState)
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	item, exists := q.items[taskID]
	if !exists {
		return RetryQueueItem{}, errors.Errorf("%w: task %q", ErrNotFound, taskID)
	}
	return item, nil
}

func (q *inMemoryRetryQueue) List() ([]RetryQueueItem, error) {
	if q == nil {
		return nil, errors.Errorf("%w: nil retry queue", ErrInvalidState)
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	result := make([]RetryQueueItem, 0, len(q.order))
	for _, id := range q.order {
		if item, exists := q.items[id]; exists {
			result = append(result, item)
		}
	}
	return result, nil
}

func (q *inMemoryRetryQueue) Depth() int {
	if q == nil {
		return 0
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *inMemoryRetryQueue) Capacity() int {
	if q == nil {
		return 0
	}
	return q.capacity
}

func (q *inMemoryRetryQueue) Close() error {
	return nil
}

type StoreOptions struct {
	OwnerID        string
	Classifier     Classifier
	Content        ContentStore
	Publisher      Publisher
	Git            Committer
	RetryQueue     RetryQueue
	StateBackend   StateBackend
	StateFile      string
	MaxConcurrent  int
	PendingLimit   int
	PublishTimeout time.Duration
	RetryBase      time.Duration
	RetryCap       time.Duration
	EventBuffer    int
	Logger         *zerolog.Logger
}

type taskRequest struct {
	taskID      string
	projectID   string
	projectRoot string
	sourcePath  string
	dedupKey    string
	createdAt   time.Time
}

// Store is the status store plus the scheduler that feeds it. All shared
// state is guarded by three independent locks which are never held
// together: mu for items and records, queueMu for admission bookkeeping,
// subMu for event subscribers.
type Store struct {
	mu      sync.RWMutex
	items   map[string]*UploadItem
	records map[string]Record

	queueMu  sync.Mutex
	pending  []taskRequest
	inFlight map[string]struct{}
	running  int

	tickMu sync.Mutex

	subMu         sync.Mutex
	subs          map[uint64]chan StatusEvent
	nextSub       uint64
	droppedEvents uint64

	ownerID        string
	classifier     Classifier
	content        ContentStore
	publisher      Publisher
	git            Committer
	queue          RetryQueue
	stateBackend   StateBackend
	maxConcurrent  int
	pendingLimit   int
	publishTimeout time.Duration
	retryBase      time.Duration
	retryCap       time.Duration
	eventBuffer    int
	log            zerolog.Logger

	closed    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

func NewStore(opts StoreOptions) (*Store, error) {
	ownerID := strings.TrimSpace(opts.OwnerID)
	if ownerID == "" {
		return nil, errors.Errorf("%w: owner id is required", ErrInvalidInput)
	}
	maxConcurrent := opts.MaxConcurrent
	if maxConcurrent <= 0 {
		maxConcurrent = 3
	}
	if maxConcurrent > 8 {
		maxConcurrent = 8
	}
	pendingLimit := opts.PendingLimit
	if pendingLimit <= 0 {
		pendingLimit = 1024
	}
	publishTimeout := opts.PublishTimeout
	if publishTimeout <= 0 {
		publishTimeout = 30 * time.Second
	}
	retryBase := opts.RetryBase
	if retryBase <= 0 {
		retryBase = 5 * time.Second
	}
	retryCap := opts.RetryCap
	if retryCap <= 0 {
		retryCap = 10 * time.Minute
	}
	eventBuffer := opts.EventBuffer
	if eventBuffer <= 0 {
		eventBuffer = 256
	}
	classifier := opts.Classifier
	if classifier == nil {
		classifier = ClassifierFunc(classify.Classify)
	}
	content := opts.Content
	if content == nil {
		content = contentstore.NewWriter(opts.Logger)
	}
	publisher := opts.Publisher
	if publisher == nil {
		publisher = NoopPublisher{}
	}
	queue := opts.RetryQueue
	if queue == nil {
		queue = NewMemoryRetryQueue(pendingLimit)
	}
	stateBackend := opts.StateBackend
	if stateBackend == nil && strings.TrimSpace(opts.StateFile) != "" {
		stateBackend = NewJSONFileStateBackend(opts.StateFile)
	}
	log := zerolog.Nop()
	if opts.Logger != nil {
		log = *opts.Logger
	}

	s := &Store{
		items:          map[string]*UploadItem{},
		records:        map[string]Record{},
		inFlight:       map[string]struct{}{},
		subs:           map[uint64]chan StatusEvent{},
		ownerID:        ownerID,
		classifier:     classifier,
		content:        content,
		publisher:      publisher,
		git:            opts.Git,
		queue:          queue,
		stateBackend:   stateBackend,
		maxConcurrent:  maxConcurrent,
		pendingLimit:   pendingLimit,
		publishTimeout: publishTimeout,
		retryBase:      retryBase,
		retryCap:       retryCap,
		eventBuffer:    eventBuffer,
		log:            log,
		closed:         make(chan struct{}),
	}
	if err := s.loadFromDisk(); err != nil {
		return nil, errors.Errorf("load persisted state: %w", err)
	}
	if err := s.repopulateFromQueue(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) loadFromDisk() error {
	if s.stateBackend == nil {
		return nil
	}
	snapshot, err := s.stateBackend.Load()
	if err != nil {
		return err
	}
	if snapshot == nil {
		return nil
	}
	for id, item := range snapshot.Items {
		copied := item
		s.items[id] = &copied
	}
	for id, rec := range snapshot.Records {
		s.records[id] = rec
	}
	return nil
}

// repopulateFromQueue rebuilds upload items for every persisted retry
// entry and marks any leftover non-terminal item as interrupted. Runs
// only from the constructor, before anything else can see the store.
func (s *Store) repopulateFromQueue() error {
	queued, err := s.queue.List()
	if err != nil {
		return errors.Errorf("inspect retry queue: %w", err)
	}
	now := time.Now().UTC()
	queuedIDs := make(map[string]struct{}, len(queued))
	for _, entry := range queued {
		queuedIDs[entry.TaskID] = struct{}{}
		if existing, ok := s.items[entry.TaskID]; ok {
			if existing.Status != StatusComplete {
				existing.Status = StatusUnsynced
				existing.Percent = percentSyncing
				existing.UpdatedAt = now
			}
		} else {
			s.items[entry.TaskID] = &UploadItem{
				TaskID:      entry.TaskID,
				ProjectID:   entry.ProjectID,
				ProjectRoot: entry.ProjectRoot,
				SourcePath:  filepath.Join(entry.ProjectRoot, filepath.FromSlash(entry.Record.RelativePath)),
				Filename:    entry.Record.OriginalFilename,
				Status:      StatusUnsynced,
				Percent:     percentSyncing,
				Error:       "restored from retry queue",
				CreatedAt:   entry.IngestedAt,
				UpdatedAt:   now,
			}
		}
		if _, ok := s.records[entry.TaskID]; !ok {
			s.records[entry.TaskID] = entry.Record
		}
	}
	for _, item := range s.items {
		if item.Status.Terminal() {
			continue
		}
		if _, ok := queuedIDs[item.TaskID]; ok {
			continue
		}
		item.Status = StatusError
		item.Error = "interrupted by restart"
		item.UpdatedAt = now
	}
	if err := s.saveLocked(); err != nil {
		s.log.Warn().Err(err).Msg("persist restored state")
	}
	return nil
}

// saveLocked snapshots items and records for the state backend. Callers
// must hold mu (or have exclusive access during construction).
func (s *Store) saveLocked() error {
	if s.stateBackend == nil {
		return nil
	}
	snapshot := &persistedState{
		Items:   make(map[string]UploadItem, len(s.items)),
		Records: make(map[string]Record, len(s.records)),
	}
	for id, item := range s.items {
		snapshot.Items[id] = *item
	}
	for id, rec := range s.records {
		snapshot.Records[id] = rec
	}
	return s.stateBackend.Save(snapshot)
}

// Submit registers every supported path as an upload item in parsing
// state, then admits tasks FIFO under the concurrency bound. Unsupported
// and duplicate paths are reported as skipped, not errors. When the
// ingest backlog is full the remaining paths are skipped and ErrQueueFull
// is returned alongside the partial result.
func (s *Store) Submit(projectID, projectRoot string, paths []string) (SubmitResult, error) {
	result := SubmitResult{}
	projectID = strings.TrimSpace(projectID)
	projectRoot = strings.TrimSpace(projectRoot)
	if projectID == "" || projectRoot == "" {
		return result, errors.Errorf("%w: project id and project root are required", ErrInvalidInput)
	}
	select {
	case <-s.closed:
		return result, errors.Errorf("%w: store is closed", ErrInvalidState)
	default:
	}
	if len(paths) == 0 {
		return result, nil
	}

	var requests []taskRequest
	var backlogErr error
	now := time.Now().UTC()

	s.queueMu.Lock()
	for i, raw := range paths {
		trimmed := strings.TrimSpace(raw)
		if trimmed == "" {
			result.Skipped = append(result.Skipped, SkippedPath{SourcePath: raw, Reason: "empty path"})
			continue
		}
		abs, err := filepath.Abs(trimmed)
		if err != nil {
			result.Skipped = append(result.Skipped, SkippedPath{SourcePath: raw, Reason: "unresolvable path"})
			continue
		}
		abs = filepath.Clean(abs)
		if !classify.Supported(abs) {
			result.Skipped = append(result.Skipped, SkippedPath{SourcePath: raw, Reason: "unsupported extension"})
			continue
		}
		dedupKey := projectID + "|" + abs
		if _, busy := s.inFlight[dedupKey]; busy {
			result.Skipped = append(result.Skipped, SkippedPath{SourcePath: raw, Reason: "already in flight"})
			continue
		}
		if len(s.pending)+s.running+len(requests) >= s.pendingLimit {
			backlogErr = errors.Errorf("%w: ingest backlog at capacity %d", ErrQueueFull, s.pendingLimit)
			for _, rest := range paths[i:] {
				result.Skipped = append(result.Skipped, SkippedPath{SourcePath: rest, Reason: "ingest backlog full"})
			}
			break
		}
		s.inFlight[dedupKey] = struct{}{}
		requests = append(requests, taskRequest{
			taskID:      uuid.NewString(),
			projectID:   projectID,
			projectRoot: projectRoot,
			sourcePath:  abs,
			dedupKey:    dedupKey,
			createdAt:   now,
		})
	}
	s.queueMu.Unlock()

	if len(requests) == 0 {
		return result, backlogErr
	}

	events := make([]StatusEvent, 0, len(requests))
	s.mu.Lock()
	for _, req := range requests {
		s.items[req.taskID] = &UploadItem{
			TaskID:      req.taskID,
			ProjectID:   req.projectID,
			ProjectRoot: req.projectRoot,
			SourcePath:  req.sourcePath,
			Filename:    filepath.Base(req.sourcePath),
			Status:      StatusParsing,
			Percent:     percentParsing,
			CreatedAt:   req.createdAt,
			UpdatedAt:   req.createdAt,
		}
		events = append(events, StatusEvent{TaskID: req.taskID, Status: StatusParsing, Percent: percentParsing, TS: req.createdAt})
	}
	if err := s.saveLocked(); err != nil {
		s.log.Error().Err(err).Msg("persist upload state")
	}
	s.mu.Unlock()

	for _, ev := range events {
		s.publishEvent(ev)
	}
	for _, req := range requests {
		result.Accepted = append(result.Accepted, AcceptedTask{TaskID: req.taskID, SourcePath: req.sourcePath})
	}

	s.queueMu.Lock()
	s.pending = append(s.pending, requests...)
	s.admitLocked()
	s.queueMu.Unlock()

	return result, backlogErr
}

// admitLocked pops pending requests while slots are free. Caller holds
// queueMu.
func (s *Store) admitLocked() {
	select {
	case <-s.closed:
		return
	default:
	}
	for s.running < s.maxConcurrent && len(s.pending) > 0 {
		req := s.pending[0]
		s.pending = s.pending[1:]
		s.running++
		s.wg.Add(1)
		go s.runTask(req)
	}
}

func (s *Store) runTask(req taskRequest) {
	defer s.wg.Done()
	defer func() {
		s.queueMu.Lock()
		s.running--
		delete(s.inFlight, req.dedupKey)
		s.admitLocked()
		s.queueMu.Unlock()
	}()

	log := s.log.With().Str("taskId", req.taskID).Str("file", filepath.Base(req.sourcePath)).Logger()

	info, err := s.classifier.Classify(req.sourcePath)
	if err != nil {
		log.Error().Err(err).Msg("classification failed")
		s.setStatus(req.taskID, StatusError, percentParsing, err.Error())
		return
	}

	s.setStatus(req.taskID, StatusCopying, percentCopying, "")
	stored, err := s.content.Store(req.projectRoot, req.sourcePath)
	if err != nil {
		log.Error().Err(err).Msg("copy into context failed")
		s.setStatus(req.taskID, StatusError, percentCopying, err.Error())
		return
	}

	s.setStatus(req.taskID, StatusCommitting, percentCommitting, "")
	rec := s.buildRecord(req, info, stored)
	if err := ValidateRecord(rec); err != nil {
		log.Error().Err(err).Msg("record failed validation")
		s.setStatus(req.taskID, StatusError, percentCommitting, err.Error())
		return
	}
	s.mu.Lock()
	if _, tracked := s.items[req.taskID]; tracked {
		s.records[req.taskID] = rec
		if err := s.saveLocked(); err != nil {
			log.Error().Err(err).Msg("persist record")
		}
	}
	s.mu.Unlock()

	if s.git != nil {
		if err := s.git.Commit(req.projectRoot, stored.RelativePath, "Add context file "+stored.StoredFilename); err != nil {
			log.Warn().Err(err).Msg("git commit failed")
		}
	}

	s.setStatus(req.taskID, StatusSyncing, percentSyncing, "")
	publishCtx, cancel := context.WithTimeout(context.Background(), s.publishTimeout)
	err = s.publisher.PublishRecord(publishCtx, rec)
	cancel()
	if err == nil {
		s.markSynced(req.taskID, rec.RecordID)
		s.setStatus(req.taskID, StatusComplete, percentComplete, "")
		log.Info().Str("storedAs", stored.StoredFilename).Msg("context file ingested")
		return
	}

	log.Warn().Err(err).Msg("publish failed, queueing for retry")
	now := time.Now().UTC()
	entry := RetryQueueItem{
		TaskID:       req.taskID,
		ProjectID:    req.projectID,
		ProjectRoot:  req.projectRoot,
		Record:       rec,
		IngestedAt:   req.createdAt,
		Attempts:     1,
		LastAttempt:  now,
		NextEligible: now.Add(backoffDelay(s.retryBase, s.retryCap, 1)),
	}
	message := err.Error()
	if qerr := s.queue.Enqueue(entry); qerr != nil {
		log.Error().Err(qerr).Msg("retry enqueue failed")
		message = message + "; retry enqueue failed: " + qerr.Error()
		s.mu.Lock()
		if stored, tracked := s.records[req.taskID]; tracked {
			stored.SyncStatus = SyncError
			s.records[req.taskID] = stored
		}
		s.mu.Unlock()
	}
	s.setStatus(req.taskID, StatusUnsynced, percentSyncing, message)
}

func (s *Store) buildRecord(req taskRequest, info classify.FileInfo, stored contentstore.StoreResult) Record {
	rec := Record{
		RecordID:         uuid.NewString(),
		OwnerID:          s.ownerID,
		ProjectID:        req.projectID,
		OriginalFilename: filepath.Base(req.sourcePath),
		StoredFilename:   stored.StoredFilename,
		RelativePath:     stored.RelativePath,
		FileType:         info.FileType,
		SizeBytes:        stored.SizeBytes,
		IsLFS:            stored.SizeBytes > LargeFileThreshold,
		UploadedAt:       time.Now().UTC(),
		SyncStatus:       SyncPending,
	}
	switch info.FileType {
	case classify.FileTypeCSV, classify.FileTypeExcel:
		rows := info.Rows
		rec.Rows = &rows
		rec.Columns = info.Columns
		rec.Preview = info.Preview
		rec.DetectedType = info.DetectedType
	case classify.FileTypePDF:
		pages := info.Pages
		rec.Pages = &pages
		rec.TextPreview = info.TextPreview
	}
	return rec
}

// markSynced tells the remote the record landed and flips the local
// record's sync status. The remote call is best effort; the upsert
// itself already carries the payload.
func (s *Store) markSynced(taskID, recordID string) {
	ctx, cancel := context.WithTimeout(context.Background(), s.publishTimeout)
	if err := s.publisher.MarkSynced(ctx, recordID); err != nil {
		s.log.Debug().Err(err).Str("recordId", recordID).Msg("mark synced failed")
	}
	cancel()
	s.mu.Lock()
	if rec, tracked := s.records[taskID]; tracked {
		rec.SyncStatus = SyncSynced
		s.records[taskID] = rec
		if err := s.saveLocked(); err != nil {
			s.log.Error().Err(err).Msg("persist record state")
		}
	}
	s.mu.Unlock()
}

// setStatus applies a transition if the item still exists. A removed
// item is never recreated; the late write simply vanishes.
func (s *Store) setStatus(taskID string, status UploadStatus, percent int, message string) {
	now := time.Now().UTC()
	s.mu.Lock()
	item, tracked := s.items[taskID]
	if !tracked {
		s.mu.Unlock()
		return
	}
	item.Status = status
	item.Percent = percent
	item.Error = message
	item.UpdatedAt = now
	if err := s.saveLocked(); err != nil {
		s.log.Error().Err(err).Str("taskId", taskID).Msg("persist upload state")
	}
	s.mu.Unlock()
	s.publishEvent(StatusEvent{TaskID: taskID, Status: status, Percent: percent, Error: message, TS: now})
}

// publishEvent fans an event out to every subscriber. A full subscriber
// loses its oldest buffered event rather than blocking the pipeline.
func (s *Store) publishEvent(ev StatusEvent) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	for _, ch := range s.subs {
		select {
		case ch <- ev:
			continue
		default:
		}
		select {
		case <-ch:
			s.droppedEvents++
		default:
		}
		select {
		case ch <- ev:
		default:
			s.droppedEvents++
		}
	}
}

func (s *Store) Watch() (uint64, <-chan StatusEvent) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	select {
	case <-s.closed:
		// The shutdown sweep already ran; a late subscriber gets a closed
		// channel so it observes shutdown instead of waiting forever.
		ch := make(chan StatusEvent)
		close(ch)
		return 0, ch
	default:
	}
	s.nextSub++
	id := s.nextSub
	ch := make(chan StatusEvent, s.eventBuffer)
	s.subs[id] = ch
	return id, ch
}

func (s *Store) Unwatch(id uint64) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	ch, ok := s.subs[id]
	if !ok {
		return
	}
	delete(s.subs, id)
	close(ch)
}

func (s *Store) Get(taskID string) (UploadItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	item, ok := s.items[taskID]
	if !ok {
		return UploadItem{}, errors.Errorf("%w: task %q", ErrNotFound, taskID)
	}
	return *item, nil
}

// List returns items sorted by creation time. An empty filter returns
// everything.
func (s *Store) List(statusFilter UploadStatus) []UploadItem {
	s.mu.RLock()
	result := make([]UploadItem, 0, len(s.items))
	for _, item := range s.items {
		if statusFilter != "" && item.Status != statusFilter {
			continue
		}
		result = append(result, *item)
	}
	s.mu.RUnlock()
	sort.Slice(result, func(i, j int) bool {
		if result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].TaskID < result[j].TaskID
		}
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result
}

// Remove drops an item and its record. A still-running task keeps
// going, but its later status writes become no-ops. The retry queue
// entry, if any, is left alone; Discard handles that explicitly.
func (s *Store) Remove(taskID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.items[taskID]; !ok {
		return errors.Errorf("%w: task %q", ErrNotFound, taskID)
	}
	delete(s.items, taskID)
	delete(s.records, taskID)
	if err := s.saveLocked(); err != nil {
		s.log.Error().Err(err).Msg("persist upload state")
	}
	return nil
}

// ClearCompleted removes complete and error items. Unsynced items stay
// visible because the retry queue still owes them a publish. Records
// are kept; they are the catalog of what lives in the context area.
func (s *Store) ClearCompleted() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for id, item := range s.items {
		if item.Status == StatusComplete || item.Status == StatusError {
			delete(s.items, id)
			removed++
		}
	}
	if removed > 0 {
		if err := s.saveLocked(); err != nil {
			s.log.Error().Err(err).Msg("persist upload state")
		}
	}
	return removed
}

func (s *Store) Stats() Stats {
	stats := Stats{ByStatus: map[string]int{}}
	s.mu.RLock()
	stats.Items = len(s.items)
	for _, item := range s.items {
		stats.ByStatus[string(item.Status)]++
	}
	s.mu.RUnlock()

	s.queueMu.Lock()
	stats.Pending = len(s.pending)
	stats.Running = s.running
	s.queueMu.Unlock()

	stats.QueueDepth = s.queue.Depth()
	stats.QueueCapacity = s.queue.Capacity()
	if queued, err := s.queue.List(); err == nil && len(queued) > 0 {
		attempts := map[int]int{}
		for _, entry := range queued {
			attempts[entry.Attempts]++
		}
		stats.RetryAttempts = attempts
	}

	s.subMu.Lock()
	stats.DroppedEvents = s.droppedEvents
	stats.Subscribers = len(s.subs)
	s.subMu.Unlock()

	stats.RetryBackend = backendName(s.queue)
	stats.StateBackend = backendName(s.stateBackend)
	return stats
}

// backendName reports the concrete backend type behind an interface,
// without the package path, for the stats surface.
func backendName(backend any) string {
	if backend == nil {
		return "none"
	}
	name := fmt.Sprintf("%T", backend)
	if idx := strings.LastIndex(name, "."); idx >= 0 {
		name = name[idx+1:]
	}
	return name
}

// Tick attempts one publish for every queue entry whose backoff window
// has elapsed. Serialized; a second concurrent tick waits for the first.
func (s *Store) Tick(ctx context.Context) (TickReport, error) {
	s.tickMu.Lock()
	defer s.tickMu.Unlock()

	report := TickReport{}
	queued, err := s.queue.List()
	if err != nil {
		return report, errors.Errorf("list retry queue: %w", err)
	}
	for _, entry := range queued {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		now := time.Now().UTC()
		if entry.NextEligible.After(now) {
			report.Deferred++
			continue
		}
		report.Attempted++
		attemptCtx, cancel := context.WithTimeout(ctx, s.publishTimeout)
		err := s.publisher.PublishRecord(attemptCtx, entry.Record)
		cancel()
		if err == nil {
			s.markSynced(entry.TaskID, entry.Record.RecordID)
			if rerr := s.queue.Remove(entry.TaskID); rerr != nil {
				s.log.Error().Err(rerr).Str("taskId", entry.TaskID).Msg("remove delivered retry entry")
			}
			s.setStatus(entry.TaskID, StatusComplete, percentComplete, "")
			report.Delivered++
			continue
		}
		report.Failed++
		entry.Attempts++
		entry.LastAttempt = now
		entry.NextEligible = now.Add(backoffDelay(s.retryBase, s.retryCap, entry.Attempts))
		if uerr := s.queue.Update(entry); uerr != nil {
			s.log.Error().Err(uerr).Str("taskId", entry.TaskID).Msg("update retry entry")
		}
		s.log.Debug().Err(err).Str("taskId", entry.TaskID).Int("attempts", entry.Attempts).Time("nextEligible", entry.NextEligible).Msg("retry attempt failed")
	}
	return report, nil
}

// Discard removes a retry entry without delivering it. The upload item
// stays unsynced; the stored file is untouched.
func (s *Store) Discard(taskID string) error {
	return s.queue.Remove(taskID)
}

func (s *Store) RetryItems() ([]RetryQueueItem, error) {
	return s.queue.List()
}

func (s *Store) RecordFor(taskID string) (Record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[taskID]
	return rec, ok
}

// Records returns a copy of the durable record catalog keyed by task id.
// The reconciler walks it to compare local state against the remote.
func (s *Store) Records() map[string]Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]Record, len(s.records))
	for id, rec := range s.records {
		out[id] = rec
	}
	return out
}

// Requeue puts a previously synced record back on the retry queue, used
// when reconciliation finds the remote copy missing.
func (s *Store) Requeue(taskID string) error {
	rec, ok := s.RecordFor(taskID)
	if !ok {
		return errors.Errorf("%w: no record for task %q", ErrNotFound, taskID)
	}
	if _, err := s.queue.Get(taskID); err == nil {
		return errors.Errorf("%w: task %q is already queued", ErrInvalidState, taskID)
	}
	now := time.Now().UTC()
	projectRoot := ""
	ingestedAt := now
	s.mu.RLock()
	if item, tracked := s.items[taskID]; tracked {
		projectRoot = item.ProjectRoot
		ingestedAt = item.CreatedAt
	}
	s.mu.RUnlock()
	rec.SyncStatus = SyncPending
	entry := RetryQueueItem{
		TaskID:       taskID,
		ProjectID:    rec.ProjectID,
		ProjectRoot:  projectRoot,
		Record:       rec,
		IngestedAt:   ingestedAt,
		Attempts:     0,
		LastAttempt:  time.Time{},
		NextEligible: now,
	}
	if err := s.queue.Enqueue(entry); err != nil {
		return err
	}
	s.mu.Lock()
	if stored, tracked := s.records[taskID]; tracked {
		stored.SyncStatus = SyncPending
		s.records[taskID] = stored
	}
	s.mu.Unlock()
	s.setStatus(taskID, StatusUnsynced, percentSyncing, "remote record missing; requeued")
	return nil
}

func backoffDelay(base, maxDelay time.Duration, attempts int) time.Duration {
	if base <= 0 {
		base = 5 * time.Second
	}
	if maxDelay <= 0 {
		maxDelay = 10 * time.Minute
	}
	delay := base
	for i := 1; i < attempts; i++ {
		delay *= 2
		if delay >= maxDelay {
			return maxDelay
		}
	}
	if delay > maxDelay {
		return maxDelay
	}
	return delay
}

// Close stops admission, waits for running tasks, then releases the
// queue, state backend, and subscribers. Pending never-admitted items
// are marked interrupted on the next startup.
func (s *Store) Close() error {
	s.closeOnce.Do(func() {
		close(s.closed)
		s.wg.Wait()
		if err := s.queue.Close(); err != nil {
			s.log.Debug().Err(err).Msg("close retry queue")
		}
		if closer, ok := s.stateBackend.(stateBackendCloser); ok {
			if err := closer.Close(); err != nil {
				s.log.Debug().Err(err).Msg("close state backend")
			}
		}
		s.subMu.Lock()
		for id, ch := range s.subs {
			delete(s.subs, id)
			close(ch)
		}
		s.subMu.Unlock()
	})
	return nil
}
