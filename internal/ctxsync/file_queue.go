package ctxsync

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"gitlab.com/tozd/go/errors"
)

type fileRetryQueue struct {
	path     string
	capacity int
	mu       sync.Mutex
	items    []RetryQueueItem
}

type fileRetryQueueState struct {
	Items []RetryQueueItem `json:"items"`
}

func NewFileRetryQueue(path string, capacity int) (RetryQueue, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.Errorf("%w: retry queue path is required", ErrInvalidInput)
	}
	if capacity <= 0 {
		capacity = 1024
	}
	q := &fileRetryQueue{
		path:     path,
		capacity: capacity,
		items:    []RetryQueueItem{},
	}
	if err := q.load(); err != nil {
		return nil, err
	}
	return q, nil
}

func (q *fileRetryQueue) Enqueue(item RetryQueueItem) error {
	if strings.TrimSpace(item.TaskID) == "" {
		return errors.Errorf("%w: retry item requires a task id", ErrInvalidInput)
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	// Duplicate before capacity: re-enqueueing a queued task is a state
	// error even when the queue is full.
	if q.indexLocked(item.TaskID) >= 0 {
		return errors.Errorf("%w: task %q already queued", ErrInvalidState, item.TaskID)
	}
	if len(q.items) >= q.capacity {
		return errors.Errorf("%w: retry queue at capacity %d", ErrQueueFull, q.capacity)
	}
	q.items = append(q.items, item)
	if err := q.saveLocked(); err != nil {
		q.items = q.items[:len(q.items)-1]
		return errors.Errorf("persist retry queue: %w", err)
	}
	return nil
}

func (q *fileRetryQueue) Update(item RetryQueueItem) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	i := q.indexLocked(item.TaskID)
	if i < 0 {
		return errors.Errorf("%w: task %q", ErrNotFound, item.TaskID)
	}
	previous := q.items[i]
	q.items[i] = item
	if err := q.saveLocked(); err != nil {
		q.items[i] = previous
		return errors.Errorf("persist retry queue: %w", err)
	}
	return nil
}

func (q *fileRetryQueue) Remove(taskID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	i := q.indexLocked(taskID)
	if i < 0 {
		return errors.Errorf("%w: task %q", ErrNotFound, taskID)
	}
	removed := q.items[i]
	q.items = append(q.items[:i], q.items[i+1:]...)
	if err := q.saveLocked(); err != nil {
		q.items = append(q.items[:i], append([]RetryQueueItem{removed}, q.items[i:]...)...)
		return errors.Errorf("persist retry queue: %w", err)
	}
	return nil
}

func (q *fileRetryQueue) Get(taskID string) (RetryQueueItem, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	i := q.indexLocked(taskID)
	if i < 0 {
		return RetryQueueItem{}, errors.Errorf("%w: task %q", ErrNotFound, taskID)
	}
	return q.items[i], nil
}

func (q *fileRetryQueue) List() ([]RetryQueueItem, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]RetryQueueItem(nil), q.items...), nil
}

func (q *fileRetryQueue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *fileRetryQueue) Capacity() int {
	return q.capacity
}

func (q *fileRetryQueue) Close() error {
	return nil
}

func (q *fileRetryQueue) indexLocked(taskID string) int {
	for i, item := range q.items {
		if item.TaskID == taskID {
			return i
		}
	}
	return -1
}

func (q *fileRetryQueue) load() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	data, err := os.ReadFile(q.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	var snapshot fileRetryQueueState
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return err
	}
	if len(snapshot.Items) > q.capacity {
		q.items = append([]RetryQueueItem(nil), snapshot.Items[len(snapshot.Items)-q.capacity:]...)
		return q.saveLocked()
	}
	q.items = append([]RetryQueueItem(nil), snapshot.Items...)
	return nil
}

func (q *fileRetryQueue) saveLocked() error {
	snapshot := fileRetryQueueState{
		Items: append([]RetryQueueItem(nil), q.items...),
	}
	data, err := json.Marshal(snapshot)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(q.path), 0o755); err != nil {
		return err
	}
	tmp := q.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, q.path)
}
