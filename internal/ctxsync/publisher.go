package ctxsync

import (
	"context"

	"github.com/unheardhq/ctxsync/internal/classify"
	"github.com/unheardhq/ctxsync/internal/contentstore"
)

// Publisher delivers finished records to the remote store. PublishRecord
// must be idempotent per record id: the retry queue may deliver the same
// payload more than once.
type Publisher interface {
	PublishRecord(ctx context.Context, rec Record) error
	MarkSynced(ctx context.Context, recordID string) error
}

// NoopPublisher accepts everything. Used by the memory profile and as
// the default when no remote is configured.
type NoopPublisher struct{}

func (NoopPublisher) PublishRecord(ctx context.Context, rec Record) error {
	return nil
}

func (NoopPublisher) MarkSynced(ctx context.Context, recordID string) error {
	return nil
}

type Classifier interface {
	Classify(path string) (classify.FileInfo, error)
}

type ClassifierFunc func(path string) (classify.FileInfo, error)

func (f ClassifierFunc) Classify(path string) (classify.FileInfo, error) {
	return f(path)
}

type ContentStore interface {
	Store(projectRoot, sourcePath string) (contentstore.StoreResult, error)
}

type Committer interface {
	Commit(projectRoot, relativePath, message string) error
}
