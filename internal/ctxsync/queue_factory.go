package ctxsync

import (
	"net/url"
	"strings"

	"gitlab.com/tozd/go/errors"
)

// BuildRetryQueueFromDSN picks a queue backend by DSN scheme. An empty
// DSN returns nil so the caller can fall back to its own default.
// Registered factories win over the built-in schemes.
func BuildRetryQueueFromDSN(dsn string, capacity int) (RetryQueue, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, nil
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	scheme := strings.ToLower(strings.TrimSpace(parsed.Scheme))
	if factory, ok := lookupRetryQueueFactory(scheme); ok {
		return factory(dsn, capacity)
	}
	switch scheme {
	case "", "file":
		path, pathErr := dsnPath(parsed, dsn)
		if pathErr != nil {
			return nil, pathErr
		}
		return NewFileRetryQueue(path, capacity)
	case "memory", "mem", "inmem":
		return NewMemoryRetryQueue(capacity), nil
	case "sqlite", "sqlite3":
		path, pathErr := dsnPath(parsed, dsn)
		if pathErr != nil {
			return nil, pathErr
		}
		return NewSQLiteRetryQueue(path, capacity)
	case "postgres", "postgresql":
		return NewPostgresRetryQueue(dsn, capacity)
	case "redis", "rediss", "nats", "sqs", "kafka":
		return nil, errors.Errorf("%w: retry queue backend %s", ErrNotImplemented, scheme)
	default:
		return nil, errors.Errorf("unsupported retry queue scheme: %s", scheme)
	}
}

func dsnPath(parsed *url.URL, raw string) (string, error) {
	if parsed == nil {
		return "", ErrInvalidInput
	}
	if strings.TrimSpace(parsed.Scheme) == "" {
		if strings.TrimSpace(raw) == "" {
			return "", ErrInvalidInput
		}
		return strings.TrimSpace(raw), nil
	}
	path := strings.TrimSpace(parsed.Path)
	if path == "" {
		path = strings.TrimSpace(parsed.Opaque)
	}
	if path == "" {
		path = strings.TrimSpace(parsed.Host)
	}
	if path == "" {
		return "", ErrInvalidInput
	}
	return path, nil
}
