package remotesync

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unheardhq/ctxsync/internal/ctxsync"
)

func TestListRecordsRetriesTransientFailure(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		call := atomic.AddInt32(&calls, 1)
		if call == 1 {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(`{"code":"unavailable","message":"retry"}`))
			return
		}
		require.Equal(t, "/v1/projects/proj-1/records", r.URL.Path)
		require.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		require.NotEmpty(t, r.Header.Get("X-Correlation-Id"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"records":[{"recordId":"rec-1","projectId":"proj-1"}],"nextCursor":null}`))
	}))
	defer server.Close()

	client := NewHTTPClient(server.URL, "tok", server.Client())
	page, err := client.ListRecords(context.Background(), "proj-1", "", 0)
	require.NoError(t, err)
	require.Len(t, page.Records, 1)
	assert.Equal(t, "rec-1", page.Records[0].RecordID)
	assert.EqualValues(t, 2, atomic.LoadInt32(&calls))
}

func TestListRecordsForwardsCursorAndLimit(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "cur-5", r.URL.Query().Get("cursor"))
		assert.Equal(t, "50", r.URL.Query().Get("limit"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"records":[],"nextCursor":"cur-6"}`))
	}))
	defer server.Close()

	client := NewHTTPClient(server.URL, "tok", server.Client())
	page, err := client.ListRecords(context.Background(), "proj-1", "cur-5", 50)
	require.NoError(t, err)
	require.NotNil(t, page.NextCursor)
	assert.Equal(t, "cur-6", *page.NextCursor)
}

func TestGetRecordSurfacesTypedHTTPError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"code":"not_found","message":"no such record"}`))
	}))
	defer server.Close()

	client := NewHTTPClient(server.URL, "tok", server.Client())
	_, err := client.GetRecord(context.Background(), "rec-missing")
	require.Error(t, err)
	var httpErr *HTTPError
	require.ErrorAs(t, err, &httpErr)
	assert.Equal(t, http.StatusNotFound, httpErr.StatusCode)
	assert.Equal(t, "not_found", httpErr.Code)
	assert.Equal(t, "no such record", httpErr.Message)
}

func TestUpsertRecordSendsPayload(t *testing.T) {
	var received ctxsync.Record
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPut, r.Method)
		require.Equal(t, "/v1/projects/proj-1/records/rec-9", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&received))
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	client := NewHTTPClient(server.URL, "tok", server.Client())
	err := client.UpsertRecord(context.Background(), ctxsync.Record{
		RecordID:         "rec-9",
		OwnerID:          "user-1",
		ProjectID:        "proj-1",
		OriginalFilename: "sales.csv",
		StoredFilename:   "sales.csv",
		RelativePath:     "context/sales.csv",
		FileType:         "csv",
		SizeBytes:        42,
		UploadedAt:       time.Now().UTC(),
		SyncStatus:       ctxsync.SyncPending,
	})
	require.NoError(t, err)
	assert.Equal(t, "rec-9", received.RecordID)
	assert.Equal(t, "context/sales.csv", received.RelativePath)
}

func TestDeleteRecordDoesNotRetryPermanentFailure(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte(`{"code":"forbidden","message":"nope"}`))
	}))
	defer server.Close()

	client := NewHTTPClient(server.URL, "tok", server.Client())
	err := client.DeleteRecord(context.Background(), "rec-1")
	var httpErr *HTTPError
	require.ErrorAs(t, err, &httpErr)
	assert.Equal(t, http.StatusForbidden, httpErr.StatusCode)
	assert.EqualValues(t, 1, atomic.LoadInt32(&calls))
}
