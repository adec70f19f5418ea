package analytics

import (
	"bufio"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestClickHouseSink_Write(t *testing.T) {
	var gotQuery, gotUser, gotKey string
	var gotRows []row
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.Query().Get("query")
		gotUser = r.Header.Get("X-ClickHouse-User")
		gotKey = r.Header.Get("X-ClickHouse-Key")

		scanner := bufio.NewScanner(r.Body)
		for scanner.Scan() {
			var parsed row
			require.NoError(t, json.Unmarshal(scanner.Bytes(), &parsed))
			gotRows = append(gotRows, parsed)
		}
	}))
	defer server.Close()

	sink, err := NewClickHouseSink(server.URL, "gateway", "secret", zap.NewNop().Sugar())
	require.NoError(t, err)

	events := []Event{
		{
			EventID:   "evt-1",
			EventType: "request.completed",
			TenantID:  "tenant-1",
			RunID:     "run-1",
			Timestamp: time.Date(2025, time.June, 1, 10, 0, 0, 0, time.UTC),
			Payload:   json.RawMessage(`{"cache_status":"HIT"}`),
		},
		{
			EventID:   "evt-2",
			EventType: "cache.invalidated",
			TenantID:  "tenant-1",
			Timestamp: time.Date(2025, time.June, 1, 10, 0, 1, 0, time.UTC),
		},
	}
	require.NoError(t, sink.Write(context.Background(), events))

	assert.Equal(t, "INSERT INTO gateway_events FORMAT JSONEachRow", gotQuery)
	assert.Equal(t, "gateway", gotUser)
	assert.Equal(t, "secret", gotKey)
	require.Len(t, gotRows, 2)
	assert.Equal(t, "evt-1", gotRows[0].EventID)
	assert.Equal(t, `{"cache_status":"HIT"}`, gotRows[0].Payload)
	assert.Equal(t, "2025-06-01 10:00:00.000", gotRows[0].CreatedAt)
}

func TestClickHouseSink_ErrorStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		io.WriteString(w, "Code: 60. DB::Exception: Table default.gateway_events does not exist")
	}))
	defer server.Close()

	sink, err := NewClickHouseSink(server.URL, "", "", zap.NewNop().Sugar())
	require.NoError(t, err)

	err = sink.Write(context.Background(), []Event{{EventID: "evt-1", EventType: "x", TenantID: "t"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 500")
}

func TestClickHouseSink_EmptyBatchIsNoop(t *testing.T) {
	called := false
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))
	defer server.Close()

	sink, err := NewClickHouseSink(server.URL, "", "", zap.NewNop().Sugar())
	require.NoError(t, err)
	require.NoError(t, sink.Write(context.Background(), nil))
	assert.False(t, called)
}

func TestNewClickHouseSink_RejectsBadEndpoint(t *testing.T) {
	_, err := NewClickHouseSink("not a url", "", "", zap.NewNop().Sugar())
	assert.Error(t, err)
}

func TestAllSchemas(t *testing.T) {
	schemas := AllSchemas()
	require.Len(t, schemas, 3)
	assert.True(t, strings.Contains(schemas[0], "gateway_events"))
	assert.True(t, strings.Contains(schemas[1], "request_usage"))
	assert.True(t, strings.Contains(schemas[2], "daily_savings_mv"))
}
