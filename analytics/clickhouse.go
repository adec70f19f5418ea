package analytics

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/goccy/go-json"
	"go.uber.org/zap"
)

// ClickHouseSink writes event batches over the ClickHouse HTTP interface as
// a single JSONEachRow insert per batch.
type ClickHouseSink struct {
	endpoint string
	user     string
	password string
	table    string
	client   *http.Client
	logger   *zap.SugaredLogger
}

func NewClickHouseSink(endpoint string, user string, password string, logger *zap.SugaredLogger) (*ClickHouseSink, error) {
	parsed, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("invalid clickhouse endpoint: %v", err)
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("invalid clickhouse endpoint: URL must have a scheme and host")
	}
	return &ClickHouseSink{
		endpoint: endpoint,
		user:     user,
		password: password,
		table:    "gateway_events",
		client:   &http.Client{Timeout: 30 * time.Second},
		logger:   logger,
	}, nil
}

func (s *ClickHouseSink) Write(ctx context.Context, events []Event) error {
	if len(events) == 0 {
		return nil
	}

	var body bytes.Buffer
	encoder := json.NewEncoder(&body)
	for _, event := range events {
		if err := encoder.Encode(rowFromEvent(event)); err != nil {
			return fmt.Errorf("failed to encode event %s: %v", event.EventID, err)
		}
	}

	return s.insert(ctx, s.table, &body)
}

// insert posts one JSONEachRow batch into the named table.
func (s *ClickHouseSink) insert(ctx context.Context, table string, body io.Reader) error {
	query := url.Values{"query": {fmt.Sprintf("INSERT INTO %s FORMAT JSONEachRow", table)}}
	request, err := http.NewRequestWithContext(ctx, http.MethodPost,
		s.endpoint+"/?"+query.Encode(), body)
	if err != nil {
		return fmt.Errorf("failed to create insert request: %v", err)
	}
	request.Header.Set("Content-Type", "application/x-ndjson")
	if s.user != "" {
		request.Header.Set("X-ClickHouse-User", s.user)
		request.Header.Set("X-ClickHouse-Key", s.password)
	}

	response, err := s.client.Do(request)
	if err != nil {
		return fmt.Errorf("failed to reach clickhouse: %v", err)
	}
	defer response.Body.Close()

	if response.StatusCode != http.StatusOK {
		detail, _ := io.ReadAll(response.Body)
		return fmt.Errorf("clickhouse insert returned status %d: %s", response.StatusCode, string(detail))
	}
	return nil
}

// row is the JSONEachRow shape matching the gateway_events DDL.
type row struct {
	EventID   string `json:"event_id"`
	EventType string `json:"event_type"`
	TenantID  string `json:"tenant_id"`
	RunID     string `json:"run_id"`
	Payload   string `json:"payload"`
	CreatedAt string `json:"created_at"`
}

func rowFromEvent(event Event) row {
	return row{
		EventID:   event.EventID,
		EventType: event.EventType,
		TenantID:  event.TenantID,
		RunID:     event.RunID,
		Payload:   string(event.Payload),
		CreatedAt: event.Timestamp.UTC().Format("2006-01-02 15:04:05.000"),
	}
}
