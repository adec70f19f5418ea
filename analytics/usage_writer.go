package analytics

import (
	"bytes"
	"context"
	"fmt"

	"github.com/goccy/go-json"

	"github.com/kaadipranav/watchllm/usage"
)

// UsageWriter persists usage batches into the request_usage table over the
// same ClickHouse HTTP interface the event sink uses.
type UsageWriter struct {
	sink *ClickHouseSink
}

func NewUsageWriter(sink *ClickHouseSink) *UsageWriter {
	return &UsageWriter{sink: sink}
}

func (w *UsageWriter) WriteBatch(ctx context.Context, records []usage.Record) error {
	if len(records) == 0 {
		return nil
	}

	var body bytes.Buffer
	encoder := json.NewEncoder(&body)
	for _, record := range records {
		if err := encoder.Encode(usageRowFromRecord(record)); err != nil {
			return fmt.Errorf("failed to encode usage record %s: %v", record.RequestID, err)
		}
	}
	return w.sink.insert(ctx, "request_usage", &body)
}

// usageRow is the JSONEachRow shape matching the request_usage DDL.
type usageRow struct {
	RequestID        string  `json:"request_id"`
	TenantID         string  `json:"tenant_id"`
	Endpoint         string  `json:"endpoint"`
	Model            string  `json:"model"`
	CacheStatus      string  `json:"cache_status"`
	PromptTokens     int32   `json:"prompt_tokens"`
	CompletionTokens int32   `json:"completion_tokens"`
	TotalTokens      int32   `json:"total_tokens"`
	CostUSD          float64 `json:"cost_usd"`
	SavedUSD         float64 `json:"saved_usd"`
	LatencyMs        int64   `json:"latency_ms"`
	Streamed         uint8   `json:"streamed"`
	CreatedAt        string  `json:"created_at"`
}

func usageRowFromRecord(record usage.Record) usageRow {
	streamed := uint8(0)
	if record.Streamed {
		streamed = 1
	}
	return usageRow{
		RequestID:        record.RequestID,
		TenantID:         record.TenantID,
		Endpoint:         record.Endpoint,
		Model:            record.Model,
		CacheStatus:      record.CacheStatus,
		PromptTokens:     record.Tokens.Input,
		CompletionTokens: record.Tokens.Output,
		TotalTokens:      record.Tokens.Total,
		CostUSD:          record.CostUSD,
		SavedUSD:         record.SavedUSD,
		LatencyMs:        record.LatencyMs,
		Streamed:         streamed,
		CreatedAt:        record.CreatedAt.UTC().Format("2006-01-02 15:04:05.000"),
	}
}
