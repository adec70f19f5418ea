// Package usage prices requests and logs them off the hot path. Cache hits
// are attributed the cost the request would have incurred upstream, which is
// the number the savings dashboards are built on.
package usage

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kaadipranav/watchllm/cache"
)

// ModelPrice is USD per million tokens.
type ModelPrice struct {
	InputPer1M  float64 `json:"input_per_1m"`
	OutputPer1M float64 `json:"output_per_1m"`
}

// CostEngine resolves per-model pricing. Unknown models price at zero rather
// than erroring: a missing price must never fail a request.
type CostEngine struct {
	mu      sync.RWMutex
	pricing map[string]ModelPrice
}

func NewCostEngine() *CostEngine {
	return &CostEngine{pricing: defaultPricing()}
}

// Cost computes the USD cost of the given token usage.
func (e *CostEngine) Cost(model string, tokens cache.TokenCounts) float64 {
	e.mu.RLock()
	price, ok := e.pricing[model]
	e.mu.RUnlock()
	if !ok {
		return 0
	}
	return float64(tokens.Input)/1_000_000*price.InputPer1M +
		float64(tokens.Output)/1_000_000*price.OutputPer1M
}

// Models lists the priced models in sorted order.
func (e *CostEngine) Models() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	models := make([]string, 0, len(e.pricing))
	for model := range e.pricing {
		models = append(models, model)
	}
	sort.Strings(models)
	return models
}

// SetPrice installs or replaces the pricing for a model.
func (e *CostEngine) SetPrice(model string, price ModelPrice) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.pricing[model] = price
}

func defaultPricing() map[string]ModelPrice {
	return map[string]ModelPrice{
		"gpt-4o":                 {InputPer1M: 2.50, OutputPer1M: 10.00},
		"gpt-4o-mini":            {InputPer1M: 0.15, OutputPer1M: 0.60},
		"gpt-4-turbo":            {InputPer1M: 10.00, OutputPer1M: 30.00},
		"gpt-3.5-turbo":          {InputPer1M: 0.50, OutputPer1M: 1.50},
		"o1":                     {InputPer1M: 15.00, OutputPer1M: 60.00},
		"o1-mini":                {InputPer1M: 3.00, OutputPer1M: 12.00},
		"text-embedding-3-small": {InputPer1M: 0.02},
		"text-embedding-3-large": {InputPer1M: 0.13},
	}
}

// Record is one served request as the usage log sees it.
type Record struct {
	RequestID   string            `json:"request_id"`
	TenantID    string            `json:"tenant_id"`
	Endpoint    string            `json:"endpoint"`
	Model       string            `json:"model"`
	CacheStatus string            `json:"cache_status"`
	Tokens      cache.TokenCounts `json:"tokens"`
	CostUSD     float64           `json:"cost_usd"`
	SavedUSD    float64           `json:"saved_usd"`
	LatencyMs   int64             `json:"latency_ms"`
	Streamed    bool              `json:"streamed"`
	CreatedAt   time.Time         `json:"created_at"`
}

// Writer persists usage batches.
type Writer interface {
	WriteBatch(ctx context.Context, records []Record) error
}

// LogWriter emits usage batches into the structured log, for deployments
// running without a warehouse.
type LogWriter struct {
	logger *zap.SugaredLogger
}

func NewLogWriter(logger *zap.SugaredLogger) *LogWriter {
	return &LogWriter{logger: logger}
}

func (w *LogWriter) WriteBatch(ctx context.Context, records []Record) error {
	for _, record := range records {
		w.logger.Infow("usage",
			"requestId", record.RequestID,
			"tenant", record.TenantID,
			"endpoint", record.Endpoint,
			"model", record.Model,
			"cacheStatus", record.CacheStatus,
			"costUsd", record.CostUSD,
			"savedUsd", record.SavedUSD,
			"latencyMs", record.LatencyMs,
		)
	}
	return nil
}

const (
	defaultBufferSize = 10000
	batchSize         = 100
	flushInterval     = time.Second
	flushTimeout      = 10 * time.Second
)

// AsyncLogger accepts records without blocking the request path and flushes
// them in batches. A full buffer drops the record; usage logging must never
// apply backpressure to serving.
type AsyncLogger struct {
	ch     chan Record
	wg     sync.WaitGroup
	writer Writer
	logger *zap.SugaredLogger
}

func NewAsyncLogger(writer Writer, logger *zap.SugaredLogger) *AsyncLogger {
	asyncLogger := &AsyncLogger{
		ch:     make(chan Record, defaultBufferSize),
		writer: writer,
		logger: logger,
	}
	asyncLogger.wg.Add(1)
	go asyncLogger.drain()
	return asyncLogger
}

// Log queues a record. Never blocks.
func (l *AsyncLogger) Log(record Record) {
	select {
	case l.ch <- record:
	default:
		l.logger.Warnw("usage buffer full, dropping record",
			"tenant", record.TenantID, "requestId", record.RequestID)
	}
}

// Close flushes pending records and stops the writer goroutine.
func (l *AsyncLogger) Close() {
	close(l.ch)
	l.wg.Wait()
}

func (l *AsyncLogger) drain() {
	defer l.wg.Done()

	batch := make([]Record, 0, batchSize)
	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	for {
		select {
		case record, ok := <-l.ch:
			if !ok {
				if len(batch) > 0 {
					l.flush(batch)
				}
				return
			}
			batch = append(batch, record)
			if len(batch) >= batchSize {
				l.flush(batch)
				batch = batch[:0]
			}
		case <-ticker.C:
			if len(batch) > 0 {
				l.flush(batch)
				batch = batch[:0]
			}
		}
	}
}

func (l *AsyncLogger) flush(batch []Record) {
	ctx, cancel := context.WithTimeout(context.Background(), flushTimeout)
	defer cancel()
	if err := l.writer.WriteBatch(ctx, batch); err != nil {
		l.logger.Errorw("failed to flush usage batch", "size", len(batch), "error", err)
	}
}
