package analytics

// EventsSchema is the DDL for the gateway event stream. One row per emitted
// event; the payload column carries the event-type-specific JSON.
const EventsSchema = `
CREATE TABLE IF NOT EXISTS gateway_events (
    event_id        String,
    event_type      String,
    tenant_id       String,
    run_id          String,

    payload         String,

    created_at      DateTime64(3) DEFAULT now64(3),
    event_date      Date DEFAULT toDate(created_at)
)
ENGINE = MergeTree()
PARTITION BY toYYYYMM(event_date)
ORDER BY (tenant_id, created_at, event_id)
TTL event_date + INTERVAL 365 DAY
SETTINGS index_granularity = 8192;
`

// UsageSchema is the DDL for the per-request usage log behind the savings
// reports.
const UsageSchema = `
CREATE TABLE IF NOT EXISTS request_usage (
    request_id      String,
    tenant_id       String,

    endpoint        String,
    model           String,
    cache_status    String,

    prompt_tokens   UInt32,
    completion_tokens UInt32,
    total_tokens    UInt32,

    cost_usd        Float64,
    saved_usd       Float64,

    latency_ms      UInt32,
    streamed        UInt8,

    created_at      DateTime64(3) DEFAULT now64(3),
    event_date      Date DEFAULT toDate(created_at)
)
ENGINE = MergeTree()
PARTITION BY toYYYYMM(event_date)
ORDER BY (tenant_id, created_at, request_id)
TTL event_date + INTERVAL 365 DAY
SETTINGS index_granularity = 8192;
`

// DailySavingsMV aggregates spend and savings per tenant and model per day.
const DailySavingsMV = `
CREATE MATERIALIZED VIEW IF NOT EXISTS daily_savings_mv
ENGINE = SummingMergeTree()
PARTITION BY toYYYYMM(event_date)
ORDER BY (tenant_id, model, event_date)
AS SELECT
    tenant_id,
    model,
    toDate(created_at)  AS event_date,
    count()             AS request_count,
    sum(total_tokens)   AS total_tokens,
    sum(cost_usd)       AS total_cost_usd,
    sum(saved_usd)      AS total_saved_usd,
    sum(cache_status != 'MISS') AS cache_hits
FROM request_usage
GROUP BY tenant_id, model, event_date;
`

// AllSchemas returns the DDL statements in creation order.
func AllSchemas() []string {
	return []string{
		EventsSchema,
		UsageSchema,
		DailySavingsMV,
	}
}
