// Package server is the HTTP surface and request pipeline of the gateway.
// Every inbound request flows through authentication, admission, the cache
// layers, and request coalescing before anything reaches the upstream.
package server

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/kaadipranav/watchllm/analytics"
	"github.com/kaadipranav/watchllm/cache"
	"github.com/kaadipranav/watchllm/coalesce"
	"github.com/kaadipranav/watchllm/config"
	"github.com/kaadipranav/watchllm/metrics"
	"github.com/kaadipranav/watchllm/provider"
	"github.com/kaadipranav/watchllm/rate"
	"github.com/kaadipranav/watchllm/semantic"
	"github.com/kaadipranav/watchllm/state"
	"github.com/kaadipranav/watchllm/stream"
	"github.com/kaadipranav/watchllm/tenancy"
	"github.com/kaadipranav/watchllm/usage"
	"github.com/kaadipranav/watchllm/vault"
)

// requestCoalescer is the coalescing surface the pipeline consumes;
// coalesce.Coalescer implements it.
type requestCoalescer interface {
	Acquire(ctx context.Context, tenantID string, fp string, requestID string) (*coalesce.Acquisition, error)
	AwaitResponse(ctx context.Context, tenantID string, fp string) ([]byte, error)
	Publish(ctx context.Context, tenantID string, fp string, response []byte) error
	Release(ctx context.Context, tenantID string, fp string) error
	MonthlyStats(ctx context.Context, tenantID string) (*coalesce.Stats, error)
}

type Gateway struct {
	config      *config.Config
	logger      *zap.SugaredLogger
	states      state.Manager
	cleanup     func()
	credentials tenancy.CredentialStore
	limiter     *rate.Limiter
	cacheStore  *cache.Store
	semantic    *semantic.Store
	coalescer   requestCoalescer
	recorder    *stream.Recorder
	upstream    provider.Client
	vault       *vault.Vault
	costs       *usage.CostEngine
	usageLog    *usage.AsyncLogger
	events      *analytics.Queue
	metrics     *metrics.Metrics
}

func NewGateway(
	cfg *config.Config,
	states state.Manager,
	cleanup func(),
	upstream provider.Client,
	keyVault *vault.Vault,
	usageLog *usage.AsyncLogger,
	events *analytics.Queue,
	gauges *metrics.Metrics,
	logger *zap.SugaredLogger,
) *Gateway {
	credentials := tenancy.NewStaticCredentialStore()
	for i := range cfg.Tenants {
		entry := &cfg.Tenants[i]
		for _, key := range entry.ApiKeys {
			if !tenancy.ValidKeyFormat(key) {
				logger.Warnw("skipping malformed API key", "tenant", entry.ID)
				continue
			}
			credentials.Register(key, &tenancy.Credential{
				ID:     key[:12],
				Tenant: &entry.Tenant,
			})
		}
	}

	return &Gateway{
		config:      cfg,
		logger:      logger,
		states:      states,
		cleanup:     cleanup,
		credentials: credentials,
		limiter:     rate.NewLimiter(states, logger),
		cacheStore:  cache.NewStore(states, logger),
		semantic:    semantic.NewStore(states, logger),
		coalescer:   coalesce.NewCoalescer(states, logger),
		recorder:    stream.NewRecorder(logger),
		upstream:    upstream,
		vault:       keyVault,
		costs:       usage.NewCostEngine(),
		usageLog:    usageLog,
		events:      events,
		metrics:     gauges,
	}
}

// Router builds the full route table. Unauthenticated probes stay outside
// the tenancy middleware.
func (s *Gateway) Router() *mux.Router {
	router := mux.NewRouter()
	router.HandleFunc("/health", s.HandleHealth).Methods(http.MethodGet)
	router.HandleFunc("/health/detailed", s.HandleHealthDetailed).Methods(http.MethodGet)
	router.Handle("/metrics", s.metrics.Handler()).Methods(http.MethodGet)

	authed := router.PathPrefix("/v1").Subrouter()
	authed.Use(s.limitRequestSize)
	authed.Use(tenancy.Middleware(s.credentials, s.logger))
	authed.HandleFunc("/chat/completions", s.HandleChatCompletions).Methods(http.MethodPost)
	authed.HandleFunc("/completions", s.HandleCompletions).Methods(http.MethodPost)
	authed.HandleFunc("/embeddings", s.HandleEmbeddings).Methods(http.MethodPost)
	authed.HandleFunc("/cache/invalidate", s.HandleCacheInvalidate).Methods(http.MethodPost)
	authed.HandleFunc("/cache/stats", s.HandleCacheStats).Methods(http.MethodGet)
	authed.HandleFunc("/models", s.HandleModels).Methods(http.MethodGet)
	return router
}

// limitRequestSize rejects oversized bodies up front via Content-Length, so
// nothing is buffered before the verdict.
func (s *Gateway) limitRequestSize(next http.Handler) http.Handler {
	return http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		if request.ContentLength > s.config.MaxRequestSizeBytes {
			writeError(writer, http.StatusRequestEntityTooLarge, "invalid_request_error", "request_too_large",
				"request body exceeds "+strconv.FormatInt(s.config.MaxRequestSizeBytes, 10)+" bytes")
			return
		}
		request.Body = http.MaxBytesReader(writer, request.Body, s.config.MaxRequestSizeBytes)
		next.ServeHTTP(writer, request)
	})
}

func (s *Gateway) Shutdown() {
	s.logger.Info("Shutting down gateway")
	if s.usageLog != nil {
		s.usageLog.Close()
	}
	if s.events != nil {
		s.events.Close()
	}
	if s.cleanup != nil {
		s.cleanup()
	}
}

// requestTimer stamps the per-request latency headers.
type requestTimer struct {
	started time.Time
}

func startTimer() *requestTimer {
	return &requestTimer{started: time.Now()}
}

func (t *requestTimer) elapsed() time.Duration {
	return time.Since(t.started)
}

func (t *requestTimer) writeHeaders(headers http.Header) {
	millis := t.elapsed().Milliseconds()
	headers.Set("X-Latency-Ms", strconv.FormatInt(millis, 10))
	headers.Set("Server-Timing", "total;dur="+strconv.FormatInt(millis, 10))
}
