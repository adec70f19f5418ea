package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"regexp"

	"github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/kaadipranav/watchllm/openai"
	"github.com/kaadipranav/watchllm/provider"
	"github.com/kaadipranav/watchllm/rate"
)

type (
	BadRequestError      struct{ error }
	PayloadTooLargeError struct{ error }
	InternalServerError  struct{ error }
)

// RateLimitError and QuotaError carry the limiter's decision so the handler
// can emit the window headers alongside the envelope.
type RateLimitError struct{ Decision *rate.Decision }

func (e RateLimitError) Error() string { return "rate limit exceeded" }

type QuotaError struct{ Decision *rate.Decision }

func (e QuotaError) Error() string {
	return fmt.Sprintf("monthly quota exceeded, resets at %s",
		e.Decision.QuotaReset.Format("2006-01-02"))
}

// Provider keys must never surface in logs or error bodies.
var secretPatterns = []*regexp.Regexp{
	regexp.MustCompile(`lgw_(proj|test)_[A-Za-z0-9]{32,}`),
	regexp.MustCompile(`sk-[A-Za-z0-9_-]{8,}`),
	regexp.MustCompile(`(?i)bearer\s+[A-Za-z0-9._-]{8,}`),
}

func scrub(message string) string {
	for _, pattern := range secretPatterns {
		message = pattern.ReplaceAllString(message, "[REDACTED]")
	}
	return message
}

func writeError(writer http.ResponseWriter, status int, errorType string, code string, message string) {
	writer.Header().Set("Content-Type", "application/json")
	writer.WriteHeader(status)
	json.NewEncoder(writer).Encode(openai.ErrorEnvelope{
		Error: openai.ErrorDetail{
			Message: scrub(message),
			Type:    errorType,
			Code:    code,
		},
	})
}

// handleError is the single exit point for failed requests: one structured
// log line, one scrubbed envelope.
func handleError(writer http.ResponseWriter, request *http.Request, logger *zap.SugaredLogger, requestID string, err error) {
	logger.Warnw("request failed",
		"requestId", requestID,
		"path", request.URL.Path,
		"method", request.Method,
		"error", scrub(err.Error()),
	)

	var upstreamErr *provider.UpstreamError
	if errors.As(err, &upstreamErr) {
		status := http.StatusBadGateway
		if upstreamErr.StatusCode == http.StatusServiceUnavailable {
			status = http.StatusServiceUnavailable
		}
		writeError(writer, status, openai.ErrorTypeApi, "upstream_error",
			fmt.Sprintf("upstream provider returned status %d", upstreamErr.StatusCode))
		return
	}

	switch typed := err.(type) {
	case BadRequestError:
		writeError(writer, http.StatusBadRequest, openai.ErrorTypeInvalidRequest, "invalid_request", typed.Error())
	case PayloadTooLargeError:
		writeError(writer, http.StatusRequestEntityTooLarge, openai.ErrorTypeInvalidRequest, "request_too_large", typed.Error())
	case RateLimitError:
		rate.WriteHeaders(writer.Header(), typed.Decision)
		writeError(writer, http.StatusTooManyRequests, openai.ErrorTypeRateLimit, "rate_limit_exceeded", typed.Error())
	case QuotaError:
		rate.WriteHeaders(writer.Header(), typed.Decision)
		writeError(writer, http.StatusTooManyRequests, openai.ErrorTypeQuotaExceeded, "quota_exceeded", typed.Error())
	case InternalServerError:
		writeError(writer, http.StatusInternalServerError, openai.ErrorTypeApi, "internal_error", "internal server error")
	default:
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			writeError(writer, http.StatusGatewayTimeout, openai.ErrorTypeApi, "timeout", "request timed out")
			return
		}
		writeError(writer, http.StatusInternalServerError, openai.ErrorTypeApi, "internal_error", "internal server error")
	}
}
