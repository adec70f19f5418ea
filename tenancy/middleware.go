package tenancy

import (
	"errors"
	"net/http"
	"strings"

	"github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/kaadipranav/watchllm/openai"
)

// Middleware authenticates requests against the credential store and attaches
// the resolved AuthContext to the request context. Keys arrive either as
// `Authorization: Bearer <key>` or as the raw key.
func Middleware(store CredentialStore, logger *zap.SugaredLogger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
			key := extractKey(request.Header.Get("Authorization"))
			if key == "" {
				writeAuthError(writer, "missing api key")
				return
			}
			if !ValidKeyFormat(key) {
				writeAuthError(writer, "malformed api key")
				return
			}

			credential, err := store.Resolve(request.Context(), key)
			if err != nil {
				if !errors.Is(err, ErrUnknownKey) {
					logger.Warnw("credential store lookup failed", "error", err)
				}
				writeAuthError(writer, "invalid api key")
				return
			}

			ctx := WithAuthContext(request.Context(), &AuthContext{
				CredentialID: credential.ID,
				Tenant:       credential.Tenant,
			})
			next.ServeHTTP(writer, request.WithContext(ctx))
		})
	}
}

func extractKey(header string) string {
	header = strings.TrimSpace(header)
	if strings.HasPrefix(header, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	}
	return header
}

func writeAuthError(writer http.ResponseWriter, message string) {
	writer.Header().Set("Content-Type", "application/json")
	writer.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(writer).Encode(openai.ErrorEnvelope{Error: openai.ErrorDetail{
		Message: message,
		Type:    openai.ErrorTypeAuthentication,
		Code:    "unauthorized",
	}})
}
