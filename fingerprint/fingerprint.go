// Package fingerprint derives deterministic cache identities from
// OpenAI-compatible requests: a full fingerprint for exact-match caching, a
// context hash gating semantic lookups, and the normalized text fed to the
// embedding model.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/kaadipranav/watchllm/openai"
)

// Kind partitions cache entries by request shape.
type Kind string

const (
	KindChat       Kind = "chat"
	KindCompletion Kind = "completion"
)

// defaultTemperature matches the OpenAI default applied when the field is
// omitted, so explicit and implicit defaults fingerprint identically.
const defaultTemperature = float32(1)

// Chat computes the deterministic fingerprint of a chat request for a tenant.
// Requests that agree on tenant, model, normalized message text, temperature
// and the structural parameters below produce identical digests.
func Chat(tenantID string, request *openai.ChatCompletionRequest) string {
	var parts []string
	parts = append(parts, tenantID, strings.ToLower(request.Model))
	for _, message := range request.Messages {
		parts = append(parts, message.Role+":"+Normalize(message.Content.Text()))
	}
	parts = append(parts,
		"temp="+formatTemperature(request.Temperature),
		"seed="+canonicalJson(request.Seed),
		"stop="+canonicalJson(request.StopSequences),
		"response_format="+canonicalJson(request.ResponseFormat),
		"functions="+canonicalJson(request.Functions),
		"tools="+canonicalJson(request.Tools),
		"tool_choice="+canonicalJson(request.ToolChoice),
	)
	return digest(parts)
}

// Completion computes the deterministic fingerprint of a legacy completion
// request for a tenant.
func Completion(tenantID string, request *openai.CompletionRequest) string {
	var parts []string
	parts = append(parts, tenantID, strings.ToLower(request.Model))
	for _, prompt := range request.Prompt.Prompts() {
		parts = append(parts, "prompt:"+Normalize(prompt))
	}
	parts = append(parts,
		"temp="+formatTemperature(request.Temperature),
		"seed="+canonicalJson(request.Seed),
		"stop="+canonicalJson(request.StopSequences),
	)
	return digest(parts)
}

// ChatEmbeddingInput renders the normalized view of a chat request as the
// text sent to the embedding model.
func ChatEmbeddingInput(request *openai.ChatCompletionRequest) string {
	lines := make([]string, 0, len(request.Messages))
	for _, message := range request.Messages {
		lines = append(lines, message.Role+": "+Normalize(message.Content.Text()))
	}
	return strings.Join(lines, "\n")
}

// CompletionEmbeddingInput renders the normalized prompt(s) of a completion
// request as the text sent to the embedding model.
func CompletionEmbeddingInput(request *openai.CompletionRequest) string {
	prompts := request.Prompt.Prompts()
	normalized := make([]string, 0, len(prompts))
	for _, prompt := range prompts {
		normalized = append(normalized, Normalize(prompt))
	}
	return strings.Join(normalized, "\n")
}

// ChatContextHash digests the request fields that must match exactly for a
// semantic hit to be legal: tools, tool choice, response format, seed and the
// system message verbatim. Textual near-misses in user content never change it.
func ChatContextHash(request *openai.ChatCompletionRequest) string {
	var system string
	for _, message := range request.Messages {
		if message.Role == "system" {
			system = message.Content.Text()
			break
		}
	}
	parts := []string{
		"tools=" + canonicalJson(request.Tools),
		"tool_choice=" + canonicalJson(request.ToolChoice),
		"response_format=" + canonicalJson(request.ResponseFormat),
		"seed=" + canonicalJson(request.Seed),
		"system=" + system,
	}
	return digest(parts)[:16]
}

// CompletionContextHash is the completion analogue of ChatContextHash.
func CompletionContextHash(request *openai.CompletionRequest) string {
	parts := []string{
		"seed=" + canonicalJson(request.Seed),
		"stop=" + canonicalJson(request.StopSequences),
	}
	return digest(parts)[:16]
}

// BucketKey scopes a semantic lookup to responses generated under the same
// model and structural context.
func BucketKey(model string, contextHash string) string {
	return strings.ToLower(model) + ":" + contextHash
}

func formatTemperature(temperature *float32) string {
	value := defaultTemperature
	if temperature != nil {
		value = *temperature
	}
	return fmt.Sprintf("%.2f", value)
}

// canonicalJson marshals a value with object keys sorted so that field order
// on the wire never changes the digest.
func canonicalJson(value any) string {
	data, err := json.Marshal(value)
	if err != nil {
		return "null"
	}
	var generic any
	if err := json.Unmarshal(data, &generic); err != nil {
		return string(data)
	}
	sorted, err := json.Marshal(generic)
	if err != nil {
		return string(data)
	}
	return string(sorted)
}

func digest(parts []string) string {
	hash := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(hash[:])
}
