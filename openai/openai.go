package openai

import (
	"fmt"
	"strings"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
)

// Reference: https://platform.openai.com/docs/api-reference/chat/create
type ChatCompletionRequest struct {
	// A list of messages comprising the conversation so far.
	Messages []Message `json:"messages"`

	Model string `json:"model"`

	// Should be between -2.0 and 2.0
	FrequencyPenalty *float32 `json:"frequency_penalty,omitempty"`

	// A JSON object that maps tokens (specified by their token ID in the
	// tokenizer) to an associated bias value from -100 to 100.
	LogitBias map[string]float32 `json:"logit_bias,omitempty"`

	MaxTokens *int32 `json:"max_tokens,omitempty"`

	// How many chat completion choices to generate for each input message.
	CandidateCount *int32 `json:"n,omitempty"`

	// Number between -2.0 and 2.0. Positive values penalize new tokens based on
	// whether they appear in the text so far.
	PresencePenalty *float32 `json:"presence_penalty,omitempty"`

	// An object specifying the format that the model must output.
	// `{ "type": "json_schema", "json_schema": {...} }` enables structured
	// outputs; `{ "type": "json_object" }` enables the older JSON mode.
	ResponseFormat *ResponseFormat `json:"response_format,omitempty"`

	Seed *int32 `json:"seed,omitempty"`

	// Up to 4 sequences where the API will stop generating further tokens.
	StopSequences *StopSequences `json:"stop,omitempty"`

	// If set to true, the response is streamed to the client as it is
	// generated using server-sent events.
	Stream *bool `json:"stream,omitempty"`

	StreamOptions *StreamOptions `json:"stream_options,omitempty"`

	// Between 0 and 2. Defaults to 1 when unset.
	Temperature *float32 `json:"temperature,omitempty"`

	TopP *float32 `json:"top_p,omitempty"`

	// Currently, only functions are supported as a tool.
	Tools []Tool `json:"tools,omitempty"`

	// Controls which (if any) tool is called by the model.
	ToolChoice *ToolChoice `json:"tool_choice,omitempty"`

	// A unique identifier representing the end-user.
	User *string `json:"user,omitempty"`

	// Deprecated in favor of `tool_choice`.
	FunctionCall *LegacyFunctionChoice `json:"function_call,omitempty"`

	// Deprecated in favor of `tools`.
	Functions []LegacyFunction `json:"functions,omitempty"`
}

type StreamOptions struct {
	IncludeUsage *bool `json:"include_usage,omitempty"`
}

type StopSequences struct {
	Sequences []string `json:"tokens"`
}

func (ss *StopSequences) MarshalJSON() ([]byte, error) {
	return json.Marshal(ss.Sequences)
}

func (ss *StopSequences) UnmarshalJSON(data []byte) error {
	var sequences []string
	if err := json.Unmarshal(data, &sequences); err == nil {
		ss.Sequences = sequences
		return nil
	}

	var sequence string
	if err := json.Unmarshal(data, &sequence); err == nil {
		ss.Sequences = []string{sequence}
		return nil
	}
	return fmt.Errorf("expected string or string array, got %s", data)
}

type Tool struct {
	Type     string       `json:"type"`
	Function FunctionTool `json:"function"`
}

type FunctionTool struct {
	Name        string          `json:"name"`
	Description *string         `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
	Strict      *bool           `json:"strict,omitempty"`
}

type ToolChoice struct {
	Value  *ToolChoiceValue
	Struct *ToolChoiceStruct
}

type ToolChoiceValue string

const (
	ToolChoiceNone     ToolChoiceValue = "none"
	ToolChoiceAuto     ToolChoiceValue = "auto"
	ToolChoiceRequired ToolChoiceValue = "required"
)

type ToolChoiceStruct struct {
	Type     string    `json:"type"`
	Function *Function `json:"function,omitempty"`
}

func (tc *ToolChoice) MarshalJSON() ([]byte, error) {
	if tc.Value != nil {
		return json.Marshal(tc.Value)
	}
	if tc.Struct != nil {
		return json.Marshal(tc.Struct)
	}
	return []byte("null"), nil
}

func (tc *ToolChoice) UnmarshalJSON(data []byte) error {
	var stringValue string
	if err := json.Unmarshal(data, &stringValue); err == nil {
		choiceValue := ToolChoiceValue(stringValue)
		tc.Value = &choiceValue
		return nil
	}

	var objectValue ToolChoiceStruct
	if err := json.Unmarshal(data, &objectValue); err == nil {
		tc.Struct = &objectValue
		return nil
	}
	return fmt.Errorf("expected string or object, got %s", data)
}

type Function struct {
	Name string `json:"name"`
}

type LegacyFunction struct {
	Name        string          `json:"name"`
	Description *string         `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

type LegacyFunctionChoice struct {
	Value    *string
	Function *Function
}

func (fc *LegacyFunctionChoice) MarshalJSON() ([]byte, error) {
	if fc.Value != nil {
		return json.Marshal(fc.Value)
	}
	if fc.Function != nil {
		return json.Marshal(fc.Function)
	}
	return []byte("null"), nil
}

func (fc *LegacyFunctionChoice) UnmarshalJSON(data []byte) error {
	var stringValue string
	if err := json.Unmarshal(data, &stringValue); err == nil {
		fc.Value = &stringValue
		return nil
	}

	var objectValue Function
	if err := json.Unmarshal(data, &objectValue); err == nil {
		fc.Function = &objectValue
		return nil
	}
	return fmt.Errorf("expected string or object, got %s", data)
}

type Message struct {
	Role string `json:"role"`
	// When the role is "tool" or "function", the content must be a JSON string.
	Content      *MessageContent `json:"content"`
	Name         *string         `json:"name,omitempty"`
	ToolCalls    []ToolCall      `json:"tool_calls,omitempty"`
	ToolCallId   *string         `json:"tool_call_id,omitempty"`
	FunctionCall *FunctionCall   `json:"function_call,omitempty"`
}

// MessageContent is either a plain string or a list of typed parts.
type MessageContent struct {
	String *string
	Parts  []Part
}

func (mc *MessageContent) MarshalJSON() ([]byte, error) {
	if mc.String != nil {
		return json.Marshal(mc.String)
	}
	return json.Marshal(mc.Parts)
}

func (mc *MessageContent) UnmarshalJSON(data []byte) error {
	var stringValue string
	if err := json.Unmarshal(data, &stringValue); err == nil {
		mc.String = &stringValue
		return nil
	}
	var parts []Part
	if err := json.Unmarshal(data, &parts); err == nil {
		mc.Parts = parts
		return nil
	}
	return fmt.Errorf("expected string or content parts, got %s", data)
}

// Text flattens the content into plain text. Non-text parts are skipped.
func (mc *MessageContent) Text() string {
	if mc == nil {
		return ""
	}
	if mc.String != nil {
		return *mc.String
	}
	var builder strings.Builder
	for _, part := range mc.Parts {
		if part.Type == "text" {
			builder.WriteString(part.Text)
		}
	}
	return builder.String()
}

type Part struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

type ToolCall struct {
	Id       string        `json:"id"`
	Type     string        `json:"type"`
	Function *FunctionCall `json:"function,omitempty"`
}

type FunctionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

type ResponseFormat struct {
	Type       string      `json:"type"`
	JsonSchema *JsonSchema `json:"json_schema,omitempty"`
}

type JsonSchema struct {
	Description *string         `json:"description,omitempty"`
	Name        string          `json:"name"`
	Schema      json.RawMessage `json:"schema,omitempty"`
	Strict      *bool           `json:"strict,omitempty"`
}

type ChatCompletionResponse struct {
	Id                string   `json:"id"`
	Choices           []Choice `json:"choices"`
	Created           int64    `json:"created"`
	Model             string   `json:"model"`
	SystemFingerprint string   `json:"system_fingerprint"`
	Object            string   `json:"object"`
	Usage             Usage    `json:"usage"`
}

type Choice struct {
	Index        int32   `json:"index"`
	Message      Message `json:"message"`
	FinishReason string  `json:"finish_reason"`
}

type Usage struct {
	PromptTokens     int32 `json:"prompt_tokens"`
	CompletionTokens int32 `json:"completion_tokens"`
	TotalTokens      int32 `json:"total_tokens"`
}

type ChatCompletionStreamResponse struct {
	Id                string        `json:"id"`
	Object            string        `json:"object"`
	Created           int64         `json:"created"`
	Model             string        `json:"model"`
	SystemFingerprint string        `json:"system_fingerprint"`
	Choices           []ChoiceDelta `json:"choices"`
	Usage             *Usage        `json:"usage,omitempty"`
}

type ChoiceDelta struct {
	Index        int32        `json:"index"`
	Delta        MessageDelta `json:"delta"`
	FinishReason *string      `json:"finish_reason"`
}

type MessageDelta struct {
	Role         *string         `json:"role,omitempty"`
	Content      *string         `json:"content,omitempty"`
	ToolCalls    []ToolCallDelta `json:"tool_calls,omitempty"`
	FunctionCall *FunctionCall   `json:"function_call,omitempty"`
}

type ToolCallDelta struct {
	Index    *int32        `json:"index,omitempty"`
	Id       *string       `json:"id,omitempty"`
	Type     *string       `json:"type,omitempty"`
	Function *FunctionCall `json:"function,omitempty"`
}

// Reference: https://platform.openai.com/docs/api-reference/completions
type CompletionRequest struct {
	Model            string         `json:"model"`
	Prompt           *PromptValue   `json:"prompt"`
	MaxTokens        *int32         `json:"max_tokens,omitempty"`
	Temperature      *float32       `json:"temperature,omitempty"`
	TopP             *float32       `json:"top_p,omitempty"`
	CandidateCount   *int32         `json:"n,omitempty"`
	Stream           *bool          `json:"stream,omitempty"`
	StopSequences    *StopSequences `json:"stop,omitempty"`
	PresencePenalty  *float32       `json:"presence_penalty,omitempty"`
	FrequencyPenalty *float32       `json:"frequency_penalty,omitempty"`
	Seed             *int32         `json:"seed,omitempty"`
	User             *string        `json:"user,omitempty"`
}

// PromptValue is either a single prompt string or a list of prompts.
type PromptValue struct {
	String *string
	List   []string
}

func (pv *PromptValue) MarshalJSON() ([]byte, error) {
	if pv.String != nil {
		return json.Marshal(pv.String)
	}
	return json.Marshal(pv.List)
}

func (pv *PromptValue) UnmarshalJSON(data []byte) error {
	var stringValue string
	if err := json.Unmarshal(data, &stringValue); err == nil {
		pv.String = &stringValue
		return nil
	}
	var list []string
	if err := json.Unmarshal(data, &list); err == nil {
		pv.List = list
		return nil
	}
	return fmt.Errorf("expected string or string list, got %s", data)
}

// Prompts returns the prompt(s) as a slice regardless of the wire shape.
func (pv *PromptValue) Prompts() []string {
	if pv == nil {
		return nil
	}
	if pv.String != nil {
		return []string{*pv.String}
	}
	return pv.List
}

type CompletionResponse struct {
	Id      string             `json:"id"`
	Object  string             `json:"object"`
	Created int64              `json:"created"`
	Model   string             `json:"model"`
	Choices []CompletionChoice `json:"choices"`
	Usage   Usage              `json:"usage"`
}

type CompletionChoice struct {
	Index        int32  `json:"index"`
	Text         string `json:"text"`
	FinishReason string `json:"finish_reason"`
}

type EmbeddingRequest struct {
	Input          *EmbeddingInput `json:"input"`
	Model          string          `json:"model"`
	EncodingFormat *string         `json:"encoding_format,omitempty"`
	Dimensions     *int32          `json:"dimensions,omitempty"`
	User           *string         `json:"user,omitempty"`
}

// EmbeddingInput is either a single string or a list of strings.
type EmbeddingInput struct {
	String *string
	List   []string
}

func (ei *EmbeddingInput) MarshalJSON() ([]byte, error) {
	if ei.String != nil {
		return json.Marshal(ei.String)
	}
	return json.Marshal(ei.List)
}

func (ei *EmbeddingInput) UnmarshalJSON(data []byte) error {
	var stringValue string
	if err := json.Unmarshal(data, &stringValue); err == nil {
		ei.String = &stringValue
		return nil
	}
	var list []string
	if err := json.Unmarshal(data, &list); err == nil {
		ei.List = list
		return nil
	}
	return fmt.Errorf("expected string or string list, got %s", data)
}

type EmbeddingResponse struct {
	Object string            `json:"object"`
	Data   []EmbeddingObject `json:"data"`
	Model  string            `json:"model"`
	Usage  EmbeddingUsage    `json:"usage"`
}

type EmbeddingObject struct {
	Object    string    `json:"object"`
	Embedding []float32 `json:"embedding"`
	Index     int32     `json:"index"`
}

type EmbeddingUsage struct {
	PromptTokens int32 `json:"prompt_tokens"`
	TotalTokens  int32 `json:"total_tokens"`
}

type Model struct {
	Id      string `json:"id"`
	Object  string `json:"object"`
	Created int64  `json:"created"`
	OwnedBy string `json:"owned_by"`
}

type ModelList struct {
	Object string  `json:"object"`
	Data   []Model `json:"data"`
}

// ErrorEnvelope is the OpenAI-compatible error body.
type ErrorEnvelope struct {
	Error ErrorDetail `json:"error"`
}

type ErrorDetail struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
}

const (
	ErrorTypeInvalidRequest = "invalid_request_error"
	ErrorTypeAuthentication = "authentication_error"
	ErrorTypeRateLimit      = "rate_limit_error"
	ErrorTypeQuotaExceeded  = "quota_exceeded_error"
	ErrorTypeApi            = "api_error"
)

func NewRequestId() string {
	return "req_" + strings.ReplaceAll(uuid.New().String(), "-", "")
}
