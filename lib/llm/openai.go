// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"reflect"
	"strings"
	"time"

	"github.com/invopop/jsonschema"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("github.com/bureau-foundation/switchboard/lib/llm")

// Completer is what callers of a chat model depend on.
type Completer interface {
	Complete(ctx context.Context, request Request) (*Response, error)
}

// Request is one chat completion call.
type Request struct {
	Messages []Message

	// Model overrides the client's default model.
	Model string

	MaxTokens   int
	Temperature *float64

	ResponseFormat *ResponseFormat
}

// Response is the first choice of a completion.
type Response struct {
	Content      string
	FinishReason string
	Model        string
	Usage        Usage
}

// Usage counts tokens.
type Usage struct {
	PromptTokens     int64 `json:"prompt_tokens"`
	CompletionTokens int64 `json:"completion_tokens"`
}

// ResponseFormat constrains the model's output.
type ResponseFormat struct {
	Type       string      `json:"type"`
	JSONSchema *JSONSchema `json:"json_schema,omitempty"`
}

// JSONSchema names the schema a json_schema response must satisfy.
type JSONSchema struct {
	Name   string             `json:"name"`
	Schema *jsonschema.Schema `json:"schema"`
	Strict bool               `json:"strict"`
}

// SchemaFormat reflects T into a strict json_schema response format.
func SchemaFormat[T any]() *ResponseFormat {
	reflector := jsonschema.Reflector{DoNotReference: true, ExpandedStruct: true}
	typ := reflect.TypeFor[T]()
	return &ResponseFormat{
		Type: "json_schema",
		JSONSchema: &JSONSchema{
			Name:   typ.Name(),
			Schema: reflector.ReflectFromType(typ),
			Strict: true,
		},
	}
}

// Config configures a Client.
type Config struct {
	// BaseURL is the API root, e.g. https://api.openai.com/v1.
	BaseURL string
	APIKey  string
	Model   string

	// Timeout bounds each call. Zero means only the caller's context
	// applies.
	Timeout time.Duration

	// HTTPClient defaults to a client with an otelhttp transport.
	HTTPClient *http.Client
}

// Client talks to one OpenAI-compatible endpoint.
type Client struct {
	httpClient *http.Client
	endpoint   string
	apiKey     string
	model      string
	timeout    time.Duration
}

// New creates a Client.
func New(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("llm: base URL is required")
	}
	if cfg.Model == "" {
		return nil, errors.New("llm: model is required")
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)}
	}
	return &Client{
		httpClient: httpClient,
		endpoint:   strings.TrimSuffix(cfg.BaseURL, "/") + "/chat/completions",
		apiKey:     cfg.APIKey,
		model:      cfg.Model,
		timeout:    cfg.Timeout,
	}, nil
}

// Complete sends a non-streaming request.
func (c *Client) Complete(ctx context.Context, request Request) (response *Response, err error) {
	model := request.Model
	if model == "" {
		model = c.model
	}
	ctx, span := tracer.Start(ctx, "llm complete", trace.WithSpanKind(trace.SpanKindClient))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()
	span.SetAttributes(
		attribute.String("request.model", model),
		attribute.Int("request.messages", len(request.Messages)),
	)
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	for _, message := range request.Messages {
		if !message.Role.Valid() {
			return nil, fmt.Errorf("llm: invalid role %q", message.Role)
		}
	}

	wireRequest := openaiRequest{
		Model:          model,
		Messages:       request.Messages,
		MaxTokens:      request.MaxTokens,
		Temperature:    request.Temperature,
		ResponseFormat: request.ResponseFormat,
	}
	httpResponse, err := doProviderRequest(ctx, c.httpClient, c.endpoint, c.apiKey, wireRequest)
	if err != nil {
		return nil, err
	}
	defer httpResponse.Body.Close()

	var wireResponse openaiResponse
	if err := json.NewDecoder(httpResponse.Body).Decode(&wireResponse); err != nil {
		return nil, fmt.Errorf("llm: decoding response: %w", err)
	}
	if len(wireResponse.Choices) == 0 {
		return nil, errors.New("llm: response has no choices")
	}
	choice := wireResponse.Choices[0]
	span.SetAttributes(
		attribute.String("response.finish_reason", choice.FinishReason),
		attribute.Int64("response.completion_tokens", wireResponse.Usage.CompletionTokens),
	)
	return &Response{
		Content:      choice.Message.Content,
		FinishReason: choice.FinishReason,
		Model:        wireResponse.Model,
		Usage:        wireResponse.Usage,
	}, nil
}

// CompleteJSON asks for output matching T's schema and decodes it.
// Models that wrap JSON in a markdown fence are tolerated.
func CompleteJSON[T any](ctx context.Context, completer Completer, request Request) (T, error) {
	var result T
	request.ResponseFormat = SchemaFormat[T]()
	response, err := completer.Complete(ctx, request)
	if err != nil {
		return result, err
	}
	content := stripFence(response.Content)
	if err := json.Unmarshal([]byte(content), &result); err != nil {
		return result, fmt.Errorf("llm: decoding structured output: %w", err)
	}
	return result, nil
}

func stripFence(content string) string {
	content = strings.TrimSpace(content)
	if !strings.HasPrefix(content, "```") {
		return content
	}
	content = strings.TrimPrefix(content, "```")
	content = strings.TrimPrefix(content, "json")
	content, _, _ = strings.Cut(content, "```")
	return strings.TrimSpace(content)
}

type openaiRequest struct {
	Model          string          `json:"model"`
	Messages       []Message       `json:"messages"`
	MaxTokens      int             `json:"max_tokens,omitempty"`
	Temperature    *float64        `json:"temperature,omitempty"`
	ResponseFormat *ResponseFormat `json:"response_format,omitempty"`
}

type openaiResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage Usage `json:"usage"`
}
