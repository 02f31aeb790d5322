// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package rag queries the document retrieval service for passages
// relevant to what the caller just said.
package rag

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// ContextHeader introduces retrieved passages pushed to the speech
// pipeline.
const ContextHeader = "RAG SEARCH RESULTS"

// DefaultTopK is the number of passages requested per query.
const DefaultTopK = 3

// Config configures a Client.
type Config struct {
	BaseURL string
	APIKey  string

	// Timeout bounds each search. Zero means only the caller's context
	// applies.
	Timeout time.Duration

	HTTPClient *http.Client
}

// Client talks to one retrieval service.
type Client struct {
	httpClient *http.Client
	endpoint   string
	apiKey     string
	timeout    time.Duration
}

func New(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("rag: base URL is required")
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)}
	}
	return &Client{
		httpClient: httpClient,
		endpoint:   strings.TrimSuffix(cfg.BaseURL, "/") + "/search",
		apiKey:     cfg.APIKey,
		timeout:    cfg.Timeout,
	}, nil
}

type searchRequest struct {
	CollectionName string `json:"collection_name"`
	QueryString    string `json:"query_string"`
	TopK           int    `json:"top_k"`
	APIKey         string `json:"qdrant_api_key"`
}

type searchResponse struct {
	// Result is either a list of payloads or a string explaining that
	// nothing matched.
	Result json.RawMessage `json:"result"`
}

// Search returns the text of the topK best passages for query, best
// first. No match yields an empty slice.
func (c *Client) Search(ctx context.Context, collection, query string, topK int) ([]string, error) {
	if topK <= 0 {
		topK = DefaultTopK
	}
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	body, err := json.Marshal(searchRequest{CollectionName: collection, QueryString: query, TopK: topK, APIKey: c.apiKey})
	if err != nil {
		return nil, fmt.Errorf("rag: marshaling request: %w", err)
	}
	request, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("rag: creating request: %w", err)
	}
	request.Header.Set("Content-Type", "application/json")

	response, err := c.httpClient.Do(request)
	if err != nil {
		return nil, fmt.Errorf("rag: searching %s: %w", collection, err)
	}
	defer response.Body.Close()
	if response.StatusCode != http.StatusOK {
		detail, _ := io.ReadAll(io.LimitReader(response.Body, 1024))
		return nil, fmt.Errorf("rag: searching %s: HTTP %d: %s", collection, response.StatusCode, strings.TrimSpace(string(detail)))
	}

	var decoded searchResponse
	if err := json.NewDecoder(response.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("rag: decoding response: %w", err)
	}
	var payloads []struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(decoded.Result, &payloads); err != nil {
		// A string result means no passage matched.
		var message string
		if json.Unmarshal(decoded.Result, &message) == nil {
			return nil, nil
		}
		return nil, fmt.Errorf("rag: decoding result: %w", err)
	}
	texts := make([]string, 0, len(payloads))
	for _, payload := range payloads {
		if text := strings.TrimSpace(payload.Text); text != "" {
			texts = append(texts, text)
		}
	}
	return texts, nil
}

// FormatContext renders passages retrieved for query as a context
// block for the speech pipeline's model. It returns "" when there are
// no passages.
func FormatContext(query string, passages []string) string {
	if len(passages) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString(ContextHeader)
	b.WriteString(":\nWhen answering the caller's question, draw on these results only if they directly address the query. ")
	b.WriteString("If none are relevant, say so and give a concise standalone answer.\n")
	b.WriteString("QUERY: ")
	b.WriteString(query)
	b.WriteString("\n\n")
	b.WriteString(strings.Join(passages, " "))
	return b.String()
}
