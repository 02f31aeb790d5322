// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package llm

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

type capturedRequest struct {
	Model          string          `json:"model"`
	Messages       []Message       `json:"messages"`
	ResponseFormat json.RawMessage `json:"response_format"`
}

func testClient(t *testing.T, handler func(http.ResponseWriter, *http.Request, capturedRequest)) *Client {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/chat/completions", func(writer http.ResponseWriter, request *http.Request) {
		if got := request.Header.Get("Authorization"); got != "Bearer test-key" {
			http.Error(writer, "bad auth "+got, http.StatusUnauthorized)
			return
		}
		var captured capturedRequest
		if err := json.NewDecoder(request.Body).Decode(&captured); err != nil {
			http.Error(writer, err.Error(), http.StatusBadRequest)
			return
		}
		handler(writer, request, captured)
	})
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)

	client, err := New(Config{BaseURL: server.URL + "/v1/", APIKey: "test-key", Model: "test-model"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return client
}

func writeCompletion(writer http.ResponseWriter, content string) {
	writer.Header().Set("Content-Type", "application/json")
	json.NewEncoder(writer).Encode(map[string]any{
		"model": "test-model",
		"choices": []map[string]any{{
			"message":       map[string]string{"role": "assistant", "content": content},
			"finish_reason": "stop",
		}},
		"usage": map[string]int{"prompt_tokens": 12, "completion_tokens": 3},
	})
}

func TestComplete(t *testing.T) {
	t.Parallel()
	var seen capturedRequest
	client := testClient(t, func(writer http.ResponseWriter, _ *http.Request, captured capturedRequest) {
		seen = captured
		writeCompletion(writer, "ROUTINE")
	})

	response, err := client.Complete(context.Background(), Request{
		Messages: []Message{System("classify"), User("my tire is flat")},
	})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if response.Content != "ROUTINE" || response.FinishReason != "stop" {
		t.Errorf("response = %+v", response)
	}
	if response.Usage.PromptTokens != 12 {
		t.Errorf("prompt tokens = %d, want 12", response.Usage.PromptTokens)
	}
	if seen.Model != "test-model" || len(seen.Messages) != 2 || seen.Messages[0].Role != RoleSystem {
		t.Errorf("request = %+v", seen)
	}
	if len(seen.ResponseFormat) != 0 {
		t.Errorf("unexpected response_format %s", seen.ResponseFormat)
	}
}

func TestCompleteProviderError(t *testing.T) {
	t.Parallel()
	client := testClient(t, func(writer http.ResponseWriter, _ *http.Request, _ capturedRequest) {
		writer.WriteHeader(http.StatusTooManyRequests)
		writer.Write([]byte(`{"error":{"type":"rate_limit_error","message":"slow down"}}`))
	})

	_, err := client.Complete(context.Background(), Request{Messages: []Message{User("hi")}})
	var providerError *ProviderError
	if !errors.As(err, &providerError) {
		t.Fatalf("error = %v, want ProviderError", err)
	}
	if !providerError.IsRateLimited() || providerError.Message != "slow down" {
		t.Errorf("provider error = %+v", providerError)
	}
}

func TestCompleteRejectsUnknownRole(t *testing.T) {
	t.Parallel()
	client := testClient(t, func(writer http.ResponseWriter, _ *http.Request, _ capturedRequest) {
		writeCompletion(writer, "unused")
	})
	_, err := client.Complete(context.Background(), Request{Messages: []Message{{Role: "tool", Content: "x"}}})
	if err == nil {
		t.Fatal("Complete accepted an unknown role")
	}
}

type vehicle struct {
	Make  string `json:"make"`
	Color string `json:"color"`
}

func TestCompleteJSON(t *testing.T) {
	t.Parallel()
	var format struct {
		Type       string `json:"type"`
		JSONSchema struct {
			Name   string         `json:"name"`
			Schema map[string]any `json:"schema"`
			Strict bool           `json:"strict"`
		} `json:"json_schema"`
	}
	client := testClient(t, func(writer http.ResponseWriter, _ *http.Request, captured capturedRequest) {
		json.Unmarshal(captured.ResponseFormat, &format)
		writeCompletion(writer, "```json\n{\"make\": \"Toyota\", \"color\": \"red\"}\n```")
	})

	result, err := CompleteJSON[vehicle](context.Background(), client, Request{Messages: []Message{User("red toyota")}})
	if err != nil {
		t.Fatalf("CompleteJSON: %v", err)
	}
	if result.Make != "Toyota" || result.Color != "red" {
		t.Errorf("result = %+v", result)
	}
	if format.Type != "json_schema" || format.JSONSchema.Name != "vehicle" || !format.JSONSchema.Strict {
		t.Errorf("response_format = %+v", format)
	}
	properties, _ := format.JSONSchema.Schema["properties"].(map[string]any)
	if _, ok := properties["make"]; !ok {
		t.Errorf("schema properties = %v, want make", properties)
	}
}

func TestStripFence(t *testing.T) {
	t.Parallel()
	for input, want := range map[string]string{
		`{"a":1}`:                 `{"a":1}`,
		"```json\n{\"a\":1}\n```": `{"a":1}`,
		"```\n{\"a\":1}```":       `{"a":1}`,
	} {
		if got := stripFence(input); got != want {
			t.Errorf("stripFence(%q) = %q, want %q", input, got, want)
		}
	}
}
