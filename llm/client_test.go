// Copyright 2025 SQLBarber Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// See the License for the specific language governing permissions and
// limitations under the License.

package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/SolidLao/SQLBarber/config"
)

func TestDecodeObject(t *testing.T) {
	obj, err := DecodeObject(`{"a": 1}`)
	require.NoError(t, err)
	require.Equal(t, float64(1), obj["a"])

	// A single object embedded in prose is tolerated.
	obj, err = DecodeObject("Sure! Here is the result:\n{\"sql_template\": \"SELECT 1\"}\nHope that helps.")
	require.NoError(t, err)
	require.Equal(t, "SELECT 1", obj["sql_template"])

	// Braces inside string literals do not confuse the extraction.
	obj, err = DecodeObject(`prefix {"q": "WHERE x = '}'"} suffix`)
	require.NoError(t, err)
	require.Equal(t, "WHERE x = '}'", obj["q"])

	_, err = DecodeObject("no json here at all")
	require.Error(t, err)
}

func newTestClient(t *testing.T, baseURL string) *Client {
	t.Helper()
	t.Setenv("TEST_LLM_KEY", "sk-test")
	client, err := NewClient(&config.LLMConfig{
		Model:       "gpt-4o-mini",
		BaseURL:     baseURL,
		APIKeyEnv:   "TEST_LLM_KEY",
		MaxInFlight: 4,
		MaxRetries:  3,
	})
	require.NoError(t, err)
	return client
}

func chatBody(content string, promptTokens, completionTokens int64) string {
	resp := map[string]any{
		"choices": []any{map[string]any{"message": map[string]any{"role": "assistant", "content": content}}},
		"usage":   map[string]any{"prompt_tokens": promptTokens, "completion_tokens": completionTokens},
	}
	data, _ := json.Marshal(resp)
	return string(data)
}

func TestCompleteAccountsUsage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/chat/completions", r.URL.Path)
		require.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		_, _ = w.Write([]byte(chatBody(`{"ok": true}`, 1000, 500)))
	}))
	defer srv.Close()

	client := newTestClient(t, srv.URL)
	obj, err := client.CompleteJSON(context.Background(), "hello")
	require.NoError(t, err)
	require.Equal(t, true, obj["ok"])

	usage := client.Usage()
	require.Equal(t, int64(1000), usage.PromptTokens)
	require.Equal(t, int64(500), usage.CompletionTokens)
	// gpt-4o-mini: 0.15/0.6 USD per 1M tokens.
	require.InDelta(t, (1000*0.15+500*0.6)/1e6, usage.TotalDollars, 1e-12)
}

func TestRateLimitRetryHonorsRetryAfter(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) <= 2 {
			w.Header().Set("Retry-After", "0.01")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		_, _ = w.Write([]byte(chatBody(`{"done": 1}`, 10, 10)))
	}))
	defer srv.Close()

	client := newTestClient(t, srv.URL)
	obj, err := client.CompleteJSON(context.Background(), "retry me")
	require.NoError(t, err)
	require.Equal(t, float64(1), obj["done"])
	require.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestRateLimitRetriesExhaust(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "0.01")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	client := newTestClient(t, srv.URL)
	_, err := client.CompleteJSON(context.Background(), "never succeeds")
	require.Error(t, err)
}

func TestCompleteJSONBatchPartialFailure(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&calls, 1)
		if n%2 == 0 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		_, _ = w.Write([]byte(chatBody(`{"n": 1}`, 5, 5)))
	}))
	defer srv.Close()

	client := newTestClient(t, srv.URL)
	results, err := client.CompleteJSONBatch(context.Background(), []string{"a", "b", "c", "d"})
	require.NoError(t, err)
	require.Len(t, results, 4)
	succeeded := 0
	for _, r := range results {
		if r != nil {
			succeeded++
		}
	}
	// Failed prompts yield nil entries without failing the batch.
	require.Equal(t, 2, succeeded)
}

func TestNewClientRequiresAPIKey(t *testing.T) {
	t.Setenv("EMPTY_LLM_KEY", "")
	_, err := NewClient(&config.LLMConfig{APIKeyEnv: "EMPTY_LLM_KEY"})
	require.Error(t, err)
}
