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

// Package llm is a minimal chat-completion client for OpenAI-compatible
// endpoints, with rate-limit retry and run-level token/dollar accounting.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/pingcap/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/SolidLao/SQLBarber/config"
	"github.com/SolidLao/SQLBarber/util/logutil"
)

const systemPrompt = "You are an experienced Database Administrator (DBA) and you will create high-quality SQL templates."

// prices holds (prompt, completion) USD per 1M tokens. Unknown models are
// accounted at zero.
var prices = map[string][2]float64{
	"gpt-4o":      {2.5, 10},
	"gpt-4o-mini": {0.15, 0.6},
	"o3":          {2, 8},
	"o3-mini":     {1.1, 4.4},
}

// reasoningModels require the developer role and a reasoning-effort knob
// instead of a temperature.
var reasoningModels = map[string]bool{
	"o1-preview": true,
	"o1-mini":    true,
	"o3-mini":    true,
	"o4-mini":    true,
}

// Usage is a snapshot of the running totals.
type Usage struct {
	Model            string  `json:"model"`
	PromptTokens     int64   `json:"prompt_tokens"`
	CompletionTokens int64   `json:"completion_tokens"`
	TotalDollars     float64 `json:"total_cost_dollars"`
}

// Client invokes one chat-completion endpoint. It is safe for concurrent use;
// the totals are guarded by a mutex.
type Client struct {
	model       string
	baseURL     string
	apiKey      string
	maxRetries  int
	maxInFlight int
	httpClient  *http.Client

	mu               sync.Mutex
	promptTokens     int64
	completionTokens int64
	dollars          float64
}

// NewClient builds a client from cfg. The API key is read once from the
// configured environment variable.
func NewClient(cfg *config.LLMConfig) (*Client, error) {
	key := os.Getenv(cfg.APIKeyEnv)
	if key == "" {
		return nil, errors.Errorf("environment variable %s is not set", cfg.APIKeyEnv)
	}
	return &Client{
		model:       cfg.Model,
		baseURL:     cfg.BaseURL,
		apiKey:      key,
		maxRetries:  cfg.MaxRetries,
		maxInFlight: cfg.MaxInFlight,
		httpClient:  &http.Client{},
	}, nil
}

// Model returns the configured model name.
func (c *Client) Model() string { return c.model }

// MaxInFlight returns the concurrent-request bound used for prompt batches.
func (c *Client) MaxInFlight() int { return c.maxInFlight }

// Usage returns a snapshot of the running totals.
func (c *Client) Usage() Usage {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Usage{
		Model:            c.model,
		PromptTokens:     c.promptTokens,
		CompletionTokens: c.completionTokens,
		TotalDollars:     c.dollars,
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model           string          `json:"model"`
	Messages        []chatMessage   `json:"messages"`
	ResponseFormat  json.RawMessage `json:"response_format,omitempty"`
	Temperature     *float64        `json:"temperature,omitempty"`
	ReasoningEffort string          `json:"reasoning_effort,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int64 `json:"prompt_tokens"`
		CompletionTokens int64 `json:"completion_tokens"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

// Complete sends one prompt and returns the raw completion text. When
// jsonFormat is set the endpoint is asked for a JSON object response.
func (c *Client) Complete(ctx context.Context, prompt string, jsonFormat bool) (string, error) {
	req := chatRequest{Model: c.model}
	if reasoningModels[c.model] {
		req.Messages = []chatMessage{
			{Role: "developer", Content: systemPrompt},
			{Role: "user", Content: prompt},
		}
		req.ReasoningEffort = "medium"
	} else {
		temp := 0.1
		req.Temperature = &temp
		if jsonFormat {
			req.Messages = []chatMessage{
				{Role: "system", Content: "You should output JSON."},
				{Role: "user", Content: prompt},
			}
		} else {
			req.Messages = []chatMessage{{Role: "user", Content: prompt}}
		}
	}
	if jsonFormat {
		req.ResponseFormat = json.RawMessage(`{"type":"json_object"}`)
	}

	body, err := json.Marshal(req)
	if err != nil {
		return "", errors.Trace(err)
	}

	for attempt := 0; ; attempt++ {
		text, retryAfter, err := c.doRequest(ctx, body)
		if err == nil {
			return text, nil
		}
		if retryAfter < 0 || attempt >= c.maxRetries {
			return "", errors.Trace(err)
		}
		logutil.BgLogger().Warn("llm rate limited, backing off",
			zap.Duration("retry-after", retryAfter),
			zap.Int("attempt", attempt+1))
		select {
		case <-time.After(retryAfter):
		case <-ctx.Done():
			return "", errors.Trace(ctx.Err())
		}
	}
}

// doRequest performs one HTTP round-trip. A non-negative retryAfter marks a
// retryable rate-limit failure.
func (c *Client) doRequest(ctx context.Context, body []byte) (text string, retryAfter time.Duration, err error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", -1, errors.Trace(err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return "", -1, errors.Trace(err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", -1, errors.Trace(err)
	}
	if resp.StatusCode == http.StatusTooManyRequests {
		wait := 500 * time.Millisecond
		if s := resp.Header.Get("Retry-After"); s != "" {
			if secs, perr := strconv.ParseFloat(s, 64); perr == nil {
				wait = time.Duration(secs * float64(time.Second))
			}
		}
		return "", wait, errors.Errorf("llm rate limit: %s", string(data))
	}
	if resp.StatusCode != http.StatusOK {
		return "", -1, errors.Errorf("llm request failed with status %d: %s", resp.StatusCode, string(data))
	}

	var parsed chatResponse
	if err := json.Unmarshal(data, &parsed); err != nil {
		return "", -1, errors.Trace(err)
	}
	if parsed.Error != nil {
		return "", -1, errors.Errorf("llm error: %s", parsed.Error.Message)
	}
	if len(parsed.Choices) == 0 {
		return "", -1, errors.New("llm returned no choices")
	}

	c.account(parsed.Usage.PromptTokens, parsed.Usage.CompletionTokens)
	return parsed.Choices[0].Message.Content, 0, nil
}

func (c *Client) account(promptTokens, completionTokens int64) {
	rate := prices[c.model]
	cost := (float64(promptTokens)*rate[0] + float64(completionTokens)*rate[1]) / 1e6
	c.mu.Lock()
	c.promptTokens += promptTokens
	c.completionTokens += completionTokens
	c.dollars += cost
	c.mu.Unlock()
}

// CompleteJSON sends one prompt and decodes the completion into a JSON
// object, tolerating a single object embedded in prose.
func (c *Client) CompleteJSON(ctx context.Context, prompt string) (map[string]any, error) {
	text, err := c.Complete(ctx, prompt, true)
	if err != nil {
		return nil, errors.Trace(err)
	}
	obj, err := DecodeObject(text)
	if err != nil {
		return nil, errors.Trace(err)
	}
	return obj, nil
}

// CompleteJSONBatch fans prompts out with at most maxInFlight concurrent
// requests. Failed prompts are logged and yield a nil entry; they do not make
// the batch return an error.
func (c *Client) CompleteJSONBatch(ctx context.Context, prompts []string) ([]map[string]any, error) {
	results := make([]map[string]any, len(prompts))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.maxInFlight)
	for i, prompt := range prompts {
		i, prompt := i, prompt
		g.Go(func() error {
			obj, err := c.CompleteJSON(gctx, prompt)
			if err != nil {
				logutil.BgLogger().Warn("llm batch entry failed",
					zap.Int("index", i), zap.Error(err))
				return nil
			}
			results[i] = obj
			return nil
		})
	}
	err := g.Wait()
	return results, errors.Trace(err)
}

// DecodeObject parses a JSON object from text. When the full text is not
// valid JSON, the first balanced {...} substring is tried instead.
func DecodeObject(text string) (map[string]any, error) {
	var obj map[string]any
	if err := json.Unmarshal([]byte(text), &obj); err == nil {
		return obj, nil
	}
	sub := extractObject(text)
	if sub == "" {
		return nil, errors.Errorf("no JSON object found in llm response: %.200s", text)
	}
	if err := json.Unmarshal([]byte(sub), &obj); err != nil {
		return nil, errors.Annotatef(err, "parsing embedded JSON object %.200s", sub)
	}
	return obj, nil
}

// extractObject returns the first balanced top-level {...} substring,
// honoring string literals and escapes.
func extractObject(text string) string {
	start := -1
	depth := 0
	inString := false
	escaped := false
	for i, r := range text {
		if inString {
			switch {
			case escaped:
				escaped = false
			case r == '\\':
				escaped = true
			case r == '"':
				inString = false
			}
			continue
		}
		switch r {
		case '"':
			inString = true
		case '{':
			if depth == 0 {
				start = i
			}
			depth++
		case '}':
			if depth > 0 {
				depth--
				if depth == 0 {
					return text[start : i+1]
				}
			}
		}
	}
	return ""
}
