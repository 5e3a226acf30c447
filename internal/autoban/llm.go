package autoban

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/new-api-tools/sidecar/internal/apperr"
)

const (
	llmTimeout            = 30 * time.Second
	llmMaxAttempts        = 3
	llmRetryDelayUnit     = 2 * time.Second
	breakerFailThreshold  = 5
	breakerCooldown       = 300 * time.Second
)

// breaker is the API-health state machine of §4.7.3:
// Healthy -> Degraded -> Suspended -> Healthy.
type breaker struct {
	mu                  sync.Mutex
	consecutiveFailures int
	suspendedSince      time.Time
	lastError           string
}

func newBreaker() *breaker { return &breaker{} }

func (b *breaker) suspended() (bool, time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.suspendedSince.IsZero() {
		return false, 0
	}
	remaining := breakerCooldown - time.Since(b.suspendedSince)
	if remaining <= 0 {
		// Cooldown elapsed; opportunistically go Healthy on the next call.
		b.suspendedSince = time.Time{}
		b.consecutiveFailures = 0
		return false, 0
	}
	return true, remaining
}

func (b *breaker) recordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.consecutiveFailures = 0
	b.suspendedSince = time.Time{}
	b.lastError = ""
}

func (b *breaker) recordFailure(errMsg string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.consecutiveFailures++
	b.lastError = errMsg
	if b.consecutiveFailures >= breakerFailThreshold {
		b.suspendedSince = time.Now()
	}
}

// Reset forces the breaker back to Healthy (the manual reset operation).
func (b *breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.consecutiveFailures = 0
	b.suspendedSince = time.Time{}
	b.lastError = ""
}

type llmClient struct {
	httpClient *http.Client
}

func newLLMClient() *llmClient {
	return &llmClient{httpClient: &http.Client{Timeout: llmTimeout}}
}

// chatCompletion is the parsed shape of one successful chat-completion call.
type chatCompletion struct {
	Content string
	Model   string
}

// endpoint derives the chat-completions (or /models) URL from a
// configured base_url: if base already ends in /v1, the suffix is
// appended directly, else /v1 is inserted.
func endpoint(base, suffix string) string {
	base = strings.TrimSuffix(base, "/")
	if strings.HasSuffix(base, "/v1") {
		return base + suffix
	}
	return base + "/v1" + suffix
}

type chatRequest struct {
	Model          string          `json:"model"`
	Messages       []chatMessage   `json:"messages"`
	Temperature    float64         `json:"temperature"`
	MaxTokens      int             `json:"max_tokens"`
	ResponseFormat *responseFormat `json:"response_format,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type responseFormat struct {
	Type string `json:"type"`
}

type chatResponseBody struct {
	Model   string `json:"model"`
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

// call invokes the chat-completions endpoint with up to llmMaxAttempts
// tries, delay = 2s * attempt_index between them (backoff.Retry gives us
// the attempt bookkeeping and ctx-cancellation plumbing; the linearDelay
// policy below supplies the spec's exact linear schedule rather than
// backoff's own exponential curve). response_format is sent best-effort:
// the first HTTP 400 is retried at once without it, and every later
// attempt omits it too.
func (c *llmClient) call(ctx context.Context, cfg Config, prompt string) (chatCompletion, error) {
	body := chatRequest{
		Model: cfg.Model,
		Messages: []chatMessage{
			{Role: "system", Content: "你是一个专业的 API 风控分析师，擅长识别异常用户行为。请只返回 JSON 格式的响应，不要包含任何其他文本。"},
			{Role: "user", Content: prompt},
		},
		Temperature:    0.3,
		MaxTokens:      500,
		ResponseFormat: &responseFormat{Type: "json_object"},
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return chatCompletion{}, apperr.Permanent(apperr.LLMFailed, "encode chat request failed", err)
	}
	plain := body
	plain.ResponseFormat = nil
	plainPayload, err := json.Marshal(plain)
	if err != nil {
		return chatCompletion{}, apperr.Permanent(apperr.LLMFailed, "encode chat request failed", err)
	}

	url := endpoint(cfg.BaseURL, "/chat/completions")
	attempt := 0
	dropped := false

	result, err := backoff.Retry(ctx, func() (chatCompletion, error) {
		attempt++
		cc, callErr := c.doCall(ctx, url, cfg.APIKey, payload)
		if callErr != nil && !dropped && strings.Contains(callErr.Error(), "HTTP 400") {
			dropped = true
			payload = plainPayload
			cc, callErr = c.doCall(ctx, url, cfg.APIKey, payload)
		}
		if callErr == nil {
			return cc, nil
		}
		if attempt >= llmMaxAttempts {
			return chatCompletion{}, backoff.Permanent(callErr)
		}
		return chatCompletion{}, callErr
	}, backoff.WithBackOff(&linearDelay{}), backoff.WithMaxTries(llmMaxAttempts))

	if err != nil {
		return chatCompletion{}, apperr.Transient(apperr.LLMFailed, "chat completion call failed", err)
	}
	return result, nil
}

func (c *llmClient) doCall(ctx context.Context, url, apiKey string, payload []byte) (chatCompletion, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return chatCompletion{}, err
	}
	req.Header.Set("Authorization", "Bearer "+apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return chatCompletion{}, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return chatCompletion{}, err
	}
	if resp.StatusCode >= 300 {
		return chatCompletion{}, fmt.Errorf("chat completions: HTTP %d: %s", resp.StatusCode, truncate(string(data), 200))
	}

	var parsed chatResponseBody
	if err := json.Unmarshal(data, &parsed); err != nil {
		return chatCompletion{}, fmt.Errorf("chat completions: decode response: %w", err)
	}
	if len(parsed.Choices) == 0 {
		return chatCompletion{}, fmt.Errorf("chat completions: empty choices")
	}
	return chatCompletion{Content: parsed.Choices[0].Message.Content, Model: parsed.Model}, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// linearDelay implements backoff.BackOff with delay = unit * attempt_index,
// matching §4.7.1 exactly (backoff's built-in policies are all exponential
// or constant, neither of which is this schedule).
type linearDelay struct{ attempt int }

func (d *linearDelay) NextBackOff() time.Duration {
	d.attempt++
	return llmRetryDelayUnit * time.Duration(d.attempt)
}

func (d *linearDelay) Reset() { d.attempt = 0 }
