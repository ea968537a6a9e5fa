package judge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/pkoukk/tiktoken-go"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/safeprompt/gateway/pkg/httputil"
)

// DefaultBaseURL points at OpenRouter's OpenAI-compatible endpoint.
const DefaultBaseURL = "https://openrouter.ai/api/v1"

// ModelDescriptor identifies one judge model and its billing rate. Pools
// are ordered by Priority and are read-only during a request.
type ModelDescriptor struct {
	Name                 string  `json:"name" yaml:"name"`
	CostPerMillionTokens float64 `json:"costPerMillionTokens" yaml:"costPerMillionTokens"`
	Priority             int     `json:"priority" yaml:"priority"`
}

// DefaultPass1Pool is a cheap pre-filter pool with a free-tier fallback.
func DefaultPass1Pool() []ModelDescriptor {
	return []ModelDescriptor{
		{Name: "meta-llama/llama-3.1-8b-instruct", CostPerMillionTokens: 0.02, Priority: 1},
		{Name: "google/gemini-2.0-flash-exp:free", CostPerMillionTokens: 0, Priority: 2},
	}
}

// DefaultPass2Pool is the deeper-analysis pool.
func DefaultPass2Pool() []ModelDescriptor {
	return []ModelDescriptor{
		{Name: "meta-llama/llama-3.1-70b-instruct", CostPerMillionTokens: 0.05, Priority: 1},
		{Name: "google/gemini-2.0-flash-exp:free", CostPerMillionTokens: 0, Priority: 2},
	}
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
	Usage struct {
		TotalTokens int `json:"total_tokens"`
	} `json:"usage"`
}

// CallResult is one successful judge call.
type CallResult struct {
	Content    string
	Model      string
	TokensUsed int
	Cost       float64
	Latency    time.Duration
}

// maxInflightCalls bounds concurrent upstream judge calls across all
// requests so a traffic burst cannot exhaust the provider connection pool.
const maxInflightCalls = 32

// Client calls an OpenAI-compatible chat-completions endpoint with
// per-model circuit breakers and sequential pool fallback.
type Client struct {
	baseURL  string
	apiKey   string
	http     *http.Client
	logger   *zap.Logger
	inflight *httputil.Semaphore

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
}

// NewClient creates a judge client. baseURL may be empty to use the
// default endpoint.
func NewClient(baseURL, apiKey string, logger *zap.Logger) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		baseURL:  strings.TrimRight(baseURL, "/"),
		apiKey:   apiKey,
		http:     httputil.MediumClient(),
		logger:   logger,
		inflight: httputil.NewSemaphore(maxInflightCalls),
		breakers: make(map[string]*gobreaker.CircuitBreaker),
	}
}

func (c *Client) breakerFor(model string) *gobreaker.CircuitBreaker {
	c.mu.Lock()
	defer c.mu.Unlock()

	if cb, ok := c.breakers[model]; ok {
		return cb
	}
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        model,
		MaxRequests: 2,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
	})
	c.breakers[model] = cb
	return cb
}

// CallPool tries each model in the pool in priority order until one
// answers. Models with an open circuit breaker are skipped. A model is
// never retried within one call.
func (c *Client) CallPool(ctx context.Context, pool []ModelDescriptor, systemPrompt, userContent string, timeout time.Duration, maxTokens int) (*CallResult, error) {
	if len(pool) == 0 {
		return nil, fmt.Errorf("empty model pool")
	}

	if err := c.inflight.Acquire(ctx); err != nil {
		return nil, fmt.Errorf("waiting for judge slot: %w", err)
	}
	defer c.inflight.Release()

	ordered := make([]ModelDescriptor, len(pool))
	copy(ordered, pool)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].Priority < ordered[j].Priority })

	var attempted []string
	var lastErr error

	for _, model := range ordered {
		cb := c.breakerFor(model.Name)
		if cb.State() == gobreaker.StateOpen {
			c.logger.Debug("skipping model with open breaker", zap.String("model", model.Name))
			continue
		}
		attempted = append(attempted, model.Name)

		res, err := cb.Execute(func() (interface{}, error) {
			return c.callOnce(ctx, model, systemPrompt, userContent, timeout, maxTokens)
		})
		if err != nil {
			lastErr = err
			c.logger.Warn("judge call failed",
				zap.String("model", model.Name),
				zap.Error(err))
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			continue
		}
		return res.(*CallResult), nil
	}

	return nil, fmt.Errorf("all models failed (attempted: %s): %w",
		strings.Join(attempted, ", "), lastErr)
}

func (c *Client) callOnce(ctx context.Context, model ModelDescriptor, systemPrompt, userContent string, timeout time.Duration, maxTokens int) (*CallResult, error) {
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()

	reqBody := chatRequest{
		Model: model.Name,
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: userContent},
		},
		Temperature: 0,
		MaxTokens:   maxTokens,
	}
	jsonBody, err := json.Marshal(reqBody)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(callCtx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(jsonBody))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer httputil.DrainAndClose(resp.Body)

	body, err := httputil.ReadResponseBody(resp.Body, 2*1024*1024)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("API error %d: %s", resp.StatusCode, string(body))
	}

	var parsed chatResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("unmarshal error: %w", err)
	}
	if len(parsed.Choices) == 0 {
		return nil, fmt.Errorf("no choices returned")
	}

	content := parsed.Choices[0].Message.Content
	tokens := parsed.Usage.TotalTokens
	if tokens == 0 {
		tokens = estimateTokens(systemPrompt + userContent + content)
	}

	return &CallResult{
		Content:    content,
		Model:      model.Name,
		TokensUsed: tokens,
		Cost:       float64(tokens) / 1_000_000 * model.CostPerMillionTokens,
		Latency:    time.Since(start),
	}, nil
}

var (
	encodingOnce sync.Once
	encoding     *tiktoken.Tiktoken
)

// estimateTokens counts tokens with cl100k_base for providers that omit
// usage data. Falls back to the rough len/4 heuristic when the encoding
// cannot be loaded.
func estimateTokens(text string) int {
	encodingOnce.Do(func() {
		enc, err := tiktoken.GetEncoding("cl100k_base")
		if err == nil {
			encoding = enc
		}
	})
	if encoding == nil {
		return len(text) / 4
	}
	return len(encoding.Encode(text, nil, nil))
}
