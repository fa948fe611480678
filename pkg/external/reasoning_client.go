// Package external talks to the reasoning service used for automated
// claim adjudication.
package external

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

	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/claims-adjudication-server/internal/domain"
)

// terminal run states other than completed
var failedRunStates = map[string]bool{
	"failed":     true,
	"expired":    true,
	"cancelled":  true,
	"incomplete": true,
}

// ReasoningClient drives an Assistants-style API: one thread per claim,
// one run per thread, polled until completion.
type ReasoningClient struct {
	baseURL      string
	apiKey       string
	assistantID  string
	httpClient   *http.Client
	limiter      *rate.Limiter
	breaker      *gobreaker.CircuitBreaker
	maxWait      time.Duration
	pollInterval time.Duration
	retryCount   int
	retryDelay   time.Duration
	logger       *logrus.Logger
}

// NewReasoningClient creates a client from adjudicator configuration
func NewReasoningClient(cfg domain.AdjudicatorConfig, logger *logrus.Logger) *ReasoningClient {
	limit := rate.Inf
	if cfg.RateLimit > 0 {
		limit = rate.Limit(cfg.RateLimit)
	}
	pollInterval := cfg.PollInterval
	if pollInterval <= 0 {
		pollInterval = time.Second
	}
	maxWait := cfg.MaxWait
	if maxWait <= 0 {
		maxWait = 120 * time.Second
	}
	threshold := cfg.CircuitBreaker.FailureThreshold
	if threshold == 0 {
		threshold = 5
	}

	c := &ReasoningClient{
		baseURL:      strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:       cfg.APIKey,
		assistantID:  cfg.AssistantID,
		httpClient:   &http.Client{Timeout: cfg.Timeout},
		limiter:      rate.NewLimiter(limit, 1),
		maxWait:      maxWait,
		pollInterval: pollInterval,
		retryCount:   cfg.RetryCount,
		retryDelay:   500 * time.Millisecond,
		logger:       logger,
	}

	c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "reasoning-service",
		MaxRequests: cfg.CircuitBreaker.MaxRequests,
		Interval:    cfg.CircuitBreaker.Interval,
		Timeout:     cfg.CircuitBreaker.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		// an unusable reply is not an outage
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, ErrMalformedJSON) ||
				errors.Is(err, ErrMissingField) || errors.Is(err, ErrInvalidStatus) ||
				errors.Is(err, ErrInvalidAmount)
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.WithFields(logrus.Fields{
				"breaker": name,
				"from":    from.String(),
				"to":      to.String(),
			}).Warn("Circuit breaker changed state")
		},
	})
	return c
}

// Adjudicate sends payload to the assistant and returns its validated verdict.
func (c *ReasoningClient) Adjudicate(ctx context.Context, payload any) (*Verdict, error) {
	result, err := c.breaker.Execute(func() (interface{}, error) {
		return c.adjudicate(ctx, payload)
	})
	if err != nil {
		return nil, err
	}
	return result.(*Verdict), nil
}

// BreakerState reports the circuit breaker state for health output.
func (c *ReasoningClient) BreakerState() string {
	return c.breaker.State().String()
}

func (c *ReasoningClient) adjudicate(ctx context.Context, payload any) (*Verdict, error) {
	content, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode claim payload: %w", err)
	}

	var thread struct {
		ID string `json:"id"`
	}
	if err := c.do(ctx, http.MethodPost, "/threads", map[string]any{}, &thread); err != nil {
		return nil, fmt.Errorf("failed to create thread: %w", err)
	}

	message := map[string]any{"role": "user", "content": string(content)}
	if err := c.do(ctx, http.MethodPost, "/threads/"+thread.ID+"/messages", message, nil); err != nil {
		return nil, fmt.Errorf("failed to post claim message: %w", err)
	}

	var run runObject
	if err := c.do(ctx, http.MethodPost, "/threads/"+thread.ID+"/runs", map[string]any{"assistant_id": c.assistantID}, &run); err != nil {
		return nil, fmt.Errorf("failed to start run: %w", err)
	}

	if err := c.awaitRun(ctx, thread.ID, run); err != nil {
		return nil, err
	}

	text, err := c.latestAssistantMessage(ctx, thread.ID)
	if err != nil {
		return nil, err
	}

	c.logger.WithFields(logrus.Fields{
		"thread_id": thread.ID,
		"run_id":    run.ID,
	}).Debug("Assistant run completed")

	return ParseVerdict(text)
}

type runObject struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

func (c *ReasoningClient) awaitRun(ctx context.Context, threadID string, run runObject) error {
	waitCtx, cancel := context.WithTimeout(ctx, c.maxWait)
	defer cancel()

	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		switch {
		case run.Status == "completed":
			return nil
		case failedRunStates[run.Status]:
			return fmt.Errorf("%w: status %s", ErrRunFailed, run.Status)
		}

		select {
		case <-waitCtx.Done():
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("%w after %s", ErrTimeout, c.maxWait)
		case <-ticker.C:
		}

		if err := c.do(waitCtx, http.MethodGet, "/threads/"+threadID+"/runs/"+run.ID, nil, &run); err != nil {
			if waitCtx.Err() != nil && ctx.Err() == nil {
				return fmt.Errorf("%w after %s", ErrTimeout, c.maxWait)
			}
			return fmt.Errorf("failed to poll run: %w", err)
		}
	}
}

type messageList struct {
	Data []struct {
		Role    string `json:"role"`
		Content []struct {
			Type string `json:"type"`
			Text struct {
				Value string `json:"value"`
			} `json:"text"`
		} `json:"content"`
	} `json:"data"`
}

// latestAssistantMessage returns the text of the newest assistant message.
func (c *ReasoningClient) latestAssistantMessage(ctx context.Context, threadID string) (string, error) {
	var list messageList
	if err := c.do(ctx, http.MethodGet, "/threads/"+threadID+"/messages?order=desc&limit=20", nil, &list); err != nil {
		return "", fmt.Errorf("failed to list messages: %w", err)
	}
	for _, m := range list.Data {
		if m.Role != "assistant" {
			continue
		}
		for _, part := range m.Content {
			if part.Type == "text" {
				return part.Text.Value, nil
			}
		}
	}
	return "", fmt.Errorf("%w: no assistant message", ErrRunFailed)
}

// statusError is a non-2xx response.
type statusError struct {
	Code int
	Body string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("reasoning service returned status %d: %s", e.Code, e.Body)
}

func retryable(code int) bool {
	return code == http.StatusTooManyRequests || code >= 500
}

// do performs one JSON call, retrying 429 and 5xx responses.
func (c *ReasoningClient) do(ctx context.Context, method, path string, in, out any) error {
	var body []byte
	if in != nil {
		var err error
		if body, err = json.Marshal(in); err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
	}

	var lastErr error
	for attempt := 0; attempt <= c.retryCount; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(c.retryDelay * time.Duration(attempt)):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}

		lastErr = c.once(ctx, method, path, body, out)
		var se *statusError
		if lastErr == nil || !errors.As(lastErr, &se) || !retryable(se.Code) {
			return lastErr
		}
		c.logger.WithFields(logrus.Fields{
			"path":    path,
			"status":  se.Code,
			"attempt": attempt + 1,
		}).Warn("Retrying reasoning service call")
	}
	return lastErr
}

func (c *ReasoningClient) once(ctx context.Context, method, path string, body []byte, out any) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("OpenAI-Beta", "assistants=v2")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to execute request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &statusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(data))}
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
