package connectors

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

const maxErrorBody = 512

// OpenAIClient — адаптер к OpenAI-совместимому Chat Completions API.
type OpenAIClient struct {
	baseURL string
	http    *http.Client
}

// NewOpenAIClient создает клиент. timeout ограничивает весь HTTP-обмен, даже если у контекста нет дедлайна.
func NewOpenAIClient(baseURL string, timeout time.Duration) *OpenAIClient {
	return &OpenAIClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model          string            `json:"model"`
	Messages       []chatMessage     `json:"messages"`
	Temperature    float64           `json:"temperature"`
	MaxTokens      int               `json:"max_tokens"`
	ResponseFormat map[string]string `json:"response_format"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

type verdictPayload struct {
	Status *bool  `json:"STATUS"`
	Author string `json:"AUTHOR"`
}

// Classify выполняет один вызов провайдера одним ключом. Повторов здесь нет.
func (c *OpenAIClient) Classify(ctx context.Context, req ClassifyRequest) (ClassifyResult, error) {
	body, err := json.Marshal(chatRequest{
		Model: req.Model,
		Messages: []chatMessage{
			{Role: "system", Content: req.SystemPrompt},
			{Role: "user", Content: fmt.Sprintf("AUTHOR: %s\nTEXT: %s", req.AuthorRef, req.UserText)},
		},
		Temperature:    req.Temperature,
		MaxTokens:      req.MaxTokens,
		ResponseFormat: map[string]string{"type": "json_object"},
	})
	if err != nil {
		return ClassifyResult{}, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return ClassifyResult{}, fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+req.APIKey)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return ClassifyResult{}, fmt.Errorf("provider call failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		statusErr := &StatusError{Code: resp.StatusCode, Body: string(snippet)}
		if resp.StatusCode == http.StatusTooManyRequests {
			return ClassifyResult{}, &ThrottleError{RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After")), Cause: statusErr}
		}
		return ClassifyResult{}, statusErr
	}

	var chat chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&chat); err != nil {
		return ClassifyResult{}, fmt.Errorf("%w: decode envelope: %v", ErrMalformedResponse, err)
	}
	if len(chat.Choices) == 0 {
		return ClassifyResult{}, fmt.Errorf("%w: no choices", ErrMalformedResponse)
	}
	return ParseVerdict(chat.Choices[0].Message.Content)
}

// ParseVerdict разбирает строгий JSON ответа модели. Отсутствие STATUS — ошибка, а не "false".
func ParseVerdict(content string) (ClassifyResult, error) {
	var v verdictPayload
	if err := json.Unmarshal([]byte(strings.TrimSpace(content)), &v); err != nil {
		return ClassifyResult{}, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	if v.Status == nil {
		return ClassifyResult{}, fmt.Errorf("%w: STATUS field missing", ErrMalformedResponse)
	}
	return ClassifyResult{Status: *v.Status, Author: v.Author}, nil
}

func parseRetryAfter(h string) time.Duration {
	if h == "" {
		return time.Second
	}
	if secs, err := strconv.Atoi(h); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(h); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}
	return time.Second
}
