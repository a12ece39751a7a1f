package connectors

import (
	"context"
	"fmt"
	"math/rand" // Используем v2 для Go 1.25
	"strings"
	"time"
)

// MockProvider — детерминированный классификатор по стоп-словам для локального запуска.
// Ключ "invalid" имитирует отозванный ключ провайдера (HTTP 401).
type MockProvider struct {
	Blocklist  []string
	MaxLatency time.Duration
}

func NewMockProvider() *MockProvider {
	return &MockProvider{
		Blocklist:  []string{"idiot", "kill yourself", "hate you", "moron", "scum"},
		MaxLatency: 250 * time.Millisecond,
	}
}

func (m *MockProvider) Classify(ctx context.Context, req ClassifyRequest) (ClassifyResult, error) {
	if m.MaxLatency > 0 {
		// В v2 используется rand.IntN (с большой N)
		latency := time.Duration(rand.Intn(int(m.MaxLatency/time.Millisecond)+1)) * time.Millisecond
		select {
		case <-time.After(latency):
		case <-ctx.Done():
			return ClassifyResult{}, ctx.Err()
		}
	}

	if req.APIKey == "" || req.APIKey == "invalid" {
		return ClassifyResult{}, &StatusError{Code: 401, Body: "invalid api key"}
	}

	text := strings.ToLower(req.UserText)
	for _, w := range m.Blocklist {
		if strings.Contains(text, w) {
			return ClassifyResult{Status: false, Author: req.AuthorRef}, nil
		}
	}
	if strings.TrimSpace(text) == "" {
		return ClassifyResult{}, fmt.Errorf("%w: empty text", ErrMalformedResponse)
	}
	return ClassifyResult{Status: true, Author: req.AuthorRef}, nil
}
