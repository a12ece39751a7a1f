package connectors

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func chatReply(content string) string {
	b, _ := json.Marshal(map[string]interface{}{
		"choices": []map[string]interface{}{
			{"message": map[string]string{"role": "assistant", "content": content}},
		},
	})
	return string(b)
}

func TestOpenAIClient_Classify(t *testing.T) {
	var got chatRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Write([]byte(chatReply(`{"STATUS": false, "AUTHOR": "user-9"}`)))
	}))
	defer srv.Close()

	c := NewOpenAIClient(srv.URL+"/v1/", 5*time.Second)
	res, err := c.Classify(context.Background(), ClassifyRequest{
		APIKey:       "sk-test",
		SystemPrompt: SystemPrompt,
		UserText:     "you are awful",
		AuthorRef:    "user-9",
		Model:        "gpt-4o-mini",
		Temperature:  0.2,
		MaxTokens:    50,
	})
	require.NoError(t, err)
	assert.False(t, res.Status)
	assert.Equal(t, "user-9", res.Author)

	assert.Equal(t, "gpt-4o-mini", got.Model)
	assert.Equal(t, 50, got.MaxTokens)
	assert.InDelta(t, 0.2, got.Temperature, 1e-9)
	assert.Equal(t, "json_object", got.ResponseFormat["type"])
	require.Len(t, got.Messages, 2)
	assert.Equal(t, "system", got.Messages[0].Role)
	assert.Contains(t, got.Messages[1].Content, "you are awful")
}

func TestOpenAIClient_Errors(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
		check   func(t *testing.T, err error)
	}{
		{
			name: "server error",
			handler: func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, "boom", http.StatusInternalServerError)
			},
			check: func(t *testing.T, err error) {
				var se *StatusError
				require.True(t, errors.As(err, &se))
				assert.Equal(t, 500, se.Code)
			},
		},
		{
			name: "throttled",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Retry-After", "7")
				w.WriteHeader(http.StatusTooManyRequests)
			},
			check: func(t *testing.T, err error) {
				var te *ThrottleError
				require.True(t, errors.As(err, &te))
				assert.Equal(t, 7*time.Second, te.RetryAfter)
			},
		},
		{
			name: "content is not json",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.Write([]byte(chatReply("I think it's fine")))
			},
			check: func(t *testing.T, err error) {
				assert.ErrorIs(t, err, ErrMalformedResponse)
			},
		},
		{
			name: "status missing",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.Write([]byte(chatReply(`{"AUTHOR": "x"}`)))
			},
			check: func(t *testing.T, err error) {
				assert.ErrorIs(t, err, ErrMalformedResponse)
			},
		},
		{
			name: "no choices",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.Write([]byte(`{"choices": []}`))
			},
			check: func(t *testing.T, err error) {
				assert.ErrorIs(t, err, ErrMalformedResponse)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(tt.handler)
			defer srv.Close()

			_, err := NewOpenAIClient(srv.URL, time.Second).Classify(context.Background(), ClassifyRequest{APIKey: "k"})
			require.Error(t, err)
			tt.check(t, err)
		})
	}
}

func TestOpenAIClient_Timeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()

	_, err := NewOpenAIClient(srv.URL, 50*time.Millisecond).Classify(context.Background(), ClassifyRequest{APIKey: "k"})
	assert.Error(t, err)
}

func TestMockProvider(t *testing.T) {
	m := NewMockProvider()
	m.MaxLatency = 0
	ctx := context.Background()

	res, err := m.Classify(ctx, ClassifyRequest{APIKey: "k", UserText: "have a nice day", AuthorRef: "u1"})
	require.NoError(t, err)
	assert.True(t, res.Status)
	assert.Equal(t, "u1", res.Author)

	res, err = m.Classify(ctx, ClassifyRequest{APIKey: "k", UserText: "You MORON"})
	require.NoError(t, err)
	assert.False(t, res.Status)

	_, err = m.Classify(ctx, ClassifyRequest{APIKey: "invalid", UserText: "hi"})
	var se *StatusError
	assert.True(t, errors.As(err, &se))
}
