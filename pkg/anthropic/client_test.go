package anthropic

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/reqident/internal/resilience"
)

func newTestClient(baseURL string) Client {
	return NewClient("test-key", option.WithBaseURL(baseURL))
}

func verdictTool() *Tool {
	return &Tool{
		Name:        "record_verdict",
		Description: "Record the verdict",
		Properties: map[string]any{
			"isObligatory":    map[string]any{"type": "boolean"},
			"isComplementary": map[string]any{"type": "boolean"},
		},
		Required: []string{"isObligatory", "isComplementary"},
	}
}

func TestSDKClient_CreateMessage_ToolUse(t *testing.T) {
	var body map[string]any
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Contains(t, r.URL.Path, "/messages")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{ //nolint:errcheck
			"id":   "msg_test_001",
			"type": "message",
			"role": "assistant",
			"content": []map[string]any{
				{
					"type":  "tool_use",
					"id":    "toolu_01",
					"name":  "record_verdict",
					"input": map[string]any{"isObligatory": true, "isComplementary": false},
				},
			},
			"model":       "claude-haiku-4-5-20251001",
			"stop_reason": "tool_use",
			"usage": map[string]any{
				"input_tokens":  120,
				"output_tokens": 12,
			},
		})
	}))
	defer ts.Close()

	client := newTestClient(ts.URL)
	resp, err := client.CreateMessage(context.Background(), MessageRequest{
		Model:     "claude-haiku-4-5-20251001",
		MaxTokens: 256,
		System:    BuildCachedSystemBlocks("You classify legal articles."),
		Messages:  []Message{{Role: "user", Content: "Article 1 ..."}},
		Tool:      verdictTool(),
	})
	require.NoError(t, err)
	assert.Equal(t, "msg_test_001", resp.ID)
	assert.Equal(t, "tool_use", resp.StopReason)
	assert.Equal(t, int64(120), resp.Usage.InputTokens)

	input, ok := resp.ToolInput("record_verdict")
	require.True(t, ok)
	assert.JSONEq(t, `{"isObligatory": true, "isComplementary": false}`, string(input))

	choice, ok := body["tool_choice"].(map[string]any)
	require.True(t, ok, "tool_choice should be sent")
	assert.Equal(t, "tool", choice["type"])
	assert.Equal(t, "record_verdict", choice["name"])

	tools, ok := body["tools"].([]any)
	require.True(t, ok)
	require.Len(t, tools, 1)
}

func TestSDKClient_CreateMessage_RateLimitedIsTransient(t *testing.T) {
	var calls atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"type":"error","error":{"type":"rate_limit_error","message":"slow down"}}`)) //nolint:errcheck
	}))
	defer ts.Close()

	client := newTestClient(ts.URL)
	_, err := client.CreateMessage(context.Background(), MessageRequest{
		Model:     "claude-haiku-4-5-20251001",
		MaxTokens: 16,
		Messages:  []Message{{Role: "user", Content: "hi"}},
	})
	require.Error(t, err)
	assert.True(t, resilience.IsRateLimited(err))
	assert.Equal(t, int32(1), calls.Load(), "sdk retries must be disabled")
}

func TestSDKClient_CreateMessage_BadRequestIsNotTransient(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"type":"error","error":{"type":"invalid_request_error","message":"bad"}}`)) //nolint:errcheck
	}))
	defer ts.Close()

	client := newTestClient(ts.URL)
	_, err := client.CreateMessage(context.Background(), MessageRequest{
		Model:     "claude-haiku-4-5-20251001",
		MaxTokens: 16,
		Messages:  []Message{{Role: "user", Content: "hi"}},
	})
	require.Error(t, err)
	assert.False(t, resilience.IsTransient(err))
	assert.Contains(t, err.Error(), "anthropic: create message")
}

func TestMessageResponse_ToolInput_Missing(t *testing.T) {
	resp := &MessageResponse{Content: []ContentBlock{{Type: "text", Text: "no tool"}}}
	_, ok := resp.ToolInput("record_verdict")
	assert.False(t, ok)
}

func TestBuildCachedSystemBlocks(t *testing.T) {
	blocks := BuildCachedSystemBlocks("system prompt")
	require.Len(t, blocks, 1)
	assert.Equal(t, "system prompt", blocks[0].Text)
	require.NotNil(t, blocks[0].CacheControl)
	assert.Equal(t, "5m", blocks[0].CacheControl.TTL)
}

func TestTokenUsage_LogUsage(t *testing.T) {
	TokenUsage{InputTokens: 10, OutputTokens: 2}.LogUsage("claude-haiku-4-5-20251001", "classify")
}
