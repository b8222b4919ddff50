package llm

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	nerrors "neko/internal/errors"
	"neko/internal/jsonx"
)

func fastRetry() nerrors.RetryConfig {
	return nerrors.RetryConfig{MaxAttempts: 2, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}
}

func TestCreateSendsRequestAndParsesOutput(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/responses", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		body, _ := io.ReadAll(r.Body)
		require.NoError(t, jsonx.Unmarshal(body, &got))
		_, _ = io.WriteString(w, `{
			"id": "resp_1",
			"status": "completed",
			"output": [
				{"type": "reasoning", "id": "rs_1", "summary": []},
				{"type": "function_call", "id": "fc_1", "call_id": "call_1", "name": "read_file", "arguments": "{\"path\":\"a.txt\"}"},
				{"type": "message", "id": "msg_1", "role": "assistant", "content": [
					{"type": "output_text", "text": "first"},
					{"type": "output_text", "text": "second"}
				]}
			],
			"usage": {"input_tokens": 10, "output_tokens": 5, "total_tokens": 15}
		}`)
	}))
	defer srv.Close()

	c := NewClient(Config{Endpoint: srv.URL + "/v1/", APIKey: "sk-test", Model: "test-model", Retry: fastRetry()})
	resp, err := c.Create(context.Background(), Request{
		Input: []Item{
			UserMessage("hi"),
			{Type: "function_call", ID: "fc_0", CallID: "call_0", Name: "exec", Arguments: "{}"},
			FunctionCallOutput("call_0", ""),
		},
		Instructions: "be brief",
		Tools:        []ToolDefinition{{Type: "function", Name: "exec", Parameters: map[string]any{"type": "object"}}},
	})
	require.NoError(t, err)

	assert.Equal(t, "test-model", got["model"])
	assert.Equal(t, "be brief", got["instructions"])
	input := got["input"].([]any)
	require.Len(t, input, 3)
	assert.Equal(t, map[string]any{"type": "message", "role": "user", "content": "hi"}, input[0])
	assert.Equal(t, map[string]any{"type": "function_call_output", "call_id": "call_0", "output": ""}, input[2])

	assert.Equal(t, "resp_1", resp.ID)
	assert.Equal(t, "first\nsecond", resp.Text())
	calls := resp.FunctionCalls()
	require.Len(t, calls, 1)
	assert.Equal(t, FunctionCall{CallID: "call_1", Name: "read_file", Arguments: `{"path":"a.txt"}`}, calls[0])
	assert.Equal(t, 15, resp.Usage.TotalTokens)
}

func TestOutputItemsReplayAsInput(t *testing.T) {
	var resp Response
	require.NoError(t, jsonx.Unmarshal([]byte(`{"id":"r","output":[
		{"type":"reasoning","id":"rs_1","summary":[]},
		{"type":"message","role":"assistant","content":[{"type":"refusal","refusal":"no"}]},
		{"type":"function_call","id":"fc","call_id":"c","name":"n","arguments":"{}"}
	]}`), &resp))

	reasoning, ok := resp.Output[0].AsInput()
	require.True(t, ok)
	data, err := jsonx.Marshal(reasoning)
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"reasoning","id":"rs_1","summary":[]}`, string(data))

	_, ok = resp.Output[1].AsInput()
	assert.False(t, ok, "messages without text are dropped")

	call, ok := resp.Output[2].AsInput()
	require.True(t, ok)
	assert.Equal(t, "c", call.CallID)
}

func TestCreateRetriesTransientStatus(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) == 1 {
			http.Error(w, "overloaded", http.StatusServiceUnavailable)
			return
		}
		_, _ = io.WriteString(w, `{"id":"ok","status":"completed","output":[]}`)
	}))
	defer srv.Close()

	c := NewClient(Config{Endpoint: srv.URL, Retry: fastRetry()})
	resp, err := c.Create(context.Background(), Request{Input: []Item{UserMessage("x")}})
	require.NoError(t, err)
	assert.Equal(t, "ok", resp.ID)
	assert.Equal(t, int32(2), hits.Load())
}

func TestCreateDoesNotRetryAuthFailures(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		http.Error(w, "bad key", http.StatusUnauthorized)
	}))
	defer srv.Close()

	c := NewClient(Config{Endpoint: srv.URL, Retry: fastRetry()})
	_, err := c.Create(context.Background(), Request{Input: []Item{UserMessage("x")}})
	require.Error(t, err)
	assert.False(t, nerrors.IsTransient(err))
	assert.Contains(t, nerrors.FormatForLLM(err), "Authentication")
	assert.Equal(t, int32(1), hits.Load())
}

func TestCreateReportsFailedResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"id":"r","status":"failed","error":{"code":"server_error","message":"boom"}}`)
	}))
	defer srv.Close()

	c := NewClient(Config{Endpoint: srv.URL, Retry: fastRetry()})
	_, err := c.Create(context.Background(), Request{Input: []Item{UserMessage("x")}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "server_error: boom")
}

func TestNewClientDefaultsRetryPolicy(t *testing.T) {
	c := NewClient(Config{Endpoint: "http://127.0.0.1:1"})
	assert.Equal(t, nerrors.DefaultRetryConfig(), c.retry)

	custom := fastRetry()
	assert.Equal(t, custom, NewClient(Config{Endpoint: "http://127.0.0.1:1", Retry: custom}).retry)
}
