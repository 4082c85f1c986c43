package llm

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/sashabaranov/go-openai/jsonschema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/terellcodes/claim-assist/config"
)

func TestNewClientDefaults(t *testing.T) {
	cfg := config.Config{
		LLM: config.LLMConfig{
			Provider: config.ProviderOllama,
			Model:    "llama3.1:8b",
		},
		OllamaHost: "http://localhost:11434",
	}

	client, err := NewClient(cfg)
	require.NoError(t, err)
	assert.NotNil(t, client)
}

func TestNewClientOpenAIRequiresAPIKey(t *testing.T) {
	cfg := config.Config{
		LLM: config.LLMConfig{
			Provider: config.ProviderOpenAI,
			Model:    "gpt-4o",
		},
	}

	_, err := NewClient(cfg)
	require.Error(t, err)
}

func TestNewClientUnknownProvider(t *testing.T) {
	_, err := NewClient(config.Config{LLM: config.LLMConfig{Provider: "bard"}})
	require.ErrorContains(t, err, "unknown llm provider")
}

var lookupTool = Tool{
	Name:        "retrieve_policy_clauses",
	Description: "look up clauses",
	Parameters: jsonschema.Definition{
		Type: jsonschema.Object,
		Properties: map[string]jsonschema.Definition{
			"query": {Type: jsonschema.String},
		},
		Required: []string{"query"},
	},
}

func TestOpenAIChatToolCalls(t *testing.T) {
	var captured map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		body, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(body, &captured))

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"id": "cmpl-1",
			"object": "chat.completion",
			"choices": [{
				"index": 0,
				"finish_reason": "tool_calls",
				"message": {
					"role": "assistant",
					"content": "",
					"tool_calls": [{
						"id": "call_abc",
						"type": "function",
						"function": {"name": "retrieve_policy_clauses", "arguments": "{\"query\":\"water damage\"}"}
					}]
				}
			}]
		}`))
	}))
	defer srv.Close()

	client := NewOpenAIClient(Options{Model: "gpt-4o-mini", OpenAIAPIKey: "sk-test", OpenAIBaseURL: srv.URL})
	msg, err := client.Chat(context.Background(), Request{
		Messages: []Message{
			{Role: RoleSystem, Content: "adjudicate"},
			{Role: RoleUser, Content: "pipe burst"},
		},
		Tools:  []Tool{lookupTool},
		Schema: &Schema{Name: "claim_decision", Definition: jsonschema.Definition{Type: jsonschema.Object}},
	})
	require.NoError(t, err)

	require.Len(t, msg.ToolCalls, 1)
	assert.Equal(t, "call_abc", msg.ToolCalls[0].ID)
	assert.Equal(t, "retrieve_policy_clauses", msg.ToolCalls[0].Name)
	assert.JSONEq(t, `{"query":"water damage"}`, msg.ToolCalls[0].Arguments)

	tools, ok := captured["tools"].([]any)
	require.True(t, ok)
	require.Len(t, tools, 1)
	fn := tools[0].(map[string]any)["function"].(map[string]any)
	assert.Equal(t, "retrieve_policy_clauses", fn["name"])

	format, ok := captured["response_format"].(map[string]any)
	require.True(t, ok, "schema travels with the tools")
	assert.Equal(t, "json_schema", format["type"])
}

func TestOpenAIChatToolResultRoundTrip(t *testing.T) {
	var captured struct {
		Messages []struct {
			Role       string `json:"role"`
			ToolCallID string `json:"tool_call_id"`
			ToolCalls  []struct {
				ID string `json:"id"`
			} `json:"tool_calls"`
		} `json:"messages"`
		ResponseFormat struct {
			Type string `json:"type"`
		} `json:"response_format"`
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&captured))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"choices":[{"index":0,"message":{"role":"assistant","content":"{\"status\":\"valid\"}"}}]}`))
	}))
	defer srv.Close()

	client := NewOpenAIClient(Options{Model: "gpt-4o-mini", OpenAIAPIKey: "sk-test", OpenAIBaseURL: srv.URL})
	msg, err := client.Chat(context.Background(), Request{
		Messages: []Message{
			{Role: RoleUser, Content: "pipe burst"},
			{Role: RoleAssistant, ToolCalls: []ToolCall{{ID: "call_1", Name: "web_search", Arguments: `{"query":"x"}`}}},
			{Role: RoleTool, ToolCallID: "call_1", Content: "[]"},
		},
		Schema: &Schema{Name: "claim_decision", Definition: jsonschema.Definition{Type: jsonschema.Object}},
	})
	require.NoError(t, err)

	assert.Equal(t, `{"status":"valid"}`, msg.Content)
	require.Len(t, captured.Messages, 3)
	assert.Equal(t, "call_1", captured.Messages[1].ToolCalls[0].ID)
	assert.Equal(t, "call_1", captured.Messages[2].ToolCallID)
	assert.Equal(t, "json_schema", captured.ResponseFormat.Type)
}

func TestOllamaChatToolCalls(t *testing.T) {
	var captured ollamaChatRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/chat", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&captured))
		_, _ = w.Write([]byte(`{
			"message": {
				"role": "assistant",
				"content": "",
				"tool_calls": [{"function": {"name": "web_search", "arguments": {"query": "hail storm Austin"}}}]
			},
			"done": true
		}`))
	}))
	defer srv.Close()

	client := NewOllamaClient(Options{Model: "llama3.1", OllamaHost: srv.URL})
	msg, err := client.Chat(context.Background(), Request{
		Messages: []Message{{Role: RoleUser, Content: "hail"}},
		Tools:    []Tool{lookupTool},
		Schema:   &Schema{Name: "claim_decision", Definition: jsonschema.Definition{Type: jsonschema.Object}},
	})
	require.NoError(t, err)

	assert.False(t, captured.Stream)
	assert.NotNil(t, captured.Format, "schema travels with the tools")
	require.Len(t, captured.Tools, 1)
	assert.Equal(t, "function", captured.Tools[0].Type)

	require.Len(t, msg.ToolCalls, 1)
	assert.Equal(t, "call_0", msg.ToolCalls[0].ID)
	assert.Equal(t, "web_search", msg.ToolCalls[0].Name)
	assert.JSONEq(t, `{"query":"hail storm Austin"}`, msg.ToolCalls[0].Arguments)
}

func TestOllamaChatErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error":"model not found"}`))
	}))
	defer srv.Close()

	client := NewOllamaClient(Options{Model: "missing", OllamaHost: srv.URL})
	_, err := client.Chat(context.Background(), Request{Messages: []Message{{Role: RoleUser, Content: "hi"}}})
	require.ErrorContains(t, err, "model not found")
}
