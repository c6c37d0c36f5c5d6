package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClientModes(t *testing.T) {
	tests := []struct {
		mode     Mode
		reply    string
		wantText string
		check    func(t *testing.T, body map[string]any)
	}{
		{
			mode:     ModeOllama,
			reply:    `{"response":"generated","prompt_eval_count":5,"eval_count":2}`,
			wantText: "generated",
			check: func(t *testing.T, body map[string]any) {
				assert.Equal(t, "hi", body["prompt"])
				assert.Equal(t, "json", body["format"])
				assert.Equal(t, false, body["stream"])
			},
		},
		{
			mode:     ModeOllamaChat,
			reply:    `{"message":{"role":"assistant","content":"chatted"}}`,
			wantText: "chatted",
			check: func(t *testing.T, body map[string]any) {
				msgs := body["messages"].([]any)
				require.Len(t, msgs, 1)
				assert.Equal(t, "hi", msgs[0].(map[string]any)["content"])
			},
		},
		{
			mode:     ModeOpenAI,
			reply:    `{"choices":[{"message":{"role":"assistant","content":"completed"}}],"usage":{"prompt_tokens":3,"completion_tokens":1}}`,
			wantText: "completed",
			check: func(t *testing.T, body map[string]any) {
				assert.Equal(t, map[string]any{"type": "json_object"}, body["response_format"])
			},
		},
	}

	for _, tt := range tests {
		t.Run(string(tt.mode), func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
				var body map[string]any
				require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
				assert.Equal(t, "m1", body["model"])
				tt.check(t, body)
				w.Header().Set("Content-Type", "application/json")
				w.Write([]byte(tt.reply))
			}))
			defer server.Close()

			c := NewClient(tt.mode, server.URL, WithAuthToken("secret"))
			resp, err := c.Call(context.Background(), "m1", "hi", CallOptions{JSON: true})
			require.NoError(t, err)
			assert.Equal(t, tt.wantText, resp.Text)
			assert.Equal(t, "m1", resp.Model)
			assert.Equal(t, "hi", resp.Prompt)
		})
	}
}

func TestClientErrorStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model not loaded", http.StatusServiceUnavailable)
	}))
	defer server.Close()

	_, err := NewClient(ModeOllama, server.URL).Call(context.Background(), "m", "p", CallOptions{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 503")
}

func TestParseMode(t *testing.T) {
	m, ok := ParseMode("OLLAMA_CHAT")
	assert.True(t, ok)
	assert.Equal(t, ModeOllamaChat, m)

	m, ok = ParseMode("bogus")
	assert.False(t, ok)
	assert.Equal(t, ModeOllama, m)
}
