package summarize

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewAnthropic_RequiresKeyAndModel(t *testing.T) {
	_, err := NewAnthropic(Config{Model: "m"})
	assert.ErrorIs(t, err, ErrNotConfigured)

	_, err = NewAnthropic(Config{APIKey: "k"})
	assert.ErrorIs(t, err, ErrNotConfigured)
}

func messageServer(t *testing.T, reply string, gotBody *map[string]any) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.True(t, strings.HasSuffix(r.URL.Path, "/v1/messages"), r.URL.Path)
		assert.Equal(t, "test-key", r.Header.Get("X-Api-Key"))
		if gotBody != nil {
			require.NoError(t, json.NewDecoder(r.Body).Decode(gotBody))
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(reply))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestAnthropic_Summarize(t *testing.T) {
	var body map[string]any
	srv := messageServer(t, `{
		"id": "msg_1", "type": "message", "role": "assistant", "model": "claude-test",
		"content": [{"type": "text", "text": "  Calm and curious.  "}],
		"stop_reason": "end_turn",
		"usage": {"input_tokens": 10, "output_tokens": 4}
	}`, &body)

	s, err := NewAnthropic(Config{APIKey: "test-key", Model: "claude-test", MaxTokens: 64, BaseURL: srv.URL})
	require.NoError(t, err)

	out, err := s.Summarize(t.Context(), Request{
		System: "Describe the mood.",
		Messages: []Message{
			{Role: "user", Content: "I finally fixed the bug!"},
			{Role: "assistant", Content: "Congrats!"},
			{Role: "user", Content: "Thanks"},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "Calm and curious.", out)

	assert.Equal(t, "claude-test", body["model"])
	assert.EqualValues(t, 64, body["max_tokens"])
	msgs, ok := body["messages"].([]any)
	require.True(t, ok)
	require.Len(t, msgs, 3)
	assert.Equal(t, "assistant", msgs[1].(map[string]any)["role"])
	require.NotNil(t, body["system"])
}

func TestAnthropic_EmptyReply(t *testing.T) {
	srv := messageServer(t, `{
		"id": "msg_2", "type": "message", "role": "assistant", "model": "claude-test",
		"content": [], "stop_reason": "end_turn",
		"usage": {"input_tokens": 1, "output_tokens": 0}
	}`, nil)

	s, err := NewAnthropic(Config{APIKey: "test-key", Model: "claude-test", BaseURL: srv.URL})
	require.NoError(t, err)

	_, err = s.Summarize(t.Context(), Request{Messages: []Message{{Role: "user", Content: "hi"}}})
	assert.ErrorIs(t, err, ErrEmptySummary)
}

func TestAnthropic_NoMessages(t *testing.T) {
	s, err := NewAnthropic(Config{APIKey: "k", Model: "m"})
	require.NoError(t, err)
	_, err = s.Summarize(t.Context(), Request{})
	assert.Error(t, err)
}
