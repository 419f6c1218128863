package api

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	json "github.com/goccy/go-json"
	"github.com/labstack/echo/v5"

	"github.com/aciddelgado/qllm/internal/logger"
	"github.com/aciddelgado/qllm/internal/modelgraph"
	"github.com/aciddelgado/qllm/internal/tokenizer"
)

func newTestEcho(t *testing.T) *echo.Echo {
	t.Helper()
	m, err := modelgraph.New(modelgraph.Config{
		VocabSize: 256, HiddenSize: 8, IntermediateSize: 16, NumBlocks: 1,
	}, 3)
	if err != nil {
		t.Fatalf("new model: %v", err)
	}
	s := NewServer(logger.Text(io.Discard, slog.LevelError), m, tokenizer.NewByteLevel(), "qllm-test")
	e := echo.New()
	s.Register(e)
	return e
}

func doJSON(t *testing.T, e *echo.Echo, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func TestListModels(t *testing.T) {
	t.Parallel()

	e := newTestEcho(t)
	rec := doJSON(t, e, http.MethodGet, "/v1/models", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status: %d body: %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		Object string `json:"object"`
		Data   []struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Object != "list" || len(resp.Data) != 1 || resp.Data[0].ID != "qllm-test" {
		t.Fatalf("unexpected response: %s", rec.Body.String())
	}
}

func TestChatCompletion(t *testing.T) {
	t.Parallel()

	e := newTestEcho(t)
	body := `{"messages":[{"role":"user","content":"hi"}],"max_tokens":4}`
	rec := doJSON(t, e, http.MethodPost, "/v1/chat/completions", body)
	if rec.Code != http.StatusOK {
		t.Fatalf("status: %d body: %s", rec.Code, rec.Body.String())
	}

	var resp ChatCompletionResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !strings.HasPrefix(resp.ID, "chatcmpl-") {
		t.Fatalf("completion id: %q", resp.ID)
	}
	if resp.Object != "chat.completion" {
		t.Fatalf("object: %q", resp.Object)
	}
	if len(resp.Choices) != 1 || resp.Choices[0].Message == nil {
		t.Fatalf("choices: %+v", resp.Choices)
	}
	if resp.Choices[0].Message.Role != "assistant" {
		t.Fatalf("role: %q", resp.Choices[0].Message.Role)
	}
	if resp.Usage.CompletionTokens != 4 {
		t.Fatalf("completion tokens: %d", resp.Usage.CompletionTokens)
	}
	if resp.Usage.TotalTokens != resp.Usage.PromptTokens+resp.Usage.CompletionTokens {
		t.Fatalf("usage does not add up: %+v", resp.Usage)
	}
	if fr := resp.Choices[0].FinishReason; fr == nil || *fr != "length" {
		t.Fatalf("finish reason: %v", fr)
	}
}

func TestChatCompletionIsDeterministic(t *testing.T) {
	t.Parallel()

	e := newTestEcho(t)
	body := `{"messages":[{"role":"user","content":"same prompt"}],"max_tokens":6}`

	content := func() string {
		rec := doJSON(t, e, http.MethodPost, "/v1/chat/completions", body)
		if rec.Code != http.StatusOK {
			t.Fatalf("status: %d body: %s", rec.Code, rec.Body.String())
		}
		var resp ChatCompletionResponse
		if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
			t.Fatalf("decode: %v", err)
		}
		return resp.Choices[0].Message.Content
	}

	if a, b := content(), content(); a != b {
		t.Fatalf("greedy decoding diverged: %q vs %q", a, b)
	}
}

func TestChatCompletionValidation(t *testing.T) {
	t.Parallel()

	e := newTestEcho(t)

	cases := []struct {
		name string
		body string
	}{
		{"empty messages", `{"messages":[]}`},
		{"malformed json", `{"messages":`},
		{"streaming", `{"messages":[{"role":"user","content":"x"}],"stream":true}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := doJSON(t, e, http.MethodPost, "/v1/chat/completions", tc.body)
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("status: %d body: %s", rec.Code, rec.Body.String())
			}
		})
	}
}
