package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"genbot/internal/domain"
	"genbot/internal/providers/search"
)

// chatServer fakes the Ollama /api/chat endpoint, replying with each entry in
// turn. A zero status wraps content as a normal assistant message.
type chatReply struct {
	status  int
	content string
}

func chatServer(t *testing.T, replies []chatReply) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := int(calls.Add(1)) - 1
		if r.URL.Path != "/api/chat" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if n >= len(replies) {
			t.Errorf("unexpected call %d", n)
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		rep := replies[n]
		if rep.status != 0 {
			w.WriteHeader(rep.status)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"message": map[string]string{"role": "assistant", "content": rep.content},
		})
	}))
	t.Cleanup(srv.Close)
	return srv, &calls
}

func TestChatRetriesTransientStatus(t *testing.T) {
	srv, calls := chatServer(t, []chatReply{
		{status: http.StatusServiceUnavailable},
		{content: `{"ok":true}`},
	})

	c := NewChatClient(ChatOptions{BaseURL: srv.URL, MaxAttempts: 3})
	content, err := c.Chat(context.Background(), "sys", "user", nil, 0.7)
	if err != nil {
		t.Fatalf("Chat error: %v", err)
	}
	if content != `{"ok":true}` {
		t.Fatalf("content = %q", content)
	}
	if calls.Load() != 2 {
		t.Fatalf("calls = %d, want 2", calls.Load())
	}
}

func TestChatDoesNotRetryClientError(t *testing.T) {
	srv, calls := chatServer(t, []chatReply{{status: http.StatusBadRequest}})

	c := NewChatClient(ChatOptions{BaseURL: srv.URL, MaxAttempts: 3})
	if _, err := c.Chat(context.Background(), "sys", "user", nil, 0.7); err == nil {
		t.Fatal("expected error")
	}
	if calls.Load() != 1 {
		t.Fatalf("calls = %d, want 1", calls.Load())
	}
}

func TestProposeParsesModelOutput(t *testing.T) {
	srv, _ := chatServer(t, []chatReply{{content: `{
		"prompt": "a red fox in snow, masterpiece",
		"negative_prompt": "worst quality",
		"steps": 32,
		"cfg_scale": 8.5,
		"sampler": "DPM++ 2M Karras",
		"width": 768,
		"height": 512
	}`}})

	p := NewOllamaProposer(NewChatClient(ChatOptions{BaseURL: srv.URL}), nil)
	prop, err := p.Propose(context.Background(), ProposeRequest{Instruction: "a red fox in snow"})
	if err != nil {
		t.Fatalf("Propose error: %v", err)
	}
	if prop.Prompt != "a red fox in snow, masterpiece" || prop.NegativePrompt != "worst quality" {
		t.Fatalf("prompts = %q / %q", prop.Prompt, prop.NegativePrompt)
	}
	if prop.Params.Steps == nil || *prop.Params.Steps != 32 {
		t.Fatalf("steps = %v", prop.Params.Steps)
	}
	if prop.Params.CfgScale == nil || *prop.Params.CfgScale != 8.5 {
		t.Fatalf("cfg_scale = %v", prop.Params.CfgScale)
	}
	if prop.Params.Seed != nil {
		t.Fatalf("seed should be unset, got %v", *prop.Params.Seed)
	}
}

func TestProposeFallsBackWhenModelUnreachable(t *testing.T) {
	c := NewChatClient(ChatOptions{BaseURL: "http://127.0.0.1:1", MaxAttempts: 1})
	p := NewOllamaProposer(c, NewStaticProposer())

	prop, err := p.Propose(context.Background(), ProposeRequest{Instruction: "castle on a hill"})
	if err != nil {
		t.Fatalf("Propose error: %v", err)
	}
	if !strings.Contains(prop.Prompt, "Castle On A Hill") {
		t.Fatalf("fallback prompt = %q", prop.Prompt)
	}
	if !strings.Contains(prop.Prompt, staticQualitySuffix) {
		t.Fatalf("fallback prompt missing quality suffix: %q", prop.Prompt)
	}
}

func TestProposeFallsBackOnMissingPrompt(t *testing.T) {
	srv, _ := chatServer(t, []chatReply{{content: `{"prompt": "", "negative_prompt": "x"}`}})

	p := NewOllamaProposer(NewChatClient(ChatOptions{BaseURL: srv.URL}), NewStaticProposer())
	prop, err := p.Propose(context.Background(), ProposeRequest{Instruction: "tiny robot"})
	if err != nil {
		t.Fatalf("Propose error: %v", err)
	}
	if prop.NegativePrompt != staticNegativePrompt {
		t.Fatalf("fallback not used: %q", prop.NegativePrompt)
	}
}

func TestProposeErrorsWithoutFallback(t *testing.T) {
	c := NewChatClient(ChatOptions{BaseURL: "http://127.0.0.1:1", MaxAttempts: 1})
	p := NewOllamaProposer(c, nil)
	if _, err := p.Propose(context.Background(), ProposeRequest{Instruction: "x"}); err == nil {
		t.Fatal("expected error without fallback")
	}
}

func TestStaticProposerRefinementCarriesPrevious(t *testing.T) {
	prev := &domain.GenerationMetadata{
		Prompt:         "a lighthouse at dusk",
		NegativePrompt: "blurry",
	}
	prop, err := NewStaticProposer().Propose(context.Background(), ProposeRequest{
		Instruction: "make it stormy",
		Previous:    prev,
	})
	if err != nil {
		t.Fatalf("Propose error: %v", err)
	}
	if prop.Prompt != "a lighthouse at dusk, make it stormy" {
		t.Fatalf("prompt = %q", prop.Prompt)
	}
	if prop.NegativePrompt != "blurry" {
		t.Fatalf("negative = %q", prop.NegativePrompt)
	}
}

func TestExtractFillsSourcesFromResults(t *testing.T) {
	srv, _ := chatServer(t, []chatReply{{content: `{
		"summary": "use detailed lighting tags",
		"prompt_techniques": ["volumetric lighting", "golden hour"],
		"recommended_loras": [],
		"recommended_settings": {"steps": 30},
		"sources": []
	}`}})

	e := NewOllamaExtractor(NewChatClient(ChatOptions{BaseURL: srv.URL}))
	results := []search.Result{
		{Title: "Guide", Snippet: "s", Link: "https://example.com/a"},
		{Title: "Tips", Snippet: "s", Link: "https://example.com/b"},
	}
	out, err := e.Extract(context.Background(), "sunset", results)
	if err != nil {
		t.Fatalf("Extract error: %v", err)
	}
	if out.Summary != "use detailed lighting tags" || len(out.PromptTechniques) != 2 {
		t.Fatalf("result = %+v", out)
	}
	if out.RecommendedParams.Steps == nil || *out.RecommendedParams.Steps != 30 {
		t.Fatalf("recommended steps = %v", out.RecommendedParams.Steps)
	}
	if len(out.Sources) != 2 || out.Sources[0] != "https://example.com/a" {
		t.Fatalf("sources = %v", out.Sources)
	}
}
