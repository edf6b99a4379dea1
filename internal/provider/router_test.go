package provider

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"go.uber.org/zap"

	"github.com/nidhogg/mnemo/internal/upstream"
)

type fakeProvider struct {
	id    string
	reply string
	err   error
	calls int
}

func (f *fakeProvider) ID() string   { return f.id }
func (f *fakeProvider) Name() string { return f.id }
func (f *fakeProvider) Chat(_ context.Context, _ *ChatRequest) (*ChatResponse, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return &ChatResponse{Content: f.reply}, nil
}
func (f *fakeProvider) HealthCheck(context.Context) error { return f.err }

func TestRouter_BindingAndFallback(t *testing.T) {
	r := NewRouter(zap.NewNop())
	primary := &fakeProvider{id: "primary", err: errors.New("503")}
	backup := &fakeProvider{id: "backup", reply: `{"name":"technology"}`}
	r.Register(primary, upstream.Config{})
	r.Register(backup, upstream.Config{})
	r.Bind(PurposeClassifier, "primary")
	r.SetFallbacks(PurposeClassifier, []string{"backup"})

	got, err := r.Complete(context.Background(), PurposeClassifier, "sys", "user")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != `{"name":"technology"}` {
		t.Errorf("got %q", got)
	}
	if primary.calls != 1 || backup.calls != 1 {
		t.Errorf("calls primary=%d backup=%d, want 1 and 1", primary.calls, backup.calls)
	}
}

func TestRouter_DefaultProvider(t *testing.T) {
	r := NewRouter(zap.NewNop())
	p := &fakeProvider{id: "only", reply: "ok"}
	r.Register(p, upstream.Config{})

	got, err := r.Completer(PurposeGraph).Complete(context.Background(), "s", "u")
	if err != nil || got != "ok" {
		t.Fatalf("got %q, %v", got, err)
	}
}

func TestRouter_AllFail(t *testing.T) {
	r := NewRouter(zap.NewNop())
	r.Register(&fakeProvider{id: "a", err: errors.New("down")}, upstream.Config{})

	_, err := r.Complete(context.Background(), PurposeGraph, "s", "u")
	if err == nil {
		t.Fatal("expected error")
	}
	if !upstream.IsRetryable(err) {
		t.Errorf("provider failure should be retryable: %v", err)
	}
}

func TestRouter_NoProvider(t *testing.T) {
	r := NewRouter(zap.NewNop())
	_, err := r.Complete(context.Background(), PurposeGraph, "s", "u")
	if !errors.Is(err, ErrNoProvider) {
		t.Errorf("got %v, want ErrNoProvider", err)
	}
}

func TestOpenAIProvider_Chat(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("path = %s", r.URL.Path)
		}
		var req openAIChatRequest
		json.NewDecoder(r.Body).Decode(&req)
		if req.Model != "gpt-4o-mini" {
			t.Errorf("model = %q, want configured default", req.Model)
		}
		if req.ResponseFormat == nil || req.ResponseFormat.Type != "json_object" {
			t.Errorf("response_format = %+v", req.ResponseFormat)
		}
		json.NewEncoder(w).Encode(openAIChatResponse{
			ID:      "cmpl-1",
			Model:   "gpt-4o-mini",
			Choices: []openAIChoice{{Message: Message{Role: "assistant", Content: "{}"}, FinishReason: "stop"}},
		})
	}))
	defer srv.Close()

	p := NewOpenAIProvider(ProviderConfig{ID: "oai", Endpoint: srv.URL, Model: "gpt-4o-mini"}, zap.NewNop())
	resp, err := p.Chat(context.Background(), &ChatRequest{Messages: []Message{User("hi")}, JSONMode: true})
	if err != nil {
		t.Fatalf("chat: %v", err)
	}
	if resp.Content != "{}" || resp.FinishReason != "stop" {
		t.Errorf("resp = %+v", resp)
	}
}

func TestAnthropicProvider_ConvertRequest(t *testing.T) {
	p := NewAnthropicProvider(ProviderConfig{ID: "claude"}, zap.NewNop())
	ar := p.convertRequest(&ChatRequest{
		Messages: []Message{System("classify"), User("text")},
		JSONMode: true,
	})
	if ar.Model != defaultAnthropicModel || ar.MaxTokens != 1024 {
		t.Errorf("defaults not applied: %+v", ar)
	}
	if len(ar.Messages) != 1 || ar.Messages[0].Role != "user" {
		t.Errorf("messages = %+v", ar.Messages)
	}
	if ar.System != "classify\n\nRespond with a single JSON object and nothing else." {
		t.Errorf("system = %q", ar.System)
	}
}

func TestNew(t *testing.T) {
	if _, err := New(ProviderConfig{Type: "anthropic"}, zap.NewNop()); err != nil {
		t.Errorf("anthropic: %v", err)
	}
	if _, err := New(ProviderConfig{Type: "gemini"}, zap.NewNop()); err == nil {
		t.Error("expected error for unknown type")
	}
}
