package llm

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"github.com/abhisek/rehearse/internal/store"
)

func TestLogging_RecordsEvents(t *testing.T) {
	st, err := store.Open(filepath.Join(t.TempDir(), "llm.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	repo := st.EventRepo()

	mock := NewMockProvider(
		MockResponse{Content: json.RawMessage(`{"score":90}`), Usage: Usage{InputTokens: 12, OutputTokens: 3}},
		MockResponse{Err: errors.New("boom")},
	)
	p := WithLogging(mock, "mock", repo, nil)
	ctx := WithPurpose(context.Background(), PurposeAnswerGrading)

	req := Request{
		System:   "grade",
		Messages: []Message{{Role: RoleUser, Content: "Q: hours? A: nine"}},
		Schema:   &Schema{Name: "answer-grade", Definition: map[string]any{"type": "object"}},
	}
	if _, err := p.Generate(ctx, req); err != nil {
		t.Fatalf("first call: %v", err)
	}
	if _, err := p.Generate(ctx, req); err == nil {
		t.Fatal("expected second call to fail")
	}

	events, err := repo.QueryLLMEvents(context.Background(), store.QueryOpts{Purpose: PurposeAnswerGrading})
	if err != nil {
		t.Fatalf("query events: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("events = %d, want 2", len(events))
	}

	failed, ok := events[0], events[1]
	if failed.Success || failed.ErrorMessage != "boom" {
		t.Errorf("failed event = %+v", failed)
	}
	if !ok.Success || ok.InputTokens != 12 || ok.ResponseBody != `{"score":90}` {
		t.Errorf("ok event = %+v", ok)
	}
	if ok.Provider != "mock" || ok.Model != "mock" {
		t.Errorf("provider/model = %q/%q", ok.Provider, ok.Model)
	}
	for _, want := range []string{"[system]", "[user]", "Q: hours? A: nine", "[schema: answer-grade]"} {
		if !strings.Contains(ok.RequestBody, want) {
			t.Errorf("request body missing %q:\n%s", want, ok.RequestBody)
		}
	}
}

func TestLogging_NilRepo(t *testing.T) {
	mock := NewMockProvider(MockResponse{Content: json.RawMessage(`{}`)})
	p := WithLogging(mock, "mock", nil, nil)
	if _, err := p.Generate(context.Background(), Request{}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.ModelID() != "mock" {
		t.Fatalf("model = %q", p.ModelID())
	}
}

func TestNewProvider_Mock(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Provider = "mock"
	cfg.Retry.MaxAttempts = 1

	p, err := NewProvider(context.Background(), cfg, nil, nil)
	if err != nil {
		t.Fatalf("new provider: %v", err)
	}
	_, err = p.Generate(context.Background(), Request{})
	var unavail *ErrProviderUnavailable
	if !errors.As(err, &unavail) {
		t.Fatalf("expected ErrProviderUnavailable, got %T (%v)", err, err)
	}
}

func TestNewProvider_RejectsInvalidConfig(t *testing.T) {
	if _, err := NewProvider(context.Background(), Config{Provider: "anthropic"}, nil, nil); err == nil {
		t.Fatal("expected error for missing key")
	}
}
