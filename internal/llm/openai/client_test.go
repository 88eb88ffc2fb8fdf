package openai

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	xerrors "PhaseForge/internal/errors"
	"PhaseForge/internal/llm"
)

func TestCompleteParsesChoices(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("路径 = %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer test-key" {
			t.Errorf("Authorization = %s", got)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"choices":[{"message":{"content":"完成任务的摘要"}}]}`))
	}))
	defer server.Close()

	client, err := NewClient(Config{APIKey: "test-key", BaseURL: server.URL})
	if err != nil {
		t.Fatalf("创建客户端失败: %v", err)
	}
	got, err := client.Complete(context.Background(), llm.CompletionRequest{Prompt: "执行任务"})
	if err != nil {
		t.Fatalf("生成失败: %v", err)
	}
	if got != "完成任务的摘要" {
		t.Fatalf("生成结果 = %q", got)
	}
}

func TestCompleteRetriesOnServerError(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		_, _ = w.Write([]byte(`{"choices":[{"message":{"content":"第二次成功"}}]}`))
	}))
	defer server.Close()

	client, err := NewClient(Config{APIKey: "test-key", BaseURL: server.URL, MaxRetries: 2})
	if err != nil {
		t.Fatalf("创建客户端失败: %v", err)
	}
	got, err := client.Complete(context.Background(), llm.CompletionRequest{Prompt: "执行任务"})
	if err != nil {
		t.Fatalf("生成失败: %v", err)
	}
	if got != "第二次成功" {
		t.Fatalf("生成结果 = %q", got)
	}
	if calls.Load() != 2 {
		t.Fatalf("调用次数 = %d, 期望 2", calls.Load())
	}
}

func TestCompleteDoesNotRetryClientError(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer server.Close()

	client, err := NewClient(Config{APIKey: "bad-key", BaseURL: server.URL, MaxRetries: 3})
	if err != nil {
		t.Fatalf("创建客户端失败: %v", err)
	}
	_, err = client.Complete(context.Background(), llm.CompletionRequest{Prompt: "执行任务"})
	if xerrors.CodeOf(err) != xerrors.CodeProviderFailure {
		t.Fatalf("错误码 = %v, 期望 PROVIDER_FAILURE", xerrors.CodeOf(err))
	}
	if calls.Load() != 1 {
		t.Fatalf("4xx 不应重试, 调用次数 = %d", calls.Load())
	}
}

func TestEmbedValidatesDimension(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/embeddings" {
			t.Errorf("路径 = %s", r.URL.Path)
		}
		_, _ = w.Write([]byte(`{"data":[{"embedding":[0.1,0.2,0.3]}]}`))
	}))
	defer server.Close()

	client, err := NewClient(Config{APIKey: "test-key", BaseURL: server.URL, Dimension: 3})
	if err != nil {
		t.Fatalf("创建客户端失败: %v", err)
	}
	vec, err := client.Embed(context.Background(), "一些文本")
	if err != nil {
		t.Fatalf("嵌入失败: %v", err)
	}
	if len(vec) != 3 {
		t.Fatalf("向量宽度 = %d, 期望 3", len(vec))
	}

	client, err = NewClient(Config{APIKey: "test-key", BaseURL: server.URL, Dimension: 8})
	if err != nil {
		t.Fatalf("创建客户端失败: %v", err)
	}
	_, err = client.Embed(context.Background(), "一些文本")
	if xerrors.CodeOf(err) != xerrors.CodeDimensionMismatch {
		t.Fatalf("错误码 = %v, 期望 DIMENSION_MISMATCH", xerrors.CodeOf(err))
	}
}
