package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	xerrors "PhaseForge/internal/errors"
	"PhaseForge/internal/llm"
)

const (
	defaultBaseURL         = "https://api.openai.com/v1"
	defaultCompletionModel = "gpt-4o-mini"
	defaultEmbeddingModel  = "text-embedding-3-small"
	defaultTimeout         = 60 * time.Second
	defaultMaxRetries      = 3
)

// Config 描述调用 OpenAI 兼容 API 所需的信息。
type Config struct {
	APIKey          string
	BaseURL         string
	CompletionModel string
	EmbeddingModel  string
	Dimension       int
	MaxTokens       int
	Timeout         time.Duration
	MaxRetries      int
}

// Client 通过 HTTP 调用 OpenAI 兼容服务的生成与嵌入能力。
type Client struct {
	apiKey          string
	baseURL         string
	completionModel string
	embeddingModel  string
	dimension       int
	maxTokens       int
	maxRetries      int
	httpClient      *http.Client
}

// NewClient 根据配置创建客户端。
func NewClient(cfg Config) (*Client, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "未提供 API Key")
	}

	baseURL := strings.TrimSpace(cfg.BaseURL)
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	baseURL = strings.TrimRight(baseURL, "/")

	completionModel := strings.TrimSpace(cfg.CompletionModel)
	if completionModel == "" {
		completionModel = defaultCompletionModel
	}
	embeddingModel := strings.TrimSpace(cfg.EmbeddingModel)
	if embeddingModel == "" {
		embeddingModel = defaultEmbeddingModel
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = defaultMaxRetries
	}

	return &Client{
		apiKey:          apiKey,
		baseURL:         baseURL,
		completionModel: completionModel,
		embeddingModel:  embeddingModel,
		dimension:       cfg.Dimension,
		maxTokens:       cfg.MaxTokens,
		maxRetries:      maxRetries,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}, nil
}

// Complete 调用 chat/completions 生成文本，瞬时故障按指数退避重试。
func (c *Client) Complete(ctx context.Context, req llm.CompletionRequest) (string, error) {
	type message struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	}
	messages := make([]message, 0, 2)
	if strings.TrimSpace(req.System) != "" {
		messages = append(messages, message{Role: "system", Content: req.System})
	}
	messages = append(messages, message{Role: "user", Content: req.Prompt})

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = c.maxTokens
	}
	payload := map[string]any{
		"model":    c.completionModel,
		"messages": messages,
	}
	if maxTokens > 0 {
		payload["max_tokens"] = maxTokens
	}

	var content string
	operation := func() error {
		body, err := c.post(ctx, "/chat/completions", payload)
		if err != nil {
			return err
		}
		var decoded struct {
			Choices []struct {
				Message struct {
					Content string `json:"content"`
				} `json:"message"`
			} `json:"choices"`
		}
		if err := json.Unmarshal(body, &decoded); err != nil {
			return backoff.Permanent(xerrors.Wrap(xerrors.CodeProviderFailure, err, "解析生成响应失败"))
		}
		if len(decoded.Choices) == 0 {
			return backoff.Permanent(xerrors.New(xerrors.CodeProviderFailure, "生成响应中没有有效的 choices"))
		}
		content = strings.TrimSpace(decoded.Choices[0].Message.Content)
		return nil
	}
	if err := c.retry(ctx, operation); err != nil {
		return "", err
	}
	return content, nil
}

// Embed 调用 embeddings 返回文本向量。
func (c *Client) Embed(ctx context.Context, text string) ([]float32, error) {
	payload := map[string]any{
		"model": c.embeddingModel,
		"input": text,
	}
	if c.dimension > 0 {
		payload["dimensions"] = c.dimension
	}

	var embedding []float32
	operation := func() error {
		body, err := c.post(ctx, "/embeddings", payload)
		if err != nil {
			return err
		}
		var decoded struct {
			Data []struct {
				Embedding []float32 `json:"embedding"`
			} `json:"data"`
		}
		if err := json.Unmarshal(body, &decoded); err != nil {
			return backoff.Permanent(xerrors.Wrap(xerrors.CodeProviderFailure, err, "解析嵌入响应失败"))
		}
		if len(decoded.Data) == 0 {
			return backoff.Permanent(xerrors.New(xerrors.CodeProviderFailure, "嵌入响应中没有有效的数据"))
		}
		embedding = decoded.Data[0].Embedding
		return nil
	}
	if err := c.retry(ctx, operation); err != nil {
		return nil, err
	}
	if c.dimension > 0 && len(embedding) != c.dimension {
		return nil, xerrors.New(xerrors.CodeDimensionMismatch,
			fmt.Sprintf("供应商返回向量宽度 %d, 期望 %d", len(embedding), c.dimension))
	}
	return embedding, nil
}

func (c *Client) retry(ctx context.Context, operation func() error) error {
	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), uint64(c.maxRetries)),
		ctx,
	)
	return backoff.Retry(operation, policy)
}

func (c *Client) post(ctx context.Context, path string, payload any) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, backoff.Permanent(xerrors.Wrap(xerrors.CodeProviderFailure, err, "序列化请求失败"))
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(raw))
	if err != nil {
		return nil, backoff.Permanent(xerrors.Wrap(xerrors.CodeProviderFailure, err, "构建请求失败"))
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeProviderFailure, err, "请求供应商失败", xerrors.WithRetryable(true))
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeProviderFailure, err, "读取响应失败", xerrors.WithRetryable(true))
	}
	if resp.StatusCode >= http.StatusBadRequest {
		wrapped := xerrors.New(xerrors.CodeProviderFailure,
			fmt.Sprintf("供应商返回错误状态 %d: %s", resp.StatusCode, strings.TrimSpace(string(body))))
		// 4xx 重试不会改变结果，5xx 与限流值得再试。
		if resp.StatusCode != http.StatusTooManyRequests && resp.StatusCode < http.StatusInternalServerError {
			return nil, backoff.Permanent(wrapped)
		}
		return nil, wrapped
	}
	return body, nil
}

var _ llm.Client = (*Client)(nil)
