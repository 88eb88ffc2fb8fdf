package llm

import "context"

// CompletionRequest 描述一次文本生成请求。
type CompletionRequest struct {
	System    string
	Prompt    string
	MaxTokens int
}

// Client 是语言模型供应商的统一接口。Complete 生成文本,
// Embed 返回文本的向量表示。
type Client interface {
	Complete(ctx context.Context, req CompletionRequest) (string, error)
	Embed(ctx context.Context, text string) ([]float32, error)
}
