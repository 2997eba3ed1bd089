package annotation

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const (
	systemPrompt       = "You are a helpful AI assistant specializing in file analysis, security assessment, and data management. Provide concise, actionable insights."
	defaultMaxTokens   = 1000
	defaultTemperature = 0.2
	defaultTimeout     = 30 * time.Second
)

// ErrEmptyCompletion 表示接口返回了空内容。
var ErrEmptyCompletion = errors.New("completion returned no content")

// Completer 调用托管的文本补全接口。
type Completer interface {
	Complete(ctx context.Context, prompt, model string) (string, error)
}

// CompleterConfig 是 OpenAI 兼容接口的连接参数。
type CompleterConfig struct {
	APIKey  string
	BaseURL string
	Timeout time.Duration
	// HTTPClient 为空时使用带追踪的默认客户端。
	HTTPClient *http.Client
}

// OpenAICompleter 通过 OpenAI 兼容的 chat/completions 接口生成文本。
type OpenAICompleter struct {
	client *openai.Client
}

var _ Completer = (*OpenAICompleter)(nil)

// NewOpenAICompleter 创建客户端，BaseURL 指向 Perplexity 等兼容服务。
func NewOpenAICompleter(cfg CompleterConfig) (*OpenAICompleter, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("completion api key is required")
	}
	oc := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		oc.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = defaultTimeout
		}
		httpClient = &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		}
	}
	oc.HTTPClient = httpClient

	return &OpenAICompleter{client: openai.NewClientWithConfig(oc)}, nil
}

// Complete 发送单轮对话并返回第一条回复。
func (c *OpenAICompleter) Complete(ctx context.Context, prompt, model string) (string, error) {
	resp, err := c.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
		MaxTokens:   defaultMaxTokens,
		Temperature: defaultTemperature,
	})
	if err != nil {
		return "", fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 || strings.TrimSpace(resp.Choices[0].Message.Content) == "" {
		return "", ErrEmptyCompletion
	}
	return resp.Choices[0].Message.Content, nil
}
