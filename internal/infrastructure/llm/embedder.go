package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/69gg/Undefined-sub000/internal/infrastructure/config"
	apperrors "github.com/69gg/Undefined-sub000/pkg/errors"
)

// EmbeddingClient OpenAI embeddings 兼容的向量化客户端，
// 供向量库做事件与画像的入库和检索。
type EmbeddingClient struct {
	client *http.Client
	model  func() config.ModelConfig
	logger *zap.Logger
}

// NewEmbeddingClient 创建向量化客户端。model 返回当前的 embedding 模型配置，
// 热重载后新请求自动使用新端点。
func NewEmbeddingClient(model func() config.ModelConfig, logger *zap.Logger) *EmbeddingClient {
	return &EmbeddingClient{
		client: &http.Client{Timeout: 60 * time.Second},
		model:  model,
		logger: logger.With(zap.String("component", "embedding")),
	}
}

// Embed 把一段文本向量化
func (c *EmbeddingClient) Embed(ctx context.Context, text string) ([]float32, error) {
	model := c.model()
	if model.BaseURL == "" {
		return nil, apperrors.New(apperrors.CodeLLMTransport, "embedding 模型未配置", 500)
	}

	body, err := json.Marshal(map[string]any{
		"model": model.Model,
		"input": []string{text},
	})
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.CodeLLMTransport, "序列化请求失败", 500)
	}

	baseURL := strings.TrimRight(model.BaseURL, "/")
	req, err := http.NewRequestWithContext(ctx, "POST", baseURL+"/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.CodeLLMTransport, "构造请求失败", 500)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+model.APIKey)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.CodeLLMTransport, "HTTP 请求失败", 502)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.CodeLLMTransport, "读取响应失败", 502)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, apperrors.NewLLMAPIError(resp.StatusCode, string(respBody))
	}

	var out struct {
		Data []struct {
			Embedding []float32 `json:"embedding"`
		} `json:"data"`
	}
	if err := json.Unmarshal(respBody, &out); err != nil {
		return nil, apperrors.Wrap(err, apperrors.CodeLLMDecoding, "解析响应失败", 502)
	}
	if len(out.Data) == 0 || len(out.Data[0].Embedding) == 0 {
		return nil, apperrors.New(apperrors.CodeLLMDecoding, "响应缺少 embedding", 502)
	}
	return out.Data[0].Embedding, nil
}
