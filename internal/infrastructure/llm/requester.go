package llm

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/69gg/Undefined-sub000/internal/domain/entity"
	"github.com/69gg/Undefined-sub000/internal/infrastructure/config"
	apperrors "github.com/69gg/Undefined-sub000/pkg/errors"
	"github.com/69gg/Undefined-sub000/pkg/safego"
)

// Requester 模型请求器。所有 LLM 调用都经由它，
// 返回的响应保证 Usage 可用（API 缺失时估算补齐）。
type Requester interface {
	Chat(ctx context.Context, model config.ModelConfig, callType string,
		messages []entity.Message, tools []entity.ToolSchema, toolChoice any) (*entity.LLMResponse, error)
}

// UsageRecorder 异步记录 token 用量，实现方不得阻塞请求路径
type UsageRecorder interface {
	Record(model, callType string, usage entity.Usage)
}

// HTTPRequester OpenAI chat-completions 兼容的 HTTP 客户端。
// 兼容：OpenAI、DeepSeek、Qwen、GLM、Ollama、vLLM 等。
type HTTPRequester struct {
	client   *http.Client
	recorder UsageRecorder
	logger   *zap.Logger
}

// NewHTTPRequester 创建请求器。recorder 可为 nil。
func NewHTTPRequester(recorder UsageRecorder, logger *zap.Logger) *HTTPRequester {
	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ResponseHeaderTimeout: 300 * time.Second,
		IdleConnTimeout:       90 * time.Second,
		MaxIdleConns:          10,
		MaxIdleConnsPerHost:   5,
		TLSClientConfig:       &tls.Config{MinVersion: tls.VersionTLS12},
	}
	return &HTTPRequester{
		client:   &http.Client{Transport: transport},
		recorder: recorder,
		logger:   logger.With(zap.String("component", "llm_requester")),
	}
}

var _ Requester = (*HTTPRequester)(nil)

// Chat 发起一次非流式对话请求
func (r *HTTPRequester) Chat(ctx context.Context, model config.ModelConfig, callType string,
	messages []entity.Message, tools []entity.ToolSchema, toolChoice any) (*entity.LLMResponse, error) {

	nameMap := buildToolNameMap(tools)
	apiReq := r.buildRequest(model, messages, tools, toolChoice, nameMap)

	body, err := json.Marshal(apiReq)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.CodeLLMTransport, "序列化请求失败", 500)
	}

	baseURL := strings.TrimRight(model.BaseURL, "/")
	httpReq, err := http.NewRequestWithContext(ctx, "POST", baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.CodeLLMTransport, "构造请求失败", 500)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+model.APIKey)

	start := time.Now()
	resp, err := r.client.Do(httpReq)
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

	out, err := r.parseResponse(respBody, messages, nameMap)
	if err != nil {
		return nil, err
	}

	r.logger.Debug("LLM call finished",
		zap.String("model", model.Model),
		zap.String("call_type", callType),
		zap.Int("total_tokens", out.Usage.TotalTokens),
		zap.Bool("usage_estimated", out.Usage.Estimated),
		zap.Duration("elapsed", time.Since(start)),
	)

	if r.recorder != nil {
		usage := out.Usage
		safego.Go(r.logger, "usage_record", func() {
			r.recorder.Record(model.Model, callType, usage)
		})
	}
	return out, nil
}

func (r *HTTPRequester) buildRequest(model config.ModelConfig, messages []entity.Message,
	tools []entity.ToolSchema, toolChoice any, nameMap *entity.ToolNameMap) *wireRequest {

	req := &wireRequest{
		Model:       model.Model,
		MaxTokens:   model.MaxTokens,
		Temperature: model.Temperature,
		ToolChoice:  toolChoice,
	}
	if model.Thinking {
		req.Thinking = map[string]any{"type": "enabled"}
	}

	for _, msg := range messages {
		wm := wireMessage{
			Role:       msg.Role,
			Content:    msg.Content,
			ToolCallID: msg.ToolCallID,
			Name:       msg.Name,
		}
		// 旧式 reasoning 模型要求后续轮次不回传思维链
		if model.NewStyleReasoning {
			wm.ReasoningContent = msg.ReasoningContent
		}
		for _, tc := range msg.ToolCalls {
			name := tc.Function.Name
			if api, ok := nameMap.InternalToAPI[name]; ok {
				name = api
			}
			wm.ToolCalls = append(wm.ToolCalls, wireToolCall{
				ID:   tc.ID,
				Type: "function",
				Function: wireToolFunc{
					Name:      name,
					Arguments: tc.Function.Arguments,
				},
			})
		}
		req.Messages = append(req.Messages, wm)
	}

	for _, tool := range tools {
		name := tool.Function.Name
		if api, ok := nameMap.InternalToAPI[name]; ok {
			name = api
		}
		req.Tools = append(req.Tools, wireTool{
			Type: "function",
			Function: wireToolFunction{
				Name:        name,
				Description: tool.Function.Description,
				Parameters:  tool.Function.Parameters,
			},
		})
	}
	return req
}

func (r *HTTPRequester) parseResponse(body []byte, messages []entity.Message,
	nameMap *entity.ToolNameMap) (*entity.LLMResponse, error) {

	var apiResp wireResponse
	if err := json.Unmarshal(body, &apiResp); err != nil {
		return nil, apperrors.Wrap(err, apperrors.CodeLLMDecoding, "解析响应失败", 502)
	}
	if len(apiResp.Choices) == 0 {
		return nil, apperrors.New(apperrors.CodeLLMDecoding, "响应缺少 choices", 502)
	}

	choice := apiResp.Choices[0]
	out := &entity.LLMResponse{
		Content:          choice.Message.Content,
		ReasoningContent: choice.Message.ReasoningContent,
		Model:            apiResp.Model,
		ToolNameMap:      nameMap,
	}

	for _, tc := range choice.Message.ToolCalls {
		out.ToolCalls = append(out.ToolCalls, entity.ToolCall{
			ID:   tc.ID,
			Type: "function",
			Function: entity.ToolCallFunc{
				Name:      nameMap.Internal(tc.Function.Name),
				Arguments: tc.Function.Arguments,
			},
		})
	}

	if apiResp.Usage.empty() {
		out.Usage = estimateUsage(messages, choice.Message.Content+choice.Message.ReasoningContent)
	} else {
		out.Usage = apiResp.Usage.normalize()
	}
	return out, nil
}
