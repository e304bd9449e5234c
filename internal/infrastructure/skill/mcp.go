package skill

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	mcpclient "github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	mcpgo "github.com/mark3labs/mcp-go/mcp"
	"go.uber.org/zap"

	"github.com/69gg/Undefined-sub000/internal/domain/entity"
	apperrors "github.com/69gg/Undefined-sub000/pkg/errors"
)

// MCPConfig agents/<name>/mcp.json 的内容
type MCPConfig struct {
	Transport string            `json:"transport,omitempty"` // stdio / sse / streamable-http
	Command   string            `json:"command,omitempty"`
	Args      []string          `json:"args,omitempty"`
	Env       map[string]string `json:"env,omitempty"`
	URL       string            `json:"url,omitempty"`
	Headers   map[string]string `json:"headers,omitempty"`
}

// MCPSession 单次 agent 调用期间的 MCP 会话。工具只在
// call-type 为 agent:<name> 时并入 schema，调用返回后 Close 拆除。
type MCPSession struct {
	agent  string
	client *mcpclient.Client
	tools  []mcpgo.Tool
	logger *zap.Logger
}

const mcpInitTimeout = 15 * time.Second

// OpenMCPSession 读取 agent 的 mcp.json，建立连接并发现工具
func OpenMCPSession(ctx context.Context, agentName, mcpPath string, logger *zap.Logger) (*MCPSession, error) {
	data, err := os.ReadFile(mcpPath)
	if err != nil {
		return nil, fmt.Errorf("read mcp.json: %w", err)
	}
	var cfg MCPConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse mcp.json: %w", err)
	}

	cli, err := newMCPClient(cfg)
	if err != nil {
		return nil, err
	}

	initCtx, cancel := context.WithTimeout(ctx, mcpInitTimeout)
	defer cancel()

	if err := cli.Start(initCtx); err != nil {
		_ = cli.Close()
		return nil, fmt.Errorf("start mcp client: %w", err)
	}

	initReq := mcpgo.InitializeRequest{}
	initReq.Params.ProtocolVersion = "2024-11-05"
	initReq.Params.ClientInfo = mcpgo.Implementation{Name: "undefined-bot", Version: "1.0.0"}
	if _, err := cli.Initialize(initCtx, initReq); err != nil {
		_ = cli.Close()
		return nil, fmt.Errorf("initialize mcp: %w", err)
	}

	listResp, err := cli.ListTools(initCtx, mcpgo.ListToolsRequest{})
	if err != nil {
		_ = cli.Close()
		return nil, fmt.Errorf("list mcp tools: %w", err)
	}

	logger.Info("MCP session opened",
		zap.String("agent", agentName),
		zap.Int("tool_count", len(listResp.Tools)),
	)
	return &MCPSession{
		agent:  agentName,
		client: cli,
		tools:  listResp.Tools,
		logger: logger,
	}, nil
}

func newMCPClient(cfg MCPConfig) (*mcpclient.Client, error) {
	switch {
	case cfg.Command != "" || cfg.Transport == "stdio":
		env := make([]string, 0, len(cfg.Env))
		for k, v := range cfg.Env {
			env = append(env, k+"="+v)
		}
		return mcpclient.NewStdioMCPClient(cfg.Command, env, cfg.Args...)
	case cfg.Transport == "sse":
		var opts []transport.ClientOption
		if len(cfg.Headers) > 0 {
			opts = append(opts, mcpclient.WithHeaders(cfg.Headers))
		}
		return mcpclient.NewSSEMCPClient(cfg.URL, opts...)
	case cfg.URL != "":
		var opts []transport.StreamableHTTPCOption
		if len(cfg.Headers) > 0 {
			opts = append(opts, transport.WithHTTPHeaders(cfg.Headers))
		}
		return mcpclient.NewStreamableHttpClient(cfg.URL, opts...)
	default:
		return nil, fmt.Errorf("mcp.json needs command or url")
	}
}

// Schema 已发现工具的 OpenAI 兼容 schema
func (s *MCPSession) Schema() []entity.ToolSchema {
	out := make([]entity.ToolSchema, 0, len(s.tools))
	for _, t := range s.tools {
		var params map[string]any
		if data, err := json.Marshal(t.InputSchema); err == nil {
			_ = json.Unmarshal(data, &params)
		}
		if params == nil {
			params = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		out = append(out, entity.ToolSchema{
			Type: "function",
			Function: entity.FunctionSchema{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  params,
			},
		})
	}
	return out
}

// Has 报告本会话是否提供该工具
func (s *MCPSession) Has(name string) bool {
	for _, t := range s.tools {
		if t.Name == name {
			return true
		}
	}
	return false
}

// Call 调用会话里的 MCP 工具，拼接全部文本内容返回
func (s *MCPSession) Call(ctx context.Context, name string, args map[string]any) (string, error) {
	req := mcpgo.CallToolRequest{}
	req.Params.Name = name
	req.Params.Arguments = args

	resp, err := s.client.CallTool(ctx, req)
	if err != nil {
		return "", apperrors.Wrap(err, apperrors.CodeToolExecution, "MCP 工具调用失败", 500)
	}

	var parts []string
	for _, content := range resp.Content {
		if tc, ok := content.(mcpgo.TextContent); ok {
			parts = append(parts, tc.Text)
		}
	}
	text := strings.Join(parts, "")
	if resp.IsError {
		return "", apperrors.New(apperrors.CodeToolExecution, "MCP 工具报错: "+text, 500)
	}
	return text, nil
}

// Close 拆除会话
func (s *MCPSession) Close() {
	if s.client != nil {
		if err := s.client.Close(); err != nil {
			s.logger.Warn("MCP session close failed", zap.String("agent", s.agent), zap.Error(err))
		}
	}
}
