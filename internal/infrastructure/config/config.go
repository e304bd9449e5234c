package config

import "time"

// Config 应用配置快照。由 Manager 从 config.toml 读取，
// 消费方持有值拷贝，热重载通过 Subscribe 推送新快照。
type Config struct {
	Bot       BotConfig       `mapstructure:"bot"`
	OneBot    OneBotConfig    `mapstructure:"onebot"`
	LLM       LLMConfig       `mapstructure:"llm"`
	ModelPool ModelPoolConfig `mapstructure:"model_pool"`
	Queue     QueueConfig     `mapstructure:"queue"`
	Loop      LoopConfig      `mapstructure:"loop"`
	Skills    SkillsConfig    `mapstructure:"skills"`
	Cognitive CognitiveConfig `mapstructure:"cognitive"`
	Security  SecurityConfig  `mapstructure:"security"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Ops       OpsConfig       `mapstructure:"ops"`
	Log       LogConfig       `mapstructure:"log"`
}

// BotConfig 机器人身份配置
type BotConfig struct {
	SelfID      int64   `mapstructure:"self_id"`      // 机器人 QQ 号
	Names       []string `mapstructure:"names"`        // 被呼叫的名字
	Superadmins []int64 `mapstructure:"superadmins"`  // 超管 QQ 号
	Admins      []int64 `mapstructure:"admins"`       // 管理员 QQ 号
	Timezone    string  `mapstructure:"timezone"`     // 如 Asia/Shanghai
}

// OneBotConfig OneBot WebSocket 对端配置
type OneBotConfig struct {
	URL           string        `mapstructure:"url"`            // ws://host:port
	AccessToken   string        `mapstructure:"access_token"`
	ReconnectWait time.Duration `mapstructure:"reconnect_wait"` // 断线重连等待
	CallTimeout   time.Duration `mapstructure:"call_timeout"`   // API 调用超时
}

// ModelConfig 单个模型端点配置
type ModelConfig struct {
	Name              string `mapstructure:"name"`       // 池内唯一名
	BaseURL           string `mapstructure:"base_url"`
	APIKey            string `mapstructure:"api_key"`
	Model             string `mapstructure:"model"`
	MaxTokens         int    `mapstructure:"max_tokens"`
	Thinking          bool   `mapstructure:"thinking"`            // 请求体携带 thinking 字段
	NewStyleReasoning bool   `mapstructure:"new_style_reasoning"` // 回写 assistant 消息需带 reasoning_content
	Temperature       float64 `mapstructure:"temperature"`
}

// LLMConfig 各职责模型配置
type LLMConfig struct {
	Chat      ModelConfig `mapstructure:"chat"`
	Vision    ModelConfig `mapstructure:"vision"`
	Security  ModelConfig `mapstructure:"security"`
	Agent     ModelConfig `mapstructure:"agent"`
	Embedding ModelConfig `mapstructure:"embedding"`
	Rerank    ModelConfig `mapstructure:"rerank"`
}

// ModelPoolConfig 可选模型池（/compare、/pk、按用户偏好）
type ModelPoolConfig struct {
	Enabled              bool          `mapstructure:"enabled"`
	Strategy             string        `mapstructure:"strategy"` // round_robin
	Models               []ModelConfig `mapstructure:"models"`
	PreferenceFile       string        `mapstructure:"preference_file"`
	CompareExpireSeconds int           `mapstructure:"compare_expire_seconds"`
	ComparePreviewChars  int           `mapstructure:"compare_preview_chars"`
}

// QueueConfig 请求队列配置
type QueueConfig struct {
	AIInterval time.Duration `mapstructure:"ai_interval"` // 出队间隔，默认 1s
}

// LoopConfig LLM 循环配置
type LoopConfig struct {
	MaxIterations int `mapstructure:"max_iterations"` // 默认 1000
}

// SkillsConfig 技能目录配置
type SkillsConfig struct {
	Root              string        `mapstructure:"root"`
	ReloadInterval    time.Duration `mapstructure:"reload_interval"`
	PrefetchTools     []string      `mapstructure:"prefetch_tools"`
	PrefetchToolsHide bool          `mapstructure:"prefetch_tools_hide"`
}

// CognitiveConfig 认知记忆配置
type CognitiveConfig struct {
	Root              string        `mapstructure:"root"`
	JobMaxRetries     int           `mapstructure:"job_max_retries"`
	RewriteMaxRetry   int           `mapstructure:"rewrite_max_retry"`
	StaleTimeout      time.Duration `mapstructure:"stale_timeout"`
	FailedMaxAge      time.Duration `mapstructure:"failed_max_age"`
	FailedMaxCount    int           `mapstructure:"failed_max_count"`
	ProfileHistoryCap int           `mapstructure:"profile_history_cap"`
	EventTopK         int           `mapstructure:"event_top_k"`
	EndSummaryMax     int           `mapstructure:"end_summary_max"`
}

// SecurityConfig 注入检测配置
type SecurityConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	Placeholder string `mapstructure:"placeholder"` // 命中后改写历史的占位文本
}

// StorageConfig 持久化配置
type StorageConfig struct {
	Type string `mapstructure:"type"` // sqlite / postgres
	DSN  string `mapstructure:"dsn"`
}

// OpsConfig 运维 HTTP 面板配置
type OpsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
}

// LogConfig 日志配置
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	Output string `mapstructure:"output"`
}

// Default 返回内置默认配置
func Default() Config {
	return Config{
		Bot: BotConfig{Timezone: "Asia/Shanghai"},
		OneBot: OneBotConfig{
			ReconnectWait: 3 * time.Second,
			CallTimeout:   30 * time.Second,
		},
		ModelPool: ModelPoolConfig{
			Strategy:             "round_robin",
			CompareExpireSeconds: 300,
			ComparePreviewChars:  200,
		},
		Queue: QueueConfig{AIInterval: time.Second},
		Loop:  LoopConfig{MaxIterations: 1000},
		Skills: SkillsConfig{
			Root:           "skills",
			ReloadInterval: 5 * time.Second,
		},
		Cognitive: CognitiveConfig{
			Root:              "cognitive",
			JobMaxRetries:     3,
			RewriteMaxRetry:   2,
			StaleTimeout:      10 * time.Minute,
			FailedMaxAge:      7 * 24 * time.Hour,
			FailedMaxCount:    200,
			ProfileHistoryCap: 20,
			EventTopK:         5,
			EndSummaryMax:     10,
		},
		Security: SecurityConfig{Placeholder: "[消息因安全策略被移除]"},
		Storage:  StorageConfig{Type: "sqlite", DSN: "undefined.db"},
		Ops:      OpsConfig{Addr: "127.0.0.1:8642"},
		Log:      LogConfig{Level: "info", Format: "json", Output: "stdout"},
	}
}
