package entity

// SkillKind 技能种类
type SkillKind string

const (
	SkillTool    SkillKind = "tool"
	SkillAgent   SkillKind = "agent"
	SkillCommand SkillKind = "command"
)

// Permission 技能权限级别
type Permission string

const (
	PermissionPublic     Permission = "public"
	PermissionAdmin      Permission = "admin"
	PermissionSuperadmin Permission = "superadmin"
)

// RateLimit 按角色区分的冷却秒数，0 表示不限
type RateLimit struct {
	User       int `json:"user"`
	Admin      int `json:"admin"`
	Superadmin int `json:"superadmin"`
}

// SkillDescriptor 磁盘技能描述符。每个技能目录的 config.json 解析为一个描述符，
// name 在同一 kind 内唯一，别名解析到规范名。
type SkillDescriptor struct {
	Name        string         `json:"name"`
	Kind        SkillKind      `json:"-"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters,omitempty"`
	Usage       string         `json:"usage,omitempty"`
	Example     string         `json:"example,omitempty"`
	Permission  Permission     `json:"permission,omitempty"`
	RateLimit   RateLimit      `json:"rate_limit,omitempty"`
	ShowInHelp  bool           `json:"show_in_help,omitempty"`
	Order       int            `json:"order,omitempty"`
	Aliases     []string       `json:"aliases,omitempty"`
	ModuleName  string         `json:"module_name,omitempty"`

	// 加载器填充的路径信息
	Dir         string `json:"-"`
	HandlerPath string `json:"-"`
	PromptPath  string `json:"-"` // agents/<name>/prompt.md（可选）
	MCPPath     string `json:"-"` // agents/<name>/mcp.json（可选）
	DocPath     string `json:"-"` // commands/<name>/README.md（可选）
}

// ToolSchema OpenAI 兼容的工具 schema
type ToolSchema struct {
	Type     string         `json:"type"`
	Function FunctionSchema `json:"function"`
}

// FunctionSchema 工具的 function 块
type FunctionSchema struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}
