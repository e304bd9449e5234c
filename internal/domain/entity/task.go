package entity

// TaskMode 定时任务模式
type TaskMode string

const (
	TaskModeSingle   TaskMode = "single"    // 单个工具 + 参数
	TaskModeMulti    TaskMode = "multi"     // 工具批，serial 或 parallel
	TaskModeSelfCall TaskMode = "self_call" // 以系统视角驱动一次 LLM 循环
)

// ExecutionMode multi 模式下工具批的执行方式
type ExecutionMode string

const (
	ExecutionSerial   ExecutionMode = "serial"
	ExecutionParallel ExecutionMode = "parallel"
)

// ToolStep multi 任务中的一步
type ToolStep struct {
	Tool string         `json:"tool"`
	Args map[string]any `json:"args,omitempty"`
}

// ScheduledTask 定时任务记录。以 JSON 文档持久化，task_id 幂等。
type ScheduledTask struct {
	TaskID            string        `json:"task_id"`
	Cron              string        `json:"cron"`
	TargetID          int64         `json:"target_id,omitempty"`
	TargetType        string        `json:"target_type,omitempty"` // group / private
	TaskName          string        `json:"task_name,omitempty"`
	MaxExecutions     int           `json:"max_executions,omitempty"` // 0 表示不限
	CurrentExecutions int           `json:"current_executions"`
	Mode              TaskMode      `json:"mode"`

	// single
	Tool string         `json:"tool,omitempty"`
	Args map[string]any `json:"args,omitempty"`

	// multi
	Tools         []ToolStep    `json:"tools,omitempty"`
	ExecutionMode ExecutionMode `json:"execution_mode,omitempty"`

	// self_call
	SelfInstruction string `json:"self_instruction,omitempty"`
}
