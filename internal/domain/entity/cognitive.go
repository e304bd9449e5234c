package entity

import (
	"encoding/json"
	"time"
)

// ProfileTarget 历史官需要维护合并画像的 (实体类型, 实体 ID, 视角) 三元组
type ProfileTarget struct {
	EntityType    string `json:"entity_type"` // user / group
	EntityID      int64  `json:"entity_id"`
	Perspective   string `json:"perspective,omitempty"`
	PreferredName string `json:"preferred_name,omitempty"`
}

// CognitiveJob 认知记忆任务。end 工具在回复结束时投递，
// 历史官 worker 逐条消费：绝对化改写 → 事件入库 → 画像合并。
//
// 字段兼容：旧版使用 action_summary / new_info / has_new_info，
// 读取时两套都认，写出时只使用新名。
type CognitiveJob struct {
	JobID          string          `json:"job_id"`
	RequestID      string          `json:"request_id"`
	EndSeq         int             `json:"end_seq"`
	TimestampEpoch int64           `json:"timestamp_epoch"`
	Timezone       string          `json:"timezone,omitempty"`
	Memo           string          `json:"memo,omitempty"`
	Observations   []string        `json:"observations,omitempty"`
	ProfileTargets []ProfileTarget `json:"profile_targets,omitempty"`
	Perspective    string          `json:"perspective,omitempty"`
	Force          bool            `json:"force,omitempty"`
	RecentMessages []string        `json:"recent_messages,omitempty"`
	SourceMessage  string          `json:"source_message,omitempty"`

	// 身份上下文，绝对化门使用（已出现过的数字 ID 不算流失）
	UserID     int64   `json:"user_id,omitempty"`
	GroupID    int64   `json:"group_id,omitempty"`
	SenderID   int64   `json:"sender_id,omitempty"`
	MessageIDs []int64 `json:"message_ids,omitempty"`

	RetryCount int `json:"_retry_count,omitempty"`
}

// cognitiveJobAlias 避免 UnmarshalJSON 递归
type cognitiveJobAlias CognitiveJob

type cognitiveJobWire struct {
	cognitiveJobAlias

	// 旧字段名，仅读取
	ActionSummary string   `json:"action_summary,omitempty"`
	NewInfo       []string `json:"new_info,omitempty"`
}

// UnmarshalJSON 读取时同时接受新旧字段名
func (j *CognitiveJob) UnmarshalJSON(data []byte) error {
	var wire cognitiveJobWire
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	*j = CognitiveJob(wire.cognitiveJobAlias)
	if j.Memo == "" && wire.ActionSummary != "" {
		j.Memo = wire.ActionSummary
	}
	if len(j.Observations) == 0 && len(wire.NewInfo) > 0 {
		j.Observations = wire.NewInfo
	}
	return nil
}

// HasObservations 是否携带新事实
func (j *CognitiveJob) HasObservations() bool {
	return len(j.Observations) > 0
}

// Time 返回任务时间（按任务时区，解析失败回退 Local）
func (j *CognitiveJob) Time() time.Time {
	t := time.Unix(j.TimestampEpoch, 0)
	if j.Timezone == "" {
		return t.Local()
	}
	loc, err := time.LoadLocation(j.Timezone)
	if err != nil {
		return t.Local()
	}
	return t.In(loc)
}

// Event 向量库中的一条规范事件
type Event struct {
	EventID  string        `json:"event_id"`
	Text     string        `json:"text"`
	Metadata EventMetadata `json:"metadata"`
}

// EventMetadata 事件元数据
type EventMetadata struct {
	UserID          int64  `json:"user_id,omitempty"`
	GroupID         int64  `json:"group_id,omitempty"`
	SenderID        int64  `json:"sender_id,omitempty"`
	RequestType     string `json:"request_type,omitempty"`
	TimestampEpoch  int64  `json:"timestamp_epoch"`
	TimestampText   string `json:"timestamp_text,omitempty"`
	MessageIDs      []int64 `json:"message_ids,omitempty"`
	Perspective     string `json:"perspective,omitempty"`
	SchemaVersion   int    `json:"schema_version"`
	HasObservations bool   `json:"has_observations"`
	IsAbsolute      bool   `json:"is_absolute"`
}

// ProfileFrontmatter 画像文件的 YAML frontmatter
type ProfileFrontmatter struct {
	EntityType    string    `yaml:"entity_type"`
	EntityID      int64     `yaml:"entity_id"`
	Name          string    `yaml:"name"`
	Tags          []string  `yaml:"tags"`
	UpdatedAt     time.Time `yaml:"updated_at"`
	SourceEventID string    `yaml:"source_event_id"`
}

// Profile 一个实体的合并画像：frontmatter + markdown 正文
type Profile struct {
	Frontmatter ProfileFrontmatter
	Body        string
}

// EndSummary end 工具写入的一条行动摘要
type EndSummary struct {
	SessionKey string    `json:"session_key"` // group:<id> / private:<id>
	RequestID  string    `json:"request_id"`
	Summary    string    `json:"summary"`
	CreatedAt  time.Time `json:"created_at"`
}
