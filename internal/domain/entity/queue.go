package entity

import "time"

// RequestKind 请求种类
type RequestKind string

const (
	KindAutoReply            RequestKind = "auto_reply"
	KindPrivateReply         RequestKind = "private_reply"
	KindStatsAnalysis        RequestKind = "stats_analysis"
	KindAgentIntroGeneration RequestKind = "agent_intro_generation"
)

// Lane 请求优先级通道
type Lane int

const (
	LaneSuperadmin Lane = iota
	LanePrivate
	LaneGroupMention
	LaneGroupNormal
	laneCount
)

// LaneCount 通道数量
const LaneCount = int(laneCount)

// String 返回通道名
func (l Lane) String() string {
	switch l {
	case LaneSuperadmin:
		return "superadmin"
	case LanePrivate:
		return "private"
	case LaneGroupMention:
		return "group_mention"
	case LaneGroupNormal:
		return "group_normal"
	}
	return "unknown"
}

// QueueItem 一条已分类、等待调度的请求
type QueueItem struct {
	Kind       RequestKind
	Lane       Lane
	Payload    any
	EnqueuedAt time.Time
}
