package reqctx

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Kind 请求类型
type Kind string

const (
	KindGroup     Kind = "group"
	KindPrivate   Kind = "private"
	KindScheduled Kind = "scheduled"
)

// 核心组件使用的资源键。技能处理器通过 Get(key, default) 读取，
// 不存在时必须拿到 default 而不是 panic（技能可移植性约束）。
const (
	ResAIClient            = "ai_client"
	ResSender              = "sender"
	ResHistoryManager      = "history_manager"
	ResOneBotClient        = "onebot_client"
	ResScheduler           = "scheduler"
	ResRuntimeConfig       = "runtime_config"
	ResSendMessageCallback = "send_message_callback"
	ResRecentReplies       = "recent_replies"
	ResMessageSentThisTurn = "message_sent_this_turn"
	ResAgentHistories      = "agent_histories"
	ResPrefetchTools       = "prefetch_tools"
	ResConversationEnded   = "conversation_ended"
	ResEndSeq              = "end_seq"
	ResCognitiveQueue      = "cognitive_queue"
	ResEndDedup            = "end_dedup"
	ResMemoryQuery         = "memory_query"
)

var requestSeq atomic.Uint64

// resourceTable 资源表。Fork 出的子上下文与父共享同一张表，
// 使子任务天然继承父请求作用域（任务局部变量的继承语义）。
type resourceTable struct {
	mu sync.RWMutex
	m  map[string]any
}

// Context 单个已受理请求的环境状态：身份、资源表、取消语义。
// 它实现 context.Context，作为第一参数显式传入所有代表本请求执行的代码
// （任务局部变量在 Go 中的对应做法）。
type Context struct {
	parent context.Context
	cancel context.CancelFunc

	Kind      Kind
	GroupID   int64
	UserID    int64
	SenderID  int64
	RequestID string

	res *resourceTable
}

// New 创建请求上下文。RequestID 单调递增并带随机后缀。
func New(parent context.Context, kind Kind, groupID, userID, senderID int64) *Context {
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithCancel(parent)
	seq := requestSeq.Add(1)
	return &Context{
		parent:    ctx,
		cancel:    cancel,
		Kind:      kind,
		GroupID:   groupID,
		UserID:    userID,
		SenderID:  senderID,
		RequestID: fmt.Sprintf("req-%08d-%s", seq, uuid.NewString()[:8]),
		res:       &resourceTable{m: make(map[string]any)},
	}
}

// --- context.Context ---

func (c *Context) Deadline() (time.Time, bool) { return c.parent.Deadline() }
func (c *Context) Done() <-chan struct{}       { return c.parent.Done() }
func (c *Context) Err() error                  { return c.parent.Err() }
func (c *Context) Value(key any) any           { return c.parent.Value(key) }

// --- resources ---

// Set 写入资源，同一作用域内 last-write-wins
func (c *Context) Set(key string, value any) {
	c.res.mu.Lock()
	c.res.m[key] = value
	c.res.mu.Unlock()
}

// Get 读取资源，不存在时返回 def
func (c *Context) Get(key string, def any) any {
	c.res.mu.RLock()
	defer c.res.mu.RUnlock()
	if v, ok := c.res.m[key]; ok {
		return v
	}
	return def
}

// Lookup 读取资源并报告是否存在
func (c *Context) Lookup(key string) (any, bool) {
	c.res.mu.RLock()
	defer c.res.mu.RUnlock()
	v, ok := c.res.m[key]
	return v, ok
}

// GetBool 读取布尔资源
func (c *Context) GetBool(key string) bool {
	v, _ := c.Get(key, false).(bool)
	return v
}

// GetString 读取字符串资源
func (c *Context) GetString(key string, def string) string {
	if v, ok := c.Get(key, def).(string); ok {
		return v
	}
	return def
}

// Fork 创建子上下文：共享父的资源表（作用域继承），但持有独立的取消。
// 取消父上下文会级联取消所有子上下文。
func (c *Context) Fork() *Context {
	ctx, cancel := context.WithCancel(c.parent)
	return &Context{
		parent:    ctx,
		cancel:    cancel,
		Kind:      c.Kind,
		GroupID:   c.GroupID,
		UserID:    c.UserID,
		SenderID:  c.SenderID,
		RequestID: c.RequestID,
		res:       c.res,
	}
}

// Detach 创建拷贝了资源表快照的独立子上下文，之后的写互不可见
func (c *Context) Detach() *Context {
	child := c.Fork()
	child.res = &resourceTable{m: c.Snapshot()}
	return child
}

// Snapshot 返回资源表的浅拷贝
func (c *Context) Snapshot() map[string]any {
	c.res.mu.RLock()
	defer c.res.mu.RUnlock()
	out := make(map[string]any, len(c.res.m))
	for k, v := range c.res.m {
		out[k] = v
	}
	return out
}

// Release 取消并释放本作用域持有的资源。请求结束后由创建方调用，
// 资源不做全局引用计数。
func (c *Context) Release() {
	c.cancel()
	c.res.mu.Lock()
	c.res.m = make(map[string]any)
	c.res.mu.Unlock()
}

// SessionKey 会话键：group:<id> 或 private:<id>
func (c *Context) SessionKey() string {
	if c.GroupID != 0 {
		return fmt.Sprintf("group:%d", c.GroupID)
	}
	return fmt.Sprintf("private:%d", c.UserID)
}
