package skill

import (
	"sort"
	"sync"

	"github.com/69gg/Undefined-sub000/internal/domain/reqctx"
)

// Handler 技能处理器。代表请求执行，返回给模型看的文本结果。
// 处理器通过 ctx 的资源表取得协作对象，缺失时必须容忍默认值。
type Handler func(ctx *reqctx.Context, args map[string]any) (string, error)

// HandlerTable 按 module_name 注册的处理器表。磁盘技能的 config.json
// 通过 module_name 绑定到这里的 Go 实现（稳定接口 + 整表换入，
// 热重载只换描述符，绑定在下次调用时重查）。
type HandlerTable struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewHandlerTable 创建空处理器表
func NewHandlerTable() *HandlerTable {
	return &HandlerTable{handlers: make(map[string]Handler)}
}

// Register 注册处理器，同名覆盖
func (t *HandlerTable) Register(moduleName string, h Handler) {
	t.mu.Lock()
	t.handlers[moduleName] = h
	t.mu.Unlock()
}

// Lookup 查找处理器
func (t *HandlerTable) Lookup(moduleName string) (Handler, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	h, ok := t.handlers[moduleName]
	return h, ok
}

// Names 返回已注册的模块名，排序后返回
func (t *HandlerTable) Names() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]string, 0, len(t.handlers))
	for name := range t.handlers {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
