package storage

import "context"

// Manager 历史 + 摘要的组合视图，作为 history_manager 资源
// 放进请求上下文，技能处理器按最小接口断言使用。
type Manager struct {
	History   *HistoryStore
	Summaries *SummaryStore
}

// NewManager 创建组合视图
func NewManager(history *HistoryStore, summaries *SummaryStore) *Manager {
	return &Manager{History: history, Summaries: summaries}
}

// AppendEndSummary 代理到摘要存储（end 工具使用）
func (m *Manager) AppendEndSummary(ctx context.Context, sessionKey, summary string) (int64, error) {
	return m.Summaries.AppendEndSummary(ctx, sessionKey, summary)
}
