package prompt

import (
	"bytes"
	"context"
	"encoding/xml"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/69gg/Undefined-sub000/internal/domain/entity"
)

// Turn 当前这条触发回复的消息，渲染为转义后的 XML 用户轮
type Turn struct {
	Sender    string
	SenderID  int64
	GroupID   int64
	GroupName string
	Location  string // group / private
	Role      string // owner / admin / member
	Title     string
	Time      string
	Text      string
}

// HistoryFunc 取最近历史块的回调，由装配层提供
type HistoryFunc func(ctx context.Context, sessionKey string, limit int) (string, error)

// CognitiveFunc 取认知记忆块（画像 + top-K 相关事件）的回调
type CognitiveFunc func(ctx context.Context, sessionKey, query string) (string, error)

// RecapFunc 取本会话最近 N 条行动摘要的回调
type RecapFunc func(ctx context.Context, sessionKey string, n int) ([]string, error)

// Builder 组装一次请求的消息数组。只产出 system 和 user 两种角色，
// assistant / tool 轮由循环在后续追加。
type Builder struct {
	persona      string
	historyLimit int
	recapMax     int
	history      HistoryFunc
	cognitive    CognitiveFunc
	recap        RecapFunc
	logger       *zap.Logger
}

// Options Builder 的装配参数。回调可为 nil，对应块省略。
type Options struct {
	Persona      string
	HistoryLimit int
	RecapMax     int
	History      HistoryFunc
	Cognitive    CognitiveFunc
	Recap        RecapFunc
}

// NewBuilder 创建提示词构建器
func NewBuilder(opts Options, logger *zap.Logger) *Builder {
	if opts.HistoryLimit <= 0 {
		opts.HistoryLimit = 30
	}
	if opts.RecapMax <= 0 {
		opts.RecapMax = 5
	}
	return &Builder{
		persona:      opts.Persona,
		historyLimit: opts.HistoryLimit,
		recapMax:     opts.RecapMax,
		history:      opts.History,
		cognitive:    opts.Cognitive,
		recap:        opts.Recap,
		logger:       logger.With(zap.String("component", "prompt_builder")),
	}
}

// Build 组装消息数组：system（人格 + 记忆块 + 摘要回顾），
// user（历史块 + 当前轮 XML）。
func (b *Builder) Build(ctx context.Context, sessionKey string, turn Turn) []entity.Message {
	var system strings.Builder
	system.WriteString(b.persona)

	if b.cognitive != nil {
		block, err := b.cognitive(ctx, sessionKey, turn.Text)
		if err != nil {
			b.logger.Warn("Cognitive block unavailable", zap.Error(err))
		} else if block != "" {
			system.WriteString("\n\n## 长期记忆\n\n")
			system.WriteString(block)
		}
	}

	if b.recap != nil {
		summaries, err := b.recap(ctx, sessionKey, b.recapMax)
		if err != nil {
			b.logger.Warn("End summary recap unavailable", zap.Error(err))
		} else if len(summaries) > 0 {
			system.WriteString("\n\n## 近期行动摘要\n\n")
			for _, s := range summaries {
				system.WriteString("- ")
				system.WriteString(s)
				system.WriteByte('\n')
			}
		}
	}

	var user strings.Builder
	if b.history != nil {
		block, err := b.history(ctx, sessionKey, b.historyLimit)
		if err != nil {
			b.logger.Warn("History block unavailable", zap.Error(err))
		} else if block != "" {
			user.WriteString("## 最近对话\n\n")
			user.WriteString(block)
			user.WriteString("\n\n")
		}
	}
	user.WriteString(RenderTurn(turn))

	return []entity.Message{
		{Role: "system", Content: system.String()},
		{Role: "user", Content: user.String()},
	}
}

// RenderTurn 把当前轮渲染为 XML。全部属性和正文都转义，
// 调用方控制的字符串绝不未转义插入。
func RenderTurn(t Turn) string {
	var b strings.Builder
	b.WriteString("<message")
	writeAttr(&b, "sender", t.Sender)
	writeAttr(&b, "sender_id", fmt.Sprintf("%d", t.SenderID))
	if t.GroupID != 0 {
		writeAttr(&b, "group_id", fmt.Sprintf("%d", t.GroupID))
	}
	if t.GroupName != "" {
		writeAttr(&b, "group_name", t.GroupName)
	}
	writeAttr(&b, "location", t.Location)
	if t.Role != "" {
		writeAttr(&b, "role", t.Role)
	}
	if t.Title != "" {
		writeAttr(&b, "title", t.Title)
	}
	writeAttr(&b, "time", t.Time)
	b.WriteString(">")
	b.WriteString(escapeXML(t.Text))
	b.WriteString("</message>")
	return b.String()
}

func writeAttr(b *strings.Builder, key, value string) {
	b.WriteByte(' ')
	b.WriteString(key)
	b.WriteString(`="`)
	b.WriteString(escapeXML(value))
	b.WriteByte('"')
}

func escapeXML(s string) string {
	var buf bytes.Buffer
	if err := xml.EscapeText(&buf, []byte(s)); err != nil {
		return ""
	}
	return buf.String()
}
