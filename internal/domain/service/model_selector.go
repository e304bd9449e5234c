package service

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/69gg/Undefined-sub000/internal/domain/entity"
	"github.com/69gg/Undefined-sub000/internal/infrastructure/config"
	"github.com/69gg/Undefined-sub000/internal/infrastructure/llm"
)

var chooseRe = regexp.MustCompile(`^选\s*(\d+)$`)

type compareTicket struct {
	Models    []string
	ExpiresAt time.Time
}

// ModelSelector 模型池选择器。维护按用户持久化的模型偏好，
// 无偏好时对池做 round_robin；/compare 与 /pk 同题多模型对比后
// 留一张"选 N"票据供用户下一条消息确认偏好。
type ModelSelector struct {
	cfg       ConfigFunc
	requester llm.Requester
	logger    *zap.Logger

	counter atomic.Uint64

	mu      sync.Mutex
	prefs   map[string]string // user:<id> -> 模型名
	tickets map[string]compareTicket
}

// NewModelSelector 创建选择器并加载偏好文件
func NewModelSelector(cfg ConfigFunc, requester llm.Requester, logger *zap.Logger) *ModelSelector {
	s := &ModelSelector{
		cfg:       cfg,
		requester: requester,
		logger:    logger,
		prefs:     make(map[string]string),
		tickets:   make(map[string]compareTicket),
	}
	s.loadPrefs()
	return s
}

func prefKey(userID int64) string { return "user:" + strconv.FormatInt(userID, 10) }

func ticketKey(groupID, userID int64) string {
	return fmt.Sprintf("%d:%d", groupID, userID)
}

func (s *ModelSelector) prefPath() string {
	path := s.cfg().ModelPool.PreferenceFile
	if path == "" {
		path = "data/model_prefs.json"
	}
	return path
}

func (s *ModelSelector) loadPrefs() {
	data, err := os.ReadFile(s.prefPath())
	if err != nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := json.Unmarshal(data, &s.prefs); err != nil {
		s.logger.Warn("模型偏好文件损坏，忽略", zap.Error(err))
		s.prefs = make(map[string]string)
	}
}

// savePrefs 持久化偏好（调用方持锁）
func (s *ModelSelector) savePrefs() {
	data, err := json.MarshalIndent(s.prefs, "", "  ")
	if err != nil {
		return
	}
	path := s.prefPath()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		s.logger.Warn("模型偏好目录创建失败", zap.Error(err))
		return
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err == nil {
		if err := os.Rename(tmp, path); err != nil {
			s.logger.Warn("模型偏好写入失败", zap.Error(err))
		}
	}
}

// pool 返回 primary ⊕ 池内模型，按名字去重，primary 在前
func (s *ModelSelector) pool(primary config.ModelConfig) []config.ModelConfig {
	out := []config.ModelConfig{primary}
	seen := map[string]struct{}{primary.Name: {}}
	for _, m := range s.cfg().ModelPool.Models {
		if _, dup := seen[m.Name]; dup {
			continue
		}
		seen[m.Name] = struct{}{}
		out = append(out, m)
	}
	return out
}

// SelectChatConfig 为一次聊天调用选择模型配置
func (s *ModelSelector) SelectChatConfig(primary config.ModelConfig, groupID, userID int64) config.ModelConfig {
	if !s.cfg().ModelPool.Enabled {
		return primary
	}
	pool := s.pool(primary)

	s.mu.Lock()
	if name, ok := s.prefs[prefKey(userID)]; ok {
		for _, m := range pool {
			if m.Name == name {
				s.mu.Unlock()
				return m
			}
		}
		// 偏好指向的模型已不在池内，清除
		delete(s.prefs, prefKey(userID))
		s.savePrefs()
	}
	s.mu.Unlock()

	idx := s.counter.Add(1) - 1
	return pool[idx%uint64(len(pool))]
}

// Compare 把同一个问题并行发给池内全部模型，返回带序号的预览，
// 并为 (group, user) 留一张限时的"选 N"票据。
func (s *ModelSelector) Compare(ctx context.Context, groupID, userID int64, prompt string) (string, error) {
	cfg := s.cfg()
	pool := s.pool(cfg.LLM.Chat)

	previews := make([]string, len(pool))
	var wg sync.WaitGroup
	for i, m := range pool {
		wg.Add(1)
		i, m := i, m
		go func() {
			defer wg.Done()
			resp, err := s.requester.Chat(ctx, m, "compare", []entity.Message{
				{Role: "user", Content: prompt},
			}, nil, nil)
			if err != nil {
				previews[i] = "error: " + err.Error()
				return
			}
			previews[i] = truncateRunes(strings.TrimSpace(resp.Content), cfg.ModelPool.ComparePreviewChars)
		}()
	}
	wg.Wait()

	names := make([]string, len(pool))
	var b strings.Builder
	b.WriteString("模型对比结果，回复「选 N」记住你的偏好：\n")
	for i, m := range pool {
		names[i] = m.Name
		fmt.Fprintf(&b, "\n【%d】%s\n%s\n", i+1, m.Name, previews[i])
	}

	expire := time.Duration(cfg.ModelPool.CompareExpireSeconds) * time.Second
	if expire <= 0 {
		expire = 5 * time.Minute
	}
	s.mu.Lock()
	s.tickets[ticketKey(groupID, userID)] = compareTicket{
		Models:    names,
		ExpiresAt: time.Now().Add(expire),
	}
	s.mu.Unlock()

	return b.String(), nil
}

// TryChoose 消费"选 N"票据。文本不匹配或票据失效时返回 false。
func (s *ModelSelector) TryChoose(groupID, userID int64, text string) (string, bool) {
	m := chooseRe.FindStringSubmatch(strings.TrimSpace(text))
	if m == nil {
		return "", false
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	key := ticketKey(groupID, userID)
	ticket, ok := s.tickets[key]
	if !ok {
		return "", false
	}
	delete(s.tickets, key)
	if time.Now().After(ticket.ExpiresAt) {
		return "选择已过期，请重新发起 /compare", true
	}

	n, err := strconv.Atoi(m[1])
	if err != nil || n < 1 || n > len(ticket.Models) {
		return fmt.Sprintf("无效的序号，可选 1-%d", len(ticket.Models)), true
	}
	name := ticket.Models[n-1]
	s.prefs[prefKey(userID)] = name
	s.savePrefs()
	return "已记住你的偏好模型：" + name, true
}

func truncateRunes(s string, n int) string {
	if n <= 0 {
		n = 200
	}
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n]) + "…"
}
