package skill

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/69gg/Undefined-sub000/internal/domain/entity"
	"github.com/69gg/Undefined-sub000/internal/domain/reqctx"
	apperrors "github.com/69gg/Undefined-sub000/pkg/errors"
)

// Registry 单一 kind 的技能注册表。磁盘扫描构建 name→描述符 与
// alias→name 两张映射，重载时整体原子换入，读侧永远看到完整快照。
type Registry struct {
	kind     entity.SkillKind
	root     string
	handlers *HandlerTable
	logger   *zap.Logger

	mu      sync.RWMutex
	byName  map[string]*entity.SkillDescriptor // key 为小写规范名
	byAlias map[string]string                  // 小写别名 → 小写规范名
}

// NewRegistry 创建注册表并做首次扫描。root 不存在不算错误（空表）。
func NewRegistry(kind entity.SkillKind, root string, handlers *HandlerTable, logger *zap.Logger) *Registry {
	r := &Registry{
		kind:     kind,
		root:     root,
		handlers: handlers,
		logger:   logger.With(zap.String("component", "skill_registry"), zap.String("kind", string(kind))),
		byName:   make(map[string]*entity.SkillDescriptor),
		byAlias:  make(map[string]string),
	}
	r.Reload()
	return r
}

// Root 返回扫描根目录
func (r *Registry) Root() string { return r.root }

// Reload 重新扫描根目录并原子换入新映射
func (r *Registry) Reload() {
	byName, byAlias := r.scan()
	r.mu.Lock()
	r.byName = byName
	r.byAlias = byAlias
	r.mu.Unlock()
	r.logger.Info("Skills loaded", zap.Int("count", len(byName)))
}

func (r *Registry) scan() (map[string]*entity.SkillDescriptor, map[string]string) {
	byName := make(map[string]*entity.SkillDescriptor)
	byAlias := make(map[string]string)

	entries, err := os.ReadDir(r.root)
	if err != nil {
		if !os.IsNotExist(err) {
			r.logger.Warn("Skill root unreadable", zap.String("root", r.root), zap.Error(err))
		}
		return byName, byAlias
	}

	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		dir := filepath.Join(r.root, e.Name())
		desc, err := r.loadDescriptor(dir)
		if err != nil {
			r.logger.Warn("Skipping skill dir", zap.String("dir", dir), zap.Error(err))
			continue
		}

		key := strings.ToLower(desc.Name)
		if prev, ok := byName[key]; ok {
			r.logger.Warn("Duplicate skill name, keeping first-seen",
				zap.String("name", desc.Name),
				zap.String("kept", prev.Dir),
				zap.String("dropped", dir),
			)
			continue
		}
		byName[key] = desc

		for _, alias := range desc.Aliases {
			ak := strings.ToLower(alias)
			if prev, ok := byAlias[ak]; ok {
				r.logger.Warn("Alias conflict, keeping first-seen",
					zap.String("alias", alias),
					zap.String("kept", prev),
					zap.String("dropped", key),
				)
				continue
			}
			byAlias[ak] = key
		}
	}
	return byName, byAlias
}

func (r *Registry) loadDescriptor(dir string) (*entity.SkillDescriptor, error) {
	cfgPath := filepath.Join(dir, "config.json")
	data, err := os.ReadFile(cfgPath)
	if err != nil {
		return nil, fmt.Errorf("read config.json: %w", err)
	}

	var desc entity.SkillDescriptor
	if err := json.Unmarshal(data, &desc); err != nil {
		return nil, fmt.Errorf("parse config.json: %w", err)
	}
	if desc.Name == "" {
		desc.Name = filepath.Base(dir)
	}
	if desc.ModuleName == "" {
		desc.ModuleName = desc.Name
	}
	if desc.Permission == "" {
		desc.Permission = entity.PermissionPublic
	}

	desc.Kind = r.kind
	desc.Dir = dir
	desc.HandlerPath = firstExisting(dir, "handler.go", "handler.py", "handler.js")
	if r.kind == entity.SkillAgent {
		desc.PromptPath = firstExisting(dir, "prompt.md")
		desc.MCPPath = firstExisting(dir, "mcp.json")
	}
	if r.kind == entity.SkillCommand {
		desc.DocPath = firstExisting(dir, "README.md")
	}
	return &desc, nil
}

func firstExisting(dir string, names ...string) string {
	for _, n := range names {
		p := filepath.Join(dir, n)
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// Resolve 按名字或别名解析描述符，大小写不敏感
func (r *Registry) Resolve(nameOrAlias string) (*entity.SkillDescriptor, bool) {
	key := strings.ToLower(nameOrAlias)
	r.mu.RLock()
	defer r.mu.RUnlock()
	if desc, ok := r.byName[key]; ok {
		return desc, true
	}
	if canonical, ok := r.byAlias[key]; ok {
		if desc, ok := r.byName[canonical]; ok {
			return desc, true
		}
	}
	return nil, false
}

// All 返回全部描述符，(order, name) 排序
func (r *Registry) All() []*entity.SkillDescriptor {
	r.mu.RLock()
	out := make([]*entity.SkillDescriptor, 0, len(r.byName))
	for _, d := range r.byName {
		out = append(out, d)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Order != out[j].Order {
			return out[i].Order < out[j].Order
		}
		return out[i].Name < out[j].Name
	})
	return out
}

// Schema 导出 OpenAI 兼容的工具列表，(order, name) 排序
func (r *Registry) Schema() []entity.ToolSchema {
	descs := r.All()
	out := make([]entity.ToolSchema, 0, len(descs))
	for _, d := range descs {
		params := d.Parameters
		if params == nil {
			params = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		out = append(out, entity.ToolSchema{
			Type: "function",
			Function: entity.FunctionSchema{
				Name:        d.Name,
				Description: d.Description,
				Parameters:  params,
			},
		})
	}
	return out
}

// Execute 执行技能。处理器按 module_name 延迟绑定，
// 未注册的模块名是 TOOL_EXECUTION 错误。
func (r *Registry) Execute(ctx *reqctx.Context, desc *entity.SkillDescriptor, args map[string]any) (string, error) {
	h, ok := r.handlers.Lookup(desc.ModuleName)
	if !ok {
		return "", apperrors.New(apperrors.CodeToolExecution,
			fmt.Sprintf("技能 %s 没有可用的处理器（module_name=%s）", desc.Name, desc.ModuleName), 500)
	}
	return h(ctx, args)
}

// SnapshotFunc 返回供热重载扫描器使用的快照函数：
// {dir → (config mtime, handler mtime, doc mtime)}，任一文件变化都会体现。
func (r *Registry) SnapshotFunc() func() (map[string]time.Time, error) {
	return func() (map[string]time.Time, error) {
		snap := make(map[string]time.Time)
		entries, err := os.ReadDir(r.root)
		if err != nil {
			if os.IsNotExist(err) {
				return snap, nil
			}
			return nil, err
		}
		for _, e := range entries {
			if !e.IsDir() {
				continue
			}
			dir := filepath.Join(r.root, e.Name())
			var latest time.Time
			for _, name := range []string{"config.json", "handler.go", "handler.py", "handler.js", "prompt.md", "mcp.json", "README.md"} {
				if fi, err := os.Stat(filepath.Join(dir, name)); err == nil {
					key := dir + "/" + name
					snap[key] = fi.ModTime()
					if fi.ModTime().After(latest) {
						latest = fi.ModTime()
					}
				}
			}
			snap[dir] = latest
		}
		return snap, nil
	}
}

// Set 三类注册表的组合，进程内唯一
type Set struct {
	Tools    *Registry
	Agents   *Registry
	Commands *Registry
}

// NewSet 在 skills 根目录下创建 tools/agents/commands 三张注册表
func NewSet(root string, handlers *HandlerTable, logger *zap.Logger) *Set {
	return &Set{
		Tools:    NewRegistry(entity.SkillTool, filepath.Join(root, "tools"), handlers, logger),
		Agents:   NewRegistry(entity.SkillAgent, filepath.Join(root, "agents"), handlers, logger),
		Commands: NewRegistry(entity.SkillCommand, filepath.Join(root, "commands"), handlers, logger),
	}
}

// ReloadAll 重载全部三张表
func (s *Set) ReloadAll() {
	s.Tools.Reload()
	s.Agents.Reload()
	s.Commands.Reload()
}

// ResolveAny 依次在 tool/agent/command 里解析
func (s *Set) ResolveAny(nameOrAlias string) (*entity.SkillDescriptor, bool) {
	for _, r := range []*Registry{s.Tools, s.Agents, s.Commands} {
		if desc, ok := r.Resolve(nameOrAlias); ok {
			return desc, true
		}
	}
	return nil, false
}

// RegistryFor 按 kind 取注册表
func (s *Set) RegistryFor(kind entity.SkillKind) *Registry {
	switch kind {
	case entity.SkillTool:
		return s.Tools
	case entity.SkillAgent:
		return s.Agents
	default:
		return s.Commands
	}
}
