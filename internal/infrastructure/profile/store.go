package profile

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/69gg/Undefined-sub000/internal/domain/entity"
)

// EmptySentinel 画像不存在时给模型看的占位文本
const EmptySentinel = "(empty)"

// Store 画像文件存储。每个 (entity_type, entity_id) 一个 markdown 文件，
// YAML frontmatter + 正文。写入持实体级锁保证 备份 → 写入 → 清理 的原子性，
// 跨实体写入互不阻塞。
type Store struct {
	root       string // <cog-root>/profiles
	historyCap int
	logger     *zap.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewStore 创建画像存储
func NewStore(root string, historyCap int, logger *zap.Logger) *Store {
	if historyCap <= 0 {
		historyCap = 10
	}
	return &Store{
		root:       root,
		historyCap: historyCap,
		logger:     logger.With(zap.String("component", "profile_store")),
		locks:      make(map[string]*sync.Mutex),
	}
}

func (s *Store) entityLock(entityType string, entityID int64) *sync.Mutex {
	key := fmt.Sprintf("%s:%d", entityType, entityID)
	s.mu.Lock()
	defer s.mu.Unlock()
	if l, ok := s.locks[key]; ok {
		return l
	}
	l := &sync.Mutex{}
	s.locks[key] = l
	return l
}

func (s *Store) path(entityType string, entityID int64) string {
	return filepath.Join(s.root, entityType+"s", fmt.Sprintf("%d.md", entityID))
}

func (s *Store) historyDir(entityType string, entityID int64) string {
	return filepath.Join(s.root, "history", entityType, fmt.Sprintf("%d", entityID))
}

// Read 读取画像。不存在时返回 (nil, false, nil)。
func (s *Store) Read(entityType string, entityID int64) (*entity.Profile, bool, error) {
	data, err := os.ReadFile(s.path(entityType, entityID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, err
	}
	p, err := Parse(string(data))
	if err != nil {
		return nil, false, err
	}
	return p, true, nil
}

// ReadBody 读取画像正文，缺失时返回占位文本
func (s *Store) ReadBody(entityType string, entityID int64) string {
	p, ok, err := s.Read(entityType, entityID)
	if err != nil || !ok {
		return EmptySentinel
	}
	return p.Body
}

// Write 原子写入画像：先快照旧版本到 history/，再 tmp+rename 落盘，
// 最后裁剪快照数量到上限。
func (s *Store) Write(p *entity.Profile) error {
	lock := s.entityLock(p.Frontmatter.EntityType, p.Frontmatter.EntityID)
	lock.Lock()
	defer lock.Unlock()

	path := s.path(p.Frontmatter.EntityType, p.Frontmatter.EntityID)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}

	if old, err := os.ReadFile(path); err == nil {
		if err := s.snapshot(p.Frontmatter.EntityType, p.Frontmatter.EntityID, old); err != nil {
			s.logger.Warn("Profile snapshot failed",
				zap.String("entity_type", p.Frontmatter.EntityType),
				zap.Int64("entity_id", p.Frontmatter.EntityID),
				zap.Error(err),
			)
		}
	}

	rendered, err := Render(p)
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(rendered), 0o644); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return err
	}

	s.pruneHistory(p.Frontmatter.EntityType, p.Frontmatter.EntityID)
	return nil
}

func (s *Store) snapshot(entityType string, entityID int64, content []byte) error {
	dir := s.historyDir(entityType, entityID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	name := time.Now().Format("20060102150405.000000")
	name = strings.ReplaceAll(name, ".", "") + ".md"
	return os.WriteFile(filepath.Join(dir, name), content, 0o644)
}

func (s *Store) pruneHistory(entityType string, entityID int64) {
	dir := s.historyDir(entityType, entityID)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".md") {
			names = append(names, e.Name())
		}
	}
	if len(names) <= s.historyCap {
		return
	}
	sort.Strings(names)
	for _, name := range names[:len(names)-s.historyCap] {
		_ = os.Remove(filepath.Join(dir, name))
	}
}

// HistoryCount 某实体当前的快照数量
func (s *Store) HistoryCount(entityType string, entityID int64) int {
	entries, err := os.ReadDir(s.historyDir(entityType, entityID))
	if err != nil {
		return 0
	}
	n := 0
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".md") {
			n++
		}
	}
	return n
}

// Parse 解析 `---\n<frontmatter>\n---\n<body>` 格式的画像文件
func Parse(content string) (*entity.Profile, error) {
	const sep = "---"
	trimmed := strings.TrimLeft(content, "\n")
	if !strings.HasPrefix(trimmed, sep) {
		return &entity.Profile{Body: strings.TrimSpace(content)}, nil
	}
	rest := strings.TrimPrefix(trimmed, sep)
	idx := strings.Index(rest, "\n"+sep)
	if idx < 0 {
		return nil, fmt.Errorf("unterminated frontmatter")
	}
	front := rest[:idx]
	body := rest[idx+len(sep)+1:]

	var fm entity.ProfileFrontmatter
	if err := yaml.Unmarshal([]byte(front), &fm); err != nil {
		return nil, fmt.Errorf("parse frontmatter: %w", err)
	}
	return &entity.Profile{
		Frontmatter: fm,
		Body:        strings.TrimSpace(body),
	}, nil
}

// Render 渲染画像为磁盘格式
func Render(p *entity.Profile) (string, error) {
	front, err := yaml.Marshal(&p.Frontmatter)
	if err != nil {
		return "", fmt.Errorf("marshal frontmatter: %w", err)
	}
	return fmt.Sprintf("---\n%s---\n%s\n", front, p.Body), nil
}
