package vectorstore

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"

	chromem "github.com/philippgille/chromem-go"
	"go.uber.org/zap"

	"github.com/69gg/Undefined-sub000/internal/domain/entity"
)

const (
	collectionEvents   = "events"
	collectionProfiles = "profiles"
)

// Embedder 文本向量化能力，由 embedding 模型客户端实现
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Hit 一条检索结果
type Hit struct {
	ID       string
	Score    float32
	Text     string
	Metadata map[string]string
}

// Store 认知记忆的向量层：事件集合 + 画像集合，
// chromem-go 嵌入式存储，落盘在 <cog-root>/chroma/ 下。
type Store struct {
	db       *chromem.DB
	embedder Embedder
	logger   *zap.Logger

	mu          sync.Mutex
	collections map[string]*chromem.Collection
}

// New 打开（或创建）持久化向量库
func New(root string, embedder Embedder, logger *zap.Logger) (*Store, error) {
	db, err := chromem.NewPersistentDB(root, false)
	if err != nil {
		return nil, fmt.Errorf("open vector db: %w", err)
	}
	return &Store{
		db:          db,
		embedder:    embedder,
		logger:      logger.With(zap.String("component", "vector_store")),
		collections: make(map[string]*chromem.Collection),
	}, nil
}

func (s *Store) collection(name string) (*chromem.Collection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if col, ok := s.collections[name]; ok {
		return col, nil
	}
	col, err := s.db.GetOrCreateCollection(name, nil, s.embeddingFunc())
	if err != nil {
		return nil, fmt.Errorf("get collection %q: %w", name, err)
	}
	s.collections[name] = col
	return col, nil
}

func (s *Store) embeddingFunc() chromem.EmbeddingFunc {
	return func(ctx context.Context, text string) ([]float32, error) {
		return s.embedder.Embed(ctx, text)
	}
}

// UpsertEvent 写入一条规范事件
func (s *Store) UpsertEvent(ctx context.Context, ev entity.Event) error {
	col, err := s.collection(collectionEvents)
	if err != nil {
		return err
	}
	meta := eventMetadata(ev.Metadata)
	doc := chromem.Document{
		ID:       ev.EventID,
		Content:  ev.Text,
		Metadata: meta,
	}
	if err := col.AddDocuments(ctx, []chromem.Document{doc}, 1); err != nil {
		return fmt.Errorf("upsert event: %w", err)
	}
	s.logger.Debug("Event upserted",
		zap.String("event_id", ev.EventID),
		zap.Bool("is_absolute", ev.Metadata.IsAbsolute),
	)
	return nil
}

// UpsertProfile 写入实体画像的组合文本（tags + summary），
// 键为 <entity_type>:<entity_id>。
func (s *Store) UpsertProfile(ctx context.Context, entityType string, entityID int64, text string) error {
	col, err := s.collection(collectionProfiles)
	if err != nil {
		return err
	}
	doc := chromem.Document{
		ID:      fmt.Sprintf("%s:%d", entityType, entityID),
		Content: text,
		Metadata: map[string]string{
			"entity_type": entityType,
			"entity_id":   strconv.FormatInt(entityID, 10),
		},
	}
	if err := col.AddDocuments(ctx, []chromem.Document{doc}, 1); err != nil {
		return fmt.Errorf("upsert profile: %w", err)
	}
	return nil
}

// QueryEvents 语义检索事件，where 可为 nil
func (s *Store) QueryEvents(ctx context.Context, query string, topK int, where map[string]string) ([]Hit, error) {
	return s.query(ctx, collectionEvents, query, topK, where)
}

// QueryProfiles 语义检索画像
func (s *Store) QueryProfiles(ctx context.Context, query string, topK int) ([]Hit, error) {
	return s.query(ctx, collectionProfiles, query, topK, nil)
}

func (s *Store) query(ctx context.Context, name, query string, topK int, where map[string]string) ([]Hit, error) {
	col, err := s.collection(name)
	if err != nil {
		return nil, err
	}
	count := col.Count()
	if count == 0 {
		return nil, nil
	}
	if topK > count {
		topK = count
	}
	results, err := col.Query(ctx, query, topK, where, nil)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", name, err)
	}
	out := make([]Hit, 0, len(results))
	for _, r := range results {
		out = append(out, Hit{
			ID:       r.ID,
			Score:    r.Similarity,
			Text:     r.Content,
			Metadata: r.Metadata,
		})
	}
	return out, nil
}

// FormatHits 把检索结果渲染成给模型看的块
func FormatHits(hits []Hit) string {
	if len(hits) == 0 {
		return ""
	}
	var b strings.Builder
	for _, h := range hits {
		b.WriteString("- ")
		b.WriteString(h.Text)
		b.WriteByte('\n')
	}
	return strings.TrimRight(b.String(), "\n")
}

func eventMetadata(m entity.EventMetadata) map[string]string {
	out := map[string]string{
		"timestamp_epoch":  strconv.FormatInt(m.TimestampEpoch, 10),
		"schema_version":   strconv.Itoa(m.SchemaVersion),
		"has_observations": strconv.FormatBool(m.HasObservations),
		"is_absolute":      strconv.FormatBool(m.IsAbsolute),
	}
	if m.UserID != 0 {
		out["user_id"] = strconv.FormatInt(m.UserID, 10)
	}
	if m.GroupID != 0 {
		out["group_id"] = strconv.FormatInt(m.GroupID, 10)
	}
	if m.SenderID != 0 {
		out["sender_id"] = strconv.FormatInt(m.SenderID, 10)
	}
	if m.RequestType != "" {
		out["request_type"] = m.RequestType
	}
	if m.TimestampText != "" {
		out["timestamp_text"] = m.TimestampText
	}
	if m.Perspective != "" {
		out["perspective"] = m.Perspective
	}
	if len(m.MessageIDs) > 0 {
		ids := make([]string, len(m.MessageIDs))
		for i, id := range m.MessageIDs {
			ids[i] = strconv.FormatInt(id, 10)
		}
		out["message_ids"] = strings.Join(ids, ",")
	}
	return out
}
