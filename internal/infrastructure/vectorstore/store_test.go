package vectorstore

import (
	"context"
	"hash/fnv"
	"math"
	"testing"

	"go.uber.org/zap"

	"github.com/69gg/Undefined-sub000/internal/domain/entity"
)

// hashEmbedder 确定性的测试嵌入：词袋哈希，相同文本相同向量
type hashEmbedder struct{}

func (hashEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	vec := make([]float32, 64)
	for _, r := range text {
		h := fnv.New32a()
		h.Write([]byte(string(r)))
		vec[h.Sum32()%64]++
	}
	var norm float32
	for _, v := range vec {
		norm += v * v
	}
	if norm > 0 {
		n := float32(math.Sqrt(float64(norm)))
		for i := range vec {
			vec[i] /= n
		}
	}
	return vec, nil
}

func newStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(t.TempDir(), hashEmbedder{}, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func TestUpsertAndQueryEvents(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	events := []entity.Event{
		{EventID: "e1", Text: "张三(2002)在摄影群分享了夜景照片",
			Metadata: entity.EventMetadata{GroupID: 10001, IsAbsolute: true, SchemaVersion: 1}},
		{EventID: "e2", Text: "李四(2003)询问了服务器重启时间",
			Metadata: entity.EventMetadata{GroupID: 10001, IsAbsolute: true, SchemaVersion: 1}},
	}
	for _, ev := range events {
		if err := s.UpsertEvent(ctx, ev); err != nil {
			t.Fatalf("upsert %s: %v", ev.EventID, err)
		}
	}

	hits, err := s.QueryEvents(ctx, "摄影 夜景 照片", 1, nil)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(hits) != 1 || hits[0].ID != "e1" {
		t.Errorf("hits = %+v", hits)
	}
	if hits[0].Metadata["is_absolute"] != "true" {
		t.Errorf("metadata = %v", hits[0].Metadata)
	}
}

func TestQueryEmptyCollection(t *testing.T) {
	s := newStore(t)
	hits, err := s.QueryEvents(context.Background(), "anything", 5, nil)
	if err != nil {
		t.Fatalf("empty query should not error: %v", err)
	}
	if len(hits) != 0 {
		t.Errorf("hits = %+v", hits)
	}
}

func TestTopKClampedToCount(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	if err := s.UpsertEvent(ctx, entity.Event{EventID: "only", Text: "唯一的事件"}); err != nil {
		t.Fatal(err)
	}
	hits, err := s.QueryEvents(ctx, "事件", 10, nil)
	if err != nil {
		t.Fatalf("oversized topK should be clamped: %v", err)
	}
	if len(hits) != 1 {
		t.Errorf("hits = %d", len(hits))
	}
}

func TestProfileUpsertOverwrites(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	if err := s.UpsertProfile(ctx, "user", 2002, "旧画像"); err != nil {
		t.Fatal(err)
	}
	if err := s.UpsertProfile(ctx, "user", 2002, "摄影爱好者，常在深夜活跃"); err != nil {
		t.Fatal(err)
	}

	hits, err := s.QueryProfiles(ctx, "摄影", 5)
	if err != nil {
		t.Fatal(err)
	}
	if len(hits) != 1 {
		t.Fatalf("same key should overwrite, got %d docs", len(hits))
	}
	if hits[0].ID != "user:2002" || hits[0].Text != "摄影爱好者，常在深夜活跃" {
		t.Errorf("hit = %+v", hits[0])
	}
}

func TestFormatHits(t *testing.T) {
	if FormatHits(nil) != "" {
		t.Error("empty hits should format to empty string")
	}
	out := FormatHits([]Hit{{Text: "a"}, {Text: "b"}})
	if out != "- a\n- b" {
		t.Errorf("formatted = %q", out)
	}
}
