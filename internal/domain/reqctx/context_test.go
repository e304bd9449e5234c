package reqctx

import (
	"context"
	"strings"
	"sync"
	"testing"
)

func TestNew_RequestIDUnique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		c := New(context.Background(), KindGroup, 1, 2, 3)
		if seen[c.RequestID] {
			t.Fatalf("duplicate request id: %s", c.RequestID)
		}
		seen[c.RequestID] = true
		c.Release()
	}
}

func TestGet_DefaultWhenMissing(t *testing.T) {
	c := New(context.Background(), KindPrivate, 0, 42, 42)
	defer c.Release()

	if got := c.Get("no_such_key", "fallback"); got != "fallback" {
		t.Errorf("expected fallback, got %v", got)
	}
	if c.GetBool(ResMessageSentThisTurn) {
		t.Error("unset bool resource should read false")
	}
}

func TestSet_LastWriteWins(t *testing.T) {
	c := New(context.Background(), KindGroup, 10, 20, 20)
	defer c.Release()

	c.Set(ResRuntimeConfig, "a")
	c.Set(ResRuntimeConfig, "b")
	if got := c.GetString(ResRuntimeConfig, ""); got != "b" {
		t.Errorf("expected b, got %s", got)
	}
}

func TestFork_InheritsResources(t *testing.T) {
	parent := New(context.Background(), KindGroup, 10, 20, 20)
	defer parent.Release()
	parent.Set("shared", 1)

	child := parent.Fork()
	if got := child.Get("shared", 0); got != 1 {
		t.Errorf("child should inherit parent resource, got %v", got)
	}

	// 子作用域的写对父可见（同一资源表）
	child.Set("from_child", true)
	if !parent.GetBool("from_child") {
		t.Error("fork shares the resource table with its parent")
	}
}

func TestDetach_CopiesResources(t *testing.T) {
	parent := New(context.Background(), KindPrivate, 0, 7, 7)
	defer parent.Release()
	parent.Set("k", "v")

	detached := parent.Detach()
	detached.Set("k", "changed")

	if got := parent.GetString("k", ""); got != "v" {
		t.Errorf("detached writes must not leak into parent, got %s", got)
	}
}

func TestRelease_CancelsAndClears(t *testing.T) {
	c := New(context.Background(), KindGroup, 1, 2, 2)
	c.Set("k", "v")
	c.Release()

	select {
	case <-c.Done():
	default:
		t.Error("Release should cancel the context")
	}
	if _, ok := c.Lookup("k"); ok {
		t.Error("Release should clear resources")
	}
}

func TestRelease_CascadesToFork(t *testing.T) {
	parent := New(context.Background(), KindGroup, 1, 2, 2)
	child := parent.Fork()
	parent.Release()

	select {
	case <-child.Done():
	default:
		t.Error("cancelling the parent must cancel forked children")
	}
}

func TestSessionKey(t *testing.T) {
	tests := []struct {
		kind    Kind
		group   int64
		user    int64
		want    string
	}{
		{KindGroup, 123, 456, "group:123"},
		{KindPrivate, 0, 456, "private:456"},
		{KindScheduled, 789, 0, "group:789"},
	}
	for _, tt := range tests {
		c := New(context.Background(), tt.kind, tt.group, tt.user, tt.user)
		if got := c.SessionKey(); got != tt.want {
			t.Errorf("SessionKey(%s, g=%d, u=%d) = %s, want %s", tt.kind, tt.group, tt.user, got, tt.want)
		}
		c.Release()
	}
}

func TestConcurrentAccess(t *testing.T) {
	c := New(context.Background(), KindGroup, 1, 2, 2)
	defer c.Release()

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			c.Set("counter", n)
			_ = c.Get("counter", -1)
		}(i)
	}
	wg.Wait()
}

func TestRequestIDShape(t *testing.T) {
	c := New(context.Background(), KindGroup, 1, 2, 2)
	defer c.Release()
	if !strings.HasPrefix(c.RequestID, "req-") {
		t.Errorf("unexpected request id shape: %s", c.RequestID)
	}
}
