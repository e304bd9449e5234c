package cogqueue

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/69gg/Undefined-sub000/internal/domain/entity"
)

func newQueue(t *testing.T, maxRetries int) *Queue {
	t.Helper()
	q, err := New(t.TempDir(), maxRetries, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	return q
}

func TestEnqueueDequeueRoundTrip(t *testing.T) {
	q := newQueue(t, 3)

	jobID, err := q.Enqueue(&entity.CognitiveJob{
		RequestID:    "req-1",
		Memo:         "回答了问题",
		Observations: []string{"用户喜欢摄影"},
	})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	gotID, job, err := q.Dequeue()
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if gotID != jobID {
		t.Errorf("dequeued %q, want %q", gotID, jobID)
	}
	if job.Memo != "回答了问题" || len(job.Observations) != 1 {
		t.Errorf("payload = %+v", job)
	}

	// 第二次出队应为空
	id2, _, err := q.Dequeue()
	if err != nil || id2 != "" {
		t.Errorf("empty queue dequeue = %q, %v", id2, err)
	}
}

func TestDequeueOrderIsLexicographic(t *testing.T) {
	q := newQueue(t, 3)

	first, _ := q.Enqueue(&entity.CognitiveJob{Memo: "first"})
	time.Sleep(2 * time.Millisecond)
	second, _ := q.Enqueue(&entity.CognitiveJob{Memo: "second"})

	id1, _, _ := q.Dequeue()
	id2, _, _ := q.Dequeue()
	if id1 != first || id2 != second {
		t.Errorf("dequeue order = %q, %q; want %q, %q", id1, id2, first, second)
	}
}

func TestRequeueIncrementsRetryThenFails(t *testing.T) {
	q := newQueue(t, 2)
	jobID, _ := q.Enqueue(&entity.CognitiveJob{Memo: "flaky"})

	for i := 1; i <= 2; i++ {
		id, job, err := q.Dequeue()
		if err != nil || id != jobID {
			t.Fatalf("round %d dequeue = %q, %v", i, id, err)
		}
		if job.RetryCount != i-1 {
			t.Errorf("round %d retry count = %d", i, job.RetryCount)
		}
		alive, err := q.Requeue(jobID, "validation failed")
		if err != nil || !alive {
			t.Fatalf("round %d requeue alive=%v err=%v", i, alive, err)
		}
	}

	// 第三次失败超限，落入 failed/
	if id, _, _ := q.Dequeue(); id != jobID {
		t.Fatal("job should still be dequeuable")
	}
	alive, err := q.Requeue(jobID, "validation failed")
	if err != nil {
		t.Fatalf("final requeue: %v", err)
	}
	if alive {
		t.Error("job past max retries should be dead")
	}

	failed, err := q.ListFailed()
	if err != nil || len(failed) != 1 {
		t.Fatalf("failed list = %v, %v", failed, err)
	}
	if failed[0].Memo != "flaky" {
		t.Errorf("original payload not intact: %+v", failed[0])
	}
}

func TestRecoverStale(t *testing.T) {
	q := newQueue(t, 3)
	jobID, _ := q.Enqueue(&entity.CognitiveJob{Memo: "crashed"})
	if id, _, _ := q.Dequeue(); id != jobID {
		t.Fatal("setup dequeue failed")
	}

	// 把 processing 文件做旧
	path := filepath.Join(q.processingDir(), jobID+".json")
	old := time.Now().Add(-time.Hour)
	if err := os.Chtimes(path, old, old); err != nil {
		t.Fatal(err)
	}

	n, err := q.RecoverStale(30 * time.Minute)
	if err != nil || n != 1 {
		t.Fatalf("recovered %d, %v", n, err)
	}

	// 同一个任务恰好回来一次
	id, job, err := q.Dequeue()
	if err != nil || id != jobID {
		t.Fatalf("post-recovery dequeue = %q, %v", id, err)
	}
	if job.Memo != "crashed" {
		t.Errorf("payload = %+v", job)
	}
	if id2, _, _ := q.Dequeue(); id2 != "" {
		t.Error("job recovered more than once")
	}
}

func TestRecoverStaleSkipsFresh(t *testing.T) {
	q := newQueue(t, 3)
	jobID, _ := q.Enqueue(&entity.CognitiveJob{Memo: "in flight"})
	q.Dequeue()

	n, err := q.RecoverStale(30 * time.Minute)
	if err != nil || n != 0 {
		t.Errorf("fresh processing job recovered: %d, %v", n, err)
	}
	if err := q.Complete(jobID); err != nil {
		t.Errorf("complete: %v", err)
	}
}

func TestPruneFailedByAgeAndCount(t *testing.T) {
	q := newQueue(t, 0)

	for i := 0; i < 5; i++ {
		jobID, _ := q.Enqueue(&entity.CognitiveJob{Memo: "doomed"})
		q.Dequeue()
		if err := q.Fail(jobID, "test"); err != nil {
			t.Fatal(err)
		}
		time.Sleep(2 * time.Millisecond)
	}

	// 把最老的两个做旧到超龄
	names, _ := q.listJSON(q.failedDir())
	old := time.Now().Add(-48 * time.Hour)
	for _, name := range names[:2] {
		if err := os.Chtimes(filepath.Join(q.failedDir(), name), old, old); err != nil {
			t.Fatal(err)
		}
	}

	pruned, err := q.PruneFailed(24*time.Hour, 2)
	if err != nil {
		t.Fatal(err)
	}
	// 2 个超龄 + 1 个超数量上限
	if pruned != 3 {
		t.Errorf("pruned %d, want 3", pruned)
	}
	_, _, failed := q.Depths()
	if failed != 2 {
		t.Errorf("failed depth = %d, want 2", failed)
	}
}

func TestRequeueFailedResetsRetry(t *testing.T) {
	q := newQueue(t, 1)
	jobID, _ := q.Enqueue(&entity.CognitiveJob{Memo: "op rescue"})
	q.Dequeue()
	q.Requeue(jobID, "r1")
	q.Dequeue()
	if alive, _ := q.Requeue(jobID, "r2"); alive {
		t.Fatal("job should be failed by now")
	}

	if err := q.RequeueFailed(jobID); err != nil {
		t.Fatalf("requeue failed job: %v", err)
	}
	id, job, err := q.Dequeue()
	if err != nil || id != jobID {
		t.Fatalf("dequeue after rescue = %q, %v", id, err)
	}
	if job.RetryCount != 0 {
		t.Errorf("retry count = %d, want reset to 0", job.RetryCount)
	}
}

func TestEnqueueSurvivesRestart(t *testing.T) {
	root := t.TempDir()
	q1, err := New(root, 3, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	jobID, err := q1.Enqueue(&entity.CognitiveJob{Memo: "durable"})
	if err != nil {
		t.Fatal(err)
	}

	// 重启：同一目录新建队列
	q2, err := New(root, 3, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := q2.RecoverStale(time.Minute); err != nil {
		t.Fatal(err)
	}
	id, job, err := q2.Dequeue()
	if err != nil || id != jobID || job.Memo != "durable" {
		t.Errorf("restart dequeue = %q, %+v, %v", id, job, err)
	}
}
