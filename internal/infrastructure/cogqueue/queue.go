package cogqueue

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/69gg/Undefined-sub000/internal/domain/entity"
	apperrors "github.com/69gg/Undefined-sub000/pkg/errors"
)

// Queue 磁盘认知任务队列。pending/processing/failed 三个目录，
// 每次状态迁移都是一次原子 rename。生产方靠 tmp 写入 + rename
// 串行化，消费方单一。
type Queue struct {
	root       string
	maxRetries int
	logger     *zap.Logger
}

// New 创建队列并确保目录存在
func New(root string, maxRetries int, logger *zap.Logger) (*Queue, error) {
	for _, dir := range []string{"pending", "processing", "failed"} {
		if err := os.MkdirAll(filepath.Join(root, dir), 0o755); err != nil {
			return nil, fmt.Errorf("create queue dir: %w", err)
		}
	}
	if maxRetries <= 0 {
		maxRetries = 3
	}
	return &Queue{
		root:       root,
		maxRetries: maxRetries,
		logger:     logger.With(zap.String("component", "cognitive_queue")),
	}, nil
}

func (q *Queue) pendingDir() string    { return filepath.Join(q.root, "pending") }
func (q *Queue) processingDir() string { return filepath.Join(q.root, "processing") }
func (q *Queue) failedDir() string     { return filepath.Join(q.root, "failed") }

// Enqueue 写入一个新任务，返回 job_id。
// 文件名带时间前缀，字典序即入队序。
func (q *Queue) Enqueue(job *entity.CognitiveJob) (string, error) {
	if job.JobID == "" {
		job.JobID = fmt.Sprintf("%d-%s", time.Now().UnixNano(), uuid.NewString()[:8])
	}
	data, err := json.MarshalIndent(job, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal job: %w", err)
	}

	final := filepath.Join(q.pendingDir(), job.JobID+".json")
	tmp := final + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return "", fmt.Errorf("write job: %w", err)
	}
	if err := os.Rename(tmp, final); err != nil {
		_ = os.Remove(tmp)
		return "", fmt.Errorf("commit job: %w", err)
	}
	q.logger.Debug("Job enqueued", zap.String("job_id", job.JobID))
	return job.JobID, nil
}

// Dequeue 取出字典序最小的待处理任务并移入 processing。
// 队列空时返回 ("", nil, nil)。
func (q *Queue) Dequeue() (string, *entity.CognitiveJob, error) {
	names, err := q.listJSON(q.pendingDir())
	if err != nil {
		return "", nil, err
	}
	for _, name := range names {
		jobID := strings.TrimSuffix(name, ".json")
		src := filepath.Join(q.pendingDir(), name)
		dst := filepath.Join(q.processingDir(), name)
		if err := os.Rename(src, dst); err != nil {
			// 并发消费或文件已消失，跳过
			continue
		}
		job, err := q.readJob(dst)
		if err != nil {
			q.logger.Error("Corrupt job file, moving to failed",
				zap.String("job_id", jobID), zap.Error(err))
			_ = os.Rename(dst, filepath.Join(q.failedDir(), name))
			continue
		}
		return jobID, job, nil
	}
	return "", nil, nil
}

// Requeue 任务处理失败后送回 pending。重试次数超限时改投 failed，
// 返回值报告任务是否还会再被处理。
func (q *Queue) Requeue(jobID, reason string) (bool, error) {
	name := jobID + ".json"
	src := filepath.Join(q.processingDir(), name)
	job, err := q.readJob(src)
	if err != nil {
		return false, fmt.Errorf("read processing job: %w", err)
	}

	job.RetryCount++
	if job.RetryCount > q.maxRetries {
		q.logger.Warn("Job retries exhausted",
			zap.String("job_id", jobID),
			zap.Int("retries", job.RetryCount-1),
			zap.String("reason", reason),
		)
		return false, q.Fail(jobID, reason)
	}

	data, err := json.MarshalIndent(job, "", "  ")
	if err != nil {
		return false, fmt.Errorf("marshal job: %w", err)
	}
	tmp := src + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return false, fmt.Errorf("rewrite job: %w", err)
	}
	if err := os.Rename(tmp, filepath.Join(q.pendingDir(), name)); err != nil {
		_ = os.Remove(tmp)
		return false, fmt.Errorf("requeue job: %w", err)
	}
	_ = os.Remove(src)
	q.logger.Info("Job requeued",
		zap.String("job_id", jobID),
		zap.Int("retry", job.RetryCount),
		zap.String("reason", reason),
	)
	return true, nil
}

// Fail 任务移入 failed，原始 JSON 保持原样供运维检查
func (q *Queue) Fail(jobID, reason string) error {
	name := jobID + ".json"
	if err := os.Rename(
		filepath.Join(q.processingDir(), name),
		filepath.Join(q.failedDir(), name),
	); err != nil {
		return fmt.Errorf("fail job: %w", err)
	}
	q.logger.Warn("Job failed", zap.String("job_id", jobID), zap.String("reason", reason))
	return nil
}

// Complete 处理完成，从 processing 删除
func (q *Queue) Complete(jobID string) error {
	if err := os.Remove(filepath.Join(q.processingDir(), jobID+".json")); err != nil {
		return fmt.Errorf("complete job: %w", err)
	}
	return nil
}

// RecoverStale 启动时把 processing 里滞留超过 timeout 的任务送回 pending。
// 返回恢复的数量。
func (q *Queue) RecoverStale(timeout time.Duration) (int, error) {
	entries, err := os.ReadDir(q.processingDir())
	if err != nil {
		return 0, err
	}
	recovered := 0
	cutoff := time.Now().Add(-timeout)
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		info, err := e.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		src := filepath.Join(q.processingDir(), e.Name())
		dst := filepath.Join(q.pendingDir(), e.Name())
		if err := os.Rename(src, dst); err != nil {
			q.logger.Warn("Stale job recovery failed", zap.String("file", e.Name()), zap.Error(err))
			continue
		}
		recovered++
	}
	if recovered > 0 {
		q.logger.Info("Stale jobs recovered", zap.Int("count", recovered))
	}
	return recovered, nil
}

// PruneFailed 按保留时长和数量上限清理 failed 目录
func (q *Queue) PruneFailed(maxAge time.Duration, maxCount int) (int, error) {
	entries, err := os.ReadDir(q.failedDir())
	if err != nil {
		return 0, err
	}
	type failedFile struct {
		name string
		mod  time.Time
	}
	var files []failedFile
	cutoff := time.Now().Add(-maxAge)
	pruned := 0

	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if maxAge > 0 && info.ModTime().Before(cutoff) {
			if os.Remove(filepath.Join(q.failedDir(), e.Name())) == nil {
				pruned++
			}
			continue
		}
		files = append(files, failedFile{e.Name(), info.ModTime()})
	}

	if maxCount > 0 && len(files) > maxCount {
		sort.Slice(files, func(i, j int) bool { return files[i].mod.Before(files[j].mod) })
		for _, f := range files[:len(files)-maxCount] {
			if os.Remove(filepath.Join(q.failedDir(), f.name)) == nil {
				pruned++
			}
		}
	}
	if pruned > 0 {
		q.logger.Info("Failed jobs pruned", zap.Int("count", pruned))
	}
	return pruned, nil
}

// ListFailed 列出 failed 目录里的任务（运维面板用）
func (q *Queue) ListFailed() ([]*entity.CognitiveJob, error) {
	names, err := q.listJSON(q.failedDir())
	if err != nil {
		return nil, err
	}
	out := make([]*entity.CognitiveJob, 0, len(names))
	for _, name := range names {
		job, err := q.readJob(filepath.Join(q.failedDir(), name))
		if err != nil {
			continue
		}
		out = append(out, job)
	}
	return out, nil
}

// RequeueFailed 把一个 failed 任务重置重试计数后送回 pending（运维操作）
func (q *Queue) RequeueFailed(jobID string) error {
	name := jobID + ".json"
	src := filepath.Join(q.failedDir(), name)
	job, err := q.readJob(src)
	if err != nil {
		return apperrors.Wrap(err, apperrors.CodeNotFound, "失败任务不存在或已损坏", 404)
	}
	job.RetryCount = 0
	data, err := json.MarshalIndent(job, "", "  ")
	if err != nil {
		return err
	}
	tmp := src + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	if err := os.Rename(tmp, filepath.Join(q.pendingDir(), name)); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	_ = os.Remove(src)
	q.logger.Info("Failed job re-enqueued", zap.String("job_id", jobID))
	return nil
}

// Depths 返回三个目录的文件数（运维面板用）
func (q *Queue) Depths() (pending, processing, failed int) {
	if names, err := q.listJSON(q.pendingDir()); err == nil {
		pending = len(names)
	}
	if names, err := q.listJSON(q.processingDir()); err == nil {
		processing = len(names)
	}
	if names, err := q.listJSON(q.failedDir()); err == nil {
		failed = len(names)
	}
	return
}

func (q *Queue) listJSON(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".json") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

func (q *Queue) readJob(path string) (*entity.CognitiveJob, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var job entity.CognitiveJob
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, err
	}
	return &job, nil
}
