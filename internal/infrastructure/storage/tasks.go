package storage

import (
	"context"
	"encoding/json"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/69gg/Undefined-sub000/internal/domain/entity"
	apperrors "github.com/69gg/Undefined-sub000/pkg/errors"
)

// TaskStore 定时任务持久化，每个任务存一份 JSON 文档，task_id 幂等
type TaskStore struct {
	db *gorm.DB
}

// NewTaskStore 创建任务存储
func NewTaskStore(db *gorm.DB) *TaskStore {
	return &TaskStore{db: db}
}

// Save 新建或覆盖任务
func (s *TaskStore) Save(ctx context.Context, task entity.ScheduledTask) error {
	payload, err := json.Marshal(task)
	if err != nil {
		return apperrors.Wrap(err, apperrors.CodeInternal, "任务序列化失败", 500)
	}
	err = s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "task_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"payload", "updated_at"}),
		}).
		Create(&TaskModel{TaskID: task.TaskID, Payload: string(payload)}).Error
	if err != nil {
		return apperrors.Wrap(err, apperrors.CodeInternal, "任务保存失败", 500)
	}
	return nil
}

// Delete 删除任务，不存在视为成功（幂等）
func (s *TaskStore) Delete(ctx context.Context, taskID string) error {
	err := s.db.WithContext(ctx).Delete(&TaskModel{}, "task_id = ?", taskID).Error
	if err != nil {
		return apperrors.Wrap(err, apperrors.CodeInternal, "任务删除失败", 500)
	}
	return nil
}

// LoadAll 启动时加载全部任务
func (s *TaskStore) LoadAll(ctx context.Context) ([]entity.ScheduledTask, error) {
	var models []TaskModel
	if err := s.db.WithContext(ctx).Find(&models).Error; err != nil {
		return nil, apperrors.Wrap(err, apperrors.CodeInternal, "任务加载失败", 500)
	}
	out := make([]entity.ScheduledTask, 0, len(models))
	for _, m := range models {
		var task entity.ScheduledTask
		if err := json.Unmarshal([]byte(m.Payload), &task); err != nil {
			continue
		}
		out = append(out, task)
	}
	return out, nil
}
