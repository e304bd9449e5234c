package skill

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/69gg/Undefined-sub000/internal/domain/entity"
	apperrors "github.com/69gg/Undefined-sub000/pkg/errors"
)

// RoleOf 按配置名单判定发送者角色。superadmin 优先于 admin。
func RoleOf(senderID int64, superadmins, admins []int64) entity.Permission {
	for _, id := range superadmins {
		if senderID == id {
			return entity.PermissionSuperadmin
		}
	}
	for _, id := range admins {
		if senderID == id {
			return entity.PermissionAdmin
		}
	}
	return entity.PermissionPublic
}

// Gate 技能准入：描述符声明的权限级别 + 按角色的冷却时间。
// 冷却状态在进程内按 (kind:name, sender) 记，重启清零。
type Gate struct {
	mu      sync.Mutex
	lastUse map[string]time.Time
	now     func() time.Time
}

// NewGate 创建准入器
func NewGate() *Gate {
	return &Gate{
		lastUse: make(map[string]time.Time),
		now:     time.Now,
	}
}

// Check 校验一次调用。权限不足返回 PERMISSION，冷却未到返回
// RATE_LIMIT；两者的 Message 都带 error_id，可直接发给用户。
// 通过校验时记录本次使用时间。
func (g *Gate) Check(desc *entity.SkillDescriptor, senderID int64, superadmins, admins []int64) error {
	role := RoleOf(senderID, superadmins, admins)

	if !permits(desc.Permission, role) {
		return apperrors.New(apperrors.CodePermission,
			fmt.Sprintf("权限不足，无法使用 %s（错误编号 %s）", desc.Name, errorID()), 403)
	}

	cool := cooldownFor(desc.RateLimit, role)
	if cool <= 0 {
		return nil
	}

	key := fmt.Sprintf("%s:%s|%d", desc.Kind, desc.Name, senderID)
	g.mu.Lock()
	defer g.mu.Unlock()
	if last, ok := g.lastUse[key]; ok {
		if remain := cool - g.now().Sub(last); remain > 0 {
			return apperrors.New(apperrors.CodeRateLimit,
				fmt.Sprintf("%s 冷却中，%d 秒后再试（错误编号 %s）",
					desc.Name, int(remain.Seconds())+1, errorID()), 429)
		}
	}
	g.lastUse[key] = g.now()
	return nil
}

// permits 权限级别是否覆盖角色：public 全放行，admin 放行
// admin/superadmin，superadmin 只放行超管。
func permits(required entity.Permission, role entity.Permission) bool {
	switch required {
	case "", entity.PermissionPublic:
		return true
	case entity.PermissionAdmin:
		return role == entity.PermissionAdmin || role == entity.PermissionSuperadmin
	case entity.PermissionSuperadmin:
		return role == entity.PermissionSuperadmin
	default:
		// 未知权限级别按最严处理
		return role == entity.PermissionSuperadmin
	}
}

func cooldownFor(limit entity.RateLimit, role entity.Permission) time.Duration {
	var seconds int
	switch role {
	case entity.PermissionSuperadmin:
		seconds = limit.Superadmin
	case entity.PermissionAdmin:
		seconds = limit.Admin
	default:
		seconds = limit.User
	}
	return time.Duration(seconds) * time.Second
}

func errorID() string {
	return uuid.NewString()[:8]
}
