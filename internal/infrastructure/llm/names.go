package llm

import (
	"fmt"
	"strings"

	"github.com/69gg/Undefined-sub000/internal/domain/entity"
)

const maxWireNameLen = 64

// sanitizeWireName 把内部工具名净化为 API 允许的形式
// （[a-zA-Z0-9_-]，最长 64）。非法字符替换为下划线。
func sanitizeWireName(name string) string {
	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	s := b.String()
	if s == "" {
		s = "_"
	}
	if len(s) > maxWireNameLen {
		s = s[:maxWireNameLen]
	}
	return s
}

// buildToolNameMap 为一组工具构建 wire 名双射。
// 净化后冲突的名字追加数字后缀保证唯一。
func buildToolNameMap(tools []entity.ToolSchema) *entity.ToolNameMap {
	m := &entity.ToolNameMap{
		APIToInternal: make(map[string]string, len(tools)),
		InternalToAPI: make(map[string]string, len(tools)),
	}
	for _, tool := range tools {
		internal := tool.Function.Name
		api := sanitizeWireName(internal)
		if prev, taken := m.APIToInternal[api]; taken && prev != internal {
			base := api
			for i := 2; ; i++ {
				suffix := fmt.Sprintf("_%d", i)
				if len(base)+len(suffix) > maxWireNameLen {
					base = base[:maxWireNameLen-len(suffix)]
				}
				candidate := base + suffix
				if _, ok := m.APIToInternal[candidate]; !ok {
					api = candidate
					break
				}
			}
		}
		m.APIToInternal[api] = internal
		m.InternalToAPI[internal] = api
	}
	return m
}
