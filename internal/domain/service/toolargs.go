package service

import (
	"encoding/json"
	"strings"

	apperrors "github.com/69gg/Undefined-sub000/pkg/errors"
)

// ParseToolArguments 宽松解析模型产出的工具参数 JSON。
// 模型经常截断输出或包一层代码围栏，这里做三步恢复：
// 去围栏、补齐未闭合的括号、只接受对象。失败返回 CodeToolArgParse。
func ParseToolArguments(raw string) (map[string]any, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return map[string]any{}, nil
	}
	s = stripCodeFence(s)

	if !strings.HasPrefix(s, "{") {
		return nil, apperrors.New(apperrors.CodeToolArgParse, "工具参数不是 JSON 对象", 400)
	}

	var out map[string]any
	if err := json.Unmarshal([]byte(s), &out); err == nil {
		return out, nil
	}
	if err := json.Unmarshal([]byte(balanceBrackets(s)), &out); err != nil {
		return nil, apperrors.Wrap(err, apperrors.CodeToolArgParse, "工具参数解析失败", 400)
	}
	return out, nil
}

func stripCodeFence(s string) string {
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	// 围栏语言标记，如 ```json
	if idx := strings.IndexByte(s, '\n'); idx >= 0 {
		s = s[idx+1:]
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}

// balanceBrackets 补齐截断 JSON 的未闭合括号和引号
func balanceBrackets(s string) string {
	var stack []byte
	inString := false
	escaped := false
	for i := 0; i < len(s); i++ {
		c := s[i]
		if escaped {
			escaped = false
			continue
		}
		switch c {
		case '\\':
			if inString {
				escaped = true
			}
		case '"':
			inString = !inString
		case '{', '[':
			if !inString {
				stack = append(stack, c)
			}
		case '}', ']':
			if !inString && len(stack) > 0 {
				stack = stack[:len(stack)-1]
			}
		}
	}
	var b strings.Builder
	b.WriteString(s)
	if inString {
		b.WriteByte('"')
	}
	for i := len(stack) - 1; i >= 0; i-- {
		if stack[i] == '{' {
			b.WriteByte('}')
		} else {
			b.WriteByte(']')
		}
	}
	return b.String()
}
