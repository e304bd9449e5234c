package service

import (
	"regexp"
	"sort"
	"strconv"
	"strings"
)

// 绝对化检查：候选文本不得含代词、相对时间、相对地点，
// 且来源里的显著数字 ID 不得流失。

var relativeCategories = map[string]*regexp.Regexp{
	"pronoun": regexp.MustCompile(strings.Join([]string{
		"我们", "你们", "他们", "她们", "它们", "咱们",
		"我", "你", "您", "他", "她", "它",
	}, "|")),
	"relative_time": regexp.MustCompile(strings.Join([]string{
		"今天", "明天", "昨天", "前天", "后天",
		"今晚", "今早", "昨晚", "明晚",
		"刚才", "刚刚", "现在", "此刻", "等会", "待会", "稍后",
		"上周", "下周", "本周", "上个月", "下个月", "这个月",
		"今年", "去年", "明年", "最近",
	}, "|")),
	"relative_place": regexp.MustCompile(strings.Join([]string{
		"这里", "那里", "这边", "那边", "这儿", "那儿", "此处", "此地",
	}, "|")),
}

var digitRunRe = regexp.MustCompile(`[0-9]+`)

// RegexHits 按类别返回候选文本命中的相对表达，每类去重
func RegexHits(text string) map[string][]string {
	out := make(map[string][]string)
	for category, re := range relativeCategories {
		matches := re.FindAllString(text, -1)
		if len(matches) == 0 {
			continue
		}
		seen := make(map[string]struct{}, len(matches))
		var uniq []string
		for _, m := range matches {
			if _, dup := seen[m]; dup {
				continue
			}
			seen[m] = struct{}{}
			uniq = append(uniq, m)
		}
		out[category] = uniq
	}
	return out
}

// extractEntityIDs 取文本中 5 到 12 位的数字串
func extractEntityIDs(text string) map[string]struct{} {
	out := make(map[string]struct{})
	for _, run := range digitRunRe.FindAllString(text, -1) {
		if len(run) >= 5 && len(run) <= 12 {
			out[run] = struct{}{}
		}
	}
	return out
}

// EntityIDDrift 返回来源中出现、候选中丢失、且不属于身份上下文的数字 ID
func EntityIDDrift(source, candidate string, identity []int64) []string {
	known := make(map[string]struct{}, len(identity))
	for _, id := range identity {
		if id != 0 {
			known[strconv.FormatInt(id, 10)] = struct{}{}
		}
	}
	candidateIDs := extractEntityIDs(candidate)

	var drift []string
	for id := range extractEntityIDs(source) {
		if _, kept := candidateIDs[id]; kept {
			continue
		}
		if _, ident := known[id]; ident {
			continue
		}
		drift = append(drift, id)
	}
	sort.Strings(drift)
	return drift
}

// formatGateFeedback 把门的命中结果格式化为给模型的反馈块
func formatGateFeedback(hits map[string][]string, drift []string) string {
	var b strings.Builder
	b.WriteString("上一版改写未通过绝对化检查：\n")
	categoryLabels := []struct{ key, label string }{
		{"pronoun", "仍含代词"},
		{"relative_time", "仍含相对时间"},
		{"relative_place", "仍含相对地点"},
	}
	for _, c := range categoryLabels {
		if words, ok := hits[c.key]; ok {
			b.WriteString("- " + c.label + ": " + strings.Join(words, "、") + "\n")
		}
	}
	if len(drift) > 0 {
		b.WriteString("- must_keep_entity_ids（改写中必须保留这些数字 ID）: " + strings.Join(drift, ", ") + "\n")
	}
	b.WriteString("请重新改写并再次调用 submit_rewrite。")
	return b.String()
}
