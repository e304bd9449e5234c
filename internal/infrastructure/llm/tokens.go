package llm

import (
	"sync"

	"github.com/pkoukk/tiktoken-go"

	"github.com/69gg/Undefined-sub000/internal/domain/entity"
)

var (
	encOnce sync.Once
	enc     *tiktoken.Tiktoken
)

// countTokens 用 cl100k_base 估算文本 token 数。
// tokenizer 初始化失败时退化为按 4 字符 1 token 估算。
func countTokens(text string) int {
	encOnce.Do(func() {
		enc, _ = tiktoken.GetEncoding("cl100k_base")
	})
	if enc == nil {
		return (len(text) + 3) / 4
	}
	return len(enc.Encode(text, nil, nil))
}

// estimateUsage 在响应缺失 usage 时给出尽力估算
func estimateUsage(messages []entity.Message, completion string) entity.Usage {
	prompt := 0
	for _, m := range messages {
		prompt += countTokens(m.Content)
		for _, tc := range m.ToolCalls {
			prompt += countTokens(tc.Function.Name) + countTokens(tc.Function.Arguments)
		}
	}
	out := countTokens(completion)
	return entity.Usage{
		PromptTokens:     prompt,
		CompletionTokens: out,
		TotalTokens:      prompt + out,
		Estimated:        true,
	}
}
