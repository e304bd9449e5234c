package onebot

import (
	"fmt"
	"sort"
	"strings"

	"github.com/69gg/Undefined-sub000/internal/domain/entity"
)

// CQ 码转义规则：文本部分转义 & [ ]，参数值另加逗号。

var (
	cqTextEscaper   = strings.NewReplacer("&", "&amp;", "[", "&#91;", "]", "&#93;")
	cqTextUnescaper = strings.NewReplacer("&#91;", "[", "&#93;", "]", "&amp;", "&")
	cqArgEscaper    = strings.NewReplacer("&", "&amp;", "[", "&#91;", "]", "&#93;", ",", "&#44;")
	cqArgUnescaper  = strings.NewReplacer("&#44;", ",", "&#91;", "[", "&#93;", "]", "&amp;", "&")
)

// SegmentsToCQ 把段数组渲染为 CQ 码字符串
func SegmentsToCQ(segments []entity.Segment) string {
	var b strings.Builder
	for _, seg := range segments {
		if seg.Type == "text" {
			b.WriteString(cqTextEscaper.Replace(seg.Data["text"]))
			continue
		}
		b.WriteString("[CQ:")
		b.WriteString(seg.Type)
		keys := make([]string, 0, len(seg.Data))
		for k := range seg.Data {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			b.WriteByte(',')
			b.WriteString(k)
			b.WriteByte('=')
			b.WriteString(cqArgEscaper.Replace(seg.Data[k]))
		}
		b.WriteByte(']')
	}
	return b.String()
}

// ParseSegments 解析 CQ 码字符串为段数组，与 SegmentsToCQ 互逆
func ParseSegments(raw string) []entity.Segment {
	var out []entity.Segment
	for len(raw) > 0 {
		start := strings.Index(raw, "[CQ:")
		if start < 0 {
			out = appendText(out, raw)
			break
		}
		if start > 0 {
			out = appendText(out, raw[:start])
		}
		end := strings.Index(raw[start:], "]")
		if end < 0 {
			// 未闭合，按纯文本处理
			out = appendText(out, raw[start:])
			break
		}
		out = append(out, parseCQ(raw[start+4:start+end]))
		raw = raw[start+end+1:]
	}
	return out
}

func appendText(segs []entity.Segment, escaped string) []entity.Segment {
	if escaped == "" {
		return segs
	}
	return append(segs, entity.NewTextSegment(cqTextUnescaper.Replace(escaped)))
}

func parseCQ(body string) entity.Segment {
	parts := strings.Split(body, ",")
	seg := entity.Segment{Type: parts[0], Data: make(map[string]string)}
	for _, part := range parts[1:] {
		kv := strings.SplitN(part, "=", 2)
		if len(kv) != 2 {
			continue
		}
		seg.Data[kv[0]] = cqArgUnescaper.Replace(kv[1])
	}
	return seg
}

// SegmentsToWire 把段数组转成 OneBot 消息数组形式
func SegmentsToWire(segments []entity.Segment) []map[string]any {
	out := make([]map[string]any, 0, len(segments))
	for _, seg := range segments {
		data := make(map[string]any, len(seg.Data))
		for k, v := range seg.Data {
			data[k] = v
		}
		out = append(out, map[string]any{"type": seg.Type, "data": data})
	}
	return out
}

// WireToSegments 解析 OneBot 消息数组
func WireToSegments(raw []wireSegment) []entity.Segment {
	out := make([]entity.Segment, 0, len(raw))
	for _, ws := range raw {
		seg := entity.Segment{Type: ws.Type, Data: make(map[string]string)}
		for k, v := range ws.Data {
			seg.Data[k] = fmt.Sprint(v)
		}
		out = append(out, seg)
	}
	return out
}

type wireSegment struct {
	Type string         `json:"type"`
	Data map[string]any `json:"data"`
}
