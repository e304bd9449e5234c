package onebot

import (
	"encoding/json"

	"github.com/69gg/Undefined-sub000/internal/domain/entity"
)

// Event OneBot 上报事件（message / notice / meta_event）
type Event struct {
	PostType    string           `json:"post_type"`
	MessageType string           `json:"message_type,omitempty"` // group / private
	SubType     string           `json:"sub_type,omitempty"`
	NoticeType  string           `json:"notice_type,omitempty"`
	MessageID   int64            `json:"message_id,omitempty"`
	UserID      int64            `json:"user_id,omitempty"`
	GroupID     int64            `json:"group_id,omitempty"`
	TargetID    int64            `json:"target_id,omitempty"`
	SelfID      int64            `json:"self_id,omitempty"`
	Sender      entity.Sender    `json:"sender,omitempty"`
	Segments    []entity.Segment `json:"-"`
	RawMessage  string           `json:"raw_message,omitempty"`
	Time        int64            `json:"time,omitempty"`
}

// PlainText 返回事件消息的纯文本部分
func (e *Event) PlainText() string {
	return entity.PlainText(e.Segments)
}

// decodeEvent 解析事件 JSON。message 字段兼容段数组和 CQ 码字符串两种形状。
func decodeEvent(data []byte) (*Event, error) {
	var raw struct {
		Event
		Message json.RawMessage `json:"message"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, err
	}
	ev := raw.Event
	if len(raw.Message) > 0 {
		switch raw.Message[0] {
		case '[':
			var wire []wireSegment
			if err := json.Unmarshal(raw.Message, &wire); err != nil {
				return nil, err
			}
			ev.Segments = WireToSegments(wire)
		case '"':
			var cq string
			if err := json.Unmarshal(raw.Message, &cq); err != nil {
				return nil, err
			}
			ev.Segments = ParseSegments(cq)
		}
	}
	return &ev, nil
}
