package onebot

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/69gg/Undefined-sub000/internal/domain/entity"
	"github.com/69gg/Undefined-sub000/internal/infrastructure/config"
	apperrors "github.com/69gg/Undefined-sub000/pkg/errors"
	"github.com/69gg/Undefined-sub000/pkg/safego"
)

// EventHandler 收到上报事件时的回调
type EventHandler func(ev *Event)

// Client OneBot 正向 WebSocket 客户端。
// 同一条连接上复用事件流和 API 调用流，API 响应按 echo 字段关联。
type Client struct {
	url         string
	accessToken string
	callTimeout time.Duration
	reconnect   time.Duration
	logger      *zap.Logger
	handler     EventHandler

	mu      sync.Mutex // 保护 conn 写入
	conn    *websocket.Conn
	pending sync.Map // echo -> chan apiResponse
}

type apiResponse struct {
	Status  string          `json:"status"`
	RetCode int             `json:"retcode"`
	Data    json.RawMessage `json:"data"`
	Message string          `json:"message"`
	Echo    string          `json:"echo"`
}

// NewClient 创建客户端，Run 之前不建立连接
func NewClient(cfg config.OneBotConfig, handler EventHandler, logger *zap.Logger) *Client {
	callTimeout := cfg.CallTimeout
	if callTimeout <= 0 {
		callTimeout = 30 * time.Second
	}
	reconnect := cfg.ReconnectWait
	if reconnect <= 0 {
		reconnect = 3 * time.Second
	}
	return &Client{
		url:         cfg.URL,
		accessToken: cfg.AccessToken,
		callTimeout: callTimeout,
		reconnect:   reconnect,
		logger:      logger,
		handler:     handler,
	}
}

// Run 维持连接直到 ctx 取消，断线后等待 reconnect_wait 重连
func (c *Client) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		if err := c.connectAndRead(ctx); err != nil && ctx.Err() == nil {
			c.logger.Warn("OneBot 连接断开，等待重连",
				zap.String("url", c.url),
				zap.Duration("wait", c.reconnect),
				zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(c.reconnect):
		}
	}
}

func (c *Client) connectAndRead(ctx context.Context) error {
	header := http.Header{}
	if c.accessToken != "" {
		header.Set("Authorization", "Bearer "+c.accessToken)
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.url, header)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	c.logger.Info("OneBot 已连接", zap.String("url", c.url))

	// ctx 取消时主动关闭连接，打断阻塞的 ReadMessage
	done := make(chan struct{})
	defer close(done)
	safego.Go(c.logger, "onebot-closer", func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.mu.Lock()
			c.conn = nil
			c.mu.Unlock()
			c.failPending()
			return err
		}
		c.dispatch(data)
	}
}

// dispatch 区分 API 响应（带 echo）和上报事件（带 post_type）
func (c *Client) dispatch(data []byte) {
	var probe struct {
		Echo     string `json:"echo"`
		PostType string `json:"post_type"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		c.logger.Warn("OneBot 消息解析失败", zap.Error(err))
		return
	}

	if probe.Echo != "" {
		var resp apiResponse
		if err := json.Unmarshal(data, &resp); err != nil {
			c.logger.Warn("OneBot API 响应解析失败", zap.Error(err))
			return
		}
		if ch, ok := c.pending.LoadAndDelete(resp.Echo); ok {
			ch.(chan apiResponse) <- resp
		}
		return
	}

	if probe.PostType == "" || probe.PostType == "meta_event" {
		return
	}
	ev, err := decodeEvent(data)
	if err != nil {
		c.logger.Warn("OneBot 事件解析失败", zap.Error(err))
		return
	}
	if c.handler != nil {
		c.handler(ev)
	}
}

// failPending 断线时让所有等待中的调用立即失败
func (c *Client) failPending() {
	c.pending.Range(func(key, value any) bool {
		c.pending.Delete(key)
		close(value.(chan apiResponse))
		return true
	})
}

// CallAction 发起一次 OneBot API 调用并等待对应响应
func (c *Client) CallAction(ctx context.Context, action string, params map[string]any) (json.RawMessage, error) {
	echo := uuid.NewString()
	payload, err := json.Marshal(map[string]any{
		"action": action,
		"params": params,
		"echo":   echo,
	})
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.CodeInternal, "API 请求序列化失败", 500)
	}

	ch := make(chan apiResponse, 1)
	c.pending.Store(echo, ch)
	defer c.pending.Delete(echo)

	c.mu.Lock()
	conn := c.conn
	if conn == nil {
		c.mu.Unlock()
		return nil, apperrors.New(apperrors.CodeInternal, "OneBot 未连接", 503)
	}
	err = conn.WriteMessage(websocket.TextMessage, payload)
	c.mu.Unlock()
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.CodeInternal, "API 请求发送失败", 502)
	}

	timer := time.NewTimer(c.callTimeout)
	defer timer.Stop()
	select {
	case resp, ok := <-ch:
		if !ok {
			return nil, apperrors.New(apperrors.CodeInternal, "连接断开，API 调用中止", 503)
		}
		if resp.Status == "failed" || resp.RetCode != 0 {
			return nil, apperrors.New(apperrors.CodeInternal,
				fmt.Sprintf("OneBot API %s 失败: retcode=%d %s", action, resp.RetCode, resp.Message), 502)
		}
		return resp.Data, nil
	case <-timer.C:
		return nil, apperrors.New(apperrors.CodeInternal, fmt.Sprintf("OneBot API %s 超时", action), 504)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// SendGroupMessage 发送群消息，返回 message_id
func (c *Client) SendGroupMessage(ctx context.Context, groupID int64, segments []entity.Segment) (int64, error) {
	return c.sendMessage(ctx, "send_group_msg", map[string]any{
		"group_id": groupID,
		"message":  SegmentsToWire(segments),
	})
}

// SendPrivateMessage 发送私聊消息，返回 message_id
func (c *Client) SendPrivateMessage(ctx context.Context, userID int64, segments []entity.Segment) (int64, error) {
	return c.sendMessage(ctx, "send_private_msg", map[string]any{
		"user_id": userID,
		"message": SegmentsToWire(segments),
	})
}

func (c *Client) sendMessage(ctx context.Context, action string, params map[string]any) (int64, error) {
	data, err := c.CallAction(ctx, action, params)
	if err != nil {
		return 0, err
	}
	var resp struct {
		MessageID int64 `json:"message_id"`
	}
	if len(data) > 0 {
		if err := json.Unmarshal(data, &resp); err != nil {
			return 0, apperrors.Wrap(err, apperrors.CodeInternal, "message_id 解析失败", 500)
		}
	}
	return resp.MessageID, nil
}

// SendGroupPoke 群内戳一戳
func (c *Client) SendGroupPoke(ctx context.Context, groupID, userID int64) error {
	_, err := c.CallAction(ctx, "group_poke", map[string]any{
		"group_id": groupID,
		"user_id":  userID,
	})
	return err
}

// SendPrivatePoke 私聊戳一戳
func (c *Client) SendPrivatePoke(ctx context.Context, userID int64) error {
	_, err := c.CallAction(ctx, "friend_poke", map[string]any{
		"user_id": userID,
	})
	return err
}

// SendLike 给用户资料卡点赞
func (c *Client) SendLike(ctx context.Context, userID int64, times int) error {
	if times <= 0 {
		times = 1
	}
	_, err := c.CallAction(ctx, "send_like", map[string]any{
		"user_id": userID,
		"times":   times,
	})
	return err
}

// SetMsgEmojiLike 给消息贴表情回应
func (c *Client) SetMsgEmojiLike(ctx context.Context, messageID int64, emojiID string) error {
	_, err := c.CallAction(ctx, "set_msg_emoji_like", map[string]any{
		"message_id": messageID,
		"emoji_id":   emojiID,
	})
	return err
}

// HistoryMessage 群历史接口返回的一条消息
type HistoryMessage struct {
	MessageID int64            `json:"message_id"`
	Sender    entity.Sender    `json:"sender"`
	Time      int64            `json:"time"`
	Segments  []entity.Segment `json:"-"`
}

// GetGroupMsgHistory 拉取群历史消息
func (c *Client) GetGroupMsgHistory(ctx context.Context, groupID int64, count int) ([]HistoryMessage, error) {
	data, err := c.CallAction(ctx, "get_group_msg_history", map[string]any{
		"group_id": groupID,
		"count":    count,
	})
	if err != nil {
		return nil, err
	}
	var resp struct {
		Messages []struct {
			HistoryMessage
			Message []wireSegment `json:"message"`
		} `json:"messages"`
	}
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, apperrors.Wrap(err, apperrors.CodeInternal, "历史消息解析失败", 500)
	}
	out := make([]HistoryMessage, 0, len(resp.Messages))
	for _, m := range resp.Messages {
		hm := m.HistoryMessage
		hm.Segments = WireToSegments(m.Message)
		out = append(out, hm)
	}
	return out, nil
}

// GetMsg 按 message_id 取单条消息
func (c *Client) GetMsg(ctx context.Context, messageID int64) (*HistoryMessage, error) {
	data, err := c.CallAction(ctx, "get_msg", map[string]any{"message_id": messageID})
	if err != nil {
		return nil, err
	}
	var resp struct {
		HistoryMessage
		Message []wireSegment `json:"message"`
	}
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, apperrors.Wrap(err, apperrors.CodeInternal, "消息解析失败", 500)
	}
	hm := resp.HistoryMessage
	hm.Segments = WireToSegments(resp.Message)
	return &hm, nil
}

// GetImage 取图片缓存文件信息，返回可访问的 URL 或本地路径
func (c *Client) GetImage(ctx context.Context, file string) (string, error) {
	data, err := c.CallAction(ctx, "get_image", map[string]any{"file": file})
	if err != nil {
		return "", err
	}
	var resp struct {
		URL  string `json:"url"`
		File string `json:"file"`
	}
	if err := json.Unmarshal(data, &resp); err != nil {
		return "", apperrors.Wrap(err, apperrors.CodeInternal, "图片信息解析失败", 500)
	}
	if resp.URL != "" {
		return resp.URL, nil
	}
	return resp.File, nil
}

// ForwardNode 合并转发消息里的一个节点
type ForwardNode struct {
	Sender   entity.Sender    `json:"sender"`
	Segments []entity.Segment `json:"-"`
}

// GetForwardMsg 展开合并转发消息
func (c *Client) GetForwardMsg(ctx context.Context, forwardID string) ([]ForwardNode, error) {
	data, err := c.CallAction(ctx, "get_forward_msg", map[string]any{"id": forwardID})
	if err != nil {
		return nil, err
	}
	var resp struct {
		Messages []struct {
			Sender  entity.Sender `json:"sender"`
			Message []wireSegment `json:"message"`
		} `json:"messages"`
	}
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, apperrors.Wrap(err, apperrors.CodeInternal, "合并转发解析失败", 500)
	}
	out := make([]ForwardNode, 0, len(resp.Messages))
	for _, m := range resp.Messages {
		out = append(out, ForwardNode{Sender: m.Sender, Segments: WireToSegments(m.Message)})
	}
	return out, nil
}

// SendGroupForwardMsg 以合并转发形式发送多段内容
func (c *Client) SendGroupForwardMsg(ctx context.Context, groupID int64, selfID int64, name string, contents [][]entity.Segment) (int64, error) {
	nodes := make([]map[string]any, 0, len(contents))
	for _, segs := range contents {
		nodes = append(nodes, map[string]any{
			"type": "node",
			"data": map[string]any{
				"user_id":  selfID,
				"nickname": name,
				"content":  SegmentsToWire(segs),
			},
		})
	}
	return c.sendMessage(ctx, "send_group_forward_msg", map[string]any{
		"group_id": groupID,
		"messages": nodes,
	})
}
