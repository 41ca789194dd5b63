package wsclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/seqlab/presence/services/presence_service/internal/adapters/wsproto"
	"github.com/seqlab/presence/services/presence_service/internal/domain/entity"
	"github.com/seqlab/presence/services/presence_service/internal/ports/out"
)

const (
	writeWait     = 10 * time.Second
	pongWait      = 60 * time.Second
	handshakeWait = 10 * time.Second
)

// Option 配置项
type Option func(*Client)

func WithLogger(l *zap.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.logger = l
		}
	}
}

func WithDialer(d *websocket.Dialer) Option {
	return func(c *Client) {
		if d != nil {
			c.dialer = d
		}
	}
}

type watchHandler struct {
	onUser func(*entity.PresenceRecord)
	onAll  func([]*entity.PresenceRecord)
}

// Client 通过 WebSocket 访问在线状态后端，实现 out.PresenceBackend。
// 订阅回调在独立的推送协程里按顺序执行，回调里可以继续调用 Client。
type Client struct {
	conn   *websocket.Conn
	dialer *websocket.Dialer
	logger *zap.Logger

	writeMu sync.Mutex

	mu       sync.Mutex
	nextID   uint64
	pending  map[string]chan wsproto.Frame
	watchers map[string]watchHandler
	welcome  wsproto.WelcomeData
	err      error

	queueMu sync.Mutex
	queue   []wsproto.Frame
	signal  chan struct{}

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

var _ out.PresenceBackend = (*Client)(nil)

// Dial 建立连接并等待服务端的欢迎消息
func Dial(ctx context.Context, url, token string, opts ...Option) (*Client, error) {
	c := &Client{
		dialer:   websocket.DefaultDialer,
		logger:   zap.NewNop(),
		pending:  make(map[string]chan wsproto.Frame),
		watchers: make(map[string]watchHandler),
		signal:   make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}

	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}
	conn, resp, err := c.dialer.DialContext(ctx, url, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %s: %w", url, resp.Status, err)
		}
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	c.conn = conn

	_ = conn.SetReadDeadline(time.Now().Add(handshakeWait))
	var hello wsproto.Frame
	if err := conn.ReadJSON(&hello); err != nil {
		conn.Close()
		return nil, fmt.Errorf("read welcome: %w", err)
	}
	if hello.Type != wsproto.TypeNotify {
		conn.Close()
		return nil, fmt.Errorf("unexpected first frame %q", hello.Type)
	}
	_ = json.Unmarshal(hello.Data, &c.welcome)

	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPingHandler(func(data string) error {
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		err := conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(writeWait))
		if errors.Is(err, websocket.ErrCloseSent) {
			return nil
		}
		return err
	})

	c.wg.Add(2)
	go c.readLoop()
	go c.deliverLoop()

	c.logger.Info("presence backend connected", zap.String("conn_id", c.welcome.ConnID), zap.String("user_id", c.welcome.UserID))
	return c, nil
}

// ConnID 服务端分配的连接ID
func (c *Client) ConnID() string { return c.welcome.ConnID }

// UserID 服务端鉴权后确认的用户
func (c *Client) UserID() string { return c.welcome.UserID }

// Done 连接断开后关闭
func (c *Client) Done() <-chan struct{} { return c.done }

// Err 连接断开的原因
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *Client) Set(ctx context.Context, rec *entity.PresenceRecord) error {
	if rec == nil {
		return entity.ErrInvalidRecord
	}
	return c.request(ctx, wsproto.TypeSet, rec, nil)
}

func (c *Client) Update(ctx context.Context, userID string, patch entity.PresencePatch) error {
	return c.request(ctx, wsproto.TypeUpdate, wsproto.PatchData{UserID: userID, Patch: patch}, nil)
}

// OnDisconnect 返回时服务端已经登记钩子
func (c *Client) OnDisconnect(ctx context.Context, userID string, patch entity.PresencePatch) error {
	return c.request(ctx, wsproto.TypeOnDisconnect, wsproto.PatchData{UserID: userID, Patch: patch}, nil)
}

func (c *Client) CancelOnDisconnect(ctx context.Context, userID string) error {
	return c.request(ctx, wsproto.TypeCancelOnDisconnect, wsproto.UserRef{UserID: userID}, nil)
}

func (c *Client) Get(ctx context.Context, userID string) (*entity.PresenceRecord, error) {
	var rec entity.PresenceRecord
	if err := c.request(ctx, wsproto.TypeGet, wsproto.UserRef{UserID: userID}, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

func (c *Client) List(ctx context.Context) ([]*entity.PresenceRecord, error) {
	var records []*entity.PresenceRecord
	if err := c.request(ctx, wsproto.TypeList, nil, &records); err != nil {
		return nil, err
	}
	if records == nil {
		records = []*entity.PresenceRecord{}
	}
	return records, nil
}

func (c *Client) WatchUser(ctx context.Context, userID string, fn func(*entity.PresenceRecord)) (out.Unsubscribe, error) {
	return c.watch(ctx, wsproto.TypeWatchUser, wsproto.UserRef{UserID: userID}, watchHandler{onUser: fn})
}

func (c *Client) WatchAll(ctx context.Context, fn func([]*entity.PresenceRecord)) (out.Unsubscribe, error) {
	return c.watch(ctx, wsproto.TypeWatchAll, nil, watchHandler{onAll: fn})
}

// watch 先登记处理函数再发请求，初始推送可能早于 ack
func (c *Client) watch(ctx context.Context, t wsproto.MessageType, data any, h watchHandler) (out.Unsubscribe, error) {
	c.mu.Lock()
	if c.isClosedLocked() {
		c.mu.Unlock()
		return nil, entity.ErrDisconnected
	}
	c.nextID++
	id := "w" + strconv.FormatUint(c.nextID, 10)
	c.watchers[id] = h
	c.mu.Unlock()

	if err := c.requestWithID(ctx, id, t, data, nil); err != nil {
		c.mu.Lock()
		delete(c.watchers, id)
		c.mu.Unlock()
		return nil, err
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			delete(c.watchers, id)
			c.mu.Unlock()
			// 不等 ack，回调里取消订阅也不会阻塞
			_ = c.write(wsproto.TypeUnwatch, "", wsproto.UnwatchData{WatchID: id})
		})
	}, nil
}

func (c *Client) request(ctx context.Context, t wsproto.MessageType, data any, result any) error {
	c.mu.Lock()
	c.nextID++
	id := strconv.FormatUint(c.nextID, 10)
	c.mu.Unlock()
	return c.requestWithID(ctx, id, t, data, result)
}

func (c *Client) requestWithID(ctx context.Context, id string, t wsproto.MessageType, data any, result any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	ch := make(chan wsproto.Frame, 1)
	c.mu.Lock()
	if c.isClosedLocked() {
		c.mu.Unlock()
		return entity.ErrDisconnected
	}
	c.pending[id] = ch
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	if err := c.write(t, id, data); err != nil {
		return err
	}

	select {
	case f := <-ch:
		if f.Type == wsproto.TypeError {
			var e wsproto.ErrorData
			if err := json.Unmarshal(f.Data, &e); err != nil {
				return fmt.Errorf("decode error frame: %w", err)
			}
			return e.Err()
		}
		if result != nil && len(f.Data) > 0 {
			return json.Unmarshal(f.Data, result)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return entity.ErrDisconnected
	}
}

func (c *Client) write(t wsproto.MessageType, id string, data any) error {
	f, err := wsproto.New(t, id, data)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	select {
	case <-c.done:
		return entity.ErrDisconnected
	default:
	}
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.conn.WriteJSON(f); err != nil {
		return fmt.Errorf("write %s: %w", t, errors.Join(entity.ErrDisconnected, err))
	}
	return nil
}

func (c *Client) readLoop() {
	defer c.wg.Done()
	for {
		var f wsproto.Frame
		if err := c.conn.ReadJSON(&f); err != nil {
			c.shutdown(err)
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))

		switch f.Type {
		case wsproto.TypeAck, wsproto.TypeError, wsproto.TypePong:
			c.mu.Lock()
			ch, ok := c.pending[f.ID]
			c.mu.Unlock()
			if ok {
				ch <- f
			} else if f.Type == wsproto.TypeError {
				c.logger.Debug("unsolicited error frame", zap.String("id", f.ID), zap.ByteString("data", f.Data))
			}
		case wsproto.TypeSnapshot:
			c.enqueue(f)
		case wsproto.TypeNotify:
		default:
			c.logger.Debug("unknown frame type", zap.String("type", string(f.Type)))
		}
	}
}

func (c *Client) enqueue(f wsproto.Frame) {
	c.queueMu.Lock()
	c.queue = append(c.queue, f)
	c.queueMu.Unlock()
	select {
	case c.signal <- struct{}{}:
	default:
	}
}

func (c *Client) deliverLoop() {
	defer c.wg.Done()
	for {
		select {
		case <-c.done:
			return
		case <-c.signal:
		}
		for {
			c.queueMu.Lock()
			if len(c.queue) == 0 {
				c.queueMu.Unlock()
				break
			}
			f := c.queue[0]
			c.queue = c.queue[1:]
			c.queueMu.Unlock()
			c.dispatch(f)
		}
	}
}

func (c *Client) dispatch(f wsproto.Frame) {
	c.mu.Lock()
	h, ok := c.watchers[f.ID]
	c.mu.Unlock()
	if !ok {
		return
	}
	var data wsproto.SnapshotData
	if err := json.Unmarshal(f.Data, &data); err != nil {
		c.logger.Warn("decode snapshot failed", zap.String("watch_id", f.ID), zap.Error(err))
		return
	}
	switch {
	case h.onUser != nil:
		h.onUser(data.Record)
	case h.onAll != nil:
		records := data.Records
		if records == nil {
			records = []*entity.PresenceRecord{}
		}
		h.onAll(records)
	}
}

func (c *Client) isClosedLocked() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

func (c *Client) shutdown(cause error) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.err = cause
		c.mu.Unlock()
		close(c.done)
		_ = c.conn.Close()
		if cause != nil && !websocket.IsCloseError(cause, websocket.CloseNormalClosure) {
			c.logger.Warn("presence backend connection lost", zap.Error(cause))
		}
	})
}

// Close 主动断开，服务端随即执行本连接登记的断线钩子；重复调用安全
func (c *Client) Close() error {
	c.writeMu.Lock()
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
	c.writeMu.Unlock()
	c.shutdown(nil)
	c.wg.Wait()
	return nil
}
