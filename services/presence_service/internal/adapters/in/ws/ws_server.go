package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/seqlab/presence/pkg/jwt"
	"github.com/seqlab/presence/pkg/zlog"
	"github.com/seqlab/presence/services/presence_service/internal/adapters/out/realtime"
	"github.com/seqlab/presence/services/presence_service/internal/adapters/wsproto"
	"github.com/seqlab/presence/services/presence_service/internal/domain/entity"
	"github.com/seqlab/presence/services/presence_service/internal/ports/in"
	"github.com/seqlab/presence/services/presence_service/internal/ports/out"
)

const (
	// 写超时
	writeWait = 10 * time.Second
	// Pong等待时间
	pongWait = 60 * time.Second
	// Ping周期（必须小于pongWait）
	pingPeriod = 30 * time.Second
	// 最大消息大小
	maxMessageSize = 64 * 1024
	// 单个请求的处理超时
	requestTimeout = 5 * time.Second
	// 发送缓冲
	sendBuffer = 256
	// 看板订阅使用的固定ID
	dashboardWatchID = "dashboard"
)

// QueryFactory 基于一个连接构造看板查询
type QueryFactory func(reader out.PresenceReader) in.PresenceQuery

// Connection 一个 WebSocket 连接，对应 hub 中的一个后端连接
type Connection struct {
	conn    *websocket.Conn
	backend *realtime.Conn
	logger  *zap.Logger

	send      chan []byte
	done      chan struct{}
	closed    int32
	closeOnce sync.Once

	watchMu sync.Mutex
	watches map[string]out.Unsubscribe
}

func newConnection(conn *websocket.Conn, backend *realtime.Conn, logger *zap.Logger) *Connection {
	return &Connection{
		conn:    conn,
		backend: backend,
		logger:  logger.With(zap.String("conn_id", backend.ID()), zlog.UserID(backend.Owner())),
		send:    make(chan []byte, sendBuffer),
		done:    make(chan struct{}),
		watches: make(map[string]out.Unsubscribe),
	}
}

// Send 非阻塞写入发送缓冲，缓冲满时断开慢连接
func (c *Connection) Send(message []byte) error {
	if atomic.LoadInt32(&c.closed) == 1 {
		return fmt.Errorf("connection closed")
	}

	select {
	case c.send <- message:
		return nil
	case <-c.done:
		return fmt.Errorf("connection closed")
	default:
		c.logger.Warn("send buffer full, dropping slow connection")
		c.Close()
		return fmt.Errorf("send buffer full")
	}
}

// Close 只关闭 socket，断线钩子由 ReadPump 退出时执行
func (c *Connection) Close() error {
	var err error
	c.closeOnce.Do(func() {
		atomic.StoreInt32(&c.closed, 1)
		close(c.done)
		err = c.conn.Close()
	})
	return err
}

func (c *Connection) IsClosed() bool {
	return atomic.LoadInt32(&c.closed) == 1
}

// ReadPump 读取消息
func (c *Connection) ReadPump() {
	defer c.cleanup()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				c.logger.Warn("websocket read error", zap.Error(err))
			}
			break
		}

		c.handleMessage(message)
	}
}

// WritePump 写入消息
func (c *Connection) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Close()
	}()

	for {
		select {
		case <-c.done:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return

		case message := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.logger.Debug("websocket write error", zap.Error(err))
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// cleanup 连接断开（无论是否优雅）都会走到这里，断线钩子在此执行
func (c *Connection) cleanup() {
	c.watchMu.Lock()
	watches := c.watches
	c.watches = nil
	c.watchMu.Unlock()
	for _, unsub := range watches {
		unsub()
	}

	if err := c.backend.Close(); err != nil {
		c.logger.Warn("disconnect hooks failed", zap.Error(err))
	}
	c.Close()

	c.logger.Info("connection cleanup")
}

func (c *Connection) handleMessage(data []byte) {
	var msg wsproto.Frame
	if err := json.Unmarshal(data, &msg); err != nil {
		c.sendError("", fmt.Errorf("invalid message format: %w", entity.ErrInvalidRecord))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	switch msg.Type {
	case wsproto.TypePing:
		c.sendFrame(wsproto.TypePong, msg.ID, nil)

	case wsproto.TypeSet:
		var rec entity.PresenceRecord
		if err := json.Unmarshal(msg.Data, &rec); err != nil {
			c.sendError(msg.ID, fmt.Errorf("invalid set data: %w", entity.ErrInvalidRecord))
			return
		}
		c.reply(msg.ID, nil, c.backend.Set(ctx, &rec))

	case wsproto.TypeUpdate:
		var req wsproto.PatchData
		if err := json.Unmarshal(msg.Data, &req); err != nil {
			c.sendError(msg.ID, fmt.Errorf("invalid update data: %w", entity.ErrInvalidRecord))
			return
		}
		c.reply(msg.ID, nil, c.backend.Update(ctx, req.UserID, req.Patch))

	case wsproto.TypeGet:
		var req wsproto.UserRef
		if err := json.Unmarshal(msg.Data, &req); err != nil {
			c.sendError(msg.ID, fmt.Errorf("invalid get data: %w", entity.ErrInvalidRecord))
			return
		}
		rec, err := c.backend.Get(ctx, req.UserID)
		c.reply(msg.ID, rec, err)

	case wsproto.TypeList:
		records, err := c.backend.List(ctx)
		c.reply(msg.ID, records, err)

	case wsproto.TypeOnDisconnect:
		var req wsproto.PatchData
		if err := json.Unmarshal(msg.Data, &req); err != nil {
			c.sendError(msg.ID, fmt.Errorf("invalid on_disconnect data: %w", entity.ErrInvalidRecord))
			return
		}
		c.reply(msg.ID, nil, c.backend.OnDisconnect(ctx, req.UserID, req.Patch))

	case wsproto.TypeCancelOnDisconnect:
		var req wsproto.UserRef
		if err := json.Unmarshal(msg.Data, &req); err != nil {
			c.sendError(msg.ID, fmt.Errorf("invalid cancel_on_disconnect data: %w", entity.ErrInvalidRecord))
			return
		}
		c.reply(msg.ID, nil, c.backend.CancelOnDisconnect(ctx, req.UserID))

	case wsproto.TypeWatchUser:
		var req wsproto.UserRef
		if err := json.Unmarshal(msg.Data, &req); err != nil {
			c.sendError(msg.ID, fmt.Errorf("invalid watch_user data: %w", entity.ErrInvalidRecord))
			return
		}
		c.handleWatch(ctx, msg.ID, func(id string) (out.Unsubscribe, error) {
			return c.backend.WatchUser(ctx, req.UserID, func(rec *entity.PresenceRecord) {
				c.sendFrame(wsproto.TypeSnapshot, id, wsproto.SnapshotData{Record: rec})
			})
		})

	case wsproto.TypeWatchAll:
		c.handleWatch(ctx, msg.ID, func(id string) (out.Unsubscribe, error) {
			return c.backend.WatchAll(ctx, func(records []*entity.PresenceRecord) {
				c.sendFrame(wsproto.TypeSnapshot, id, wsproto.SnapshotData{Records: records})
			})
		})

	case wsproto.TypeUnwatch:
		var req wsproto.UnwatchData
		if err := json.Unmarshal(msg.Data, &req); err != nil {
			c.sendError(msg.ID, fmt.Errorf("invalid unwatch data: %w", entity.ErrInvalidRecord))
			return
		}
		c.watchMu.Lock()
		unsub, ok := c.watches[req.WatchID]
		delete(c.watches, req.WatchID)
		c.watchMu.Unlock()
		if ok {
			unsub()
		}
		c.reply(msg.ID, nil, nil)

	default:
		c.sendError(msg.ID, fmt.Errorf("unknown message type %q: %w", msg.Type, entity.ErrInvalidRecord))
	}
}

// handleWatch 订阅ID就是请求ID，初始推送可能先于 ack 到达
func (c *Connection) handleWatch(ctx context.Context, id string, subscribe func(id string) (out.Unsubscribe, error)) {
	if id == "" {
		c.sendError(id, fmt.Errorf("watch requires an id: %w", entity.ErrInvalidRecord))
		return
	}
	c.watchMu.Lock()
	_, dup := c.watches[id]
	c.watchMu.Unlock()
	if dup {
		c.sendError(id, fmt.Errorf("watch %s already exists: %w", id, entity.ErrInvalidRecord))
		return
	}
	if err := ctx.Err(); err != nil {
		c.sendError(id, err)
		return
	}

	unsub, err := subscribe(id)
	if err != nil {
		c.sendError(id, err)
		return
	}
	c.watchMu.Lock()
	if c.watches == nil {
		c.watchMu.Unlock()
		unsub()
		return
	}
	c.watches[id] = unsub
	c.watchMu.Unlock()
	c.reply(id, nil, nil)
}

func (c *Connection) reply(id string, data any, err error) {
	if err != nil {
		c.sendError(id, err)
		return
	}
	c.sendFrame(wsproto.TypeAck, id, data)
}

func (c *Connection) sendFrame(t wsproto.MessageType, id string, data any) {
	f, err := wsproto.New(t, id, data)
	if err != nil {
		c.logger.Warn("encode frame failed", zap.String("type", string(t)), zap.Error(err))
		return
	}
	c.sendJSON(f)
}

func (c *Connection) sendJSON(msg wsproto.Frame) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	_ = c.Send(data)
}

func (c *Connection) sendError(id string, err error) {
	c.sendJSON(wsproto.ErrorFrame(id, err))
}

// Server WebSocket 入口：所有者连接与看板连接
type Server struct {
	hub      *realtime.Hub
	tokens   jwt.Manager
	newQuery QueryFactory
	logger   *zap.Logger
	upgrader websocket.Upgrader

	mu    sync.Mutex
	conns map[*Connection]struct{}
	wg    sync.WaitGroup
}

func NewServer(hub *realtime.Hub, tokens jwt.Manager, newQuery QueryFactory, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		hub:      hub,
		tokens:   tokens,
		newQuery: newQuery,
		logger:   logger,
		conns:    make(map[*Connection]struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
}

// ErrUnauthorized 缺少或无效的令牌
var ErrUnauthorized = errors.New("unauthorized")

func (s *Server) authenticate(r *http.Request) (*jwt.Claims, error) {
	token := jwt.TokenFromRequest(r)
	if token == "" {
		return nil, ErrUnauthorized
	}
	claims, err := s.tokens.Parse(token)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}
	return claims, nil
}

// HandleConnection 所有者连接，只能写令牌 subject 对应的记录
func (s *Server) HandleConnection(w http.ResponseWriter, r *http.Request) {
	claims, err := s.authenticate(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusUnauthorized)
		return
	}
	s.serve(w, r, claims.Subject, false)
}

// HandleDashboard 看板连接，建立后自动推送排好序的全量列表
func (s *Server) HandleDashboard(w http.ResponseWriter, r *http.Request) {
	claims, err := s.authenticate(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusUnauthorized)
		return
	}
	s.serve(w, r, claims.Subject, true)
}

func (s *Server) serve(w http.ResponseWriter, r *http.Request, owner string, dashboard bool) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade error", zap.Error(err))
		return
	}

	backend := s.hub.Connect(owner)
	wsConn := newConnection(conn, backend, s.logger)

	s.mu.Lock()
	s.conns[wsConn] = struct{}{}
	s.mu.Unlock()

	// 启动读写协程
	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		wsConn.WritePump()
	}()
	go func() {
		defer s.wg.Done()
		wsConn.ReadPump()
		s.mu.Lock()
		delete(s.conns, wsConn)
		s.mu.Unlock()
	}()

	// 发送连接成功消息
	wsConn.sendFrame(wsproto.TypeNotify, "", wsproto.WelcomeData{
		Status:     "connected",
		ConnID:     backend.ID(),
		UserID:     owner,
		ServerTime: time.Now().UnixMilli(),
	})

	if dashboard && s.newQuery != nil {
		query := s.newQuery(backend)
		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()
		unsub, err := query.SubscribeToAllPresence(ctx, func(records []*entity.PresenceRecord) {
			wsConn.sendFrame(wsproto.TypeSnapshot, dashboardWatchID, wsproto.SnapshotData{Records: records})
		})
		if err != nil {
			wsConn.sendError(dashboardWatchID, err)
			wsConn.Close()
			return
		}
		wsConn.watchMu.Lock()
		if wsConn.watches == nil {
			wsConn.watchMu.Unlock()
			unsub()
			return
		}
		wsConn.watches[dashboardWatchID] = unsub
		wsConn.watchMu.Unlock()
	}

	s.logger.Info("websocket connected", zap.String("conn_id", backend.ID()), zlog.UserID(owner), zap.Bool("dashboard", dashboard))
}

// ConnectionCount 当前 WebSocket 连接数
func (s *Server) ConnectionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// Shutdown 关闭全部 socket 并等待清理完成，各连接的断线钩子会在这里执行
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	conns := make([]*Connection, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		c.Close()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
