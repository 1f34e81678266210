package server

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// ClientConn 负责发送（写）数据到客户端的轻量包装
type ClientConn struct {
	ws   *websocket.Conn
	send chan []byte

	mu      sync.Mutex
	closed  bool
	started bool
	done    chan struct{} // 写协程退出时关闭
}

// NewClientConn 创建连接包装；队列至少能容纳全部入场消息，保证入场阶段不丢消息
func NewClientConn(ws *websocket.Conn, buffer int) *ClientConn {
	if buffer < onboardingMessages {
		buffer = onboardingMessages
	}
	return &ClientConn{
		ws:   ws,
		send: make(chan []byte, buffer),
		done: make(chan struct{}),
	}
}

// Start 启动写协程
func (c *ClientConn) Start(writeWait, pingPeriod time.Duration) {
	c.mu.Lock()
	c.started = true
	c.mu.Unlock()
	go c.writePump(writeWait, pingPeriod)
}

// Done 写协程退出后关闭；写协程从未启动时立即返回已关闭的通道
func (c *ClientConn) Done() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.started {
		closed := make(chan struct{})
		close(closed)
		return closed
	}
	return c.done
}

// Enqueue 将要发送的消息压入队列（非阻塞）
// 队列满或连接已关闭时返回 false，由调用方跳过该对端
func (c *ClientConn) Enqueue(b []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- b:
		return true
	default:
		return false
	}
}

// Close 关闭发送队列（幂等）；写协程发出 close 帧后关闭底层连接
func (c *ClientConn) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
}

// writePump 独立协程，负责从 send 队列写出到 WS，并定期发送 ping
func (c *ClientConn) writePump(writeWait, pingPeriod time.Duration) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.ws.Close()
		close(c.done)
	}()

	for {
		select {
		case msg, ok := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// 队列已关闭：礼貌地结束连接
				_ = c.ws.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			// 每条消息独占一帧，客户端按帧解析 JSON
			if err := c.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
				Log.Debugw("write failed", "err", err)
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump 按接收顺序逐帧交给 handle，连接关闭或出错时返回
func (c *ClientConn) readPump(maxMessageBytes int64, pongWait time.Duration, handle func([]byte)) error {
	c.ws.SetReadLimit(maxMessageBytes)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		mt, payload, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
				return err
			}
			return nil
		}
		if mt != websocket.TextMessage && mt != websocket.BinaryMessage {
			continue
		}
		handle(payload)
	}
}

// newUpgrader 根据允许的来源构造 Upgrader；列表为空时允许所有来源
func newUpgrader(allowedOrigins []string) websocket.Upgrader {
	allowed := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		allowed[o] = true
	}
	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			if len(allowed) == 0 {
				return true
			}
			origin := r.Header.Get("Origin")
			return origin == "" || allowed[origin]
		},
	}
}

// HandleWS WebSocket 接入：每个连接分配新身份并进入会话生命周期
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade 已向客户端写回错误响应
		Log.Warnw("upgrade error", "remote", r.RemoteAddr, "err", err)
		return
	}

	client := NewClientConn(ws, h.cfg.SendBuffer)
	client.Start(h.cfg.WriteWait, h.cfg.PingPeriod())
	go func() {
		if err := h.Serve(client); err != nil {
			Log.Infow("session ended with error", "remote", r.RemoteAddr, "err", err)
		}
	}()
}
