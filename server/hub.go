package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/gorilla/websocket"
)

// ErrHubClosed Hub 已关闭，不再接受新连接
var ErrHubClosed = errors.New("hub closed")

// onboardingMessages 入场时写入新连接队列的消息数：欢迎、本地玩家、快照
const onboardingMessages = 3

// PeerFilter 广播时决定某个对端是否接收
type PeerFilter func(id PlayerID) bool

// AllPeers 包括发送者在内的所有连接
func AllPeers(PlayerID) bool { return true }

// ExceptPeer 除 sender 外的所有连接
func ExceptPeer(sender PlayerID) PeerFilter {
	return func(id PlayerID) bool { return id != sender }
}

// Hub 维护在线连接集合，负责会话的入场/离场以及扇出广播
// 注册表是唯一的共享可变状态；连接集合只用于投递
type Hub struct {
	cfg      RelayConfig
	registry *Registry
	router   *Router
	metrics  *RelayMetrics
	upgrader websocket.Upgrader
	newID    func() PlayerID

	// lifecycle 串行化入场与离场，保证新玩家要么出现在快照里，要么收到 spawn_new_player
	lifecycle sync.Mutex
	closed    bool
	sessions  sync.WaitGroup // join 时加一，leave 完成时减一

	mu    sync.RWMutex
	conns map[PlayerID]*ClientConn
}

// NewHub 按配置创建 Hub 及其注册表
func NewHub(cfg Config) *Hub {
	h := &Hub{
		cfg:      cfg.Relay,
		registry: NewRegistry(cfg.Relay.SpawnX, cfg.Relay.SpawnY),
		metrics:  &RelayMetrics{},
		upgrader: newUpgrader(cfg.Server.AllowedOrigins),
		newID:    NewPlayerID,
		conns:    make(map[PlayerID]*ClientConn),
	}
	h.router = NewRouter(h.registry, h, h.metrics)
	return h
}

func (h *Hub) Registry() *Registry { return h.registry }

func (h *Hub) Metrics() *RelayMetrics { return h.metrics }

func (h *Hub) Config() RelayConfig { return h.cfg }

// ConnectionCount 当前在线连接数
func (h *Hub) ConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// Serve 驱动一个连接的完整生命周期：入场 → 消息循环 → 离场
// 阻塞直到连接的读循环结束
func (h *Hub) Serve(conn *ClientConn) error {
	s, err := h.join(conn)
	if err != nil {
		conn.Close()
		return err
	}
	defer h.leave(s)

	s.setState(StateActive)
	return conn.readPump(h.cfg.MaxMessageBytes, h.cfg.PongWait, s.handleFrame)
}

// join 生成身份并写入注册表，向新连接发送入场消息，再通知其他连接
func (h *Hub) join(conn *ClientConn) (*Session, error) {
	h.lifecycle.Lock()
	defer h.lifecycle.Unlock()

	if h.closed {
		return nil, ErrHubClosed
	}

	s := newSession(h.newID(), h, conn)
	if _, err := h.registry.Add(s.id); err != nil {
		return nil, fmt.Errorf("joining: %w", err)
	}
	player, ok := h.registry.Get(s.id)
	if !ok {
		return nil, fmt.Errorf("joining: player %q vanished after add", s.id)
	}

	// 顺序固定：欢迎 → 本地玩家 → 已在线玩家快照
	h.send(conn, JoinedServerMessage(s.id))
	h.send(conn, SpawnLocalPlayerMessage(player))
	h.send(conn, SpawnNetworkPlayersMessage(h.snapshotFor(s.id)))
	s.setState(StateOnboarded)
	h.sessions.Add(1)

	h.mu.Lock()
	h.conns[s.id] = conn
	h.mu.Unlock()

	h.Broadcast(SpawnNewPlayerMessage(player), ExceptPeer(s.id))
	h.metrics.IncOpened()
	Log.Infow("player joined", "uuid", s.id, "players", h.registry.Len())
	return s, nil
}

// leave 先移除注册表条目，再通知剩余连接；此后任何快照都不会再包含该玩家
func (h *Hub) leave(s *Session) {
	h.lifecycle.Lock()
	defer h.lifecycle.Unlock()

	if !s.setState(StateClosing) {
		return
	}
	defer h.sessions.Done()
	h.registry.Remove(s.id)

	h.mu.Lock()
	delete(h.conns, s.id)
	h.mu.Unlock()
	s.conn.Close()

	h.Broadcast(PlayerDisconnectedMessage(s.id), AllPeers)
	s.setState(StateClosed)
	h.metrics.IncClosed()
	Log.Infow("player disconnected", "uuid", s.id, "players", h.registry.Len())
}

func (h *Hub) snapshotFor(id PlayerID) []Player {
	all := h.registry.GetAll()
	if h.cfg.SnapshotIncludesSelf {
		return all
	}
	out := make([]Player, 0, len(all))
	for _, p := range all {
		if p.ID != id {
			out = append(out, p)
		}
	}
	return out
}

// Broadcast 向 filter 接受的每个在线连接投递 msg，返回成功入队的数量
// 连接集合取广播时刻的快照；单个对端失败不影响其他对端
func (h *Hub) Broadcast(msg Message, filter PeerFilter) int {
	b, err := encode(msg)
	if err != nil {
		return 0
	}

	h.mu.RLock()
	targets := make([]*ClientConn, 0, len(h.conns))
	for id, c := range h.conns {
		if filter(id) {
			targets = append(targets, c)
		}
	}
	h.mu.RUnlock()

	delivered := 0
	for _, c := range targets {
		if c.Enqueue(b) {
			delivered++
			h.metrics.IncSent()
		} else {
			h.metrics.IncSendDropped()
		}
	}
	return delivered
}

func (h *Hub) send(c *ClientConn, msg Message) bool {
	b, err := encode(msg)
	if err != nil {
		return false
	}
	if !c.Enqueue(b) {
		h.metrics.IncSendDropped()
		return false
	}
	h.metrics.IncSent()
	return true
}

// Shutdown 拒绝新连接并关闭所有在线连接，等待各会话走完离场流程、
// 写协程发出 close 帧；ctx 到期时放弃等待并返回 ctx.Err()
func (h *Hub) Shutdown(ctx context.Context) error {
	h.lifecycle.Lock()
	h.closed = true
	h.lifecycle.Unlock()

	h.mu.RLock()
	conns := make([]*ClientConn, 0, len(h.conns))
	for _, c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.RUnlock()

	for _, c := range conns {
		c.Close()
	}

	left := make(chan struct{})
	go func() {
		h.sessions.Wait()
		close(left)
	}()
	select {
	case <-left:
	case <-ctx.Done():
		Log.Warnw("hub shutdown timed out waiting for sessions", "err", ctx.Err())
		return ctx.Err()
	}
	for _, c := range conns {
		select {
		case <-c.Done():
		case <-ctx.Done():
			Log.Warnw("hub shutdown timed out waiting for writers", "err", ctx.Err())
			return ctx.Err()
		}
	}
	Log.Infow("hub shut down", "connections", len(conns))
	return nil
}

func encode(msg Message) ([]byte, error) {
	b, err := json.Marshal(msg)
	if err != nil {
		Log.Errorw("encode message failed", "cmd", msg.Cmd, "err", err)
		return nil, err
	}
	return b, nil
}
