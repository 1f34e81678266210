package server

import (
	"errors"
	"sync/atomic"
)

// SessionState 连接会话状态，只能单向推进
type SessionState int32

const (
	StateConnecting SessionState = iota
	StateOnboarded
	StateActive
	StateClosing
	StateClosed
)

func (s SessionState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOnboarded:
		return "onboarded"
	case StateActive:
		return "active"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Session 单个连接从入场到断开的控制流；身份在整个生命周期内不变
type Session struct {
	id    PlayerID
	hub   *Hub
	conn  *ClientConn
	state atomic.Int32
}

func newSession(id PlayerID, hub *Hub, conn *ClientConn) *Session {
	return &Session{id: id, hub: hub, conn: conn}
}

func (s *Session) ID() PlayerID { return s.id }

func (s *Session) State() SessionState { return SessionState(s.state.Load()) }

// setState 推进到 to；回退或原地转换视为编程错误，记录后忽略
func (s *Session) setState(to SessionState) bool {
	for {
		cur := s.state.Load()
		if SessionState(cur) >= to {
			Log.Errorw("invalid session transition", "uuid", s.id, "from", SessionState(cur), "to", to)
			return false
		}
		if s.state.CompareAndSwap(cur, int32(to)) {
			return true
		}
	}
}

// handleFrame 解析并路由一帧入站消息；坏帧只丢弃，不影响连接
func (s *Session) handleFrame(frame []byte) {
	m := s.hub.metrics
	m.IncFrames()

	ev, err := DecodeEvent(frame)
	switch {
	case err == nil:
		s.hub.router.Route(s.id, ev)
	case errors.Is(err, ErrUnknownCommand):
		m.IncUnknownCommand()
		Log.Debugw("unknown command ignored", "uuid", s.id, "err", err)
	default:
		m.IncMalformed()
		Log.Debugw("frame discarded", "uuid", s.id, "err", err)
	}
}
