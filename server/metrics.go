package server

import (
	"sync/atomic"
)

// RelayMetrics 记录中继运行期的关键指标（用于监控与调试）
type RelayMetrics struct {
	ConnectionsOpened int64 // 完成入场的连接数
	ConnectionsClosed int64 // 已关闭的连接数
	FramesReceived    int64 // 收到的入站帧
	MalformedFrames   int64 // 解析失败或内容不合法而丢弃的帧
	UnknownCommands   int64 // 未知 cmd 被忽略的帧
	HitsDropped       int64 // 目标已不在线而丢弃的 hit
	MessagesSent      int64 // 成功入队的出站消息
	SendsDropped      int64 // 因对端队列满或已关闭而跳过的发送
}

func (m *RelayMetrics) IncOpened() { atomic.AddInt64(&m.ConnectionsOpened, 1) }
func (m *RelayMetrics) IncClosed() { atomic.AddInt64(&m.ConnectionsClosed, 1) }
func (m *RelayMetrics) IncFrames() { atomic.AddInt64(&m.FramesReceived, 1) }
func (m *RelayMetrics) IncMalformed() { atomic.AddInt64(&m.MalformedFrames, 1) }
func (m *RelayMetrics) IncUnknownCommand() { atomic.AddInt64(&m.UnknownCommands, 1) }
func (m *RelayMetrics) IncHitDropped() { atomic.AddInt64(&m.HitsDropped, 1) }
func (m *RelayMetrics) IncSent() { atomic.AddInt64(&m.MessagesSent, 1) }
func (m *RelayMetrics) IncSendDropped() { atomic.AddInt64(&m.SendsDropped, 1) }

// Snapshot 返回只读副本，便于 HTTP 输出
func (m *RelayMetrics) Snapshot() map[string]any {
	return map[string]any{
		"connections_opened": atomic.LoadInt64(&m.ConnectionsOpened),
		"connections_closed": atomic.LoadInt64(&m.ConnectionsClosed),
		"frames_received":    atomic.LoadInt64(&m.FramesReceived),
		"malformed_frames":   atomic.LoadInt64(&m.MalformedFrames),
		"unknown_commands":   atomic.LoadInt64(&m.UnknownCommands),
		"hits_dropped":       atomic.LoadInt64(&m.HitsDropped),
		"messages_sent":      atomic.LoadInt64(&m.MessagesSent),
		"sends_dropped":      atomic.LoadInt64(&m.SendsDropped),
	}
}
