package server

// Fanout 向在线连接的子集投递消息
type Fanout interface {
	Broadcast(msg Message, filter PeerFilter) int
}

// Router 将入站事件分派到对应的扇出策略，必要时先更新注册表
//
//	position → 更新坐标，广播给除发送者外的所有人
//	shoot    → 广播给所有人（含发送者）
//	hit      → 目标仍在线时广播 apply_damage，否则静默丢弃
//	chat     → 广播给所有人（含发送者）
type Router struct {
	registry *Registry
	fanout   Fanout
	metrics  *RelayMetrics
}

func NewRouter(registry *Registry, fanout Fanout, metrics *RelayMetrics) *Router {
	if metrics == nil {
		metrics = &RelayMetrics{}
	}
	return &Router{registry: registry, fanout: fanout, metrics: metrics}
}

// Route 处理来自 from 的一个事件
func (r *Router) Route(from PlayerID, ev Event) {
	switch e := ev.(type) {
	case PositionEvent:
		// 发送者可能已在处理前断开，此时更新为 no-op
		r.registry.UpdatePose(from, e.X, e.Y, e.Anim, e.Flip)
		r.fanout.Broadcast(UpdatePositionMessage(from, e), ExceptPeer(from))

	case ShootEvent:
		r.fanout.Broadcast(ShootMessage(from, e), AllPeers)

	case HitEvent:
		// 校验与广播之间目标仍可能断开，客户端需容忍引用不存在的玩家
		if _, ok := r.registry.Get(e.Target); !ok {
			r.metrics.IncHitDropped()
			Log.Debugw("hit on absent target dropped", "uuid", from, "target", e.Target)
			return
		}
		r.fanout.Broadcast(ApplyDamageMessage(e), AllPeers)

	case ChatEvent:
		r.fanout.Broadcast(NewChatMessage(e), AllPeers)
	}
}
